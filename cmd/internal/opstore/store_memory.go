package opstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is a dev/test fallback when no database is configured.
// It honors the full Store contract including all-or-nothing batch
// deletion, so the cleanup subsystem behaves identically against it.
type InMemoryStore struct {
	mu        sync.Mutex
	grants    map[string]Grant
	devices   map[string]DeviceCode
	userCodes map[string]string // user code -> device code
}

// NewInMemoryStore constructs an empty in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		grants:    make(map[string]Grant),
		devices:   make(map[string]DeviceCode),
		userCodes: make(map[string]string),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// PutGrant upserts a grant by its key.
func (s *InMemoryStore) PutGrant(ctx context.Context, g Grant) error {
	if g.Key == "" || g.Type == "" || g.ClientID == "" {
		return errors.New("invalid grant")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.grants[g.Key] = g
	return nil
}

// GetGrant returns the grant stored under key, or ErrNotFound.
func (s *InMemoryStore) GetGrant(ctx context.Context, key string) (Grant, error) {
	if key == "" {
		return Grant{}, errors.New("missing key")
	}
	if err := ctx.Err(); err != nil {
		return Grant{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[key]
	if !ok {
		return Grant{}, ErrNotFound
	}
	return g, nil
}

// ListGrants returns grants matching the filter, oldest first.
func (s *InMemoryStore) ListGrants(ctx context.Context, f GrantFilter) ([]Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	out := make([]Grant, 0, 16)
	for _, g := range s.grants {
		if f.Matches(g) {
			out = append(out, g)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

// RemoveGrant deletes a single grant, returning ErrNotFound if absent.
func (s *InMemoryStore) RemoveGrant(ctx context.Context, key string) error {
	if key == "" {
		return errors.New("missing key")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.grants[key]; !ok {
		return ErrNotFound
	}
	delete(s.grants, key)
	return nil
}

// RemoveAllGrants deletes every grant matching the filter and reports
// how many were removed. Empty filters are rejected.
func (s *InMemoryStore) RemoveAllGrants(ctx context.Context, f GrantFilter) (int64, error) {
	if f.Empty() {
		return 0, ErrEmptyFilter
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k, g := range s.grants {
		if f.Matches(g) {
			delete(s.grants, k)
			n++
		}
	}
	return n, nil
}

// PutDeviceCode upserts a device-flow record by its device code.
func (s *InMemoryStore) PutDeviceCode(ctx context.Context, dc DeviceCode) error {
	if dc.DeviceCode == "" || dc.UserCode == "" || dc.ClientID == "" {
		return errors.New("invalid device code")
	}
	if dc.Expiration.IsZero() {
		return errors.New("missing device code expiration")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if dc.CreatedAt.IsZero() {
		dc.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if bound, ok := s.userCodes[dc.UserCode]; ok && bound != dc.DeviceCode {
		return errors.New("user code already in use")
	}
	if prev, ok := s.devices[dc.DeviceCode]; ok && prev.UserCode != dc.UserCode {
		delete(s.userCodes, prev.UserCode)
	}
	s.devices[dc.DeviceCode] = dc
	s.userCodes[dc.UserCode] = dc.DeviceCode
	return nil
}

// GetDeviceCodeByUserCode looks up the record bound to a user code.
func (s *InMemoryStore) GetDeviceCodeByUserCode(ctx context.Context, userCode string) (DeviceCode, error) {
	if userCode == "" {
		return DeviceCode{}, errors.New("missing user code")
	}
	if err := ctx.Err(); err != nil {
		return DeviceCode{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.userCodes[userCode]
	if !ok {
		return DeviceCode{}, ErrNotFound
	}
	dc, ok := s.devices[code]
	if !ok {
		return DeviceCode{}, ErrNotFound
	}
	return dc, nil
}

// GetDeviceCodeByDeviceCode looks up a record by its device code.
func (s *InMemoryStore) GetDeviceCodeByDeviceCode(ctx context.Context, deviceCode string) (DeviceCode, error) {
	if deviceCode == "" {
		return DeviceCode{}, errors.New("missing device code")
	}
	if err := ctx.Err(); err != nil {
		return DeviceCode{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dc, ok := s.devices[deviceCode]
	if !ok {
		return DeviceCode{}, ErrNotFound
	}
	return dc, nil
}

// UpdateDeviceCodeByUserCode replaces the stored payload for the record
// bound to userCode. The device code, user code, and creation time are
// identity fields and keep their stored values.
func (s *InMemoryStore) UpdateDeviceCodeByUserCode(ctx context.Context, userCode string, dc DeviceCode) error {
	if userCode == "" {
		return errors.New("missing user code")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.userCodes[userCode]
	if !ok {
		return ErrNotFound
	}
	cur, ok := s.devices[code]
	if !ok {
		return ErrNotFound
	}

	cur.SubjectID = dc.SubjectID
	cur.ClientID = dc.ClientID
	cur.Description = dc.Description
	cur.Data = dc.Data
	if !dc.Expiration.IsZero() {
		cur.Expiration = dc.Expiration
	}
	s.devices[code] = cur
	return nil
}

// RemoveDeviceCode deletes a record by device code, ErrNotFound if absent.
func (s *InMemoryStore) RemoveDeviceCode(ctx context.Context, deviceCode string) error {
	if deviceCode == "" {
		return errors.New("missing device code")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dc, ok := s.devices[deviceCode]
	if !ok {
		return ErrNotFound
	}
	delete(s.devices, deviceCode)
	delete(s.userCodes, dc.UserCode)
	return nil
}

// QueryExpiredGrants returns up to limit grants whose expiration is in
// the past, ordered by expiration ascending.
func (s *InMemoryStore) QueryExpiredGrants(ctx context.Context, now time.Time, limit int) ([]Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	s.mu.Lock()
	out := make([]Grant, 0, limit)
	for _, g := range s.grants {
		if g.Expiration != nil && g.Expiration.Before(now) {
			out = append(out, g)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Expiration.Equal(*out[j].Expiration) {
			return out[i].Expiration.Before(*out[j].Expiration)
		}
		return out[i].Key < out[j].Key
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// QueryConsumedGrants returns up to limit grants whose consumed timestamp
// is in the past, ordered by consumed time ascending.
func (s *InMemoryStore) QueryConsumedGrants(ctx context.Context, now time.Time, limit int) ([]Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	s.mu.Lock()
	out := make([]Grant, 0, limit)
	for _, g := range s.grants {
		if g.ConsumedAt != nil && g.ConsumedAt.Before(now) {
			out = append(out, g)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ConsumedAt.Equal(*out[j].ConsumedAt) {
			return out[i].ConsumedAt.Before(*out[j].ConsumedAt)
		}
		return out[i].Key < out[j].Key
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// QueryExpiredDeviceCodes returns up to limit expired device-flow
// records, ordered by expiration ascending.
func (s *InMemoryStore) QueryExpiredDeviceCodes(ctx context.Context, now time.Time, limit int) ([]DeviceCode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	s.mu.Lock()
	out := make([]DeviceCode, 0, limit)
	for _, dc := range s.devices {
		if dc.Expiration.Before(now) {
			out = append(out, dc)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Expiration.Equal(out[j].Expiration) {
			return out[i].Expiration.Before(out[j].Expiration)
		}
		return out[i].DeviceCode < out[j].DeviceCode
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteGrants removes a batch of grants, all or nothing. Any key already
// absent makes the whole call a *ConflictError and nothing is deleted.
func (s *InMemoryStore) DeleteGrants(ctx context.Context, keys []string) error {
	keys = dedupeKeys(keys)
	if len(keys) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	found := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := s.grants[k]; ok {
			found[k] = struct{}{}
		}
	}
	if missing := conflictKeySet(keys, found); len(missing) > 0 {
		return &ConflictError{Keys: missing}
	}
	for _, k := range keys {
		delete(s.grants, k)
	}
	return nil
}

// DeleteDeviceCodes removes a batch of device-flow records, all or
// nothing, with the same conflict semantics as DeleteGrants.
func (s *InMemoryStore) DeleteDeviceCodes(ctx context.Context, codes []string) error {
	codes = dedupeKeys(codes)
	if len(codes) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	found := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		if _, ok := s.devices[c]; ok {
			found[c] = struct{}{}
		}
	}
	if missing := conflictKeySet(codes, found); len(missing) > 0 {
		return &ConflictError{Keys: missing}
	}
	for _, c := range codes {
		dc := s.devices[c]
		delete(s.devices, c)
		delete(s.userCodes, dc.UserCode)
	}
	return nil
}
