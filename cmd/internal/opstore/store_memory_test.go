package opstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func timePtr(t time.Time) *time.Time { return &t }

func seedGrant(t *testing.T, s GrantStore, key string, exp, consumed *time.Time) Grant {
	t.Helper()

	g := Grant{
		Key:        key,
		Type:       GrantTypeRefreshToken,
		SubjectID:  "subject-1",
		ClientID:   "client-1",
		CreatedAt:  time.Now().UTC(),
		Expiration: exp,
		ConsumedAt: consumed,
		Data:       `{"payload":true}`,
	}
	if err := s.PutGrant(context.Background(), g); err != nil {
		t.Fatalf("put grant %s: %v", key, err)
	}
	return g
}

func TestInMemoryStore_GrantRoundTrip(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()

	exp := time.Now().UTC().Add(time.Hour)
	in := Grant{
		Key:        "g-1",
		Type:       GrantTypeAuthorizationCode,
		SubjectID:  "sub-a",
		ClientID:   "client-a",
		SessionID:  "sess-a",
		Expiration: &exp,
		Data:       "blob",
	}
	if err := s.PutGrant(ctx, in); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.GetGrant(ctx, "g-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Key != "g-1" || got.Type != GrantTypeAuthorizationCode || got.Data != "blob" {
		t.Fatalf("unexpected grant: %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Fatalf("expected CreatedAt to be defaulted")
	}

	// Upsert replaces the stored record.
	in.Data = "blob-2"
	if err := s.PutGrant(ctx, in); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err = s.GetGrant(ctx, "g-1")
	if err != nil {
		t.Fatalf("get after upsert: %v", err)
	}
	if got.Data != "blob-2" {
		t.Fatalf("expected upserted data, got %q", got.Data)
	}

	if err := s.RemoveGrant(ctx, "g-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := s.GetGrant(ctx, "g-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.RemoveGrant(ctx, "g-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double remove, got %v", err)
	}
}

func TestInMemoryStore_ListAndRemoveAllGrants(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		g := Grant{
			Key:       fmt.Sprintf("sub-a-%d", i),
			Type:      GrantTypeRefreshToken,
			SubjectID: "sub-a",
			ClientID:  "client-a",
			CreatedAt: time.Now().UTC().Add(time.Duration(i) * time.Second),
		}
		if err := s.PutGrant(ctx, g); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if err := s.PutGrant(ctx, Grant{
		Key: "sub-b-0", Type: GrantTypeUserConsent, SubjectID: "sub-b", ClientID: "client-a",
	}); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.ListGrants(ctx, GrantFilter{SubjectID: "sub-a"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 grants for sub-a, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].CreatedAt.Before(got[i-1].CreatedAt) {
			t.Fatalf("list not ordered by CreatedAt: %v then %v", got[i-1].CreatedAt, got[i].CreatedAt)
		}
	}

	byType, err := s.ListGrants(ctx, GrantFilter{Types: []string{GrantTypeUserConsent}})
	if err != nil {
		t.Fatalf("list by type: %v", err)
	}
	if len(byType) != 1 || byType[0].Key != "sub-b-0" {
		t.Fatalf("unexpected type filter result: %+v", byType)
	}

	if _, err := s.RemoveAllGrants(ctx, GrantFilter{}); !errors.Is(err, ErrEmptyFilter) {
		t.Fatalf("expected ErrEmptyFilter, got %v", err)
	}

	n, err := s.RemoveAllGrants(ctx, GrantFilter{SubjectID: "sub-a"})
	if err != nil {
		t.Fatalf("remove all: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 removed, got %d", n)
	}
	rest, err := s.ListGrants(ctx, GrantFilter{SubjectID: "sub-b"})
	if err != nil || len(rest) != 1 {
		t.Fatalf("expected sub-b grant to survive: %v %d", err, len(rest))
	}
}

func TestInMemoryStore_DeviceCodeLifecycle(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()

	exp := time.Now().UTC().Add(10 * time.Minute)
	dc := DeviceCode{
		DeviceCode: "dev-1",
		UserCode:   "user-1",
		ClientID:   "client-a",
		Expiration: exp,
		Data:       "pending",
	}
	if err := s.PutDeviceCode(ctx, dc); err != nil {
		t.Fatalf("put: %v", err)
	}

	byUser, err := s.GetDeviceCodeByUserCode(ctx, "user-1")
	if err != nil {
		t.Fatalf("get by user code: %v", err)
	}
	if byUser.DeviceCode != "dev-1" {
		t.Fatalf("unexpected device code: %q", byUser.DeviceCode)
	}

	byDevice, err := s.GetDeviceCodeByDeviceCode(ctx, "dev-1")
	if err != nil {
		t.Fatalf("get by device code: %v", err)
	}
	if byDevice.UserCode != "user-1" {
		t.Fatalf("unexpected user code: %q", byDevice.UserCode)
	}

	// A different record must not reuse a live user code.
	err = s.PutDeviceCode(ctx, DeviceCode{
		DeviceCode: "dev-2", UserCode: "user-1", ClientID: "client-a", Expiration: exp,
	})
	if err == nil {
		t.Fatalf("expected user code collision error")
	}

	// Approval fills subject and payload but keeps identity fields.
	update := DeviceCode{SubjectID: "sub-a", Data: "authorized"}
	if err := s.UpdateDeviceCodeByUserCode(ctx, "user-1", update); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := s.GetDeviceCodeByDeviceCode(ctx, "dev-1")
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if got.SubjectID != "sub-a" || got.Data != "authorized" {
		t.Fatalf("update not applied: %+v", got)
	}
	if got.DeviceCode != "dev-1" || got.UserCode != "user-1" {
		t.Fatalf("identity fields changed: %+v", got)
	}
	if !got.Expiration.Equal(exp) {
		t.Fatalf("zero update expiration must keep stored value")
	}

	if err := s.UpdateDeviceCodeByUserCode(ctx, "user-missing", update); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.RemoveDeviceCode(ctx, "dev-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := s.GetDeviceCodeByUserCode(ctx, "user-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected user code index cleared, got %v", err)
	}
}

func TestInMemoryStore_QueryExpiredGrants_OrderAndLimit(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	now := time.Now().UTC()

	// Three expired at distinct moments, one live, one unexpirable.
	seedGrant(t, s, "old-2", timePtr(now.Add(-2*time.Hour)), nil)
	seedGrant(t, s, "old-3", timePtr(now.Add(-3*time.Hour)), nil)
	seedGrant(t, s, "old-1", timePtr(now.Add(-1*time.Hour)), nil)
	seedGrant(t, s, "live", timePtr(now.Add(time.Hour)), nil)
	seedGrant(t, s, "forever", nil, nil)

	got, err := s.QueryExpiredGrants(context.Background(), now, 2)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0].Key != "old-3" || got[1].Key != "old-2" {
		t.Fatalf("expected oldest-stale-first [old-3 old-2], got [%s %s]", got[0].Key, got[1].Key)
	}

	all, err := s.QueryExpiredGrants(context.Background(), now, 10)
	if err != nil {
		t.Fatalf("query all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 expired records, got %d", len(all))
	}
	for _, g := range all {
		if g.Key == "live" || g.Key == "forever" {
			t.Fatalf("non-eligible grant %q returned", g.Key)
		}
	}
}

func TestInMemoryStore_QueryConsumedGrants(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	now := time.Now().UTC()

	live := timePtr(now.Add(time.Hour))
	seedGrant(t, s, "consumed-old", live, timePtr(now.Add(-2*time.Hour)))
	seedGrant(t, s, "consumed-new", live, timePtr(now.Add(-1*time.Hour)))
	seedGrant(t, s, "unconsumed", live, nil)

	got, err := s.QueryConsumedGrants(context.Background(), now, 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 consumed grants, got %d", len(got))
	}
	if got[0].Key != "consumed-old" || got[1].Key != "consumed-new" {
		t.Fatalf("expected consumed-at ordering, got [%s %s]", got[0].Key, got[1].Key)
	}
}

func TestInMemoryStore_QueryExpiredDeviceCodes(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	for i, exp := range []time.Time{
		now.Add(-1 * time.Minute),
		now.Add(-3 * time.Minute),
		now.Add(2 * time.Minute),
	} {
		err := s.PutDeviceCode(ctx, DeviceCode{
			DeviceCode: fmt.Sprintf("dev-%d", i),
			UserCode:   fmt.Sprintf("user-%d", i),
			ClientID:   "client-a",
			Expiration: exp,
		})
		if err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}

	got, err := s.QueryExpiredDeviceCodes(ctx, now, 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 expired codes, got %d", len(got))
	}
	if got[0].DeviceCode != "dev-1" || got[1].DeviceCode != "dev-0" {
		t.Fatalf("expected expiration ordering [dev-1 dev-0], got [%s %s]", got[0].DeviceCode, got[1].DeviceCode)
	}
}

func TestInMemoryStore_DeleteGrants_AllOrNothing(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	seedGrant(t, s, "a", timePtr(now.Add(-time.Hour)), nil)
	seedGrant(t, s, "b", timePtr(now.Add(-time.Hour)), nil)

	// "c" was never stored: the whole batch must be rejected untouched.
	err := s.DeleteGrants(ctx, []string{"a", "b", "c"})
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if len(conflict.Keys) != 1 || conflict.Keys[0] != "c" {
		t.Fatalf("expected conflict on [c], got %v", conflict.Keys)
	}
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("ConflictError must unwrap to ErrConflict")
	}
	if _, err := s.GetGrant(ctx, "a"); err != nil {
		t.Fatalf("grant a must survive a conflicted batch: %v", err)
	}

	// The surviving remainder deletes cleanly.
	if err := s.DeleteGrants(ctx, []string{"a", "b"}); err != nil {
		t.Fatalf("delete remainder: %v", err)
	}
	if _, err := s.GetGrant(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected a gone, got %v", err)
	}

	// Duplicates and blanks collapse; an empty effective batch is a no-op.
	if err := s.DeleteGrants(ctx, []string{"", "  "}); err != nil {
		t.Fatalf("empty batch: %v", err)
	}
}

func TestInMemoryStore_DeleteDeviceCodes_Conflict(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()
	exp := time.Now().UTC().Add(-time.Minute)

	for _, code := range []string{"d1", "d2"} {
		err := s.PutDeviceCode(ctx, DeviceCode{
			DeviceCode: code, UserCode: "u-" + code, ClientID: "client-a", Expiration: exp,
		})
		if err != nil {
			t.Fatalf("put %s: %v", code, err)
		}
	}

	err := s.DeleteDeviceCodes(ctx, []string{"d1", "gone"})
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if _, err := s.GetDeviceCodeByDeviceCode(ctx, "d1"); err != nil {
		t.Fatalf("d1 must survive conflicted batch: %v", err)
	}

	if err := s.DeleteDeviceCodes(ctx, []string{"d1", "d2", "d1"}); err != nil {
		t.Fatalf("delete with duplicate: %v", err)
	}
	if _, err := s.GetDeviceCodeByUserCode(ctx, "u-d1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("user code index must be cleared, got %v", err)
	}
}

func TestInMemoryStore_CancelledContext(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	now := time.Now().UTC()
	seedGrant(t, s, "a", timePtr(now.Add(-time.Hour)), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.DeleteGrants(ctx, []string{"a"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := s.GetGrant(context.Background(), "a"); err != nil {
		t.Fatalf("cancelled delete must have no effect: %v", err)
	}
	if _, err := s.QueryExpiredGrants(ctx, now, 10); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled from query, got %v", err)
	}
}
