package opstore

import (
	"context"
	"time"
)

// GrantStore is the upstream-facing grant persistence surface.
//
// Requirements:
//   - PutGrant upserts by Key
//   - GetGrant/RemoveGrant return ErrNotFound for absent keys
//   - RemoveAllGrants rejects empty filters with ErrEmptyFilter
type GrantStore interface {
	PutGrant(ctx context.Context, g Grant) error
	GetGrant(ctx context.Context, key string) (Grant, error)
	ListGrants(ctx context.Context, f GrantFilter) ([]Grant, error)
	RemoveGrant(ctx context.Context, key string) error
	RemoveAllGrants(ctx context.Context, f GrantFilter) (int64, error)
}

// DeviceCodeStore is the upstream-facing device-flow persistence surface.
// Lookups by user code serve the approval step; lookups by device code
// serve token polling.
type DeviceCodeStore interface {
	PutDeviceCode(ctx context.Context, dc DeviceCode) error
	GetDeviceCodeByUserCode(ctx context.Context, userCode string) (DeviceCode, error)
	GetDeviceCodeByDeviceCode(ctx context.Context, deviceCode string) (DeviceCode, error)
	UpdateDeviceCodeByUserCode(ctx context.Context, userCode string, dc DeviceCode) error
	RemoveDeviceCode(ctx context.Context, deviceCode string) error
}

// JanitorStore is the slice of the store consumed by the cleanup
// subsystem.
//
// Requirements:
//   - Query methods return at most limit records, oldest-stale-first:
//     expired scans order by expiration ascending, the consumed scan by
//     consumed_at ascending
//   - Delete methods are all-or-nothing per call: when any targeted
//     record is already gone the store commits no deletions and returns
//     a *ConflictError naming the missing handles
//   - A cancelled context aborts before commit with no partial effect
type JanitorStore interface {
	QueryExpiredGrants(ctx context.Context, now time.Time, limit int) ([]Grant, error)
	QueryConsumedGrants(ctx context.Context, now time.Time, limit int) ([]Grant, error)
	QueryExpiredDeviceCodes(ctx context.Context, now time.Time, limit int) ([]DeviceCode, error)
	DeleteGrants(ctx context.Context, keys []string) error
	DeleteDeviceCodes(ctx context.Context, codes []string) error
}

// Store is the full operational store: grant and device-code persistence
// plus the janitor queries, with a Close for backends that own their
// underlying handle.
type Store interface {
	GrantStore
	DeviceCodeStore
	JanitorStore
	Close() error
}

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

// clampLimit normalizes janitor query limits into [1, maxQueryLimit].
func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultQueryLimit
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}
