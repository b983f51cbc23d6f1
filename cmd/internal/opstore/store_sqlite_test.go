package opstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func openTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "warden.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_OpenRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	if _, err := OpenSQLiteStore("   "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestSQLiteStore_GrantPersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "warden.db")
	ctx := context.Background()

	s, err := OpenSQLiteStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	exp := time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond)
	g := Grant{
		Key:        "g-1",
		Type:       GrantTypeReferenceToken,
		SubjectID:  "sub-a",
		ClientID:   "client-a",
		Expiration: &exp,
		Data:       `{"v":1}`,
	}
	if err := s.PutGrant(ctx, g); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := OpenSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = s2.Close() }()

	got, err := s2.GetGrant(ctx, "g-1")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.Data != `{"v":1}` || got.Type != GrantTypeReferenceToken {
		t.Fatalf("unexpected grant: %+v", got)
	}
	if got.Expiration == nil || !got.Expiration.Equal(exp) {
		t.Fatalf("expiration mismatch: got %v want %v", got.Expiration, exp)
	}
	if got.ConsumedAt != nil {
		t.Fatalf("expected nil ConsumedAt, got %v", got.ConsumedAt)
	}
}

func TestSQLiteStore_NullTimestampsRoundTrip(t *testing.T) {
	t.Parallel()

	s := openTestSQLite(t)
	ctx := context.Background()

	if err := s.PutGrant(ctx, Grant{Key: "forever", Type: GrantTypeUserConsent, ClientID: "c"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.GetGrant(ctx, "forever")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Expiration != nil || got.ConsumedAt != nil {
		t.Fatalf("expected NULL timestamps to stay nil: %+v", got)
	}

	// Unexpirable grants are never eligible for the expired scan.
	eligible, err := s.QueryExpiredGrants(ctx, time.Now().UTC().Add(24*time.Hour), 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(eligible) != 0 {
		t.Fatalf("expected no eligible grants, got %d", len(eligible))
	}
}

func TestSQLiteStore_JanitorQueriesOrderAndLimit(t *testing.T) {
	t.Parallel()

	s := openTestSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 1; i <= 4; i++ {
		exp := now.Add(-time.Duration(i) * time.Hour)
		g := Grant{
			Key:        fmt.Sprintf("g-%d", i),
			Type:       GrantTypeRefreshToken,
			ClientID:   "client-a",
			Expiration: &exp,
		}
		if err := s.PutGrant(ctx, g); err != nil {
			t.Fatalf("put g-%d: %v", i, err)
		}
	}

	got, err := s.QueryExpiredGrants(ctx, now, 3)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(got))
	}
	// g-4 expired longest ago and must lead.
	if got[0].Key != "g-4" || got[1].Key != "g-3" || got[2].Key != "g-2" {
		t.Fatalf("unexpected order: [%s %s %s]", got[0].Key, got[1].Key, got[2].Key)
	}

	for i := 1; i <= 2; i++ {
		err := s.PutDeviceCode(ctx, DeviceCode{
			DeviceCode: fmt.Sprintf("d-%d", i),
			UserCode:   fmt.Sprintf("u-%d", i),
			ClientID:   "client-a",
			Expiration: now.Add(-time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("put d-%d: %v", i, err)
		}
	}
	codes, err := s.QueryExpiredDeviceCodes(ctx, now, 10)
	if err != nil {
		t.Fatalf("query device codes: %v", err)
	}
	if len(codes) != 2 || codes[0].DeviceCode != "d-2" {
		t.Fatalf("expected [d-2 d-1], got %+v", codes)
	}
}

func TestSQLiteStore_DeleteBatchConflictRollsBack(t *testing.T) {
	t.Parallel()

	s := openTestSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()
	exp := now.Add(-time.Hour)

	for _, k := range []string{"a", "b", "c"} {
		if err := s.PutGrant(ctx, Grant{Key: k, Type: GrantTypeRefreshToken, ClientID: "c1", Expiration: &exp}); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}

	// Simulate another actor removing "b" between query and commit.
	if err := s.RemoveGrant(ctx, "b"); err != nil {
		t.Fatalf("remove b: %v", err)
	}

	err := s.DeleteGrants(ctx, []string{"a", "b", "c"})
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if len(conflict.Keys) != 1 || conflict.Keys[0] != "b" {
		t.Fatalf("expected conflict on [b], got %v", conflict.Keys)
	}

	// Nothing else was deleted: a and c survive the rolled-back batch.
	for _, k := range []string{"a", "c"} {
		if _, err := s.GetGrant(ctx, k); err != nil {
			t.Fatalf("grant %s must survive rollback: %v", k, err)
		}
	}

	if err := s.DeleteGrants(ctx, []string{"a", "c"}); err != nil {
		t.Fatalf("delete remainder: %v", err)
	}
	left, err := s.QueryExpiredGrants(ctx, now, 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(left) != 0 {
		t.Fatalf("expected empty store, got %d rows", len(left))
	}
}

func TestSQLiteStore_DeviceCodeUpdateByUserCode(t *testing.T) {
	t.Parallel()

	s := openTestSQLite(t)
	ctx := context.Background()
	exp := time.Now().UTC().Add(5 * time.Minute).Truncate(time.Millisecond)

	err := s.PutDeviceCode(ctx, DeviceCode{
		DeviceCode: "dev-1", UserCode: "user-1", ClientID: "client-a", Expiration: exp, Data: "pending",
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := s.UpdateDeviceCodeByUserCode(ctx, "user-1", DeviceCode{SubjectID: "sub-9", Data: "authorized"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := s.GetDeviceCodeByUserCode(ctx, "user-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SubjectID != "sub-9" || got.Data != "authorized" || got.ClientID != "client-a" {
		t.Fatalf("unexpected record after update: %+v", got)
	}
	if !got.Expiration.Equal(exp) {
		t.Fatalf("zero-valued update expiration must keep stored value")
	}

	if err := s.UpdateDeviceCodeByUserCode(ctx, "missing", DeviceCode{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
