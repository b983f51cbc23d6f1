// Package main provides a CI-friendly smoke test for Warden's cleanup pipeline.
//
// It validates:
//   - expired grants are removed while live ones survive
//   - consumed grants are removed when the toggle is on
//   - expired device codes are removed while pending ones survive
//   - the notification sink hears about exactly the removed records
//   - the run report's counters match the seeded backlog
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"warden/cmd/internal/cleanup"
	"warden/cmd/internal/opstore"
	"warden/cmd/security/handle"
)

const (
	liveGrants     = 2
	consumedGrants = 3
	liveDevices    = 2
)

type countingSink struct {
	grantKeys   map[string]bool
	deviceCodes map[string]bool
}

func (s *countingSink) GrantsRemoved(_ context.Context, removed []opstore.Grant) error {
	for _, g := range removed {
		if s.grantKeys[g.Key] {
			return fmt.Errorf("grant %q notified twice", g.Key)
		}
		s.grantKeys[g.Key] = true
	}
	return nil
}

func (s *countingSink) DeviceCodesRemoved(_ context.Context, removed []opstore.DeviceCode) error {
	for _, dc := range removed {
		if s.deviceCodes[dc.DeviceCode] {
			return fmt.Errorf("device code %q notified twice", dc.DeviceCode)
		}
		s.deviceCodes[dc.DeviceCode] = true
	}
	return nil
}

func main() {
	var (
		backend = flag.String("backend", "memory", "Store backend: memory or sqlite")
		dbPath  = flag.String("sqlite-path", "", "SQLite file path (default: temp file)")
		grants  = flag.Int("grants", 25, "Expired grants to seed")
		devices = flag.Int("devices", 10, "Expired device codes to seed")
		batch   = flag.Int("batch", 10, "Cleanup batch size")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if *grants < 1 || *devices < 1 || *batch < 1 {
		fatalf("-grants, -devices and -batch must all be >= 1")
	}

	store := mustOpenStore(*backend, *dbPath)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	now := time.Now().UTC()

	staleGrantKeys := mustSeedGrants(ctx, store, now, *grants)
	staleDeviceCodes := mustSeedDeviceCodes(ctx, store, now, *devices)

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	sink := &countingSink{grantKeys: map[string]bool{}, deviceCodes: map[string]bool{}}

	svc, err := cleanup.NewService(cleanup.Config{BatchSize: *batch, RemoveConsumedGrants: true}, store,
		cleanup.WithLogger(log),
		cleanup.WithNotification(sink),
	)
	if err != nil {
		fatalf("new cleanup service: %v", err)
	}

	rep := svc.RunCleanup(ctx)
	if rep.Failed() {
		fatalf("cleanup run failed: expired=%v consumed=%v devices=%v",
			rep.ExpiredGrants.Err, rep.ConsumedGrants.Err, rep.DeviceCodes.Err)
	}

	if rep.ExpiredGrants.Removed != *grants {
		fatalf("expired grants: removed=%d want=%d", rep.ExpiredGrants.Removed, *grants)
	}
	if rep.ConsumedGrants.Removed != consumedGrants {
		fatalf("consumed grants: removed=%d want=%d", rep.ConsumedGrants.Removed, consumedGrants)
	}
	if rep.DeviceCodes.Removed != *devices {
		fatalf("device codes: removed=%d want=%d", rep.DeviceCodes.Removed, *devices)
	}

	for _, key := range staleGrantKeys {
		if _, err := store.GetGrant(ctx, key); !errors.Is(err, opstore.ErrNotFound) {
			fatalf("stale grant %q still present (err=%v)", key, err)
		}
		if !sink.grantKeys[key] {
			fatalf("sink never heard about grant %q", key)
		}
	}
	for _, code := range staleDeviceCodes {
		if _, err := store.GetDeviceCodeByDeviceCode(ctx, code); !errors.Is(err, opstore.ErrNotFound) {
			fatalf("stale device code %q still present (err=%v)", code, err)
		}
		if !sink.deviceCodes[code] {
			fatalf("sink never heard about device code %q", code)
		}
	}

	for i := 0; i < liveGrants; i++ {
		key := grantKey(fmt.Sprintf("live-%d", i))
		if _, err := store.GetGrant(ctx, key); err != nil {
			fatalf("live grant %q must survive: %v", key, err)
		}
	}
	for i := 0; i < liveDevices; i++ {
		code := fmt.Sprintf("live-device-%d", i)
		if _, err := store.GetDeviceCodeByDeviceCode(ctx, code); err != nil {
			fatalf("pending device code %q must survive: %v", code, err)
		}
	}

	if got := len(sink.grantKeys); got != *grants+consumedGrants {
		fatalf("sink grant total=%d want=%d", got, *grants+consumedGrants)
	}
	if got := len(sink.deviceCodes); got != *devices {
		fatalf("sink device total=%d want=%d", got, *devices)
	}

	// Second run over the drained store must be a no-op.
	second := svc.RunCleanup(ctx)
	if second.Failed() || second.TotalRemoved() != 0 {
		fatalf("second run must remove nothing: removed=%d failed=%v", second.TotalRemoved(), second.Failed())
	}

	fmt.Printf("OK: backend=%s run_id=%s removed=%d batches=%d conflicts=%d\n",
		*backend, rep.RunID, rep.TotalRemoved(),
		rep.ExpiredGrants.Batches+rep.ConsumedGrants.Batches+rep.DeviceCodes.Batches,
		rep.ExpiredGrants.Conflicts+rep.ConsumedGrants.Conflicts+rep.DeviceCodes.Conflicts)
}

// grantKey derives the store key from a client-visible handle the same
// way issuing services do.
func grantKey(h string) string {
	return handle.HashHandleHex(h)
}

func mustOpenStore(backend, dbPath string) opstore.Store {
	switch backend {
	case "memory":
		return opstore.NewInMemoryStore()
	case "sqlite":
		if dbPath == "" {
			dbPath = filepath.Join(os.TempDir(), fmt.Sprintf("warden-smoke-%d.db", os.Getpid()))
		}
		st, err := opstore.OpenSQLiteStore(dbPath)
		if err != nil {
			fatalf("open sqlite store: %v", err)
		}
		return st
	default:
		fatalf("unsupported -backend %q (memory or sqlite)", backend)
		return nil
	}
}

func mustSeedGrants(ctx context.Context, store opstore.Store, now time.Time, stale int) []string {
	keys := make([]string, 0, stale)

	for i := 0; i < stale; i++ {
		exp := now.Add(-time.Hour - time.Duration(i)*time.Minute)
		key := grantKey(fmt.Sprintf("expired-%d", i))
		keys = append(keys, key)
		if err := store.PutGrant(ctx, opstore.Grant{
			Key:        key,
			Type:       opstore.GrantTypeRefreshToken,
			SubjectID:  "subject-1",
			ClientID:   "smoke-client",
			Expiration: &exp,
		}); err != nil {
			fatalf("seed expired grant %d: %v", i, err)
		}
	}

	liveExp := now.Add(24 * time.Hour)
	for i := 0; i < liveGrants; i++ {
		if err := store.PutGrant(ctx, opstore.Grant{
			Key:        grantKey(fmt.Sprintf("live-%d", i)),
			Type:       opstore.GrantTypeUserConsent,
			SubjectID:  "subject-1",
			ClientID:   "smoke-client",
			Expiration: &liveExp,
		}); err != nil {
			fatalf("seed live grant %d: %v", i, err)
		}
	}

	for i := 0; i < consumedGrants; i++ {
		consumedAt := now.Add(-30 * time.Minute)
		if err := store.PutGrant(ctx, opstore.Grant{
			Key:        grantKey(fmt.Sprintf("consumed-%d", i)),
			Type:       opstore.GrantTypeRefreshToken,
			SubjectID:  "subject-2",
			ClientID:   "smoke-client",
			Expiration: &liveExp,
			ConsumedAt: &consumedAt,
		}); err != nil {
			fatalf("seed consumed grant %d: %v", i, err)
		}
	}

	return keys
}

func mustSeedDeviceCodes(ctx context.Context, store opstore.Store, now time.Time, stale int) []string {
	codes := make([]string, 0, stale)

	for i := 0; i < stale; i++ {
		code := fmt.Sprintf("stale-device-%d", i)
		codes = append(codes, code)
		if err := store.PutDeviceCode(ctx, opstore.DeviceCode{
			DeviceCode: code,
			UserCode:   fmt.Sprintf("STALE-%04d", i),
			ClientID:   "smoke-client",
			CreatedAt:  now.Add(-2 * time.Hour),
			Expiration: now.Add(-time.Hour + time.Duration(i)*time.Minute),
		}); err != nil {
			fatalf("seed stale device code %d: %v", i, err)
		}
	}

	for i := 0; i < liveDevices; i++ {
		if err := store.PutDeviceCode(ctx, opstore.DeviceCode{
			DeviceCode: fmt.Sprintf("live-device-%d", i),
			UserCode:   fmt.Sprintf("LIVE-%04d", i),
			ClientID:   "smoke-client",
			CreatedAt:  now,
			Expiration: now.Add(10 * time.Minute),
		}); err != nil {
			fatalf("seed pending device code %d: %v", i, err)
		}
	}

	return codes
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
