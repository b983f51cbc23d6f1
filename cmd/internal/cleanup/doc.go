// Package cleanup implements Warden's background janitor.
//
// A cleanup run sweeps stale records out of the operational store in
// bounded batches: expired grants first, consumed grants when enabled,
// then expired device codes. Every batch is deleted through a
// conflict-safe committer that tolerates records vanishing under
// concurrent writers, and a notification sink observes exactly the
// records whose deletion was confirmed.
//
// The janitor never self-schedules. Host drives it on a cron cadence
// with single-flight overlap protection, and Service.RunCleanup always
// returns normally, so any recurring trigger can call it indefinitely.
package cleanup
