package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"warden/cmd/internal/opstore"
)

// maxCommitAttempts bounds how often one batch is retried while the
// store keeps reporting concurrent removals.
const maxCommitAttempts = 3

// sweep describes one record kind's pass over the store: fetching the
// next batch of eligible records (ordered oldest-stale-first, at most
// limit of them), deleting a set of handles, extracting a record's
// handle, and reporting confirmed deletions to the sink.
//
// Different record kinds plug in their own functions; the loop and the
// conflict protocol are shared.
type sweep[R any] struct {
	kind   string
	fetch  func(ctx context.Context, now time.Time, limit int) ([]R, error)
	delete func(ctx context.Context, keys []string) error
	key    func(R) string
	notify func(ctx context.Context, removed []R) error
}

// run drains all currently eligible records of one kind in bounded
// batches: fetch up to batchSize, commit the deletions, notify the sink
// with exactly the confirmed removals, repeat.
//
// The loop stops once a fetch comes back smaller than batchSize, reading
// a short batch as backlog exhaustion. That is a liveness assumption,
// not a proof: writers racing the sweep can keep it looping for longer
// than one backlog pass, bounded by how fast the backlog grows.
func (sw sweep[R]) run(ctx context.Context, log *slog.Logger, batchSize int, now func() time.Time) (SweepResult, error) {
	res := SweepResult{Kind: sw.kind}

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		records, err := sw.fetch(ctx, now(), batchSize)
		if err != nil {
			return res, fmt.Errorf("query %s batch: %w", sw.kind, err)
		}
		if len(records) == 0 {
			return res, nil
		}
		res.Batches++

		removed, conflicts, abandoned, err := sw.commitBatch(ctx, log, records)
		res.Conflicts += conflicts
		res.Abandoned += abandoned
		if err != nil {
			return res, err
		}

		if len(removed) > 0 {
			if err := sw.notify(ctx, removed); err != nil {
				return res, fmt.Errorf("notify %s removals: %w", sw.kind, err)
			}
			res.Removed += len(removed)
		}

		if len(records) < batchSize {
			return res, nil
		}
	}
}

// commitBatch deletes one fetched batch, tolerating concurrent removals.
//
// Each attempt targets the still-pending handles. A conflict means those
// records are already gone, which is the end state the janitor wants, so
// the losers are dropped from the pending set (and from any later
// notification) and the remainder is retried, up to maxCommitAttempts
// delete calls in total. Running out of attempts abandons the remainder
// for a future cycle at debug level; only non-conflict store errors
// propagate to the caller.
func (sw sweep[R]) commitBatch(ctx context.Context, log *slog.Logger, records []R) (committed []R, conflicts, abandoned int, err error) {
	pending := records

	for attempt := 1; attempt <= maxCommitAttempts; attempt++ {
		if len(pending) == 0 {
			// Every record in the batch lost its race. Nothing to commit,
			// nothing to notify.
			return nil, conflicts, 0, nil
		}

		keys := make([]string, len(pending))
		for i, r := range pending {
			keys[i] = sw.key(r)
		}

		err := sw.delete(ctx, keys)
		if err == nil {
			return pending, conflicts, 0, nil
		}

		var conflict *opstore.ConflictError
		if !errors.As(err, &conflict) {
			return nil, conflicts, 0, fmt.Errorf("delete %s batch: %w", sw.kind, err)
		}

		conflicts += len(conflict.Keys)
		pending = dropConflicted(pending, sw.key, conflict.Keys)

		log.Debug("cleanup.batch.conflict",
			"kind", sw.kind,
			"attempt", attempt,
			"conflicts", len(conflict.Keys),
			"pending", len(pending),
		)
	}

	log.Debug("cleanup.batch.abandoned", "kind", sw.kind, "records", len(pending))
	return nil, conflicts, len(pending), nil
}

// dropConflicted returns records minus those whose handle lost a
// concurrency conflict.
func dropConflicted[R any](records []R, key func(R) string, lost []string) []R {
	gone := make(map[string]struct{}, len(lost))
	for _, k := range lost {
		gone[k] = struct{}{}
	}

	kept := make([]R, 0, len(records))
	for _, r := range records {
		if _, ok := gone[key(r)]; ok {
			continue
		}
		kept = append(kept, r)
	}
	return kept
}
