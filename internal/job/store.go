package job

import (
	"context"
	"encoding/json"
	"time"
)

// Store persists and retrieves jobs. Both backends implement the same
// contract; pipelines and the worker depend only on this interface.
type Store interface {
	// Create inserts a new pending job and returns the full row.
	Create(ctx context.Context, t Type, metadata json.RawMessage) (*Job, error)
	// Get returns the job or (nil, nil) if the ID is unknown.
	Get(ctx context.Context, id string) (*Job, error)
	// Update applies a partial mutation and refreshes updated_at even
	// when the partial is empty. Returns ErrNotFound for unknown IDs.
	Update(ctx context.Context, id string, u Update) error
	// Touch refreshes updated_at only. Used as the heartbeat.
	Touch(ctx context.Context, id string) error
	Complete(ctx context.Context, id string, result json.RawMessage) error
	Fail(ctx context.Context, id string, errMsg string) error
	// Cancel marks the job cancelled. It is a no-op, not an error, when
	// the job is already in a terminal state.
	Cancel(ctx context.Context, id string) error
	// List returns jobs ordered by created_at DESC.
	List(ctx context.Context, f Filter) ([]*Job, error)
	// ClaimNextPending atomically flips the oldest pending job to
	// processing and returns it, or (nil, nil) when the queue is empty.
	// Each pending job is claimed by exactly one caller even under
	// concurrent claims against the same store.
	ClaimNextPending(ctx context.Context) (*Job, error)
	// MarkStaleJobsFailed fails every processing job whose updated_at is
	// older than now-timeout, optionally scoped to one type (t == "").
	// Returns the number of jobs transitioned.
	MarkStaleJobsFailed(ctx context.Context, timeout time.Duration, t Type) (int64, error)
	// QueuePosition returns the number of pending jobs queued ahead of
	// this one, or -1 if the job is not currently pending.
	QueuePosition(ctx context.Context, id string) (int, error)
	Close() error
}

func staleError(timeout time.Duration) string {
	return "job timed out after " + timeout.String() + " in processing state"
}
