package agentloop

import "context"

// Store persists threads. The engine saves once per turn, after every message of the
// turn has been appended. Implementations must treat a save of an already stored prefix
// as a no-op for that prefix (append-only, idempotent replay).
type Store interface {
	// Get returns the thread or an error wrapping ErrThreadNotFound.
	Get(ctx context.Context, id string) (*Thread, error)
	Save(ctx context.Context, thread *Thread) error
}
