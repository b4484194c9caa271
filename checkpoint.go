package relay

import "context"

// Checkpoint is the minimal durable state needed to resume a session after a
// process restart: the engine continuation token, the stored message history
// (for engine variants without server-side state), and the save time used for
// the staleness check on restore.
type Checkpoint struct {
	Continuation string    `json:"continuation,omitempty"`
	Messages     []Message `json:"messages,omitempty"`
	SavedAt      int64     `json:"saved_at"`
}

// CheckpointStore persists one small record per session identity.
// Implementations live in store/sqlite and store/postgres.
//
// The contract is: Save then Load round-trips exactly, and Load after Clear
// reports no checkpoint. Staleness is the caller's concern; the store returns
// whatever was saved.
type CheckpointStore interface {
	// Save writes the checkpoint for sessionID, replacing any previous one.
	Save(ctx context.Context, sessionID string, cp Checkpoint) error
	// Load returns the checkpoint for sessionID and whether one exists.
	Load(ctx context.Context, sessionID string) (Checkpoint, bool, error)
	// Clear removes the checkpoint for sessionID. Clearing a missing
	// checkpoint is not an error.
	Clear(ctx context.Context, sessionID string) error
}
