package conversation

import (
	"context"
	"time"
)

// SearchOpts configures a keyword / full-text search over messages.
// All non-zero fields are applied as AND conditions.
type SearchOpts struct {
	// SessionID restricts the search to a single session.
	// An empty string searches across all sessions.
	SessionID string

	// Author restricts results to messages by a specific author
	// (a participant id or [AuthorUser]).
	Author string

	// After filters messages created after this instant (exclusive).
	// A zero Time disables the lower bound.
	After time.Time

	// Before filters messages created before this instant (exclusive).
	// A zero Time disables the upper bound.
	Before time.Time

	// Limit caps the number of results returned.
	// A value of 0 means the implementation may apply its own default.
	Limit int
}

// Store is the persistence contract for sessions, messages, pins, and
// summaries.
//
// Appends are idempotent on record ID: writing a message or summary whose ID
// already exists is a no-op, not an error. Message order within a session is
// CreatedAt ascending with ID as tiebreaker; implementations must return
// histories in that order.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// CreateSession persists a new session. The caller supplies the ID.
	CreateSession(ctx context.Context, sess Session) error

	// GetSession retrieves a session by id.
	// Returns an error wrapping [ErrNotFound] when it does not exist.
	GetSession(ctx context.Context, id string) (*Session, error)

	// ListSessions returns sessions ordered by UpdatedAt descending.
	// Archived sessions are included only when includeArchived is true.
	ListSessions(ctx context.Context, includeArchived bool) ([]Session, error)

	// RenameSession updates the session title.
	// Returns an error wrapping [ErrNotFound] when it does not exist.
	RenameSession(ctx context.Context, id, name string) error

	// ArchiveSession hides a session from the default listing. History is kept.
	// Archiving an already-archived session is a no-op.
	ArchiveSession(ctx context.Context, id string) error

	// AppendMessage appends one message to its session and bumps the session's
	// UpdatedAt. Re-appending an existing message ID is a no-op.
	AppendMessage(ctx context.Context, msg Message) error

	// AppendBatch appends several messages atomically: either every message is
	// persisted or none is. All messages must belong to the same session.
	AppendBatch(ctx context.Context, msgs []Message) error

	// Messages returns the full ordered history of a session.
	// Returns an empty (non-nil) slice for an existing but empty session.
	Messages(ctx context.Context, sessionID string) ([]Message, error)

	// SetPinned updates the pinned flag on a message.
	// Returns an error wrapping [ErrNotFound] when the message does not exist.
	SetPinned(ctx context.Context, messageID string, pinned bool) error

	// Search performs keyword / full-text search over message content.
	// Results are ordered by relevance, then recency.
	// Returns an empty (non-nil) slice when nothing matches.
	Search(ctx context.Context, query string, opts SearchOpts) ([]Message, error)

	// AddSummary persists a summary. Re-adding an existing summary ID is a
	// no-op. A full summary retires the incremental summaries whose ranges it
	// overlaps.
	AddSummary(ctx context.Context, sum Summary) error

	// LatestSummary returns the most recent active summary for a session, or
	// an error wrapping [ErrNotFound] when the session has none.
	LatestSummary(ctx context.Context, sessionID string) (*Summary, error)

	// Export snapshots an entire session (messages and summaries included).
	Export(ctx context.Context, sessionID string) (*SessionExport, error)

	// Import writes a previously exported session into the store, preserving
	// all ids and timestamps. Importing over existing records is idempotent.
	Import(ctx context.Context, exp *SessionExport) error

	// Close releases the store's resources.
	Close() error
}
