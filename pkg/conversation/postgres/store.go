package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codecrew-ai/codecrew/pkg/conversation"
)

// DB is the subset of pgxpool.Pool the store uses. It is satisfied by both
// *pgxpool.Pool and pgxmock's pool interface, which keeps the store unit
// testable without a live database.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is the PostgreSQL-backed [conversation.Store].
// All operations are safe for concurrent use.
type Store struct {
	db   DB
	pool *pgxpool.Pool
}

var _ conversation.Store = (*Store)(nil)

// NewStore creates a Store, establishes a connection pool to the PostgreSQL
// database at dsn, and runs [Migrate] to ensure the schema exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{db: pool, pool: pool}, nil
}

// NewStoreWithDB wraps an existing DB without connecting or migrating.
// Intended for tests.
func NewStoreWithDB(db DB) *Store {
	return &Store{db: db}
}

// Close releases all connections held by the underlying pool, if any.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Sessions
// ─────────────────────────────────────────────────────────────────────────────

// CreateSession implements [conversation.Store].
func (s *Store) CreateSession(ctx context.Context, sess conversation.Session) error {
	const q = `
		INSERT INTO sessions (id, name, project_root, archived, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.db.Exec(ctx, q,
		sess.ID, sess.Name, sess.ProjectRoot, sess.Archived, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres store: create session: %w", err)
	}
	return nil
}

// GetSession implements [conversation.Store].
func (s *Store) GetSession(ctx context.Context, id string) (*conversation.Session, error) {
	const q = `
		SELECT id, name, project_root, archived, created_at, updated_at
		FROM   sessions
		WHERE  id = $1`

	var sess conversation.Session
	err := s.db.QueryRow(ctx, q, id).Scan(
		&sess.ID, &sess.Name, &sess.ProjectRoot, &sess.Archived, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres store: get session %q: %w", id, conversation.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: get session: %w", err)
	}
	return &sess, nil
}

// ListSessions implements [conversation.Store].
func (s *Store) ListSessions(ctx context.Context, includeArchived bool) ([]conversation.Session, error) {
	q := `
		SELECT id, name, project_root, archived, created_at, updated_at
		FROM   sessions`
	if !includeArchived {
		q += `
		WHERE  NOT archived`
	}
	q += `
		ORDER  BY updated_at DESC`

	rows, err := s.db.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list sessions: %w", err)
	}
	sessions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (conversation.Session, error) {
		var sess conversation.Session
		err := row.Scan(&sess.ID, &sess.Name, &sess.ProjectRoot, &sess.Archived, &sess.CreatedAt, &sess.UpdatedAt)
		return sess, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan sessions: %w", err)
	}
	if sessions == nil {
		sessions = []conversation.Session{}
	}
	return sessions, nil
}

// RenameSession implements [conversation.Store].
func (s *Store) RenameSession(ctx context.Context, id, name string) error {
	const q = `UPDATE sessions SET name = $2, updated_at = now() WHERE id = $1`

	tag, err := s.db.Exec(ctx, q, id, name)
	if err != nil {
		return fmt.Errorf("postgres store: rename session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres store: rename session %q: %w", id, conversation.ErrNotFound)
	}
	return nil
}

// ArchiveSession implements [conversation.Store].
func (s *Store) ArchiveSession(ctx context.Context, id string) error {
	const q = `UPDATE sessions SET archived = TRUE WHERE id = $1`

	tag, err := s.db.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("postgres store: archive session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres store: archive session %q: %w", id, conversation.ErrNotFound)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Messages
// ─────────────────────────────────────────────────────────────────────────────

const insertMessageSQL = `
		INSERT INTO messages
		    (id, session_id, role, author, content, tool_calls, tool_results, usage_json, pinned, truncated, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`

const touchSessionSQL = `UPDATE sessions SET updated_at = now() WHERE id = $1`

// messageArgs flattens a message into the insertMessageSQL placeholder order.
func messageArgs(msg conversation.Message) ([]any, error) {
	toolCalls, err := json.Marshal(msg.ToolCalls)
	if err != nil {
		return nil, fmt.Errorf("marshal tool calls: %w", err)
	}
	toolResults, err := json.Marshal(msg.ToolResults)
	if err != nil {
		return nil, fmt.Errorf("marshal tool results: %w", err)
	}
	var usage []byte
	if msg.Usage != nil {
		usage, err = json.Marshal(msg.Usage)
		if err != nil {
			return nil, fmt.Errorf("marshal usage: %w", err)
		}
	}
	return []any{
		msg.ID, msg.SessionID, string(msg.Role), msg.Author, msg.Content,
		toolCalls, toolResults, usage, msg.Pinned, msg.Truncated, msg.CreatedAt,
	}, nil
}

// AppendMessage implements [conversation.Store]. Re-appending an existing
// message ID is a no-op and does not bump the session's updated_at.
func (s *Store) AppendMessage(ctx context.Context, msg conversation.Message) error {
	args, err := messageArgs(msg)
	if err != nil {
		return fmt.Errorf("postgres store: append message: %w", err)
	}

	tag, err := s.db.Exec(ctx, insertMessageSQL, args...)
	if err != nil {
		return fmt.Errorf("postgres store: append message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	if _, err := s.db.Exec(ctx, touchSessionSQL, msg.SessionID); err != nil {
		return fmt.Errorf("postgres store: touch session: %w", err)
	}
	return nil
}

// AppendBatch implements [conversation.Store]. The whole batch is written in
// one transaction.
func (s *Store) AppendBatch(ctx context.Context, msgs []conversation.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: append batch: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, msg := range msgs {
		args, err := messageArgs(msg)
		if err != nil {
			return fmt.Errorf("postgres store: append batch: %w", err)
		}
		if _, err := tx.Exec(ctx, insertMessageSQL, args...); err != nil {
			return fmt.Errorf("postgres store: append batch: %w", err)
		}
	}
	if _, err := tx.Exec(ctx, touchSessionSQL, msgs[0].SessionID); err != nil {
		return fmt.Errorf("postgres store: append batch: touch session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: append batch: commit: %w", err)
	}
	return nil
}

const selectMessageColumns = `id, session_id, role, author, content, tool_calls, tool_results, usage_json, pinned, truncated, created_at`

// Messages implements [conversation.Store]. History is ordered by created_at
// with id as tiebreaker.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]conversation.Message, error) {
	q := `
		SELECT ` + selectMessageColumns + `
		FROM   messages
		WHERE  session_id = $1
		ORDER  BY created_at, id`

	rows, err := s.db.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: messages: %w", err)
	}
	return collectMessages(rows)
}

// SetPinned implements [conversation.Store].
func (s *Store) SetPinned(ctx context.Context, messageID string, pinned bool) error {
	const q = `UPDATE messages SET pinned = $2 WHERE id = $1`

	tag, err := s.db.Exec(ctx, q, messageID, pinned)
	if err != nil {
		return fmt.Errorf("postgres store: set pinned: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres store: pin message %q: %w", messageID, conversation.ErrNotFound)
	}
	return nil
}

// Search implements [conversation.Store]. It performs a PostgreSQL full-text
// search over the content column and applies optional filters from opts.
//
// The query is passed to plainto_tsquery so no special operator syntax is
// required. Results are ordered by FTS rank, then recency.
func (s *Store) Search(ctx context.Context, query string, opts conversation.SearchOpts) ([]conversation.Message, error) {
	args := []any{query} // $1 = FTS query string
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"to_tsvector('english', content) @@ plainto_tsquery('english', $1)",
	}
	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = "+next(opts.SessionID))
	}
	if opts.Author != "" {
		conditions = append(conditions, "author = "+next(opts.Author))
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "created_at > "+next(opts.After))
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "created_at < "+next(opts.Before))
	}

	q := "SELECT " + selectMessageColumns + "\n" +
		"FROM   messages\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY ts_rank(to_tsvector('english', content), plainto_tsquery('english', $1)) DESC, created_at DESC"

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: search: %w", err)
	}
	return collectMessages(rows)
}

// collectMessages scans pgx rows into a slice of Message values.
func collectMessages(rows pgx.Rows) ([]conversation.Message, error) {
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (conversation.Message, error) {
		var (
			m           conversation.Message
			role        string
			toolCalls   []byte
			toolResults []byte
			usage       []byte
		)
		if err := row.Scan(
			&m.ID, &m.SessionID, &role, &m.Author, &m.Content,
			&toolCalls, &toolResults, &usage, &m.Pinned, &m.Truncated, &m.CreatedAt,
		); err != nil {
			return conversation.Message{}, err
		}
		m.Role = conversation.Role(role)
		if len(toolCalls) > 0 {
			if err := json.Unmarshal(toolCalls, &m.ToolCalls); err != nil {
				return conversation.Message{}, fmt.Errorf("unmarshal tool calls: %w", err)
			}
		}
		if len(toolResults) > 0 {
			if err := json.Unmarshal(toolResults, &m.ToolResults); err != nil {
				return conversation.Message{}, fmt.Errorf("unmarshal tool results: %w", err)
			}
		}
		if len(usage) > 0 {
			m.Usage = &conversation.Usage{}
			if err := json.Unmarshal(usage, m.Usage); err != nil {
				return conversation.Message{}, fmt.Errorf("unmarshal usage: %w", err)
			}
		}
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan messages: %w", err)
	}
	if msgs == nil {
		msgs = []conversation.Message{}
	}
	return msgs, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Summaries
// ─────────────────────────────────────────────────────────────────────────────

// AddSummary implements [conversation.Store]. Re-adding an existing summary ID
// is a no-op. A full summary retires all active incremental summaries of the
// session in the same transaction.
func (s *Store) AddSummary(ctx context.Context, sum conversation.Summary) error {
	const insert = `
		INSERT INTO summaries
		    (id, session_id, kind, content, first_message_id, last_message_id, message_count, token_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`
	const retire = `
		UPDATE summaries SET retired = TRUE
		WHERE  session_id = $1 AND id <> $2 AND NOT retired`

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: add summary: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, insert,
		sum.ID, sum.SessionID, string(sum.Kind), sum.Content,
		sum.FirstMessageID, sum.LastMessageID, sum.MessageCount, sum.TokenCount, sum.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres store: add summary: %w", err)
	}
	if tag.RowsAffected() > 0 && sum.Kind == conversation.SummaryFull {
		if _, err := tx.Exec(ctx, retire, sum.SessionID, sum.ID); err != nil {
			return fmt.Errorf("postgres store: retire summaries: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: add summary: commit: %w", err)
	}
	return nil
}

// LatestSummary implements [conversation.Store].
func (s *Store) LatestSummary(ctx context.Context, sessionID string) (*conversation.Summary, error) {
	const q = `
		SELECT id, session_id, kind, content, first_message_id, last_message_id, message_count, token_count, created_at
		FROM   summaries
		WHERE  session_id = $1 AND NOT retired
		ORDER  BY created_at DESC
		LIMIT  1`

	var (
		sum  conversation.Summary
		kind string
	)
	err := s.db.QueryRow(ctx, q, sessionID).Scan(
		&sum.ID, &sum.SessionID, &kind, &sum.Content,
		&sum.FirstMessageID, &sum.LastMessageID, &sum.MessageCount, &sum.TokenCount, &sum.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres store: latest summary for %q: %w", sessionID, conversation.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: latest summary: %w", err)
	}
	sum.Kind = conversation.SummaryKind(kind)
	return &sum, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Export / Import
// ─────────────────────────────────────────────────────────────────────────────

// Export implements [conversation.Store]. Retired summaries are not exported.
func (s *Store) Export(ctx context.Context, sessionID string) (*conversation.SessionExport, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.Messages(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	const q = `
		SELECT id, session_id, kind, content, first_message_id, last_message_id, message_count, token_count, created_at
		FROM   summaries
		WHERE  session_id = $1 AND NOT retired
		ORDER  BY created_at`

	rows, err := s.db.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: export summaries: %w", err)
	}
	sums, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (conversation.Summary, error) {
		var (
			sum  conversation.Summary
			kind string
		)
		err := row.Scan(&sum.ID, &sum.SessionID, &kind, &sum.Content,
			&sum.FirstMessageID, &sum.LastMessageID, &sum.MessageCount, &sum.TokenCount, &sum.CreatedAt)
		sum.Kind = conversation.SummaryKind(kind)
		return sum, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan summaries: %w", err)
	}

	return &conversation.SessionExport{Session: *sess, Messages: msgs, Summaries: sums}, nil
}

// Import implements [conversation.Store]. All ids and timestamps are written
// as exported; importing over existing records is idempotent.
func (s *Store) Import(ctx context.Context, exp *conversation.SessionExport) error {
	const insertSession = `
		INSERT INTO sessions (id, name, project_root, archived, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`
	const insertSummary = `
		INSERT INTO summaries
		    (id, session_id, kind, content, first_message_id, last_message_id, message_count, token_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: import: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	sess := exp.Session
	if _, err := tx.Exec(ctx, insertSession,
		sess.ID, sess.Name, sess.ProjectRoot, sess.Archived, sess.CreatedAt, sess.UpdatedAt); err != nil {
		return fmt.Errorf("postgres store: import session: %w", err)
	}
	for _, msg := range exp.Messages {
		args, err := messageArgs(msg)
		if err != nil {
			return fmt.Errorf("postgres store: import message: %w", err)
		}
		if _, err := tx.Exec(ctx, insertMessageSQL, args...); err != nil {
			return fmt.Errorf("postgres store: import message: %w", err)
		}
	}
	for _, sum := range exp.Summaries {
		if _, err := tx.Exec(ctx, insertSummary,
			sum.ID, sum.SessionID, string(sum.Kind), sum.Content,
			sum.FirstMessageID, sum.LastMessageID, sum.MessageCount, sum.TokenCount, sum.CreatedAt); err != nil {
			return fmt.Errorf("postgres store: import summary: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: import: commit: %w", err)
	}
	return nil
}
