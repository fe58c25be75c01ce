package conversation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process [Store] backed by maps. It implements the full
// contract, including idempotent appends and atomic batches, and is used for
// ephemeral sessions and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	messages  map[string][]Message // by session id, ordered
	summaries map[string][]Summary // by session id, ordered by CreatedAt
	seen      map[string]bool      // message + summary ids
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  map[string]*Session{},
		messages:  map[string][]Message{},
		summaries: map[string][]Summary{},
		seen:      map[string]bool{},
	}
}

// CreateSession implements Store.
func (s *MemoryStore) CreateSession(_ context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return nil
	}
	cp := sess
	s.sessions[sess.ID] = &cp
	return nil
}

// GetSession implements Store.
func (s *MemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("get session %q: %w", id, ErrNotFound)
	}
	cp := *sess
	return &cp, nil
}

// ListSessions implements Store.
func (s *MemoryStore) ListSessions(_ context.Context, includeArchived bool) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.Archived && !includeArchived {
			continue
		}
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// RenameSession implements Store.
func (s *MemoryStore) RenameSession(_ context.Context, id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("rename session %q: %w", id, ErrNotFound)
	}
	sess.Name = name
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

// ArchiveSession implements Store.
func (s *MemoryStore) ArchiveSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("archive session %q: %w", id, ErrNotFound)
	}
	sess.Archived = true
	return nil
}

// AppendMessage implements Store.
func (s *MemoryStore) AppendMessage(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(msg)
	return nil
}

// AppendBatch implements Store. The in-memory transaction is the lock itself.
func (s *MemoryStore) AppendBatch(_ context.Context, msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range msgs {
		s.appendLocked(msg)
	}
	return nil
}

// appendLocked inserts one message, keeping order and idempotency.
// Must be called with s.mu held.
func (s *MemoryStore) appendLocked(msg Message) {
	if s.seen[msg.ID] {
		return
	}
	s.seen[msg.ID] = true
	list := append(s.messages[msg.SessionID], msg)
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	s.messages[msg.SessionID] = list
	if sess, ok := s.sessions[msg.SessionID]; ok {
		sess.UpdatedAt = time.Now().UTC()
	}
}

// Messages implements Store.
func (s *MemoryStore) Messages(_ context.Context, sessionID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.messages[sessionID]
	out := make([]Message, len(list))
	copy(out, list)
	return out, nil
}

// SetPinned implements Store.
func (s *MemoryStore) SetPinned(_ context.Context, messageID string, pinned bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sid, list := range s.messages {
		for i := range list {
			if list[i].ID == messageID {
				s.messages[sid][i].Pinned = pinned
				return nil
			}
		}
	}
	return fmt.Errorf("pin message %q: %w", messageID, ErrNotFound)
}

// Search implements Store with case-insensitive substring matching.
func (s *MemoryStore) Search(_ context.Context, query string, opts SearchOpts) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	needle := strings.ToLower(query)
	out := []Message{}
	for sid, list := range s.messages {
		if opts.SessionID != "" && opts.SessionID != sid {
			continue
		}
		for _, msg := range list {
			if opts.Author != "" && msg.Author != opts.Author {
				continue
			}
			if !opts.After.IsZero() && !msg.CreatedAt.After(opts.After) {
				continue
			}
			if !opts.Before.IsZero() && !msg.CreatedAt.Before(opts.Before) {
				continue
			}
			if !strings.Contains(strings.ToLower(msg.Content), needle) {
				continue
			}
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// AddSummary implements Store.
func (s *MemoryStore) AddSummary(_ context.Context, sum Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[sum.ID] {
		return nil
	}
	s.seen[sum.ID] = true

	list := s.summaries[sum.SessionID]
	if sum.Kind == SummaryFull {
		// A full summary retires the incrementals it overlaps, which by the
		// prefix property is all of them.
		list = list[:0]
	}
	list = append(list, sum)
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	s.summaries[sum.SessionID] = list
	return nil
}

// LatestSummary implements Store.
func (s *MemoryStore) LatestSummary(_ context.Context, sessionID string) (*Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.summaries[sessionID]
	if len(list) == 0 {
		return nil, fmt.Errorf("latest summary for %q: %w", sessionID, ErrNotFound)
	}
	cp := list[len(list)-1]
	return &cp, nil
}

// Export implements Store.
func (s *MemoryStore) Export(ctx context.Context, sessionID string) (*SessionExport, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	exp := &SessionExport{Session: *sess}
	exp.Messages = append([]Message{}, s.messages[sessionID]...)
	exp.Summaries = append([]Summary{}, s.summaries[sessionID]...)
	return exp, nil
}

// Import implements Store.
func (s *MemoryStore) Import(ctx context.Context, exp *SessionExport) error {
	if err := s.CreateSession(ctx, exp.Session); err != nil {
		return err
	}
	if err := s.AppendBatch(ctx, exp.Messages); err != nil {
		return err
	}
	for _, sum := range exp.Summaries {
		if err := s.AddSummary(ctx, sum); err != nil {
			return err
		}
	}
	// Restore the exported timestamps clobbered by the appends.
	s.mu.Lock()
	if sess, ok := s.sessions[exp.Session.ID]; ok {
		sess.UpdatedAt = exp.Session.UpdatedAt
	}
	s.mu.Unlock()
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
