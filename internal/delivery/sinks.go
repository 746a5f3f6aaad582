package delivery

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/user/researchview/internal/types"
)

// LogSink writes notifications to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Deliver(ctx context.Context, n types.Notification) error {
	level := slog.LevelInfo
	switch n.Level {
	case types.LevelWarn:
		level = slog.LevelWarn
	case types.LevelError:
		level = slog.LevelError
	}
	s.Logger.Log(ctx, level, n.Title, "message", n.Message, "session_id", string(n.SessionID))
	return nil
}

// Entry is a notification held in an Inbox until the user dismisses it.
type Entry struct {
	ID string `json:"id"`
	types.Notification
}

// Inbox keeps the most recent undismissed notifications.
type Inbox struct {
	mu      sync.Mutex
	entries []Entry
	limit   int
}

// NewInbox creates an inbox that keeps at most limit entries, dropping the
// oldest first.
func NewInbox(limit int) *Inbox {
	if limit <= 0 {
		limit = 100
	}
	return &Inbox{limit: limit}
}

func (b *Inbox) Deliver(_ context.Context, n types.Notification) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, Entry{ID: uuid.NewString(), Notification: n})
	if over := len(b.entries) - b.limit; over > 0 {
		b.entries = append([]Entry(nil), b.entries[over:]...)
	}
	return nil
}

// List returns the pending entries, oldest first.
func (b *Inbox) List() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Entry{}, b.entries...)
}

// Dismiss removes an entry. It reports whether the entry existed.
func (b *Inbox) Dismiss(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.entries {
		if e.ID == id {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return true
		}
	}
	return false
}
