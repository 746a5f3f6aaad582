package types

import (
	"context"
	"time"
)

// Renderer converts markdown to sanitized HTML. Implementations must be safe
// for concurrent use; callers do not re-sanitize the output.
type Renderer interface {
	Render(ctx context.Context, markdown string) (string, error)
}

// HistoryStore is the keyed collection of past sessions. Save is an upsert;
// writes for the same id never interleave.
type HistoryStore interface {
	Save(ctx context.Context, session *SessionRecord) error
	Get(ctx context.Context, id SessionID) (*SessionRecord, error)
	List(ctx context.Context) ([]*SessionRecord, error)
	Delete(ctx context.Context, id SessionID) error
}

// Subscription delivers a session's events in arrival order. Next returns
// io.EOF once the source is exhausted.
type Subscription interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Notification is a discrete, dismissible message for the user.
type Notification struct {
	Level     Level
	Title     string
	Message   string
	SessionID SessionID
	At        time.Time
}

// Notifier is the injected sink for user-visible notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}
