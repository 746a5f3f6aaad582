// Package ingest reads backend events from JSONL sources: one JSON event per
// line, as written by the session event log or captured from the backend.
package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/user/researchview/internal/types"
)

// pollInterval re-checks a followed file in case a change notification is
// missed.
const pollInterval = time.Second

// ErrClosed is returned by Next after Close.
var ErrClosed = errors.New("subscription closed")

// Subscription delivers the events of a JSONL stream in file order. Lines
// that are not valid JSON events are skipped and logged.
type Subscription struct {
	name   string
	reader *bufio.Reader
	closer io.Closer
	logger *slog.Logger

	follow  bool
	watcher *fsnotify.Watcher

	partial []byte
	line    int

	closeOnce sync.Once
	closed    chan struct{}
}

// Option configures a Subscription.
type Option func(*Subscription)

// Follow keeps a file subscription open at end of file and waits for more
// lines to be appended, like tail -f. The stream ends when the file is
// removed or renamed.
func Follow() Option {
	return func(s *Subscription) { s.follow = true }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Subscription) { s.logger = l }
}

// NewReader subscribes to the events in r. Follow has no effect on readers.
func NewReader(name string, r io.Reader, opts ...Option) *Subscription {
	s := newSubscription(name, r, opts...)
	s.follow = false
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// OpenFile subscribes to the events in the file at path.
func OpenFile(path string, opts ...Option) (*Subscription, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open event file: %w", err)
	}
	s := newSubscription(path, f, opts...)
	s.closer = f

	if s.follow {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("create watcher: %w", err)
		}
		if err := watcher.Add(path); err != nil {
			watcher.Close()
			f.Close()
			return nil, fmt.Errorf("watch %s: %w", path, err)
		}
		s.watcher = watcher
	}
	return s, nil
}

func newSubscription(name string, r io.Reader, opts ...Option) *Subscription {
	s := &Subscription{
		name:   name,
		reader: bufio.NewReaderSize(r, 64*1024),
		logger: slog.Default(),
		closed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("source", name)
	return s
}

// Next returns the next event. It returns io.EOF at the end of a non-followed
// stream, or once a followed file goes away.
func (s *Subscription) Next(ctx context.Context) (types.Event, error) {
	for {
		select {
		case <-s.closed:
			return types.Event{}, ErrClosed
		default:
		}
		if err := ctx.Err(); err != nil {
			return types.Event{}, err
		}

		chunk, err := s.reader.ReadBytes('\n')
		s.partial = append(s.partial, chunk...)

		switch {
		case err == nil:
			line := s.takeLine()
			if ev, ok := s.decode(line); ok {
				return ev, nil
			}

		case errors.Is(err, io.EOF):
			if !s.follow {
				if len(bytes.TrimSpace(s.partial)) == 0 {
					return types.Event{}, io.EOF
				}
				if ev, ok := s.decode(s.takeLine()); ok {
					return ev, nil
				}
				continue
			}
			if err := s.wait(ctx); err != nil {
				return types.Event{}, err
			}

		default:
			select {
			case <-s.closed:
				return types.Event{}, ErrClosed
			default:
			}
			return types.Event{}, fmt.Errorf("read %s: %w", s.name, err)
		}
	}
}

func (s *Subscription) takeLine() []byte {
	line := s.partial
	s.partial = nil
	s.line++
	return line
}

func (s *Subscription) decode(line []byte) (types.Event, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return types.Event{}, false
	}
	var ev types.Event
	if err := json.Unmarshal(line, &ev); err != nil {
		s.logger.Warn("skipping malformed event line", "line", s.line, "error", err)
		return types.Event{}, false
	}
	return ev, true
}

// wait blocks until the followed file changes. A removed or renamed file
// ends the stream. An open file that is unlinked only reports a chmod, so
// every wake-up also checks the path still exists.
func (s *Subscription) wait(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return ErrClosed
		case <-ticker.C:
			return s.checkPath()
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return s.endErr()
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				return io.EOF
			}
			if err := s.checkPath(); err != nil {
				return err
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				return nil
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return s.endErr()
			}
			s.logger.Warn("watch error", "error", err)
		}
	}
}

func (s *Subscription) checkPath() error {
	if _, err := os.Stat(s.name); errors.Is(err, fs.ErrNotExist) {
		return io.EOF
	}
	return nil
}

func (s *Subscription) endErr() error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
		return io.EOF
	}
}

// Close releases the underlying file. Pending and later Next calls return
// ErrClosed.
func (s *Subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.watcher != nil {
			err = s.watcher.Close()
		}
		if s.closer != nil {
			err = errors.Join(err, s.closer.Close())
		}
	})
	return err
}

var _ types.Subscription = (*Subscription)(nil)
