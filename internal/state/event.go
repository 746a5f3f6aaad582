package state

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/researchview/internal/types"
)

// maxLineSize bounds one JSONL line. Report chunks can be large.
const maxLineSize = 8 << 20

// LoggedEvent is one line of a session's event log. The embedded event's
// fields sit at the top level, so a line also decodes as a plain types.Event.
type LoggedEvent struct {
	Seq int64     `json:"seq"`
	At  time.Time `json:"at"`
	types.Event
}

// EventLog is a JSONL-backed append-only log of the raw events a session
// received. Events are stored per-session in sessions/<sessionID>/events.jsonl
// and can be replayed into a fresh timeline.
type EventLog struct {
	root  string
	mu    sync.Mutex
	locks map[types.SessionID]*sync.Mutex
	seqs  map[types.SessionID]int64
}

// NewEventLog creates a new file-backed EventLog rooted at the given directory.
func NewEventLog(root string) *EventLog {
	return &EventLog{
		root:  root,
		locks: make(map[types.SessionID]*sync.Mutex),
		seqs:  make(map[types.SessionID]int64),
	}
}

// getLock returns the per-session mutex, creating one if it doesn't exist.
func (e *EventLog) getLock(sessionID types.SessionID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	if lock, ok := e.locks[sessionID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	e.locks[sessionID] = lock
	return lock
}

// Path returns the event log file of a session.
func (e *EventLog) Path(sessionID types.SessionID) string {
	return filepath.Join(e.root, "sessions", string(sessionID), "events.jsonl")
}

// count reads the event file and counts lines. Caller must hold the session lock.
func (e *EventLog) count(sessionID types.SessionID) (int64, error) {
	e.mu.Lock()
	n, ok := e.seqs[sessionID]
	e.mu.Unlock()
	if ok {
		return n, nil
	}

	f, err := os.Open(e.Path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	scanner := newScanner(f)
	for scanner.Scan() {
		n++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan events file: %w", err)
	}

	e.mu.Lock()
	e.seqs[sessionID] = n
	e.mu.Unlock()
	return n, nil
}

// Append adds an event to the session's log and returns its sequence
// number, starting at 1.
func (e *EventLog) Append(_ context.Context, sessionID types.SessionID, event types.Event) (int64, error) {
	if err := validateID(sessionID); err != nil {
		return 0, err
	}
	lock := e.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	dir := filepath.Dir(e.Path(sessionID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create session dir: %w", err)
	}

	existing, err := e.count(sessionID)
	if err != nil {
		return 0, err
	}
	logged := LoggedEvent{Seq: existing + 1, At: time.Now().UTC(), Event: event}

	data, err := json.Marshal(logged)
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}

	f, err := os.OpenFile(e.Path(sessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return 0, fmt.Errorf("write event: %w", err)
	}

	e.mu.Lock()
	e.seqs[sessionID] = logged.Seq
	e.mu.Unlock()
	return logged.Seq, nil
}

// Tail returns the last N events for the given session. A limit of zero or
// less returns every event.
func (e *EventLog) Tail(_ context.Context, sessionID types.SessionID, limit int) ([]LoggedEvent, error) {
	lock := e.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(e.Path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	var events []LoggedEvent
	scanner := newScanner(f)
	for scanner.Scan() {
		var event LoggedEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan events file: %w", err)
	}

	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

// Count returns the number of events for the given session.
func (e *EventLog) Count(_ context.Context, sessionID types.SessionID) (int64, error) {
	lock := e.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	return e.count(sessionID)
}

// Remove deletes a session's log. Removing a missing log is not an error.
func (e *EventLog) Remove(_ context.Context, sessionID types.SessionID) error {
	if err := validateID(sessionID); err != nil {
		return err
	}
	lock := e.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(filepath.Dir(e.Path(sessionID))); err != nil {
		return fmt.Errorf("remove event log: %w", err)
	}
	e.mu.Lock()
	delete(e.seqs, sessionID)
	e.mu.Unlock()
	return nil
}

func newScanner(f *os.File) *bufio.Scanner {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	return scanner
}
