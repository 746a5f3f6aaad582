package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/user/researchview/internal/types"
)

// FileStore is a JSON-file-backed history store. Each session is kept in
// history/<sessionID>.json and replaced atomically on every save.
type FileStore struct {
	root  string
	mu    sync.Mutex
	locks map[types.SessionID]*sync.Mutex
}

// NewFileStore creates a new file-backed FileStore rooted at the given directory.
func NewFileStore(root string) *FileStore {
	return &FileStore{
		root:  root,
		locks: make(map[types.SessionID]*sync.Mutex),
	}
}

// getLock returns the per-session mutex, creating one if it doesn't exist.
func (s *FileStore) getLock(id types.SessionID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lock, ok := s.locks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.locks[id] = lock
	return lock
}

func (s *FileStore) historyDir() string {
	return filepath.Join(s.root, "history")
}

func (s *FileStore) sessionPath(id types.SessionID) string {
	return filepath.Join(s.historyDir(), string(id)+".json")
}

// Save writes the session, replacing any previous version with the same ID.
func (s *FileStore) Save(_ context.Context, session *types.SessionRecord) error {
	if err := validateID(session.ID); err != nil {
		return err
	}
	lock := s.getLock(session.ID)
	lock.Lock()
	defer lock.Unlock()

	// Not indented: raw metadata must be stored byte for byte.
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	if err := os.MkdirAll(s.historyDir(), 0o755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}

	// Atomic write: write to temp file then rename
	target := s.sessionPath(session.ID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp session: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp session: %w", err)
	}
	return nil
}

// Get returns the session with the given ID, or types.ErrNotFound.
func (s *FileStore) Get(_ context.Context, id types.SessionID) (*types.SessionRecord, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	lock := s.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	return s.read(s.sessionPath(id))
}

func (s *FileStore) read(path string) (*types.SessionRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session %s: %w", strings.TrimSuffix(filepath.Base(path), ".json"), types.ErrNotFound)
		}
		return nil, fmt.Errorf("read session: %w", err)
	}

	var session types.SessionRecord
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("unmarshal session %s: %w", path, err)
	}
	return &session, nil
}

// List returns every stored session, most recently updated first.
func (s *FileStore) List(_ context.Context) ([]*types.SessionRecord, error) {
	entries, err := os.ReadDir(s.historyDir())
	if err != nil {
		if os.IsNotExist(err) {
			return []*types.SessionRecord{}, nil
		}
		return nil, fmt.Errorf("read history dir: %w", err)
	}

	sessions := make([]*types.SessionRecord, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := types.SessionID(strings.TrimSuffix(name, ".json"))

		lock := s.getLock(id)
		lock.Lock()
		session, err := s.read(s.sessionPath(id))
		lock.Unlock()
		if errors.Is(err, types.ErrNotFound) {
			// Deleted between ReadDir and read.
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}

	sortByUpdated(sessions)
	return sessions, nil
}

// Delete removes the session with the given ID, or returns types.ErrNotFound.
func (s *FileStore) Delete(_ context.Context, id types.SessionID) error {
	if err := validateID(id); err != nil {
		return err
	}
	lock := s.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.sessionPath(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("session %s: %w", id, types.ErrNotFound)
		}
		return fmt.Errorf("remove session: %w", err)
	}
	return nil
}

// sortByUpdated orders sessions newest first, breaking ties by ID so the
// order is stable.
func sortByUpdated(sessions []*types.SessionRecord) {
	sort.SliceStable(sessions, func(i, j int) bool {
		a, b := sessions[i], sessions[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID < b.ID
	})
}

func validateID(id types.SessionID) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(string(id), `/\`) {
		return fmt.Errorf("invalid session id %q", id)
	}
	return nil
}
