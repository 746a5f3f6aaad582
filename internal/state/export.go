package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/user/researchview/internal/types"
)

// ExportStore keeps markdown exports of finished reports as individual files
// at exports/<sessionID>.md.
type ExportStore struct {
	root string
}

// NewExportStore creates a new file-backed ExportStore rooted at the given directory.
func NewExportStore(root string) *ExportStore {
	return &ExportStore{root: root}
}

func (x *ExportStore) exportsDir() string {
	return filepath.Join(x.root, "exports")
}

// Path returns where the export of a session lives.
func (x *ExportStore) Path(id types.SessionID) string {
	return filepath.Join(x.exportsDir(), string(id)+".md")
}

// Put writes the export for a session, replacing an earlier one, and returns
// the file path.
func (x *ExportStore) Put(_ context.Context, id types.SessionID, markdown string) (string, error) {
	if err := validateID(id); err != nil {
		return "", err
	}
	if err := os.MkdirAll(x.exportsDir(), 0o755); err != nil {
		return "", fmt.Errorf("create exports dir: %w", err)
	}

	// Atomic write via temp file + rename
	target := x.Path(id)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, []byte(markdown), 0o644); err != nil {
		return "", fmt.Errorf("write temp export: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename temp export: %w", err)
	}
	return target, nil
}

// Get returns a previously written export, or types.ErrNotFound.
func (x *ExportStore) Get(_ context.Context, id types.SessionID) (string, error) {
	if err := validateID(id); err != nil {
		return "", err
	}
	data, err := os.ReadFile(x.Path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("export %s: %w", id, types.ErrNotFound)
		}
		return "", fmt.Errorf("read export: %w", err)
	}
	return string(data), nil
}

// Excerpt returns at most maxChars of text, centered on the first
// case-insensitive match of query when there is one.
func Excerpt(text, query string, maxChars int) string {
	if maxChars <= 0 || len(text) <= maxChars {
		return text
	}

	if query != "" {
		idx := strings.Index(strings.ToLower(text), strings.ToLower(query))
		if idx >= 0 {
			start := idx - maxChars/2
			if start < 0 {
				start = 0
			}
			end := start + maxChars
			if end > len(text) {
				end = len(text)
				start = end - maxChars
			}
			return trimRunes(text[start:end])
		}
	}
	return trimRunes(text[:maxChars])
}

// trimRunes drops partial UTF-8 sequences left at either end by byte slicing.
func trimRunes(s string) string {
	return strings.ToValidUTF8(s, "")
}
