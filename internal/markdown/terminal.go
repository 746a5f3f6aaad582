package markdown

import (
	"context"
	"fmt"
	"sync"

	"github.com/charmbracelet/glamour"

	"github.com/user/researchview/internal/types"
)

var _ types.Renderer = (*TerminalRenderer)(nil)

// TerminalRenderer renders markdown as styled terminal text.
type TerminalRenderer struct {
	mu sync.Mutex
	tr *glamour.TermRenderer
}

// NewTerminalRenderer creates a renderer using one of glamour's standard
// styles ("dark", "light", "notty", ...) wrapped at wordWrap columns.
func NewTerminalRenderer(style string, wordWrap int) (*TerminalRenderer, error) {
	tr, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(style),
		glamour.WithWordWrap(wordWrap),
	)
	if err != nil {
		return nil, fmt.Errorf("create term renderer: %w", err)
	}
	return &TerminalRenderer{tr: tr}, nil
}

func (r *TerminalRenderer) Render(ctx context.Context, src string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	src, err := Normalize(src)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	out, err := r.tr.Render(src)
	if err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return out, nil
}
