package diff

import (
	"context"
	"errors"
	"fmt"
	"html"

	"golang.org/x/sync/errgroup"

	"github.com/user/researchview/internal/types"
)

// maxFieldRenders bounds concurrent renders for a single payload.
const maxFieldRenders = 4

// RenderFields renders every markdown field and escapes every plain field,
// returning a new slice with HTML populated for all of them. Renders run
// concurrently and may finish in any order; the result is only returned once
// all have settled, so a caller publishing it never shows a half-rendered
// record. A field whose render fails falls back to its escaped raw value and
// the failures are reported together in the returned error.
func RenderFields(ctx context.Context, r types.Renderer, fields []types.DiffField) ([]types.DiffField, error) {
	out := make([]types.DiffField, len(fields))
	copy(out, fields)
	failures := make([]error, len(fields))

	var g errgroup.Group
	g.SetLimit(maxFieldRenders)
	for i := range out {
		if !out[i].IsMarkdown {
			out[i].HTML = html.EscapeString(out[i].Value)
			continue
		}
		g.Go(func() error {
			rendered, err := r.Render(ctx, out[i].Value)
			if err != nil {
				failures[i] = fmt.Errorf("field %s: %w", out[i].Field, errors.Join(types.ErrRenderFailed, err))
				out[i].HTML = html.EscapeString(out[i].Value)
				return nil
			}
			out[i].HTML = rendered
			return nil
		})
	}
	g.Wait()

	return out, errors.Join(failures...)
}
