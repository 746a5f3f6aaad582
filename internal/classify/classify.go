// Package classify turns raw backend events into normalized timeline records.
package classify

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/user/researchview/internal/diff"
	"github.com/user/researchview/internal/types"
)

// Classify determines the semantic kind of ev and normalizes it into a
// record. It performs no I/O and the same event always yields the same
// record. Seq is left zero for the timeline to assign.
//
// The returned record is always usable. A non-nil error means the event was
// malformed for its header and the record was degraded to a plain log
// carrying the raw text; callers should log it and carry on.
func Classify(ev types.Event) (types.Record, error) {
	rec := types.Record{
		Kind:        types.KindLog,
		Header:      ev.Header,
		DisplayText: ev.Text,
	}

	switch ev.Header {
	case types.HeaderQuestion:
		rec.Kind = types.KindQuestion

	case types.HeaderReport:
		rec.Kind = types.KindReport

	case types.HeaderChat:
		rec.Kind = types.KindChat

	case types.HeaderDifferences:
		fields, err := diff.Reconstruct(ev.Text)
		if err != nil {
			rec.Metadata = parseMetadata(ev.Metadata)
			return rec, fmt.Errorf("classify %s: %w", ev.Header, err)
		}
		rec.Kind = types.KindDiffLog
		rec.SourceFields = fields

	case types.HeaderContextWindow:
		rec.Kind = types.KindDiffLog
		rec.SourceFields = diff.ContextWindow(ev.Text)

	case types.HeaderSelectedImages, types.HeaderScrapingImages:
		rec.Suppressed = true
		if images, ok := stringList([]byte(ev.Text)); ok {
			rec.Metadata = types.Metadata{Kind: types.MetadataImages, Images: images}
			return rec, nil
		}
		if images, ok := stringList(ev.Metadata); ok {
			rec.Metadata = types.Metadata{Kind: types.MetadataImages, Images: images}
			return rec, nil
		}

	case types.HeaderSources:
		sources, err := parseSources(ev.Text)
		if err != nil {
			rec.Metadata = parseMetadata(ev.Metadata)
			return rec, fmt.Errorf("classify %s: %w", ev.Header, err)
		}
		rec.Kind = types.KindSources
		rec.Metadata = types.Metadata{Kind: types.MetadataSources, Sources: sources}
		return rec, nil
	}

	rec.Metadata = parseMetadata(ev.Metadata)
	return rec, nil
}

// parseMetadata maps the loosely typed metadata payload onto the known
// variants, keeping anything else as compacted raw JSON.
func parseMetadata(raw json.RawMessage) types.Metadata {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return types.Metadata{}
	}

	var probe struct {
		ToolCalls []types.ToolCall `json:"tool_calls"`
	}
	if raw[0] == '{' && json.Unmarshal(raw, &probe) == nil && len(probe.ToolCalls) > 0 {
		return types.Metadata{Kind: types.MetadataToolCalls, ToolCalls: probe.ToolCalls}
	}

	// Stored in the canonical form encoding/json emits for raw messages, so
	// persisted records compare equal after a round trip.
	var compact, canonical bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		quoted, _ := json.Marshal(string(raw))
		return types.Metadata{Kind: types.MetadataUnknown, Raw: quoted}
	}
	json.HTMLEscape(&canonical, compact.Bytes())
	return types.Metadata{Kind: types.MetadataUnknown, Raw: canonical.Bytes()}
}

// parseSources accepts either a JSON array of {name,url} or of search
// results shaped {title,url}.
func parseSources(text string) ([]types.Source, error) {
	var items []struct {
		Name  string `json:"name"`
		Title string `json:"title"`
		URL   string `json:"url"`
	}
	if err := json.Unmarshal([]byte(text), &items); err != nil {
		return nil, fmt.Errorf("decode sources: %w", err)
	}

	sources := make([]types.Source, 0, len(items))
	for _, it := range items {
		if it.URL == "" {
			continue
		}
		name := it.Name
		if name == "" {
			name = it.Title
		}
		sources = append(sources, types.Source{Name: name, URL: it.URL})
	}
	if len(sources) == 0 {
		return nil, nil
	}
	return sources, nil
}

func stringList(raw []byte) ([]string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, false
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, false
	}
	if len(list) == 0 {
		return nil, true
	}
	return list, true
}
