package types

import (
	"encoding/json"
	"time"
)

// Headers the backend uses as event discriminators. Anything else is a
// free-form progress label.
const (
	HeaderQuestion       = "question"
	HeaderDifferences    = "differences"
	HeaderContextWindow  = "subquery_context_window"
	HeaderSelectedImages = "selected_images"
	HeaderScrapingImages = "scraping_images"
	HeaderReport         = "report"
	HeaderChat           = "chat"
	HeaderSources        = "sources"
)

// Event is one unit of backend-to-client communication.
type Event struct {
	Header   string          `json:"header"`
	Text     string          `json:"text"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type Kind string

const (
	KindQuestion Kind = "question"
	KindLog      Kind = "log"
	KindDiffLog  Kind = "diffLog"
	KindReport   Kind = "report"
	KindChat     Kind = "chat"
	KindSources  Kind = "sources"
)

// DiffField is one reconstructed field of a differences payload. HTML stays
// empty until every field of the owning record has been rendered.
type DiffField struct {
	Field      string `json:"field"`
	Value      string `json:"value"`
	HTML       string `json:"html,omitempty"`
	IsMarkdown bool   `json:"is_markdown"`
}

// Record is the normalized view of one event. Everything except the render
// products (RenderedHTML, SourceFields[].HTML, Rendered) is fixed at append
// time.
type Record struct {
	Kind         Kind        `json:"kind"`
	Header       string      `json:"header"`
	DisplayText  string      `json:"display_text"`
	RenderedHTML string      `json:"rendered_html,omitempty"`
	Rendered     bool        `json:"rendered,omitempty"`
	SourceFields []DiffField `json:"source_fields"`
	Suppressed   bool        `json:"suppressed,omitempty"`
	Metadata     Metadata    `json:"metadata"`
	TokenCount   int         `json:"token_count,omitempty"`
	Seq          int64       `json:"seq"`
}

// NeedsRender reports whether the record has markdown content awaiting the renderer.
func (r *Record) NeedsRender() bool {
	if r.Rendered || r.Suppressed {
		return false
	}
	switch r.Kind {
	case KindReport, KindChat:
		return true
	case KindDiffLog:
		return len(r.SourceFields) > 0
	}
	return false
}

// Clone returns a deep copy so snapshots handed to readers never alias
// records still being rendered.
func (r Record) Clone() Record {
	if r.SourceFields != nil {
		fields := make([]DiffField, len(r.SourceFields))
		copy(fields, r.SourceFields)
		r.SourceFields = fields
	}
	r.Metadata = r.Metadata.Clone()
	return r
}

type MetadataKind string

const (
	MetadataNone      MetadataKind = ""
	MetadataToolCalls MetadataKind = "tool_calls"
	MetadataSources   MetadataKind = "sources"
	MetadataImages    MetadataKind = "images"
	MetadataUnknown   MetadataKind = "unknown"
)

// Metadata is a tagged union over the payload shapes the backend sends.
// Exactly the field matching Kind is populated; MetadataUnknown keeps the
// compacted raw JSON.
type Metadata struct {
	Kind      MetadataKind    `json:"kind,omitempty"`
	ToolCalls []ToolCall      `json:"tool_calls,omitempty"`
	Sources   []Source        `json:"sources,omitempty"`
	Images    []string        `json:"images,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

func (m Metadata) Clone() Metadata {
	if m.ToolCalls != nil {
		calls := make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			calls[i] = tc
			if tc.SearchMetadata.Sources != nil {
				calls[i].SearchMetadata.Sources = append([]SearchSource(nil), tc.SearchMetadata.Sources...)
			}
		}
		m.ToolCalls = calls
	}
	if m.Sources != nil {
		m.Sources = append([]Source(nil), m.Sources...)
	}
	if m.Images != nil {
		m.Images = append([]string(nil), m.Images...)
	}
	if m.Raw != nil {
		m.Raw = append(json.RawMessage(nil), m.Raw...)
	}
	return m
}

// Citations returns the sources this metadata cites, in payload order.
func (m Metadata) Citations() []Source {
	switch m.Kind {
	case MetadataSources:
		return m.Sources
	case MetadataToolCalls:
		var out []Source
		for _, tc := range m.ToolCalls {
			for _, s := range tc.SearchMetadata.Sources {
				out = append(out, Source{Name: s.Title, URL: s.URL})
			}
		}
		return out
	}
	return nil
}

type ToolCall struct {
	Tool           string         `json:"tool"`
	Query          string         `json:"query,omitempty"`
	SearchMetadata SearchMetadata `json:"search_metadata"`
}

type SearchMetadata struct {
	Query   string         `json:"query,omitempty"`
	Sources []SearchSource `json:"sources"`
}

type SearchSource struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content,omitempty"`
}

// Source is a citation shown in the sources panel. URL is the dedup key.
type Source struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// ChatMessage is the restricted view of a question or chat record used by
// the follow-up conversation panel.
type ChatMessage struct {
	Type     Kind      `json:"type"`
	Content  string    `json:"content"`
	HTML     string    `json:"html,omitempty"`
	Metadata *Metadata `json:"metadata,omitempty"`
	Seq      int64     `json:"seq"`
}

// SessionRecord is the persisted form of one research session.
type SessionRecord struct {
	ID        SessionID `json:"id"`
	Question  string    `json:"question"`
	Timeline  []Record  `json:"timeline"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
