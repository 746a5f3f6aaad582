// Package diff reconstructs the structured "differences" payloads embedded in
// research log events.
package diff

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/user/researchview/internal/types"
)

// ErrMalformedDiff is matched by every *MalformedDiffError.
var ErrMalformedDiff = errors.New("malformed diff payload")

// MalformedDiffError describes why a payload could not be reconstructed.
type MalformedDiffError struct {
	Reason string
	Err    error
}

func (e *MalformedDiffError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed diff payload: %s: %v", e.Reason, e.Err)
	}
	return "malformed diff payload: " + e.Reason
}

func (e *MalformedDiffError) Unwrap() error { return e.Err }

func (e *MalformedDiffError) Is(target error) bool { return target == ErrMalformedDiff }

func malformed(reason string, err error) error {
	return &MalformedDiffError{Reason: reason, Err: err}
}

// ContextWindowField is the implicit field name used for subquery context
// window events, which carry a single markdown body instead of a payload.
const ContextWindowField = "context"

// plainTextFields are shown verbatim; every other field is markdown.
var plainTextFields = map[string]bool{
	"task":          true,
	"sections":      true,
	"headers":       true,
	"sources":       true,
	"research_data": true,
}

// IsPlainText reports whether field is on the plain-text allow-list.
func IsPlainText(field string) bool {
	return plainTextFields[field]
}

type change struct {
	Before json.RawMessage `json:"before"`
	After  json.RawMessage `json:"after"`
}

// Reconstruct decodes {"data": {field: {before?, after?}, ...}} into fields
// in the key order of the source object. A field's value is "after" when
// present and non-empty, otherwise "before". HTML is left empty; see
// RenderFields.
func Reconstruct(raw string) ([]types.DiffField, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()

	if err := expectDelim(dec, '{'); err != nil {
		return nil, malformed("payload is not an object", err)
	}

	var fields []types.DiffField
	found := false
	for dec.More() {
		key, err := readKey(dec)
		if err != nil {
			return nil, malformed("read key", err)
		}
		if key != "data" {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, malformed("skip "+key, err)
			}
			continue
		}
		fields, err = readData(dec)
		if err != nil {
			return nil, err
		}
		found = true
	}
	if err := expectDelim(dec, '}'); err != nil {
		return nil, malformed("unterminated object", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, malformed("trailing data after object", err)
	}
	if !found {
		return nil, malformed("missing data property", nil)
	}
	return fields, nil
}

// ContextWindow wraps a context window body as a single markdown field.
func ContextWindow(text string) []types.DiffField {
	return []types.DiffField{{Field: ContextWindowField, Value: text, IsMarkdown: true}}
}

func readData(dec *json.Decoder) ([]types.DiffField, error) {
	if err := expectDelim(dec, '{'); err != nil {
		return nil, malformed("data is not an object", err)
	}

	fields := []types.DiffField{}
	index := make(map[string]int)
	for dec.More() {
		field, err := readKey(dec)
		if err != nil {
			return nil, malformed("read field name", err)
		}
		var rawChange json.RawMessage
		if err := dec.Decode(&rawChange); err != nil {
			return nil, malformed("read field "+field, err)
		}
		trimmed := bytes.TrimSpace(rawChange)
		if len(trimmed) == 0 || trimmed[0] != '{' {
			return nil, malformed(fmt.Sprintf("field %q is not an object", field), nil)
		}
		var c change
		if err := json.Unmarshal(trimmed, &c); err != nil {
			return nil, malformed("decode field "+field, err)
		}

		value := valueText(c.After)
		if value == "" {
			value = valueText(c.Before)
		}
		f := types.DiffField{Field: field, Value: value, IsMarkdown: !IsPlainText(field)}

		// A repeated key keeps its first position and takes the later value.
		if i, ok := index[field]; ok {
			fields[i] = f
			continue
		}
		index[field] = len(fields)
		fields = append(fields, f)
	}
	if err := expectDelim(dec, '}'); err != nil {
		return nil, malformed("unterminated data object", err)
	}
	return fields, nil
}

// valueText turns a before/after value into display text. Strings are used
// as-is; structured values are pretty-printed JSON; null and absent are empty.
func valueText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

func readKey(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", err
	}
	key, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("unexpected token %v", tok)
	}
	return key, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}
