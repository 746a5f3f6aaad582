package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlatten_Nested(t *testing.T) {
	m := map[string]any{
		"history": map[string]any{
			"backend":        "sqlite",
			"retention_days": 30.0,
		},
		"log_level": "info",
	}
	got := Flatten(m)
	assert.Equal(t, map[string]any{
		"history.backend":        "sqlite",
		"history.retention_days": 30.0,
		"log_level":              "info",
	}, got)
}

func TestFlatten_DeeplyNested(t *testing.T) {
	got := Flatten(map[string]any{
		"a": map[string]any{"b": map[string]any{"c": "deep"}},
	})
	assert.Equal(t, map[string]any{"a.b.c": "deep"}, got)
}

func TestFlatten_Empty(t *testing.T) {
	assert.Empty(t, Flatten(map[string]any{}))
	assert.Empty(t, Flatten(map[string]any{"a": map[string]any{}}), "empty nested map produces nothing")
}

func TestFlatten_MixedTypes(t *testing.T) {
	got := Flatten(map[string]any{
		"str":    "hello",
		"num":    42.0,
		"bool":   true,
		"nested": map[string]any{"val": "inside"},
	})
	assert.Equal(t, "hello", got["str"])
	assert.Equal(t, 42.0, got["num"])
	assert.Equal(t, true, got["bool"])
	assert.Equal(t, "inside", got["nested.val"])
}

func TestUnflatten_Nested(t *testing.T) {
	got := Unflatten(map[string]any{
		"render.style":     "dark",
		"render.word_wrap": 80.0,
		"log_level":        "info",
	})
	render, ok := got["render"].(map[string]any)
	require.True(t, ok, "render should be a map, got %T", got["render"])
	assert.Equal(t, "dark", render["style"])
	assert.Equal(t, 80.0, render["word_wrap"])
	assert.Equal(t, "info", got["log_level"])
}

func TestUnflatten_DeeplyNested(t *testing.T) {
	got := Unflatten(map[string]any{"a.b.c": "deep"})
	a, ok := got["a"].(map[string]any)
	require.True(t, ok)
	b, ok := a["b"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "deep", b["c"])
}

func TestRoundTrip_FlattenUnflatten(t *testing.T) {
	original := map[string]any{
		"data_dir":  "/home/test/.researchview",
		"log_level": "debug",
		"history": map[string]any{
			"backend":        "file",
			"prune_schedule": "@daily",
		},
		"telegram": map[string]any{
			"token":   "bot-token-abc",
			"chat_id": 12345.0,
		},
	}
	assert.Equal(t, original, Unflatten(Flatten(original)))
}

func TestMaskSecrets(t *testing.T) {
	got := MaskSecrets(map[string]any{
		"history.backend": "sqlite",
		"telegram.token":  "123456:ABCdefGHIjkl",
		"log_level":       "info",
	})
	assert.Equal(t, "sqlite", got["history.backend"])
	assert.Equal(t, "info", got["log_level"])
	assert.Equal(t, "***Ijkl", got["telegram.token"])
}

func TestMaskSecrets_Lengths(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  string
	}{
		{"empty stays empty", "", ""},
		{"short", "ab", "***ab"},
		{"exactly four", "abcd", "***abcd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MaskSecrets(map[string]any{"telegram.token": tt.value})
			assert.Equal(t, tt.want, got["telegram.token"])
		})
	}
}

func TestIsSecretKey(t *testing.T) {
	assert.True(t, IsSecretKey("telegram.token"))
	assert.False(t, IsSecretKey("telegram.chat_id"))
	assert.False(t, IsSecretKey("log_level"))
}
