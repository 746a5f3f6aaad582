//go:build integration

package test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/researchview/internal/chat"
	"github.com/user/researchview/internal/gateway"
	"github.com/user/researchview/internal/ingest"
	"github.com/user/researchview/internal/markdown"
	"github.com/user/researchview/internal/state"
	"github.com/user/researchview/internal/timeline"
	"github.com/user/researchview/internal/types"
)

// A recorded research run, one event per line, as the backend streams it.
const recording = `{"header":"question","text":"How do bees navigate?"}
{"header":"progress","text":"Planning research"}
{"header":"differences","text":"{\"data\":{\"summary\":{\"before\":\"Plan\",\"after\":\"**Search** sources\"}}}"}
{"header":"subquery_context_window","text":"bees use the sun as a compass"}
not even json
{"header":"chat","text":"Found sources.","metadata":{"tool_calls":[{"tool":"quick_search","query":"bees","search_metadata":{"query":"bees","sources":[{"title":"Bee Lab","url":"https://bees.example","content":"..."},{"title":"Bee Lab again","url":"https://bees.example","content":"..."}]}}]}}
{"header":"selected_images","text":"[\"https://img.example/bee.png\"]"}
{"header":"report","text":"# Bee navigation\n\n"}
{"header":"report","text":"Bees use *polarized light*."}
{"header":"question","text":"Do wasps do the same?"}
{"header":"chat","text":"Some species do."}
`

func newGateway(t *testing.T, history types.HistoryStore, events *state.EventLog) *gateway.Gateway {
	t.Helper()
	gw := gateway.New(history,
		gateway.WithEventLog(events),
		gateway.WithTimelineOptions(timeline.WithRenderer(markdown.NewHTMLRenderer())),
	)
	gw.Start(context.Background())
	return gw
}

func waitArchived(t *testing.T, gw *gateway.Gateway) {
	t.Helper()
	require.Eventually(t, func() bool { return len(gw.Live()) == 0 }, 10*time.Second, 10*time.Millisecond)
}

func TestReplayToHistory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(recording), 0o644))

	history, err := state.NewSQLiteStore(dir)
	require.NoError(t, err)
	defer history.Close()
	events := state.NewEventLog(dir)

	gw := newGateway(t, history, events)
	ctx := context.Background()

	id, err := gw.Create(ctx, "")
	require.NoError(t, err)
	sub, err := ingest.OpenFile(path)
	require.NoError(t, err)
	require.NoError(t, gw.Attach(ctx, id, sub))

	waitArchived(t, gw)
	gw.Stop()

	saved, err := history.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "How do bees navigate?", saved.Question)

	// The malformed line is skipped by the reader; every other event is kept.
	require.Len(t, saved.Timeline, 10)
	for i, rec := range saved.Timeline {
		assert.Equal(t, int64(i), rec.Seq)
	}

	diffRec := saved.Timeline[2]
	assert.Equal(t, types.KindDiffLog, diffRec.Kind)
	assert.True(t, diffRec.Rendered)
	for _, f := range diffRec.SourceFields {
		if f.Field == "summary" {
			assert.Contains(t, f.HTML, "<strong>Search</strong>")
		}
	}

	for _, rec := range saved.Timeline {
		if rec.NeedsRender() {
			assert.True(t, rec.Rendered, "record %d (%s) archived unrendered", rec.Seq, rec.Kind)
		}
	}

	sources := timeline.CollectSources(saved.Timeline)
	require.Len(t, sources, 1)
	assert.Equal(t, "Bee Lab", sources[0].Name)

	thread := chat.DeriveThread(saved.Timeline)
	require.Len(t, thread, 3)
	assert.Equal(t, types.KindQuestion, thread[1].Type)
	assert.Equal(t, "Some species do.", thread[2].Content)

	transcript, err := chat.Transcript(saved)
	require.NoError(t, err)
	assert.Contains(t, transcript, "Bees use *polarized light*.")

	count, err := events.Count(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(10), count)

	// A new process sees the archived session read-only.
	gw2 := newGateway(t, history, events)
	defer gw2.Stop()
	tl, err := gw2.Timeline(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, timeline.StateArchived, tl.State())
	assert.Equal(t, []string{"https://img.example/bee.png"}, tl.Images())
	_, err = tl.Append(types.Event{Header: "progress", Text: "late"})
	assert.ErrorIs(t, err, types.ErrArchived)
}

func TestLiveChannelSessionsStayIsolated(t *testing.T) {
	dir := t.TempDir()
	history := state.NewFileStore(dir)
	gw := newGateway(t, history, state.NewEventLog(dir))
	defer gw.Stop()
	ctx := context.Background()

	feeds := make(map[types.SessionID]chan types.Event)
	for _, q := range []string{"first", "second", "third"} {
		id, err := gw.Create(ctx, q)
		require.NoError(t, err)
		ch := make(chan types.Event)
		feeds[id] = ch
		require.NoError(t, gw.Attach(ctx, id, ingest.NewChannel(ch)))
	}

	for i := 0; i < 20; i++ {
		for id, ch := range feeds {
			ch <- types.Event{Header: "report", Text: string(id) + " "}
		}
	}
	for _, ch := range feeds {
		close(ch)
	}
	waitArchived(t, gw)

	for id := range feeds {
		saved, err := history.Get(ctx, id)
		require.NoError(t, err)
		require.Len(t, saved.Timeline, 21, string(id))
		want := strings.Repeat(string(id)+" ", 20)
		assert.Equal(t, want, timeline.CollectReport(saved.Timeline), "report mixed with other sessions")
	}
}
