package ingest

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/researchview/internal/types"
)

func drain(t *testing.T, sub *Subscription) []types.Event {
	t.Helper()
	var events []types.Event
	for {
		ev, err := sub.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

func TestReaderDeliversInOrder(t *testing.T) {
	input := strings.Join([]string{
		`{"header":"question","text":"Q"}`,
		``,
		`{"seq":2,"at":"2026-01-01T00:00:00Z","header":"report","text":"# R","metadata":{"a":1}}`,
		`not json`,
		`{"header":"chat","text":"no trailing newline"}`,
	}, "\n")

	sub := NewReader("test", strings.NewReader(input))
	events := drain(t, sub)

	require.Len(t, events, 3)
	assert.Equal(t, types.Event{Header: types.HeaderQuestion, Text: "Q"}, events[0])
	assert.Equal(t, types.HeaderReport, events[1].Header)
	assert.JSONEq(t, `{"a":1}`, string(events[1].Metadata))
	assert.Equal(t, "no trailing newline", events[2].Text)

	_, err := sub.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderEmpty(t *testing.T) {
	sub := NewReader("empty", strings.NewReader(""))
	_, err := sub.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestOpenFileMissing(t *testing.T) {
	_, err := OpenFile(filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.Error(t, err)
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"header":"a","text":"1"}`+"\n"+`{"header":"b","text":"2"}`+"\n"), 0o644))

	sub, err := OpenFile(path)
	require.NoError(t, err)
	defer sub.Close()

	events := drain(t, sub)
	require.Len(t, events, 2)
	assert.Equal(t, "b", events[1].Header)
}

func TestFollowPicksUpAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"header":"a","text":"1"}`+"\n"), 0o644))

	sub, err := OpenFile(path, Follow())
	require.NoError(t, err)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", ev.Header)

	got := make(chan types.Event, 1)
	go func() {
		ev, err := sub.Next(ctx)
		if err == nil {
			got <- ev
		}
	}()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	// A line written in two parts is delivered once complete.
	_, err = f.WriteString(`{"header":"b",`)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	_, err = f.WriteString(`"text":"2"}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	select {
	case ev := <-got:
		assert.Equal(t, types.Event{Header: "b", Text: "2"}, ev)
	case <-ctx.Done():
		t.Fatal("appended event not delivered")
	}
}

func TestFollowEndsWhenFileRemoved(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	sub, err := OpenFile(path, Follow())
	require.NoError(t, err)
	defer sub.Close()

	done := make(chan error, 1)
	go func() {
		_, err := sub.Next(context.Background())
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.Remove(path))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(5 * time.Second):
		t.Fatal("follow did not end after removal")
	}
}

func TestFollowCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	sub, err := OpenFile(path, Follow())
	require.NoError(t, err)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseUnblocksNext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	sub, err := OpenFile(path, Follow())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := sub.Next(context.Background())
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("close did not unblock Next")
	}
}
