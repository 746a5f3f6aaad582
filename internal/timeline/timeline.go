// Package timeline implements the ordered, append-only view of a research
// session: records are classified on append, numbered in arrival order, and
// their markdown is rendered in the background without ever reordering them.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/user/researchview/internal/classify"
	"github.com/user/researchview/internal/diff"
	"github.com/user/researchview/internal/tokens"
	"github.com/user/researchview/internal/types"
)

const (
	defaultMaxRenders = 4
	subscriberBuffer  = 64
)

// Timeline is safe for concurrent use. Appends are serialized; renders run
// on a bounded pool and only ever fill in render products of existing
// records.
type Timeline struct {
	id       types.SessionID
	renderer types.Renderer
	counter  tokens.Counter
	logger   *slog.Logger
	renders  *semaphore.Weighted

	mu      sync.RWMutex
	state   State
	records []types.Record
	subs    map[int]chan Change
	nextSub int
	stopped chan struct{}

	// pending counts scheduled renders; drained is closed when it drops to zero.
	pending int
	drained chan struct{}
}

type Option func(*Timeline)

// WithRenderer sets the markdown renderer. Without one, records stay in
// their raw-text form.
func WithRenderer(r types.Renderer) Option {
	return func(t *Timeline) { t.renderer = r }
}

// WithTokenCounter annotates context-window records with their token count.
func WithTokenCounter(c tokens.Counter) Option {
	return func(t *Timeline) { t.counter = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Timeline) { t.logger = l }
}

// WithMaxConcurrentRenders bounds the render pool. Values below 1 are ignored.
func WithMaxConcurrentRenders(n int) Option {
	return func(t *Timeline) {
		if n > 0 {
			t.renders = semaphore.NewWeighted(int64(n))
		}
	}
}

// New creates an idle timeline for the given session.
func New(id types.SessionID, opts ...Option) *Timeline {
	t := &Timeline{
		id:      id,
		logger:  slog.Default(),
		renders: semaphore.NewWeighted(defaultMaxRenders),
		subs:    make(map[int]chan Change),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("session_id", string(id))
	return t
}

// Restore rebuilds an archived, read-only timeline from persisted records.
func Restore(id types.SessionID, records []types.Record, opts ...Option) *Timeline {
	t := New(id, opts...)
	t.records = make([]types.Record, len(records))
	for i, rec := range records {
		t.records[i] = rec.Clone()
	}
	t.state = StateArchived
	close(t.stopped)
	return t
}

func (t *Timeline) ID() types.SessionID { return t.id }

func (t *Timeline) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Start moves an idle timeline to running.
func (t *Timeline) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateIdle {
		return fmt.Errorf("start timeline in state %s", t.state)
	}
	t.setState(StateRunning)
	return nil
}

// Stop ends the research for this timeline. Late events may still be
// appended and pending renders still complete, but Consume stops reading
// from its subscription. Stopping twice is a no-op.
func (t *Timeline) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateStopped || t.state == StateArchived {
		return
	}
	t.setState(StateStopped)
	close(t.stopped)
}

// Archive makes the timeline read-only.
func (t *Timeline) Archive() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateArchived {
		return
	}
	if t.state != StateStopped {
		close(t.stopped)
	}
	t.setState(StateArchived)
}

// setState must be called with mu held.
func (t *Timeline) setState(s State) {
	t.state = s
	t.logger.Debug("timeline state changed", "state", s.String())
	t.broadcast(Change{Type: ChangeState, Seq: -1, State: s})
}

// Append classifies ev, assigns it the next sequence index and stores it.
// Malformed events never fail the append: they become plain log records and
// the problem is logged. The only error is ErrArchived.
func (t *Timeline) Append(ev types.Event) (types.Record, error) {
	rec, cerr := classify.Classify(ev)
	if cerr != nil {
		t.logger.Warn("degraded malformed event to log", "header", ev.Header, "error", cerr)
	}
	if t.counter != nil && ev.Header == types.HeaderContextWindow {
		rec.TokenCount = t.counter.Count(ev.Text)
	}

	t.mu.Lock()
	if t.state == StateArchived {
		t.mu.Unlock()
		return types.Record{}, types.ErrArchived
	}
	if t.state == StateIdle {
		t.setState(StateRunning)
	}
	rec.Seq = int64(len(t.records))
	t.records = append(t.records, rec)
	t.broadcast(Change{Type: ChangeAppended, Seq: rec.Seq, State: t.state})
	needsRender := t.renderer != nil && rec.NeedsRender()
	if needsRender {
		if t.pending == 0 {
			t.drained = make(chan struct{})
		}
		t.pending++
	}
	t.mu.Unlock()

	if needsRender {
		go t.render(rec.Clone())
	}
	return rec.Clone(), nil
}

func (t *Timeline) render(rec types.Record) {
	defer t.renderDone()

	ctx := context.Background()
	if err := t.renders.Acquire(ctx, 1); err != nil {
		return
	}
	defer t.renders.Release(1)

	switch rec.Kind {
	case types.KindDiffLog:
		fields, err := diff.RenderFields(ctx, t.renderer, rec.SourceFields)
		if err != nil {
			t.logger.Warn("diff field render failed, showing raw text", "seq", rec.Seq, "error", err)
		}
		t.update(rec.Seq, func(r *types.Record) {
			r.SourceFields = fields
			r.Rendered = true
		})

	default:
		html, err := t.renderer.Render(ctx, rec.DisplayText)
		if err != nil {
			// The record keeps showing its raw text.
			t.logger.Warn("markdown render failed, showing raw text", "seq", rec.Seq, "error", errors.Join(types.ErrRenderFailed, err))
			return
		}
		t.update(rec.Seq, func(r *types.Record) {
			r.RenderedHTML = html
			r.Rendered = true
		})
	}
}

func (t *Timeline) update(seq int64, fn func(*types.Record)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.records[seq])
	t.broadcast(Change{Type: ChangeRendered, Seq: seq, State: t.state})
}

func (t *Timeline) renderDone() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending--
	if t.pending == 0 {
		close(t.drained)
	}
}

// WaitRenders blocks until no render is pending, or ctx is done.
func (t *Timeline) WaitRenders(ctx context.Context) error {
	t.mu.RLock()
	if t.pending == 0 {
		t.mu.RUnlock()
		return nil
	}
	drained := t.drained
	t.mu.RUnlock()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// All returns a snapshot of every record in sequence order. It never waits
// for pending renders.
func (t *Timeline) All() []types.Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.Record, len(t.records))
	for i, rec := range t.records {
		out[i] = rec.Clone()
	}
	return out
}

// At returns the record with the given sequence index.
func (t *Timeline) At(seq int64) (types.Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if seq < 0 || seq >= int64(len(t.records)) {
		return types.Record{}, false
	}
	return t.records[seq].Clone(), true
}

func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// Sources aggregates the citations of every record, deduplicated by URL in
// first-seen order.
func (t *Timeline) Sources() []types.Source {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return CollectSources(t.records)
}

// CollectSources is the dedup logic behind Sources, usable on stored timelines.
func CollectSources(records []types.Record) []types.Source {
	seen := make(map[string]bool)
	sources := []types.Source{}
	for _, rec := range records {
		for _, src := range rec.Metadata.Citations() {
			if src.URL == "" || seen[src.URL] {
				continue
			}
			seen[src.URL] = true
			sources = append(sources, src)
		}
	}
	return sources
}

// Images returns the URLs carried by suppressed image records, deduplicated
// in first-seen order.
func (t *Timeline) Images() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := make(map[string]bool)
	images := []string{}
	for _, rec := range t.records {
		if rec.Metadata.Kind != types.MetadataImages {
			continue
		}
		for _, img := range rec.Metadata.Images {
			if !seen[img] {
				seen[img] = true
				images = append(images, img)
			}
		}
	}
	return images
}

// Report joins the report chunks streamed so far.
func (t *Timeline) Report() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return CollectReport(t.records)
}

func CollectReport(records []types.Record) string {
	var b strings.Builder
	for _, rec := range records {
		if rec.Kind == types.KindReport {
			b.WriteString(rec.DisplayText)
		}
	}
	return b.String()
}

// Question returns the original research question: the text of the first
// question record.
func (t *Timeline) Question() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, rec := range t.records {
		if rec.Kind == types.KindQuestion {
			return rec.DisplayText
		}
	}
	return ""
}

// Subscribe returns a channel of changes and a function that cancels the
// subscription. Delivery is best effort: a subscriber that falls behind
// misses changes and should re-read All.
func (t *Timeline) Subscribe() (<-chan Change, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan Change, subscriberBuffer)
	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			delete(t.subs, id)
			close(ch)
		})
	}
}

// broadcast must be called with mu held.
func (t *Timeline) broadcast(c Change) {
	for _, ch := range t.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

// Consume appends events from sub until it is exhausted, ctx is done, or the
// timeline is stopped. Events that arrive after Stop are dropped.
func (t *Timeline) Consume(ctx context.Context, sub types.Subscription) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-t.stopped:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		ev, err := sub.Next(ctx)
		if t.isStopped() {
			if err == nil {
				t.logger.Debug("dropped event from terminated source", "header", ev.Header)
			}
			return nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read subscription: %w", err)
		}
		if _, err := t.Append(ev); err != nil {
			return err
		}
	}
}

func (t *Timeline) isStopped() bool {
	select {
	case <-t.stopped:
		return true
	default:
		return false
	}
}
