// Package gateway manages live research sessions: it owns their timelines,
// routes backend events onto per-session lanes and moves finished sessions
// into the history store.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/researchview/internal/state"
	"github.com/user/researchview/internal/timeline"
	"github.com/user/researchview/internal/types"
)

const (
	defaultRenderTimeout = 30 * time.Second
	defaultAutosaveDelay = 2 * time.Second
)

// Gateway routes inbound events to live session timelines. Events for one
// session are appended in arrival order on that session's lane; sessions run
// in parallel up to the queue's concurrency limit.
type Gateway struct {
	history  types.HistoryStore
	events   *state.EventLog
	notifier types.Notifier
	logger   *slog.Logger
	Queue    *Queue
	retry    *RetryPolicy

	timelineOpts  []timeline.Option
	renderTimeout time.Duration
	autosaveDelay time.Duration

	mu   sync.RWMutex
	live map[types.SessionID]*liveSession

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type liveSession struct {
	tl        *timeline.Timeline
	createdAt time.Time
	stopping  bool

	// saveQueued is set while a debounced save is waiting to run.
	saveQueued atomic.Bool
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithEventLog records every inbound event in the session's raw event log.
func WithEventLog(l *state.EventLog) Option {
	return func(g *Gateway) { g.events = l }
}

// WithNotifier sets the sink for user-visible notifications.
func WithNotifier(n types.Notifier) Option {
	return func(g *Gateway) { g.notifier = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

func WithRetryPolicy(p *RetryPolicy) Option {
	return func(g *Gateway) { g.retry = p }
}

// WithMaxConcurrent bounds how many sessions process events at once.
func WithMaxConcurrent(n int64) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.Queue = NewQueue(n)
		}
	}
}

// WithTimelineOptions are applied to every timeline the gateway creates or
// restores.
func WithTimelineOptions(opts ...timeline.Option) Option {
	return func(g *Gateway) { g.timelineOpts = append(g.timelineOpts, opts...) }
}

// WithRenderTimeout bounds how long archiving waits for pending renders.
// Records whose render has not finished by then are stored as raw text.
func WithRenderTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.renderTimeout = d
		}
	}
}

// WithAutosaveDelay sets how long after an append the session is saved to
// history. Appends within the delay share one save.
func WithAutosaveDelay(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.autosaveDelay = d
		}
	}
}

// New creates a Gateway that persists sessions to history.
func New(history types.HistoryStore, opts ...Option) *Gateway {
	g := &Gateway{
		history:       history,
		notifier:      nopNotifier{},
		logger:        slog.Default(),
		Queue:         NewQueue(4),
		retry:         DefaultRetryPolicy(),
		renderTimeout: defaultRenderTimeout,
		autosaveDelay: defaultAutosaveDelay,
		live:          make(map[types.SessionID]*liveSession),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.Queue.SetProcessor(g.process)
	return g
}

// Start initialises the gateway's context and starts the internal queue.
// Cancelling ctx does not stop the gateway; Stop does, after archiving every
// live session.
func (g *Gateway) Start(ctx context.Context) {
	g.ctx, g.cancel = context.WithCancel(context.WithoutCancel(ctx))
	g.Queue.Start(g.ctx)
}

// Stop stops every live session, processes the events already queued,
// archives the sessions into history and shuts the queue down.
func (g *Gateway) Stop() {
	for _, id := range g.Live() {
		if err := g.StopSession(id); err != nil && !errors.Is(err, types.ErrNotFound) {
			g.logger.Warn("stop session on shutdown", "session_id", string(id), "error", err)
		}
	}
	g.wg.Wait()
	g.Queue.Drain()
	if g.cancel != nil {
		g.cancel()
	}
}

// Create starts a new research session for question and returns its ID.
func (g *Gateway) Create(ctx context.Context, question string) (types.SessionID, error) {
	id := types.NewSessionID()
	if err := g.CreateWithID(ctx, id, question); err != nil {
		return "", err
	}
	return id, nil
}

// CreateWithID is Create with a caller-chosen ID. It fails with
// types.ErrSessionExists if a live or archived session already uses id.
func (g *Gateway) CreateWithID(ctx context.Context, id types.SessionID, question string) error {
	if _, err := g.history.Get(ctx, id); err == nil {
		return fmt.Errorf("session %s: %w", id, types.ErrSessionExists)
	}
	tl := timeline.New(id, g.timelineOpts...)

	g.mu.Lock()
	if _, exists := g.live[id]; exists {
		g.mu.Unlock()
		return fmt.Errorf("session %s: %w", id, types.ErrSessionExists)
	}
	live := &liveSession{tl: tl, createdAt: time.Now().UTC()}
	g.live[id] = live
	g.mu.Unlock()

	if err := tl.Start(); err != nil {
		return err
	}
	if question != "" {
		ev := types.Event{Header: types.HeaderQuestion, Text: question}
		g.record(ctx, id, ev)
		if _, err := tl.Append(ev); err != nil {
			return err
		}
	}

	g.logger.Info("session created", "session_id", string(id))
	g.autosave(ctx, id, live)
	return nil
}

// HandleEvent queues ev for the session's timeline. Events for one session
// are appended in the order HandleEvent is called.
func (g *Gateway) HandleEvent(ctx context.Context, id types.SessionID, ev types.Event) error {
	if _, err := g.liveSession(ctx, id); err != nil {
		return err
	}
	return g.Queue.Enqueue(NewJob(id, JobAppend, ev))
}

// StopSession stops the session's research. Events already queued are still
// appended, then the session is archived into history. Stopping a session
// twice is a no-op.
func (g *Gateway) StopSession(id types.SessionID) error {
	g.mu.Lock()
	live, ok := g.live[id]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("live session %s: %w", id, types.ErrNotFound)
	}
	if live.stopping {
		g.mu.Unlock()
		return nil
	}
	live.stopping = true
	g.mu.Unlock()

	live.tl.Stop()
	return g.Queue.Enqueue(NewJob(id, JobArchive, types.Event{}))
}

// Attach feeds events from sub into the session until the source is
// exhausted or the session is stopped. An exhausted source stops the
// session. ctx only scopes the lookup; the feed itself is bound to the
// gateway's lifetime.
func (g *Gateway) Attach(ctx context.Context, id types.SessionID, sub types.Subscription) error {
	live, err := g.liveSession(ctx, id)
	if err != nil {
		return err
	}

	g.wg.Add(1)
	go func() {
		ctx := g.ctx
		defer g.wg.Done()
		defer sub.Close()

		err := live.tl.Consume(ctx, &recordingSubscription{Subscription: sub, g: g, id: id, live: live})
		if err != nil && !errors.Is(err, types.ErrArchived) && !errors.Is(err, context.Canceled) {
			g.logger.Error("session source failed", "session_id", string(id), "error", err)
			g.notify(ctx, types.LevelError, id, "Research stream interrupted", err.Error())
		}
		if err := g.StopSession(id); err != nil && !errors.Is(err, types.ErrNotFound) {
			g.logger.Warn("stop session after source ended", "session_id", string(id), "error", err)
		}
	}()
	return nil
}

// Timeline returns the live timeline of a session, or a read-only timeline
// restored from history.
func (g *Gateway) Timeline(ctx context.Context, id types.SessionID) (*timeline.Timeline, error) {
	g.mu.RLock()
	live, ok := g.live[id]
	g.mu.RUnlock()
	if ok {
		return live.tl, nil
	}

	rec, err := g.history.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return timeline.Restore(rec.ID, rec.Timeline, g.timelineOpts...), nil
}

// Live returns the IDs of the sessions that have not been archived yet.
func (g *Gateway) Live() []types.SessionID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]types.SessionID, 0, len(g.live))
	for id := range g.live {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Save writes the current state of a live session to history. Archived
// sessions yield types.ErrArchived.
func (g *Gateway) Save(ctx context.Context, id types.SessionID) error {
	live, err := g.liveSession(ctx, id)
	if err != nil {
		return err
	}
	return g.persist(ctx, id, live)
}

// Delete removes an archived session and its event log.
func (g *Gateway) Delete(ctx context.Context, id types.SessionID) error {
	g.mu.RLock()
	_, live := g.live[id]
	g.mu.RUnlock()
	if live {
		return fmt.Errorf("delete session %s: %w", id, types.ErrSessionRunning)
	}

	if err := g.history.Delete(ctx, id); err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			g.notify(ctx, types.LevelError, id, "History not updated", err.Error())
		}
		return err
	}
	if g.events != nil {
		if err := g.events.Remove(ctx, id); err != nil {
			g.logger.Warn("remove event log", "session_id", string(id), "error", err)
		}
	}
	g.logger.Info("session deleted", "session_id", string(id))
	return nil
}

// liveSession returns a running session. Archived sessions yield
// types.ErrArchived and unknown ones types.ErrNotFound.
func (g *Gateway) liveSession(ctx context.Context, id types.SessionID) (*liveSession, error) {
	g.mu.RLock()
	live, ok := g.live[id]
	g.mu.RUnlock()
	if ok {
		return live, nil
	}
	if _, err := g.history.Get(ctx, id); err == nil {
		return nil, fmt.Errorf("session %s: %w", id, types.ErrArchived)
	}
	return nil, fmt.Errorf("live session %s: %w", id, types.ErrNotFound)
}

func (g *Gateway) process(job *Job) error {
	g.mu.RLock()
	live, ok := g.live[job.SessionID]
	g.mu.RUnlock()
	if !ok {
		if job.Kind == JobSave {
			return nil
		}
		return fmt.Errorf("live session %s: %w", job.SessionID, types.ErrNotFound)
	}

	switch job.Kind {
	case JobAppend:
		return g.appendEvent(job.Ctx, job.SessionID, live, job.Event)
	case JobSave:
		live.saveQueued.Store(false)
		g.autosave(job.Ctx, job.SessionID, live)
		return nil
	case JobArchive:
		return g.archive(job.Ctx, job.SessionID, live)
	}
	return fmt.Errorf("unknown job kind %q", job.Kind)
}

func (g *Gateway) appendEvent(ctx context.Context, id types.SessionID, live *liveSession, ev types.Event) error {
	g.record(ctx, id, ev)
	rec, err := live.tl.Append(ev)
	if err != nil {
		return err
	}
	// The chat thread is restored from history, so every turn is saved.
	if rec.Kind == types.KindQuestion || rec.Kind == types.KindChat {
		g.autosave(ctx, id, live)
		return nil
	}
	g.scheduleSave(id, live)
	return nil
}

// scheduleSave queues a save on the session's lane once the autosave delay
// has passed, unless one is already waiting.
func (g *Gateway) scheduleSave(id types.SessionID, live *liveSession) {
	if !live.saveQueued.CompareAndSwap(false, true) {
		return
	}
	time.AfterFunc(g.autosaveDelay, func() {
		g.mu.RLock()
		current, ok := g.live[id]
		pending := ok && current == live && !current.stopping
		g.mu.RUnlock()
		if !pending {
			return
		}
		if err := g.Queue.Enqueue(NewJob(id, JobSave, types.Event{})); err != nil {
			live.saveQueued.Store(false)
			g.logger.Debug("autosave not queued", "session_id", string(id), "error", err)
		}
	})
}

func (g *Gateway) archive(ctx context.Context, id types.SessionID, live *liveSession) error {
	waitCtx, cancel := context.WithTimeout(ctx, g.renderTimeout)
	if err := live.tl.WaitRenders(waitCtx); err != nil {
		g.logger.Warn("archiving with renders still pending", "session_id", string(id), "error", err)
	}
	cancel()

	live.tl.Archive()
	err := g.persist(ctx, id, live)

	g.mu.Lock()
	delete(g.live, id)
	g.mu.Unlock()
	g.Queue.Remove(id)

	if err != nil {
		return err
	}
	g.logger.Info("session archived", "session_id", string(id), "records", live.tl.Len())
	return nil
}

func (g *Gateway) snapshot(id types.SessionID, live *liveSession) *types.SessionRecord {
	return &types.SessionRecord{
		ID:        id,
		Question:  live.tl.Question(),
		Timeline:  live.tl.All(),
		CreatedAt: live.createdAt,
		UpdatedAt: time.Now().UTC(),
	}
}

// persist saves the session with retries and raises a notification when
// the history store stays unavailable.
func (g *Gateway) persist(ctx context.Context, id types.SessionID, live *liveSession) error {
	err := g.retry.Execute(ctx, func() error {
		return g.history.Save(ctx, g.snapshot(id, live))
	})
	if err != nil {
		g.logger.Error("save session failed", "session_id", string(id), "error", err)
		g.notify(ctx, types.LevelError, id, "History not saved", err.Error())
		return fmt.Errorf("save session %s: %w", id, err)
	}
	return nil
}

func (g *Gateway) autosave(ctx context.Context, id types.SessionID, live *liveSession) {
	// Failures are already logged and notified.
	_ = g.persist(ctx, id, live)
}

func (g *Gateway) record(ctx context.Context, id types.SessionID, ev types.Event) {
	if g.events == nil {
		return
	}
	if _, err := g.events.Append(ctx, id, ev); err != nil {
		g.logger.Warn("record event", "session_id", string(id), "error", err)
	}
}

func (g *Gateway) notify(ctx context.Context, level types.Level, id types.SessionID, title, msg string) {
	g.notifier.Notify(ctx, types.Notification{
		Level:     level,
		Title:     title,
		Message:   msg,
		SessionID: id,
		At:        time.Now().UTC(),
	})
}

// recordingSubscription copies every event it delivers into the session's
// event log and schedules a save of the timeline it is appended to.
type recordingSubscription struct {
	types.Subscription
	g    *Gateway
	id   types.SessionID
	live *liveSession
}

func (r *recordingSubscription) Next(ctx context.Context) (types.Event, error) {
	ev, err := r.Subscription.Next(ctx)
	if err == nil {
		r.g.record(ctx, r.id, ev)
		r.g.scheduleSave(r.id, r.live)
	}
	return ev, err
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, types.Notification) {}
