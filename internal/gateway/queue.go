package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/user/researchview/internal/types"
)

const laneBuffer = 256

// Queue manages per-session lanes with a global concurrency semaphore.
// Each session gets its own FIFO channel (lane) so that jobs within a
// session are processed sequentially, while the semaphore limits the
// total number of concurrent job processors across all sessions.
type Queue struct {
	lanes     map[types.SessionID]chan *Job
	semaphore *semaphore.Weighted
	processor func(*Job) error

	ctx    context.Context
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewQueue creates a Queue that allows up to maxConcurrent jobs to execute
// simultaneously across all session lanes.
func NewQueue(maxConcurrent int64) *Queue {
	return &Queue{
		lanes:     make(map[types.SessionID]chan *Job),
		semaphore: semaphore.NewWeighted(maxConcurrent),
	}
}

// Start initialises the queue's context. Must be called before Enqueue.
func (q *Queue) Start(ctx context.Context) {
	q.ctx = ctx
}

// Drain closes all lanes and waits for every queued job to be processed.
func (q *Queue) Drain() {
	q.closeLanes()
	q.wg.Wait()
}

func (q *Queue) closeLanes() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, lane := range q.lanes {
		close(lane)
		delete(q.lanes, id)
	}
	q.closed = true
}

// Enqueue adds a Job to the session's lane, creating the lane (and its
// goroutine) on first use. Returns an error if the lane's buffer is full.
func (q *Queue) Enqueue(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return fmt.Errorf("queue stopped")
	}

	lane, exists := q.lanes[job.SessionID]
	if !exists {
		lane = make(chan *Job, laneBuffer)
		q.lanes[job.SessionID] = lane
		q.wg.Add(1)
		go q.processLane(lane)
	}

	select {
	case lane <- job:
		return nil
	default:
		return fmt.Errorf("queue full for session %s", job.SessionID)
	}
}

// Remove closes a session's lane once its queued jobs are processed. A later
// Enqueue for the same session opens a fresh lane.
func (q *Queue) Remove(sessionID types.SessionID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if lane, ok := q.lanes[sessionID]; ok {
		close(lane)
		delete(q.lanes, sessionID)
	}
}

// processLane drains a single session lane, acquiring a semaphore slot
// before running the processor synchronously. This ensures strict FIFO
// ordering within a session while the semaphore limits cross-session
// parallelism.
func (q *Queue) processLane(lane chan *Job) {
	defer q.wg.Done()
	for {
		select {
		case job, ok := <-lane:
			if !ok {
				return
			}
			if err := q.semaphore.Acquire(q.ctx, 1); err != nil {
				return
			}
			q.run(job)
			q.semaphore.Release(1)
		case <-q.ctx.Done():
			return
		}
	}
}

func (q *Queue) run(job *Job) {
	if q.processor == nil {
		return
	}
	job.Ctx = q.ctx
	job.start()
	err := q.processor(job)
	if err != nil {
		slog.Error("job failed", "job_id", job.ID, "kind", string(job.Kind), "session_id", string(job.SessionID), "error", err)
	}
	job.finish(err)
}

// SetProcessor sets the function invoked for each dequeued Job.
func (q *Queue) SetProcessor(fn func(*Job) error) {
	q.processor = fn
}
