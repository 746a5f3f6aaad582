package gateway

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/user/researchview/internal/types"
)

// JobKind says what a Job does to its session.
type JobKind string

const (
	// JobAppend appends one backend event to the session timeline.
	JobAppend JobKind = "append"
	// JobArchive waits for pending renders, archives the timeline and moves
	// it into the history store.
	JobArchive JobKind = "archive"
	// JobSave writes the session's current timeline to history.
	JobSave JobKind = "save"
)

// JobStatus represents the lifecycle state of a Job.
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusComplete JobStatus = "complete"
	JobStatusFailed   JobStatus = "failed"
)

// Job is one unit of work on a session lane.
type Job struct {
	ID        string
	SessionID types.SessionID
	Kind      JobKind
	Event     types.Event
	Status    JobStatus
	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
	Error     error
	Ctx       context.Context

	// Done, if set, is called once the job has been processed.
	Done func(err error)
}

// NewJob creates a queued Job of the given kind.
func NewJob(sessionID types.SessionID, kind JobKind, event types.Event) *Job {
	return &Job{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Kind:      kind,
		Event:     event,
		Status:    JobStatusQueued,
		CreatedAt: time.Now(),
	}
}

func (j *Job) start() {
	now := time.Now()
	j.StartedAt = &now
	j.Status = JobStatusRunning
}

func (j *Job) finish(err error) {
	now := time.Now()
	j.EndedAt = &now
	j.Error = err
	if err != nil {
		j.Status = JobStatusFailed
	} else {
		j.Status = JobStatusComplete
	}
	if j.Done != nil {
		j.Done(err)
	}
}
