package timeline

// State is the lifecycle of one research session's timeline.
//
//	Idle -> Running -> Stopped -> Archived
//
// Running and Stopped both accept appends; Stopped only stops pulling from
// the subscription. Archived is read-only. Transitions never go backwards:
// a new research gets a new Timeline.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopped
	StateArchived
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateArchived:
		return "archived"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ChangeType says what happened to the timeline.
type ChangeType string

const (
	ChangeAppended ChangeType = "appended"
	ChangeRendered ChangeType = "rendered"
	ChangeState    ChangeType = "state"
)

// Change is a notification for the presentation layer. Seq is the affected
// record for appended and rendered changes.
type Change struct {
	Type  ChangeType `json:"type"`
	Seq   int64      `json:"seq"`
	State State      `json:"state"`
}
