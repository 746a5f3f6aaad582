package types

import "errors"

var (
	// ErrNotFound indicates a session does not exist in the history store.
	ErrNotFound = errors.New("not found")

	// ErrArchived indicates the timeline has been moved into history and is read-only.
	ErrArchived = errors.New("timeline archived")

	// ErrRenderFailed indicates the markdown renderer rejected its input.
	// Records keep their raw text when this happens.
	ErrRenderFailed = errors.New("render failed")

	// ErrSessionExists is returned when creating a live session whose id is
	// already taken. HistoryStore.Save never returns it: saving is an upsert.
	ErrSessionExists = errors.New("session already exists")

	// ErrSessionRunning is returned when deleting a session that has not been
	// archived yet.
	ErrSessionRunning = errors.New("session still running")
)
