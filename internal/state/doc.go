// Package state provides the durable stores behind research sessions: the
// history of finished sessions, the raw event log of each session and
// markdown exports of their reports.
package state

import "github.com/user/researchview/internal/types"

// Compile-time interface compliance checks.
var _ types.HistoryStore = (*FileStore)(nil)
var _ types.HistoryStore = (*SQLiteStore)(nil)
