package store

import "time"

// Run statuses recorded in the history database.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
)

// TransferRun is one row of transfer history.
type TransferRun struct {
	ID           int64
	Session      string
	Role         string // "send", "recv", or "mirror"
	Source       string
	Dest         string
	StartTime    time.Time
	EndTime      *time.Time
	BytesSent    int64
	BytesResumed int64
	BytesSkipped int64
	FilesSent    int64
	FilesSkipped int64
	Deletes      int64
	Abandoned    int64
	Status       string
	ErrorMessage string
}

// AbandonedPath is a path a run gave up on, kept for `massmove status`.
type AbandonedPath struct {
	ID      int64
	RunID   int64
	RelPath string
	Reason  string
}
