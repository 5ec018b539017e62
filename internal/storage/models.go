package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// JobState is the lifecycle state of a research job.
type JobState string

const (
	JobPending     JobState = "pending"
	JobResearching JobState = "researching"
	JobWriting     JobState = "writing"
	JobCompleted   JobState = "completed"
	JobFailed      JobState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Job tracks one research request through the pipeline. Rows are mutated
// only by the owning pipeline goroutine (and the watchdog's guarded
// terminal write); terminal states never regress.
type Job struct {
	ID              string
	Topic           string
	State           JobState
	Error           string
	ReportID        string
	DegradedVector  bool
	DegradedReports bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Report is the persisted output of a completed job. Created exactly once
// by the writer stage, immutable thereafter.
type Report struct {
	ID        string
	JobID     string
	Topic     string
	Content   string
	Review    string
	Sources   []string // ordered fragment record ids used for generation
	CreatedAt time.Time
}

// Document is raw reference material saved for background indexing into
// the vector store.
type Document struct {
	ID        string
	Title     string
	Content   []byte
	MimeType  string
	Source    string
	CreatedAt time.Time
}

// IngestJob is a queued unit of background work (document indexing).
// Distinct from Job: research jobs run on dedicated goroutines with a
// pollable state machine, ingest jobs go through this claim/complete queue.
type IngestJob struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// Message is one turn of an append-only conversation.
type Message struct {
	Role      string
	Content   string
	CreatedAt time.Time
}
