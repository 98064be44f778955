package domain

import (
	"encoding/json"
	"time"
)

// State is the queue engine's internal lifecycle state.
type State string

const (
	Waiting   State = "waiting"
	Delayed   State = "delayed"
	Active    State = "active"
	Completed State = "completed"
	Failed    State = "failed"
)

// Status is the caller-facing view of a job.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusNotFound  Status = "not_found"
)

// StatusOf maps an engine state to its public status. A job scheduled for a
// delayed retry has not started its next attempt, so it reads as waiting.
func StatusOf(s State) Status {
	switch s {
	case Waiting, Delayed:
		return StatusWaiting
	case Active:
		return StatusActive
	case Completed:
		return StatusCompleted
	case Failed:
		return StatusFailed
	}
	return StatusNotFound
}

// Terminal reports whether no further attempt will be made.
func (s State) Terminal() bool { return s == Completed || s == Failed }

type Job struct {
	ID           string
	Tenant       string
	Action       Action
	Payload      json.RawMessage
	Attempts     int
	AttemptsMade int
	Backoff      Backoff
	State        State
	Progress     int
	FailedReason string
	Timestamp    time.Time
	ProcessedOn  *time.Time
	FinishedOn   *time.Time
}
