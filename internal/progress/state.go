package progress

import (
	"time"
)

// Stage represents the current stage of a processing run
type Stage string

const (
	StageQueued       Stage = "queued"
	StageUploading    Stage = "uploading"
	StageTranscribing Stage = "transcribing"
	StageTranscribed  Stage = "transcribed"
	StageExtracting   Stage = "extracting"
	StageProcessed    Stage = "processed"
	StageFailed       Stage = "failed"
)

// stageOrder maps each non-failed stage to its position in the pipeline.
var stageOrder = map[Stage]int{
	StageQueued:       0,
	StageUploading:    1,
	StageTranscribing: 2,
	StageTranscribed:  3,
	StageExtracting:   4,
	StageProcessed:    5,
}

// Terminal reports whether no further snapshot may follow this stage.
func (s Stage) Terminal() bool {
	return s == StageProcessed || s == StageFailed
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	if s == StageFailed {
		return true
	}
	_, ok := stageOrder[s]
	return ok
}

// CanTransitionTo reports whether moving from s to next is a legal transition.
// Any non-terminal stage may fail; otherwise stages only move forward.
func (s Stage) CanTransitionTo(next Stage) bool {
	if s.Terminal() {
		return false
	}
	if next == StageFailed {
		return true
	}
	from, ok := stageOrder[s]
	if !ok {
		return false
	}
	to, ok := stageOrder[next]
	if !ok {
		return false
	}
	return to > from
}

// State is one immutable snapshot of a job's status.
type State struct {
	JobID                     string    `json:"job_id"`
	Stage                     Stage     `json:"stage"`
	Percent                   int       `json:"percent"`
	Message                   string    `json:"message"`
	Error                     string    `json:"error,omitempty"`
	EstimatedSecondsRemaining int       `json:"estimated_seconds_remaining,omitempty"`
	CreatedAt                 time.Time `json:"created_at"`
	UpdatedAt                 time.Time `json:"updated_at"`
}
