package engine

import (
	"errors"
	"fmt"

	"github.com/mykhaliev/tool-conformance/model"
)

var (
	ErrAlreadyRunning    = errors.New("a run is already in progress")
	ErrInvalidTransition = errors.New("invalid execution state transition")
)

type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
)

// Outcome records how the last run ended.
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// Running to Running is the advance to the next test.
var allowedTransitions = map[Status]map[Status]struct{}{
	StatusIdle: {
		StatusRunning: {},
	},
	StatusRunning: {
		StatusRunning: {},
		StatusIdle:    {},
	},
}

func validateTransition(from, to Status) error {
	allowed, ok := allowedTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown source status %q", ErrInvalidTransition, from)
	}
	if _, ok := allowed[to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// State is a snapshot of the engine. Index and Frames describe the current
// run while Running and the last run once Idle again.
type State struct {
	Status      Status              `json:"status"`
	RunID       string              `json:"run_id,omitempty"`
	Index       int                 `json:"index"`
	Total       int                 `json:"total"`
	Frames      []model.ResultFrame `json:"frames,omitempty"`
	LastOutcome Outcome             `json:"last_outcome,omitempty"`
}

// Progress is what a UI needs to draw a progress bar and a cancel button.
type Progress struct {
	Current     int  `json:"current"`
	Total       int  `json:"total"`
	Cancellable bool `json:"cancellable"`
}
