package models

import (
	"fmt"
	"time"
)

// RunPhase identifies where a run is in its lifecycle. Phases advance
// monotonically; Done and Failed are terminal.
type RunPhase string

const (
	PhasePending  RunPhase = "pending"
	PhaseSearch   RunPhase = "search"
	PhaseCollect  RunPhase = "collect"
	PhaseAnalyze  RunPhase = "analyze"
	PhaseFinalize RunPhase = "finalize"
	PhaseDone     RunPhase = "done"
	PhaseFailed   RunPhase = "failed"
)

// phaseOrder maps each phase to its position in the lifecycle.
var phaseOrder = map[RunPhase]int{
	PhasePending:  0,
	PhaseSearch:   1,
	PhaseCollect:  2,
	PhaseAnalyze:  3,
	PhaseFinalize: 4,
	PhaseDone:     5,
	PhaseFailed:   5,
}

// RunMode controls how aggressively a run consumes external APIs.
type RunMode string

const (
	// ModeConservative uses single-worker collection, longer throttle
	// delays, and one analysis worker.
	ModeConservative RunMode = "conservative"
	// ModeAccelerated widens the concurrency budget and shortens delays.
	ModeAccelerated RunMode = "accelerated"
)

// Run is one execution of a keyword query against YouTube.
type Run struct {
	ID                string     `json:"id"` // UUID
	Keyword           string     `json:"keyword"`
	ProductSnapshot   string     `json:"product_snapshot,omitempty"`
	Phase             RunPhase   `json:"phase"`
	Mode              RunMode    `json:"mode"`
	Incremental       bool       `json:"incremental"`
	ParentRunID       string     `json:"parent_run_id,omitempty"`
	TotalChannels     int        `json:"total_channels"`
	ProcessedChannels int        `json:"processed_channels"`
	NewChannels       int        `json:"new_channels"`
	FailedAnalyses    int        `json:"failed_analyses"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether the run has reached a final phase.
func (r *Run) Terminal() bool {
	return r.Phase == PhaseDone || r.Phase == PhaseFailed
}

// AdvanceTo validates a phase transition. Runs never regress and terminal
// phases never change, except that any non-terminal phase may fail.
func (r *Run) AdvanceTo(next RunPhase) error {
	if r.Terminal() {
		return fmt.Errorf("run %s is terminal (%s), cannot advance to %s", r.ID, r.Phase, next)
	}
	if next == PhaseFailed {
		return nil
	}
	if phaseOrder[next] <= phaseOrder[r.Phase] {
		return fmt.Errorf("run %s cannot regress from %s to %s", r.ID, r.Phase, next)
	}
	return nil
}
