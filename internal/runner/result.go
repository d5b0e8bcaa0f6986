package runner

import (
	"github.com/nativebpm/taskworker/internal/codec"
)

// Outcome classifies how a lease's execution ended
type Outcome int

// Outcomes. OutcomeLeaseLost means the engine reclaimed the lease mid-run;
// no terminal report is owed.
const (
	OutcomeSuccess Outcome = iota
	OutcomeTaskFailure
	OutcomeBpmnError
	OutcomeLeaseLost
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTaskFailure:
		return "taskFailure"
	case OutcomeBpmnError:
		return "bpmnError"
	case OutcomeLeaseLost:
		return "leaseLost"
	default:
		return "unknown"
	}
}

// Artifact is a report or log file produced by the executor, uploaded as a
// process variable before the terminal report.
type Artifact struct {
	MimeType string
	Data     []byte
}

// Result is what one lease execution produced
type Result struct {
	Outcome Outcome
	// Outputs are present on success, and carried into the completion
	// variables under the COMPLETE failure policy
	Outputs map[string]codec.TypedValue
	// ErrorCode is set for BPMN errors
	ErrorCode string
	// ErrorMessage is set for BPMN errors and task failures
	ErrorMessage string
	// ErrorDetails carries the stderr tail on task failures
	ErrorDetails string
	// Artifacts are uploaded before the terminal report
	Artifacts map[string]Artifact
	// RetriesUnchanged leaves the engine-side retry counter as is, used
	// when the worker, not the task, is the reason for the failure
	RetriesUnchanged bool
}
