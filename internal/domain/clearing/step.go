package clearing

import (
	"fmt"
	"time"
)

// StepName identifies a phase of a clearing process. The set is closed and
// ordered: upload, then scan, then report.
type StepName string

const (
	StepUpload StepName = "upload"
	StepScan   StepName = "scan"
	StepReport StepName = "report"
)

func (n StepName) String() string { return string(n) }

// Valid reports whether n is one of the known step names.
func (n StepName) Valid() bool {
	switch n {
	case StepUpload, StepScan, StepReport:
		return true
	default:
		return false
	}
}

// Ordinal returns the escalation position of the step (1-based), 0 if unknown.
func (n StepName) Ordinal() int {
	switch n {
	case StepUpload:
		return 1
	case StepScan:
		return 2
	case StepReport:
		return 3
	default:
		return 0
	}
}

// Next returns the step that follows n, and false for the last step.
func (n StepName) Next() (StepName, bool) {
	switch n {
	case StepUpload:
		return StepScan, true
	case StepScan:
		return StepReport, true
	default:
		return "", false
	}
}

// ParseStepName converts a stored value into a StepName.
func ParseStepName(s string) (StepName, error) {
	n := StepName(s)
	if !n.Valid() {
		return "", fmt.Errorf("unknown step name %q", s)
	}
	return n, nil
}

// StepStatus is the progress of a single step.
type StepStatus string

const (
	StepStatusNew    StepStatus = "NEW"
	StepStatusInWork StepStatus = "IN_WORK"
	StepStatusDone   StepStatus = "DONE"
)

func (s StepStatus) String() string { return string(s) }

// ParseStepStatus converts a stored value into a StepStatus.
func ParseStepStatus(s string) (StepStatus, error) {
	switch StepStatus(s) {
	case StepStatusNew, StepStatusInWork, StepStatusDone:
		return StepStatus(s), nil
	default:
		return "", fmt.Errorf("unknown step status %q", s)
	}
}

// validateTransition checks forward moves. Failures (back to NEW) and
// re-runs go through RecordFailure and Reopen instead.
func (s StepStatus) validateTransition(target StepStatus) error {
	ok := false
	switch s {
	case StepStatusNew:
		ok = target == StepStatusInWork || target == StepStatusDone
	case StepStatusInWork:
		ok = target == StepStatusDone
	}
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStepTransition, s, target)
	}
	return nil
}

// Actor identifies who started a step, for audit.
type Actor struct {
	Email string
	Group string
}

// Step is one phase of a Process.
type Step struct {
	name           StepName
	status         StepStatus
	toolSideID     string
	result         string
	startedOn      time.Time
	finishedOn     time.Time
	startedBy      string
	startedByGroup string
}

// NewStep creates a step in NEW.
func NewStep(name StepName, actor Actor, now time.Time) *Step {
	return &Step{
		name:           name,
		status:         StepStatusNew,
		startedOn:      now,
		startedBy:      actor.Email,
		startedByGroup: actor.Group,
	}
}

// ReconstructStep rebuilds a step from stored fields, bypassing transition
// checks. Only repositories should call it.
func ReconstructStep(
	name StepName,
	status StepStatus,
	toolSideID string,
	result string,
	startedOn time.Time,
	finishedOn time.Time,
	startedBy string,
	startedByGroup string,
) *Step {
	return &Step{
		name:           name,
		status:         status,
		toolSideID:     toolSideID,
		result:         result,
		startedOn:      startedOn,
		finishedOn:     finishedOn,
		startedBy:      startedBy,
		startedByGroup: startedByGroup,
	}
}

func (s *Step) Name() StepName         { return s.name }
func (s *Step) Status() StepStatus     { return s.status }
func (s *Step) ToolSideID() string     { return s.toolSideID }
func (s *Step) Result() string         { return s.result }
func (s *Step) StartedOn() time.Time   { return s.startedOn }
func (s *Step) FinishedOn() time.Time  { return s.finishedOn }
func (s *Step) StartedBy() string      { return s.startedBy }
func (s *Step) StartedByGroup() string { return s.startedByGroup }

// Start moves a NEW step to IN_WORK with the remote unit-of-work id.
func (s *Step) Start(toolSideID string) error {
	if toolSideID == "" {
		return fmt.Errorf("%w: %s requires a tool side id to start", ErrInvalidStepTransition, s.name)
	}
	if err := s.status.validateTransition(StepStatusInWork); err != nil {
		return fmt.Errorf("step %s: %w", s.name, err)
	}
	s.status = StepStatusInWork
	s.toolSideID = toolSideID
	s.result = ""
	return nil
}

// Complete marks the step DONE. A non-empty toolSideID replaces the
// recorded one; the step must carry an id once it leaves NEW.
func (s *Step) Complete(toolSideID, result string, now time.Time) error {
	if toolSideID != "" {
		s.toolSideID = toolSideID
	}
	if s.toolSideID == "" {
		return fmt.Errorf("%w: %s requires a tool side id to complete", ErrInvalidStepTransition, s.name)
	}
	if err := s.status.validateTransition(StepStatusDone); err != nil {
		return fmt.Errorf("step %s: %w", s.name, err)
	}
	s.status = StepStatusDone
	s.result = result
	s.finishedOn = now
	return nil
}

// RecordFailure puts the step back to NEW with a diagnostic so the next
// invocation retries it. DONE steps cannot fail retroactively.
func (s *Step) RecordFailure(diagnostic string) error {
	if s.status == StepStatusDone {
		return fmt.Errorf("%w: step %s is already DONE", ErrInvalidStepTransition, s.name)
	}
	s.status = StepStatusNew
	s.result = diagnostic
	return nil
}

// Reopen re-runs a DONE step from NEW. It is the only way back from DONE and
// is reserved for explicit operator requests such as report re-generation.
func (s *Step) Reopen(actor Actor, now time.Time) error {
	if s.status != StepStatusDone {
		return fmt.Errorf("%w: only DONE steps can be reopened (step %s is %s)", ErrInvalidStepTransition, s.name, s.status)
	}
	s.status = StepStatusNew
	s.toolSideID = ""
	s.result = ""
	s.finishedOn = time.Time{}
	s.startedOn = now
	s.startedBy = actor.Email
	s.startedByGroup = actor.Group
	return nil
}

func (s *Step) clone() *Step {
	c := *s
	return &c
}
