package clearing

import (
	"fmt"
	"time"

	"github.com/ahrav/clearing-armada/pkg/common/uuid"
)

// Tool identifies the external clearing service a Process runs against.
type Tool string

// ToolFossology is the only supported tool.
const ToolFossology Tool = "FOSSOLOGY"

func (t Tool) String() string { return string(t) }

// ParseTool converts a stored value into a Tool.
func ParseTool(s string) (Tool, error) {
	switch Tool(s) {
	case ToolFossology:
		return ToolFossology, nil
	default:
		return "", fmt.Errorf("unknown clearing tool %q", s)
	}
}

// ProcessStatus is the lifecycle status of a Process.
type ProcessStatus string

const (
	ProcessStatusNew    ProcessStatus = "NEW"
	ProcessStatusInWork ProcessStatus = "IN_WORK"
	ProcessStatusDone   ProcessStatus = "DONE"
	// ProcessStatusOutdated is terminal: the process was superseded and is
	// kept for audit only.
	ProcessStatusOutdated ProcessStatus = "OUTDATED"
)

func (s ProcessStatus) String() string { return string(s) }

// ParseProcessStatus converts a stored value into a ProcessStatus.
func ParseProcessStatus(s string) (ProcessStatus, error) {
	switch ProcessStatus(s) {
	case ProcessStatusNew, ProcessStatusInWork, ProcessStatusDone, ProcessStatusOutdated:
		return ProcessStatus(s), nil
	default:
		return "", fmt.Errorf("unknown process status %q", s)
	}
}

// Fingerprint identifies the exact source artifact a process was started
// against.
type Fingerprint struct {
	ContentID string
	SHA1      string
}

// Process is the persisted progress of one release through one clearing
// tool. Steps are append-only and strictly ordered upload < scan < report, so
// the last step is always the furthest.
type Process struct {
	id                   uuid.UUID
	tool                 Tool
	status               ProcessStatus
	fingerprint          Fingerprint
	steps                []*Step
	reportAutoGeneration bool
	createdOn            time.Time
	updatedOn            time.Time
}

// NewProcess creates a process seeded with an upload step in NEW.
func NewProcess(tool Tool, fp Fingerprint, reportAutoGeneration bool, actor Actor, now time.Time) *Process {
	return &Process{
		id:                   uuid.New(),
		tool:                 tool,
		status:               ProcessStatusNew,
		fingerprint:          fp,
		steps:                []*Step{NewStep(StepUpload, actor, now)},
		reportAutoGeneration: reportAutoGeneration,
		createdOn:            now,
		updatedOn:            now,
	}
}

// ReconstructProcess rebuilds a process from storage. It validates step
// ordering so a corrupt document cannot produce an ambiguous furthest step.
func ReconstructProcess(
	id uuid.UUID,
	tool Tool,
	status ProcessStatus,
	fp Fingerprint,
	steps []*Step,
	reportAutoGeneration bool,
	createdOn time.Time,
	updatedOn time.Time,
) (*Process, error) {
	if err := ValidateStepOrder(steps); err != nil {
		return nil, fmt.Errorf("process %s: %w", id, err)
	}
	return &Process{
		id:                   id,
		tool:                 tool,
		status:               status,
		fingerprint:          fp,
		steps:                steps,
		reportAutoGeneration: reportAutoGeneration,
		createdOn:            createdOn,
		updatedOn:            updatedOn,
	}, nil
}

// ValidateStepOrder checks that steps is non-empty, starts with upload, and
// that every following step is the successor of the one before it.
func ValidateStepOrder(steps []*Step) error {
	if len(steps) == 0 {
		return fmt.Errorf("%w: process has no steps", ErrIllegalState)
	}
	if steps[0].Name() != StepUpload {
		return fmt.Errorf("%w: first step is %q, want %q", ErrIllegalState, steps[0].Name(), StepUpload)
	}
	for i := 1; i < len(steps); i++ {
		next, ok := steps[i-1].Name().Next()
		if !ok || steps[i].Name() != next {
			return fmt.Errorf("%w: step %q cannot follow %q", ErrIllegalState, steps[i].Name(), steps[i-1].Name())
		}
	}
	return nil
}

func (p *Process) ID() uuid.UUID              { return p.id }
func (p *Process) Tool() Tool                 { return p.tool }
func (p *Process) Status() ProcessStatus      { return p.status }
func (p *Process) Fingerprint() Fingerprint   { return p.fingerprint }
func (p *Process) ReportAutoGeneration() bool { return p.reportAutoGeneration }
func (p *Process) CreatedOn() time.Time       { return p.createdOn }
func (p *Process) UpdatedOn() time.Time       { return p.updatedOn }

// IsOutdated reports whether the process was superseded.
func (p *Process) IsOutdated() bool { return p.status == ProcessStatusOutdated }

// Steps returns the ordered steps. The slice is a copy; the steps are not.
func (p *Process) Steps() []*Step {
	steps := make([]*Step, len(p.steps))
	copy(steps, p.steps)
	return steps
}

// FurthestStep returns the most recently appended step.
func (p *Process) FurthestStep() *Step { return p.steps[len(p.steps)-1] }

// Step returns the step with the given name, if present.
func (p *Process) Step(name StepName) (*Step, bool) {
	for _, s := range p.steps {
		if s.name == name {
			return s, true
		}
	}
	return nil, false
}

// AppendStep appends the successor of the furthest step in NEW and returns it.
func (p *Process) AppendStep(name StepName, actor Actor, now time.Time) (*Step, error) {
	if p.IsOutdated() {
		return nil, fmt.Errorf("%w: process %s is outdated", ErrIllegalState, p.id)
	}
	next, ok := p.FurthestStep().Name().Next()
	if !ok || next != name {
		return nil, fmt.Errorf("%w: step %q cannot follow %q", ErrIllegalState, name, p.FurthestStep().Name())
	}
	step := NewStep(name, actor, now)
	p.steps = append(p.steps, step)
	p.status = ProcessStatusInWork
	p.updatedOn = now
	return step, nil
}

// SetReportAutoGeneration decides whether a report step is appended after a
// successful scan.
func (p *Process) SetReportAutoGeneration(enabled bool) { p.reportAutoGeneration = enabled }

// Sync recomputes NEW/IN_WORK from the steps. DONE and OUTDATED are only set
// explicitly and are left alone.
func (p *Process) Sync(now time.Time) {
	p.updatedOn = now
	if p.status == ProcessStatusDone || p.status == ProcessStatusOutdated {
		return
	}
	if len(p.steps) > 1 || p.FurthestStep().Status() != StepStatusNew {
		p.status = ProcessStatusInWork
		return
	}
	p.status = ProcessStatusNew
}

// MarkInWork moves the process back to IN_WORK, e.g. when its report is
// re-generated after completion.
func (p *Process) MarkInWork(now time.Time) error {
	if p.IsOutdated() {
		return fmt.Errorf("%w: process %s is outdated", ErrIllegalState, p.id)
	}
	p.status = ProcessStatusInWork
	p.updatedOn = now
	return nil
}

// MarkDone marks the process as successfully finished.
func (p *Process) MarkDone(now time.Time) error {
	if p.IsOutdated() {
		return fmt.Errorf("%w: process %s is outdated", ErrIllegalState, p.id)
	}
	p.status = ProcessStatusDone
	p.updatedOn = now
	return nil
}

// MarkOutdated flags the process as superseded. It is idempotent.
func (p *Process) MarkOutdated(now time.Time) {
	p.status = ProcessStatusOutdated
	p.updatedOn = now
}

// Clone returns a deep copy of the process.
func (p *Process) Clone() *Process {
	c := *p
	c.steps = make([]*Step, len(p.steps))
	for i, s := range p.steps {
		c.steps[i] = s.clone()
	}
	return &c
}

// SameState reports whether p and other have the same status, flag and step
// contents. Timestamps are ignored.
func (p *Process) SameState(other *Process) bool {
	if other == nil || p.status != other.status || p.reportAutoGeneration != other.reportAutoGeneration ||
		len(p.steps) != len(other.steps) {
		return false
	}
	for i, s := range p.steps {
		o := other.steps[i]
		if s.name != o.name || s.status != o.status || s.toolSideID != o.toolSideID || s.result != o.result {
			return false
		}
	}
	return true
}
