package clearing

import "fmt"

// ClearingState is the release-level summary of compliance-review progress.
type ClearingState string

const (
	ClearingStateNew                ClearingState = "NEW_CLEARING"
	ClearingStateSentToClearingTool ClearingState = "SENT_TO_CLEARING_TOOL"
	ClearingStateUnderClearing      ClearingState = "UNDER_CLEARING"
	ClearingStateReportAvailable    ClearingState = "REPORT_AVAILABLE"
	ClearingStateApproved           ClearingState = "APPROVED"
)

func (s ClearingState) String() string { return string(s) }

// ParseClearingState converts a stored value into a ClearingState.
func ParseClearingState(s string) (ClearingState, error) {
	switch ClearingState(s) {
	case ClearingStateNew, ClearingStateSentToClearingTool, ClearingStateUnderClearing,
		ClearingStateReportAvailable, ClearingStateApproved:
		return ClearingState(s), nil
	default:
		return "", fmt.Errorf("unknown clearing state %q", s)
	}
}

// DeriveClearingState maps the current clearing state and the furthest step
// of a process to a new clearing state. It depends only on its arguments.
//
// A manual approval always wins. An outdated process resets the release to
// NEW_CLEARING. Otherwise the furthest step decides.
func DeriveClearingState(
	current ClearingState,
	status ProcessStatus,
	furthest StepName,
	furthestStatus StepStatus,
) ClearingState {
	if current == ClearingStateApproved {
		return ClearingStateApproved
	}
	if status == ProcessStatusOutdated {
		return ClearingStateNew
	}

	switch furthest {
	case StepUpload:
		if furthestStatus == StepStatusNew {
			return ClearingStateNew
		}
		return ClearingStateSentToClearingTool
	case StepScan:
		return ClearingStateSentToClearingTool
	case StepReport:
		if furthestStatus == StepStatusDone {
			return ClearingStateReportAvailable
		}
		return ClearingStateUnderClearing
	default:
		return ClearingStateNew
	}
}

// DeriveForProcess applies DeriveClearingState to a process.
func DeriveForProcess(current ClearingState, p *Process) ClearingState {
	furthest := p.FurthestStep()
	return DeriveClearingState(current, p.Status(), furthest.Name(), furthest.Status())
}
