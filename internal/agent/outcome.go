package agent

import (
	"fmt"
	"os"
)

// OutcomeKind classifies how a process ended.
type OutcomeKind int

const (
	Success OutcomeKind = iota
	NonZero
	// KilledOrUnknown covers termination by signal and any case where no
	// exit code could be determined.
	KilledOrUnknown
)

// ExitOutcome is reported exactly once per process lifetime.
type ExitOutcome struct {
	Kind OutcomeKind
	Code int // exit code, for NonZero
}

// Exited returns the outcome for a process that exited with code.
func Exited(code int) ExitOutcome {
	if code == 0 {
		return ExitOutcome{Kind: Success}
	}
	return ExitOutcome{Kind: NonZero, Code: code}
}

// Killed is the outcome of a process stopped by a signal.
var Killed = ExitOutcome{Kind: KilledOrUnknown}

func outcomeOf(ps *os.ProcessState) ExitOutcome {
	if ps == nil {
		return Killed
	}
	code := ps.ExitCode()
	if code < 0 {
		return Killed
	}
	return Exited(code)
}

// Label is the short form used for metric labels and the run history.
func (o ExitOutcome) Label() string {
	switch o.Kind {
	case Success:
		return "success"
	case NonZero:
		return "nonzero"
	default:
		return "killed"
	}
}

func (o ExitOutcome) String() string {
	if o.Kind == NonZero {
		return fmt.Sprintf("exit code %d", o.Code)
	}
	return o.Label()
}
