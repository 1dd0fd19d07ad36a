// Package iteration decides, after each process exit, whether the loop
// restarts the process, stops, or fails.
//
// All decisions go through the pure function Next. The Controller only
// holds the current State and Phase and applies the transitions Next
// returns.
package iteration

import (
	"fmt"
	"math"

	"github.com/leapmux/ralph/internal/agent"
	"github.com/leapmux/ralph/internal/specs"
)

// State is the iteration counter of a run.
//
// Total < 0 means unlimited, 0 means disabled, > 0 is a fixed countdown.
// Current == 0 means no run is in progress.
type State struct {
	Current uint32
	Total   int32
}

// ShouldAutoContinue reports whether another iteration is allowed by the
// budget alone.
func (s State) ShouldAutoContinue() bool {
	return s.Total < 0 || (s.Total > 0 && int64(s.Current) < int64(s.Total))
}

// Infinite reports whether the budget is unlimited.
func (s State) Infinite() bool {
	return s.Total < 0
}

// String renders the counter as "2/5" or "3/∞"; empty when idle.
func (s State) String() string {
	if s.Current == 0 {
		return ""
	}
	if s.Infinite() {
		return fmt.Sprintf("%d/∞", s.Current)
	}
	return fmt.Sprintf("%d/%d", s.Current, s.Total)
}

// Phase is the controller's coarse state.
type Phase int

const (
	Idle Phase = iota
	Running
	Stopped
	Error
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Action tells the driving loop what to do after a transition.
type Action int

const (
	ActionRestart Action = iota
	ActionStop
	ActionFail
)

func (a Action) String() string {
	switch a {
	case ActionRestart:
		return "restart"
	case ActionStop:
		return "stop"
	default:
		return "fail"
	}
}

// Reason explains a transition.
type Reason int

const (
	ReasonAutoContinue Reason = iota
	ReasonAllSpecsComplete
	ReasonBudgetExhausted
	ReasonSpecsMissing
	ReasonSpecsReadError
	ReasonNonZeroExit
	ReasonKilled
	ReasonSpawnFailed
)

func (r Reason) String() string {
	switch r {
	case ReasonAutoContinue:
		return "auto-continuing"
	case ReasonAllSpecsComplete:
		return "all specs complete"
	case ReasonBudgetExhausted:
		return "iteration budget exhausted"
	case ReasonSpecsMissing:
		return "specs README not found"
	case ReasonSpecsReadError:
		return "specs README unreadable"
	case ReasonNonZeroExit:
		return "process exited with non-zero code"
	case ReasonKilled:
		return "process killed"
	case ReasonSpawnFailed:
		return "process failed to start"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}

// Transition is the result of Next.
type Transition struct {
	State  State
	Phase  Phase
	Action Action
	Reason Reason
	// Detail carries the exit code or read error message when relevant.
	Detail string
}

// Query answers whether more work remains. It is called at most once per
// process exit.
type Query func() specs.Remaining

func stop(reason Reason) Transition {
	return Transition{Phase: Stopped, Action: ActionStop, Reason: reason}
}

func fail(reason Reason, detail string) Transition {
	return Transition{Phase: Error, Action: ActionFail, Reason: reason, Detail: detail}
}

// Next computes the transition for a process exit. Every terminal
// transition resets the State to zero. A non-zero exit always fails, even
// with an unlimited budget.
func Next(state State, outcome agent.ExitOutcome, query Query) Transition {
	switch outcome.Kind {
	case agent.Success:
		if !state.ShouldAutoContinue() {
			return stop(ReasonBudgetExhausted)
		}
		remaining := query()
		switch remaining.Kind {
		case specs.Yes:
			return Transition{
				State:  State{Current: nextCurrent(state.Current), Total: state.Total},
				Phase:  Running,
				Action: ActionRestart,
				Reason: ReasonAutoContinue,
			}
		case specs.No:
			return stop(ReasonAllSpecsComplete)
		case specs.Missing:
			return fail(ReasonSpecsMissing, "")
		default:
			return fail(ReasonSpecsReadError, remaining.Message)
		}

	case agent.NonZero:
		return fail(ReasonNonZeroExit, fmt.Sprint(outcome.Code))

	default:
		return stop(ReasonKilled)
	}
}

// nextCurrent saturates so that an unlimited run never wraps to 0.
func nextCurrent(n uint32) uint32 {
	if n == math.MaxUint32 {
		return n
	}
	return n + 1
}

// Controller holds the loop's iteration state between process exits. It is
// owned by the driving goroutine.
type Controller struct {
	state State
	phase Phase
}

// NewController returns an idle controller.
func NewController() *Controller {
	return &Controller{}
}

// State returns the current iteration counter.
func (c *Controller) State() State {
	return c.state
}

// Phase returns the current phase.
func (c *Controller) Phase() Phase {
	return c.phase
}

// StartRun begins a run with the given budget. A budget of zero is
// refused and the controller stays as it was.
func (c *Controller) StartRun(budget int32) bool {
	if budget == 0 {
		return false
	}
	c.state = State{Current: 1, Total: budget}
	c.phase = Running
	return true
}

// OnProcessExit applies Next to the current state and returns the
// transition.
func (c *Controller) OnProcessExit(outcome agent.ExitOutcome, query Query) Transition {
	t := Next(c.state, outcome, query)
	c.state = t.State
	c.phase = t.Phase
	return t
}

// Fail moves to Error outside of a process exit, e.g. when the process
// could not be spawned at all.
func (c *Controller) Fail(reason Reason, detail string) Transition {
	t := fail(reason, detail)
	c.state = t.State
	c.phase = t.Phase
	return t
}
