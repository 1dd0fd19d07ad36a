// Package runner drives the ralph loop: it spawns claude, pumps its output
// through the decoder and assembler to the console on every tick, and asks
// the iteration controller what to do whenever the process exits.
//
// A single goroutine (Run) owns all pipeline state. Other goroutines only
// call Stop and Snapshot.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/leapmux/ralph/internal/agent"
	"github.com/leapmux/ralph/internal/assembler"
	"github.com/leapmux/ralph/internal/history"
	"github.com/leapmux/ralph/internal/id"
	"github.com/leapmux/ralph/internal/iteration"
	"github.com/leapmux/ralph/internal/metrics"
	"github.com/leapmux/ralph/internal/protocol"
	"github.com/leapmux/ralph/internal/specs"
	"github.com/leapmux/ralph/internal/transcript"
	"github.com/leapmux/ralph/internal/util/sanitize"
	"github.com/leapmux/ralph/internal/util/timefmt"
)

const (
	defaultTickInterval     = 50 * time.Millisecond
	defaultSpecPollInterval = 2 * time.Second
	defaultReapGrace        = 10 * time.Second

	maxSpecNameLen = 80
)

// Display strings.
var (
	divider          = strings.Repeat("─", 40)
	bannerContinue   = "══════════════════ AUTO-CONTINUING ══════════════════"
	bannerComplete   = "══════════════════ ALL SPECS COMPLETE ══════════════════"
	specsReadmeLabel = "specs/" + specs.ReadmeName
)

// Sink receives finished display lines.
type Sink interface {
	Print(lines ...assembler.Line)
}

// Options configures a Runner.
type Options struct {
	// Executable is the claude binary.
	Executable string
	// Args defaults to agent.ClaudeArgs.
	Args []string
	// PromptPath is the file fed to claude on stdin.
	PromptPath string
	// SpecsDir holds the README.md status table.
	SpecsDir string
	// Iterations is the budget passed to the controller.
	Iterations int32
	// SessionID tags history rows and transcript files.
	SessionID string

	// Query defaults to specs.Check(SpecsDir).
	Query iteration.Query
	// CurrentSpec defaults to specs.CurrentSpec(SpecsDir).
	CurrentSpec func() (string, bool)

	// History, when set, records every run.
	History *history.Store
	// TranscriptDir, when set, receives one compressed transcript per run.
	TranscriptDir string

	TickInterval     time.Duration
	SpecPollInterval time.Duration
	// ReapGrace bounds how long a process may outlive its closed output
	// before it is killed.
	ReapGrace time.Duration
}

func (o *Options) setDefaults() {
	if len(o.Args) == 0 {
		o.Args = agent.ClaudeArgs
	}
	if o.Query == nil {
		dir := o.SpecsDir
		o.Query = func() specs.Remaining { return specs.Check(dir) }
	}
	if o.CurrentSpec == nil {
		dir := o.SpecsDir
		o.CurrentSpec = func() (string, bool) { return specs.CurrentSpec(dir) }
	}
	if o.TickInterval <= 0 {
		o.TickInterval = defaultTickInterval
	}
	if o.SpecPollInterval <= 0 {
		o.SpecPollInterval = defaultSpecPollInterval
	}
	if o.ReapGrace <= 0 {
		o.ReapGrace = defaultReapGrace
	}
}

// Snapshot is a point-in-time view of the loop for observers.
type Snapshot struct {
	SessionID   string     `json:"session_id"`
	Phase       string     `json:"phase"`
	Iteration   uint32     `json:"iteration"`
	Total       int32      `json:"total"`
	Loop        int        `json:"loop"`
	PID         int        `json:"pid,omitempty"`
	RunID       string     `json:"run_id,omitempty"`
	CurrentSpec string     `json:"current_spec,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	Elapsed     string     `json:"elapsed,omitempty"`
	CostUSD     float64    `json:"cost_usd"`
}

// run is the state of the process currently being driven.
type run struct {
	id         string
	proc       *agent.Process
	startedAt  time.Time
	transcript *transcript.Writer

	disconnectedAt time.Time
	nextReap       time.Time
}

// Runner is the driving loop.
type Runner struct {
	opts Options
	sup  *agent.Supervisor
	sink Sink

	ctrl *iteration.Controller
	asm  *assembler.Assembler

	cur          *run
	loop         int
	reapBackoff  *backoff.ExponentialBackOff
	seenNotices  map[string]bool
	nextSpecPoll time.Time
	stopping     bool
	stopCh       chan struct{}

	mu   sync.Mutex
	snap Snapshot
}

// newReapBackoff schedules deferred reaping: 10ms → 500ms, ±20% jitter.
var newReapBackoff = func() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}

// New returns a Runner. sup must not be shared with another Runner.
func New(sup *agent.Supervisor, sink Sink, opts Options) *Runner {
	opts.setDefaults()
	return &Runner{
		opts:        opts,
		sup:         sup,
		sink:        sink,
		ctrl:        iteration.NewController(),
		asm:         assembler.New(),
		reapBackoff: newReapBackoff(),
		seenNotices: make(map[string]bool),
		stopCh:      make(chan struct{}, 1),
		snap:        Snapshot{SessionID: opts.SessionID, Phase: iteration.Idle.String()},
	}
}

// Stop requests a manual stop: the process is killed and the loop ends in
// the Stopped phase. It does not block.
func (r *Runner) Stop() {
	select {
	case r.stopCh <- struct{}{}:
	default:
	}
}

// Snapshot returns the current state for observers.
func (r *Runner) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.snap
	if s.StartedAt != nil {
		s.Elapsed = timefmt.Elapsed(time.Since(*s.StartedAt))
	}
	return s
}

func (r *Runner) updateSnapshot(fn func(*Snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.snap)
}

// Run drives the loop until the controller leaves the Running phase and
// returns that final phase. Cancelling ctx behaves like Stop.
func (r *Runner) Run(ctx context.Context) iteration.Phase {
	if !r.ctrl.StartRun(r.opts.Iterations) {
		r.notice(assembler.KindNotice, "[Iterations set to 0: nothing to run]")
		return r.ctrl.Phase()
	}
	r.publishState()

	if !r.spawn(ctx) {
		return r.ctrl.Phase()
	}

	ticker := time.NewTicker(r.opts.TickInterval)
	defer ticker.Stop()

	done := ctx.Done()
	for {
		select {
		case <-done:
			done = nil
			r.stop()
		case <-r.stopCh:
			r.stop()
		case <-ticker.C:
			if r.tick(ctx) {
				r.publishState()
				return r.ctrl.Phase()
			}
		}
	}
}

func (r *Runner) stop() {
	if r.stopping {
		return
	}
	r.stopping = true
	slog.Info("stop_requested")
	r.notice(assembler.KindNotice, "[Stopping...]")
	if err := r.sup.Kill(); err != nil {
		slog.Error("failed to kill process", "error", err)
	}
}

// tick drains buffered output and, once the output is closed, tries to
// reap the process. It returns true when the loop is over.
func (r *Runner) tick(ctx context.Context) bool {
	cur := r.cur
	if cur == nil {
		return true
	}

	lines, disconnected := cur.proc.Lines().Drain()
	for _, l := range lines {
		r.handleLine(ctx, l)
	}

	now := time.Now()
	r.pollCurrentSpec(now)

	if !disconnected {
		return false
	}

	if cur.disconnectedAt.IsZero() {
		slog.Debug("channel_disconnected", "loop", r.loop)
		cur.disconnectedAt = now
		cur.nextReap = now
		r.reapBackoff.Reset()
	}
	if now.Before(cur.nextReap) {
		return false
	}

	outcome, ok := r.sup.Reap()
	if !ok {
		// Output is closed but the process has not exited yet. Retry with
		// backoff, and kill it if it lingers past the grace period.
		if now.Sub(cur.disconnectedAt) >= r.opts.ReapGrace {
			slog.Warn("process outlived its output, killing", "pid", cur.proc.PID())
			if err := r.sup.Kill(); err != nil {
				slog.Error("failed to kill process", "error", err)
			}
			cur.nextReap = now
			return false
		}
		cur.nextReap = now.Add(r.reapBackoff.NextBackOff())
		return false
	}

	return r.finish(ctx, outcome)
}

// finish closes out the current run and applies the controller's
// decision. It returns true when the loop is over.
func (r *Runner) finish(ctx context.Context, outcome agent.ExitOutcome) bool {
	cur := r.cur
	r.cur = nil

	r.sink.Print(r.asm.Flush()...)

	if r.stopping {
		outcome = agent.Killed
	}

	ended := time.Now()
	elapsed := ended.Sub(cur.startedAt)
	metrics.ProcessRunning.Set(0)
	metrics.ProcessExitsTotal.WithLabelValues(outcome.Label()).Inc()
	metrics.RunDuration.Observe(elapsed.Seconds())

	if cur.transcript != nil {
		if err := cur.transcript.Close(); err != nil {
			slog.Warn("failed to close transcript", "path", cur.transcript.Path(), "error", err)
		}
	}
	if r.opts.History != nil {
		if err := r.opts.History.Finish(ctx, cur.id, ended, outcome); err != nil {
			slog.Warn("failed to record run end", "run_id", cur.id, "error", err)
		}
	}

	slog.Info("loop_end",
		"loop", r.loop,
		"outcome", outcome.String(),
		"elapsed", timefmt.Elapsed(elapsed),
	)

	if outcome.Kind == agent.NonZero {
		r.notice(assembler.KindError, fmt.Sprintf("[Process exited with code %d]", outcome.Code))
	}

	t := r.ctrl.OnProcessExit(outcome, r.opts.Query)
	r.publishState()

	switch t.Action {
	case iteration.ActionRestart:
		slog.Info("auto_continue", "iteration", t.State.String())
		r.notice(assembler.KindBanner, bannerContinue)
		return !r.spawn(ctx)

	case iteration.ActionStop:
		switch t.Reason {
		case iteration.ReasonAllSpecsComplete:
			slog.Info("all_specs_complete")
			r.notice(assembler.KindBanner, bannerComplete)
		case iteration.ReasonKilled:
			slog.Info("process_stopped")
		}
		return true

	default:
		switch t.Reason {
		case iteration.ReasonSpecsMissing:
			r.notice(assembler.KindError, fmt.Sprintf("[Error: %s not found]", specsReadmeLabel))
		case iteration.ReasonSpecsReadError:
			r.notice(assembler.KindError, fmt.Sprintf("[Error reading %s: %s]", specsReadmeLabel, t.Detail))
		}
		slog.Warn("loop_failed", "reason", t.Reason.String(), "detail", t.Detail)
		return true
	}
}

// spawn starts the next process. On failure the controller moves to Error
// and false is returned.
func (r *Runner) spawn(ctx context.Context) bool {
	r.asm.Reset()
	clear(r.seenNotices)
	if r.loop > 0 {
		r.sink.Print(assembler.Line{Kind: assembler.KindUsage, Text: divider})
	}

	prompt, err := os.ReadFile(r.opts.PromptPath)
	if err != nil {
		msg := fmt.Sprintf("Error reading %s: %v", r.opts.PromptPath, err)
		if errors.Is(err, fs.ErrNotExist) {
			msg = fmt.Sprintf("Error: %s not found", r.opts.PromptPath)
		}
		r.fail(msg, err)
		return false
	}

	r.loop++
	proc, err := r.sup.Start(ctx, r.opts.Executable, r.opts.Args, prompt)
	if err != nil {
		r.fail(fmt.Sprintf("Error starting command: %v", err), err)
		return false
	}

	now := proc.StartedAt()
	cur := &run{id: id.RunID(), proc: proc, startedAt: now}
	r.cur = cur

	state := r.ctrl.State()
	metrics.IterationsTotal.Inc()
	metrics.ProcessRunning.Set(1)

	spec := r.currentSpec()
	r.nextSpecPoll = now.Add(r.opts.SpecPollInterval)

	if r.opts.History != nil {
		err := r.opts.History.Begin(ctx, history.Run{
			ID:        cur.id,
			SessionID: r.opts.SessionID,
			Loop:      r.loop,
			Iteration: state.Current,
			Total:     state.Total,
			Spec:      spec,
			StartedAt: now,
		})
		if err != nil {
			slog.Warn("failed to record run start", "run_id", cur.id, "error", err)
		}
	}
	if r.opts.TranscriptDir != "" {
		w, err := transcript.Create(r.opts.TranscriptDir, r.opts.SessionID, r.loop)
		if err != nil {
			slog.Warn("transcript disabled for this run", "error", err)
		} else {
			cur.transcript = w
		}
	}

	slog.Info("loop_start",
		"loop", r.loop,
		"iteration", state.String(),
		"pid", proc.PID(),
		"run_id", cur.id,
	)

	r.updateSnapshot(func(s *Snapshot) {
		s.Loop = r.loop
		s.PID = proc.PID()
		s.RunID = cur.id
		s.CurrentSpec = spec
		s.StartedAt = &now
	})
	r.publishState()
	return true
}

func (r *Runner) fail(msg string, err error) {
	slog.Error("spawn_failed", "error", err)
	r.notice(assembler.KindError, msg)
	r.ctrl.Fail(iteration.ReasonSpawnFailed, err.Error())
	r.publishState()
}

func (r *Runner) handleLine(ctx context.Context, l agent.OutputLine) {
	if l.Origin == agent.Stderr {
		r.sink.Print(assembler.Line{Kind: assembler.KindStderr, Text: "[stderr] " + l.Text})
		return
	}

	if strings.TrimSpace(l.Text) == "" {
		return
	}
	if w := r.cur.transcript; w != nil {
		if err := w.Write(l.Text); err != nil {
			slog.Warn("transcript write failed, disabling", "error", err)
			_ = w.Close()
			r.cur.transcript = nil
		}
	}

	ev, err := protocol.Decode(l.Text)
	if err != nil {
		r.decodeError(err)
		return
	}

	switch ev := ev.(type) {
	case protocol.StreamEvent:
		lines := r.asm.Apply(ev.Event)
		for _, line := range lines {
			if line.Kind == assembler.KindTool {
				metrics.ToolCallsTotal.WithLabelValues(line.Tool).Inc()
			}
		}
		r.sink.Print(lines...)

	case protocol.ResultEvent:
		r.sink.Print(r.asm.Flush()...)
		for _, text := range assembler.FormatUsageSummary(ev) {
			r.sink.Print(assembler.Line{Kind: assembler.KindUsage, Text: text})
		}
		r.recordResult(ctx, ev)

	case protocol.SystemEvent:
		slog.Debug("system event", "subtype", ev.Subtype, "model", ev.Model, "claude_session", ev.SessionID)
	}
}

func (r *Runner) recordResult(ctx context.Context, ev protocol.ResultEvent) {
	if ev.TotalCostUSD != nil {
		metrics.CostUSDTotal.Add(*ev.TotalCostUSD)
		r.updateSnapshot(func(s *Snapshot) { s.CostUSD += *ev.TotalCostUSD })
	}
	if ev.Usage != nil {
		if ev.Usage.InputTokens != nil {
			metrics.TokensTotal.WithLabelValues("in").Add(float64(*ev.Usage.InputTokens))
		}
		if ev.Usage.OutputTokens != nil {
			metrics.TokensTotal.WithLabelValues("out").Add(float64(*ev.Usage.OutputTokens))
		}
	}
	if r.opts.History != nil {
		if err := r.opts.History.RecordResult(ctx, r.cur.id, ev); err != nil {
			slog.Warn("failed to record result", "run_id", r.cur.id, "error", err)
		}
	}
}

// decodeError logs every bad line but renders a notice only the first time
// a given kind and tag is seen within a run.
func (r *Runner) decodeError(err error) {
	var de *protocol.DecodeError
	if !errors.As(err, &de) {
		slog.Warn("decode_error", "error", err)
		return
	}
	metrics.DecodeErrorsTotal.WithLabelValues(de.Kind.String()).Inc()
	slog.Warn("decode_error", "kind", de.Kind.String(), "tag", de.Tag, "error", err)

	key := de.Kind.String() + "/" + de.Tag
	if r.seenNotices[key] {
		return
	}
	r.seenNotices[key] = true

	if de.Kind == protocol.UnknownType {
		r.notice(assembler.KindNotice, fmt.Sprintf("[skipped %s event]", de.Tag))
	} else {
		r.notice(assembler.KindNotice, "[malformed event skipped]")
	}
}

func (r *Runner) pollCurrentSpec(now time.Time) {
	if now.Before(r.nextSpecPoll) {
		return
	}
	r.nextSpecPoll = now.Add(r.opts.SpecPollInterval)

	spec := r.currentSpec()
	r.updateSnapshot(func(s *Snapshot) {
		if s.CurrentSpec != spec {
			slog.Info("current_spec_changed", "spec", spec)
			s.CurrentSpec = spec
		}
	})
}

func (r *Runner) currentSpec() string {
	spec, ok := r.opts.CurrentSpec()
	if !ok {
		return ""
	}
	return sanitize.Title(spec, maxSpecNameLen)
}

func (r *Runner) publishState() {
	state := r.ctrl.State()
	phase := r.ctrl.Phase()
	running := r.cur != nil
	r.updateSnapshot(func(s *Snapshot) {
		s.Phase = phase.String()
		s.Iteration = state.Current
		s.Total = state.Total
		if !running {
			s.PID = 0
			s.StartedAt = nil
		}
	})
}

func (r *Runner) notice(kind assembler.Kind, text string) {
	r.sink.Print(assembler.Line{Kind: kind, Text: text})
}
