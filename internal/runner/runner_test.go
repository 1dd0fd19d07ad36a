package runner

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leapmux/ralph/internal/agent"
	"github.com/leapmux/ralph/internal/assembler"
	"github.com/leapmux/ralph/internal/history"
	"github.com/leapmux/ralph/internal/iteration"
	"github.com/leapmux/ralph/internal/specs"
	"github.com/leapmux/ralph/internal/transcript"
	"github.com/leapmux/ralph/internal/util/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHelperProcess is a fake claude binary. The mode is the first
// argument after "--":
//
//	stream    emit one full streamed turn built from the prompt, exit 0
//	exit N    exit with code N
//	sleep     block until killed
//	linger    close stdout and stderr, then block until killed
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	if len(args) == 0 {
		os.Exit(2)
	}

	switch args[0] {
	case "stream":
		prompt, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		prompt = strings.TrimSpace(prompt)
		for _, line := range []string{
			`{"type":"system","subtype":"init","session_id":"s1","model":"claude-test"}`,
			`{"type":"stream_event","event":{"type":"message_start","message":{"id":"msg_1","role":"assistant"}}}`,
			`{"type":"stream_event","event":{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}}`,
			`{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Prompt: ` + prompt + `\n"}}}`,
			`{"type":"stream_event","event":{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"Bash","input":{}}}}`,
			`{"type":"stream_event","event":{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"command\":"}}}`,
			`{"type":"stream_event","event":{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"ls -la\"}"}}}`,
			`{"type":"stream_event","event":{"type":"content_block_stop","index":1}}`,
			`{"type":"stream_event","event":{"type":"content_block_stop","index":0}}`,
			`{"type":"mystery"}`,
			`{"type":"mystery"}`,
			`not json`,
			``,
			`{"type":"stream_event","event":{"type":"message_stop"}}`,
			`{"type":"result","subtype":"success","num_turns":2,"total_cost_usd":0.25,"duration_ms":1500,"usage":{"input_tokens":100,"output_tokens":20}}`,
		} {
			fmt.Fprintln(os.Stdout, line)
		}
		fmt.Fprintln(os.Stderr, "\x1b[31mwarn:\x1b[0m\tcareful")
		os.Exit(0)
	case "exit":
		code, _ := strconv.Atoi(args[1])
		os.Exit(code)
	case "sleep":
		fmt.Fprintln(os.Stdout, `{"type":"ping"}`)
		time.Sleep(time.Minute)
		os.Exit(0)
	case "linger":
		_ = os.Stdout.Close()
		_ = os.Stderr.Close()
		time.Sleep(time.Minute)
		os.Exit(0)
	}
	os.Exit(2)
}

type recordingSink struct {
	mu    sync.Mutex
	lines []assembler.Line
}

func (s *recordingSink) Print(lines ...assembler.Line) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, lines...)
}

func (s *recordingSink) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.lines))
	for i, l := range s.lines {
		out[i] = l.Text
	}
	return out
}

func (s *recordingSink) count(text string) int {
	n := 0
	for _, t := range s.texts() {
		if t == text {
			n++
		}
	}
	return n
}

type fixture struct {
	sink *recordingSink
	sup  *agent.Supervisor
	opts Options
}

func newFixture(t *testing.T, mode ...string) *fixture {
	t.Helper()
	dir := t.TempDir()
	prompt := filepath.Join(dir, "PROMPT.md")
	require.NoError(t, os.WriteFile(prompt, []byte("build the thing\n"), 0o644))

	sup := agent.NewSupervisor()
	sup.Env = []string{"GO_WANT_HELPER_PROCESS=1"}
	sup.KillTimeout = 5 * time.Second
	t.Cleanup(func() {
		_ = sup.Kill()
		sup.Reap()
	})

	return &fixture{
		sink: &recordingSink{},
		sup:  sup,
		opts: Options{
			Executable:       os.Args[0],
			Args:             append([]string{"-test.run=TestHelperProcess", "--"}, mode...),
			PromptPath:       prompt,
			SpecsDir:         filepath.Join(dir, "specs"),
			Iterations:       1,
			SessionID:        "abc123",
			CurrentSpec:      func() (string, bool) { return "", false },
			TickInterval:     5 * time.Millisecond,
			SpecPollInterval: 20 * time.Millisecond,
			ReapGrace:        time.Second,
		},
	}
}

func (f *fixture) run(t *testing.T) (*Runner, iteration.Phase) {
	t.Helper()
	r := New(f.sup, f.sink, f.opts)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return r, r.Run(ctx)
}

func constQuery(kind specs.RemainingKind) iteration.Query {
	return func() specs.Remaining { return specs.Remaining{Kind: kind} }
}

func TestRun_StreamRendersTurn(t *testing.T) {
	f := newFixture(t, "stream")
	_, phase := f.run(t)

	assert.Equal(t, iteration.Stopped, phase)

	texts := f.sink.texts()
	require.NotEmpty(t, texts)
	assert.NotContains(t, texts, divider, "no divider before the first run")
	assert.Contains(t, texts, "Prompt: build the thing")
	assert.Contains(t, texts, "⏺ Bash(ls -la)")
	assert.Contains(t, texts, "Tokens: 100 in / 20 out")
	assert.Contains(t, texts, "Cost: $0.25 | Duration: 1.5s")
	assert.Contains(t, texts, "[stderr] \x1b[31mwarn:\x1b[0m\tcareful")

	// Notices are rendered once per run even when repeated.
	assert.Equal(t, 1, f.sink.count("[skipped mystery event]"))
	assert.Equal(t, 1, f.sink.count("[malformed event skipped]"))

	idxText := indexOf(texts, "Prompt: build the thing")
	idxTool := indexOf(texts, "⏺ Bash(ls -la)")
	assert.Less(t, idxText, idxTool)
}

func TestRun_AutoContinuesUntilSpecsComplete(t *testing.T) {
	f := newFixture(t, "stream")
	f.opts.Iterations = -1

	var calls atomic.Int32
	f.opts.Query = func() specs.Remaining {
		if calls.Add(1) < 3 {
			return specs.Remaining{Kind: specs.Yes}
		}
		return specs.Remaining{Kind: specs.No}
	}

	r, phase := f.run(t)

	assert.Equal(t, iteration.Stopped, phase)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 2, f.sink.count(bannerContinue))
	assert.Equal(t, 1, f.sink.count(bannerComplete))
	assert.Equal(t, 2, f.sink.count(divider))

	snap := r.Snapshot()
	assert.Equal(t, 3, snap.Loop)
	assert.Equal(t, "stopped", snap.Phase)
	assert.Zero(t, snap.PID)
	assert.InDelta(t, 0.75, snap.CostUSD, 1e-9)
}

func TestRun_BudgetExhausted(t *testing.T) {
	f := newFixture(t, "stream")
	f.opts.Iterations = 2
	f.opts.Query = constQuery(specs.Yes)

	r, phase := f.run(t)

	assert.Equal(t, iteration.Stopped, phase)
	assert.Equal(t, 2, r.Snapshot().Loop)
	assert.Equal(t, 1, f.sink.count(bannerContinue))
	assert.Zero(t, f.sink.count(bannerComplete))
}

func TestRun_NonZeroExitFails(t *testing.T) {
	f := newFixture(t, "exit", "7")
	f.opts.Iterations = -1
	f.opts.Query = func() specs.Remaining {
		t.Error("query must not be consulted after a failed run")
		return specs.Remaining{Kind: specs.Yes}
	}

	_, phase := f.run(t)

	assert.Equal(t, iteration.Error, phase)
	assert.Contains(t, f.sink.texts(), "[Process exited with code 7]")
}

func TestHandleLine_StderrVerbatim(t *testing.T) {
	sink := &recordingSink{}
	r := New(agent.NewSupervisor(), sink, Options{})

	long := strings.Repeat("y", 2500)
	for _, text := range []string{"col1\tcol2", "\x1b[31mred\x1b[0m", "", "trailing   ", long} {
		r.handleLine(context.Background(), agent.OutputLine{Origin: agent.Stderr, Text: text})
	}

	assert.Equal(t, []string{
		"[stderr] col1\tcol2",
		"[stderr] \x1b[31mred\x1b[0m",
		"[stderr] ",
		"[stderr] trailing   ",
		"[stderr] " + long,
	}, sink.texts())
	for _, l := range sink.lines {
		assert.Equal(t, assembler.KindStderr, l.Kind)
	}
}

func TestRun_SpecsMissing(t *testing.T) {
	f := newFixture(t, "exit", "0")
	f.opts.Iterations = -1
	f.opts.Query = nil // use the real specs directory, which does not exist

	_, phase := f.run(t)

	assert.Equal(t, iteration.Error, phase)
	assert.Contains(t, f.sink.texts(), "[Error: specs/README.md not found]")
}

func TestRun_SpecsReadError(t *testing.T) {
	f := newFixture(t, "exit", "0")
	f.opts.Iterations = -1
	f.opts.Query = func() specs.Remaining {
		return specs.Remaining{Kind: specs.ReadError, Message: "permission denied"}
	}

	_, phase := f.run(t)

	assert.Equal(t, iteration.Error, phase)
	assert.Contains(t, f.sink.texts(), "[Error reading specs/README.md: permission denied]")
}

func TestRun_MissingPrompt(t *testing.T) {
	f := newFixture(t, "stream")
	f.opts.PromptPath = filepath.Join(t.TempDir(), "nope.md")

	r, phase := f.run(t)

	assert.Equal(t, iteration.Error, phase)
	assert.Contains(t, f.sink.texts(), fmt.Sprintf("Error: %s not found", f.opts.PromptPath))
	assert.Zero(t, r.Snapshot().Loop)
}

func TestRun_SpawnFailure(t *testing.T) {
	f := newFixture(t, "stream")
	f.opts.Executable = "definitely-not-a-real-claude-binary"

	_, phase := f.run(t)

	assert.Equal(t, iteration.Error, phase)
	found := false
	for _, text := range f.sink.texts() {
		if strings.HasPrefix(text, "Error starting command: ") {
			found = true
		}
	}
	assert.True(t, found, "spawn error is rendered")
}

func TestRun_ZeroBudgetDoesNothing(t *testing.T) {
	f := newFixture(t, "stream")
	f.opts.Iterations = 0

	r, phase := f.run(t)

	assert.Equal(t, iteration.Idle, phase)
	assert.Zero(t, r.Snapshot().Loop)
	assert.NotContains(t, f.sink.texts(), divider)
}

func TestRun_StopKillsProcess(t *testing.T) {
	f := newFixture(t, "sleep")
	f.opts.Iterations = -1
	f.opts.Query = constQuery(specs.Yes)

	r := New(f.sup, f.sink, f.opts)
	result := make(chan iteration.Phase, 1)
	go func() { result <- r.Run(context.Background()) }()

	testutil.RequireEventually(t, func() bool { return r.Snapshot().PID != 0 })
	r.Stop()
	r.Stop()

	select {
	case phase := <-result:
		assert.Equal(t, iteration.Stopped, phase)
	case <-time.After(15 * time.Second):
		t.Fatal("runner did not stop")
	}
	assert.Equal(t, 1, r.Snapshot().Loop)
	assert.Equal(t, 1, f.sink.count("[Stopping...]"))
}

func TestRun_ContextCancelStops(t *testing.T) {
	f := newFixture(t, "sleep")
	f.opts.Iterations = -1
	f.opts.Query = constQuery(specs.Yes)

	r := New(f.sup, f.sink, f.opts)
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan iteration.Phase, 1)
	go func() { result <- r.Run(ctx) }()

	testutil.RequireEventually(t, func() bool { return r.Snapshot().PID != 0 })
	cancel()

	select {
	case phase := <-result:
		assert.Equal(t, iteration.Stopped, phase)
	case <-time.After(15 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRun_KillsProcessOutlivingItsOutput(t *testing.T) {
	f := newFixture(t, "linger")
	f.opts.Iterations = -1
	f.opts.Query = constQuery(specs.Yes)
	f.opts.ReapGrace = 200 * time.Millisecond

	_, phase := f.run(t)

	assert.Equal(t, iteration.Stopped, phase)
	assert.Zero(t, f.sink.count(bannerContinue))
}

func TestRun_RecordsHistoryAndTranscript(t *testing.T) {
	f := newFixture(t, "stream")
	dir := t.TempDir()

	db, err := history.Open(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, history.Migrate(db))
	store := history.NewStore(db)

	f.opts.History = store
	f.opts.TranscriptDir = filepath.Join(dir, "transcripts")

	_, phase := f.run(t)
	require.Equal(t, iteration.Stopped, phase)

	runs, err := store.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	run := runs[0]
	assert.Equal(t, "abc123", run.SessionID)
	assert.Equal(t, 1, run.Loop)
	assert.Equal(t, "success", run.Outcome)
	require.NotNil(t, run.EndedAt)
	require.NotNil(t, run.CostUSD)
	assert.InDelta(t, 0.25, *run.CostUSD, 1e-9)
	require.NotNil(t, run.OutputTokens)
	assert.Equal(t, uint64(20), *run.OutputTokens)

	lines, err := transcript.ReadAll(filepath.Join(f.opts.TranscriptDir, transcript.Name("abc123", 1)))
	require.NoError(t, err)
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[0], `"type":"system"`)
	assert.Contains(t, lines, "not json")
	assert.NotContains(t, lines, "")
}

func TestRun_PollsCurrentSpec(t *testing.T) {
	f := newFixture(t, "sleep")
	f.opts.Iterations = -1
	f.opts.Query = constQuery(specs.Yes)

	var current atomic.Value
	current.Store("")
	f.opts.CurrentSpec = func() (string, bool) {
		s := current.Load().(string)
		return s, s != ""
	}

	r := New(f.sup, f.sink, f.opts)
	result := make(chan iteration.Phase, 1)
	go func() { result <- r.Run(context.Background()) }()

	testutil.RequireEventually(t, func() bool { return r.Snapshot().PID != 0 })
	current.Store("auth")
	testutil.RequireEventually(t, func() bool { return r.Snapshot().CurrentSpec == "auth" })

	snap := r.Snapshot()
	assert.Equal(t, "running", snap.Phase)
	assert.Equal(t, uint32(1), snap.Iteration)
	assert.NotEmpty(t, snap.RunID)
	assert.NotEmpty(t, snap.Elapsed)

	r.Stop()
	<-result
}

func indexOf(items []string, want string) int {
	for i, s := range items {
		if s == want {
			return i
		}
	}
	return -1
}
