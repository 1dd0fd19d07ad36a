package history_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapmux/ralph/internal/agent"
	"github.com/leapmux/ralph/internal/history"
	"github.com/leapmux/ralph/internal/id"
	"github.com/leapmux/ralph/internal/protocol"
)

func newTestStore(t *testing.T) *history.Store {
	t.Helper()
	sqlDB, err := history.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, history.Migrate(sqlDB))
	return history.NewStore(sqlDB)
}

func TestOpen_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.db")
	sqlDB, err := history.Open(path)
	require.NoError(t, err)
	defer func() { _ = sqlDB.Close() }()

	require.NoError(t, sqlDB.Ping())

	var mode string
	require.NoError(t, sqlDB.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestMigrate_Idempotent(t *testing.T) {
	sqlDB, err := history.Open(":memory:")
	require.NoError(t, err)
	defer func() { _ = sqlDB.Close() }()

	require.NoError(t, history.Migrate(sqlDB))
	require.NoError(t, history.Migrate(sqlDB))

	var count int64
	assert.NoError(t, sqlDB.QueryRow("SELECT count(*) FROM runs").Scan(&count))
}

func TestStore_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	runID := id.RunID()
	require.NoError(t, s.Begin(ctx, history.Run{
		ID:        runID,
		SessionID: "abc123",
		Loop:      1,
		Iteration: 1,
		Total:     -1,
		Spec:      "auth",
		StartedAt: started,
	}))

	runs, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "auth", runs[0].Spec)
	assert.Equal(t, int32(-1), runs[0].Total)
	assert.True(t, started.Equal(runs[0].StartedAt))
	assert.Nil(t, runs[0].EndedAt)
	assert.Empty(t, runs[0].Outcome)

	in, out, dur := uint64(100), uint64(20), uint64(4500)
	cost := 0.25
	require.NoError(t, s.RecordResult(ctx, runID, protocol.ResultEvent{
		NumTurns:     4,
		TotalCostUSD: &cost,
		DurationMS:   &dur,
		Usage:        &protocol.Usage{InputTokens: &in, OutputTokens: &out},
	}))
	require.NoError(t, s.Finish(ctx, runID, started.Add(5*time.Second), agent.Exited(7)))

	runs, err = s.Recent(ctx, 10)
	require.NoError(t, err)
	r := runs[0]
	require.NotNil(t, r.EndedAt)
	assert.Equal(t, 5*time.Second, r.EndedAt.Sub(r.StartedAt))
	assert.Equal(t, "nonzero", r.Outcome)
	require.NotNil(t, r.ExitCode)
	assert.Equal(t, 7, *r.ExitCode)
	require.NotNil(t, r.NumTurns)
	assert.Equal(t, 4, *r.NumTurns)
	assert.Equal(t, &cost, r.CostUSD)
	assert.Equal(t, &in, r.InputTokens)
	assert.Equal(t, &out, r.OutputTokens)
	assert.Equal(t, &dur, r.DurationMS)
}

func TestStore_FinishKilledHasNoExitCode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	runID := id.RunID()
	require.NoError(t, s.Begin(ctx, history.Run{ID: runID, SessionID: "s", Loop: 1, Iteration: 1, Total: 1, StartedAt: time.Now()}))
	require.NoError(t, s.Finish(ctx, runID, time.Now(), agent.Killed))

	runs, err := s.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "killed", runs[0].Outcome)
	assert.Nil(t, runs[0].ExitCode)
}

func TestStore_UnknownRun(t *testing.T) {
	s := newTestStore(t)
	err := s.Finish(context.Background(), "missing", time.Now(), agent.Exited(0))
	assert.ErrorIs(t, err, history.ErrRunNotFound)
}

func TestStore_RecentOrderAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range 5 {
		require.NoError(t, s.Begin(ctx, history.Run{
			ID: id.RunID(), SessionID: "s", Loop: i + 1, Iteration: uint32(i + 1), Total: -1,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	runs, err := s.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, []int{5, 4, 3}, []int{runs[0].Loop, runs[1].Loop, runs[2].Loop})
}

func TestStore_Totals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	add := func(session string, cost float64, in, out uint64) {
		runID := id.RunID()
		require.NoError(t, s.Begin(ctx, history.Run{ID: runID, SessionID: session, Loop: 1, Iteration: 1, Total: 1, StartedAt: time.Now()}))
		require.NoError(t, s.RecordResult(ctx, runID, protocol.ResultEvent{
			TotalCostUSD: &cost,
			Usage:        &protocol.Usage{InputTokens: &in, OutputTokens: &out},
		}))
	}
	add("a", 0.5, 10, 1)
	add("a", 0.25, 20, 2)
	add("b", 1, 30, 3)

	all, err := s.Totals(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, history.Totals{Runs: 3, CostUSD: 1.75, InputTokens: 60, OutputTokens: 6}, all)

	a, err := s.Totals(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, history.Totals{Runs: 2, CostUSD: 0.75, InputTokens: 30, OutputTokens: 3}, a)

	none, err := s.Totals(ctx, "zzz")
	require.NoError(t, err)
	assert.Equal(t, history.Totals{}, none)
}
