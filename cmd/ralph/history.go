package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/leapmux/ralph/internal/config"
	"github.com/leapmux/ralph/internal/history"
	"github.com/leapmux/ralph/internal/util/timefmt"
)

func runHistory(args []string) error {
	f := newLoopFlags("history")
	limit := f.fs.Int("n", 20, "number of runs to show")
	session := f.fs.String("session", "", "only sum totals for this session id")

	cfg, err := f.load(args)
	if err != nil {
		return err
	}
	if !cfg.History.Enabled {
		return errors.New("history is disabled in the configuration")
	}

	db, err := history.Open(config.ExpandTilde(cfg.History.Path))
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	if err := history.Migrate(db); err != nil {
		return err
	}
	store := history.NewStore(db)

	ctx := context.Background()
	runs, err := store.Recent(ctx, *limit)
	if err != nil {
		return err
	}
	totals, err := store.Totals(ctx, *session)
	if err != nil {
		return err
	}

	printHistory(os.Stdout, runs, totals)
	return nil
}

func printHistory(w io.Writer, runs []history.Run, totals history.Totals) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs recorded")
		return
	}

	r := lipgloss.NewRenderer(w)
	header := r.NewStyle().Bold(true).Padding(0, 1)
	cell := r.NewStyle().Padding(0, 1)

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(r.NewStyle().Foreground(lipgloss.Color("8"))).
		Headers("SESSION", "LOOP", "ITER", "SPEC", "STARTED", "OUTCOME", "COST", "TOKENS").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return cell
		})

	for _, run := range runs {
		t.Row(
			run.SessionID,
			strconv.Itoa(run.Loop),
			iterationString(run.Iteration, run.Total),
			run.Spec,
			run.StartedAt.Local().Format("2006-01-02 15:04:05"),
			outcomeString(run),
			costString(run.CostUSD),
			tokensString(run.InputTokens, run.OutputTokens),
		)
	}
	fmt.Fprintln(w, t.Render())
	fmt.Fprintf(w, "%d runs, $%.2f, %d in / %d out tokens\n",
		totals.Runs, totals.CostUSD, totals.InputTokens, totals.OutputTokens)
}

func iterationString(current uint32, total int32) string {
	if total < 0 {
		return fmt.Sprintf("%d/∞", current)
	}
	return fmt.Sprintf("%d/%d", current, total)
}

func outcomeString(run history.Run) string {
	switch {
	case run.EndedAt == nil:
		return "running"
	case run.ExitCode != nil && *run.ExitCode != 0:
		return fmt.Sprintf("%s (%d, %s)", run.Outcome, *run.ExitCode, timefmt.Elapsed(run.EndedAt.Sub(run.StartedAt)))
	default:
		return fmt.Sprintf("%s (%s)", run.Outcome, timefmt.Elapsed(run.EndedAt.Sub(run.StartedAt)))
	}
}

func costString(v *float64) string {
	if v == nil {
		return "—"
	}
	return fmt.Sprintf("$%.2f", *v)
}

func tokensString(in, out *uint64) string {
	if in == nil && out == nil {
		return "—"
	}
	s := func(v *uint64) string {
		if v == nil {
			return "—"
		}
		return strconv.FormatUint(*v, 10)
	}
	return s(in) + " / " + s(out)
}
