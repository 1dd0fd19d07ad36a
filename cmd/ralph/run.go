package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/leapmux/ralph/internal/agent"
	"github.com/leapmux/ralph/internal/config"
	"github.com/leapmux/ralph/internal/console"
	"github.com/leapmux/ralph/internal/history"
	"github.com/leapmux/ralph/internal/id"
	"github.com/leapmux/ralph/internal/iteration"
	"github.com/leapmux/ralph/internal/logging"
	"github.com/leapmux/ralph/internal/runner"
	"github.com/leapmux/ralph/internal/server"
	"github.com/leapmux/ralph/internal/util/timefmt"
)

// loopFlags are the command-line overrides shared by subcommands.
type loopFlags struct {
	fs         *flag.FlagSet
	configPath *string
	overrides  map[string]*string
}

func newLoopFlags(name string) *loopFlags {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	f := &loopFlags{
		fs:         fs,
		configPath: fs.String("config", "", "config file (default "+config.DefaultPath()+")"),
		overrides:  make(map[string]*string),
	}
	f.overrides["claude.path"] = fs.String("claude", "", "path to the claude binary")
	f.overrides["paths.prompt"] = fs.String("prompt", "", "prompt file fed to claude on stdin")
	f.overrides["paths.specs"] = fs.String("specs", "", "specs directory holding README.md")
	f.overrides["behavior.iterations"] = fs.String("iterations", "", "iteration budget (-1 unlimited)")
	f.overrides["logging.level"] = fs.String("log-level", "", "log level (debug, info, warn, error)")
	f.overrides["logging.file"] = fs.String("log-file", "", "write JSON logs to this file (empty logs to stderr)")
	f.overrides["server.addr"] = fs.String("status-addr", "", "status server listen address")
	f.overrides["history.path"] = fs.String("history", "", "run history database")
	f.overrides["transcript.dir"] = fs.String("transcripts", "", "write compressed transcripts to this directory")
	return f
}

var flagKeys = map[string]string{
	"claude":      "claude.path",
	"prompt":      "paths.prompt",
	"specs":       "paths.specs",
	"iterations":  "behavior.iterations",
	"log-level":   "logging.level",
	"log-file":    "logging.file",
	"status-addr": "server.addr",
	"history":     "history.path",
	"transcripts": "transcript.dir",
}

// load parses args and loads the configuration with every explicitly set
// flag applied on top.
func (f *loopFlags) load(args []string) (*config.Config, error) {
	_ = f.fs.Parse(args)

	overrides := make(map[string]any)
	var parseErr error
	f.fs.Visit(func(fl *flag.Flag) {
		key, ok := flagKeys[fl.Name]
		if !ok {
			return
		}
		v := *f.overrides[key]
		switch key {
		case "behavior.iterations":
			n, err := strconv.ParseInt(v, 10, 32)
			if err != nil {
				parseErr = fmt.Errorf("invalid -iterations %q: %w", v, err)
				return
			}
			overrides[key] = n
		case "transcript.dir":
			overrides[key] = v
			overrides["transcript.enabled"] = true
		default:
			overrides[key] = v
		}
	})
	if parseErr != nil {
		return nil, parseErr
	}

	cfg, err := config.Load(config.Options{
		Path:            *f.configPath,
		CreateIfMissing: true,
		Overrides:       overrides,
	})
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runLoop(args []string) error {
	showVersion := false
	f := newLoopFlags("ralph")
	f.fs.BoolVar(&showVersion, "version", false, "print version and exit")

	cfg, err := f.load(args)
	if err != nil {
		return err
	}
	if showVersion {
		fmt.Println(version)
		return nil
	}

	level, _ := logging.ParseLevel(cfg.Logging.Level)
	logging.SetLevel(level)
	sessionID := id.SessionID()
	closeLog, err := logging.Setup(logging.Options{File: config.ExpandTilde(cfg.Logging.File), SessionID: sessionID})
	if err != nil {
		return fmt.Errorf("set up logging: %w", err)
	}
	defer closeLog()

	logging.PrintBanner(os.Stdout, logging.BannerInfo{
		Version:    version,
		Prompt:     cfg.PromptPath(),
		Iterations: budgetString(cfg.Behavior.Iterations),
		Addr:       cfg.Server.Addr,
	})

	opts := runner.Options{
		Executable: cfg.ClaudePath(),
		PromptPath: cfg.PromptPath(),
		SpecsDir:   cfg.SpecsPath(),
		Iterations: cfg.Behavior.Iterations,
		SessionID:  sessionID,
	}

	var store *history.Store
	if cfg.History.Enabled {
		db, err := history.Open(config.ExpandTilde(cfg.History.Path))
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		if err := history.Migrate(db); err != nil {
			return err
		}
		store = history.NewStore(db)
		opts.History = store
	}
	if cfg.Transcript.Enabled {
		opts.TranscriptDir = config.ExpandTilde(cfg.Transcript.Dir)
	}

	r := runner.New(agent.NewSupervisor(), console.New(os.Stdout), opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	if cfg.Server.Addr != "" {
		var runs server.RunLister
		if store != nil {
			runs = store
		}
		srv, err := server.Listen(cfg.Server.Addr, server.NewRouter(r, runs))
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Serve(ctx); err != nil {
				slog.Error("status server failed", "error", err)
			}
		}()
	}

	// The first signal stops the loop gracefully, the second exits at once.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		r.Stop()
		<-sigCh
		slog.Warn("second signal received, exiting")
		os.Exit(130)
	}()

	sessionStart := time.Now()
	slog.Info("session_start", "version", version, "iterations", budgetString(cfg.Behavior.Iterations))

	phase := r.Run(ctx)
	logSessionEnd(sessionStart, phase, r.Snapshot())

	cancel()
	wg.Wait()

	if phase == iteration.Error {
		return errLoopFailed
	}
	return nil
}

func logSessionEnd(started time.Time, phase iteration.Phase, snap runner.Snapshot) {
	slog.Info("session_end",
		"phase", phase.String(),
		"loops", snap.Loop,
		"cost_usd", snap.CostUSD,
		"duration", timefmt.Elapsed(time.Since(started)),
	)
}

func budgetString(n int32) string {
	if n < 0 {
		return "∞"
	}
	return strconv.Itoa(int(n))
}
