package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
)

var version = "dev"

// errLoopFailed is returned when the loop ends in the Error phase. The
// reason has already been shown on the console.
var errLoopFailed = errors.New("loop ended with an error")

func main() {
	if len(os.Args) < 2 {
		exit(runLoop(os.Args[1:]))
		return
	}

	switch os.Args[1] {
	case "run":
		exit(runLoop(os.Args[2:]))
	case "history":
		exit(runHistory(os.Args[2:]))
	case "version":
		fmt.Println(version)
	default:
		// Flags without a subcommand run the loop.
		if len(os.Args[1]) > 0 && os.Args[1][0] == '-' {
			exit(runLoop(os.Args[1:]))
			return
		}
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		fmt.Fprintf(os.Stderr, "usage: ralph [run|history|version] [flags]\n")
		os.Exit(2)
	}
}

func exit(err error) {
	if err == nil {
		return
	}
	if !errors.Is(err, errLoopFailed) {
		slog.Error("fatal", "error", err)
	}
	os.Exit(1)
}
