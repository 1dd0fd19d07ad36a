package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
)

// ANSI color codes.
const (
	reset  = "\033[0m"
	bold   = "\033[1m"
	yellow = "\033[33m"
	dim    = "\033[2m"
)

var logoLines = [6]string{
	`            _       _     `,
	`  _ __ __ _| |_ __ | |__  `,
	` | '__/ _` + "`" + ` | | '_ \| '_ \ `,
	` | | | (_| | | |_) | | | |`,
	` |_|  \__,_|_| .__/|_| |_|`,
	`             |_|          `,
}

// BannerInfo is printed below the logo.
type BannerInfo struct {
	Version    string
	Prompt     string
	Iterations string
	Addr       string // status server address; empty when disabled
}

// PrintBanner prints the ASCII art logo followed by the version, prompt
// file and iteration budget. Colors are used only when w is a TTY.
func PrintBanner(w io.Writer, info BannerInfo) {
	color := false
	if f, ok := w.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}

	for _, line := range logoLines {
		if color {
			fmt.Fprintf(w, "%s%s%s\n", bold+yellow, line, reset)
		} else {
			fmt.Fprintln(w, line)
		}
	}

	label := func(name string) string {
		if color {
			return dim + name + reset
		}
		return name
	}

	fmt.Fprintf(w, "\n  %s %s   %s %s   %s %s",
		label("version"), info.Version,
		label("prompt"), info.Prompt,
		label("iterations"), info.Iterations)
	if info.Addr != "" {
		fmt.Fprintf(w, "   %s %s", label("status"), info.Addr)
	}
	fmt.Fprint(w, "\n\n")
}
