// Package specs reads the status table in a specs directory's README.md.
//
// The table looks like:
//
//	| Spec | Status | Summary | Depends On |
//	|------|--------|---------|------------|
//	| [auth](auth.md) | In Progress | Login flow | — |
//
// It is the signal the iteration loop uses to decide whether there is more
// work to do.
package specs

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ReadmeName is the file read from the specs directory.
const ReadmeName = "README.md"

// Status is the state of one spec row.
type Status int

const (
	Blocked Status = iota
	Ready
	InProgress
	Done
)

func (s Status) String() string {
	switch s {
	case Blocked:
		return "Blocked"
	case Ready:
		return "Ready"
	case InProgress:
		return "In Progress"
	case Done:
		return "Done"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// ParseStatus parses a status cell. Matching is case sensitive after
// trimming whitespace.
func ParseStatus(s string) (Status, bool) {
	switch strings.TrimSpace(s) {
	case "Blocked":
		return Blocked, true
	case "Ready":
		return Ready, true
	case "In Progress":
		return InProgress, true
	case "Done":
		return Done, true
	}
	return 0, false
}

// Spec is one parsed table row.
type Spec struct {
	Name   string
	Status Status
}

var (
	ErrReadmeNotFound = errors.New("specs/README.md not found")
	ErrNoSpecs        = errors.New("no specs found in README.md")
)

// ParseTable extracts spec rows from README content. Header rows,
// separator rows and rows without a [name] link or a known status are
// skipped.
func ParseTable(content string) []Spec {
	var specs []Spec
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if !strings.HasPrefix(line, "|") || strings.Contains(line, "---") || strings.Contains(line, "Spec") {
			continue
		}

		cols := strings.Split(line, "|")
		if len(cols) < 3 {
			continue
		}

		name, ok := linkText(strings.TrimSpace(cols[1]))
		if !ok {
			continue
		}
		status, ok := ParseStatus(cols[2])
		if !ok {
			continue
		}
		specs = append(specs, Spec{Name: name, Status: status})
	}
	return specs
}

// linkText returns the text between the first '[' and the following ']'.
func linkText(col string) (string, bool) {
	_, after, ok := strings.Cut(col, "[")
	if !ok {
		return "", false
	}
	name, _, ok := strings.Cut(after, "]")
	return name, ok
}

// Load reads and parses dir/README.md. It returns ErrReadmeNotFound when
// the file does not exist and ErrNoSpecs when it has no spec rows.
func Load(dir string) ([]Spec, error) {
	data, err := os.ReadFile(filepath.Join(dir, ReadmeName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrReadmeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ReadmeName, err)
	}

	specs := ParseTable(string(data))
	if len(specs) == 0 {
		return nil, ErrNoSpecs
	}
	return specs, nil
}

// RemainingKind is the answer to "is there more work".
type RemainingKind int

const (
	// Yes means at least one spec is Ready or In Progress.
	Yes RemainingKind = iota
	// No means every spec is Done or Blocked.
	No
	// Missing means the README does not exist.
	Missing
	// ReadError means the README exists but could not be used.
	ReadError
)

// Remaining is the result of Check. Message is set for ReadError.
type Remaining struct {
	Kind    RemainingKind
	Message string
}

func (r Remaining) String() string {
	switch r.Kind {
	case Yes:
		return "yes"
	case No:
		return "no"
	case Missing:
		return "missing"
	default:
		return "read error: " + r.Message
	}
}

// Check reports whether dir/README.md lists any spec that still needs
// work.
func Check(dir string) Remaining {
	specs, err := Load(dir)
	if errors.Is(err, ErrReadmeNotFound) {
		return Remaining{Kind: Missing}
	}
	if err != nil {
		return Remaining{Kind: ReadError, Message: err.Error()}
	}

	for _, s := range specs {
		if s.Status == Ready || s.Status == InProgress {
			return Remaining{Kind: Yes}
		}
	}
	return Remaining{Kind: No}
}

// CurrentSpec returns the first In Progress spec, if any. When several are
// in progress a warning is logged and the first wins.
func CurrentSpec(dir string) (string, bool) {
	specs, err := Load(dir)
	if err != nil {
		slog.Debug("spec_readme_read_failed", "error", err)
		return "", false
	}

	var names []string
	for _, s := range specs {
		if s.Status == InProgress {
			names = append(names, s.Name)
		}
	}
	if len(names) == 0 {
		return "", false
	}
	if len(names) > 1 {
		slog.Warn("multiple_specs_in_progress", "specs", names)
	}
	return names[0], true
}
