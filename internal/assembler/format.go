package assembler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/leapmux/ralph/internal/protocol"
)

// ToolIcon prefixes every tool summary line.
const ToolIcon = "⏺"

const (
	bashCommandMaxLen = 50
	toolInputMaxLen   = 60
	editPathMaxLen    = 40
	editPreviewMaxLen = 30
)

// unparseablePlaceholder is appended when a tool's accumulated input is not
// valid JSON.
const unparseablePlaceholder = "[unparseable input]"

// Truncate returns s on a single line (newlines become spaces), cut to at
// most maxLen runes with a trailing "..." when it was longer.
func Truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	keep := max(maxLen-3, 0)
	return string(runes[:keep]) + "..."
}

// FormatToolSummary renders a completed tool invocation, e.g.
// "⏺ Bash(git status)". inputJSON is the concatenation of every
// input_json_delta fragment of the block.
func FormatToolSummary(name, inputJSON string) string {
	if strings.TrimSpace(inputJSON) == "" {
		return ToolIcon + " " + name
	}

	var input any
	if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
		return fmt.Sprintf("%s %s %s", ToolIcon, name, unparseablePlaceholder)
	}
	fields, _ := input.(map[string]any)

	var arg string
	var ok bool
	switch name {
	case "Bash":
		arg, ok = stringField(fields, "command", bashCommandMaxLen)
	case "Read", "Write":
		arg, ok = stringField(fields, "file_path", toolInputMaxLen)
	case "Edit":
		arg, ok = editArg(fields)
	case "Grep", "Glob":
		arg, ok = stringField(fields, "pattern", toolInputMaxLen)
	default:
		var buf bytes.Buffer
		if err := json.Compact(&buf, []byte(inputJSON)); err == nil {
			arg, ok = Truncate(buf.String(), toolInputMaxLen), true
		}
	}

	if !ok {
		return ToolIcon + " " + name
	}
	return fmt.Sprintf("%s %s(%s)", ToolIcon, name, arg)
}

func stringField(fields map[string]any, key string, maxLen int) (string, bool) {
	v, ok := fields[key].(string)
	if !ok {
		return "", false
	}
	return Truncate(v, maxLen), true
}

func editArg(fields map[string]any) (string, bool) {
	path, ok := stringField(fields, "file_path", editPathMaxLen)
	if !ok {
		return "", false
	}
	preview, ok := stringField(fields, "old_string", editPreviewMaxLen)
	if !ok || preview == "" {
		return path, true
	}
	return fmt.Sprintf(`%s: "%s"`, path, preview), true
}

const usageSeparatorWidth = 35

// FormatUsageSummary renders the token, cost and duration figures of a
// result event as a small boxed block.
func FormatUsageSummary(res protocol.ResultEvent) []string {
	sep := strings.Repeat("─", usageSeparatorWidth)

	in, out := "—", "—"
	if res.Usage != nil {
		if res.Usage.InputTokens != nil {
			in = strconv.FormatUint(*res.Usage.InputTokens, 10)
		}
		if res.Usage.OutputTokens != nil {
			out = strconv.FormatUint(*res.Usage.OutputTokens, 10)
		}
	}

	lines := []string{sep, fmt.Sprintf("Tokens: %s in / %s out", in, out)}

	var parts []string
	if res.TotalCostUSD != nil {
		parts = append(parts, fmt.Sprintf("Cost: $%.2f", *res.TotalCostUSD))
	}
	if res.DurationMS != nil {
		parts = append(parts, fmt.Sprintf("Duration: %.1fs", float64(*res.DurationMS)/1000))
	}
	if len(parts) > 0 {
		lines = append(lines, strings.Join(parts, " | "))
	}
	return append(lines, sep)
}
