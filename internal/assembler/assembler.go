// Package assembler turns the incremental stream events of one Claude CLI
// run into finished display lines.
//
// Text is streamed character by character into a partial line that is
// flushed on every newline, so output appears live. Tool invocations are
// held back until their block stops, because their JSON arguments arrive in
// fragments that cannot be parsed before the last one.
package assembler

import (
	"strings"

	"github.com/leapmux/ralph/internal/protocol"
)

// Kind tags a Line for styling by the display.
type Kind int

const (
	KindText Kind = iota
	KindTool
	KindUsage
	KindNotice
	KindError
	KindBanner
	KindStderr
)

// Line is one finished unit of output.
type Line struct {
	Kind Kind
	Text string
	Tool string // tool name, for KindTool
}

// BlockState is a snapshot of one content block's accumulator.
type BlockState struct {
	Text      string
	ToolName  string
	IsTool    bool
	InputJSON string
}

type block struct {
	text     strings.Builder
	toolName string
	isTool   bool
	input    strings.Builder
}

// Assembler holds the per-message block map and the partial line. It is
// not safe for concurrent use; the driving loop owns it.
type Assembler struct {
	blocks  map[int]*block
	partial strings.Builder
}

// New returns an empty Assembler.
func New() *Assembler {
	return &Assembler{blocks: make(map[int]*block)}
}

// Apply advances the state machine by one event and returns the lines it
// completed, in order.
func (a *Assembler) Apply(ev protocol.InnerEvent) []Line {
	switch ev := ev.(type) {
	case protocol.MessageStart:
		clear(a.blocks)

	case protocol.ContentBlockStart:
		b := &block{}
		switch cb := ev.Block.(type) {
		case protocol.TextBlock:
			b.text.WriteString(cb.Text)
		case protocol.ToolUseBlock:
			b.toolName = cb.Name
			b.isTool = true
		}
		a.blocks[ev.Index] = b

	case protocol.ContentBlockDelta:
		b := a.block(ev.Index)
		switch d := ev.Delta.(type) {
		case protocol.TextDelta:
			b.text.WriteString(d.Text)
			return a.appendText(d.Text)
		case protocol.InputJSONDelta:
			b.input.WriteString(d.PartialJSON)
		}

	case protocol.ContentBlockStop:
		// Pending text always precedes whatever the stop produces.
		out := a.Flush()
		if b, ok := a.blocks[ev.Index]; ok && b.isTool {
			out = append(out, Line{
				Kind: KindTool,
				Text: FormatToolSummary(b.toolName, b.input.String()),
				Tool: b.toolName,
			})
		}
		return out

	case protocol.MessageDelta:

	case protocol.MessageStop:
		return a.Flush()
	}
	return nil
}

// block returns the accumulator at index, creating an empty one if the
// index has not been started in the current message.
func (a *Assembler) block(index int) *block {
	b, ok := a.blocks[index]
	if !ok {
		b = &block{}
		a.blocks[index] = b
	}
	return b
}

func (a *Assembler) appendText(text string) []Line {
	var out []Line
	for _, r := range text {
		if r == '\n' {
			out = append(out, Line{Kind: KindText, Text: a.partial.String()})
			a.partial.Reset()
			continue
		}
		a.partial.WriteRune(r)
	}
	return out
}

// Flush emits the partial line if it is non-empty.
func (a *Assembler) Flush() []Line {
	if a.partial.Len() == 0 {
		return nil
	}
	line := Line{Kind: KindText, Text: a.partial.String()}
	a.partial.Reset()
	return []Line{line}
}

// Partial returns the text received since the last newline.
func (a *Assembler) Partial() string {
	return a.partial.String()
}

// Block returns a snapshot of the accumulator at index.
func (a *Assembler) Block(index int) (BlockState, bool) {
	b, ok := a.blocks[index]
	if !ok {
		return BlockState{}, false
	}
	return BlockState{
		Text:      b.text.String(),
		ToolName:  b.toolName,
		IsTool:    b.isTool,
		InputJSON: b.input.String(),
	}, true
}

// Len returns the number of tracked blocks.
func (a *Assembler) Len() int {
	return len(a.blocks)
}

// Reset drops all block state and the partial line. Called between runs.
func (a *Assembler) Reset() {
	clear(a.blocks)
	a.partial.Reset()
}
