// Package console prints finished output lines to the terminal, styled by
// kind when the writer is a color-capable TTY.
package console

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/leapmux/ralph/internal/assembler"
	"github.com/leapmux/ralph/internal/util/sanitize"
)

// Palette.
var (
	colorCyan    = lipgloss.Color("#56B6C2")
	colorYellow  = lipgloss.Color("#E5C07B")
	colorRed     = lipgloss.Color("#E06C75")
	colorMagenta = lipgloss.Color("#C678DD")
	colorMuted   = lipgloss.Color("#636B78")
)

// Console writes lines to an io.Writer. It is safe for concurrent use.
type Console struct {
	mu     sync.Mutex
	w      io.Writer
	styles map[assembler.Kind]lipgloss.Style
}

// New returns a Console writing to w. Color support is detected from w.
func New(w io.Writer) *Console {
	r := lipgloss.NewRenderer(w)
	return &Console{
		w: w,
		styles: map[assembler.Kind]lipgloss.Style{
			assembler.KindTool:   r.NewStyle().Foreground(colorCyan),
			assembler.KindUsage:  r.NewStyle().Foreground(colorMuted),
			assembler.KindNotice: r.NewStyle().Foreground(colorYellow),
			assembler.KindError:  r.NewStyle().Foreground(colorRed).Bold(true),
			assembler.KindBanner: r.NewStyle().Foreground(colorMagenta).Bold(true),
			assembler.KindStderr: r.NewStyle().Foreground(colorMuted).Italic(true).TabWidth(lipgloss.NoTabConversion),
		},
	}
}

// Print writes each line followed by a newline. Child stderr is printed
// with terminal escape sequences removed.
func (c *Console) Print(lines ...assembler.Line) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, l := range lines {
		text := l.Text
		if l.Kind == assembler.KindStderr {
			text = sanitize.Terminal(text)
		}
		if style, ok := c.styles[l.Kind]; ok && text != "" {
			text = style.Render(text)
		}
		_, _ = fmt.Fprintln(c.w, text)
	}
}
