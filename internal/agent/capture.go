package agent

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Origin identifies which output stream a line came from.
type Origin int

const (
	Stdout Origin = iota
	Stderr
)

func (o Origin) String() string {
	if o == Stderr {
		return "stderr"
	}
	return "stdout"
}

// OutputLine is one line of child output with its trailing newline removed.
type OutputLine struct {
	Origin Origin
	Text   string
}

// RecvStatus is the result of a non-blocking receive from a Capture.
type RecvStatus int

const (
	// Received means a line was returned.
	Received RecvStatus = iota
	// Empty means no line is buffered but at least one reader is still
	// running.
	Empty
	// Disconnected means both readers have stopped and every buffered line
	// has been consumed. It is terminal.
	Disconnected
)

func (s RecvStatus) String() string {
	switch s {
	case Received:
		return "received"
	case Empty:
		return "empty"
	default:
		return "disconnected"
	}
}

const captureBufferSize = 4096

// maxLineSize bounds one line. Longer lines are skipped while the rest of
// the stream keeps being read, so the child never blocks or dies on a full
// pipe.
var maxLineSize = 16 * 1024 * 1024

// Capture merges the stdout and stderr of one process into a single
// channel of OutputLine values. Order is preserved within a stream; there
// is no ordering guarantee between streams.
type Capture struct {
	lines chan OutputLine
}

// StartCapture starts one reader goroutine per stream. Each reader owns and
// closes its stream. The channel is closed once both readers have stopped.
func StartCapture(stdout, stderr io.ReadCloser) *Capture {
	c := &Capture{lines: make(chan OutputLine, captureBufferSize)}

	var wg sync.WaitGroup
	wg.Add(2)
	go c.read(&wg, stdout, Stdout)
	go c.read(&wg, stderr, Stderr)
	go func() {
		wg.Wait()
		close(c.lines)
	}()

	return c
}

func (c *Capture) read(wg *sync.WaitGroup, r io.ReadCloser, origin Origin) {
	defer wg.Done()
	defer func() { _ = r.Close() }()

	br := bufio.NewReaderSize(r, 64*1024)
	var line []byte
	skipping := false
	for {
		frag, err := br.ReadSlice('\n')
		if !skipping {
			line = append(line, frag...)
			if len(bytes.TrimSuffix(line, []byte{'\n'})) > maxLineSize {
				slog.Warn("output line too long, skipped", "stream", origin.String(), "limit", maxLineSize)
				skipping = true
				line = line[:0]
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}

		if !skipping && (err == nil || len(line) > 0) {
			c.lines <- OutputLine{Origin: origin, Text: string(dropEOL(line))}
		}
		skipping = false
		line = line[:0]

		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				slog.Warn("output read error", "stream", origin.String(), "error", err)
			}
			return
		}
	}
}

// dropEOL removes a trailing "\n" or "\r\n".
func dropEOL(b []byte) []byte {
	b = bytes.TrimSuffix(b, []byte{'\n'})
	return bytes.TrimSuffix(b, []byte{'\r'})
}

// TryRecv returns the next buffered line without blocking.
func (c *Capture) TryRecv() (OutputLine, RecvStatus) {
	select {
	case line, ok := <-c.lines:
		if !ok {
			return OutputLine{}, Disconnected
		}
		return line, Received
	default:
		return OutputLine{}, Empty
	}
}

// Drain returns every line buffered right now. The boolean is true once the
// capture is disconnected, i.e. no further line will ever arrive.
func (c *Capture) Drain() ([]OutputLine, bool) {
	var out []OutputLine
	for {
		line, status := c.TryRecv()
		switch status {
		case Received:
			out = append(out, line)
		case Empty:
			return out, false
		case Disconnected:
			return out, true
		}
	}
}
