// Package transcript archives the raw NDJSON output of every claude run as
// a zstd-compressed file, one file per run.
package transcript

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// Ext is the file extension of transcript files.
const Ext = ".ndjson.zst"

// Name returns the file name of the transcript for one loop of a session.
func Name(sessionID string, loop int) string {
	return fmt.Sprintf("%s-%04d%s", sessionID, loop, Ext)
}

// Writer appends lines to one transcript file. It is not safe for
// concurrent use.
type Writer struct {
	path string
	file *os.File
	enc  *zstd.Encoder
	buf  *bufio.Writer
}

// Create opens a new transcript file in dir, creating dir if needed.
func Create(dir, sessionID string, loop int) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create transcript directory: %w", err)
	}
	path := filepath.Join(dir, Name(sessionID, loop))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, fmt.Errorf("create transcript: %w", err)
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("init zstd encoder: %w", err)
	}
	return &Writer{path: path, file: f, enc: enc, buf: bufio.NewWriter(enc)}, nil
}

// Path returns the transcript's file path.
func (w *Writer) Path() string {
	return w.path
}

// Write appends one line; a newline is added.
func (w *Writer) Write(line string) error {
	if _, err := w.buf.WriteString(line); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	if err := w.buf.WriteByte('\n'); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	return nil
}

// Close flushes the zstd frame and closes the file.
func (w *Writer) Close() error {
	flushErr := w.buf.Flush()
	encErr := w.enc.Close()
	fileErr := w.file.Close()
	for _, err := range []error{flushErr, encErr, fileErr} {
		if err != nil {
			return fmt.Errorf("close transcript: %w", err)
		}
	}
	return nil
}

// maxLineSize matches the capture limit for child output lines.
const maxLineSize = 16 * 1024 * 1024

// ReadAll decompresses a transcript and returns its lines.
func ReadAll(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer func() { _ = f.Close() }()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}
	defer dec.Close()

	var lines []string
	scanner := bufio.NewScanner(dec)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	return lines, nil
}
