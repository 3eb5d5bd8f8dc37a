package trainer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
)

// OutputCapture keeps the last N lines written to it. Thread safe, stdout and stderr share one.
type OutputCapture struct {
	maxLines int
	lines    []string
	mu       sync.Mutex
}

// NewOutputCapture makes io.Writer keeping last maxLines lines, 0 disables capturing
func NewOutputCapture(maxLines int) *OutputCapture {
	return &OutputCapture{maxLines: maxLines}
}

// Write satisfies io.Writer, empty lines are skipped
func (o *OutputCapture) Write(p []byte) (n int, err error) {
	if o.maxLines == 0 {
		return len(p), nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for line := range bytes.SplitSeq(p, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if len(line) == 0 {
			continue
		}
		if len(o.lines) >= o.maxLines {
			o.lines = o.lines[1:]
		}
		o.lines = append(o.lines, string(line))
	}
	return len(p), nil
}

// String returns captured lines joined with new line
func (o *OutputCapture) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return strings.Join(o.lines, "\n")
}

const prefixMaxLen = 24
const prefixCutSuffix = "..."

// LogPrefixer is io.Writer adding "{name} " prefix to each line
type LogPrefixer struct {
	writer io.Writer
	prefix []byte
	mu     sync.Mutex
}

// NewLogPrefixer makes prefixer for the given name, long names are cut
func NewLogPrefixer(writer io.Writer, name string) *LogPrefixer {
	if len(name) > prefixMaxLen {
		name = name[:prefixMaxLen] + prefixCutSuffix
	}
	return &LogPrefixer{writer: writer, prefix: fmt.Appendf(nil, "{%s} ", name)}
}

func (p *LogPrefixer) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	reader := bufio.NewReader(bytes.NewReader(data))
	written := 0
	for {
		line, err := reader.ReadBytes('\n')
		// there can be data in line even with io.EOF
		if err != nil && err != io.EOF {
			return written, err
		}
		if len(line) > 0 {
			if _, werr := p.writer.Write(p.prefix); werr != nil {
				return written, werr
			}
			n, werr := p.writer.Write(line)
			written += n
			if werr != nil {
				return written, werr
			}
		}
		if err == io.EOF {
			break
		}
	}
	return written, nil
}

// lineWriter is io.Writer calling fn for each complete line, the last partial line is kept till Flush.
// Lines longer than maxLineSize are passed as is. Not thread safe.
type lineWriter struct {
	fn  func(line string)
	buf []byte
}

func newLineWriter(fn func(line string)) *lineWriter {
	return &lineWriter{fn: fn}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		w.fn(string(bytes.TrimRight(w.buf[:idx], "\r")))
		w.buf = w.buf[idx+1:]
	}
	if len(w.buf) > maxLineSize {
		w.Flush()
	}
	return len(p), nil
}

// Flush passes the remaining partial line, if any
func (w *lineWriter) Flush() {
	if len(w.buf) == 0 {
		return
	}
	w.fn(string(bytes.TrimRight(w.buf, "\r")))
	w.buf = nil
}

// ExecError is a trainer process failure with the tail of its output
type ExecError struct {
	Err    error
	Output string
}

func (e *ExecError) Error() string { return e.Err.Error() }

// Unwrap returns the process error
func (e *ExecError) Unwrap() error { return e.Err }

// Trace returns the captured output, used as failure trace of the job
func (e *ExecError) Trace() string { return e.Output }
