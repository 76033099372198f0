package kfmt

import (
	"bytes"
	"io"
)

// PrefixWriter is an io.Writer that wraps another io.Writer and injects a
// prefix at the beginning of each line.
type PrefixWriter struct {
	// A writer where all writes get sent to.
	Sink io.Writer

	// The prefix injected at the beginning of each line.
	Prefix []byte

	midLine bool
	buf     bytes.Buffer
}

// Write writes len(p) bytes from p to the underlying writer. Each complete or
// partial line is forwarded in a single Sink.Write call so lines written by
// concurrent harts do not interleave mid-line. The injected prefix is not
// included in the returned byte count.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	w.buf.Reset()
	for rest := p; len(rest) != 0; {
		if !w.midLine {
			w.buf.Write(w.Prefix)
		}

		idx := bytes.IndexByte(rest, '\n')
		if idx == -1 {
			w.buf.Write(rest)
			w.midLine = true
			break
		}

		w.buf.Write(rest[:idx+1])
		w.midLine = false
		rest = rest[idx+1:]
	}

	if w.buf.Len() == 0 {
		return 0, nil
	}

	if _, err := w.Sink.Write(w.buf.Bytes()); err != nil {
		return 0, err
	}
	return len(p), nil
}
