package process

import (
	"bytes"
	"sync"
)

// maxLine caps a buffered partial line; longer runs are emitted in chunks.
const maxLine = 64 * 1024

// LineWriter splits a byte stream into lines and hands each one, without its
// trailing newline, to emit. A trailing "\r" is kept verbatim.
type LineWriter struct {
	mu   sync.Mutex
	buf  []byte
	emit func(string)
}

func NewLineWriter(emit func(string)) *LineWriter {
	return &LineWriter{emit: emit}
}

func (w *LineWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(b)
	for len(b) > 0 {
		i := bytes.IndexByte(b, '\n')
		if i < 0 {
			w.buf = append(w.buf, b...)
			if len(w.buf) >= maxLine {
				w.flushLocked()
			}
			break
		}
		w.buf = append(w.buf, b[:i]...)
		w.flushLocked()
		b = b[i+1:]
	}
	return n, nil
}

// Close emits any pending partial line.
func (w *LineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.flushLocked()
	}
	return nil
}

func (w *LineWriter) flushLocked() {
	line := string(w.buf)
	w.buf = w.buf[:0]
	if w.emit != nil {
		w.emit(line)
	}
}
