package utils

import (
	"strings"
	"sync"

	"github.com/armon/circbuf"
)

// TailBuffer
//
//	Keeps the last N bytes written to it. Used to report why a toolchain
//	invocation failed without holding its whole stderr in memory.
type TailBuffer struct {
	mu  sync.Mutex
	buf *circbuf.Buffer
}

// NewTailBuffer creates a TailBuffer holding at most size bytes.
func NewTailBuffer(size int64) *TailBuffer {
	// circbuf only rejects non-positive sizes
	if size <= 0 {
		size = 1
	}
	buf, _ := circbuf.NewBuffer(size)
	return &TailBuffer{buf: buf}
}

func (t *TailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.Write(p)
}

// WriteLine appends line followed by a newline.
func (t *TailBuffer) WriteLine(line string) {
	_, _ = t.Write([]byte(line + "\n"))
}

// Truncated reports whether older output has been dropped.
func (t *TailBuffer) Truncated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.TotalWritten() > t.buf.Size()
}

// String returns the retained output without the trailing newline. A
// truncated tail starts at the next full line.
func (t *TailBuffer) String() string {
	t.mu.Lock()
	s := t.buf.String()
	truncated := t.buf.TotalWritten() > t.buf.Size()
	t.mu.Unlock()

	if truncated {
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			s = s[i+1:]
		}
	}
	return strings.TrimRight(s, "\n")
}
