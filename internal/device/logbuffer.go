package device

import (
	"bytes"
	"sync"
)

// DefaultLogBufferSize is how much recent log output is kept for upload.
const DefaultLogBufferSize = 256 << 10

// LogBuffer keeps the most recent log output in memory for troubleshooting uploads.
// It is an io.Writer meant to be teed next to the regular log destination.
type LogBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

// NewLogBuffer creates a buffer holding at most limit bytes.
func NewLogBuffer(limit int) *LogBuffer {
	if limit <= 0 {
		limit = DefaultLogBufferSize
	}
	return &LogBuffer{limit: limit}
}

// Write implements io.Writer. When full, whole lines are evicted from the front.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		cut := over
		if i := bytes.IndexByte(b.buf[over:], '\n'); i >= 0 {
			cut = over + i + 1
		}
		b.buf = append(b.buf[:0], b.buf[cut:]...)
	}
	return len(p), nil
}

// Snapshot returns a copy of the buffered output.
func (b *LogBuffer) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf)
}

// Discard drops the first n bytes, typically the part of a snapshot that was uploaded.
func (b *LogBuffer) Discard(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n = min(n, len(b.buf))
	b.buf = append(b.buf[:0], b.buf[n:]...)
}

// Len returns the number of buffered bytes.
func (b *LogBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}
