package node

import "fmt"

// Buffer is a byte buffer whose capacity is fixed at construction.
// Writes past capacity store what fits and report [ErrOverflow].
type Buffer struct {
	data []byte
	n    int
}

// NewBuffer returns an empty buffer holding at most capacity bytes.
//
// Panics if capacity is not positive; that is a programming error.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		panic(fmt.Sprintf("node: buffer capacity must be positive, got %d", capacity))
	}
	return &Buffer{data: make([]byte, capacity)}
}

// Write appends p. If p does not fit, the leading bytes that do fit
// are stored and n < len(p) is returned with [ErrOverflow].
func (b *Buffer) Write(p []byte) (int, error) {
	free := len(b.data) - b.n
	if len(p) > free {
		copy(b.data[b.n:], p[:free])
		b.n = len(b.data)
		return free, ErrOverflow
	}
	copy(b.data[b.n:], p)
	b.n += len(p)
	return len(p), nil
}

// WriteString is Write for strings.
func (b *Buffer) WriteString(s string) (int, error) {
	return b.Write([]byte(s))
}

// Bytes returns the written bytes. The slice aliases the buffer and is
// only valid until the next Write or Reset.
func (b *Buffer) Bytes() []byte { return b.data[:b.n] }

// Len returns the number of bytes written.
func (b *Buffer) Len() int { return b.n }

// Cap returns the fixed capacity.
func (b *Buffer) Cap() int { return len(b.data) }

// Available returns the remaining capacity.
func (b *Buffer) Available() int { return len(b.data) - b.n }

// Reset empties the buffer without releasing its storage.
func (b *Buffer) Reset() { b.n = 0 }
