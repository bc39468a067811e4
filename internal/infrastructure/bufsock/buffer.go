package bufsock

// Buffer is a chunked byte queue. Bytes are appended either wholesale or
// through a reserve-then-commit cycle that lets a caller write directly into
// the queue's memory (a cipher transforming into an output queue, a socket
// read filling an input queue). Chunks are never coalesced: consumers that
// want a contiguous run take the head chunk and come back for the rest.
type Buffer struct {
	chunks  [][]byte
	length  int
	pending []byte
}

func (b *Buffer) Len() int { return b.length }

// Contiguous returns the head contiguous run without consuming it.
func (b *Buffer) Contiguous() []byte {
	if len(b.chunks) == 0 {
		return nil
	}
	return b.chunks[0]
}

// Reserve returns scratch space for up to n bytes at the tail. The space is
// not part of the buffer until Commit. A second Reserve before Commit
// abandons the first reservation.
func (b *Buffer) Reserve(n int) []byte {
	b.pending = make([]byte, n)
	return b.pending
}

// Commit publishes the first n bytes of the current reservation. Commit(0)
// discards it.
func (b *Buffer) Commit(n int) {
	if n > len(b.pending) {
		panic("bufsock: commit beyond reservation")
	}
	if n > 0 {
		b.chunks = append(b.chunks, b.pending[:n])
		b.length += n
	}
	b.pending = nil
}

// Append copies p onto the tail.
func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	c := make([]byte, len(p))
	copy(c, p)
	b.chunks = append(b.chunks, c)
	b.length += len(p)
}

// Drain drops n bytes from the head.
func (b *Buffer) Drain(n int) {
	if n > b.length {
		n = b.length
	}
	b.length -= n
	for n > 0 {
		head := b.chunks[0]
		if n < len(head) {
			b.chunks[0] = head[n:]
			return
		}
		n -= len(head)
		b.chunks = b.chunks[1:]
	}
}

// Bytes copies out the whole queue, head to tail.
func (b *Buffer) Bytes() []byte {
	out := make([]byte, 0, b.length)
	for _, c := range b.chunks {
		out = append(out, c...)
	}
	return out
}
