package kfmt

import "io"

// ringBufferSize defines the number of bytes of early console output that
// are retained. It must always be a power of 2.
const ringBufferSize = 4096

// ringBuffer retains the most recent ringBufferSize bytes written to it.
// Older bytes are silently overwritten.
type ringBuffer struct {
	buffer         [ringBufferSize]byte
	rIndex, wIndex int
}

// Write writes len(p) bytes from p to the ringBuffer.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[rb.wIndex] = b
		rb.wIndex = (rb.wIndex + 1) & (ringBufferSize - 1)
		if rb.rIndex == rb.wIndex {
			rb.rIndex = (rb.rIndex + 1) & (ringBufferSize - 1)
		}
	}

	return len(p), nil
}

// Len returns the number of unread bytes.
func (rb *ringBuffer) Len() int {
	return (rb.wIndex - rb.rIndex) & (ringBufferSize - 1)
}

// Read reads up to len(p) bytes into p. It returns io.EOF once the buffer has
// been drained.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.Len() == 0 {
		return 0, io.EOF
	}

	var n int
	for n < len(p) && rb.rIndex != rb.wIndex {
		p[n] = rb.buffer[rb.rIndex]
		rb.rIndex = (rb.rIndex + 1) & (ringBufferSize - 1)
		n++
	}

	return n, nil
}

// WriteTo drains the buffer contents into w.
func (rb *ringBuffer) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for rb.rIndex != rb.wIndex {
		end := rb.wIndex
		if end < rb.rIndex {
			end = ringBufferSize
		}

		n, err := w.Write(rb.buffer[rb.rIndex:end])
		total += int64(n)
		rb.rIndex = (rb.rIndex + n) & (ringBufferSize - 1)
		if err != nil {
			return total, err
		}
	}

	return total, nil
}
