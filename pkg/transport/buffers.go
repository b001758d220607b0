package transport

import (
	"bufio"
	"context"
)

// Buffer sizes of the shared framing buffers.
const (
	RXBufferSize = 3072
	TXBufferSize = 3072
)

// BufferPool owns the framing buffers shared by every Session. Buffers are
// allocated once and lent to one Session at a time, so holding the pool is
// also the network lock other periodic tasks contend for.
type BufferPool struct {
	sem chan struct{}
	r   *bufio.Reader
	w   *bufio.Writer
}

// NewBufferPool allocates the rx/tx buffers.
func NewBufferPool(rxSize, txSize int) *BufferPool {
	return &BufferPool{
		sem: make(chan struct{}, 1),
		r:   bufio.NewReaderSize(nil, rxSize),
		w:   bufio.NewWriterSize(nil, txSize),
	}
}

// Acquire waits until the buffers are free. The returned release func must
// be called exactly once.
func (p *BufferPool) Acquire(ctx context.Context) (release func(), err error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var released bool
	return func() {
		if released {
			return
		}
		released = true
		p.r.Reset(nil)
		p.w.Reset(nil)
		<-p.sem
	}, nil
}
