package flash

import (
	"fmt"
	"hash/crc32"
	"io"
	"sync"
	"time"

	"github.com/golang/glog"
)

const eraseProgressStep = 256 * 1024

// Progress reports streaming progress in bytes.
type Progress struct {
	Written int
	Total   int
}

// ProgressCallback is called at every progress step (about every 10%).
type ProgressCallback func(Progress)

// Option configures a Writer.
type Option func(*Writer)

// WithChunkSize sets the cursor capacity.
func WithChunkSize(n int) Option {
	return func(w *Writer) {
		w.chunkSize = n
	}
}

// WithEraseChunk sets the size of a single erase call.
func WithEraseChunk(n uint32) Option {
	return func(w *Writer) {
		w.eraseChunk = n
	}
}

// WithYield replaces the cooperative yield performed between erase chunks
// and at progress steps.
func WithYield(fn func()) Option {
	return func(w *Writer) {
		w.yield = fn
	}
}

// WithProgressCallback sets a progress callback.
func WithProgressCallback(cb ProgressCallback) Option {
	return func(w *Writer) {
		w.progress = cb
	}
}

// Writer erases partitions and streams images into them. It owns one
// cursor buffer for its lifetime; operations on one Writer are serialized.
type Writer struct {
	chunkSize  int
	eraseChunk uint32
	yield      func()
	progress   ProgressCallback

	lock   sync.Mutex
	cursor *Cursor
}

// Result summarizes a streamed image.
type Result struct {
	Written int
	CRC32   uint32
}

// NewWriter creates a Writer. The cursor buffer is allocated once here.
func NewWriter(opts ...Option) *Writer {
	w := &Writer{
		chunkSize:  ChunkBufferSize,
		eraseChunk: EraseChunkSize,
		yield:      func() { time.Sleep(YieldInterval) },
	}
	for _, opt := range opts {
		opt(w)
	}
	w.cursor = NewCursor(w.chunkSize, WriteAlign)
	return w
}

// Erase erases the first size bytes of p rounded up to PageSize, one chunk at a time,
// yielding between chunks.
func (w *Writer) Erase(p Partition, size int) error {
	w.lock.Lock()
	defer w.lock.Unlock()

	eraseLen := uint32(RoundUp(size, PageSize))
	if eraseLen > p.Size() {
		return fmt.Errorf("image of %d bytes exceeds partition %s of %d bytes",
			size, p.Label(), p.Size())
	}
	glog.Infof("erasing partition %s (%d bytes)", p.Label(), eraseLen)
	var erased uint32
	for erased < eraseLen {
		chunk := w.eraseChunk
		if rest := eraseLen - erased; rest < chunk {
			chunk = rest
		}
		if err := p.Erase(erased, erased+chunk); err != nil {
			glog.Errorf("flash erase failed at offset %d: %v", erased, err)
			return &IOError{Op: "erase", Offset: erased, Err: err}
		}
		erased += chunk
		w.yield()
		if erased%eraseProgressStep == 0 {
			glog.Infof("erase progress: %dKB / %dKB", erased/1024, eraseLen/1024)
		}
	}
	return nil
}

// WriteStream writes prefix followed by r into p until size
// genuine bytes are consumed or r ends. It never reads past size. The
// trailing partial word is padded with ErasedByte. A zero-length read or
// io.EOF ends the stream; any other read error is returned as *ReadError,
// any flash error as *IOError.
func (w *Writer) WriteStream(p Partition, r io.Reader, size int, prefix []byte) (Result, error) {
	w.lock.Lock()
	defer w.lock.Unlock()

	c := w.cursor
	c.Reset()
	crc := crc32.NewIEEE()
	step := size / 10
	nextReport := step

	if len(prefix) > size {
		prefix = prefix[:size]
	}
	if len(prefix) > 0 {
		crc.Write(prefix)
		if err := c.Append(prefix, p); err != nil {
			return Result{Written: c.Written()}, err
		}
		glog.V(2).Infof("buffered %d leftover bytes from header read", len(prefix))
	}

	for consumed := len(prefix); consumed < size; {
		space := c.Space()
		if rest := size - consumed; rest < len(space) {
			space = space[:rest]
		}
		n, err := r.Read(space)
		if n > 0 {
			crc.Write(space[:n])
			consumed += n
			if werr := c.Advance(n, p); werr != nil {
				glog.Errorf("flash write failed: %v", werr)
				return Result{Written: c.Written()}, werr
			}
		}
		if err == io.EOF || (n == 0 && err == nil) {
			break
		}
		if err != nil {
			glog.Errorf("error reading firmware chunk: %v", err)
			return Result{Written: c.Written()}, &ReadError{Offset: consumed, Err: err}
		}
		if step > 0 && c.Written() >= nextReport {
			glog.Infof("progress: %d%%", c.Written()*100/size)
			if w.progress != nil {
				w.progress(Progress{Written: c.Written(), Total: size})
			}
			for nextReport <= c.Written() {
				nextReport += step
			}
			w.yield()
		}
	}

	if err := c.Finish(p); err != nil {
		glog.Errorf("flash write failed: %v", err)
		return Result{Written: c.Written()}, err
	}
	return Result{Written: c.Written(), CRC32: crc.Sum32()}, nil
}
