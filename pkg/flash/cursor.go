package flash

// Cursor buffers incoming bytes so that only aligned lengths reach flash.
// After every Advance fewer than align bytes stay pending.
type Cursor struct {
	buf     []byte
	pending int
	written int
	align   int
}

// NewCursor allocates a cursor of capacity bytes. capacity must be a
// multiple of align and align a power of two.
func NewCursor(capacity, align int) *Cursor {
	if align <= 0 || align&(align-1) != 0 || capacity < align || capacity%align != 0 {
		panic("invalid cursor geometry")
	}
	return &Cursor{buf: make([]byte, capacity), align: align}
}

// Reset clears the cursor for a new image.
func (c *Cursor) Reset() {
	c.pending, c.written = 0, 0
}

// Space returns the free tail of the buffer to read into.
func (c *Cursor) Space() []byte {
	return c.buf[c.pending:]
}

// Pending returns the number of buffered bytes not yet written.
func (c *Cursor) Pending() int {
	return c.pending
}

// Written returns the number of genuine bytes written to flash.
func (c *Cursor) Written() int {
	return c.written
}

// Advance accounts n bytes placed in Space and writes the largest aligned
// prefix at the current offset. The remainder moves to the front.
func (c *Cursor) Advance(n int, p Partition) error {
	c.pending += n
	aligned := c.pending &^ (c.align - 1)
	if aligned == 0 {
		return nil
	}
	if err := p.Write(uint32(c.written), c.buf[:aligned]); err != nil {
		return &IOError{Op: "write", Offset: uint32(c.written), Err: err}
	}
	c.written += aligned
	c.pending = copy(c.buf, c.buf[aligned:c.pending])
	return nil
}

// Append copies data through the cursor.
func (c *Cursor) Append(data []byte, p Partition) error {
	for len(data) > 0 {
		n := copy(c.Space(), data)
		data = data[n:]
		if err := c.Advance(n, p); err != nil {
			return err
		}
	}
	return nil
}

// Finish pads the pending bytes to alignment with ErasedByte and writes
// them. Only the genuine bytes are counted.
func (c *Cursor) Finish(p Partition) error {
	if c.pending == 0 {
		return nil
	}
	padded := RoundUp(c.pending, c.align)
	for i := c.pending; i < padded; i++ {
		c.buf[i] = ErasedByte
	}
	if err := p.Write(uint32(c.written), c.buf[:padded]); err != nil {
		return &IOError{Op: "write", Offset: uint32(c.written), Err: err}
	}
	c.written += c.pending
	c.pending = 0
	return nil
}
