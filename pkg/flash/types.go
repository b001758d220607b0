// Package flash streams firmware images into raw flash partitions.
package flash

import (
	"fmt"
	"time"
)

// Geometry of the supported flash devices.
const (
	// PageSize is the erase granularity.
	PageSize = 4096
	// EraseChunkSize bounds a single blocking erase call.
	EraseChunkSize = 64 * 1024
	// WriteAlign is the write granularity.
	WriteAlign = 4
	// ChunkBufferSize is the capacity of the write cursor.
	ChunkBufferSize = 2048
	// ErasedByte is the value of an erased flash cell.
	ErasedByte = 0xFF
	// YieldInterval is how long a yield point sleeps.
	YieldInterval = 10 * time.Millisecond
)

// Partition is a flash region holding one firmware image.
type Partition interface {
	Label() string
	Size() uint32
	// Erase erases [from, to). Both must be PageSize aligned.
	Erase(from, to uint32) error
	// Write programs data at offset. Both must be WriteAlign aligned.
	Write(offset uint32, data []byte) error
}

// ImageState is the persisted boot state of the running image.
type ImageState uint32

// Image states.
const (
	StateUndefined ImageState = iota
	StateNew
	StatePendingVerify
	StateValid
	StateInvalid
	StateAborted
)

var stateNames = [...]string{
	StateUndefined:     "undefined",
	StateNew:           "new",
	StatePendingVerify: "pending-verify",
	StateValid:         "valid",
	StateInvalid:       "invalid",
	StateAborted:       "aborted",
}

// String implements fmt.Stringer.
func (s ImageState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint32(s))
}

// Table is the partition table: it locates the next free partition and
// switches the boot partition.
type Table interface {
	// NextPartition returns the partition not currently booted.
	NextPartition() (Partition, error)
	// ActivateNext makes the next partition the boot partition.
	ActivateNext() error
	// SetImageState persists the boot state of the current boot partition.
	SetImageState(ImageState) error
	// ImageState reads the persisted boot state.
	ImageState() (ImageState, error)
}

// IOError is a failed erase or write on a partition.
type IOError struct {
	Op     string
	Offset uint32
	Err    error
}

// Error implements error.
func (e *IOError) Error() string {
	return fmt.Sprintf("flash %s at offset %d: %v", e.Op, e.Offset, e.Err)
}

// Unwrap returns the underlying cause.
func (e *IOError) Unwrap() error {
	return e.Err
}

// ReadError is a failed read of the incoming image stream.
type ReadError struct {
	Offset int
	Err    error
}

// Error implements error.
func (e *ReadError) Error() string {
	return fmt.Sprintf("read image at %d: %v", e.Offset, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ReadError) Unwrap() error {
	return e.Err
}

// RoundUp rounds n up to a multiple of align, a power of two.
func RoundUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
