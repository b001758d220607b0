// Package flashtest provides in-memory flash partitions and tables for tests.
package flashtest

import (
	"fmt"
	"sync"

	"github.com/robotalks/sensornode/pkg/flash"
)

// Span is a recorded erase or write range.
type Span struct {
	From, To uint32
}

// Len returns the length of the span.
func (s Span) Len() uint32 {
	return s.To - s.From
}

// MemPartition is a flash.Partition in memory which records every call.
type MemPartition struct {
	Name string
	Data []byte

	// FailWriteAt makes the write covering this offset fail when >= 0.
	FailWriteAt int64
	// FailEraseAt makes the erase covering this offset fail when >= 0.
	FailEraseAt int64

	lock   sync.Mutex
	erases []Span
	writes []Span
}

// NewMemPartition creates an erased partition of size bytes.
func NewMemPartition(name string, size int) *MemPartition {
	p := &MemPartition{
		Name:        name,
		Data:        make([]byte, size),
		FailWriteAt: -1,
		FailEraseAt: -1,
	}
	for i := range p.Data {
		p.Data[i] = flash.ErasedByte
	}
	return p
}

// Label implements flash.Partition.
func (p *MemPartition) Label() string { return p.Name }

// Size implements flash.Partition.
func (p *MemPartition) Size() uint32 { return uint32(len(p.Data)) }

// Erase implements flash.Partition.
func (p *MemPartition) Erase(from, to uint32) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if from%flash.PageSize != 0 || to%flash.PageSize != 0 || from > to {
		return flash.ErrUnaligned
	}
	if to > uint32(len(p.Data)) {
		return flash.ErrOutOfRange
	}
	if p.FailEraseAt >= int64(from) && p.FailEraseAt < int64(to) {
		return fmt.Errorf("injected erase failure at %d", p.FailEraseAt)
	}
	p.erases = append(p.erases, Span{From: from, To: to})
	for i := from; i < to; i++ {
		p.Data[i] = flash.ErasedByte
	}
	return nil
}

// Write implements flash.Partition.
func (p *MemPartition) Write(offset uint32, data []byte) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if offset%flash.WriteAlign != 0 || len(data)%flash.WriteAlign != 0 {
		return flash.ErrUnaligned
	}
	end := offset + uint32(len(data))
	if end > uint32(len(p.Data)) {
		return flash.ErrOutOfRange
	}
	if p.FailWriteAt >= int64(offset) && p.FailWriteAt < int64(end) {
		return fmt.Errorf("injected write failure at %d", p.FailWriteAt)
	}
	for _, b := range p.Data[offset:end] {
		if b != flash.ErasedByte {
			return flash.ErrNotErased
		}
	}
	copy(p.Data[offset:], data)
	p.writes = append(p.writes, Span{From: offset, To: end})
	return nil
}

// Erases returns the recorded erase spans.
func (p *MemPartition) Erases() []Span {
	p.lock.Lock()
	defer p.lock.Unlock()
	return append([]Span(nil), p.erases...)
}

// Writes returns the recorded write spans.
func (p *MemPartition) Writes() []Span {
	p.lock.Lock()
	defer p.lock.Unlock()
	return append([]Span(nil), p.writes...)
}

// MemTable is a flash.Table with two MemPartitions.
type MemTable struct {
	Slots [2]*MemPartition
	Boot  int

	// FailActivate makes ActivateNext fail.
	FailActivate error
	// FailSetState makes SetImageState fail.
	FailSetState error

	lock        sync.Mutex
	state       flash.ImageState
	activations int
	states      []flash.ImageState
}

// NewMemTable creates a table with two partitions of size bytes.
func NewMemTable(size int) *MemTable {
	return &MemTable{
		Slots: [2]*MemPartition{
			NewMemPartition("ota_0", size),
			NewMemPartition("ota_1", size),
		},
	}
}

// Next returns the partition NextPartition hands out.
func (t *MemTable) Next() *MemPartition {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.Slots[(t.Boot+1)%2]
}

// NextPartition implements flash.Table.
func (t *MemTable) NextPartition() (flash.Partition, error) {
	return t.Next(), nil
}

// ActivateNext implements flash.Table.
func (t *MemTable) ActivateNext() error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.FailActivate != nil {
		return t.FailActivate
	}
	t.Boot = (t.Boot + 1) % 2
	t.state = flash.StateUndefined
	t.activations++
	return nil
}

// SetImageState implements flash.Table.
func (t *MemTable) SetImageState(s flash.ImageState) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.FailSetState != nil {
		return t.FailSetState
	}
	t.state = s
	t.states = append(t.states, s)
	return nil
}

// ImageState implements flash.Table.
func (t *MemTable) ImageState() (flash.ImageState, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.state, nil
}

// Activations returns how many times ActivateNext succeeded.
func (t *MemTable) Activations() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.activations
}

// States returns every state persisted by SetImageState.
func (t *MemTable) States() []flash.ImageState {
	t.lock.Lock()
	defer t.lock.Unlock()
	return append([]flash.ImageState(nil), t.states...)
}
