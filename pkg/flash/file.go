package flash

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/glog"
)

// DefaultPartitionSize is the size of each application partition.
const DefaultPartitionSize = 4 * 1024 * 1024

const (
	bootRecordFile = "otadata.pb"
	slotCount      = 2
)

var (
	// ErrNotErased indicates a write to flash cells that are not erased.
	ErrNotErased = errors.New("write to non-erased flash")
	// ErrUnaligned indicates an unaligned erase or write.
	ErrUnaligned = errors.New("unaligned access")
	// ErrOutOfRange indicates an access past the end of a partition.
	ErrOutOfRange = errors.New("out of range")
)

// FileTable is a Table backed by files in a directory: one image file per
// application slot plus the protobuf-encoded BootRecord.
type FileTable struct {
	Dir           string
	PartitionSize uint32

	lock   sync.Mutex
	record BootRecord
}

// OpenFileTable opens or initializes a FileTable in dir.
func OpenFileTable(dir string, partitionSize uint32) (*FileTable, error) {
	if partitionSize == 0 || partitionSize%PageSize != 0 {
		return nil, fmt.Errorf("partition size %d is not a multiple of %d", partitionSize, PageSize)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	t := &FileTable{Dir: dir, PartitionSize: partitionSize}
	for slot := 0; slot < slotCount; slot++ {
		if err := t.ensurePartition(slot); err != nil {
			return nil, err
		}
	}
	data, err := os.ReadFile(filepath.Join(dir, bootRecordFile))
	switch {
	case os.IsNotExist(err):
		glog.Infof("no boot record in %s, starting from slot 0", dir)
	case err != nil:
		return nil, err
	default:
		rec, err := DecodeBootRecord(data)
		if err != nil {
			return nil, fmt.Errorf("corrupted boot record: %w", err)
		}
		if rec.Slot >= slotCount {
			return nil, fmt.Errorf("boot record slot %d out of range", rec.Slot)
		}
		t.record = *rec
	}
	return t, nil
}

func (t *FileTable) slotPath(slot int) string {
	return filepath.Join(t.Dir, fmt.Sprintf("ota_%d.bin", slot))
}

func (t *FileTable) ensurePartition(slot int) error {
	path := t.slotPath(slot)
	info, err := os.Stat(path)
	if err == nil {
		if info.Size() != int64(t.PartitionSize) {
			return fmt.Errorf("%s has size %d, expected %d", path, info.Size(), t.PartitionSize)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	page := bytes.Repeat([]byte{ErasedByte}, PageSize)
	for off := uint32(0); off < t.PartitionSize; off += PageSize {
		if _, err := f.Write(page); err != nil {
			return err
		}
	}
	return f.Sync()
}

// Record returns a copy of the boot record.
func (t *FileTable) Record() BootRecord {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.record
}

// BootImagePath returns the image file of the boot partition.
func (t *FileTable) BootImagePath() string {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.slotPath(int(t.record.Slot))
}

func (t *FileTable) nextSlot() int {
	return int(t.record.Slot+1) % slotCount
}

// NextPartition implements Table.
func (t *FileTable) NextPartition() (Partition, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	slot := t.nextSlot()
	return &filePartition{
		label: fmt.Sprintf("ota_%d", slot),
		path:  t.slotPath(slot),
		size:  t.PartitionSize,
	}, nil
}

// ActivateNext implements Table.
func (t *FileTable) ActivateNext() error {
	t.lock.Lock()
	defer t.lock.Unlock()
	rec := t.record
	rec.Slot = uint32(t.nextSlot())
	rec.State = uint32(StateUndefined)
	rec.Sequence++
	if err := t.save(&rec); err != nil {
		return err
	}
	t.record = rec
	glog.Infof("boot partition switched to ota_%d", rec.Slot)
	return nil
}

// SetImageState implements Table.
func (t *FileTable) SetImageState(state ImageState) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	rec := t.record
	rec.State = uint32(state)
	if err := t.save(&rec); err != nil {
		return err
	}
	t.record = rec
	return nil
}

// ImageState implements Table.
func (t *FileTable) ImageState() (ImageState, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.record.ImageState(), nil
}

func (t *FileTable) save(rec *BootRecord) error {
	data, err := EncodeBootRecord(rec)
	if err != nil {
		return err
	}
	path := filepath.Join(t.Dir, bootRecordFile)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err = f.Write(data); err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

type filePartition struct {
	label string
	path  string
	size  uint32
}

func (p *filePartition) Label() string { return p.label }
func (p *filePartition) Size() uint32  { return p.size }

func (p *filePartition) Erase(from, to uint32) error {
	if from%PageSize != 0 || to%PageSize != 0 || from > to {
		return ErrUnaligned
	}
	if to > p.size {
		return ErrOutOfRange
	}
	f, err := os.OpenFile(p.path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	page := bytes.Repeat([]byte{ErasedByte}, PageSize)
	for off := from; off < to; off += PageSize {
		if _, err := f.WriteAt(page, int64(off)); err != nil {
			return err
		}
	}
	return f.Sync()
}

func (p *filePartition) Write(offset uint32, data []byte) error {
	if offset%WriteAlign != 0 || len(data)%WriteAlign != 0 {
		return ErrUnaligned
	}
	if uint64(offset)+uint64(len(data)) > uint64(p.size) {
		return ErrOutOfRange
	}
	f, err := os.OpenFile(p.path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	current := make([]byte, len(data))
	if _, err := io.ReadFull(io.NewSectionReader(f, int64(offset), int64(len(data))), current); err != nil {
		return err
	}
	for _, b := range current {
		if b != ErasedByte {
			return ErrNotErased
		}
	}
	if _, err := f.WriteAt(data, int64(offset)); err != nil {
		return err
	}
	return f.Sync()
}
