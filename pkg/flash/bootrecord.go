package flash

import (
	"github.com/golang/protobuf/proto"
)

// BootRecord is the persisted partition table state.
type BootRecord struct {
	// Slot is the index of the boot partition.
	Slot uint32 `protobuf:"varint,1,opt,name=slot,proto3" json:"slot"`
	// State is the ImageState of the boot partition.
	State uint32 `protobuf:"varint,2,opt,name=state,proto3" json:"state"`
	// Sequence increments on every activation.
	Sequence uint32 `protobuf:"varint,3,opt,name=sequence,proto3" json:"sequence"`
}

// ProtoMessage implements proto.Message.
func (m *BootRecord) ProtoMessage() {}

// Reset implements proto.Message.
func (m *BootRecord) Reset() { *m = BootRecord{} }

// String implements proto.Message.
func (m *BootRecord) String() string { return proto.CompactTextString(m) }

// ImageState returns State as ImageState.
func (m *BootRecord) ImageState() ImageState { return ImageState(m.State) }

// EncodeBootRecord encodes r.
func EncodeBootRecord(r *BootRecord) ([]byte, error) {
	return proto.Marshal(r)
}

// DecodeBootRecord decodes data into a BootRecord.
func DecodeBootRecord(data []byte) (*BootRecord, error) {
	var r BootRecord
	if err := proto.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
