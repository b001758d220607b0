package measure

import (
	"github.com/golang/protobuf/proto"
)

// Sample is the protobuf form of a Reading.
type Sample struct {
	Location  string         `protobuf:"bytes,1,opt,name=location,proto3" json:"location,omitempty"`
	Timestamp int64          `protobuf:"varint,2,opt,name=timestamp,proto3" json:"timestamp,omitempty"`
	Values    []*SampleValue `protobuf:"bytes,3,rep,name=values,proto3" json:"values,omitempty"`
}

// ProtoMessage implements proto.Message.
func (m *Sample) ProtoMessage() {}

// Reset implements proto.Message.
func (m *Sample) Reset() { *m = Sample{} }

// String implements proto.Message.
func (m *Sample) String() string { return proto.CompactTextString(m) }

// SampleValue is one value of a Sample.
type SampleValue struct {
	Key   string  `protobuf:"bytes,1,opt,name=key,proto3" json:"key,omitempty"`
	Value float64 `protobuf:"fixed64,2,opt,name=value,proto3" json:"value,omitempty"`
}

// ProtoMessage implements proto.Message.
func (m *SampleValue) ProtoMessage() {}

// Reset implements proto.Message.
func (m *SampleValue) Reset() { *m = SampleValue{} }

// String implements proto.Message.
func (m *SampleValue) String() string { return proto.CompactTextString(m) }

// DecodeSample decodes a proto payload.
func DecodeSample(payload []byte) (*Sample, error) {
	var s Sample
	if err := proto.Unmarshal(payload, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Describe renders a payload of format f for humans.
func (f Format) Describe(payload []byte) (string, error) {
	if f != FormatProto {
		return string(payload), nil
	}
	s, err := DecodeSample(payload)
	if err != nil {
		return "", err
	}
	return s.String(), nil
}
