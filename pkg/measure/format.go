package measure

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang/protobuf/proto"
)

// MaxPayloadSize bounds a text payload.
const MaxPayloadSize = 256

// ErrPayloadTooLarge indicates a formatted reading exceeds MaxPayloadSize.
var ErrPayloadTooLarge = errors.New("payload too large")

// Format is a payload encoding.
type Format int

// Payload formats.
const (
	FormatJSON Format = iota
	FormatInflux
	FormatProto
)

// ParseFormat parses a format name: json, influx or proto.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "json":
		return FormatJSON, nil
	case "influx":
		return FormatInflux, nil
	case "proto", "protobuf":
		return FormatProto, nil
	}
	return FormatJSON, fmt.Errorf("unknown payload format %q", s)
}

// String implements fmt.Stringer.
func (f Format) String() string {
	switch f {
	case FormatInflux:
		return "influx"
	case FormatProto:
		return "proto"
	}
	return "json"
}

// Encode formats r taken at location.
//
// json:   {"location": "<loc>", "<key>": "<value>", ...}
// influx: weather,location=<loc> <key>=<value>,...
// proto:  Sample
//
// Text formats print values with two decimals.
func (f Format) Encode(location string, at time.Time, r Reading) ([]byte, error) {
	var payload []byte
	switch f {
	case FormatJSON:
		payload = encodeJSON(location, r)
	case FormatInflux:
		payload = encodeInflux(location, r)
	case FormatProto:
		sample := &Sample{Location: location, Timestamp: at.Unix()}
		for _, v := range r {
			sample.Values = append(sample.Values, &SampleValue{Key: v.Key, Value: v.Value})
		}
		return proto.Marshal(sample)
	default:
		return nil, fmt.Errorf("unknown payload format %d", int(f))
	}
	if len(payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	return payload, nil
}

func quote(s string) []byte {
	data, _ := json.Marshal(s)
	return data
}

func encodeJSON(location string, r Reading) []byte {
	buf := []byte(`{"location": `)
	buf = append(buf, quote(location)...)
	for _, v := range r {
		buf = append(buf, ", "...)
		buf = append(buf, quote(v.Key)...)
		buf = append(buf, ": "...)
		buf = append(buf, quote(strconv.FormatFloat(v.Value, 'f', 2, 64))...)
	}
	return append(buf, '}')
}

var influxEscaper = strings.NewReplacer(",", `\,`, "=", `\=`, " ", `\ `)

func encodeInflux(location string, r Reading) []byte {
	buf := []byte("weather,location=")
	buf = append(buf, influxEscaper.Replace(location)...)
	for n, v := range r {
		if n == 0 {
			buf = append(buf, ' ')
		} else {
			buf = append(buf, ',')
		}
		buf = append(buf, influxEscaper.Replace(v.Key)...)
		buf = append(buf, '=')
		buf = strconv.AppendFloat(buf, v.Value, 'f', 2, 64)
	}
	return buf
}
