package measure

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/stretchr/testify/require"
)

var reading = Reading{
	{Key: "temperature", Value: 21.456},
	{Key: "humidity", Value: 40},
}

func TestEncodeText(t *testing.T) {
	at := time.Unix(1700000000, 0)
	data, err := FormatJSON.Encode("living room", at, reading)
	require.NoError(t, err)
	require.Equal(t, `{"location": "living room", "temperature": "21.46", "humidity": "40.00"}`, string(data))

	data, err = FormatInflux.Encode("living room", at, reading)
	require.NoError(t, err)
	require.Equal(t, `weather,location=living\ room temperature=21.46,humidity=40.00`, string(data))

	long := make(Reading, 20)
	for i := range long {
		long[i] = Value{Key: "some_long_sensor_key", Value: 1}
	}
	_, err = FormatJSON.Encode("x", at, long)
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestEncodeProto(t *testing.T) {
	at := time.Unix(1700000000, 0)
	data, err := FormatProto.Encode("lab", at, reading)
	require.NoError(t, err)
	var sample Sample
	require.NoError(t, proto.Unmarshal(data, &sample))
	require.Equal(t, "lab", sample.Location)
	require.Equal(t, int64(1700000000), sample.Timestamp)
	require.Len(t, sample.Values, 2)
	require.Equal(t, "humidity", sample.Values[1].Key)
	require.Equal(t, 40.0, sample.Values[1].Value)

	text, err := FormatProto.Describe(data)
	require.NoError(t, err)
	require.Contains(t, text, `location:"lab"`)
	_, err = FormatProto.Describe([]byte{0xff})
	require.Error(t, err)
	text, err = FormatInflux.Describe([]byte("weather,location=lab t=1.00"))
	require.NoError(t, err)
	require.Equal(t, "weather,location=lab t=1.00", text)
}

func TestParseFormat(t *testing.T) {
	for name, want := range map[string]Format{
		"":       FormatJSON,
		"JSON":   FormatJSON,
		"influx": FormatInflux,
		"proto":  FormatProto,
	} {
		f, err := ParseFormat(name)
		require.NoError(t, err)
		require.Equal(t, want, f)
	}
	_, err := ParseFormat("xml")
	require.Error(t, err)
	require.Equal(t, "influx", FormatInflux.String())
}

func TestThermalZones(t *testing.T) {
	root := t.TempDir()
	for name, temp := range map[string]string{
		"thermal_zone0": "45123\n",
		"thermal_zone1": "38000\n",
	} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, name), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(root, name, "temp"), []byte(temp), 0o644))
	}
	sensors := DiscoverThermalZones(root)
	require.Len(t, sensors, 2)
	r, err := Sensors(sensors).Measure(context.Background())
	require.NoError(t, err)
	require.Equal(t, Reading{
		{Key: "temperature", Value: 45.123},
		{Key: "temperature_1", Value: 38},
	}, r)
	require.Equal(t, "thermal_zone0", sensors[0].Name())

	bad := &ThermalZone{Path: filepath.Join(root, "missing", "temp"), Key: "t"}
	_, err = Sensors{Static{{Key: "a", Value: 1}}, bad}.Measure(context.Background())
	require.Error(t, err)
}

type recordingBus struct {
	topic   string
	payload []byte
	locked  bool
	lock    *recordingLock
	err     error
}

func (b *recordingBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.topic, b.payload = topic, payload
	b.locked = b.lock.held
	return b.err
}

type recordingLock struct {
	held     bool
	acquired int
}

func (l *recordingLock) Acquire(ctx context.Context) (func(), error) {
	l.held = true
	l.acquired++
	return func() { l.held = false }, nil
}

func TestPublisher(t *testing.T) {
	lock := &recordingLock{}
	bus := &recordingBus{lock: lock}
	p := &Publisher{
		Sensor:   Static(reading),
		Format:   FormatInflux,
		Location: "lab",
		Topic:    "sensor",
		Bus:      bus,
		Lock:     lock,
	}
	require.NoError(t, p.Publish(context.Background()))
	require.Equal(t, "sensor", bus.topic)
	require.Equal(t, "weather,location=lab temperature=21.46,humidity=40.00", string(bus.payload))
	require.True(t, bus.locked)
	require.False(t, lock.held)
	require.Equal(t, 1, lock.acquired)

	bus.err = errors.New("broker down")
	require.ErrorIs(t, p.Publish(context.Background()), bus.err)
	require.False(t, lock.held)

	p.Sensor = Static(nil)
	bus.err = nil
	require.NoError(t, p.Publish(context.Background()))
	require.Equal(t, 2, lock.acquired)
}
