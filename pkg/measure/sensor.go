// Package measure takes sensor readings and publishes them.
package measure

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang/glog"
)

// Value is a single named reading.
type Value struct {
	Key   string
	Value float64
}

// Reading is an ordered set of values taken together.
type Reading []Value

// Sensor produces readings.
type Sensor interface {
	Name() string
	Measure(ctx context.Context) (Reading, error)
}

// Sensors measures with all sensors in order. A failing sensor fails the
// whole reading.
type Sensors []Sensor

// Measure concatenates the readings of all sensors.
func (s Sensors) Measure(ctx context.Context) (Reading, error) {
	var r Reading
	for _, sensor := range s {
		values, err := sensor.Measure(ctx)
		if err != nil {
			return nil, fmt.Errorf("sensor %s: %w", sensor.Name(), err)
		}
		glog.V(2).Infof("sensor %s: %v", sensor.Name(), values)
		r = append(r, values...)
	}
	return r, nil
}

// ThermalZone reads a Linux thermal zone, reported in millidegrees Celsius.
type ThermalZone struct {
	// Path is the temp file, e.g. /sys/class/thermal/thermal_zone0/temp.
	Path string
	Key  string
}

// DiscoverThermalZones returns a sensor for every thermal zone under root,
// keyed temperature, temperature_1, ...
func DiscoverThermalZones(root string) []Sensor {
	paths, _ := filepath.Glob(filepath.Join(root, "thermal_zone*", "temp"))
	sensors := make([]Sensor, 0, len(paths))
	for n, path := range paths {
		key := "temperature"
		if n > 0 {
			key += "_" + strconv.Itoa(n)
		}
		sensors = append(sensors, &ThermalZone{Path: path, Key: key})
	}
	return sensors
}

// Name implements Sensor.
func (z *ThermalZone) Name() string {
	return filepath.Base(filepath.Dir(z.Path))
}

// Measure implements Sensor.
func (z *ThermalZone) Measure(ctx context.Context) (Reading, error) {
	data, err := os.ReadFile(z.Path)
	if err != nil {
		return nil, err
	}
	milli, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid temperature %q: %w", data, err)
	}
	return Reading{{Key: z.Key, Value: float64(milli) / 1000}}, nil
}

// Static always reports the same values.
type Static Reading

// Name implements Sensor.
func (s Static) Name() string {
	return "static"
}

// Measure implements Sensor.
func (s Static) Measure(ctx context.Context) (Reading, error) {
	return Reading(s), nil
}
