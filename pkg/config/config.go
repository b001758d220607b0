// Package config loads the node configuration from defaults, a TOML or
// YAML file, the environment and command line flags, in that order.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/golang/glog"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/robotalks/sensornode/pkg/measure"
	"github.com/robotalks/sensornode/pkg/transport"
)

// Version is the running firmware version, set with
// -ldflags "-X github.com/robotalks/sensornode/pkg/config.Version=...".
var Version = "0.1.0"

// Config is the node configuration.
type Config struct {
	DeviceID string `toml:"device_id" yaml:"device_id"`
	Location string `toml:"location" yaml:"location"`

	MeasurementIntervalSeconds   uint64 `toml:"measurement_interval_seconds" yaml:"measurement_interval_seconds"`
	FirmwareCheckIntervalSeconds uint64 `toml:"firmware_check_interval_seconds" yaml:"firmware_check_interval_seconds"`

	// MQTTURL specifies the broker, e.g. mqtts://host:8883/topic-prefix/.
	MQTTURL       string `toml:"mqtt_url" yaml:"mqtt_url"`
	MQTTTopic     string `toml:"mqtt_topic" yaml:"mqtt_topic"`
	PayloadFormat string `toml:"payload_format" yaml:"payload_format"`

	OTAHostname string `toml:"ota_hostname" yaml:"ota_hostname"`
	OTAPort     uint16 `toml:"ota_port" yaml:"ota_port"`

	// TLS is none, tls or mtls. TLSCA, TLSCert and TLSKey hold PEM text
	// or @path of a PEM file.
	TLS     string `toml:"tls" yaml:"tls"`
	TLSCA   string `toml:"tls_ca" yaml:"tls_ca"`
	TLSCert string `toml:"tls_cert" yaml:"tls_cert"`
	TLSKey  string `toml:"tls_key" yaml:"tls_key"`

	FlashDir      string `toml:"flash_dir" yaml:"flash_dir"`
	PartitionSize uint32 `toml:"partition_size" yaml:"partition_size"`
	ThermalRoot   string `toml:"thermal_root" yaml:"thermal_root"`
	MetricsAddr   string `toml:"metrics_addr" yaml:"metrics_addr"`

	CurrentVersion string `toml:"current_version" yaml:"current_version"`
}

var (
	defaultConfig = Config{
		MeasurementIntervalSeconds:   60,
		FirmwareCheckIntervalSeconds: 3600,
		MQTTURL:                      "mqtt://localhost:1883/",
		MQTTTopic:                    "sensor",
		PayloadFormat:                "json",
		TLS:                          "none",
		FlashDir:                     "/var/lib/sensornode",
		PartitionSize:                4 * 1024 * 1024,
		ThermalRoot:                  "/sys/class/thermal",
		MetricsAddr:                  ":9110",
	}

	configFile string
	overrides  []func(*Config) error
)

func init() {
	configFile = os.Getenv("SENSORNODE_CONFIG")
	id, err := machineid.ID()
	if err != nil {
		id, _ = os.Hostname()
	}
	defaultConfig.DeviceID = id
}

func applyEnv(c *Config) {
	if val := os.Getenv("SENSORNODE_MQTT_URL"); val != "" {
		c.MQTTURL = val
	}
	if val := os.Getenv("SENSORNODE_DEVICE_ID"); val != "" {
		c.DeviceID = val
	}
}

// SetupFlags sets command line flags.
func SetupFlags() {
	setupFlags(flag.CommandLine)
}

func setupFlags(fs *flag.FlagSet) {
	fs.StringVar(&configFile, "config", configFile, "Config file, TOML or YAML")
	stringFlag(fs, "id", "Device ID", func(c *Config, v string) { c.DeviceID = v })
	stringFlag(fs, "location", "Measurement location", func(c *Config, v string) { c.Location = v })
	stringFlag(fs, "mqtt", "MQTT broker URL", func(c *Config, v string) { c.MQTTURL = v })
	stringFlag(fs, "ota-host", "Update server hostname", func(c *Config, v string) { c.OTAHostname = v })
	stringFlag(fs, "flash-dir", "Partition directory", func(c *Config, v string) { c.FlashDir = v })
	stringFlag(fs, "metrics-addr", "Status and metrics listen address, empty to disable",
		func(c *Config, v string) { c.MetricsAddr = v })
	fs.Func("ota-port", "Update server port", func(v string) error {
		port, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return err
		}
		overrides = append(overrides, func(c *Config) error {
			c.OTAPort = uint16(port)
			return nil
		})
		return nil
	})
}

func stringFlag(fs *flag.FlagSet, name, usage string, apply func(*Config, string)) {
	fs.Func(name, usage, func(v string) error {
		overrides = append(overrides, func(c *Config) error {
			apply(c, v)
			return nil
		})
		return nil
	})
}

// Default gets default config.
func Default() *Config {
	return &defaultConfig
}

// NewConfig creates a Config with default configurations.
func NewConfig() *Config {
	conf := defaultConfig
	conf.CurrentVersion = Version
	return &conf
}

// Load loads the config file given by -config or SENSORNODE_CONFIG.
func Load() (*Config, error) {
	return LoadFile(configFile)
}

// LoadFile loads defaults, then path if not empty, then the environment
// and flags, and validates the result.
func LoadFile(path string) (*Config, error) {
	conf := NewConfig()
	if path != "" {
		if err := conf.ReadFile(path); err != nil {
			return nil, err
		}
		glog.Infof("config loaded from %s", path)
	}
	applyEnv(conf)
	for _, apply := range overrides {
		if err := apply(conf); err != nil {
			return nil, err
		}
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// ReadFile merges the file at path into c. The format is chosen by
// extension: .toml, .yaml or .yml.
func (c *Config) ReadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, c)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	default:
		return fmt.Errorf("unsupported config format: %s", path)
	}
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Validate checks the settings the node cannot start without. Update
// server settings are checked by the updater.
func (c *Config) Validate() error {
	if c.DeviceID == "" {
		return errors.New("device_id not set")
	}
	if c.MeasurementIntervalSeconds == 0 {
		return errors.New("measurement_interval_seconds must be positive")
	}
	if c.MQTTTopic == "" {
		return errors.New("mqtt_topic not set")
	}
	if _, err := measure.ParseFormat(c.PayloadFormat); err != nil {
		return err
	}
	mode, err := transport.ParseMode(c.TLS)
	if err != nil {
		return err
	}
	if mode == transport.ModeMutualTLS && (c.TLSCert == "" || c.TLSKey == "") {
		return errors.New("tls_cert and tls_key are required for mtls")
	}
	return nil
}

// MeasurementInterval returns the tick interval.
func (c *Config) MeasurementInterval() time.Duration {
	return time.Duration(c.MeasurementIntervalSeconds) * time.Second
}

// FirmwareCheckTicks returns after how many measurement ticks the firmware
// is checked again, at least 1.
func (c *Config) FirmwareCheckTicks() uint64 {
	if c.MeasurementIntervalSeconds == 0 {
		return 1
	}
	if n := c.FirmwareCheckIntervalSeconds / c.MeasurementIntervalSeconds; n > 0 {
		return n
	}
	return 1
}

// TLSMode returns the parsed TLS mode.
func (c *Config) TLSMode() transport.Mode {
	mode, _ := transport.ParseMode(c.TLS)
	return mode
}

// Credentials resolves the PEM settings, reading @path values from files.
func (c *Config) Credentials() (transport.Credentials, error) {
	var creds transport.Credentials
	for _, f := range []struct {
		name string
		val  string
		dst  *string
	}{
		{"tls_ca", c.TLSCA, &creds.CA},
		{"tls_cert", c.TLSCert, &creds.Cert},
		{"tls_key", c.TLSKey, &creds.Key},
	} {
		pem, err := loadPEM(f.val)
		if err != nil {
			return creds, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = pem
	}
	return creds, nil
}

func loadPEM(v string) (string, error) {
	if !strings.HasPrefix(v, "@") {
		return v, nil
	}
	data, err := os.ReadFile(v[1:])
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// PayloadFormatValue returns the parsed payload format.
func (c *Config) PayloadFormatValue() measure.Format {
	f, _ := measure.ParseFormat(c.PayloadFormat)
	return f
}
