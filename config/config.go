// Package config loads the gateway configuration from a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/soypat/peagate"
	"github.com/soypat/peagate/encoder"
	"github.com/soypat/peagate/rs485"
	"golang.org/x/exp/slog"
	"gopkg.in/yaml.v3"
)

// Config is the gateway configuration. The zero value is not usable; start from
// Default or Load.
type Config struct {
	// LogLevel is one of trace, debug, info, warn or error.
	LogLevel string           `yaml:"log_level"`
	Capacity peagate.Capacity `yaml:"capacity"`
	Server   ServerConfig     `yaml:"server"`
	Encoder  EncoderConfig    `yaml:"encoder"`
	CAN      CANConfig        `yaml:"can"`
}

// ServerConfig configures the Modbus RTU server.
type ServerConfig struct {
	Serial rs485.SerialConfig `yaml:"serial"`
	NodeID uint8              `yaml:"node_id"`
}

// EncoderConfig configures the encoder poller. When Serial.Device is empty the
// poller is disabled.
type EncoderConfig struct {
	Serial  rs485.SerialConfig  `yaml:"serial"`
	NodeID  uint8               `yaml:"node_id"`
	Slave   encoder.SlaveNumber `yaml:"slave"`
	Period  time.Duration       `yaml:"period"`
	Timeout time.Duration       `yaml:"timeout"`
}

// CANConfig configures the CAN gateway. When Interface is empty the gateway is disabled.
type CANConfig struct {
	Interface  string        `yaml:"interface"`
	NodeID     uint8         `yaml:"node_id"`
	TPDOPeriod time.Duration `yaml:"tpdo_period"`
}

// Default returns the configuration used for fields absent from the file.
func Default() Config {
	serial := rs485.SerialConfig{Baud: 9600, Parity: "none", StopBits: 1}
	return Config{
		LogLevel: "info",
		Capacity: peagate.DefaultCapacity(),
		Server:   ServerConfig{Serial: serial, NodeID: 1},
		Encoder: EncoderConfig{
			Serial:  serial,
			NodeID:  1,
			Period:  100 * time.Millisecond,
			Timeout: 500 * time.Millisecond,
		},
		CAN: CANConfig{NodeID: 1, TPDOPeriod: 100 * time.Millisecond},
	}
}

// Load reads the YAML file at path over Default and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid field of c.
func (c Config) Validate() error {
	var errs []error
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	capa := c.Capacity
	if capa.Coils < 0 || capa.DiscreteInputs < 0 || capa.HoldingRegisters < 0 || capa.InputRegisters < 0 {
		errs = append(errs, errors.New("capacity: negative bank size"))
	}
	if c.Server.Serial.Device != "" {
		if _, err := c.Server.Serial.Mode(); err != nil {
			errs = append(errs, fmt.Errorf("server: %w", err))
		}
		if !validSlaveAddr(c.Server.NodeID) {
			errs = append(errs, fmt.Errorf("server: node_id %d out of range 1..247", c.Server.NodeID))
		}
	}
	if c.Encoder.Serial.Device != "" {
		if _, err := c.Encoder.Serial.Mode(); err != nil {
			errs = append(errs, fmt.Errorf("encoder: %w", err))
		}
		if !validSlaveAddr(c.Encoder.NodeID) {
			errs = append(errs, fmt.Errorf("encoder: node_id %d out of range 1..247", c.Encoder.NodeID))
		}
		if c.Encoder.Slave >= encoder.MaxSlaves {
			errs = append(errs, fmt.Errorf("encoder: slave %d out of range 0..%d", c.Encoder.Slave, encoder.MaxSlaves-1))
		}
		if c.Encoder.Period <= 0 || c.Encoder.Timeout <= 0 {
			errs = append(errs, errors.New("encoder: period and timeout must be positive"))
		}
		if c.Encoder.Serial.Device == c.Server.Serial.Device {
			errs = append(errs, errors.New("encoder: serial device is already used by the server"))
		}
	}
	if c.CAN.Interface != "" {
		if c.CAN.NodeID < 1 || c.CAN.NodeID > 127 {
			errs = append(errs, fmt.Errorf("can: node_id %d out of range 1..127", c.CAN.NodeID))
		}
		if c.CAN.TPDOPeriod < 0 {
			errs = append(errs, errors.New("can: negative tpdo_period"))
		}
	}
	return errors.Join(errs...)
}

func validSlaveAddr(a uint8) bool { return a >= 1 && a <= 247 }

// LevelTrace is below debug and logs every frame.
const LevelTrace = slog.LevelDebug - 4

// ParseLevel maps a level name to its slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}
