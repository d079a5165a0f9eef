// Package config loads the TOML configuration of swampctl.
package config

import (
	"encoding/hex"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"swamp/bus"
	"swamp/util"
)

type Config struct {
	Bus       BusConfig       `toml:"bus"`
	Transport TransportConfig `toml:"transport"`
	Memory    MemoryConfig    `toml:"memory"`
	Log       util.LogConfig  `toml:"log"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

type BusConfig struct {
	// Driver is one of the registered bus drivers: mock, serial, udp, ws, grpc.
	Driver string `toml:"driver"`
	// Address is passed to the driver as is, e.g. "/dev/ttyUSB0;115200" or "127.0.0.1:7000".
	Address string `toml:"address"`
}

type TransportConfig struct {
	// IDLow and IDHigh bound the transaction id pool, inclusive.
	IDLow  uint8 `toml:"id_low"`
	IDHigh uint8 `toml:"id_high"`

	// SubmissionAddress is stamped on requests; responses must carry it back.
	SubmissionAddress uint8 `toml:"submission_address"`

	Protocol bus.RegisterProtocol `toml:"protocol"`

	// TransmitRate limits requests per second; zero disables the limit.
	TransmitRate  float64 `toml:"transmit_rate"`
	TransmitBurst int     `toml:"transmit_burst"`
}

type MemoryConfig struct {
	Size int `toml:"size"`
	// DefaultPattern is a hex string of exactly Size bytes; empty means all zero.
	DefaultPattern string `toml:"default_pattern"`
}

type MetricsConfig struct {
	// Listen is the address serving /metrics; empty disables it.
	Listen string `toml:"listen"`
}

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("SWAMP_LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		Bus: BusConfig{
			Driver: "mock",
		},
		Transport: TransportConfig{
			IDLow:             1,
			IDHigh:            254,
			SubmissionAddress: bus.SubmissionAddress,
			Protocol:          bus.DefaultRegisterProtocol,
			TransmitBurst:     1,
		},
		Memory: MemoryConfig{
			Size: 256,
		},
		Log: util.LogConfig{
			Level:  getLogLevel(),
			Format: "console",
			Output: "stderr",
		},
	}
}

// Load reads path over the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	c := NewDefaultConfig()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, errors.Wrapf(err, "config: decode %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, errors.Errorf("config: unknown keys in %s: %v", path, undecoded)
	}
	if err = c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if c.Bus.Driver == "" {
		return errors.New("config: bus driver must be set")
	}
	if c.Transport.IDLow == bus.ReservedIDLow || c.Transport.IDHigh == bus.ReservedIDHigh {
		return errors.Errorf("config: transaction ids 0x%02X and 0x%02X are reserved", bus.ReservedIDLow, bus.ReservedIDHigh)
	}
	if c.Transport.IDLow > c.Transport.IDHigh {
		return errors.New("config: id_low must not exceed id_high")
	}
	if c.Transport.TransmitRate < 0 {
		return errors.New("config: transmit_rate must not be negative")
	}
	if c.Transport.TransmitRate > 0 && c.Transport.TransmitBurst <= 0 {
		return errors.New("config: transmit_burst must be positive when transmit_rate is set")
	}
	if c.Memory.Size <= 0 {
		return errors.New("config: memory size must be positive")
	}
	if _, err := c.Memory.Pattern(); err != nil {
		return err
	}
	return nil
}

// Pattern decodes DefaultPattern; it returns nil when no pattern is configured.
func (m MemoryConfig) Pattern() ([]byte, error) {
	if m.DefaultPattern == "" {
		return nil, nil
	}
	p, err := hex.DecodeString(m.DefaultPattern)
	if err != nil {
		return nil, errors.Wrap(err, "config: default_pattern")
	}
	if len(p) != m.Size {
		return nil, errors.Errorf("config: default_pattern has %d bytes, memory size is %d", len(p), m.Size)
	}
	return p, nil
}
