// Package config loads the settings of the LTO Flash tools from a YAML file and
// LTO_ environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"ltoflash/connection"
	"ltoflash/protocol"
	"ltoflash/watcher"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Watch modes.
const (
	WatchPoll = "poll"
	WatchDev  = "dev"
	WatchFeed = "feed"
)

// USB id of the FTDI bridge on the cartridge.
const (
	DefaultVID = "0403"
	DefaultPID = "6015"
)

var ErrInvalid = errors.New("config: invalid configuration")

// Config is the global configuration structure.
type Config struct {
	Serial   SerialConfig   `mapstructure:"serial" yaml:"serial"`
	Pipe     PipeConfig     `mapstructure:"pipe" yaml:"pipe"`
	Protocol ProtocolConfig `mapstructure:"protocol" yaml:"protocol"`
	Watch    WatchConfig    `mapstructure:"watch" yaml:"watch"`
	Health   HealthConfig   `mapstructure:"health" yaml:"health"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

// SerialConfig applies to every serial port the monitor opens.
type SerialConfig struct {
	BaudRate     int           `mapstructure:"baud_rate" yaml:"baud_rate"`
	Parity       string        `mapstructure:"parity" yaml:"parity"`
	StopBits     string        `mapstructure:"stop_bits" yaml:"stop_bits"`
	Handshake    string        `mapstructure:"handshake" yaml:"handshake"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"` // unsupported by serial ports; 0 = unset
}

// PipeConfig names the named-pipe pair used to reach a simulator.
type PipeConfig struct {
	Name        string        `mapstructure:"name" yaml:"name"`
	Server      bool          `mapstructure:"server" yaml:"server"` // create the pipes rather than open existing ones
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
}

type ProtocolConfig struct {
	Retry     protocol.RetryPolicy `mapstructure:"retry" yaml:"retry"`
	ChunkSize int                  `mapstructure:"chunk_size" yaml:"chunk_size"`
}

type WatchConfig struct {
	Mode     string        `mapstructure:"mode" yaml:"mode"` // poll, dev, feed
	VID      string        `mapstructure:"vid" yaml:"vid"`
	PID      string        `mapstructure:"pid" yaml:"pid"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	DevDir   string        `mapstructure:"dev_dir" yaml:"dev_dir"`
	FeedURL  string        `mapstructure:"feed_url" yaml:"feed_url"`
}

type HealthConfig struct {
	Address string `mapstructure:"address" yaml:"address"` // empty disables the health server
}

type LogConfig struct {
	File  string `mapstructure:"file" yaml:"file"`
	Trace string `mapstructure:"trace" yaml:"trace"` // directory for per-connection trace logs
}

func setDefaults(v *viper.Viper) {
	retry := protocol.DefaultRetryPolicy()

	v.SetDefault("serial.baud_rate", 2000000)
	v.SetDefault("serial.parity", "none")
	v.SetDefault("serial.stop_bits", "1")
	v.SetDefault("serial.handshake", "requesttosend")
	v.SetDefault("serial.read_timeout", time.Second)
	v.SetDefault("serial.write_timeout", 0)

	v.SetDefault("pipe.name", "")
	v.SetDefault("pipe.server", false)
	v.SetDefault("pipe.read_timeout", time.Second)

	v.SetDefault("protocol.retry.attempts", retry.Attempts)
	v.SetDefault("protocol.retry.backoff.initial", retry.Backoff.Initial)
	v.SetDefault("protocol.retry.backoff.max", retry.Backoff.Max)
	v.SetDefault("protocol.retry.backoff.multiplier", retry.Backoff.Multiplier)
	v.SetDefault("protocol.retry.backoff.jitter", retry.Backoff.Jitter)
	v.SetDefault("protocol.chunk_size", 1024)

	v.SetDefault("watch.mode", WatchPoll)
	v.SetDefault("watch.vid", DefaultVID)
	v.SetDefault("watch.pid", DefaultPID)
	v.SetDefault("watch.interval", watcher.DefaultInterval)
	v.SetDefault("watch.dev_dir", "/dev")
	v.SetDefault("watch.feed_url", "")

	v.SetDefault("health.address", "")

	v.SetDefault("log.file", "")
	v.SetDefault("log.trace", "")
}

// LoadConfig loads configuration from file. With an empty configFile the usual
// locations are searched and a missing file leaves the defaults in place.
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("ltoflash")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/ltoflash/")
		v.AddConfigPath("$HOME/.ltoflash")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("LTO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	if err := config.fixup(); err != nil {
		return nil, err
	}
	return &config, nil
}

// fixup normalises names and validates what the connections would reject later.
func (c *Config) fixup() error {
	c.Serial.Parity = strings.ToLower(c.Serial.Parity)
	c.Serial.Handshake = strings.ToLower(c.Serial.Handshake)
	c.Watch.Mode = strings.ToLower(c.Watch.Mode)
	c.Watch.VID = strings.ToUpper(c.Watch.VID)
	c.Watch.PID = strings.ToUpper(c.Watch.PID)

	if c.Serial.BaudRate <= 0 {
		return fmt.Errorf("%w: serial.baud_rate %d", ErrInvalid, c.Serial.BaudRate)
	}
	if _, err := connection.ParseParity(c.Serial.Parity); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := connection.ParseStopBits(c.Serial.StopBits); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := connection.ParseHandshake(c.Serial.Handshake); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Protocol.Retry.Attempts < 1 {
		c.Protocol.Retry.Attempts = 1
	}
	if c.Protocol.ChunkSize <= 0 {
		c.Protocol.ChunkSize = 1024
	}
	if c.Protocol.ChunkSize > protocol.MaxPayloadSize {
		return fmt.Errorf("%w: protocol.chunk_size %d exceeds %d", ErrInvalid, c.Protocol.ChunkSize, protocol.MaxPayloadSize)
	}

	switch c.Watch.Mode {
	case WatchPoll, WatchDev:
	case WatchFeed:
		if c.Watch.FeedURL == "" {
			return fmt.Errorf("%w: watch.feed_url is required in feed mode", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: watch.mode %q", ErrInvalid, c.Watch.Mode)
	}
	return nil
}

// SerialOptions returns the options every serial connection is configured with.
func (c *Config) SerialOptions() connection.Options {
	opts := connection.Options{
		connection.BaudRateKey:    c.Serial.BaudRate,
		connection.ReadTimeoutKey: int(c.Serial.ReadTimeout / time.Millisecond),
		connection.ParityKey:      c.Serial.Parity,
		connection.StopBitsKey:    c.Serial.StopBits,
		connection.HandshakeKey:   c.Serial.Handshake,
	}
	if c.Serial.WriteTimeout > 0 {
		opts[connection.WriteTimeoutKey] = int(c.Serial.WriteTimeout / time.Millisecond)
	}
	return opts
}

// PipeOptions returns the options for named-pipe connections. In the server role
// the connection creates its pipes before opening them.
func (c *Config) PipeOptions() connection.Options {
	opts := connection.Options{
		connection.ReadTimeoutKey: int(c.Pipe.ReadTimeout / time.Millisecond),
	}
	if c.Pipe.Server {
		opts[connection.PreOpenPortKey] = func(*connection.NamedPipeConnection) bool { return true }
	}
	return opts
}

// ConnectionOptions maps each transport to its options, as the monitor takes them.
func (c *Config) ConnectionOptions() map[connection.Type]connection.Options {
	return map[connection.Type]connection.Options{
		connection.Serial:    c.SerialOptions(),
		connection.NamedPipe: c.PipeOptions(),
	}
}

// Write dumps the effective configuration as YAML.
func (c *Config) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return enc.Close()
}
