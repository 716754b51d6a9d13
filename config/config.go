// Package config loads relay settings from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/opd-ai/ecprelay/av/audio"
	"github.com/opd-ai/ecprelay/ecp"
	"github.com/opd-ai/ecprelay/relay"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig indicates a configuration value out of range.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the full application configuration.
type Config struct {
	Device  DeviceConfig  `yaml:"device,omitempty"`
	Network NetworkConfig `yaml:"network,omitempty"`
	Audio   AudioConfig   `yaml:"audio,omitempty"`
	Timing  TimingConfig  `yaml:"timing,omitempty"`
	RTCP    RTCPConfig    `yaml:"rtcp,omitempty"`
	ECP     ECPConfig     `yaml:"ecp,omitempty"`
	Logging LoggingConfig `yaml:"logging,omitempty"`
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
}

// DeviceConfig names the device to relay from.
type DeviceConfig struct {
	// Location is the device base URL, e.g. http://192.168.1.20:8060/.
	Location string `yaml:"location,omitempty"`
	// ControlPort is the device RTCP port. 0 asks the device.
	ControlPort uint16 `yaml:"control_port,omitempty"`
}

type NetworkConfig struct {
	RTPAddr            string `yaml:"rtp_addr,omitempty"`
	RTCPAddr           string `yaml:"rtcp_addr,omitempty"`
	DefaultControlPort uint16 `yaml:"default_control_port,omitempty"`
}

type AudioConfig struct {
	PayloadType    uint8         `yaml:"payload_type,omitempty"`
	SampleRate     int           `yaml:"sample_rate,omitempty"`
	Channels       int           `yaml:"channels,omitempty"`
	PacketDuration time.Duration `yaml:"packet_duration,omitempty"`
	Gain           float64       `yaml:"gain,omitempty"`
	// OutputLatency is the assumed latency of the output device.
	OutputLatency time.Duration `yaml:"output_latency,omitempty"`
}

type TimingConfig struct {
	RequestedDelay time.Duration `yaml:"requested_delay,omitempty"`
	BufferDelay    time.Duration `yaml:"buffer_delay,omitempty"`
	BaseTransit    time.Duration `yaml:"base_transit,omitempty"`
	WarmupPackets  int           `yaml:"warmup_packets,omitempty"`
	SyncInterval   time.Duration `yaml:"sync_interval,omitempty"`
}

type RTCPConfig struct {
	ClientVersion     uint32        `yaml:"client_version,omitempty"`
	HandshakeRetry    time.Duration `yaml:"handshake_retry,omitempty"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval,omitempty"`
}

type ECPConfig struct {
	CommandTimeout time.Duration `yaml:"command_timeout,omitempty"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout,omitempty"`
	RetryPause     time.Duration `yaml:"retry_pause,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level,omitempty"`
	JSON  bool   `yaml:"json,omitempty"`
}

type MetricsConfig struct {
	// Listen is the address serving /metrics, e.g. ":9090". Empty disables it.
	Listen string `yaml:"listen,omitempty"`
}

// Default returns the configuration matching the device firmware defaults.
func Default() *Config {
	r := relay.DefaultConfig()
	return &Config{
		Network: NetworkConfig{
			RTPAddr:            r.LocalRTPAddr,
			RTCPAddr:           r.LocalRTCPAddr,
			DefaultControlPort: r.DefaultControlPort,
		},
		Audio: AudioConfig{
			PayloadType:    r.PayloadType,
			SampleRate:     r.Format.SampleRate,
			Channels:       r.Format.Channels,
			PacketDuration: r.Format.FrameDuration,
			Gain:           r.Gain,
		},
		Timing: TimingConfig{
			RequestedDelay: r.RequestedDelay,
			BufferDelay:    r.BufferDelay,
			BaseTransit:    r.BaseTransit,
			WarmupPackets:  r.WarmupPackets,
			SyncInterval:   r.SyncInterval,
		},
		RTCP: RTCPConfig{
			ClientVersion:     r.ClientVersion,
			HandshakeRetry:    r.HandshakeRetry,
			HeartbeatInterval: r.HeartbeatInterval,
		},
		ECP: ECPConfig{
			CommandTimeout: ecp.DefaultCommandTimeout,
			ProbeTimeout:   ecp.DefaultProbeTimeout,
			RetryPause:     ecp.DefaultRetryPause,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Load",
		"path":     path,
	}).Debug("Configuration loaded")
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects zero or negative values where the relay needs a
// positive one.
func (c *Config) Validate() error {
	var problems []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Errorf(format, args...))
		}
	}

	check(c.Network.RTPAddr != "", "network.rtp_addr is empty")
	check(c.Network.RTCPAddr != "", "network.rtcp_addr is empty")
	check(c.Network.DefaultControlPort != 0, "network.default_control_port is 0")
	check(c.Audio.PayloadType <= 127, "audio.payload_type %d exceeds 127", c.Audio.PayloadType)
	check(c.Audio.Gain > 0 && c.Audio.Gain <= audio.MaxGain, "audio.gain %.2f outside (0, %.1f]", c.Audio.Gain, audio.MaxGain)
	check(c.Audio.OutputLatency >= 0, "audio.output_latency is negative")
	if err := c.Format().Validate(); err != nil {
		problems = append(problems, fmt.Errorf("audio: %v", err))
	}
	check(c.Timing.RequestedDelay > 0, "timing.requested_delay must be positive")
	check(c.Timing.BufferDelay > 0, "timing.buffer_delay must be positive")
	check(c.Timing.BaseTransit >= 0, "timing.base_transit is negative")
	check(c.Timing.BufferDelay+c.Timing.BaseTransit <= c.Timing.RequestedDelay,
		"timing.buffer_delay plus base_transit exceeds requested_delay")
	check(c.Timing.WarmupPackets >= 0, "timing.warmup_packets is negative")
	check(c.Timing.SyncInterval > 0, "timing.sync_interval must be positive")
	check(c.RTCP.ClientVersion > 0, "rtcp.client_version must be positive")
	check(c.RTCP.HandshakeRetry > 0, "rtcp.handshake_retry must be positive")
	check(c.RTCP.HeartbeatInterval > 0, "rtcp.heartbeat_interval must be positive")
	check(c.ECP.CommandTimeout > 0, "ecp.command_timeout must be positive")
	check(c.ECP.ProbeTimeout > 0, "ecp.probe_timeout must be positive")
	check(c.ECP.RetryPause > 0, "ecp.retry_pause must be positive")
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		problems = append(problems, fmt.Errorf("logging.level: %v", err))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(problems...))
	}
	return nil
}

// Format is the audio packet layout.
func (c *Config) Format() audio.Format {
	return audio.Format{
		SampleRate:    c.Audio.SampleRate,
		Channels:      c.Audio.Channels,
		FrameDuration: c.Audio.PacketDuration,
	}
}

// Relay converts the configuration for relay.New.
func (c *Config) Relay() relay.Config {
	return relay.Config{
		LocalRTPAddr:       c.Network.RTPAddr,
		LocalRTCPAddr:      c.Network.RTCPAddr,
		DefaultControlPort: c.Network.DefaultControlPort,
		PayloadType:        c.Audio.PayloadType,
		Format:             c.Format(),
		RequestedDelay:     c.Timing.RequestedDelay,
		BufferDelay:        c.Timing.BufferDelay,
		BaseTransit:        c.Timing.BaseTransit,
		WarmupPackets:      c.Timing.WarmupPackets,
		ClientVersion:      c.RTCP.ClientVersion,
		HandshakeRetry:     c.RTCP.HandshakeRetry,
		HeartbeatInterval:  c.RTCP.HeartbeatInterval,
		SyncInterval:       c.Timing.SyncInterval,
		Gain:               c.Audio.Gain,
	}
}

// Session converts the configuration for ecp.NewSession.
func (c *Config) Session() ecp.SessionConfig {
	return ecp.SessionConfig{
		CommandTimeout: c.ECP.CommandTimeout,
		ProbeTimeout:   c.ECP.ProbeTimeout,
		RetryPause:     c.ECP.RetryPause,
	}
}

// ControlPort returns the configured device RTCP port, or nil to look it up.
func (c *Config) ControlPort() *uint16 {
	if c.Device.ControlPort == 0 {
		return nil
	}
	p := c.Device.ControlPort
	return &p
}

// ConfigureLogging applies the logging section to the standard logrus
// logger.
func (c *Config) ConfigureLogging() error {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		return fmt.Errorf("%w: logging.level: %v", ErrInvalidConfig, err)
	}
	logrus.SetLevel(level)
	if c.Logging.JSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
