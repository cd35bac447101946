package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"UDPulse/internal/protocol"
	"UDPulse/internal/record"
)

// maxUDPPayload is the largest datagram an IPv4 UDP socket can carry.
const maxUDPPayload = 65507

// OriginatorConfig drives the paced sending side.
type OriginatorConfig struct {
	ServerAddr     string  `yaml:"server_addr"`
	Flows          int     `yaml:"flows"`
	Duration       string  `yaml:"duration"`
	BitrateMbps    float64 `yaml:"bitrate_mbps"`
	PacketSize     int     `yaml:"packet_size"`
	EvictionWindow string  `yaml:"eviction_window"`
	MaxBurst       int     `yaml:"max_burst"`
	SendLogPath    string  `yaml:"send_log"`
	ReceiveLogPath string  `yaml:"receive_log"`

	// Parsed by Validate.
	ParsedDuration       time.Duration `yaml:"-"`
	ParsedEvictionWindow time.Duration `yaml:"-"`
}

// ResponderConfig drives the echoing side.
type ResponderConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	LogPath    string `yaml:"log"`
}

// StatsConfig controls the periodic live report.
type StatsConfig struct {
	Interval string `yaml:"interval"`

	ParsedInterval time.Duration `yaml:"-"`
}

// LiveConfig enables publishing stats snapshots to NATS.
type LiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

// MetricsConfig enables the Prometheus endpoint on the engine.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// APIConfig configures the HTTP query service (cmd/up-api).
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// EngineConfig holds knobs shared by both roles.
type EngineConfig struct {
	MaxConsecutiveSendErrors int `yaml:"max_consecutive_send_errors"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Role       string                  `yaml:"role"`
	Originator OriginatorConfig        `yaml:"originator"`
	Responder  ResponderConfig         `yaml:"responder"`
	Stats      StatsConfig             `yaml:"stats"`
	Live       LiveConfig              `yaml:"live"`
	ClickHouse record.ClickHouseConfig `yaml:"clickhouse"`
	Metrics    MetricsConfig           `yaml:"metrics"`
	API        APIConfig               `yaml:"api"`
	Engine     EngineConfig            `yaml:"engine"`
}

// LoadConfig reads the configuration from a YAML file, validates it, and
// returns a Config struct.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that must never start a flow and resolves
// the string durations. It runs before any socket is opened.
func (c *Config) Validate() error {
	switch c.Role {
	case "originator":
		if err := c.validateOriginator(); err != nil {
			return err
		}
	case "responder":
		if c.Responder.ListenAddr == "" {
			return fmt.Errorf("responder requires a listen_addr")
		}
	case "":
		return fmt.Errorf("role must be set to originator or responder")
	default:
		return fmt.Errorf("unknown role %q, want originator or responder", c.Role)
	}

	if c.Stats.Interval == "" {
		c.Stats.ParsedInterval = 5 * time.Second
	} else {
		interval, err := time.ParseDuration(c.Stats.Interval)
		if err != nil {
			return fmt.Errorf("invalid stats interval: %w", err)
		}
		if interval <= 0 {
			return fmt.Errorf("stats interval must be positive, got %s", interval)
		}
		c.Stats.ParsedInterval = interval
	}
	return nil
}

func (c *Config) validateOriginator() error {
	o := &c.Originator

	if o.ServerAddr == "" {
		return fmt.Errorf("originator requires a server_addr")
	}
	if o.Flows <= 0 {
		return fmt.Errorf("flow count must be positive, got %d", o.Flows)
	}
	if o.BitrateMbps <= 0 {
		return fmt.Errorf("bitrate must be positive, got %f Mbps", o.BitrateMbps)
	}
	if o.PacketSize < protocol.MinPacketSize {
		return fmt.Errorf("packet size %d is smaller than the %d-byte header",
			o.PacketSize, protocol.MinPacketSize)
	}
	if o.PacketSize > maxUDPPayload {
		return fmt.Errorf("packet size %d exceeds the maximum UDP payload %d",
			o.PacketSize, maxUDPPayload)
	}

	duration, err := time.ParseDuration(o.Duration)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	if duration <= 0 {
		return fmt.Errorf("duration must be positive, got %s", duration)
	}
	o.ParsedDuration = duration

	if o.EvictionWindow != "" {
		window, err := time.ParseDuration(o.EvictionWindow)
		if err != nil {
			return fmt.Errorf("invalid eviction window: %w", err)
		}
		if window <= 0 {
			return fmt.Errorf("eviction window must be positive, got %s", window)
		}
		o.ParsedEvictionWindow = window
	}
	return nil
}

// BitrateBps returns the per-flow target bitrate in bits per second.
func (o *OriginatorConfig) BitrateBps() float64 {
	return o.BitrateMbps * 1e6
}
