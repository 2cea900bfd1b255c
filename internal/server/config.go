// Package server provides configuration helpers that define runtime defaults,
// validation, and moderation parameters for the relay.
package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/Tyrowin/gorelay/internal/logging"
)

const (
	defaultListenAddr    = "0.0.0.0:8000"
	defaultHTTPAddr      = ":8080"
	defaultMaxFrameSize  = 4096
	defaultBanDuration   = 10 * time.Minute
	defaultMessageRate   = time.Second
	defaultStrikeLimit   = 10
	defaultReadChunk     = 64
	defaultSendQueueSize = 256
	defaultWriteTimeout  = 10 * time.Second
	defaultConnectRate   = 5
	defaultConnectBurst  = 10
)

var errUnsupportedConfig = errors.New("unsupported config file extension")

// Policy holds the moderation parameters enforced by the hub.
type Policy struct {
	BanDuration time.Duration `toml:"ban_duration" yaml:"ban_duration"`
	MessageRate time.Duration `toml:"message_rate" yaml:"message_rate"`
	StrikeLimit int           `toml:"strike_limit" yaml:"strike_limit"`
	ReadChunk   int           `toml:"read_chunk" yaml:"read_chunk"`
	// RefreshLastMessage updates a peer's last message time on every processed
	// message. When false the time is only set at connect.
	RefreshLastMessage bool          `toml:"refresh_last_message" yaml:"refresh_last_message"`
	SendQueueSize      int           `toml:"send_queue_size" yaml:"send_queue_size"`
	WriteTimeout       time.Duration `toml:"write_timeout" yaml:"write_timeout"`
}

// ConnectLimitConfig defines per-IP connection admission throttling.
// A non-positive Rate disables throttling.
type ConnectLimitConfig struct {
	Rate  float64 `toml:"rate" yaml:"rate"`
	Burst int     `toml:"burst" yaml:"burst"`
}

// Config holds the relay configuration.
type Config struct {
	ListenAddr     string             `toml:"listen_addr" yaml:"listen_addr"`
	HTTPAddr       string             `toml:"http_addr" yaml:"http_addr"`
	AllowedOrigins []string           `toml:"allowed_origins" yaml:"allowed_origins"`
	MaxFrameSize   int64              `toml:"max_frame_size" yaml:"max_frame_size"`
	Policy         Policy             `toml:"policy" yaml:"policy"`
	ConnectLimit   ConnectLimitConfig `toml:"connect_limit" yaml:"connect_limit"`
	Log            logging.Options    `toml:"log" yaml:"log"`
}

// DefaultPolicy returns the reference moderation policy.
func DefaultPolicy() Policy {
	return Policy{
		BanDuration:   defaultBanDuration,
		MessageRate:   defaultMessageRate,
		StrikeLimit:   defaultStrikeLimit,
		ReadChunk:     defaultReadChunk,
		SendQueueSize: defaultSendQueueSize,
		WriteTimeout:  defaultWriteTimeout,
	}
}

func defaultConfig() Config {
	return Config{
		ListenAddr: defaultListenAddr,
		HTTPAddr:   defaultHTTPAddr,
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxFrameSize: defaultMaxFrameSize,
		Policy:       DefaultPolicy(),
		ConnectLimit: ConnectLimitConfig{
			Rate:  defaultConnectRate,
			Burst: defaultConnectBurst,
		},
		Log: logging.DefaultOptions(),
	}
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config from defaults overridden by environment variables.
func NewConfigFromEnv() *Config {
	cfg := NewConfig()
	ApplyEnv(cfg)
	return cfg
}

// LoadConfig reads a TOML or YAML file on top of the defaults. An empty path
// returns the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := NewConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("%w: %s", errUnsupportedConfig, path)
	}

	sanitized := sanitizeConfig(*cfg)
	return &sanitized, nil
}

// ApplyEnv overrides cfg with any relay environment variables that are set.
func ApplyEnv(cfg *Config) {
	applyEnv(cfg, os.Getenv)
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if addr := getenv("RELAY_LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}

	// An explicit "off" disables the HTTP side entirely.
	if addr := getenv("RELAY_HTTP_ADDR"); addr != "" {
		if strings.EqualFold(addr, "off") {
			cfg.HTTPAddr = ""
		} else {
			cfg.HTTPAddr = addr
		}
	}

	if origins := getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	if maxSize := getenv("MAX_FRAME_SIZE"); maxSize != "" {
		cfg.MaxFrameSize = parseMaxFrameSize(maxSize, cfg.MaxFrameSize)
	}

	if ban := getenv("RELAY_BAN_DURATION"); ban != "" {
		cfg.Policy.BanDuration = parseDuration(ban, cfg.Policy.BanDuration)
	}

	if rate := getenv("RELAY_MESSAGE_RATE"); rate != "" {
		cfg.Policy.MessageRate = parseDuration(rate, cfg.Policy.MessageRate)
	}

	if limit := getenv("RELAY_STRIKE_LIMIT"); limit != "" {
		cfg.Policy.StrikeLimit = parseIntValue(limit, cfg.Policy.StrikeLimit)
	}

	if chunk := getenv("RELAY_READ_CHUNK"); chunk != "" {
		cfg.Policy.ReadChunk = parseIntValue(chunk, cfg.Policy.ReadChunk)
	}

	if refresh := getenv("RELAY_REFRESH_LAST_MESSAGE"); refresh != "" {
		if parsed, err := strconv.ParseBool(refresh); err == nil {
			cfg.Policy.RefreshLastMessage = parsed
		}
	}
}

// Sanitized returns a copy of cfg with non-positive values replaced by defaults.
func (cfg Config) Sanitized() Config {
	return sanitizeConfig(cfg)
}

func sanitizeConfig(cfg Config) Config {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}

	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = defaultMaxFrameSize
	}

	cfg.Policy = sanitizePolicy(cfg.Policy)

	if cfg.ConnectLimit.Rate > 0 && cfg.ConnectLimit.Burst <= 0 {
		cfg.ConnectLimit.Burst = defaultConnectBurst
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

func sanitizePolicy(p Policy) Policy {
	if p.BanDuration <= 0 {
		p.BanDuration = defaultBanDuration
	}

	if p.MessageRate <= 0 {
		p.MessageRate = defaultMessageRate
	}

	if p.StrikeLimit <= 0 {
		p.StrikeLimit = defaultStrikeLimit
	}

	if p.ReadChunk <= 0 {
		p.ReadChunk = defaultReadChunk
	}

	if p.SendQueueSize <= 0 {
		p.SendQueueSize = defaultSendQueueSize
	}

	if p.WriteTimeout <= 0 {
		p.WriteTimeout = defaultWriteTimeout
	}
	return p
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxFrameSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseDuration accepts Go duration strings ("90s", "10m") or whole seconds.
func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
