package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultCodec             = "json"
	DefaultDialTimeout       = 10 * time.Second
	DefaultPingTimeout       = 5 * time.Second
	DefaultSendTimeout       = 5 * time.Second
	DefaultRecvTimeout       = time.Second
	DefaultKeepaliveInterval = 10 * time.Second
	DefaultMaxFrameBytes     = 32 << 10
	DefaultRetryDelay        = 20 * time.Millisecond
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = FormatText
	}

	c := &cfg.Connection
	if c.Service == "" {
		c.Service = ServiceASR
	}
	if c.Codec == "" {
		c.Codec = DefaultCodec
	}
	setDuration(&c.DialTimeout, DefaultDialTimeout)
	setDuration(&c.PingTimeout, DefaultPingTimeout)
	setDuration(&c.SendTimeout, DefaultSendTimeout)
	setDuration(&c.RecvTimeout, DefaultRecvTimeout)
	setDuration(&c.KeepaliveInterval, DefaultKeepaliveInterval)
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if c.Breaker.MaxFailures == 0 {
		c.Breaker.MaxFailures = 5
	}
	setDuration(&c.Breaker.ResetTimeout, 30*time.Second)
	if c.Breaker.HalfOpenMax == 0 {
		c.Breaker.HalfOpenMax = 1
	}

	setDuration(&cfg.Pipeline.RetryDelay, DefaultRetryDelay)
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}

	// Connection
	c := cfg.Connection
	if len(c.URLs) == 0 {
		errs = append(errs, errors.New("connection.urls must list at least one endpoint"))
	}
	seen := make(map[string]int, len(c.URLs))
	for i, raw := range c.URLs {
		prefix := fmt.Sprintf("connection.urls[%d]", i)
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s %q is not an absolute URL", prefix, raw))
			continue
		}
		if prev, ok := seen[raw]; ok {
			errs = append(errs, fmt.Errorf("%s %q is a duplicate of connection.urls[%d]", prefix, raw, prev))
		}
		seen[raw] = i
	}
	if c.Service != "" && !c.Service.IsValid() {
		errs = append(errs, fmt.Errorf("connection.service %q is invalid; valid values: asr, tts, nlp, speech", c.Service))
	}
	if c.Codec != "" && c.Codec != "json" && c.Codec != "sonic" {
		errs = append(errs, fmt.Errorf("connection.codec %q is invalid; valid values: json, sonic", c.Codec))
	}
	for name, d := range map[string]time.Duration{
		"dial_timeout":          c.DialTimeout,
		"ping_timeout":          c.PingTimeout,
		"send_timeout":          c.SendTimeout,
		"recv_timeout":          c.RecvTimeout,
		"keepalive_interval":    c.KeepaliveInterval,
		"breaker.reset_timeout": c.Breaker.ResetTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("connection.%s %v must not be negative", name, d))
		}
	}
	if c.PingTimeout > 0 && c.KeepaliveInterval > 0 && c.PingTimeout > c.KeepaliveInterval {
		slog.Warn("connection.ping_timeout exceeds keepalive_interval; pings may overlap",
			"ping_timeout", c.PingTimeout, "keepalive_interval", c.KeepaliveInterval)
	}
	if c.MaxFrameBytes < 0 {
		errs = append(errs, fmt.Errorf("connection.max_frame_bytes %d must not be negative", c.MaxFrameBytes))
	}
	if c.Breaker.MaxFailures < 0 || c.Breaker.HalfOpenMax < 0 {
		errs = append(errs, errors.New("connection.breaker thresholds must not be negative"))
	}

	// Pipeline
	if cfg.Pipeline.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("pipeline.retry_delay %v must not be negative", cfg.Pipeline.RetryDelay))
	}

	// Params
	for k := range cfg.Params {
		if k == "" {
			errs = append(errs, errors.New("params contains an empty key"))
		}
	}

	return errors.Join(errs...)
}
