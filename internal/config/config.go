// Package config provides the configuration schema, loader, watcher and
// transport registry for the speechmux client.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the log handler.
type LogFormat string

const (
	FormatText LogFormat = "text"
	FormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == FormatText || f == FormatJSON
}

// Service names a remote service of the speech platform.
type Service string

const (
	ServiceASR    Service = "asr"
	ServiceTTS    Service = "tts"
	ServiceNLP    Service = "nlp"
	ServiceSpeech Service = "speech"
)

// IsValid reports whether s is a recognised service.
func (s Service) IsValid() bool {
	switch s {
	case ServiceASR, ServiceTTS, ServiceNLP, ServiceSpeech:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Connection ConnectionConfig  `yaml:"connection"`
	Pipeline   PipelineConfig    `yaml:"pipeline"`
	Params     map[string]string `yaml:"params"`
}

// ServerConfig holds logging and the optional HTTP endpoint for metrics and
// health probes.
type ServerConfig struct {
	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat is "text" or "json".
	LogFormat LogFormat `yaml:"log_format"`

	// ListenAddr serves /metrics, /healthz and /readyz (e.g. ":9090").
	// Empty disables the HTTP endpoint.
	ListenAddr string `yaml:"listen_addr"`
}

// ConnectionConfig describes how the client reaches the platform.
type ConnectionConfig struct {
	// URLs lists the endpoints in failover order. The URL scheme selects the
	// transport registered in the [Registry].
	URLs []string `yaml:"urls"`

	// Service selects the remote service.
	Service Service `yaml:"service"`

	// Codec names the frame codec, "json" or "sonic".
	Codec string `yaml:"codec"`

	// Headers are sent with every connection handshake.
	Headers map[string]string `yaml:"headers"`

	DialTimeout       time.Duration `yaml:"dial_timeout"`
	PingTimeout       time.Duration `yaml:"ping_timeout"`
	SendTimeout       time.Duration `yaml:"send_timeout"`
	RecvTimeout       time.Duration `yaml:"recv_timeout"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`

	// MaxFrameBytes caps the audio payload of one frame.
	MaxFrameBytes int `yaml:"max_frame_bytes"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the per-endpoint circuit breaker.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// PipelineConfig tunes the worker pipeline.
type PipelineConfig struct {
	// RetryDelay is the back-off of a worker after a failed stage.
	RetryDelay time.Duration `yaml:"retry_delay"`
}
