package observe

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogConfig selects the process-wide logger.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error". Default: "info".
	Level string

	// Format is "text" or "json". Default: "text".
	Format string

	// Output receives log records. Default: os.Stderr.
	Output io.Writer

	// LevelVar, when set, is set to Level and used as the handler level so
	// the level can be changed while the process runs.
	LevelVar *slog.LevelVar
}

// ParseLevel maps a config level name to a [slog.Level].
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("observe: unknown log level %q", s)
	}
}

// InitLogging installs a logger built from cfg as the [slog] default. The
// returned shutdown restores the logger that was the default before the call.
func InitLogging(cfg LogConfig) (shutdown func(), err error) {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if cfg.LevelVar != nil {
		cfg.LevelVar.Set(lvl)
		opts.Level = cfg.LevelVar
	}

	var h slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		h = slog.NewTextHandler(out, opts)
	case "json":
		h = slog.NewJSONHandler(out, opts)
	default:
		return nil, fmt.Errorf("observe: unknown log format %q", cfg.Format)
	}

	prev := slog.Default()
	slog.SetDefault(slog.New(h))
	return func() { slog.SetDefault(prev) }, nil
}
