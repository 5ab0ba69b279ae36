package config

import (
	"maps"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are applied; everything else
// is reported through RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ParamsChanged is true when any params key was added, removed or
	// changed. Params is the update to merge into the live store: removed
	// keys map to the empty string.
	ParamsChanged bool
	Params        map[string]string

	// RestartRequired lists the sections whose changes only take effect on
	// the next start.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	update := make(map[string]string)
	for k, v := range new.Params {
		if ov, ok := old.Params[k]; !ok || ov != v {
			update[k] = v
		}
	}
	for k := range old.Params {
		if _, ok := new.Params[k]; !ok {
			update[k] = ""
		}
	}
	if len(update) > 0 {
		d.ParamsChanged = true
		d.Params = update
	}

	if old.Server.LogFormat != new.Server.LogFormat {
		d.RestartRequired = append(d.RestartRequired, "server.log_format")
	}
	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !connectionEqual(old.Connection, new.Connection) {
		d.RestartRequired = append(d.RestartRequired, "connection")
	}
	if old.Pipeline != new.Pipeline {
		d.RestartRequired = append(d.RestartRequired, "pipeline")
	}

	return d
}

func connectionEqual(a, b ConnectionConfig) bool {
	return slices.Equal(a.URLs, b.URLs) &&
		maps.Equal(a.Headers, b.Headers) &&
		a.Service == b.Service &&
		a.Codec == b.Codec &&
		a.DialTimeout == b.DialTimeout &&
		a.PingTimeout == b.PingTimeout &&
		a.SendTimeout == b.SendTimeout &&
		a.RecvTimeout == b.RecvTimeout &&
		a.KeepaliveInterval == b.KeepaliveInterval &&
		a.MaxFrameBytes == b.MaxFrameBytes &&
		a.Breaker == b.Breaker
}
