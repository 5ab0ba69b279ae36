// Package params provides the key/value parameter store consulted when a
// request starts (language, audio format, voice activity detection mode and
// similar per-request settings).
//
// Pipeline stages only read the store; the client's public configuration
// calls and the config file watcher write it. Values are strings; typed
// getters parse on read and fall back to the supplied default when a value
// is missing or malformed.
package params

import (
	"fmt"
	"io"
	"maps"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Store is a thread-safe parameter map. The zero value is ready to use.
type Store struct {
	mu sync.RWMutex
	m  map[string]string
}

// New returns a store pre-filled with initial.
func New(initial map[string]string) *Store {
	s := &Store{}
	s.Replace(initial)
	return s
}

// Get returns the value for key, or def when unset.
func (s *Store) Get(key, def string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.m[key]; ok {
		return v
	}
	return def
}

// Lookup returns the value for key and whether it is set.
func (s *Store) Lookup(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	return v, ok
}

// Set stores value under key. An empty value deletes the key.
func (s *Store) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == "" {
		delete(s.m, key)
		return
	}
	if s.m == nil {
		s.m = make(map[string]string)
	}
	s.m[key] = value
}

// Int returns key parsed as an integer, or def.
func (s *Store) Int(key string, def int) int {
	v, ok := s.Lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Bool returns key parsed with [strconv.ParseBool], or def.
func (s *Store) Bool(key string, def bool) bool {
	v, ok := s.Lookup(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Duration returns key parsed with [time.ParseDuration], or def.
func (s *Store) Duration(key string, def time.Duration) time.Duration {
	v, ok := s.Lookup(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// Snapshot returns a copy of all parameters.
func (s *Store) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.m)
}

// Merge returns a snapshot with overrides applied on top. Empty override
// values remove the key.
func (s *Store) Merge(overrides map[string]string) map[string]string {
	out := s.Snapshot()
	if out == nil {
		out = make(map[string]string, len(overrides))
	}
	for k, v := range overrides {
		if v == "" {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// Replace swaps the whole parameter set for m.
func (s *Store) Replace(m map[string]string) {
	next := make(map[string]string, len(m))
	for k, v := range m {
		if v != "" {
			next[k] = v
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = next
}

// Len returns the number of parameters.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

// LoadYAML replaces the parameter set with the flat YAML mapping read from r.
// Scalar values of any type are stored in their YAML text form.
func (s *Store) LoadYAML(r io.Reader) error {
	var raw map[string]yaml.Node
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil && err != io.EOF {
		return fmt.Errorf("params: decode yaml: %w", err)
	}
	m := make(map[string]string, len(raw))
	for k, n := range raw {
		if n.Kind != yaml.ScalarNode {
			return fmt.Errorf("params: key %q: value must be a scalar", k)
		}
		m[k] = n.Value
	}
	s.Replace(m)
	return nil
}
