package config

import (
	"os"
	"strconv"
	"sync"
)

// Settings is the read-only key-value lookup the core hands to its
// collaborators. Values come from the host environment with an
// in-process override map layered on top (used by tests).
type Settings struct {
	mu        sync.RWMutex
	overrides map[string]string
}

// NewSettings returns an empty Settings view over the environment.
func NewSettings() *Settings {
	return &Settings{overrides: make(map[string]string)}
}

// Get returns the value for key, or def when unset.
func (s *Settings) Get(key, def string) string {
	s.mu.RLock()
	v, ok := s.overrides[key]
	s.mu.RUnlock()
	if ok {
		return v
	}
	if v := os.Getenv("NF_SETTING_" + key); v != "" {
		return v
	}
	return def
}

// GetBool returns the boolean value for key, or def when unset or
// unparseable.
func (s *Settings) GetBool(key string, def bool) bool {
	v := s.Get(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// GetInt returns the integer value for key, or def when unset or
// unparseable.
func (s *Settings) GetInt(key string, def int) int {
	v := s.Get(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Set installs an override. Overrides win over the environment.
func (s *Settings) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[key] = value
}
