// Package zone implements the workspace access policy applied inline to
// filesystem requests emitted by the agent. A policy is two lists of
// glob patterns; denied patterns always win.
package zone

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Config is a glob-based allow/deny policy.
type Config struct {
	// Allowed patterns, e.g. ["src/ui/**", "shared/**"].
	Allowed []string `yaml:"allowed" json:"allowed"`
	// Denied patterns, e.g. ["**/.env"]. Deny wins over allow.
	Denied []string `yaml:"denied" json:"denied"`
}

// New builds a policy from allow patterns only.
func New(allowed ...string) *Config {
	return &Config{Allowed: allowed}
}

// Load reads a policy from a YAML file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read zone config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse zone config %s: %w", path, err)
	}
	return &cfg, nil
}

// IsAllowed reports whether path is permitted: it must match at least
// one allowed pattern and no denied pattern. An empty allow list denies
// everything. Leading slashes on patterns and paths are stripped before
// matching.
func (c *Config) IsAllowed(path string) bool {
	normalized := strings.TrimPrefix(path, "/")

	for _, pattern := range c.Denied {
		if globMatch(strings.TrimPrefix(pattern, "/"), normalized) {
			return false
		}
	}
	for _, pattern := range c.Allowed {
		if globMatch(strings.TrimPrefix(pattern, "/"), normalized) {
			return true
		}
	}
	return false
}

// globMatch matches a path against a pattern where "**" spans any number
// of segments and "*" wildcards within one segment. No character classes.
func globMatch(pattern, path string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(path, "/"))
}

func matchSegments(pattern, path []string) bool {
	if len(pattern) == 0 {
		return len(path) == 0
	}

	if pattern[0] == "**" {
		// "**" matches zero or more path segments.
		for i := 0; i <= len(path); i++ {
			if matchSegments(pattern[1:], path[i:]) {
				return true
			}
		}
		return false
	}

	if len(path) == 0 {
		return false
	}
	if !segmentMatch(pattern[0], path[0]) {
		return false
	}
	return matchSegments(pattern[1:], path[1:])
}

// segmentMatch matches one path segment, with "*" matching any substring.
// Multiple stars match their literal parts in order, anchored at the
// start and end unless the pattern begins or ends with a star.
func segmentMatch(pattern, segment string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return pattern == segment
	}

	parts := strings.Split(pattern, "*")
	last := len(parts) - 1
	pos := 0
	for i, part := range parts {
		if part == "" {
			continue
		}
		if i == last {
			// End-anchored: the final literal must be the segment's suffix.
			if !strings.HasSuffix(segment[pos:], part) {
				return false
			}
			pos = len(segment)
			break
		}
		found := strings.Index(segment[pos:], part)
		if found < 0 {
			return false
		}
		if i == 0 && found != 0 {
			return false
		}
		pos += found + len(part)
	}
	if !strings.HasSuffix(pattern, "*") {
		return pos == len(segment)
	}
	return true
}

// Store holds the active policy for the proxy. nil means no enforcement.
// Swapped atomically so the watcher can reload without pausing the
// downstream task.
type Store struct {
	cfg atomic.Pointer[Config]
}

// NewStore wraps an initial policy (nil for no enforcement).
func NewStore(cfg *Config) *Store {
	s := &Store{}
	if cfg != nil {
		s.cfg.Store(cfg)
	}
	return s
}

// Active returns the current policy, or nil when enforcement is off.
func (s *Store) Active() *Config {
	return s.cfg.Load()
}

// Swap installs a new policy.
func (s *Store) Swap(cfg *Config) {
	s.cfg.Store(cfg)
}
