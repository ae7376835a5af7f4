// Package registry is the durable map of declared sessions: their mode,
// metadata, the providers an orchestrator aggregates, and the active
// session selection. Persisted as one JSON document, staged to a temp
// file and renamed, with a file lock so two observers sharing a state
// directory do not interleave writes.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/gofrs/flock"

	"github.com/ehrlich-b/sightline/internal/logger"
	"github.com/ehrlich-b/sightline/internal/wire"
)

const (
	defaultDirName  = ".sightline"
	defaultFileName = "sessions.json"
)

// Key identifies a session by agent instance and session ID.
type Key struct {
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id"`
}

// Model describes the LLM behind a session, free-form.
type Model struct {
	Provider string `json:"provider,omitempty"`
	Name     string `json:"name,omitempty"`
}

// Session is one registry entry.
type Session struct {
	AgentID   string           `json:"agent_id"`
	SessionID string           `json:"session_id"`
	Mode      wire.SessionMode `json:"mode"`
	Model     *Model           `json:"model,omitempty"`
	Summary   string           `json:"summary,omitempty"`
	// History and Context are opaque JSON owned by the clients.
	History []json.RawMessage `json:"history"`
	Context []json.RawMessage `json:"context"`
	// Providers lists the sessions an orchestrator aggregates.
	Providers   []Key `json:"providers"`
	CreatedAtMs int64 `json:"created_at_ms"`
	UpdatedAtMs int64 `json:"updated_at_ms"`
}

// Key returns the entry's identity.
func (s *Session) Key() Key {
	return Key{AgentID: s.AgentID, SessionID: s.SessionID}
}

// Summary is the list_sessions row.
type Summary struct {
	AgentID     string           `json:"agent_id"`
	SessionID   string           `json:"session_id"`
	Mode        wire.SessionMode `json:"mode"`
	Model       *Model           `json:"model,omitempty"`
	UpdatedAtMs int64            `json:"updated_at_ms"`
	IsActive    bool             `json:"is_active"`
}

// CreateParams carries create_session's upsert fields.
type CreateParams struct {
	AgentID   string            `json:"agent_id"`
	SessionID string            `json:"session_id"`
	Mode      wire.SessionMode  `json:"mode"`
	Model     *Model            `json:"model,omitempty"`
	Summary   string            `json:"summary,omitempty"`
	History   []json.RawMessage `json:"history,omitempty"`
	Context   []json.RawMessage `json:"context,omitempty"`
	Providers []Key             `json:"providers,omitempty"`
}

// storedRegistry is the on-disk document shape.
type storedRegistry struct {
	Active   *Key      `json:"active,omitempty"`
	Sessions []Session `json:"sessions"`
}

// Registry is the in-memory view plus its backing file.
type Registry struct {
	mu       sync.RWMutex
	path     string
	sessions map[Key]*Session
	active   *Key
}

// DefaultPath resolves the registry file location: $SIGHTLINE_DIR, then
// $HOME/.sightline, then .sightline under the working directory.
func DefaultPath() string {
	if dir := os.Getenv("SIGHTLINE_DIR"); dir != "" {
		return filepath.Join(dir, defaultFileName)
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, defaultDirName, defaultFileName)
	}
	return filepath.Join(".", defaultDirName, defaultFileName)
}

// Load reads the registry from path. A missing file is an empty
// registry; a corrupt file is logged and treated as empty.
func Load(path string) *Registry {
	r := &Registry{
		path:     path,
		sessions: make(map[Key]*Session),
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("session registry unreadable, starting empty", "path", path, "error", err)
		}
		return r
	}
	var stored storedRegistry
	if err := json.Unmarshal(raw, &stored); err != nil {
		logger.Warn("session registry corrupt, starting empty", "path", path, "error", err)
		return r
	}
	for i := range stored.Sessions {
		s := stored.Sessions[i]
		r.sessions[s.Key()] = &s
	}
	r.active = stored.Active
	return r
}

// LoadDefault loads from DefaultPath.
func LoadDefault() *Registry {
	return Load(DefaultPath())
}

// persistLocked writes the document atomically. Failures are logged,
// not returned: the in-memory mutation already happened and a later
// save retries the whole state.
func (r *Registry) persistLocked() {
	stored := storedRegistry{Active: r.active, Sessions: make([]Session, 0, len(r.sessions))}
	for _, s := range r.sessions {
		stored.Sessions = append(stored.Sessions, *s)
	}
	sort.Slice(stored.Sessions, func(i, j int) bool {
		if stored.Sessions[i].AgentID != stored.Sessions[j].AgentID {
			return stored.Sessions[i].AgentID < stored.Sessions[j].AgentID
		}
		return stored.Sessions[i].SessionID < stored.Sessions[j].SessionID
	})

	if err := writeAtomic(r.path, &stored); err != nil {
		logger.Warn("session registry save failed", "path", r.path, "error", err)
	}
}

func writeAtomic(path string, stored *storedRegistry) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock registry: %w", err)
	}
	defer lock.Unlock()

	raw, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return fmt.Errorf("write temp registry: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace registry: %w", err)
	}
	return nil
}

// List returns summaries sorted by descending update time, optionally
// filtered to one agent.
func (r *Registry) List(agentID string) []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Summary
	for _, s := range r.sessions {
		if agentID != "" && s.AgentID != agentID {
			continue
		}
		out = append(out, Summary{
			AgentID:     s.AgentID,
			SessionID:   s.SessionID,
			Mode:        s.Mode,
			Model:       s.Model,
			UpdatedAtMs: s.UpdatedAtMs,
			IsActive:    r.active != nil && *r.active == s.Key(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAtMs > out[j].UpdatedAtMs })
	return out
}

// Create upserts a session. Supplying providers forces orchestrator mode.
func (r *Registry) Create(p CreateParams) Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := Key{AgentID: p.AgentID, SessionID: p.SessionID}
	now := wire.NowMs()
	s, ok := r.sessions[key]
	if !ok {
		s = &Session{
			AgentID:     p.AgentID,
			SessionID:   p.SessionID,
			History:     []json.RawMessage{},
			Context:     []json.RawMessage{},
			Providers:   []Key{},
			CreatedAtMs: now,
		}
		r.sessions[key] = s
	}

	s.Mode = p.Mode
	if p.Model != nil {
		s.Model = p.Model
	}
	if p.Summary != "" {
		s.Summary = p.Summary
	}
	if p.History != nil {
		s.History = p.History
	}
	if p.Context != nil {
		s.Context = p.Context
	}
	if p.Providers != nil {
		s.Providers = p.Providers
		if len(s.Providers) > 0 {
			s.Mode = wire.ModeOrchestrator
		}
	}
	s.UpdatedAtMs = now

	out := *s
	r.persistLocked()
	return out
}

// Close removes a session, clearing the active slot if it pointed here.
func (r *Registry) Close(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.sessions[key]
	if !ok {
		return false
	}
	delete(r.sessions, key)
	if r.active != nil && *r.active == key {
		r.active = nil
	}
	r.persistLocked()
	return true
}

// SetActive marks a session active. Returns false for unknown sessions.
func (r *Registry) SetActive(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[key]; !ok {
		return false
	}
	k := key
	r.active = &k
	r.persistLocked()
	return true
}

// Active returns the active session key, if any.
func (r *Registry) Active() (Key, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active == nil {
		return Key{}, false
	}
	return *r.active, true
}

// Get returns a copy of the full entry.
func (r *Registry) Get(key Key) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Orchestrators returns every orchestrator-mode session.
func (r *Registry) Orchestrators() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Session
	for _, s := range r.sessions {
		if s.Mode == wire.ModeOrchestrator {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AgentID != out[j].AgentID {
			return out[i].AgentID < out[j].AgentID
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// FindByMode returns any session of the given mode, preferring
// orchestrators only matters for callers that pass ModeOrchestrator.
func (r *Registry) FindByMode(mode wire.SessionMode) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var keys []Key
	for key, s := range r.sessions {
		if s.Mode == mode {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return Session{}, false
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].AgentID != keys[j].AgentID {
			return keys[i].AgentID < keys[j].AgentID
		}
		return keys[i].SessionID < keys[j].SessionID
	})
	return *r.sessions[keys[0]], true
}

// SetProviders replaces the provider list, forcing orchestrator mode.
func (r *Registry) SetProviders(key Key, providers []Key) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[key]
	if !ok {
		return Session{}, false
	}
	if providers == nil {
		providers = []Key{}
	}
	s.Providers = providers
	s.Mode = wire.ModeOrchestrator
	s.UpdatedAtMs = wire.NowMs()
	out := *s
	r.persistLocked()
	return out, true
}

// AddContextItems appends opaque items to the context array.
func (r *Registry) AddContextItems(key Key, items []json.RawMessage) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[key]
	if !ok {
		return Session{}, false
	}
	s.Context = append(s.Context, items...)
	s.UpdatedAtMs = wire.NowMs()
	out := *s
	r.persistLocked()
	return out, true
}
