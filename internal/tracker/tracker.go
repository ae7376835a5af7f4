// Package tracker maintains the decaying model of the agent's working
// set: which files it has touched, which are inferred to still be in
// its context window, and how hot each one is. One Tracker serves the
// whole process and owns a file table per session it has seen.
package tracker

import (
	"sort"
	"sync"

	"github.com/ehrlich-b/sightline/internal/wire"
)

// Config tunes the context inference.
type Config struct {
	// ContextTurns is how many turns a file stays in context without a
	// fresh access.
	ContextTurns int
	// CompactionThreshold is the usage-drop ratio that signals the LLM
	// runtime compacted the conversation.
	CompactionThreshold float64
	// DecayRate is the per-tick heat multiplier for out-of-context files.
	DecayRate float64
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		ContextTurns:        3,
		CompactionThreshold: 0.5,
		DecayRate:           0.95,
	}
}

// Heat at or below this is treated as zero; the node becomes prunable.
const heatFloor = 0.01

// session is the per-session slice of tracker state.
type session struct {
	id             string
	files          map[string]*wire.FileNode
	seq            uint64
	currentTurn    int
	lastUsedTokens int
	contextSize    int
	// dirty holds paths changed since the last tick; tick drains it to
	// build a minimal delta.
	dirty map[string]struct{}
	// pendingUsage is queued by UsageUpdate and drained by
	// TakePendingUsage, so the tick loop broadcasts usage without the
	// extraction path having to handle return values.
	pendingUsage []wire.UsageMessage
}

func newSession(id string) *session {
	return &session{
		id:    id,
		files: make(map[string]*wire.FileNode),
		dirty: make(map[string]struct{}),
	}
}

// Tracker absorbs file-access events and turn/usage signals and emits
// one delta per tick that yields any change. All methods serialize
// through an internal mutex; critical sections never perform I/O.
type Tracker struct {
	mu sync.Mutex

	agentID  string
	current  *session
	sessions map[string]*session
	config   Config

	// Outstanding JSON-RPC request IDs whose responses carry terminal
	// output worth scanning for paths. Request IDs are connection-global,
	// so this set is too.
	pendingTerminalOutput map[uint64]struct{}

	// accessObserver, when set, is invoked from FileAccess, under the
	// lock, for every recorded access.
	accessObserver func(sessionID, path string, action wire.Action, turn int, timestampMs int64)
}

// New creates a tracker with an empty default session.
func New(config Config) *Tracker {
	t := &Tracker{
		sessions:              make(map[string]*session),
		config:                config,
		pendingTerminalOutput: make(map[uint64]struct{}),
	}
	t.current = newSession("")
	t.sessions[""] = t.current
	return t
}

// SetAgentID sets the agent instance ID (from the --agent-id flag).
func (t *Tracker) SetAgentID(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.agentID = id
}

// AgentID returns the agent instance ID, empty if never set.
func (t *Tracker) AgentID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.agentID
}

// SetSessionID declares the current session. The first non-empty ID
// re-keys the anonymous startup session so state recorded before the
// session was known is not lost. Later calls switch to (or create)
// the named session.
func (t *Tracker) SetSessionID(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current.id == id {
		return
	}
	if t.current.id == "" && id != "" {
		delete(t.sessions, "")
		t.current.id = id
		t.sessions[id] = t.current
		return
	}
	s, ok := t.sessions[id]
	if !ok {
		s = newSession(id)
		t.sessions[id] = s
	}
	t.current = s
}

// SessionID returns the current session ID, empty if never set.
func (t *Tracker) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current.id
}

// SessionIDs lists every session the tracker has seen, sorted.
func (t *Tracker) SessionIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SetAccessObserver registers a callback for every recorded access.
func (t *Tracker) SetAccessObserver(fn func(sessionID, path string, action wire.Action, turn int, timestampMs int64)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.accessObserver = fn
}

// AddPendingTerminalOutput marks a request ID whose response should be
// scanned for filesystem paths.
func (t *Tracker) AddPendingTerminalOutput(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pendingTerminalOutput[id] = struct{}{}
}

// TakePendingTerminalOutput consumes a marked request ID. Returns false
// if the ID was never marked (or already taken).
func (t *Tracker) TakePendingTerminalOutput(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pendingTerminalOutput[id]
	if ok {
		delete(t.pendingTerminalOutput, id)
	}
	return ok
}

// FileAccess records a file access in the current session. Heat resets
// to 1.0 and the file (re)enters context regardless of prior decay.
func (t *Tracker) FileAccess(path string, action wire.Action) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.current
	ts := wire.NowMs()
	node, ok := s.files[path]
	if !ok {
		node = &wire.FileNode{Path: path}
		s.files[path] = node
	}
	node.Heat = 1.0
	node.InContext = true
	node.LastAction = action
	node.TurnAccessed = s.currentTurn
	node.TimestampMs = ts
	s.dirty[path] = struct{}{}

	if t.accessObserver != nil {
		t.accessObserver(s.id, path, action, s.currentTurn, ts)
	}
}

// EndTurn advances the turn counter and expires files that have not
// been accessed within the context window.
func (t *Tracker) EndTurn() {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.current
	s.currentTurn++
	for path, node := range s.files {
		if node.InContext && s.currentTurn-node.TurnAccessed > t.config.ContextTurns {
			node.InContext = false
			s.dirty[path] = struct{}{}
		}
	}
}

// UsageUpdate records a token usage report. A drop of at least
// CompactionThreshold relative to the previous report means the runtime
// compacted the conversation: every in-context file is evicted, and
// only files re-accessed afterwards re-enter. The usage message is
// queued for the next broadcast.
func (t *Tracker) UsageUpdate(used, size int, cost *wire.Cost) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.current
	previous := s.lastUsedTokens
	s.lastUsedTokens = used
	s.contextSize = size

	if previous > 0 {
		dropRatio := 1.0 - float64(used)/float64(previous)
		if dropRatio >= t.config.CompactionThreshold {
			for path, node := range s.files {
				if node.InContext {
					node.InContext = false
					s.dirty[path] = struct{}{}
				}
			}
		}
	}

	s.pendingUsage = append(s.pendingUsage,
		wire.NewUsage(t.agentID, s.id, wire.ModeSingleAgent, used, size, cost))
}

// TakePendingUsage drains queued usage messages across all sessions.
func (t *Tracker) TakePendingUsage() []wire.UsageMessage {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []wire.UsageMessage
	for _, id := range t.sessionIDsLocked() {
		s := t.sessions[id]
		out = append(out, s.pendingUsage...)
		s.pendingUsage = nil
	}
	return out
}

// Tick applies heat decay to out-of-context files and returns one delta
// per session that changed since the last tick. Nodes whose heat hit
// zero out of context are pruned and reported in the removed list.
// Sessions with no changes yield nothing and keep their sequence number.
func (t *Tracker) Tick() []wire.Delta {
	t.mu.Lock()
	defer t.mu.Unlock()

	var deltas []wire.Delta
	for _, id := range t.sessionIDsLocked() {
		s := t.sessions[id]
		if delta, ok := t.tickSessionLocked(s); ok {
			deltas = append(deltas, delta)
		}
	}
	return deltas
}

func (t *Tracker) tickSessionLocked(s *session) (wire.Delta, bool) {
	for path, node := range s.files {
		if !node.InContext && node.Heat > heatFloor {
			node.Heat *= t.config.DecayRate
			if node.Heat <= heatFloor {
				node.Heat = 0
			}
			s.dirty[path] = struct{}{}
		}
	}

	if len(s.dirty) == 0 {
		return wire.Delta{}, false
	}

	var updates []wire.NodeUpdate
	var removed []string
	for path := range s.dirty {
		node, ok := s.files[path]
		if !ok {
			continue
		}
		if node.Heat > 0 || node.InContext {
			updates = append(updates, node.ToUpdate())
		} else {
			removed = append(removed, path)
		}
	}
	s.dirty = make(map[string]struct{})
	for _, path := range removed {
		delete(s.files, path)
	}

	if len(updates) == 0 && len(removed) == 0 {
		return wire.Delta{}, false
	}

	// Stable output order; map iteration would shuffle it per tick.
	sort.Slice(updates, func(i, j int) bool { return updates[i].Path < updates[j].Path })
	sort.Strings(removed)

	s.seq++
	return wire.NewDelta(t.agentID, s.id, wire.ModeSingleAgent, s.seq, updates, removed), true
}

// Snapshot returns the current session's full state, filtered to nodes
// that are warm or in context.
func (t *Tracker) Snapshot() wire.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(t.current)
}

// SnapshotForSession serves any session the tracker has seen. Unknown
// sessions get an empty snapshot at seq 0.
func (t *Tracker) SnapshotForSession(id string) wire.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if !ok {
		return wire.NewSnapshot(t.agentID, id, wire.ModeSingleAgent, 0, nil)
	}
	return t.snapshotLocked(s)
}

func (t *Tracker) snapshotLocked(s *session) wire.Snapshot {
	nodes := make(map[string]wire.FileNode, len(s.files))
	for path, node := range s.files {
		if node.Heat > 0 || node.InContext {
			nodes[path] = *node
		}
	}
	return wire.NewSnapshot(t.agentID, s.id, wire.ModeSingleAgent, s.seq, nodes)
}

// Seq returns the current session's sequence number.
func (t *Tracker) Seq() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current.seq
}

// CurrentTurn returns the current session's turn counter.
func (t *Tracker) CurrentTurn() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current.currentTurn
}

func (t *Tracker) sessionIDsLocked() []string {
	ids := make([]string, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
