// Package orchestrator merges the file tables of several tracked
// sessions into one synthetic view per orchestrator session. Merge
// order is last-writer-wins by timestamp, with action priority breaking
// ties; heat takes the per-path maximum and context membership the
// logical OR.
package orchestrator

import (
	"sort"
	"sync"

	"github.com/ehrlich-b/sightline/internal/registry"
	"github.com/ehrlich-b/sightline/internal/tracker"
	"github.com/ehrlich-b/sightline/internal/wire"
)

// Aggregator holds derived per-orchestrator-session state, independent
// of the tracker. The tick driver and the connection handlers share it;
// one mutex serializes them.
type Aggregator struct {
	mu       sync.Mutex
	sessions map[registry.Key]*sessionState
}

type sessionState struct {
	seq           uint64
	nodes         map[string]wire.FileNode
	providerUsage map[registry.Key]wire.UsageMessage
}

// New creates an empty aggregator.
func New() *Aggregator {
	return &Aggregator{sessions: make(map[registry.Key]*sessionState)}
}

func (a *Aggregator) state(key registry.Key) *sessionState {
	s, ok := a.sessions[key]
	if !ok {
		s = &sessionState{
			nodes:         make(map[string]wire.FileNode),
			providerUsage: make(map[registry.Key]wire.UsageMessage),
		}
		a.sessions[key] = s
	}
	return s
}

// Tick recomputes every orchestrator session's aggregate table and
// returns a delta for each one that changed. State for sessions gone
// from the registry is garbage-collected.
func (a *Aggregator) Tick(tr *tracker.Tracker, reg *registry.Registry) []wire.Delta {
	a.mu.Lock()
	defer a.mu.Unlock()

	orchestrators := reg.Orchestrators()
	agentID := tr.AgentID()

	var deltas []wire.Delta
	active := make(map[registry.Key]struct{}, len(orchestrators))
	for _, session := range orchestrators {
		key := session.Key()
		active[key] = struct{}{}

		nodes := aggregateNodes(session.Providers, tr)
		state := a.state(key)

		updates, removed := diffNodes(state.nodes, nodes)
		if len(updates) > 0 || len(removed) > 0 {
			state.seq++
			deltas = append(deltas, wire.NewDelta(
				agentID, session.SessionID, wire.ModeOrchestrator, state.seq, updates, removed))
		}
		state.nodes = nodes
	}

	for key := range a.sessions {
		if _, ok := active[key]; !ok {
			delete(a.sessions, key)
		}
	}
	return deltas
}

// Snapshot serves the aggregate view on demand, advancing the sequence
// number only when the table actually changed since the last look.
func (a *Aggregator) Snapshot(session registry.Session, tr *tracker.Tracker) wire.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	nodes := aggregateNodes(session.Providers, tr)
	state := a.state(session.Key())

	if nodesChanged(state.nodes, nodes) {
		state.seq++
	}
	state.nodes = nodes

	out := make(map[string]wire.FileNode, len(nodes))
	for path, node := range nodes {
		out[path] = node
	}
	return wire.NewSnapshot(tr.AgentID(), session.SessionID, wire.ModeOrchestrator, state.seq, out)
}

// AggregateUsage folds provider usage reports into synthesized messages
// for every orchestrator session containing the reporting provider.
// Used and size sum across providers; cost sums only when every stored
// provider cost shares one currency, otherwise it is unset.
func (a *Aggregator) AggregateUsage(tr *tracker.Tracker, reg *registry.Registry, usage []wire.UsageMessage) []wire.UsageMessage {
	if len(usage) == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	orchestrators := reg.Orchestrators()
	if len(orchestrators) == 0 {
		return nil
	}

	var out []wire.UsageMessage
	for _, u := range usage {
		providerKey := registry.Key{AgentID: u.AgentID, SessionID: u.SessionID}
		for _, session := range orchestrators {
			if !containsKey(session.Providers, providerKey) {
				continue
			}
			state := a.state(session.Key())
			state.providerUsage[providerKey] = u
			for stored := range state.providerUsage {
				if !containsKey(session.Providers, stored) {
					delete(state.providerUsage, stored)
				}
			}
			if msg, ok := sumUsage(tr.AgentID(), session.SessionID, session.Providers, state.providerUsage); ok {
				out = append(out, msg)
			}
		}
	}
	return out
}

func aggregateNodes(providers []registry.Key, tr *tracker.Tracker) map[string]wire.FileNode {
	aggregate := make(map[string]wire.FileNode)
	agentID := tr.AgentID()

	for _, provider := range providers {
		// Providers on other agent instances live in other observer
		// processes; this one only sees its own tracker.
		if provider.AgentID != agentID {
			continue
		}
		snap := tr.SnapshotForSession(provider.SessionID)
		for _, node := range snap.Nodes {
			mergeNode(aggregate, node)
		}
	}
	return aggregate
}

func mergeNode(target map[string]wire.FileNode, node wire.FileNode) {
	existing, ok := target[node.Path]
	if !ok {
		target[node.Path] = node
		return
	}

	existing.Heat = max(existing.Heat, node.Heat)
	existing.InContext = existing.InContext || node.InContext
	existing.TurnAccessed = max(existing.TurnAccessed, node.TurnAccessed)

	replace := node.TimestampMs > existing.TimestampMs ||
		(node.TimestampMs == existing.TimestampMs &&
			node.LastAction.Priority() > existing.LastAction.Priority())
	if replace {
		existing.LastAction = node.LastAction
		existing.TimestampMs = node.TimestampMs
	}
	target[node.Path] = existing
}

func nodesEqual(a, b wire.FileNode) bool {
	return a.Heat == b.Heat &&
		a.InContext == b.InContext &&
		a.LastAction == b.LastAction &&
		a.TurnAccessed == b.TurnAccessed &&
		a.TimestampMs == b.TimestampMs
}

func nodesChanged(prev, next map[string]wire.FileNode) bool {
	if len(prev) != len(next) {
		return true
	}
	for path, node := range next {
		prevNode, ok := prev[path]
		if !ok || !nodesEqual(prevNode, node) {
			return true
		}
	}
	return false
}

func diffNodes(prev, next map[string]wire.FileNode) ([]wire.NodeUpdate, []string) {
	var updates []wire.NodeUpdate
	var removed []string

	for path, node := range next {
		prevNode, ok := prev[path]
		if !ok || !nodesEqual(prevNode, node) {
			updates = append(updates, node.ToUpdate())
		}
	}
	for path := range prev {
		if _, ok := next[path]; !ok {
			removed = append(removed, path)
		}
	}

	sort.Slice(updates, func(i, j int) bool { return updates[i].Path < updates[j].Path })
	sort.Strings(removed)
	return updates, removed
}

func sumUsage(agentID, sessionID string, providers []registry.Key, providerUsage map[registry.Key]wire.UsageMessage) (wire.UsageMessage, bool) {
	if len(providers) == 0 {
		return wire.UsageMessage{}, false
	}

	var used, size int
	var costTotal float64
	currency := ""
	costOK := true
	for _, provider := range providers {
		u, ok := providerUsage[provider]
		if !ok {
			continue
		}
		used += u.Used
		size += u.Size

		if u.Cost == nil {
			costOK = false
			continue
		}
		if currency == "" {
			currency = u.Cost.Currency
		}
		if u.Cost.Currency != currency {
			costOK = false
			continue
		}
		costTotal += u.Cost.Amount
	}

	var cost *wire.Cost
	if costOK && currency != "" {
		cost = &wire.Cost{Amount: costTotal, Currency: currency}
	}
	return wire.NewUsage(agentID, sessionID, wire.ModeOrchestrator, used, size, cost), true
}

func containsKey(keys []registry.Key, key registry.Key) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}
