package server

import (
	"github.com/ehrlich-b/sightline/internal/registry"
	"github.com/ehrlich-b/sightline/internal/wire"
)

// resolveSnapshot picks which session a snapshot describes when the
// client named none, in order: the filter's session, the filter's mode,
// the registry's active session, the tracker's declared session, any
// tracker session, and finally an empty snapshot. Orchestrator sessions
// delegate to the aggregator; everything else serves the tracker's
// per-session table directly.
func (s *Server) resolveSnapshot(explicit string, f streamFilter) wire.Snapshot {
	if explicit == "" {
		explicit = f.sessionID
	}
	if explicit != "" {
		return s.snapshotForSession(explicit)
	}

	if f.mode != "" {
		if sess, ok := s.Registry.FindByMode(f.mode); ok {
			return s.snapshotForEntry(sess)
		}
	}

	if key, ok := s.Registry.Active(); ok {
		if sess, found := s.Registry.Get(key); found {
			return s.snapshotForEntry(sess)
		}
	}

	if id := s.Tracker.SessionID(); id != "" {
		return s.Tracker.SnapshotForSession(id)
	}
	for _, id := range s.Tracker.SessionIDs() {
		if id != "" {
			return s.Tracker.SnapshotForSession(id)
		}
	}
	return s.Tracker.Snapshot()
}

// snapshotForSession serves a session named by ID alone: a registered
// orchestrator with that ID delegates to the aggregator, anything else
// is the tracker's view.
func (s *Server) snapshotForSession(sessionID string) wire.Snapshot {
	for _, sess := range s.Registry.Orchestrators() {
		if sess.SessionID == sessionID {
			return s.Aggregator.Snapshot(sess, s.Tracker)
		}
	}
	return s.Tracker.SnapshotForSession(sessionID)
}

func (s *Server) snapshotForEntry(sess registry.Session) wire.Snapshot {
	if sess.Mode == wire.ModeOrchestrator {
		return s.Aggregator.Snapshot(sess, s.Tracker)
	}
	return s.Tracker.SnapshotForSession(sess.SessionID)
}
