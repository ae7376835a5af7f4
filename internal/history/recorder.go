package history

import (
	"context"
	"encoding/json"

	"github.com/ehrlich-b/sightline/internal/broadcast"
	"github.com/ehrlich-b/sightline/internal/logger"
	"github.com/ehrlich-b/sightline/internal/wire"
)

// Recorder moves observed events into the store off the hot path. The
// tracker's access observer runs under the tracker lock, so it only
// enqueues here; the Run loop does the actual writes. A full queue
// drops events rather than stall extraction.
type Recorder struct {
	store   *Store
	agentID string
	events  chan accessEvent
}

type accessEvent struct {
	sessionID   string
	path        string
	action      wire.Action
	turn        int
	timestampMs int64
}

// NewRecorder wraps a store for an agent instance.
func NewRecorder(store *Store, agentID string) *Recorder {
	return &Recorder{
		store:   store,
		agentID: agentID,
		events:  make(chan accessEvent, 1024),
	}
}

// Observe is the tracker access-observer hook. Non-blocking.
func (r *Recorder) Observe(sessionID, path string, action wire.Action, turn int, timestampMs int64) {
	select {
	case r.events <- accessEvent{sessionID, path, action, turn, timestampMs}:
	default:
		// Queue full — history is best-effort.
	}
}

// Run drains access events and blocked broadcasts into the store until
// ctx is cancelled.
func (r *Recorder) Run(ctx context.Context, hub *broadcast.Hub) {
	sub := hub.Subscribe()
	defer sub.Close()

	go func() {
		<-ctx.Done()
		sub.Close()
	}()

	blockedDone := make(chan struct{})
	go func() {
		defer close(blockedDone)
		for {
			line, err := sub.Recv()
			if err == broadcast.ErrLagged {
				continue
			}
			if err != nil {
				return
			}
			var b wire.BlockedAccess
			if json.Unmarshal(line.Payload, &b) != nil || b.Type != wire.TypeBlocked {
				continue
			}
			if err := r.store.RecordBlocked(b); err != nil {
				logger.Warn("history blocked write failed", "error", err)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			<-blockedDone
			return
		case ev := <-r.events:
			if err := r.store.RecordAccess(r.agentID, ev.sessionID, ev.path, ev.action, ev.turn, ev.timestampMs); err != nil {
				logger.Warn("history write failed", "error", err)
			}
		}
	}
}
