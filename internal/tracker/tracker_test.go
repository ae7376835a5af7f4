package tracker

import (
	"testing"

	"github.com/ehrlich-b/sightline/internal/wire"
)

func newTest() *Tracker {
	return New(DefaultConfig())
}

func TestFileAccessCreatesHotNode(t *testing.T) {
	tr := newTest()
	tr.FileAccess("/src/main.go", wire.ActionRead)

	snap := tr.Snapshot()
	node, ok := snap.Nodes["/src/main.go"]
	if !ok {
		t.Fatal("node missing from snapshot")
	}
	if node.Heat != 1.0 || !node.InContext || node.LastAction != wire.ActionRead {
		t.Errorf("unexpected node: %+v", node)
	}
	if node.TimestampMs == 0 {
		t.Error("timestamp must be stamped")
	}
}

func TestReaccessResetsHeat(t *testing.T) {
	tr := newTest()
	tr.FileAccess("/a.go", wire.ActionRead)

	// Force it out of context and decay a few ticks.
	tr.EndTurn()
	tr.EndTurn()
	tr.EndTurn()
	tr.EndTurn()
	for range 10 {
		tr.Tick()
	}
	snap := tr.Snapshot()
	if node, ok := snap.Nodes["/a.go"]; ok {
		if node.InContext {
			t.Fatal("node should have aged out of context")
		}
		if node.Heat >= 1.0 {
			t.Fatal("heat should have decayed")
		}
	}

	tr.FileAccess("/a.go", wire.ActionWrite)
	node := tr.Snapshot().Nodes["/a.go"]
	if node.Heat != 1.0 || !node.InContext || node.LastAction != wire.ActionWrite {
		t.Errorf("re-access must fully refresh the node: %+v", node)
	}
}

func TestTimestampMonotonic(t *testing.T) {
	tr := newTest()
	tr.FileAccess("/a.go", wire.ActionRead)
	first := tr.Snapshot().Nodes["/a.go"].TimestampMs
	tr.FileAccess("/a.go", wire.ActionRead)
	second := tr.Snapshot().Nodes["/a.go"].TimestampMs
	if second < first {
		t.Errorf("timestamp regressed: %d -> %d", first, second)
	}
}

func TestEndTurnExpiry(t *testing.T) {
	tr := newTest() // context_turns = 3
	tr.FileAccess("/c.rs", wire.ActionRead)

	// Accessed at turn 0. Exits context only when turn - 0 > 3.
	for i := 1; i <= 3; i++ {
		tr.EndTurn()
		if !tr.Snapshot().Nodes["/c.rs"].InContext {
			t.Fatalf("node expired too early at turn %d", i)
		}
	}
	tr.EndTurn() // turn 4
	if tr.Snapshot().Nodes["/c.rs"].InContext {
		t.Error("node must exit context after context_turns+1 turns")
	}
}

func TestCompactionEvictsContext(t *testing.T) {
	tr := newTest()
	tr.FileAccess("/d.rs", wire.ActionRead)
	tr.UsageUpdate(180000, 200000, nil)
	if !tr.Snapshot().Nodes["/d.rs"].InContext {
		t.Fatal("usage report alone must not evict")
	}
	tr.UsageUpdate(45000, 200000, nil) // 75% drop
	if tr.Snapshot().Nodes["/d.rs"].InContext {
		t.Error("compaction must flip in_context to false")
	}
}

func TestCompactionIdempotentOnRepeatedUsage(t *testing.T) {
	tr := newTest()
	tr.FileAccess("/e.rs", wire.ActionRead)
	tr.UsageUpdate(100000, 200000, nil)
	tr.UsageUpdate(100000, 200000, nil)
	tr.UsageUpdate(100000, 200000, nil)
	if !tr.Snapshot().Nodes["/e.rs"].InContext {
		t.Error("unchanged usage must never trigger compaction")
	}
}

func TestSmallDropDoesNotCompact(t *testing.T) {
	tr := newTest()
	tr.FileAccess("/f.rs", wire.ActionRead)
	tr.UsageUpdate(100000, 200000, nil)
	tr.UsageUpdate(80000, 200000, nil) // 20% drop, threshold is 50%
	if !tr.Snapshot().Nodes["/f.rs"].InContext {
		t.Error("a sub-threshold drop must not compact")
	}
}

func TestTickDecayAndPrune(t *testing.T) {
	tr := newTest()
	tr.FileAccess("/g.rs", wire.ActionRead)
	for range 5 {
		tr.EndTurn()
	}

	// Decay until the node hits zero and gets pruned.
	var removed bool
	for range 200 {
		for _, delta := range tr.Tick() {
			for _, path := range delta.Removed {
				if path == "/g.rs" {
					removed = true
				}
			}
			for _, u := range delta.Updates {
				if u.Heat < 0 || u.Heat > 1 {
					t.Fatalf("heat out of range: %v", u.Heat)
				}
			}
		}
		if removed {
			break
		}
	}
	if !removed {
		t.Fatal("decayed node never pruned")
	}
	if _, ok := tr.Snapshot().Nodes["/g.rs"]; ok {
		t.Error("pruned node still in snapshot")
	}
}

func TestTickEmptyWhenClean(t *testing.T) {
	tr := newTest()
	if deltas := tr.Tick(); len(deltas) != 0 {
		t.Errorf("clean tracker must yield no deltas, got %d", len(deltas))
	}
	tr.FileAccess("/h.rs", wire.ActionRead)
	if deltas := tr.Tick(); len(deltas) != 1 {
		t.Fatalf("dirty tracker must yield a delta, got %d", len(deltas))
	}
	// In-context node at heat 1.0 does not decay, so the next tick is empty.
	if deltas := tr.Tick(); len(deltas) != 0 {
		t.Errorf("second tick with no changes must be empty, got %d", len(deltas))
	}
}

func TestSeqStrictlyMonotonicOnChanges(t *testing.T) {
	tr := newTest()
	var last uint64
	for i := range 5 {
		tr.FileAccess("/seq.rs", wire.ActionRead)
		tr.FileAccess("/seq2.rs", wire.ActionWrite)
		deltas := tr.Tick()
		if len(deltas) != 1 {
			t.Fatalf("iteration %d: expected one delta, got %d", i, len(deltas))
		}
		if deltas[0].Seq <= last {
			t.Fatalf("seq not strictly monotonic: %d after %d", deltas[0].Seq, last)
		}
		last = deltas[0].Seq
	}
	if tr.Seq() != last {
		t.Errorf("tracker seq %d != last delta seq %d", tr.Seq(), last)
	}
}

func TestPendingUsageDrained(t *testing.T) {
	tr := newTest()
	tr.UsageUpdate(1000, 2000, &wire.Cost{Amount: 0.10, Currency: "USD"})
	tr.UsageUpdate(1100, 2000, nil)

	msgs := tr.TakePendingUsage()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 pending usage messages, got %d", len(msgs))
	}
	if msgs[0].Used != 1000 || msgs[0].Cost == nil || msgs[0].Cost.Currency != "USD" {
		t.Errorf("first usage wrong: %+v", msgs[0])
	}
	if got := tr.TakePendingUsage(); len(got) != 0 {
		t.Error("second drain must be empty")
	}
}

func TestPendingTerminalOutput(t *testing.T) {
	tr := newTest()
	tr.AddPendingTerminalOutput(42)
	if !tr.TakePendingTerminalOutput(42) {
		t.Error("marked id must be takeable")
	}
	if tr.TakePendingTerminalOutput(42) {
		t.Error("id must be consumed on take")
	}
	if tr.TakePendingTerminalOutput(7) {
		t.Error("unmarked id must not take")
	}
}

func TestSessionRekeying(t *testing.T) {
	tr := newTest()
	tr.FileAccess("/early.go", wire.ActionRead)
	tr.SetSessionID("s1")
	if tr.SessionID() != "s1" {
		t.Fatalf("session id = %q", tr.SessionID())
	}
	snap := tr.SnapshotForSession("s1")
	if _, ok := snap.Nodes["/early.go"]; !ok {
		t.Error("state recorded before the session was known must carry over")
	}
	if _, ok := tr.SnapshotForSession("").Nodes["/early.go"]; ok {
		t.Error("anonymous session must be re-keyed, not copied")
	}
}

func TestMultipleSessionsIsolated(t *testing.T) {
	tr := newTest()
	tr.SetSessionID("s1")
	tr.FileAccess("/one.go", wire.ActionRead)
	tr.SetSessionID("s2")
	tr.FileAccess("/two.go", wire.ActionWrite)

	s1 := tr.SnapshotForSession("s1")
	s2 := tr.SnapshotForSession("s2")
	if _, ok := s1.Nodes["/one.go"]; !ok {
		t.Error("s1 lost its node")
	}
	if _, ok := s1.Nodes["/two.go"]; ok {
		t.Error("s2 state leaked into s1")
	}
	if _, ok := s2.Nodes["/two.go"]; !ok {
		t.Error("s2 lost its node")
	}

	deltas := tr.Tick()
	if len(deltas) != 2 {
		t.Fatalf("expected a delta per dirty session, got %d", len(deltas))
	}
}

func TestUnknownSessionSnapshotEmpty(t *testing.T) {
	tr := newTest()
	snap := tr.SnapshotForSession("ghost")
	if len(snap.Nodes) != 0 || snap.Seq != 0 {
		t.Errorf("unknown session must serve an empty snapshot: %+v", snap)
	}
}

func TestAccessObserverInvoked(t *testing.T) {
	tr := newTest()
	tr.SetSessionID("s1")
	var gotPath string
	var gotAction wire.Action
	tr.SetAccessObserver(func(sessionID, path string, action wire.Action, turn int, ts int64) {
		if sessionID != "s1" {
			t.Errorf("observer session = %q", sessionID)
		}
		gotPath, gotAction = path, action
	})
	tr.FileAccess("/obs.go", wire.ActionWrite)
	if gotPath != "/obs.go" || gotAction != wire.ActionWrite {
		t.Errorf("observer saw %q/%v", gotPath, gotAction)
	}
}
