package extract

import (
	"testing"

	"github.com/ehrlich-b/sightline/internal/tracker"
	"github.com/ehrlich-b/sightline/internal/wire"
)

func newTracker() *tracker.Tracker {
	return tracker.New(tracker.DefaultConfig())
}

func nodeAction(t *testing.T, tr *tracker.Tracker, path string) wire.Action {
	t.Helper()
	node, ok := tr.Snapshot().Nodes[path]
	if !ok {
		t.Fatalf("node %q missing; have %v", path, nodeKeys(tr))
	}
	return node.LastAction
}

func nodeKeys(tr *tracker.Tracker) []string {
	var keys []string
	for k := range tr.Snapshot().Nodes {
		keys = append(keys, k)
	}
	return keys
}

// -- Upstream: session/prompt ------------------------------------------

func TestPromptEmbeddedResource(t *testing.T) {
	tr := newTracker()
	line := `{"jsonrpc":"2.0","id":1,"method":"session/prompt","params":{"sessionId":"s1","prompt":[{"type":"text","text":"Fix auth"},{"type":"resource","resource":{"uri":"file:///home/user/src/auth.ts","mimeType":"text/typescript","text":"export function login() {}"}}]}}`
	Upstream([]byte(line), tr)

	if got := nodeAction(t, tr, "/home/user/src/auth.ts"); got != wire.ActionUserProvided {
		t.Errorf("action = %v", got)
	}
	node := tr.Snapshot().Nodes["/home/user/src/auth.ts"]
	if node.Heat != 1.0 || !node.InContext {
		t.Errorf("node not hot and in context: %+v", node)
	}
}

func TestPromptResourceLink(t *testing.T) {
	tr := newTracker()
	line := `{"jsonrpc":"2.0","id":2,"method":"session/prompt","params":{"sessionId":"s1","prompt":[{"type":"resource_link","uri":"file:///home/user/src/config.ts","name":"config.ts"}]}}`
	Upstream([]byte(line), tr)
	if got := nodeAction(t, tr, "/home/user/src/config.ts"); got != wire.ActionUserReferenced {
		t.Errorf("action = %v", got)
	}
}

func TestPromptMixedBlocks(t *testing.T) {
	tr := newTracker()
	line := `{"jsonrpc":"2.0","id":4,"method":"session/prompt","params":{"sessionId":"s1","prompt":[{"type":"resource","resource":{"uri":"file:///a.ts","text":"a"}},{"type":"resource_link","uri":"file:///b.ts","name":"b"},{"type":"text","text":"fix both"}]}}`
	Upstream([]byte(line), tr)

	snap := tr.Snapshot()
	if len(snap.Nodes) != 2 {
		t.Fatalf("expected exactly one access per file-bearing block, got %d nodes", len(snap.Nodes))
	}
	if snap.Nodes["/a.ts"].LastAction != wire.ActionUserProvided {
		t.Error("embedded resource action wrong")
	}
	if snap.Nodes["/b.ts"].LastAction != wire.ActionUserReferenced {
		t.Error("resource link action wrong")
	}
}

func TestPromptNonFileURISkipped(t *testing.T) {
	tr := newTracker()
	line := `{"jsonrpc":"2.0","id":3,"method":"session/prompt","params":{"sessionId":"s1","prompt":[{"type":"resource_link","uri":"https://example.com/foo","name":"foo"}]}}`
	Upstream([]byte(line), tr)
	if len(tr.Snapshot().Nodes) != 0 {
		t.Error("https uri must not produce a node")
	}
}

func TestUnicodePathSurvives(t *testing.T) {
	tr := newTracker()
	line := `{"jsonrpc":"2.0","id":5,"method":"session/prompt","params":{"sessionId":"s1","prompt":[{"type":"resource_link","uri":"file:///home/user/ノート/メモ.md","name":"メモ.md"}]}}`
	Upstream([]byte(line), tr)
	if _, ok := tr.Snapshot().Nodes["/home/user/ノート/メモ.md"]; !ok {
		t.Errorf("unicode path lost: %v", nodeKeys(tr))
	}
}

// -- Downstream: session/update tool calls -----------------------------

func TestToolCallRead(t *testing.T) {
	tr := newTracker()
	line := `{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"s1","update":{"sessionUpdate":"tool_call","toolCallId":"tc1","title":"Read file","kind":"read","status":"in_progress","content":[],"locations":[{"path":"/home/user/src/main.rs"}]}}}`
	Downstream([]byte(line), tr)
	if got := nodeAction(t, tr, "/home/user/src/main.rs"); got != wire.ActionRead {
		t.Errorf("action = %v", got)
	}
}

func TestToolCallEdit(t *testing.T) {
	tr := newTracker()
	line := `{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"s1","update":{"sessionUpdate":"tool_call","toolCallId":"tc2","title":"Edit file","kind":"edit","status":"in_progress","content":[],"locations":[{"path":"/b.rs","line":42}]}}}`
	Downstream([]byte(line), tr)
	if got := nodeAction(t, tr, "/b.rs"); got != wire.ActionWrite {
		t.Errorf("action = %v", got)
	}
}

func TestToolCallMultipleLocations(t *testing.T) {
	tr := newTracker()
	line := `{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"s1","update":{"sessionUpdate":"tool_call","toolCallId":"tc6","title":"Multi","kind":"read","status":"in_progress","content":[],"locations":[{"path":"/x.rs"},{"path":"/y.rs"},{"path":"/z.rs"}]}}}`
	Downstream([]byte(line), tr)
	if len(tr.Snapshot().Nodes) != 3 {
		t.Errorf("expected 3 nodes, got %v", nodeKeys(tr))
	}
}

func TestToolCallSearchResults(t *testing.T) {
	tr := newTracker()
	line := `{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"s1","update":{"sessionUpdate":"tool_call","toolCallId":"tc3","title":"Grep","kind":"search","status":"completed","content":[{"type":"content","content":{"type":"text","text":"/home/user/src/main.rs:42:    fn main() {}\n/home/user/src/lib.rs:10:    pub mod foo;\n/home/user/src/utils.rs\nno-path-here\nResults found:"}}],"locations":[{"path":"/home/user/src"}]}}}`
	Downstream([]byte(line), tr)

	snap := tr.Snapshot()
	for _, path := range []string{"/home/user/src/main.rs", "/home/user/src/lib.rs", "/home/user/src/utils.rs"} {
		if snap.Nodes[path].LastAction != wire.ActionSearch {
			t.Errorf("%s: action = %v", path, snap.Nodes[path].LastAction)
		}
	}
	// The search target directory comes from locations.
	if _, ok := snap.Nodes["/home/user/src"]; !ok {
		t.Error("search location directory missing")
	}
	if _, ok := snap.Nodes["no-path-here"]; ok {
		t.Error("non-path line must not produce a node")
	}
}

func TestToolCallUpdateDefaultsToRead(t *testing.T) {
	tr := newTracker()
	line := `{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"s1","update":{"sessionUpdate":"tool_call_update","toolCallId":"tc5","locations":[{"path":"/README.md"}]}}}`
	Downstream([]byte(line), tr)
	if got := nodeAction(t, tr, "/README.md"); got != wire.ActionRead {
		t.Errorf("absent kind must default to read, got %v", got)
	}
}

func TestToolCallUpdateWithKind(t *testing.T) {
	tr := newTracker()
	line := `{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"s1","update":{"sessionUpdate":"tool_call_update","toolCallId":"tc4","kind":"edit","locations":[{"path":"/db.rs"}]}}}`
	Downstream([]byte(line), tr)
	if got := nodeAction(t, tr, "/db.rs"); got != wire.ActionWrite {
		t.Errorf("action = %v", got)
	}
}

func TestDiffContentIsWrite(t *testing.T) {
	tr := newTracker()
	line := `{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"s1","update":{"sessionUpdate":"tool_call","toolCallId":"tc10","title":"Edit","kind":"edit","status":"completed","content":[{"type":"diff","path":"/app.rs","newText":"fn main() {}"}],"locations":[]}}}`
	Downstream([]byte(line), tr)
	if got := nodeAction(t, tr, "/app.rs"); got != wire.ActionWrite {
		t.Errorf("action = %v", got)
	}
}

func TestDiffAndLocationsBothExtracted(t *testing.T) {
	tr := newTracker()
	line := `{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"s1","update":{"sessionUpdate":"tool_call","toolCallId":"tc12","title":"Edit","kind":"edit","status":"completed","content":[{"type":"diff","path":"/diff.rs","newText":"new"}],"locations":[{"path":"/loc.rs"}]}}}`
	Downstream([]byte(line), tr)
	if len(tr.Snapshot().Nodes) != 2 {
		t.Errorf("expected both diff and location nodes, got %v", nodeKeys(tr))
	}
}

func TestExecuteRedirectTargets(t *testing.T) {
	tr := newTracker()
	line := `{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"s1","update":{"sessionUpdate":"tool_call","toolCallId":"tc13","title":"echo hi > /tmp/notes.txt && make 2>&1 ; cat results >> /tmp/log.txt","kind":"execute","status":"completed","content":[],"locations":[]}}}`
	Downstream([]byte(line), tr)

	snap := tr.Snapshot()
	if snap.Nodes["/tmp/notes.txt"].LastAction != wire.ActionWrite {
		t.Errorf("redirect target missing or wrong: %v", nodeKeys(tr))
	}
	if snap.Nodes["/tmp/log.txt"].LastAction != wire.ActionWrite {
		t.Errorf("append redirect target missing: %v", nodeKeys(tr))
	}
}

// -- Downstream: fs methods --------------------------------------------

func TestFsReadTextFile(t *testing.T) {
	tr := newTracker()
	line := `{"jsonrpc":"2.0","id":10,"method":"fs/read_text_file","params":{"sessionId":"s1","path":"/src/db.ts","line":1,"limit":100}}`
	Downstream([]byte(line), tr)
	if got := nodeAction(t, tr, "/src/db.ts"); got != wire.ActionRead {
		t.Errorf("action = %v", got)
	}
}

func TestFsWriteTextFile(t *testing.T) {
	tr := newTracker()
	line := `{"jsonrpc":"2.0","id":11,"method":"fs/write_text_file","params":{"sessionId":"s1","path":"/src/config.ts","content":"export const config = {}"}}`
	Downstream([]byte(line), tr)
	if got := nodeAction(t, tr, "/src/config.ts"); got != wire.ActionWrite {
		t.Errorf("action = %v", got)
	}
}

// -- Terminal output correlation ---------------------------------------

func TestTerminalOutputScan(t *testing.T) {
	tr := newTracker()
	Downstream([]byte(`{"jsonrpc":"2.0","id":77,"method":"terminal/output","params":{"sessionId":"s1","terminalId":"term1"}}`), tr)
	Upstream([]byte(`{"jsonrpc":"2.0","id":77,"result":{"output":"/work/a.go\n/work/b.go:12:func B()\n/work/noext\nplain text"}}`), tr)

	snap := tr.Snapshot()
	if snap.Nodes["/work/a.go"].LastAction != wire.ActionSearch {
		t.Errorf("terminal path missing: %v", nodeKeys(tr))
	}
	if snap.Nodes["/work/b.go"].LastAction != wire.ActionSearch {
		t.Error("grep-style path must be stripped at the colon")
	}
	if _, ok := snap.Nodes["/work/noext"]; ok {
		t.Error("extensionless path must be skipped")
	}
}

func TestTerminalOutputUncorrelatedResponseIgnored(t *testing.T) {
	tr := newTracker()
	Upstream([]byte(`{"jsonrpc":"2.0","id":99,"result":{"output":"/work/a.go"}}`), tr)
	if len(tr.Snapshot().Nodes) != 0 {
		t.Error("responses to unmarked ids must not be scanned")
	}
}

// -- Session and turn signals ------------------------------------------

func TestSessionIDAutoDetect(t *testing.T) {
	tr := newTracker()
	Downstream([]byte(`{"jsonrpc":"2.0","id":1,"result":{"sessionId":"sess_abc123"}}`), tr)
	if tr.SessionID() != "sess_abc123" {
		t.Errorf("session id = %q", tr.SessionID())
	}
}

func TestSessionIDExternalWins(t *testing.T) {
	tr := newTracker()
	tr.SetSessionID("cli-provided")
	Downstream([]byte(`{"jsonrpc":"2.0","id":1,"result":{"sessionId":"sess_from_agent"}}`), tr)
	if tr.SessionID() != "cli-provided" {
		t.Errorf("externally supplied session id must win, got %q", tr.SessionID())
	}
}

func TestStopReasonEndsTurn(t *testing.T) {
	tr := newTracker()
	tr.FileAccess("/a.rs", wire.ActionRead)

	line := []byte(`{"jsonrpc":"2.0","id":1,"result":{"stopReason":"end_turn"}}`)
	// context_turns = 3, accessed at turn 0: still in context through
	// turn 3, out at turn 4.
	for range 3 {
		Downstream(line, tr)
	}
	if !tr.Snapshot().Nodes["/a.rs"].InContext {
		t.Fatal("node expired too early")
	}
	Downstream(line, tr)
	if tr.Snapshot().Nodes["/a.rs"].InContext {
		t.Error("node must exit context after the fourth end turn")
	}
}

func TestUsageFromUpdateNotification(t *testing.T) {
	tr := newTracker()
	line := `{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"s1","update":{"sessionUpdate":"usage_update","usedTokens":180000,"maxTokens":200000,"costAmount":0.42,"costCurrency":"USD"}}}`
	Downstream([]byte(line), tr)

	msgs := tr.TakePendingUsage()
	if len(msgs) != 1 {
		t.Fatalf("expected one usage message, got %d", len(msgs))
	}
	if msgs[0].Used != 180000 || msgs[0].Size != 200000 {
		t.Errorf("usage = %+v", msgs[0])
	}
	if msgs[0].Cost == nil || msgs[0].Cost.Amount != 0.42 {
		t.Errorf("cost = %+v", msgs[0].Cost)
	}
}

func TestUsageFromPromptResponse(t *testing.T) {
	tr := newTracker()
	Downstream([]byte(`{"jsonrpc":"2.0","id":1,"result":{"stopReason":"end_turn","usage":{"usedTokens":5000,"maxTokens":200000}}}`), tr)
	msgs := tr.TakePendingUsage()
	if len(msgs) != 1 || msgs[0].Used != 5000 {
		t.Fatalf("usage not extracted from response: %+v", msgs)
	}
	if tr.CurrentTurn() != 1 {
		t.Error("stopReason alongside usage must still end the turn")
	}
}

// -- Edge cases --------------------------------------------------------

func TestMalformedJSONIsNoOp(t *testing.T) {
	tr := newTracker()
	Upstream([]byte("not json at all"), tr)
	Downstream([]byte("{broken"), tr)
	if len(tr.Snapshot().Nodes) != 0 {
		t.Error("malformed lines must be ignored")
	}
}

func TestUnknownMethodIgnored(t *testing.T) {
	tr := newTracker()
	line := []byte(`{"jsonrpc":"2.0","id":99,"method":"some/unknown","params":{}}`)
	Upstream(line, tr)
	Downstream(line, tr)
	if len(tr.Snapshot().Nodes) != 0 {
		t.Error("unknown methods must be ignored")
	}
}

func TestNonPromptResponseIgnored(t *testing.T) {
	tr := newTracker()
	Downstream([]byte(`{"jsonrpc":"2.0","id":1,"result":{"content":"hello"}}`), tr)
	if len(tr.Snapshot().Nodes) != 0 || tr.CurrentTurn() != 0 {
		t.Error("a response without stopReason must not mutate the tracker")
	}
}

func TestPathWithEmbeddedColonInLocation(t *testing.T) {
	tr := newTracker()
	// The colon-stripping heuristic applies only to search output lines,
	// never to structured paths.
	line := `{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"s1","update":{"sessionUpdate":"tool_call","toolCallId":"tc9","title":"Read","kind":"read","status":"completed","content":[],"locations":[{"path":"/odd:name/file.go"}]}}}`
	Downstream([]byte(line), tr)
	if _, ok := tr.Snapshot().Nodes["/odd:name/file.go"]; !ok {
		t.Errorf("structured path with colon lost: %v", nodeKeys(tr))
	}
}

func TestRedirectTargetHelper(t *testing.T) {
	cases := []struct {
		cmd  string
		want string
		ok   bool
	}{
		{"echo hi > out.txt", "out.txt", true},
		{"cat a >> log.txt", "log.txt", true},
		{"ls -la", "", false},
		{"echo >", "", false},
		{"sort < in.txt > out.txt", "out.txt", true},
	}
	for _, c := range cases {
		got, ok := redirectTarget(c.cmd)
		if ok != c.ok || got != c.want {
			t.Errorf("redirectTarget(%q) = %q, %v; want %q, %v", c.cmd, got, ok, c.want, c.ok)
		}
	}
}

func TestToolKindMapping(t *testing.T) {
	cases := map[string]wire.Action{
		"read":    wire.ActionRead,
		"edit":    wire.ActionWrite,
		"delete":  wire.ActionWrite,
		"move":    wire.ActionWrite,
		"search":  wire.ActionSearch,
		"execute": wire.ActionRead,
		"fetch":   wire.ActionRead,
		"other":   wire.ActionRead,
	}
	for kind, want := range cases {
		if got := toolKindAction(kind); got != want {
			t.Errorf("toolKindAction(%q) = %v, want %v", kind, got, want)
		}
	}
}
