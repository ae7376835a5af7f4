// Package extract turns forwarded ACP JSON-RPC lines into tracker
// mutations. One entry point per direction; no I/O. Lines that fail to
// parse and methods nobody recognizes are absence of information, not
// errors.
//
// Channels covered:
//
//	session/prompt       editor → agent   embedded resources, resource links
//	terminal responses   editor → agent   output scan for correlated request IDs
//	session/update       agent → editor   tool_call / tool_call_update / usage_update
//	fs/read_text_file    agent → editor   read access
//	fs/write_text_file   agent → editor   write access
//	terminal/output      agent → editor   marks the request ID for the scan above
//	prompt responses     agent → editor   stopReason ends the turn; sessionId and
//	                                      usage are picked up on the way through
package extract

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/ehrlich-b/sightline/internal/logger"
	"github.com/ehrlich-b/sightline/internal/tracker"
	"github.com/ehrlich-b/sightline/internal/wire"
)

// ACP method names the extractor understands.
const (
	MethodSessionPrompt  = "session/prompt"
	MethodSessionUpdate  = "session/update"
	MethodReadTextFile   = "fs/read_text_file"
	MethodWriteTextFile  = "fs/write_text_file"
	MethodTerminalOutput = "terminal/output"
)

// Upstream extracts context from one editor → agent line.
func Upstream(line []byte, t *tracker.Tracker) {
	msg, ok := wire.ParseRPC(line)
	if !ok {
		return
	}

	if msg.Method == "" {
		// Responses flowing upstream: the only interesting one is the
		// reply to a terminal/output request the downstream side marked.
		if id, ok := msg.IDUint64(); ok && t.TakePendingTerminalOutput(id) {
			var result struct {
				Output string `json:"output"`
			}
			if err := json.Unmarshal(msg.Result, &result); err == nil && result.Output != "" {
				scanOutputForPaths(result.Output, t)
			}
		}
		return
	}

	if msg.Method != MethodSessionPrompt {
		return
	}
	var params promptParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		logger.Warn("malformed session/prompt params", "error", err)
		return
	}
	for _, block := range params.Prompt {
		switch block.Type {
		case "resource":
			if block.Resource == nil {
				continue
			}
			if path, ok := uriToPath(block.Resource.URI); ok {
				t.FileAccess(path, wire.ActionUserProvided)
			}
		case "resource_link":
			if path, ok := uriToPath(block.URI); ok {
				t.FileAccess(path, wire.ActionUserReferenced)
			}
		}
	}
}

// Downstream extracts context from one agent → editor line.
func Downstream(line []byte, t *tracker.Tracker) {
	msg, ok := wire.ParseRPC(line)
	if !ok {
		return
	}

	if msg.Method == "" {
		if len(msg.Result) > 0 {
			extractFromResult(msg.Result, t)
		}
		return
	}

	switch msg.Method {
	case MethodSessionUpdate:
		var params updateParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			logger.Warn("malformed session/update params", "error", err)
			return
		}
		extractFromUpdate(&params.Update, t)
	case MethodReadTextFile:
		if path := paramsPath(msg.Params); path != "" {
			t.FileAccess(path, wire.ActionRead)
		}
	case MethodWriteTextFile:
		if path := paramsPath(msg.Params); path != "" {
			t.FileAccess(path, wire.ActionWrite)
		}
	case MethodTerminalOutput:
		if id, ok := msg.IDUint64(); ok {
			t.AddPendingTerminalOutput(id)
		}
	}
}

// ---------------------------------------------------------------------------
// Typed params
// ---------------------------------------------------------------------------

type promptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []contentBlock `json:"prompt"`
}

type contentBlock struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	URI      string        `json:"uri,omitempty"`
	Resource *resourceBody `json:"resource,omitempty"`
}

type resourceBody struct {
	URI string `json:"uri"`
}

type updateParams struct {
	SessionID string     `json:"sessionId"`
	Update    updateBody `json:"update"`
}

// updateBody is the session/update discriminated union, flattened. The
// SessionUpdate field selects which of the rest applies.
type updateBody struct {
	SessionUpdate string        `json:"sessionUpdate"`
	ToolCallID    string        `json:"toolCallId,omitempty"`
	Title         string        `json:"title,omitempty"`
	Kind          string        `json:"kind,omitempty"`
	Content       []toolContent `json:"content,omitempty"`
	Locations     []location    `json:"locations,omitempty"`
	UsedTokens    int           `json:"usedTokens,omitempty"`
	MaxTokens     int           `json:"maxTokens,omitempty"`
	CostAmount    float64       `json:"costAmount,omitempty"`
	CostCurrency  string        `json:"costCurrency,omitempty"`
}

type toolContent struct {
	Type    string        `json:"type"`
	Path    string        `json:"path,omitempty"`
	Content *contentBlock `json:"content,omitempty"`
}

type location struct {
	Path string `json:"path"`
}

// ---------------------------------------------------------------------------
// Extraction helpers
// ---------------------------------------------------------------------------

func extractFromResult(result json.RawMessage, t *tracker.Tracker) {
	var body struct {
		SessionID  string `json:"sessionId"`
		StopReason string `json:"stopReason"`
		Usage      *struct {
			UsedTokens int `json:"usedTokens"`
			MaxTokens  int `json:"maxTokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(result, &body); err != nil {
		return
	}
	// A session ID supplied up front wins permanently over auto-detection.
	if body.SessionID != "" && t.SessionID() == "" {
		t.SetSessionID(body.SessionID)
		logger.Info("auto-detected session id", "session_id", body.SessionID)
	}
	if body.Usage != nil {
		t.UsageUpdate(body.Usage.UsedTokens, body.Usage.MaxTokens, nil)
	}
	if body.StopReason != "" {
		t.EndTurn()
	}
}

func extractFromUpdate(u *updateBody, t *tracker.Tracker) {
	switch u.SessionUpdate {
	case "tool_call":
		action := toolKindAction(u.Kind)
		for _, loc := range u.Locations {
			if loc.Path != "" {
				t.FileAccess(loc.Path, action)
			}
		}
		extractDiffPaths(u.Content, t)
		if u.Kind == "search" || u.Kind == "execute" {
			extractSearchResultPaths(u.Content, t)
		}
		if u.Kind == "execute" {
			extractShellWritePaths(u.Title, t)
		}
	case "tool_call_update":
		// All fields optional; an absent kind defaults to read.
		action := wire.ActionRead
		if u.Kind != "" {
			action = toolKindAction(u.Kind)
		}
		for _, loc := range u.Locations {
			if loc.Path != "" {
				t.FileAccess(loc.Path, action)
			}
		}
		extractDiffPaths(u.Content, t)
		if u.Kind == "search" || u.Kind == "execute" {
			extractSearchResultPaths(u.Content, t)
		}
	case "usage_update":
		var cost *wire.Cost
		if u.CostCurrency != "" {
			cost = &wire.Cost{Amount: u.CostAmount, Currency: u.CostCurrency}
		}
		t.UsageUpdate(u.UsedTokens, u.MaxTokens, cost)
	}
}

// extractDiffPaths records every diff content block's path as a write;
// a diff always represents a modification.
func extractDiffPaths(content []toolContent, t *tracker.Tracker) {
	for _, item := range content {
		if item.Type == "diff" && item.Path != "" {
			t.FileAccess(item.Path, wire.ActionWrite)
		}
	}
}

// extractSearchResultPaths scans text content of search/execute tool
// results. Search tools return one file per line, usually absolute and
// often grep-style with ":line:" suffixes.
func extractSearchResultPaths(content []toolContent, t *tracker.Tracker) {
	for _, item := range content {
		if item.Type != "content" || item.Content == nil || item.Content.Type != "text" {
			continue
		}
		scanOutputForPaths(item.Content.Text, t)
	}
}

// scanOutputForPaths records every line that looks like a file path.
// Shared by the search-result scan and the terminal-output scan.
func scanOutputForPaths(text string, t *tracker.Tracker) {
	for _, line := range strings.Split(text, "\n") {
		path, ok := pathFromLine(strings.TrimSpace(line))
		if !ok {
			continue
		}
		if filepath.Ext(path) == "" {
			continue // directories and bare words are too noisy to track
		}
		t.FileAccess(path, wire.ActionSearch)
	}
}

// pathFromLine pulls an absolute path from a search output line,
// handling `/path/to/file.rs` and `/path/to/file.rs:42:…` shapes.
func pathFromLine(line string) (string, bool) {
	if !strings.HasPrefix(line, "/") {
		return "", false
	}
	path := line
	if idx := strings.Index(line, ":"); idx >= 0 {
		path = line[:idx]
	}
	path = strings.TrimSpace(path)
	if len(path) <= 1 {
		return "", false
	}
	return path, true
}

// extractShellWritePaths detects redirect targets in shell command
// titles, e.g. `echo x > notes.txt && cat >> log.txt`. Best-effort: it
// misses quoted targets and misattributes here-docs.
func extractShellWritePaths(title string, t *tracker.Tracker) {
	for _, chunk := range strings.Split(title, "&&") {
		for _, part := range strings.Split(chunk, ";") {
			if target, ok := redirectTarget(strings.TrimSpace(part)); ok {
				t.FileAccess(target, wire.ActionWrite)
			}
		}
	}
}

// redirectTarget returns the first token after the last `>>` or `>`.
func redirectTarget(cmd string) (string, bool) {
	var after string
	if idx := strings.LastIndex(cmd, ">>"); idx >= 0 {
		after = cmd[idx+2:]
	} else if idx := strings.LastIndex(cmd, ">"); idx >= 0 {
		after = cmd[idx+1:]
	} else {
		return "", false
	}
	fields := strings.Fields(after)
	if len(fields) == 0 {
		return "", false
	}
	return fields[0], true
}

// toolKindAction maps an ACP tool kind to a tracked action. Execute,
// fetch, think and the rest have no file-level meaning and map to read.
func toolKindAction(kind string) wire.Action {
	switch kind {
	case "read":
		return wire.ActionRead
	case "edit", "delete", "move":
		return wire.ActionWrite
	case "search":
		return wire.ActionSearch
	default:
		return wire.ActionRead
	}
}

// uriToPath strips the file:// scheme. Non-file URIs carry no path.
func uriToPath(uri string) (string, bool) {
	path, ok := strings.CutPrefix(uri, "file://")
	if !ok || path == "" {
		return "", false
	}
	return path, true
}

func paramsPath(params json.RawMessage) string {
	var p struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return ""
	}
	return p.Path
}
