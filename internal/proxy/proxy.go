// Package proxy bridges the editor and the agent byte-for-byte. Two
// tasks run independently so neither direction blocks the other: one
// pumps editor stdin into the agent, the other pumps agent stdout back
// out. Every line is shown to the extractor on the way through, and the
// downstream task optionally enforces the zone policy inline.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/ehrlich-b/sightline/internal/broadcast"
	"github.com/ehrlich-b/sightline/internal/extract"
	"github.com/ehrlich-b/sightline/internal/logger"
	"github.com/ehrlich-b/sightline/internal/tracker"
	"github.com/ehrlich-b/sightline/internal/wire"
	"github.com/ehrlich-b/sightline/internal/zone"
)

// ZoneViolationCode is the JSON-RPC error code for a blocked access.
const ZoneViolationCode = -32001

const maxLineBuffer = 1024 * 1024

// Agent is the spawned ACP agent subprocess with piped stdio.
type Agent struct {
	Cmd    *exec.Cmd
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
}

// SpawnAgent starts the agent with piped stdin/stdout. Its stderr is
// inherited so diagnostics pass straight through.
func SpawnAgent(ctx context.Context, command string, args []string) (*Agent, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent %q: %w", command, err)
	}
	return &Agent{Cmd: cmd, Stdin: stdin, Stdout: stdout}, nil
}

// UpstreamTask reads lines from the editor, extracts context, and
// forwards each line unchanged to the agent. Returns on EOF.
func UpstreamTask(editor io.Reader, agent io.Writer, tr *tracker.Tracker) error {
	reader := bufio.NewReaderSize(editor, maxLineBuffer)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
				extract.Upstream(trimmed, tr)
			}
			if _, werr := agent.Write(line); werr != nil {
				return fmt.Errorf("write to agent: %w", werr)
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read from editor: %w", err)
		}
	}
}

// DownstreamTask reads lines from the agent, enforces the zone policy
// when one is attached, extracts context, and forwards each surviving
// line unchanged to the editor. A blocked request never reaches the
// editor: the proxy answers it with a JSON-RPC error, records the
// access, and publishes a blocked message instead. Returns on EOF.
func DownstreamTask(agent io.Reader, editor io.Writer, tr *tracker.Tracker, zones *zone.Store, hub *broadcast.Hub) error {
	reader := bufio.NewReaderSize(agent, maxLineBuffer)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			if handled, herr := handleDownstreamLine(line, editor, tr, zones, hub); herr != nil {
				return herr
			} else if !handled {
				if _, werr := editor.Write(line); werr != nil {
					return fmt.Errorf("write to editor: %w", werr)
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read from agent: %w", err)
		}
	}
}

// handleDownstreamLine applies zone enforcement and extraction. Returns
// handled=true when the line was consumed (blocked) and must not be
// forwarded.
func handleDownstreamLine(line []byte, editor io.Writer, tr *tracker.Tracker, zones *zone.Store, hub *broadcast.Hub) (bool, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return false, nil
	}

	if zones != nil {
		if cfg := zones.Active(); cfg != nil {
			if violation, ok := checkZoneViolation(trimmed, cfg); ok {
				if err := blockAccess(violation, editor, tr, hub); err != nil {
					return true, err
				}
				return true, nil
			}
		}
	}

	extract.Downstream(trimmed, tr)
	return false, nil
}

// zoneViolation describes one refused file access.
type zoneViolation struct {
	path   string
	action string // "read" or "write"
	id     json.RawMessage
}

// checkZoneViolation classifies the line as an fs read/write with an
// out-of-zone path. Anything else passes.
func checkZoneViolation(line []byte, cfg *zone.Config) (zoneViolation, bool) {
	msg, ok := wire.ParseRPC(line)
	if !ok || msg.Method == "" {
		return zoneViolation{}, false
	}

	var action string
	switch msg.Method {
	case extract.MethodReadTextFile:
		action = "read"
	case extract.MethodWriteTextFile:
		action = "write"
	default:
		return zoneViolation{}, false
	}

	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.Path == "" {
		return zoneViolation{}, false
	}
	if cfg.IsAllowed(params.Path) {
		return zoneViolation{}, false
	}

	v := zoneViolation{path: params.Path, action: action}
	if msg.ID != nil {
		v.id = *msg.ID
	}
	return v, true
}

// blockAccess records the refusal, answers the agent's request with a
// zone-violation error, and tells the observers.
func blockAccess(v zoneViolation, editor io.Writer, tr *tracker.Tracker, hub *broadcast.Hub) error {
	logger.Warn("blocked out-of-zone access", "path", v.path, "action", v.action)

	tr.FileAccess(v.path, wire.ActionBlocked)
	agentID := tr.AgentID()
	sessionID := tr.SessionID()

	if v.id != nil {
		resp := wire.RPCMessage{
			JSONRPC: "2.0",
			ID:      &v.id,
			Error: &wire.RPCError{
				Code:    ZoneViolationCode,
				Message: fmt.Sprintf("Outside agent zone: %s. Request cross-region info through the orchestrator.", v.path),
			},
		}
		raw, err := json.Marshal(resp)
		if err != nil {
			return fmt.Errorf("marshal zone error: %w", err)
		}
		if _, err := editor.Write(append(raw, '\n')); err != nil {
			return fmt.Errorf("write zone error: %w", err)
		}
	}

	if hub != nil {
		if _, err := hub.PublishJSON(sessionID, wire.ModeSingleAgent,
			wire.NewBlocked(agentID, sessionID, v.path, v.action)); err != nil {
			logger.Warn("publish blocked message failed", "error", err)
		}
	}
	return nil
}
