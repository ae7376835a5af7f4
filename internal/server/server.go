// Package server serves read-only observers over TCP. Each connection
// gets the current snapshot on accept, then the live delta/usage/blocked
// stream, optionally filtered. A small ndJSON request surface covers
// snapshot refresh, stream filters, and the session-registry RPCs.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/ehrlich-b/sightline/internal/broadcast"
	"github.com/ehrlich-b/sightline/internal/logger"
	"github.com/ehrlich-b/sightline/internal/orchestrator"
	"github.com/ehrlich-b/sightline/internal/registry"
	"github.com/ehrlich-b/sightline/internal/tracker"
	"github.com/ehrlich-b/sightline/internal/wire"
)

// DefaultPort is the observer TCP port when the caller picks none.
const DefaultPort = 17320

const maxLineBuffer = 1024 * 1024

// Server owns the accept loop and the per-connection handlers.
type Server struct {
	Tracker    *tracker.Tracker
	Registry   *registry.Registry
	Aggregator *orchestrator.Aggregator
	Hub        *broadcast.Hub
}

// Serve accepts observers on ln until ctx is cancelled. Per-connection
// errors never stop the loop.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		logger.Debug("observer connected", "remote", conn.RemoteAddr().String())
		go func() {
			defer logger.Debug("observer disconnected", "remote", conn.RemoteAddr().String())
			s.handleConn(ctx, conn)
		}()
	}
}

// streamFilter is one connection's view selection. The zero value
// forwards everything.
type streamFilter struct {
	sessionID string
	mode      wire.SessionMode
}

func (f streamFilter) matches(line broadcast.Line) bool {
	if f.sessionID != "" {
		return line.SessionID == f.sessionID
	}
	if f.mode != "" {
		return line.SessionMode == f.mode
	}
	return true
}

// conn bundles one connection's shared state: the socket writer (two
// goroutines write to it), and the filter (reader sets, forwarder reads).
type conn struct {
	netConn net.Conn

	writeMu sync.Mutex

	filterMu sync.Mutex
	filter   streamFilter
}

func (c *conn) writeLine(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.netConn.Write(payload)
	return err
}

func (c *conn) writeJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.writeLine(append(raw, '\n'))
}

func (c *conn) currentFilter() streamFilter {
	c.filterMu.Lock()
	defer c.filterMu.Unlock()
	return c.filter
}

func (c *conn) setFilter(f streamFilter) {
	c.filterMu.Lock()
	defer c.filterMu.Unlock()
	c.filter = f
}

func (s *Server) handleConn(ctx context.Context, netConn net.Conn) {
	defer netConn.Close()
	c := &conn{netConn: netConn}

	// Subscribe before the initial snapshot so no delta published in
	// between is lost; anything already queued is newer than the
	// snapshot and applies cleanly on top.
	sub := s.Hub.Subscribe()
	defer sub.Close()

	if err := c.writeJSON(s.resolveSnapshot("", c.currentFilter())); err != nil {
		return
	}

	// Outbound forwarder.
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.forward(c, sub)
	}()

	// Inbound reader. Closing the socket on exit stops the forwarder.
	s.readLoop(c)
	netConn.Close()
	sub.Close()
	<-done
}

// forward drains the subscription into the socket, resynchronizing with
// a fresh snapshot whenever the subscription reports lag.
func (s *Server) forward(c *conn, sub *broadcast.Subscription) {
	for {
		line, err := sub.Recv()
		switch {
		case errors.Is(err, broadcast.ErrLagged):
			logger.Debug("observer lagged, sending fresh snapshot")
			if werr := c.writeJSON(s.resolveSnapshot("", c.currentFilter())); werr != nil {
				return
			}
			continue
		case err != nil:
			return
		}
		if !c.currentFilter().matches(line) {
			continue
		}
		if err := c.writeLine(line.Payload); err != nil {
			return
		}
	}
}

// readLoop decodes client lines until the socket closes. Malformed JSON
// is logged and dropped; unknown message types are ignored.
func (s *Server) readLoop(c *conn) {
	reader := bufio.NewReaderSize(c.netConn, maxLineBuffer)
	for {
		raw, err := reader.ReadBytes('\n')
		if len(raw) > 0 {
			s.handleClientLine(c, raw)
		}
		if err != nil {
			if err != io.EOF {
				logger.Debug("observer read error", "error", err)
			}
			return
		}
	}
}

func (s *Server) handleClientLine(c *conn, raw []byte) {
	var msg wire.ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		logger.Warn("malformed observer message dropped", "error", err)
		return
	}

	switch msg.Type {
	case wire.TypeRequestSnapshot:
		snap := s.resolveSnapshot(msg.SessionID, c.currentFilter())
		if err := c.writeJSON(snap); err != nil {
			logger.Debug("snapshot write failed", "error", err)
		}
	case wire.TypeSetStreamFilter:
		c.setFilter(streamFilter{sessionID: msg.SessionID, mode: msg.SessionMode})
	case wire.TypeRPC:
		resp := s.handleRPC(msg)
		if err := c.writeJSON(resp); err != nil {
			logger.Debug("rpc response write failed", "error", err)
		}
	default:
		// Unknown message types are silently ignored.
	}
}
