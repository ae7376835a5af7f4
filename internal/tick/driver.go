// Package tick drives the steady cadence of the pipeline: drain pending
// usage, tick the tracker, tick the orchestrator aggregator, and publish
// everything that came out. The interval adapts — fast while things
// change, backed off when nothing has happened for a while.
package tick

import (
	"context"
	"time"

	"github.com/ehrlich-b/sightline/internal/broadcast"
	"github.com/ehrlich-b/sightline/internal/logger"
	"github.com/ehrlich-b/sightline/internal/orchestrator"
	"github.com/ehrlich-b/sightline/internal/registry"
	"github.com/ehrlich-b/sightline/internal/tracker"
	"github.com/ehrlich-b/sightline/internal/wire"
)

// Defaults for the adaptive interval.
const (
	DefaultInterval     = 100 * time.Millisecond
	DefaultIdleInterval = 500 * time.Millisecond
	DefaultIdleAfter    = 20 // quiet ticks before backing off
)

// Driver owns the periodic loop.
type Driver struct {
	Tracker    *tracker.Tracker
	Registry   *registry.Registry
	Aggregator *orchestrator.Aggregator
	Hub        *broadcast.Hub

	// Interval is the active cadence; IdleInterval applies after
	// IdleAfter consecutive quiet ticks. Zero values take the defaults.
	Interval     time.Duration
	IdleInterval time.Duration
	IdleAfter    int
}

// Run loops until ctx is cancelled. In-flight publications are
// best-effort; cancellation between ticks is immediate.
func (d *Driver) Run(ctx context.Context) {
	interval := d.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	idleInterval := d.IdleInterval
	if idleInterval <= 0 {
		idleInterval = DefaultIdleInterval
	}
	idleAfter := d.IdleAfter
	if idleAfter <= 0 {
		idleAfter = DefaultIdleAfter
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()

	idleTicks := 0
	current := interval
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		active := d.tickOnce()

		// Back off when idle, snap back on activity.
		if active {
			idleTicks = 0
			current = interval
		} else {
			idleTicks++
			if idleTicks >= idleAfter {
				current = idleInterval
			}
		}
		timer.Reset(current)
	}
}

// tickOnce runs one iteration and reports whether anything was published.
func (d *Driver) tickOnce() bool {
	active := false

	usage := d.Tracker.TakePendingUsage()
	for _, msg := range usage {
		active = true
		d.publish(msg.SessionID, msg.SessionMode, msg)
	}

	for _, delta := range d.Tracker.Tick() {
		active = true
		logger.Debug("delta", "session_id", delta.SessionID, "seq", delta.Seq,
			"updates", len(delta.Updates), "removed", len(delta.Removed))
		d.publish(delta.SessionID, delta.SessionMode, delta)
	}

	if d.Aggregator != nil && d.Registry != nil {
		for _, msg := range d.Aggregator.AggregateUsage(d.Tracker, d.Registry, usage) {
			active = true
			d.publish(msg.SessionID, msg.SessionMode, msg)
		}
		for _, delta := range d.Aggregator.Tick(d.Tracker, d.Registry) {
			active = true
			d.publish(delta.SessionID, delta.SessionMode, delta)
		}
	}

	return active
}

func (d *Driver) publish(sessionID string, mode wire.SessionMode, v any) {
	if _, err := d.Hub.PublishJSON(sessionID, mode, v); err != nil {
		logger.Warn("broadcast publish failed", "error", err)
	}
}
