package cluster

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Heartbeat periodically pings every known peer's admin-reachable
// endpoint; a peer that misses heartbeatMissesToSuspect consecutive
// checks is marked suspect, and eventually reaped by Manager.ReapFailed
// once it has been suspect past the reassign delay (spec.md §4.2d).
type Heartbeat struct {
	manager  *Manager
	interval time.Duration
	logger   *zap.Logger

	misses map[string]int
}

const heartbeatMissesToSuspect = 2

// NewHeartbeat creates a heartbeat loop ticking at interval (spec.md §5
// names a 5s check cadence for the analogous connection heartbeat; the
// cluster heartbeat reuses that default).
func NewHeartbeat(m *Manager, interval time.Duration, logger *zap.Logger) *Heartbeat {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Heartbeat{manager: m, interval: interval, logger: logger, misses: make(map[string]int)}
}

// Run blocks, ticking until ctx is cancelled.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.tick()
		}
	}
}

func (h *Heartbeat) tick() {
	self := h.manager.SelfID()
	for _, n := range h.manager.AllNodes() {
		if n.ID == self {
			continue
		}
		var pong struct {
			NodeID string `json:"nodeId"`
		}
		err := h.manager.RPC().Post(n.Address, "/internal/cluster/ping", map[string]string{"from": self}, &pong)
		if err != nil {
			h.misses[n.ID]++
			if h.misses[n.ID] >= heartbeatMissesToSuspect {
				h.manager.MarkSuspect(n.ID)
				h.logger.Warn("peer heartbeat missed, marked suspect",
					zap.String("nodeId", n.ID), zap.Int("misses", h.misses[n.ID]))
			}
			continue
		}
		h.misses[n.ID] = 0
		h.manager.MarkAlive(n.ID)
	}
	h.manager.ReapFailed()
}
