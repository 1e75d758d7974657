package cluster

import (
	"strings"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// GossipDiscovery is the optional discovery mode named in spec.md §2
// row 4 ("optional discovery"); the default mode remains Manager's
// static/HTTP-announced Join/Leave, matching the teacher's
// internal/cluster/membership.go comment that a gossip protocol like
// SWIM/Serf is a drop-in upgrade over static membership. Wired to
// hashicorp/memberlist, the library the pack's moby/moby vendors its
// own Serf integration on top of.
type GossipDiscovery struct {
	list    *memberlist.Memberlist
	manager *Manager
	logger  *zap.Logger
}

// memberlistDelegate translates memberlist join/leave notifications
// into Manager.Join/Leave calls.
type memberlistDelegate struct {
	manager *Manager
	logger  *zap.Logger
}

func (d *memberlistDelegate) NotifyJoin(n *memberlist.Node) {
	if n.Name == d.manager.SelfID() {
		return
	}
	if err := d.manager.Join(Node{ID: n.Name, Address: nodeAddress(n)}); err != nil {
		d.logger.Debug("gossip join ignored", zap.String("nodeId", n.Name), zap.Error(err))
	}
}

func (d *memberlistDelegate) NotifyLeave(n *memberlist.Node) {
	if n.Name == d.manager.SelfID() {
		return
	}
	_ = d.manager.Leave(n.Name)
}

func (d *memberlistDelegate) NotifyUpdate(n *memberlist.Node) {
	d.manager.MarkAlive(n.Name)
}

func nodeAddress(n *memberlist.Node) string {
	return n.Addr.String() + ":" + itoaPort(n.Port)
}

func itoaPort(port uint16) string {
	var b strings.Builder
	if port == 0 {
		return "0"
	}
	digits := []byte{}
	for port > 0 {
		digits = append(digits, byte('0'+port%10))
		port /= 10
	}
	for i := len(digits) - 1; i >= 0; i-- {
		b.WriteByte(digits[i])
	}
	return b.String()
}

// NewGossipDiscovery starts a memberlist agent bound to bindAddr:bindPort
// under nodeName, wiring its membership events into manager. seeds are
// existing cluster members to contact for the initial join.
func NewGossipDiscovery(manager *Manager, nodeName, bindAddr string, bindPort int, seeds []string, logger *zap.Logger) (*GossipDiscovery, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := memberlist.DefaultLANConfig()
	cfg.Name = nodeName
	cfg.BindAddr = bindAddr
	cfg.BindPort = bindPort
	cfg.Events = &memberlistDelegate{manager: manager, logger: logger}

	list, err := memberlist.Create(cfg)
	if err != nil {
		return nil, err
	}
	if len(seeds) > 0 {
		if _, err := list.Join(seeds); err != nil {
			logger.Warn("gossip seed join incomplete", zap.Error(err))
		}
	}
	return &GossipDiscovery{list: list, manager: manager, logger: logger}, nil
}

// Leave gracefully departs the gossip cluster.
func (g *GossipDiscovery) Leave() error {
	return g.list.Leave(5 * time.Second)
}

// Shutdown stops the local memberlist agent.
func (g *GossipDiscovery) Shutdown() error {
	return g.list.Shutdown()
}
