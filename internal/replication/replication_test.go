package replication

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"meridian/internal/proto"
)

type fakePeers struct {
	mu      sync.Mutex
	nodes   map[string]NodeInfo
	results map[string]bool // address -> ack ok
}

func (f *fakePeers) GetNode(id string) (NodeInfo, bool) {
	n, ok := f.nodes[id]
	return n, ok
}

func (f *fakePeers) SendClusterEvent(address string, evt proto.ClusterEvent) (proto.ClusterEventAck, error) {
	f.mu.Lock()
	ok := f.results[address]
	f.mu.Unlock()
	return proto.ClusterEventAck{OpID: evt.OpID, OK: ok}, nil
}

func TestReplicateWriteEventualAlwaysReplicated(t *testing.T) {
	peers := &fakePeers{nodes: map[string]NodeInfo{"n2": {ID: "n2", Address: "n2:1"}}, results: map[string]bool{"n2:1": false}}
	p := New("n1", peers, func(proto.ClusterEvent, string) error { return nil }, nil)

	out := p.ReplicateWrite(context.Background(), proto.ClusterEvent{OpID: "op1"}, proto.ConsistencyEventual, []string{"n2"})
	require.True(t, out.Replicated)
}

func TestReplicateWriteQuorumSucceeds(t *testing.T) {
	peers := &fakePeers{
		nodes: map[string]NodeInfo{
			"n2": {ID: "n2", Address: "n2:1"},
			"n3": {ID: "n3", Address: "n3:1"},
		},
		results: map[string]bool{"n2:1": true, "n3:1": false},
	}
	p := New("n1", peers, func(proto.ClusterEvent, string) error { return nil }, nil)

	out := p.ReplicateWrite(context.Background(), proto.ClusterEvent{OpID: "op1"}, proto.ConsistencyQuorum, []string{"n2", "n3"})
	require.True(t, out.Replicated) // self(1) + n2(1) = 2 >= ceil(4/2)=2
}

func TestReplicateWriteStrongFailsOnOneNack(t *testing.T) {
	peers := &fakePeers{
		nodes: map[string]NodeInfo{
			"n2": {ID: "n2", Address: "n2:1"},
			"n3": {ID: "n3", Address: "n3:1"},
		},
		results: map[string]bool{"n2:1": true, "n3:1": false},
	}
	p := New("n1", peers, func(proto.ClusterEvent, string) error { return nil }, nil)
	p.sendTimeout = 0

	out := p.ReplicateWrite(context.Background(), proto.ClusterEvent{OpID: "op1"}, proto.ConsistencyStrong, []string{"n2", "n3"})
	require.False(t, out.Replicated)
}

func TestApplyReplicatedDedupsByOpID(t *testing.T) {
	calls := 0
	peers := &fakePeers{nodes: map[string]NodeInfo{}}
	p := New("n1", peers, func(proto.ClusterEvent, string) error { calls++; return nil }, nil)

	require.NoError(t, p.ApplyReplicated(proto.ClusterEvent{OpID: "op1"}, "n2"))
	require.NoError(t, p.ApplyReplicated(proto.ClusterEvent{OpID: "op1"}, "n2"))
	require.Equal(t, 1, calls)
}
