package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"meridian/internal/crdt"
	"meridian/internal/hlc"
	"meridian/internal/partition"
	"meridian/internal/policy"
	"meridian/internal/proto"
	"meridian/internal/query"
	"meridian/internal/replication"
	"meridian/internal/writeack"
)

func localOwnerRegistry(nodeID string) *partition.Registry {
	reg := partition.NewRegistry(partition.DefaultCount)
	assignments := make([]partition.Assignment, partition.DefaultCount)
	for i := range assignments {
		assignments[i] = partition.Assignment{PartitionID: i, OwnerNodeID: nodeID}
	}
	reg.Publish(partition.NewMap(1, partition.DefaultCount, assignments))
	return reg
}

type fakeForwarder struct {
	forwardedTo string
	body        any
}

func (f *fakeForwarder) Forward(targetNodeID string, body any) {
	f.forwardedTo = targetNodeID
	f.body = body
}

type fakeSearchIndex struct {
	calls []string
}

func (f *fakeSearchIndex) OnDataChange(mapName, key string, doc any, deleted bool) error {
	f.calls = append(f.calls, mapName+"/"+key)
	return nil
}

func testClock() *hlc.Clock { return hlc.New("n1") }

func putOp(mapName, key string, value []byte, concern proto.WriteConcern) proto.ClientOp {
	return proto.ClientOp{
		ID:           "op-" + key,
		MapName:      mapName,
		Key:          key,
		OpType:       proto.OpPut,
		Record:       &proto.LWWRecordWire{Value: value, Timestamp: hlc.Timestamp{WallMS: 100, Counter: 1, NodeID: "n1"}},
		WriteConcern: concern,
	}
}

func TestProcessOpRejectsWhenPolicyDenies(t *testing.T) {
	p := New(Deps{
		SelfNodeID: "n1",
		Clock:      testClock(),
		Partitions: localOwnerRegistry("n1"),
		Policy:     policy.New(), // no rules -> fail closed
		Maps:       NewMapRegistry(4),
	})

	out := p.ProcessOp(context.Background(), Request{Op: putOp("orders", "k1", []byte(`1`), proto.ConcernMemory), PrincipalRoles: []string{"USER"}})
	require.Equal(t, StatusRejected, out.Status)
}

func TestProcessOpForwardsWhenNotOwner(t *testing.T) {
	fwd := &fakeForwarder{}
	p := New(Deps{
		SelfNodeID: "n1",
		Clock:      testClock(),
		Partitions: localOwnerRegistry("n2"),
		Policy:     policy.New(policy.DefaultUserRules()...),
		Forwarder:  fwd,
		Maps:       NewMapRegistry(4),
	})

	out := p.ProcessOp(context.Background(), Request{Op: putOp("orders", "k1", []byte(`1`), proto.ConcernMemory), PrincipalRoles: []string{"USER"}})
	require.Equal(t, StatusForwarded, out.Status)
	require.Equal(t, "n2", fwd.forwardedTo)
}

func TestProcessOpAppliesLWWPutAndNotifiesApplied(t *testing.T) {
	p := New(Deps{
		SelfNodeID: "n1",
		Clock:      testClock(),
		Partitions: localOwnerRegistry("n1"),
		Policy:     policy.New(policy.DefaultUserRules()...),
		Maps:       NewMapRegistry(4),
		WriteAck:   writeack.NewTable(nil),
		Queries:    query.NewRegistry(),
	})

	out := p.ProcessOp(context.Background(), Request{Op: putOp("orders", "k1", []byte(`42`), proto.ConcernApplied), PrincipalRoles: []string{"USER"}})
	require.Equal(t, StatusApplied, out.Status)
	require.NotNil(t, out.Ack)

	result := <-out.Ack
	require.True(t, result.Success)
	require.Equal(t, proto.ConcernApplied, result.AchievedLevel)

	m, err := p.deps.Maps.LWW("orders")
	require.NoError(t, err)
	v, ok := m.Get("k1")
	require.True(t, ok)
	require.Equal(t, []byte(`42`), v)
}

func TestProcessOpAppliesORAddAndRemove(t *testing.T) {
	p := New(Deps{
		SelfNodeID: "n1",
		Clock:      testClock(),
		Partitions: localOwnerRegistry("n1"),
		Policy:     policy.New(policy.DefaultUserRules()...),
		Maps:       NewMapRegistry(4),
	})

	addOp := proto.ClientOp{
		MapName:  "tags",
		Key:      "post1",
		OpType:   proto.OpORAdd,
		ORRecord: &proto.ORRecordWire{Tag: "t1", Value: []byte(`"fun"`), Timestamp: hlc.Timestamp{WallMS: 10, NodeID: "n1"}},
	}
	out := p.ProcessOp(context.Background(), Request{Op: addOp, PrincipalRoles: []string{"USER"}})
	require.Equal(t, StatusApplied, out.Status)

	m, err := p.deps.Maps.OR("tags")
	require.NoError(t, err)
	require.Len(t, m.Values("post1"), 1)

	removeOp := proto.ClientOp{MapName: "tags", Key: "post1", OpType: proto.OpORRemove, ORTag: "t1"}
	out = p.ProcessOp(context.Background(), Request{Op: removeOp, PrincipalRoles: []string{"USER"}})
	require.Equal(t, StatusApplied, out.Status)
	require.Len(t, m.Values("post1"), 0)
}

type fakePeers struct {
	acks map[string]bool
}

func (f *fakePeers) GetNode(id string) (replication.NodeInfo, bool) {
	return replication.NodeInfo{ID: id, Address: id}, true
}

func (f *fakePeers) SendClusterEvent(address string, evt proto.ClusterEvent) (proto.ClusterEventAck, error) {
	return proto.ClusterEventAck{OpID: evt.OpID, OK: f.acks[address]}, nil
}

func TestProcessOpReplicatesAndNotifiesReplicated(t *testing.T) {
	peers := &fakePeers{acks: map[string]bool{"n2": true}}
	repl := replication.New("n1", peers, func(proto.ClusterEvent, string) error { return nil }, nil)

	reg := partition.NewRegistry(1)
	reg.Publish(partition.NewMap(1, 1, []partition.Assignment{{PartitionID: 0, OwnerNodeID: "n1", BackupNodeIDs: []string{"n2"}}}))

	p := New(Deps{
		SelfNodeID:  "n1",
		Clock:       testClock(),
		Partitions:  reg,
		Policy:      policy.New(policy.DefaultUserRules()...),
		Maps:        NewMapRegistry(4),
		WriteAck:    writeack.NewTable(nil),
		Replication: repl,
	})

	out := p.ProcessOp(context.Background(), Request{Op: putOp("orders", "k1", []byte(`1`), proto.ConcernReplicated), PrincipalRoles: []string{"USER"}})
	result := <-out.Ack
	require.True(t, result.Success)
	require.Equal(t, proto.ConcernReplicated, result.AchievedLevel)
}

func TestConflictResolverOverridesPlainMerge(t *testing.T) {
	p := New(Deps{
		SelfNodeID: "n1",
		Clock:      testClock(),
		Partitions: localOwnerRegistry("n1"),
		Policy:     policy.New(policy.DefaultUserRules()...),
		Maps:       NewMapRegistry(4),
	})

	p.RegisterConflictResolver("orders", "*", func(local, incoming crdt.LWWRecord[[]byte]) crdt.LWWRecord[[]byte] {
		return crdt.LWWRecord[[]byte]{Value: incoming.Value, Timestamp: incoming.Timestamp}
	})

	// Merge a newer-timestamped op first; plain Merge would reject the
	// subsequent older write, but the registered resolver always wins.
	newer := putOp("orders", "k1", []byte(`"new"`), "")
	newer.Record.Timestamp = hlc.Timestamp{WallMS: 500, NodeID: "n1"}
	p.ProcessOp(context.Background(), Request{Op: newer, PrincipalRoles: []string{"USER"}})

	older := putOp("orders", "k1", []byte(`"old"`), "")
	older.Record.Timestamp = hlc.Timestamp{WallMS: 100, NodeID: "n1"}
	p.ProcessOp(context.Background(), Request{Op: older, PrincipalRoles: []string{"USER"}})

	m, _ := p.deps.Maps.LWW("orders")
	v, _ := m.Get("k1")
	require.Equal(t, []byte(`"old"`), v) // resolver unconditionally stores the incoming record
}

func TestProcessOpInvokesSearchIndexHook(t *testing.T) {
	idx := &fakeSearchIndex{}
	p := New(Deps{
		SelfNodeID:  "n1",
		Clock:       testClock(),
		Partitions:  localOwnerRegistry("n1"),
		Policy:      policy.New(policy.DefaultUserRules()...),
		Maps:        NewMapRegistry(4),
		SearchIndex: idx,
	})

	p.ProcessOp(context.Background(), Request{Op: putOp("orders", "k1", []byte(`1`), proto.ConcernMemory), PrincipalRoles: []string{"USER"}})
	require.Equal(t, []string{"orders/k1"}, idx.calls)
}

func TestBeforeInterceptorCanReject(t *testing.T) {
	p := New(Deps{
		SelfNodeID: "n1",
		Clock:      testClock(),
		Partitions: localOwnerRegistry("n1"),
		Policy:     policy.New(policy.DefaultUserRules()...),
		Maps:       NewMapRegistry(4),
	})
	p.RegisterBeforeInterceptor(func(op proto.ClientOp) (proto.ClientOp, bool) { return op, false })

	out := p.ProcessOp(context.Background(), Request{Op: putOp("orders", "k1", []byte(`1`), proto.ConcernMemory), PrincipalRoles: []string{"USER"}})
	require.Equal(t, StatusRejected, out.Status)

	m, _ := p.deps.Maps.LWW("orders")
	_, ok := m.Get("k1")
	require.False(t, ok)
}
