package merkle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"meridian/internal/hlc"
	"meridian/internal/partition"
	"meridian/internal/proto"
)

type fakeMembership struct {
	self    string
	members []MemberInfo
}

func (f *fakeMembership) SelfID() string         { return f.self }
func (f *fakeMembership) AllNodes() []MemberInfo { return f.members }

// fakeSyncable is an in-memory Syncable backed by a real Tree, letting
// the scheduler's descent logic run against genuine bucket hashes.
type fakeSyncable struct {
	name   string
	tree   *Tree
	values map[string]proto.LWWRecordWire
}

func newFakeSyncable(name string, depth int) *fakeSyncable {
	return &fakeSyncable{name: name, tree: New(depth), values: make(map[string]proto.LWWRecordWire)}
}

func (s *fakeSyncable) put(key string, wallMS int64) {
	s.values[key] = proto.LWWRecordWire{Value: []byte(`"v"`), Timestamp: hlc.Timestamp{WallMS: wallMS, NodeID: "n"}}
	s.tree.Update(key, Point(key, wallMS, 0, "n"))
}

func (s *fakeSyncable) MapName() string { return s.name }
func (s *fakeSyncable) Tree() *Tree     { return s.tree }

func (s *fakeSyncable) LeafRecords(path []byte) (map[string]proto.LWWRecordWire, map[string][]proto.ORRecordWire) {
	out := make(map[string]proto.LWWRecordWire)
	for _, k := range s.tree.LeafKeys(path) {
		out[k] = s.values[k]
	}
	return out, nil
}

func (s *fakeSyncable) ApplyRepair(lww map[string]proto.LWWRecordWire, _ map[string][]proto.ORRecordWire) int {
	applied := 0
	for k, wire := range lww {
		existing, ok := s.values[k]
		if ok && wire.Timestamp.Compare(existing.Timestamp) <= 0 {
			continue
		}
		s.values[k] = wire
		s.tree.Update(k, Point(k, wire.Timestamp.WallMS, wire.Timestamp.Counter, wire.Timestamp.NodeID))
		applied++
	}
	return applied
}

// fakePeerClient routes RequestRoot/RequestRepairData straight into a
// peer node's own Syncable, in-process, so the test never needs a real
// transport.
type fakePeerClient struct {
	peerMaps map[string]*fakeSyncable // address -> map
}

func (f *fakePeerClient) RequestRoot(address string, req proto.ClusterMerkleRootReq) (proto.ClusterMerkleRootResp, error) {
	m := f.peerMaps[address]
	children := m.Tree().Children(req.Path)
	wire := make([]proto.MerkleBucket, len(children))
	for i, c := range children {
		wire[i] = proto.MerkleBucket{Digit: c.Digit, Hash: c.Hash}
	}
	return proto.ClusterMerkleRootResp{MapName: req.MapName, Path: req.Path, RootHash: m.Tree().HashAt(req.Path), Children: wire}, nil
}

func (f *fakePeerClient) RequestRepairData(address string, req proto.ClusterRepairDataReq) (proto.ClusterRepairDataResp, error) {
	m := f.peerMaps[address]
	lww, _ := m.LeafRecords(req.Path)
	return proto.ClusterRepairDataResp{MapName: req.MapName, Records: lww}, nil
}

func singlePartitionRegistry(selfID, backupID string) *partition.Registry {
	reg := partition.NewRegistry(1)
	reg.Publish(partition.NewMap(1, 1, []partition.Assignment{{PartitionID: 0, OwnerNodeID: selfID, BackupNodeIDs: []string{backupID}}}))
	return reg
}

func TestRunOnceSkipsRepairWhenRootsMatch(t *testing.T) {
	local := newFakeSyncable("orders", 2)
	remote := newFakeSyncable("orders", 2)
	local.put("k1", 100)
	remote.put("k1", 100)

	mem := &fakeMembership{self: "n1", members: []MemberInfo{{ID: "n2", Address: "n2addr", IsAlive: true}}}
	peers := &fakePeerClient{peerMaps: map[string]*fakeSyncable{"n2addr": remote}}
	sched := NewScheduler(mem, peers, singlePartitionRegistry("n1", "n2"), nil)
	sched.RegisterMap(local)

	sched.RunOnce(context.Background())

	_, ok := local.values["k2"]
	require.False(t, ok)
	require.Equal(t, local.tree.Root(), remote.tree.Root())
}

func TestRunOnceRepairsDivergentKey(t *testing.T) {
	local := newFakeSyncable("orders", 2)
	remote := newFakeSyncable("orders", 2)
	local.put("k1", 100)
	remote.put("k1", 100)
	remote.put("k2", 200) // local is missing k2 entirely

	mem := &fakeMembership{self: "n1", members: []MemberInfo{{ID: "n2", Address: "n2addr", IsAlive: true}}}
	peers := &fakePeerClient{peerMaps: map[string]*fakeSyncable{"n2addr": remote}}
	sched := NewScheduler(mem, peers, singlePartitionRegistry("n1", "n2"), nil)
	sched.RegisterMap(local)

	sched.RunOnce(context.Background())

	v, ok := local.values["k2"]
	require.True(t, ok)
	require.Equal(t, int64(200), v.Timestamp.WallMS)
	require.Equal(t, local.tree.Root(), remote.tree.Root())
}

func TestRunOnceSkipsWhenNoRelatedPeer(t *testing.T) {
	local := newFakeSyncable("orders", 2)
	local.put("k1", 100)

	mem := &fakeMembership{self: "n1"}
	peers := &fakePeerClient{peerMaps: map[string]*fakeSyncable{}}
	sched := NewScheduler(mem, peers, partition.NewRegistry(1), nil)
	sched.RegisterMap(local)

	require.NotPanics(t, func() { sched.RunOnce(context.Background()) })
}
