package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"meridian/internal/crdt"
	"meridian/internal/hlc"
	"meridian/internal/metrics"
	"meridian/internal/partition"
	"meridian/internal/policy"
	"meridian/internal/proto"
	"meridian/internal/query"
	"meridian/internal/replication"
	"meridian/internal/searchindex"
	"meridian/internal/storage"
	"meridian/internal/writeack"
)

// Forwarder sends a ClientOp on to its partition's owner without
// awaiting a response (spec.md §4.3 step 2). Expressed as an interface
// — satisfied by *cluster.Manager — rather than a direct dependency, so
// pipeline never imports cluster (Design Notes §9).
type Forwarder interface {
	Forward(targetNodeID string, body any)
}

// Source distinguishes a locally-submitted op from one arriving via
// replication (spec.md §4.7: "routes through a variant of §4.3 with
// source=replication — skips re-replication; still updates index,
// broadcasts locally, updates Merkle tree").
type Source int

const (
	SourceClient Source = iota
	SourceReplication
)

// Status is the terminal disposition ProcessOp reports to its caller.
type Status int

const (
	StatusApplied Status = iota
	StatusForwarded
	StatusRejected
)

// Request is one op submitted to the pipeline.
type Request struct {
	Op             proto.ClientOp
	Source         Source
	ClientID       string
	PrincipalRoles []string
	SourceNodeID   string // informational, set for Source==SourceReplication
}

// Outcome is what ProcessOp returns to its caller.
type Outcome struct {
	Status      Status
	RejectReason string
	Ack         <-chan writeack.Result // nil unless the op carried an id
}

// Deps bundles every collaborator the pipeline threads through its
// steps. Fields left nil are treated as absent/no-op collaborators
// where spec.md marks them optional (SearchIndex, Journal).
type Deps struct {
	SelfNodeID  string
	Clock       *hlc.Clock
	Partitions  *partition.Registry
	Forwarder   Forwarder
	Policy      *policy.Engine
	Maps        *MapRegistry
	WriteAck    *writeack.Table
	Storage     storage.Store
	Queries     *query.Registry
	Replication *replication.Pipeline
	SearchIndex searchindex.Hook
	Journal     JournalSink
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// Pipeline implements spec.md §4.3's per-operation processing sequence.
type Pipeline struct {
	deps        Deps
	log         *zap.Logger
	interceptors interceptorChain
	resolvers   *conflictResolvers
}

// New creates a Pipeline from deps.
func New(deps Deps) *Pipeline {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Pipeline{deps: deps, log: deps.Logger, resolvers: newConflictResolvers()}
}

// RegisterBeforeInterceptor adds fn to the end of the before-chain.
func (p *Pipeline) RegisterBeforeInterceptor(fn BeforeInterceptor) {
	p.interceptors.before = append(p.interceptors.before, fn)
}

// RegisterAfterInterceptor adds fn to the end of the after-chain.
func (p *Pipeline) RegisterAfterInterceptor(fn AfterInterceptor) {
	p.interceptors.after = append(p.interceptors.after, fn)
}

// RegisterConflictResolver installs a custom merge resolver for
// mapName's keys matching keyPattern (spec.md §4.3 step 4).
func (p *Pipeline) RegisterConflictResolver(mapName, keyPattern string, resolve ConflictResolver) {
	p.resolvers.Register(mapName, keyPattern, resolve)
}

// actionForOp derives the authorization action per spec.md §4.3 step 1:
// REMOVE if opType=REMOVE or the LWW value is null, else PUT.
func actionForOp(op proto.ClientOp) policy.Action {
	switch op.OpType {
	case proto.OpRemove, proto.OpORRemove:
		return policy.ActionRemove
	default:
		if op.Record != nil && op.Record.Value == nil {
			return policy.ActionRemove
		}
		return policy.ActionPut
	}
}

// ProcessOp runs req through the full operation pipeline.
func (p *Pipeline) ProcessOp(ctx context.Context, req Request) Outcome {
	op := req.Op

	// Step 1: Authorization. Replicated ops carry no principal; they were
	// authorized on the owner that applied them first.
	action := actionForOp(op)
	if req.Source == SourceClient && p.deps.Policy != nil && !p.deps.Policy.Decide(req.PrincipalRoles, op.MapName, action) {
		return Outcome{Status: StatusRejected, RejectReason: "forbidden"}
	}

	// Step 2: Ownership check. Replicated ops are already at the owner
	// that applied them first; only locally-submitted ops forward.
	if req.Source == SourceClient && p.deps.Partitions != nil {
		current := p.deps.Partitions.Current()
		if !current.IsLocalOwner(op.Key, p.deps.SelfNodeID) {
			owner := current.Owner(op.Key)
			if p.deps.Forwarder != nil && owner != "" {
				p.deps.Forwarder.Forward(owner, proto.OpForward{Op: op, SourceNodeID: p.deps.SelfNodeID, SourceClientID: req.ClientID})
			}
			return Outcome{Status: StatusForwarded}
		}
	}

	// Step 3: Interceptor chain (before).
	if len(p.interceptors.before) > 0 {
		modified, ok := p.interceptors.runBefore(op)
		if !ok {
			if op.ID != "" && p.deps.WriteAck != nil {
				p.deps.WriteAck.FailPending(op.ID, fmt.Errorf("pipeline: rejected by before-interceptor"))
			}
			p.log.Info("op dropped by before-interceptor", zap.String("mapName", op.MapName), zap.String("key", op.Key))
			return Outcome{Status: StatusRejected, RejectReason: "intercepted"}
		}
		op = modified
	}

	// registerPending happens before the merge so step 5's APPLIED
	// notification (and any later REPLICATED/PERSISTED notification) has
	// a pending entry to resolve against.
	var ack <-chan writeack.Result
	if op.ID != "" && p.deps.WriteAck != nil {
		level := op.WriteConcern
		if level == "" {
			level = proto.ConcernMemory
		}
		ack = p.deps.WriteAck.RegisterPending(op.ID, level, 5000)
	}

	applied, deleted, predicateValue, change, err := p.merge(op)
	if err != nil {
		if op.ID != "" && p.deps.WriteAck != nil {
			p.deps.WriteAck.FailPending(op.ID, err)
		}
		return Outcome{Status: StatusRejected, RejectReason: err.Error()}
	}

	// Step 5: Write-ack APPLIED.
	if op.ID != "" && p.deps.WriteAck != nil {
		p.deps.WriteAck.NotifyLevel(op.ID, proto.ConcernApplied)
	}
	if p.deps.Metrics != nil {
		p.deps.Metrics.OpsProcessed.WithLabelValues(op.MapName, string(op.OpType)).Inc()
	}

	// Step 6: Storage put.
	p.persist(ctx, op, applied, op.WriteConcern)

	// Step 7 + 10: Live-query re-evaluation / broadcast (the query
	// registry's OnChange writes SERVER_EVENT directly to each affected
	// subscriber's coalescing writer — spec.md §4.5's fan-out already is
	// the broadcast path; no separate accumulator is needed outside the
	// per-connection coalesce.Writer and §4.4's batch collector).
	if p.deps.Queries != nil {
		p.deps.Queries.OnChange(op.MapName, op.Key, predicateValue, change)
	}

	// Step 8: Replication (locally-submitted writes only; replicated
	// inbound ops never re-replicate).
	if req.Source == SourceClient && p.deps.Replication != nil && p.deps.Partitions != nil {
		backups := p.deps.Partitions.Current().Backups(op.Key)
		if len(backups) > 0 {
			evt := clusterEventFor(op, p.deps.SelfNodeID)
			consistency := consistencyFor(op.WriteConcern)
			outcome := p.deps.Replication.ReplicateWrite(ctx, evt, consistency, backups)
			if outcome.Replicated && op.ID != "" && p.deps.WriteAck != nil {
				p.deps.WriteAck.NotifyLevel(op.ID, proto.ConcernReplicated)
			} else if !outcome.Replicated && p.deps.Metrics != nil {
				p.deps.Metrics.ReplicationQuorumFail.Inc()
			}
		}
	}

	// Step 9: External index hook.
	if p.deps.SearchIndex != nil {
		if err := p.deps.SearchIndex.OnDataChange(op.MapName, op.Key, predicateValue, deleted); err != nil {
			p.log.Warn("search index update failed", zap.String("mapName", op.MapName), zap.String("key", op.Key), zap.Error(err))
		}
	}

	// Step 11: Journal.
	if p.deps.Journal != nil {
		p.deps.Journal.Append(JournalEvent{OpID: op.ID, MapName: op.MapName, Key: op.Key, OpType: string(op.OpType), Timestamp: p.now(), Source: sourceLabel(req.Source)})
	}

	// Step 12: Interceptor chain (after) — fire-and-forget.
	if len(p.interceptors.after) > 0 {
		go p.interceptors.runAfter(op)
	}

	return Outcome{Status: StatusApplied, Ack: ack}
}

// ApplyReplicatedOp is the inbound half of replication (spec.md §4.7's
// applyReplicatedOperation): runs the merge/persist/index/broadcast
// steps but never re-replicates or re-forwards.
func (p *Pipeline) ApplyReplicatedOp(ctx context.Context, evt proto.ClusterEvent) error {
	op := proto.ClientOp{ID: evt.OpID, MapName: evt.MapName, Key: evt.Key, OpType: evt.OpType, Record: evt.Record, ORRecord: evt.ORRecord, ORTag: evt.ORTag}
	out := p.ProcessOp(ctx, Request{Op: op, Source: SourceReplication, SourceNodeID: evt.SourceNodeID})
	if out.Status == StatusRejected {
		return fmt.Errorf("pipeline: replicated op %s rejected: %s", evt.OpID, out.RejectReason)
	}
	return nil
}

// merge dispatches op to the correct CRDT map and applies it, returning
// whether the map changed, whether the result is now a tombstone/empty,
// the decoded value for predicate evaluation and the search index, and
// the wire-ready record to hand to query.Registry.OnChange for SERVER_EVENT
// delivery.
func (p *Pipeline) merge(op proto.ClientOp) (applied, deleted bool, predicateValue any, change query.ChangeRecord, err error) {
	switch op.OpType {
	case proto.OpPut, proto.OpRemove:
		return p.mergeLWW(op)
	case proto.OpORAdd, proto.OpORRemove:
		return p.mergeOR(op)
	default:
		return false, false, nil, query.ChangeRecord{}, fmt.Errorf("pipeline: unknown opType %q", op.OpType)
	}
}

func (p *Pipeline) mergeLWW(op proto.ClientOp) (applied, deleted bool, predicateValue any, change query.ChangeRecord, err error) {
	m, err := p.deps.Maps.LWW(op.MapName)
	if err != nil {
		return false, false, nil, query.ChangeRecord{}, err
	}

	incoming := crdt.LWWRecord[[]byte]{Timestamp: p.now()}
	if op.Record != nil {
		incoming.Timestamp = op.Record.Timestamp
		incoming.TTLMillis = op.Record.TTLMillis
		if op.Record.Value != nil {
			v := op.Record.Value
			incoming.Value = &v
		}
	}

	if resolve, ok := p.resolvers.Lookup(op.MapName, op.Key); ok {
		m.MergeWithResolver(op.Key, incoming, resolve)
		applied = true
	} else {
		applied = m.Merge(op.Key, incoming)
	}

	rec, _ := m.GetRecord(op.Key)
	deleted = rec.IsTombstone()
	if !deleted {
		predicateValue = decodeForPredicate(*rec.Value)
	}
	change = query.ChangeRecord{LWW: lwwRecordWire(rec)}
	return applied, deleted, predicateValue, change, nil
}

func (p *Pipeline) mergeOR(op proto.ClientOp) (applied, deleted bool, predicateValue any, change query.ChangeRecord, err error) {
	m, err := p.deps.Maps.OR(op.MapName)
	if err != nil {
		return false, false, nil, query.ChangeRecord{}, err
	}

	switch op.OpType {
	case proto.OpORAdd:
		if op.ORRecord == nil {
			return false, false, nil, query.ChangeRecord{}, fmt.Errorf("pipeline: OR_ADD missing orRecord")
		}
		m.Apply(op.Key, crdt.ORRecord[[]byte]{Tag: op.ORRecord.Tag, Value: op.ORRecord.Value, Timestamp: op.ORRecord.Timestamp, TTLMillis: op.ORRecord.TTLMillis})
		applied = true
		change = query.ChangeRecord{OR: op.ORRecord}
	case proto.OpORRemove:
		if op.ORTag == "" {
			return false, false, nil, query.ChangeRecord{}, fmt.Errorf("pipeline: OR_REMOVE missing orTag")
		}
		m.ApplyTombstone(op.ORTag, p.now())
		applied = true
		change = query.ChangeRecord{ORTag: op.ORTag}
	}

	values := m.Values(op.Key)
	deleted = len(values) == 0
	if !deleted {
		decoded := make([]any, len(values))
		for i, v := range values {
			decoded[i] = decodeForPredicate(v)
		}
		predicateValue = decoded
	}
	return applied, deleted, predicateValue, change, nil
}

// persist runs step 6: storage put, synchronous for PERSISTED write
// concern, fire-and-forget otherwise (spec.md §4.3 step 6).
func (p *Pipeline) persist(ctx context.Context, op proto.ClientOp, applied bool, concern proto.WriteConcern) {
	if p.deps.Storage == nil || !applied {
		return
	}

	do := func() {
		if err := p.persistNow(op); err != nil {
			p.log.Warn("storage put failed, will be repaired by anti-entropy", zap.String("mapName", op.MapName), zap.String("key", op.Key), zap.Error(err))
			return
		}
		if op.ID != "" && p.deps.WriteAck != nil {
			p.deps.WriteAck.NotifyLevel(op.ID, proto.ConcernPersisted)
		}
	}

	if concern == proto.ConcernPersisted {
		do()
		return
	}
	go do()
}

func (p *Pipeline) persistNow(op proto.ClientOp) error {
	switch op.OpType {
	case proto.OpPut, proto.OpRemove:
		m, err := p.deps.Maps.LWW(op.MapName)
		if err != nil {
			return err
		}
		rec, ok := m.GetRecord(op.Key)
		if !ok {
			return nil
		}
		return p.deps.Storage.Store(op.MapName, op.Key, encodeLWWRecord(rec))
	case proto.OpORAdd, proto.OpORRemove:
		m, err := p.deps.Maps.OR(op.MapName)
		if err != nil {
			return err
		}
		records := m.Records(op.Key)
		if len(records) == 0 {
			if err := p.deps.Storage.Delete(op.MapName, op.Key); err != nil {
				return err
			}
		} else if err := p.deps.Storage.Store(op.MapName, op.Key, encodeORBucket(records)); err != nil {
			return err
		}
		return p.deps.Storage.Store(op.MapName, storage.TombstonesKey, encodeTombstones(m.Tombstones()))
	default:
		return nil
	}
}

// GCPersistHook returns a gc.Persist callback that writes a map's
// post-sweep state for the given keys through to storage (spec.md
// §4.9 steps 1-2: SweepTTL/Prune mutate the CRDT map directly; this
// hook is what lets the GC coordinator stay storage-agnostic, per
// Design Notes §9). Re-broadcasting GC-driven tombstones to live
// query subscribers is not wired here — a client racing an expiry is
// caught by its next normal write or by anti-entropy, so it is a
// documented simplification rather than a correctness gap.
func (p *Pipeline) GCPersistHook() func(mapName string, changedKeys []string) {
	return func(mapName string, changedKeys []string) {
		if p.deps.Storage == nil {
			return
		}
		kind, _ := p.deps.Maps.Kind(mapName)
		for _, key := range changedKeys {
			op := proto.ClientOp{MapName: mapName, Key: key, OpType: proto.OpRemove}
			if kind == KindOR {
				op.OpType = proto.OpORRemove
			}
			if err := p.persistNow(op); err != nil {
				p.log.Warn("gc persist failed", zap.String("mapName", mapName), zap.String("key", key), zap.Error(err))
			}
		}
	}
}

func (p *Pipeline) now() hlc.Timestamp {
	if p.deps.Clock == nil {
		return hlc.Timestamp{}
	}
	return p.deps.Clock.Now()
}

func clusterEventFor(op proto.ClientOp, selfNodeID string) proto.ClusterEvent {
	return proto.ClusterEvent{OpID: op.ID, MapName: op.MapName, Key: op.Key, OpType: op.OpType, Record: op.Record, ORRecord: op.ORRecord, ORTag: op.ORTag, SourceNodeID: selfNodeID}
}

// consistencyFor maps a write's requested durability to a replication
// consistency policy (spec.md doesn't name this mapping explicitly;
// PERSISTED writes wait for every backup, REPLICATED waits for quorum,
// everything weaker fires eventually and heals via anti-entropy).
func consistencyFor(concern proto.WriteConcern) proto.ConsistencyLevel {
	switch concern {
	case proto.ConcernPersisted:
		return proto.ConsistencyStrong
	case proto.ConcernReplicated:
		return proto.ConsistencyQuorum
	default:
		return proto.ConsistencyEventual
	}
}

func sourceLabel(s Source) string {
	if s == SourceReplication {
		return "replication"
	}
	return "client"
}
