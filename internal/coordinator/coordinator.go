// Package coordinator assembles every per-node singleton — membership,
// CRDT map registry, write-ack table, replication/GC/anti-entropy/
// distributed-query coordinators, local storage, search index, lock
// manager, topic bus — into the one Context a server process runs
// (SPEC_FULL.md Design Notes §9: components talk through small
// interfaces, and only this package is allowed to know both sides of
// every wire). No teacher equivalent exists as a single file; grounded
// on the shape of the teacher's cmd/server/main.go, which performs the
// same "build every collaborator, wire callbacks, start background
// loops" job for a much smaller component set.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"meridian/internal/cluster"
	"meridian/internal/connreg"
	"meridian/internal/crdt"
	"meridian/internal/distquery"
	"meridian/internal/distsearch"
	"meridian/internal/executor"
	"meridian/internal/gc"
	"meridian/internal/hlc"
	"meridian/internal/lock"
	"meridian/internal/merkle"
	"meridian/internal/metrics"
	"meridian/internal/pipeline"
	"meridian/internal/policy"
	"meridian/internal/proto"
	"meridian/internal/query"
	"meridian/internal/replication"
	"meridian/internal/searchindex"
	"meridian/internal/storage"
	"meridian/internal/topic"
	"meridian/internal/writeack"
)

// Config configures a Context's assembly. cmd/meridiand's only job is
// to build one of these from flags/env and hand it to New.
type Config struct {
	NodeID         string
	Address        string
	PartitionCount int
	BackupCount    int
	Vnodes         int
	DataDir        string // empty disables durable storage (tests, ephemeral nodes)
	TreeDepth      int
	PolicyRules    []policy.Rule
	BatchStripes   int
	BatchQueueCap  int
	Registerer     prometheus.Registerer
	Logger         *zap.Logger
}

func (cfg *Config) setDefaults() {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Registerer == nil {
		// Defaults to the global registry so a caller wiring /metrics via
		// promhttp.Handler() (rather than HandlerFor a specific registry)
		// sees these series without extra plumbing; tests pass their own.
		cfg.Registerer = prometheus.DefaultRegisterer
	}
	if cfg.TreeDepth <= 0 {
		cfg.TreeDepth = 4
	}
	if cfg.BatchStripes <= 0 {
		cfg.BatchStripes = 32
	}
	if cfg.BatchQueueCap <= 0 {
		cfg.BatchQueueCap = 1024
	}
}

// Context owns every server-side singleton for one node.
type Context struct {
	cfg Config
	log *zap.Logger

	Cluster     *cluster.Manager
	Clock       *hlc.Clock
	Maps        *pipeline.MapRegistry
	Policy      *policy.Engine
	WriteAck    *writeack.Table
	Storage     storage.Store
	Queries     *query.Registry
	Replication *replication.Pipeline
	SearchIndex *searchindex.BleveIndex
	Pipeline    *pipeline.Pipeline
	Batch       *pipeline.BatchExecutor
	GC          *gc.Coordinator
	Merkle      *merkle.Scheduler
	DistQuery   *distquery.Coordinator
	DistSearch  *distsearch.Coordinator
	Locks       *lock.Manager
	Topics      *topic.Bus
	Conns       *connreg.Registry
	Metrics     *metrics.Metrics
}

// New assembles every collaborator and wires the cross-cutting
// callbacks (forwarding, replication apply, dynamic GC sweeper / anti-
// entropy façade registration, local predicate/search execution) that
// only the coordinator is allowed to know about both sides of.
func New(cfg Config) (*Context, error) {
	cfg.setDefaults()

	manager := cluster.NewManager(cluster.Config{
		SelfID:         cfg.NodeID,
		SelfAddress:    cfg.Address,
		PartitionCount: cfg.PartitionCount,
		BackupCount:    cfg.BackupCount,
		Vnodes:         cfg.Vnodes,
		Logger:         cfg.Logger,
	})

	var store storage.Store
	if cfg.DataDir != "" {
		ws := storage.NewWALStore(cfg.DataDir)
		if err := ws.Initialize(); err != nil {
			return nil, fmt.Errorf("coordinator: initialize storage: %w", err)
		}
		store = ws
	}

	rules := cfg.PolicyRules
	if len(rules) == 0 {
		rules = policy.DefaultUserRules()
	}

	c := &Context{
		cfg:         cfg,
		log:         cfg.Logger,
		Cluster:     manager,
		Clock:       hlc.New(cfg.NodeID),
		Maps:        pipeline.NewMapRegistry(cfg.TreeDepth),
		Policy:      policy.New(rules...),
		WriteAck:    writeack.NewTable(nil),
		Storage:     store,
		Queries:     query.NewRegistry(),
		SearchIndex: searchindex.NewBleveIndex(),
		Locks:       lock.New(cfg.Logger),
		Topics:      topic.New(),
		Conns:       connreg.NewRegistry(),
		Metrics:     metrics.New(cfg.Registerer),
	}

	c.Replication = replication.New(cfg.NodeID, cluster.NewReplicationAdapter(manager), c.applyReplicated, cfg.Logger)

	c.Pipeline = pipeline.New(pipeline.Deps{
		SelfNodeID:  cfg.NodeID,
		Clock:       c.Clock,
		Partitions:  manager.Registry(),
		Forwarder:   manager,
		Policy:      c.Policy,
		Maps:        c.Maps,
		WriteAck:    c.WriteAck,
		Storage:     c.Storage,
		Queries:     c.Queries,
		Replication: c.Replication,
		SearchIndex: c.SearchIndex,
		Metrics:     c.Metrics,
		Logger:      cfg.Logger,
	})

	c.Batch = pipeline.NewBatchExecutor(c.Pipeline, pipeline.BatchDeps{
		Backpressure: executor.NewBackpressure(executor.DefaultBackpressureConfig()),
		Striped:      executor.New(cfg.BatchStripes, cfg.BatchQueueCap, c.onStripeReject),
	})

	gcAdapter := cluster.NewGCAdapter(manager)
	c.GC = gc.New(gcAdapter, gcAdapter, c.localWatermark, cfg.Logger)

	c.Merkle = merkle.NewScheduler(cluster.NewMerkleAdapter(manager), cluster.NewMerkleAdapter(manager), manager.Registry(), cfg.Logger)
	for _, s := range c.Maps.Syncables() {
		c.Merkle.RegisterMap(s)
	}

	queryAdapter := cluster.NewQueryAdapter(manager)
	c.DistQuery = distquery.New(cfg.NodeID, queryAdapter, c.localQueryExec, cfg.Logger)
	c.DistSearch = distsearch.New(cfg.NodeID, queryAdapter, c.localSearch, cfg.Logger)

	// Every map name first touched after startup gets its GC sweeper and
	// anti-entropy façade registered the moment it's created, so a node
	// that never pre-declares map names still sweeps and repairs them.
	c.Maps.OnCreate(c.onMapCreate)

	return c, nil
}

// applyReplicated adapts Pipeline.ApplyReplicatedOp to
// replication.ApplyFunc's signature (it additionally carries the
// source node id, which the pipeline only needs for logging/loop
// prevention already handled by opId dedup upstream).
func (c *Context) applyReplicated(evt proto.ClusterEvent, _ string) error {
	return c.Pipeline.ApplyReplicatedOp(context.Background(), evt)
}

// onStripeReject logs a batch op dropped because its key's stripe
// queue was full (spec.md §4.4: "ops within a stripe are ordered;
// across stripes only bounded, not total").
func (c *Context) onStripeReject(stripe int) {
	c.log.Warn("batch op rejected, stripe queue full", zap.Int("stripe", stripe))
}

// onMapCreate registers a newly-created map's GC sweeper and Merkle
// syncable. Exactly one of lww/or is non-nil.
func (c *Context) onMapCreate(name string, lwwMap *crdt.LWWMap[[]byte], orMap *crdt.ORMap[[]byte]) {
	persist := c.Pipeline.GCPersistHook()
	switch {
	case lwwMap != nil:
		c.GC.RegisterSweeper(gc.NewLWWSweeper(name, lwwMap, persist))
	case orMap != nil:
		c.GC.RegisterSweeper(gc.NewORSweeper(name, orMap, persist))
	}
	if s, ok := c.Maps.SyncableFor(name); ok {
		c.Merkle.RegisterMap(s)
	}
}

// localWatermark implements gc.LocalWatermark (spec.md §4.9: "min(HLC
// now, min(client.lastActiveHLC))"). Connections never touched are
// skipped, so a node with no live or no touched connections falls back
// to HLC.now(); any touched connection's older watermark lowers it.
func (c *Context) localWatermark() hlc.Timestamp {
	return c.Conns.MinActivityWatermark(c.Clock.Now())
}

// localQueryExec implements distquery.LocalExecutor: compiles the
// predicate, scans the map's locally-owned keys, and returns those
// that match.
func (c *Context) localQueryExec(mapName, queryExpr string) []string {
	pred, err := query.CompilePredicate(queryExpr)
	if err != nil {
		c.log.Warn("predicate compile failed", zap.String("mapName", mapName), zap.Error(err))
		return nil
	}

	kind, ok := c.Maps.Kind(mapName)
	if !ok {
		return nil
	}

	current := c.Cluster.Registry().Current()
	var matched []string

	switch kind {
	case pipeline.KindLWW:
		m, _ := c.Maps.LWW(mapName)
		for _, key := range m.AllKeys() {
			if current != nil && !current.IsLocalOwner(key, c.cfg.NodeID) {
				continue
			}
			rec, ok := m.GetRecord(key)
			if !ok || rec.Value == nil {
				continue
			}
			if pred(mapName, key, decodeJSON(*rec.Value)) {
				matched = append(matched, key)
			}
		}
	case pipeline.KindOR:
		m, _ := c.Maps.OR(mapName)
		for _, key := range m.AllKeys() {
			if current != nil && !current.IsLocalOwner(key, c.cfg.NodeID) {
				continue
			}
			values := m.Values(key)
			if len(values) == 0 {
				continue
			}
			for _, v := range values {
				if pred(mapName, key, decodeJSON(v)) {
					matched = append(matched, key)
					break
				}
			}
		}
	}
	return matched
}

// localSearch implements distsearch.LocalSearcher on top of SearchIndex.
func (c *Context) localSearch(mapName, query string, limit int) []string {
	hits, err := c.SearchIndex.Search(mapName, query, limit)
	if err != nil {
		c.log.Warn("local search failed", zap.String("mapName", mapName), zap.Error(err))
		return nil
	}
	keys := make([]string, len(hits))
	for i, h := range hits {
		keys[i] = h.Key
	}
	return keys
}

func decodeJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}
