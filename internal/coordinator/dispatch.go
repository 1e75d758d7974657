package coordinator

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"meridian/internal/auth"
	"meridian/internal/coalesce"
	"meridian/internal/connreg"
	"meridian/internal/gc"
	"meridian/internal/pipeline"
	"meridian/internal/proto"
	"meridian/internal/query"
	"meridian/internal/transport"
)

// authTimeout bounds how long a newly accepted connection has to reply
// to AUTH_REQUIRED (spec.md §6's handshake) before ConnHandler closes
// it. No default is named in spec.md; grounded on connreg's own
// HeartbeatTimeout order of magnitude, halved since an unauthenticated
// socket is cheaper to drop than a live one.
const authTimeout = 10 * time.Second

// ConnHandler is the client-facing message dispatcher (spec.md §1): it
// owns one connection end-to-end — registration, the AUTH handshake,
// and routing every decoded frame to whichever collaborator owns its
// message kind. Grounded on ClusterHandler's shape (*Context injected
// at construction, one method per message kind) since both are thin
// routers in front of the same coordinator singletons; unlike
// ClusterHandler it drives a transport.Conn read loop directly rather
// than mounting gin routes, since client connections are long-lived
// and bidirectional rather than request/response.
type ConnHandler struct {
	ctx      *Context
	verifier auth.Verifier
	log      *zap.Logger
}

// NewConnHandler wraps ctx, authenticating new connections against verifier.
func NewConnHandler(ctx *Context, verifier auth.Verifier) *ConnHandler {
	return &ConnHandler{ctx: ctx, verifier: verifier, log: ctx.log}
}

// Serve owns conn for its entire lifetime: register it, send
// AUTH_REQUIRED, enforce the auth timeout, then decode and dispatch
// frames until ReadFrame errors (peer close, ctx cancellation, or a
// timed-out unauthenticated socket closed out from under it). Callers
// spawn one Serve goroutine per accepted transport.Conn.
func (h *ConnHandler) Serve(ctx context.Context, conn transport.Conn, codec transport.FrameCodec) {
	connID := uuid.NewString()
	writer := coalesce.NewWriter(conn, coalesce.DefaultConfig())
	defer writer.Close() //nolint:errcheck

	c := h.ctx.Conns.Accept(connID, writer)
	defer h.cleanup(c)

	writer.Write(proto.AuthRequired{}, true)

	var authed atomic.Bool
	timer := time.AfterFunc(authTimeout, func() {
		if !authed.Load() {
			_ = conn.Close()
		}
	})
	defer timer.Stop()

	for {
		frame, err := conn.ReadFrame(ctx)
		if err != nil {
			return
		}

		var env proto.Envelope
		if err := codec.Decode(frame, &env); err != nil {
			writer.Write(proto.ErrorMessage{Code: 400, Message: "malformed frame"}, true)
			continue
		}

		if !c.IsAuthenticated() && env.Kind != proto.KindAuth {
			writer.Write(proto.ErrorMessage{Code: 401, Message: "not authenticated"}, true)
			continue
		}

		h.dispatch(ctx, c, env)
		if c.IsAuthenticated() {
			authed.Store(true)
		}
	}
}

// cleanup releases every resource a connection accumulated over its
// lifetime — live queries, topic subscriptions, held/waiting locks —
// so a dropped client doesn't leak server-side state (spec.md §3's
// Subscription invariant: a subscription never outlives its owner).
func (h *ConnHandler) cleanup(c *connreg.Connection) {
	h.ctx.Queries.UnsubscribeAllForClient(c.ID)
	h.ctx.Topics.UnsubscribeAllForClient(c.ID)
	h.ctx.Locks.ClientDisconnected(c.ID)
	h.ctx.Conns.Remove(c.ID)
}

// dispatch routes one decoded envelope to its message-kind handler.
func (h *ConnHandler) dispatch(ctx context.Context, c *connreg.Connection, env proto.Envelope) {
	switch env.Kind {
	case proto.KindAuth:
		h.handleAuth(c, env)
	case proto.KindPing:
		h.handlePing(c, env)
	case proto.KindClientOp:
		h.handleClientOp(ctx, c, env)
	case proto.KindOpBatch:
		h.handleOpBatch(ctx, c, env)
	case proto.KindQuerySub:
		h.handleQuerySub(ctx, c, env)
	case proto.KindQueryUnsub:
		h.handleQueryUnsub(c, env)
	case proto.KindSearch:
		h.handleSearch(ctx, c, env)
	case proto.KindSearchSub:
		h.handleSearchSub(ctx, c, env)
	case proto.KindSearchUnsub:
		h.handleSearchUnsub(c, env)
	case proto.KindLockRequest:
		h.handleLockRequest(c, env)
	case proto.KindLockRelease:
		h.handleLockRelease(c, env)
	case proto.KindTopicSub:
		h.handleTopicSub(c, env)
	case proto.KindTopicUnsub:
		h.handleTopicUnsub(c, env)
	case proto.KindTopicPub:
		h.handleTopicPub(c, env)
	case proto.KindSyncInit:
		h.handleSyncInit(c, env)
	case proto.KindMerkleReqBucket:
		h.handleMerkleReqBucket(c, env)
	case proto.KindPartitionMapReq:
		h.handlePartitionMapRequest(c, env)
	default:
		c.Writer.Write(proto.ErrorMessage{Code: 400, Message: "unhandled message kind: " + string(env.Kind)}, true)
	}
}

func (h *ConnHandler) handleAuth(c *connreg.Connection, env proto.Envelope) {
	var msg proto.Auth
	if err := json.Unmarshal(env.Body, &msg); err != nil {
		c.Writer.Write(proto.AuthFail{Reason: "malformed auth"}, true)
		return
	}

	identity, err := h.verifier.Verify(msg.Token)
	if err != nil {
		c.Writer.Write(proto.AuthFail{Reason: "invalid token"}, true)
		return
	}

	roles := identity.Roles
	if len(roles) == 0 {
		roles = []string{"USER"}
	}
	c.Authenticate(connreg.Principal{UserID: identity.UserID, Roles: roles})
	c.Writer.Write(proto.AuthAck{UserID: identity.UserID, Roles: roles}, true)
}

func (h *ConnHandler) handlePing(c *connreg.Connection, env proto.Envelope) {
	var msg proto.Ping
	_ = json.Unmarshal(env.Body, &msg)
	now := h.ctx.Clock.Now()
	c.Touch(now, time.Now().UnixMilli())
	c.Writer.Write(proto.Pong{Timestamp: msg.Timestamp, ServerTime: time.Now().UnixMilli()}, true)
}

func (h *ConnHandler) handleClientOp(ctx context.Context, c *connreg.Connection, env proto.Envelope) {
	var op proto.ClientOp
	if err := json.Unmarshal(env.Body, &op); err != nil {
		c.Writer.Write(proto.ErrorMessage{Code: 400, Message: "malformed client op"}, true)
		return
	}
	c.Touch(h.ctx.Clock.Now(), time.Now().UnixMilli())

	out := h.ctx.Pipeline.ProcessOp(ctx, pipeline.Request{
		Op:             op,
		Source:         pipeline.SourceClient,
		ClientID:       c.ID,
		PrincipalRoles: c.Roles(),
	})
	h.writeOpOutcome(c, op.ID, out)
}

// writeOpOutcome replies OP_REJECTED, an immediate OP_ACK (no ack
// channel means the op carried no id to await), or waits on the ack
// channel in its own goroutine so a ForcedSync/Replicated concern
// doesn't block the connection's read loop.
func (h *ConnHandler) writeOpOutcome(c *connreg.Connection, opID string, out pipeline.Outcome) {
	switch {
	case out.Status == pipeline.StatusRejected:
		c.Writer.Write(proto.OpRejected{OpID: opID, Reason: out.RejectReason}, false)
	case out.Ack == nil:
		c.Writer.Write(proto.OpAck{LastID: opID, Success: true}, false)
	default:
		writer := c.Writer
		go func() {
			res := <-out.Ack
			writer.Write(proto.OpAck{LastID: opID, AchievedLevel: string(res.AchievedLevel), Success: res.Success}, false)
		}()
	}
}

func (h *ConnHandler) handleOpBatch(ctx context.Context, c *connreg.Connection, env proto.Envelope) {
	var batch proto.OpBatch
	if err := json.Unmarshal(env.Body, &batch); err != nil {
		c.Writer.Write(proto.ErrorMessage{Code: 400, Message: "malformed op batch"}, true)
		return
	}
	c.Touch(h.ctx.Clock.Now(), time.Now().UnixMilli())

	results := h.ctx.Batch.ProcessBatch(ctx, batch, func(op proto.ClientOp) pipeline.Request {
		return pipeline.Request{Op: op, Source: pipeline.SourceClient, ClientID: c.ID, PrincipalRoles: c.Roles()}
	})

	// spec.md §6/scenario #4: one aggregate OP_ACK per batch, not one per
	// op. LastID is the batch's last op; Results carries every op's own
	// outcome so a caller can still tell which ops in the middle failed.
	ack := proto.OpAck{Success: true, Results: make([]proto.OpAckResult, len(results))}
	for i, r := range results {
		ack.LastID = r.OpID
		ack.Results[i] = proto.OpAckResult{OpID: r.OpID, AchievedLevel: string(r.AchievedLevel), Success: r.Success}
		if !r.Success {
			ack.Success = false
		}
	}
	c.Writer.Write(ack, false)
}

// handleQuerySub implements QUERY_SUB (spec.md §4.5): scatter-gather
// the predicate's current matches, page them against the supplied
// cursor, register a live subscription for future matches, and track
// the client's chosen queryId against the registry's subscription id
// for later QUERY_UNSUB.
func (h *ConnHandler) handleQuerySub(ctx context.Context, c *connreg.Connection, env proto.Envelope) {
	var req proto.QuerySub
	if err := json.Unmarshal(env.Body, &req); err != nil {
		c.Writer.Write(proto.ErrorMessage{Code: 400, Message: "malformed query sub"}, true)
		return
	}

	pred, err := query.CompilePredicate(req.Query)
	if err != nil {
		c.Writer.Write(proto.ErrorMessage{Code: 400, Message: "bad predicate: " + err.Error()}, true)
		return
	}

	keys := h.ctx.DistQuery.Execute(ctx, uuid.NewString(), req.MapName, req.Query)

	cursor := query.Cursor{}
	status := query.CursorOK
	if req.Cursor != "" {
		decoded, err := query.DecodeCursor(req.Cursor)
		if err != nil {
			status = query.CursorInvalid
		} else {
			status = decoded.Validate(req.Query, time.Now(), query.CursorMaxAge)
			if status == query.CursorOK {
				cursor = decoded
			}
		}
	}

	results := make([]query.Result, len(keys))
	for i, k := range keys {
		results[i] = query.Result{Key: k, SortValue: k}
	}
	page, next, hasMore := query.Page(results, cursor, req.Limit)
	next.PredicateHash = query.PredicateHash(req.Query)
	next.TimestampMs = time.Now().UnixMilli()

	pageKeys := make([]string, len(page))
	for i, r := range page {
		pageKeys[i] = r.Key
	}

	sub := h.ctx.Queries.Subscribe(c.ID, req.MapName, req.Query, pred, req.Fields, c.Writer, keys)
	c.AddSubscription(sub.ID)
	c.TrackQuery(req.QueryID, sub.ID)

	nextCursor := ""
	if len(page) > 0 {
		nextCursor = next.Encode()
	}
	c.Writer.Write(proto.QueryResp{
		QueryID:      req.QueryID,
		Results:      pageKeys,
		NextCursor:   nextCursor,
		HasMore:      hasMore,
		CursorStatus: string(status),
	}, false)
}

func (h *ConnHandler) handleQueryUnsub(c *connreg.Connection, env proto.Envelope) {
	var req proto.QueryUnsub
	if err := json.Unmarshal(env.Body, &req); err != nil {
		return
	}
	if subID, ok := c.ResolveQuery(req.QueryID); ok {
		h.ctx.Queries.Unsubscribe(subID)
		c.RemoveSubscription(subID)
		c.UntrackQuery(req.QueryID)
	}
}

// handleSearch implements the one-shot SEARCH message: scatter-gather
// an RRF-fused full-text ranking with no subscription registered.
func (h *ConnHandler) handleSearch(ctx context.Context, c *connreg.Connection, env proto.Envelope) {
	var req proto.SearchRequest
	if err := json.Unmarshal(env.Body, &req); err != nil {
		c.Writer.Write(proto.ErrorMessage{Code: 400, Message: "malformed search"}, true)
		return
	}
	keys := h.ctx.DistSearch.Search(ctx, uuid.NewString(), req.MapName, req.Query, req.Limit)
	c.Writer.Write(proto.QueryResp{QueryID: req.QueryID, Results: keys, HasMore: false}, false)
}

// handleSearchSub implements SEARCH_SUB. Unlike QUERY_SUB, full-text
// relevance isn't something query.Registry's per-op predicate
// re-evaluation can track (the index updates out-of-band from CRDT
// merges via searchindex.Hook) — the live subscription it registers
// re-evaluates "is this key still among the ones first returned"
// rather than re-ranking on every index update, a deliberate
// simplification of spec.md §4.10's "analogous to QUERY_SUB" language.
func (h *ConnHandler) handleSearchSub(ctx context.Context, c *connreg.Connection, env proto.Envelope) {
	var req proto.SearchSub
	if err := json.Unmarshal(env.Body, &req); err != nil {
		c.Writer.Write(proto.ErrorMessage{Code: 400, Message: "malformed search sub"}, true)
		return
	}

	keys := h.ctx.DistSearch.Search(ctx, uuid.NewString(), req.MapName, req.Query, req.Limit)
	resultSet := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		resultSet[k] = struct{}{}
	}
	pred := func(_, key string, value any) bool {
		_, ok := resultSet[key]
		return ok && value != nil
	}

	sub := h.ctx.Queries.Subscribe(c.ID, req.MapName, req.Query, pred, req.Fields, c.Writer, keys)
	c.AddSubscription(sub.ID)
	c.TrackQuery(req.QueryID, sub.ID)

	c.Writer.Write(proto.QueryResp{QueryID: req.QueryID, Results: keys, HasMore: false}, false)
}

func (h *ConnHandler) handleSearchUnsub(c *connreg.Connection, env proto.Envelope) {
	var req proto.SearchUnsub
	if err := json.Unmarshal(env.Body, &req); err != nil {
		return
	}
	if subID, ok := c.ResolveQuery(req.QueryID); ok {
		h.ctx.Queries.Unsubscribe(subID)
		c.RemoveSubscription(subID)
		c.UntrackQuery(req.QueryID)
	}
}

func (h *ConnHandler) handleLockRequest(c *connreg.Connection, env proto.Envelope) {
	var req proto.LockRequest
	if err := json.Unmarshal(env.Body, &req); err != nil {
		c.Writer.Write(proto.ErrorMessage{Code: 400, Message: "malformed lock request"}, true)
		return
	}

	writer := c.Writer
	granted, token := h.ctx.Locks.Acquire(req.RequestID, req.Name, c.ID, time.Duration(req.TTLMillis)*time.Millisecond,
		func(requestID, name string, fencingToken uint64) {
			writer.Write(proto.LockGranted{RequestID: requestID, Name: name, FencingToken: fencingToken}, false)
		})
	if granted {
		c.Writer.Write(proto.LockGranted{RequestID: req.RequestID, Name: req.Name, FencingToken: token}, false)
	}
}

func (h *ConnHandler) handleLockRelease(c *connreg.Connection, env proto.Envelope) {
	var req proto.LockRelease
	if err := json.Unmarshal(env.Body, &req); err != nil {
		c.Writer.Write(proto.ErrorMessage{Code: 400, Message: "malformed lock release"}, true)
		return
	}
	success := h.ctx.Locks.Release(req.Name, req.FencingToken)
	c.Writer.Write(proto.LockReleased{Success: success}, false)
}

func (h *ConnHandler) handleTopicSub(c *connreg.Connection, env proto.Envelope) {
	var req proto.TopicSub
	if err := json.Unmarshal(env.Body, &req); err != nil {
		return
	}
	h.ctx.Topics.Subscribe(req.Topic, c.ID, c.Writer)
}

func (h *ConnHandler) handleTopicUnsub(c *connreg.Connection, env proto.Envelope) {
	var req proto.TopicUnsub
	if err := json.Unmarshal(env.Body, &req); err != nil {
		return
	}
	h.ctx.Topics.Unsubscribe(req.Topic, c.ID)
}

// handleTopicPub implements TOPIC_PUB's node-local half (spec.md §7.12):
// fan out to this node's local subscribers. Cross-node fan-out via
// CLUSTER_TOPIC_PUB is internal/cluster's concern once a peer route
// exists for it; topic.Bus itself is local-only today (see its package
// doc), so PublishLocal is the whole of what this node can do.
func (h *ConnHandler) handleTopicPub(c *connreg.Connection, env proto.Envelope) {
	var req proto.TopicPub
	if err := json.Unmarshal(env.Body, &req); err != nil {
		return
	}
	h.ctx.Topics.PublishLocal(req.Topic, req.Payload)
}

// handleSyncInit implements SYNC_INIT (spec.md §4.8 extended to the
// client-facing surface): a client whose lastSyncTimestamp has aged
// past GC_AGE_MS can no longer trust incremental Merkle repair (the
// records it would diff against may already be GC'd), so it's told to
// reset and reload the whole map instead of descending the tree.
func (h *ConnHandler) handleSyncInit(c *connreg.Connection, env proto.Envelope) {
	var req proto.SyncInit
	if err := json.Unmarshal(env.Body, &req); err != nil {
		c.Writer.Write(proto.ErrorMessage{Code: 400, Message: "malformed sync init"}, true)
		return
	}

	sync, ok := h.ctx.Maps.SyncableFor(req.MapName)
	if !ok {
		c.Writer.Write(proto.ErrorMessage{Code: 404, Message: "unknown map"}, true)
		return
	}

	now := h.ctx.Clock.Now()
	if req.LastSyncTimestamp.IsZero() || now.WallMS-req.LastSyncTimestamp.WallMS > gc.DefaultAge.Milliseconds() {
		c.Writer.Write(proto.SyncResetRequired{MapName: req.MapName}, false)
		return
	}

	tree := sync.Tree()
	c.Writer.Write(proto.SyncRespRoot{MapName: req.MapName, RootHash: tree.HashAt(nil), Timestamp: now}, false)
}

// handleMerkleReqBucket implements the client-facing descent step of
// the anti-entropy protocol (spec.md §4.8), reusing the same
// merkle.Syncable façade ClusterHandler.merkleRoot/merkleRepair use for
// the peer-to-peer path: a non-empty Children slice means keep
// descending, an empty one means this path is a leaf worth diffing
// record-by-record.
func (h *ConnHandler) handleMerkleReqBucket(c *connreg.Connection, env proto.Envelope) {
	var req proto.MerkleReqBucket
	if err := json.Unmarshal(env.Body, &req); err != nil {
		c.Writer.Write(proto.ErrorMessage{Code: 400, Message: "malformed merkle bucket request"}, true)
		return
	}

	sync, ok := h.ctx.Maps.SyncableFor(req.MapName)
	if !ok {
		c.Writer.Write(proto.ErrorMessage{Code: 404, Message: "unknown map"}, true)
		return
	}

	children := sync.Tree().Children(req.Path)
	if len(children) == 0 {
		lww, or := sync.LeafRecords(req.Path)
		c.Writer.Write(proto.SyncRespLeaf{MapName: req.MapName, Records: lww, ORRecords: or}, false)
		return
	}

	wire := make([]proto.MerkleBucketWire, len(children))
	for i, b := range children {
		wire[i] = proto.MerkleBucketWire{Digit: b.Digit, Hash: b.Hash}
	}
	c.Writer.Write(proto.SyncRespBuckets{MapName: req.MapName, Buckets: wire}, false)
}

// handlePartitionMapRequest implements PARTITION_MAP_REQUEST: replies
// with the current table whenever its version differs from the one the
// client already has, so a client already up to date gets no push.
func (h *ConnHandler) handlePartitionMapRequest(c *connreg.Connection, env proto.Envelope) {
	var req proto.PartitionMapRequest
	_ = json.Unmarshal(env.Body, &req)

	current := h.ctx.Cluster.Registry().Current()
	if current == nil || current.Version == req.CurrentVersion {
		return
	}

	assignments := current.Partitions()
	wire := make([]proto.PartitionAssignmentWire, len(assignments))
	for i, a := range assignments {
		wire[i] = proto.PartitionAssignmentWire{PartitionID: a.PartitionID, OwnerNodeID: a.OwnerNodeID, BackupNodeIDs: a.BackupNodeIDs}
	}
	c.Writer.Write(proto.PartitionMapWire{Version: current.Version, Partitions: wire}, false)
}
