package coordinator

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"meridian/internal/pipeline"
	"meridian/internal/proto"
)

// ClusterHandler mounts the peer-to-peer endpoints every adapter in
// package cluster posts to. Grounded on the teacher's
// internal/api.Handler: dependencies injected at construction, one
// gin.IRouter.Register call, one method per route.
type ClusterHandler struct {
	ctx *Context
}

// NewClusterHandler wraps ctx.
func NewClusterHandler(ctx *Context) *ClusterHandler {
	return &ClusterHandler{ctx: ctx}
}

// Register mounts every /internal/cluster/* route on r.
func (h *ClusterHandler) Register(r gin.IRouter) {
	g := r.Group("/internal/cluster")
	g.POST("/op-forward", h.opForward)
	g.POST("/event", h.event)
	g.POST("/gc-report", h.gcReport)
	g.POST("/gc-commit", h.gcCommit)
	g.POST("/merkle-root", h.merkleRoot)
	g.POST("/merkle-repair", h.merkleRepair)
	g.POST("/query-exec", h.queryExec)
	g.POST("/search-exec", h.searchExec)
	g.POST("/ping", h.ping)
}

// ping answers cluster.Heartbeat's liveness check.
func (h *ClusterHandler) ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"nodeId": h.ctx.cfg.NodeID})
}

// opForward handles a forwarded ClientOp (spec.md §4.3 step 2): the
// receiving node is the partition's current owner, so it runs the
// op through the ordinary client-sourced pipeline. Fire-and-forget —
// the sender never awaits this response (SPEC_FULL.md §9).
func (h *ClusterHandler) opForward(c *gin.Context) {
	var req proto.OpForward
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.ctx.Pipeline.ProcessOp(c.Request.Context(), pipeline.Request{
		Op:           req.Op,
		Source:       pipeline.SourceClient,
		ClientID:     req.SourceClientID,
		SourceNodeID: req.SourceNodeID,
	})
	c.Status(http.StatusNoContent)
}

// event handles CLUSTER_EVENT (spec.md §4.7): a backup applying a
// primary's replicated write.
func (h *ClusterHandler) event(c *gin.Context) {
	var evt proto.ClusterEvent
	if err := c.ShouldBindJSON(&evt); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ack := proto.ClusterEventAck{OpID: evt.OpID, NodeID: h.ctx.cfg.NodeID, OK: true}
	if err := h.ctx.Replication.ApplyReplicated(evt, evt.SourceNodeID); err != nil {
		ack.OK = false
		ack.Error = err.Error()
	}
	c.JSON(http.StatusOK, ack)
}

// gcReport handles CLUSTER_GC_REPORT, received only at the leader.
func (h *ClusterHandler) gcReport(c *gin.Context) {
	var report proto.ClusterGCReport
	if err := c.ShouldBindJSON(&report); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.ctx.GC.ReceiveReport(report)
	c.Status(http.StatusNoContent)
}

// gcCommit handles CLUSTER_GC_COMMIT, received by every follower once
// the leader computes the safe timestamp.
func (h *ClusterHandler) gcCommit(c *gin.Context) {
	var commit proto.ClusterGCCommit
	if err := c.ShouldBindJSON(&commit); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.ctx.GC.ApplyCommit(commit)
	c.Status(http.StatusNoContent)
}

// merkleRoot handles a Merkle root/bucket request at any descent depth
// (spec.md §4.8); req.Path selects the subtree, empty meaning the
// whole tree, per the wire-reuse decision in internal/proto.
func (h *ClusterHandler) merkleRoot(c *gin.Context) {
	var req proto.ClusterMerkleRootReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sync, ok := h.ctx.Maps.SyncableFor(req.MapName)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown map"})
		return
	}
	tree := sync.Tree()
	children := tree.Children(req.Path)
	wireChildren := make([]proto.MerkleBucket, len(children))
	for i, b := range children {
		wireChildren[i] = proto.MerkleBucket{Digit: b.Digit, Hash: b.Hash}
	}
	c.JSON(http.StatusOK, proto.ClusterMerkleRootResp{
		MapName:     req.MapName,
		PartitionID: req.PartitionID,
		Path:        req.Path,
		RootHash:    tree.HashAt(req.Path),
		Children:    wireChildren,
	})
}

// merkleRepair handles a leaf-level record exchange once a descent
// finds a divergent path (spec.md §4.8).
func (h *ClusterHandler) merkleRepair(c *gin.Context) {
	var req proto.ClusterRepairDataReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sync, ok := h.ctx.Maps.SyncableFor(req.MapName)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown map"})
		return
	}
	lww, or := sync.LeafRecords(req.Path)
	c.JSON(http.StatusOK, proto.ClusterRepairDataResp{MapName: req.MapName, Records: lww, ORRecords: or})
}

// queryExec handles CLUSTER_QUERY_EXEC (spec.md §4.5): a scatter
// target evaluating a predicate against its own locally-owned keys.
func (h *ClusterHandler) queryExec(c *gin.Context) {
	var req proto.ClusterQueryExec
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	keys := h.ctx.localQueryExec(req.MapName, req.Query)
	c.JSON(http.StatusOK, proto.ClusterQueryResp{RequestID: req.RequestID, NodeID: h.ctx.cfg.NodeID, Keys: keys})
}

// searchExec handles the full-text counterpart of queryExec (spec.md
// §4.10): ranked keys, best first, reused unchanged as ClusterQueryResp
// since RRF fusion only needs rank position.
func (h *ClusterHandler) searchExec(c *gin.Context) {
	var req proto.ClusterQueryExec
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	keys := h.ctx.localSearch(req.MapName, req.Query, defaultSearchLimit)
	c.JSON(http.StatusOK, proto.ClusterQueryResp{RequestID: req.RequestID, NodeID: h.ctx.cfg.NodeID, Keys: keys})
}

const defaultSearchLimit = 50
