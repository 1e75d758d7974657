package coordinator

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"meridian/internal/pipeline"
)

// DebugHandler exposes read-only operator introspection endpoints
// (spec.md's "admin/debug HTTP endpoints" — named as an out-of-scope
// external collaborator, so this stays a thin read-only view over
// already-exported state rather than a full admin API).
type DebugHandler struct {
	ctx *Context
}

// NewDebugHandler wraps ctx.
func NewDebugHandler(ctx *Context) *DebugHandler {
	return &DebugHandler{ctx: ctx}
}

// Register mounts every /debugz/* route on r.
func (h *DebugHandler) Register(r gin.IRouter) {
	g := r.Group("/debugz")
	g.GET("/partitions", h.partitions)
	g.GET("/connections", h.connections)
	g.GET("/maps", h.maps)
	g.GET("/nodes", h.nodes)
}

func (h *DebugHandler) partitions(c *gin.Context) {
	current := h.ctx.Cluster.Registry().Current()
	if current == nil {
		c.JSON(http.StatusOK, gin.H{"version": 0, "partitions": []any{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"version": current.Version, "partitions": current.Partitions()})
}

func (h *DebugHandler) connections(c *gin.Context) {
	conns := h.ctx.Conns.All()
	out := make([]gin.H, len(conns))
	for i, conn := range conns {
		out[i] = gin.H{
			"id":            conn.ID,
			"authenticated": conn.IsAuthenticated(),
			"subscriptions": conn.SubscriptionIDs(),
		}
	}
	c.JSON(http.StatusOK, gin.H{"count": len(conns), "connections": out})
}

func (h *DebugHandler) maps(c *gin.Context) {
	names := h.ctx.Maps.Names()
	out := make([]gin.H, len(names))
	for i, name := range names {
		kind, _ := h.ctx.Maps.Kind(name)
		kindLabel := "lww"
		if kind == pipeline.KindOR {
			kindLabel = "or"
		}
		out[i] = gin.H{"name": name, "kind": kindLabel}
	}
	c.JSON(http.StatusOK, gin.H{"maps": out})
}

func (h *DebugHandler) nodes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"selfId": h.ctx.Cluster.SelfID(), "nodes": h.ctx.Cluster.AllNodes()})
}
