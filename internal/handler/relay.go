package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/feedmux/pricerelay/internal/feed"
	"github.com/feedmux/pricerelay/internal/relay"
)

type RelayHandler struct {
	conn *feed.Connection
	reg  relay.Registry
}

func NewRelayHandler(conn *feed.Connection, reg relay.Registry) *RelayHandler {
	return &RelayHandler{conn: conn, reg: reg}
}

// Health reports liveness plus the upstream connection state.
func (h *RelayHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"service":  "pricerelay",
		"upstream": h.conn.State().String(),
	})
}

// ListPairs returns the supported instrument names.
func (h *RelayHandler) ListPairs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pairs": h.reg.List()})
}
