package escrow

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides read-only HTTP endpoints for escrow operation records.
type Handler struct {
	store Store
}

// NewHandler creates a new escrow handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up escrow inspection routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/bookings/:id/escrow", h.ListOperations)
}

// ListOperations handles GET /v1/bookings/:id/escrow
func (h *Handler) ListOperations(c *gin.Context) {
	ops, err := h.store.ListByBooking(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"operations": ops, "count": len(ops)})
}
