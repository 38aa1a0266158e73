package notify

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mkarlsso/trustbook/internal/events"
	"github.com/mkarlsso/trustbook/internal/idgen"
	"github.com/mkarlsso/trustbook/internal/validation"
)

// Handler provides HTTP endpoints for managing notification
// subscriptions.
type Handler struct {
	store Store
}

// NewHandler creates a new notify handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up subscription routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/notifications/subscriptions", h.CreateSubscription)
	r.GET("/users/:id/subscriptions", h.ListSubscriptions)
	r.DELETE("/notifications/subscriptions/:id", h.DeleteSubscription)
}

type createSubscriptionRequest struct {
	UserID string        `json:"user_id"`
	URL    string        `json:"url"`
	Secret string        `json:"secret"`
	Events []events.Type `json:"events"`
}

// CreateSubscription handles POST /v1/notifications/subscriptions
func (h *Handler) CreateSubscription(c *gin.Context) {
	var req createSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("user_id", req.UserID),
		validation.Required("url", req.URL),
		validation.MaxLength("url", req.URL, 2048),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	sub := &Subscription{
		ID:        idgen.WithPrefix("sub_"),
		UserID:    req.UserID,
		URL:       req.URL,
		Secret:    req.Secret,
		Events:    req.Events,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"subscription": sub})
}

// ListSubscriptions handles GET /v1/users/:id/subscriptions
func (h *Handler) ListSubscriptions(c *gin.Context) {
	subs, err := h.store.GetByUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs, "count": len(subs)})
}

// DeleteSubscription handles DELETE /v1/notifications/subscriptions/:id
func (h *Handler) DeleteSubscription(c *gin.Context) {
	if err := h.store.Delete(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Subscription not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}
