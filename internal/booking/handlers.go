package booking

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mkarlsso/trustbook/internal/escrow"
	"github.com/mkarlsso/trustbook/internal/validation"
)

// Handler provides HTTP endpoints for the booking lifecycle.
//
// Party identity comes from the X-Actor-ID and X-Actor-Role headers, a
// stand-in for the out-of-scope authentication collaborator.
type Handler struct {
	service *Service
}

// NewHandler creates a new booking handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up booking routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/bookings", h.CreateBooking)
	r.GET("/bookings/:id", h.GetBooking)
	r.GET("/bookings/:id/history", h.GetHistory)
	r.POST("/bookings/:id/approve", h.Approve)
	r.POST("/bookings/:id/decline", h.Decline)
	r.POST("/bookings/:id/confirm-payment", h.ConfirmPayment)
	r.POST("/bookings/:id/start", h.Start)
	r.POST("/bookings/:id/complete", h.Complete)
	r.POST("/bookings/:id/confirm", h.Confirm)
	r.POST("/bookings/:id/cancel", h.Cancel)
	r.GET("/customers/:id/bookings", h.ListByCustomer)
	r.GET("/providers/:id/bookings", h.ListByProvider)
}

// CreateBooking handles POST /v1/bookings
func (h *Handler) CreateBooking(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("customer_id", req.CustomerID),
		validation.Required("provider_id", req.ProviderID),
		validation.Required("service_id", req.ServiceID),
		validation.Required("customer_addr", req.CustomerAddr),
		validation.ValidAddress("customer_addr", req.CustomerAddr),
		validation.Required("provider_addr", req.ProviderAddr),
		validation.ValidAddress("provider_addr", req.ProviderAddr),
		validation.ValidAddress("property_addr", req.PropertyAddr),
		validation.PositiveAmount("base_price", req.BasePrice),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	actor, ok := actorFrom(c)
	if !ok || actor.Role != RoleCustomer || actor.ID != req.CustomerID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Booking must be requested by the customer",
		})
		return
	}

	b, err := h.service.Request(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"booking": b})
}

// GetBooking handles GET /v1/bookings/:id
func (h *Handler) GetBooking(c *gin.Context) {
	b, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": b})
}

// GetHistory handles GET /v1/bookings/:id/history
func (h *Handler) GetHistory(c *gin.Context) {
	entries, err := h.service.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": entries, "count": len(entries)})
}

// Approve handles POST /v1/bookings/:id/approve
func (h *Handler) Approve(c *gin.Context) {
	h.act(c, func(actor Actor) (*Booking, error) {
		return h.service.Approve(c.Request.Context(), c.Param("id"), actor)
	})
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// Decline handles POST /v1/bookings/:id/decline
func (h *Handler) Decline(c *gin.Context) {
	var req reasonRequest
	_ = c.ShouldBindJSON(&req) // body is optional
	h.act(c, func(actor Actor) (*Booking, error) {
		return h.service.Decline(c.Request.Context(), c.Param("id"), actor, validation.SanitizeString(req.Reason, 500))
	})
}

// ConfirmPayment handles POST /v1/bookings/:id/confirm-payment
func (h *Handler) ConfirmPayment(c *gin.Context) {
	h.act(c, func(actor Actor) (*Booking, error) {
		return h.service.ConfirmPayment(c.Request.Context(), c.Param("id"), actor)
	})
}

// Start handles POST /v1/bookings/:id/start
func (h *Handler) Start(c *gin.Context) {
	h.act(c, func(actor Actor) (*Booking, error) {
		return h.service.Start(c.Request.Context(), c.Param("id"), actor)
	})
}

// Complete handles POST /v1/bookings/:id/complete
func (h *Handler) Complete(c *gin.Context) {
	h.act(c, func(actor Actor) (*Booking, error) {
		return h.service.Complete(c.Request.Context(), c.Param("id"), actor)
	})
}

// Confirm handles POST /v1/bookings/:id/confirm
func (h *Handler) Confirm(c *gin.Context) {
	h.act(c, func(actor Actor) (*Booking, error) {
		return h.service.Confirm(c.Request.Context(), c.Param("id"), actor, false)
	})
}

// Cancel handles POST /v1/bookings/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req reasonRequest
	_ = c.ShouldBindJSON(&req) // body is optional

	actor, ok := actorFrom(c)
	if !ok {
		respondMissingActor(c)
		return
	}

	b, refund, err := h.service.Cancel(c.Request.Context(), c.Param("id"), actor, validation.SanitizeString(req.Reason, 500))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"booking": b, "refund": refund})
}

// ListByCustomer handles GET /v1/customers/:id/bookings
func (h *Handler) ListByCustomer(c *gin.Context) {
	bookings, err := h.service.ListByCustomer(c.Request.Context(), c.Param("id"), queryLimit(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bookings": bookings, "count": len(bookings)})
}

// ListByProvider handles GET /v1/providers/:id/bookings
func (h *Handler) ListByProvider(c *gin.Context) {
	bookings, err := h.service.ListByProvider(c.Request.Context(), c.Param("id"), queryLimit(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bookings": bookings, "count": len(bookings)})
}

// act runs a single-booking action with the header-derived actor and the
// shared success/error response shape.
func (h *Handler) act(c *gin.Context, fn func(actor Actor) (*Booking, error)) {
	actor, ok := actorFrom(c)
	if !ok {
		respondMissingActor(c)
		return
	}

	b, err := fn(actor)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"booking": b})
}

func actorFrom(c *gin.Context) (Actor, bool) {
	id := c.GetHeader("X-Actor-ID")
	role := Role(c.GetHeader("X-Actor-Role"))
	if id == "" || (role != RoleCustomer && role != RoleProvider) {
		return Actor{}, false
	}
	return Actor{ID: id, Role: role}, true
}

func respondMissingActor(c *gin.Context) {
	c.JSON(http.StatusUnauthorized, gin.H{
		"error":   "missing_actor",
		"message": "X-Actor-ID and X-Actor-Role (customer|provider) headers are required",
	})
}

func queryLimit(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}
	return limit
}

// respondError maps service errors onto the API error envelope.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Booking not found",
		})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": err.Error(),
		})
	case errors.Is(err, ErrIllegalTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "illegal_transition",
			"message": "Action not allowed in the booking's current state",
			"detail":  err.Error(),
		})
	case errors.Is(err, ErrCannotCancel):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "cannot_cancel",
			"message": err.Error(),
		})
	case errors.Is(err, ErrConcurrentModification):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "concurrent_modification",
			"message": "Booking was modified concurrently, re-read and retry",
		})
	case errors.Is(err, ErrSlotUnavailable):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "slot_unavailable",
			"message": err.Error(),
		})
	case errors.Is(err, escrow.ErrNeedsApproval):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "needs_approval",
			"message": "Token allowance is insufficient, approve the escrow contract first",
		})
	case errors.Is(err, escrow.ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "insufficient_funds",
			"message": "Token balance is insufficient to lock the quote amount",
		})
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
