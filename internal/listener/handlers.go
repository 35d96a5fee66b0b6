package listener

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/proofmint/notarylistener/internal/validation"
)

// Handler provides HTTP endpoints for the escrow listener.
type Handler struct {
	listener *Listener
}

// NewHandler creates a new listener handler.
func NewHandler(l *Listener) *Handler {
	return &Handler{listener: l}
}

// RegisterRoutes sets up public (read-only) routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows", h.ListPending)
	r.GET("/listener/status", h.GetStatus)
	r.GET("/listener/test/provider", h.requireConfigured, h.TestProvider)
	r.GET("/listener/test/events", h.requireConfigured, h.TestEvents)
}

// RegisterProtectedRoutes sets up operator routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.RegisterEscrow)
	r.POST("/listener/reconnect", h.requireConfigured, h.Reconnect)
	r.POST("/listener/stop", h.StopListening)
}

// EscrowID accepts a JSON string or number.
type EscrowID string

func (e *EscrowID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = EscrowID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*e = EscrowID(n.String())
	return nil
}

// RegisterRequest is the body of POST /v1/escrows.
type RegisterRequest struct {
	DocumentHash string   `json:"documentHash"`
	EscrowID     EscrowID `json:"escrowId"`
}

// requireConfigured rejects blockchain routes while the listener is
// disabled for missing settings. A configured but unreachable node passes
// so that reconnect and the diagnostics can report on it.
func (h *Handler) requireConfigured(c *gin.Context) {
	st := h.listener.Status()
	if st.DisabledReason != "" {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"error":   "blockchain_disabled",
			"message": st.DisabledReason,
		})
		return
	}
	c.Next()
}

// RegisterEscrow handles POST /v1/escrows
func (h *Handler) RegisterEscrow(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidDocumentHash("documentHash", req.DocumentHash),
		validation.ValidEscrowID("escrowId", string(req.EscrowID)),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	reg, err := h.listener.RegisterEscrow(c.Request.Context(), req.DocumentHash, string(req.EscrowID))
	switch {
	case errors.Is(err, ErrInvalidDocumentHash), errors.Is(err, ErrInvalidEscrowID):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
		return
	case errors.Is(err, ErrStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "shutting_down",
			"message": "Listener is shutting down",
		})
		return
	}

	status := http.StatusOK
	if reg.Created {
		status = http.StatusCreated
	}
	resp := gin.H{
		"documentHash": validation.NormalizeDocumentHash(req.DocumentHash),
		"registration": reg,
	}
	if err != nil {
		// The entry is held in memory; only durability is degraded.
		resp["warning"] = err.Error()
	}
	c.JSON(status, resp)
}

// ListPending handles GET /v1/escrows
func (h *Handler) ListPending(c *gin.Context) {
	pending := h.listener.Pending()
	c.JSON(http.StatusOK, gin.H{
		"escrows": pending,
		"count":   len(pending),
	})
}

// GetStatus handles GET /v1/listener/status
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": h.listener.Status()})
}

// Reconnect handles POST /v1/listener/reconnect
func (h *Handler) Reconnect(c *gin.Context) {
	if err := h.listener.Reconnect(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "reconnect_failed",
			"message": err.Error(),
			"status":  h.listener.Status(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": h.listener.Status()})
}

// StopListening handles POST /v1/listener/stop
func (h *Handler) StopListening(c *gin.Context) {
	if err := h.listener.StopListening(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": h.listener.Status()})
}

// TestProvider handles GET /v1/listener/test/provider
func (h *Handler) TestProvider(c *gin.Context) {
	res := h.listener.TestProviderConnection(c.Request.Context())
	code := http.StatusOK
	if !res.Connected {
		code = http.StatusBadGateway
	}
	c.JSON(code, gin.H{"provider": res})
}

// TestEvents handles GET /v1/listener/test/events
func (h *Handler) TestEvents(c *gin.Context) {
	res := h.listener.TestEventListener(c.Request.Context())
	code := http.StatusOK
	if !res.Working {
		code = http.StatusBadGateway
	}
	c.JSON(code, gin.H{"events": res})
}
