package pending

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/inferbroker/internal/validation"
)

// Handler provides the signature rendezvous HTTP endpoints.
type Handler struct {
	registry *Registry
	// maxWait caps the long-poll duration a client may request.
	maxWait time.Duration
	// caller returns the authenticated wallet address for the request,
	// as established by the auth guard in front of these routes.
	caller func(*gin.Context) string
}

// NewHandler creates a handler for the registry. maxWait <= 0 defaults to 60s.
// caller extracts the verified address from the request context.
func NewHandler(registry *Registry, maxWait time.Duration, caller func(*gin.Context) string) *Handler {
	if maxWait <= 0 {
		maxWait = 60 * time.Second
	}
	return &Handler{registry: registry, maxWait: maxWait, caller: caller}
}

// requireOwner loads the operation and rejects the request unless it belongs
// to the verified caller. Foreign callers get the same not_found response as
// a missing id, so operation IDs cannot be enumerated across wallets.
func (h *Handler) requireOwner(c *gin.Context, id string) bool {
	op, err := h.registry.Get(id)
	if err == nil && strings.EqualFold(op.Owner, h.caller(c)) {
		return true
	}
	c.JSON(http.StatusNotFound, gin.H{
		"error":   "not_found",
		"message": "Operation not found.",
	})
	return false
}

// ProvideRequest is the wallet's resolution of a pending operation.
// Credentials (address, signature, timestamp) are consumed by the auth guard.
type ProvideRequest struct {
	OperationID string `json:"operationId" binding:"required"`
	// Result is either the signed raw transaction or the hash of a
	// transaction the wallet already submitted.
	Result string `json:"result" binding:"required"`
}

// List handles GET /v1/signature/pending/:address
func (h *Handler) List(c *gin.Context) {
	ops := h.registry.ListPending(c.Param("address"))
	if ops == nil {
		ops = []Op{}
	}
	c.JSON(http.StatusOK, gin.H{
		"operations": ops,
		"count":      len(ops),
	})
}

// Provide handles POST /v1/signature/provide
func (h *Handler) Provide(c *gin.Context) {
	var req ProvideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "operationId and result are required.",
		})
		return
	}
	if !strings.HasPrefix(req.Result, "0x") || !validation.IsValidHex(req.Result) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "result must be a 0x-prefixed hex string.",
		})
		return
	}
	if !h.requireOwner(c, req.OperationID) {
		return
	}

	if err := h.registry.Provide(req.OperationID, req.Result); err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Operation not found or no longer open.",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"operationId": req.OperationID,
		"accepted":    true,
	})
}

// Wait handles GET /v1/signature/wait/:operationId
//
// Long-polls until the operation resolves, the requested timeout elapses, or
// the operation is cancelled. timeout_ms is clamped to the handler's maximum.
func (h *Handler) Wait(c *gin.Context) {
	id := c.Param("operationId")

	timeout := h.maxWait
	if raw := c.Query("timeout_ms"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "timeout_ms must be a positive integer.",
			})
			return
		}
		timeout = time.Duration(ms) * time.Millisecond
		if timeout > h.maxWait {
			timeout = h.maxWait
		}
	}

	if !h.requireOwner(c, id) {
		return
	}

	result, err := h.registry.Wait(c.Request.Context(), id, timeout)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Operation not found.",
			})
		case errors.Is(err, ErrTimeout):
			c.JSON(http.StatusRequestTimeout, gin.H{
				"error":       "timeout",
				"message":     "Operation was not resolved in time.",
				"operationId": id,
			})
		case errors.Is(err, ErrCancelled):
			c.JSON(http.StatusGone, gin.H{
				"error":       "cancelled",
				"message":     "Operation was cancelled.",
				"operationId": id,
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"operationId": id,
		"resolved":    true,
		"result":      result,
	})
}

// Cancel handles DELETE /v1/signature/cancel/:operationId
func (h *Handler) Cancel(c *gin.Context) {
	id := c.Param("operationId")
	if !h.requireOwner(c, id) {
		return
	}

	if err := h.registry.Cancel(id); err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Operation not found.",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"operationId": id,
		"cancelled":   true,
	})
}
