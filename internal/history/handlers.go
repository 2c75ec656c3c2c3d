package history

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/inferbroker/internal/pagination"
)

// Handler provides HTTP endpoints for usage history.
type Handler struct {
	store Store
}

// NewHandler creates a new history handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up read-only history routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/history/:address", h.ListByAddress)
	r.GET("/history/record/:id", h.GetRecord)
}

// ListByAddress handles GET /v1/history/:address
func (h *Handler) ListByAddress(c *gin.Context) {
	address := c.Param("address")
	if !common.IsHexAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "address is not a valid hex address.",
		})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "cursor is not valid.",
		})
		return
	}

	// Fetch one extra row to learn whether another page exists.
	records, err := h.store.ListByAddress(c.Request.Context(), address, cursor, limit+1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	records, next, hasMore := pagination.ComputePage(records, limit, func(r *Record) (time.Time, string) {
		return r.CreatedAt, r.ID
	})
	if records == nil {
		records = []*Record{}
	}

	resp := gin.H{
		"records":  records,
		"count":    len(records),
		"has_more": hasMore,
	}
	if next != "" {
		resp["next_cursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// GetRecord handles GET /v1/history/record/:id
func (h *Handler) GetRecord(c *gin.Context) {
	record, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Usage record not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"record": record})
}
