// Package auth authenticates broker API requests with wallet signatures.
//
// There are no stored credentials. Every authenticated request carries the
// caller's address, a millisecond timestamp, and an EIP-191 signature over a
// canonical per-operation message. The message embeds the operation kind and
// its semantic parameters, so a signature captured from one request cannot
// authorize a different operation, a different target, or a replay outside
// the timestamp tolerance.
package auth

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/inferbroker/internal/session"
	"github.com/mbd888/inferbroker/internal/sigverify"
)

var (
	ErrMissingCredentials = errors.New("auth: missing credentials")
	ErrBadAddress         = errors.New("auth: invalid address")
)

const (
	// ContextKeyAddress holds the verified caller address. The rate limit
	// middleware reads the same key.
	ContextKeyAddress = "auth_address"

	// Header credentials for GET and DELETE requests, which have no body.
	HeaderSignature = "X-Auth-Signature"
	HeaderTimestamp = "X-Auth-Timestamp"

	// HeaderAddress carries the caller address for operation-scoped
	// requests where the URL has no :address param.
	HeaderAddress = "X-Auth-Address"
)

// Credentials are the auth fields extracted from a request.
type Credentials struct {
	Address   string
	Signature string
	Timestamp int64
}

// bodyFields is the loose superset of auth-relevant JSON body fields.
type bodyFields struct {
	Address     string `json:"address"`
	Signature   string `json:"signature"`
	Timestamp   int64  `json:"timestamp"`
	Amount      string `json:"amount"`
	Provider    string `json:"provider"`
	OperationID string `json:"operationId"`
}

// Guard verifies request signatures and marks the caller on the context.
type Guard struct {
	tolerance time.Duration
	sessions  *session.Cache // optional, touched on every verified request
}

// NewGuard creates a guard. Zero tolerance uses the verifier default.
// sessions may be nil.
func NewGuard(tolerance time.Duration, sessions *session.Cache) *Guard {
	if tolerance <= 0 {
		tolerance = sigverify.DefaultTolerance
	}
	return &Guard{tolerance: tolerance, sessions: sessions}
}

// RequireInit guards POST /broker/init.
func (g *Guard) RequireInit() gin.HandlerFunc {
	return g.bodyGuard(func(c *gin.Context, f *bodyFields) (string, bool) {
		return sigverify.InitMessage(f.Address, f.Timestamp), true
	})
}

// RequireFund guards funding requests. The deposit amount is part of the
// signed message, so it cannot be altered in flight.
func (g *Guard) RequireFund() gin.HandlerFunc {
	return g.bodyGuard(func(c *gin.Context, f *bodyFields) (string, bool) {
		if f.Amount == "" {
			return "", false
		}
		return sigverify.FundMessage(f.Address, f.Amount, f.Timestamp), true
	})
}

// RequireAcknowledge guards POST /broker/acknowledge/:provider.
func (g *Guard) RequireAcknowledge() gin.HandlerFunc {
	return g.bodyGuard(func(c *gin.Context, f *bodyFields) (string, bool) {
		provider := c.Param("provider")
		if provider == "" {
			return "", false
		}
		return sigverify.AcknowledgeMessage(f.Address, provider, f.Timestamp), true
	})
}

// RequireInfer guards header-building requests.
func (g *Guard) RequireInfer() gin.HandlerFunc {
	return g.bodyGuard(func(c *gin.Context, f *bodyFields) (string, bool) {
		if f.Provider == "" {
			return "", false
		}
		return sigverify.InferMessage(f.Address, f.Provider, f.Timestamp), true
	})
}

// RequireSettle guards settlement reports.
func (g *Guard) RequireSettle() gin.HandlerFunc {
	return g.bodyGuard(func(c *gin.Context, f *bodyFields) (string, bool) {
		if f.Provider == "" {
			return "", false
		}
		return sigverify.SettleMessage(f.Address, f.Provider, f.Timestamp), true
	})
}

// RequireProvide guards signature hand-offs from the wallet.
func (g *Guard) RequireProvide() gin.HandlerFunc {
	return g.bodyGuard(func(c *gin.Context, f *bodyFields) (string, bool) {
		if f.OperationID == "" {
			return "", false
		}
		return sigverify.ProvideMessage(f.Address, f.OperationID, f.Timestamp), true
	})
}

// RequireBalance guards GET /broker/balance/:address. Credentials ride in
// headers; the address comes from the URL.
func (g *Guard) RequireBalance() gin.HandlerFunc {
	return g.headerGuard("address", func(c *gin.Context, addr string, ts int64) string {
		return sigverify.BalanceMessage(addr, ts)
	})
}

// RequirePendingList guards GET /signature/pending/:address.
func (g *Guard) RequirePendingList() gin.HandlerFunc {
	return g.headerGuard("address", func(c *gin.Context, addr string, ts int64) string {
		return sigverify.PendingMessage(addr, ts)
	})
}

// RequireWait guards GET /signature/wait/:operationId.
func (g *Guard) RequireWait() gin.HandlerFunc {
	return g.headerGuard("", func(c *gin.Context, addr string, ts int64) string {
		return sigverify.WaitMessage(addr, c.Param("operationId"), ts)
	})
}

// RequireCancel guards DELETE /signature/cancel/:operationId.
func (g *Guard) RequireCancel() gin.HandlerFunc {
	return g.headerGuard("", func(c *gin.Context, addr string, ts int64) string {
		return sigverify.CancelMessage(addr, c.Param("operationId"), ts)
	})
}

// bodyGuard reads credentials from the JSON body, restores the body for the
// downstream handler, and verifies the canonical message built by build.
func (g *Guard) bodyGuard(build func(*gin.Context, *bodyFields) (string, bool)) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := io.ReadAll(c.Request.Body)
		if err != nil {
			abortValidation(c, "Request body could not be read.")
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(raw))

		var f bodyFields
		if err := json.Unmarshal(raw, &f); err != nil {
			abortValidation(c, "Request body must be valid JSON.")
			return
		}
		if f.Address == "" || f.Signature == "" || f.Timestamp == 0 {
			abortValidation(c, "address, signature, and timestamp are required.")
			return
		}
		if !common.IsHexAddress(f.Address) {
			abortValidation(c, "address is not a valid hex address.")
			return
		}

		message, ok := build(c, &f)
		if !ok {
			abortValidation(c, "Request is missing required fields.")
			return
		}

		g.verify(c, f.Address, message, f.Signature, f.Timestamp)
	}
}

// headerGuard reads credentials from headers. addrParam names the URL param
// holding the caller address; empty means the X-Auth-Address header.
func (g *Guard) headerGuard(addrParam string, build func(*gin.Context, string, int64) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var address string
		if addrParam != "" {
			address = c.Param(addrParam)
		} else {
			address = c.GetHeader(HeaderAddress)
		}
		signature := c.GetHeader(HeaderSignature)
		tsRaw := c.GetHeader(HeaderTimestamp)

		if address == "" || signature == "" || tsRaw == "" {
			abortValidation(c, "Address, "+HeaderSignature+", and "+HeaderTimestamp+" are required.")
			return
		}
		if !common.IsHexAddress(address) {
			abortValidation(c, "address is not a valid hex address.")
			return
		}
		ts, err := strconv.ParseInt(tsRaw, 10, 64)
		if err != nil {
			abortValidation(c, HeaderTimestamp+" must be a millisecond unix timestamp.")
			return
		}

		g.verify(c, address, build(c, address, ts), signature, ts)
	}
}

func (g *Guard) verify(c *gin.Context, address, message, signature string, timestampMs int64) {
	res := sigverify.Verify(address, message, signature, timestampMs, g.tolerance)
	if !res.Valid {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   "auth_error",
			"message": "Signature verification failed: " + res.Reason + ".",
		})
		return
	}

	addr := strings.ToLower(address)
	c.Set(ContextKeyAddress, addr)
	if g.sessions != nil {
		g.sessions.Touch(addr)
	}
	c.Next()
}

func abortValidation(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": msg,
	})
}

// VerifiedAddress returns the caller address set by a guard.
func VerifiedAddress(c *gin.Context) string {
	return c.GetString(ContextKeyAddress)
}
