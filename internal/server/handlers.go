package server

import (
	"errors"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/inferbroker/internal/auth"
	"github.com/mbd888/inferbroker/internal/broker"
	"github.com/mbd888/inferbroker/internal/chain"
	"github.com/mbd888/inferbroker/internal/history"
	"github.com/mbd888/inferbroker/internal/logging"
	"github.com/mbd888/inferbroker/internal/validation"
)

// -----------------------------------------------------------------------------
// Request bodies (auth fields are consumed by the guard middleware)
// -----------------------------------------------------------------------------

type initRequest struct {
	Amount string `json:"amount"` // optional initial funding
}

type fundRequest struct {
	Amount string `json:"amount"`
}

type headersRequest struct {
	Provider string `json:"provider"`
	Payload  string `json:"payload"`
}

type settleRequest struct {
	Provider string `json:"provider"`
	Response string `json:"response"`
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// initHandler establishes a broker session for the authenticated address and
// optionally creates the on-chain ledger when an amount is supplied.
func (s *Server) initHandler(c *gin.Context) {
	addr := auth.VerifiedAddress(c)

	var req initRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortValidation(c, "Invalid request body")
		return
	}

	sess, existed, err := s.sessions.GetOrCreate(addr, func() (*broker.Broker, error) {
		return broker.New(addr, s.chain, s.registry, s.brokerCfg, s.logger)
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to initialize broker session",
		})
		return
	}

	ledger, err := sess.Broker.GetLedger(c.Request.Context())
	if err != nil {
		s.respondBrokerError(c, err)
		return
	}

	// Fund the ledger on first init if requested and it does not exist yet.
	if !ledger.Exists && req.Amount != "" {
		amount, err := s.parseFundAmount(req.Amount)
		if err != nil {
			abortValidation(c, err.Error())
			return
		}
		ledger, err = sess.Broker.CreateLedger(c.Request.Context(), amount)
		if err != nil {
			s.respondBrokerError(c, err)
			return
		}
		s.record(c, history.NewRecord(addr, history.KindCreateLedger), func(r *history.Record) {
			r.Amount = req.Amount
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"address":            sess.Address,
		"signer":             sess.Broker.SignerAddress(),
		"ledger":             ledger,
		"alreadyInitialized": existed,
	})
}

// balanceHandler reads the on-chain ledger directly; it does not need a session.
func (s *Server) balanceHandler(c *gin.Context) {
	addr := auth.VerifiedAddress(c)

	info, err := s.chain.GetLedger(c.Request.Context(), common.HexToAddress(addr))
	if err != nil {
		s.respondBrokerError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"address":   addr,
		"available": chain.FormatToken(info.Available),
		"total":     chain.FormatToken(info.Total),
		"exists":    info.Exists,
		"currency":  s.cfg.Currency,
	})
}

func (s *Server) fundHandler(c *gin.Context) {
	addr := auth.VerifiedAddress(c)

	var req fundRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Amount == "" {
		abortValidation(c, "Amount is required")
		return
	}

	amount, err := s.parseFundAmount(req.Amount)
	if err != nil {
		abortValidation(c, err.Error())
		return
	}

	sess, err := s.sessions.Get(addr)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "not_initialized",
			"message": "No broker session; call /v1/broker/init first",
		})
		return
	}

	ledger, err := sess.Broker.DepositFunds(c.Request.Context(), amount)
	if err != nil {
		s.respondBrokerError(c, err)
		return
	}

	s.record(c, history.NewRecord(addr, history.KindDeposit), func(r *history.Record) {
		r.Amount = req.Amount
	})

	c.JSON(http.StatusOK, gin.H{"ledger": ledger})
}

func (s *Server) acknowledgeHandler(c *gin.Context) {
	addr := auth.VerifiedAddress(c)
	provider := c.Param("provider")

	sess, err := s.sessions.Get(addr)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "not_initialized",
			"message": "No broker session; call /v1/broker/init first",
		})
		return
	}

	result, err := sess.Broker.AcknowledgeProvider(c.Request.Context(), provider)
	if err != nil {
		s.respondBrokerError(c, err)
		return
	}

	if !result.AlreadyAcknowledged {
		s.record(c, history.NewRecord(addr, history.KindAcknowledge), func(r *history.Record) {
			r.Provider = result.Provider
			r.TxHash = result.TxHash
		})
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) headersHandler(c *gin.Context) {
	addr := auth.VerifiedAddress(c)

	var req headersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortValidation(c, "Provider is required")
		return
	}
	if errs := validation.Validate(
		validation.Required("provider", req.Provider),
		validation.ValidAddress("provider", req.Provider),
		validation.MaxLength("payload", req.Payload, validation.MaxStringLength),
	); len(errs) > 0 {
		abortValidation(c, errs.Error())
		return
	}

	sess, err := s.sessions.Get(addr)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "not_initialized",
			"message": "No broker session; call /v1/broker/init first",
		})
		return
	}

	headers, err := sess.Broker.BuildRequestHeaders(req.Provider, []byte(req.Payload))
	if err != nil {
		s.respondBrokerError(c, err)
		return
	}

	s.record(c, history.NewRecord(addr, history.KindInference), func(r *history.Record) {
		r.Provider = req.Provider
	})

	c.JSON(http.StatusOK, gin.H{"headers": headers})
}

func (s *Server) settleHandler(c *gin.Context) {
	addr := auth.VerifiedAddress(c)

	var req settleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortValidation(c, "Provider is required")
		return
	}
	if errs := validation.Validate(
		validation.Required("provider", req.Provider),
		validation.ValidAddress("provider", req.Provider),
		validation.MaxLength("response", req.Response, validation.MaxStringLength),
	); len(errs) > 0 {
		abortValidation(c, errs.Error())
		return
	}

	sess, err := s.sessions.Get(addr)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "not_initialized",
			"message": "No broker session; call /v1/broker/init first",
		})
		return
	}

	settlement, err := sess.Broker.SettleExchange(req.Provider, []byte(req.Response))
	if err != nil {
		s.respondBrokerError(c, err)
		return
	}

	s.record(c, history.NewRecord(addr, history.KindSettlement), func(r *history.Record) {
		r.Provider = settlement.Provider
	})

	c.JSON(http.StatusOK, gin.H{"settlement": settlement})
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// parseFundAmount validates a funding amount against the configured bounds.
func (s *Server) parseFundAmount(raw string) (*big.Int, error) {
	if errs := validation.Validate(
		validation.Required("amount", raw),
		validation.ValidAmount("amount", raw),
	); len(errs) > 0 {
		return nil, errs
	}
	amount, err := chain.ParseToken(raw)
	if err != nil {
		return nil, errors.New("Invalid amount format")
	}
	if amount.Cmp(s.minFund) < 0 {
		return nil, errors.New("Amount below minimum of " + s.cfg.MinFund + " " + s.cfg.Currency)
	}
	if amount.Cmp(s.maxFund) > 0 {
		return nil, errors.New("Amount above maximum of " + s.cfg.MaxFund + " " + s.cfg.Currency)
	}
	return amount, nil
}

// record writes a usage record; failures are logged, never surfaced to the client.
func (s *Server) record(c *gin.Context, r *history.Record, fill func(*history.Record)) {
	fill(r)
	if err := s.history.Create(c.Request.Context(), r); err != nil {
		logging.L(c.Request.Context()).Error("failed to write usage record",
			"kind", r.Kind,
			"address", r.Address,
			"error", err,
		)
	}
}

// respondBrokerError maps broker and chain errors to stable API error codes.
func (s *Server) respondBrokerError(c *gin.Context, err error) {
	var confirmErr *broker.ConfirmError

	switch {
	case errors.Is(err, broker.ErrInvalidAddress), errors.Is(err, chain.ErrInvalidAddress):
		abortValidation(c, "Invalid address")
	case errors.Is(err, chain.ErrInvalidAmount):
		abortValidation(c, "Invalid amount")
	case errors.Is(err, broker.ErrLedgerExists):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "ledger_exists",
			"message": "Ledger already exists for this address",
		})
	case errors.Is(err, broker.ErrLedgerNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "ledger_not_found",
			"message": "No ledger for this address; call /v1/broker/init with an amount",
		})
	case errors.Is(err, broker.ErrSignatureTimeout):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"error":   "signature_timeout",
			"message": "Wallet did not provide a signature in time",
		})
	case errors.Is(err, broker.ErrCancelled):
		c.JSON(http.StatusGone, gin.H{
			"error":   "cancelled",
			"message": "Signing operation was cancelled",
		})
	case errors.As(err, &confirmErr), errors.Is(err, broker.ErrConfirmFailed):
		resp := gin.H{
			"error":   "confirm_failed",
			"message": "Transaction could not be confirmed",
		}
		if confirmErr != nil && confirmErr.TxHash != "" {
			resp["txHash"] = confirmErr.TxHash
		}
		c.JSON(http.StatusBadGateway, resp)
	case errors.Is(err, chain.ErrRPCConnection):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "rpc_unavailable",
			"message": "Chain RPC is unavailable",
		})
	default:
		logging.L(c.Request.Context()).Error("broker operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}
}

func abortValidation(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": msg,
	})
}
