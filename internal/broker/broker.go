// Package broker implements delegated ledger and inference operations.
//
// A Broker is bound to one user address but never holds that user's private
// key. Operations that need authorization assemble the exact transaction to
// sign, park it in the pending-operation registry, and resume once the user's
// wallet supplies a signature or transaction hash. The only key a Broker owns
// is an ephemeral session signer used to authenticate inference requests; it
// is generated server-side, never funded, and structurally incapable of
// moving user funds.
package broker

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mbd888/inferbroker/internal/chain"
	"github.com/mbd888/inferbroker/internal/metrics"
	"github.com/mbd888/inferbroker/internal/pending"
	"github.com/mbd888/inferbroker/internal/retry"
	"github.com/mbd888/inferbroker/internal/sigverify"
	"github.com/mbd888/inferbroker/internal/traces"
)

var (
	ErrInvalidAddress   = errors.New("broker: invalid address")
	ErrLedgerExists     = errors.New("broker: ledger already exists")
	ErrLedgerNotFound   = errors.New("broker: ledger not found")
	ErrSignatureTimeout = errors.New("broker: timed out waiting for signature")
	ErrCancelled        = errors.New("broker: signing request cancelled")
	ErrConfirmFailed    = errors.New("broker: transaction confirmation failed")
)

// ConfirmError wraps confirmation failures with the transaction hash.
type ConfirmError struct {
	TxHash string
	Err    error
}

func (e *ConfirmError) Error() string {
	return fmt.Sprintf("broker: confirmation of %s failed: %v", e.TxHash, e.Err)
}

func (e *ConfirmError) Unwrap() error { return e.Err }

// Chain is the subset of the chain client the broker needs. *chain.Client
// satisfies it; tests substitute fakes.
type Chain interface {
	GetLedger(ctx context.Context, user common.Address) (*chain.LedgerInfo, error)
	AcknowledgedSigner(ctx context.Context, user, provider common.Address) (common.Address, error)
	BuildCreateLedgerTx(ctx context.Context, from common.Address, amount *big.Int) (*chain.UnsignedTx, error)
	BuildDepositTx(ctx context.Context, from common.Address, amount *big.Int) (*chain.UnsignedTx, error)
	BuildAcknowledgeTx(ctx context.Context, from, provider, signer common.Address) (*chain.UnsignedTx, error)
	SubmitRaw(ctx context.Context, rawHex string) (string, error)
	Receipt(ctx context.Context, txHash string) (*types.Receipt, error)
}

// Config tunes the rendezvous and confirmation behaviour.
type Config struct {
	// WaitTimeout bounds the rendezvous wait for a wallet signature.
	WaitTimeout time.Duration
	// ConfirmAttempts caps receipt polls after submission.
	ConfirmAttempts int
	// ConfirmBaseDelay is the initial backoff between receipt polls.
	ConfirmBaseDelay time.Duration
	// BalanceFallback, when set, verifies effective state (re-reading the
	// ledger) after receipt polling exhausts instead of failing outright.
	// RPC visibility can lag a landed transaction; the tradeoff is that a
	// genuinely failed transaction may be masked, so every use is logged.
	BalanceFallback bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		WaitTimeout:      2 * time.Minute,
		ConfirmAttempts:  5,
		ConfirmBaseDelay: 2 * time.Second,
		BalanceFallback:  true,
	}
}

// Ledger is the reported view of a user's on-chain account.
type Ledger struct {
	Address   string `json:"address"`
	Available string `json:"available"`
	Total     string `json:"total"`
	Exists    bool   `json:"exists"`
}

// AckResult reports a provider acknowledgement.
type AckResult struct {
	Provider            string `json:"provider"`
	Signer              string `json:"signer"`
	TxHash              string `json:"txHash,omitempty"`
	AlreadyAcknowledged bool   `json:"alreadyAcknowledged"`
}

// Settlement is the signed report of a completed inference exchange.
type Settlement struct {
	Provider  string `json:"provider"`
	Address   string `json:"address"`
	BodyHash  string `json:"bodyHash"`
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature"`
	SettledAt int64  `json:"settledAt"`
}

// Broker executes delegated operations for one user address.
type Broker struct {
	owner    common.Address
	chain    Chain
	registry *pending.Registry
	signer   *ecdsa.PrivateKey
	cfg      Config
	logger   *slog.Logger
	nonce    atomic.Uint64
}

// New creates a broker for the given user address with a fresh ephemeral
// session signer.
func New(owner string, ch Chain, registry *pending.Registry, cfg Config, logger *slog.Logger) (*Broker, error) {
	if !common.IsHexAddress(owner) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, owner)
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultConfig().WaitTimeout
	}
	if cfg.ConfirmAttempts <= 0 {
		cfg.ConfirmAttempts = DefaultConfig().ConfirmAttempts
	}
	if cfg.ConfirmBaseDelay <= 0 {
		cfg.ConfirmBaseDelay = DefaultConfig().ConfirmBaseDelay
	}
	if logger == nil {
		logger = slog.Default()
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session signer: %w", err)
	}

	b := &Broker{
		owner:    common.HexToAddress(owner),
		chain:    ch,
		registry: registry,
		signer:   key,
		cfg:      cfg,
		logger:   logger.With("owner", strings.ToLower(owner)),
	}
	// Seed the header nonce so restarts don't reuse values a provider has seen.
	b.nonce.Store(uint64(time.Now().UnixMilli()))
	return b, nil
}

// Owner returns the user address this broker acts for.
func (b *Broker) Owner() string { return strings.ToLower(b.owner.Hex()) }

// SignerAddress returns the ephemeral session signer's address.
func (b *Broker) SignerAddress() string {
	return strings.ToLower(crypto.PubkeyToAddress(b.signer.PublicKey).Hex())
}

// GetLedger reads the user's ledger. Read-only, no rendezvous.
func (b *Broker) GetLedger(ctx context.Context) (*Ledger, error) {
	info, err := b.chain.GetLedger(ctx, b.owner)
	if err != nil {
		return nil, err
	}
	return b.ledgerView(info), nil
}

// CreateLedger opens the user's on-chain ledger with an initial deposit.
func (b *Broker) CreateLedger(ctx context.Context, amount *big.Int) (*Ledger, error) {
	info, err := b.chain.GetLedger(ctx, b.owner)
	if err != nil {
		return nil, err
	}
	if info.Exists {
		return b.ledgerView(info), ErrLedgerExists
	}

	tx, err := b.chain.BuildCreateLedgerTx(ctx, b.owner, amount)
	if err != nil {
		return nil, err
	}

	verify := func(ctx context.Context) (bool, error) {
		after, err := b.chain.GetLedger(ctx, b.owner)
		if err != nil {
			return false, err
		}
		return after.Exists, nil
	}

	if _, err := b.runTxFlow(ctx, tx, verify); err != nil {
		return nil, err
	}

	return b.GetLedger(ctx)
}

// DepositFunds adds to an existing ledger.
func (b *Broker) DepositFunds(ctx context.Context, amount *big.Int) (*Ledger, error) {
	before, err := b.chain.GetLedger(ctx, b.owner)
	if err != nil {
		return nil, err
	}
	if !before.Exists {
		return nil, ErrLedgerNotFound
	}

	tx, err := b.chain.BuildDepositTx(ctx, b.owner, amount)
	if err != nil {
		return nil, err
	}

	// Total is cumulative and monotonic, so a grown total proves the
	// deposit landed even if the available balance moved concurrently.
	wantTotal := new(big.Int).Add(before.Total, amount)
	verify := func(ctx context.Context) (bool, error) {
		after, err := b.chain.GetLedger(ctx, b.owner)
		if err != nil {
			return false, err
		}
		return after.Total.Cmp(wantTotal) >= 0, nil
	}

	if _, err := b.runTxFlow(ctx, tx, verify); err != nil {
		return nil, err
	}

	return b.GetLedger(ctx)
}

// AcknowledgeProvider binds this broker's session signer to a provider.
// A no-op when the provider already has this signer acknowledged.
func (b *Broker) AcknowledgeProvider(ctx context.Context, provider string) (*AckResult, error) {
	if !common.IsHexAddress(provider) {
		return nil, fmt.Errorf("%w: provider %q", ErrInvalidAddress, provider)
	}
	providerAddr := common.HexToAddress(provider)

	current, err := b.chain.AcknowledgedSigner(ctx, b.owner, providerAddr)
	if err != nil {
		return nil, err
	}

	signerAddr := crypto.PubkeyToAddress(b.signer.PublicKey)
	if current == signerAddr {
		return &AckResult{
			Provider:            strings.ToLower(providerAddr.Hex()),
			Signer:              b.SignerAddress(),
			AlreadyAcknowledged: true,
		}, nil
	}

	tx, err := b.chain.BuildAcknowledgeTx(ctx, b.owner, providerAddr, signerAddr)
	if err != nil {
		return nil, err
	}

	verify := func(ctx context.Context) (bool, error) {
		acked, err := b.chain.AcknowledgedSigner(ctx, b.owner, providerAddr)
		if err != nil {
			return false, err
		}
		return acked == signerAddr, nil
	}

	txHash, err := b.runTxFlow(ctx, tx, verify)
	if err != nil {
		return nil, err
	}

	return &AckResult{
		Provider: strings.ToLower(providerAddr.Hex()),
		Signer:   b.SignerAddress(),
		TxHash:   txHash,
	}, nil
}

// BuildRequestHeaders produces the authentication headers for one inference
// request to a provider. Signed with the session key only; no on-chain write.
func (b *Broker) BuildRequestHeaders(provider string, payload []byte) (map[string]string, error) {
	if !common.IsHexAddress(provider) {
		return nil, fmt.Errorf("%w: provider %q", ErrInvalidAddress, provider)
	}

	nonce := b.nonce.Add(1)
	bodyHash := hexutil.Encode(crypto.Keccak256(payload))
	message := fmt.Sprintf("%s|%s|%d|%s",
		strings.ToLower(provider), b.Owner(), nonce, bodyHash)

	sig, err := crypto.Sign(sigverify.HashMessage(message), b.signer)
	if err != nil {
		return nil, fmt.Errorf("failed to sign request headers: %w", err)
	}
	sig[64] += 27

	return map[string]string{
		"X-Inference-Address":   b.Owner(),
		"X-Inference-Signer":    b.SignerAddress(),
		"X-Inference-Provider":  strings.ToLower(provider),
		"X-Inference-Nonce":     fmt.Sprintf("%d", nonce),
		"X-Inference-Body-Hash": bodyHash,
		"X-Inference-Signature": hexutil.Encode(sig),
	}, nil
}

// SettleExchange reports a completed inference exchange: a session-signed
// attestation over the response body, suitable for usage accounting.
func (b *Broker) SettleExchange(provider string, responseBody []byte) (*Settlement, error) {
	if !common.IsHexAddress(provider) {
		return nil, fmt.Errorf("%w: provider %q", ErrInvalidAddress, provider)
	}

	nonce := b.nonce.Add(1)
	bodyHash := hexutil.Encode(crypto.Keccak256(responseBody))
	settledAt := time.Now().UnixMilli()
	message := fmt.Sprintf("settle|%s|%s|%d|%s|%d",
		strings.ToLower(provider), b.Owner(), nonce, bodyHash, settledAt)

	sig, err := crypto.Sign(sigverify.HashMessage(message), b.signer)
	if err != nil {
		return nil, fmt.Errorf("failed to sign settlement: %w", err)
	}
	sig[64] += 27

	return &Settlement{
		Provider:  strings.ToLower(provider),
		Address:   b.Owner(),
		BodyHash:  bodyHash,
		Nonce:     nonce,
		Signature: hexutil.Encode(sig),
		SettledAt: settledAt,
	}, nil
}

func (b *Broker) ledgerView(info *chain.LedgerInfo) *Ledger {
	return &Ledger{
		Address:   b.Owner(),
		Available: chain.FormatToken(info.Available),
		Total:     chain.FormatToken(info.Total),
		Exists:    info.Exists,
	}
}

// runTxFlow parks the unsigned transaction for wallet signing, waits for the
// rendezvous to resolve, broadcasts if needed, and confirms the result. It
// returns the confirmed transaction hash.
func (b *Broker) runTxFlow(ctx context.Context, tx *chain.UnsignedTx, verify func(context.Context) (bool, error)) (string, error) {
	ctx, span := traces.StartSpan(ctx, "broker.tx_flow", traces.WalletAddr(b.Owner()))
	defer span.End()

	op := pending.Operation{
		Kind:        pending.KindSignTransaction,
		Transaction: toTxRequest(tx),
	}

	opID := b.registry.Create(b.Owner(), op)
	span.SetAttributes(traces.OperationID(opID))
	b.logger.Info("signing request registered", "operation_id", opID)

	result, err := b.registry.Wait(ctx, opID, b.cfg.WaitTimeout)
	if err != nil {
		switch {
		case errors.Is(err, pending.ErrTimeout):
			return "", ErrSignatureTimeout
		case errors.Is(err, pending.ErrCancelled):
			return "", ErrCancelled
		default:
			return "", err
		}
	}

	txHash, err := b.submit(ctx, result)
	if err != nil {
		return "", err
	}
	span.SetAttributes(traces.TxHash(txHash))

	if err := b.confirm(ctx, txHash, verify); err != nil {
		return "", err
	}
	return txHash, nil
}

// submit interprets the rendezvous resolution: a 66-char 0x string is a hash
// of a transaction the wallet already submitted; anything longer is a raw
// signed transaction the broker must broadcast itself.
func (b *Broker) submit(ctx context.Context, resolution string) (string, error) {
	if len(resolution) == 66 && strings.HasPrefix(resolution, "0x") {
		return resolution, nil
	}
	return b.chain.SubmitRaw(ctx, resolution)
}

// confirm polls for the receipt with bounded retries. If polling exhausts
// without a receipt and the balance fallback is enabled, effective state is
// re-verified instead of reporting a false failure.
func (b *Broker) confirm(ctx context.Context, txHash string, verify func(context.Context) (bool, error)) error {
	start := time.Now()

	err := retry.Do(ctx, b.cfg.ConfirmAttempts, b.cfg.ConfirmBaseDelay, func() error {
		_, rerr := b.chain.Receipt(ctx, txHash)
		if errors.Is(rerr, chain.ErrTransactionFailed) {
			// Reverted on chain; no point retrying.
			return retry.Permanent(rerr)
		}
		return rerr
	})

	metrics.TxConfirmDuration.Observe(time.Since(start).Seconds())

	if err == nil {
		metrics.TxConfirmationsTotal.WithLabelValues("confirmed").Inc()
		return nil
	}
	if errors.Is(err, chain.ErrTransactionFailed) {
		metrics.TxConfirmationsTotal.WithLabelValues("failed").Inc()
		return &ConfirmError{TxHash: txHash, Err: err}
	}

	if b.cfg.BalanceFallback && verify != nil {
		ok, verr := verify(ctx)
		if verr == nil && ok {
			// Receipt invisible but state reflects the transaction; accept
			// it and say so loudly (see Config.BalanceFallback).
			b.logger.Warn("receipt not found after retries, accepted via state re-verification",
				"tx_hash", txHash)
			metrics.TxConfirmationsTotal.WithLabelValues("fallback").Inc()
			return nil
		}
	}

	metrics.TxConfirmationsTotal.WithLabelValues("failed").Inc()
	return &ConfirmError{TxHash: txHash, Err: errors.Join(ErrConfirmFailed, err)}
}

func toTxRequest(tx *chain.UnsignedTx) *pending.TxRequest {
	return &pending.TxRequest{
		From:     strings.ToLower(tx.From.Hex()),
		To:       strings.ToLower(tx.To.Hex()),
		Value:    hexutil.EncodeBig(tx.Value),
		Data:     hexutil.Encode(tx.Data),
		Nonce:    hexutil.EncodeUint64(tx.Nonce),
		Gas:      hexutil.EncodeUint64(tx.Gas),
		GasPrice: hexutil.EncodeBig(tx.GasPrice),
		ChainID:  hexutil.EncodeBig(tx.ChainID),
	}
}
