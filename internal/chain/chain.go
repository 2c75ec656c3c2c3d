// Package chain handles all blockchain reads and unsigned-transaction
// construction for the compute network's ledger and serving contracts.
//
// Nothing in this package signs with a user key. Transactions are assembled
// here, signed by the user's wallet out of process, and only then submitted.
package chain

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/inferbroker/internal/circuitbreaker"
)

var (
	ErrRPCConnection     = errors.New("chain: RPC connection failed")
	ErrInvalidAddress    = errors.New("chain: invalid address")
	ErrInvalidAmount     = errors.New("chain: invalid amount")
	ErrTransactionFailed = errors.New("chain: transaction reverted")
	ErrReceiptNotFound   = errors.New("chain: receipt not found")
)

// Minimal ABI for the ledger contract: account creation and deposits are
// payable, balances are read back as (available, total, exists).
const ledgerABI = `[
	{"inputs":[],"name":"addLedger","outputs":[],"stateMutability":"payable","type":"function"},
	{"inputs":[],"name":"depositFund","outputs":[],"stateMutability":"payable","type":"function"},
	{"inputs":[{"name":"user","type":"address"}],"name":"getLedger","outputs":[{"name":"available","type":"uint256"},{"name":"total","type":"uint256"},{"name":"exists","type":"bool"}],"stateMutability":"view","type":"function"}
]`

// Minimal ABI for the serving contract: providers must be acknowledged once,
// binding the session signer that will authenticate inference requests.
const servingABI = `[
	{"inputs":[{"name":"provider","type":"address"},{"name":"signer","type":"address"}],"name":"acknowledgeProviderSigner","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"user","type":"address"},{"name":"provider","type":"address"}],"name":"acknowledgedSigner","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"}
]`

// RPC abstracts the go-ethereum client for testing.
type RPC interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// DefaultGasLimit is used when estimation fails (payable ledger calls are cheap).
const DefaultGasLimit = uint64(200000)

// Config for the chain client.
type Config struct {
	RPCURL          string
	ChainID         int64
	LedgerContract  string
	ServingContract string
}

// LedgerInfo is the on-chain account record for a user.
type LedgerInfo struct {
	Available *big.Int
	Total     *big.Int
	Exists    bool
}

// UnsignedTx carries everything a wallet needs to sign and submit a call.
type UnsignedTx struct {
	From     common.Address
	To       common.Address
	Value    *big.Int
	Data     []byte
	Nonce    uint64
	Gas      uint64
	GasPrice *big.Int
	ChainID  *big.Int
}

// breakerKey is the single circuit for the RPC node; all calls share it.
const breakerKey = "rpc"

// Client reads contract state and assembles unsigned transactions.
type Client struct {
	rpc        RPC
	chainID    *big.Int
	ledgerAddr common.Address
	serveAddr  common.Address
	ledgerABI  abi.ABI
	servingABI abi.ABI
	breaker    *circuitbreaker.Breaker
}

// Option configures the client.
type Option func(*Client)

// WithRPC sets a custom RPC backend (useful for testing).
func WithRPC(rpc RPC) Option {
	return func(c *Client) { c.rpc = rpc }
}

// New creates a chain client. Without WithRPC it dials the configured node.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("chain ID required")
	}
	if !common.IsHexAddress(cfg.LedgerContract) || !common.IsHexAddress(cfg.ServingContract) {
		return nil, fmt.Errorf("%w: contract addresses must be hex", ErrInvalidAddress)
	}

	lABI, err := abi.JSON(strings.NewReader(ledgerABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ledger ABI: %w", err)
	}
	sABI, err := abi.JSON(strings.NewReader(servingABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse serving ABI: %w", err)
	}

	c := &Client{
		chainID:    big.NewInt(cfg.ChainID),
		ledgerAddr: common.HexToAddress(cfg.LedgerContract),
		serveAddr:  common.HexToAddress(cfg.ServingContract),
		ledgerABI:  lABI,
		servingABI: sABI,
		breaker:    circuitbreaker.New(5, 30*time.Second),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.rpc == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.rpc = client
	}

	return c, nil
}

// ChainID returns the configured chain id.
func (c *Client) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

// Close closes the underlying RPC connection.
func (c *Client) Close() {
	if c.rpc != nil {
		c.rpc.Close()
	}
}

// allowRPC rejects outright while the node circuit is open.
func (c *Client) allowRPC() error {
	if !c.breaker.Allow(breakerKey) {
		return fmt.Errorf("%w: circuit open", ErrRPCConnection)
	}
	return nil
}

// observeRPC feeds call outcomes to the breaker.
func (c *Client) observeRPC(err error) {
	if err != nil {
		c.breaker.RecordFailure(breakerKey)
		return
	}
	c.breaker.RecordSuccess(breakerKey)
}

// GetLedger reads the user's on-chain ledger record.
func (c *Client) GetLedger(ctx context.Context, user common.Address) (*LedgerInfo, error) {
	data, err := c.ledgerABI.Pack("getLedger", user)
	if err != nil {
		return nil, fmt.Errorf("failed to pack getLedger call: %w", err)
	}

	if err := c.allowRPC(); err != nil {
		return nil, err
	}
	result, err := c.rpc.CallContract(ctx, ethereum.CallMsg{
		To:   &c.ledgerAddr,
		Data: data,
	}, nil)
	c.observeRPC(err)
	if err != nil {
		return nil, fmt.Errorf("%w: getLedger: %v", ErrRPCConnection, err)
	}

	out, err := c.ledgerABI.Unpack("getLedger", result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack getLedger result: %w", err)
	}

	info := &LedgerInfo{
		Available: out[0].(*big.Int),
		Total:     out[1].(*big.Int),
		Exists:    out[2].(bool),
	}
	return info, nil
}

// AcknowledgedSigner returns the session signer the user has bound to a
// provider, or the zero address if the provider was never acknowledged.
func (c *Client) AcknowledgedSigner(ctx context.Context, user, provider common.Address) (common.Address, error) {
	data, err := c.servingABI.Pack("acknowledgedSigner", user, provider)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to pack acknowledgedSigner call: %w", err)
	}

	if err := c.allowRPC(); err != nil {
		return common.Address{}, err
	}
	result, err := c.rpc.CallContract(ctx, ethereum.CallMsg{
		To:   &c.serveAddr,
		Data: data,
	}, nil)
	c.observeRPC(err)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: acknowledgedSigner: %v", ErrRPCConnection, err)
	}

	out, err := c.servingABI.Unpack("acknowledgedSigner", result)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to unpack acknowledgedSigner result: %w", err)
	}

	return out[0].(common.Address), nil
}

// BalanceAt reads the user's native token balance.
func (c *Client) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	if err := c.allowRPC(); err != nil {
		return nil, err
	}
	bal, err := c.rpc.BalanceAt(ctx, addr, nil)
	c.observeRPC(err)
	if err != nil {
		return nil, fmt.Errorf("%w: balance: %v", ErrRPCConnection, err)
	}
	return bal, nil
}

// BuildCreateLedgerTx assembles the unsigned payable addLedger() call.
func (c *Client) BuildCreateLedgerTx(ctx context.Context, from common.Address, amount *big.Int) (*UnsignedTx, error) {
	data, err := c.ledgerABI.Pack("addLedger")
	if err != nil {
		return nil, fmt.Errorf("failed to pack addLedger: %w", err)
	}
	return c.assemble(ctx, from, c.ledgerAddr, amount, data)
}

// BuildDepositTx assembles the unsigned payable depositFund() call.
func (c *Client) BuildDepositTx(ctx context.Context, from common.Address, amount *big.Int) (*UnsignedTx, error) {
	data, err := c.ledgerABI.Pack("depositFund")
	if err != nil {
		return nil, fmt.Errorf("failed to pack depositFund: %w", err)
	}
	return c.assemble(ctx, from, c.ledgerAddr, amount, data)
}

// BuildAcknowledgeTx assembles the unsigned acknowledgeProviderSigner call.
func (c *Client) BuildAcknowledgeTx(ctx context.Context, from, provider, signer common.Address) (*UnsignedTx, error) {
	data, err := c.servingABI.Pack("acknowledgeProviderSigner", provider, signer)
	if err != nil {
		return nil, fmt.Errorf("failed to pack acknowledgeProviderSigner: %w", err)
	}
	return c.assemble(ctx, from, c.serveAddr, big.NewInt(0), data)
}

// assemble fills in nonce, gas price, and gas limit for an unsigned call.
func (c *Client) assemble(ctx context.Context, from, to common.Address, value *big.Int, data []byte) (*UnsignedTx, error) {
	if err := c.allowRPC(); err != nil {
		return nil, err
	}
	nonce, err := c.rpc.PendingNonceAt(ctx, from)
	c.observeRPC(err)
	if err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrRPCConnection, err)
	}

	gasPrice, err := c.rpc.SuggestGasPrice(ctx)
	c.observeRPC(err)
	if err != nil {
		return nil, fmt.Errorf("%w: gas price: %v", ErrRPCConnection, err)
	}

	gasLimit, err := c.rpc.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &to,
		Value: value,
		Data:  data,
	})
	c.observeRPC(err)
	if err != nil {
		// Use default if estimation fails
		gasLimit = DefaultGasLimit
	}

	return &UnsignedTx{
		From:     from,
		To:       to,
		Value:    value,
		Data:     data,
		Nonce:    nonce,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		ChainID:  c.ChainID(),
	}, nil
}

// SubmitRaw decodes a wallet-signed raw transaction and broadcasts it.
// Returns the transaction hash.
func (c *Client) SubmitRaw(ctx context.Context, rawHex string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(rawHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("invalid raw transaction hex: %w", err)
	}

	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return "", fmt.Errorf("invalid raw transaction encoding: %w", err)
	}

	if err := c.allowRPC(); err != nil {
		return "", err
	}
	err = c.rpc.SendTransaction(ctx, tx)
	c.observeRPC(err)
	if err != nil {
		return "", fmt.Errorf("%w: send: %v", ErrRPCConnection, err)
	}

	return tx.Hash().Hex(), nil
}

// Receipt fetches the receipt for a transaction hash. Returns
// ErrReceiptNotFound while the transaction is not yet visible and
// ErrTransactionFailed when it reverted.
func (c *Client) Receipt(ctx context.Context, txHash string) (*types.Receipt, error) {
	receipt, err := c.rpc.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrReceiptNotFound, txHash)
	}
	if receipt.Status == 0 {
		return receipt, fmt.Errorf("%w: %s", ErrTransactionFailed, txHash)
	}
	return receipt, nil
}
