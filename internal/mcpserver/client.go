package mcpserver

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/inferbroker/internal/pending"
	"github.com/mbd888/inferbroker/internal/sigverify"
)

// Config holds the configuration for connecting to the broker.
type Config struct {
	APIURL    string // Base URL, e.g. "http://localhost:8080"
	WalletKey string // Hex-encoded private key of the user's wallet
}

// WalletClient talks to the broker API on behalf of a locally held wallet
// key. All authenticated calls are signed here; the key never leaves the
// process.
type WalletClient struct {
	cfg        Config
	key        *ecdsa.PrivateKey
	address    string
	httpClient *http.Client
}

// NewWalletClient parses the wallet key and builds the HTTP client.
func NewWalletClient(cfg Config) (*WalletClient, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.WalletKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid wallet key: %w", err)
	}
	return &WalletClient{
		cfg:     cfg,
		key:     key,
		address: strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex()),
		httpClient: &http.Client{
			Timeout: 90 * time.Second, // long-poll waits ride through here
		},
	}, nil
}

// Address returns the wallet's lowercase hex address.
func (c *WalletClient) Address() string {
	return c.address
}

// signMessage produces a 0x-prefixed EIP-191 signature over message.
func (c *WalletClient) signMessage(message string) (string, error) {
	sig, err := crypto.Sign(sigverify.HashMessage(message), c.key)
	if err != nil {
		return "", err
	}
	sig[64] += 27
	return hexutil.Encode(sig), nil
}

// signTransaction signs the parked unsigned transaction and returns the
// RLP-encoded raw transaction, ready for broadcast.
func (c *WalletClient) signTransaction(req *pending.TxRequest) (string, error) {
	value, err := hexutil.DecodeBig(req.Value)
	if err != nil {
		return "", fmt.Errorf("bad value: %w", err)
	}
	gasPrice, err := hexutil.DecodeBig(req.GasPrice)
	if err != nil {
		return "", fmt.Errorf("bad gasPrice: %w", err)
	}
	chainID, err := hexutil.DecodeBig(req.ChainID)
	if err != nil {
		return "", fmt.Errorf("bad chainId: %w", err)
	}
	nonce, err := hexutil.DecodeUint64(req.Nonce)
	if err != nil {
		return "", fmt.Errorf("bad nonce: %w", err)
	}
	gas, err := hexutil.DecodeUint64(req.Gas)
	if err != nil {
		return "", fmt.Errorf("bad gas: %w", err)
	}
	data, err := hexutil.Decode(req.Data)
	if err != nil {
		return "", fmt.Errorf("bad data: %w", err)
	}
	to := common.HexToAddress(req.To)

	tx, err := types.SignNewTx(c.key, types.NewEIP155Signer(chainID), &types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	if err != nil {
		return "", fmt.Errorf("signing failed: %w", err)
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("encoding failed: %w", err)
	}
	return hexutil.Encode(raw), nil
}

// apiError represents an error response from the broker.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the broker and returns the response body.
// headers may be nil for unauthenticated endpoints.
func (c *WalletClient) doRequest(ctx context.Context, method, path string, query url.Values, headers map[string]string, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d %s): %s", resp.StatusCode, apiErr.Error, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// signedHeaders builds the header credentials for GET/DELETE endpoints.
func (c *WalletClient) signedHeaders(message string, ts int64) (map[string]string, error) {
	sig, err := c.signMessage(message)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"X-Auth-Address":   c.address,
		"X-Auth-Signature": sig,
		"X-Auth-Timestamp": strconv.FormatInt(ts, 10),
	}, nil
}

// InitSession establishes (or refreshes) the broker session for this wallet.
// A non-empty amount asks the broker to create and fund the ledger, which
// parks a signing request this wallet must approve.
func (c *WalletClient) InitSession(ctx context.Context, amount string) (json.RawMessage, error) {
	ts := time.Now().UnixMilli()
	sig, err := c.signMessage(sigverify.InitMessage(c.address, ts))
	if err != nil {
		return nil, err
	}
	body := map[string]any{
		"address":   c.address,
		"signature": sig,
		"timestamp": ts,
	}
	if amount != "" {
		body["amount"] = amount
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/broker/init", nil, nil, body)
}

// GetBalance reads the wallet's on-chain ledger through the broker.
func (c *WalletClient) GetBalance(ctx context.Context) (json.RawMessage, error) {
	ts := time.Now().UnixMilli()
	headers, err := c.signedHeaders(sigverify.BalanceMessage(c.address, ts), ts)
	if err != nil {
		return nil, err
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/broker/balance/"+c.address, nil, headers, nil)
}

// ListPending returns the signing requests parked for this wallet.
func (c *WalletClient) ListPending(ctx context.Context) ([]pending.Op, error) {
	ts := time.Now().UnixMilli()
	headers, err := c.signedHeaders(sigverify.PendingMessage(c.address, ts), ts)
	if err != nil {
		return nil, err
	}
	raw, err := c.doRequest(ctx, http.MethodGet, "/v1/signature/pending/"+c.address, nil, headers, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Operations []pending.Op `json:"operations"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("unexpected pending response: %w", err)
	}
	return resp.Operations, nil
}

// Provide hands a signing result back to the broker.
func (c *WalletClient) Provide(ctx context.Context, operationID, result string) (json.RawMessage, error) {
	ts := time.Now().UnixMilli()
	sig, err := c.signMessage(sigverify.ProvideMessage(c.address, operationID, ts))
	if err != nil {
		return nil, err
	}
	body := map[string]any{
		"address":     c.address,
		"signature":   sig,
		"timestamp":   ts,
		"operationId": operationID,
		"result":      result,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/signature/provide", nil, nil, body)
}

// Cancel rejects a pending signing request.
func (c *WalletClient) Cancel(ctx context.Context, operationID string) (json.RawMessage, error) {
	ts := time.Now().UnixMilli()
	headers, err := c.signedHeaders(sigverify.CancelMessage(c.address, operationID, ts), ts)
	if err != nil {
		return nil, err
	}
	return c.doRequest(ctx, http.MethodDelete, "/v1/signature/cancel/"+operationID, nil, headers, nil)
}

// History returns recent broker activity for this wallet.
func (c *WalletClient) History(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/history/"+c.address, q, nil, nil)
}
