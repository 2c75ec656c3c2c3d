package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/inferbroker/internal/broker"
	"github.com/mbd888/inferbroker/internal/chain"
	"github.com/mbd888/inferbroker/internal/config"
	"github.com/mbd888/inferbroker/internal/sigverify"
)

// -----------------------------------------------------------------------------
// Fake chain backend
// -----------------------------------------------------------------------------

type fakeChain struct {
	mu           sync.Mutex
	ledgers      map[common.Address]*chain.LedgerInfo
	acked        map[string]common.Address // user|provider -> signer
	submittedRaw []string
	builtTxs     int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		ledgers: make(map[common.Address]*chain.LedgerInfo),
		acked:   make(map[string]common.Address),
	}
}

func (f *fakeChain) GetLedger(_ context.Context, user common.Address) (*chain.LedgerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.ledgers[user]; ok {
		return &chain.LedgerInfo{
			Available: new(big.Int).Set(l.Available),
			Total:     new(big.Int).Set(l.Total),
			Exists:    true,
		}, nil
	}
	return &chain.LedgerInfo{Available: big.NewInt(0), Total: big.NewInt(0)}, nil
}

func (f *fakeChain) AcknowledgedSigner(_ context.Context, user, provider common.Address) (common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acked[user.Hex()+"|"+provider.Hex()], nil
}

func (f *fakeChain) buildTx(from common.Address, value *big.Int) (*chain.UnsignedTx, error) {
	f.mu.Lock()
	f.builtTxs++
	f.mu.Unlock()
	return &chain.UnsignedTx{
		From:     from,
		To:       common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		Value:    value,
		Nonce:    1,
		Gas:      chain.DefaultGasLimit,
		GasPrice: big.NewInt(1),
		ChainID:  big.NewInt(16602),
	}, nil
}

func (f *fakeChain) BuildCreateLedgerTx(_ context.Context, from common.Address, amount *big.Int) (*chain.UnsignedTx, error) {
	return f.buildTx(from, amount)
}

func (f *fakeChain) BuildDepositTx(_ context.Context, from common.Address, amount *big.Int) (*chain.UnsignedTx, error) {
	return f.buildTx(from, amount)
}

func (f *fakeChain) BuildAcknowledgeTx(_ context.Context, from, _, _ common.Address) (*chain.UnsignedTx, error) {
	return f.buildTx(from, big.NewInt(0))
}

func (f *fakeChain) SubmitRaw(_ context.Context, rawHex string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submittedRaw = append(f.submittedRaw, rawHex)
	return fakeTxHash(), nil
}

func (f *fakeChain) Receipt(_ context.Context, txHash string) (*types.Receipt, error) {
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
}

// credit mutates ledger state the way a mined transaction would.
func (f *fakeChain) credit(user common.Address, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.ledgers[user]
	if !ok {
		l = &chain.LedgerInfo{Available: big.NewInt(0), Total: big.NewInt(0), Exists: true}
		f.ledgers[user] = l
	}
	l.Available.Add(l.Available, amount)
	l.Total.Add(l.Total, amount)
}

func (f *fakeChain) ack(user, provider, signer common.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked[user.Hex()+"|"+provider.Hex()] = signer
}

func fakeTxHash() string {
	return "0x" + strings.Repeat("ab", 32)
}

var _ broker.Chain = (*fakeChain)(nil)

// -----------------------------------------------------------------------------
// Test harness
// -----------------------------------------------------------------------------

const testProvider = "0x00000000000000000000000000000000000000ff"

func testConfig() *config.Config {
	return &config.Config{
		Port:                   "0",
		Env:                    "test",
		LogLevel:               "error",
		RPCURL:                 "http://localhost:0",
		ChainID:                16602,
		LedgerContract:         "0x0000000000000000000000000000000000000001",
		ServingContract:        "0x0000000000000000000000000000000000000002",
		Currency:               "OG",
		MinFund:                "0.1",
		MaxFund:                "1000",
		RateLimitPerMinute:     6000,
		InferQueriesPerDay:     1000,
		FundOpsPerHour:         100,
		SigTolerance:           time.Minute,
		SessionTTL:             time.Hour,
		OpStaleness:            time.Minute,
		SweepInterval:          time.Minute,
		WaitTimeout:            2 * time.Second,
		ConfirmAttempts:        2,
		ConfirmBaseDelay:       time.Millisecond,
		ConfirmBalanceFallback: true,
	}
}

func newTestServer(t *testing.T, fc *fakeChain) *Server {
	t.Helper()
	s, err := New(testConfig(), WithChain(fc))
	require.NoError(t, err)
	t.Cleanup(func() {
		s.registry.Stop()
		s.sessions.Stop()
		s.rateLimiter.Stop()
		s.fundQuota.Stop()
		s.inferQuota.Stop()
	})
	return s
}

type wallet struct {
	key     *ecdsa.PrivateKey
	address string
}

func newWallet(t *testing.T) *wallet {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &wallet{
		key:     key,
		address: strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex()),
	}
}

func (w *wallet) sign(t *testing.T, message string) string {
	t.Helper()
	sig, err := crypto.Sign(sigverify.HashMessage(message), w.key)
	require.NoError(t, err)
	sig[64] += 27
	return hexutil.Encode(sig)
}

// post sends a signed JSON request. extra rides alongside the auth fields.
func (w *wallet) post(t *testing.T, s *Server, path, message string, ts int64, extra map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	body := map[string]any{
		"address":   w.address,
		"signature": w.sign(t, message),
		"timestamp": ts,
	}
	for k, v := range extra {
		body[k] = v
	}
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func (w *wallet) get(t *testing.T, s *Server, path, message string, ts int64) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("X-Auth-Signature", w.sign(t, message))
	req.Header.Set("X-Auth-Timestamp", fmt.Sprintf("%d", ts))
	req.Header.Set("X-Auth-Address", w.address)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func (w *wallet) delete(t *testing.T, s *Server, path, message string, ts int64) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodDelete, path, nil)
	req.Header.Set("X-Auth-Signature", w.sign(t, message))
	req.Header.Set("X-Auth-Timestamp", fmt.Sprintf("%d", ts))
	req.Header.Set("X-Auth-Address", w.address)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func nowMs() int64 { return time.Now().UnixMilli() }

// resolveNext waits for the next pending operation for addr and resolves it.
func resolveNext(t *testing.T, s *Server, addr, result string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, op := range s.registry.ListPending(addr) {
			require.NoError(t, s.registry.Provide(op.ID, result))
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("no pending operation appeared")
}

// -----------------------------------------------------------------------------
// Tests
// -----------------------------------------------------------------------------

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t, newFakeChain())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	out := decode(t, rec)
	assert.Equal(t, "healthy", out["status"])

	req = httptest.NewRequest(http.MethodGet, "/health/live", nil)
	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Readiness flips on only in Run
	req = httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestInit_RequiresValidSignature(t *testing.T) {
	s := newTestServer(t, newFakeChain())
	w := newWallet(t)
	other := newWallet(t)

	ts := nowMs()
	// Signature by a different key over the right message
	body := map[string]any{
		"address":   w.address,
		"signature": other.sign(t, sigverify.InitMessage(w.address, ts)),
		"timestamp": ts,
	}
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/v1/broker/init", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "auth_error", decode(t, rec)["error"])
}

func TestInit_Idempotent(t *testing.T) {
	s := newTestServer(t, newFakeChain())
	w := newWallet(t)

	ts := nowMs()
	rec := w.post(t, s, "/v1/broker/init", sigverify.InitMessage(w.address, ts), ts, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	out := decode(t, rec)
	assert.Equal(t, w.address, out["address"])
	assert.Equal(t, false, out["alreadyInitialized"])
	signer := out["signer"].(string)
	assert.True(t, strings.HasPrefix(signer, "0x"))

	ts = nowMs()
	rec = w.post(t, s, "/v1/broker/init", sigverify.InitMessage(w.address, ts), ts, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	out = decode(t, rec)
	assert.Equal(t, true, out["alreadyInitialized"])
	assert.Equal(t, signer, out["signer"], "session signer must be stable across inits")
}

func TestInit_WithFunding_DelegatedFlow(t *testing.T) {
	fc := newFakeChain()
	s := newTestServer(t, fc)
	w := newWallet(t)

	// The wallet side: watch for the parked transaction, pretend to sign and
	// submit it, then hand back the tx hash.
	done := make(chan struct{})
	go func() {
		defer close(done)
		resolveNext(t, s, w.address, fakeTxHash())
		fc.credit(common.HexToAddress(w.address), big.NewInt(5e17))
	}()

	ts := nowMs()
	rec := w.post(t, s, "/v1/broker/init", sigverify.InitMessage(w.address, ts), ts,
		map[string]any{"amount": "0.5"})
	<-done

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode(t, rec)
	ledger := out["ledger"].(map[string]any)
	assert.Equal(t, true, ledger["exists"])
	assert.Equal(t, "0.5", ledger["total"])

	// Wallet submitted the hash itself, so the server must not re-broadcast.
	fc.mu.Lock()
	assert.Empty(t, fc.submittedRaw)
	fc.mu.Unlock()
}

func TestFund_RejectedBelowMinimumBeforeDelegation(t *testing.T) {
	fc := newFakeChain()
	s := newTestServer(t, fc)
	w := newWallet(t)

	ts := nowMs()
	rec := w.post(t, s, "/v1/broker/init", sigverify.InitMessage(w.address, ts), ts, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	ts = nowMs()
	rec = w.post(t, s, "/v1/broker/fund", sigverify.FundMessage(w.address, "0.01", ts), ts,
		map[string]any{"amount": "0.01"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", decode(t, rec)["error"])
	assert.Equal(t, 0, s.registry.Size(), "rejected funding must not park an operation")
	fc.mu.Lock()
	assert.Equal(t, 0, fc.builtTxs)
	fc.mu.Unlock()
}

func TestFund_RequiresSession(t *testing.T) {
	s := newTestServer(t, newFakeChain())
	w := newWallet(t)

	ts := nowMs()
	rec := w.post(t, s, "/v1/broker/fund", sigverify.FundMessage(w.address, "1", ts), ts,
		map[string]any{"amount": "1"})

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "not_initialized", decode(t, rec)["error"])
}

func TestFund_FullDelegatedDeposit(t *testing.T) {
	fc := newFakeChain()
	s := newTestServer(t, fc)
	w := newWallet(t)
	user := common.HexToAddress(w.address)

	fc.credit(user, big.NewInt(1e18)) // ledger already exists with 1 OG

	ts := nowMs()
	rec := w.post(t, s, "/v1/broker/init", sigverify.InitMessage(w.address, ts), ts, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	done := make(chan struct{})
	go func() {
		defer close(done)
		resolveNext(t, s, w.address, fakeTxHash())
		fc.credit(user, big.NewInt(2e18))
	}()

	ts = nowMs()
	rec = w.post(t, s, "/v1/broker/fund", sigverify.FundMessage(w.address, "2", ts), ts,
		map[string]any{"amount": "2"})
	<-done

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ledger := decode(t, rec)["ledger"].(map[string]any)
	assert.Equal(t, "3", ledger["total"])

	// The deposit shows up in usage history.
	recs, err := s.history.ListByAddress(context.Background(), w.address, nil, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "2", recs[0].Amount)
}

func TestBalance_HeaderAuth(t *testing.T) {
	fc := newFakeChain()
	s := newTestServer(t, fc)
	w := newWallet(t)

	fc.credit(common.HexToAddress(w.address), big.NewInt(15e17))

	ts := nowMs()
	rec := w.get(t, s, "/v1/broker/balance/"+w.address, sigverify.BalanceMessage(w.address, ts), ts)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode(t, rec)
	assert.Equal(t, "1.5", out["available"])
	assert.Equal(t, "OG", out["currency"])
}

func TestBalance_MalformedAddressRejected(t *testing.T) {
	s := newTestServer(t, newFakeChain())
	w := newWallet(t)

	ts := nowMs()
	rec := w.get(t, s, "/v1/broker/balance/not-an-address", sigverify.BalanceMessage("not-an-address", ts), ts)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_address")
}

func TestAcknowledge_RecordsHistory(t *testing.T) {
	fc := newFakeChain()
	s := newTestServer(t, fc)
	w := newWallet(t)

	ts := nowMs()
	rec := w.post(t, s, "/v1/broker/init", sigverify.InitMessage(w.address, ts), ts, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	go resolveNext(t, s, w.address, fakeTxHash())

	ts = nowMs()
	rec = w.post(t, s, "/v1/broker/acknowledge/"+testProvider,
		sigverify.AcknowledgeMessage(w.address, testProvider, ts), ts, nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode(t, rec)
	assert.Equal(t, false, out["alreadyAcknowledged"])

	recs, err := s.history.ListByAddress(context.Background(), w.address, nil, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, testProvider, recs[0].Provider)
}

func TestHeadersAndSettle(t *testing.T) {
	fc := newFakeChain()
	s := newTestServer(t, fc)
	w := newWallet(t)

	ts := nowMs()
	rec := w.post(t, s, "/v1/broker/init", sigverify.InitMessage(w.address, ts), ts, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	ts = nowMs()
	rec = w.post(t, s, "/v1/broker/headers", sigverify.InferMessage(w.address, testProvider, ts), ts,
		map[string]any{"provider": testProvider, "payload": `{"prompt":"hi"}`})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	headers := decode(t, rec)["headers"].(map[string]any)
	assert.Equal(t, w.address, headers["X-Inference-Address"])
	assert.NotEmpty(t, headers["X-Inference-Signature"])

	ts = nowMs()
	rec = w.post(t, s, "/v1/broker/settle", sigverify.SettleMessage(w.address, testProvider, ts), ts,
		map[string]any{"provider": testProvider, "response": `{"answer":"ok"}`})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	settlement := decode(t, rec)["settlement"].(map[string]any)
	assert.Equal(t, strings.ToLower(testProvider), settlement["provider"])

	recs, err := s.history.ListByAddress(context.Background(), w.address, nil, 10)
	require.NoError(t, err)
	assert.Len(t, recs, 2) // inference + settlement
}

func TestSignatureTimeout_Surfaces408(t *testing.T) {
	fc := newFakeChain()
	s := newTestServer(t, fc)
	s.brokerCfg.WaitTimeout = 50 * time.Millisecond
	w := newWallet(t)

	ts := nowMs()
	rec := w.post(t, s, "/v1/broker/init", sigverify.InitMessage(w.address, ts), ts,
		map[string]any{"amount": "0.5"})

	assert.Equal(t, http.StatusRequestTimeout, rec.Code)
	assert.Equal(t, "signature_timeout", decode(t, rec)["error"])
}

func TestPendingEndpoints_SignedResolution(t *testing.T) {
	fc := newFakeChain()
	s := newTestServer(t, fc)
	w := newWallet(t)

	// Kick off a funding init in the background so an operation parks.
	go func() {
		ts := nowMs()
		w.post(t, s, "/v1/broker/init", sigverify.InitMessage(w.address, ts), ts,
			map[string]any{"amount": "0.5"})
	}()

	// Wallet polls the pending list over the HTTP surface.
	var opID string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ts := nowMs()
		rec := w.get(t, s, "/v1/signature/pending/"+w.address,
			sigverify.PendingMessage(w.address, ts), ts)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		out := decode(t, rec)
		ops := out["operations"].([]any)
		if len(ops) > 0 {
			opID = ops[0].(map[string]any)["operationId"].(string)
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NotEmpty(t, opID, "pending operation never appeared")

	fc.credit(common.HexToAddress(w.address), big.NewInt(5e17))

	ts := nowMs()
	rec := w.post(t, s, "/v1/signature/provide", sigverify.ProvideMessage(w.address, opID, ts), ts,
		map[string]any{"operationId": opID, "result": fakeTxHash()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decode(t, rec)["accepted"])
}

func TestPendingEndpoints_ForeignWalletDenied(t *testing.T) {
	fc := newFakeChain()
	s := newTestServer(t, fc)
	victim := newWallet(t)
	intruder := newWallet(t)

	ts := nowMs()
	rec := victim.post(t, s, "/v1/broker/init", sigverify.InitMessage(victim.address, ts), ts, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Seed the victim's ledger so the fund call parks a pending operation
	// instead of failing with ledger_not_found.
	fc.credit(common.HexToAddress(victim.address), big.NewInt(1e18))

	fundDone := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		ts := nowMs()
		fundDone <- victim.post(t, s, "/v1/broker/fund", sigverify.FundMessage(victim.address, "1", ts), ts,
			map[string]any{"amount": "1"})
	}()

	var opID string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ops := s.registry.ListPending(victim.address); len(ops) > 0 {
			opID = ops[0].ID
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.NotEmpty(t, opID, "pending operation never appeared")

	// A different wallet with perfectly valid credentials of its own cannot
	// resolve, cancel, or consume the victim's operation.
	ts = nowMs()
	rec = intruder.post(t, s, "/v1/signature/provide", sigverify.ProvideMessage(intruder.address, opID, ts), ts,
		map[string]any{"operationId": opID, "result": fakeTxHash()})
	require.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
	assert.Equal(t, "not_found", decode(t, rec)["error"])

	ts = nowMs()
	rec = intruder.delete(t, s, "/v1/signature/cancel/"+opID, sigverify.CancelMessage(intruder.address, opID, ts), ts)
	require.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())

	ts = nowMs()
	rec = intruder.get(t, s, "/v1/signature/wait/"+opID+"?timeout_ms=50", sigverify.WaitMessage(intruder.address, opID, ts), ts)
	require.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())

	// The owner's rendezvous is untouched: a proper resolution completes the
	// deposit with the wallet's own signature.
	fc.credit(common.HexToAddress(victim.address), big.NewInt(1e18))
	ts = nowMs()
	rec = victim.post(t, s, "/v1/signature/provide", sigverify.ProvideMessage(victim.address, opID, ts), ts,
		map[string]any{"operationId": opID, "result": fakeTxHash()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	fundRec := <-fundDone
	require.Equal(t, http.StatusOK, fundRec.Code, fundRec.Body.String())
}

func TestQuota_FundOpsPerHour(t *testing.T) {
	fc := newFakeChain()
	cfg := testConfig()
	cfg.FundOpsPerHour = 1
	s, err := New(cfg, WithChain(fc))
	require.NoError(t, err)
	t.Cleanup(func() {
		s.registry.Stop()
		s.sessions.Stop()
		s.rateLimiter.Stop()
		s.fundQuota.Stop()
		s.inferQuota.Stop()
	})

	w := newWallet(t)
	user := common.HexToAddress(w.address)
	fc.credit(user, big.NewInt(1e18))

	ts := nowMs()
	rec := w.post(t, s, "/v1/broker/init", sigverify.InitMessage(w.address, ts), ts, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	done := make(chan struct{})
	go func() {
		defer close(done)
		resolveNext(t, s, w.address, fakeTxHash())
		fc.credit(user, big.NewInt(1e18))
	}()

	ts = nowMs()
	rec = w.post(t, s, "/v1/broker/fund", sigverify.FundMessage(w.address, "1", ts), ts,
		map[string]any{"amount": "1"})
	<-done
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Second funding inside the window hits the quota.
	ts = nowMs()
	rec = w.post(t, s, "/v1/broker/fund", sigverify.FundMessage(w.address, "1", ts), ts,
		map[string]any{"amount": "1"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "quota_exceeded", decode(t, rec)["error"])
}

func TestRequestIDPropagation(t *testing.T) {
	s := newTestServer(t, newFakeChain())

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "test-id-123")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, "test-id-123", rec.Header().Get("X-Request-ID"))
}
