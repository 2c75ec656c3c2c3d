package notify

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/websocket"

	"github.com/mbd888/inferbroker/internal/pending"
	"github.com/mbd888/inferbroker/internal/sigverify"
)

func testHub() *Hub {
	return NewHub(slog.Default(), 5*time.Minute)
}

func newSubscriber(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key, strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
}

// subscribeURL builds a ws URL carrying a signed subscription for address.
func subscribeURL(t *testing.T, base string, key *ecdsa.PrivateKey, address string) string {
	t.Helper()
	ts := time.Now().UnixMilli()
	sig, err := crypto.Sign(sigverify.HashMessage(sigverify.SubscribeMessage(address, ts)), key)
	if err != nil {
		t.Fatalf("sign subscription: %v", err)
	}
	sig[64] += 27
	return fmt.Sprintf("ws%s?address=%s&timestamp=%d&signature=0x%s",
		strings.TrimPrefix(base, "http"), address, ts, hex.EncodeToString(sig))
}

// ---------------------------------------------------------------------------
// wants tests
// ---------------------------------------------------------------------------

func TestWants_AddressFilter(t *testing.T) {
	client := &Client{sub: Subscription{Address: "0xaaa"}}

	matching := &Event{Type: EventOperationCreated, Address: "0xaaa"}
	other := &Event{Type: EventOperationCreated, Address: "0xbbb"}

	if !client.wants(matching) {
		t.Error("Should receive events for the subscribed address")
	}
	if client.wants(other) {
		t.Error("Should NOT receive events for other addresses")
	}
}

func TestWants_EmptySubscriptionReceivesNothing(t *testing.T) {
	client := &Client{}
	event := &Event{Type: EventOperationCreated, Address: "0xaaa"}
	if client.wants(event) {
		t.Error("Client without a subscribed address must not receive events")
	}
}

// ---------------------------------------------------------------------------
// end-to-end over a real WebSocket connection
// ---------------------------------------------------------------------------

func httpHandler(h *Hub) http.Handler {
	return http.HandlerFunc(h.HandleWebSocket)
}

func TestHub_DeliversOperationEvents(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(httpHandler(h))
	defer srv.Close()

	key, addr := newSubscriber(t)
	conn, _, err := websocket.DefaultDialer.Dial(subscribeURL(t, srv.URL, key, addr), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	waitForClients(t, h, 1)

	h.OperationCreated(pending.Op{
		ID:    "op_1",
		Owner: addr,
		Operation: pending.Operation{
			Kind: pending.KindSignTransaction,
		},
	})
	// Event for another address must be filtered out.
	h.OperationCreated(pending.Op{ID: "op_2", Owner: "0xbbb"})
	h.OperationResolved(pending.Op{ID: "op_1", Owner: addr})

	got := readEvents(t, conn, 2)
	if got[0].Type != EventOperationCreated || got[0].OperationID != "op_1" {
		t.Errorf("First event: expected created op_1, got %+v", got[0])
	}
	if got[0].Kind != string(pending.KindSignTransaction) {
		t.Errorf("Expected kind sign_transaction, got %q", got[0].Kind)
	}
	if got[1].Type != EventOperationResolved || got[1].OperationID != "op_1" {
		t.Errorf("Second event: expected resolved op_1, got %+v", got[1])
	}
}

func TestHub_UnsignedSubscriptionRejected(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(httpHandler(h))
	defer srv.Close()

	base := "ws" + strings.TrimPrefix(srv.URL, "http")
	for _, url := range []string{
		base,
		base + "?address=0xaaa",
		base + fmt.Sprintf("?address=0xaaa&timestamp=%d", time.Now().UnixMilli()),
	} {
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		if err == nil {
			t.Fatalf("dial %s: expected rejection", url)
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("dial %s: expected 401, got %+v", url, resp)
		}
	}
}

func TestHub_ForeignSignatureRejected(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(httpHandler(h))
	defer srv.Close()

	// Intruder signs with their own key but claims another wallet's address.
	intruderKey, _ := newSubscriber(t)
	_, victimAddr := newSubscriber(t)

	_, resp, err := websocket.DefaultDialer.Dial(subscribeURL(t, srv.URL, intruderKey, victimAddr), nil)
	if err == nil {
		t.Fatal("Expected upgrade to be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %+v", resp)
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n != 0 {
		t.Errorf("Expected no registered clients, got %d", n)
	}
}

func TestHub_InboundMessageCannotRetarget(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(httpHandler(h))
	defer srv.Close()

	key, addr := newSubscriber(t)
	conn, _, err := websocket.DefaultDialer.Dial(subscribeURL(t, srv.URL, key, addr), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	waitForClients(t, h, 1)

	// A client-sent subscription update must be ignored.
	if err := conn.WriteJSON(Subscription{Address: "0xbbb"}); err != nil {
		t.Fatalf("write subscription: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	h.OperationCreated(pending.Op{ID: "op_other", Owner: "0xbbb"})
	h.OperationCreated(pending.Op{ID: "op_mine", Owner: addr})

	got := readEvents(t, conn, 1)
	if got[0].OperationID != "op_mine" {
		t.Errorf("Expected only own event after retarget attempt, got %q", got[0].OperationID)
	}
}

func TestHub_StatsAndShutdown(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	srv := httptest.NewServer(httpHandler(h))
	defer srv.Close()

	key, addr := newSubscriber(t)
	conn, _, err := websocket.DefaultDialer.Dial(subscribeURL(t, srv.URL, key, addr), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	waitForClients(t, h, 1)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}

	cancel()

	// After shutdown, upgrades are refused.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		select {
		case <-h.done:
			return
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	t.Error("Hub did not stop after context cancellation")
}

// --- helpers ---

func waitForClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.RLock()
		cur := len(h.clients)
		h.mu.RUnlock()
		if cur == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Expected %d clients to register", n)
}

func readEvents(t *testing.T, conn *websocket.Conn, n int) []Event {
	t.Helper()
	events := make([]Event, 0, n)
	for len(events) < n {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read event %d: %v", len(events), err)
		}
		var e Event
		if err := json.Unmarshal(msg, &e); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		events = append(events, e)
	}
	return events
}
