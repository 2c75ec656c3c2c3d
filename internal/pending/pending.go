// Package pending implements the rendezvous registry for delegated signing.
//
// The backend never holds a user's private key. When an operation needs a
// signature, it registers a pending operation here and blocks on Wait. The
// user's wallet client polls ListPending, signs locally, and posts the result
// back through Provide, which wakes the waiter. Abandoned entries are
// reclaimed by a background sweep so the registry cannot grow without bound.
package pending

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/inferbroker/internal/idgen"
	"github.com/mbd888/inferbroker/internal/metrics"
)

var (
	ErrNotFound  = errors.New("pending: operation not found")
	ErrTimeout   = errors.New("pending: signature timeout")
	ErrCancelled = errors.New("pending: operation cancelled")
)

// Kind discriminates what the wallet is being asked to sign.
type Kind string

const (
	KindSignMessage     Kind = "sign_message"
	KindSignTransaction Kind = "sign_transaction"
	KindSignTypedData   Kind = "sign_typed_data"
)

// TxRequest carries the exact unsigned transaction fields the wallet signs.
// All numeric fields are 0x-prefixed hex strings so the JSON round-trips
// without precision loss.
type TxRequest struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Value    string `json:"value"`
	Data     string `json:"data"`
	Nonce    string `json:"nonce"`
	Gas      string `json:"gas"`
	GasPrice string `json:"gasPrice"`
	ChainID  string `json:"chainId"`
}

// Operation is the tagged variant describing the signing request.
type Operation struct {
	Kind        Kind            `json:"kind"`
	Message     string          `json:"message,omitempty"`
	Transaction *TxRequest      `json:"transaction,omitempty"`
	TypedData   json.RawMessage `json:"typedData,omitempty"`
}

// Op is the public view of a pending operation.
type Op struct {
	ID        string    `json:"operationId"`
	Owner     string    `json:"address"`
	Operation Operation `json:"operation"`
	CreatedAt time.Time `json:"createdAt"`
	Resolved  bool      `json:"resolved"`
	Result    string    `json:"-"`
}

type entryState int

const (
	stateOpen entryState = iota
	stateResolved
	stateCancelled
	stateExpired
)

type entry struct {
	op    Op
	state entryState
	done  chan struct{} // closed on resolve, cancel, or expiry
}

// Notifier receives registry events. Implementations must not block.
type Notifier interface {
	OperationCreated(op Op)
	OperationResolved(op Op)
}

// Config for the registry lifecycle.
type Config struct {
	// Staleness is the maximum age of any entry, resolved or not.
	Staleness time.Duration
	// SweepInterval is how often the background sweep runs.
	SweepInterval time.Duration
}

// DefaultConfig returns the standard staleness window.
func DefaultConfig() Config {
	return Config{
		Staleness:     5 * time.Minute,
		SweepInterval: 30 * time.Second,
	}
}

// Registry is the in-memory pending-operation store. Construct with New and
// Stop on shutdown; tests instantiate isolated registries.
type Registry struct {
	cfg      Config
	mu       sync.Mutex
	entries  map[string]*entry
	notifier Notifier
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

// Option configures the registry.
type Option func(*Registry)

// WithNotifier attaches an event notifier (e.g. the websocket hub).
func WithNotifier(n Notifier) Option {
	return func(r *Registry) { r.notifier = n }
}

// New creates a registry and starts its sweep goroutine.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Registry {
	if cfg.Staleness <= 0 {
		cfg.Staleness = DefaultConfig().Staleness
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		cfg:     cfg,
		entries: make(map[string]*entry),
		logger:  logger,
		stop:    make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// Stop halts the background sweep.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Create registers a new unresolved operation and returns its id.
func (r *Registry) Create(owner string, operation Operation) string {
	e := &entry{
		op: Op{
			ID:        idgen.WithPrefix("op_"),
			Owner:     strings.ToLower(owner),
			Operation: operation,
			CreatedAt: time.Now(),
		},
		done: make(chan struct{}),
	}

	r.mu.Lock()
	r.entries[e.op.ID] = e
	r.mu.Unlock()

	metrics.PendingOpsCreated.WithLabelValues(string(operation.Kind)).Inc()

	if r.notifier != nil {
		r.notifier.OperationCreated(e.op)
	}

	return e.op.ID
}

// ListPending returns the unresolved operations for an address, oldest first,
// so a client can always act on the earliest outstanding request.
func (r *Registry) ListPending(owner string) []Op {
	owner = strings.ToLower(owner)

	r.mu.Lock()
	ops := make([]Op, 0, 4)
	for _, e := range r.entries {
		if e.op.Owner == owner && e.state == stateOpen {
			ops = append(ops, e.op)
		}
	}
	r.mu.Unlock()

	sort.Slice(ops, func(i, j int) bool { return ops[i].CreatedAt.Before(ops[j].CreatedAt) })
	return ops
}

// Get returns a snapshot of an operation by id.
func (r *Registry) Get(id string) (Op, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return Op{}, ErrNotFound
	}
	return e.op, nil
}

// Provide resolves an operation with a signature or transaction hash.
// The first successful call wins; providing again for an already-resolved
// operation is a no-op success so client retries are harmless.
func (r *Registry) Provide(id, signatureOrHash string) error {
	var resolved Op
	notify := false

	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}

	switch e.state {
	case stateResolved:
		// Idempotent: keep the first value.
		r.mu.Unlock()
		return nil
	case stateCancelled, stateExpired:
		r.mu.Unlock()
		return ErrNotFound
	}

	e.state = stateResolved
	e.op.Resolved = true
	e.op.Result = signatureOrHash
	resolved = e.op
	notify = true
	close(e.done)
	r.mu.Unlock()

	metrics.PendingOpsResolved.WithLabelValues(string(resolved.Operation.Kind)).Inc()
	metrics.RendezvousWait.Observe(time.Since(resolved.CreatedAt).Seconds())

	if notify && r.notifier != nil {
		r.notifier.OperationResolved(resolved)
	}

	return nil
}

// Wait blocks until the operation resolves, then consumes the entry and
// returns the provided value. On timeout the entry is left intact: a late
// signature can still land and the sweep reclaims it eventually.
func (r *Registry) Wait(ctx context.Context, id string, timeout time.Duration) (string, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return "", ErrNotFound
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-e.done:
		// The entry pointer stays valid even if the sweep already removed
		// the map slot, so a resolution is never lost between wake and
		// consumption.
		r.mu.Lock()
		state, result := e.state, e.op.Result
		if state == stateResolved {
			delete(r.entries, id)
		}
		r.mu.Unlock()

		switch state {
		case stateResolved:
			return result, nil
		case stateCancelled:
			return "", ErrCancelled
		default:
			return "", ErrTimeout
		}

	case <-timer.C:
		return "", ErrTimeout

	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Cancel removes an operation unconditionally and wakes any waiter with a
// cancelled outcome.
func (r *Registry) Cancel(id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if e.state == stateOpen {
		e.state = stateCancelled
		close(e.done)
	}
	delete(r.entries, id)
	r.mu.Unlock()

	metrics.PendingOpsCancelled.Inc()
	return nil
}

// Size reports the number of live entries (for health checks).
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			if n := r.sweep(time.Now()); n > 0 {
				r.logger.Info("swept stale pending operations", "count", n)
			}
		}
	}
}

// sweep removes entries older than the staleness window regardless of
// resolution. Waiters on an unresolved swept entry observe a timeout.
func (r *Registry) sweep(now time.Time) int {
	cutoff := now.Add(-r.cfg.Staleness)

	r.mu.Lock()
	removed := 0
	for id, e := range r.entries {
		if e.op.CreatedAt.After(cutoff) {
			continue
		}
		if e.state == stateOpen {
			e.state = stateExpired
			close(e.done)
		}
		delete(r.entries, id)
		removed++
	}
	r.mu.Unlock()

	if removed > 0 {
		metrics.PendingOpsSwept.Add(float64(removed))
	}
	return removed
}
