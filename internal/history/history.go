// Package history records completed broker operations per user address.
//
// Every confirmed ledger action and settled inference exchange produces one
// usage record, so users can audit what their delegated broker did on their
// behalf without replaying chain state.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/inferbroker/internal/idgen"
	"github.com/mbd888/inferbroker/internal/pagination"
	"github.com/mbd888/inferbroker/internal/validation"
)

var ErrNotFound = errors.New("history: not found")

// Kind identifies what the broker did.
type Kind string

const (
	KindCreateLedger Kind = "create_ledger"
	KindDeposit      Kind = "deposit"
	KindAcknowledge  Kind = "acknowledge"
	KindInference    Kind = "inference"
	KindSettlement   Kind = "settlement"
)

// Record is one completed broker operation.
type Record struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	Provider  string    `json:"provider,omitempty"`
	Kind      Kind      `json:"kind"`
	Amount    string    `json:"amount,omitempty"` // token units, decimal string
	TxHash    string    `json:"txHash,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewRecord stamps a record with an ID and creation time. The address is
// normalized to lowercase so lookups are case-insensitive.
func NewRecord(address string, kind Kind) *Record {
	return &Record{
		ID:        idgen.WithPrefix("use_"),
		Address:   validation.SanitizeAddress(address),
		Kind:      kind,
		CreatedAt: time.Now(),
	}
}

// Store persists usage records.
type Store interface {
	Create(ctx context.Context, r *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	// ListByAddress returns records newest first. A non-nil cursor resumes
	// after the position it encodes.
	ListByAddress(ctx context.Context, address string, before *pagination.Cursor, limit int) ([]*Record, error)
}
