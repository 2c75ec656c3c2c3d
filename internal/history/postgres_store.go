package history

import (
	"context"
	"database/sql"
	"strings"

	"github.com/mbd888/inferbroker/internal/pagination"
)

// PostgresStore persists usage records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed record store.
// Schema is managed by the migrations/ directory.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, r *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO usage_records (
			id, address, provider, kind, amount, tx_hash, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, strings.ToLower(r.Address), nullString(strings.ToLower(r.Provider)),
		string(r.Kind), nullString(r.Amount), nullString(r.TxHash), r.CreatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, address, provider, kind, amount, tx_hash, created_at
		FROM usage_records WHERE id = $1`, id)

	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) ListByAddress(ctx context.Context, address string, before *pagination.Cursor, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}

	var (
		rows *sql.Rows
		err  error
	)
	if before != nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, address, provider, kind, amount, tx_hash, created_at
			FROM usage_records
			WHERE address = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, strings.ToLower(address), before.CreatedAt, before.ID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, address, provider, kind, amount, tx_hash, created_at
			FROM usage_records
			WHERE address = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, strings.ToLower(address), limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// --- scanners ---

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(sc scanner) (*Record, error) {
	r := &Record{}
	var (
		provider sql.NullString
		amount   sql.NullString
		txHash   sql.NullString
		kind     string
	)
	err := sc.Scan(&r.ID, &r.Address, &provider, &kind, &amount, &txHash, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.Provider = provider.String
	r.Kind = Kind(kind)
	r.Amount = amount.String
	r.TxHash = txHash.String
	return r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
