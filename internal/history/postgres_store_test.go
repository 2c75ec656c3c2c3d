package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/inferbroker/internal/testutil"
)

func TestPostgresStore_RoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	r := NewRecord(testAddr, KindDeposit)
	r.Provider = "0x2222222222222222222222222222222222222222"
	r.Amount = "1.5"
	r.TxHash = "0xabcdef"
	require.NoError(t, store.Create(ctx, r))

	got, err := store.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, testAddr, got.Address)
	assert.Equal(t, r.Provider, got.Provider)
	assert.Equal(t, KindDeposit, got.Kind)
	assert.WithinDuration(t, r.CreatedAt, got.CreatedAt, time.Second)

	_, err = store.Get(ctx, "use_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_ListByAddress(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	for i, kind := range []Kind{KindCreateLedger, KindDeposit, KindInference} {
		r := NewRecord(testAddr, kind)
		r.CreatedAt = time.Now().Add(-time.Duration(3-i) * time.Hour)
		require.NoError(t, store.Create(ctx, r))
	}
	require.NoError(t, store.Create(ctx, NewRecord("0x3333333333333333333333333333333333333333", KindDeposit)))

	records, err := store.ListByAddress(ctx, testAddr, nil, 10)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, KindInference, records[0].Kind, "newest first")

	records, err = store.ListByAddress(ctx, testAddr, nil, 1)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestPostgresStore_NullableFields(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	// Acknowledge records have no amount; settlement records no tx hash.
	r := NewRecord(testAddr, KindAcknowledge)
	require.NoError(t, store.Create(ctx, r))

	got, err := store.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Amount)
	assert.Empty(t, got.TxHash)
	assert.Empty(t, got.Provider)
}
