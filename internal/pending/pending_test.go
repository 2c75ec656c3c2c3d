package pending

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOwner = "0xAbCdEf0123456789abcdef0123456789ABCDEF01"

func newTestRegistry(t *testing.T, cfg Config) *Registry {
	t.Helper()
	r := New(cfg, nil)
	t.Cleanup(r.Stop)
	return r
}

func msgOp(msg string) Operation {
	return Operation{Kind: KindSignMessage, Message: msg}
}

func TestCreateAndListPending(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())

	id1 := r.Create(testOwner, msgOp("first"))
	time.Sleep(time.Millisecond)
	id2 := r.Create(testOwner, msgOp("second"))
	r.Create("0x0000000000000000000000000000000000000001", msgOp("other"))

	ops := r.ListPending(testOwner)
	require.Len(t, ops, 2)

	// Oldest first, owner lowercased
	assert.Equal(t, id1, ops[0].ID)
	assert.Equal(t, id2, ops[1].ID)
	assert.Equal(t, "0xabcdef0123456789abcdef0123456789abcdef01", ops[0].Owner)
	assert.False(t, ops[0].Resolved)
}

func TestProvide_Idempotent(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	id := r.Create(testOwner, msgOp("sign me"))

	require.NoError(t, r.Provide(id, "0xsig1"))

	// Same id again: no-op success, first value kept
	require.NoError(t, r.Provide(id, "0xsig1"))
	require.NoError(t, r.Provide(id, "0xsig2"))

	op, err := r.Get(id)
	require.NoError(t, err)
	assert.True(t, op.Resolved)
	assert.Equal(t, "0xsig1", op.Result)
}

func TestProvide_UnknownID(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	assert.ErrorIs(t, r.Provide("op_missing", "0xsig"), ErrNotFound)
}

func TestWait_TimesOutAndLeavesEntry(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	id := r.Create(testOwner, msgOp("never signed"))

	start := time.Now()
	_, err := r.Wait(context.Background(), id, 50*time.Millisecond)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, elapsed, 500*time.Millisecond)

	// Entry intact: a late signature is still collectable
	require.NoError(t, r.Provide(id, "0xlate"))
	result, err := r.Wait(context.Background(), id, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "0xlate", result)
}

func TestWait_WakesOnConcurrentProvide(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	id := r.Create(testOwner, msgOp("sign me"))

	type waitResult struct {
		value string
		err   error
	}
	resultCh := make(chan waitResult, 1)

	go func() {
		v, err := r.Wait(context.Background(), id, 5*time.Second)
		resultCh <- waitResult{v, err}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.Provide(id, "0xconcurrent"))

	select {
	case res := <-resultCh:
		require.NoError(t, res.err)
		assert.Equal(t, "0xconcurrent", res.value)
	case <-time.After(time.Second):
		t.Fatal("Wait did not wake after Provide")
	}

	// Consumed: entry is gone
	_, err := r.Get(id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancel_WakesWaiter(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	id := r.Create(testOwner, msgOp("sign me"))

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Wait(context.Background(), id, 5*time.Second)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.Cancel(id))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("Wait did not wake after Cancel")
	}

	// Cancelled entries are removed; providing now is NotFound
	assert.ErrorIs(t, r.Provide(id, "0xsig"), ErrNotFound)
}

func TestCancel_Unknown(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	assert.ErrorIs(t, r.Cancel("op_missing"), ErrNotFound)
}

func TestWait_UnknownID(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	_, err := r.Wait(context.Background(), "op_missing", time.Second)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWait_ContextCancellation(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	id := r.Create(testOwner, msgOp("sign me"))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := r.Wait(ctx, id, 5*time.Second)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Wait did not observe context cancellation")
	}
}

func TestSweep_RemovesStaleEntries(t *testing.T) {
	cfg := Config{Staleness: 40 * time.Millisecond, SweepInterval: time.Hour}
	r := newTestRegistry(t, cfg)

	stale := r.Create(testOwner, msgOp("abandoned"))
	resolvedStale := r.Create(testOwner, msgOp("signed then forgotten"))
	require.NoError(t, r.Provide(resolvedStale, "0xsig"))

	time.Sleep(60 * time.Millisecond)
	fresh := r.Create(testOwner, msgOp("fresh"))

	removed := r.sweep(time.Now())
	assert.Equal(t, 2, removed)

	_, err := r.Get(stale)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Get(resolvedStale)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Get(fresh)
	assert.NoError(t, err)
}

func TestSweep_WakesWaiterWithTimeout(t *testing.T) {
	cfg := Config{Staleness: 40 * time.Millisecond, SweepInterval: time.Hour}
	r := newTestRegistry(t, cfg)
	id := r.Create(testOwner, msgOp("abandoned"))

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Wait(context.Background(), id, 5*time.Second)
		errCh <- err
	}()

	time.Sleep(60 * time.Millisecond)
	r.sweep(time.Now())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrTimeout)
	case <-time.After(time.Second):
		t.Fatal("Wait did not wake after sweep")
	}
}

func TestSweep_KeepsYoungResolvedEntries(t *testing.T) {
	cfg := Config{Staleness: time.Hour, SweepInterval: time.Hour}
	r := newTestRegistry(t, cfg)

	id := r.Create(testOwner, msgOp("just resolved"))
	require.NoError(t, r.Provide(id, "0xsig"))

	assert.Equal(t, 0, r.sweep(time.Now()))

	// Still consumable after the sweep ran
	result, err := r.Wait(context.Background(), id, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "0xsig", result)
}

func TestConcurrentProvides_FirstWins(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	id := r.Create(testOwner, msgOp("contended"))

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(n int) {
			_ = r.Provide(id, "0xsig")
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	op, err := r.Get(id)
	require.NoError(t, err)
	assert.True(t, op.Resolved)
	assert.Equal(t, "0xsig", op.Result)
}
