package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"escrowd/contracts"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	store, err := New(db)
	require.NoError(t, err)
	return store
}

const (
	addrA = "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	addrB = "0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB"
)

func TestCreateEscrowIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := Escrow{Address: addrA, Code: "abc123defg", Network: "31337"}
	require.NoError(t, store.CreateEscrow(ctx, rec))

	// A second discovery of the same address is silently absorbed.
	rec.Code = "other00000"
	require.NoError(t, store.CreateEscrow(ctx, rec))

	loaded, err := store.EscrowByCode(ctx, "abc123defg")
	require.NoError(t, err)
	require.Equal(t, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", loaded.Address)

	_, err = store.EscrowByCode(ctx, "other00000")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEscrowLookupCaseInsensitive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateEscrow(ctx, Escrow{Address: addrA, Code: "abc123defg", Network: "31337"}))

	loaded, err := store.EscrowByAddress(ctx, addrA)
	require.NoError(t, err)
	require.Equal(t, "abc123defg", loaded.Code)

	_, err = store.EscrowByAddress(ctx, addrB)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAdvancePhaseMonotonic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateEscrow(ctx, Escrow{Address: addrA, Code: "abc123defg", Network: "31337"}))

	changed, err := store.AdvancePhase(ctx, addrA, contracts.PhaseFunded)
	require.NoError(t, err)
	require.True(t, changed)

	// A late confirmation event cannot roll the phase back.
	changed, err = store.AdvancePhase(ctx, addrA, contracts.PhaseAwaitingFunding)
	require.NoError(t, err)
	require.False(t, changed)

	changed, err = store.AdvancePhase(ctx, addrA, contracts.PhaseResolved)
	require.NoError(t, err)
	require.True(t, changed)

	loaded, err := store.EscrowByAddress(ctx, addrA)
	require.NoError(t, err)
	require.Equal(t, contracts.PhaseResolved, loaded.PhaseCached)
}

func TestActiveEscrowsExcludesResolved(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateEscrow(ctx, Escrow{Address: addrA, Code: "aaaa000000", Network: "31337"}))
	require.NoError(t, store.CreateEscrow(ctx, Escrow{Address: addrB, Code: "bbbb000000", Network: "31337"}))

	_, err := store.AdvancePhase(ctx, addrB, contracts.PhaseResolved)
	require.NoError(t, err)

	active, err := store.ActiveEscrows(ctx, "31337")
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "aaaa000000", active[0].Code)

	active, err = store.ActiveEscrows(ctx, "1")
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestSetPartyBindings(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateEscrow(ctx, Escrow{Address: addrA, Code: "abc123defg", Network: "31337"}))

	require.NoError(t, store.SetExpectedFunder(ctx, "abc123defg", addrB))
	require.NoError(t, store.SetExpectedConfirmer(ctx, "abc123defg", addrA))

	loaded, err := store.EscrowByCode(ctx, "abc123defg")
	require.NoError(t, err)
	require.Equal(t, "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", loaded.ExpectedFunder)
	require.Equal(t, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", loaded.ExpectedConfirmer)

	err = store.SetExpectedFunder(ctx, "missing000", addrB)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestProcessedLedgerPairKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tx := "0xDEAD00000000000000000000000000000000000000000000000000000000BEEF"

	seen, err := store.IsProcessed(ctx, tx, addrA)
	require.NoError(t, err)
	require.False(t, seen)

	require.NoError(t, store.MarkProcessed(ctx, tx, addrA, "Transfer"))
	require.NoError(t, store.MarkProcessed(ctx, tx, addrA, "Transfer"))

	seen, err = store.IsProcessed(ctx, tx, addrA)
	require.NoError(t, err)
	require.True(t, seen)

	// One funding transaction can legitimately touch a second escrow.
	seen, err = store.IsProcessed(ctx, tx, addrB)
	require.NoError(t, err)
	require.False(t, seen)
}

func TestCursorRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, ok, err := store.LastCursor(ctx, "31337")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.SaveCursor(ctx, "31337", 120))
	require.NoError(t, store.SaveCursor(ctx, "31337", 140))

	block, ok, err := store.LastCursor(ctx, "31337")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(140), block)
}

func TestFailedJobs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordFailedJob(ctx, addrA, "Transfer", "0x01", 3, errors.New("receipt timeout")))

	jobs, err := store.FailedJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, 3, jobs[0].Attempts)
	require.Equal(t, "receipt timeout", jobs[0].LastError)
}

func TestNewCodeShape(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		code, err := NewCode(10)
		require.NoError(t, err)
		require.Len(t, code, 10)
		require.False(t, seen[code], "code collision")
		seen[code] = true
	}
}
