package watcher

import (
	"bytes"
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"escrowd/chain"
	"escrowd/contracts"
	"escrowd/storage"
)

func TestDecide(t *testing.T) {
	confirmation := big.NewInt(1_000_000)
	target := big.NewInt(5_000_000)

	tests := []struct {
		name   string
		phase  uint8
		amount *big.Int
		want   Decision
	}{
		{"exact confirmation amount confirms", contracts.PhaseAwaitingConfirmation, big.NewInt(1_000_000), DecisionConfirm},
		{"short confirmation ignored", contracts.PhaseAwaitingConfirmation, big.NewInt(999_999), DecisionIgnore},
		{"over confirmation ignored", contracts.PhaseAwaitingConfirmation, big.NewInt(1_000_001), DecisionIgnore},
		{"target amount funds", contracts.PhaseAwaitingFunding, big.NewInt(5_000_000), DecisionFund},
		{"over target funds", contracts.PhaseAwaitingFunding, big.NewInt(5_000_001), DecisionFund},
		{"short target ignored", contracts.PhaseAwaitingFunding, big.NewInt(4_999_999), DecisionIgnore},
		{"funded phase ignores everything", contracts.PhaseFunded, big.NewInt(5_000_000), DecisionIgnore},
		{"resolved phase ignores everything", contracts.PhaseResolved, big.NewInt(1_000_000), DecisionIgnore},
		{"nil amount ignored", contracts.PhaseAwaitingConfirmation, nil, DecisionIgnore},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Decide(tc.phase, confirmation, target, tc.amount))
		})
	}
}

func newTestProcessor(t *testing.T, client *fakeChain, store *storage.Store) *Processor {
	t.Helper()
	account := testProcessorAccount(t)
	seq := chain.NewNonceSequencer(client, account.Address(), chain.WithNonceTTL(time.Hour))
	dispatcher := chain.NewDispatcher(client, account, seq, chain.WithReceiptPoll(time.Millisecond))
	return NewProcessor(client, dispatcher, store, nil)
}

func testProcessorAccount(t *testing.T) *chain.Account {
	t.Helper()
	// A fixed well-formed test key.
	account, err := chain.NewAccount("59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d", big.NewInt(31337))
	require.NoError(t, err)
	return account
}

func stubEscrowViews(t *testing.T, client *fakeChain, phase uint8) {
	t.Helper()
	client.stubView(t, "phase", packPhase(t, phase))
	client.stubView(t, "confirmationAmount", packAmount(t, "confirmationAmount", big.NewInt(1_000_000)))
	client.stubView(t, "targetAmount", packAmount(t, "targetAmount", big.NewInt(5_000_000)))
}

func confirmSelector(t *testing.T) []byte {
	t.Helper()
	data, err := contracts.PackRecordConfirmation(common.Address{}, big.NewInt(0), common.Hash{})
	require.NoError(t, err)
	return data[:4]
}

func fundSelector(t *testing.T) []byte {
	t.Helper()
	data, err := contracts.PackRecordFunding(common.Address{}, big.NewInt(0), common.Hash{})
	require.NoError(t, err)
	return data[:4]
}

func TestProcessorConfirms(t *testing.T) {
	client := newFakeChain()
	store := newTestStore(t)
	p := newTestProcessor(t, client, store)
	stubEscrowViews(t, client, contracts.PhaseAwaitingConfirmation)

	escrow := common.HexToAddress("0x00000000000000000000000000000000000000e1")
	require.NoError(t, store.CreateEscrow(context.Background(), storage.Escrow{
		Address: escrow.Hex(), Code: "e1e1e1e1e1", Network: "31337",
	}))

	job := Job{
		Escrow:    escrow,
		EventType: "Transfer",
		TxHash:    common.HexToHash("0x1001"),
		From:      common.HexToAddress("0xc0"),
		Amount:    big.NewInt(1_000_000),
	}
	require.NoError(t, p.Run(context.Background(), job))

	sent := client.sentCalldata()
	require.Len(t, sent, 1)
	require.True(t, bytes.HasPrefix(sent[0], confirmSelector(t)))

	rec, err := store.EscrowByAddress(context.Background(), escrow.Hex())
	require.NoError(t, err)
	require.Equal(t, contracts.PhaseAwaitingFunding, rec.PhaseCached)

	processed, err := store.IsProcessed(context.Background(), job.TxHash.Hex(), escrow.Hex())
	require.NoError(t, err)
	require.True(t, processed)
}

func TestProcessorFunds(t *testing.T) {
	client := newFakeChain()
	store := newTestStore(t)
	p := newTestProcessor(t, client, store)
	stubEscrowViews(t, client, contracts.PhaseAwaitingFunding)

	escrow := common.HexToAddress("0x00000000000000000000000000000000000000e2")
	require.NoError(t, store.CreateEscrow(context.Background(), storage.Escrow{
		Address: escrow.Hex(), Code: "e2e2e2e2e2", Network: "31337",
		PhaseCached: contracts.PhaseAwaitingFunding,
	}))

	job := Job{
		Escrow:    escrow,
		EventType: "Transfer",
		TxHash:    common.HexToHash("0x1002"),
		From:      common.HexToAddress("0xf0"),
		Amount:    big.NewInt(5_000_001),
	}
	require.NoError(t, p.Run(context.Background(), job))

	sent := client.sentCalldata()
	require.Len(t, sent, 1)
	require.True(t, bytes.HasPrefix(sent[0], fundSelector(t)))

	rec, err := store.EscrowByAddress(context.Background(), escrow.Hex())
	require.NoError(t, err)
	require.Equal(t, contracts.PhaseFunded, rec.PhaseCached)
}

func TestProcessorIgnoresAndStillMarks(t *testing.T) {
	client := newFakeChain()
	store := newTestStore(t)
	p := newTestProcessor(t, client, store)
	stubEscrowViews(t, client, contracts.PhaseAwaitingConfirmation)

	escrow := common.HexToAddress("0x00000000000000000000000000000000000000e3")
	job := Job{
		Escrow:    escrow,
		EventType: "Transfer",
		TxHash:    common.HexToHash("0x1003"),
		From:      common.HexToAddress("0xc0"),
		Amount:    big.NewInt(999_999),
	}
	require.NoError(t, p.Run(context.Background(), job))
	require.Empty(t, client.sentCalldata())

	// The ignore decision is durable; a backfill re-scan stays quiet.
	processed, err := store.IsProcessed(context.Background(), job.TxHash.Hex(), escrow.Hex())
	require.NoError(t, err)
	require.True(t, processed)
}

func TestProcessorSkipsProcessedJob(t *testing.T) {
	client := newFakeChain()
	store := newTestStore(t)
	p := newTestProcessor(t, client, store)
	stubEscrowViews(t, client, contracts.PhaseAwaitingConfirmation)

	escrow := common.HexToAddress("0x00000000000000000000000000000000000000e4")
	job := Job{
		Escrow:    escrow,
		EventType: "Transfer",
		TxHash:    common.HexToHash("0x1004"),
		From:      common.HexToAddress("0xc0"),
		Amount:    big.NewInt(1_000_000),
	}
	require.NoError(t, store.MarkProcessed(context.Background(), job.TxHash.Hex(), escrow.Hex(), "Transfer"))

	require.NoError(t, p.Run(context.Background(), job))
	require.Empty(t, client.sentCalldata())
}
