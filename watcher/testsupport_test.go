package watcher

import (
	"bytes"
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"escrowd/contracts"
	"escrowd/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	store, err := storage.New(db)
	require.NoError(t, err)
	return store
}

// viewResponse scripts one contract view result keyed by method selector.
type viewResponse struct {
	selector []byte
	result   []byte
}

// fakeSub is a scripted push subscription; drop fails the stream on demand.
type fakeSub struct {
	errc chan error
	once sync.Once
}

func newFakeSub() *fakeSub { return &fakeSub{errc: make(chan error, 1)} }

func (s *fakeSub) Err() <-chan error { return s.errc }

func (s *fakeSub) Unsubscribe() { s.once.Do(func() { close(s.errc) }) }

func (s *fakeSub) drop(err error) { s.errc <- err }

// subscribeStep scripts one SubscribeFilterLogs call. A non-nil err fails the
// dial; otherwise sub is handed out and the sink delivered on ready.
type subscribeStep struct {
	err   error
	sub   *fakeSub
	ready chan chan<- gethtypes.Log
}

// fakeChain scripts the RPC surface the watcher and processor consume.
type fakeChain struct {
	mu sync.Mutex

	head          uint64
	logsByAddr    map[common.Address][]gethtypes.Log
	filterErr     map[common.Address]error
	filterQueries []ethereum.FilterQuery
	subSteps      []*subscribeStep
	subQueries    []ethereum.FilterQuery
	views         []viewResponse
	sendErr       error
	sent          []*gethtypes.Transaction
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		logsByAddr: make(map[common.Address][]gethtypes.Log),
		filterErr:  make(map[common.Address]error),
	}
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeChain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filterQueries = append(f.filterQueries, q)
	var out []gethtypes.Log
	for _, addr := range q.Addresses {
		if err := f.filterErr[addr]; err != nil {
			return nil, err
		}
		for _, log := range f.logsByAddr[addr] {
			if matchTopics(q.Topics, log.Topics) {
				out = append(out, log)
			}
		}
	}
	return out, nil
}

// matchTopics applies the positional topic filter the way an eth node does:
// an empty position matches anything, a populated one requires membership.
func matchTopics(filter [][]common.Hash, topics []common.Hash) bool {
	for i, allowed := range filter {
		if len(allowed) == 0 {
			continue
		}
		if i >= len(topics) {
			return false
		}
		match := false
		for _, want := range allowed {
			if want == topics[i] {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	return true
}

func (f *fakeChain) SubscribeFilterLogs(_ context.Context, q ethereum.FilterQuery, sink chan<- gethtypes.Log) (ethereum.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subQueries = append(f.subQueries, q)
	if len(f.subSteps) == 0 {
		return nil, ethereum.NotFound
	}
	step := f.subSteps[0]
	f.subSteps = f.subSteps[1:]
	if step.err != nil {
		return nil, step.err
	}
	step.ready <- sink
	return step.sub, nil
}

// scriptSubscribeErr fails the next SubscribeFilterLogs call.
func (f *fakeChain) scriptSubscribeErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subSteps = append(f.subSteps, &subscribeStep{err: err})
}

// scriptSubscribe makes the next SubscribeFilterLogs call succeed and hands
// back the step so the test can feed the sink or drop the stream.
func (f *fakeChain) scriptSubscribe() *subscribeStep {
	f.mu.Lock()
	defer f.mu.Unlock()
	step := &subscribeStep{sub: newFakeSub(), ready: make(chan chan<- gethtypes.Log, 1)}
	f.subSteps = append(f.subSteps, step)
	return step
}

// queriesFor snapshots the FilterLogs queries that touched the address.
func (f *fakeChain) queriesFor(addr common.Address) []ethereum.FilterQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ethereum.FilterQuery
	for _, q := range f.filterQueries {
		for _, a := range q.Addresses {
			if a == addr {
				out = append(out, q)
				break
			}
		}
	}
	return out
}

func (f *fakeChain) subscribeQueries() []ethereum.FilterQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ethereum.FilterQuery(nil), f.subQueries...)
}

func (f *fakeChain) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, view := range f.views {
		if bytes.Equal(call.Data, view.selector) {
			return view.result, nil
		}
	}
	return nil, ethereum.NotFound
}

func (f *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 0, nil
}

func (f *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeChain) TransactionReceipt(context.Context, common.Hash) (*gethtypes.Receipt, error) {
	return &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful}, nil
}

func (f *fakeChain) sentCalldata() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	data := make([][]byte, 0, len(f.sent))
	for _, tx := range f.sent {
		data = append(data, tx.Data())
	}
	return data
}

// stubView scripts the escrow view reads the processor performs before a
// decision.
func (f *fakeChain) stubView(t *testing.T, method string, result []byte) {
	t.Helper()
	selector, err := contracts.PackEscrowRead(method)
	require.NoError(t, err)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.views = append(f.views, viewResponse{selector: selector, result: result})
}

func packPhase(t *testing.T, phase uint8) []byte {
	t.Helper()
	out, err := contracts.EscrowABI.Methods["phase"].Outputs.Pack(phase)
	require.NoError(t, err)
	return out
}

func packAmount(t *testing.T, method string, amount *big.Int) []byte {
	t.Helper()
	out, err := contracts.EscrowABI.Methods[method].Outputs.Pack(amount)
	require.NoError(t, err)
	return out
}

func creationLog(t *testing.T, factory, creator, escrow, token common.Address, txHash common.Hash, block uint64) gethtypes.Log {
	t.Helper()
	data, err := contracts.FactoryABI.Events["EscrowCreated"].Inputs.NonIndexed().Pack(
		big.NewInt(5_000_000), big.NewInt(1_000_000), uint64(0), big.NewInt(0))
	require.NoError(t, err)
	return gethtypes.Log{
		Address: factory,
		Topics: []common.Hash{
			contracts.EscrowCreatedTopic,
			common.BytesToHash(creator.Bytes()),
			common.BytesToHash(escrow.Bytes()),
			common.BytesToHash(token.Bytes()),
		},
		Data:        data,
		TxHash:      txHash,
		BlockNumber: block,
	}
}

func transferLog(token, from, to common.Address, value *big.Int, txHash common.Hash, block uint64) gethtypes.Log {
	return gethtypes.Log{
		Address: token,
		Topics: []common.Hash{
			contracts.TransferTopic,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data:        common.LeftPadBytes(value.Bytes(), 32),
		TxHash:      txHash,
		BlockNumber: block,
	}
}

func noJobSleep(context.Context, time.Duration) error { return nil }
