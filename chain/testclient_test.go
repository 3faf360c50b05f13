package chain

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// fakeClient scripts RPC responses for dispatcher and sequencer tests.
type fakeClient struct {
	mu sync.Mutex

	pendingNonce   uint64
	nonceErr       error
	nonceFetches   int
	gasPrice       *big.Int
	estimateErr    error
	sendErrs       []error
	sent           []*gethtypes.Transaction
	receipts       map[common.Hash]*gethtypes.Receipt
	receiptCalls   int
	receiptPending int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		gasPrice: big.NewInt(1_000_000_000),
		receipts: make(map[common.Hash]*gethtypes.Receipt),
	}
}

func (f *fakeClient) BlockNumber(context.Context) (uint64, error) { return 0, nil }

func (f *fakeClient) FilterLogs(context.Context, ethereum.FilterQuery) ([]gethtypes.Log, error) {
	return nil, nil
}

func (f *fakeClient) SubscribeFilterLogs(context.Context, ethereum.FilterQuery, chan<- gethtypes.Log) (ethereum.Subscription, error) {
	return nil, ethereum.NotFound
}

func (f *fakeClient) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, nil
}

func (f *fakeClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonceFetches++
	if f.nonceErr != nil {
		return 0, f.nonceErr
	}
	return f.pendingNonce, nil
}

func (f *fakeClient) SuggestGasPrice(context.Context) (*big.Int, error) {
	return f.gasPrice, nil
}

func (f *fakeClient) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 21_000, nil
}

func (f *fakeClient) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeClient) TransactionReceipt(_ context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiptCalls++
	if f.receiptCalls <= f.receiptPending {
		return nil, ethereum.NotFound
	}
	receipt, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (f *fakeClient) sentNonces() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	nonces := make([]uint64, 0, len(f.sent))
	for _, tx := range f.sent {
		nonces = append(nonces, tx.Nonce())
	}
	return nonces
}

func testAccount() *Account {
	key, err := gethcrypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	account, err := NewAccount(common.Bytes2Hex(gethcrypto.FromECDSA(key)), big.NewInt(31337))
	if err != nil {
		panic(err)
	}
	return account
}

func noSleep(context.Context, time.Duration) error { return nil }
