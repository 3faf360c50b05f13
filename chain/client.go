package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Client is the subset of the Ethereum RPC surface the oracle consumes.
// *ethclient.Client satisfies it; tests substitute fakes.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- gethtypes.Log) (ethereum.Subscription, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// Dial connects an RPC client for the provided endpoint.
func Dial(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("chain: rpc endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// Account holds the oracle's signing key and derived address.
type Account struct {
	key     *ecdsa.PrivateKey
	address common.Address
	signer  gethtypes.Signer
}

// NewAccount derives the oracle account from a hex encoded private key.
func NewAccount(privateKeyHex string, chainID *big.Int) (*Account, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("chain: oracle private key required")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("chain: chain id required")
	}
	key, err := gethcrypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("chain: parse private key: %w", err)
	}
	return &Account{
		key:     key,
		address: gethcrypto.PubkeyToAddress(key.PublicKey),
		signer:  gethtypes.LatestSignerForChainID(chainID),
	}, nil
}

// Address returns the account's address.
func (a *Account) Address() common.Address {
	if a == nil {
		return common.Address{}
	}
	return a.address
}

// SignTx signs a transaction with the oracle key.
func (a *Account) SignTx(tx *gethtypes.Transaction) (*gethtypes.Transaction, error) {
	if a == nil || a.key == nil {
		return nil, fmt.Errorf("chain: account not initialised")
	}
	signed, err := gethtypes.SignTx(tx, a.signer, a.key)
	if err != nil {
		return nil, fmt.Errorf("chain: sign transaction: %w", err)
	}
	return signed, nil
}

// ReadEscrow performs a contract view call against the provided address and
// returns the raw return data.
func ReadEscrow(ctx context.Context, client Client, escrow common.Address, calldata []byte) ([]byte, error) {
	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &escrow, Data: calldata}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: call %s: %w", escrow.Hex(), err)
	}
	return out, nil
}
