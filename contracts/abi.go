package contracts

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Escrow lifecycle phases as stored on chain.
const (
	PhaseAwaitingConfirmation uint8 = 0
	PhaseAwaitingFunding      uint8 = 1
	PhaseFunded               uint8 = 2
	PhaseResolved             uint8 = 3
)

// PhaseName returns the human readable name for an on-chain phase value.
func PhaseName(phase uint8) string {
	switch phase {
	case PhaseAwaitingConfirmation:
		return "AwaitingConfirmation"
	case PhaseAwaitingFunding:
		return "ConfirmedAwaitingFunding"
	case PhaseFunded:
		return "Funded"
	case PhaseResolved:
		return "Resolved"
	default:
		return "Unknown"
	}
}

const factoryJSON = `[
  {"anonymous":false,"inputs":[
    {"indexed":true,"name":"creator","type":"address"},
    {"indexed":true,"name":"escrow","type":"address"},
    {"indexed":true,"name":"token","type":"address"},
    {"indexed":false,"name":"targetAmount","type":"uint256"},
    {"indexed":false,"name":"confirmationAmount","type":"uint256"},
    {"indexed":false,"name":"deadline","type":"uint64"},
    {"indexed":false,"name":"tweetId","type":"uint256"}],
   "name":"EscrowCreated","type":"event"},
  {"inputs":[{"components":[
    {"name":"token","type":"address"},
    {"name":"targetAmount","type":"uint256"},
    {"name":"confirmationAmount","type":"uint256"},
    {"name":"deadline","type":"uint64"},
    {"name":"tweetId","type":"uint256"},
    {"name":"expectedFunder","type":"address"}],
    "name":"p","type":"tuple"}],
   "name":"createEscrow","outputs":[{"name":"escrow","type":"address"}],
   "stateMutability":"nonpayable","type":"function"}
]`

const escrowJSON = `[
  {"anonymous":false,"inputs":[
    {"indexed":true,"name":"confirmer","type":"address"},
    {"indexed":false,"name":"amount","type":"uint256"},
    {"indexed":false,"name":"txHash","type":"bytes32"}],
   "name":"ConfirmationRecorded","type":"event"},
  {"anonymous":false,"inputs":[
    {"indexed":true,"name":"funder","type":"address"},
    {"indexed":false,"name":"amountProvided","type":"uint256"},
    {"indexed":false,"name":"amountRecognized","type":"uint256"},
    {"indexed":false,"name":"excessSwept","type":"uint256"},
    {"indexed":false,"name":"txHash","type":"bytes32"}],
   "name":"FundingRecorded","type":"event"},
  {"anonymous":false,"inputs":[
    {"indexed":true,"name":"to","type":"address"},
    {"indexed":false,"name":"amount","type":"uint256"},
    {"indexed":false,"name":"pollId","type":"uint256"}],
   "name":"ResolvedPaid","type":"event"},
  {"anonymous":false,"inputs":[
    {"indexed":true,"name":"to","type":"address"},
    {"indexed":false,"name":"amount","type":"uint256"},
    {"indexed":false,"name":"creatorEvidence","type":"bytes32"},
    {"indexed":false,"name":"confirmerEvidence","type":"bytes32"}],
   "name":"ResolvedPaidByConsent","type":"event"},
  {"anonymous":false,"inputs":[
    {"indexed":true,"name":"to","type":"address"},
    {"indexed":false,"name":"amount","type":"uint256"},
    {"indexed":false,"name":"reason","type":"string"}],
   "name":"ResolvedRefunded","type":"event"},
  {"anonymous":false,"inputs":[
    {"indexed":true,"name":"confirmer","type":"address"},
    {"indexed":false,"name":"confirmBy","type":"uint64"}],
   "name":"ExpectedConfirmerSet","type":"event"},
  {"anonymous":false,"inputs":[
    {"indexed":true,"name":"funder","type":"address"}],
   "name":"ExpectedFunderSet","type":"event"},
  {"inputs":[],"name":"phase","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
  {"inputs":[],"name":"confirmationAmount","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"inputs":[],"name":"targetAmount","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"inputs":[],"name":"expectedFunder","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
  {"inputs":[],"name":"expectedConfirmer","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
  {"inputs":[],"name":"funder","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
  {"inputs":[],"name":"confirmer","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"name":"a","type":"address"},{"name":"byTs","type":"uint64"}],
   "name":"setExpectedConfirmer","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[{"name":"_confirmer","type":"address"},{"name":"amount","type":"uint256"},{"name":"txHash","type":"bytes32"}],
   "name":"recordConfirmation","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[{"name":"_funder","type":"address"},{"name":"amount","type":"uint256"},{"name":"txHash","type":"bytes32"}],
   "name":"recordFunding","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[{"name":"success","type":"bool"},{"name":"pollId","type":"uint256"}],
   "name":"resolve","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[{"name":"creatorEvidence","type":"bytes32"},{"name":"confirmerEvidence","type":"bytes32"}],
   "name":"resolveByMutualDMConsent","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

var (
	// FactoryABI describes the escrow factory contract surface used by the oracle.
	FactoryABI = mustParse(factoryJSON)
	// EscrowABI describes the per-escrow contract surface used by the oracle.
	EscrowABI = mustParse(escrowJSON)

	// TransferTopic is the ERC-20 Transfer(address,address,uint256) event signature.
	TransferTopic = gethcrypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	// EscrowCreatedTopic identifies factory EscrowCreated logs.
	EscrowCreatedTopic = FactoryABI.Events["EscrowCreated"].ID
)

func mustParse(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("contracts: parse abi: %v", err))
	}
	return parsed
}

// phaseByEvent maps phase-changing escrow events to the phase they move the
// contract into. Events absent from the map leave the cached phase untouched.
var phaseByEvent = map[string]uint8{
	"ConfirmationRecorded":  PhaseAwaitingFunding,
	"FundingRecorded":       PhaseFunded,
	"ResolvedPaid":          PhaseResolved,
	"ResolvedRefunded":      PhaseResolved,
	"ResolvedPaidByConsent": PhaseResolved,
}

// EventPhase returns the phase implied by an escrow event name, if any.
func EventPhase(name string) (uint8, bool) {
	phase, ok := phaseByEvent[name]
	return phase, ok
}

// EscrowEventName resolves the event name for a log emitted by an escrow
// contract, or an empty string for topics outside the escrow ABI.
func EscrowEventName(log gethtypes.Log) string {
	if len(log.Topics) == 0 {
		return ""
	}
	event, err := EscrowABI.EventByID(log.Topics[0])
	if err != nil {
		return ""
	}
	return event.Name
}

// CreateEscrowParams mirrors the factory createEscrow tuple argument.
type CreateEscrowParams struct {
	Token              common.Address
	TargetAmount       *big.Int
	ConfirmationAmount *big.Int
	Deadline           uint64
	TweetID            *big.Int
	ExpectedFunder     common.Address
}

// createEscrowArgs matches the ABI tuple component names for packing.
type createEscrowArgs struct {
	Token              common.Address
	TargetAmount       *big.Int
	ConfirmationAmount *big.Int
	Deadline           uint64
	TweetId            *big.Int
	ExpectedFunder     common.Address
}

// PackCreateEscrow encodes a factory createEscrow call.
func PackCreateEscrow(p CreateEscrowParams) ([]byte, error) {
	if p.TargetAmount == nil || p.TargetAmount.Sign() <= 0 {
		return nil, fmt.Errorf("contracts: target amount must be positive")
	}
	if p.ConfirmationAmount == nil || p.ConfirmationAmount.Sign() <= 0 {
		return nil, fmt.Errorf("contracts: confirmation amount must be positive")
	}
	tweet := p.TweetID
	if tweet == nil {
		tweet = big.NewInt(0)
	}
	return FactoryABI.Pack("createEscrow", createEscrowArgs{
		Token:              p.Token,
		TargetAmount:       p.TargetAmount,
		ConfirmationAmount: p.ConfirmationAmount,
		Deadline:           p.Deadline,
		TweetId:            tweet,
		ExpectedFunder:     p.ExpectedFunder,
	})
}

// PackRecordConfirmation encodes the oracle's recordConfirmation follow-up call.
func PackRecordConfirmation(confirmer common.Address, amount *big.Int, transferTx common.Hash) ([]byte, error) {
	return EscrowABI.Pack("recordConfirmation", confirmer, amount, transferTx)
}

// PackRecordFunding encodes the oracle's recordFunding follow-up call.
func PackRecordFunding(funder common.Address, amount *big.Int, transferTx common.Hash) ([]byte, error) {
	return EscrowABI.Pack("recordFunding", funder, amount, transferTx)
}

// PackResolve encodes a poll-based resolve call.
func PackResolve(pay bool, pollID *big.Int) ([]byte, error) {
	if pollID == nil {
		pollID = big.NewInt(0)
	}
	return EscrowABI.Pack("resolve", pay, pollID)
}

// PackResolveByConsent encodes a mutual-consent resolve call.
func PackResolveByConsent(creatorEvidence, confirmerEvidence common.Hash) ([]byte, error) {
	return EscrowABI.Pack("resolveByMutualDMConsent", creatorEvidence, confirmerEvidence)
}

// PackSetExpectedConfirmer encodes a setExpectedConfirmer call.
func PackSetExpectedConfirmer(confirmer common.Address, confirmBy uint64) ([]byte, error) {
	return EscrowABI.Pack("setExpectedConfirmer", confirmer, confirmBy)
}

// PackEscrowRead encodes a zero-argument escrow view call such as phase or
// targetAmount.
func PackEscrowRead(method string) ([]byte, error) {
	return EscrowABI.Pack(method)
}

// UnpackPhase decodes the result of an escrow phase() call.
func UnpackPhase(data []byte) (uint8, error) {
	out, err := EscrowABI.Unpack("phase", data)
	if err != nil {
		return 0, fmt.Errorf("contracts: unpack phase: %w", err)
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("contracts: phase returned %d values", len(out))
	}
	phase, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("contracts: phase has unexpected type %T", out[0])
	}
	return phase, nil
}

// UnpackAmount decodes a uint256 escrow view result such as targetAmount.
func UnpackAmount(method string, data []byte) (*big.Int, error) {
	out, err := EscrowABI.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("contracts: unpack %s: %w", method, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("contracts: %s returned %d values", method, len(out))
	}
	amount, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("contracts: %s has unexpected type %T", method, out[0])
	}
	return amount, nil
}

// UnpackAddress decodes an address escrow view result such as funder.
func UnpackAddress(method string, data []byte) (common.Address, error) {
	out, err := EscrowABI.Unpack(method, data)
	if err != nil {
		return common.Address{}, fmt.Errorf("contracts: unpack %s: %w", method, err)
	}
	if len(out) != 1 {
		return common.Address{}, fmt.Errorf("contracts: %s returned %d values", method, len(out))
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("contracts: %s has unexpected type %T", method, out[0])
	}
	return addr, nil
}

// EscrowCreated is a decoded factory EscrowCreated log.
type EscrowCreated struct {
	Creator            common.Address
	Escrow             common.Address
	Token              common.Address
	TargetAmount       *big.Int
	ConfirmationAmount *big.Int
	Deadline           uint64
	TweetID            *big.Int
	TxHash             common.Hash
	BlockNumber        uint64
}

// ParseEscrowCreated decodes an EscrowCreated log. The creator, escrow, and
// token addresses are indexed and arrive as topics.
func ParseEscrowCreated(log gethtypes.Log) (EscrowCreated, error) {
	if len(log.Topics) < 4 || log.Topics[0] != EscrowCreatedTopic {
		return EscrowCreated{}, fmt.Errorf("contracts: not an EscrowCreated log")
	}
	out, err := FactoryABI.Unpack("EscrowCreated", log.Data)
	if err != nil {
		return EscrowCreated{}, fmt.Errorf("contracts: unpack EscrowCreated: %w", err)
	}
	if len(out) != 4 {
		return EscrowCreated{}, fmt.Errorf("contracts: EscrowCreated carries %d data fields", len(out))
	}
	target, _ := out[0].(*big.Int)
	confirmation, _ := out[1].(*big.Int)
	deadline, _ := out[2].(uint64)
	tweet, _ := out[3].(*big.Int)
	return EscrowCreated{
		Creator:            common.BytesToAddress(log.Topics[1].Bytes()),
		Escrow:             common.BytesToAddress(log.Topics[2].Bytes()),
		Token:              common.BytesToAddress(log.Topics[3].Bytes()),
		TargetAmount:       target,
		ConfirmationAmount: confirmation,
		Deadline:           deadline,
		TweetID:            tweet,
		TxHash:             log.TxHash,
		BlockNumber:        log.BlockNumber,
	}, nil
}

// Transfer is a decoded ERC-20 Transfer log.
type Transfer struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	TxHash      common.Hash
	BlockNumber uint64
	LogIndex    uint
}

// ParseTransfer decodes an ERC-20 Transfer log. Both parties are indexed, the
// value travels in the data segment.
func ParseTransfer(log gethtypes.Log) (Transfer, error) {
	if len(log.Topics) < 3 || log.Topics[0] != TransferTopic {
		return Transfer{}, fmt.Errorf("contracts: not a Transfer log")
	}
	return Transfer{
		From:        common.BytesToAddress(log.Topics[1].Bytes()),
		To:          common.BytesToAddress(log.Topics[2].Bytes()),
		Value:       new(big.Int).SetBytes(log.Data),
		TxHash:      log.TxHash,
		BlockNumber: log.BlockNumber,
		LogIndex:    log.Index,
	}, nil
}
