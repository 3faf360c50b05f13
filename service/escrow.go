package service

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"escrowd/chain"
	"escrowd/contracts"
	"escrowd/storage"
)

// Role names the two counterparties a wallet can be bound to.
type Role string

const (
	RoleFunder    Role = "FUNDER"
	RoleConfirmer Role = "CONFIRMER"
)

// ResolveAction selects the payout direction when resolving an escrow.
type ResolveAction string

const (
	ActionPay    ResolveAction = "PAY"
	ActionRefund ResolveAction = "REFUND"
)

// Activator is the slice of the registry the service drives: creation
// activates tracking, resolution releases it. Both sides are idempotent, so
// the service and the ingestion loop can discover the same escrow in either
// order.
type Activator interface {
	Activate(escrow common.Address)
	Deactivate(escrow common.Address)
}

// Service implements the escrow lifecycle operations behind the control API.
type Service struct {
	store      *storage.Store
	client     chain.Client
	dispatcher *chain.Dispatcher
	registry   Activator
	factory    common.Address
	token      common.Address
	network    string
	log        *slog.Logger
}

// New constructs the service.
func New(store *storage.Store, client chain.Client, dispatcher *chain.Dispatcher, registry Activator, factory, token common.Address, network string, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:      store,
		client:     client,
		dispatcher: dispatcher,
		registry:   registry,
		factory:    factory,
		token:      token,
		network:    network,
		log:        log,
	}
}

// CreateParams carries a creation request.
type CreateParams struct {
	TargetAmount       *big.Int
	ConfirmationAmount *big.Int
	Deadline           uint64
	TweetID            *big.Int
	ExpectedFunder     common.Address
}

// CreateResult reports a created escrow.
type CreateResult struct {
	Escrow common.Address
	Code   string
	TxHash common.Hash
}

// CreateEscrow deploys a new escrow through the factory, waits for inclusion,
// persists the record, and activates tracking. The registry handles the race
// with the ingestion loop discovering the same creation event.
func (s *Service) CreateEscrow(ctx context.Context, p CreateParams) (CreateResult, error) {
	data, err := contracts.PackCreateEscrow(contracts.CreateEscrowParams{
		Token:              s.token,
		TargetAmount:       p.TargetAmount,
		ConfirmationAmount: p.ConfirmationAmount,
		Deadline:           p.Deadline,
		TweetID:            p.TweetID,
		ExpectedFunder:     p.ExpectedFunder,
	})
	if err != nil {
		return CreateResult{}, err
	}
	hash, err := s.dispatcher.Send(ctx, "createEscrow", s.dispatcher.ContractCall(s.factory, data))
	if err != nil {
		return CreateResult{}, err
	}
	receipt, err := s.dispatcher.WaitMined(ctx, hash)
	if err != nil {
		return CreateResult{}, err
	}

	var created contracts.EscrowCreated
	found := false
	for _, log := range receipt.Logs {
		if log == nil || len(log.Topics) == 0 || log.Topics[0] != contracts.EscrowCreatedTopic {
			continue
		}
		created, err = contracts.ParseEscrowCreated(*log)
		if err == nil {
			found = true
			break
		}
	}
	if !found {
		return CreateResult{}, fmt.Errorf("service: EscrowCreated event missing from receipt %s", hash.Hex())
	}

	code, err := storage.NewCode(10)
	if err != nil {
		return CreateResult{}, err
	}
	rec := storage.Escrow{
		Address:     created.Escrow.Hex(),
		Code:        code,
		Network:     s.network,
		PhaseCached: contracts.PhaseAwaitingConfirmation,
		CreatedTx:   hash.Hex(),
	}
	if p.ExpectedFunder != (common.Address{}) {
		rec.ExpectedFunder = p.ExpectedFunder.Hex()
	}
	if err := s.store.CreateEscrow(ctx, rec); err != nil {
		return CreateResult{}, err
	}
	s.registry.Activate(created.Escrow)

	s.log.Info("escrow created", "escrow", created.Escrow.Hex(), "code", code, "tx", hash.Hex())
	return CreateResult{Escrow: created.Escrow, Code: code, TxHash: hash}, nil
}

// BindParams carries an address binding request.
type BindParams struct {
	Code      string
	Role      Role
	Address   common.Address
	ConfirmBy uint64
}

// BindResult reports a completed binding. TxHash is zero for bindings that
// need no on-chain call.
type BindResult struct {
	Escrow common.Address
	TxHash common.Hash
}

// BindAddress binds a wallet to an escrow role. Confirmer bindings go on
// chain through setExpectedConfirmer; funder bindings are record-only since
// the funder was fixed at creation.
func (s *Service) BindAddress(ctx context.Context, p BindParams) (BindResult, error) {
	rec, err := s.store.EscrowByCode(ctx, p.Code)
	if err != nil {
		return BindResult{}, err
	}
	escrow := common.HexToAddress(rec.Address)

	switch p.Role {
	case RoleConfirmer:
		data, err := contracts.PackSetExpectedConfirmer(p.Address, p.ConfirmBy)
		if err != nil {
			return BindResult{}, err
		}
		hash, err := s.dispatcher.Send(ctx, "setExpectedConfirmer", s.dispatcher.ContractCall(escrow, data))
		if err != nil {
			return BindResult{}, err
		}
		if _, err := s.dispatcher.WaitMined(ctx, hash); err != nil {
			return BindResult{}, err
		}
		if err := s.store.SetExpectedConfirmer(ctx, p.Code, p.Address.Hex()); err != nil {
			return BindResult{}, err
		}
		s.log.Info("confirmer bound", "escrow", escrow.Hex(), "confirmer", p.Address.Hex(), "tx", hash.Hex())
		return BindResult{Escrow: escrow, TxHash: hash}, nil
	case RoleFunder:
		if err := s.store.SetExpectedFunder(ctx, p.Code, p.Address.Hex()); err != nil {
			return BindResult{}, err
		}
		return BindResult{Escrow: escrow}, nil
	default:
		return BindResult{}, fmt.Errorf("service: unknown role %q", p.Role)
	}
}

// EscrowStatus combines the durable record with live chain reads.
type EscrowStatus struct {
	Escrow            common.Address
	Code              string
	Phase             uint8
	PhaseName         string
	ExpectedFunder    *common.Address
	ExpectedConfirmer *common.Address
	Funder            *common.Address
	Confirmer         *common.Address
}

// Status looks up an escrow by code and reads its authoritative phase and
// party bindings from the chain.
func (s *Service) Status(ctx context.Context, code string) (EscrowStatus, error) {
	rec, err := s.store.EscrowByCode(ctx, code)
	if err != nil {
		return EscrowStatus{}, err
	}
	escrow := common.HexToAddress(rec.Address)

	phase, err := s.readPhase(ctx, escrow)
	if err != nil {
		return EscrowStatus{}, err
	}
	status := EscrowStatus{
		Escrow:    escrow,
		Code:      rec.Code,
		Phase:     phase,
		PhaseName: contracts.PhaseName(phase),
	}
	for _, field := range []struct {
		method string
		dst    **common.Address
	}{
		{"expectedFunder", &status.ExpectedFunder},
		{"expectedConfirmer", &status.ExpectedConfirmer},
		{"funder", &status.Funder},
		{"confirmer", &status.Confirmer},
	} {
		addr, err := s.readAddress(ctx, escrow, field.method)
		if err != nil {
			return EscrowStatus{}, err
		}
		if addr != (common.Address{}) {
			bound := addr
			*field.dst = &bound
		}
	}
	return status, nil
}

// ResolveParams carries a resolution request. Evidence hashes select the
// mutual consent path; otherwise the poll-based path is used.
type ResolveParams struct {
	Code              string
	Action            ResolveAction
	PollID            *big.Int
	CreatorEvidence   common.Hash
	ConfirmerEvidence common.Hash
}

// ResolveResult reports a completed resolution.
type ResolveResult struct {
	Escrow common.Address
	TxHash common.Hash
}

// Resolve settles an escrow as paid or refunded, waits for inclusion, and
// retires the record to the terminal phase.
func (s *Service) Resolve(ctx context.Context, p ResolveParams) (ResolveResult, error) {
	rec, err := s.store.EscrowByCode(ctx, p.Code)
	if err != nil {
		return ResolveResult{}, err
	}
	escrow := common.HexToAddress(rec.Address)

	var data []byte
	if p.Action == ActionPay && p.CreatorEvidence != (common.Hash{}) && p.ConfirmerEvidence != (common.Hash{}) {
		data, err = contracts.PackResolveByConsent(p.CreatorEvidence, p.ConfirmerEvidence)
	} else {
		data, err = contracts.PackResolve(p.Action == ActionPay, p.PollID)
	}
	if err != nil {
		return ResolveResult{}, err
	}

	hash, err := s.dispatcher.Send(ctx, "resolve", s.dispatcher.ContractCall(escrow, data))
	if err != nil {
		return ResolveResult{}, err
	}
	if _, err := s.dispatcher.WaitMined(ctx, hash); err != nil {
		return ResolveResult{}, err
	}

	if _, err := s.store.AdvancePhase(ctx, rec.Address, contracts.PhaseResolved); err != nil {
		return ResolveResult{}, err
	}
	s.registry.Deactivate(escrow)

	s.log.Info("escrow resolved", "escrow", escrow.Hex(), "action", string(p.Action), "tx", hash.Hex())
	return ResolveResult{Escrow: escrow, TxHash: hash}, nil
}

func (s *Service) readPhase(ctx context.Context, escrow common.Address) (uint8, error) {
	calldata, err := contracts.PackEscrowRead("phase")
	if err != nil {
		return 0, err
	}
	out, err := chain.ReadEscrow(ctx, s.client, escrow, calldata)
	if err != nil {
		return 0, err
	}
	return contracts.UnpackPhase(out)
}

func (s *Service) readAddress(ctx context.Context, escrow common.Address, method string) (common.Address, error) {
	calldata, err := contracts.PackEscrowRead(method)
	if err != nil {
		return common.Address{}, err
	}
	out, err := chain.ReadEscrow(ctx, s.client, escrow, calldata)
	if err != nil {
		return common.Address{}, err
	}
	return contracts.UnpackAddress(method, out)
}

// ParseRole validates a role string from the API boundary.
func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToUpper(strings.TrimSpace(raw))) {
	case RoleFunder:
		return RoleFunder, nil
	case RoleConfirmer:
		return RoleConfirmer, nil
	default:
		return "", fmt.Errorf("service: unknown role %q", raw)
	}
}

// ParseAction validates a resolve action string from the API boundary.
func ParseAction(raw string) (ResolveAction, error) {
	switch ResolveAction(strings.ToUpper(strings.TrimSpace(raw))) {
	case ActionPay:
		return ActionPay, nil
	case ActionRefund:
		return ActionRefund, nil
	default:
		return "", fmt.Errorf("service: unknown action %q", raw)
	}
}
