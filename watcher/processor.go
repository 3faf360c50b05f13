package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"escrowd/chain"
	"escrowd/contracts"
	"escrowd/observability"
	"escrowd/storage"
)

// Decision is the outcome of classifying a transfer against an escrow's
// current phase and configured thresholds.
type Decision int

const (
	// DecisionIgnore takes no action.
	DecisionIgnore Decision = iota
	// DecisionConfirm records the sender as the escrow's confirmer.
	DecisionConfirm
	// DecisionFund records the sender as the escrow's funder.
	DecisionFund
)

func (d Decision) String() string {
	switch d {
	case DecisionConfirm:
		return "confirm"
	case DecisionFund:
		return "fund"
	default:
		return "ignore"
	}
}

// Decide classifies an observed transfer. Awaiting confirmation demands an
// exact match on the confirmation amount; awaiting funding accepts anything
// at or above the target, the contract sweeps any excess. Transfers in any
// later phase are ignored.
func Decide(phase uint8, confirmationAmount, targetAmount, amount *big.Int) Decision {
	if amount == nil {
		return DecisionIgnore
	}
	switch phase {
	case contracts.PhaseAwaitingConfirmation:
		if confirmationAmount != nil && amount.Cmp(confirmationAmount) == 0 {
			return DecisionConfirm
		}
	case contracts.PhaseAwaitingFunding:
		if targetAmount != nil && amount.Cmp(targetAmount) >= 0 {
			return DecisionFund
		}
	}
	return DecisionIgnore
}

// nonRetryableJob reports whether a job error cannot be cured by another
// attempt. Semantic rejections stay rejected.
func nonRetryableJob(err error) bool {
	return errors.Is(err, chain.ErrReverted) || errors.Is(err, chain.ErrTxFailed)
}

// Processor turns queued transfer jobs into on-chain follow-up transactions.
// The classification itself is the pure Decide function; the processor wraps
// it with the dedup gate, the chain reads it needs as input, and enactment
// through the dispatcher.
type Processor struct {
	client     chain.Client
	dispatcher *chain.Dispatcher
	store      *storage.Store
	deactivate func(common.Address)
	log        *slog.Logger
	metrics    *observability.Metrics
}

// NewProcessor constructs the processor.
func NewProcessor(client chain.Client, dispatcher *chain.Dispatcher, store *storage.Store, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		client:     client,
		dispatcher: dispatcher,
		store:      store,
		log:        log,
		metrics:    observability.OracleMetrics(),
	}
}

// BindDeactivator wires the registry callback invoked when an escrow reaches
// the terminal phase. Set once during wiring.
func (p *Processor) BindDeactivator(fn func(common.Address)) {
	p.deactivate = fn
}

// Run processes one job: dedup gate, chain reads, decision, enactment,
// durable mark. Safe to call repeatedly for the same job.
func (p *Processor) Run(ctx context.Context, job Job) error {
	processed, err := p.store.IsProcessed(ctx, job.TxHash.Hex(), job.Escrow.Hex())
	if err != nil {
		return err
	}
	if processed {
		p.metrics.JobsProcessed.WithLabelValues("duplicate").Inc()
		p.log.Debug("already processed", "escrow", job.Escrow.Hex(), "tx", job.TxHash.Hex())
		return nil
	}

	phase, err := p.readPhase(ctx, job.Escrow)
	if err != nil {
		return err
	}
	confirmation, err := p.readAmount(ctx, job.Escrow, "confirmationAmount")
	if err != nil {
		return err
	}
	target, err := p.readAmount(ctx, job.Escrow, "targetAmount")
	if err != nil {
		return err
	}

	decision := Decide(phase, confirmation, target, job.Amount)
	p.log.Info("transfer classified",
		"escrow", job.Escrow.Hex(), "tx", job.TxHash.Hex(),
		"amount", job.Amount.String(), "phase", phase, "decision", decision.String())

	switch decision {
	case DecisionConfirm:
		if err := p.enactConfirmation(ctx, job); err != nil {
			return err
		}
	case DecisionFund:
		if err := p.enactFunding(ctx, job); err != nil {
			return err
		}
	case DecisionIgnore:
		p.metrics.JobsProcessed.WithLabelValues("ignored").Inc()
	}

	return p.store.MarkProcessed(ctx, job.TxHash.Hex(), job.Escrow.Hex(), job.EventType)
}

func (p *Processor) enactConfirmation(ctx context.Context, job Job) error {
	data, err := contracts.PackRecordConfirmation(job.From, job.Amount, job.TxHash)
	if err != nil {
		return err
	}
	hash, err := p.dispatcher.Send(ctx, "recordConfirmation", p.dispatcher.ContractCall(job.Escrow, data))
	if err != nil {
		return err
	}
	if _, err := p.dispatcher.WaitMined(ctx, hash); err != nil {
		return err
	}
	p.advance(ctx, job.Escrow, contracts.PhaseAwaitingFunding)
	p.log.Info("confirmation recorded", "escrow", job.Escrow.Hex(), "confirmer", job.From.Hex(), "tx", hash.Hex())
	return nil
}

func (p *Processor) enactFunding(ctx context.Context, job Job) error {
	data, err := contracts.PackRecordFunding(job.From, job.Amount, job.TxHash)
	if err != nil {
		return err
	}
	hash, err := p.dispatcher.Send(ctx, "recordFunding", p.dispatcher.ContractCall(job.Escrow, data))
	if err != nil {
		return err
	}
	if _, err := p.dispatcher.WaitMined(ctx, hash); err != nil {
		return err
	}
	p.advance(ctx, job.Escrow, contracts.PhaseFunded)
	p.log.Info("funding recorded", "escrow", job.Escrow.Hex(), "funder", job.From.Hex(), "tx", hash.Hex())
	return nil
}

// advance moves the write-through phase cache forward after an enacted
// decision was included on chain. Terminal phases release the worker.
func (p *Processor) advance(ctx context.Context, escrow common.Address, phase uint8) {
	if _, err := p.store.AdvancePhase(ctx, escrow.Hex(), phase); err != nil {
		p.log.Error("advance phase cache", "escrow", escrow.Hex(), "error", err)
	}
	if phase >= contracts.PhaseResolved && p.deactivate != nil {
		p.deactivate(escrow)
	}
}

func (p *Processor) readPhase(ctx context.Context, escrow common.Address) (uint8, error) {
	calldata, err := contracts.PackEscrowRead("phase")
	if err != nil {
		return 0, err
	}
	out, err := chain.ReadEscrow(ctx, p.client, escrow, calldata)
	if err != nil {
		return 0, fmt.Errorf("read phase: %w", err)
	}
	return contracts.UnpackPhase(out)
}

func (p *Processor) readAmount(ctx context.Context, escrow common.Address, method string) (*big.Int, error) {
	calldata, err := contracts.PackEscrowRead(method)
	if err != nil {
		return nil, err
	}
	out, err := chain.ReadEscrow(ctx, p.client, escrow, calldata)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", method, err)
	}
	return contracts.UnpackAmount(method, out)
}
