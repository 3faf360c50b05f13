package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"escrowd/chain"
	"escrowd/contracts"
	"escrowd/observability"
	"escrowd/storage"
)

const (
	defaultBackfillInterval = 10 * time.Second
	defaultConfirmationLag  = 2
	defaultAddressChunk     = 500
	maxSubscribeBackoff     = time.Minute
)

// Config fixes the network-specific knobs of the ingestion loop.
type Config struct {
	Network          string
	Factory          common.Address
	Token            common.Address
	ConfirmationLag  uint64
	BackfillInterval time.Duration
	AddressChunk     int
}

// Watcher runs the two ingestion feeds: a live subscription for escrow
// creation events and the periodic reorg-safe backfill over a confirmed
// block range. Both converge on the dedup gate and the per-escrow queues, so
// duplicate delivery between the feeds is neutralised at the gate.
type Watcher struct {
	client   chain.Client
	store    *storage.Store
	registry *Registry
	cfg      Config
	log      *slog.Logger
	metrics  *observability.Metrics
	sleep    func(ctx context.Context, d time.Duration) error
}

// New constructs the watcher.
func New(client chain.Client, store *storage.Store, registry *Registry, cfg Config, log *slog.Logger) *Watcher {
	if cfg.BackfillInterval <= 0 {
		cfg.BackfillInterval = defaultBackfillInterval
	}
	if cfg.ConfirmationLag == 0 {
		cfg.ConfirmationLag = defaultConfirmationLag
	}
	if cfg.AddressChunk <= 0 {
		cfg.AddressChunk = defaultAddressChunk
	}
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		client:   client,
		store:    store,
		registry: registry,
		cfg:      cfg,
		log:      log,
		metrics:  observability.OracleMetrics(),
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}
}

// Run starts both feeds and blocks until the context is cancelled. The push
// feed reconnects on subscription drops; correctness is restored by the
// backfill overlap, not by the push feed alone.
func (w *Watcher) Run(ctx context.Context) {
	go w.runPushFeed(ctx)
	w.runBackfill(ctx)
}

func (w *Watcher) runPushFeed(ctx context.Context) {
	backoff := time.Second
	for ctx.Err() == nil {
		connected, err := w.subscribeOnce(ctx)
		if connected {
			// A clean connect restarts the backoff ladder.
			backoff = time.Second
		}
		if err == nil || ctx.Err() != nil {
			continue
		}
		w.log.Warn("creation subscription dropped", "error", err, "retry_in", backoff.String())
		if serr := w.sleep(ctx, backoff); serr != nil {
			return
		}
		backoff *= 2
		if backoff > maxSubscribeBackoff {
			backoff = maxSubscribeBackoff
		}
	}
}

// subscribeOnce holds one live subscription until it drops. The connected
// flag distinguishes a failed dial from a drop after an established stream.
func (w *Watcher) subscribeOnce(ctx context.Context) (bool, error) {
	logs := make(chan gethtypes.Log, 64)
	query := ethereum.FilterQuery{
		Addresses: []common.Address{w.cfg.Factory},
		Topics:    [][]common.Hash{{contracts.EscrowCreatedTopic}},
	}
	sub, err := w.client.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Unsubscribe()
	w.log.Info("creation subscription active", "factory", w.cfg.Factory.Hex())
	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case err := <-sub.Err():
			return true, err
		case log := <-logs:
			w.handleCreated(ctx, log)
		}
	}
}

func (w *Watcher) handleCreated(ctx context.Context, log gethtypes.Log) {
	created, err := contracts.ParseEscrowCreated(log)
	if err != nil {
		w.log.Warn("skip malformed creation log", "tx", log.TxHash.Hex(), "error", err)
		return
	}
	w.log.Info("escrow created", "escrow", created.Escrow.Hex(), "creator", created.Creator.Hex())

	// The control API may have persisted the record already; the insert is a
	// no-op then and only the activation matters.
	code, err := storage.NewCode(10)
	if err != nil {
		w.log.Error("generate escrow code", "escrow", created.Escrow.Hex(), "error", err)
	} else if err := w.store.CreateEscrow(ctx, storage.Escrow{
		Address:     created.Escrow.Hex(),
		Code:        code,
		Network:     w.cfg.Network,
		PhaseCached: contracts.PhaseAwaitingConfirmation,
		CreatedTx:   created.TxHash.Hex(),
	}); err != nil {
		w.log.Error("persist discovered escrow", "escrow", created.Escrow.Hex(), "error", err)
	}
	w.registry.Activate(created.Escrow)
}

func (w *Watcher) runBackfill(ctx context.Context) {
	// First round immediately, then on the interval. Rounds run inline on
	// this goroutine, so they can never overlap; ticks that fire while a
	// round is still in flight are simply dropped.
	if err := w.backfillRound(ctx); err != nil && ctx.Err() == nil {
		w.log.Error("backfill round failed", "error", err)
	}
	ticker := time.NewTicker(w.cfg.BackfillInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.backfillRound(ctx); err != nil && ctx.Err() == nil {
				w.log.Error("backfill round failed", "error", err)
			}
		}
	}
}

// backfillRound reconciles one confirmed block range. Any error aborts the
// round before the cursor moves, so the same range is retried on the next
// tick; the dedup gate makes the re-scan harmless.
func (w *Watcher) backfillRound(ctx context.Context) error {
	last, ok, err := w.store.LastCursor(ctx, w.cfg.Network)
	if err != nil {
		w.metrics.BackfillRounds.WithLabelValues("error").Inc()
		return err
	}
	from := uint64(0)
	if ok {
		from = last + 1
	}
	head, err := w.client.BlockNumber(ctx)
	if err != nil {
		w.metrics.BackfillRounds.WithLabelValues("error").Inc()
		return fmt.Errorf("block number: %w", err)
	}
	if head < w.cfg.ConfirmationLag {
		return nil
	}
	to := head - w.cfg.ConfirmationLag
	if from > to {
		return nil
	}

	w.log.Debug("backfilling", "from", from, "to", to)

	if err := w.scanCreations(ctx, from, to); err != nil {
		w.metrics.BackfillRounds.WithLabelValues("error").Inc()
		return err
	}
	active := w.registry.ActiveAddresses()
	if err := w.scanTransfers(ctx, from, to, active); err != nil {
		w.metrics.BackfillRounds.WithLabelValues("error").Inc()
		return err
	}
	if err := w.scanEscrowEvents(ctx, from, to, active); err != nil {
		w.metrics.BackfillRounds.WithLabelValues("error").Inc()
		return err
	}

	if err := w.store.SaveCursor(ctx, w.cfg.Network, to); err != nil {
		w.metrics.BackfillRounds.WithLabelValues("error").Inc()
		return err
	}
	w.metrics.BackfillRounds.WithLabelValues("ok").Inc()
	w.metrics.CursorHeight.WithLabelValues(w.cfg.Network).Set(float64(to))
	return nil
}

func (w *Watcher) scanCreations(ctx context.Context, from, to uint64) error {
	logs, err := w.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{w.cfg.Factory},
		Topics:    [][]common.Hash{{contracts.EscrowCreatedTopic}},
	})
	if err != nil {
		return fmt.Errorf("query creations: %w", err)
	}
	for _, log := range logs {
		w.handleCreated(ctx, log)
	}
	return nil
}

// scanTransfers pulls token transfers addressed to active escrows. The
// recipient filter is chunked to stay under RPC topic-list limits.
func (w *Watcher) scanTransfers(ctx context.Context, from, to uint64, active []common.Address) error {
	for start := 0; start < len(active); start += w.cfg.AddressChunk {
		end := start + w.cfg.AddressChunk
		if end > len(active) {
			end = len(active)
		}
		toTopics := make([]common.Hash, 0, end-start)
		for _, addr := range active[start:end] {
			toTopics = append(toTopics, common.BytesToHash(addr.Bytes()))
		}
		logs, err := w.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{w.cfg.Token},
			Topics:    [][]common.Hash{{contracts.TransferTopic}, nil, toTopics},
		})
		if err != nil {
			return fmt.Errorf("query transfers: %w", err)
		}
		for _, log := range logs {
			if err := w.handleTransfer(ctx, log); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Watcher) handleTransfer(ctx context.Context, log gethtypes.Log) error {
	transfer, err := contracts.ParseTransfer(log)
	if err != nil {
		w.log.Warn("skip malformed transfer log", "tx", log.TxHash.Hex(), "error", err)
		return nil
	}
	processed, err := w.store.IsProcessed(ctx, transfer.TxHash.Hex(), transfer.To.Hex())
	if err != nil {
		return err
	}
	if processed {
		return nil
	}
	w.log.Info("transfer observed", "escrow", transfer.To.Hex(), "from", transfer.From.Hex(), "amount", transfer.Value.String())
	w.registry.Enqueue(transfer.To, Job{
		Escrow:      transfer.To,
		EventType:   "Transfer",
		TxHash:      transfer.TxHash,
		BlockNumber: transfer.BlockNumber,
		LogIndex:    transfer.LogIndex,
		From:        transfer.From,
		Amount:      transfer.Value,
	})
	return nil
}

// scanEscrowEvents walks each active escrow's own log and applies
// phase-changing events straight to the cache and the registry.
func (w *Watcher) scanEscrowEvents(ctx context.Context, from, to uint64, active []common.Address) error {
	for _, escrow := range active {
		logs, err := w.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{escrow},
		})
		if err != nil {
			return fmt.Errorf("query escrow %s logs: %w", escrow.Hex(), err)
		}
		for _, log := range logs {
			if err := w.handleEscrowEvent(ctx, escrow, log); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Watcher) handleEscrowEvent(ctx context.Context, escrow common.Address, log gethtypes.Log) error {
	name := contracts.EscrowEventName(log)
	if name == "" {
		return nil
	}
	processed, err := w.store.IsProcessed(ctx, log.TxHash.Hex(), escrow.Hex())
	if err != nil {
		return err
	}
	if processed {
		return nil
	}
	if phase, ok := contracts.EventPhase(name); ok {
		changed, err := w.store.AdvancePhase(ctx, escrow.Hex(), phase)
		if err != nil {
			return err
		}
		if changed {
			w.log.Info("phase advanced", "escrow", escrow.Hex(), "event", name, "phase", phase)
		}
		if phase >= contracts.PhaseResolved {
			w.registry.Deactivate(escrow)
		}
	}
	return w.store.MarkProcessed(ctx, log.TxHash.Hex(), escrow.Hex(), name)
}
