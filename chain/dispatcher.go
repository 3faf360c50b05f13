package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"escrowd/observability"
)

const (
	defaultMaxRetries     = 3
	defaultBaseBackoff    = time.Second
	defaultReceiptTimeout = 2 * time.Minute
	defaultReceiptPoll    = 2 * time.Second
)

var (
	// ErrStaleNonce marks a send rejected because the chain already consumed
	// the allocated nonce. Not retried in place; the sequencer cache is
	// invalidated and the caller re-enters through its own retry path.
	ErrStaleNonce = errors.New("chain: nonce too low")

	// ErrReverted marks a transaction the contract would reject. Retrying
	// cannot change a semantic rejection.
	ErrReverted = errors.New("chain: execution reverted")

	// ErrReceiptTimeout marks an inclusion wait that outlived its deadline.
	// Treated as transient by the job layer.
	ErrReceiptTimeout = errors.New("chain: timed out waiting for receipt")

	// ErrTxFailed marks an included transaction whose receipt reports failure.
	ErrTxFailed = errors.New("chain: transaction failed on chain")
)

// ExhaustedError aggregates a send that spent all its retries.
type ExhaustedError struct {
	Label    string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("chain: %s failed after %d attempts: %v", e.Label, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// staleNonce reports whether the RPC error indicates the nonce was already
// consumed by a transaction the sequencer never issued.
func staleNonce(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "nonce too low")
}

// alreadyKnown reports whether the pool already holds this exact transaction.
// That happens when a resend follows a transient fault whose first submit
// actually landed; the signed payload is unchanged, so the original hash
// still identifies the in-flight transaction.
func alreadyKnown(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "already known")
}

// reverted reports whether the RPC error indicates the call would revert.
// Gas estimation surfaces definite reverts before anything is sent.
func reverted(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "execution reverted") || strings.Contains(msg, "always failing transaction")
}

// BuildTx produces an unsigned transaction for an allocated nonce.
type BuildTx func(ctx context.Context, nonce uint64) (*gethtypes.Transaction, error)

// Dispatcher wraps send-with-retry for transactions from the oracle account.
// It owns failure classification; confirmation waiting is a separate explicit
// step so dispatch latency stays decoupled from inclusion latency.
type Dispatcher struct {
	client         Client
	account        *Account
	nonces         *NonceSequencer
	maxRetries     int
	baseBackoff    time.Duration
	receiptTimeout time.Duration
	receiptPoll    time.Duration
	log            *slog.Logger
	metrics        *observability.Metrics
	sleep          func(ctx context.Context, d time.Duration) error
}

// DispatcherOption customises the dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMaxRetries bounds the number of retries after the first attempt.
func WithMaxRetries(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n >= 0 {
			d.maxRetries = n
		}
	}
}

// WithBaseBackoff sets the first retry delay; subsequent delays double.
func WithBaseBackoff(base time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if base > 0 {
			d.baseBackoff = base
		}
	}
}

// WithReceiptTimeout bounds how long WaitMined polls for inclusion.
func WithReceiptTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.receiptTimeout = timeout
		}
	}
}

// WithReceiptPoll sets the receipt polling cadence.
func WithReceiptPoll(interval time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.receiptPoll = interval
		}
	}
}

// WithDispatcherLogger supplies a structured logger.
func WithDispatcherLogger(log *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if log != nil {
			d.log = log
		}
	}
}

// withSleeper overrides the backoff sleeper (test only).
func withSleeper(sleep func(ctx context.Context, d time.Duration) error) DispatcherOption {
	return func(d *Dispatcher) {
		if sleep != nil {
			d.sleep = sleep
		}
	}
}

// NewDispatcher constructs a dispatcher bound to the shared nonce sequencer.
func NewDispatcher(client Client, account *Account, nonces *NonceSequencer, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		client:         client,
		account:        account,
		nonces:         nonces,
		maxRetries:     defaultMaxRetries,
		baseBackoff:    defaultBaseBackoff,
		receiptTimeout: defaultReceiptTimeout,
		receiptPoll:    defaultReceiptPoll,
		log:            slog.Default(),
		metrics:        observability.OracleMetrics(),
		sleep:          sleepCtx,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ContractCall returns a BuildTx that targets a contract with the given
// calldata. Gas is estimated per attempt; estimation failures surface
// definite reverts before a nonce is spent on them.
func (d *Dispatcher) ContractCall(to common.Address, data []byte) BuildTx {
	return func(ctx context.Context, nonce uint64) (*gethtypes.Transaction, error) {
		gasPrice, err := d.client.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("suggest gas price: %w", err)
		}
		gas, err := d.client.EstimateGas(ctx, ethereum.CallMsg{
			From: d.account.Address(),
			To:   &to,
			Data: data,
		})
		if err != nil {
			return nil, fmt.Errorf("estimate gas: %w", err)
		}
		return gethtypes.NewTx(&gethtypes.LegacyTx{
			Nonce:    nonce,
			To:       &to,
			Gas:      gas,
			GasPrice: gasPrice,
			Data:     data,
		}), nil
	}
}

// Send submits one transaction with retry and exponential backoff. Stale-nonce
// faults invalidate the sequencer and abort immediately; definite reverts
// abort immediately; everything else retries up to the bound. On success the
// sequencer's counter is committed forward and the hash returned without
// waiting for inclusion.
func (d *Dispatcher) Send(ctx context.Context, label string, build BuildTx) (common.Hash, error) {
	var lastErr error
	attempts := d.maxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		hash, err := d.attempt(ctx, build)
		if err == nil {
			d.metrics.TxSubmissions.WithLabelValues(label, "ok").Inc()
			d.log.Info("transaction sent", "label", label, "tx", hash.Hex(), "attempt", attempt+1)
			return hash, nil
		}
		lastErr = err

		switch {
		case staleNonce(err):
			d.nonces.Invalidate()
			d.metrics.TxSubmissions.WithLabelValues(label, "stale_nonce").Inc()
			d.log.Warn("stale nonce, cache invalidated", "label", label, "error", err)
			return common.Hash{}, fmt.Errorf("%w: %s: %v", ErrStaleNonce, label, err)
		case reverted(err):
			d.metrics.TxSubmissions.WithLabelValues(label, "reverted").Inc()
			d.log.Error("transaction would revert", "label", label, "error", err)
			return common.Hash{}, fmt.Errorf("%w: %s: %v", ErrReverted, label, err)
		}

		if attempt < attempts-1 {
			delay := d.baseBackoff << uint(attempt)
			d.metrics.TxRetries.WithLabelValues(label).Inc()
			d.log.Warn("send failed, backing off", "label", label, "attempt", attempt+1, "delay", delay.String(), "error", err)
			if serr := d.sleep(ctx, delay); serr != nil {
				return common.Hash{}, serr
			}
		}
	}
	d.metrics.TxSubmissions.WithLabelValues(label, "exhausted").Inc()
	return common.Hash{}, &ExhaustedError{Label: label, Attempts: attempts, Last: lastErr}
}

func (d *Dispatcher) attempt(ctx context.Context, build BuildTx) (common.Hash, error) {
	nonce, err := d.nonces.Allocate(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	tx, err := build(ctx, nonce)
	if err != nil {
		d.nonces.Release()
		return common.Hash{}, err
	}
	signed, err := d.account.SignTx(tx)
	if err != nil {
		d.nonces.Release()
		return common.Hash{}, err
	}
	if err := d.client.SendTransaction(ctx, signed); err != nil {
		if alreadyKnown(err) {
			// The identical transaction is already pending, so the earlier
			// submit went through. Count the nonce as spent and return the
			// deterministic hash.
			d.nonces.Commit()
			return signed.Hash(), nil
		}
		d.nonces.Release()
		return common.Hash{}, err
	}
	d.nonces.Commit()
	return signed.Hash(), nil
}

// WaitMined blocks until the transaction is included or the receipt timeout
// expires. An included-but-failed receipt surfaces ErrTxFailed.
func (d *Dispatcher) WaitMined(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	deadline := time.Now().Add(d.receiptTimeout)
	for {
		receipt, err := d.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status != gethtypes.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("%w: %s", ErrTxFailed, hash.Hex())
			}
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("chain: fetch receipt %s: %w", hash.Hex(), err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s after %s", ErrReceiptTimeout, hash.Hex(), d.receiptTimeout)
		}
		if err := d.sleep(ctx, d.receiptPoll); err != nil {
			return nil, err
		}
	}
}
