package chain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const defaultNonceTTL = 2 * time.Second

// NonceSequencer owns the oracle account's outgoing transaction counter. All
// senders share one instance; Allocate hands out a value and holds the send
// slot until the caller either commits or releases it, so no two concurrent
// senders can ever observe the same nonce.
type NonceSequencer struct {
	client  Client
	account common.Address
	ttl     time.Duration
	now     func() time.Time

	// sendMu serializes the allocate..commit window across senders.
	sendMu sync.Mutex

	mu        sync.Mutex
	cached    uint64
	hasCached bool
	fetchedAt time.Time
}

// NonceOption customises the sequencer.
type NonceOption func(*NonceSequencer)

// WithNonceTTL overrides how long a fetched nonce is trusted without a refresh.
func WithNonceTTL(ttl time.Duration) NonceOption {
	return func(s *NonceSequencer) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithNonceClock overrides the clock used for TTL evaluation (test only).
func WithNonceClock(now func() time.Time) NonceOption {
	return func(s *NonceSequencer) {
		if now != nil {
			s.now = now
		}
	}
}

// NewNonceSequencer constructs the sequencer for the oracle account.
func NewNonceSequencer(client Client, account common.Address, opts ...NonceOption) *NonceSequencer {
	seq := &NonceSequencer{
		client:  client,
		account: account,
		ttl:     defaultNonceTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(seq)
	}
	return seq
}

// Allocate returns the next nonce and acquires the send slot. The caller must
// follow up with Commit after a successful send or Release after a failed one;
// until then no other sender can allocate.
func (s *NonceSequencer) Allocate(ctx context.Context) (uint64, error) {
	s.sendMu.Lock()
	nonce, err := s.currentNonce(ctx)
	if err != nil {
		s.sendMu.Unlock()
		return 0, err
	}
	return nonce, nil
}

func (s *NonceSequencer) currentNonce(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	if s.hasCached && s.now().Sub(s.fetchedAt) < s.ttl {
		nonce := s.cached
		s.mu.Unlock()
		return nonce, nil
	}
	s.mu.Unlock()

	fetched, err := s.client.PendingNonceAt(ctx, s.account)
	if err != nil {
		return 0, fmt.Errorf("chain: fetch nonce for %s: %w", s.account.Hex(), err)
	}

	s.mu.Lock()
	s.cached = fetched
	s.hasCached = true
	s.fetchedAt = s.now()
	s.mu.Unlock()
	return fetched, nil
}

// Commit advances the local counter past the allocated nonce and frees the
// send slot. Call exactly once after a successful send.
func (s *NonceSequencer) Commit() {
	s.mu.Lock()
	if s.hasCached {
		s.cached++
	}
	s.mu.Unlock()
	s.sendMu.Unlock()
}

// Release frees the send slot without advancing the counter. Call exactly once
// after a failed send so the nonce can be reused.
func (s *NonceSequencer) Release() {
	s.sendMu.Unlock()
}

// Invalidate drops the cached value so the next Allocate re-fetches from the
// chain. Called on evidence of staleness, i.e. a nonce-too-low fault.
func (s *NonceSequencer) Invalidate() {
	s.mu.Lock()
	s.hasCached = false
	s.mu.Unlock()
}
