package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"escrowd/contracts"
)

// ErrNotFound is returned when a lookup matches no record.
var ErrNotFound = errors.New("storage: record not found")

// Store wraps the oracle's durable state: escrow records, the processed-event
// ledger, backfill cursors, and failed jobs.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// StoreOption customises the store.
type StoreOption func(*Store)

// WithClock overrides the timestamp source (test only).
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New wraps an open gorm handle and provisions the schema.
func New(db *gorm.DB, opts ...StoreOption) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("storage: db handle required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func addrKey(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// CreateEscrow inserts a new escrow record. Inserting an address that already
// exists is a no-op, so API-driven creation and ingestion-driven discovery
// stay idempotent against each other.
func (s *Store) CreateEscrow(ctx context.Context, rec Escrow) error {
	rec.Address = addrKey(rec.Address)
	rec.ExpectedFunder = addrKey(rec.ExpectedFunder)
	rec.ExpectedConfirmer = addrKey(rec.ExpectedConfirmer)
	if rec.Address == "" {
		return fmt.Errorf("storage: escrow address required")
	}
	if strings.TrimSpace(rec.Code) == "" {
		return fmt.Errorf("storage: escrow code required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	rec.UpdatedAt = rec.CreatedAt
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "address"}}, DoNothing: true}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("storage: create escrow: %w", err)
	}
	return nil
}

// EscrowByCode loads an escrow record by its shareable code.
func (s *Store) EscrowByCode(ctx context.Context, code string) (Escrow, error) {
	var rec Escrow
	err := s.db.WithContext(ctx).Where("code = ?", strings.TrimSpace(code)).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Escrow{}, fmt.Errorf("%w: code %s", ErrNotFound, code)
	}
	if err != nil {
		return Escrow{}, fmt.Errorf("storage: escrow by code: %w", err)
	}
	return rec, nil
}

// EscrowByAddress loads an escrow record by contract address.
func (s *Store) EscrowByAddress(ctx context.Context, address string) (Escrow, error) {
	var rec Escrow
	err := s.db.WithContext(ctx).Where("address = ?", addrKey(address)).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Escrow{}, fmt.Errorf("%w: escrow %s", ErrNotFound, address)
	}
	if err != nil {
		return Escrow{}, fmt.Errorf("storage: escrow by address: %w", err)
	}
	return rec, nil
}

// ActiveEscrows lists every escrow on the network still short of the terminal
// phase. The registry rehydrates from this at startup.
func (s *Store) ActiveEscrows(ctx context.Context, network string) ([]Escrow, error) {
	var recs []Escrow
	err := s.db.WithContext(ctx).
		Where("network = ? AND phase_cached < ?", network, contracts.PhaseResolved).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("storage: active escrows: %w", err)
	}
	return recs, nil
}

// AdvancePhase moves the cached phase forward, never backward. Returns true
// when the row changed.
func (s *Store) AdvancePhase(ctx context.Context, address string, phase uint8) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Escrow{}).
		Where("address = ? AND phase_cached < ?", addrKey(address), phase).
		Updates(map[string]any{"phase_cached": phase, "updated_at": s.now().UTC()})
	if res.Error != nil {
		return false, fmt.Errorf("storage: advance phase: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// SetExpectedFunder records the funder binding for an escrow code.
func (s *Store) SetExpectedFunder(ctx context.Context, code, funder string) error {
	return s.setParty(ctx, code, "expected_funder", funder)
}

// SetExpectedConfirmer records the confirmer binding for an escrow code.
func (s *Store) SetExpectedConfirmer(ctx context.Context, code, confirmer string) error {
	return s.setParty(ctx, code, "expected_confirmer", confirmer)
}

func (s *Store) setParty(ctx context.Context, code, column, addr string) error {
	res := s.db.WithContext(ctx).Model(&Escrow{}).
		Where("code = ?", strings.TrimSpace(code)).
		Updates(map[string]any{column: addrKey(addr), "updated_at": s.now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("storage: set %s: %w", column, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: code %s", ErrNotFound, code)
	}
	return nil
}

// IsProcessed reports whether the (transaction, escrow) pair was already
// acted upon.
func (s *Store) IsProcessed(ctx context.Context, txHash, escrow string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&ProcessedEvent{}).
		Where("tx_hash = ? AND escrow = ?", strings.ToLower(strings.TrimSpace(txHash)), addrKey(escrow)).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("storage: check processed: %w", err)
	}
	return count > 0, nil
}

// MarkProcessed records the (transaction, escrow) pair in the dedup ledger.
// Marking the same pair twice is a no-op.
func (s *Store) MarkProcessed(ctx context.Context, txHash, escrow, eventType string) error {
	rec := ProcessedEvent{
		TxHash:    strings.ToLower(strings.TrimSpace(txHash)),
		Escrow:    addrKey(escrow),
		EventType: eventType,
		CreatedAt: s.now().UTC(),
	}
	if rec.TxHash == "" || rec.Escrow == "" {
		return fmt.Errorf("storage: tx hash and escrow required")
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("storage: mark processed: %w", err)
	}
	return nil
}

// LastCursor returns the persisted backfill cursor for the network. The
// boolean is false when no round has completed yet.
func (s *Store) LastCursor(ctx context.Context, network string) (uint64, bool, error) {
	var cur Cursor
	err := s.db.WithContext(ctx).Where("network = ?", network).First(&cur).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("storage: load cursor: %w", err)
	}
	return cur.LastBlock, true, nil
}

// SaveCursor upserts the backfill cursor after a fully successful round.
func (s *Store) SaveCursor(ctx context.Context, network string, block uint64) error {
	cur := Cursor{Network: network, LastBlock: block, UpdatedAt: s.now().UTC()}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "network"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_block", "updated_at"}),
		}).
		Create(&cur).Error
	if err != nil {
		return fmt.Errorf("storage: save cursor: %w", err)
	}
	return nil
}

// RecordFailedJob persists a job that exhausted its retries.
func (s *Store) RecordFailedJob(ctx context.Context, escrow, eventType, txHash string, attempts int, lastErr error) error {
	rec := FailedJob{
		ID:        uuid.New(),
		Escrow:    addrKey(escrow),
		EventType: eventType,
		TxHash:    strings.ToLower(strings.TrimSpace(txHash)),
		Attempts:  attempts,
		CreatedAt: s.now().UTC(),
	}
	if lastErr != nil {
		rec.LastError = lastErr.Error()
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("storage: record failed job: %w", err)
	}
	return nil
}

// FailedJobs lists persisted failures, newest first.
func (s *Store) FailedJobs(ctx context.Context, limit int) ([]FailedJob, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []FailedJob
	err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("storage: failed jobs: %w", err)
	}
	return recs, nil
}
