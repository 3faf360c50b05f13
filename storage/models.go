package storage

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Escrow is the durable record for one tracked escrow contract. The cached
// phase lags the chain and never runs ahead of it; rows are kept forever as
// audit history even after the escrow leaves the active set.
type Escrow struct {
	Address           string `gorm:"primaryKey;size:42"`
	Code              string `gorm:"uniqueIndex;size:16"`
	Network           string `gorm:"index;size:16"`
	ExpectedFunder    string `gorm:"size:42"`
	ExpectedConfirmer string `gorm:"size:42"`
	PhaseCached       uint8  `gorm:"index"`
	CreatedTx         string `gorm:"size:66"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ProcessedEvent is the idempotency barrier: one row per (transaction, escrow)
// pair already acted upon. Uniqueness is enforced on the full pair since one
// transaction can touch more than one escrow.
type ProcessedEvent struct {
	TxHash    string `gorm:"primaryKey;size:66"`
	Escrow    string `gorm:"primaryKey;size:42"`
	EventType string `gorm:"size:32"`
	CreatedAt time.Time
}

// Cursor records the last block fully reconciled by backfill, one row per
// network.
type Cursor struct {
	Network   string `gorm:"primaryKey;size:16"`
	LastBlock uint64
	UpdatedAt time.Time
}

// FailedJob keeps jobs that exhausted their retries observable for manual
// intervention. They are never retried automatically.
type FailedJob struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Escrow    string    `gorm:"index;size:42"`
	EventType string    `gorm:"size:32"`
	TxHash    string    `gorm:"size:66"`
	Attempts  int
	LastError string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate provisions the schema for all oracle tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Escrow{}, &ProcessedEvent{}, &Cursor{}, &FailedJob{})
}
