package storage

import (
	"context"

	"tunstack/internal/storage/models"
)

// Storage defines the interface for data persistence
type Storage interface {
	// Run operations
	CreateRun(ctx context.Context, run *models.Run) error
	FinishRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, id int64) (*models.Run, error)
	GetLatestRun(ctx context.Context) (*models.Run, error)
	GetRuns(ctx context.Context, limit int) ([]*models.Run, error) // newest first, limit < 0 for all
	DeleteRun(ctx context.Context, id int64) error

	// Sample operations
	RecordSample(ctx context.Context, sample *models.Sample) error
	GetLatestSample(ctx context.Context, runID int64) (*models.Sample, error)
	GetSamples(ctx context.Context, runID int64, limit int) ([]*models.Sample, error)

	// Settings operations
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	GetAllSettings(ctx context.Context) (map[string]string, error)

	// Transactions
	BeginTx(ctx context.Context) (Transaction, error)

	// Close closes the storage connection
	Close() error
}

// Transaction represents a database transaction
type Transaction interface {
	Commit() error
	Rollback() error
	Storage
}
