package store

import (
	"context"

	"tradeharvest/internal/model"
)

// Store mirrors flattened rows and per-query fetch outcomes into a secondary
// sink. It is an output, not a ledger: nothing reads it back to skip work.
type Store interface {
	RecordRows(ctx context.Context, runID string, query model.Query, rows []model.CanonicalRow) error
	RecordOutcome(ctx context.Context, runID string, query model.Query, status string, attempts, rowCount int) error
	Close() error
}

// NopStore is the default when persistence is disabled.
type NopStore struct{}

func (s *NopStore) RecordRows(ctx context.Context, runID string, query model.Query, rows []model.CanonicalRow) error {
	_ = ctx
	_ = runID
	_ = query
	_ = rows
	return nil
}

func (s *NopStore) RecordOutcome(ctx context.Context, runID string, query model.Query, status string, attempts, rowCount int) error {
	_ = ctx
	_ = runID
	_ = query
	_ = status
	_ = attempts
	_ = rowCount
	return nil
}

func (s *NopStore) Close() error {
	return nil
}
