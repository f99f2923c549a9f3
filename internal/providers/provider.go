package providers

import (
	"context"

	"tradeharvest/internal/model"
)

// Provider performs exactly one upstream call per Fetch: no retries, no disk
// I/O. Transport failures and non-success statuses are returned as errors;
// classification of successful bodies lands in the RawResult kind.
type Provider interface {
	Name() string
	Fetch(ctx context.Context, query model.Query) (model.RawResult, error)
}
