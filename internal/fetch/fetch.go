package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tradeharvest/internal/model"
	"tradeharvest/internal/normalize"
	"tradeharvest/internal/providers"
)

const (
	defaultMaxAttempts = 3
	defaultRetryDelay  = 2 * time.Second
)

// ErrMalformedPayload marks a provider response whose shape will not change on
// retry.
var ErrMalformedPayload = errors.New("fetch: malformed provider payload")

// Backoff returns the delay to sleep before retry attempt+1. The attempt
// argument starts at 1.
type Backoff func(attempt int) time.Duration

func ConstantBackoff(delay time.Duration) Backoff {
	return func(int) time.Duration { return delay }
}

func LinearBackoff(step time.Duration) Backoff {
	return func(attempt int) time.Duration { return time.Duration(attempt) * step }
}

// Result is a terminal fetch outcome. Empty marks a valid query the provider
// had no records for; it is distinct from a zero-row tabular result only in
// reporting, both carry no rows.
type Result struct {
	Query    model.Query
	Rows     []model.CanonicalRow
	Empty    bool
	Attempts int
}

// FetchFailure is the error type for a query whose fetch did not produce a
// usable payload. AttemptsExhausted distinguishes retries running out from
// non-retryable failures.
type FetchFailure struct {
	Query             model.Query
	Err               error
	Attempts          int
	AttemptsExhausted bool
}

func (f *FetchFailure) Error() string {
	return fmt.Sprintf("fetch failed (period=%s reporter=%s commodity=%s attempts=%d): %v",
		f.Query.Period, f.Query.ReporterCode, f.Query.CommodityCode, f.Attempts, f.Err)
}

func (f *FetchFailure) Unwrap() error {
	return f.Err
}

type Config struct {
	// MaxAttempts bounds provider calls per query, transient failures only.
	MaxAttempts int
	// Backoff spaces retries; defaults to a constant 2s delay.
	Backoff Backoff
	// PaceDelay is slept after every provider call, success or failure, to
	// respect upstream rate limits.
	PaceDelay time.Duration
}

// Fetcher is the single retry policy for provider calls: call sites must not
// wrap it in retry loops of their own.
type Fetcher struct {
	provider   providers.Provider
	normalizer *normalize.Normalizer
	config     Config
	logger     zerolog.Logger
}

func New(provider providers.Provider, normalizer *normalize.Normalizer, cfg Config, logger zerolog.Logger) *Fetcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Backoff == nil {
		cfg.Backoff = ConstantBackoff(defaultRetryDelay)
	}
	return &Fetcher{
		provider:   provider,
		normalizer: normalizer,
		config:     cfg,
		logger:     logger,
	}
}

// FetchWithRetry resolves one query to canonical rows. Provider errors are
// retried up to MaxAttempts; an empty result is terminal success after a
// single call; a malformed payload fails immediately.
func (f *Fetcher) FetchWithRetry(ctx context.Context, query model.Query) (Result, error) {
	for attempt := 1; ; attempt++ {
		raw, err := f.provider.Fetch(ctx, query)
		if paceErr := sleepWithContext(ctx, f.config.PaceDelay); paceErr != nil {
			return Result{}, &FetchFailure{Query: query, Err: paceErr, Attempts: attempt}
		}

		if err != nil {
			if ctx.Err() != nil {
				return Result{}, &FetchFailure{Query: query, Err: err, Attempts: attempt}
			}
			if attempt < f.config.MaxAttempts {
				f.logger.Warn().
					Err(err).
					Int("attempt", attempt).
					Str("period", query.Period).
					Str("reporter", query.ReporterCode).
					Str("commodity", query.CommodityCode).
					Msg("provider call failed, retrying")
				if sleepErr := sleepWithContext(ctx, f.config.Backoff(attempt)); sleepErr != nil {
					return Result{}, &FetchFailure{Query: query, Err: sleepErr, Attempts: attempt}
				}
				continue
			}
			return Result{}, &FetchFailure{
				Query:             query,
				Err:               err,
				Attempts:          attempt,
				AttemptsExhausted: true,
			}
		}

		switch raw.Kind {
		case model.PayloadTabular:
			rows := f.normalizer.Normalize(raw, query)
			return Result{Query: query, Rows: rows, Attempts: attempt}, nil
		case model.PayloadEmpty:
			// Empty is not transient; never retried.
			f.logger.Info().
				Str("period", query.Period).
				Str("reporter", query.ReporterCode).
				Str("commodity", query.CommodityCode).
				Msg("no records for query")
			return Result{Query: query, Empty: true, Attempts: attempt}, nil
		default:
			f.logger.Error().
				Str("period", query.Period).
				Str("reporter", query.ReporterCode).
				Str("commodity", query.CommodityCode).
				Str("body", truncate(string(raw.Original), 512)).
				Msg("malformed provider payload")
			return Result{}, &FetchFailure{
				Query:    query,
				Err:      ErrMalformedPayload,
				Attempts: attempt,
			}
		}
	}
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}
