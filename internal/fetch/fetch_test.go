package fetch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tradeharvest/internal/model"
	"tradeharvest/internal/normalize"
)

// fakeProvider plays back a scripted sequence of results, then repeats the
// last one.
type fakeProvider struct {
	calls   int
	results []fakeResult
}

type fakeResult struct {
	raw model.RawResult
	err error
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Fetch(ctx context.Context, query model.Query) (model.RawResult, error) {
	index := p.calls
	if index >= len(p.results) {
		index = len(p.results) - 1
	}
	p.calls++
	result := p.results[index]
	return result.raw, result.err
}

func tabularRecord() map[string]any {
	return map[string]any{
		"refYear":      float64(2022),
		"refMonth":     float64(1),
		"reporterDesc": "Morocco",
		"partnerDesc":  "World",
		"flowDesc":     "Import",
		"cmdDesc":      "Live animals",
		"cifvalue":     1000.555,
	}
}

func testQuery() model.Query {
	return model.Query{
		Period:        "202201",
		ReporterCode:  "504",
		CommodityCode: "01",
		Flow:          model.FlowImport,
	}
}

func newFetcher(provider *fakeProvider, maxAttempts int) *Fetcher {
	return New(provider, normalize.New(zerolog.Nop()), Config{
		MaxAttempts: maxAttempts,
		Backoff:     ConstantBackoff(time.Millisecond),
		PaceDelay:   0,
	}, zerolog.Nop())
}

func TestRetryBoundExhausted(t *testing.T) {
	provider := &fakeProvider{results: []fakeResult{
		{err: errors.New("connection reset")},
	}}
	fetcher := newFetcher(provider, 3)

	_, err := fetcher.FetchWithRetry(context.Background(), testQuery())
	if err == nil {
		t.Fatal("expected failure")
	}
	if provider.calls != 3 {
		t.Errorf("provider calls = %d, want 3", provider.calls)
	}

	var failure *FetchFailure
	if !errors.As(err, &failure) {
		t.Fatalf("err = %T, want *FetchFailure", err)
	}
	if !failure.AttemptsExhausted {
		t.Error("AttemptsExhausted = false, want true")
	}
	if failure.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", failure.Attempts)
	}
}

func TestNoRetryOnEmpty(t *testing.T) {
	provider := &fakeProvider{results: []fakeResult{
		{raw: model.RawResult{Kind: model.PayloadEmpty}},
	}}
	fetcher := newFetcher(provider, 3)

	result, err := fetcher.FetchWithRetry(context.Background(), testQuery())
	if err != nil {
		t.Fatalf("FetchWithRetry: %v", err)
	}
	if !result.Empty {
		t.Error("Empty = false, want true")
	}
	if provider.calls != 1 {
		t.Errorf("provider calls = %d, want 1 (empty must not be retried)", provider.calls)
	}
	if result.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", result.Attempts)
	}
}

func TestMalformedFailsImmediately(t *testing.T) {
	provider := &fakeProvider{results: []fakeResult{
		{raw: model.RawResult{Kind: model.PayloadMalformed, Original: []byte(`{"errorMessage":"bad"}`)}},
	}}
	fetcher := newFetcher(provider, 3)

	_, err := fetcher.FetchWithRetry(context.Background(), testQuery())
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("err = %v, want ErrMalformedPayload", err)
	}
	if provider.calls != 1 {
		t.Errorf("provider calls = %d, want 1 (malformed must not be retried)", provider.calls)
	}

	var failure *FetchFailure
	if !errors.As(err, &failure) {
		t.Fatalf("err = %T, want *FetchFailure", err)
	}
	if failure.AttemptsExhausted {
		t.Error("AttemptsExhausted = true, want false for non-retryable failure")
	}
}

func TestTransientErrorThenSuccess(t *testing.T) {
	provider := &fakeProvider{results: []fakeResult{
		{err: errors.New("timeout")},
		{raw: model.RawResult{Kind: model.PayloadTabular, Rows: []map[string]any{tabularRecord()}}},
	}}
	fetcher := newFetcher(provider, 3)

	result, err := fetcher.FetchWithRetry(context.Background(), testQuery())
	if err != nil {
		t.Fatalf("FetchWithRetry: %v", err)
	}
	if provider.calls != 2 {
		t.Errorf("provider calls = %d, want 2", provider.calls)
	}
	if result.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", result.Attempts)
	}
	if len(result.Rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(result.Rows))
	}
	if result.Rows[0].CIFValue != "1,000.56" {
		t.Errorf("CIFValue = %q, want 1,000.56", result.Rows[0].CIFValue)
	}
}

func TestTabularWithZeroRowsIsTerminalSuccess(t *testing.T) {
	// Schema mismatch: normalization yields no rows, but the fetch itself
	// succeeded and must not be retried.
	provider := &fakeProvider{results: []fakeResult{
		{raw: model.RawResult{Kind: model.PayloadTabular, Rows: []map[string]any{{"unexpected": "shape"}}}},
	}}
	fetcher := newFetcher(provider, 3)

	result, err := fetcher.FetchWithRetry(context.Background(), testQuery())
	if err != nil {
		t.Fatalf("FetchWithRetry: %v", err)
	}
	if provider.calls != 1 {
		t.Errorf("provider calls = %d, want 1", provider.calls)
	}
	if len(result.Rows) != 0 {
		t.Errorf("rows = %d, want 0", len(result.Rows))
	}
	if result.Empty {
		t.Error("Empty = true, want false (tabular result, zero usable rows)")
	}
}

func TestCancelledContextStopsRetries(t *testing.T) {
	provider := &fakeProvider{results: []fakeResult{
		{err: errors.New("timeout")},
	}}
	fetcher := New(provider, normalize.New(zerolog.Nop()), Config{
		MaxAttempts: 5,
		Backoff:     ConstantBackoff(time.Hour),
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fetcher.FetchWithRetry(ctx, testQuery())
	if err == nil {
		t.Fatal("expected failure")
	}
	if provider.calls != 1 {
		t.Errorf("provider calls = %d, want 1 after cancellation", provider.calls)
	}
}

func TestLinearBackoff(t *testing.T) {
	backoff := LinearBackoff(time.Second)
	if got := backoff(3); got != 3*time.Second {
		t.Errorf("backoff(3) = %v, want 3s", got)
	}
}
