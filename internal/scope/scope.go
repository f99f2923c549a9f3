package scope

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"tradeharvest/internal/catalog"
	"tradeharvest/internal/fetch"
	"tradeharvest/internal/model"
	"tradeharvest/internal/providers/comtrade"
	"tradeharvest/internal/store"
	"tradeharvest/internal/table"
)

// Runner drives the cross product of countries, products and periods through
// the fetcher and the table writer. Every per-query failure is contained and
// counted; the only errors that stop a run are quota exhaustion and context
// cancellation.
type Runner struct {
	fetcher  *fetch.Fetcher
	writer   *table.Writer
	store    store.Store
	logger   zerolog.Logger
	workers  int
	progress bool

	keyLocks sync.Map
}

type Summary struct {
	Requests  int
	Succeeded int
	Empty     int
	Failed    int
	Skipped   int
	Rows      int
}

func (s Summary) String() string {
	return fmt.Sprintf("requests=%d succeeded=%d empty=%d failed=%d skipped=%d rows=%d",
		s.Requests, s.Succeeded, s.Empty, s.Failed, s.Skipped, s.Rows)
}

type counters struct {
	mu      sync.Mutex
	summary Summary
}

func (c *counters) add(apply func(*Summary)) {
	c.mu.Lock()
	apply(&c.summary)
	c.mu.Unlock()
}

func NewRunner(fetcher *fetch.Fetcher, writer *table.Writer, st store.Store, logger zerolog.Logger, workers int, showProgress bool) *Runner {
	if st == nil {
		st = &store.NopStore{}
	}
	if workers <= 0 {
		workers = 1
	}
	return &Runner{
		fetcher:  fetcher,
		writer:   writer,
		store:    st,
		logger:   logger,
		workers:  workers,
		progress: showProgress,
	}
}

// MonthlyPeriods returns the twelve YYYYMM periods of a year.
func MonthlyPeriods(year int) []string {
	periods := make([]string, 0, 12)
	for month := 1; month <= 12; month++ {
		periods = append(periods, fmt.Sprintf("%04d%02d", year, month))
	}
	return periods
}

// RunCountryProducts streams one country's products to disk: for each product,
// every period is fetched and appended to that product's table. Products are
// independent TableKeys and may run in parallel; periods within a product stay
// sequential so rows land in period order.
func (r *Runner) RunCountryProducts(ctx context.Context, country catalog.Country, products []catalog.Product, periods []string, flow model.Flow, year string) (Summary, error) {
	runID := uuid.NewString()
	r.logger.Info().
		Str("run_id", runID).
		Str("country", country.Name).
		Int("products", len(products)).
		Int("periods", len(periods)).
		Str("flow", string(flow)).
		Msg("starting country run")

	bar := r.newBar(len(products)*len(periods), "fetching "+country.Name)
	tally := &counters{}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.workers)
	for _, product := range products {
		product := product
		group.Go(func() error {
			key := model.TableKey{Country: country.Name, Product: product.Name, Period: year}
			keyDead := false
			for _, period := range periods {
				if err := groupCtx.Err(); err != nil {
					return err
				}
				if keyDead {
					tally.add(func(s *Summary) { s.Skipped++ })
					barAdd(bar)
					continue
				}

				query := buildQuery(period, country.Code, product.Code, flow)
				rows, fatal, err := r.fetchOne(groupCtx, runID, tally, query)
				barAdd(bar)
				if fatal {
					return err
				}
				if err != nil || len(rows) == 0 {
					continue
				}

				if err := r.writeLocked(key, rows, false); err != nil {
					// A broken table file stops this key only.
					r.logger.Error().Err(err).Str("file", r.writer.Path(key)).Msg("table write failed, abandoning key")
					tally.add(func(s *Summary) { s.Failed++ })
					keyDead = true
				}
			}
			return nil
		})
	}

	err := group.Wait()
	barFinish(bar)
	summary := tally.summary
	r.logger.Info().Str("run_id", runID).Str("summary", summary.String()).Msg("country run complete")
	return summary, err
}

// RunYearlyCountries is the batch-aggregation mode: for each country, all
// monthly periods of the year are collected in memory and merged into the
// country's yearly table in one rewrite. productName may be empty for the
// generic trade_data label.
func (r *Runner) RunYearlyCountries(ctx context.Context, countries []catalog.Country, commodityCode, productName string, year int, flow model.Flow) (Summary, error) {
	runID := uuid.NewString()
	periods := MonthlyPeriods(year)
	r.logger.Info().
		Str("run_id", runID).
		Int("countries", len(countries)).
		Str("commodity", commodityCode).
		Int("year", year).
		Str("flow", string(flow)).
		Msg("starting yearly run")

	bar := r.newBar(len(countries)*len(periods), fmt.Sprintf("fetching %d", year))
	tally := &counters{}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.workers)
	for _, country := range countries {
		country := country
		group.Go(func() error {
			collected := make([]model.CanonicalRow, 0)
			for _, period := range periods {
				if err := groupCtx.Err(); err != nil {
					return err
				}
				query := buildQuery(period, country.Code, commodityCode, flow)
				rows, fatal, err := r.fetchOne(groupCtx, runID, tally, query)
				barAdd(bar)
				if fatal {
					return err
				}
				if err != nil {
					continue
				}
				collected = append(collected, rows...)
			}

			if len(collected) == 0 {
				return nil
			}
			key := model.TableKey{Country: country.Name, Product: productName, Period: fmt.Sprintf("%d", year)}
			if err := r.writeLocked(key, collected, true); err != nil {
				r.logger.Error().Err(err).Str("file", r.writer.Path(key)).Msg("table rewrite failed")
				tally.add(func(s *Summary) { s.Failed++ })
			}
			return nil
		})
	}

	err := group.Wait()
	barFinish(bar)
	summary := tally.summary
	r.logger.Info().Str("run_id", runID).Str("summary", summary.String()).Msg("yearly run complete")
	return summary, err
}

// fetchOne resolves a single query and updates counters and the store. The
// fatal return is set only for conditions that must stop the whole run.
func (r *Runner) fetchOne(ctx context.Context, runID string, tally *counters, query model.Query) ([]model.CanonicalRow, bool, error) {
	tally.add(func(s *Summary) { s.Requests++ })

	result, err := r.fetcher.FetchWithRetry(ctx, query)
	if err != nil {
		if errors.Is(err, comtrade.ErrQuotaExceeded) || ctx.Err() != nil {
			return nil, true, err
		}
		tally.add(func(s *Summary) { s.Failed++ })
		r.logger.Error().Err(err).
			Str("period", query.Period).
			Str("reporter", query.ReporterCode).
			Str("commodity", query.CommodityCode).
			Msg("query failed")
		var failure *fetch.FetchFailure
		attempts := 0
		if errors.As(err, &failure) {
			attempts = failure.Attempts
		}
		r.recordOutcome(ctx, runID, query, "failed", attempts, 0)
		return nil, false, err
	}

	if result.Empty {
		tally.add(func(s *Summary) { s.Empty++ })
		r.recordOutcome(ctx, runID, query, "empty", result.Attempts, 0)
		return nil, false, nil
	}

	tally.add(func(s *Summary) { s.Succeeded++; s.Rows += len(result.Rows) })
	r.recordOutcome(ctx, runID, query, "ok", result.Attempts, len(result.Rows))
	if err := r.store.RecordRows(ctx, runID, query, result.Rows); err != nil {
		r.logger.Warn().Err(err).Msg("store mirror write failed")
	}
	return result.Rows, false, nil
}

// writeLocked serializes writers per TableKey: the append and merge paths are
// not safe under concurrent writes to the same file.
func (r *Runner) writeLocked(key model.TableKey, rows []model.CanonicalRow, merge bool) error {
	lock, _ := r.keyLocks.LoadOrStore(key, &sync.Mutex{})
	mutex := lock.(*sync.Mutex)
	mutex.Lock()
	defer mutex.Unlock()

	if merge {
		return r.writer.MergeRewrite(rows, key)
	}
	return r.writer.Append(rows, key)
}

func (r *Runner) recordOutcome(ctx context.Context, runID string, query model.Query, status string, attempts, rowCount int) {
	if err := r.store.RecordOutcome(ctx, runID, query, status, attempts, rowCount); err != nil {
		r.logger.Warn().Err(err).Msg("store outcome write failed")
	}
}

func buildQuery(period, reporterCode, commodityCode string, flow model.Flow) model.Query {
	return model.Query{
		Period:        period,
		ReporterCode:  reporterCode,
		CommodityCode: commodityCode,
		Flow:          flow,
		IncludeDesc:   true,
	}
}

func (r *Runner) newBar(total int, description string) *progressbar.ProgressBar {
	if !r.progress || total <= 0 {
		return nil
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(os.Stderr)
		}),
	)
}

func barAdd(bar *progressbar.ProgressBar) {
	if bar != nil {
		_ = bar.Add(1)
	}
}

func barFinish(bar *progressbar.ProgressBar) {
	if bar != nil {
		_ = bar.Finish()
	}
}
