package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"tradeharvest/internal/catalog"
	"tradeharvest/internal/config"
	"tradeharvest/internal/fetch"
	"tradeharvest/internal/model"
	"tradeharvest/internal/normalize"
	"tradeharvest/internal/providers/comtrade"
	"tradeharvest/internal/scope"
	"tradeharvest/internal/store"
	"tradeharvest/internal/store/sqlite"
	"tradeharvest/internal/table"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		run(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func run(args []string) {
	cfg := config.Load()

	fs := flag.NewFlagSet("run", flag.ExitOnError)
	year := fs.Int("year", 0, "target year (monthly periods are derived)")
	period := fs.String("period", "", "single YYYYMM period (overrides -year scope)")
	flowName := fs.String("flow", "import", "flow direction (import or export)")
	countryName := fs.String("country", "", "country name for a single-country run")
	productName := fs.String("product", "", "product name (empty = full catalog)")
	commodityCode := fs.String("commodity", "", "explicit commodity code (bypasses product lookup)")
	allCountries := fs.Bool("all-countries", false, "yearly aggregation across every catalog country")
	countriesPath := fs.String("countries", "countries.json", "path to country catalog")
	productsPath := fs.String("products", "products_hs_nomenclature.csv", "path to commodity nomenclature catalog")
	outDir := fs.String("out", cfg.OutputDir, "output directory for CSV tables")
	dbPath := fs.String("db", cfg.DBPath, "sqlite mirror path (empty disables persistence)")
	workers := fs.Int("workers", cfg.Workers, "parallel workers across independent tables")
	attempts := fs.Int("attempts", cfg.MaxAttempts, "max provider attempts per query")
	noProgress := fs.Bool("no-progress", false, "disable the progress bar")
	verbose := fs.Bool("verbose", false, "debug logging")
	fs.Parse(args)

	logger := newLogger(*verbose)

	if err := runHarvest(logger, cfg, harvestOptions{
		year:          *year,
		period:        strings.TrimSpace(*period),
		flowName:      *flowName,
		countryName:   strings.TrimSpace(*countryName),
		productName:   strings.TrimSpace(*productName),
		commodityCode: strings.TrimSpace(*commodityCode),
		allCountries:  *allCountries,
		countriesPath: *countriesPath,
		productsPath:  *productsPath,
		outDir:        *outDir,
		dbPath:        *dbPath,
		workers:       *workers,
		attempts:      *attempts,
		progress:      !*noProgress,
	}); err != nil {
		logger.Error().Err(err).Msg("harvest run failed")
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: harvester run [options]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "options:")
	fmt.Fprintln(os.Stderr, "  -year          target year, monthly periods derived (e.g. 2022)")
	fmt.Fprintln(os.Stderr, "  -period        single YYYYMM period instead of a full year")
	fmt.Fprintln(os.Stderr, "  -flow          import or export (default: import)")
	fmt.Fprintln(os.Stderr, "  -country       country name for a single-country run")
	fmt.Fprintln(os.Stderr, "  -product       product name; empty runs the full tier-2 catalog")
	fmt.Fprintln(os.Stderr, "  -commodity     explicit commodity code, bypasses product lookup")
	fmt.Fprintln(os.Stderr, "  -all-countries yearly aggregation across every catalog country")
	fmt.Fprintln(os.Stderr, "  -countries     country catalog path (default: countries.json)")
	fmt.Fprintln(os.Stderr, "  -products      nomenclature path (default: products_hs_nomenclature.csv)")
	fmt.Fprintln(os.Stderr, "  -out           output directory (default: data/raw)")
	fmt.Fprintln(os.Stderr, "  -db            sqlite mirror path (default: disabled)")
	fmt.Fprintln(os.Stderr, "  -workers       parallel workers (default: 1)")
	fmt.Fprintln(os.Stderr, "  -attempts      max provider attempts per query (default: 3)")
	fmt.Fprintln(os.Stderr, "  -no-progress   disable the progress bar")
	fmt.Fprintln(os.Stderr, "  -verbose       debug logging")
}

type harvestOptions struct {
	year          int
	period        string
	flowName      string
	countryName   string
	productName   string
	commodityCode string
	allCountries  bool
	countriesPath string
	productsPath  string
	outDir        string
	dbPath        string
	workers       int
	attempts      int
	progress      bool
}

func runHarvest(logger zerolog.Logger, cfg *config.Config, opts harvestOptions) error {
	flow, err := model.ParseFlow(opts.flowName)
	if err != nil {
		return err
	}
	if opts.year == 0 && opts.period == "" {
		return errors.New("either -year or -period is required")
	}
	if !opts.allCountries && opts.countryName == "" {
		return errors.New("-country is required unless -all-countries is set")
	}

	provider, err := comtrade.New()
	if err != nil {
		return err
	}

	fetcher := fetch.New(provider, normalize.New(logger), fetch.Config{
		MaxAttempts: opts.attempts,
		Backoff:     fetch.ConstantBackoff(cfg.RetryDelay),
		PaceDelay:   cfg.PaceDelay,
	}, logger)

	writer, err := table.NewWriter(opts.outDir, logger)
	if err != nil {
		return err
	}

	st, err := openStore(opts.dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	countries, err := catalog.LoadCountries(opts.countriesPath)
	if err != nil {
		return err
	}

	runner := scope.NewRunner(fetcher, writer, st, logger, opts.workers, opts.progress)
	ctx := context.Background()

	if opts.allCountries {
		return runYearly(ctx, runner, countries, opts, flow)
	}
	return runCountry(ctx, runner, countries, opts, flow)
}

// runYearly aggregates a full year per country into one table each.
func runYearly(ctx context.Context, runner *scope.Runner, countries *catalog.Countries, opts harvestOptions, flow model.Flow) error {
	if opts.year == 0 {
		return errors.New("-all-countries requires -year")
	}
	code := opts.commodityCode
	label := opts.productName
	if code == "" && label != "" {
		products, err := catalog.LoadProducts(opts.productsPath)
		if err != nil {
			return err
		}
		resolved, ok := products.Code(label)
		if !ok {
			return fmt.Errorf("product not in catalog: %s", label)
		}
		code = resolved
	}
	if code == "" {
		return errors.New("-all-countries requires -product or -commodity")
	}

	summary, err := runner.RunYearlyCountries(ctx, countries.All(), code, label, opts.year, flow)
	fmt.Printf("harvest complete (%s)\n", summary)
	return err
}

// runCountry streams one country's scope: full catalog or a single product.
func runCountry(ctx context.Context, runner *scope.Runner, countries *catalog.Countries, opts harvestOptions, flow model.Flow) error {
	code, ok := countries.Code(opts.countryName)
	if !ok {
		return fmt.Errorf("country not in catalog: %s", opts.countryName)
	}
	country := catalog.Country{Name: opts.countryName, Code: code}

	var targets []catalog.Product
	switch {
	case opts.commodityCode != "":
		name := opts.productName
		if name == "" {
			name = opts.commodityCode
		}
		targets = []catalog.Product{{Name: name, Code: opts.commodityCode}}
	case opts.productName != "":
		products, err := catalog.LoadProducts(opts.productsPath)
		if err != nil {
			return err
		}
		productCode, ok := products.Code(opts.productName)
		if !ok {
			return fmt.Errorf("product not in catalog: %s", opts.productName)
		}
		targets = []catalog.Product{{Name: opts.productName, Code: productCode}}
	default:
		products, err := catalog.LoadProducts(opts.productsPath)
		if err != nil {
			return err
		}
		targets = products.All()
	}

	periods, label := periodScope(opts)
	summary, err := runner.RunCountryProducts(ctx, country, targets, periods, flow, label)
	fmt.Printf("harvest complete (%s)\n", summary)
	return err
}

// periodScope resolves the periods to fetch and the period label used in
// table names.
func periodScope(opts harvestOptions) ([]string, string) {
	if opts.period != "" {
		return []string{opts.period}, opts.period
	}
	return scope.MonthlyPeriods(opts.year), strconv.Itoa(opts.year)
}

func openStore(path string) (store.Store, error) {
	if strings.TrimSpace(path) == "" {
		return &store.NopStore{}, nil
	}
	return sqlite.New(path)
}

func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}
