// Command discount-ingest bulk-loads promotion codes from gzip-compressed
// partner feeds into the discounts table.
package main

import (
	"bufio"
	"context"
	"flag"
	"math/bits"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/ucp-merchant/internal/domain/discount"
	"github.com/xenking/ucp-merchant/internal/storage/postgres"
)

const (
	bloomCapacity = 10_000_000
	bloomFPR      = 0.001
	progressEvery = 1_000_000
	maxFeeds      = 64
)

type options struct {
	dataDir     string
	databaseURL string
	minSources  int
	batchSize   int
	defaults    discount.Rule
}

// candidate is a code seen in one feed, tagged with the feeds it was seen in.
type candidate struct {
	mask uint64
	rule discount.Rule
}

type feedResult struct {
	candidates map[string]candidate
	invalid    uint64
}

func main() {
	var (
		opts         options
		defaultType  string
		defaultValue string
		currency     string
	)

	flag.StringVar(&opts.dataDir, "data-dir", "data", "directory containing *.gz discount feeds")
	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.IntVar(&opts.minSources, "min-sources", 1, "import a code only when it appears in at least this many feeds")
	flag.IntVar(&opts.batchSize, "batch-size", 1000, "rows per upsert batch")
	flag.StringVar(&defaultType, "default-type", "percentage", "discount type for lines without one")
	flag.StringVar(&defaultValue, "default-value", "10", "discount value for lines without one")
	flag.StringVar(&currency, "currency", "USD", "currency of fixed amount discounts")
	flag.Parse()

	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}
	if opts.databaseURL == "" {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}
	t, ok := typeAliases[defaultType]
	if !ok {
		lg.Fatal("Unknown default type", zap.String("type", defaultType))
	}
	value, err := decimal.NewFromString(defaultValue)
	if err != nil {
		lg.Fatal("Invalid default value", zap.Error(err))
	}
	opts.defaults = discount.Rule{Type: t, Value: value, Currency: currency}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, opts); err != nil {
		lg.Fatal("Discount ingest failed", zap.Error(err))
	}

	lg.Info("Discount ingest completed successfully")
}

func run(ctx context.Context, lg *zap.Logger, opts options) error {
	files, err := filepath.Glob(filepath.Join(opts.dataDir, "*.gz"))
	if err != nil {
		return errors.Wrap(err, "list feeds")
	}
	if len(files) == 0 {
		return errors.Errorf("no *.gz feeds in %s", opts.dataDir)
	}

	rules, err := collectRules(ctx, lg, files, opts.minSources, lineParser{defaults: opts.defaults})
	if err != nil {
		return err
	}
	lg.Info("Valid codes found", zap.Int("count", len(rules)))
	if len(rules) == 0 {
		lg.Info("No codes to insert")
		return nil
	}

	lg.Info("Connecting to database")
	pool, err := postgres.NewPool(ctx, opts.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	return writeDiscounts(ctx, lg, rules, opts.batchSize, func(ctx context.Context, batch []discount.Rule) error {
		return postgres.UpsertDiscounts(ctx, pool, batch)
	})
}

// collectRules streams every feed and returns the rules whose codes appear in
// at least minSources feeds. With more than one required source, a first
// pass builds a bloom filter per feed so the second pass only keeps codes
// another feed may contain. When feeds disagree on a code's rule, the
// earliest feed wins.
func collectRules(ctx context.Context, lg *zap.Logger, files []string, minSources int, p lineParser) ([]discount.Rule, error) {
	if len(files) > maxFeeds {
		return nil, errors.Errorf("at most %d feeds are supported, got %d", maxFeeds, len(files))
	}
	if minSources > len(files) {
		return nil, errors.Errorf("min sources %d exceeds the %d feeds", minSources, len(files))
	}

	var filters []*bloom.BloomFilter
	if minSources > 1 {
		lg.Info("Pass 1: building bloom filters", zap.Int("files", len(files)))
		var err error
		if filters, err = buildBloomFilters(ctx, lg, files); err != nil {
			return nil, errors.Wrap(err, "build bloom filters")
		}
	}

	lg.Info("Pass 2: collecting codes", zap.Int("files", len(files)))
	results := make([]feedResult, len(files))
	g, gctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(func() error {
			res, err := scanFeed(gctx, lg, i, f, filters, p)
			if err != nil {
				return errors.Wrapf(err, "scan feed %s", f)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]candidate)
	for _, r := range results {
		for code, c := range r.candidates {
			if prev, ok := merged[code]; ok {
				prev.mask |= c.mask
				merged[code] = prev
				continue
			}
			merged[code] = c
		}
	}

	var rules []discount.Rule
	for _, c := range merged {
		if bits.OnesCount64(c.mask) >= minSources {
			rules = append(rules, c.rule)
		}
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Code < rules[j].Code })
	return rules, nil
}

func buildBloomFilters(ctx context.Context, lg *zap.Logger, files []string) ([]*bloom.BloomFilter, error) {
	filters := make([]*bloom.BloomFilter, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(func() error {
			filter := bloom.NewWithEstimates(bloomCapacity, bloomFPR)
			var count uint64
			if err := streamGzFile(ctx, f, func(line string) {
				code, ok := cutCode(line)
				if !ok {
					return
				}
				filter.AddString(code)
				count++
				if count%progressEvery == 0 {
					lg.Info("Pass 1 progress", zap.Int("file", i+1), zap.Uint64("codes", count))
				}
			}); err != nil {
				return errors.Wrapf(err, "build filter for %s", f)
			}
			lg.Info("Pass 1 complete", zap.Int("file", i+1), zap.Uint64("total_codes", count))
			filters[i] = filter
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return filters, nil
}

// scanFeed parses one feed. When filters are set, only codes that another
// feed's filter may contain are kept.
func scanFeed(
	ctx context.Context,
	lg *zap.Logger,
	idx int,
	path string,
	filters []*bloom.BloomFilter,
	p lineParser,
) (feedResult, error) {
	res := feedResult{candidates: make(map[string]candidate)}
	fileBit := uint64(1) << uint(idx)
	var count uint64

	err := streamGzFile(ctx, path, func(line string) {
		code, ok := cutCode(line)
		if !ok {
			return
		}
		if filters != nil && !inOtherFilter(filters, idx, code) {
			return
		}
		if c, seen := res.candidates[code]; seen {
			c.mask |= fileBit
			res.candidates[code] = c
			return
		}
		rule, err := p.parse(line)
		if err != nil {
			res.invalid++
			return
		}
		res.candidates[rule.Code] = candidate{mask: fileBit, rule: rule}

		count++
		if count%progressEvery == 0 {
			lg.Info("Pass 2 progress", zap.Int("file", idx+1), zap.Uint64("codes", count))
		}
	})
	if err != nil {
		return res, err
	}

	lg.Info("Pass 2 complete",
		zap.Int("file", idx+1),
		zap.Uint64("codes", count),
		zap.Int("candidates", len(res.candidates)),
		zap.Uint64("invalid", res.invalid),
	)
	return res, nil
}

func inOtherFilter(filters []*bloom.BloomFilter, idx int, code string) bool {
	for j, f := range filters {
		if j != idx && f.TestString(code) {
			return true
		}
	}
	return false
}

// cutCode extracts the normalized code column of a feed line. It reports
// false for blank and comment lines.
func cutCode(line string) (string, bool) {
	code, _, _ := strings.Cut(line, ",")
	code = discount.NormalizeCode(code)
	if code == "" || code[0] == '#' {
		return "", false
	}
	return code, true
}

// streamGzFile opens a gzip-compressed file and calls fn for each line.
func streamGzFile(ctx context.Context, path string, fn func(line string)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		fn(scanner.Text())
	}

	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}

// writeDiscounts upserts rules in batches.
func writeDiscounts(
	ctx context.Context,
	lg *zap.Logger,
	rules []discount.Rule,
	batchSize int,
	upsert func(ctx context.Context, batch []discount.Rule) error,
) error {
	if batchSize <= 0 {
		batchSize = 1000
	}
	lg.Info("Writing discounts to database", zap.Int("count", len(rules)))

	for start := 0; start < len(rules); start += batchSize {
		end := min(start+batchSize, len(rules))
		if err := upsert(ctx, rules[start:end]); err != nil {
			return errors.Wrapf(err, "upsert discounts %d-%d", start, end)
		}
		lg.Info("Write progress", zap.Int("written", end), zap.Int("total", len(rules)))
	}
	return nil
}
