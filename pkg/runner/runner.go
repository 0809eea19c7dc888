// Package runner drives one subaccount through its candle feed: it calls the
// exchange tick hooks around the strategy, schedules walk-forward
// optimization and keeps the history sink flushed.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flamingrickpat/kektrade/pkg/exchange"
	"github.com/flamingrickpat/kektrade/pkg/feed"
	"github.com/flamingrickpat/kektrade/pkg/optimizer"
	"github.com/flamingrickpat/kektrade/pkg/storage"
	"github.com/flamingrickpat/kektrade/pkg/strategy"
)

const day = 24 * time.Hour

// Optimization controls walk-forward re-fitting.
type Optimization struct {
	Enabled   bool
	TrainDays int
	TestDays  int
	Workers   int
}

// Config describes one subaccount run.
type Config struct {
	Subaccount   string
	Parent       string
	Strategy     string
	Feed         feed.Series
	Exchange     exchange.Params
	Fixed        strategy.Parameters
	Optimization Optimization

	// Trial marks an optimizer trial: Fixed is the full parameter set and
	// no nested optimization happens.
	Trial bool

	Sink       storage.Sink
	FlushEvery int
	Logger     *zap.SugaredLogger
}

// Report summarizes a finished run.
type Report struct {
	Subaccount    storage.Subaccount
	Wallet        exchange.Wallet
	Position      exchange.Position
	Executions    int
	Ticks         int
	Optimizations int
}

// Runner owns the exchange, strategy instance and indicator frame of one
// subaccount. It is single-use and not safe for concurrent use.
type Runner struct {
	cfg    Config
	logger *zap.SugaredLogger
	strat  strategy.Strategy
	ex     *exchange.Exchange
	frame  *strategy.Frame
	opt    *optimizer.Optimizer

	params        strategy.Parameters
	recompute     bool
	testEnd       time.Time
	optimizations int
}

// New validates cfg and builds the exchange and strategy for the run.
func New(cfg Config) (*Runner, error) {
	if cfg.Subaccount == "" {
		return nil, fmt.Errorf("%w: empty subaccount id", exchange.ErrInvalidConfig)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Sink == nil {
		cfg.Sink = storage.NewMemoryStore()
	}
	if cfg.Optimization.Enabled && !cfg.Trial && cfg.Optimization.TrainDays <= 0 {
		return nil, fmt.Errorf("%w: train days must be positive", exchange.ErrInvalidConfig)
	}

	strat, err := strategy.New(cfg.Strategy)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", exchange.ErrInvalidConfig, err)
	}
	ex, err := exchange.New(exchange.Config{
		Subaccount: cfg.Subaccount,
		Params:     cfg.Exchange,
		Feed:       cfg.Feed,
		Sink:       cfg.Sink,
		Logger:     cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("subaccount %s: %w", cfg.Subaccount, err)
	}

	r := &Runner{
		cfg:       cfg,
		logger:    cfg.Logger,
		strat:     strat,
		ex:        ex,
		frame:     strategy.NewFrame(cfg.Feed),
		recompute: true,
	}
	switch {
	case cfg.Trial:
		r.params = cfg.Fixed.Clone()
	case cfg.Optimization.Enabled:
		r.opt = optimizer.New(cfg.Optimization.Workers, cfg.Logger)
	default:
		r.params = strat.PopulateParameters().Defaults(cfg.Fixed)
	}
	return r, nil
}

// Run builds a runner for cfg and drives it to the end of its feed.
func Run(ctx context.Context, cfg Config) (Report, error) {
	r, err := New(cfg)
	if err != nil {
		return Report{}, err
	}
	return r.Run(ctx)
}

// Exchange exposes the engine, mainly for tests.
func (r *Runner) Exchange() *exchange.Exchange { return r.ex }

// Run ticks through the feed. A context error stops the run between ticks;
// any engine or strategy error ends it immediately.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	record := r.record()
	if err := r.cfg.Sink.SaveSubaccount(record); err != nil {
		return Report{}, fmt.Errorf("save subaccount: %w", err)
	}
	r.logRun("run_started",
		"subaccount", r.cfg.Subaccount,
		"strategy", r.strat.Name(),
		"candles", r.cfg.Feed.Len(),
		"start", record.Start,
		"end", record.End,
	)

	ticks := 0
	for !r.ex.Finished() {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		i := r.ex.Index()
		if r.optimizationDue(i) {
			if err := r.optimize(ctx, i); err != nil {
				return Report{}, fmt.Errorf("optimize at %d: %w", i, err)
			}
		}
		if err := r.tick(i); err != nil {
			return Report{}, err
		}
		ticks++
		if r.cfg.FlushEvery > 0 && ticks%r.cfg.FlushEvery == 0 {
			if err := r.cfg.Sink.Flush(); err != nil {
				return Report{}, fmt.Errorf("flush: %w", err)
			}
		}
	}

	w := r.ex.Wallet()
	record = r.record()
	record.FinalBalance = w.AccountBalance
	record.Digest = r.ex.Digest()
	if err := r.cfg.Sink.SaveSubaccount(record); err != nil {
		return Report{}, fmt.Errorf("save subaccount: %w", err)
	}
	if err := r.cfg.Sink.Flush(); err != nil {
		return Report{}, fmt.Errorf("flush: %w", err)
	}

	r.logRun("run_finished",
		"subaccount", r.cfg.Subaccount,
		"ticks", ticks,
		"account_balance", w.AccountBalance,
		"realized_pnl", w.TotalRealizedPnL,
		"optimizations", r.optimizations,
		"digest", record.Digest,
	)
	return Report{
		Subaccount:    record,
		Wallet:        w,
		Position:      r.ex.Position(),
		Executions:    len(r.ex.Executions()),
		Ticks:         ticks,
		Optimizations: r.optimizations,
	}, nil
}

// tick runs one driver step on candle i. Without parameters the strategy is
// skipped and any open position is closed.
func (r *Runner) tick(i int) error {
	if err := r.ex.BeforeTick(i); err != nil {
		return err
	}
	if r.params == nil {
		if _, err := r.ex.ClosePosition(); err != nil {
			return fmt.Errorf("close position at %d: %w", i, err)
		}
	} else {
		if r.recompute {
			r.frame.Reset()
			if err := r.strat.PopulateIndicators(r.frame, r.params); err != nil {
				return fmt.Errorf("populate indicators: %w", err)
			}
			r.recompute = false
		}
		if err := r.strat.Tick(r.frame, i, r.params, r.ex); err != nil {
			return fmt.Errorf("strategy %s tick %d: %w", r.strat.Name(), i, err)
		}
	}
	return r.ex.AfterTick(i)
}

// optimizationDue: on the first candle of a new calendar day, once the
// previous test window has elapsed.
func (r *Runner) optimizationDue(i int) bool {
	if r.opt == nil || i <= 1 {
		return false
	}
	cur, prev := r.cfg.Feed.At(i).Timestamp, r.cfg.Feed.At(i-1).Timestamp
	if sameDay(cur, prev) {
		return false
	}
	return !cur.Before(r.testEnd)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

func (r *Runner) optimize(ctx context.Context, i int) error {
	now := r.cfg.Feed.At(i).Timestamp
	o := r.cfg.Optimization
	train := optimizer.Window{Start: now.Add(-time.Duration(o.TrainDays) * day), End: now}
	test := optimizer.Window{Start: now, End: now.Add(time.Duration(o.TestDays) * day)}

	if n := r.cfg.Feed.Between(train.Start, train.End, 0).Len(); n < 2 {
		r.logger.Warnw("optimization_skipped",
			"subaccount", r.cfg.Subaccount,
			"reason", "train_window_too_short",
			"candles", n,
			"train", train.String(),
		)
		return nil
	}

	var mu sync.Mutex
	records := make(map[int]storage.Subaccount)
	run := func(ctx context.Context, t optimizer.Trial) (float64, error) {
		rep, err := Run(ctx, Config{
			Subaccount: t.ID,
			Parent:     r.cfg.Subaccount,
			Strategy:   r.cfg.Strategy,
			Feed:       r.cfg.Feed.Between(t.Window.Start, t.Window.End, r.strat.StartupCandleCount()),
			Exchange:   r.cfg.Exchange,
			Fixed:      t.Parameters,
			Trial:      true,
			Sink:       storage.NewMemoryStore(),
			Logger:     r.logger,
		})
		if err != nil {
			return 0, err
		}
		mu.Lock()
		records[t.Index] = rep.Subaccount
		mu.Unlock()
		return rep.Wallet.AccountBalance, nil
	}

	var result optimizer.Result
	done := func(res optimizer.Result) {
		result = res
		r.testEnd = test.End
		if res.Best == nil {
			r.logger.Warnw("optimization_no_result",
				"subaccount", r.cfg.Subaccount,
				"reason", "empty_parameter_grid",
				"train", train.String(),
				"kept", r.params,
			)
			return
		}
		r.params = res.Best
		r.recompute = true
		r.optimizations++
	}
	grid := r.strat.PopulateParameters()
	if err := r.opt.Optimize(ctx, train, test, grid, r.cfg.Fixed, run, done); err != nil {
		return err
	}

	// Saved in enumeration order, not completion order.
	for _, tr := range result.Trials {
		sub, ok := records[tr.Trial.Index]
		if !ok {
			continue
		}
		if err := r.cfg.Sink.SaveSubaccount(sub); err != nil {
			return fmt.Errorf("save trial %s: %w", sub.ID, err)
		}
	}
	return nil
}

func (r *Runner) record() storage.Subaccount {
	return storage.Subaccount{
		ID:         r.cfg.Subaccount,
		Parent:     r.cfg.Parent,
		Strategy:   r.strat.Name(),
		Symbol:     r.cfg.Exchange.Symbol,
		Parameters: r.params.Clone(),
		Start:      r.cfg.Feed.At(0).Timestamp,
		End:        r.cfg.Feed.At(r.cfg.Feed.Len() - 1).Timestamp,
		Trial:      r.cfg.Trial,
	}
}

// logRun logs at Info for top-level runs and Debug for optimizer trials.
func (r *Runner) logRun(event string, kv ...interface{}) {
	if r.cfg.Trial {
		r.logger.Debugw(event, kv...)
		return
	}
	r.logger.Infow(event, kv...)
}
