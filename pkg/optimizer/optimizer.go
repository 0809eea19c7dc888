// Package optimizer implements walk-forward parameter search: every
// combination of a strategy's grid is simulated over a training window and
// the combination with the highest terminal account balance wins.
package optimizer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flamingrickpat/kektrade/pkg/strategy"
)

// Window is an inclusive time range.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s]", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}

// Trial is one parameter combination to simulate.
type Trial struct {
	Index      int
	ID         string
	Window     Window
	Parameters strategy.Parameters
}

// RunFunc simulates one trial on a private engine and feed and returns its
// terminal account balance.
type RunFunc func(ctx context.Context, trial Trial) (float64, error)

type TrialResult struct {
	Trial          Trial
	AccountBalance float64
}

// Result is handed to the completion callback after every trial finished.
// Best is nil when the grid produced no combination.
type Result struct {
	Train       Window
	Test        Window
	Best        strategy.Parameters
	BestBalance float64
	Trials      []TrialResult
}

// Optimizer fans trials out over at most Workers goroutines.
type Optimizer struct {
	Workers int
	Logger  *zap.SugaredLogger
}

func New(workers int, logger *zap.SugaredLogger) *Optimizer {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Optimizer{Workers: workers, Logger: logger}
}

// Optimize runs every combination of grid (with fixed merged in) over train
// and calls done with the winner. Trials are joined before ranking, so the
// outcome does not depend on Workers. Ties go to the combination enumerated
// first. The first trial error aborts the search and done is not called.
func (o *Optimizer) Optimize(ctx context.Context, train, test Window, grid strategy.Grid, fixed strategy.Parameters, run RunFunc, done func(Result)) error {
	combos := grid.Without(fixed).Product(fixed)
	o.Logger.Infow("optimization_started",
		"train", train.String(),
		"test", test.String(),
		"combinations", len(combos),
		"workers", o.Workers,
	)
	start := time.Now()

	results := make([]TrialResult, len(combos))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.Workers)
	for i, params := range combos {
		trial := Trial{
			Index:      i,
			ID:         uuid.NewString(),
			Window:     train,
			Parameters: params,
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			balance, err := run(gctx, trial)
			if err != nil {
				return fmt.Errorf("trial %d %v: %w", trial.Index, trial.Parameters, err)
			}
			results[trial.Index] = TrialResult{Trial: trial, AccountBalance: balance}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		o.Logger.Errorw("optimization_failed", "train", train.String(), "err", err)
		return err
	}

	res := Result{Train: train, Test: test, Trials: results}
	for i, r := range results {
		if i == 0 || r.AccountBalance > res.BestBalance {
			res.Best = r.Trial.Parameters
			res.BestBalance = r.AccountBalance
		}
	}

	o.Logger.Infow("optimization_finished",
		"train", train.String(),
		"best", res.Best,
		"best_balance", res.BestBalance,
		"elapsed", time.Since(start),
	)
	if done != nil {
		done(res)
	}
	return nil
}
