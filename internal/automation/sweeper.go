package automation

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Sweeper defaults.
const (
	defaultSweepBatch       = 25
	defaultSweepConcurrency = 4
)

// SweeperOptions tunes a Sweeper. Zero values take defaults. A negative
// StaleAfter disables abandoning stuck executions.
type SweeperOptions struct {
	Batch       int
	Concurrency int
	StaleAfter  time.Duration
}

// SweepReport counts what one sweep did.
type SweepReport struct {
	Executed  int `json:"executed"`
	Advanced  int `json:"advanced"`
	Abandoned int `json:"abandoned"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// Sweeper is the periodic driver for work the request path leaves behind:
// pending async executions, chain steps whose delay has elapsed, and
// running executions whose runner disappeared.
//
// Every piece of work is claimed through a version check, so concurrent
// sweepers never run the same execution twice.
type Sweeper struct {
	repo        Repository
	engine      *Engine
	chains      *Orchestrator
	batch       int
	concurrency int
	staleAfter  time.Duration
	logger      Logger
	now         func() time.Time
}

// NewSweeper creates a sweeper over engine and chains.
func NewSweeper(engine *Engine, chains *Orchestrator, opts SweeperOptions) *Sweeper {
	s := &Sweeper{
		repo:        engine.repo,
		engine:      engine,
		chains:      chains,
		batch:       opts.Batch,
		concurrency: opts.Concurrency,
		staleAfter:  opts.StaleAfter,
		logger:      engine.logger,
		now:         engine.now,
	}
	if s.batch <= 0 {
		s.batch = defaultSweepBatch
	}
	if s.concurrency <= 0 {
		s.concurrency = defaultSweepConcurrency
	}
	if s.staleAfter == 0 {
		s.staleAfter = 2 * engine.maxRun
	}
	return s
}

// Sweep performs one pass. Individual failures are counted and logged;
// the error is reserved for queries that could not be made.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	if s.staleAfter > 0 {
		abandoned, err := s.abandonStale(ctx)
		if err != nil {
			return report, err
		}
		report.Abandoned = abandoned
	}

	pending, err := s.repo.ListPendingExecutions(ctx, s.batch)
	if err != nil {
		return report, fmt.Errorf("listing pending executions: %w", err)
	}
	due, err := s.repo.ListDueChainExecutions(ctx, s.now().UTC(), s.batch)
	if err != nil {
		return report, fmt.Errorf("listing due chains: %w", err)
	}

	var executed, advanced, skipped, failed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)

	for _, exec := range pending {
		id := exec.ID
		g.Go(func() error {
			_, err := s.engine.Run(ctx, id)
			switch {
			case err == nil:
				executed.Add(1)
			case isLostClaim(err):
				skipped.Add(1)
			default:
				failed.Add(1)
				s.logger.Error("sweep failed to run execution", "execution_id", id, "error", err)
			}
			return nil
		})
	}

	for _, ce := range due {
		id := ce.ID
		g.Go(func() error {
			_, err := s.chains.Advance(ctx, id)
			switch {
			case err == nil:
				advanced.Add(1)
			case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrChainNotRunning):
				skipped.Add(1)
			default:
				failed.Add(1)
				s.logger.Error("sweep failed to advance chain", "chain_execution_id", id, "error", err)
			}
			return nil
		})
	}

	g.Wait() //nolint:errcheck // workers always return nil

	report.Executed = int(executed.Load())
	report.Advanced = int(advanced.Load())
	report.Skipped = int(skipped.Load())
	report.Errors = int(failed.Load())

	if report != (SweepReport{}) {
		s.logger.Info("sweep complete",
			"executed", report.Executed,
			"advanced", report.Advanced,
			"abandoned", report.Abandoned,
			"skipped", report.Skipped,
			"errors", report.Errors,
		)
	}
	return report, nil
}

// RunEvery sweeps immediately and then once per interval until ctx is
// cancelled.
func (s *Sweeper) RunEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) abandonStale(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-s.staleAfter)
	stale, err := s.repo.ListStaleExecutions(ctx, cutoff, s.batch)
	if err != nil {
		return 0, fmt.Errorf("listing stale executions: %w", err)
	}

	abandoned := 0
	for i := range stale {
		exec := &stale[i]
		reason := fmt.Sprintf("execution abandoned: still running after %s", s.staleAfter)
		if err := s.engine.Abandon(ctx, exec, reason); err != nil {
			if !isLostClaim(err) {
				s.logger.Warn("could not abandon execution", "execution_id", exec.ID, "error", err)
			}
			continue
		}
		abandoned++

		if exec.ChainExecutionID != "" && s.chains != nil {
			if err := s.chains.stepAbandoned(ctx, exec); err != nil {
				s.logger.Error("could not fail chain of abandoned step",
					"execution_id", exec.ID,
					"chain_execution_id", exec.ChainExecutionID,
					"error", err,
				)
			}
		}
	}
	return abandoned, nil
}

// isLostClaim reports errors meaning another runner got there first.
func isLostClaim(err error) bool {
	return errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrExecutionRunning) ||
		errors.Is(err, ErrExecutionTerminal)
}
