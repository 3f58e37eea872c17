package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Default retention windows for the maintenance sweep. Ledger rows older
// than the retention window can no longer collide with live redeliveries
// (Stripe stops redelivering long before 30 days); checkpoints idle that
// long belong to resources that stopped emitting events.
const (
	DefaultLedgerRetention     = 30 * 24 * time.Hour
	DefaultCheckpointRetention = 30 * 24 * time.Hour
	DefaultSweepInterval       = 6 * time.Hour
)

// LedgerPruner removes idempotency ledger rows processed before the cutoff.
type LedgerPruner interface {
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// CheckpointPruner removes ordering checkpoints not advanced since the cutoff.
type CheckpointPruner interface {
	DeleteIdleBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper prunes expired idempotency ledger rows and idle ordering
// checkpoints on a fixed interval. It runs as a background goroutine
// alongside the webhook endpoint; sweep failures are logged and retried on
// the next tick, never surfaced to request handling.
type Sweeper struct {
	ledger              LedgerPruner
	checkpoints         CheckpointPruner
	interval            time.Duration
	ledgerRetention     time.Duration
	checkpointRetention time.Duration
	logger              *slog.Logger
	now                 func() time.Time
}

// SweeperConfig holds the tunables for a Sweeper. Zero values fall back to
// the package defaults.
type SweeperConfig struct {
	Interval            time.Duration
	LedgerRetention     time.Duration
	CheckpointRetention time.Duration
}

// NewSweeper creates a maintenance sweeper.
func NewSweeper(ledger LedgerPruner, checkpoints CheckpointPruner, cfg SweeperConfig, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	if cfg.LedgerRetention <= 0 {
		cfg.LedgerRetention = DefaultLedgerRetention
	}
	if cfg.CheckpointRetention <= 0 {
		cfg.CheckpointRetention = DefaultCheckpointRetention
	}
	return &Sweeper{
		ledger:              ledger,
		checkpoints:         checkpoints,
		interval:            cfg.Interval,
		ledgerRetention:     cfg.LedgerRetention,
		checkpointRetention: cfg.CheckpointRetention,
		logger:              logger,
		now:                 time.Now,
	}
}

// Run executes sweeps on the configured interval until the context is
// canceled. An initial sweep runs immediately on startup.
func (s *Sweeper) Run(ctx context.Context) {
	if err := s.Sweep(ctx); err != nil {
		s.logger.ErrorContext(ctx, "initial maintenance sweep failed", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "maintenance sweeper stopping")
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.ErrorContext(ctx, "maintenance sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one pruning pass. Each pruner runs even when the previous one
// fails; errors are joined so a partial failure is still visible.
func (s *Sweeper) Sweep(ctx context.Context) error {
	now := s.now()
	var firstErr error

	ledgerCutoff := now.Add(-s.ledgerRetention)
	deleted, err := s.ledger.DeleteProcessedBefore(ctx, ledgerCutoff)
	if err != nil {
		firstErr = fmt.Errorf("pruning idempotency ledger: %w", err)
	} else if deleted > 0 {
		s.logger.InfoContext(ctx, "pruned expired ledger rows",
			"deleted", deleted,
			"cutoff", ledgerCutoff.Format(time.RFC3339),
		)
	}

	checkpointCutoff := now.Add(-s.checkpointRetention)
	deleted, err = s.checkpoints.DeleteIdleBefore(ctx, checkpointCutoff)
	if err != nil {
		err = fmt.Errorf("pruning ordering checkpoints: %w", err)
		if firstErr == nil {
			firstErr = err
		} else {
			s.logger.ErrorContext(ctx, "checkpoint prune failed after ledger prune failure", "error", err)
		}
	} else if deleted > 0 {
		s.logger.InfoContext(ctx, "pruned idle ordering checkpoints",
			"deleted", deleted,
			"cutoff", checkpointCutoff.Format(time.RFC3339),
		)
	}

	return firstErr
}
