package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/pocketmoney-api/internal/idempotency"
	"github.com/ksred/pocketmoney-api/internal/metrics"
	"github.com/ksred/pocketmoney-api/internal/trading"
	"github.com/ksred/pocketmoney-api/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Outcome labels recorded per handled intent.
const (
	OutcomeReconciled   = "reconciled"
	OutcomeAbandoned    = "abandoned"
	OutcomeManualReview = "manual_review"
	OutcomeError        = "error"
	OutcomeResolved     = "resolved"
)

var unresolved = []types.IntentStatus{types.IntentPending, types.IntentPartial}

var (
	// ErrIntentNotFound is returned by Resolve for an unknown intent ID.
	ErrIntentNotFound = errors.New("ledger intent not found")
	// ErrNotUnderReview is returned by Resolve for intents not in MANUAL_REVIEW.
	ErrNotUnderReview = errors.New("ledger intent is not awaiting review")
)

// IntentStore is the slice of the ledger store the processor reads and
// updates.
type IntentStore interface {
	ListIntents(ctx context.Context, statuses []types.IntentStatus, updatedBefore time.Time, limit int) ([]types.LedgerIntent, error)
	CountIntents(ctx context.Context, statuses []types.IntentStatus) (int64, error)
	TransactionForIntent(ctx context.Context, intentID string) (*types.Transaction, error)
	GetIntent(ctx context.Context, id string) (*types.LedgerIntent, error)
	UpdateIntent(ctx context.Context, id string, update trading.IntentUpdate) error
}

// Resumer finishes a partially written ledger intent.
type Resumer interface {
	Resume(ctx context.Context, intent *types.LedgerIntent) error
}

// Config tunes the processing loop.
type Config struct {
	Interval  time.Duration
	Grace     time.Duration
	BatchSize int
}

// Report summarises one pass.
type Report struct {
	Scanned      int
	Reconciled   int
	Abandoned    int
	ManualReview int
	Errors       int
	Unresolved   int64
}

// Processor repairs ledger writes that stopped part way through.
type Processor struct {
	store   IntentStore
	ledger  Resumer
	guard   *idempotency.Guard
	metrics *metrics.Metrics
	cfg     Config
	now     func() time.Time
}

func NewProcessor(store IntentStore, ledger Resumer, guard *idempotency.Guard, m *metrics.Metrics, cfg Config) *Processor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 2 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Processor{
		store:   store,
		ledger:  ledger,
		guard:   guard,
		metrics: m,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Start runs a pass every interval until ctx is cancelled.
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "reconcile_processor").Logger()
	logger.Info().
		Dur("interval", p.cfg.Interval).
		Dur("grace", p.cfg.Grace).
		Msg("starting reconciliation processor")

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down reconciliation processor")
			return
		case <-ticker.C:
			if _, err := p.RunOnce(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to process ledger intents")
			}
		}
	}
}

// RunOnce handles every unresolved intent older than the grace period.
// Intents younger than that may still belong to an order in flight.
func (p *Processor) RunOnce(ctx context.Context) (Report, error) {
	logger := log.With().Str("component", "reconcile_processor").Logger()

	intents, err := p.store.ListIntents(ctx, unresolved, p.now().Add(-p.cfg.Grace), p.cfg.BatchSize)
	if err != nil {
		return Report{}, err
	}

	report := Report{Scanned: len(intents)}
	if len(intents) > 0 {
		logger.Info().Int("pending_count", len(intents)).Msg("processing ledger intents")
	}

	for i := range intents {
		intent := &intents[i]
		outcome := p.handle(ctx, intent, logger.With().
			Str("intent_id", intent.ID).
			Str("user_id", intent.OwnerID).
			Str("symbol", intent.Symbol).
			Str("status", string(intent.Status)).
			Logger())

		p.metrics.ReconcileOutcomes.WithLabelValues(outcome).Inc()
		switch outcome {
		case OutcomeReconciled:
			report.Reconciled++
		case OutcomeAbandoned:
			report.Abandoned++
		case OutcomeManualReview:
			report.ManualReview++
		default:
			report.Errors++
		}
	}

	n, err := p.store.CountIntents(ctx, unresolved)
	if err != nil {
		return report, err
	}
	report.Unresolved = n
	p.metrics.PendingIntentsGauge.Set(float64(n))

	return report, nil
}

func (p *Processor) handle(ctx context.Context, intent *types.LedgerIntent, logger zerolog.Logger) string {
	switch intent.Status {
	case types.IntentPending:
		return p.handlePending(ctx, intent, logger)
	case types.IntentPartial:
		return p.handlePartial(ctx, intent, logger)
	}
	return OutcomeError
}

// handlePending deals with an intent whose order never reported back. With
// no transaction row nothing was written and the intent is abandoned; with
// one, how far the write got is unknown.
func (p *Processor) handlePending(ctx context.Context, intent *types.LedgerIntent, logger zerolog.Logger) string {
	txn, err := p.store.TransactionForIntent(ctx, intent.ID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to look up intent transaction")
		return OutcomeError
	}

	if txn != nil {
		return p.escalate(ctx, intent, "transaction recorded but intent never completed", logger)
	}

	if err := p.store.UpdateIntent(ctx, intent.ID, trading.IntentUpdate{
		Status:    types.IntentAbandoned,
		LastError: intent.LastError,
	}); err != nil {
		logger.Error().Err(err).Msg("failed to abandon ledger intent")
		return OutcomeError
	}
	p.releaseParked(ctx, intent.IdempotencyKey, logger)
	logger.Info().Msg("abandoned ledger intent with nothing written")
	return OutcomeAbandoned
}

func (p *Processor) handlePartial(ctx context.Context, intent *types.LedgerIntent, logger zerolog.Logger) string {
	logger = logger.With().Str("step", intent.FailedStep).Logger()

	err := p.ledger.Resume(ctx, intent)
	switch {
	case err == nil:
		p.releaseParked(ctx, intent.IdempotencyKey, logger)
		logger.Info().Msg("ledger intent reconciled")
		return OutcomeReconciled
	case errors.Is(err, trading.ErrNeedsReview):
		return p.escalate(ctx, intent, err.Error(), logger)
	default:
		// left PARTIAL for the next pass
		logger.Warn().Err(err).Msg("failed to resume ledger intent")
		return OutcomeError
	}
}

// escalate parks an intent for a human. The idempotency key stays parked so
// duplicates keep getting the original failure.
func (p *Processor) escalate(ctx context.Context, intent *types.LedgerIntent, reason string, logger zerolog.Logger) string {
	if err := p.store.UpdateIntent(ctx, intent.ID, trading.IntentUpdate{
		Status:         types.IntentManualReview,
		CompletedSteps: intent.CompletedSteps,
		FailedStep:     intent.FailedStep,
		LastError:      reason,
	}); err != nil {
		logger.Error().Err(err).Msg("failed to flag ledger intent for review")
		return OutcomeError
	}
	logger.Error().Str("reason", reason).Msg("ledger intent needs manual review")
	return OutcomeManualReview
}

// releaseParked frees the order's idempotency key, but only while it is still
// parked for reconciliation. Under the order key policy the same key may
// since have been claimed by a new order.
func (p *Processor) releaseParked(ctx context.Context, key string, logger zerolog.Logger) {
	if p.guard == nil || key == "" {
		return
	}
	check, err := p.guard.Check(ctx, key)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to read idempotency key")
		return
	}
	if !check.IsDuplicate || check.Record.Status != idempotency.StatusNeedsReconciliation {
		return
	}
	if err := p.guard.Release(ctx, key); err != nil {
		logger.Warn().Err(err).Msg("failed to release idempotency key")
	}
}

// ListReview returns the intents waiting for an operator, oldest first.
func (p *Processor) ListReview(ctx context.Context) ([]types.LedgerIntent, error) {
	return p.store.ListIntents(ctx, []types.IntentStatus{types.IntentManualReview}, p.now().Add(time.Second), 0)
}

// Resolve closes a MANUAL_REVIEW intent once an operator has corrected the
// ledger by hand, and frees the order's idempotency key so the same order
// can be placed again.
func (p *Processor) Resolve(ctx context.Context, intentID, note string) error {
	intent, err := p.store.GetIntent(ctx, intentID)
	if err != nil {
		return err
	}
	if intent == nil {
		return ErrIntentNotFound
	}
	if intent.Status != types.IntentManualReview {
		return fmt.Errorf("%w: status is %s", ErrNotUnderReview, intent.Status)
	}

	logger := log.With().
		Str("component", "reconcile_processor").
		Str("intent_id", intent.ID).
		Str("user_id", intent.OwnerID).
		Logger()

	if note == "" {
		note = intent.LastError
	}
	if err := p.store.UpdateIntent(ctx, intent.ID, trading.IntentUpdate{
		Status:         types.IntentResolved,
		CompletedSteps: intent.CompletedSteps,
		FailedStep:     intent.FailedStep,
		LastError:      note,
	}); err != nil {
		return err
	}
	p.releaseParked(ctx, intent.IdempotencyKey, logger)
	p.metrics.ReconcileOutcomes.WithLabelValues(OutcomeResolved).Inc()

	logger.Info().Str("note", note).Msg("ledger intent resolved by operator")
	return nil
}
