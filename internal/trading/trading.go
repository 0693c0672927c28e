package trading

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ksred/pocketmoney-api/internal/achievements"
	"github.com/ksred/pocketmoney-api/internal/idempotency"
	"github.com/ksred/pocketmoney-api/internal/limits"
	"github.com/ksred/pocketmoney-api/internal/metrics"
	"github.com/ksred/pocketmoney-api/internal/pricing"
	"github.com/ksred/pocketmoney-api/internal/state"
	"github.com/ksred/pocketmoney-api/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// TransactionView is a ledger entry as returned to clients.
type TransactionView struct {
	Reference     string          `json:"reference"`
	Symbol        string          `json:"symbol"`
	Side          types.Side      `json:"side"`
	Quantity      int64           `json:"quantity"`
	PricePerShare decimal.Decimal `json:"pricePerShare"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
	ExecutedAt    time.Time       `json:"executedAt"`
}

// HoldingView is a position as returned to clients.
type HoldingView struct {
	Symbol      string          `json:"symbol"`
	Quantity    int64           `json:"quantity"`
	AverageCost decimal.Decimal `json:"averageCost"`
}

// TradeResult is the success payload of an order. It is also what the
// idempotency guard replays for duplicates.
type TradeResult struct {
	Message        string           `json:"message"`
	DisplayName    string           `json:"displayName,omitempty"`
	Transaction    TransactionView  `json:"transaction"`
	Holding        *HoldingView     `json:"holding"`
	NewCashBalance decimal.Decimal  `json:"newCashBalance"`
	RealizedGain   *decimal.Decimal `json:"realizedGain,omitempty"`
	Replayed       bool             `json:"replayed,omitempty"`
}

// AccountView is an account as returned to clients.
type AccountView struct {
	OwnerID      string          `json:"ownerId"`
	StartingCash decimal.Decimal `json:"startingCash"`
	CurrentCash  decimal.Decimal `json:"currentCash"`
	OpenedAt     time.Time       `json:"openedAt"`
}

// Dependencies are the collaborators of the order engine.
type Dependencies struct {
	Store    LedgerStore
	Ledger   *Ledger
	Rate     *limits.RateLimiter
	Quota    *limits.QuotaTracker
	Guard    *idempotency.Guard
	Oracle   pricing.Oracle
	Notifier achievements.Notifier
	Metrics  *metrics.Metrics
	// Locks serialises ledger writes per account. Without one the lock
	// only holds inside this process.
	Locks    *state.Locker
}

// Options tune the order engine.
type Options struct {
	KeyPolicy     string
	Limits        Limits
	StartingCash  decimal.Decimal
	NotifyTimeout time.Duration
}

// Service runs buy and sell orders through the limiter, quota, idempotency,
// validation, pricing and ledger stages.
type Service struct {
	store     LedgerStore
	ledger    *Ledger
	rate      *limits.RateLimiter
	quota     *limits.QuotaTracker
	guard     *idempotency.Guard
	oracle    pricing.Oracle
	notifier  achievements.Notifier
	metrics   *metrics.Metrics
	locks     *state.Locker
	validator *Validator
	opts      Options

	// in-flight achievement notifications
	wg sync.WaitGroup
}

// NewService creates the order engine.
func NewService(deps Dependencies, opts Options) *Service {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewUnregistered()
	}
	if deps.Notifier == nil {
		deps.Notifier = achievements.LogNotifier{}
	}
	if deps.Ledger == nil {
		deps.Ledger = NewLedger(deps.Store, ModeSequential, deps.Metrics)
	}
	if deps.Locks == nil {
		deps.Locks = state.NewLocker(state.NewMemoryStore(), "", 0, 0)
	}
	if opts.KeyPolicy == "" {
		opts.KeyPolicy = idempotency.PolicyOrder
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 5 * time.Second
	}

	return &Service{
		store:     deps.Store,
		ledger:    deps.Ledger,
		rate:      deps.Rate,
		quota:     deps.Quota,
		guard:     deps.Guard,
		oracle:    deps.Oracle,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		locks:     deps.Locks,
		validator: NewValidator(opts.Limits),
		opts:      opts,
	}
}

// PlaceOrder executes a single buy or sell. Every refusal or failure is a
// *TradeError whose Reason tells the caller whether a retry is safe.
func (s *Service) PlaceOrder(ctx context.Context, req types.OrderRequest) (result *TradeResult, err error) {
	start := time.Now()
	req.Symbol = NormalizeSymbol(req.Symbol)
	logger := log.With().
		Str("user_id", req.OwnerID).
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Int64("quantity", req.Quantity).
		Logger()

	defer func() {
		outcome := "success"
		if err != nil {
			outcome = string(ReasonInternal)
			var te *TradeError
			if errors.As(err, &te) {
				outcome = string(te.Reason)
			}
			logger.Info().Str("reason", outcome).Msg("order refused")
		}
		s.metrics.OrdersTotal.WithLabelValues(sideLabel(req.Side), outcome).Inc()
		s.metrics.OrderDuration.Observe(time.Since(start).Seconds())
	}()

	allowed, err := s.rate.Allow(ctx, req.OwnerID)
	if err != nil {
		return nil, s.internal(logger, "rate limiter unavailable", err)
	}
	if !allowed {
		return nil, newTradeError(ReasonRateLimited,
			"You're trading too fast. Take a breather and try again in a minute.", nil).
			with("retry_after_seconds", int(s.rate.Window().Seconds()))
	}

	quota, err := s.quota.CheckAndPeek(ctx, req.OwnerID)
	if err != nil {
		return nil, s.internal(logger, "daily quota unavailable", err)
	}
	if !quota.Allowed {
		return nil, newTradeError(ReasonDailyLimit, quota.Reason, nil).
			with("used", quota.Used).
			with("limit", quota.Limit)
	}

	key := idempotency.KeyFor(s.opts.KeyPolicy, req)
	acquired, existing, err := s.guard.MarkPending(ctx, key)
	if err != nil {
		return nil, s.internal(logger, "idempotency guard unavailable", err)
	}
	if !acquired {
		return s.duplicate(existing)
	}

	result, err = s.execute(ctx, req, key, logger)
	// the outcome is settled even if the caller has gone away
	bg := context.WithoutCancel(ctx)
	if err != nil {
		s.settleFailure(bg, key, err, logger)
		return nil, err
	}

	if err := s.guard.MarkCompleted(bg, key, result); err != nil {
		logger.Error().Err(err).Msg("failed to cache order result")
	}
	if err := s.quota.Increment(bg, req.OwnerID); err != nil {
		logger.Error().Err(err).Msg("failed to count trade against daily quota")
	}
	s.notify(req.OwnerID, result)

	logger.Info().
		Str("reference", result.Transaction.Reference).
		Str("total_amount", result.Transaction.TotalAmount.StringFixed(2)).
		Str("new_cash_balance", result.NewCashBalance.StringFixed(2)).
		Msg("order executed")

	return result, nil
}

func (s *Service) execute(ctx context.Context, req types.OrderRequest, key string, logger zerolog.Logger) (*TradeResult, error) {
	if err := s.validator.ValidateOrder(&req); err != nil {
		return nil, err
	}

	account, err := s.store.GetAccountByOwner(ctx, req.OwnerID)
	if err != nil {
		return nil, s.internal(logger, "failed to load account", err)
	}
	if account == nil {
		return nil, newTradeError(ReasonAccountNotFound, "Open an account before placing orders", ErrAccountNotFound)
	}

	quote, err := s.oracle.Quote(ctx, req.Symbol)
	if err != nil {
		return nil, newTradeError(ReasonPriceUnavailable,
			fmt.Sprintf("We couldn't get a price for %s right now. Try again in a little while.", req.Symbol), err)
	}
	priceCents := types.ToCents(quote.Price)
	if priceCents <= 0 {
		return nil, newTradeError(ReasonPriceUnavailable,
			fmt.Sprintf("We couldn't get a price for %s right now. Try again in a little while.", req.Symbol),
			pricing.ErrPriceUnavailable)
	}
	price := types.FromCents(priceCents)

	if err := s.validator.ValidateNotional(req.Side, req.Quantity, price); err != nil {
		return nil, err
	}

	// the funds and shares checks must see the balances the write will
	// change, so no other order for this account may run in between
	release, err := s.locks.Acquire(ctx, "account:"+req.OwnerID)
	if errors.Is(err, state.ErrLockTimeout) {
		logger.Warn().Msg("account busy with another order")
		return nil, newTradeError(ReasonInternal,
			"Another one of your orders is still being processed. Try again in a moment.", err)
	}
	if err != nil {
		return nil, s.internal(logger, "failed to lock account", err)
	}
	defer release()

	account, err = s.store.GetAccountByOwner(ctx, req.OwnerID)
	if err != nil {
		return nil, s.internal(logger, "failed to load account", err)
	}
	if account == nil {
		return nil, newTradeError(ReasonAccountNotFound, "Open an account before placing orders", ErrAccountNotFound)
	}

	existing, err := s.store.GetHolding(ctx, account.ID, req.Symbol)
	if err != nil {
		return nil, s.internal(logger, "failed to load holding", err)
	}

	basis, err := ApplyCostBasis(req.Side, positionOf(existing), req.Quantity, price)
	if errors.Is(err, ErrInsufficientShares) {
		var held int64
		if existing != nil {
			held = existing.Quantity
		}
		return nil, newTradeError(ReasonInsufficientShares,
			fmt.Sprintf("You only have %d shares of %s", held, req.Symbol), err).
			with("held", held).
			with("requested", req.Quantity)
	}
	if err != nil {
		return nil, s.internal(logger, "cost basis calculation failed", err)
	}

	entry := Entry{
		OwnerID:        req.OwnerID,
		IdempotencyKey: key,
		Account:        account,
		Existing:       existing,
		Side:           req.Side,
		Symbol:         req.Symbol,
		Quantity:       req.Quantity,
		PriceCents:     priceCents,
		Basis:          basis,
	}

	if req.Side == types.SideBuy && account.CurrentCashCents+CashToleranceCents < entry.TotalCents() {
		return nil, newTradeError(ReasonInsufficientFunds,
			fmt.Sprintf("This trade costs $%s but you have $%s",
				types.FromCents(entry.TotalCents()).StringFixed(2), account.CurrentCash().StringFixed(2)), nil).
			with("required", types.FromCents(entry.TotalCents()).StringFixed(2)).
			with("available", account.CurrentCash().StringFixed(2))
	}

	outcome, err := s.ledger.Write(context.WithoutCancel(ctx), entry)
	if err != nil {
		var le *LedgerError
		if errors.As(err, &le) {
			return nil, ledgerFailure(le)
		}
		return nil, s.internal(logger, "ledger write failed", err)
	}

	return buildResult(entry, outcome, quote.DisplayName), nil
}

// settleFailure frees the idempotency key, except after a partial ledger
// write where a retry would duplicate the transaction.
func (s *Service) settleFailure(ctx context.Context, key string, err error, logger zerolog.Logger) {
	var le *LedgerError
	var te *TradeError
	if errors.As(err, &le) && le.Step != StepTransaction && errors.As(err, &te) {
		markErr := s.guard.MarkNeedsReconciliation(ctx, key, idempotency.Failure{
			Reason:   string(te.Reason),
			Message:  te.Message,
			IntentID: le.IntentID,
		})
		if markErr != nil {
			logger.Error().Err(markErr).Str("intent_id", le.IntentID).Msg("failed to park order for reconciliation")
		}
		return
	}

	if markErr := s.guard.MarkFailed(ctx, key); markErr != nil {
		logger.Error().Err(markErr).Msg("failed to release idempotency key")
	}
}

func (s *Service) duplicate(existing *idempotency.Record) (*TradeResult, error) {
	switch existing.Status {
	case idempotency.StatusCompleted:
		var cached TradeResult
		if err := existing.Decode(&cached); err != nil {
			return nil, newTradeError(ReasonInternal, "An unexpected error occurred", err)
		}
		cached.Replayed = true
		s.metrics.IdempotentReplays.Inc()
		return &cached, nil

	case idempotency.StatusNeedsReconciliation:
		te := newTradeError(ReasonLedgerHolding, partialMessage(StepHolding), nil)
		if f := existing.Failure; f != nil {
			te.Reason = Reason(f.Reason)
			te.Message = f.Message
			te.with("intent_id", f.IntentID)
		}
		return nil, te.with("status", string(existing.Status))

	default:
		return nil, newTradeError(ReasonDuplicateInFlight,
			"This order is already being processed. Hang tight.", nil)
	}
}

func (s *Service) notify(userID string, result *TradeResult) {
	trade := achievements.TradeContext{
		Reference:      result.Transaction.Reference,
		Symbol:         result.Transaction.Symbol,
		Side:           string(result.Transaction.Side),
		Quantity:       result.Transaction.Quantity,
		PricePerShare:  result.Transaction.PricePerShare,
		TotalAmount:    result.Transaction.TotalAmount,
		NewCashBalance: result.NewCashBalance,
		ExecutedAt:     result.Transaction.ExecutedAt,
	}
	if result.Holding != nil {
		trade.HoldingQuantity = result.Holding.Quantity
	}
	if result.RealizedGain != nil {
		trade.RealizedGain = *result.RealizedGain
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.metrics.NotifierFailures.Inc()
				log.Error().Interface("panic", r).Str("reason", string(ReasonAchievementCheck)).Msg("achievement notifier panicked")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), s.opts.NotifyTimeout)
		defer cancel()

		if err := s.notifier.Notify(ctx, userID, trade); err != nil {
			s.metrics.NotifierFailures.Inc()
			log.Warn().Err(err).
				Str("user_id", userID).
				Str("reference", trade.Reference).
				Str("reason", string(ReasonAchievementCheck)).
				Msg("achievement notification failed")
		}
	}()
}

// Wait blocks until in-flight achievement notifications have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// OpenAccount creates the owner's account with the configured starting cash.
// It is idempotent; the second return value is false if it already existed.
func (s *Service) OpenAccount(ctx context.Context, ownerID string) (*AccountView, bool, error) {
	cents := types.ToCents(s.opts.StartingCash)
	account := &types.Account{
		OwnerID:           ownerID,
		StartingCashCents: cents,
		CurrentCashCents:  cents,
	}
	created, err := s.store.CreateAccount(ctx, account)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open account: %w", err)
	}
	if created {
		log.Info().Str("user_id", ownerID).Str("starting_cash", account.StartingCash().StringFixed(2)).Msg("account opened")
	}
	return accountView(account), created, nil
}

// GetAccount returns the owner's account.
func (s *Service) GetAccount(ctx context.Context, ownerID string) (*AccountView, error) {
	account, err := s.store.GetAccountByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, newTradeError(ReasonAccountNotFound, "No account found", ErrAccountNotFound)
	}
	return accountView(account), nil
}

// ListTransactions returns the owner's ledger entries, newest first.
func (s *Service) ListTransactions(ctx context.Context, ownerID string, limit int) ([]TransactionView, error) {
	account, err := s.store.GetAccountByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, newTradeError(ReasonAccountNotFound, "No account found", ErrAccountNotFound)
	}

	txs, err := s.store.ListTransactions(ctx, account.ID, limit)
	if err != nil {
		return nil, err
	}
	views := make([]TransactionView, 0, len(txs))
	for i := range txs {
		views = append(views, transactionView(&txs[i]))
	}
	return views, nil
}

func (s *Service) internal(logger zerolog.Logger, msg string, err error) *TradeError {
	logger.Error().Err(err).Msg(msg)
	return newTradeError(ReasonInternal, "An unexpected error occurred", err)
}

func ledgerFailure(le *LedgerError) *TradeError {
	var te *TradeError
	switch le.Step {
	case StepHolding:
		te = newTradeError(ReasonLedgerHolding, partialMessage(StepHolding), le)
	case StepCash:
		te = newTradeError(ReasonLedgerCash, partialMessage(StepCash), le)
	default:
		te = newTradeError(ReasonLedgerTransaction,
			"We couldn't record your trade. Nothing was changed, so it is safe to try again.", le)
	}

	committed := make([]string, 0, len(le.Committed))
	for _, step := range le.Committed {
		committed = append(committed, string(step))
	}
	te.with("committed_steps", committed).with("failed_step", string(le.FailedStep))
	if le.IntentID != "" {
		te.with("intent_id", le.IntentID)
	}
	return te
}

func partialMessage(step Step) string {
	if step == StepCash {
		return "Your trade was recorded and your portfolio updated, but your cash balance was not. Please contact support and do not retry this order."
	}
	return "Your trade was recorded but your portfolio was not updated. Please contact support and do not retry this order."
}

func buildResult(e Entry, outcome *Outcome, displayName string) *TradeResult {
	verb := "Bought"
	if e.Side == types.SideSell {
		verb = "Sold"
	}

	result := &TradeResult{
		Message:        fmt.Sprintf("%s %d shares of %s", verb, e.Quantity, e.Symbol),
		DisplayName:    displayName,
		Transaction:    transactionView(&outcome.Transaction),
		NewCashBalance: types.FromCents(outcome.NewCashCents),
	}
	if h := outcome.Holding; h != nil {
		result.Holding = &HoldingView{
			Symbol:      h.Symbol,
			Quantity:    h.Quantity,
			AverageCost: h.AverageCost(),
		}
	}
	if e.Side == types.SideSell {
		gain := outcome.Basis.RealizedGain.Round(types.CurrencyPlaces)
		result.RealizedGain = &gain
	}
	return result
}

func transactionView(t *types.Transaction) TransactionView {
	return TransactionView{
		Reference:     t.Reference,
		Symbol:        t.Symbol,
		Side:          t.Side,
		Quantity:      t.Quantity,
		PricePerShare: t.PricePerShare(),
		TotalAmount:   t.TotalAmount(),
		ExecutedAt:    t.ExecutedAt,
	}
}

func accountView(a *types.Account) *AccountView {
	return &AccountView{
		OwnerID:      a.OwnerID,
		StartingCash: a.StartingCash(),
		CurrentCash:  a.CurrentCash(),
		OpenedAt:     a.CreatedAt,
	}
}

func sideLabel(side types.Side) string {
	if side.Valid() {
		return string(side)
	}
	return "invalid"
}
