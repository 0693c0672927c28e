package portfolio

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/pocketmoney-api/internal/pricing"
	"github.com/ksred/pocketmoney-api/internal/trading"
	"github.com/ksred/pocketmoney-api/internal/types"
	"github.com/ksred/pocketmoney-api/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Reader is the read side of the ledger store.
type Reader interface {
	GetAccountByOwner(ctx context.Context, ownerID string) (*types.Account, error)
	ListHoldings(ctx context.Context, accountID uint) ([]types.Holding, error)
}

// Position is one holding valued at the current quote. Price fields are nil
// when no usable quote could be fetched.
type Position struct {
	Symbol         string           `json:"symbol"`
	DisplayName    string           `json:"displayName,omitempty"`
	Quantity       int64            `json:"quantity"`
	AverageCost    decimal.Decimal  `json:"averageCost"`
	CostBasis      decimal.Decimal  `json:"costBasis"`
	CurrentPrice   *decimal.Decimal `json:"currentPrice"`
	MarketValue    *decimal.Decimal `json:"marketValue"`
	UnrealizedGain *decimal.Decimal `json:"unrealizedGain"`
	PriceAvailable bool             `json:"priceAvailable"`
}

// Summary is the owner's whole practice portfolio.
type Summary struct {
	OwnerID       string          `json:"ownerId"`
	StartingCash  decimal.Decimal `json:"startingCash"`
	Cash          decimal.Decimal `json:"cash"`
	HoldingsValue decimal.Decimal `json:"holdingsValue"`
	TotalValue    decimal.Decimal `json:"totalValue"`
	TotalReturn   decimal.Decimal `json:"totalReturn"`

	// TotalReturnPercent is TotalReturn over StartingCash, in percent.
	TotalReturnPercent decimal.Decimal `json:"totalReturnPercent"`

	// PricesComplete is false when at least one holding is valued at cost
	// because its quote was unavailable.
	PricesComplete bool       `json:"pricesComplete"`
	Positions      []Position `json:"positions"`
	AsOf           time.Time  `json:"asOf"`
}

// Service builds portfolio summaries from the ledger and live quotes.
type Service struct {
	store  Reader
	oracle pricing.Oracle
	now    func() time.Time
}

func NewService(store Reader, oracle pricing.Oracle) *Service {
	return &Service{store: store, oracle: oracle, now: time.Now}
}

// Summary values every holding of ownerID at its current price.
func (s *Service) Summary(ctx context.Context, ownerID string) (*Summary, error) {
	logger := log.With().
		Str("user_id", ownerID).
		Str("service", "portfolio").
		Logger()

	account, err := s.store.GetAccountByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch account: %w", err)
	}
	if account == nil {
		return nil, &trading.TradeError{
			Reason:  trading.ReasonAccountNotFound,
			Message: "No account found",
			Cause:   trading.ErrAccountNotFound,
		}
	}

	holdings, err := s.store.ListHoldings(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch holdings: %w", err)
	}

	summary := &Summary{
		OwnerID:        ownerID,
		StartingCash:   account.StartingCash(),
		Cash:           account.CurrentCash(),
		HoldingsValue:  decimal.Zero,
		PricesComplete: true,
		Positions:      make([]Position, 0, len(holdings)),
		AsOf:           s.now().UTC(),
	}

	for i := range holdings {
		h := &holdings[i]
		qty := decimal.NewFromInt(h.Quantity)
		pos := Position{
			Symbol:      h.Symbol,
			Quantity:    h.Quantity,
			AverageCost: h.AverageCost(),
			CostBasis:   h.AverageCost().Mul(qty),
		}

		quote, err := s.oracle.Quote(ctx, h.Symbol)
		if err != nil {
			logger.Warn().Err(err).Str("symbol", h.Symbol).Msg("holding valued at cost, quote unavailable")
			summary.PricesComplete = false
			summary.HoldingsValue = summary.HoldingsValue.Add(pos.CostBasis)
			summary.Positions = append(summary.Positions, pos)
			continue
		}

		price := quote.Price.Round(types.CurrencyPlaces)
		value := price.Mul(qty)
		gain := value.Sub(pos.CostBasis)
		pos.DisplayName = quote.DisplayName
		pos.CurrentPrice = &price
		pos.MarketValue = &value
		pos.UnrealizedGain = &gain
		pos.PriceAvailable = true

		summary.HoldingsValue = summary.HoldingsValue.Add(value)
		summary.Positions = append(summary.Positions, pos)
	}

	summary.TotalValue = summary.Cash.Add(summary.HoldingsValue)
	summary.TotalReturn = summary.TotalValue.Sub(summary.StartingCash)
	if summary.StartingCash.IsPositive() {
		summary.TotalReturnPercent = summary.TotalReturn.
			Div(summary.StartingCash).
			Mul(decimal.NewFromInt(100)).
			Round(types.CurrencyPlaces)
	}

	logger.Debug().
		Int("positions", len(summary.Positions)).
		Str("total_value", summary.TotalValue.StringFixed(2)).
		Bool("prices_complete", summary.PricesComplete).
		Msg("built portfolio summary")

	return summary, nil
}

// GinHandlers contains HTTP handlers for portfolio endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// SummaryHandler handles GET /portfolio
func (h *GinHandlers) SummaryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")
		if userID == "" {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		summary, err := h.service.Summary(c.Request.Context(), userID)
		response.Handle(c, summary, err)
	}
}
