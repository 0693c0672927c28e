package trading

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ksred/pocketmoney-api/internal/types"
	"github.com/shopspring/decimal"
)

var tickerPattern = regexp.MustCompile(`^[A-Z][A-Z0-9.\-]*$`)

// Limits are the per-trade parental controls. Zero disables a cap.
type Limits struct {
	MaxShares       int64
	MaxValue        decimal.Decimal
	MaxSymbolLength int
}

// Validator runs the pre-write checks on an order. It performs no I/O.
type Validator struct {
	limits   Limits
	validate *validator.Validate
}

// NewValidator creates a validator enforcing limits.
func NewValidator(limits Limits) *Validator {
	if limits.MaxSymbolLength <= 0 {
		limits.MaxSymbolLength = 10
	}
	v := validator.New()
	// registration only fails on an empty tag or nil func
	_ = v.RegisterValidation("ticker", func(fl validator.FieldLevel) bool {
		return tickerPattern.MatchString(fl.Field().String())
	})
	return &Validator{limits: limits, validate: v}
}

// NormalizeSymbol trims and upper-cases a ticker.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// ValidateOrder checks symbol, side and quantity. The symbol is normalised
// in place.
func (v *Validator) ValidateOrder(req *types.OrderRequest) error {
	req.Symbol = NormalizeSymbol(req.Symbol)

	rules := fmt.Sprintf("required,max=%d,ticker", v.limits.MaxSymbolLength)
	if err := v.validate.Var(req.Symbol, rules); err != nil {
		return validationFailure("symbol", err, symbolMessage(err, v.limits.MaxSymbolLength))
	}

	if err := v.validate.Var(string(req.Side), "oneof=BUY SELL"); err != nil {
		return validationFailure("side", err, "Side must be BUY or SELL")
	}

	rules = "gt=0"
	if v.limits.MaxShares > 0 {
		rules = fmt.Sprintf("gt=0,lte=%d", v.limits.MaxShares)
	}
	if err := v.validate.Var(req.Quantity, rules); err != nil {
		msg := "Quantity must be a whole number greater than zero"
		if failedTag(err) == "lte" {
			msg = fmt.Sprintf("You can trade at most %d shares at a time", v.limits.MaxShares)
		}
		return validationFailure("quantity", err, msg)
	}

	return nil
}

// ValidateNotional enforces the per-trade value cap on buys. Sells are never
// capped so a position can always be closed, but no order may total more
// cents than fit in an int64.
func (v *Validator) ValidateNotional(side types.Side, quantity int64, price decimal.Decimal) error {
	if cents := types.ToCents(price); cents > 0 && quantity > math.MaxInt64/cents {
		return newTradeError(ReasonValidation, "This trade is too large to process", nil).
			with("field", "quantity").
			with("rule", "max_total")
	}

	if side != types.SideBuy || v.limits.MaxValue.IsZero() {
		return nil
	}
	notional := price.Mul(decimal.NewFromInt(quantity))
	if notional.GreaterThan(v.limits.MaxValue) {
		return newTradeError(ReasonValidation,
			fmt.Sprintf("This trade is worth %s, above the %s limit per trade",
				notional.StringFixed(2), v.limits.MaxValue.StringFixed(2)), nil).
			with("field", "notional").
			with("rule", "max_value").
			with("limit", v.limits.MaxValue.StringFixed(2))
	}
	return nil
}

func failedTag(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return verrs[0].Tag()
	}
	return ""
}

func symbolMessage(err error, maxLen int) string {
	switch failedTag(err) {
	case "required":
		return "Symbol is required"
	case "max":
		return fmt.Sprintf("Symbol must be at most %d characters", maxLen)
	default:
		return "Symbol is not a valid ticker"
	}
}

func validationFailure(field string, err error, message string) *TradeError {
	return newTradeError(ReasonValidation, message, nil).
		with("field", field).
		with("rule", failedTag(err))
}
