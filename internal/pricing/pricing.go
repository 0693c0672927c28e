package pricing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ksred/pocketmoney-api/internal/metrics"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
)

var (
	// ErrPriceUnavailable is returned for every quote that cannot be traded on.
	ErrPriceUnavailable = errors.New("price unavailable")
	// ErrSymbolNotFound is returned by providers that do not know the symbol.
	ErrSymbolNotFound = errors.New("symbol not found")
)

// RawQuote is what a provider returns. Price is nil when the feed had none.
type RawQuote struct {
	Price       *float64
	DisplayName string
	AsOf        time.Time
}

// Provider fetches quotes from one external feed.
type Provider interface {
	Name() string
	Fetch(ctx context.Context, symbol string) (RawQuote, error)
}

// Quote is a price the engine may trade on.
type Quote struct {
	Symbol      string          `json:"symbol"`
	Price       decimal.Decimal `json:"price"`
	DisplayName string          `json:"display_name,omitempty"`
	AsOf        time.Time       `json:"as_of"`
}

// Oracle is the engine's view of the price feed.
type Oracle interface {
	Quote(ctx context.Context, symbol string) (Quote, error)
}

// Usable reports whether p is a finite, positive price.
func Usable(p *float64) bool {
	return p != nil && !math.IsNaN(*p) && !math.IsInf(*p, 0) && *p > 0
}

// ClientConfig tunes the oracle client.
type ClientConfig struct {
	Timeout     time.Duration
	MaxFailures uint32
	OpenTimeout time.Duration
}

// Client wraps a Provider with a deadline, a circuit breaker and the
// usable-price classification.
type Client struct {
	provider Provider
	timeout  time.Duration
	breaker  *gobreaker.CircuitBreaker
	metrics  *metrics.Metrics
}

var _ Oracle = (*Client)(nil)

// NewClient creates an oracle client around provider.
func NewClient(provider Provider, cfg ClientConfig, m *metrics.Metrics) *Client {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "pricing-" + provider.Name(),
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		// unknown symbols say nothing about the health of the feed
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrSymbolNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("price feed circuit breaker changed state")
		},
	})

	return &Client{
		provider: provider,
		timeout:  cfg.Timeout,
		breaker:  breaker,
		metrics:  m,
	}
}

// Quote fetches the current price for symbol. Errors, timeouts, an open
// breaker and non-positive or non-finite prices all yield ErrPriceUnavailable.
func (c *Client) Quote(ctx context.Context, symbol string) (Quote, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	logger := log.With().
		Str("symbol", symbol).
		Str("provider", c.provider.Name()).
		Logger()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.provider.Fetch(ctx, symbol)
	})
	c.metrics.QuoteDuration.WithLabelValues(c.provider.Name()).Observe(time.Since(start).Seconds())

	if err != nil {
		c.metrics.QuoteUnavailable.WithLabelValues(c.provider.Name()).Inc()
		logger.Warn().Err(err).Msg("quote fetch failed")
		return Quote{}, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}

	raw := res.(RawQuote)
	if !Usable(raw.Price) {
		c.metrics.QuoteUnavailable.WithLabelValues(c.provider.Name()).Inc()
		logger.Warn().Msg("quote has no usable price")
		return Quote{}, fmt.Errorf("%w: no positive price for %s", ErrPriceUnavailable, symbol)
	}

	asOf := raw.AsOf
	if asOf.IsZero() {
		asOf = time.Now()
	}
	name := raw.DisplayName
	if name == "" {
		name = symbol
	}

	return Quote{
		Symbol:      symbol,
		Price:       decimal.NewFromFloat(*raw.Price),
		DisplayName: name,
		AsOf:        asOf,
	}, nil
}
