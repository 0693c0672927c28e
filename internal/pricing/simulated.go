package pricing

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Simulated is an in-process price feed for local runs and tests. Each quote
// is the symbol's base price with a random variance applied.
type Simulated struct {
	mu         sync.Mutex
	rng        *rand.Rand
	prices     map[string]float64
	names      map[string]string
	volatility float64 // 0-1, maximum fractional move per quote
	minLatency time.Duration
	maxLatency time.Duration
}

var defaultDisplayNames = map[string]string{
	"AAPL":  "Apple Inc.",
	"MSFT":  "Microsoft Corporation",
	"GOOGL": "Alphabet Inc.",
	"AMZN":  "Amazon.com, Inc.",
	"DIS":   "The Walt Disney Company",
}

// NewSimulated creates a feed seeded with base prices keyed by symbol.
func NewSimulated(prices map[string]float64, volatility float64, seed int64) *Simulated {
	s := &Simulated{
		rng:        rand.New(rand.NewSource(seed)),
		prices:     make(map[string]float64, len(prices)),
		names:      make(map[string]string, len(prices)),
		volatility: volatility,
	}
	for sym, p := range prices {
		sym = strings.ToUpper(sym)
		s.prices[sym] = p
		if name, ok := defaultDisplayNames[sym]; ok {
			s.names[sym] = name
		}
	}
	return s
}

// WithLatency makes every quote sleep a random duration in [min, max].
func (s *Simulated) WithLatency(min, max time.Duration) *Simulated {
	s.minLatency = min
	s.maxLatency = max
	return s
}

// SetPrice replaces the base price for symbol. Zero, negative and NaN
// prices are stored as given so callers can exercise the unusable path.
func (s *Simulated) SetPrice(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[strings.ToUpper(symbol)] = price
}

func (s *Simulated) Name() string { return "simulated" }

// Fetch returns the base price with variance applied.
func (s *Simulated) Fetch(ctx context.Context, symbol string) (RawQuote, error) {
	logger := log.With().
		Str("provider", "simulated").
		Str("symbol", symbol).
		Logger()

	s.mu.Lock()
	base, ok := s.prices[symbol]
	name := s.names[symbol]
	variance := 0.0
	if s.volatility > 0 {
		variance = s.rng.Float64()*2*s.volatility - s.volatility
	}
	var latency time.Duration
	if s.maxLatency > s.minLatency {
		latency = s.minLatency + time.Duration(s.rng.Int63n(int64(s.maxLatency-s.minLatency)+1))
	} else {
		latency = s.minLatency
	}
	s.mu.Unlock()

	if latency > 0 {
		logger.Debug().Dur("latency", latency).Msg("simulated feed latency")
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return RawQuote{}, ctx.Err()
		}
	}

	if !ok {
		return RawQuote{}, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}

	price := base
	// only usable prices move; bad ones pass through untouched
	if Usable(&base) {
		price = base * (1 + variance)
		logger.Debug().
			Float64("base_price", base).
			Float64("quoted_price", price).
			Msg("price variance applied")
	}

	return RawQuote{
		Price:       &price,
		DisplayName: name,
		AsOf:        time.Now(),
	}, nil
}
