package pricing

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/ksred/pocketmoney-api/internal/metrics"
	"github.com/polygon-io/client-go/rest/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	quote RawQuote
	err   error
	calls int32
	delay time.Duration
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) Fetch(ctx context.Context, symbol string) (RawQuote, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return RawQuote{}, ctx.Err()
		}
	}
	return s.quote, s.err
}

func price(f float64) *float64 { return &f }

func TestUsable(t *testing.T) {
	assert.True(t, Usable(price(0.01)))
	assert.False(t, Usable(nil))
	assert.False(t, Usable(price(0)))
	assert.False(t, Usable(price(-3)))
	assert.False(t, Usable(price(math.NaN())))
	assert.False(t, Usable(price(math.Inf(1))))
}

func TestClientClassifiesUnusablePrices(t *testing.T) {
	cases := map[string]RawQuote{
		"missing":  {},
		"zero":     {Price: price(0)},
		"negative": {Price: price(-1)},
		"nan":      {Price: price(math.NaN())},
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			m := metrics.NewUnregistered()
			c := NewClient(&stubProvider{quote: raw}, ClientConfig{Timeout: time.Second}, m)

			_, err := c.Quote(context.Background(), "ACME")
			assert.ErrorIs(t, err, ErrPriceUnavailable)
			assert.Equal(t, 1.0, testutil.ToFloat64(m.QuoteUnavailable.WithLabelValues("stub")))
		})
	}
}

func TestClientReturnsQuote(t *testing.T) {
	p := &stubProvider{quote: RawQuote{Price: price(50), DisplayName: "Acme Corp"}}
	c := NewClient(p, ClientConfig{Timeout: time.Second}, nil)

	q, err := c.Quote(context.Background(), " acme ")
	require.NoError(t, err)
	assert.Equal(t, "ACME", q.Symbol)
	assert.True(t, q.Price.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, "Acme Corp", q.DisplayName)
	assert.False(t, q.AsOf.IsZero())
}

func TestClientTimeout(t *testing.T) {
	p := &stubProvider{quote: RawQuote{Price: price(50)}, delay: time.Second}
	c := NewClient(p, ClientConfig{Timeout: 20 * time.Millisecond}, nil)

	_, err := c.Quote(context.Background(), "ACME")
	assert.ErrorIs(t, err, ErrPriceUnavailable)
}

func TestClientBreakerOpensAfterFailures(t *testing.T) {
	p := &stubProvider{err: errors.New("feed down")}
	c := NewClient(p, ClientConfig{Timeout: time.Second, MaxFailures: 3, OpenTimeout: time.Minute}, nil)

	for i := 0; i < 5; i++ {
		_, err := c.Quote(context.Background(), "ACME")
		assert.ErrorIs(t, err, ErrPriceUnavailable)
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&p.calls), "open breaker short-circuits the feed")
}

func TestClientBreakerIgnoresUnknownSymbols(t *testing.T) {
	p := &stubProvider{err: ErrSymbolNotFound}
	c := NewClient(p, ClientConfig{Timeout: time.Second, MaxFailures: 2, OpenTimeout: time.Minute}, nil)

	for i := 0; i < 4; i++ {
		_, err := c.Quote(context.Background(), "NOPE")
		assert.ErrorIs(t, err, ErrPriceUnavailable)
	}
	assert.Equal(t, int32(4), atomic.LoadInt32(&p.calls))
}

func TestSimulatedVarianceStaysInBand(t *testing.T) {
	s := NewSimulated(map[string]float64{"aapl": 100}, 0.02, 42)

	for i := 0; i < 200; i++ {
		raw, err := s.Fetch(context.Background(), "AAPL")
		require.NoError(t, err)
		require.True(t, Usable(raw.Price))
		assert.InDelta(t, 100, *raw.Price, 2.0001)
		assert.Equal(t, "Apple Inc.", raw.DisplayName)
	}
}

func TestSimulatedUnknownAndBadPrices(t *testing.T) {
	s := NewSimulated(map[string]float64{"ACME": 10}, 0.05, 1)

	_, err := s.Fetch(context.Background(), "NOPE")
	assert.ErrorIs(t, err, ErrSymbolNotFound)

	s.SetPrice("acme", 0)
	raw, err := s.Fetch(context.Background(), "ACME")
	require.NoError(t, err)
	assert.Equal(t, 0.0, *raw.Price)
}

func TestSimulatedHonoursContext(t *testing.T) {
	s := NewSimulated(map[string]float64{"ACME": 10}, 0, 1).WithLatency(time.Second, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := s.Fetch(ctx, "ACME")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type fakePolygon struct {
	res *models.GetPreviousCloseAggResponse
	err error
	got *models.GetPreviousCloseAggParams
}

func (f *fakePolygon) GetPreviousCloseAgg(_ context.Context, params *models.GetPreviousCloseAggParams, _ ...models.RequestOption) (*models.GetPreviousCloseAggResponse, error) {
	f.got = params
	return f.res, f.err
}

func TestPolygonPreviousClose(t *testing.T) {
	f := &fakePolygon{res: &models.GetPreviousCloseAggResponse{
		Results: []models.Agg{{Close: 189.5}},
	}}
	p := newPolygonWithClient(f)

	raw, err := p.Fetch(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 189.5, *raw.Price)
	assert.Equal(t, "AAPL", f.got.Ticker)

	f.res = &models.GetPreviousCloseAggResponse{}
	_, err = p.Fetch(context.Background(), "ZZZZ")
	assert.ErrorIs(t, err, ErrSymbolNotFound)
}

func TestNewPolygonRequiresKey(t *testing.T) {
	_, err := NewPolygon("")
	assert.Error(t, err)
}

type fakeAlpaca struct {
	trade *marketdata.Trade
	err   error
}

func (f *fakeAlpaca) GetLatestTrade(string, marketdata.GetLatestTradeRequest) (*marketdata.Trade, error) {
	return f.trade, f.err
}

func TestAlpacaLatestTrade(t *testing.T) {
	ts := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	a := &Alpaca{client: &fakeAlpaca{trade: &marketdata.Trade{Price: 411.25, Timestamp: ts}}, feed: "iex"}

	raw, err := a.Fetch(context.Background(), "MSFT")
	require.NoError(t, err)
	assert.Equal(t, 411.25, *raw.Price)
	assert.Equal(t, ts, raw.AsOf)

	a.client = &fakeAlpaca{err: errors.New("forbidden")}
	_, err = a.Fetch(context.Background(), "MSFT")
	assert.Error(t, err)
}
