package pricing

import (
	"context"
	"fmt"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
)

type alpacaTradesAPI interface {
	GetLatestTrade(symbol string, req marketdata.GetLatestTradeRequest) (*marketdata.Trade, error)
}

// AlpacaConfig holds the Alpaca market data credentials.
type AlpacaConfig struct {
	APIKey    string
	APISecret string
	DataURL   string
	Feed      string
}

// Alpaca quotes the latest trade price from Alpaca market data.
type Alpaca struct {
	client alpacaTradesAPI
	feed   string
}

// NewAlpaca creates an Alpaca provider.
func NewAlpaca(cfg AlpacaConfig) (*Alpaca, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("alpaca api key and secret are required")
	}
	opts := marketdata.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
	}
	if cfg.DataURL != "" {
		opts.BaseURL = cfg.DataURL
	}
	feed := cfg.Feed
	if feed == "" {
		feed = "iex"
	}
	return &Alpaca{client: marketdata.NewClient(opts), feed: feed}, nil
}

func (a *Alpaca) Name() string { return "alpaca" }

// Fetch calls the blocking Alpaca client on its own goroutine so the
// caller's deadline still applies.
func (a *Alpaca) Fetch(ctx context.Context, symbol string) (RawQuote, error) {
	type result struct {
		trade *marketdata.Trade
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		trade, err := a.client.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{
			Feed: marketdata.Feed(a.feed),
		})
		ch <- result{trade: trade, err: err}
	}()

	select {
	case <-ctx.Done():
		return RawQuote{}, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return RawQuote{}, fmt.Errorf("alpaca latest trade %s: %w", symbol, res.err)
		}
		if res.trade == nil {
			return RawQuote{}, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
		}
		price := res.trade.Price
		return RawQuote{
			Price:       &price,
			DisplayName: symbol,
			AsOf:        res.trade.Timestamp,
		}, nil
	}
}
