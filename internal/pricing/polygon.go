package pricing

import (
	"context"
	"fmt"
	"time"

	polygon "github.com/polygon-io/client-go/rest"
	"github.com/polygon-io/client-go/rest/models"
)

// polygonAggsAPI is the slice of the Polygon REST client we use, kept narrow
// so tests can substitute it.
type polygonAggsAPI interface {
	GetPreviousCloseAgg(ctx context.Context, params *models.GetPreviousCloseAggParams, options ...models.RequestOption) (*models.GetPreviousCloseAggResponse, error)
}

// Polygon quotes the previous session close from Polygon.io.
type Polygon struct {
	client polygonAggsAPI
}

// NewPolygon creates a Polygon provider.
func NewPolygon(apiKey string) (*Polygon, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("polygon api key is required")
	}
	return &Polygon{client: polygon.New(apiKey)}, nil
}

func newPolygonWithClient(client polygonAggsAPI) *Polygon {
	return &Polygon{client: client}
}

func (p *Polygon) Name() string { return "polygon" }

func (p *Polygon) Fetch(ctx context.Context, symbol string) (RawQuote, error) {
	adjusted := true
	res, err := p.client.GetPreviousCloseAgg(ctx, &models.GetPreviousCloseAggParams{
		Ticker:   symbol,
		Adjusted: &adjusted,
	})
	if err != nil {
		return RawQuote{}, fmt.Errorf("polygon previous close %s: %w", symbol, err)
	}
	if res == nil || len(res.Results) == 0 {
		return RawQuote{}, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}

	bar := res.Results[0]
	closePrice := bar.Close
	return RawQuote{
		Price:       &closePrice,
		DisplayName: symbol,
		AsOf:        time.Time(bar.Timestamp),
	}, nil
}
