// Package quote looks up current equity prices from the external
// quote API.
package quote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ErrUnknownSymbol means the provider has no listing for the symbol.
var ErrUnknownSymbol = errors.New("unknown symbol")

// Quote is the oracle's answer for one symbol.
type Quote struct {
	Symbol string
	Name   string
	Price  decimal.Decimal
}

// Provider resolves ticker symbols to current quotes.
type Provider interface {
	Lookup(ctx context.Context, symbol string) (Quote, error)
}

// Client queries an IEX-style REST quote endpoint:
// GET {base}/stock/{symbol}/quote?token={token}.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
	log     *logrus.Logger
}

func NewClient(baseURL, token string, log *logrus.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpc:   &http.Client{Timeout: 10 * time.Second},
		log:     log,
	}
}

type quotePayload struct {
	Symbol      string  `json:"symbol"`
	CompanyName string  `json:"companyName"`
	LatestPrice float64 `json:"latestPrice"`
}

func (c *Client) Lookup(ctx context.Context, symbol string) (Quote, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	u := fmt.Sprintf("%s/stock/%s/quote?token=%s", c.baseURL, url.PathEscape(symbol), url.QueryEscape(c.token))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Quote{}, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("quote lookup %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Quote{}, fmt.Errorf("quote lookup %s: %w", symbol, ErrUnknownSymbol)
	}
	if resp.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("quote lookup %s: unexpected status %d", symbol, resp.StatusCode)
	}

	var p quotePayload
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return Quote{}, fmt.Errorf("quote lookup %s: decode: %w", symbol, err)
	}
	if p.Symbol == "" {
		return Quote{}, fmt.Errorf("quote lookup %s: %w", symbol, ErrUnknownSymbol)
	}

	c.log.Debugf("quote %s: %s @ %.2f", p.Symbol, p.CompanyName, p.LatestPrice)
	return Quote{
		Symbol: strings.ToUpper(p.Symbol),
		Name:   p.CompanyName,
		Price:  decimal.NewFromFloat(p.LatestPrice),
	}, nil
}
