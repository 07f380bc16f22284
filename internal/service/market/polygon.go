// Package market fetches quotes, price history, news and financials from the
// Polygon.io REST API.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrNotConfigured is returned by every call when no API key is set.
var ErrNotConfigured = errors.New("market data is not configured: set POLYGON_API_KEY")

// ErrInvalidTicker rejects symbols that cannot be a ticker.
var ErrInvalidTicker = errors.New("invalid ticker")

// APIError is a non-2xx answer from the provider.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("polygon: status %d: %s", e.StatusCode, e.Message)
}

// Provider is the market data surface used by the agent and the HTTP proxy.
type Provider interface {
	Quote(ctx context.Context, ticker string) (Quote, error)
	History(ctx context.Context, ticker string, from, to time.Time) ([]Bar, error)
	News(ctx context.Context, ticker string, limit int) ([]Article, error)
	Financials(ctx context.Context, ticker string) (json.RawMessage, error)
}

var _ Provider = (*Client)(nil)

// Quote summarises the latest session.
type Quote struct {
	Ticker        string  `json:"ticker"`
	Name          string  `json:"name"`
	Price         float64 `json:"price"`
	Open          float64 `json:"open"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Volume        float64 `json:"volume"`
	PreviousClose float64 `json:"previousClose"`
}

// Bar is one daily aggregate.
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Article is one news item.
type Article struct {
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Publisher   string    `json:"publisher"`
	PublishedAt time.Time `json:"publishedAt"`
	Summary     string    `json:"summary,omitempty"`
	Tickers     []string  `json:"tickers,omitempty"`
}

const dateLayout = "2006-01-02"

// Client talks to Polygon.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
}

// NewClient creates a client. An empty apiKey yields a client whose calls
// return ErrNotConfigured.
func NewClient(apiKey, baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    hc,
		logger:  log.With().Str("component", "market").Logger(),
	}
}

// NormalizeTicker upper-cases and validates a ticker.
func NormalizeTicker(ticker string) (string, error) {
	t := strings.ToUpper(strings.TrimSpace(ticker))
	if t == "" || len(t) > 10 {
		return "", ErrInvalidTicker
	}
	for _, r := range t {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '.' && r != '-' {
			return "", ErrInvalidTicker
		}
	}
	return t, nil
}

type aggsResponse struct {
	Results []struct {
		Open   float64 `json:"o"`
		High   float64 `json:"h"`
		Low    float64 `json:"l"`
		Close  float64 `json:"c"`
		Volume float64 `json:"v"`
		Millis int64   `json:"t"`
	} `json:"results"`
}

func (c *Client) Quote(ctx context.Context, ticker string) (Quote, error) {
	t, err := NormalizeTicker(ticker)
	if err != nil {
		return Quote{}, err
	}

	var prev aggsResponse
	if err := c.get(ctx, "/v2/aggs/ticker/"+url.PathEscape(t)+"/prev", nil, &prev); err != nil {
		return Quote{}, errors.Wrapf(err, "previous close for %s", t)
	}
	if len(prev.Results) == 0 {
		return Quote{}, errors.Errorf("no price data for %s", t)
	}
	bar := prev.Results[0]
	q := Quote{
		Ticker:        t,
		Name:          t,
		Price:         bar.Close,
		Open:          bar.Open,
		High:          bar.High,
		Low:           bar.Low,
		Volume:        bar.Volume,
		PreviousClose: bar.Close,
	}

	var details struct {
		Results struct {
			Name string `json:"name"`
		} `json:"results"`
	}
	if err := c.get(ctx, "/v3/reference/tickers/"+url.PathEscape(t), nil, &details); err != nil {
		c.logger.Debug().Err(err).Str("ticker", t).Msg("ticker details unavailable")
	} else if details.Results.Name != "" {
		q.Name = details.Results.Name
	}
	return q, nil
}

func (c *Client) History(ctx context.Context, ticker string, from, to time.Time) ([]Bar, error) {
	t, err := NormalizeTicker(ticker)
	if err != nil {
		return nil, err
	}
	if to.Before(from) {
		return nil, errors.Errorf("history range ends before it starts: %s > %s", from.Format(dateLayout), to.Format(dateLayout))
	}

	path := fmt.Sprintf("/v2/aggs/ticker/%s/range/1/day/%s/%s", url.PathEscape(t), from.Format(dateLayout), to.Format(dateLayout))
	var resp aggsResponse
	if err := c.get(ctx, path, url.Values{"adjusted": {"true"}, "sort": {"asc"}}, &resp); err != nil {
		return nil, errors.Wrapf(err, "history for %s", t)
	}

	bars := make([]Bar, 0, len(resp.Results))
	for _, r := range resp.Results {
		bars = append(bars, Bar{
			Time:   time.UnixMilli(r.Millis).UTC(),
			Open:   r.Open,
			High:   r.High,
			Low:    r.Low,
			Close:  r.Close,
			Volume: r.Volume,
		})
	}
	return bars, nil
}

func (c *Client) News(ctx context.Context, ticker string, limit int) ([]Article, error) {
	t, err := NormalizeTicker(ticker)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 5
	}

	var resp struct {
		Results []struct {
			Title        string    `json:"title"`
			ArticleURL   string    `json:"article_url"`
			PublishedUTC time.Time `json:"published_utc"`
			Description  string    `json:"description"`
			Tickers      []string  `json:"tickers"`
			Publisher    struct {
				Name string `json:"name"`
			} `json:"publisher"`
		} `json:"results"`
	}
	query := url.Values{"ticker": {t}, "limit": {strconv.Itoa(limit)}, "order": {"desc"}}
	if err := c.get(ctx, "/v2/reference/news", query, &resp); err != nil {
		return nil, errors.Wrapf(err, "news for %s", t)
	}

	articles := make([]Article, 0, len(resp.Results))
	for _, r := range resp.Results {
		articles = append(articles, Article{
			Title:       r.Title,
			URL:         r.ArticleURL,
			Publisher:   r.Publisher.Name,
			PublishedAt: r.PublishedUTC,
			Summary:     r.Description,
			Tickers:     r.Tickers,
		})
	}
	return articles, nil
}

func (c *Client) Financials(ctx context.Context, ticker string) (json.RawMessage, error) {
	t, err := NormalizeTicker(ticker)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Results json.RawMessage `json:"results"`
	}
	if err := c.get(ctx, "/v2/reference/financials/"+url.PathEscape(t), url.Values{"limit": {"4"}}, &resp); err != nil {
		return nil, errors.Wrapf(err, "financials for %s", t)
	}
	if len(resp.Results) == 0 {
		return json.RawMessage("[]"), nil
	}
	return resp.Results, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	if c.apiKey == "" {
		return ErrNotConfigured
	}
	if query == nil {
		query = url.Values{}
	}
	query.Set("apiKey", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		var payload struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &payload) == nil {
			if payload.Error != "" {
				msg = payload.Error
			} else if payload.Message != "" {
				msg = payload.Message
			}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}
