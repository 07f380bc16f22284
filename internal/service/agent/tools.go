package agent

import (
	"context"
	"encoding/json"

	"golang.org/x/sync/errgroup"

	"github.com/financegpt/backend/pkg/protocol"
)

// Tool names reported in tool_call envelopes.
const (
	ToolQuote      = "stock_quote"
	ToolNews       = "stock_news"
	ToolHistory    = "stock_price_history"
	ToolFinancials = "stock_financials"
)

const (
	newsPerSymbol = 3
	historyDays   = 30
)

type symbolData struct {
	Quote      any `json:"quote"`
	News       any `json:"news"`
	History    any `json:"history"`
	Financials any `json:"financials"`
}

type toolFailure struct {
	Error string `json:"error"`
}

// gatherMarketData fetches a quote, recent news, the last month of daily bars
// and the latest financials for every symbol concurrently. Lookup failures are recorded in the result instead of failing the
// turn; only cancellation of ctx is returned. onTool is called from several
// goroutines.
func (a *Agent) gatherMarketData(ctx context.Context, tickers []string, onTool func(protocol.ToolCallData)) (string, error) {
	if len(tickers) == 0 || a.market == nil {
		return "", nil
	}
	if onTool == nil {
		onTool = func(protocol.ToolCallData) {}
	}

	to := a.now().UTC()
	from := to.AddDate(0, 0, -historyDays)

	results := make([]symbolData, len(tickers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.toolConcurrency)

	for i, ticker := range tickers {
		g.Go(func() error {
			results[i].Quote = a.runTool(gctx, ToolQuote, ticker, onTool, func(ctx context.Context) (any, error) {
				return a.market.Quote(ctx, ticker)
			})
			return gctx.Err()
		})
		g.Go(func() error {
			results[i].News = a.runTool(gctx, ToolNews, ticker, onTool, func(ctx context.Context) (any, error) {
				return a.market.News(ctx, ticker, newsPerSymbol)
			})
			return gctx.Err()
		})
		g.Go(func() error {
			results[i].History = a.runTool(gctx, ToolHistory, ticker, onTool, func(ctx context.Context) (any, error) {
				return a.market.History(ctx, ticker, from, to)
			})
			return gctx.Err()
		})
		g.Go(func() error {
			results[i].Financials = a.runTool(gctx, ToolFinancials, ticker, onTool, func(ctx context.Context) (any, error) {
				return a.market.Financials(ctx, ticker)
			})
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	bySymbol := make(map[string]symbolData, len(tickers))
	for i, ticker := range tickers {
		bySymbol[ticker] = results[i]
	}
	raw, err := json.MarshalIndent(bySymbol, "", "  ")
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (a *Agent) runTool(ctx context.Context, tool, ticker string, onTool func(protocol.ToolCallData), call func(context.Context) (any, error)) any {
	onTool(protocol.ToolCallData{Tool: tool, Symbol: ticker, Status: protocol.ToolStarted})

	out, err := call(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Str("tool", tool).Str("ticker", ticker).Msg("market lookup failed")
		onTool(protocol.ToolCallData{Tool: tool, Symbol: ticker, Status: protocol.ToolFailed, Error: err.Error()})
		return toolFailure{Error: err.Error()}
	}

	onTool(protocol.ToolCallData{Tool: tool, Symbol: ticker, Status: protocol.ToolSucceeded})
	return out
}
