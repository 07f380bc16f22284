// Package agent runs the FinanceGPT assistant: it prefetches market data for
// the symbols a question mentions and streams the model's answer.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/financegpt/backend/internal/model/chat"
	"github.com/financegpt/backend/internal/service/market"
	"github.com/financegpt/backend/internal/symbols"
	"github.com/financegpt/backend/pkg/protocol"
)

// ErrEmptyQuery is returned for a turn without content.
var ErrEmptyQuery = errors.New("query is empty")

// Turn is one question put to the assistant.
type Turn struct {
	// History holds earlier turns, oldest first.
	History []chat.Message
	Query   chat.Message
	// OnTool, if set, observes market lookups. It may be called concurrently.
	OnTool func(protocol.ToolCallData)
}

// Agent is safe for concurrent use.
type Agent struct {
	chain  compose.Runnable[map[string]any, *schema.Message]
	market market.Provider
	known  symbols.Known
	now    func() time.Time
	logger zerolog.Logger

	maxSymbols      int
	historyLimit    int
	toolConcurrency int
}

// Option configures an Agent.
type Option func(*Agent)

// WithMarket enables market data prefetching.
func WithMarket(p market.Provider) Option {
	return func(a *Agent) { a.market = p }
}

// WithSymbols replaces the watchlist used to spot tickers.
func WithSymbols(known symbols.Known) Option {
	return func(a *Agent) { a.known = known }
}

// WithClock overrides the clock used for the date in the prompt.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

// WithHistoryLimit caps the turns passed to the model.
func WithHistoryLimit(n int) Option {
	return func(a *Agent) { a.historyLimit = n }
}

// New compiles the prompt chain around chatModel.
func New(ctx context.Context, chatModel model.ChatModel, opts ...Option) (*Agent, error) {
	if chatModel == nil {
		return nil, errors.New("chat model is required")
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile agent chain: %w", err)
	}

	a := &Agent{
		chain:           runnable,
		known:           symbols.DefaultKnown(),
		now:             time.Now,
		logger:          log.With().Str("component", "agent").Logger(),
		maxSymbols:      3,
		historyLimit:    20,
		toolConcurrency: 4,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Symbols returns the known tickers mentioned in text.
func (a *Agent) Symbols(text string) []string {
	return symbols.ExtractKnown(text, a.known)
}

// Generate answers the turn in one piece.
func (a *Agent) Generate(ctx context.Context, turn Turn) (string, error) {
	input, err := a.prepare(ctx, turn)
	if err != nil {
		return "", err
	}

	response, err := a.chain.Invoke(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to run agent chain: %w", err)
	}

	a.logger.Info().Int("length", len(response.Content)).Msg("generated response")
	return response.Content, nil
}

// Stream answers the turn as a sequence of content deltas. Market data is
// fetched before the call returns.
func (a *Agent) Stream(ctx context.Context, turn Turn) (iter.Seq2[string, error], error) {
	input, err := a.prepare(ctx, turn)
	if err != nil {
		return nil, err
	}

	stream, err := a.chain.Stream(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to stream agent chain output: %w", err)
	}

	return func(yield func(string, error) bool) {
		defer stream.Close()
		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", fmt.Errorf("stream recv: %w", err))
				return
			}
			if chunk == nil || chunk.Content == "" {
				continue
			}
			if !yield(chunk.Content, nil) {
				return
			}
		}
	}, nil
}

func (a *Agent) prepare(ctx context.Context, turn Turn) (map[string]any, error) {
	if turn.Query.Content == "" {
		return nil, ErrEmptyQuery
	}

	tickers := a.Symbols(turn.Query.Content)
	if len(tickers) > a.maxSymbols {
		tickers = tickers[:a.maxSymbols]
	}
	marketData, err := a.gatherMarketData(ctx, tickers, turn.OnTool)
	if err != nil {
		return nil, err
	}

	a.logger.Debug().
		Int("history", len(turn.History)).
		Strs("symbols", tickers).
		Msg("prepared turn")

	return map[string]any{
		"system":  buildSystemPrompt(a.now(), marketData),
		"history": buildHistoryMessages(turn.History, a.historyLimit),
		"query":   labelled(turn.Query),
	}, nil
}
