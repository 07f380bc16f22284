package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/financegpt/backend/internal/config"
	"github.com/financegpt/backend/internal/handler"
	"github.com/financegpt/backend/internal/logging"
	"github.com/financegpt/backend/internal/service/agent"
	"github.com/financegpt/backend/internal/service/history"
	"github.com/financegpt/backend/internal/service/market"
	"github.com/financegpt/backend/internal/service/room"
	"github.com/financegpt/backend/internal/symbols"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		log.Fatal().Err(err).Msg("failed to configure logging")
	}
	if envErr != nil {
		log.Debug().Err(envErr).Msg("no .env file, using system environment variables only")
	}

	known, err := config.LoadSymbols(cfg.Symbols)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load symbol watchlist")
	}

	store, err := openStore(cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open conversation store")
	}
	defer store.Close()

	marketClient := market.NewClient(cfg.Market.APIKey, cfg.Market.BaseURL, nil)

	// Initialize the agent
	var financeAgent *agent.Agent
	if cfg.AI.Enabled() {
		financeAgent, err = newAgent(ctx, cfg, marketClient, known)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize agent, continuing without AI functionality")
		} else {
			log.Info().Str("provider", cfg.AI.Provider).Msg("agent initialized")
		}
	} else {
		log.Warn().Str("provider", cfg.AI.Provider).Msg("model credentials not configured, skipping agent initialization")
	}

	hubOpts := []room.Option{room.WithIdleTimeout(5 * time.Minute)}
	if financeAgent != nil {
		hubOpts = append(hubOpts, room.WithResponder(financeAgent))
	}
	if cfg.Market.Enabled() {
		hubOpts = append(hubOpts, room.WithMarket(marketClient))
	}
	hub := room.NewHub(store, hubOpts...)
	defer hub.Close()

	for _, w := range handler.Warnings(cfg) {
		log.Warn().Msg(w)
	}

	router := handler.NewRouter(handler.Deps{
		Config: cfg,
		Agent:  financeAgent,
		Store:  store,
		Market: marketClient,
		Hub:    hub,
	})

	startServer(ctx, cfg.Server, router)
}

func openStore(cfg config.StoreConfig) (history.Store, error) {
	if cfg.Path == "" {
		log.Info().Int("limit", cfg.HistoryLimit).Msg("using in-memory conversation store")
		return history.NewMemoryStore(cfg.HistoryLimit), nil
	}
	log.Info().Str("path", cfg.Path).Int("limit", cfg.HistoryLimit).Msg("using bolt conversation store")
	return history.NewBoltStore(cfg.Path, cfg.HistoryLimit)
}

func newAgent(ctx context.Context, cfg *config.Config, provider market.Provider, known symbols.Known) (*agent.Agent, error) {
	chatModel, err := agent.NewChatModel(ctx, cfg.AI)
	if err != nil {
		return nil, err
	}
	opts := []agent.Option{
		agent.WithSymbols(known),
		agent.WithHistoryLimit(cfg.Store.HistoryLimit),
	}
	if cfg.Market.Enabled() {
		opts = append(opts, agent.WithMarket(provider))
	}
	return agent.New(ctx, chatModel, opts...)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info().Str("addr", addr).Msg("FinanceGPT backend listening")
	if err := runServer(ctx, srv); err != nil {
		log.Error().Err(err).Msg("server error")
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
