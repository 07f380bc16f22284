// Package market exposes the market data provider over HTTP.
package market

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	marketservice "github.com/financegpt/backend/internal/service/market"
	"github.com/financegpt/backend/pkg/utils"
)

const defaultHistoryDays = 30

// Handler 行情数据代理
type Handler struct {
	provider marketservice.Provider
	now      func() time.Time
	logger   zerolog.Logger
}

// New 创建行情处理器
func New(provider marketservice.Provider) *Handler {
	return &Handler{
		provider: provider,
		now:      time.Now,
		logger:   log.With().Str("component", "market-http").Logger(),
	}
}

// RegisterRoutes 注册行情路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/stocks/{ticker}", func(r chi.Router) {
		r.Get("/history", h.handleHistory)
		r.Get("/news", h.handleNews)
		r.Get("/financials", h.handleFinancials)
	})
}

func (h *Handler) ticker(w http.ResponseWriter, r *http.Request) (string, bool) {
	t, err := marketservice.NormalizeTicker(chi.URLParam(r, "ticker"))
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return t, true
}

func (h *Handler) fail(w http.ResponseWriter, ticker string, err error) {
	var apiErr *marketservice.APIError
	switch {
	case errors.Is(err, marketservice.ErrNotConfigured):
		utils.RespondError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, marketservice.ErrInvalidTicker):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound:
		utils.RespondError(w, http.StatusNotFound, "no data for "+ticker)
	default:
		h.logger.Error().Err(err).Str("ticker", ticker).Msg("market lookup failed")
		utils.RespondError(w, http.StatusBadGateway, "market data lookup failed")
	}
}

// parseDate 解析 YYYY-MM-DD，空值返回 fallback
func parseDate(raw string, fallback time.Time) (time.Time, error) {
	if raw == "" {
		return fallback, nil
	}
	return time.Parse(time.DateOnly, raw)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	ticker, ok := h.ticker(w, r)
	if !ok {
		return
	}

	to, err := parseDate(r.URL.Query().Get("to"), h.now().UTC())
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "to must be YYYY-MM-DD")
		return
	}
	from, err := parseDate(r.URL.Query().Get("from"), to.AddDate(0, 0, -defaultHistoryDays))
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "from must be YYYY-MM-DD")
		return
	}
	if to.Before(from) {
		utils.RespondError(w, http.StatusBadRequest, "from must not be after to")
		return
	}

	bars, err := h.provider.History(r.Context(), ticker, from, to)
	if err != nil {
		h.fail(w, ticker, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"ticker": ticker,
		"from":   from.Format(time.DateOnly),
		"to":     to.Format(time.DateOnly),
		"bars":   bars,
	})
}

func (h *Handler) handleNews(w http.ResponseWriter, r *http.Request) {
	ticker, ok := h.ticker(w, r)
	if !ok {
		return
	}

	limit := 5
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 50 {
			utils.RespondError(w, http.StatusBadRequest, "limit must be between 1 and 50")
			return
		}
		limit = n
	}

	articles, err := h.provider.News(r.Context(), ticker, limit)
	if err != nil {
		h.fail(w, ticker, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"ticker":   ticker,
		"articles": articles,
	})
}

func (h *Handler) handleFinancials(w http.ResponseWriter, r *http.Request) {
	ticker, ok := h.ticker(w, r)
	if !ok {
		return
	}

	financials, err := h.provider.Financials(r.Context(), ticker)
	if err != nil {
		h.fail(w, ticker, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"ticker":     ticker,
		"financials": financials,
	})
}
