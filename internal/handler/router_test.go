package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/financegpt/backend/internal/config"
	"github.com/financegpt/backend/internal/service/history"
	"github.com/financegpt/backend/internal/service/market"
	"github.com/financegpt/backend/internal/service/room"
)

func newTestRouter(t *testing.T, cfg *config.Config) http.Handler {
	t.Helper()
	store := history.NewMemoryStore(20)
	hub := room.NewHub(store)
	t.Cleanup(hub.Close)
	return NewRouter(Deps{
		Config: cfg,
		Store:  store,
		Market: market.NewClient(cfg.Market.APIKey, cfg.Market.BaseURL, nil),
		Hub:    hub,
	})
}

func getJSON(t *testing.T, h http.Handler, path string) (int, map[string]string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return rec.Code, body
}

func TestHealthcheck(t *testing.T) {
	code, body := getJSON(t, newTestRouter(t, &config.Config{}), "/healthcheck")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
}

func TestStatusReportsMissingKeys(t *testing.T) {
	cfg := &config.Config{AI: config.AIConfig{Provider: config.ProviderOpenAI}}
	code, body := getJSON(t, newTestRouter(t, cfg), "/")

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "warning", body["status"])
	assert.Equal(t, "FinanceGPT API is running (WARNING: OPENAI_API_KEY not set, POLYGON_API_KEY not set)", body["message"])
}

func TestStatusOK(t *testing.T) {
	cfg := &config.Config{
		AI: config.AIConfig{
			Provider: config.ProviderOpenAI,
			OpenAI:   config.OpenAIConfig{APIKey: "sk-test", Model: "gpt-4o-mini"},
		},
		Market: config.MarketConfig{APIKey: "pk"},
	}
	_, body := getJSON(t, newTestRouter(t, cfg), "/")
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "FinanceGPT API is running", body["message"])
}

func TestChatUnavailableWithoutAgent(t *testing.T) {
	code, body := getJSON(t, newTestRouter(t, &config.Config{}), "/api/ws/chat")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "AI service is not configured", body["error"])
}

func TestMarketNotConfigured(t *testing.T) {
	code, body := getJSON(t, newTestRouter(t, &config.Config{}), "/api/stocks/AAPL/news")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body["error"], "POLYGON_API_KEY")
}
