package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/financegpt/backend/internal/config"
	"github.com/financegpt/backend/internal/handler/chat"
	"github.com/financegpt/backend/internal/handler/market"
	"github.com/financegpt/backend/internal/handler/room"
	middlewarePkg "github.com/financegpt/backend/internal/middleware"
	"github.com/financegpt/backend/internal/service/agent"
	"github.com/financegpt/backend/internal/service/history"
	marketService "github.com/financegpt/backend/internal/service/market"
	roomService "github.com/financegpt/backend/internal/service/room"
	"github.com/financegpt/backend/pkg/utils"
)

// Deps are the services the routes are wired to. Agent may be nil when no
// model is configured.
type Deps struct {
	Config *config.Config
	Agent  *agent.Agent
	Store  history.Store
	Market marketService.Provider
	Hub    *roomService.Hub
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(deps.Config.Server.AllowedOrigins))

	var responder chat.Responder
	if deps.Agent != nil {
		responder = deps.Agent
	}

	r.Get("/", statusHandler(deps.Config))
	r.Get("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	r.Route("/api", func(api chi.Router) {
		chat.New(responder, deps.Store, deps.Config.Server.AllowedOrigins).RegisterRoutes(api)
		room.New(deps.Hub, deps.Config.Server.AllowedOrigins).RegisterRoutes(api)
		market.New(deps.Market).RegisterRoutes(api)
	})

	return r
}

// Warnings lists the missing keys that disable features.
func Warnings(cfg *config.Config) []string {
	var warnings []string
	if !cfg.AI.Enabled() {
		if cfg.AI.Provider == config.ProviderOpenAI {
			warnings = append(warnings, "OPENAI_API_KEY not set")
		} else {
			warnings = append(warnings, "ARK_API_KEY or Model not set")
		}
	}
	if !cfg.Market.Enabled() {
		warnings = append(warnings, "POLYGON_API_KEY not set")
	}
	return warnings
}

func statusHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		warnings := Warnings(cfg)
		status := "ok"
		message := "FinanceGPT API is running"
		if len(warnings) > 0 {
			status = "warning"
			message += " (WARNING: " + strings.Join(warnings, ", ") + ")"
		}
		utils.RespondJSON(w, http.StatusOK, map[string]string{
			"status":  status,
			"message": message,
		})
	}
}
