package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pribylovaa/qfarm-gateway/internal/http/handlers"
	"github.com/pribylovaa/qfarm-gateway/internal/http/middleware"
)

// Options — параметры сборки HTTP-роутера.
type Options struct {
	Logger  *slog.Logger
	Timeout time.Duration
	// PanelPath — префикс API панели, по умолчанию "/qfarm/api".
	PanelPath string
	// Bot — обработчик событий чат-хоста (POST /bot/events); nil — не монтируется.
	Bot http.Handler
}

// NewRouter собирает http.Handler с chi: общие мидлвары, API панели, события бота.
func NewRouter(h *handlers.Handlers, opts Options) http.Handler {
	if opts.PanelPath == "" {
		opts.PanelPath = "/qfarm/api"
	}

	root := chi.NewRouter()

	// внешний -> внутренний
	root.Use(
		middleware.Recover(),
		middleware.RequestID(), // до Logging: request_id попадает в лог
		middleware.Logging(opts.Logger),
		middleware.AuthBearer(),
		middleware.Timeout(opts.Timeout),
	)

	root.Route(opts.PanelPath, func(r chi.Router) {
		registerPanelRoutes(r, h)
	})

	if opts.Bot != nil {
		root.Method(http.MethodPost, "/bot/events", opts.Bot)
	}

	return root
}

// registerPanelRoutes — единая точка регистрации эндпойнтов панели.
func registerPanelRoutes(r chi.Router, h *handlers.Handlers) {
	// обмен токена из ссылки: проверка внутри Exchange
	r.Get("/session", h.Session)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Authenticate(h.Tokens))

		r.Get("/status", h.Status)
		r.Post("/toggle-auto", h.ToggleAuto)
		r.Get("/account-details", h.AccountDetails)
		r.Post("/logout", h.Logout)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireMaster())

			r.Get("/admin/accounts", h.AdminAccounts)
			r.Get("/users/{id}/status", h.UserStatus)
		})
	})
}
