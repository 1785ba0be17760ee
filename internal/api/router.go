/**
 * @description
 * This file sets up the HTTP router for the transfer service. It defines the API endpoints,
 * associates them with their handlers and applies the middleware stack.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for browser clients.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/godzika/sferocoinapi/internal/metrics"
	"github.com/sirupsen/logrus"
)

// RouterConfig holds the settings the router needs from configuration.
type RouterConfig struct {
	Auth           AuthConfig
	AllowedOrigins []string
	CallbackPath   string
}

// TransferRoutes creates and returns the router for the transfer service.
func TransferRoutes(h *TransferHandlers, w *WebhookHandler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  logrus.WithField("component", "http"),
		NoColor: true,
	}))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(metrics.Instrument)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	callbackPath := cfg.CallbackPath
	if callbackPath == "" {
		callbackPath = "/webhook/transaction-status"
	}
	// Called by the gateway, not by end users; authenticated by body signature when configured.
	r.Post(callbackPath, w.TransactionStatusHandler)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Auth))

		r.Post("/transfer", h.TransferHandler)
		r.Get("/transactions/{internalId}", h.GetTransactionHandler)
		r.Post("/accounts/me/wallet", h.ProvisionWalletHandler)
	})

	return r
}
