// Package api exposes the dev backend's HTTP surface: auth, the generic
// query and mutation endpoints, and the websocket upgrade for realtime
// change events.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/mslater/campus-market/internal/config"
	"github.com/mslater/campus-market/internal/database"
	"github.com/mslater/campus-market/internal/hub"
)

type MarketApp struct {
	log            *log.Logger
	db             database.MarketRepository
	mux            *http.Server
	hub            *hub.Hub
	signingKey     []byte
	allowedOrigins []string
}

func NewMarketApp(logger *log.Logger, h *hub.Hub, db database.MarketRepository, cfg *config.Config) *MarketApp {
	s := &MarketApp{
		log:            logger,
		db:             db,
		hub:            h,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/register", s.register)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("GET /api/auth/session", s.authMiddleware(s.session))
	mux.HandleFunc("GET /api/auth/logout", s.authMiddleware(s.logout))
	mux.HandleFunc("POST /api/query", s.optionalAuth(s.query))
	mux.HandleFunc("POST /api/insert", s.authMiddleware(s.insert))
	mux.HandleFunc("POST /api/update", s.authMiddleware(s.update))
	mux.HandleFunc("POST /api/delete", s.authMiddleware(s.delete))
	mux.HandleFunc("GET /ws", s.optionalAuth(s.serveWs))

	handler := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	handler = s.errorHandler(handler)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: handler,
	}

	s.mux = srv
	return s
}

func (s *MarketApp) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *MarketApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
