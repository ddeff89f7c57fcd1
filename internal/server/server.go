// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the routing core over HTTP.
//
// Error mapping is part of the API contract: a judged-rejected output is
// 422 with the judge payloads, an empty or unhealthy provider pool is 503,
// and a provider transport failure during generation is 502. The three are
// distinguishable by status and error code, never by message text.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jeranaias/modelmux/internal/orchestrator"
	"github.com/jeranaias/modelmux/internal/registry"
	"github.com/jeranaias/modelmux/internal/scorer"
)

// =============================================================================
// SERVER
// =============================================================================

// Config configures the HTTP server.
type Config struct {
	Host            string
	Port            int
	RequestTimeout  time.Duration
	MaxRequestBytes int64
}

// Server serves the routing API.
type Server struct {
	svc   *orchestrator.Service
	store *registry.Store
	cfg   Config
	http  *http.Server
}

// New creates the server.
func New(svc *orchestrator.Service, store *registry.Store, cfg Config) *Server {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 300 * time.Second
	}
	if cfg.MaxRequestBytes == 0 {
		cfg.MaxRequestBytes = 1 << 20
	}

	s := &Server{svc: svc, store: store, cfg: cfg}
	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat", s.handleChat)
		r.Post("/route", s.handleRoute)
		r.Get("/providers", s.handleListProviders)
	})

	return r
}

// ListenAndServe starts the listener and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	log.Printf("SERVER: listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// =============================================================================
// HANDLERS
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.ChatRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "messages must not be empty", nil)
		return
	}

	resp, err := s.svc.Chat(r.Context(), &req)
	if err != nil {
		s.writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// routeRequest is the /v1/route request body.
type routeRequest struct {
	Capability   string               `json:"capability"`
	Requirements *scorer.Requirements `json:"requirements,omitempty"`
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Capability == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "capability is required", nil)
		return
	}

	decision, err := s.svc.Route(r.Context(), req.Capability, req.Requirements)
	if err != nil {
		s.writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := s.store.ListProviders(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list providers", nil)
		return
	}
	if providers == nil {
		providers = []*registry.Provider{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": providers})
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

// errorBody is the uniform error envelope.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  any    `json:"detail,omitempty"`
}

func (s *Server) writeChatError(w http.ResponseWriter, err error) {
	var rejection *orchestrator.RejectionError
	if errors.As(err, &rejection) {
		writeError(w, http.StatusUnprocessableEntity, "output_rejected",
			"output rejected due to safety or quality concerns", rejection)
		return
	}

	if errors.Is(err, scorer.ErrNoSuitableProvider) || errors.Is(err, scorer.ErrNoHealthyProvider) {
		writeError(w, http.StatusServiceUnavailable, "no_provider", err.Error(), nil)
		return
	}

	var upstream *orchestrator.UpstreamError
	if errors.As(err, &upstream) {
		writeError(w, http.StatusBadGateway, "upstream_failed", upstream.Error(), nil)
		return
	}

	log.Printf("SERVER: chat failed err=%v", err)
	writeError(w, http.StatusInternalServerError, "internal_error", "chat completion failed", nil)
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed request body", nil)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("SERVER: failed to encode response err=%v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string, detail any) {
	writeJSON(w, status, map[string]errorBody{
		"error": {Code: code, Message: message, Detail: detail},
	})
}
