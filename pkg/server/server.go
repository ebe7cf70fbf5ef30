// Package server exposes the intent API and paywalled resources over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/sigweihq/x402treasury/pkg/config"
	"github.com/sigweihq/x402treasury/pkg/intents"
	"github.com/sigweihq/x402treasury/pkg/middleware"
	"github.com/sigweihq/x402treasury/pkg/types"
)

const (
	maxBodySize     = 1 << 20
	shutdownTimeout = 10 * time.Second
)

// Server wires the HTTP routes
type Server struct {
	cfg      Config
	intents  *intents.Service
	payments *middleware.Middleware
	limiter  *RateLimiter
	logger   *slog.Logger
}

func New(cfg Config, svc *intents.Service, payments *middleware.Middleware, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		intents:  svc,
		payments: payments,
		logger:   logger,
	}
	if cfg.RateLimitRPS > 0 {
		s.limiter = NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	return s
}

// Handler returns the root handler with all routes registered
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/intents", s.handleCreateIntent)
	mux.HandleFunc("GET /api/intents", s.handleListIntents)
	mux.HandleFunc("GET /api/intents/{id}", s.handleGetIntent)
	mux.HandleFunc("POST /api/intents/{id}/fund", s.handleFundIntent)
	mux.HandleFunc("POST /api/intents/{id}/execute", s.handleExecuteIntent)
	mux.HandleFunc("POST /api/intents/{id}/cancel", s.handleCancelIntent)

	premium := config.NoOverride
	if s.cfg.PremiumAmount != "" {
		premium = config.Price(s.cfg.PremiumAmount)
	}
	mux.Handle("GET /api/premium/data",
		s.payments.Protect("", "Premium market data", premium)(http.HandlerFunc(s.handlePremiumData)))

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	return h
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.limiter != nil {
		go s.limiter.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.cfg.Addr, "payments", s.payments.Enabled())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info("shutting down server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"payments": s.payments.Enabled(),
	})
}

func (s *Server) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	var req intents.CreateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	intent, err := s.intents.Create(r.Context(), req)
	if err != nil {
		s.writeIntentError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, intent)
}

func (s *Server) handleListIntents(w http.ResponseWriter, r *http.Request) {
	list, err := s.intents.List(r.Context())
	if err != nil {
		s.writeIntentError(w, err)
		return
	}
	if list == nil {
		list = []*types.PaymentIntent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"intents": list})
}

func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	intent, err := s.intents.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeIntentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

type fundRequest struct {
	TxHash string `json:"txHash"`
}

func (s *Server) handleFundIntent(w http.ResponseWriter, r *http.Request) {
	var req fundRequest
	if !decodeBody(w, r, &req) {
		return
	}

	intent, err := s.intents.Fund(r.Context(), r.PathValue("id"), req.TxHash)
	if err != nil {
		s.writeIntentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

func (s *Server) handleExecuteIntent(w http.ResponseWriter, r *http.Request) {
	result, err := s.intents.Execute(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeIntentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCancelIntent(w http.ResponseWriter, r *http.Request) {
	intent, err := s.intents.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeIntentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

func (s *Server) handlePremiumData(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"data": map[string]any{
			"market":    "CRO/USDC",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	}
	if p, ok := middleware.PaymentFromContext(r.Context()); ok {
		s.logger.Info("premium data served", "payer", p.Payer, "txHash", p.TransactionHash)
		resp["payer"] = p.Payer
		resp["txHash"] = p.TransactionHash
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeIntentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, intents.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, intents.ErrInvalidIntent):
		writeError(w, http.StatusBadRequest, err.Error())
	case intents.IsClientError(err):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("intent request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, types.ErrorResponse{Error: msg})
}
