// Package httpapi exposes the order-handling pipeline over HTTP. Intents come
// in, risk decisions and queue state come out; everything routes through the
// OMS.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"ordergate/internal/domain"
	"ordergate/internal/oms"
	"ordergate/internal/queue"
	"ordergate/internal/risk"
	"ordergate/internal/store"
)

// Server serves the ordergate HTTP API.
type Server struct {
	oms *oms.OMS
	log *slog.Logger
}

// NewServer creates the API server over an assembled OMS.
func NewServer(o *oms.OMS, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{oms: o, log: log.With("component", "httpapi")}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/intents", s.handleSubmitIntent)
	mux.HandleFunc("GET /api/intents/{id}", s.handleGetIntent)
	mux.HandleFunc("GET /api/orders", s.handleListOrders)
	mux.HandleFunc("DELETE /api/orders/{id}", s.handleCancelOrder)
	mux.HandleFunc("GET /api/risk", s.handleRiskState)
	mux.HandleFunc("POST /api/risk/kill-switch", s.handleKillSwitch)
	mux.HandleFunc("GET /api/queue/stats", s.handleQueueStats)
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// ---------------------------------------------------------------------------
// Intents
// ---------------------------------------------------------------------------

type submitIntentRequest struct {
	ClientIntentID string  `json:"client_intent_id"`
	Symbol         string  `json:"symbol"`
	Side           string  `json:"side"`
	Qty            int64   `json:"qty"`
	Type           string  `json:"type"`
	LimitPrice     float64 `json:"limit_price"`
	StopPrice      float64 `json:"stop_price"`
	Strategy       string  `json:"strategy"`
}

func (s *Server) handleSubmitIntent(w http.ResponseWriter, r *http.Request) {
	var req submitIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	intent := &domain.Intent{
		ClientIntentID: req.ClientIntentID,
		Symbol:         req.Symbol,
		Side:           domain.Side(req.Side),
		Qty:            req.Qty,
		Type:           domain.OrderType(req.Type),
		LimitPrice:     req.LimitPrice,
		StopPrice:      req.StopPrice,
		Strategy:       req.Strategy,
	}

	res, err := s.oms.SubmitIntent(r.Context(), intent)
	if errors.Is(err, domain.ErrValidation) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.log.Error("intent submission failed", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	intent, checks, err := s.oms.GetIntent(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "intent not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"intent": intent,
		"checks": checks,
	})
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	status := domain.OrderStatus(r.URL.Query().Get("status"))
	orders := s.oms.OrdersByStatus(status)
	writeJSON(w, http.StatusOK, map[string]any{
		"orders": orders,
		"count":  len(orders),
	})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.oms.CancelOrder(r.Context(), r.PathValue("id"))
	if errors.Is(err, queue.ErrOrderNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// ---------------------------------------------------------------------------
// Risk and queue state
// ---------------------------------------------------------------------------

func (s *Server) handleRiskState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.oms.RiskState())
}

type killSwitchRequest struct {
	Enabled bool   `json:"enabled"`
	Mode    string `json:"mode"`
	Reason  string `json:"reason"`
}

func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req killSwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ks, err := s.oms.SetKillSwitch(r.Context(), req.Enabled, risk.Mode(req.Mode), req.Reason)
	if errors.Is(err, risk.ErrUnknownMode) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		// The halt is engaged but the sweep was incomplete; report both.
		writeJSON(w, http.StatusMultiStatus, map[string]any{
			"kill_switch": ks,
			"sweep_error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, ks)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.oms.QueueStats())
}
