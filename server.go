package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/adserving/budget-pacer/pacer"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

var requestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "pacer_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"endpoint", "method"},
)

func init() {
	prometheus.MustRegister(requestDuration)
}

// Projections past a week add nothing; the simulator has no rollover model.
const maxSimulationHours = 168

type Server struct {
	engine  *pacer.Engine
	cfg     *pacer.Config
	started time.Time
}

type PacingDecisionRequest struct {
	CampaignID string `json:"campaign_id"`
	BidCents   int64  `json:"bid_cents"`
	EventID    string `json:"event_id,omitempty"`
}

type PacingDecisionResponse struct {
	AllowBid     bool    `json:"allow_bid"`
	ThrottleRate float64 `json:"throttle_rate"`
	Reason       string  `json:"reason"`
	Warning      string  `json:"warning,omitempty"` // Only set in degraded mode
}

type SpendTrackRequest struct {
	CampaignID  string `json:"campaign_id"`
	SpendCents  int64  `json:"spend_cents"`
	Impressions int64  `json:"impressions"`
	EventID     string `json:"event_id,omitempty"`
	TS          string `json:"ts,omitempty"`
}

type SimulateRequest struct {
	CampaignID     string    `json:"campaign_id"`
	HoursAhead     int       `json:"hours_ahead,omitempty"`
	TrafficPattern []float64 `json:"traffic_pattern,omitempty"`
}

func NewServer(engine *pacer.Engine, cfg *pacer.Config) *Server {
	return &Server{engine: engine, cfg: cfg, started: time.Now()}
}

func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/pacing/decision", s.handlePacingDecision).Methods("POST")
	router.HandleFunc("/spend/track", s.handleSpendTrack).Methods("POST")
	router.HandleFunc("/budget/status/{campaign_id}", s.handleBudgetStatus).Methods("GET")
	router.HandleFunc("/budget/reset/{campaign_id}", s.handleBudgetReset).Methods("POST")
	router.HandleFunc("/pacing/simulate", s.handleSimulate).Methods("POST")
	router.HandleFunc("/health", s.handleHealthCheck).Methods("GET")
	router.HandleFunc("/status", s.handleStatus).Methods("GET")
	router.Handle("/metrics", promhttp.Handler())

	router.Use(requestIDMiddleware)
	router.Use(loggingMiddleware)
	router.Use(corsMiddleware)

	return router
}

func (s *Server) handlePacingDecision(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("/pacing/decision", r.Method).Observe(time.Since(start).Seconds())
	}()

	var req PacingDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if req.CampaignID == "" {
		http.Error(w, "campaign_id is required", http.StatusBadRequest)
		return
	}
	if req.BidCents < 0 {
		http.Error(w, "bid_cents must be non-negative", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.DecisionDeadline)
	defer cancel()

	decision, err := s.engine.Decide(ctx, req.CampaignID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			http.Error(w, "Decision deadline exceeded", http.StatusGatewayTimeout)
			return
		}
		log.WithError(err).Error("Failed to evaluate pacing decision")
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	response := PacingDecisionResponse{
		AllowBid:     decision.AllowBid,
		ThrottleRate: decision.ThrottleRate,
		Reason:       string(decision.Reason),
	}
	if s.engine.Degraded() {
		response.Warning = "persistence degraded, pacing from in-memory state"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *Server) handleSpendTrack(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("/spend/track", r.Method).Observe(time.Since(start).Seconds())
	}()

	var req SpendTrackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if req.CampaignID == "" {
		http.Error(w, "campaign_id is required", http.StatusBadRequest)
		return
	}
	if req.SpendCents < 0 {
		http.Error(w, "spend_cents must be non-negative", http.StatusBadRequest)
		return
	}
	if req.Impressions < 0 {
		http.Error(w, "impressions must be non-negative", http.StatusBadRequest)
		return
	}

	inc := pacer.SpendIncrement{
		CampaignID:  req.CampaignID,
		SpendCents:  req.SpendCents,
		Impressions: req.Impressions,
		EventID:     req.EventID,
	}
	if req.TS != "" {
		ts, err := time.Parse(time.RFC3339, req.TS)
		if err != nil {
			http.Error(w, "ts must be RFC3339", http.StatusBadRequest)
			return
		}
		inc.At = ts
	}

	result, err := s.engine.Track(r.Context(), inc)
	if err != nil {
		if errors.Is(err, pacer.ErrQueueFull) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Spend queue full, retry later", http.StatusServiceUnavailable)
			return
		}
		log.WithError(err).Error("Failed to track spend")
		http.Error(w, "Failed to track spend", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (s *Server) handleBudgetStatus(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("/budget/status", r.Method).Observe(time.Since(start).Seconds())
	}()

	campaignID := mux.Vars(r)["campaign_id"]

	status, err := s.engine.Status(campaignID)
	if err != nil {
		if errors.Is(err, pacer.ErrCampaignNotFound) {
			http.Error(w, "Campaign not found", http.StatusNotFound)
			return
		}
		log.WithError(err).Error("Failed to get budget status")
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (s *Server) handleBudgetReset(w http.ResponseWriter, r *http.Request) {
	campaignID := mux.Vars(r)["campaign_id"]

	if err := s.engine.Reset(r.Context(), campaignID); err != nil {
		log.WithError(err).WithField("campaign_id", campaignID).Error("Failed to reset budget")
		http.Error(w, "Failed to reset budget", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "Budget reset successfully"})
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("/pacing/simulate", r.Method).Observe(time.Since(start).Seconds())
	}()

	var req SimulateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if req.CampaignID == "" {
		http.Error(w, "campaign_id is required", http.StatusBadRequest)
		return
	}
	if req.HoursAhead <= 0 {
		req.HoursAhead = 24
	}
	if req.HoursAhead > maxSimulationHours {
		req.HoursAhead = maxSimulationHours
	}

	result, err := s.engine.Simulate(r.Context(), req.CampaignID, req.HoursAhead, req.TrafficPattern)
	if err != nil {
		if errors.Is(err, pacer.ErrCampaignNotFound) {
			http.Error(w, "Campaign not found", http.StatusNotFound)
			return
		}
		log.WithError(err).Error("Failed to simulate pacing")
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !s.engine.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "degraded"})
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.Stats()
	response := map[string]interface{}{
		"uptime_seconds":       int64(time.Since(s.started).Seconds()),
		"campaigns":            stats.Campaigns,
		"tracked_campaigns":    stats.Tracked,
		"shards":               stats.Shards,
		"queued_deltas":        stats.QueuedDeltas,
		"persistence_degraded": stats.Degraded,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start),
		}).Debug("Request processed")
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
