package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/evoquant/evoquant/internal/domain"
	"github.com/evoquant/evoquant/internal/events"
	"github.com/evoquant/evoquant/internal/strategy"
)

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("Response encode failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

// uploadRequest is the strategy upload payload.
type uploadRequest struct {
	OwnerID    string             `json:"owner_id"`
	Name       string             `json:"name"`
	Parameters map[string]float64 `json:"parameters"`
	Ruleset    domain.Ruleset     `json:"ruleset"`
	AssetType  domain.AssetType   `json:"asset_type"`
}

// handleUpload accepts a new strategy. Uploads always land in pending
// review; the monitoring worker decides their fate.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.OwnerID == "" || req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "owner_id and name are required")
		return
	}
	if err := req.Ruleset.Validate(); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	strat := &domain.Strategy{
		ID:         uuid.NewString(),
		OwnerID:    req.OwnerID,
		Name:       req.Name,
		Parameters: req.Parameters,
		Ruleset:    req.Ruleset,
		AssetType:  req.AssetType,
		Status:     domain.StatusPendingReview,
	}
	if strat.AssetType == "" {
		strat.AssetType = domain.AssetOther
	}

	if err := s.cfg.Repo.Create(strat); err != nil {
		s.log.Error().Err(err).Msg("Strategy create failed")
		s.writeError(w, http.StatusInternalServerError, "failed to store strategy")
		return
	}

	if err := s.cfg.Recorder.Record(events.New(&events.CreatedData{
		StrategyID: strat.ID,
		OwnerID:    strat.OwnerID,
		Status:     strat.Status,
		Source:     "upload",
	}, s.cfg.Clock.Now())); err != nil {
		s.log.Warn().Err(err).Str("strategy", strat.ID).Msg("Created event record failed")
	}

	s.writeJSON(w, http.StatusCreated, strat)
}

func (s *Server) handleGetStrategy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	strat, err := s.cfg.Repo.Get(id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "strategy not found")
			return
		}
		s.log.Error().Err(err).Str("strategy", id).Msg("Strategy fetch failed")
		s.writeError(w, http.StatusInternalServerError, "failed to load strategy")
		return
	}
	s.writeJSON(w, http.StatusOK, strat)
}

func (s *Server) handleLineage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	parents, err := s.cfg.Lineage.Parents(id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load lineage")
		return
	}
	children, err := s.cfg.Lineage.Children(id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load lineage")
		return
	}
	generation, err := s.cfg.Lineage.Generation(id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to compute generation")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"strategy_id": id,
		"generation":  generation,
		"parents":     parents,
		"children":    children,
	})
}

// handleBacktests returns the backtest trail for a strategy, newest
// first. The limit query parameter caps the page size.
func (s *Server) handleBacktests(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := s.cfg.History.ForStrategy(id, limit)
	if err != nil {
		s.log.Error().Err(err).Str("strategy", id).Msg("Backtest history fetch failed")
		s.writeError(w, http.StatusInternalServerError, "failed to load backtest history")
		return
	}
	if entries == nil {
		entries = []strategy.BacktestEntry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleRoyalties(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	records, err := s.cfg.Royalty.History(id)
	if err != nil {
		s.log.Error().Err(err).Str("strategy", id).Msg("Royalty history failed")
		s.writeError(w, http.StatusInternalServerError, "failed to load royalties")
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

// handleSignal composes a live signal on demand. Ineligible strategies
// map to 409, low confidence to 422.
func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sig, err := s.cfg.Signals.Generate(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "strategy not found")
		case domain.IsNotEligible(err):
			s.writeError(w, http.StatusConflict, err.Error())
		case domain.IsLowConfidence(err):
			s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			s.log.Error().Err(err).Str("strategy", id).Msg("Signal generation failed")
			s.writeError(w, http.StatusBadGateway, "signal generation failed")
		}
		return
	}
	s.writeJSON(w, http.StatusOK, sig)
}

// handleStatus reports platform state: strategy counts plus a health
// check of every backing database. A failing database turns the
// response into 503 so load balancers stop routing here.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.cfg.Repo.StatusCounts()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load status counts")
		return
	}
	active, err := s.cfg.Repo.CountActive()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to count active strategies")
		return
	}

	status := http.StatusOK
	dbHealth := make(map[string]string, len(s.cfg.Databases))
	for _, db := range s.cfg.Databases {
		if err := db.HealthCheck(r.Context()); err != nil {
			s.log.Error().Err(err).Str("database", db.Name()).Msg("Database health check failed")
			dbHealth[db.Name()] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			dbHealth[db.Name()] = "ok"
		}
	}

	s.writeJSON(w, status, map[string]interface{}{
		"time":      s.cfg.Clock.Now(),
		"active":    active,
		"statuses":  counts,
		"databases": dbHealth,
	})
}
