// Package api exposes the management HTTP surface: alert rule CRUD, alert
// history and exchange status reads. Tick ingestion never flows through
// here.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marketpulse/internal/model"
)

const defaultHistoryLimit = 100

// Server bundles the repositories behind the management routes.
type Server struct {
	rules    model.AlertRuleRepository
	history  model.AlertHistoryRepository
	statuses model.ExchangeStatusRepository
	log      *slog.Logger
}

// NewServer creates the management API server.
func NewServer(rules model.AlertRuleRepository, history model.AlertHistoryRepository, statuses model.ExchangeStatusRepository, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{rules: rules, history: history, statuses: statuses, log: log}
}

// Router returns the HTTP routes.
func (s *Server) Router() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/rules", s.listRules)
	mux.HandleFunc("POST /api/v1/rules", s.createRule)
	mux.HandleFunc("GET /api/v1/rules/{id}", s.getRule)
	mux.HandleFunc("PUT /api/v1/rules/{id}", s.updateRule)
	mux.HandleFunc("DELETE /api/v1/rules/{id}", s.deleteRule)

	mux.HandleFunc("GET /api/v1/alerts", s.listAlerts)
	mux.HandleFunc("GET /api/v1/exchanges", s.listExchanges)

	return mux
}

// ruleRequest is the mutable subset of a rule accepted on create/update.
type ruleRequest struct {
	Name          string          `json:"name"`
	InstrumentID  int64           `json:"instrument_id"`
	Kind          model.RuleKind  `json:"kind"`
	Threshold     decimal.Decimal `json:"threshold"`
	PeriodMinutes int             `json:"period_minutes"`
	Active        bool            `json:"active"`
}

func (r *ruleRequest) validate() error {
	if r.Name == "" {
		return errors.New("name is required")
	}
	if r.InstrumentID <= 0 {
		return errors.New("instrument_id is required")
	}
	switch r.Kind {
	case model.RulePriceAbove, model.RulePriceBelow, model.RulePriceChangePercent,
		model.RuleVolumeSpike, model.RuleVolatility:
	default:
		return errors.New("unknown rule kind")
	}
	if !r.Threshold.IsPositive() {
		return errors.New("threshold must be positive")
	}
	if r.PeriodMinutes < 0 {
		return errors.New("period_minutes must not be negative")
	}
	return nil
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.rules.GetAllActive(r.Context())
	if err != nil {
		s.internalError(w, "list rules", err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) createRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rule := model.AlertRule{
		ID:            uuid.New(),
		Name:          req.Name,
		InstrumentID:  req.InstrumentID,
		Kind:          req.Kind,
		Threshold:     req.Threshold,
		PeriodMinutes: req.PeriodMinutes,
		Active:        req.Active,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.rules.Create(r.Context(), rule); err != nil {
		s.internalError(w, "create rule", err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) getRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule id")
		return
	}
	rule, err := s.rules.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) updateRule(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule id")
		return
	}
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	existing, err := s.rules.GetByID(r.Context(), id.String())
	if err != nil {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}

	existing.Name = req.Name
	existing.InstrumentID = req.InstrumentID
	existing.Kind = req.Kind
	existing.Threshold = req.Threshold
	existing.PeriodMinutes = req.PeriodMinutes
	existing.Active = req.Active
	if err := s.rules.Update(r.Context(), existing); err != nil {
		s.internalError(w, "update rule", err)
		return
	}
	writeJSON(w, http.StatusOK, existing)
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule id")
		return
	}
	if err := s.rules.Delete(r.Context(), id); err != nil {
		s.internalError(w, "delete rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listAlerts serves recent alert history. Optional query params: from, to
// (RFC3339) and limit.
func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	from := now.Add(-24 * time.Hour)
	to := now
	limit := defaultHistoryLimit

	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from timestamp")
			return
		}
		from = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to timestamp")
			return
		}
		to = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	rows, err := s.history.Get(r.Context(), from, to, limit)
	if err != nil {
		s.internalError(w, "list alerts", err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) listExchanges(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.statuses.GetAll(r.Context())
	if err != nil {
		s.internalError(w, "list exchanges", err)
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.log.Error("api request failed", "op", op, "err", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
