package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/emads/emads/internal/analytics/anomaly"
	"github.com/emads/emads/internal/analytics/lifecycle"
	"github.com/emads/emads/internal/analytics/ml"
	"github.com/emads/emads/internal/db"
	"github.com/emads/emads/internal/models"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	maxAnalyzeBody   = 8 << 20
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorResponse is the body of every non-2xx answer.
type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeStoreError maps persistence errors to status codes.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.Logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// ─── Health ───────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	now := s.Clock.Now().UTC().Format(time.RFC3339)
	if err := s.Store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":    "unhealthy",
			"error":     err.Error(),
			"timestamp": now,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "timestamp": now})
}

// ─── Alerts ───────────────────────────────────────────────────────────────────

// alertList is the body of GET /api/v1/alerts.
type alertList struct {
	Alerts []*models.Alert `json:"alerts"`
	Count  int             `json:"count"`
}

// parseAlertFilter reads alert filters from the query string:
// sensor_id, type (repeatable or comma separated), from, to (RFC 3339),
// notified, resolved, limit, offset.
func parseAlertFilter(q map[string][]string) (db.AlertFilter, error) {
	get := func(k string) string {
		if v := q[k]; len(v) > 0 {
			return v[0]
		}
		return ""
	}
	f := db.AlertFilter{Limit: defaultListLimit}

	if v, ok := q["sensor_id"]; ok && len(v) > 0 {
		id := v[0]
		f.SensorID = &id
	}
	for _, raw := range q["type"] {
		for _, t := range strings.Split(raw, ",") {
			at := models.AlertType(strings.TrimSpace(t))
			if !at.Valid() {
				return f, errors.New("unknown alert type: " + string(at))
			}
			f.Types = append(f.Types, at)
		}
	}
	for key, dst := range map[string]*time.Time{"from": &f.From, "to": &f.To} {
		if v := get(key); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, errors.New(key + " must be RFC 3339")
			}
			*dst = t
		}
	}
	for key, dst := range map[string]**bool{"notified": &f.Notified, "resolved": &f.Resolved} {
		if v := get(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return f, errors.New(key + " must be a boolean")
			}
			*dst = &b
		}
	}
	if v := get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return f, errors.New("limit must be a positive integer")
		}
		f.Limit = min(n, maxListLimit)
	}
	if v := get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, errors.New("offset must be a non-negative integer")
		}
		f.Offset = n
	}
	return f, nil
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	f, err := parseAlertFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	alerts, err := s.Store.FindAlerts(r.Context(), f)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if alerts == nil {
		alerts = []*models.Alert{}
	}
	writeJSON(w, http.StatusOK, alertList{Alerts: alerts, Count: len(alerts)})
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	a, err := s.Store.GetAlert(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// resolveRequest is the optional body of POST /alerts/{id}/resolve.
type resolveRequest struct {
	User string `json:"user"`
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	if s.Deduplicator == nil {
		writeError(w, http.StatusServiceUnavailable, "alerting is not configured")
		return
	}
	var req resolveRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	if req.User == "" {
		req.User = "api"
	}

	a, err := s.Deduplicator.Resolve(r.Context(), mux.Vars(r)["id"], req.User)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// ─── Checks and reports ───────────────────────────────────────────────────────

func (s *Server) handleRunCheck(w http.ResponseWriter, r *http.Request) {
	if s.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler is not configured")
		return
	}
	report, err := s.Scheduler.Trigger(r.Context())
	if err != nil && report == nil {
		s.writeStoreError(w, err)
		return
	}
	if s.Hub != nil {
		s.Hub.PublishReport(report)
	}
	// Rule failures are reported in report.Warnings with a 200.
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleLastCheck(w http.ResponseWriter, r *http.Request) {
	if s.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler is not configured")
		return
	}
	report := s.Scheduler.LastReport()
	if report == nil {
		writeError(w, http.StatusNotFound, "no check has run yet")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// weeklyReportResponse is the JSON form of notify.WeeklyReport.
type weeklyReportResponse struct {
	PrevStart    time.Time                `json:"prev_week_start"`
	LastStart    time.Time                `json:"last_week_start"`
	LastEnd      time.Time                `json:"last_week_end"`
	PrevTotalWh  float64                  `json:"prev_total_wh"`
	LastTotalWh  float64                  `json:"last_total_wh"`
	ChangePct    *float64                 `json:"change_pct"`
	AlertCount   int                      `json:"alert_count"`
	AlertsByType map[models.AlertType]int `json:"alerts_by_type"`
}

func (s *Server) handleWeeklyReport(w http.ResponseWriter, r *http.Request) {
	if s.Orchestrator == nil {
		writeError(w, http.StatusServiceUnavailable, "orchestrator is not configured")
		return
	}
	rep, err := s.Orchestrator.WeeklyReport(r.Context(), s.Clock.Now())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	resp := weeklyReportResponse{
		PrevStart:    rep.PrevStart,
		LastStart:    rep.LastStart,
		LastEnd:      rep.LastEnd,
		PrevTotalWh:  rep.PrevTotalWh,
		LastTotalWh:  rep.LastTotalWh,
		AlertCount:   rep.AlertCount,
		AlertsByType: rep.AlertsByType,
	}
	if !math.IsNaN(rep.ChangePct) {
		pct := rep.ChangePct
		resp.ChangePct = &pct
	}
	writeJSON(w, http.StatusOK, resp)
}

// ─── Batch analysis ───────────────────────────────────────────────────────────

// analyzeRequest is an uploaded batch to score without alerting.
type analyzeRequest struct {
	Readings []models.Reading `json:"readings"`
	Methods  []anomaly.Method `json:"methods,omitempty"`
	Strict   bool             `json:"strict,omitempty"`
}

// analyzeResponse carries the batch summary and the flagged readings.
type analyzeResponse struct {
	Summary   anomaly.Summary        `json:"summary"`
	Anomalies []models.ScoredReading `json:"anomalies"`
	Skipped   []anomaly.Method       `json:"skipped,omitempty"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAnalyzeBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Readings) == 0 {
		writeError(w, http.StatusBadRequest, "readings are required")
		return
	}

	opts := anomaly.Options{Methods: req.Methods, Strict: req.Strict, Features: anomaly.EnergyFeature}
	var baseline []float64
	for _, m := range req.Methods {
		switch m {
		case anomaly.MethodStatistical, anomaly.MethodSpike, anomaly.MethodPattern:
		case anomaly.MethodIsolation:
			// An uploaded batch is scored against a forest fitted on itself.
			forest := ml.NewIsolationForest(ml.DefaultForestConfig())
			if err := forest.Fit(anomaly.DataPoints(req.Readings, anomaly.EnergyFeature)); err != nil {
				writeError(w, http.StatusUnprocessableEntity, err.Error())
				return
			}
			opts.Model = forest
			baseline = forest.TrainingDecisions()
		default:
			writeError(w, http.StatusBadRequest, "unknown method: "+string(m))
			return
		}
	}

	res, err := s.Engine.Score(r.Context(), req.Readings, opts)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	classified, _ := s.Classifier.Classify(res.Readings, baseline)
	res.Readings = classified

	anomalies := res.Anomalies()
	if anomalies == nil {
		anomalies = []models.ScoredReading{}
	}
	writeJSON(w, http.StatusOK, analyzeResponse{
		Summary:   anomaly.Summarize(classified),
		Anomalies: anomalies,
		Skipped:   res.Skipped,
	})
}

// ─── Inbox ────────────────────────────────────────────────────────────────────

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	if s.Dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, "notifications are not configured")
		return
	}
	unread, _ := strconv.ParseBool(r.URL.Query().Get("unread"))
	entries, err := s.Dispatcher.Inbox(r.Context(), mux.Vars(r)["user"], unread)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if entries == nil {
		entries = []*models.Communication{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"communications": entries, "count": len(entries)})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if s.Dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, "notifications are not configured")
		return
	}
	vars := mux.Vars(r)
	if err := s.Dispatcher.MarkRead(r.Context(), vars["id"], vars["user"]); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Models ───────────────────────────────────────────────────────────────────

func (s *Server) modelError(w http.ResponseWriter, err error) {
	if errors.Is(err, lifecycle.ErrUnknownKind) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeStoreError(w, err)
}

func (s *Server) handleModelStatus(w http.ResponseWriter, r *http.Request) {
	if s.Models == nil {
		writeError(w, http.StatusServiceUnavailable, "model lifecycle is not configured")
		return
	}
	info, err := s.Models.Status(r.Context(), mux.Vars(r)["kind"])
	if err != nil {
		s.modelError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleModelInvalidate(w http.ResponseWriter, r *http.Request) {
	if s.Models == nil {
		writeError(w, http.StatusServiceUnavailable, "model lifecycle is not configured")
		return
	}
	kind := mux.Vars(r)["kind"]
	if err := s.Models.Invalidate(r.Context(), kind); err != nil {
		s.modelError(w, err)
		return
	}
	s.Logger.Info("model invalidated", zap.String("kind", kind))
	w.WriteHeader(http.StatusAccepted)
}
