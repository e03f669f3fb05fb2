package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hamed0406/webguard/internal/domain"
	"github.com/hamed0406/webguard/internal/engine"
	"github.com/hamed0406/webguard/internal/notify"
	"github.com/hamed0406/webguard/internal/repo"
	"github.com/hamed0406/webguard/internal/scheduler"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxBodyBytes     = 1 << 20
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// storeError maps repository sentinels to status codes and logs the rest.
func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		writeError(w, http.StatusNotFound, "target not found")
	case errors.Is(err, repo.ErrDuplicate):
		writeError(w, http.StatusConflict, "target already registered")
	default:
		s.log.Error("http_store_error", zap.String("op", op), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func targetID(r *http.Request) (domain.TargetID, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return domain.TargetID(id), true
}

// loadTarget resolves {id} or writes the error response.
func (s *Server) loadTarget(w http.ResponseWriter, r *http.Request) (*domain.Target, bool) {
	id, ok := targetID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid target id")
		return nil, false
	}
	t, err := s.store.GetTarget(r.Context(), id)
	if err != nil {
		s.storeError(w, "get target", err)
		return nil, false
	}
	return t, true
}

func listLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	switch {
	case err != nil || n <= 0:
		return defaultListLimit
	case n > maxListLimit:
		return maxListLimit
	}
	return n
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad payload")
		return false
	}
	return true
}

type addPayload struct {
	URL               string `json:"url"`
	DisplayName       string `json:"display_name"`
	CheckInterval     int    `json:"check_interval"`
	MonitoringEnabled *bool  `json:"monitoring_enabled"`
	DefacementEnabled *bool  `json:"defacement_enabled"`
	SSLEnabled        *bool  `json:"ssl_enabled"`
}

type addResponse struct {
	Target  domain.Target  `json:"target"`
	Results domain.Results `json:"results"`
	Warning string         `json:"warning,omitempty"`
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func (s *Server) handleAddTarget(w http.ResponseWriter, r *http.Request) {
	var p addPayload
	if !decode(w, r, &p) {
		return
	}
	raw := strings.TrimSpace(p.URL)
	if !isValidHTTPURL(raw) {
		writeError(w, http.StatusBadRequest, "url must start with http:// or https:// and name a host")
		return
	}

	t := &domain.Target{
		URL:               normalizeHTTPURL(raw),
		DisplayName:       strings.TrimSpace(p.DisplayName),
		CheckInterval:     domain.ClampInterval(p.CheckInterval, s.defaultInterval, s.minInterval),
		MonitoringEnabled: boolOr(p.MonitoringEnabled, true),
		DefacementEnabled: boolOr(p.DefacementEnabled, true),
	}
	if t.DisplayName == "" {
		t.DisplayName = t.URL
	}
	// certificate monitoring only makes sense over TLS
	t.SSLEnabled = t.IsSecure() && boolOr(p.SSLEnabled, true)

	ctx := r.Context()
	if err := s.store.CreateTarget(ctx, t); err != nil {
		s.storeError(w, "create target", err)
		return
	}

	res := s.engine.RunChecks(ctx, *t, engine.OptionsFor(*t))
	out := addResponse{Target: *t, Results: res}
	if res.Uptime.Status == domain.StatusFailure {
		out.Warning = "website appears to be down: " + res.Uptime.Error + ". It will still be monitored."
	}

	if err := s.sched.Schedule(ctx, t.ID); err != nil {
		s.log.Error("http_schedule_error", zap.Int64("target_id", int64(t.ID)), zap.Error(err))
	}

	s.log.Info("target_added",
		zap.Int64("target_id", int64(t.ID)),
		zap.String("url", t.URL),
		zap.Int("interval", t.CheckInterval),
		zap.String("uptime", string(res.Uptime.Status)),
	)
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ts, err := s.store.ListTargets(ctx, false)
	if err != nil {
		s.storeError(w, "list targets", err)
		return
	}
	out := make([]targetSummary, 0, len(ts))
	for _, t := range ts {
		sum, err := s.summarize(ctx, t)
		if err != nil {
			s.storeError(w, "summarize target", err)
			return
		}
		out = append(out, sum)
	}
	writeJSON(w, http.StatusOK, out)
}

type targetResponse struct {
	Target      domain.Target               `json:"target"`
	Status      domain.SiteStatus           `json:"status"`
	Certificate *domain.CertificateSnapshot `json:"certificate"`
}

func (s *Server) handleGetTarget(w http.ResponseWriter, r *http.Request) {
	t, ok := s.loadTarget(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	st, err := s.siteStatus(ctx, t.ID)
	if err != nil {
		s.storeError(w, "site status", err)
		return
	}
	cert, err := s.store.GetCertificate(ctx, t.ID)
	if err != nil {
		s.storeError(w, "get certificate", err)
		return
	}
	writeJSON(w, http.StatusOK, targetResponse{Target: *t, Status: st, Certificate: cert})
}

type patchPayload struct {
	MonitoringEnabled *bool `json:"monitoring_enabled"`
}

func (s *Server) handlePatchTarget(w http.ResponseWriter, r *http.Request) {
	id, ok := targetID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid target id")
		return
	}
	var p patchPayload
	if !decode(w, r, &p) {
		return
	}
	if p.MonitoringEnabled == nil {
		writeError(w, http.StatusBadRequest, "monitoring_enabled is required")
		return
	}

	ctx := r.Context()
	if err := s.store.SetTargetEnabled(ctx, id, *p.MonitoringEnabled); err != nil {
		s.storeError(w, "set enabled", err)
		return
	}
	if *p.MonitoringEnabled {
		if err := s.sched.Schedule(ctx, id); err != nil {
			s.log.Error("http_schedule_error", zap.Int64("target_id", int64(id)), zap.Error(err))
		}
	} else {
		s.sched.Unschedule(id)
	}

	t, err := s.store.GetTarget(ctx, id)
	if err != nil {
		s.storeError(w, "get target", err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteTarget(w http.ResponseWriter, r *http.Request) {
	id, ok := targetID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid target id")
		return
	}
	s.sched.Unschedule(id)
	if err := s.store.DeleteTarget(r.Context(), id); err != nil {
		s.storeError(w, "delete target", err)
		return
	}
	s.log.Info("target_deleted", zap.Int64("target_id", int64(id)))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListChecks(w http.ResponseWriter, r *http.Request) {
	t, ok := s.loadTarget(w, r)
	if !ok {
		return
	}
	rs, err := s.store.RecentChecks(r.Context(), t.ID, listLimit(r))
	if err != nil {
		s.storeError(w, "recent checks", err)
		return
	}
	if rs == nil {
		rs = []domain.CheckResult{}
	}
	writeJSON(w, http.StatusOK, rs)
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	t, ok := s.loadTarget(w, r)
	if !ok {
		return
	}
	is, err := s.store.RecentIncidents(r.Context(), t.ID, listLimit(r))
	if err != nil {
		s.storeError(w, "recent incidents", err)
		return
	}
	if is == nil {
		is = []domain.Incident{}
	}
	writeJSON(w, http.StatusOK, is)
}

type checkResponse struct {
	Results domain.Results    `json:"results"`
	Alerts  []scheduler.Alert `json:"alerts"`
}

// handleTriggerCheck runs the same pipeline as a scheduled tick.
func (s *Server) handleTriggerCheck(w http.ResponseWriter, r *http.Request) {
	t, ok := s.loadTarget(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	res := s.engine.RunChecks(ctx, *t, engine.OptionsFor(*t))
	alerts := s.alerter.ProcessResults(ctx, *t, res)
	if alerts == nil {
		alerts = []scheduler.Alert{}
	}
	s.log.Info("manual_check",
		zap.Int64("target_id", int64(t.ID)),
		zap.String("uptime", string(res.Uptime.Status)),
		zap.Int("alerts", len(alerts)),
	)
	writeJSON(w, http.StatusOK, checkResponse{Results: res, Alerts: alerts})
}

func (s *Server) handleFalsePositive(w http.ResponseWriter, r *http.Request) {
	t, ok := s.loadTarget(w, r)
	if !ok {
		return
	}
	n, err := s.engine.AcknowledgeDefacement(r.Context(), *t)
	switch {
	case errors.Is(err, engine.ErrNotFingerprintable):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		s.log.Error("false_positive_failed", zap.Int64("target_id", int64(t.ID)), zap.Error(err))
		writeError(w, http.StatusBadGateway, "could not refresh baseline")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resolved": n})
}

func (s *Server) handleTestNotification(w http.ResponseWriter, r *http.Request) {
	err := s.notifier.SendTest(r.Context())
	switch {
	case errors.Is(err, notify.ErrNoChannel):
		writeError(w, http.StatusServiceUnavailable, "no notification channel configured")
		return
	case err != nil:
		s.log.Warn("test_notification_failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"sent": true})
}
