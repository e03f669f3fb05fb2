package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamed0406/webguard/internal/domain"
	"github.com/hamed0406/webguard/internal/engine"
	apimw "github.com/hamed0406/webguard/internal/httpapi/middleware"
	"github.com/hamed0406/webguard/internal/notify"
	"github.com/hamed0406/webguard/internal/repo/memory"
	"github.com/hamed0406/webguard/internal/scheduler"
)

// ---- test helpers ----

type fakeEngine struct {
	mu     sync.Mutex
	status domain.CheckStatus
	runs   []engine.Options
	ackN   int
	ackErr error
}

func (f *fakeEngine) RunChecks(_ context.Context, t domain.Target, opt engine.Options) domain.Results {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, opt)
	res := domain.Results{Uptime: domain.CheckResult{TargetID: t.ID, Kind: domain.CheckUptime, Status: f.status}}
	if f.status == domain.StatusFailure {
		res.Uptime.Error = "request timeout"
	}
	return res
}

func (f *fakeEngine) AcknowledgeDefacement(context.Context, domain.Target) (int, error) {
	return f.ackN, f.ackErr
}

type fakeAlerter struct{ calls int }

func (f *fakeAlerter) ProcessResults(_ context.Context, _ domain.Target, res domain.Results) []scheduler.Alert {
	f.calls++
	if res.Uptime.Status == domain.StatusFailure {
		return []scheduler.Alert{{Kind: domain.IncidentDowntime, Severity: domain.SeverityCritical, Sent: true}}
	}
	return nil
}

type fakeScheduler struct {
	mu          sync.Mutex
	scheduled   []domain.TargetID
	unscheduled []domain.TargetID
}

func (f *fakeScheduler) Schedule(_ context.Context, id domain.TargetID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, id)
	return nil
}

func (f *fakeScheduler) Unschedule(id domain.TargetID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unscheduled = append(f.unscheduled, id)
}

type fakeNotifier struct{ err error }

func (f *fakeNotifier) SendTest(context.Context) error { return f.err }

type harness struct {
	ts       *httptest.Server
	store    *memory.Store
	engine   *fakeEngine
	alerter  *fakeAlerter
	sched    *fakeScheduler
	notifier *fakeNotifier
}

func setup(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    memory.New(),
		engine:   &fakeEngine{status: domain.StatusSuccess},
		alerter:  &fakeAlerter{},
		sched:    &fakeScheduler{},
		notifier: &fakeNotifier{},
	}
	srv := NewServer(Deps{
		Store:           h.store,
		Engine:          h.engine,
		Alerter:         h.alerter,
		Scheduler:       h.sched,
		Notifier:        h.notifier,
		DefaultInterval: 300 * time.Second,
		MinInterval:     60 * time.Second,
	})
	// very high rate limits to avoid flakiness in tests
	h.ts = httptest.NewServer(srv.Router(RouterOptions{
		Keys:        apimw.Keys{Public: []string{"pub_test"}, Admin: []string{"adm_test"}},
		ManualRPM:   10_000,
		ManualBurst: 10_000,
	}))
	t.Cleanup(h.ts.Close)
	return h
}

func (h *harness) do(t *testing.T, method, path, key string, body any) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.ts.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (h *harness) add(t *testing.T, body map[string]any) domain.Target {
	t.Helper()
	resp := h.do(t, http.MethodPost, "/api/targets", "adm_test", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeBody[addResponse](t, resp).Target
}

// ---- tests ----

func TestAddTarget_OK_Duplicate_Invalid(t *testing.T) {
	h := setup(t)

	tgt := h.add(t, map[string]any{"url": "https://EXAMPLE.com/", "check_interval": 10})
	assert.Equal(t, "https://example.com", tgt.URL)
	assert.Equal(t, "https://example.com", tgt.DisplayName)
	assert.Equal(t, 60, tgt.CheckInterval, "interval clamped to minimum")
	assert.True(t, tgt.SSLEnabled)
	assert.True(t, tgt.DefacementEnabled)
	assert.True(t, tgt.MonitoringEnabled)
	assert.Equal(t, []domain.TargetID{tgt.ID}, h.sched.scheduled)
	require.Len(t, h.engine.runs, 1, "initial check runs on add")
	assert.Equal(t, engine.Options{RunDefacement: true, RunTLS: true}, h.engine.runs[0])
	assert.Zero(t, h.alerter.calls, "adding a target does not alert")

	dup := h.do(t, http.MethodPost, "/api/targets", "adm_test", map[string]any{"url": "https://example.com:443"})
	assert.Equal(t, http.StatusConflict, dup.StatusCode)

	bad := h.do(t, http.MethodPost, "/api/targets", "adm_test", map[string]any{"url": "ftp://bad"})
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)

	unknown := h.do(t, http.MethodPost, "/api/targets", "adm_test", map[string]any{"url": "https://x.test", "owner": "me"})
	assert.Equal(t, http.StatusBadRequest, unknown.StatusCode)
}

func TestAddTarget_DefaultPortWithPathRegistersOnce(t *testing.T) {
	h := setup(t)

	tgt := h.add(t, map[string]any{"url": "https://Example.com:443/status"})
	assert.Equal(t, "https://example.com/status", tgt.URL)
	assert.True(t, tgt.SSLEnabled)

	dup := h.do(t, http.MethodPost, "/api/targets", "adm_test", map[string]any{"url": "HTTPS://EXAMPLE.COM/status#top"})
	assert.Equal(t, http.StatusConflict, dup.StatusCode)

	other := h.add(t, map[string]any{"url": "https://example.com:443/other"})
	assert.Equal(t, "https://example.com/other", other.URL)
}

func TestAddTarget_PlainHTTPNeverMonitorsSSL(t *testing.T) {
	h := setup(t)
	tgt := h.add(t, map[string]any{"url": "http://plain.test", "ssl_enabled": true, "check_interval": 900})
	assert.False(t, tgt.SSLEnabled)
	assert.Equal(t, 900, tgt.CheckInterval)
}

func TestAddTarget_DownSiteStillAddedWithWarning(t *testing.T) {
	h := setup(t)
	h.engine.status = domain.StatusFailure

	resp := h.do(t, http.MethodPost, "/api/targets", "adm_test", map[string]any{"url": "https://down.test"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	out := decodeBody[addResponse](t, resp)
	assert.Contains(t, out.Warning, "request timeout")
	assert.Len(t, h.sched.scheduled, 1)
}

func TestAuth_PublicCannotWrite(t *testing.T) {
	h := setup(t)
	assert.Equal(t, http.StatusForbidden, h.do(t, http.MethodPost, "/api/targets", "pub_test", map[string]any{"url": "https://a.test"}).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/api/targets", "", nil).StatusCode)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/targets", "pub_test", nil).StatusCode)
}

func TestListAndGet(t *testing.T) {
	h := setup(t)
	a := h.add(t, map[string]any{"url": "https://a.test"})
	h.add(t, map[string]any{"url": "https://b.test"})

	require.NoError(t, h.store.ReplaceCertificate(context.Background(), &domain.CertificateSnapshot{
		TargetID: a.ID, Issuer: "CN=CA", DaysUntilExpiry: 42,
	}))

	list := decodeBody[[]targetSummary](t, h.do(t, http.MethodGet, "/api/targets", "pub_test", nil))
	assert.Len(t, list, 2)

	resp := h.do(t, http.MethodGet, fmt.Sprintf("/api/targets/%d", a.ID), "pub_test", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[targetResponse](t, resp)
	assert.Equal(t, a.URL, got.Target.URL)
	assert.Equal(t, domain.SiteUnknown, got.Status, "fake engine stores no checks")
	require.NotNil(t, got.Certificate)
	assert.Equal(t, 42, got.Certificate.DaysUntilExpiry)

	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/targets/999", "pub_test", nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/targets/abc", "pub_test", nil).StatusCode)
}

func (h *harness) appendCheck(t *testing.T, id domain.TargetID, kind domain.CheckKind, st domain.CheckStatus) {
	t.Helper()
	require.NoError(t, h.store.AppendCheck(context.Background(), &domain.CheckResult{TargetID: id, Kind: kind, Status: st}))
}

func TestListShowsLatestStatus(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	up := h.add(t, map[string]any{"url": "https://up.test"})
	slow := h.add(t, map[string]any{"url": "https://slow.test"})
	down := h.add(t, map[string]any{"url": "https://down.test"})
	fresh := h.add(t, map[string]any{"url": "https://fresh.test"})

	h.appendCheck(t, up.ID, domain.CheckUptime, domain.StatusFailure)
	h.appendCheck(t, up.ID, domain.CheckUptime, domain.StatusSuccess)
	// a newer content row must not hide the uptime verdict
	h.appendCheck(t, up.ID, domain.CheckDefacement, domain.StatusSkipped)
	h.appendCheck(t, slow.ID, domain.CheckUptime, domain.StatusWarning)
	h.appendCheck(t, down.ID, domain.CheckUptime, domain.StatusFailure)

	require.NoError(t, h.store.ReplaceCertificate(ctx, &domain.CertificateSnapshot{TargetID: up.ID, Issuer: "CN=CA", DaysUntilExpiry: 30}))
	require.NoError(t, h.store.AppendBaseline(ctx, &domain.ContentBaseline{TargetID: up.ID, ContentHash: "abc"}))
	require.NoError(t, h.store.AppendBaseline(ctx, &domain.ContentBaseline{TargetID: slow.ID, ContentHash: "def"}))
	require.NoError(t, h.store.CreateIncident(ctx, &domain.Incident{
		TargetID: slow.ID, Kind: domain.IncidentDefacement, Severity: domain.SeverityHigh, DetectedAt: time.Now().UTC(),
	}))
	require.NoError(t, h.store.CreateIncident(ctx, &domain.Incident{
		TargetID: down.ID, Kind: domain.IncidentDefacement, Severity: domain.SeverityHigh, DetectedAt: time.Now().UTC().Add(-time.Hour),
	}))
	_, err := h.store.ResolveIncidents(ctx, down.ID, domain.IncidentDefacement, time.Now().UTC())
	require.NoError(t, err)

	resp := h.do(t, http.MethodGet, "/api/targets", "pub_test", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rows := map[domain.TargetID]targetSummary{}
	for _, r := range decodeBody[[]targetSummary](t, resp) {
		rows[r.ID] = r
	}
	require.Len(t, rows, 4)

	assert.Equal(t, domain.SiteOnline, rows[up.ID].Status)
	assert.Equal(t, "https://up.test", rows[up.ID].URL)
	require.NotNil(t, rows[up.ID].SSLInfo)
	assert.Equal(t, 30, rows[up.ID].SSLInfo.DaysUntilExpiry)
	assert.Equal(t, contentClean, rows[up.ID].DefacementStatus.Status)
	assert.False(t, rows[up.ID].DefacementStatus.HasIncident)

	assert.Equal(t, domain.SiteWarning, rows[slow.ID].Status)
	assert.Equal(t, contentDetected, rows[slow.ID].DefacementStatus.Status)
	assert.True(t, rows[slow.ID].DefacementStatus.HasIncident)
	assert.NotNil(t, rows[slow.ID].DefacementStatus.DetectedAt)

	assert.Equal(t, domain.SiteOffline, rows[down.ID].Status)
	assert.Equal(t, contentClean, rows[down.ID].DefacementStatus.Status)
	assert.NotNil(t, rows[down.ID].DefacementStatus.ResolvedAt)
	assert.NotNil(t, rows[down.ID].DefacementStatus.LastIncident)

	assert.Equal(t, domain.SiteUnknown, rows[fresh.ID].Status)
	assert.Nil(t, rows[fresh.ID].SSLInfo)
	assert.Equal(t, contentPending, rows[fresh.ID].DefacementStatus.Status)

	got := decodeBody[targetResponse](t, h.do(t, http.MethodGet, fmt.Sprintf("/api/targets/%d", up.ID), "pub_test", nil))
	assert.Equal(t, domain.SiteOnline, got.Status)
}

func TestOverviewCountsByLatestUptime(t *testing.T) {
	h := setup(t)
	empty := decodeBody[overviewResponse](t, h.do(t, http.MethodGet, "/api/stats/overview", "pub_test", nil))
	assert.Equal(t, overviewResponse{}, empty)

	a := h.add(t, map[string]any{"url": "https://a.test"})
	b := h.add(t, map[string]any{"url": "https://b.test"})
	c := h.add(t, map[string]any{"url": "https://c.test"})
	d := h.add(t, map[string]any{"url": "https://d.test"})
	h.add(t, map[string]any{"url": "https://never-checked.test"})

	h.appendCheck(t, a.ID, domain.CheckUptime, domain.StatusSuccess)
	h.appendCheck(t, b.ID, domain.CheckUptime, domain.StatusSuccess)
	h.appendCheck(t, b.ID, domain.CheckUptime, domain.StatusWarning)
	h.appendCheck(t, c.ID, domain.CheckUptime, domain.StatusFailure)
	h.appendCheck(t, d.ID, domain.CheckUptime, domain.StatusFailure)
	h.appendCheck(t, d.ID, domain.CheckUptime, domain.StatusSuccess)

	resp := h.do(t, http.MethodGet, "/api/stats/overview", "pub_test", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[overviewResponse](t, resp)
	assert.Equal(t, overviewResponse{Total: 5, Online: 2, Warning: 1, Offline: 2}, got)

	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/api/stats/overview", "", nil).StatusCode)
}

func TestPatchTogglesSchedule(t *testing.T) {
	h := setup(t)
	tgt := h.add(t, map[string]any{"url": "https://a.test"})
	path := fmt.Sprintf("/api/targets/%d", tgt.ID)

	resp := h.do(t, http.MethodPatch, path, "adm_test", map[string]any{"monitoring_enabled": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decodeBody[domain.Target](t, resp).MonitoringEnabled)
	assert.Equal(t, []domain.TargetID{tgt.ID}, h.sched.unscheduled)

	resp = h.do(t, http.MethodPatch, path, "adm_test", map[string]any{"monitoring_enabled": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, h.sched.scheduled, 2)

	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPatch, path, "adm_test", map[string]any{}).StatusCode)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodPatch, "/api/targets/999", "adm_test", map[string]any{"monitoring_enabled": true}).StatusCode)
}

func TestDeleteUnschedulesThenCascades(t *testing.T) {
	h := setup(t)
	tgt := h.add(t, map[string]any{"url": "https://a.test"})
	ctx := context.Background()
	require.NoError(t, h.store.AppendCheck(ctx, &domain.CheckResult{TargetID: tgt.ID, Kind: domain.CheckUptime, Status: domain.StatusSuccess}))

	path := fmt.Sprintf("/api/targets/%d", tgt.ID)
	assert.Equal(t, http.StatusNoContent, h.do(t, http.MethodDelete, path, "adm_test", nil).StatusCode)
	assert.Equal(t, []domain.TargetID{tgt.ID}, h.sched.unscheduled)

	checks, _ := h.store.RecentChecks(ctx, tgt.ID, 0)
	assert.Empty(t, checks)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodDelete, path, "adm_test", nil).StatusCode)
}

func TestChecksAndIncidentsHistory(t *testing.T) {
	h := setup(t)
	tgt := h.add(t, map[string]any{"url": "https://a.test"})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, h.store.AppendCheck(ctx, &domain.CheckResult{TargetID: tgt.ID, Kind: domain.CheckUptime, Status: domain.StatusSuccess}))
	}
	require.NoError(t, h.store.CreateIncident(ctx, &domain.Incident{TargetID: tgt.ID, Kind: domain.IncidentDowntime, Severity: domain.SeverityCritical}))

	checks := decodeBody[[]domain.CheckResult](t, h.do(t, http.MethodGet, fmt.Sprintf("/api/targets/%d/checks?limit=3", tgt.ID), "pub_test", nil))
	assert.Len(t, checks, 3)

	incs := decodeBody[[]domain.Incident](t, h.do(t, http.MethodGet, fmt.Sprintf("/api/targets/%d/incidents", tgt.ID), "pub_test", nil))
	require.Len(t, incs, 1)
	assert.Equal(t, domain.IncidentDowntime, incs[0].Kind)
}

func TestTriggerCheckRunsPipeline(t *testing.T) {
	h := setup(t)
	tgt := h.add(t, map[string]any{"url": "http://a.test"})
	h.engine.status = domain.StatusFailure

	resp := h.do(t, http.MethodPost, fmt.Sprintf("/api/targets/%d/check", tgt.ID), "adm_test", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeBody[checkResponse](t, resp)
	assert.Equal(t, domain.StatusFailure, out.Results.Uptime.Status)
	require.Len(t, out.Alerts, 1)
	assert.Equal(t, domain.IncidentDowntime, out.Alerts[0].Kind)
	assert.Equal(t, 1, h.alerter.calls)
	assert.Equal(t, engine.Options{RunDefacement: true, RunTLS: false}, h.engine.runs[1])
}

func TestFalsePositive(t *testing.T) {
	h := setup(t)
	tgt := h.add(t, map[string]any{"url": "https://a.test"})
	path := fmt.Sprintf("/api/targets/%d/false-positive", tgt.ID)

	h.engine.ackN = 2
	resp := h.do(t, http.MethodPost, path, "adm_test", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, decodeBody[map[string]int](t, resp)["resolved"])

	h.engine.ackErr = fmt.Errorf("%w (got 503)", engine.ErrNotFingerprintable)
	assert.Equal(t, http.StatusUnprocessableEntity, h.do(t, http.MethodPost, path, "adm_test", nil).StatusCode)

	h.engine.ackErr = errors.New("dial tcp: refused")
	assert.Equal(t, http.StatusBadGateway, h.do(t, http.MethodPost, path, "adm_test", nil).StatusCode)
}

func TestTestNotification(t *testing.T) {
	h := setup(t)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/notifications/test", "adm_test", nil).StatusCode)

	h.notifier.err = notify.ErrNoChannel
	assert.Equal(t, http.StatusServiceUnavailable, h.do(t, http.MethodPost, "/api/notifications/test", "adm_test", nil).StatusCode)

	h.notifier.err = errors.New("telegram: 502")
	assert.Equal(t, http.StatusBadGateway, h.do(t, http.MethodPost, "/api/notifications/test", "adm_test", nil).StatusCode)
}

func TestManualTriggerIsRateLimitedPerKey(t *testing.T) {
	h := &harness{store: memory.New(), engine: &fakeEngine{status: domain.StatusSuccess}, alerter: &fakeAlerter{}, sched: &fakeScheduler{}, notifier: &fakeNotifier{}}
	srv := NewServer(Deps{Store: h.store, Engine: h.engine, Alerter: h.alerter, Scheduler: h.sched, Notifier: h.notifier})
	h.ts = httptest.NewServer(srv.Router(RouterOptions{
		Keys:        apimw.Keys{Admin: []string{"adm_a", "adm_b"}},
		ManualRPM:   1,
		ManualBurst: 1,
	}))
	t.Cleanup(h.ts.Close)

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/notifications/test", "adm_a", nil).StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, h.do(t, http.MethodPost, "/api/notifications/test", "adm_a", nil).StatusCode)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/notifications/test", "adm_b", nil).StatusCode)
}

func TestHealthzAndMetrics(t *testing.T) {
	h := setup(t)
	resp := h.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
