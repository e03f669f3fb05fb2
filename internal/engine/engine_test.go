package engine

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/hamed0406/webguard/internal/domain"
	"github.com/hamed0406/webguard/internal/probe"
	"github.com/hamed0406/webguard/internal/repo/memory"
)

// fakeSite is a scripted website: tests flip its fields between runs.
type fakeSite struct {
	mu       sync.Mutex
	code     int
	body     string
	certDays int
	certErr  error
	panicOn  domain.CheckKind
}

func (f *fakeSite) set(code int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.code, f.body = code, body
}

func (f *fakeSite) Check(_ context.Context, _ string) probe.UptimeResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOn == domain.CheckUptime {
		panic("uptime boom")
	}
	if f.code == 0 {
		return probe.UptimeResult{Status: domain.StatusFailure, Error: "connection error: refused"}
	}
	if f.code < 0 {
		return probe.UptimeResult{Status: domain.StatusError, Error: "check cancelled: context canceled"}
	}
	out := probe.UptimeResult{Status: probe.Classify(f.code), StatusCode: f.code, Latency: 12 * time.Millisecond}
	if out.Status != domain.StatusSuccess {
		out.Error = "HTTP " + strconv.Itoa(f.code)
	}
	return out
}

func (f *fakeSite) Fingerprint(_ context.Context, _ string) (probe.Fingerprint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOn == domain.CheckDefacement {
		panic("content boom")
	}
	if f.code != 200 {
		return probe.Fingerprint{Status: domain.StatusSkipped, StatusCode: f.code}, nil
	}
	return probe.Fingerprint{Status: domain.StatusSuccess, StatusCode: 200, Hash: probe.HashText(f.body)}, nil
}

func (f *fakeSite) Inspect(_ context.Context, _ string) (*probe.Certificate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOn == domain.CheckSSL {
		panic("tls boom")
	}
	if f.certErr != nil {
		return nil, f.certErr
	}
	now := time.Now().UTC()
	return &probe.Certificate{
		Issuer:          "CN=Test CA",
		Subject:         "CN=example.test",
		ValidFrom:       now.AddDate(0, -1, 0),
		ValidTo:         now.AddDate(0, 0, f.certDays),
		DaysUntilExpiry: f.certDays,
	}, nil
}

func newFixture(t *testing.T, url string) (*Engine, *memory.Store, *fakeSite, domain.Target) {
	t.Helper()
	st := memory.New()
	site := &fakeSite{code: 200, body: "<p>hello</p>", certDays: 90}
	tgt := &domain.Target{URL: url, MonitoringEnabled: true, CheckInterval: 60, DefacementEnabled: true, SSLEnabled: true}
	if err := st.CreateTarget(context.Background(), tgt); err != nil {
		t.Fatalf("CreateTarget: %v", err)
	}
	e := New(Config{Store: st, Uptime: site, Content: site, TLS: site})
	return e, st, site, *tgt
}

var all = Options{RunDefacement: true, RunTLS: true}

func openIncidents(t *testing.T, st *memory.Store, id domain.TargetID, kind domain.IncidentKind) int {
	t.Helper()
	incs, err := st.RecentIncidents(context.Background(), id, 0)
	if err != nil {
		t.Fatalf("RecentIncidents: %v", err)
	}
	n := 0
	for _, i := range incs {
		if i.Kind == kind && i.IsOpen() {
			n++
		}
	}
	return n
}

func TestRunChecks_FirstRunCreatesBaseline(t *testing.T) {
	e, st, _, tgt := newFixture(t, "https://example.test")
	ctx := context.Background()

	res := e.RunChecks(ctx, tgt, all)
	if res.Uptime.Status != domain.StatusSuccess {
		t.Fatalf("uptime = %s", res.Uptime.Status)
	}
	if res.Defacement == nil || res.Defacement.Status != domain.DefacementBaselineCreated {
		t.Fatalf("defacement = %+v", res.Defacement)
	}
	if got := len(st.Baselines(tgt.ID)); got != 1 {
		t.Fatalf("want exactly one baseline, got %d", got)
	}
	if res.SSL == nil || res.SSL.DaysUntilExpiry != 90 {
		t.Fatalf("ssl = %+v", res.SSL)
	}
	if res.Degraded() {
		t.Fatalf("unexpected persist errors: %v", res.PersistErrors)
	}

	checks, _ := st.RecentChecks(ctx, tgt.ID, 0)
	if len(checks) != 2 {
		t.Fatalf("want uptime+defacement rows, got %d", len(checks))
	}
	// newest first: defacement was appended after uptime
	if checks[0].Kind != domain.CheckDefacement || checks[1].Kind != domain.CheckUptime {
		t.Fatalf("rows out of order: %s, %s", checks[0].Kind, checks[1].Kind)
	}
	if checks[1].ResponseTimeMS == nil || checks[1].HTTPStatus == nil || *checks[1].HTTPStatus != 200 {
		t.Fatalf("uptime row incomplete: %+v", checks[1])
	}
}

func TestRunChecks_DefacementLifecycle(t *testing.T) {
	e, st, site, tgt := newFixture(t, "https://example.test")
	ctx := context.Background()

	e.RunChecks(ctx, tgt, all)

	site.set(200, "<p>owned</p>")
	res := e.RunChecks(ctx, tgt, all)
	if res.Defacement.Status != domain.DefacementDetected {
		t.Fatalf("want defacement_detected, got %s", res.Defacement.Status)
	}
	if res.Defacement.IncidentID == nil {
		t.Fatal("detected outcome should carry the incident id")
	}
	first := *res.Defacement.IncidentID

	// repeated mismatch reuses the open incident
	res = e.RunChecks(ctx, tgt, all)
	if *res.Defacement.IncidentID != first {
		t.Fatalf("second mismatch opened a new incident %d != %d", *res.Defacement.IncidentID, first)
	}
	if n := openIncidents(t, st, tgt.ID, domain.IncidentDefacement); n != 1 {
		t.Fatalf("want 1 open defacement incident, got %d", n)
	}

	site.set(200, "<p>hello</p>")
	res = e.RunChecks(ctx, tgt, all)
	if res.Defacement.Status != domain.DefacementNoChange {
		t.Fatalf("want no_change, got %s", res.Defacement.Status)
	}
	if n := openIncidents(t, st, tgt.ID, domain.IncidentDefacement); n != 0 {
		t.Fatalf("incident not resolved, %d open", n)
	}
	inc, _ := st.LatestIncident(ctx, tgt.ID, domain.IncidentDefacement)
	resolvedAt := *inc.ResolvedAt

	// resolving again leaves the stamp alone
	e.RunChecks(ctx, tgt, all)
	inc, _ = st.LatestIncident(ctx, tgt.ID, domain.IncidentDefacement)
	if !inc.ResolvedAt.Equal(resolvedAt) {
		t.Fatalf("resolved_at changed: %v -> %v", resolvedAt, *inc.ResolvedAt)
	}
	if got := len(st.Baselines(tgt.ID)); got != 1 {
		t.Fatalf("comparisons must not add baselines, got %d", got)
	}
}

func TestRunChecks_DowntimeSkipsDefacement(t *testing.T) {
	e, st, site, tgt := newFixture(t, "https://example.test")
	ctx := context.Background()
	e.RunChecks(ctx, tgt, all)

	site.set(503, "<p>hello</p>")
	res := e.RunChecks(ctx, tgt, all)
	if res.Uptime.Status != domain.StatusFailure {
		t.Fatalf("uptime = %s", res.Uptime.Status)
	}
	if res.Defacement == nil || res.Defacement.Status != domain.DefacementSkipped {
		t.Fatalf("defacement = %+v", res.Defacement)
	}
	if n := openIncidents(t, st, tgt.ID, domain.IncidentDowntime); n != 1 {
		t.Fatalf("want one open downtime incident, got %d", n)
	}

	checks, _ := st.RecentChecks(ctx, tgt.ID, 1)
	if checks[0].Kind != domain.CheckUptime {
		t.Fatalf("skipped defacement must not be stored, newest row is %s", checks[0].Kind)
	}

	site.set(200, "<p>hello</p>")
	e.RunChecks(ctx, tgt, all)
	if n := openIncidents(t, st, tgt.ID, domain.IncidentDowntime); n != 0 {
		t.Fatalf("downtime incident still open")
	}
}

func TestRunChecks_WarningLeavesIncidents(t *testing.T) {
	e, st, site, tgt := newFixture(t, "http://example.test")
	ctx := context.Background()

	site.set(0, "")
	e.RunChecks(ctx, tgt, all)
	site.set(404, "")
	res := e.RunChecks(ctx, tgt, all)
	if res.Uptime.Status != domain.StatusWarning {
		t.Fatalf("uptime = %s", res.Uptime.Status)
	}
	if n := openIncidents(t, st, tgt.ID, domain.IncidentDowntime); n != 1 {
		t.Fatalf("warning must not resolve downtime, open=%d", n)
	}
}

func TestRunChecks_CancelledCheckLeavesDowntimeAlone(t *testing.T) {
	e, st, site, tgt := newFixture(t, "http://example.test")
	ctx := context.Background()

	site.set(-1, "")
	res := e.RunChecks(ctx, tgt, all)
	if res.Uptime.Status != domain.StatusError {
		t.Fatalf("uptime = %s", res.Uptime.Status)
	}
	if n := openIncidents(t, st, tgt.ID, domain.IncidentDowntime); n != 0 {
		t.Fatalf("cancelled check opened downtime, open=%d", n)
	}

	site.set(0, "")
	e.RunChecks(ctx, tgt, all)
	site.set(-1, "")
	e.RunChecks(ctx, tgt, all)
	if n := openIncidents(t, st, tgt.ID, domain.IncidentDowntime); n != 1 {
		t.Fatalf("cancelled check must not resolve downtime, open=%d", n)
	}
}

func TestRunChecks_TLSOnlyForHTTPS(t *testing.T) {
	e, st, _, tgt := newFixture(t, "http://plain.example.test")
	res := e.RunChecks(context.Background(), tgt, all)
	if res.SSL != nil || res.SSLError != "" {
		t.Fatalf("plain http must not be TLS probed: %+v %q", res.SSL, res.SSLError)
	}
	c, _ := st.GetCertificate(context.Background(), tgt.ID)
	if c != nil {
		t.Fatal("no snapshot expected")
	}
}

func TestRunChecks_SSLExpiryIncidents(t *testing.T) {
	tests := []struct {
		days     int
		wantOpen bool
		wantSev  domain.Severity
	}{
		{days: 7, wantOpen: true, wantSev: domain.SeverityHigh},
		{days: -2, wantOpen: true, wantSev: domain.SeverityCritical},
		{days: 30, wantOpen: true, wantSev: domain.SeverityMedium},
		{days: 20, wantOpen: false},
	}
	for _, tt := range tests {
		e, st, site, tgt := newFixture(t, "https://example.test")
		site.certDays = tt.days
		e.RunChecks(context.Background(), tgt, Options{RunTLS: true})

		inc, _ := st.OpenIncident(context.Background(), tgt.ID, domain.IncidentSSLExpiry)
		if (inc != nil) != tt.wantOpen {
			t.Fatalf("days=%d: open incident = %v, want %v", tt.days, inc != nil, tt.wantOpen)
		}
		if inc != nil && inc.Severity != tt.wantSev {
			t.Fatalf("days=%d: severity = %s, want %s", tt.days, inc.Severity, tt.wantSev)
		}
	}
}

func TestRunChecks_SSLRenewalResolves(t *testing.T) {
	e, st, site, tgt := newFixture(t, "https://example.test")
	ctx := context.Background()
	site.certDays = 14
	e.RunChecks(ctx, tgt, Options{RunTLS: true})
	site.certDays = 365
	res := e.RunChecks(ctx, tgt, Options{RunTLS: true})

	if inc, _ := st.OpenIncident(ctx, tgt.ID, domain.IncidentSSLExpiry); inc != nil {
		t.Fatal("renewed certificate should resolve ssl_expiry")
	}
	c, _ := st.GetCertificate(ctx, tgt.ID)
	if c == nil || c.DaysUntilExpiry != 365 || res.SSL.DaysUntilExpiry != 365 {
		t.Fatalf("snapshot not replaced: %+v", c)
	}
}

func TestRunChecks_TLSFailureWritesNothing(t *testing.T) {
	e, st, site, tgt := newFixture(t, "https://example.test")
	site.certErr = errors.New("handshake failure")
	res := e.RunChecks(context.Background(), tgt, all)
	if res.SSL != nil || res.SSLError == "" {
		t.Fatalf("want unavailable, got %+v %q", res.SSL, res.SSLError)
	}
	if c, _ := st.GetCertificate(context.Background(), tgt.ID); c != nil {
		t.Fatal("failed probe must not write a snapshot")
	}
	if res.Degraded() {
		t.Fatal("an unavailable certificate is not a persistence problem")
	}
}

func TestRunChecks_PanicIsolatedPerProbe(t *testing.T) {
	e, _, site, tgt := newFixture(t, "https://example.test")
	site.panicOn = domain.CheckDefacement

	res := e.RunChecks(context.Background(), tgt, all)
	if res.Uptime.Status != domain.StatusSuccess {
		t.Fatalf("uptime = %s", res.Uptime.Status)
	}
	if res.Defacement == nil || res.Defacement.Status != domain.DefacementError {
		t.Fatalf("defacement = %+v", res.Defacement)
	}
	if res.SSL == nil {
		t.Fatal("TLS probe should still run after a defacement panic")
	}

	site.panicOn = domain.CheckUptime
	res = e.RunChecks(context.Background(), tgt, all)
	if res.Uptime.Status != domain.StatusError {
		t.Fatalf("uptime panic should map to error, got %s", res.Uptime.Status)
	}
	if res.SSL == nil {
		t.Fatal("TLS probe should still run after an uptime panic")
	}
}

// failingStore breaks every write after the target exists.
type failingStore struct {
	*memory.Store
}

var errDisk = errors.New("disk full")

func (failingStore) AppendCheck(context.Context, *domain.CheckResult) error { return errDisk }
func (failingStore) ReplaceCertificate(context.Context, *domain.CertificateSnapshot) error {
	return errDisk
}

func TestRunChecks_PersistFailureStillReturnsResults(t *testing.T) {
	_, st, site, tgt := newFixture(t, "https://example.test")
	e := New(Config{Store: failingStore{st}, Uptime: site, Content: site, TLS: site})

	res := e.RunChecks(context.Background(), tgt, all)
	if res.Uptime.Status != domain.StatusSuccess || res.SSL == nil {
		t.Fatalf("in-memory results lost: %+v", res)
	}
	if !res.Degraded() || len(res.PersistErrors) < 2 {
		t.Fatalf("want persist errors recorded, got %v", res.PersistErrors)
	}
}

func TestRunChecks_ConcurrentRunsOpenOneIncident(t *testing.T) {
	e, st, site, tgt := newFixture(t, "https://example.test")
	ctx := context.Background()
	e.RunChecks(ctx, tgt, all)
	site.set(200, "<p>changed</p>")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.RunChecks(ctx, tgt, all)
		}()
	}
	wg.Wait()

	if n := openIncidents(t, st, tgt.ID, domain.IncidentDefacement); n != 1 {
		t.Fatalf("want exactly one open defacement incident, got %d", n)
	}
	if e.locks.size() != 0 {
		t.Fatalf("lock entries leaked: %d", e.locks.size())
	}
}

func TestAcknowledgeDefacement(t *testing.T) {
	e, st, site, tgt := newFixture(t, "https://example.test")
	ctx := context.Background()
	e.RunChecks(ctx, tgt, all)
	site.set(200, "<p>redesign</p>")
	e.RunChecks(ctx, tgt, all)

	n, err := e.AcknowledgeDefacement(ctx, tgt)
	if err != nil {
		t.Fatalf("AcknowledgeDefacement: %v", err)
	}
	if n != 1 {
		t.Fatalf("resolved %d, want 1", n)
	}
	if got := len(st.Baselines(tgt.ID)); got != 2 {
		t.Fatalf("want one new baseline, have %d", got)
	}

	res := e.RunChecks(ctx, tgt, all)
	if res.Defacement.Status != domain.DefacementNoChange {
		t.Fatalf("new content should now be trusted, got %s", res.Defacement.Status)
	}

	site.set(500, "")
	if _, err := e.AcknowledgeDefacement(ctx, tgt); !errors.Is(err, ErrNotFingerprintable) {
		t.Fatalf("want ErrNotFingerprintable, got %v", err)
	}
}

func TestOptionsFor(t *testing.T) {
	got := OptionsFor(domain.Target{DefacementEnabled: true})
	if !got.RunDefacement || got.RunTLS {
		t.Fatalf("OptionsFor = %+v", got)
	}
}

func TestSSLDetail(t *testing.T) {
	if got := SSLDetail(-1); got != "SSL certificate has expired" {
		t.Fatalf("got %q", got)
	}
	if got := SSLDetail(7); got != "SSL certificate expires in 7 days" {
		t.Fatalf("got %q", got)
	}
}
