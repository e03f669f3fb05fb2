// Package engine runs the probes for one target, persists what they observed
// and moves incidents between open and resolved.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hamed0406/webguard/internal/domain"
	"github.com/hamed0406/webguard/internal/obs"
	"github.com/hamed0406/webguard/internal/probe"
	"github.com/hamed0406/webguard/internal/repo"
)

type UptimeChecker interface {
	Check(ctx context.Context, url string) probe.UptimeResult
}

type ContentFingerprinter interface {
	Fingerprint(ctx context.Context, url string) (probe.Fingerprint, error)
}

type CertInspector interface {
	Inspect(ctx context.Context, url string) (*probe.Certificate, error)
}

// Store is the slice of the persistence gateway the engine writes to.
type Store interface {
	repo.CheckStore
	repo.CertificateStore
	repo.BaselineStore
	repo.IncidentStore
}

type Options struct {
	RunDefacement bool
	RunTLS        bool
}

// OptionsFor enables the optional probes the target has switched on.
func OptionsFor(t domain.Target) Options {
	return Options{RunDefacement: t.DefacementEnabled, RunTLS: t.SSLEnabled}
}

type Config struct {
	Store   Store
	Uptime  UptimeChecker
	Content ContentFingerprinter
	TLS     CertInspector
	SSL     domain.SSLPolicy
	Logger  *zap.Logger
	Now     func() time.Time
}

type Engine struct {
	store   Store
	uptime  UptimeChecker
	content ContentFingerprinter
	tls     CertInspector
	ssl     domain.SSLPolicy
	log     *zap.Logger
	now     func() time.Time
	tracer  trace.Tracer
	locks   *keyedMutex
}

func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if len(cfg.SSL.Thresholds) == 0 {
		cfg.SSL.Thresholds = domain.DefaultSSLThresholds
	}
	return &Engine{
		store:   cfg.Store,
		uptime:  cfg.Uptime,
		content: cfg.Content,
		tls:     cfg.TLS,
		ssl:     cfg.SSL,
		log:     cfg.Logger.With(zap.String("component", "engine")),
		now:     func() time.Time { return cfg.Now().UTC() },
		tracer:  otel.Tracer("webguard/engine"),
		locks:   newKeyedMutex(),
	}
}

// run carries the state of one RunChecks call.
type run struct {
	e   *Engine
	t   domain.Target
	log *zap.Logger
	res *domain.Results
}

// RunChecks probes the target in order uptime, defacement, TLS. Probe and
// store failures never escape: they are folded into the returned bundle.
// Calls for the same target are serialised.
func (e *Engine) RunChecks(ctx context.Context, t domain.Target, opt Options) domain.Results {
	unlock := e.locks.Lock(t.ID)
	defer unlock()

	ctx, span := e.tracer.Start(ctx, "engine.RunChecks", trace.WithAttributes(
		attribute.Int64("webguard.target_id", int64(t.ID)),
		attribute.String("url.full", t.URL),
	))
	defer span.End()

	r := &run{
		e:   e,
		t:   t,
		log: obs.WithTrace(ctx, e.log).With(zap.Int64("target_id", int64(t.ID)), zap.String("url", t.URL)),
		res: &domain.Results{},
	}

	r.uptime(ctx)

	if opt.RunDefacement {
		if r.res.Uptime.Status == domain.StatusSuccess {
			r.defacement(ctx)
		} else {
			r.res.Defacement = &domain.DefacementOutcome{
				Status: domain.DefacementSkipped,
				Reason: "uptime check did not succeed",
			}
		}
	}

	if opt.RunTLS && t.IsSecure() {
		r.certificate(ctx)
	}

	if r.res.Degraded() {
		span.SetStatus(codes.Error, "persistence degraded")
		r.log.Warn("engine_run_degraded", zap.Strings("persist_errors", r.res.PersistErrors))
	}
	span.SetAttributes(attribute.String("webguard.uptime_status", string(r.res.Uptime.Status)))
	return *r.res
}

func (r *run) persistErr(op string, err error) {
	obs.PersistErrors.Inc()
	r.log.Warn("engine_persist_error", zap.String("op", op), zap.Error(err))
	r.res.PersistErrors = append(r.res.PersistErrors, fmt.Sprintf("%s: %v", op, err))
}

func (r *run) uptime(ctx context.Context) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("engine_probe_panic", zap.String("kind", string(domain.CheckUptime)), zap.Any("panic", p))
			r.res.Uptime = domain.CheckResult{
				TargetID:  r.t.ID,
				Kind:      domain.CheckUptime,
				Status:    domain.StatusError,
				Error:     fmt.Sprintf("probe panic: %v", p),
				CheckedAt: r.e.now(),
			}
			r.record(ctx, &r.res.Uptime, start)
		}
	}()

	out := r.e.uptime.Check(ctx, r.t.URL)
	res := domain.CheckResult{
		TargetID:  r.t.ID,
		Kind:      domain.CheckUptime,
		Status:    out.Status,
		Error:     out.Error,
		CheckedAt: r.e.now(),
	}
	if out.StatusCode != 0 {
		code := out.StatusCode
		res.HTTPStatus = &code
	}
	if out.Latency > 0 {
		ms := out.Latency.Milliseconds()
		res.ResponseTimeMS = &ms
	}
	r.res.Uptime = res
	r.record(ctx, &r.res.Uptime, start)

	switch res.Status {
	case domain.StatusFailure:
		r.openIncident(ctx, domain.IncidentDowntime, domain.SeverityCritical, offlineDetail(res))
	case domain.StatusSuccess:
		r.resolve(ctx, domain.IncidentDowntime)
	}
}

// record appends a check row and updates the probe metrics.
func (r *run) record(ctx context.Context, res *domain.CheckResult, start time.Time) {
	obs.ChecksTotal.WithLabelValues(string(res.Kind), string(res.Status)).Inc()
	obs.CheckDuration.WithLabelValues(string(res.Kind)).Observe(time.Since(start).Seconds())
	if err := r.e.store.AppendCheck(ctx, res); err != nil {
		r.persistErr("append "+string(res.Kind)+" check", err)
	}
}

func offlineDetail(res domain.CheckResult) string {
	if res.Error != "" {
		return res.Error
	}
	if res.HTTPStatus != nil {
		return fmt.Sprintf("HTTP %d", *res.HTTPStatus)
	}
	return "unknown error"
}

func (r *run) defacement(ctx context.Context) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("engine_probe_panic", zap.String("kind", string(domain.CheckDefacement)), zap.Any("panic", p))
			r.res.Defacement = &domain.DefacementOutcome{Status: domain.DefacementError, Reason: fmt.Sprintf("probe panic: %v", p)}
		}
	}()

	out := r.e.checkContent(ctx, r.t, r.log)
	r.res.Defacement = out
	var status domain.CheckStatus
	switch out.Status {
	case domain.DefacementBaselineCreated, domain.DefacementNoChange:
		status = domain.StatusSuccess
	case domain.DefacementDetected:
		status = domain.StatusFailure
	default:
		obs.ChecksTotal.WithLabelValues(string(domain.CheckDefacement), string(out.Status)).Inc()
		return
	}

	row := domain.CheckResult{
		TargetID:  r.t.ID,
		Kind:      domain.CheckDefacement,
		Status:    status,
		CheckedAt: r.e.now(),
	}
	if out.Status == domain.DefacementDetected {
		row.Error = "content hash mismatch"
	}
	r.record(ctx, &row, start)

	switch out.Status {
	case domain.DefacementDetected:
		out.IncidentID = r.openIncident(ctx, domain.IncidentDefacement, domain.SeverityHigh, "Content hash mismatch detected")
	case domain.DefacementNoChange:
		r.resolve(ctx, domain.IncidentDefacement)
	case domain.DefacementBaselineCreated:
		r.log.Info("engine_baseline_created", zap.String("hash", out.ContentHash))
	}
}

// checkContent fingerprints the page and compares it with the active
// baseline, appending the first baseline when none exists.
func (e *Engine) checkContent(ctx context.Context, t domain.Target, log *zap.Logger) *domain.DefacementOutcome {
	fp, err := e.content.Fingerprint(ctx, t.URL)
	if err != nil {
		log.Warn("engine_content_error", zap.Error(err))
		return &domain.DefacementOutcome{Status: domain.DefacementError, Reason: err.Error()}
	}
	if fp.Status != domain.StatusSuccess {
		return &domain.DefacementOutcome{
			Status: domain.DefacementSkipped,
			Reason: fmt.Sprintf("HTTP %d", fp.StatusCode),
		}
	}

	base, err := e.store.LatestBaseline(ctx, t.ID)
	if err != nil {
		log.Warn("engine_baseline_lookup_error", zap.Error(err))
		return &domain.DefacementOutcome{Status: domain.DefacementError, ContentHash: fp.Hash, Reason: "baseline lookup: " + err.Error()}
	}
	if base == nil {
		nb := &domain.ContentBaseline{TargetID: t.ID, ContentHash: fp.Hash, CapturedAt: e.now()}
		if err := e.store.AppendBaseline(ctx, nb); err != nil {
			log.Warn("engine_baseline_write_error", zap.Error(err))
			return &domain.DefacementOutcome{Status: domain.DefacementError, ContentHash: fp.Hash, Reason: "baseline write: " + err.Error()}
		}
		return &domain.DefacementOutcome{Status: domain.DefacementBaselineCreated, ContentHash: fp.Hash}
	}
	out := &domain.DefacementOutcome{ContentHash: fp.Hash, BaselineHash: base.ContentHash}
	if fp.Hash == base.ContentHash {
		out.Status = domain.DefacementNoChange
	} else {
		out.Status = domain.DefacementDetected
	}
	return out
}

func (r *run) certificate(ctx context.Context) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("engine_probe_panic", zap.String("kind", string(domain.CheckSSL)), zap.Any("panic", p))
			r.res.SSL = nil
			r.res.SSLError = fmt.Sprintf("probe panic: %v", p)
		}
	}()

	cert, err := r.e.tls.Inspect(ctx, r.t.URL)
	obs.CheckDuration.WithLabelValues(string(domain.CheckSSL)).Observe(time.Since(start).Seconds())
	if err != nil {
		obs.ChecksTotal.WithLabelValues(string(domain.CheckSSL), string(domain.StatusError)).Inc()
		r.log.Info("engine_tls_unavailable", zap.Error(err))
		r.res.SSLError = err.Error()
		return
	}
	obs.ChecksTotal.WithLabelValues(string(domain.CheckSSL), string(domain.StatusSuccess)).Inc()

	snap := &domain.CertificateSnapshot{
		TargetID:        r.t.ID,
		Issuer:          cert.Issuer,
		Subject:         cert.Subject,
		ValidFrom:       cert.ValidFrom.UTC(),
		ValidTo:         cert.ValidTo.UTC(),
		DaysUntilExpiry: cert.DaysUntilExpiry,
		CheckedAt:       r.e.now(),
	}
	if err := r.e.store.ReplaceCertificate(ctx, snap); err != nil {
		r.persistErr("replace certificate", err)
	}
	r.res.SSL = snap

	days := snap.DaysUntilExpiry
	switch {
	case r.e.ssl.ShouldAlert(days):
		r.openIncident(ctx, domain.IncidentSSLExpiry, domain.SSLSeverity(days), SSLDetail(days))
	case r.e.ssl.Recovered(days):
		r.resolve(ctx, domain.IncidentSSLExpiry)
	}
}

// SSLDetail is the human readable expiry text used for incidents and alerts.
func SSLDetail(days int) string {
	if days < 0 {
		return "SSL certificate has expired"
	}
	return fmt.Sprintf("SSL certificate expires in %d days", days)
}

// openIncident returns the id of the open incident of kind, creating one only
// when none is open. Nil when the store failed.
func (r *run) openIncident(ctx context.Context, kind domain.IncidentKind, sev domain.Severity, desc string) *int64 {
	cur, err := r.e.store.OpenIncident(ctx, r.t.ID, kind)
	if err != nil {
		r.persistErr("lookup open "+string(kind)+" incident", err)
		return nil
	}
	if cur != nil {
		return &cur.ID
	}
	inc := &domain.Incident{
		TargetID:    r.t.ID,
		Kind:        kind,
		Severity:    sev,
		DetectedAt:  r.e.now(),
		Description: desc,
	}
	if err := r.e.store.CreateIncident(ctx, inc); err != nil {
		r.persistErr("create "+string(kind)+" incident", err)
		return nil
	}
	obs.IncidentsOpened.WithLabelValues(string(kind)).Inc()
	r.log.Info("engine_incident_opened", zap.String("kind", string(kind)), zap.String("severity", string(sev)), zap.Int64("incident_id", inc.ID))
	return &inc.ID
}

func (r *run) resolve(ctx context.Context, kind domain.IncidentKind) {
	n, err := r.e.store.ResolveIncidents(ctx, r.t.ID, kind, r.e.now())
	if err != nil {
		r.persistErr("resolve "+string(kind)+" incidents", err)
		return
	}
	if n > 0 {
		obs.IncidentsResolved.WithLabelValues(string(kind)).Add(float64(n))
		r.log.Info("engine_incident_resolved", zap.String("kind", string(kind)), zap.Int("count", n))
	}
}

var ErrNotFingerprintable = errors.New("page did not return HTTP 200")

// AcknowledgeDefacement marks the current page as the trusted content: it
// appends a fresh baseline and resolves every open defacement incident.
// It returns how many incidents were resolved.
func (e *Engine) AcknowledgeDefacement(ctx context.Context, t domain.Target) (int, error) {
	unlock := e.locks.Lock(t.ID)
	defer unlock()

	ctx, span := e.tracer.Start(ctx, "engine.AcknowledgeDefacement", trace.WithAttributes(
		attribute.Int64("webguard.target_id", int64(t.ID)),
	))
	defer span.End()

	fp, err := e.content.Fingerprint(ctx, t.URL)
	if err != nil {
		return 0, fmt.Errorf("fingerprint: %w", err)
	}
	if fp.Status != domain.StatusSuccess {
		return 0, fmt.Errorf("%w (got %d)", ErrNotFingerprintable, fp.StatusCode)
	}
	if err := e.store.AppendBaseline(ctx, &domain.ContentBaseline{TargetID: t.ID, ContentHash: fp.Hash, CapturedAt: e.now()}); err != nil {
		return 0, fmt.Errorf("append baseline: %w", err)
	}
	n, err := e.store.ResolveIncidents(ctx, t.ID, domain.IncidentDefacement, e.now())
	if err != nil {
		return 0, fmt.Errorf("resolve incidents: %w", err)
	}
	if n > 0 {
		obs.IncidentsResolved.WithLabelValues(string(domain.IncidentDefacement)).Add(float64(n))
	}
	e.log.Info("engine_defacement_acknowledged", zap.Int64("target_id", int64(t.ID)), zap.Int("resolved", n))
	return n, nil
}
