package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/hamed0406/webguard/internal/domain"
	"github.com/hamed0406/webguard/internal/repo"
	"github.com/hamed0406/webguard/internal/repo/migrations"
)

var _ repo.Store = (*Store)(nil)

type Config struct {
	DSN          string
	MaxConns     int32
	QueryTimeout time.Duration
}

type Store struct {
	pool         *pgxpool.Pool
	log          *zap.Logger
	queryTimeout time.Duration
}

// New connects, pings and migrates the schema.
func New(ctx context.Context, cfg Config, log *zap.Logger) (*Store, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	err = migrations.Up(ctx, db, "postgres")
	_ = db.Close()
	if err != nil {
		pool.Close()
		return nil, err
	}
	log.Info("postgres_ready", zap.Int32("max_conns", pcfg.MaxConns))
	return &Store{pool: pool, log: log, queryTimeout: cfg.QueryTimeout}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.queryTimeout)
}

func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return repo.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return repo.ErrDuplicate
		case "23503":
			return repo.ErrNotFound
		}
	}
	return err
}

// ---- TargetStore ----

const targetCols = `id, url, display_name, monitoring_enabled, check_interval,
	defacement_enabled, ssl_enabled, created_at, updated_at`

func scanTarget(row pgx.Row) (domain.Target, error) {
	var t domain.Target
	err := row.Scan(&t.ID, &t.URL, &t.DisplayName, &t.MonitoringEnabled, &t.CheckInterval,
		&t.DefacementEnabled, &t.SSLEnabled, &t.CreatedAt, &t.UpdatedAt)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t, err
}

func (s *Store) CreateTarget(ctx context.Context, t *domain.Target) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	err := s.pool.QueryRow(ctx,
		`INSERT INTO targets (url, display_name, monitoring_enabled, check_interval,
			defacement_enabled, ssl_enabled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		t.URL, t.DisplayName, t.MonitoringEnabled, t.CheckInterval,
		t.DefacementEnabled, t.SSLEnabled, t.CreatedAt, t.UpdatedAt,
	).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("insert target: %w", mapErr(err))
	}
	return nil
}

func (s *Store) GetTarget(ctx context.Context, id domain.TargetID) (*domain.Target, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	t, err := scanTarget(s.pool.QueryRow(ctx, `SELECT `+targetCols+` FROM targets WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err)
	}
	return &t, nil
}

func (s *Store) ListTargets(ctx context.Context, enabledOnly bool) ([]domain.Target, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rows, err := s.pool.Query(ctx,
		`SELECT `+targetCols+` FROM targets
		  WHERE ($1 = false OR monitoring_enabled)
		  ORDER BY id`, enabledOnly)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer rows.Close()

	var out []domain.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) SetTargetEnabled(ctx context.Context, id domain.TargetID, enabled bool) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	tag, err := s.pool.Exec(ctx,
		`UPDATE targets SET monitoring_enabled = $2, updated_at = now() WHERE id = $1`, id, enabled)
	if err != nil {
		return fmt.Errorf("update target: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteTarget(ctx context.Context, id domain.TargetID) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `DELETE FROM targets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete target: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repo.ErrNotFound
	}
	return nil
}

// ---- CheckStore ----

func (s *Store) AppendCheck(ctx context.Context, r *domain.CheckResult) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if r.CheckedAt.IsZero() {
		r.CheckedAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO check_results (target_id, check_type, status, response_time_ms, http_status, error_message, checked_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		r.TargetID, string(r.Kind), string(r.Status), r.ResponseTimeMS, r.HTTPStatus, r.Error, r.CheckedAt,
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("insert check: %w", mapErr(err))
	}
	return nil
}

const checkCols = `id, target_id, check_type, status, response_time_ms, http_status, error_message, checked_at`

func (s *Store) RecentChecks(ctx context.Context, id domain.TargetID, limit int) ([]domain.CheckResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	return s.queryChecks(ctx,
		`SELECT `+checkCols+` FROM check_results
		  WHERE target_id = $1
		  ORDER BY id DESC
		  LIMIT $2`, id, lim)
}

func (s *Store) LatestCheck(ctx context.Context, id domain.TargetID, kind domain.CheckKind) (*domain.CheckResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rs, err := s.queryChecks(ctx,
		`SELECT `+checkCols+` FROM check_results
		  WHERE target_id = $1 AND check_type = $2
		  ORDER BY id DESC
		  LIMIT 1`, id, string(kind))
	if err != nil || len(rs) == 0 {
		return nil, err
	}
	return &rs[0], nil
}

func (s *Store) queryChecks(ctx context.Context, q string, args ...any) ([]domain.CheckResult, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query checks: %w", err)
	}
	defer rows.Close()

	var out []domain.CheckResult
	for rows.Next() {
		var (
			r            domain.CheckResult
			kind, status string
		)
		if err := rows.Scan(&r.ID, &r.TargetID, &kind, &status, &r.ResponseTimeMS, &r.HTTPStatus, &r.Error, &r.CheckedAt); err != nil {
			return nil, fmt.Errorf("scan check: %w", err)
		}
		r.Kind = domain.CheckKind(kind)
		r.Status = domain.CheckStatus(status)
		r.CheckedAt = r.CheckedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---- CertificateStore ----

func (s *Store) ReplaceCertificate(ctx context.Context, c *domain.CertificateSnapshot) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if c.CheckedAt.IsZero() {
		c.CheckedAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO certificates (target_id, issuer, subject, valid_from, valid_to, days_until_expiry, checked_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (target_id) DO UPDATE SET
			issuer = EXCLUDED.issuer,
			subject = EXCLUDED.subject,
			valid_from = EXCLUDED.valid_from,
			valid_to = EXCLUDED.valid_to,
			days_until_expiry = EXCLUDED.days_until_expiry,
			checked_at = EXCLUDED.checked_at
		 RETURNING id`,
		c.TargetID, c.Issuer, c.Subject, c.ValidFrom, c.ValidTo, c.DaysUntilExpiry, c.CheckedAt,
	).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("upsert certificate: %w", mapErr(err))
	}
	return nil
}

func (s *Store) GetCertificate(ctx context.Context, id domain.TargetID) (*domain.CertificateSnapshot, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var c domain.CertificateSnapshot
	err := s.pool.QueryRow(ctx,
		`SELECT id, target_id, issuer, subject, valid_from, valid_to, days_until_expiry, checked_at
		   FROM certificates WHERE target_id = $1`, id,
	).Scan(&c.ID, &c.TargetID, &c.Issuer, &c.Subject, &c.ValidFrom, &c.ValidTo, &c.DaysUntilExpiry, &c.CheckedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get certificate: %w", err)
	}
	c.ValidFrom, c.ValidTo, c.CheckedAt = c.ValidFrom.UTC(), c.ValidTo.UTC(), c.CheckedAt.UTC()
	return &c, nil
}

// ---- BaselineStore ----

func (s *Store) AppendBaseline(ctx context.Context, b *domain.ContentBaseline) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if b.CapturedAt.IsZero() {
		b.CapturedAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO content_baselines (target_id, content_hash, selector, captured_at)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		b.TargetID, b.ContentHash, b.Selector, b.CapturedAt,
	).Scan(&b.ID)
	if err != nil {
		return fmt.Errorf("insert baseline: %w", mapErr(err))
	}
	return nil
}

func (s *Store) LatestBaseline(ctx context.Context, id domain.TargetID) (*domain.ContentBaseline, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var b domain.ContentBaseline
	err := s.pool.QueryRow(ctx,
		`SELECT id, target_id, content_hash, selector, captured_at
		   FROM content_baselines WHERE target_id = $1
		  ORDER BY id DESC LIMIT 1`, id,
	).Scan(&b.ID, &b.TargetID, &b.ContentHash, &b.Selector, &b.CapturedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest baseline: %w", err)
	}
	b.CapturedAt = b.CapturedAt.UTC()
	return &b, nil
}

// ---- IncidentStore ----

const incidentCols = `id, target_id, incident_type, severity, detected_at, resolved_at, description`

func scanIncident(row pgx.Row) (domain.Incident, error) {
	var (
		inc            domain.Incident
		kind, severity string
	)
	if err := row.Scan(&inc.ID, &inc.TargetID, &kind, &severity, &inc.DetectedAt, &inc.ResolvedAt, &inc.Description); err != nil {
		return inc, err
	}
	inc.Kind = domain.IncidentKind(kind)
	inc.Severity = domain.Severity(severity)
	inc.DetectedAt = inc.DetectedAt.UTC()
	if inc.ResolvedAt != nil {
		ts := inc.ResolvedAt.UTC()
		inc.ResolvedAt = &ts
	}
	return inc, nil
}

func (s *Store) CreateIncident(ctx context.Context, inc *domain.Incident) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if inc.DetectedAt.IsZero() {
		inc.DetectedAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO incidents (target_id, incident_type, severity, detected_at, resolved_at, description)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		inc.TargetID, string(inc.Kind), string(inc.Severity), inc.DetectedAt, inc.ResolvedAt, inc.Description,
	).Scan(&inc.ID)
	if err != nil {
		return fmt.Errorf("insert incident: %w", mapErr(err))
	}
	return nil
}

func (s *Store) oneIncident(ctx context.Context, q string, args ...any) (*domain.Incident, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	inc, err := scanIncident(s.pool.QueryRow(ctx, q, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get incident: %w", err)
	}
	return &inc, nil
}

func (s *Store) OpenIncident(ctx context.Context, id domain.TargetID, kind domain.IncidentKind) (*domain.Incident, error) {
	return s.oneIncident(ctx,
		`SELECT `+incidentCols+` FROM incidents
		  WHERE target_id = $1 AND incident_type = $2 AND resolved_at IS NULL
		  ORDER BY id DESC LIMIT 1`, id, string(kind))
}

func (s *Store) LatestIncident(ctx context.Context, id domain.TargetID, kind domain.IncidentKind) (*domain.Incident, error) {
	return s.oneIncident(ctx,
		`SELECT `+incidentCols+` FROM incidents
		  WHERE target_id = $1 AND incident_type = $2
		  ORDER BY id DESC LIMIT 1`, id, string(kind))
}

func (s *Store) ResolveIncidents(ctx context.Context, id domain.TargetID, kind domain.IncidentKind, at time.Time) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	tag, err := s.pool.Exec(ctx,
		`UPDATE incidents SET resolved_at = $3
		  WHERE target_id = $1 AND incident_type = $2 AND resolved_at IS NULL`,
		id, string(kind), at)
	if err != nil {
		return 0, fmt.Errorf("resolve incidents: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) RecentIncidents(ctx context.Context, id domain.TargetID, limit int) ([]domain.Incident, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+incidentCols+` FROM incidents WHERE target_id = $1 ORDER BY id DESC LIMIT $2`, id, lim)
	if err != nil {
		return nil, fmt.Errorf("recent incidents: %w", err)
	}
	defer rows.Close()

	var out []domain.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

// ---- NotificationStore ----

func (s *Store) AppendNotification(ctx context.Context, n *domain.NotificationRecord) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if n.SentAt.IsZero() {
		n.SentAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO notifications (incident_id, target_id, notification_type, channel, sent_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		n.IncidentID, n.TargetID, string(n.Kind), n.Channel, n.SentAt, string(n.Status),
	).Scan(&n.ID)
	if err != nil {
		return fmt.Errorf("insert notification: %w", mapErr(err))
	}
	return nil
}

func (s *Store) CountSentSince(ctx context.Context, id domain.TargetID, kind domain.IncidentKind, since time.Time) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM notifications
		  WHERE target_id = $1 AND notification_type = $2 AND status = $3 AND sent_at > $4`,
		id, string(kind), string(domain.DeliverySent), since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count notifications: %w", err)
	}
	return n, nil
}
