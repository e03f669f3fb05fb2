// Package sqlite is the single-file repo.Store used for local runs and the
// default deployment. Timestamps are stored as fixed-width UTC text so string
// comparison matches time order.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hamed0406/webguard/internal/domain"
	"github.com/hamed0406/webguard/internal/repo"
	"github.com/hamed0406/webguard/internal/repo/migrations"
)

var _ repo.Store = (*Store)(nil)

const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Store struct {
	db *sql.DB
}

// New opens (or creates) the database file at path and applies migrations.
func New(ctx context.Context, path string) (*Store, error) {
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; pragmas apply per connection.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := migrations.Up(ctx, db, "sqlite"); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *Store) Close() error                   { return s.db.Close() }

func fmtTime(t time.Time) string { return t.UTC().Format(tsLayout) }

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(tsLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", v, err)
	}
	return t.UTC(), nil
}

func nowUTC() time.Time { return time.Now().UTC() }

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return repo.ErrNotFound
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return repo.ErrDuplicate
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return repo.ErrNotFound
	}
	return err
}

// ---- TargetStore ----

const targetCols = `id, url, display_name, monitoring_enabled, check_interval,
	defacement_enabled, ssl_enabled, created_at, updated_at`

type scanner interface{ Scan(dest ...any) error }

func scanTarget(row scanner) (domain.Target, error) {
	var (
		t                domain.Target
		created, updated string
	)
	if err := row.Scan(&t.ID, &t.URL, &t.DisplayName, &t.MonitoringEnabled, &t.CheckInterval,
		&t.DefacementEnabled, &t.SSLEnabled, &created, &updated); err != nil {
		return t, err
	}
	var err error
	if t.CreatedAt, err = parseTime(created); err != nil {
		return t, err
	}
	t.UpdatedAt, err = parseTime(updated)
	return t, err
}

func (s *Store) CreateTarget(ctx context.Context, t *domain.Target) error {
	now := nowUTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO targets (url, display_name, monitoring_enabled, check_interval,
			defacement_enabled, ssl_enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.URL, t.DisplayName, t.MonitoringEnabled, t.CheckInterval,
		t.DefacementEnabled, t.SSLEnabled, fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert target: %w", mapErr(err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert target: %w", err)
	}
	t.ID = domain.TargetID(id)
	return nil
}

func (s *Store) GetTarget(ctx context.Context, id domain.TargetID) (*domain.Target, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+targetCols+` FROM targets WHERE id = ?`, id)
	t, err := scanTarget(row)
	if err != nil {
		return nil, mapErr(err)
	}
	return &t, nil
}

func (s *Store) ListTargets(ctx context.Context, enabledOnly bool) ([]domain.Target, error) {
	q := `SELECT ` + targetCols + ` FROM targets`
	if enabledOnly {
		q += ` WHERE monitoring_enabled = 1`
	}
	q += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q)
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
	res, err := s.db.ExecContext(ctx,
		`UPDATE targets SET monitoring_enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, fmtTime(nowUTC()), id)
	if err != nil {
		return fmt.Errorf("update target: %w", err)
	}
	return requireRow(res)
}

func (s *Store) DeleteTarget(ctx context.Context, id domain.TargetID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM targets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete target: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

// ---- CheckStore ----

func (s *Store) AppendCheck(ctx context.Context, r *domain.CheckResult) error {
	if r.CheckedAt.IsZero() {
		r.CheckedAt = nowUTC()
	}
	var ms, code sql.NullInt64
	if r.ResponseTimeMS != nil {
		ms = sql.NullInt64{Int64: *r.ResponseTimeMS, Valid: true}
	}
	if r.HTTPStatus != nil {
		code = sql.NullInt64{Int64: int64(*r.HTTPStatus), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO check_results (target_id, check_type, status, response_time_ms, http_status, error_message, checked_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.TargetID, string(r.Kind), string(r.Status), ms, code, r.Error, fmtTime(r.CheckedAt))
	if err != nil {
		return fmt.Errorf("insert check: %w", mapErr(err))
	}
	r.ID, err = res.LastInsertId()
	return err
}

const checkCols = `id, target_id, check_type, status, response_time_ms, http_status, error_message, checked_at`

func (s *Store) RecentChecks(ctx context.Context, id domain.TargetID, limit int) ([]domain.CheckResult, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryChecks(ctx,
		`SELECT `+checkCols+` FROM check_results
		  WHERE target_id = ?
		  ORDER BY id DESC
		  LIMIT ?`, id, limit)
}

func (s *Store) LatestCheck(ctx context.Context, id domain.TargetID, kind domain.CheckKind) (*domain.CheckResult, error) {
	rs, err := s.queryChecks(ctx,
		`SELECT `+checkCols+` FROM check_results
		  WHERE target_id = ? AND check_type = ?
		  ORDER BY id DESC
		  LIMIT 1`, id, string(kind))
	if err != nil || len(rs) == 0 {
		return nil, err
	}
	return &rs[0], nil
}

func (s *Store) queryChecks(ctx context.Context, q string, args ...any) ([]domain.CheckResult, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query checks: %w", err)
	}
	defer rows.Close()

	var out []domain.CheckResult
	for rows.Next() {
		var (
			r        domain.CheckResult
			kind     string
			status   string
			ms, code sql.NullInt64
			at       string
		)
		if err := rows.Scan(&r.ID, &r.TargetID, &kind, &status, &ms, &code, &r.Error, &at); err != nil {
			return nil, fmt.Errorf("scan check: %w", err)
		}
		r.Kind = domain.CheckKind(kind)
		r.Status = domain.CheckStatus(status)
		if ms.Valid {
			v := ms.Int64
			r.ResponseTimeMS = &v
		}
		if code.Valid {
			v := int(code.Int64)
			r.HTTPStatus = &v
		}
		if r.CheckedAt, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---- CertificateStore ----

func (s *Store) ReplaceCertificate(ctx context.Context, c *domain.CertificateSnapshot) error {
	if c.CheckedAt.IsZero() {
		c.CheckedAt = nowUTC()
	}
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO certificates (target_id, issuer, subject, valid_from, valid_to, days_until_expiry, checked_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (target_id) DO UPDATE SET
			issuer = excluded.issuer,
			subject = excluded.subject,
			valid_from = excluded.valid_from,
			valid_to = excluded.valid_to,
			days_until_expiry = excluded.days_until_expiry,
			checked_at = excluded.checked_at
		 RETURNING id`,
		c.TargetID, c.Issuer, c.Subject, fmtTime(c.ValidFrom), fmtTime(c.ValidTo), c.DaysUntilExpiry, fmtTime(c.CheckedAt))
	if err := row.Scan(&c.ID); err != nil {
		return fmt.Errorf("upsert certificate: %w", mapErr(err))
	}
	return nil
}

func (s *Store) GetCertificate(ctx context.Context, id domain.TargetID) (*domain.CertificateSnapshot, error) {
	var (
		c                   domain.CertificateSnapshot
		from, to, checkedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, target_id, issuer, subject, valid_from, valid_to, days_until_expiry, checked_at
		   FROM certificates WHERE target_id = ?`, id).
		Scan(&c.ID, &c.TargetID, &c.Issuer, &c.Subject, &from, &to, &c.DaysUntilExpiry, &checkedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get certificate: %w", err)
	}
	if c.ValidFrom, err = parseTime(from); err != nil {
		return nil, err
	}
	if c.ValidTo, err = parseTime(to); err != nil {
		return nil, err
	}
	if c.CheckedAt, err = parseTime(checkedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// ---- BaselineStore ----

func (s *Store) AppendBaseline(ctx context.Context, b *domain.ContentBaseline) error {
	if b.CapturedAt.IsZero() {
		b.CapturedAt = nowUTC()
	}
	var sel sql.NullString
	if b.Selector != nil {
		sel = sql.NullString{String: *b.Selector, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO content_baselines (target_id, content_hash, selector, captured_at) VALUES (?, ?, ?, ?)`,
		b.TargetID, b.ContentHash, sel, fmtTime(b.CapturedAt))
	if err != nil {
		return fmt.Errorf("insert baseline: %w", mapErr(err))
	}
	b.ID, err = res.LastInsertId()
	return err
}

func (s *Store) LatestBaseline(ctx context.Context, id domain.TargetID) (*domain.ContentBaseline, error) {
	var (
		b   domain.ContentBaseline
		sel sql.NullString
		at  string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, target_id, content_hash, selector, captured_at
		   FROM content_baselines WHERE target_id = ?
		  ORDER BY id DESC LIMIT 1`, id).
		Scan(&b.ID, &b.TargetID, &b.ContentHash, &sel, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest baseline: %w", err)
	}
	if sel.Valid {
		v := sel.String
		b.Selector = &v
	}
	if b.CapturedAt, err = parseTime(at); err != nil {
		return nil, err
	}
	return &b, nil
}

// ---- IncidentStore ----

const incidentCols = `id, target_id, incident_type, severity, detected_at, resolved_at, description`

func scanIncident(row scanner) (domain.Incident, error) {
	var (
		inc            domain.Incident
		kind, severity string
		detected       string
		resolved       sql.NullString
	)
	if err := row.Scan(&inc.ID, &inc.TargetID, &kind, &severity, &detected, &resolved, &inc.Description); err != nil {
		return inc, err
	}
	inc.Kind = domain.IncidentKind(kind)
	inc.Severity = domain.Severity(severity)
	var err error
	if inc.DetectedAt, err = parseTime(detected); err != nil {
		return inc, err
	}
	if resolved.Valid {
		ts, err := parseTime(resolved.String)
		if err != nil {
			return inc, err
		}
		inc.ResolvedAt = &ts
	}
	return inc, nil
}

func (s *Store) CreateIncident(ctx context.Context, inc *domain.Incident) error {
	if inc.DetectedAt.IsZero() {
		inc.DetectedAt = nowUTC()
	}
	var resolved sql.NullString
	if inc.ResolvedAt != nil {
		resolved = sql.NullString{String: fmtTime(*inc.ResolvedAt), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO incidents (target_id, incident_type, severity, detected_at, resolved_at, description)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		inc.TargetID, string(inc.Kind), string(inc.Severity), fmtTime(inc.DetectedAt), resolved, inc.Description)
	if err != nil {
		return fmt.Errorf("insert incident: %w", mapErr(err))
	}
	inc.ID, err = res.LastInsertId()
	return err
}

func (s *Store) oneIncident(ctx context.Context, q string, args ...any) (*domain.Incident, error) {
	inc, err := scanIncident(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
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
		  WHERE target_id = ? AND incident_type = ? AND resolved_at IS NULL
		  ORDER BY id DESC LIMIT 1`, id, string(kind))
}

func (s *Store) LatestIncident(ctx context.Context, id domain.TargetID, kind domain.IncidentKind) (*domain.Incident, error) {
	return s.oneIncident(ctx,
		`SELECT `+incidentCols+` FROM incidents
		  WHERE target_id = ? AND incident_type = ?
		  ORDER BY id DESC LIMIT 1`, id, string(kind))
}

func (s *Store) ResolveIncidents(ctx context.Context, id domain.TargetID, kind domain.IncidentKind, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE incidents SET resolved_at = ?
		  WHERE target_id = ? AND incident_type = ? AND resolved_at IS NULL`,
		fmtTime(at), id, string(kind))
	if err != nil {
		return 0, fmt.Errorf("resolve incidents: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) RecentIncidents(ctx context.Context, id domain.TargetID, limit int) ([]domain.Incident, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+incidentCols+` FROM incidents WHERE target_id = ? ORDER BY id DESC LIMIT ?`, id, limit)
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
	if n.SentAt.IsZero() {
		n.SentAt = nowUTC()
	}
	var incID sql.NullInt64
	if n.IncidentID != nil {
		incID = sql.NullInt64{Int64: *n.IncidentID, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (incident_id, target_id, notification_type, channel, sent_at, status)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		incID, n.TargetID, string(n.Kind), n.Channel, fmtTime(n.SentAt), string(n.Status))
	if err != nil {
		return fmt.Errorf("insert notification: %w", mapErr(err))
	}
	n.ID, err = res.LastInsertId()
	return err
}

func (s *Store) CountSentSince(ctx context.Context, id domain.TargetID, kind domain.IncidentKind, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM notifications
		  WHERE target_id = ? AND notification_type = ? AND status = ? AND sent_at > ?`,
		id, string(kind), string(domain.DeliverySent), fmtTime(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count notifications: %w", err)
	}
	return n, nil
}
