// Package repotest holds the behavioural checks every repo.Store adapter
// must pass. Adapter packages call Run from their own tests.
package repotest

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamed0406/webguard/internal/domain"
	"github.com/hamed0406/webguard/internal/repo"
)

// Run executes the suite against stores produced by newStore. Each subtest
// gets a fresh store; URLs are made unique so shared databases work too.
func Run(t *testing.T, newStore func(t *testing.T) repo.Store) {
	t.Run("Targets", func(t *testing.T) { testTargets(t, newStore(t)) })
	t.Run("Checks", func(t *testing.T) { testChecks(t, newStore(t)) })
	t.Run("Certificates", func(t *testing.T) { testCertificates(t, newStore(t)) })
	t.Run("Baselines", func(t *testing.T) { testBaselines(t, newStore(t)) })
	t.Run("Incidents", func(t *testing.T) { testIncidents(t, newStore(t)) })
	t.Run("Notifications", func(t *testing.T) { testNotifications(t, newStore(t)) })
	t.Run("DeleteCascades", func(t *testing.T) { testDeleteCascades(t, newStore(t)) })
}

var seq atomic.Int64

func uniqueURL(tag string) string {
	return fmt.Sprintf("https://%s-%d-%d.example.test", tag, time.Now().UnixNano(), seq.Add(1))
}

func addTarget(t *testing.T, s repo.Store, enabled bool) *domain.Target {
	t.Helper()
	tgt := &domain.Target{
		URL:               uniqueURL("t"),
		DisplayName:       "test",
		MonitoringEnabled: enabled,
		CheckInterval:     60,
		DefacementEnabled: true,
		SSLEnabled:        true,
	}
	require.NoError(t, s.CreateTarget(context.Background(), tgt))
	require.NotZero(t, tgt.ID)
	return tgt
}

func now() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }

func testTargets(t *testing.T, s repo.Store) {
	ctx := context.Background()
	a := addTarget(t, s, true)
	b := addTarget(t, s, false)

	dup := &domain.Target{URL: a.URL, CheckInterval: 60}
	assert.ErrorIs(t, s.CreateTarget(ctx, dup), repo.ErrDuplicate)

	got, err := s.GetTarget(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.URL, got.URL)
	assert.Equal(t, 60, got.CheckInterval)
	assert.True(t, got.MonitoringEnabled)
	assert.True(t, got.DefacementEnabled)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = s.GetTarget(ctx, domain.TargetID(987654321))
	assert.ErrorIs(t, err, repo.ErrNotFound)

	enabled, err := s.ListTargets(ctx, true)
	require.NoError(t, err)
	assert.True(t, containsTarget(enabled, a.ID))
	assert.False(t, containsTarget(enabled, b.ID))

	require.NoError(t, s.SetTargetEnabled(ctx, b.ID, true))
	enabled, err = s.ListTargets(ctx, true)
	require.NoError(t, err)
	assert.True(t, containsTarget(enabled, b.ID))

	assert.ErrorIs(t, s.SetTargetEnabled(ctx, domain.TargetID(987654321), true), repo.ErrNotFound)
	assert.ErrorIs(t, s.DeleteTarget(ctx, domain.TargetID(987654321)), repo.ErrNotFound)
}

func containsTarget(ts []domain.Target, id domain.TargetID) bool {
	for _, t := range ts {
		if t.ID == id {
			return true
		}
	}
	return false
}

func testChecks(t *testing.T, s repo.Store) {
	ctx := context.Background()
	tgt := addTarget(t, s, true)

	ms := int64(42)
	code := 503
	base := now()
	rows := []*domain.CheckResult{
		{TargetID: tgt.ID, Kind: domain.CheckUptime, Status: domain.StatusSuccess, ResponseTimeMS: &ms, CheckedAt: base},
		{TargetID: tgt.ID, Kind: domain.CheckDefacement, Status: domain.StatusSuccess, CheckedAt: base.Add(time.Millisecond)},
		{TargetID: tgt.ID, Kind: domain.CheckUptime, Status: domain.StatusFailure, HTTPStatus: &code, Error: "HTTP 503", CheckedAt: base.Add(2 * time.Millisecond)},
	}
	for _, r := range rows {
		require.NoError(t, s.AppendCheck(ctx, r))
		require.NotZero(t, r.ID)
	}

	got, err := s.RecentChecks(ctx, tgt.ID, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, domain.StatusFailure, got[0].Status)
	require.NotNil(t, got[0].HTTPStatus)
	assert.Equal(t, 503, *got[0].HTTPStatus)
	assert.Nil(t, got[0].ResponseTimeMS)
	assert.Equal(t, "HTTP 503", got[0].Error)
	assert.Equal(t, domain.CheckDefacement, got[1].Kind)

	all, err := s.RecentChecks(ctx, tgt.ID, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.NotNil(t, all[2].ResponseTimeMS)
	assert.Equal(t, int64(42), *all[2].ResponseTimeMS)
	assert.Nil(t, all[2].HTTPStatus)

	up, err := s.LatestCheck(ctx, tgt.ID, domain.CheckUptime)
	require.NoError(t, err)
	require.NotNil(t, up)
	assert.Equal(t, rows[2].ID, up.ID)
	assert.Equal(t, domain.StatusFailure, up.Status)

	none, err := s.LatestCheck(ctx, tgt.ID, domain.CheckSSL)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func testCertificates(t *testing.T, s repo.Store) {
	ctx := context.Background()
	tgt := addTarget(t, s, true)

	none, err := s.GetCertificate(ctx, tgt.ID)
	require.NoError(t, err)
	assert.Nil(t, none)

	ts := now()
	first := &domain.CertificateSnapshot{TargetID: tgt.ID, Issuer: "CN=Old CA", Subject: "CN=x", ValidFrom: ts.AddDate(0, -1, 0), ValidTo: ts.AddDate(0, 0, 30), DaysUntilExpiry: 30, CheckedAt: ts}
	second := &domain.CertificateSnapshot{TargetID: tgt.ID, Issuer: "CN=New CA", Subject: "CN=x", ValidFrom: ts, ValidTo: ts.AddDate(0, 0, 90), DaysUntilExpiry: 90, CheckedAt: ts.Add(time.Second)}
	require.NoError(t, s.ReplaceCertificate(ctx, first))
	require.NoError(t, s.ReplaceCertificate(ctx, second))

	got, err := s.GetCertificate(ctx, tgt.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "CN=New CA", got.Issuer)
	assert.Equal(t, 90, got.DaysUntilExpiry)
	assert.WithinDuration(t, second.ValidTo, got.ValidTo, time.Millisecond)
}

func testBaselines(t *testing.T, s repo.Store) {
	ctx := context.Background()
	tgt := addTarget(t, s, true)

	none, err := s.LatestBaseline(ctx, tgt.ID)
	require.NoError(t, err)
	assert.Nil(t, none)

	sel := "main"
	require.NoError(t, s.AppendBaseline(ctx, &domain.ContentBaseline{TargetID: tgt.ID, ContentHash: "aaa", CapturedAt: now()}))
	require.NoError(t, s.AppendBaseline(ctx, &domain.ContentBaseline{TargetID: tgt.ID, ContentHash: "bbb", Selector: &sel, CapturedAt: now()}))

	got, err := s.LatestBaseline(ctx, tgt.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "bbb", got.ContentHash)
	require.NotNil(t, got.Selector)
	assert.Equal(t, "main", *got.Selector)
}

func testIncidents(t *testing.T, s repo.Store) {
	ctx := context.Background()
	tgt := addTarget(t, s, true)

	open, err := s.OpenIncident(ctx, tgt.ID, domain.IncidentDefacement)
	require.NoError(t, err)
	assert.Nil(t, open)

	inc := &domain.Incident{TargetID: tgt.ID, Kind: domain.IncidentDefacement, Severity: domain.SeverityHigh, DetectedAt: now(), Description: "hash mismatch"}
	require.NoError(t, s.CreateIncident(ctx, inc))
	require.NotZero(t, inc.ID)

	open, err = s.OpenIncident(ctx, tgt.ID, domain.IncidentDefacement)
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, inc.ID, open.ID)
	assert.Equal(t, domain.SeverityHigh, open.Severity)

	other, err := s.OpenIncident(ctx, tgt.ID, domain.IncidentDowntime)
	require.NoError(t, err)
	assert.Nil(t, other)

	n, err := s.ResolveIncidents(ctx, tgt.ID, domain.IncidentDefacement, now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.ResolveIncidents(ctx, tgt.ID, domain.IncidentDefacement, now())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "resolving twice is a no-op")

	open, err = s.OpenIncident(ctx, tgt.ID, domain.IncidentDefacement)
	require.NoError(t, err)
	assert.Nil(t, open)

	latest, err := s.LatestIncident(ctx, tgt.ID, domain.IncidentDefacement)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, inc.ID, latest.ID)
	assert.NotNil(t, latest.ResolvedAt)

	recent, err := s.RecentIncidents(ctx, tgt.ID, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func testNotifications(t *testing.T, s repo.Store) {
	ctx := context.Background()
	tgt := addTarget(t, s, true)

	inc := &domain.Incident{TargetID: tgt.ID, Kind: domain.IncidentDowntime, Severity: domain.SeverityCritical, DetectedAt: now()}
	require.NoError(t, s.CreateIncident(ctx, inc))

	ts := now()
	recs := []*domain.NotificationRecord{
		{IncidentID: &inc.ID, TargetID: tgt.ID, Kind: domain.IncidentDowntime, Channel: "telegram", SentAt: ts, Status: domain.DeliverySent},
		{TargetID: tgt.ID, Kind: domain.IncidentDowntime, Channel: "telegram", SentAt: ts, Status: domain.DeliveryFailed},
		{TargetID: tgt.ID, Kind: domain.IncidentDefacement, Channel: "telegram", SentAt: ts, Status: domain.DeliverySent},
		{TargetID: tgt.ID, Kind: domain.IncidentDowntime, Channel: "telegram", SentAt: ts.Add(-time.Hour), Status: domain.DeliverySent},
	}
	for _, r := range recs {
		require.NoError(t, s.AppendNotification(ctx, r))
		require.NotZero(t, r.ID)
	}

	n, err := s.CountSentSince(ctx, tgt.ID, domain.IncidentDowntime, ts.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.CountSentSince(ctx, tgt.ID, domain.IncidentSSLExpiry, ts.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func testDeleteCascades(t *testing.T, s repo.Store) {
	ctx := context.Background()
	tgt := addTarget(t, s, true)
	ts := now()

	require.NoError(t, s.AppendCheck(ctx, &domain.CheckResult{TargetID: tgt.ID, Kind: domain.CheckUptime, Status: domain.StatusSuccess, CheckedAt: ts}))
	require.NoError(t, s.AppendBaseline(ctx, &domain.ContentBaseline{TargetID: tgt.ID, ContentHash: "h", CapturedAt: ts}))
	require.NoError(t, s.ReplaceCertificate(ctx, &domain.CertificateSnapshot{TargetID: tgt.ID, ValidFrom: ts, ValidTo: ts, CheckedAt: ts}))
	inc := &domain.Incident{TargetID: tgt.ID, Kind: domain.IncidentDowntime, Severity: domain.SeverityCritical, DetectedAt: ts}
	require.NoError(t, s.CreateIncident(ctx, inc))
	require.NoError(t, s.AppendNotification(ctx, &domain.NotificationRecord{IncidentID: &inc.ID, TargetID: tgt.ID, Kind: domain.IncidentDowntime, Channel: "slack", SentAt: ts, Status: domain.DeliverySent}))

	require.NoError(t, s.DeleteTarget(ctx, tgt.ID))

	_, err := s.GetTarget(ctx, tgt.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	checks, err := s.RecentChecks(ctx, tgt.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, checks)
	b, err := s.LatestBaseline(ctx, tgt.ID)
	require.NoError(t, err)
	assert.Nil(t, b)
	c, err := s.GetCertificate(ctx, tgt.ID)
	require.NoError(t, err)
	assert.Nil(t, c)
	incs, err := s.RecentIncidents(ctx, tgt.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, incs)
	n, err := s.CountSentSince(ctx, tgt.ID, domain.IncidentDowntime, ts.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}
