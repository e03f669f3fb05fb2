package repo

import (
	"context"
	"errors"
	"time"

	"github.com/hamed0406/webguard/internal/domain"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

// Ports (interfaces). Adapters live in memory/, sqlite/ and postgres/.

type TargetStore interface {
	// CreateTarget assigns ID and timestamps. ErrDuplicate when the URL exists.
	CreateTarget(ctx context.Context, t *domain.Target) error
	GetTarget(ctx context.Context, id domain.TargetID) (*domain.Target, error)
	ListTargets(ctx context.Context, enabledOnly bool) ([]domain.Target, error)
	SetTargetEnabled(ctx context.Context, id domain.TargetID, enabled bool) error
	// DeleteTarget removes the target and every row that references it.
	DeleteTarget(ctx context.Context, id domain.TargetID) error
}

type CheckStore interface {
	AppendCheck(ctx context.Context, r *domain.CheckResult) error
	// RecentChecks returns newest first.
	RecentChecks(ctx context.Context, id domain.TargetID, limit int) ([]domain.CheckResult, error)
	// LatestCheck returns the newest result of kind or nil, nil.
	LatestCheck(ctx context.Context, id domain.TargetID, kind domain.CheckKind) (*domain.CheckResult, error)
}

type CertificateStore interface {
	// ReplaceCertificate drops any previous snapshot for the target.
	ReplaceCertificate(ctx context.Context, c *domain.CertificateSnapshot) error
	// GetCertificate returns nil, nil when no snapshot exists.
	GetCertificate(ctx context.Context, id domain.TargetID) (*domain.CertificateSnapshot, error)
}

type BaselineStore interface {
	AppendBaseline(ctx context.Context, b *domain.ContentBaseline) error
	// LatestBaseline returns nil, nil when the target has none yet.
	LatestBaseline(ctx context.Context, id domain.TargetID) (*domain.ContentBaseline, error)
}

type IncidentStore interface {
	CreateIncident(ctx context.Context, i *domain.Incident) error
	// OpenIncident returns the newest unresolved incident or nil, nil.
	OpenIncident(ctx context.Context, id domain.TargetID, kind domain.IncidentKind) (*domain.Incident, error)
	// LatestIncident returns the newest incident regardless of state or nil, nil.
	LatestIncident(ctx context.Context, id domain.TargetID, kind domain.IncidentKind) (*domain.Incident, error)
	// ResolveIncidents stamps resolved_at on every open incident of kind and
	// reports how many changed. Already resolved rows are left alone.
	ResolveIncidents(ctx context.Context, id domain.TargetID, kind domain.IncidentKind, at time.Time) (int, error)
	RecentIncidents(ctx context.Context, id domain.TargetID, limit int) ([]domain.Incident, error)
}

type NotificationStore interface {
	AppendNotification(ctx context.Context, n *domain.NotificationRecord) error
	// CountSentSince counts records with status sent for (target, kind) after since.
	CountSentSince(ctx context.Context, id domain.TargetID, kind domain.IncidentKind, since time.Time) (int, error)
}

// Store is the full persistence gateway.
type Store interface {
	TargetStore
	CheckStore
	CertificateStore
	BaselineStore
	IncidentStore
	NotificationStore
	Ping(ctx context.Context) error
	Close() error
}
