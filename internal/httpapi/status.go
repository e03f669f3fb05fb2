package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hamed0406/webguard/internal/domain"
)

const (
	contentDetected = "defacement_detected"
	contentClean    = "clean"
	contentPending  = "pending"
)

// defacementSummary reports the newest defacement incident, or whether a
// baseline exists when there has never been one.
type defacementSummary struct {
	Status       string     `json:"status"`
	HasIncident  bool       `json:"has_incident"`
	DetectedAt   *time.Time `json:"detected_at,omitempty"`
	LastIncident *time.Time `json:"last_incident,omitempty"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}

// targetSummary is a list row: the stored target plus its latest status.
type targetSummary struct {
	domain.Target
	Status           domain.SiteStatus           `json:"status"`
	SSLInfo          *domain.CertificateSnapshot `json:"ssl_info"`
	DefacementStatus defacementSummary           `json:"defacement_status"`
}

type overviewResponse struct {
	Total   int `json:"total"`
	Online  int `json:"online"`
	Warning int `json:"warning"`
	Offline int `json:"offline"`
}

func (s *Server) siteStatus(ctx context.Context, id domain.TargetID) (domain.SiteStatus, error) {
	c, err := s.store.LatestCheck(ctx, id, domain.CheckUptime)
	if err != nil {
		return domain.SiteUnknown, fmt.Errorf("latest uptime check: %w", err)
	}
	return domain.SiteStatusOf(c), nil
}

func (s *Server) defacementStatus(ctx context.Context, id domain.TargetID) (defacementSummary, error) {
	inc, err := s.store.LatestIncident(ctx, id, domain.IncidentDefacement)
	if err != nil {
		return defacementSummary{}, fmt.Errorf("latest defacement incident: %w", err)
	}
	switch {
	case inc != nil && inc.IsOpen():
		at := inc.DetectedAt
		return defacementSummary{Status: contentDetected, HasIncident: true, DetectedAt: &at}, nil
	case inc != nil:
		at := inc.DetectedAt
		return defacementSummary{Status: contentClean, LastIncident: &at, ResolvedAt: inc.ResolvedAt}, nil
	}
	b, err := s.store.LatestBaseline(ctx, id)
	if err != nil {
		return defacementSummary{}, fmt.Errorf("latest baseline: %w", err)
	}
	if b == nil {
		return defacementSummary{Status: contentPending}, nil
	}
	return defacementSummary{Status: contentClean}, nil
}

func (s *Server) summarize(ctx context.Context, t domain.Target) (targetSummary, error) {
	out := targetSummary{Target: t}
	var err error
	if out.Status, err = s.siteStatus(ctx, t.ID); err != nil {
		return out, err
	}
	if out.SSLInfo, err = s.store.GetCertificate(ctx, t.ID); err != nil {
		return out, fmt.Errorf("get certificate: %w", err)
	}
	out.DefacementStatus, err = s.defacementStatus(ctx, t.ID)
	return out, err
}

// handleOverview counts targets by the status of their newest uptime check.
// A target that has not been checked yet counts as offline.
func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ts, err := s.store.ListTargets(ctx, false)
	if err != nil {
		s.storeError(w, "list targets", err)
		return
	}
	out := overviewResponse{Total: len(ts)}
	for _, t := range ts {
		st, err := s.siteStatus(ctx, t.ID)
		if err != nil {
			s.storeError(w, "overview", err)
			return
		}
		switch st {
		case domain.SiteOnline:
			out.Online++
		case domain.SiteWarning:
			out.Warning++
		default:
			out.Offline++
		}
	}
	writeJSON(w, http.StatusOK, out)
}
