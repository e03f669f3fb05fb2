package scheduler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hamed0406/webguard/internal/domain"
	"github.com/hamed0406/webguard/internal/engine"
	"github.com/hamed0406/webguard/internal/notify"
)

type Notifier interface {
	SendNotification(ctx context.Context, t domain.Target, kind domain.IncidentKind, sev domain.Severity, detail string) (bool, error)
}

// Alert is one notification ProcessResults asked for and what became of it.
type Alert struct {
	Kind     domain.IncidentKind `json:"kind"`
	Severity domain.Severity     `json:"severity"`
	Detail   string              `json:"detail"`
	Sent     bool                `json:"sent"`
	Error    string              `json:"error,omitempty"`
}

// Alerter turns a RunChecks bundle into notifications. Scheduled ticks and
// manual triggers both go through it.
type Alerter struct {
	notifier Notifier
	ssl      domain.SSLPolicy
	log      *zap.Logger
}

func NewAlerter(n Notifier, ssl domain.SSLPolicy, log *zap.Logger) *Alerter {
	if log == nil {
		log = zap.NewNop()
	}
	if len(ssl.Thresholds) == 0 {
		ssl.Thresholds = domain.DefaultSSLThresholds
	}
	return &Alerter{notifier: n, ssl: ssl, log: log.With(zap.String("component", "alerter"))}
}

// Candidates lists the alerts a result bundle warrants, without sending.
func (a *Alerter) Candidates(res domain.Results) []Alert {
	var out []Alert
	if res.Uptime.Status == domain.StatusFailure {
		out = append(out, Alert{
			Kind:     domain.IncidentDowntime,
			Severity: domain.SeverityCritical,
			Detail:   "Website is offline. Error: " + offlineReason(res.Uptime),
		})
	}
	if res.Defacement != nil && res.Defacement.Status == domain.DefacementDetected {
		out = append(out, Alert{
			Kind:     domain.IncidentDefacement,
			Severity: domain.SeverityHigh,
			Detail:   "Potential website defacement detected. Content hash mismatch.",
		})
	}
	if res.SSL != nil && a.ssl.ShouldAlert(res.SSL.DaysUntilExpiry) {
		days := res.SSL.DaysUntilExpiry
		out = append(out, Alert{
			Kind:     domain.IncidentSSLExpiry,
			Severity: domain.SSLSeverity(days),
			Detail:   engine.SSLDetail(days),
		})
	}
	return out
}

func offlineReason(r domain.CheckResult) string {
	switch {
	case r.Error != "":
		return r.Error
	case r.HTTPStatus != nil:
		return fmt.Sprintf("HTTP %d", *r.HTTPStatus)
	}
	return "Unknown error"
}

// ProcessResults sends every candidate alert. Delivery problems are logged
// and reported per alert, never returned.
func (a *Alerter) ProcessResults(ctx context.Context, t domain.Target, res domain.Results) []Alert {
	alerts := a.Candidates(res)
	for i := range alerts {
		al := &alerts[i]
		sent, err := a.notifier.SendNotification(ctx, t, al.Kind, al.Severity, al.Detail)
		al.Sent = sent
		log := a.log.With(
			zap.Int64("target_id", int64(t.ID)),
			zap.String("kind", string(al.Kind)),
			zap.String("severity", string(al.Severity)),
		)
		switch {
		case errors.Is(err, notify.ErrNoChannel):
			al.Error = err.Error()
			log.Debug("alert_no_channel")
		case err != nil && sent:
			al.Error = err.Error()
			log.Warn("alert_partially_sent", zap.Error(err))
		case err != nil:
			al.Error = err.Error()
			log.Warn("alert_failed", zap.Error(err))
		case !sent:
			log.Debug("alert_suppressed")
		default:
			log.Info("alert_sent")
		}
	}
	return alerts
}
