package domain

import (
	"net/url"
	"strings"
	"time"
)

type TargetID int64

type Target struct {
	ID                TargetID  `json:"id"`
	URL               string    `json:"url"`
	DisplayName       string    `json:"display_name"`
	MonitoringEnabled bool      `json:"monitoring_enabled"`
	CheckInterval     int       `json:"check_interval"` // seconds
	DefacementEnabled bool      `json:"defacement_enabled"`
	SSLEnabled        bool      `json:"ssl_enabled"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// IsSecure reports whether the target is served over TLS.
func (t Target) IsSecure() bool {
	u, err := url.Parse(t.URL)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, "https")
}

// Interval returns the check interval, never shorter than min.
func (t Target) Interval(min time.Duration) time.Duration {
	d := time.Duration(t.CheckInterval) * time.Second
	if d < min {
		return min
	}
	return d
}

// ClampInterval floors seconds to the configured minimum; zero or negative
// falls back to def.
func ClampInterval(seconds int, def, min time.Duration) int {
	if seconds <= 0 {
		seconds = int(def / time.Second)
	}
	if m := int(min / time.Second); seconds < m {
		return m
	}
	return seconds
}

// SiteStatus is the dashboard view of a target, derived from its newest
// uptime check.
type SiteStatus string

const (
	SiteOnline  SiteStatus = "online"
	SiteWarning SiteStatus = "warning"
	SiteOffline SiteStatus = "offline"
	SiteUnknown SiteStatus = "unknown"
)

// SiteStatusOf maps the newest uptime check to a SiteStatus. No check yet
// means unknown; failure and error both read as offline.
func SiteStatusOf(latest *CheckResult) SiteStatus {
	if latest == nil {
		return SiteUnknown
	}
	switch latest.Status {
	case StatusSuccess:
		return SiteOnline
	case StatusWarning:
		return SiteWarning
	default:
		return SiteOffline
	}
}

type CheckKind string

const (
	CheckUptime     CheckKind = "uptime"
	CheckDefacement CheckKind = "defacement"
	CheckSSL        CheckKind = "ssl"
)

type CheckStatus string

const (
	StatusSuccess CheckStatus = "success"
	StatusWarning CheckStatus = "warning"
	StatusFailure CheckStatus = "failure"
	StatusSkipped CheckStatus = "skipped"
	StatusError   CheckStatus = "error"
)

type CheckResult struct {
	ID             int64       `json:"id"`
	TargetID       TargetID    `json:"target_id"`
	Kind           CheckKind   `json:"check_type"`
	Status         CheckStatus `json:"status"`
	ResponseTimeMS *int64      `json:"response_time_ms"` // pointer to allow nil
	HTTPStatus     *int        `json:"http_status"`
	Error          string      `json:"error_message,omitempty"`
	CheckedAt      time.Time   `json:"checked_at"`
}

type CertificateSnapshot struct {
	ID              int64     `json:"id"`
	TargetID        TargetID  `json:"target_id"`
	Issuer          string    `json:"issuer"`
	Subject         string    `json:"subject"`
	ValidFrom       time.Time `json:"valid_from"`
	ValidTo         time.Time `json:"valid_to"`
	DaysUntilExpiry int       `json:"days_until_expiry"`
	CheckedAt       time.Time `json:"checked_at"`
}

type ContentBaseline struct {
	ID          int64     `json:"id"`
	TargetID    TargetID  `json:"target_id"`
	ContentHash string    `json:"content_hash"`
	Selector    *string   `json:"selector,omitempty"`
	CapturedAt  time.Time `json:"captured_at"`
}

type IncidentKind string

const (
	IncidentDowntime   IncidentKind = "downtime"
	IncidentDefacement IncidentKind = "defacement"
	IncidentSSLExpiry  IncidentKind = "ssl_expiry"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type Incident struct {
	ID          int64        `json:"id"`
	TargetID    TargetID     `json:"target_id"`
	Kind        IncidentKind `json:"incident_type"`
	Severity    Severity     `json:"severity"`
	DetectedAt  time.Time    `json:"detected_at"`
	ResolvedAt  *time.Time   `json:"resolved_at"`
	Description string       `json:"description"`
}

func (i Incident) IsOpen() bool { return i.ResolvedAt == nil }

type DeliveryStatus string

const (
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
	DeliveryPending DeliveryStatus = "pending"
)

// NotificationRecord is one delivery attempt. TargetID and Kind are kept on
// the record so cooldown lookups work even when no incident row exists.
type NotificationRecord struct {
	ID         int64          `json:"id"`
	IncidentID *int64         `json:"incident_id"`
	TargetID   TargetID       `json:"target_id"`
	Kind       IncidentKind   `json:"notification_type"`
	Channel    string         `json:"channel"`
	SentAt     time.Time      `json:"sent_at"`
	Status     DeliveryStatus `json:"status"`
}
