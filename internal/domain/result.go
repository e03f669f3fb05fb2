package domain

type DefacementStatus string

const (
	DefacementBaselineCreated DefacementStatus = "baseline_created"
	DefacementNoChange        DefacementStatus = "no_change"
	DefacementDetected        DefacementStatus = "defacement_detected"
	DefacementSkipped         DefacementStatus = "skipped"
	DefacementError           DefacementStatus = "error"
)

type DefacementOutcome struct {
	Status       DefacementStatus `json:"status"`
	ContentHash  string           `json:"content_hash,omitempty"`
	BaselineHash string           `json:"baseline_hash,omitempty"`
	IncidentID   *int64           `json:"incident_id,omitempty"`
	Reason       string           `json:"reason,omitempty"`
}

// Results is the bundle produced by one RunChecks call.
type Results struct {
	Uptime     CheckResult          `json:"uptime"`
	Defacement *DefacementOutcome   `json:"defacement,omitempty"`
	SSL        *CertificateSnapshot `json:"ssl,omitempty"`
	SSLError   string               `json:"ssl_error,omitempty"`

	// PersistErrors lists store writes that failed during the run. The
	// results above are still what the probes observed.
	PersistErrors []string `json:"persist_errors,omitempty"`
}

func (r Results) Degraded() bool { return len(r.PersistErrors) > 0 }
