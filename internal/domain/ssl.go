package domain

import "slices"

// SSLMatch selects how a non-negative day count is compared to the thresholds.
type SSLMatch string

const (
	SSLMatchExact     SSLMatch = "exact"
	SSLMatchAtOrBelow SSLMatch = "at_or_below"
)

var DefaultSSLThresholds = []int{30, 14, 7, 0}

type SSLPolicy struct {
	Thresholds []int
	Match      SSLMatch
}

func (p SSLPolicy) maxThreshold() int {
	if len(p.Thresholds) == 0 {
		return 0
	}
	return slices.Max(p.Thresholds)
}

// ShouldAlert reports whether days until expiry warrants an ssl_expiry alert.
// Expired certificates always do. With exact matching a day count that skips
// over a threshold between checks does not fire it.
func (p SSLPolicy) ShouldAlert(days int) bool {
	if days < 0 {
		return true
	}
	if p.Match == SSLMatchAtOrBelow {
		return len(p.Thresholds) > 0 && days <= p.maxThreshold()
	}
	return slices.Contains(p.Thresholds, days)
}

// Recovered reports whether the certificate is clear of every threshold.
func (p SSLPolicy) Recovered(days int) bool {
	return days > p.maxThreshold()
}

func SSLSeverity(days int) Severity {
	switch {
	case days < 0:
		return SeverityCritical
	case days <= 7:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}
