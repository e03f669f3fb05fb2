// Package probe holds the network checks run against a target: uptime,
// TLS certificate inspection and content fingerprinting. Probes report what
// they observed; deciding what it means is left to the engine.
package probe

import (
	"net/http"
	"net/url"
	"time"

	"github.com/hamed0406/webguard/internal/domain"
)

const (
	DefaultUserAgent = "WebGuard/1.0"
	maxRedirects     = 10
)

// Classify maps a final HTTP status code to a check status: 2xx success,
// 3xx and 4xx warning, everything else failure. A final 1xx or a code of 600
// and above is not a usable answer from the site, so it counts as failure
// like a 5xx.
func Classify(code int) domain.CheckStatus {
	switch {
	case code >= 200 && code < 300:
		return domain.StatusSuccess
	case code >= 300 && code < 500:
		return domain.StatusWarning
	default:
		return domain.StatusFailure
	}
}

// newClient follows redirects up to maxRedirects and then hands back the last
// 3xx response instead of failing.
func newClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
}

// extractHost pulls the hostname from a URL string
func extractHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return raw
	}
	return u.Hostname()
}
