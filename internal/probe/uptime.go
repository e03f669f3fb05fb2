package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/hamed0406/webguard/internal/domain"
)

// drained so latency covers the whole response, not just headers
const maxDrainBytes = 10 << 20

type UptimeResult struct {
	Status     domain.CheckStatus
	StatusCode int // 0 when no response arrived
	Latency    time.Duration
	Error      string
}

type UptimeProbe struct {
	Client    *http.Client
	UserAgent string
	DNS       *DNSDiagnoser // nil disables DNS annotation of failures
}

func NewUptimeProbe(timeout time.Duration, userAgent string) *UptimeProbe {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &UptimeProbe{
		Client:    newClient(timeout),
		UserAgent: userAgent,
		DNS:       NewDNSDiagnoser(nil),
	}
}

func (p *UptimeProbe) Check(ctx context.Context, target string) UptimeResult {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return UptimeResult{Status: domain.StatusFailure, Error: "invalid request: " + err.Error()}
	}
	req.Header.Set("User-Agent", p.UserAgent)

	resp, err := p.Client.Do(req)
	if err != nil && ctx.Err() != nil {
		// the caller gave up (client disconnect, shutdown); the site was not judged
		return UptimeResult{
			Status:  domain.StatusError,
			Latency: time.Since(start),
			Error:   "check cancelled: " + ctx.Err().Error(),
		}
	}
	if err != nil {
		return UptimeResult{
			Status:  domain.StatusFailure,
			Latency: time.Since(start),
			Error:   p.describe(ctx, target, err),
		}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	out := UptimeResult{
		Status:     Classify(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Latency:    time.Since(start),
	}
	if out.Status != domain.StatusSuccess {
		out.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return out
}

// describe turns a transport error into the text stored on the check row.
func (p *UptimeProbe) describe(ctx context.Context, target string, err error) string {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return "request timeout"
	}
	var de *net.DNSError
	if errors.As(err, &de) && p.DNS != nil {
		st := p.DNS.Diagnose(ctx, extractHost(target))
		return fmt.Sprintf("connection error: %v dns=%s", err, st.Class)
	}
	return "connection error: " + err.Error()
}
