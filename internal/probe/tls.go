package probe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"
)

type Certificate struct {
	Issuer          string
	Subject         string
	ValidFrom       time.Time
	ValidTo         time.Time
	DaysUntilExpiry int
}

type TLSProbe struct {
	Timeout time.Duration
	Now     func() time.Time
}

func NewTLSProbe(timeout time.Duration) *TLSProbe {
	return &TLSProbe{Timeout: timeout, Now: time.Now}
}

// Inspect reads the leaf certificate served for the URL's host. The chain is
// not verified: expired or self-signed certificates must still be reported.
func (p *TLSProbe) Inspect(ctx context.Context, rawURL string) (*Certificate, error) {
	host, port, err := hostPort(rawURL)
	if err != nil {
		return nil, err
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	d := &tls.Dialer{Config: &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: true, //nolint:gosec // inspection only, nothing is sent
	}}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("tls dial %s: %w", host, err)
	}
	defer conn.Close()

	certs := conn.(*tls.Conn).ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return nil, errors.New("no peer certificate")
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	return Describe(certs[0], now()), nil
}

func Describe(c *x509.Certificate, now time.Time) *Certificate {
	return &Certificate{
		Issuer:          c.Issuer.String(),
		Subject:         c.Subject.String(),
		ValidFrom:       c.NotBefore.UTC(),
		ValidTo:         c.NotAfter.UTC(),
		DaysUntilExpiry: DaysUntil(c.NotAfter, now),
	}
}

// DaysUntil counts calendar days (UTC) from now to validTo; negative once expired.
func DaysUntil(validTo, now time.Time) int {
	to := validTo.UTC()
	from := now.UTC()
	a := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	b := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	return int(a.Sub(b).Hours() / 24)
}

func hostPort(raw string) (string, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse url: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return "", "", fmt.Errorf("url %q has no host", raw)
	}
	port := u.Port()
	if port == "" {
		port = "443"
	}
	return host, port, nil
}
