package probe

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

type DNSClass string

const (
	DNSResolves    DNSClass = "RESOLVES"
	DNSNXDomain    DNSClass = "NXDOMAIN"
	DNSNoARecord   DNSClass = "NO_A_RECORD"
	DNSServfail    DNSClass = "SERVFAIL_or_TIMEOUT"
	DNSInvalidName DNSClass = "INVALID_NAME"
)

const defaultDNSLimit = 3 * time.Second

// Resolver is the subset of *net.Resolver the diagnoser needs.
type Resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
	LookupCNAME(ctx context.Context, host string) (string, error)
	LookupNS(ctx context.Context, name string) ([]*net.NS, error)
}

type DNSStatus struct {
	Domain        string
	IPs           []net.IP
	CNAME         string
	Nameservers   []string
	Class         DNSClass
	ResolverError string
}

// DNSDiagnoser explains why a host failed to resolve. It only runs after the
// uptime probe already failed, so it is never on the happy path.
type DNSDiagnoser struct {
	Resolver Resolver
	Timeout  time.Duration
}

func NewDNSDiagnoser(r Resolver) *DNSDiagnoser {
	if r == nil {
		r = net.DefaultResolver
	}
	return &DNSDiagnoser{Resolver: r, Timeout: defaultDNSLimit}
}

func (d *DNSDiagnoser) Diagnose(ctx context.Context, host string) DNSStatus {
	s := DNSStatus{Domain: strings.TrimSpace(host)}
	if s.Domain == "" || strings.Contains(s.Domain, "://") {
		s.Class = DNSInvalidName
		return s
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.Timeout)
	defer cancel()

	ips, err := d.Resolver.LookupIP(ctx, "ip", s.Domain)
	if err != nil {
		s.ResolverError = err.Error()
	}
	s.IPs = ips

	if cname, err := d.Resolver.LookupCNAME(ctx, s.Domain); err == nil && !strings.EqualFold(cname, s.Domain+".") {
		s.CNAME = strings.TrimSuffix(cname, ".")
	}
	if ns, err := d.Resolver.LookupNS(ctx, s.Domain); err == nil {
		for _, n := range ns {
			s.Nameservers = append(s.Nameservers, strings.TrimSuffix(n.Host, "."))
		}
	}

	s.Class = classify(len(ips) > 0, len(s.Nameservers) > 0, err)
	return s
}

func classify(hasAddr, hasNS bool, lookupErr error) DNSClass {
	if hasAddr {
		return DNSResolves
	}
	if hasNS {
		// zone exists but the name has no address records
		return DNSNoARecord
	}
	var de *net.DNSError
	if errors.As(lookupErr, &de) {
		switch {
		case de.IsNotFound:
			return DNSNXDomain
		case de.IsTemporary || de.Timeout():
			return DNSServfail
		}
	}
	if lookupErr != nil {
		return DNSServfail
	}
	return DNSNXDomain
}
