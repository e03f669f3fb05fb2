package probe

import (
	"context"
	"net"
	"testing"
)

type fakeResolver struct {
	ips   []net.IP
	ipErr error
	cname string
	ns    []*net.NS
}

func (f *fakeResolver) LookupIP(context.Context, string, string) ([]net.IP, error) {
	return f.ips, f.ipErr
}

func (f *fakeResolver) LookupCNAME(_ context.Context, host string) (string, error) {
	if f.cname == "" {
		return host + ".", nil
	}
	return f.cname, nil
}

func (f *fakeResolver) LookupNS(context.Context, string) ([]*net.NS, error) {
	if len(f.ns) == 0 {
		return nil, &net.DNSError{Err: "no such host", IsNotFound: true}
	}
	return f.ns, nil
}

func TestDiagnose_Classes(t *testing.T) {
	cases := []struct {
		name string
		r    *fakeResolver
		host string
		want DNSClass
	}{
		{"resolves", &fakeResolver{ips: []net.IP{net.ParseIP("192.0.2.1")}, cname: "edge.cdn.example."}, "example.com", DNSResolves},
		{"nxdomain", &fakeResolver{ipErr: &net.DNSError{IsNotFound: true}}, "gone.example", DNSNXDomain},
		{"zone without address", &fakeResolver{ipErr: &net.DNSError{IsNotFound: true}, ns: []*net.NS{{Host: "ns1.example."}}}, "bare.example", DNSNoARecord},
		{"servfail", &fakeResolver{ipErr: &net.DNSError{IsTemporary: true}}, "flaky.example", DNSServfail},
		{"invalid", &fakeResolver{}, "https://x", DNSInvalidName},
		{"empty", &fakeResolver{}, "  ", DNSInvalidName},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := NewDNSDiagnoser(c.r).Diagnose(context.Background(), c.host)
			if got.Class != c.want {
				t.Fatalf("class=%s want %s (%+v)", got.Class, c.want, got)
			}
		})
	}
}

func TestDiagnose_RecordsCNAMEAndNameservers(t *testing.T) {
	r := &fakeResolver{
		ips:   []net.IP{net.ParseIP("192.0.2.1")},
		cname: "edge.cdn.example.",
		ns:    []*net.NS{{Host: "ns1.example."}, {Host: "ns2.example."}},
	}
	got := NewDNSDiagnoser(r).Diagnose(context.Background(), "www.example")
	if got.CNAME != "edge.cdn.example" {
		t.Fatalf("cname=%q", got.CNAME)
	}
	if len(got.Nameservers) != 2 || got.Nameservers[0] != "ns1.example" {
		t.Fatalf("nameservers=%v", got.Nameservers)
	}
}
