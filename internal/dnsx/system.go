package dnsx

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// hostResolver is the subset of *net.Resolver the system backend needs.
// mockdns.Resolver satisfies it too, which keeps backend tests offline.
type hostResolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

// SystemResolver resolves through the operating system's stub resolver
// or, when constructed with a server spec, through a fixed DNS server.
type SystemResolver struct {
	r hostResolver
}

// New builds a resolver backend from the DNS_BACKEND selector:
//
//	"system"              — the default resolver (os stub or Go's)
//	"server:<ip:port>"    — Go's resolver dialing only the given server
//
// An empty spec means "system".
func New(spec string) (*SystemResolver, error) {
	spec = strings.TrimSpace(spec)
	switch {
	case spec == "" || spec == "system":
		return &SystemResolver{r: net.DefaultResolver}, nil
	case strings.HasPrefix(spec, "server:"):
		addr := strings.TrimPrefix(spec, "server:")
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return nil, fmt.Errorf("dnsx: bad server address %q: %w", addr, err)
		}
		return &SystemResolver{r: serverResolver(addr)}, nil
	default:
		return nil, fmt.Errorf("dnsx: unknown backend %q", spec)
	}
}

// NewWithResolver wraps an existing resolver. Tests inject
// mockdns.Resolver through this.
func NewWithResolver(r hostResolver) *SystemResolver {
	return &SystemResolver{r: r}
}

// serverResolver returns a resolver that sends every query to addr
// regardless of what the query asks for.
func serverResolver(addr string) *net.Resolver {
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			d := net.Dialer{Timeout: 5 * time.Second}
			return d.DialContext(ctx, network, addr)
		},
	}
}

func (s *SystemResolver) LookupTXT(ctx context.Context, domain string) ([]string, error) {
	recs, err := s.r.LookupTXT(ctx, domain)
	if err := dropNotFound(err); err != nil {
		lookupErrors.WithLabelValues("txt").Inc()
		return nil, err
	}
	return recs, nil
}

func (s *SystemResolver) LookupA(ctx context.Context, domain string) ([]string, error) {
	return s.lookupIP(ctx, domain, false)
}

func (s *SystemResolver) LookupAAAA(ctx context.Context, domain string) ([]string, error) {
	return s.lookupIP(ctx, domain, true)
}

func (s *SystemResolver) lookupIP(ctx context.Context, domain string, v6 bool) ([]string, error) {
	addrs, err := s.r.LookupIPAddr(ctx, domain)
	if err := dropNotFound(err); err != nil {
		if v6 {
			lookupErrors.WithLabelValues("aaaa").Inc()
		} else {
			lookupErrors.WithLabelValues("a").Inc()
		}
		return nil, err
	}
	var out []string
	for _, a := range addrs {
		isV4 := a.IP.To4() != nil
		if v6 && !isV4 {
			out = append(out, a.IP.String())
		}
		if !v6 && isV4 {
			out = append(out, a.IP.String())
		}
	}
	return out, nil
}

func (s *SystemResolver) LookupMX(ctx context.Context, domain string) ([]MXRecord, error) {
	mxs, err := s.r.LookupMX(ctx, domain)
	if err := dropNotFound(err); err != nil {
		lookupErrors.WithLabelValues("mx").Inc()
		return nil, err
	}
	out := make([]MXRecord, 0, len(mxs))
	for _, mx := range mxs {
		out = append(out, MXRecord{Pref: mx.Pref, Host: strings.TrimSuffix(mx.Host, ".")})
	}
	return out, nil
}
