package dnsx

import (
	"context"
	"strings"
	"sync"
)

// Static is a map-backed resolver for tests and offline evaluation.
// Records are keyed by lowercased domain; per-domain errors can be
// injected to simulate transient failures.
type Static struct {
	mu   sync.RWMutex
	txt  map[string][]string
	a    map[string][]string
	aaaa map[string][]string
	mx   map[string][]MXRecord
	errs map[string]error
}

// NewStatic returns an empty static resolver.
func NewStatic() *Static {
	return &Static{
		txt:  make(map[string][]string),
		a:    make(map[string][]string),
		aaaa: make(map[string][]string),
		mx:   make(map[string][]MXRecord),
		errs: make(map[string]error),
	}
}

// AddTXT appends TXT records for domain.
func (s *Static) AddTXT(domain string, records ...string) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := strings.ToLower(domain)
	s.txt[d] = append(s.txt[d], records...)
	return s
}

// AddA appends A records for domain.
func (s *Static) AddA(domain string, ips ...string) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := strings.ToLower(domain)
	s.a[d] = append(s.a[d], ips...)
	return s
}

// AddAAAA appends AAAA records for domain.
func (s *Static) AddAAAA(domain string, ips ...string) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := strings.ToLower(domain)
	s.aaaa[d] = append(s.aaaa[d], ips...)
	return s
}

// AddMX appends an MX record for domain.
func (s *Static) AddMX(domain string, pref uint16, host string) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := strings.ToLower(domain)
	s.mx[d] = append(s.mx[d], MXRecord{Pref: pref, Host: host})
	return s
}

// SetErr makes every lookup for domain fail with err.
func (s *Static) SetErr(domain string, err error) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[strings.ToLower(domain)] = err
	return s
}

func (s *Static) check(domain string) error {
	return s.errs[strings.ToLower(domain)]
}

func (s *Static) LookupTXT(_ context.Context, domain string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(domain); err != nil {
		return nil, err
	}
	return append([]string(nil), s.txt[strings.ToLower(domain)]...), nil
}

func (s *Static) LookupA(_ context.Context, domain string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(domain); err != nil {
		return nil, err
	}
	return append([]string(nil), s.a[strings.ToLower(domain)]...), nil
}

func (s *Static) LookupAAAA(_ context.Context, domain string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(domain); err != nil {
		return nil, err
	}
	return append([]string(nil), s.aaaa[strings.ToLower(domain)]...), nil
}

func (s *Static) LookupMX(_ context.Context, domain string) ([]MXRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(domain); err != nil {
		return nil, err
	}
	return append([]MXRecord(nil), s.mx[strings.ToLower(domain)]...), nil
}
