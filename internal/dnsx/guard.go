package dnsx

import "context"

// Guard wraps a lookup with cross-cutting protection, typically a
// breaker plus retry. The guard decides whether op runs and surfaces
// either op's error or its own (breaker open, retries exhausted).
type Guard func(ctx context.Context, op func(ctx context.Context) error) error

type guardedResolver struct {
	next  Resolver
	guard Guard
}

// WithGuard decorates a resolver so every lookup runs through guard.
// A nil guard returns the resolver unchanged.
func WithGuard(next Resolver, guard Guard) Resolver {
	if guard == nil {
		return next
	}
	return &guardedResolver{next: next, guard: guard}
}

func (r *guardedResolver) LookupTXT(ctx context.Context, domain string) ([]string, error) {
	var records []string
	err := r.guard(ctx, func(ctx context.Context) error {
		var err error
		records, err = r.next.LookupTXT(ctx, domain)
		return err
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *guardedResolver) LookupA(ctx context.Context, domain string) ([]string, error) {
	var records []string
	err := r.guard(ctx, func(ctx context.Context) error {
		var err error
		records, err = r.next.LookupA(ctx, domain)
		return err
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *guardedResolver) LookupAAAA(ctx context.Context, domain string) ([]string, error) {
	var records []string
	err := r.guard(ctx, func(ctx context.Context) error {
		var err error
		records, err = r.next.LookupAAAA(ctx, domain)
		return err
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *guardedResolver) LookupMX(ctx context.Context, domain string) ([]MXRecord, error) {
	var records []MXRecord
	err := r.guard(ctx, func(ctx context.Context) error {
		var err error
		records, err = r.next.LookupMX(ctx, domain)
		return err
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}
