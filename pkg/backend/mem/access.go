package mem

import (
	"context"

	"github.com/mydriatech/fragtale/pkg/backend"
)

type accessFacade Backend

func (f *accessFacade) b() *Backend { return (*Backend)(f) }

func (f *accessFacade) GrantExists(ctx context.Context, resource string) (string, bool, error) {
	b := f.b()
	b.accessMu.Lock()
	defer b.accessMu.Unlock()
	grant, ok := b.grants[resource]
	if !ok {
		return "", false, nil
	}
	if grant.ExpiresAtMicros != 0 && grant.ExpiresAtMicros < nowMicros() {
		delete(b.grants, resource)
		return "", false, nil
	}
	return grant.Identity, true, nil
}

// Grant persists resource -> identity, but only if no grant exists yet
// (first writer wins, per spec.md §4.7's auto-grant-on-first-write rule).
func (f *accessFacade) Grant(ctx context.Context, resource, identity string, expiresAtMicros uint64) (bool, error) {
	b := f.b()
	b.accessMu.Lock()
	defer b.accessMu.Unlock()
	if existing, ok := b.grants[resource]; ok {
		if existing.ExpiresAtMicros == 0 || existing.ExpiresAtMicros >= nowMicros() {
			return existing.Identity == identity, nil
		}
	}
	b.grants[resource] = backend.ResourceGrant{
		Resource:        resource,
		Identity:        identity,
		ExpiresAtMicros: expiresAtMicros,
	}
	return true, nil
}
