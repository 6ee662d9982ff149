package server

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/hydrascope/dcrfgate/internal/common"
	"github.com/hydrascope/dcrfgate/internal/multiplex"
	"github.com/hydrascope/dcrfgate/internal/server/usermanager"
)

// PrincipalResolver turns the claims of a validated credential into a Principal.
// It may fail with usermanager.ErrPrincipalNotFound.
type PrincipalResolver interface {
	ResolvePrincipal(ctx context.Context, claims *Claims) (*multiplex.Principal, error)
}

type managerResolver struct {
	manager usermanager.PrincipalManager
}

// ResolverOf resolves principals by the user id claim from a principal manager
func ResolverOf(manager usermanager.PrincipalManager) PrincipalResolver {
	return managerResolver{manager: manager}
}

func (r managerResolver) ResolvePrincipal(ctx context.Context, claims *Claims) (*multiplex.Principal, error) {
	return r.manager.ResolvePrincipal(ctx, claims.UserID)
}

// maxPrincipalAge bounds how long a resolved principal is reused, whatever the token's expiry
const maxPrincipalAge = 5 * time.Minute

type cachedPrincipal struct {
	principal *multiplex.Principal
	expiresAt time.Time
}

// principalCache remembers the principal resolved for a credential until the credential expires
type principalCache struct {
	lru   *expirable.LRU[[32]byte, cachedPrincipal]
	world common.WorldState
}

func newPrincipalCache(size int, worldState common.WorldState) *principalCache {
	if size <= 0 {
		size = defaultPrincipalCacheSize
	}
	return &principalCache{
		lru:   expirable.NewLRU[[32]byte, cachedPrincipal](size, nil, maxPrincipalAge),
		world: worldState,
	}
}

func (c *principalCache) get(credential string) (*multiplex.Principal, bool) {
	key := common.CredentialKey(credential)
	entry, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	if !c.world.Now().Before(entry.expiresAt) {
		c.lru.Remove(key)
		return nil, false
	}
	return entry.principal, true
}

func (c *principalCache) put(credential string, p *multiplex.Principal, expiresAt time.Time) {
	c.lru.Add(common.CredentialKey(credential), cachedPrincipal{principal: p, expiresAt: expiresAt})
}

func (c *principalCache) len() int {
	return c.lru.Len()
}
