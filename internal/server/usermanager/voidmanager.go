package usermanager

import (
	"context"

	"github.com/hydrascope/dcrfgate/internal/multiplex"
)

// Voidmanager is used when no database is configured. Every principal is unknown.
type Voidmanager struct{}

func (v *Voidmanager) ResolvePrincipal(ctx context.Context, id int64) (*multiplex.Principal, error) {
	return nil, ErrPrincipalNotFound
}

func (v *Voidmanager) ListAllPrincipals() ([]PrincipalInfo, error) {
	return []PrincipalInfo{}, ErrManagerIsVoid
}

func (v *Voidmanager) GetPrincipal(id int64) (PrincipalInfo, error) {
	return PrincipalInfo{}, ErrManagerIsVoid
}

func (v *Voidmanager) WritePrincipal(info PrincipalInfo) error {
	return ErrManagerIsVoid
}

func (v *Voidmanager) DeletePrincipal(id int64) error {
	return ErrManagerIsVoid
}

func (v *Voidmanager) Close() error {
	return nil
}
