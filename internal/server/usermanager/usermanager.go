package usermanager

import (
	"context"
	"errors"

	"github.com/hydrascope/dcrfgate/internal/multiplex"
)

// PrincipalInfo is a principal as stored. Nil fields are left untouched by WritePrincipal.
type PrincipalInfo struct {
	ID       int64
	Username *string
	IsStaff  *bool
	Active   *bool
}

func JustString(s string) *string { return &s }
func JustBool(b bool) *bool       { return &b }

var ErrPrincipalNotFound = errors.New("user_id does not correspond to a principal")
var ErrManagerIsVoid = errors.New("cannot perform operation with principal manager as database path is not specified")

type PrincipalManager interface {
	// ResolvePrincipal turns the user id of a validated credential into a Principal
	ResolvePrincipal(ctx context.Context, id int64) (*multiplex.Principal, error)
	ListAllPrincipals() ([]PrincipalInfo, error)
	GetPrincipal(id int64) (PrincipalInfo, error)
	WritePrincipal(PrincipalInfo) error
	DeletePrincipal(id int64) error
	Close() error
}

func principalOf(info PrincipalInfo) *multiplex.Principal {
	p := &multiplex.Principal{ID: info.ID}
	if info.Username != nil {
		p.Username = *info.Username
	}
	if info.IsStaff != nil {
		p.IsStaff = *info.IsStaff
	}
	if info.Active != nil {
		p.Active = *info.Active
	}
	return p
}
