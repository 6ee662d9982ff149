package server

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hydrascope/dcrfgate/internal/common"
)

var ErrCredentialInvalid = errors.New("credential is missing or invalid")

// Claims are the claims of an access token issued for a principal
type Claims struct {
	UserID int64 `json:"user_id"`
	jwt.RegisteredClaims
}

// Validate is run by the parser after the registered claims have been checked
func (c *Claims) Validate() error {
	if c.UserID == 0 {
		return errors.New("token has no user_id claim")
	}
	return nil
}

// CredentialValidator checks a credential and returns its claims
type CredentialValidator interface {
	Validate(credential string) (*Claims, error)
}

// TokenValidator validates HS256 access tokens against a shared secret
type TokenValidator struct {
	secret []byte
	parser *jwt.Parser
}

func MakeTokenValidator(secret []byte, worldState common.WorldState) *TokenValidator {
	return &TokenValidator{
		secret: secret,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(worldState.Now),
		),
	}
}

func (v *TokenValidator) Validate(credential string) (*Claims, error) {
	if credential == "" {
		return nil, fmt.Errorf("%w: no credential set", ErrCredentialInvalid)
	}
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(credential, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCredentialInvalid, err)
	}
	return claims, nil
}
