package security

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTokenInvalid = errors.New("token invalid")
	ErrTokenExpired = errors.New("token expired")
)

// TokenClaims are the parts of an access token this service relies on.
type TokenClaims struct {
	UserID uuid.UUID
	Role   string
	Exp    time.Time
	Issuer string
}

type AccessTokenVerifier interface {
	VerifyAccessToken(token string) (TokenClaims, error)
}
