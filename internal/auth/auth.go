// Package auth validates the bearer tokens issued by the external
// authentication service spec.md treats as an out-of-scope collaborator
// (spec §2). Terminus never issues tokens itself; it only verifies the
// HMAC-signed claims a token carries and exposes the subject (user_id)
// and role to the Broker and HTTP layer.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/yenjordan/terminus/internal/errs"
)

// Claims are the JWT claims a validated bearer token carries (spec §6).
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Role values recognized for session ownership bypass (spec §4.4 AUTH step,
// §9 ownership rule).
const (
	RoleUser      = "user"
	RoleAdmin     = "admin"
	RoleModerator = "moderator"
)

// CanImpersonate reports whether role is permitted to attach to a session it
// does not own.
func CanImpersonate(role string) bool {
	return role == RoleAdmin || role == RoleModerator
}

// Validator verifies a bearer token string and returns its claims.
type Validator interface {
	Validate(token string) (*Claims, error)
}

// JWTValidator validates HS256 tokens signed with a shared secret, the
// shape the external auth service is assumed to issue.
type JWTValidator struct {
	secret []byte
}

func NewJWTValidator(secret string) *JWTValidator {
	return &JWTValidator{secret: []byte(secret)}
}

func (v *JWTValidator) Validate(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: empty token", errs.ErrAuthFailed)
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: token expired", errs.ErrAuthFailed)
		}
		return nil, fmt.Errorf("%w: %v", errs.ErrAuthFailed, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid claims", errs.ErrAuthFailed)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing user_id claim", errs.ErrAuthFailed)
	}
	return claims, nil
}

// IssueForTesting mints an HS256 token for the given subject/role, used only
// by test fixtures that stand in for the external auth service.
func (v *JWTValidator) IssueForTesting(userID, role string, ttl time.Duration) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
		UserID: userID,
		Role:   role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// TokenFromRequest extracts a bearer token from a query parameter (the
// WebSocket upgrade path, spec §6 connection URL, carries no custom
// headers) falling back to the Authorization header for plain HTTP
// requests such as the execute endpoint.
func TokenFromRequest(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		if tok := strings.TrimPrefix(auth, "Bearer "); tok != auth {
			return tok
		}
	}
	return ""
}
