package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yenjordan/terminus/internal/errs"
)

func TestJWTValidator_ValidToken(t *testing.T) {
	v := NewJWTValidator("test-secret")
	token, err := v.IssueForTesting("user-123", RoleUser, time.Hour)
	require.NoError(t, err)

	claims, err := v.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "user-123", claims.UserID)
	assert.Equal(t, RoleUser, claims.Role)
}

func TestJWTValidator_ExpiredToken(t *testing.T) {
	v := NewJWTValidator("test-secret")
	token, err := v.IssueForTesting("user-123", RoleUser, -time.Hour)
	require.NoError(t, err)

	_, err = v.Validate(token)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrAuthFailed)
}

func TestJWTValidator_WrongSecret(t *testing.T) {
	issuer := NewJWTValidator("secret-a")
	verifier := NewJWTValidator("secret-b")

	token, err := issuer.IssueForTesting("user-123", RoleUser, time.Hour)
	require.NoError(t, err)

	_, err = verifier.Validate(token)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrAuthFailed)
}

func TestJWTValidator_EmptyToken(t *testing.T) {
	v := NewJWTValidator("test-secret")
	_, err := v.Validate("")
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrAuthFailed)
}

func TestJWTValidator_MissingUserID(t *testing.T) {
	v := NewJWTValidator("test-secret")
	token, err := v.IssueForTesting("", RoleUser, time.Hour)
	require.NoError(t, err)

	_, err = v.Validate(token)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrAuthFailed)
}

func TestCanImpersonate(t *testing.T) {
	assert.True(t, CanImpersonate(RoleAdmin))
	assert.True(t, CanImpersonate(RoleModerator))
	assert.False(t, CanImpersonate(RoleUser))
	assert.False(t, CanImpersonate(""))
}

func TestTokenFromRequest_QueryParam(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/terminal/ws/42?token=abc123", nil)
	assert.Equal(t, "abc123", TokenFromRequest(r))
}

func TestTokenFromRequest_AuthorizationHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/api/terminal/code/execute", nil)
	r.Header.Set("Authorization", "Bearer xyz789")
	assert.Equal(t, "xyz789", TokenFromRequest(r))
}

func TestTokenFromRequest_None(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/terminal/ws/42", nil)
	assert.Equal(t, "", TokenFromRequest(r))
}

func TestTokenFromRequest_QueryTakesPrecedence(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/terminal/ws/42?token=query-token", nil)
	r.Header.Set("Authorization", "Bearer header-token")
	assert.Equal(t, "query-token", TokenFromRequest(r))
}
