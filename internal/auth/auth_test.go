package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var testConfig = Config{Secret: "test-secret", Issuer: "i5e.identity"}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestParseValidToken(t *testing.T) {
	token := signToken(t, testConfig.Secret, jwt.MapClaims{
		"sub":    "user-1",
		"email":  "user-1@example.com",
		"iss":    testConfig.Issuer,
		"exp":    time.Now().Add(time.Hour).Unix(),
		"scopes": []string{ScopeMetricsRead, ScopeSyncTrigger},
	})

	claims, err := Parse(token, testConfig)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
	require.Equal(t, "user-1@example.com", claims.Email)
	require.True(t, claims.HasScope(ScopeMetricsRead))
	require.True(t, claims.HasScope(ScopeSyncTrigger))
	require.False(t, claims.HasScope(ScopeAdminStats))
}

func TestParseSpaceSeparatedScopes(t *testing.T) {
	token := signToken(t, testConfig.Secret, jwt.MapClaims{
		"sub":    "user-1",
		"iss":    testConfig.Issuer,
		"exp":    time.Now().Add(time.Hour).Unix(),
		"scopes": "metrics:read  sync:trigger",
	})

	claims, err := Parse(token, testConfig)
	require.NoError(t, err)
	require.True(t, claims.HasScope(ScopeMetricsRead))
	require.True(t, claims.HasScope(ScopeSyncTrigger))
}

func TestParseRejectsBadTokens(t *testing.T) {
	expired := signToken(t, testConfig.Secret, jwt.MapClaims{
		"sub": "user-1",
		"iss": testConfig.Issuer,
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	wrongIssuer := signToken(t, testConfig.Secret, jwt.MapClaims{
		"sub": "user-1",
		"iss": "someone-else",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	wrongSecret := signToken(t, "other-secret", jwt.MapClaims{
		"sub": "user-1",
		"iss": testConfig.Issuer,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	missingSubject := signToken(t, testConfig.Secret, jwt.MapClaims{
		"iss": testConfig.Issuer,
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	for name, token := range map[string]string{
		"expired":         expired,
		"wrong issuer":    wrongIssuer,
		"wrong secret":    wrongSecret,
		"missing subject": missingSubject,
		"garbage":         "not.a.jwt",
	} {
		if _, err := Parse(token, testConfig); err == nil {
			t.Fatalf("%s: expected parse to fail", name)
		}
	}

	_, err := Parse("", testConfig)
	require.ErrorIs(t, err, ErrMissingToken)
}

func TestHasScopeNilClaims(t *testing.T) {
	var claims *Claims
	require.False(t, claims.HasScope(ScopeMetricsRead))
}
