package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestGenerateAndValidate(t *testing.T) {
	m := NewJWTManager("secret", "perp-autopilot", time.Hour)

	token, err := m.GenerateToken("op-42", RoleOperator)
	require.NoError(t, err)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "op-42", claims.OperatorID)
	assert.True(t, claims.CanControl())
}

func TestValidate_Rejections(t *testing.T) {
	m := NewJWTManager("secret", "perp-autopilot", time.Hour)

	other, err := NewJWTManager("other-secret", "perp-autopilot", time.Hour).GenerateToken("op", "")
	require.NoError(t, err)
	_, err = m.ValidateToken(other)
	assert.ErrorIs(t, err, ErrInvalidToken)

	wrongIssuer, err := NewJWTManager("secret", "someone-else", time.Hour).GenerateToken("op", "")
	require.NoError(t, err)
	_, err = m.ValidateToken(wrongIssuer)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "op",
		Issuer:    "perp-autopilot",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}})
	signed, err := expired.SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = m.ValidateToken(signed)
	assert.ErrorIs(t, err, ErrTokenExpired)

	noSubject := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{Issuer: "perp-autopilot"}})
	signed, err = noSubject.SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = m.ValidateToken(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = m.GenerateToken("", RoleOperator)
	assert.Error(t, err)
}

func newRouter(mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	handlers := append(mw, func(c *gin.Context) {
		c.String(http.StatusOK, GetOperatorID(c))
	})
	r.POST("/control", handlers...)
	return r
}

func TestMiddleware(t *testing.T) {
	m := NewJWTManager("secret", "", time.Hour)
	r := newRouter(Middleware(m), RequireControl())

	operator, err := m.GenerateToken("op-1", RoleOperator)
	require.NoError(t, err)
	viewer, err := m.GenerateToken("watcher", RoleViewer)
	require.NoError(t, err)

	testCases := []struct {
		name   string
		header string
		code   int
		body   string
	}{
		{"missing header", "", http.StatusUnauthorized, "MISSING_TOKEN"},
		{"bad scheme", "Basic abc", http.StatusUnauthorized, "UNAUTHORIZED"},
		{"garbage token", "Bearer not-a-jwt", http.StatusUnauthorized, "INVALID_TOKEN"},
		{"viewer cannot control", "Bearer " + viewer, http.StatusForbidden, "FORBIDDEN"},
		{"operator", "Bearer " + operator, http.StatusOK, "op-1"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/control", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			assert.Equal(t, tc.code, rec.Code)
			assert.Contains(t, rec.Body.String(), tc.body)
		})
	}
}

func TestAnonymous(t *testing.T) {
	r := newRouter(Anonymous("local"), RequireControl())
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/control", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "local", rec.Body.String())
}
