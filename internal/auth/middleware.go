package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	ContextKeyOperatorID = "operator_id"
	ContextKeyClaims     = "operator_claims"
)

// Middleware creates a JWT authentication middleware
func Middleware(jwtManager *JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abort(c, http.StatusUnauthorized, ErrMissingToken)
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			abort(c, http.StatusUnauthorized, AuthError{Code: ErrUnauthorized.Code, Message: "invalid authorization header format"})
			return
		}

		claims, err := jwtManager.ValidateToken(parts[1])
		if err != nil {
			var authErr AuthError
			if !errors.As(err, &authErr) {
				authErr = ErrInvalidToken
			}
			abort(c, http.StatusUnauthorized, authErr)
			return
		}

		c.Set(ContextKeyOperatorID, claims.OperatorID)
		c.Set(ContextKeyClaims, claims)
		c.Next()
	}
}

// Anonymous sets a fixed operator on every request when auth is disabled
func Anonymous(operatorID string) gin.HandlerFunc {
	claims := &OperatorClaims{OperatorID: operatorID, Role: RoleOperator}
	return func(c *gin.Context) {
		c.Set(ContextKeyOperatorID, claims.OperatorID)
		c.Set(ContextKeyClaims, claims)
		c.Next()
	}
}

// RequireControl rejects operators that may only view
func RequireControl() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil || !claims.CanControl() {
			abort(c, http.StatusForbidden, AuthError{Code: ErrForbidden.Code, Message: "operator role required"})
			return
		}
		c.Next()
	}
}

func abort(c *gin.Context, status int, err AuthError) {
	c.AbortWithStatusJSON(status, gin.H{
		"error":   err.Code,
		"message": err.Message,
	})
}

// GetOperatorID extracts the operator id from the Gin context
func GetOperatorID(c *gin.Context) string {
	return c.GetString(ContextKeyOperatorID)
}

// GetClaims extracts the operator claims from the Gin context
func GetClaims(c *gin.Context) *OperatorClaims {
	if claims, exists := c.Get(ContextKeyClaims); exists {
		if oc, ok := claims.(*OperatorClaims); ok {
			return oc
		}
	}
	return nil
}
