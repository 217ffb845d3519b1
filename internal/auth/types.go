package auth

// OperatorClaims identifies the operator behind a control request
type OperatorClaims struct {
	OperatorID string `json:"operator_id"`
	Role       string `json:"role"`
}

// Roles
const (
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// CanControl reports whether the claims may start or stop the engine
func (c OperatorClaims) CanControl() bool {
	return c.Role == "" || c.Role == RoleOperator
}

// Error types for authentication
type AuthError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e AuthError) Error() string {
	return e.Message
}

// Common authentication errors
var (
	ErrInvalidToken = AuthError{Code: "INVALID_TOKEN", Message: "invalid or expired token"}
	ErrTokenExpired = AuthError{Code: "TOKEN_EXPIRED", Message: "token has expired"}
	ErrMissingToken = AuthError{Code: "MISSING_TOKEN", Message: "missing authorization header"}
	ErrUnauthorized = AuthError{Code: "UNAUTHORIZED", Message: "unauthorized access"}
	ErrForbidden    = AuthError{Code: "FORBIDDEN", Message: "access forbidden"}
)
