package auth

import "github.com/golang-jwt/jwt/v5"

// Roles a control-plane token may carry.
const (
	RoleAdmin    = "admin"
	RoleReadOnly = "read-only"
)

// Claims represents the JWT payload expected from control-plane clients.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// CanWrite reports whether the role may mutate proxy state.
func (c *Claims) CanWrite() bool {
	return c.Role == RoleAdmin
}

// Copy returns a copy of claims to avoid sharing state across goroutines.
func (c *Claims) Copy() *Claims {
	if c == nil {
		return nil
	}
	copyClaims := *c
	return &copyClaims
}
