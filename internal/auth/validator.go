package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenAudience = "amqpprox"
	tokenIssuer   = "amqpproxctl"
)

// Validator validates control-plane tokens and returns parsed claims.
type Validator interface {
	Validate(ctx context.Context, token string) (*Claims, error)
}

// NewValidator returns a Validator that checks HMAC signatures with the
// shared control-plane secret.
func NewValidator(secret string) (Validator, error) {
	if secret == "" {
		return nil, errors.New("controlJWTSecret must be set")
	}
	return &localValidator{secret: []byte(secret)}, nil
}

type localValidator struct {
	secret []byte
}

func (v *localValidator) Validate(ctx context.Context, token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithAudience(tokenAudience), jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, fmt.Errorf("jwt validation failed: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("invalid jwt token")
	}
	if claims.Role != RoleAdmin && claims.Role != RoleReadOnly {
		return nil, fmt.Errorf("unknown role %q", claims.Role)
	}
	return claims.Copy(), nil
}

// NewToken signs a control-plane token carrying the given role, valid for
// ttl from now. amqpproxctl and tests mint their tokens through this.
func NewToken(secret, role string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("secret must be set")
	}
	now := time.Now()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Audience:  jwt.ClaimStrings{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}
