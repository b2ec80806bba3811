// Package auth extracts the caller's identity from bearer tokens or development headers.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleAdmin      = "admin"
	RoleDispatcher = "dispatcher"
	RoleDriver     = "driver"
)

var (
	ErrInvalidToken = errors.New("token is invalid")
	ErrExpiredToken = errors.New("token has expired")
)

type Principal struct {
	Subject  string
	Role     string
	DriverID string
}

// IsDispatcher reports whether the principal may act on any driver's journey.
func (p Principal) IsDispatcher() bool { return p.Role == RoleDispatcher || p.Role == RoleAdmin }

// Claims is the HS256 token payload.
type Claims struct {
	Role     string `json:"role"`
	DriverID string `json:"driverId,omitempty"`
	jwt.RegisteredClaims
}

// Verifier supports two modes: "dev" trusts X-Role/X-Driver-Id headers, "hmac" requires an
// HS256 bearer token.
type Verifier struct {
	Mode   string
	Secret []byte
}

func NewVerifier(mode, secret string) (*Verifier, error) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = "dev"
	}
	switch mode {
	case "dev":
	case "hmac":
		if len(secret) < 32 {
			return nil, fmt.Errorf("auth: hmac secret must be at least 32 bytes")
		}
	default:
		return nil, fmt.Errorf("auth: unknown mode %q", mode)
	}
	return &Verifier{Mode: mode, Secret: []byte(secret)}, nil
}

// Issue signs a token for the principal. Used by operators and tests.
func (v *Verifier) Issue(p Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role:     p.Role,
		DriverID: p.DriverID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.Secret)
}

func (v *Verifier) Verify(token string) (Principal, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, ErrExpiredToken
		}
		return Principal{}, ErrInvalidToken
	}
	if claims.Role == "" {
		return Principal{}, ErrInvalidToken
	}
	driver := claims.DriverID
	if driver == "" && claims.Role == RoleDriver {
		driver = claims.Subject
	}
	return Principal{Subject: claims.Subject, Role: claims.Role, DriverID: driver}, nil
}

// FromRequest resolves the principal for r. In dev mode a missing role defaults to dispatcher.
func (v *Verifier) FromRequest(r *http.Request) (Principal, error) {
	authz := r.Header.Get("Authorization")
	if v.Mode == "hmac" {
		if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			return Principal{}, ErrInvalidToken
		}
		return v.Verify(strings.TrimSpace(authz[len("Bearer "):]))
	}
	role := r.Header.Get("X-Role")
	if role == "" {
		role = RoleDispatcher
	}
	driver := r.Header.Get("X-Driver-Id")
	return Principal{Subject: driver, Role: role, DriverID: driver}, nil
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}
