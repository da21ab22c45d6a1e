package ports

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/voltgrid/clearing-engine/internal/domain"
	"github.com/voltgrid/clearing-engine/pkg/observability"
)

type remoteAddrKey struct{}

// WithRemoteAddr attaches the client address the api package observed for
// this request, so downstream collaborators (the JWT resolver's security
// logging) can record it without the api package needing to know about
// authentication.
func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, remoteAddrKey{}, addr)
}

func remoteAddrFromContext(ctx context.Context) string {
	addr, _ := ctx.Value(remoteAddrKey{}).(string)
	return addr
}

// claims mirrors the subject/user_id claims the reference stack's
// TokenClaims carries, trimmed to what this engine needs to identify a
// caller.
type claims struct {
	UserID uuid.UUID `json:"user_id"`
	jwt.RegisteredClaims
}

// JWTResolver implements AuthenticatedUser against HMAC-signed bearer
// tokens, grounded on internal/auth.JWTService.ValidateToken but
// simplified from that service's RSA keypair/blacklist/MFA machinery to
// the single shared-secret verification spec.md's auth model calls for.
type JWTResolver struct {
	secret   []byte
	issuer   string
	security *observability.SecurityLogger
}

func NewJWTResolver(secret, issuer string, logger *observability.Logger) *JWTResolver {
	return &JWTResolver{secret: []byte(secret), issuer: issuer, security: observability.NewSecurityLogger(logger)}
}

func (r *JWTResolver) Authenticate(ctx context.Context, token string) (uuid.UUID, error) {
	addr := remoteAddrFromContext(ctx)

	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return r.secret, nil
	}, jwt.WithIssuer(r.issuer))
	if err != nil {
		r.security.LogAuthEvent(ctx, "bearer_token", "", addr, false, map[string]interface{}{"error": err.Error()})
		return uuid.Nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		r.security.LogAuthEvent(ctx, "bearer_token", "", addr, false, nil)
		return uuid.Nil, fmt.Errorf("%w: invalid token claims", domain.ErrInvalidInput)
	}
	if c.UserID == uuid.Nil {
		r.security.LogAuthEvent(ctx, "bearer_token", "", addr, false, nil)
		return uuid.Nil, fmt.Errorf("%w: token carries no user_id", domain.ErrInvalidInput)
	}
	r.security.LogAuthEvent(ctx, "bearer_token", c.UserID.String(), addr, true, nil)
	return c.UserID, nil
}
