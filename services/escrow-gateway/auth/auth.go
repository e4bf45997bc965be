package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type contextKey string

const contextKeyPrincipal contextKey = "principal"

// Principal is the authenticated caller attached to the request context.
type Principal struct {
	UserID uuid.UUID
	Claims jwt.MapClaims
}

// Options controls token verification.
type Options struct {
	Secret []byte
	Issuer string
	// MaxSkew tolerates clock drift between token issuer and gateway.
	// Zero applies a 30 second default.
	MaxSkew time.Duration
}

// Authenticator verifies HS256 bearer tokens and attaches the caller
// identity to the request context.
type Authenticator struct {
	secret []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
}

// NewAuthenticator constructs an authenticator from the supplied options.
func NewAuthenticator(opts Options) (*Authenticator, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("auth: signing secret required")
	}
	issuer := strings.TrimSpace(opts.Issuer)
	if issuer == "" {
		return nil, errors.New("auth: issuer required")
	}
	leeway := opts.MaxSkew
	if leeway <= 0 {
		leeway = 30 * time.Second
	}
	return &Authenticator{
		secret: opts.Secret,
		issuer: issuer,
		leeway: leeway,
		now:    time.Now,
	}, nil
}

// Verify parses and validates a bearer token, returning the caller identity.
func (a *Authenticator) Verify(token string) (*Principal, error) {
	if a == nil {
		return nil, errors.New("auth: verifier not configured")
	}
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithLeeway(a.leeway),
		jwt.WithTimeFunc(func() time.Time { return a.now() }),
	)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("auth: token validation failed")
	}
	subject, _ := claims["sub"].(string)
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, errors.New("auth: token subject missing")
	}
	userID, err := uuid.Parse(subject)
	if err != nil {
		return nil, fmt.Errorf("auth: token subject is not a user id: %w", err)
	}
	return &Principal{UserID: userID, Claims: claims}, nil
}

// Middleware enforces bearer authentication before invoking the next handler.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := strings.TrimSpace(r.Header.Get("Authorization"))
		if authz == "" {
			http.Error(w, "missing authorization", http.StatusUnauthorized)
			return
		}
		parts := strings.SplitN(authz, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			http.Error(w, "invalid authorization scheme", http.StatusUnauthorized)
			return
		}
		token := strings.TrimSpace(parts[1])
		if token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		principal, err := a.Verify(token)
		if err != nil {
			http.Error(w, "invalid authorization token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyPrincipal, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext extracts the Principal attached by Middleware.
func FromContext(ctx context.Context) (*Principal, error) {
	if ctx == nil {
		return nil, errors.New("auth: missing context")
	}
	if principal, ok := ctx.Value(contextKeyPrincipal).(*Principal); ok && principal != nil {
		return principal, nil
	}
	return nil, errors.New("auth: missing identity in context")
}

// WithPrincipal injects a caller identity into the context (test helper).
func WithPrincipal(ctx context.Context, principal *Principal) context.Context {
	return context.WithValue(ctx, contextKeyPrincipal, principal)
}
