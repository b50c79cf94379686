package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Auth0Config holds Auth0 JWT validation configuration.
type Auth0Config struct {
	Domain   string
	Audience string
}

// Claims identifies the viewer behind a validated token.
type Claims struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	jwt.RegisteredClaims
}

// auth0Middleware validates Auth0 access tokens for playback writes.
type auth0Middleware struct {
	config  Auth0Config
	logger  *slog.Logger
	parser  *jwt.Parser
	jwksURL string

	keysOnce sync.Once
	keys     keyfunc.Keyfunc
	keysErr  error
}

func newAuth0Middleware(cfg Auth0Config, logger *slog.Logger) *auth0Middleware {
	return &auth0Middleware{
		config: cfg,
		logger: logger,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithIssuer(fmt.Sprintf("https://%s/", cfg.Domain)),
			jwt.WithAudience(cfg.Audience),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
			jwt.WithLeeway(time.Minute),
		),
		jwksURL: fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.Domain),
	}
}

// validateToken checks the signature against the tenant's JWKS and the
// registered claims against the configured domain and audience.
func (m *auth0Middleware) validateToken(ctx context.Context, token string) (*Claims, error) {
	claims := &Claims{}
	if _, err := m.parser.ParseWithClaims(token, claims, m.lookupKey(ctx)); err != nil {
		return nil, err
	}
	return claims, nil
}

// lookupKey builds the JWKS cache on first use, so malformed tokens never
// cost a round trip to the tenant.
func (m *auth0Middleware) lookupKey(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		m.keysOnce.Do(func() {
			m.keys, m.keysErr = keyfunc.NewDefaultOverrideCtx(context.Background(), []string{m.jwksURL}, keyfunc.Override{
				Client:      &http.Client{Timeout: 10 * time.Second},
				HTTPTimeout: 10 * time.Second,
				RefreshErrorHandlerFunc: func(u string) func(context.Context, error) {
					return func(_ context.Context, err error) {
						m.logger.Warn("jwks refresh failed", slog.String("url", u), slog.String("error", err.Error()))
					}
				},
			})
		})
		if m.keysErr != nil {
			return nil, fmt.Errorf("load jwks: %w", m.keysErr)
		}
		return m.keys.KeyfuncCtx(ctx)(token)
	}
}
