package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"reportd/internal/config"
	"reportd/internal/domain"
	"reportd/internal/logging"
)

// Claims are the bearer token claims understood by the API. The subject
// identifies the user; permissions carry the capabilities.
type Claims struct {
	jwt.RegisteredClaims
	Name        string   `json:"name,omitempty"`
	Email       string   `json:"email,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

type callerKey struct{}

// CallerFrom returns the authenticated caller stored by the auth middleware.
func CallerFrom(ctx context.Context) domain.Caller {
	c, _ := ctx.Value(callerKey{}).(domain.Caller)
	return c
}

// WithCaller stores caller in ctx.
func WithCaller(ctx context.Context, caller domain.Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// Authenticator turns bearer tokens into callers.
type Authenticator struct {
	secret   []byte
	disabled bool
	parser   *jwt.Parser
	logger   *slog.Logger
}

// DevCaller is the identity used when authentication is disabled.
var DevCaller = domain.Caller{
	User:        domain.User{Sub: "dev", Name: "developer"},
	Permissions: []string{domain.PermSubmitJobs, domain.PermWriteJobs, domain.PermReadJobs},
}

func NewAuthenticator(cfg config.AuthConfig, logger *slog.Logger) (*Authenticator, error) {
	if !cfg.Disabled && cfg.Secret == "" {
		return nil, errors.New("auth secret is required unless auth is disabled")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &Authenticator{
		secret:   []byte(cfg.Secret),
		disabled: cfg.Disabled,
		parser:   jwt.NewParser(opts...),
		logger:   logger.With("component", "auth"),
	}, nil
}

// Authenticate validates a token string and returns its caller.
func (a *Authenticator) Authenticate(token string) (domain.Caller, error) {
	var claims Claims
	_, err := a.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil {
		return domain.Caller{}, fmt.Errorf("invalid token: %w", err)
	}
	if claims.Subject == "" {
		return domain.Caller{}, errors.New("invalid token: missing subject")
	}
	return domain.Caller{
		User:        domain.User{Sub: claims.Subject, Name: claims.Name, Email: claims.Email},
		Permissions: claims.Permissions,
	}, nil
}

// Middleware rejects requests without a valid bearer token with 401 and
// stores the caller in the request context otherwise.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := DevCaller
		if !a.disabled {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				writeError(w, http.StatusUnauthorized, "missing bearer token", nil)
				return
			}
			var err error
			caller, err = a.Authenticate(strings.TrimSpace(token))
			if err != nil {
				a.logger.DebugContext(r.Context(), "rejected token", "error", err)
				writeError(w, http.StatusUnauthorized, "invalid bearer token", nil)
				return
			}
		}
		ctx := WithCaller(r.Context(), caller)
		ctx = logging.ContextAttrs(ctx, slog.String("user", caller.User.Sub))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SignToken issues an HS256 token for caller, valid for ttl.
func SignToken(secret []byte, issuer string, caller domain.Caller, ttl time.Duration, audience ...string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   caller.User.Sub,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Audience:  jwt.ClaimStrings(audience),
		},
		Name:        caller.User.Name,
		Email:       caller.User.Email,
		Permissions: caller.Permissions,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
