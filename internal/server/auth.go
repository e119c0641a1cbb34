package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
)

// Permissions checked per operation. A token without a permissions claim may do
// everything; "*" grants all.
const (
	PermSubmit  = "project.submit"
	PermRead    = "project.read"
	PermOperate = "project.operate"
	PermRespond = "response.record"
)

type AuthConfig struct {
	JWTSecret string
	// AllowActorHeader accepts an unauthenticated X-Actor-Id when no secret is set.
	AllowActorHeader bool
	Logger           *slog.Logger
}

type Principal struct {
	ActorID     string
	Permissions []string
	Source      string
}

func (p Principal) Can(perm string) bool {
	if len(p.Permissions) == 0 {
		return true
	}
	for _, have := range p.Permissions {
		if have == perm || have == "*" {
			return true
		}
	}
	return false
}

type principalKey struct{}

func (c AuthConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default().With("component", "server")
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// authorize returns the calling actor if it holds perm.
func authorize(ctx context.Context, perm string) (string, huma.StatusError) {
	p, ok := principalFromContext(ctx)
	if !ok || p.ActorID == "" {
		return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	if !p.Can(perm) {
		return "", newAPIError(http.StatusForbidden, "forbidden", "missing permission", map[string]any{"permission": perm})
	}
	return p.ActorID, nil
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Permissions []string `json:"permissions,omitempty"`
}

// tokenLeeway absorbs clock skew between the issuer and this server.
const tokenLeeway = 30 * time.Second

// verifier checks HS256 bearer tokens carrying a subject and an expiry.
type verifier struct {
	key    []byte
	parser *jwt.Parser
}

func newVerifier(secret string) *verifier {
	if strings.TrimSpace(secret) == "" {
		return nil
	}
	return &verifier{
		key: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(tokenLeeway),
		),
	}
}

func (v *verifier) verify(raw string) (Principal, error) {
	if v == nil {
		return Principal{}, errors.New("jwt secret not configured")
	}
	var claims jwtClaims
	if _, err := v.parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) { return v.key, nil }); err != nil {
		return Principal{}, err
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{ActorID: claims.Subject, Permissions: claims.Permissions, Source: "jwt"}, nil
}

// SignToken mints an HS256 token for subject valid for ttl.
func SignToken(secret, subject string, permissions []string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if subject == "" {
		return "", errors.New("subject required")
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Permissions: permissions,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

var errInvalidCredentials = newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)

// authenticate resolves the caller of req. Bearer tokens win over the actor header.
func (c AuthConfig) authenticate(v *verifier, req *http.Request) (Principal, huma.StatusError) {
	if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
		scheme, raw, ok := strings.Cut(authz, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(raw) == "" {
			return Principal{}, errInvalidCredentials
		}
		p, err := v.verify(strings.TrimSpace(raw))
		if err != nil {
			c.logger().DebugContext(req.Context(), "rejected token", "error", err)
			return Principal{}, errInvalidCredentials
		}
		return p, nil
	}
	if actor := strings.TrimSpace(req.Header.Get("X-Actor-Id")); actor != "" && c.AllowActorHeader && v == nil {
		c.logger().WarnContext(req.Context(), "unauthenticated actor header accepted", "actor_id", actor)
		return Principal{ActorID: actor, Source: "header"}, nil
	}
	return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	v := newVerifier(cfg.JWTSecret)
	public := map[string]bool{path.Join(basePath, "health"): true}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !strings.HasPrefix(req.URL.Path, basePath) || public[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}
			p, authErr := cfg.authenticate(v, req)
			if authErr != nil {
				respondStatusError(w, authErr)
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), p)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}
