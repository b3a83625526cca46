package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}

// New returns the authenticator for cfg.Mode.
func New(ctx context.Context, cfg Config) (Authenticator, error) {
	switch cfg.Mode {
	case ModeDev:
		return NewDevAuthenticator(cfg), nil
	case ModeToken:
		return NewTokenAuthenticator(cfg.Tokens), nil
	case ModeOIDC:
		return NewOIDCAuthenticator(ctx, cfg)
	case ModeDisabled:
		return DisabledAuthenticator{}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode: %q", cfg.Mode)
	}
}

type DevAuthenticator struct {
	identity Identity
}

func NewDevAuthenticator(cfg Config) *DevAuthenticator {
	return &DevAuthenticator{
		identity: Identity{
			Subject: cfg.DevSubject,
			Email:   cfg.DevEmail,
			Roles:   cfg.DevRoles,
		},
	}
}

func (a *DevAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	return a.identity, nil
}

// DisabledAuthenticator admits everyone as an anonymous admin.
type DisabledAuthenticator struct{}

func (DisabledAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	return Identity{Subject: "anonymous", Roles: []string{RoleAdmin}}, nil
}

type TokenAuthenticator struct {
	tokens []StaticToken
}

func NewTokenAuthenticator(tokens []StaticToken) *TokenAuthenticator {
	return &TokenAuthenticator{tokens: append([]StaticToken(nil), tokens...)}
}

func (a *TokenAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	raw := tokenFromHeader(r)
	if raw == "" {
		return Identity{}, ErrUnauthenticated
	}
	for _, tok := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(raw), []byte(tok.Token)) == 1 {
			return Identity{Subject: tok.Subject, Roles: tok.Roles}, nil
		}
	}
	return Identity{}, fmt.Errorf("unknown bearer token")
}

// OIDCAuthenticator verifies bearer ID tokens against the issuer.
type OIDCAuthenticator struct {
	cfg      Config
	verifier *oidc.IDTokenVerifier
}

func NewOIDCAuthenticator(ctx context.Context, cfg Config) (*OIDCAuthenticator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode != ModeOIDC {
		return nil, fmt.Errorf("auth mode must be oidc (got %q)", cfg.Mode)
	}
	provider, err := oidc.NewProvider(ctx, cfg.OIDCIssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider: %w", err)
	}
	return &OIDCAuthenticator{
		cfg:      cfg,
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.OIDCClientID}),
	}, nil
}

func (a *OIDCAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	rawToken := tokenFromHeader(r)
	if rawToken == "" {
		return Identity{}, ErrUnauthenticated
	}
	idToken, err := a.verifier.Verify(ctx, rawToken)
	if err != nil {
		return Identity{}, err
	}
	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return Identity{}, err
	}
	subject, _ := claims["sub"].(string)
	return Identity{
		Subject: subject,
		Email:   extractStringClaim(claims, a.cfg.EmailClaim),
		Roles:   extractRolesClaim(claims, a.cfg.RolesClaim),
	}, nil
}

func tokenFromHeader(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return ""
	}
	parts := strings.SplitN(authz, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func extractStringClaim(claims map[string]any, key string) string {
	v, _ := claims[key].(string)
	return strings.TrimSpace(v)
}

func extractRolesClaim(claims map[string]any, key string) []string {
	switch v := claims[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return parseCSV(strings.Join(out, ","))
	case []string:
		return parseCSV(strings.Join(v, ","))
	case string:
		return parseCSV(v)
	default:
		return nil
	}
}
