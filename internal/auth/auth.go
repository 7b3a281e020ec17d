// Package auth authenticates bearer tokens and checks their scopes.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"slices"
	"strings"
)

// Scopes understood by the API. A ":rw" scope implies its ":ro" counterpart.
const (
	ScopeAll       = "*"
	ScopeChatRO    = "chat:ro"
	ScopeChatRW    = "chat:rw"
	ScopePluginsRO = "plugins:ro"
	ScopePluginsRW = "plugins:rw"
	ScopeEventsRO  = "events:ro"
)

var knownScopes = []string{ScopeChatRO, ScopeChatRW, ScopePluginsRO, ScopePluginsRW, ScopeEventsRO, ScopeAll}

// KnownScopes lists every scope a token may carry.
func KnownScopes() []string { return slices.Clone(knownScopes) }

// IsKnownScope reports whether s names a scope the API checks.
func IsKnownScope(s string) bool {
	return slices.Contains(knownScopes, strings.TrimSpace(s))
}

// AdminName is the principal name of the all-access API key.
const AdminName = "api_key"

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrBadScheme    = errors.New("authorization header must use the Bearer scheme")
)

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Name   string
	Token  string
	Scopes []string
}

// Principal is an authenticated caller. The token itself is not kept.
type Principal struct {
	Name   string
	Scopes map[string]struct{}
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// ExtractBearerToken reads the token from the Authorization header.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", ErrBadScheme
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

func tokensMatch(presented, configured string) bool {
	if presented == "" || configured == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}

// Authenticate resolves a presented token. The API key holds "*"; scoped
// tokens are checked in order and all of them are compared.
func Authenticate(presented, apiKey string, tokens []TokenConfig) (Principal, bool) {
	if tokensMatch(presented, apiKey) {
		return Principal{Name: AdminName, Scopes: map[string]struct{}{ScopeAll: {}}}, true
	}

	var (
		found Principal
		ok    bool
	)
	for _, t := range tokens {
		if tokensMatch(presented, t.Token) && !ok {
			found, ok = Principal{Name: t.Name, Scopes: expandScopes(t.Scopes)}, true
		}
	}
	return found, ok
}

func expandScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes)*2)
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out[s] = struct{}{}
		if base, ok := strings.CutSuffix(s, ":rw"); ok {
			out[base+":ro"] = struct{}{}
		}
	}
	return out
}

// HasAnyScope reports whether p holds "*" or any of required. An empty
// required list always passes.
func HasAnyScope(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.Scopes[ScopeAll]; ok {
		return true
	}
	return slices.ContainsFunc(required, func(s string) bool {
		_, ok := p.Scopes[s]
		return ok
	})
}
