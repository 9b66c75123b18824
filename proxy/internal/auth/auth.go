// Package auth resolves, per upstream provider and auth method, which
// HTTP headers carry the credential for an upstream call. Kept under
// internal/ so only the proxy tree can import it, the same way
// proxy/internal/respond is shared across the executor subpackages.
package auth

import (
	"strings"

	"golang.org/x/oauth2"
)

// Strategy produces the headers an upstream request needs to
// authenticate, given a route's provider and token.
type Strategy interface {
	Headers() map[string]string
}

type null struct{}

func (null) Headers() map[string]string { return map[string]string{} }

type bearer struct {
	token      string
	headerName string
	prefix     string
}

func (b bearer) Headers() map[string]string {
	if b.token == "" {
		return map[string]string{}
	}
	name := b.headerName
	if name == "" {
		name = "Authorization"
	}
	prefix := b.prefix
	return map[string]string{name: prefix + b.token}
}

// oauthBearer carries a route's oauth-mode token through an
// oauth2.TokenSource rather than a bare string, so the value handed
// upstream is always run through the standard token-validity/type
// formatting oauth2.Token provides instead of ad-hoc concatenation.
// The route registry supplies only the access token (a route config
// carries no refresh token); refreshing it is the mobile client's
// job, not the proxy's.
type oauthBearer struct{ token string }

func (o oauthBearer) Headers() map[string]string {
	if o.token == "" {
		return map[string]string{}
	}
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: o.token, TokenType: "Bearer"})
	tok, err := src.Token()
	if err != nil || !tok.Valid() {
		return map[string]string{}
	}
	return map[string]string{"Authorization": tok.Type() + " " + tok.AccessToken}
}

type dual struct{ token string }

func (d dual) Headers() map[string]string {
	if d.token == "" {
		return map[string]string{}
	}
	return map[string]string{
		"Authorization": "Bearer " + d.token,
		"x-api-key":     d.token,
	}
}

// Resolve returns the auth strategy for a provider/auth_method/token
// combination, following the same per-provider header-name table the
// upstream providers require (Anthropic wants x-api-key for API-key
// auth but Bearer for oauth, Gemini wants x-goog-api-key, Azure wants
// api-key, everything OpenAI-compatible wants Bearer).
func Resolve(provider, authMethod, token string) Strategy {
	provider = strings.ToLower(provider)
	method := strings.ToLower(authMethod)
	if method == "" {
		method = "api_key"
	}

	switch provider {
	case "anthropic":
		if method == "oauth" {
			return oauthBearer{token: token}
		}
		return bearer{token: token, headerName: "x-api-key"}
	case "azure":
		return bearer{token: token, headerName: "api-key"}
	case "gemini", "google":
		if method == "oauth" {
			return oauthBearer{token: token}
		}
		return bearer{token: token, headerName: "x-goog-api-key"}
	case "openai", "openrouter", "ollama", "togetherai", "groq", "cerebras", "xai":
		return bearer{token: token, prefix: "Bearer "}
	}

	if method == "oauth" {
		return oauthBearer{token: token}
	}
	if token != "" {
		return dual{token: token}
	}
	return null{}
}
