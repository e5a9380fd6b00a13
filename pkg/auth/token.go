// Package auth resolves the credentials used to reach the narration service.
package auth

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

type Credential struct {
	AccessToken string
	Provider    string
	AuthMethod  string
}

// TokenSource yields a bearer token for each narration request.
type TokenSource func() (string, error)

type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

func (c OAuthConfig) Enabled() bool {
	return c.ClientID != "" && c.TokenURL != ""
}

// Static returns a source that always yields key.
func Static(key string) TokenSource {
	return func() (string, error) {
		if strings.TrimSpace(key) == "" {
			return "", errors.New("no API key configured")
		}
		return key, nil
	}
}

// ClientCredentials returns a source that runs the OAuth2 client credentials
// grant and reuses the token until it expires.
func ClientCredentials(ctx context.Context, cfg OAuthConfig) (TokenSource, error) {
	if !cfg.Enabled() {
		return nil, errors.New("oauth client_id and token_url are required")
	}
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}
	ts := oauth2.ReuseTokenSource(nil, cc.TokenSource(ctx))
	return func() (string, error) {
		tok, err := ts.Token()
		if err != nil {
			return "", fmt.Errorf("oauth token: %w", err)
		}
		return tok.AccessToken, nil
	}, nil
}

// PasteToken prompts on w and reads one API key line from r.
func PasteToken(provider string, r io.Reader, w io.Writer) (*Credential, error) {
	fmt.Fprintf(w, "Paste your API key from %s:\n", providerDisplayName(provider))
	fmt.Fprint(w, "> ")

	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("reading token: %w", err)
		}
		return nil, errors.New("no input received")
	}

	token := strings.TrimSpace(scanner.Text())
	if token == "" {
		return nil, errors.New("token cannot be empty")
	}

	return &Credential{
		AccessToken: token,
		Provider:    provider,
		AuthMethod:  "token",
	}, nil
}

func providerDisplayName(provider string) string {
	switch provider {
	case "anthropic":
		return "console.anthropic.com"
	case "openai":
		return "platform.openai.com"
	default:
		return provider
	}
}
