package directory

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/config"
)

// NewHTTPClient returns an HTTP client that authenticates every directory API request.
//
// With auth_method "token" the static API token is sent as a bearer token. With
// "client_credentials" the token endpoint is discovered from the issuer's OpenID
// configuration and tokens are fetched and refreshed by the OAuth2 client credentials flow.
func NewHTTPClient(ctx context.Context, cfg config.AuthentikConfig, timeout time.Duration) (*http.Client, error) {
	base := &http.Client{Timeout: timeout}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)

	var client *http.Client
	switch cfg.AuthMethod {
	case "", "token":
		if cfg.Token == "" {
			return nil, fmt.Errorf("directory API token is required")
		}
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token, TokenType: "Bearer"})
		client = oauth2.NewClient(ctx, ts)

	case "client_credentials":
		tokenURL, err := discoverTokenURL(ctx, cfg.IssuerURL)
		if err != nil {
			return nil, err
		}
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     tokenURL,
			Scopes:       cfg.Scopes,
		}
		client = cc.Client(ctx)

	default:
		return nil, fmt.Errorf("unsupported directory auth method: %s", cfg.AuthMethod)
	}

	client.Timeout = timeout
	return client, nil
}

// discoverTokenURL reads the token endpoint from the issuer's discovery document
func discoverTokenURL(ctx context.Context, issuerURL string) (string, error) {
	if issuerURL == "" {
		return "", fmt.Errorf("issuer URL is required for client credentials")
	}
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return "", fmt.Errorf("failed to discover OIDC provider: %w", err)
	}
	tokenURL := provider.Endpoint().TokenURL
	if tokenURL == "" {
		return "", fmt.Errorf("issuer %s does not advertise a token endpoint", issuerURL)
	}
	return tokenURL, nil
}
