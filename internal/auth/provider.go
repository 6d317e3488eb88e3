package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/oauth2"
)

// yandexEndpoint is the Yandex OAuth token endpoint; Yandex Disk uses a
// simple authorization-code grant rather than device-code flow.
var yandexEndpoint = oauth2.Endpoint{
	AuthURL:  "https://oauth.yandex.ru/authorize",
	TokenURL: "https://oauth.yandex.ru/token",
}

// Provider implements restapi.TokenProvider, transparently refreshing an
// OAuth2 token and persisting every refresh to tokenPath.
type Provider struct {
	tokenPath string
	cfg       *oauth2.Config
	logger    *slog.Logger

	mu  sync.Mutex
	src oauth2.TokenSource
}

// NewProvider loads the token saved at tokenPath and returns a Provider
// wrapping it. Returns ErrNotLoggedIn if no token file exists.
func NewProvider(ctx context.Context, clientID, clientSecret, tokenPath string, logger *slog.Logger) (*Provider, error) {
	tok, err := loadToken(tokenPath)
	if err != nil {
		return nil, err
	}

	if tok == nil {
		return nil, ErrNotLoggedIn
	}

	cfg := &oauth2.Config{ClientID: clientID, ClientSecret: clientSecret, Endpoint: yandexEndpoint}

	return &Provider{
		tokenPath: tokenPath,
		cfg:       cfg,
		logger:    logger,
		src:       cfg.TokenSource(ctx, tok),
	}, nil
}

// CurrentToken returns the access token, transparently refreshing and
// persisting it if expired.
func (p *Provider) CurrentToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tok, err := p.src.Token()
	if err != nil {
		return "", fmt.Errorf("auth: obtaining token: %w", err)
	}

	if err := saveToken(p.tokenPath, tok); err != nil {
		p.logger.Warn("auth: failed to persist refreshed token", slog.String("error", err.Error()))
	}

	return tok.AccessToken, nil
}

// ForceRefresh discards the cached token source and obtains a fresh token,
// used by the engine's single auth-retry-then-escalate path.
func (p *Provider) ForceRefresh(ctx context.Context) (string, error) {
	p.mu.Lock()
	tok, err := loadToken(p.tokenPath)
	if err == nil && tok != nil {
		p.src = p.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: tok.RefreshToken})
	}
	p.mu.Unlock()

	return p.CurrentToken(ctx)
}
