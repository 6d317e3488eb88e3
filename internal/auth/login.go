package auth

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"
)

// verificationCodeRedirect is Yandex's special redirect target that displays
// the authorization code directly in the browser instead of bouncing through
// a registered callback URL, letting a headless CLI complete login without a
// local HTTP server.
const verificationCodeRedirect = "https://oauth.yandex.ru/verification_code"

// Login performs the authorization-code flow: builds the authorization URL,
// calls display so the caller can show/open it, then exchanges the code the
// user pastes back (obtained via readCode) for a token and persists it.
func Login(ctx context.Context, clientID, clientSecret, tokenPath string, display func(authURL string), readCode func() (string, error), logger *slog.Logger) error {
	cfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     yandexEndpoint,
		RedirectURL:  verificationCodeRedirect,
	}

	authURL := cfg.AuthCodeURL("")
	display(authURL)

	code, err := readCode()
	if err != nil {
		return fmt.Errorf("auth: reading authorization code: %w", err)
	}

	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("auth: exchanging authorization code: %w", err)
	}

	if err := saveToken(tokenPath, tok); err != nil {
		return err
	}

	logger.Info("login successful", slog.String("path", tokenPath))

	return nil
}

// Logout removes the saved token file.
func Logout(tokenPath string) error {
	return removeToken(tokenPath)
}
