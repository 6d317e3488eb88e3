// Package auth implements restapi.TokenProvider on top of golang.org/x/oauth2,
// persisting refreshed tokens to a token file the way the teacher's
// internal/tokenfile package does.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"
)

// FilePerms restricts token files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the token file's parent directory.
const DirPerms = 0o700

// tokenFile is the on-disk format for a saved token.
type tokenFile struct {
	Token *oauth2.Token `json:"token"`
}

// loadToken reads a saved token from disk. Returns (nil, nil) if the file
// does not exist, so a fresh login can be triggered.
func loadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil
	}

	if err != nil {
		return nil, fmt.Errorf("auth: reading token file %s: %w", path, err)
	}

	var tf tokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("auth: decoding token file %s: %w", path, err)
	}

	if tf.Token == nil {
		return nil, fmt.Errorf("auth: %s missing token field, re-login required", path)
	}

	return tf.Token, nil
}

// saveToken persists tok to path.
func saveToken(path string, tok *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), DirPerms); err != nil {
		return fmt.Errorf("auth: creating token dir: %w", err)
	}

	data, err := json.MarshalIndent(tokenFile{Token: tok}, "", "  ")
	if err != nil {
		return fmt.Errorf("auth: encoding token: %w", err)
	}

	if err := os.WriteFile(path, data, FilePerms); err != nil {
		return fmt.Errorf("auth: writing token file %s: %w", path, err)
	}

	return nil
}

// ErrNotLoggedIn is returned when no token file exists at the configured path.
var ErrNotLoggedIn = errors.New("auth: not logged in")

// removeToken deletes the token file at path; a missing file is not an error.
func removeToken(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("auth: removing token file %s: %w", path, err)
	}

	return nil
}
