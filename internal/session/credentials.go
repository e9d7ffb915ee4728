package session

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Credentials holds the authenticated identity for a session. The token
// is issued by the server at login and may expire at any time.
type Credentials struct {
	UserID string `toml:"user_id"`
	Token  string `toml:"token"`
}

// LoadCredentials reads stored credentials for a session.
func LoadCredentials(name string) (*Credentials, error) {
	return LoadCredentialsFile(CredentialsPath(name))
}

// LoadCredentialsFile reads credentials from an explicit path.
func LoadCredentialsFile(path string) (*Credentials, error) {
	var creds Credentials
	if _, err := toml.DecodeFile(path, &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

// SaveCredentials persists credentials with owner-only permissions.
func SaveCredentials(name string, creds *Credentials) error {
	path := CredentialsPath(name)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(creds)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
