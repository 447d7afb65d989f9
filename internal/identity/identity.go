// Package identity supplies the acting principal to the transport and the stores.
package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrNoCredentials is returned when no credentials file exists.
var ErrNoCredentials = errors.New("no stored credentials")

// Provider is the read side consumed by the client and the stores.
type Provider interface {
	// Username returns the current principal's display name, or "" when logged out.
	Username() string
	// Token returns the bearer credential, or "" when unauthenticated.
	Token() string
}

// Permission levels granted at login.
const (
	PermissionNormal = "normal"
	PermissionAdmin  = "admin"
)

// Credentials is the persisted form of a login.
type Credentials struct {
	Username   string `yaml:"username"`
	Token      string `yaml:"token"`
	Permission string `yaml:"permission,omitempty"`
}

// CurrentUser holds the logged-in principal. Safe for concurrent use.
type CurrentUser struct {
	mu    sync.RWMutex
	creds Credentials
}

// NewCurrentUser returns a logged-out user.
func NewCurrentUser() *CurrentUser {
	return &CurrentUser{}
}

// LogIn records a successful login.
func (u *CurrentUser) LogIn(username, token, permission string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.creds = Credentials{Username: username, Token: token, Permission: permission}
}

// LogOut forgets the principal.
func (u *CurrentUser) LogOut() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.creds = Credentials{}
}

// Username implements Provider.
func (u *CurrentUser) Username() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.creds.Username
}

// Token implements Provider.
func (u *CurrentUser) Token() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.creds.Token
}

// Permission returns the permission granted at login.
func (u *CurrentUser) Permission() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.creds.Permission
}

// IsLoggedIn reports whether both a username and a token are present.
func (u *CurrentUser) IsLoggedIn() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.creds.Username != "" && u.creds.Token != ""
}

// Load restores credentials from a YAML file. A missing file yields ErrNoCredentials
// and leaves the user logged out.
func (u *CurrentUser) Load(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNoCredentials
	}
	if err != nil {
		return fmt.Errorf("read credentials: %w", err)
	}

	var creds Credentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return fmt.Errorf("parse credentials: %w", err)
	}

	u.mu.Lock()
	u.creds = creds
	u.mu.Unlock()
	return nil
}

// Save writes the current credentials to path with owner-only permissions.
func (u *CurrentUser) Save(path string) error {
	u.mu.RLock()
	data, err := yaml.Marshal(u.creds)
	u.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

// Remove deletes the credentials file. A missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove credentials: %w", err)
	}
	return nil
}
