// Package auth authenticates API callers from a static users file and
// maps their roles onto permissions. Passwords are stored as bcrypt
// hashes; API tokens are opaque strings compared in constant time.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrUserNotFound is returned when the username is unknown
	ErrUserNotFound = errors.New("user not found")
	// ErrInvalidCredentials is returned for a wrong password or token
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Permission names one allowed operation class
type Permission string

const (
	// PermissionQueueView allows reading queue contents and stats
	PermissionQueueView Permission = "queue:view"
	// PermissionQueueManage allows retry, remove, clear and config updates
	PermissionQueueManage Permission = "queue:manage"
	// PermissionAnalyticsView allows analytics queries
	PermissionAnalyticsView Permission = "analytics:view"
	// PermissionCampaignManage allows campaign creation and updates
	PermissionCampaignManage Permission = "campaign:manage"
)

// rolePermissions maps each role onto its permission set. Roles are
// fixed; per-deployment flexibility comes from assigning roles to users
// in the users file.
var rolePermissions = map[string][]Permission{
	"admin": {
		PermissionQueueView, PermissionQueueManage,
		PermissionAnalyticsView, PermissionCampaignManage,
	},
	"operator": {
		PermissionQueueView, PermissionQueueManage,
		PermissionAnalyticsView,
	},
	"marketer": {
		PermissionAnalyticsView, PermissionCampaignManage,
	},
	"viewer": {
		PermissionQueueView, PermissionAnalyticsView,
	},
}

// User is one authenticated principal
type User struct {
	Username     string `toml:"username" json:"username"`
	PasswordHash string `toml:"password_hash" json:"-"`
	APIToken     string `toml:"api_token" json:"-"`
	Role         string `toml:"role" json:"role"`
}

// HasPermission reports whether the user's role grants the permission
func (u *User) HasPermission(p Permission) bool {
	for _, granted := range rolePermissions[u.Role] {
		if granted == p {
			return true
		}
	}
	return false
}

type usersFile struct {
	Users []User `toml:"users"`
}

// Authenticator verifies credentials against the loaded user set
type Authenticator struct {
	mu      sync.RWMutex
	byName  map[string]*User
	byToken map[string]*User

	logger *slog.Logger
}

// NewAuthenticator creates an authenticator over a fixed user set
func NewAuthenticator(users []User) (*Authenticator, error) {
	a := &Authenticator{
		byName:  make(map[string]*User),
		byToken: make(map[string]*User),
		logger:  slog.Default().With("component", "auth"),
	}

	for i := range users {
		u := users[i]
		if u.Username == "" {
			return nil, fmt.Errorf("user %d: username is required", i)
		}
		if u.Role != "" {
			if _, ok := rolePermissions[u.Role]; !ok {
				return nil, fmt.Errorf("user %s: unknown role %q", u.Username, u.Role)
			}
		}
		if _, dup := a.byName[u.Username]; dup {
			return nil, fmt.Errorf("duplicate username: %s", u.Username)
		}

		a.byName[u.Username] = &u
		if u.APIToken != "" {
			if _, dup := a.byToken[u.APIToken]; dup {
				return nil, fmt.Errorf("duplicate api token for user %s", u.Username)
			}
			a.byToken[u.APIToken] = &u
		}
	}

	return a, nil
}

// LoadUsersFile reads a TOML users file and builds an authenticator
func LoadUsersFile(path string) (*Authenticator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read users file: %w", err)
	}

	var f usersFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse users file: %w", err)
	}
	if len(f.Users) == 0 {
		return nil, fmt.Errorf("users file %s defines no users", path)
	}

	return NewAuthenticator(f.Users)
}

// AuthenticateBasic verifies a username/password pair. The error never
// distinguishes an unknown user from a wrong password.
func (a *Authenticator) AuthenticateBasic(username, password string) (*User, error) {
	a.mu.RLock()
	u, ok := a.byName[username]
	a.mu.RUnlock()

	if !ok || u.PasswordHash == "" {
		// Burn a comparison so unknown users cost the same as bad
		// passwords.
		_ = bcrypt.CompareHashAndPassword(
			[]byte("$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5B1qB1mUuQm1Jd0ExUj0D0oQn7eGe"), []byte(password))
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		a.logger.Warn("failed basic auth attempt", "username", username)
		return nil, ErrInvalidCredentials
	}

	return u, nil
}

// AuthenticateToken verifies a bearer token
func (a *Authenticator) AuthenticateToken(token string) (*User, error) {
	if token == "" {
		return nil, ErrInvalidCredentials
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	// Constant-time scan; the user set is small and static.
	var match *User
	for stored, u := range a.byToken {
		if subtle.ConstantTimeCompare([]byte(stored), []byte(token)) == 1 {
			match = u
		}
	}
	if match == nil {
		return nil, ErrInvalidCredentials
	}
	return match, nil
}

// HashPassword bcrypt-hashes a plaintext password for the users file
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
