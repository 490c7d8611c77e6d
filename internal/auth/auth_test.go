package auth

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAuthenticator(t *testing.T) *Authenticator {
	t.Helper()

	hash, err := HashPassword("s3cret")
	require.NoError(t, err)

	a, err := NewAuthenticator([]User{
		{Username: "admin", PasswordHash: hash, APIToken: "tok-admin", Role: "admin"},
		{Username: "viewer", PasswordHash: hash, Role: "viewer"},
	})
	require.NoError(t, err)
	return a
}

func TestAuthenticateBasic(t *testing.T) {
	a := testAuthenticator(t)

	u, err := a.AuthenticateBasic("admin", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "admin", u.Username)

	_, err = a.AuthenticateBasic("admin", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	// Unknown users get the same error as bad passwords.
	_, err = a.AuthenticateBasic("ghost", "s3cret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticateToken(t *testing.T) {
	a := testAuthenticator(t)

	u, err := a.AuthenticateToken("tok-admin")
	require.NoError(t, err)
	assert.Equal(t, "admin", u.Username)

	_, err = a.AuthenticateToken("tok-bogus")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = a.AuthenticateToken("")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRolePermissions(t *testing.T) {
	tests := []struct {
		role    string
		perm    Permission
		granted bool
	}{
		{"admin", PermissionQueueManage, true},
		{"admin", PermissionCampaignManage, true},
		{"operator", PermissionQueueManage, true},
		{"operator", PermissionCampaignManage, false},
		{"marketer", PermissionCampaignManage, true},
		{"marketer", PermissionQueueView, false},
		{"viewer", PermissionQueueView, true},
		{"viewer", PermissionQueueManage, false},
	}

	for _, tt := range tests {
		u := &User{Username: "u", Role: tt.role}
		assert.Equal(t, tt.granted, u.HasPermission(tt.perm),
			"%s / %s", tt.role, tt.perm)
	}
}

func TestNewAuthenticatorValidation(t *testing.T) {
	_, err := NewAuthenticator([]User{{Username: "", Role: "admin"}})
	assert.Error(t, err, "username required")

	_, err = NewAuthenticator([]User{{Username: "u", Role: "superuser"}})
	assert.Error(t, err, "unknown role")

	_, err = NewAuthenticator([]User{
		{Username: "u", Role: "admin"},
		{Username: "u", Role: "viewer"},
	})
	assert.Error(t, err, "duplicate username")

	_, err = NewAuthenticator([]User{
		{Username: "a", APIToken: "same", Role: "admin"},
		{Username: "b", APIToken: "same", Role: "viewer"},
	})
	assert.Error(t, err, "duplicate token")
}

func TestLoadUsersFile(t *testing.T) {
	hash, err := HashPassword("pw")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "users.toml")
	content := `
[[users]]
username = "ops"
password_hash = "` + hash + `"
api_token = "tok-ops"
role = "operator"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	a, err := LoadUsersFile(path)
	require.NoError(t, err)

	u, err := a.AuthenticateToken("tok-ops")
	require.NoError(t, err)
	assert.Equal(t, "operator", u.Role)

	_, err = LoadUsersFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
