package identity_test

import (
	"path/filepath"
	"testing"

	"github.com/raphaelgruber/omnisync/internal/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCurrentUserLogInOut(t *testing.T) {
	u := identity.NewCurrentUser()
	assert.False(t, u.IsLoggedIn())
	assert.Empty(t, u.Token())

	u.LogIn("boss", "token", identity.PermissionAdmin)
	assert.True(t, u.IsLoggedIn())
	assert.Equal(t, "boss", u.Username())
	assert.Equal(t, "token", u.Token())
	assert.Equal(t, identity.PermissionAdmin, u.Permission())

	u.LogOut()
	assert.False(t, u.IsLoggedIn())
	assert.Empty(t, u.Username())
}

func TestCurrentUserSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "credentials.yaml")

	u := identity.NewCurrentUser()
	u.LogIn("alice", "secret", identity.PermissionNormal)
	require.NoError(t, u.Save(path))

	restored := identity.NewCurrentUser()
	require.NoError(t, restored.Load(path))
	assert.Equal(t, "alice", restored.Username())
	assert.Equal(t, "secret", restored.Token())

	require.NoError(t, identity.Remove(path))
	require.NoError(t, identity.Remove(path), "removing twice is fine")
	assert.ErrorIs(t, identity.NewCurrentUser().Load(path), identity.ErrNoCredentials)
}

func TestCurrentUserImplementsProvider(t *testing.T) {
	var _ identity.Provider = (*identity.CurrentUser)(nil)
}
