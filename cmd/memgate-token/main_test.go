package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memory-gateway/auth"
)

func TestCreateListRevoke(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.yaml")

	var out bytes.Buffer
	require.NoError(t, run([]string{"-file", path, "create", "agent", "member", "community-x"}, &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	token := lines[len(lines)-1]
	assert.Len(t, token, 43)

	creds, err := auth.LoadCredentials(path)
	require.NoError(t, err)
	v, err := auth.NewValidator(creds)
	require.NoError(t, err)
	p, ok := v.Authenticate(token)
	require.True(t, ok)
	assert.Equal(t, "agent", p.Name)

	out.Reset()
	require.NoError(t, run([]string{"-file", path, "create", "ops", "admin"}, &out))
	out.Reset()
	require.NoError(t, run([]string{"-file", path, "list"}, &out))
	listing := out.String()
	assert.Contains(t, listing, "agent")
	assert.Contains(t, listing, "community-x")
	assert.Contains(t, listing, "ops")
	assert.NotContains(t, listing, token)

	require.NoError(t, run([]string{"-file", path, "revoke", "agent"}, &out))
	assert.Error(t, run([]string{"-file", path, "revoke", "agent"}, &out))

	creds, err = auth.LoadCredentials(path)
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, "ops", creds[0].Name)
}

func TestUsageErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.yaml")
	for _, args := range [][]string{
		{},
		{"-file", path},
		{"-file", path, "create", "only-name"},
		{"-file", path, "revoke"},
		{"-file", path, "rotate"},
		{"-bogus"},
	} {
		assert.ErrorIs(t, run(args, &bytes.Buffer{}), errUsage, args)
	}
	assert.Error(t, run([]string{"-file", path, "create", "x", "superuser"}, &bytes.Buffer{}))
}
