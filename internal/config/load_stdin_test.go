package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSingleStdinFileSource_AllowsZeroOrOneStdinSource(t *testing.T) {
	t.Run("none", func(t *testing.T) {
		v := viper.New()
		v.Set("database.dsn_file", "/tmp/dsn")
		v.Set("database.password_file", "/tmp/password")
		v.Set("server.admin.auth_token_file", "/tmp/admin-token")

		assert.NoError(t, validateSingleStdinFileSource(v))
	})

	t.Run("one", func(t *testing.T) {
		v := viper.New()
		v.Set("database.dsn_file", "@-")
		v.Set("database.password_file", "/tmp/password")
		v.Set("server.admin.auth_token_file", "")

		assert.NoError(t, validateSingleStdinFileSource(v))
	})
}

func TestValidateSingleStdinFileSource_RejectsMultipleStdinSources(t *testing.T) {
	v := viper.New()
	v.Set("database.dsn_file", "@-")
	v.Set("database.password_file", " @- ")
	v.Set("server.admin.auth_token_file", "@-")

	err := validateSingleStdinFileSource(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.dsn_file")
	assert.Contains(t, err.Error(), "database.password_file")
	assert.Contains(t, err.Error(), "server.admin.auth_token_file")
}

func TestResolveSecretsReadsFiles(t *testing.T) {
	dir := t.TempDir()
	dsnPath := writeFile(t, dir, "dsn", "postgres://u@h/app\n")
	tokenPath := writeFile(t, dir, "token", "s3cret\n")

	v := viper.New()
	v.Set("database.dsn_file", dsnPath)
	v.Set("server.admin.auth_token_file", tokenPath)
	require.NoError(t, resolveSecrets(v))

	assert.Equal(t, "postgres://u@h/app", v.GetString("database.dsn"))
	assert.Equal(t, "s3cret", v.GetString("server.admin.auth_token"))
}

func TestResolveSecretsRejectsEmptyToken(t *testing.T) {
	v := viper.New()
	v.Set("server.admin.auth_token_file", writeFile(t, t.TempDir(), "token", "  \n"))
	err := resolveSecrets(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is empty")
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}
