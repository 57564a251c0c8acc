package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Issuer:            IssuerConfig{ISS: "https://gafaelfawr.example.com", Aud: "https://gafaelfawr.example.com", KeyFile: "/etc/gafaelfawr/key.pem"},
		RedisURL:          "redis://localhost:6379/0",
		DatabaseURL:       "postgres://localhost/gafaelfawr",
		SessionSecretFile: "/etc/gafaelfawr/session-secret",
		GitHub:            &GitHubConfig{ClientID: "abc", ClientSecretFile: "/etc/gafaelfawr/github-secret"},
	}
}

func TestValidConfigPasses(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestInvalidConfigCollectsEveryProblem(t *testing.T) {
	err := Config{}.Validate()
	require.Error(t, err)
	msg := err.Error()
	require.Contains(t, msg, "issuer.iss is required")
	require.Contains(t, msg, "redis_url is required")
	require.Contains(t, msg, "database_url is required")
	require.Contains(t, msg, "at least one of github or oidc must be configured")
}

func TestGitHubAndOIDCAreMutuallyExclusive(t *testing.T) {
	cfg := validConfig()
	cfg.OIDC = &OIDCConfig{Issuer: "https://idp.example.com", ClientID: "abc"}
	err := cfg.Validate()
	require.ErrorContains(t, err, "cannot both be configured")
}

func TestInvalidProxyCIDRIsRejected(t *testing.T) {
	cfg := validConfig()
	cfg.Proxies = []string{"not-a-cidr"}
	require.ErrorContains(t, cfg.Validate(), "not a valid CIDR")
}

func TestLoadParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gafaelfawr.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
realm: gafaelfawr.example.com
redis_url: redis://localhost:6379/0
database_url: postgres://localhost/gafaelfawr
session_secret_file: /etc/gafaelfawr/session-secret
issuer:
  iss: https://gafaelfawr.example.com
  aud: https://gafaelfawr.example.com
  key_file: /etc/gafaelfawr/key.pem
github:
  client_id: abc
  client_secret_file: /etc/gafaelfawr/github-secret
known_scopes:
  - read:all
  - exec:admin
group_mapping:
  gafaelfawr-admins:
    - exec:admin
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "gafaelfawr.example.com", cfg.Realm)
	require.Equal(t, []string{"read:all", "exec:admin"}, cfg.KnownScopes)
	require.Equal(t, []string{"exec:admin"}, cfg.GroupMapping["gafaelfawr-admins"])
	require.NoError(t, cfg.Validate())
}

func TestReadSecretFileTrimsTrailingNewline(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret")
	require.NoError(t, os.WriteFile(path, []byte("s3cr3t\n"), 0o600))

	secret, err := ReadSecretFile(path)
	require.NoError(t, err)
	require.Equal(t, "s3cr3t", secret)
}

func TestReadSecretFileEmptyPathReturnsEmpty(t *testing.T) {
	secret, err := ReadSecretFile("")
	require.NoError(t, err)
	require.Equal(t, "", secret)
}

func TestLDAPCacheTTLDefaultsToFiveMinutes(t *testing.T) {
	require.Equal(t, 5*60.0, LDAPConfig{}.CacheTTL().Seconds())
}

func TestIssuerExpiryDefaultsToSixtyMinutes(t *testing.T) {
	require.Equal(t, 60*60.0, IssuerConfig{}.Expiry().Seconds())
}
