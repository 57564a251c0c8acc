// Package config loads and validates the YAML configuration file
// described by spec.md §6, grounded on cmd/dex/config.go's shape:
// a single top-level Config struct, "*_file"-suffixed fields resolved
// against the filesystem at use time (through ReadSecretFile) rather
// than by Load, and a Validate method that
// collects every problem before returning rather than failing fast on
// the first one.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level shape of /etc/gafaelfawr/gafaelfawr.yaml.
type Config struct {
	Realm              string   `yaml:"realm"`
	LogLevel           string   `yaml:"loglevel"`
	SessionSecretFile  string   `yaml:"session_secret_file"`
	RedisURL           string   `yaml:"redis_url"`
	RedisPasswordFile  string   `yaml:"redis_password_file"`
	DatabaseURL        string   `yaml:"database_url"`
	BootstrapToken     string   `yaml:"bootstrap_token"`
	Proxies            []string `yaml:"proxies"`
	AfterLogoutURL     string   `yaml:"after_logout_url"`
	ExternalURL        string   `yaml:"external_url"`
	Addr               string   `yaml:"addr"`
	AllowedReturnHosts []string `yaml:"allowed_return_hosts"`

	Issuer     IssuerConfig      `yaml:"issuer"`
	GitHub     *GitHubConfig     `yaml:"github"`
	OIDC       *OIDCConfig       `yaml:"oidc"`
	OIDCServer *OIDCServerConfig `yaml:"oidc_server"`
	LDAP       *LDAPConfig       `yaml:"ldap"`

	GroupMapping  map[string][]string `yaml:"group_mapping"`
	KnownScopes   []string            `yaml:"known_scopes"`
	InitialAdmins []string            `yaml:"initial_admins"`
}

// IssuerConfig configures the token signer and the InfluxDB token issuer.
type IssuerConfig struct {
	ISS                   string `yaml:"iss"`
	Aud                   string `yaml:"aud"`
	KeyFile               string `yaml:"key_file"`
	KID                   string `yaml:"kid"`
	ExpMinutes            int    `yaml:"exp_minutes"`
	InfluxDBSecretFile    string `yaml:"influxdb_secret_file"`
	InfluxDBUsername      string `yaml:"influxdb_username"`
}

// GitHubConfig configures the GitHub login adapter.
type GitHubConfig struct {
	ClientID         string `yaml:"client_id"`
	ClientSecretFile string `yaml:"client_secret_file"`
}

// OIDCConfig configures the upstream OIDC login adapter. It mirrors
// GitHubConfig per spec.md §6's "oidc.* (mirror of github for upstream OIDC)".
type OIDCConfig struct {
	Issuer              string   `yaml:"issuer"`
	ClientID            string   `yaml:"client_id"`
	ClientSecretFile    string   `yaml:"client_secret_file"`
	UsernameClaim       string   `yaml:"username_claim"`
	EmailClaim          string   `yaml:"email_claim"`
	NameClaim           string   `yaml:"name_claim"`
	SupportedAlgorithms []string `yaml:"supported_algorithms"`
}

// OIDCServerConfig configures the embedded OIDC authorization server
// and its downstream clients.
type OIDCServerConfig struct {
	IdentityClaims []string               `yaml:"identity_claims"`
	ExpiryMinutes  int                    `yaml:"expiry_minutes"`
	Clients        []OIDCServerClientConfig `yaml:"clients"`
}

// OIDCServerClientConfig is one statically registered downstream client.
type OIDCServerClientConfig struct {
	ID                string `yaml:"id"`
	SecretFile        string `yaml:"secret_file"`
	RedirectURIPrefix string `yaml:"redirect_uri_prefix"`
}

// LDAPConfig configures optional LDAP group enrichment.
type LDAPConfig struct {
	URL              string `yaml:"url"`
	InsecureNoSSL    bool   `yaml:"insecure_no_ssl"`
	BindDN           string `yaml:"bind_dn"`
	BindPasswordFile string `yaml:"bind_password_file"`

	GroupBaseDN     string `yaml:"group_base_dn"`
	GroupFilter     string `yaml:"group_filter"`
	GroupMemberAttr string `yaml:"group_member_attr"`
	GroupNameAttr   string `yaml:"group_name_attr"`

	CacheTTLSeconds int `yaml:"cache_ttl_seconds"`
}

// Load reads and parses the YAML file at path.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency,
// collecting every problem it finds rather than stopping at the first.
func (c Config) Validate() error {
	checks := []struct {
		bad    bool
		errMsg string
	}{
		{c.Issuer.ISS == "", "issuer.iss is required"},
		{c.Issuer.Aud == "", "issuer.aud is required"},
		{c.Issuer.KeyFile == "", "issuer.key_file is required"},
		{c.RedisURL == "", "redis_url is required"},
		{c.DatabaseURL == "", "database_url is required"},
		{c.SessionSecretFile == "", "session_secret_file is required"},
		{c.GitHub == nil && c.OIDC == nil, "at least one of github or oidc must be configured"},
		{c.GitHub != nil && c.OIDC != nil, "github and oidc cannot both be configured"},
		{!validLogLevel(c.LogLevel), "loglevel must be one of info, warning, debug, error"},
	}

	var errs []string
	for _, check := range checks {
		if check.bad {
			errs = append(errs, check.errMsg)
		}
	}
	for i, p := range c.Proxies {
		if _, err := netip.ParsePrefix(p); err != nil {
			errs = append(errs, fmt.Sprintf("proxies[%d] is not a valid CIDR: %v", i, err))
		}
	}
	if len(errs) != 0 {
		return fmt.Errorf("invalid config:\n\t-\t%s", strings.Join(errs, "\n\t-\t"))
	}
	return nil
}

func validLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "", "info", "warning", "debug", "error":
		return true
	default:
		return false
	}
}

// TrustedProxies parses Proxies into netip.Prefix values. Validate
// must have already been called to guarantee they parse.
func (c Config) TrustedProxies() []netip.Prefix {
	out := make([]netip.Prefix, 0, len(c.Proxies))
	for _, p := range c.Proxies {
		if prefix, err := netip.ParsePrefix(p); err == nil {
			out = append(out, prefix)
		}
	}
	return out
}

// ReadSecretFile reads a secret referenced by a "*_file" config
// option and trims the trailing newline a file written by `kubectl
// create secret` or similar tooling typically carries.
func ReadSecretFile(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read secret file %q: %w", path, err)
	}
	return strings.TrimSpace(string(raw)), nil
}

// CacheTTL returns the configured cache TTL, defaulting to 5
// minutes per spec.md §4.5.
func (l LDAPConfig) CacheTTL() time.Duration {
	if l.CacheTTLSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(l.CacheTTLSeconds) * time.Second
}

// Expiry returns the configured token signing expiry, defaulting
// to 60 minutes.
func (i IssuerConfig) Expiry() time.Duration {
	if i.ExpMinutes <= 0 {
		return 60 * time.Minute
	}
	return time.Duration(i.ExpMinutes) * time.Minute
}
