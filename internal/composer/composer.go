// Package composer is the composition root: it turns a loaded
// config.Config into every wired service and the HTTP surface that
// uses them, the way server/server.go's NewServer builds dex's storage,
// key rotation, and connector set from a single Config value. Teardown
// runs in the reverse order of construction.
package composer

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/gafaelfawr/gafaelfawr/internal/admin"
	"github.com/gafaelfawr/gafaelfawr/internal/authorize"
	"github.com/gafaelfawr/gafaelfawr/internal/config"
	"github.com/gafaelfawr/gafaelfawr/internal/httpserver"
	"github.com/gafaelfawr/gafaelfawr/internal/identity"
	"github.com/gafaelfawr/gafaelfawr/internal/identity/github"
	"github.com/gafaelfawr/gafaelfawr/internal/identity/ldap"
	"github.com/gafaelfawr/gafaelfawr/internal/identity/oidcprovider"
	"github.com/gafaelfawr/gafaelfawr/internal/influxdb"
	"github.com/gafaelfawr/gafaelfawr/internal/metrics"
	"github.com/gafaelfawr/gafaelfawr/internal/oidcserver"
	redisstore "github.com/gafaelfawr/gafaelfawr/internal/store/redis"
	sqlstore "github.com/gafaelfawr/gafaelfawr/internal/store/sql"
	"github.com/gafaelfawr/gafaelfawr/internal/token"
)

// App bundles every constructed service plus the fully wired HTTP
// handler. Close tears everything down in reverse construction order.
type App struct {
	HTTP    *httpserver.Server
	Metrics *metrics.Metrics
	Tokens  *token.Service
	Admins  *admin.Service

	db    *sqlstore.Conn
	cache *redisstore.Client
}

// Close releases the database connection and Redis client.
func (a *App) Close() error {
	var firstErr error
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			firstErr = err
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Build wires every component named in spec.md §4 from cfg.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	db, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sessionSecret, err := config.ReadSecretFile(cfg.SessionSecretFile)
	if err != nil {
		db.Close()
		return nil, err
	}
	cache, err := openCache(cfg.RedisURL, cfg.RedisPasswordFile, sessionSecret, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	tokens := token.New(db, cache, logger)
	admins := admin.New(db)
	if err := admins.Bootstrap(ctx, cfg.InitialAdmins); err != nil {
		db.Close()
		cache.Close()
		return nil, fmt.Errorf("bootstrap admins: %w", err)
	}

	authHandler := authorize.New(tokens, logger)
	met := metrics.New()

	var influxIssuer *influxdb.Issuer
	if cfg.Issuer.InfluxDBSecretFile != "" {
		secret, err := config.ReadSecretFile(cfg.Issuer.InfluxDBSecretFile)
		if err != nil {
			db.Close()
			cache.Close()
			return nil, err
		}
		influxIssuer = influxdb.New(influxdb.Config{Secret: secret, Username: cfg.Issuer.InfluxDBUsername})
	}

	var ghAdapter *github.Adapter
	if cfg.GitHub != nil {
		secret, err := config.ReadSecretFile(cfg.GitHub.ClientSecretFile)
		if err != nil {
			db.Close()
			cache.Close()
			return nil, err
		}
		ghAdapter = github.New(github.Config{
			ClientID:     cfg.GitHub.ClientID,
			ClientSecret: secret,
			RedirectURI:  cfg.ExternalURL + "/login/callback",
		}, logrus.New())
	}

	var oidcAdapter *oidcprovider.Adapter
	if cfg.OIDC != nil {
		secret, err := config.ReadSecretFile(cfg.OIDC.ClientSecretFile)
		if err != nil {
			db.Close()
			cache.Close()
			return nil, err
		}
		oidcAdapter, err = oidcprovider.New(ctx, oidcprovider.Config{
			Issuer:              cfg.OIDC.Issuer,
			ClientID:            cfg.OIDC.ClientID,
			ClientSecret:        secret,
			RedirectURI:         cfg.ExternalURL + "/login/callback",
			UsernameClaim:       cfg.OIDC.UsernameClaim,
			EmailClaim:          cfg.OIDC.EmailClaim,
			NameClaim:           cfg.OIDC.NameClaim,
			SupportedAlgorithms: cfg.OIDC.SupportedAlgorithms,
		}, logrus.New())
		if err != nil {
			db.Close()
			cache.Close()
			return nil, fmt.Errorf("build oidc adapter: %w", err)
		}
	}

	var ldapClient *ldap.Client
	if cfg.LDAP != nil {
		bindPW, err := config.ReadSecretFile(cfg.LDAP.BindPasswordFile)
		if err != nil {
			db.Close()
			cache.Close()
			return nil, err
		}
		ldapCfg := ldap.Config{
			Host:          cfg.LDAP.URL,
			InsecureNoSSL: cfg.LDAP.InsecureNoSSL,
			BindDN:        cfg.LDAP.BindDN,
			BindPW:        bindPW,
			CacheTTL:      cfg.LDAP.CacheTTL(),
		}
		ldapCfg.GroupSearch.BaseDN = cfg.LDAP.GroupBaseDN
		ldapCfg.GroupSearch.Filter = cfg.LDAP.GroupFilter
		ldapCfg.GroupSearch.UserAttr = cfg.LDAP.GroupMemberAttr
		ldapCfg.GroupSearch.NameAttr = cfg.LDAP.GroupNameAttr
		ldapClient = ldap.New(ldapCfg)
	}

	var oidcSrv *oidcserver.Server
	if cfg.OIDCServer != nil {
		key, kid, err := loadSigningKey(cfg.Issuer.KeyFile, cfg.Issuer.KID)
		if err != nil {
			db.Close()
			cache.Close()
			return nil, err
		}
		clients := make(map[string]oidcserver.Client, len(cfg.OIDCServer.Clients))
		for _, c := range cfg.OIDCServer.Clients {
			secret, err := config.ReadSecretFile(c.SecretFile)
			if err != nil {
				db.Close()
				cache.Close()
				return nil, err
			}
			clients[c.ID] = oidcserver.Client{ID: c.ID, Secret: secret, RedirectURIPrefix: c.RedirectURIPrefix}
		}
		oidcSrv = oidcserver.New(oidcserver.Config{
			Issuer:         cfg.ExternalURL,
			Key:            key,
			KeyID:          kid,
			ExpiryMinutes:  cfg.OIDCServer.ExpiryMinutes,
			IdentityClaims: cfg.OIDCServer.IdentityClaims,
			Clients:        clients,
		}, tokens, cache)
	}

	groupMapping := identity.GroupMapping(cfg.GroupMapping)

	trusted := make([]netip.Prefix, 0, len(cfg.Proxies))
	for _, p := range cfg.Proxies {
		if prefix, err := netip.ParsePrefix(p); err == nil {
			trusted = append(trusted, prefix)
		}
	}

	httpSrv := httpserver.New(httpserver.Config{
		ExternalURL:        cfg.ExternalURL,
		Tokens:             tokens,
		Authorize:          authHandler,
		Admins:             admins,
		Metrics:            met,
		InfluxDB:           influxIssuer,
		GitHub:             ghAdapter,
		OIDC:               oidcAdapter,
		OIDCServer:         oidcSrv,
		LDAP:               ldapClient,
		GroupMapping:       groupMapping,
		KnownScopes:        cfg.KnownScopes,
		AllowedReturnHosts: cfg.AllowedReturnHosts,
		AfterLogoutURL:     cfg.AfterLogoutURL,
		RealIPHeader:       "X-Real-Ip",
		TrustedRealIPCIDRs: trusted,
		Logger:             logger,
	})

	if err := met.RegisterPingCheck("redis", 30*time.Second, func(ctx context.Context) (interface{}, error) {
		return nil, cache.Ping(ctx)
	}); err != nil {
		db.Close()
		cache.Close()
		return nil, fmt.Errorf("register redis health check: %w", err)
	}

	return &App{
		HTTP:    httpSrv,
		Metrics: met,
		Tokens:  tokens,
		Admins:  admins,
		db:      db,
		cache:   cache,
	}, nil
}

func openDatabase(dsn string) (*sqlstore.Conn, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database_url is required")
	}
	return sqlstore.OpenPostgres(dsn, sqlstore.DefaultPoolConfig())
}

func openCache(redisURL, passwordFile, sessionSecret string, logger *slog.Logger) (*redisstore.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis_url: %w", err)
	}
	if passwordFile != "" {
		password, err := config.ReadSecretFile(passwordFile)
		if err != nil {
			return nil, err
		}
		opts.Password = password
	}
	opts.PoolSize = 25
	rdb := redis.NewClient(opts)
	return redisstore.New(rdb, sessionSecret, logger)
}

func loadSigningKey(path, kid string) (*rsa.PrivateKey, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read issuer.key_file: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, "", fmt.Errorf("issuer.key_file does not contain a PEM block")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		parsed, err2 := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err2 != nil {
			return nil, "", fmt.Errorf("parse issuer.key_file: %w", err)
		}
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, "", fmt.Errorf("issuer.key_file does not contain an RSA private key")
		}
		key = rsaKey
	}
	if kid == "" {
		kid = oidcserver.DeriveKeyID(&key.PublicKey)
	}
	return key, kid, nil
}
