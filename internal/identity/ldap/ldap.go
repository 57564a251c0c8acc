// Package ldap implements the optional LDAP group enrichment step
// described by spec.md §4.5, adapted from the teacher's
// connector/ldap/ldap.go: the same bind-then-search shape and filter
// escaping, rebuilt on go-ldap/v3, restricted to group lookup only
// (no password authentication — this is enrichment of an already
// resolved identity, not a login connector), and cached per username
// with golang.org/x/sync/singleflight so concurrent cache misses for
// the same user share one directory round trip.
package ldap

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	ldapv3 "github.com/go-ldap/ldap/v3"
	"golang.org/x/sync/singleflight"

	"github.com/gafaelfawr/gafaelfawr/internal/gafaelfawrerr"
)

// Config holds the static LDAP connection and search configuration.
type Config struct {
	Host          string
	InsecureNoSSL bool
	BindDN        string
	BindPW        string

	GroupSearch struct {
		BaseDN    string
		Filter    string
		UserAttr  string // attribute on the group entry that holds the member
		NameAttr  string // attribute on the group entry that holds its name (typically "cn")
	}

	CacheTTL time.Duration // default 5 minutes, per spec.md §4.5
}

// Client resolves group memberships for a username, caching results
// and de-duplicating concurrent misses.
type Client struct {
	cfg Config

	group singleflight.Group

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	groups    []string
	expiresAt time.Time
}

// New builds a Client from cfg.
func New(cfg Config) *Client {
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &Client{cfg: cfg, cache: make(map[string]cacheEntry)}
}

// Groups returns the LDAP group `cn` values found via
// "(&(objectClass=posixGroup)(memberUid=<uid>))"-style search for uid,
// sharing one in-flight lookup across concurrent callers for the same uid.
func (c *Client) Groups(ctx context.Context, uid string) ([]string, error) {
	if cached, ok := c.cachedGroups(uid); ok {
		return cached, nil
	}

	v, err, _ := c.group.Do(uid, func() (any, error) {
		groups, err := c.lookupGroups(ctx, uid)
		if err != nil {
			return nil, err
		}
		c.storeGroups(uid, groups)
		return groups, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

func (c *Client) cachedGroups(uid string) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[uid]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.groups, true
}

func (c *Client) storeGroups(uid string, groups []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[uid] = cacheEntry{groups: groups, expiresAt: time.Now().Add(c.cfg.CacheTTL)}
}

func (c *Client) lookupGroups(ctx context.Context, uid string) ([]string, error) {
	conn, err := c.dial()
	if err != nil {
		return nil, gafaelfawrerr.NewLDAPError(fmt.Sprintf("connect: %v", err))
	}
	defer conn.Close()

	if err := conn.Bind(c.cfg.BindDN, c.cfg.BindPW); err != nil {
		return nil, gafaelfawrerr.NewLDAPError(fmt.Sprintf("bind: %v", err))
	}

	filter := fmt.Sprintf("(&(objectClass=posixGroup)(%s=%s))", c.cfg.GroupSearch.UserAttr, escapeFilter(uid))
	if c.cfg.GroupSearch.Filter != "" {
		filter = fmt.Sprintf("(&%s%s)", c.cfg.GroupSearch.Filter, filter)
	}

	req := ldapv3.NewSearchRequest(
		c.cfg.GroupSearch.BaseDN,
		ldapv3.ScopeWholeSubtree, ldapv3.NeverDerefAliases, 0, 0, false,
		filter,
		[]string{c.cfg.GroupSearch.NameAttr},
		nil,
	)

	result, err := conn.SearchWithContext(ctx, req)
	if err != nil {
		return nil, gafaelfawrerr.NewLDAPError(fmt.Sprintf("search: %v", err))
	}

	names := make([]string, 0, len(result.Entries))
	for _, entry := range result.Entries {
		if name := entry.GetAttributeValue(c.cfg.GroupSearch.NameAttr); name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

func (c *Client) dial() (*ldapv3.Conn, error) {
	if c.cfg.InsecureNoSSL {
		return ldapv3.DialURL("ldap://" + c.cfg.Host)
	}
	return ldapv3.DialURL("ldaps://" + c.cfg.Host)
}

// escapeFilter escapes reserved LDAP filter characters the way RFC
// 4515 requires, matching the teacher's connector/ldap/ldap.go approach.
func escapeFilter(s string) string {
	var buf bytes.Buffer
	for _, r := range s {
		switch {
		case r > unicode.MaxASCII, !unicode.IsPrint(r), strings.ContainsRune(`*\()`, r):
			for _, b := range []byte(string(r)) {
				buf.WriteString("\\")
				buf.WriteString(hex.EncodeToString([]byte{b}))
			}
		default:
			buf.WriteRune(r)
		}
	}
	return buf.String()
}
