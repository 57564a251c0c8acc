package ldap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEscapeFilterEscapesReservedCharacters(t *testing.T) {
	require.Equal(t, `\28admin\29`, escapeFilter("(admin)"))
	require.Equal(t, `a\2ab`, escapeFilter("a*b"))
	require.Equal(t, "plainuser", escapeFilter("plainuser"))
}

func TestCachedGroupsHonorsTTL(t *testing.T) {
	c := New(Config{CacheTTL: time.Minute})
	c.storeGroups("rachel", []string{"g-science"})

	got, ok := c.cachedGroups("rachel")
	require.True(t, ok)
	require.Equal(t, []string{"g-science"}, got)

	c.mu.Lock()
	entry := c.cache["rachel"]
	entry.expiresAt = time.Now().Add(-time.Second)
	c.cache["rachel"] = entry
	c.mu.Unlock()

	_, ok = c.cachedGroups("rachel")
	require.False(t, ok)
}

func TestNewDefaultsCacheTTL(t *testing.T) {
	c := New(Config{})
	require.Equal(t, 5*time.Minute, c.cfg.CacheTTL)
}
