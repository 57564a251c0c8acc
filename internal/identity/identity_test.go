package identity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeGroupNameSubstitutesAndTruncates(t *testing.T) {
	got := NormalizeGroupName("my org", "team one")
	require.Equal(t, "my-org-team-one", got)

	long := NormalizeGroupName(strings.Repeat("a", 40), "team")
	require.Len(t, long, 32)
}

func TestMapGroupsToScopesUnionsAndSorts(t *testing.T) {
	mapping := GroupMapping{
		"org-team-a": {"read:all"},
		"org-team-b": {"exec:admin", "read:all"},
	}
	got := MapGroupsToScopes([]string{"org-team-a", "org-team-b", "unmapped"}, mapping)
	require.Equal(t, []string{"exec:admin", "read:all"}, got)
}

func TestCanonicalUsernameLowercases(t *testing.T) {
	require.Equal(t, "rachel", CanonicalUsername("Rachel"))
}
