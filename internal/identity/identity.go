// Package identity holds the shapes and group-to-scope mapping logic
// shared by every upstream identity source (GitHub, upstream OIDC,
// LDAP enrichment), grounded on the connector.Identity shape the
// teacher's connector package defines.
package identity

import (
	"regexp"
	"sort"
	"strings"
)

// Identity is the resolved upstream identity produced by a login
// callback or an enrichment step, independent of which provider
// produced it.
type Identity struct {
	Username string
	Email    string
	FullName string
	Groups   []string
}

// GroupMapping maps a canonical group name to the scopes a member of
// that group is entitled to, per spec.md §4.5's `group_mapping` config.
type GroupMapping map[string][]string

var forbiddenGroupChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// NormalizeGroupName renders a GitHub "<org>-<team>" group name: any
// character not valid in a group name is replaced with a dash and the
// result is truncated to 32 characters, per spec.md §4.5.
func NormalizeGroupName(org, team string) string {
	raw := org + "-" + team
	normalized := forbiddenGroupChars.ReplaceAllString(raw, "-")
	if len(normalized) > 32 {
		normalized = normalized[:32]
	}
	return normalized
}

// MapGroupsToScopes unions the scopes granted by every group in groups
// that has an entry in mapping, returning a sorted, de-duplicated list.
func MapGroupsToScopes(groups []string, mapping GroupMapping) []string {
	set := map[string]struct{}{}
	for _, group := range groups {
		for _, scope := range mapping[group] {
			set[scope] = struct{}{}
		}
	}
	scopes := make([]string, 0, len(set))
	for scope := range set {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)
	return scopes
}

// CanonicalUsername lower-cases name, matching spec.md §4.5's
// requirement that the GitHub login name be lower-cased for the
// canonical username.
func CanonicalUsername(name string) string {
	return strings.ToLower(name)
}
