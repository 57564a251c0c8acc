// Package github implements the GitHub OAuth2 login adapter described
// by spec.md §4.5, adapted from the teacher's connector/github/github.go:
// the same paginated-API walking and org/team shape, retargeted to
// produce an identity.Identity with team-to-scope mapping instead of a
// dex connector.Identity.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	oauth2github "golang.org/x/oauth2/github"

	"github.com/gafaelfawr/gafaelfawr/internal/gafaelfawrerr"
	"github.com/gafaelfawr/gafaelfawr/internal/identity"
)

const apiURL = "https://api.github.com"

// Pagination URL patterns, https://developer.github.com/v3/#pagination.
var reNext = regexp.MustCompile(`<([^>]+)>; rel="next"`)
var reLast = regexp.MustCompile(`<([^>]+)>; rel="last"`)

// Config holds the static GitHub OAuth2 app configuration. Team names
// are returned as raw "<org>-<team>" groups; mapping them to scopes is
// the caller's job (identity.MapGroupsToScopes), since the same
// mapping table also covers LDAP-sourced groups.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// Adapter drives the GitHub login and callback flow.
type Adapter struct {
	cfg    Config
	logger logrus.FieldLogger
}

// New builds an Adapter from cfg. logger may be nil, in which case
// diagnostic log lines are dropped.
func New(cfg Config, logger logrus.FieldLogger) *Adapter {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	return &Adapter{cfg: cfg, logger: logger}
}

func (a *Adapter) oauth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     a.cfg.ClientID,
		ClientSecret: a.cfg.ClientSecret,
		Endpoint:     oauth2github.Endpoint,
		RedirectURL:  a.cfg.RedirectURI,
		// read:user,read:org,user:email per spec.md §4.5.
		Scopes: []string{"read:user", "read:org", "user:email"},
	}
}

// LoginURL returns the GitHub authorization URL to redirect the user to.
func (a *Adapter) LoginURL(state string) string {
	return a.oauth2Config().AuthCodeURL(state)
}

type oauthCallbackError struct {
	errorCode        string
	errorDescription string
}

func (e *oauthCallbackError) Error() string {
	if e.errorDescription == "" {
		return e.errorCode
	}
	return e.errorCode + ": " + e.errorDescription
}

// HandleCallback exchanges the authorization code for an access token,
// resolves the GitHub profile, email, and team memberships, and
// returns the resolved Identity.
func (a *Adapter) HandleCallback(ctx context.Context, r *http.Request) (identity.Identity, error) {
	q := r.URL.Query()
	if errType := q.Get("error"); errType != "" {
		return identity.Identity{}, gafaelfawrerr.NewGitHubError(
			(&oauthCallbackError{errType, q.Get("error_description")}).Error())
	}

	token, err := a.oauth2Config().Exchange(ctx, q.Get("code"))
	if err != nil {
		return identity.Identity{}, gafaelfawrerr.NewGitHubError(fmt.Sprintf("failed to exchange code: %v", err))
	}

	client := a.oauth2Config().Client(ctx, token)

	user, err := a.user(ctx, client)
	if err != nil {
		return identity.Identity{}, gafaelfawrerr.NewGitHubError(fmt.Sprintf("get user: %v", err))
	}

	groups, err := a.teamGroups(ctx, client)
	if err != nil {
		return identity.Identity{}, gafaelfawrerr.NewGitHubError(fmt.Sprintf("get teams: %v", err))
	}

	return identity.Identity{
		Username: identity.CanonicalUsername(user.Login),
		Email:    user.Email,
		FullName: user.Name,
		Groups:   groups,
	}, nil
}

type ghUser struct {
	Name  string `json:"name"`
	Login string `json:"login"`
	ID    int    `json:"id"`
	Email string `json:"email"`
}

type ghUserEmail struct {
	Email    string `json:"email"`
	Verified bool   `json:"verified"`
	Primary  bool   `json:"primary"`
}

type ghTeam struct {
	Name string  `json:"name"`
	Slug string  `json:"slug"`
	Org  ghOrg   `json:"organization"`
}

type ghOrg struct {
	Login string `json:"login"`
}

func (a *Adapter) user(ctx context.Context, client *http.Client) (ghUser, error) {
	var u ghUser
	if _, err := get(ctx, client, apiURL+"/user", &u); err != nil {
		return u, err
	}
	if u.Email == "" {
		email, err := a.userEmail(ctx, client)
		if err != nil {
			return u, err
		}
		u.Email = email
	}
	return u, nil
}

func (a *Adapter) userEmail(ctx context.Context, client *http.Client) (string, error) {
	url := apiURL + "/user/emails"
	for {
		var emails []ghUserEmail
		next, err := get(ctx, client, url, &emails)
		if err != nil {
			return "", err
		}
		for _, e := range emails {
			if e.Verified && e.Primary {
				return e.Email, nil
			}
		}
		if next == "" {
			break
		}
		url = next
	}
	return "", errors.New("user has no verified, primary email")
}

// teamGroups walks every team the user belongs to and normalizes each
// into an "<org>-<team>" group name, which the caller maps to scopes
// via identity.MapGroupsToScopes.
func (a *Adapter) teamGroups(ctx context.Context, client *http.Client) ([]string, error) {
	url := apiURL + "/user/teams"
	var groups []string
	for {
		var teams []ghTeam
		next, err := get(ctx, client, url, &teams)
		if err != nil {
			return nil, err
		}
		for _, t := range teams {
			groups = append(groups, identity.NormalizeGroupName(t.Org.Login, t.Slug))
		}
		if next == "" {
			break
		}
		url = next
	}
	if len(groups) == 0 {
		a.logger.Infoln("github: user has no team memberships or application cannot read them")
	}
	return groups, nil
}

func get(ctx context.Context, client *http.Client, url string, v interface{}) (nextPage string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %s from %s", resp.Status, url)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return pagination(url, resp), nil
}

func pagination(requestedURL string, resp *http.Response) string {
	links := resp.Header.Get("Link")
	lastMatch := reLast.FindStringSubmatch(links)
	if len(lastMatch) < 2 || lastMatch[1] == requestedURL {
		return ""
	}
	nextMatch := reNext.FindStringSubmatch(links)
	if len(nextMatch) < 2 {
		return ""
	}
	return nextMatch[1]
}
