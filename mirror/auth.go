package mirror

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/hostedci/checkout-cache/auth"
)

// Auth holds the credential used for clone and fetch against the remote.
// credentials are applied as a per-request HTTP extra header scoped to
// the remote's origin, never embedded in the URL.
type Auth struct {
	// username for the basic credential, defaults to x-access-token
	// which is what github expects for installation and PAT tokens
	Username string

	// token used directly when set
	Token string

	// Github App details used to mint short lived installation
	// tokens when no token is supplied
	GithubAppID             string
	GithubAppInstallationID string
	GithubAppPrivateKeyPath string
}

// authConfigArgs returns the git config override args carrying the
// credential for the mirror's origin. returned args must be redacted
// before logging, RunCommand takes care of that.
func (m *Mirror) authConfigArgs(ctx context.Context) []string {
	origin := m.gURL.Origin()
	if origin == "" {
		// ssh/scp/local remotes carry their own auth
		return nil
	}

	token, err := m.resolveToken(ctx)
	if err != nil {
		m.log.Error("unable to resolve auth token, continuing unauthenticated", "err", err)
		return nil
	}
	if token == "" {
		return nil
	}

	username := m.auth.Username
	if username == "" {
		username = "x-access-token"
	}

	basic := base64.StdEncoding.EncodeToString([]byte(username + ":" + token))
	return []string{"-c", fmt.Sprintf("http.%s.extraheader=AUTHORIZATION: basic %s", origin, basic)}
}

func (m *Mirror) resolveToken(ctx context.Context) (string, error) {
	if m.auth.Token != "" {
		return m.auth.Token, nil
	}

	if m.auth.GithubAppInstallationID == "" || m.gURL.Host != "github.com" {
		return "", nil
	}

	// re-use current app token if valid for at least another 10 min
	if m.githubAppTokenExpiresAt.After(time.Now().UTC().Add(10 * time.Minute)) {
		return m.githubAppToken, nil
	}

	// github matches repo name without `.git` for token permission req
	permissions := auth.GithubAppTokenReqPermissions{
		Repositories: []string{strings.TrimSuffix(m.gURL.Repo, ".git")},
		Permissions:  map[string]string{"contents": "read"},
	}

	token, err := auth.GithubAppInstallationToken(ctx,
		m.auth.GithubAppID, m.auth.GithubAppInstallationID, m.auth.GithubAppPrivateKeyPath,
		permissions)
	if err != nil {
		return "", err
	}

	m.githubAppToken = token.Token
	m.githubAppTokenExpiresAt = token.ExpiresAt

	m.log.Debug("new github app access token created")

	return m.githubAppToken, nil
}
