package git

import (
	"fmt"
	"net/url"

	"github.com/whilp/git-urls"
)

// TokenUser is the user name Bitbucket expects alongside an OAuth
// access token in a clone URL.
const TokenUser = "x-token-auth"

// Remote points at a git repo somewhere.
type Remote struct {
	// URL is where we clone from
	URL string `json:"url"`
}

// BitbucketRemote is the HTTPS remote of a Bitbucket repository.
func BitbucketRemote(workspace, repository string) Remote {
	return Remote{URL: fmt.Sprintf("https://bitbucket.org/%s/%s", workspace, repository)}
}

func (r Remote) SafeURL() string {
	u, err := giturls.Parse(r.URL)
	if err != nil {
		return fmt.Sprintf("<unparseable: %s>", r.URL)
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.String()
}

// WithToken returns the URL with an access token as credentials. Only
// HTTP(S) remotes take credentials this way; others are returned as
// they are.
func (r Remote) WithToken(token string) (string, error) {
	u, err := giturls.Parse(r.URL)
	if err != nil {
		return "", err
	}
	if token == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return r.URL, nil
	}
	u.User = url.UserPassword(TokenUser, token)
	return u.String(), nil
}
