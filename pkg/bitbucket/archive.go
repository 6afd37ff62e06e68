package bitbucket

import (
	"context"
	"io"
	"io/ioutil"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	pipeerr "github.com/pipewright/pipewright/pkg/errors"
)

const archiveAttempts = 5

var archiveInterval = 500 * time.Millisecond

// ArchiveURL is where the zip of branch's tip can be fetched.
func (c *Client) ArchiveURL(branch string) string {
	return c.archiveURL(c.config.Repository, branch)
}

func (c *Client) archiveURL(repo, ref string) string {
	return strings.Join([]string{
		strings.TrimSuffix(c.config.SiteURL, "/"),
		url.PathEscape(c.config.Workspace),
		url.PathEscape(repo),
		"get",
		url.PathEscape(ref) + ".zip",
	}, "/")
}

// OpenArchive starts downloading the zip archive of branch. The caller
// closes the reader. A freshly created branch may take a moment to be
// served, so failures are retried a few times. Submodules are not in
// it; see OpenSource.
func (c *Client) OpenArchive(ctx context.Context, branch string) (io.ReadCloser, int64, error) {
	return c.openArchive(ctx, c.config.Repository, branch)
}

func (c *Client) openArchive(ctx context.Context, repo, branch string) (io.ReadCloser, int64, error) {
	var (
		body io.ReadCloser
		size int64
	)
	op := func() error {
		resp, err := c.send(ctx, "GET", c.archiveURL(repo, branch), nil)
		if err != nil {
			_ = c.logger.Log("err", err, "repository", repo, "branch", branch)
			return err
		}
		body, size = resp.Body, resp.ContentLength
		return nil
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(archiveInterval), archiveAttempts-1),
		ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, 0, pipeerr.New(pipeerr.External, pipeerr.KindExternalAPI,
			errors.Wrapf(err, "downloading archive of %s/%s after %d attempts", repo, branch, archiveAttempts))
	}
	return body, size, nil
}

// DownloadArchive returns the whole zip archive of branch.
func (c *Client) DownloadArchive(ctx context.Context, branch string) ([]byte, error) {
	return c.downloadArchive(ctx, c.config.Repository, branch)
}

func (c *Client) downloadArchive(ctx context.Context, repo, branch string) ([]byte, error) {
	body, _, err := c.openArchive(ctx, repo, branch)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	bytes, err := ioutil.ReadAll(body)
	if err != nil {
		return nil, errors.Wrapf(err, "reading archive of %s/%s", repo, branch)
	}
	return bytes, nil
}
