// Package git answers questions about branches that need a checkout,
// such as whether a branch changes database migrations.
package git

import (
	"context"
	"io/ioutil"
	"os"
	"strings"
	"time"

	"github.com/go-kit/kit/log"

	pipemetrics "github.com/pipewright/pipewright/pkg/metrics"
)

// TokenFunc hands out an access token for cloning.
type TokenFunc func(ctx context.Context) (string, error)

type MigrationChecker struct {
	Remote      Remote
	Token       TokenFunc
	Destination string
	// Folder holds the migrations, relative to the repository root
	Folder  string
	Timeout time.Duration
	Logger  log.Logger
}

// Changed clones branch and reports whether it touches any file under
// the migrations folder, compared with the destination branch.
func (m *MigrationChecker) Changed(ctx context.Context, branch string) (changedMigrations bool, err error) {
	defer func(start time.Time) {
		migrationCheckDuration.With(pipemetrics.LabelSuccess, boolString(err == nil)).Observe(time.Since(start).Seconds())
	}(time.Now())

	if m.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.Timeout)
		defer cancel()
	}

	var token string
	if m.Token != nil {
		if token, err = m.Token(ctx); err != nil {
			return false, err
		}
	}
	cloneURL, err := m.Remote.WithToken(token)
	if err != nil {
		return false, CloningError(m.Remote.SafeURL(), err)
	}

	workingDir, err := ioutil.TempDir(os.TempDir(), "pipewright-migrations")
	if err != nil {
		return false, err
	}
	defer os.RemoveAll(workingDir)

	if _, err := clone(ctx, workingDir, cloneURL, branch); err != nil {
		return false, CloningError(m.Remote.SafeURL(), scrub(err, token))
	}

	files, err := changed(ctx, workingDir, "origin/"+m.Destination)
	if err != nil {
		return false, err
	}
	marker := strings.TrimSuffix(m.Folder, "/") + "/"
	for _, f := range files {
		if strings.Contains(f, marker) {
			_ = m.Logger.Log("branch", branch, "migrations", "changed", "file", f)
			return true, nil
		}
	}
	return false, nil
}

// scrub keeps the access token out of error messages that quote the
// clone URL.
func scrub(err error, token string) error {
	if token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return &scrubbed{msg: strings.Replace(err.Error(), token, "<token>", -1)}
}

type scrubbed struct{ msg string }

func (s *scrubbed) Error() string { return s.msg }

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
