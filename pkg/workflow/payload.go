package workflow

import (
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/pipewright/pipewright/pkg/artifact"
	"github.com/pipewright/pipewright/pkg/cloud"
	pipeerr "github.com/pipewright/pipewright/pkg/errors"
)

type Person struct {
	DisplayName string `json:"displayName"`
	Nickname    string `json:"nickname"`
}

// PullRequestEvent is the pull request that started an execution.
type PullRequestEvent struct {
	ID                int       `json:"id"`
	Title             string    `json:"title"`
	Description       string    `json:"description"`
	SourceBranch      string    `json:"sourceBranch"`
	DestinationBranch string    `json:"destinationBranch"`
	Author            Person    `json:"author"`
	Approver          *Person   `json:"approver,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

type DatabaseMode string

const (
	// ModeSnapshot backs up with an RDS snapshot and rolls back by
	// restoring it into a new instance.
	ModeSnapshot DatabaseMode = "snapshot"
	// ModeCopy backs up with a logical copy inside the same server.
	ModeCopy DatabaseMode = "copy"
	ModeNone DatabaseMode = "none"
)

type DatabaseOptions struct {
	MigrationsChanged bool         `json:"migrationsChanged"`
	Mode              DatabaseMode `json:"mode,omitempty"`
}

// Backup is what was saved of one environment before deploying to it,
// and so what a rollback of that environment has to work with.
type Backup struct {
	StackExisted        bool   `json:"stackExisted"`
	PreviousTemplateURL string `json:"previousTemplateUrl,omitempty"`
	SnapshotID          string `json:"snapshotId,omitempty"`
	CopyName            string `json:"copyName,omitempty"`
	CopyToken           string `json:"copyToken,omitempty"`
	Deployed            bool   `json:"deployed"`
	// NoChange is set when the stack already ran the packaged template,
	// so there is no stack operation to wait for.
	NoChange bool `json:"noChange,omitempty"`
	Endpoint            string `json:"endpoint,omitempty"`
}

// ErrorInfo is shaped the way Step Functions reports a caught error.
type ErrorInfo struct {
	Error string `json:"Error"`
	Cause string `json:"Cause"`
}

// Payload is everything an execution knows. Steps read and amend it;
// nothing about an execution is kept anywhere else.
type Payload struct {
	ExecutionID string            `json:"executionId,omitempty"`
	TaskToken   string            `json:"taskToken,omitempty"`
	Environment cloud.Environment `json:"environment,omitempty"`

	Event    PullRequestEvent `json:"event"`
	Database DatabaseOptions  `json:"databaseOptions"`

	Branch            string `json:"branchName,omitempty"`
	MergePullRequest  int    `json:"mergePullRequestId,omitempty"`
	ReviewPullRequest int    `json:"reviewPullRequestId,omitempty"`

	Source       *artifact.Location                     `json:"source,omitempty"`
	SourceDigest digest.Digest                          `json:"sourceDigest,omitempty"`
	Builds       []artifact.BuildOutput                 `json:"builds,omitempty"`
	Targets      map[cloud.Environment]*artifact.Target `json:"targets,omitempty"`
	Backups      map[cloud.Environment]*Backup          `json:"backups,omitempty"`

	Error *ErrorInfo `json:"errorInfo,omitempty"`
}

func (p *Payload) Target(env cloud.Environment) (*artifact.Target, error) {
	t, ok := p.Targets[env]
	if !ok || t == nil {
		return nil, pipeerr.Newf(pipeerr.Missing, artifact.KindArtifactNotFound, "no deployment target resolved for %s", env)
	}
	return t, nil
}

// Backup returns the backup record of env, creating it if need be.
func (p *Payload) Backup(env cloud.Environment) *Backup {
	if p.Backups == nil {
		p.Backups = map[cloud.Environment]*Backup{}
	}
	b, ok := p.Backups[env]
	if !ok || b == nil {
		b = &Backup{}
		p.Backups[env] = b
	}
	return b
}

// Fail records err as the reason the execution is failing. The first
// error wins; failures during rollback do not hide what caused it.
func (p *Payload) Fail(err error) {
	if p.Error != nil || err == nil {
		return
	}
	p.Error = &ErrorInfo{Error: pipeerr.KindOf(err), Cause: err.Error()}
}

func (p *Payload) Rejected() bool {
	return p.Error != nil && p.Error.Error == KindPullRequestRejected
}
