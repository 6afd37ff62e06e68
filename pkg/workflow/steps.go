package workflow

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/pipewright/pipewright/pkg/artifact"
	"github.com/pipewright/pipewright/pkg/bitbucket"
	"github.com/pipewright/pipewright/pkg/cloud"
	pipeerr "github.com/pipewright/pipewright/pkg/errors"
	pipemetrics "github.com/pipewright/pipewright/pkg/metrics"
	"github.com/pipewright/pipewright/pkg/notify"
	"github.com/pipewright/pipewright/pkg/pgcopy"
	"github.com/pipewright/pipewright/pkg/rds"
	"github.com/pipewright/pipewright/pkg/stack"
)

const (
	KindPullRequestRejected = "PullRequestRejected"
	KindBranchNotDeleted    = "BranchNotDeleted"
	KindMissingTaskToken    = "MissingTaskToken"
	KindUnknownStep         = "UnknownStep"
)

const (
	DefaultPrefix        = "cicd/"
	DefaultDeclineReason = "Automatic decline from the CI/CD pipeline."
)

type SourceControl interface {
	ListBranches(ctx context.Context, pattern string) ([]string, error)
	CreateBranch(ctx context.Context, name, fromRef string) error
	DeleteBranch(ctx context.Context, name string) error
	OpenPullRequest(ctx context.Context, spec bitbucket.PullRequestSpec) (int, error)
	MergePullRequest(ctx context.Context, id int) error
	DeclinePullRequest(ctx context.Context, id int, reason string) error
	OpenSource(ctx context.Context, branch string) (io.ReadCloser, int64, error)
}

type Artifacts interface {
	Put(ctx context.Context, loc artifact.Location, body io.Reader) (digest.Digest, error)
	Resolve(ctx context.Context, env cloud.Environment, pkg, state artifact.Location, web *artifact.Location) (*artifact.Target, error)
	ResolveTargets(ctx context.Context, builds []artifact.BuildOutput, names map[cloud.Environment]artifact.Names) (map[cloud.Environment]*artifact.Target, error)
	PrepareTemplate(ctx context.Context, t *artifact.Target) (artifact.Location, error)
	SaveTemplate(ctx context.Context, loc artifact.Location, body string) (string, error)
	BackupArtifacts(ctx context.Context, t *artifact.Target) ([]artifact.Location, error)
}

type Stacks interface {
	Exists(ctx context.Context, name string) (bool, error)
	Create(ctx context.Context, in stack.CreateInput) error
	Update(ctx context.Context, in stack.UpdateInput) error
	CurrentTemplate(ctx context.Context, name string) (string, error)
	Status(ctx context.Context, name string) (stack.Status, error)
	Poll(ctx context.Context, name string) error
}

type Snapshots interface {
	TakeSnapshot(ctx context.Context, instanceID string) (string, error)
	PollSnapshot(ctx context.Context, instanceID, snapshotID string) error
	Restore(ctx context.Context, instanceID, snapshotID string) error
	PollInstance(ctx context.Context, identifier string) (string, error)
	Cutover(ctx context.Context, instanceID, snapshotID string) error
	UpdateCNAME(ctx context.Context, hostedZoneID, domain, endpoint string) error
	DeleteOldInstance(ctx context.Context, instanceID string) error
	PollDeleted(ctx context.Context, instanceID string) error
	DeleteSnapshot(ctx context.Context, snapshotID string) error
}

type Copies interface {
	CreateCopy(ctx context.Context, name string) (pgcopy.Copy, error)
	RollbackCopy(ctx context.Context, cp pgcopy.Copy) error
}

// Clients hands out the controllers of an environment. Implementations
// build them per call, with that environment's credentials.
type Clients interface {
	Stacks(env cloud.Environment) Stacks
	Snapshots(env cloud.Environment) Snapshots
	Copies(env cloud.Environment) (Copies, error)
}

type Notifier interface {
	Notify(ctx context.Context, msg notify.Message)
}

// Packaged says where an environment's build output is published when
// the executions are not handed build outputs.
type Packaged struct {
	Package artifact.Location
	State   artifact.Location
	Web     *artifact.Location
}

type Config struct {
	// Prefix starts every branch the pipeline creates.
	Prefix      string
	Destination string
	Workspace   string
	Repository  string

	SourceBucket string
	SourcePrefix string

	Artifacts map[cloud.Environment]artifact.Names
	Packaged  map[cloud.Environment]Packaged
	RoleARNs  map[cloud.Environment]string

	DatabaseMode  DatabaseMode
	DeclineReason string
	// ExecutionURL links an execution id to where it can be watched.
	ExecutionURL func(id string) string
}

// Step is one unit of the pipeline. It reads and amends the payload,
// and returns NotReady rather than waiting.
type Step func(ctx context.Context, p *Payload) error

type Steps struct {
	config    Config
	source    SourceControl
	artifacts Artifacts
	clients   Clients
	notifier  Notifier
	logger    log.Logger
	steps     map[string]Step
}

func NewSteps(config Config, source SourceControl, artifacts Artifacts, clients Clients, notifier Notifier, logger log.Logger) *Steps {
	if config.Prefix == "" {
		config.Prefix = DefaultPrefix
	}
	if config.DeclineReason == "" {
		config.DeclineReason = DefaultDeclineReason
	}
	if config.DatabaseMode == "" {
		config.DatabaseMode = ModeNone
	}
	s := &Steps{
		config:    config,
		source:    source,
		artifacts: artifacts,
		clients:   clients,
		notifier:  notifier,
		logger:    logger,
	}
	s.steps = map[string]Step{
		StepOpenBranch:        s.openBranch,
		StepDownloadSource:    s.downloadSource,
		StepResolveTargets:    s.resolveTargets,
		StepBackup:            s.backup,
		StepPollBackup:        s.pollBackup,
		StepDeployStack:       s.deployStack,
		StepPollStack:         s.pollStack,
		StepOpenReview:        s.openReview,
		StepRollbackStack:     s.rollbackStack,
		StepPollRollbackStack: s.pollRollbackStack,
		StepRollbackDatabase:  s.rollbackDatabase,
		StepPollRestore:       s.pollRestore,
		StepCutover:           s.cutover,
		StepUpdateDNS:         s.updateDNS,
		StepDeleteOld:         s.deleteOld,
		StepPollDeleted:       s.pollDeleted,
		StepCleanup:           s.cleanup,
	}
	return s
}

func (s *Steps) Config() Config {
	return s.config
}

func (s *Steps) Names() []string {
	var names []string
	for name := range s.steps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run runs the named step against p.
func (s *Steps) Run(ctx context.Context, name string, p *Payload) (err error) {
	step, ok := s.steps[name]
	if !ok {
		return pipeerr.Newf(pipeerr.Missing, KindUnknownStep, "no step named %q", name)
	}
	defer func(start time.Time) {
		stepDuration.With(
			pipemetrics.LabelStep, name,
			pipemetrics.LabelSuccess, fmt.Sprint(err == nil),
		).Observe(time.Since(start).Seconds())
	}(time.Now())
	return step(ctx, p)
}

func (s *Steps) executionURL(id string) string {
	if id == "" || s.config.ExecutionURL == nil {
		return ""
	}
	return s.config.ExecutionURL(id)
}

func (s *Steps) outcome(p *Payload) notify.Outcome {
	o := notify.Outcome{
		Workspace:    s.config.Workspace,
		Repository:   s.config.Repository,
		Branch:       p.Branch,
		PullRequest:  p.ReviewPullRequest,
		ExecutionURL: s.executionURL(p.ExecutionID),
	}
	if p.Error != nil {
		o.Error = p.Error.Error
		o.Cause = p.Error.Cause
	}
	return o
}

func (s *Steps) announce(ctx context.Context, render func(notify.Outcome) (notify.Message, error), p *Payload) {
	msg, err := render(s.outcome(p))
	if err != nil {
		_ = s.logger.Log("execution", p.ExecutionID, "err", err)
		return
	}
	s.notifier.Notify(ctx, msg)
}

// openBranch creates the temporary branch off the destination and
// brings the source branch into it. Bitbucket cannot merge branches
// directly, so that is done with a pull request merged straight away.
// The original pull request is then declined.
func (s *Steps) openBranch(ctx context.Context, p *Payload) error {
	ev := p.Event
	if p.Branch == "" {
		existing, err := s.source.ListBranches(ctx, bitbucket.SiblingPattern(ev.SourceBranch))
		if err != nil {
			return err
		}
		name, err := bitbucket.TempBranchName(s.config.Prefix, ev.SourceBranch, existing)
		if err != nil {
			return err
		}
		if err := s.source.CreateBranch(ctx, name, ev.DestinationBranch); err != nil {
			return err
		}
		p.Branch = name
	}

	if p.MergePullRequest == 0 {
		id, err := s.source.OpenPullRequest(ctx, bitbucket.PullRequestSpec{
			Title:       ev.Title,
			Description: ev.Description,
			Source:      ev.SourceBranch,
			Destination: p.Branch,
		})
		if err != nil {
			return err
		}
		p.MergePullRequest = id
	}
	if err := s.source.MergePullRequest(ctx, p.MergePullRequest); err != nil {
		return err
	}

	if err := s.source.DeclinePullRequest(ctx, ev.ID, s.config.DeclineReason); err != nil {
		_ = s.logger.Log("pullrequest", ev.ID, "info", "could not decline original pull request", "err", err)
	}
	return nil
}

func (s *Steps) downloadSource(ctx context.Context, p *Payload) error {
	body, _, err := s.source.OpenSource(ctx, p.Branch)
	if err != nil {
		return err
	}
	defer body.Close()

	id := p.ExecutionID
	if id == "" {
		id = uuid.New().String()
	}
	loc := artifact.Location{
		Bucket: s.config.SourceBucket,
		Key:    path.Join(s.config.SourcePrefix, id, "source.zip"),
	}
	d, err := s.artifacts.Put(ctx, loc, body)
	if err != nil {
		return err
	}
	p.Source = &loc
	p.SourceDigest = d
	return nil
}

func (s *Steps) resolveTargets(ctx context.Context, p *Payload) error {
	var targets map[cloud.Environment]*artifact.Target
	if len(p.Builds) > 0 {
		var err error
		targets, err = s.artifacts.ResolveTargets(ctx, p.Builds, s.config.Artifacts)
		if err != nil {
			return err
		}
	} else {
		targets = map[cloud.Environment]*artifact.Target{}
		for env, loc := range s.config.Packaged {
			t, err := s.artifacts.Resolve(ctx, env, loc.Package, loc.State, loc.Web)
			if err != nil {
				return err
			}
			targets[env] = t
		}
	}

	for _, env := range cloud.Environments {
		t, ok := targets[env]
		if !ok {
			return pipeerr.Newf(pipeerr.Missing, artifact.KindArtifactNotFound, "no build output for %s", env)
		}
		t.RoleARN = s.config.RoleARNs[env]
	}
	p.Targets = targets
	if p.Database.Mode == "" {
		p.Database.Mode = s.config.DatabaseMode
	}
	return nil
}

// backup saves what a rollback of the environment will need: the
// template the stack runs now, the packaged artifacts, and, when the
// change carries migrations, the database.
func (s *Steps) backup(ctx context.Context, p *Payload) error {
	env := p.Environment
	t, err := p.Target(env)
	if err != nil {
		return err
	}
	b := p.Backup(env)
	stacks := s.clients.Stacks(env)

	exists, err := stacks.Exists(ctx, t.StackName)
	if err != nil {
		return err
	}
	b.StackExisted = exists
	if exists && b.PreviousTemplateURL == "" {
		body, err := stacks.CurrentTemplate(ctx, t.StackName)
		if err != nil {
			return err
		}
		loc := t.Package.Sibling("previous-" + string(env) + "-" + artifact.TemplateFile)
		if b.PreviousTemplateURL, err = s.artifacts.SaveTemplate(ctx, loc, body); err != nil {
			return err
		}
	}
	if _, err := s.artifacts.BackupArtifacts(ctx, t); err != nil {
		return err
	}

	if !p.Database.MigrationsChanged {
		return nil
	}
	switch p.Database.Mode {
	case ModeSnapshot:
		if t.RDSIdentifier == "" || b.SnapshotID != "" {
			return nil
		}
		id, err := s.clients.Snapshots(env).TakeSnapshot(ctx, t.RDSIdentifier)
		if err != nil {
			return err
		}
		b.SnapshotID = id
	case ModeCopy:
		if t.DatabaseName == "" {
			return nil
		}
		copies, err := s.clients.Copies(env)
		if err != nil {
			return err
		}
		c, err := copies.CreateCopy(ctx, t.DatabaseName)
		if err != nil {
			return err
		}
		b.CopyName = c.Name
		b.CopyToken = c.Token
	}
	return nil
}

func (s *Steps) pollBackup(ctx context.Context, p *Payload) error {
	env := p.Environment
	t, err := p.Target(env)
	if err != nil {
		return err
	}
	b := p.Backup(env)
	if b.SnapshotID == "" {
		return nil
	}
	return s.clients.Snapshots(env).PollSnapshot(ctx, t.RDSIdentifier, b.SnapshotID)
}

// deployStack creates the stack, or updates it to the packaged
// template. An update with nothing to change counts as deployed and
// complete.
func (s *Steps) deployStack(ctx context.Context, p *Payload) error {
	env := p.Environment
	t, err := p.Target(env)
	if err != nil {
		return err
	}
	if _, err := s.artifacts.PrepareTemplate(ctx, t); err != nil {
		return err
	}

	stacks := s.clients.Stacks(env)
	exists, err := stacks.Exists(ctx, t.StackName)
	if err != nil {
		return err
	}
	noChange := false
	if exists {
		err = stacks.Update(ctx, stack.UpdateInput{
			StackName:   t.StackName,
			RoleARN:     t.RoleARN,
			TemplateURL: t.TemplateURL,
		})
		if pipeerr.IsConflict(err) {
			noChange, err = true, nil
		}
	} else {
		err = stacks.Create(ctx, stack.CreateInput{
			StackName:   t.StackName,
			RoleARN:     t.RoleARN,
			TemplateURL: t.TemplateURL,
		})
	}
	if err != nil {
		return err
	}
	b := p.Backup(env)
	b.Deployed = true
	b.NoChange = noChange
	return nil
}

// pollStack waits for the deploy to settle. When the update was a
// no-op the stack's status is whatever an earlier change left, so it
// is not consulted.
func (s *Steps) pollStack(ctx context.Context, p *Payload) error {
	t, err := p.Target(p.Environment)
	if err != nil {
		return err
	}
	if p.Backup(p.Environment).NoChange {
		_ = s.logger.Log("execution", p.ExecutionID, "environment", p.Environment, "stack", t.StackName, "info", "no updates to perform")
		return nil
	}
	return s.clients.Stacks(p.Environment).Poll(ctx, t.StackName)
}

// openReview opens the pull request whose merge or decline decides
// whether QA's deploy goes to production.
func (s *Steps) openReview(ctx context.Context, p *Payload) error {
	if p.ReviewPullRequest != 0 {
		return nil
	}
	if p.TaskToken == "" {
		return pipeerr.Newf(pipeerr.User, KindMissingTaskToken, "cannot open a review without a task token")
	}
	description, err := ReviewDescription{
		TaskToken:    p.TaskToken,
		ExecutionID:  p.ExecutionID,
		ExecutionURL: s.executionURL(p.ExecutionID),
		Description:  p.Event.Description,
	}.Encode()
	if err != nil {
		return err
	}
	id, err := s.source.OpenPullRequest(ctx, bitbucket.PullRequestSpec{
		Title:             p.Event.Title,
		Description:       description,
		Source:            p.Branch,
		Destination:       s.config.Destination,
		CloseSourceBranch: true,
	})
	if err != nil {
		return err
	}
	p.ReviewPullRequest = id
	s.announce(ctx, notify.Review, p)
	return nil
}

// rollbackStack puts the stack back on the template it ran before this
// execution. A stack this execution created is left in place.
func (s *Steps) rollbackStack(ctx context.Context, p *Payload) error {
	env := p.Environment
	t, err := p.Target(env)
	if err != nil {
		return err
	}
	b := p.Backup(env)
	switch {
	case !b.Deployed:
		_ = s.logger.Log("execution", p.ExecutionID, "environment", env, "info", "nothing was deployed, stack left as it is")
		return nil
	case !b.StackExisted || b.PreviousTemplateURL == "":
		_ = s.logger.Log("execution", p.ExecutionID, "environment", env, "info", "stack was created by this execution, no earlier template to return to")
		return nil
	}
	err = s.clients.Stacks(env).Update(ctx, stack.UpdateInput{
		StackName:   t.StackName,
		RoleARN:     t.RoleARN,
		TemplateURL: b.PreviousTemplateURL,
	})
	if pipeerr.IsConflict(err) {
		return nil
	}
	return err
}

func (s *Steps) pollRollbackStack(ctx context.Context, p *Payload) error {
	env := p.Environment
	t, err := p.Target(env)
	if err != nil {
		return err
	}
	b := p.Backup(env)
	if !b.Deployed || !b.StackExisted || b.PreviousTemplateURL == "" {
		return nil
	}
	st, err := s.clients.Stacks(env).Status(ctx, t.StackName)
	if err != nil {
		return err
	}
	switch {
	case st.Phase == stack.Complete, st.RolledBack():
		return nil
	case st.Phase == stack.InProgress:
		return pipeerr.Newf(pipeerr.NotReady, stack.KindStackNotReady, "stack %s is %s", t.StackName, st.Raw)
	case st.Phase == stack.DoesNotExist:
		return pipeerr.Newf(pipeerr.Missing, stack.KindStackDoesNotExist, "stack %s does not exist", t.StackName)
	}
	return pipeerr.Newf(pipeerr.Failed, stack.KindStackFailed, "rolling back stack %s failed: %s", t.StackName, st.Reason)
}

// restoring returns the target and backup of an environment whose
// database is being rolled back from a snapshot.
func restoring(p *Payload) (*artifact.Target, *Backup, bool) {
	t, err := p.Target(p.Environment)
	if err != nil {
		return nil, nil, false
	}
	b := p.Backup(p.Environment)
	if !b.Deployed || b.SnapshotID == "" || t.RDSIdentifier == "" {
		return nil, nil, false
	}
	return t, b, true
}

func (s *Steps) rollbackDatabase(ctx context.Context, p *Payload) error {
	env := p.Environment
	t, err := p.Target(env)
	if err != nil {
		return err
	}
	b := p.Backup(env)
	switch {
	case !b.Deployed:
		return nil
	case b.SnapshotID != "":
		return s.clients.Snapshots(env).Restore(ctx, t.RDSIdentifier, b.SnapshotID)
	case b.CopyName != "":
		copies, err := s.clients.Copies(env)
		if err != nil {
			return err
		}
		return copies.RollbackCopy(ctx, pgcopy.Copy{
			Name:       b.CopyName,
			BackupName: pgcopy.BackupName(b.CopyName),
			Token:      b.CopyToken,
		})
	}
	return nil
}

func (s *Steps) pollRestore(ctx context.Context, p *Payload) error {
	t, _, ok := restoring(p)
	if !ok {
		return nil
	}
	_, err := s.clients.Snapshots(p.Environment).PollInstance(ctx, rds.RollbackName(t.RDSIdentifier))
	return err
}

func (s *Steps) cutover(ctx context.Context, p *Payload) error {
	t, b, ok := restoring(p)
	if !ok {
		return nil
	}
	return s.clients.Snapshots(p.Environment).Cutover(ctx, t.RDSIdentifier, b.SnapshotID)
}

// updateDNS points the database domain at the restored instance, once
// it answers under the base identifier.
func (s *Steps) updateDNS(ctx context.Context, p *Payload) error {
	t, b, ok := restoring(p)
	if !ok {
		return nil
	}
	snapshots := s.clients.Snapshots(p.Environment)
	endpoint, err := snapshots.PollInstance(ctx, t.RDSIdentifier)
	if err != nil {
		return err
	}
	b.Endpoint = endpoint
	if t.HostedZoneID == "" || t.RDSDomain == "" {
		return nil
	}
	return snapshots.UpdateCNAME(ctx, t.HostedZoneID, t.RDSDomain, endpoint)
}

func (s *Steps) deleteOld(ctx context.Context, p *Payload) error {
	t, _, ok := restoring(p)
	if !ok {
		return nil
	}
	return s.clients.Snapshots(p.Environment).DeleteOldInstance(ctx, t.RDSIdentifier)
}

func (s *Steps) pollDeleted(ctx context.Context, p *Payload) error {
	t, b, ok := restoring(p)
	if !ok {
		return nil
	}
	snapshots := s.clients.Snapshots(p.Environment)
	if err := snapshots.PollDeleted(ctx, t.RDSIdentifier); err != nil {
		return err
	}
	return snapshots.DeleteSnapshot(ctx, b.SnapshotID)
}

// cleanup deletes the temporary branch and announces how the execution
// ended. A rejected review is not announced as an error; the reviewer
// already knows.
func (s *Steps) cleanup(ctx context.Context, p *Payload) error {
	if p.Branch != "" {
		err := s.source.DeleteBranch(ctx, p.Branch)
		if pipeerr.IsExternal(err) {
			return pipeerr.New(pipeerr.NotReady, KindBranchNotDeleted, err)
		}
		if err != nil {
			return err
		}
	}
	switch {
	case p.Error == nil:
		s.announce(ctx, notify.Success, p)
	case !p.Rejected():
		s.announce(ctx, notify.Failure, p)
	}
	return nil
}
