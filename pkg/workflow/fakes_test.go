package workflow

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"sync"

	"github.com/aws/aws-sdk-go/service/cloudformation"
	"github.com/go-kit/kit/log"
	"github.com/opencontainers/go-digest"

	"github.com/pipewright/pipewright/pkg/artifact"
	"github.com/pipewright/pipewright/pkg/bitbucket"
	"github.com/pipewright/pipewright/pkg/cloud"
	pipeerr "github.com/pipewright/pipewright/pkg/errors"
	"github.com/pipewright/pipewright/pkg/job"
	"github.com/pipewright/pipewright/pkg/notify"
	"github.com/pipewright/pipewright/pkg/pgcopy"
	"github.com/pipewright/pipewright/pkg/stack"
)

type fakeSource struct {
	mu         sync.Mutex
	existing   []string
	created    map[string]string
	deleted    []string
	opened     []bitbucket.PullRequestSpec
	merged     []int
	declined   []int
	deleteErr  error
	declineErr error
	// onList, if set, runs on every branch listing.
	onList func()
}

func newFakeSource(existing ...string) *fakeSource {
	return &fakeSource{existing: existing, created: map[string]string{}}
}

func (f *fakeSource) ListBranches(ctx context.Context, pattern string) ([]string, error) {
	if f.onList != nil {
		f.onList()
	}
	return f.existing, nil
}

func (f *fakeSource) CreateBranch(ctx context.Context, name, fromRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created[name] = fromRef
	return nil
}

func (f *fakeSource) DeleteBranch(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *fakeSource) OpenPullRequest(ctx context.Context, spec bitbucket.PullRequestSpec) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, spec)
	return 100 + len(f.opened), nil
}

func (f *fakeSource) MergePullRequest(ctx context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merged = append(f.merged, id)
	return nil
}

func (f *fakeSource) DeclinePullRequest(ctx context.Context, id int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declined = append(f.declined, id)
	return f.declineErr
}

func (f *fakeSource) OpenSource(ctx context.Context, branch string) (io.ReadCloser, int64, error) {
	body := []byte("archive of " + branch)
	return ioutil.NopCloser(bytes.NewReader(body)), int64(len(body)), nil
}

type fakeArtifacts struct {
	mu      sync.Mutex
	puts    map[string][]byte
	saved   map[string]string
	backups int
}

func newFakeArtifacts() *fakeArtifacts {
	return &fakeArtifacts{puts: map[string][]byte{}, saved: map[string]string{}}
}

func (f *fakeArtifacts) Put(ctx context.Context, loc artifact.Location, body io.Reader) (digest.Digest, error) {
	b, err := ioutil.ReadAll(body)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	f.puts[loc.String()] = b
	f.mu.Unlock()
	return digest.FromBytes(b), nil
}

func packaged(env cloud.Environment) Packaged {
	return Packaged{
		Package: artifact.Location{Bucket: "builds", Key: string(env) + "/package.zip"},
		State:   artifact.Location{Bucket: "builds", Key: string(env) + "/state"},
	}
}

func (f *fakeArtifacts) Resolve(ctx context.Context, env cloud.Environment, pkg, state artifact.Location, web *artifact.Location) (*artifact.Target, error) {
	return &artifact.Target{
		Environment: env,
		StackInfo: artifact.StackInfo{
			StackName:     "web-" + string(env),
			RDSIdentifier: "db-" + string(env),
			HostedZoneID:  "Z123",
			RDSDomain:     "db." + string(env) + ".example.com",
			DatabaseName:  "app_" + string(env),
		},
		Package: pkg,
		State:   state,
		Web:     web,
	}, nil
}

func (f *fakeArtifacts) ResolveTargets(ctx context.Context, builds []artifact.BuildOutput, names map[cloud.Environment]artifact.Names) (map[cloud.Environment]*artifact.Target, error) {
	targets := map[cloud.Environment]*artifact.Target{}
	for env := range names {
		loc := packaged(env)
		t, _ := f.Resolve(ctx, env, loc.Package, loc.State, nil)
		targets[env] = t
	}
	return targets, nil
}

func (f *fakeArtifacts) PrepareTemplate(ctx context.Context, t *artifact.Target) (artifact.Location, error) {
	loc := t.Package.Sibling(artifact.TemplateFile)
	t.TemplateURL = loc.URL()
	return loc, nil
}

func (f *fakeArtifacts) SaveTemplate(ctx context.Context, loc artifact.Location, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved[loc.String()] = body
	return loc.URL(), nil
}

func (f *fakeArtifacts) BackupArtifacts(ctx context.Context, t *artifact.Target) ([]artifact.Location, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backups++
	return nil, nil
}

type fakeStack struct {
	template string
	status   string
}

// fakeStacks behaves like CloudFormation for one environment: stacks
// finish converging on the poll after a change, unless told otherwise.
type fakeStacks struct {
	mu        sync.Mutex
	stacks    map[string]*fakeStack
	polls     []error
	creates   []stack.CreateInput
	updates   []stack.UpdateInput
	updateErr error
}

func newFakeStacks() *fakeStacks {
	return &fakeStacks{stacks: map[string]*fakeStack{}}
}

func (f *fakeStacks) withStack(name, template string) *fakeStacks {
	f.stacks[name] = &fakeStack{template: template, status: cloudformation.StackStatusUpdateComplete}
	return f
}

func (f *fakeStacks) Exists(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.stacks[name]
	return ok, nil
}

func (f *fakeStacks) Create(ctx context.Context, in stack.CreateInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, in)
	f.stacks[in.StackName] = &fakeStack{template: in.TemplateURL, status: cloudformation.StackStatusCreateComplete}
	return nil
}

func (f *fakeStacks) Update(ctx context.Context, in stack.UpdateInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, in)
	if f.updateErr != nil {
		return f.updateErr
	}
	s, ok := f.stacks[in.StackName]
	if !ok {
		return pipeerr.Newf(pipeerr.Missing, stack.KindStackDoesNotExist, "no stack %s", in.StackName)
	}
	s.template = in.TemplateURL
	s.status = cloudformation.StackStatusUpdateComplete
	return nil
}

func (f *fakeStacks) CurrentTemplate(ctx context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return "body of " + f.stacks[name].template, nil
}

func (f *fakeStacks) Status(ctx context.Context, name string) (stack.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.stacks[name]
	if !ok {
		return stack.Status{Phase: stack.DoesNotExist}, nil
	}
	return stack.Classify(s.status), nil
}

func (f *fakeStacks) Poll(ctx context.Context, name string) error {
	f.mu.Lock()
	if len(f.polls) > 0 {
		err := f.polls[0]
		f.polls = f.polls[1:]
		f.mu.Unlock()
		return err
	}
	f.mu.Unlock()
	st, _ := f.Status(ctx, name)
	switch st.Phase {
	case stack.Complete:
		return nil
	case stack.DoesNotExist:
		return pipeerr.Newf(pipeerr.Missing, stack.KindStackDoesNotExist, "no stack %s", name)
	}
	return pipeerr.Newf(pipeerr.Failed, stack.KindStackFailed, "stack %s is %s", name, st.Raw)
}

func (f *fakeStacks) templateOf(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stacks[name].template
}

// fakeSnapshots records the calls made to it, in order.
type fakeSnapshots struct {
	mu          sync.Mutex
	calls       []string
	pendingPoll int
}

func (f *fakeSnapshots) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeSnapshots) TakeSnapshot(ctx context.Context, instanceID string) (string, error) {
	f.record("snapshot " + instanceID)
	return "snapshot-1", nil
}

func (f *fakeSnapshots) PollSnapshot(ctx context.Context, instanceID, snapshotID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pendingPoll > 0 {
		f.pendingPoll--
		return pipeerr.Newf(pipeerr.NotReady, "SnapshotNotReadyError", "snapshot %s is creating", snapshotID)
	}
	return nil
}

func (f *fakeSnapshots) Restore(ctx context.Context, instanceID, snapshotID string) error {
	f.record("restore " + instanceID + " " + snapshotID)
	return nil
}

func (f *fakeSnapshots) PollInstance(ctx context.Context, identifier string) (string, error) {
	return identifier + ".rds.example.com", nil
}

func (f *fakeSnapshots) Cutover(ctx context.Context, instanceID, snapshotID string) error {
	f.record("cutover " + instanceID + " " + snapshotID)
	return nil
}

func (f *fakeSnapshots) UpdateCNAME(ctx context.Context, hostedZoneID, domain, endpoint string) error {
	f.record("cname " + domain + " " + endpoint)
	return nil
}

func (f *fakeSnapshots) DeleteOldInstance(ctx context.Context, instanceID string) error {
	f.record("delete " + instanceID)
	return nil
}

func (f *fakeSnapshots) PollDeleted(ctx context.Context, instanceID string) error {
	return nil
}

func (f *fakeSnapshots) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	f.record("delete-snapshot " + snapshotID)
	return nil
}

func (f *fakeSnapshots) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeCopies struct {
	mu         sync.Mutex
	created    []string
	rolledBack []pgcopy.Copy
}

func (f *fakeCopies) CreateCopy(ctx context.Context, name string) (pgcopy.Copy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, name)
	cp := pgcopy.CopyOf(name)
	cp.Token = "token-" + name
	return cp, nil
}

func (f *fakeCopies) RollbackCopy(ctx context.Context, cp pgcopy.Copy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rolledBack = append(f.rolledBack, cp)
	return nil
}

type fakeClients struct {
	stacks    map[cloud.Environment]*fakeStacks
	snapshots map[cloud.Environment]*fakeSnapshots
	copies    map[cloud.Environment]*fakeCopies
}

func newFakeClients() *fakeClients {
	c := &fakeClients{
		stacks:    map[cloud.Environment]*fakeStacks{},
		snapshots: map[cloud.Environment]*fakeSnapshots{},
		copies:    map[cloud.Environment]*fakeCopies{},
	}
	for _, env := range cloud.Environments {
		c.stacks[env] = newFakeStacks().withStack("web-"+string(env), "https://builds.s3.amazonaws.com/"+string(env)+"/v1.json")
		c.snapshots[env] = &fakeSnapshots{}
		c.copies[env] = &fakeCopies{}
	}
	return c
}

func (c *fakeClients) Stacks(env cloud.Environment) Stacks       { return c.stacks[env] }
func (c *fakeClients) Snapshots(env cloud.Environment) Snapshots { return c.snapshots[env] }
func (c *fakeClients) Copies(env cloud.Environment) (Copies, error) {
	return c.copies[env], nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (n *recordingNotifier) Notify(ctx context.Context, msg notify.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
}

func (n *recordingNotifier) statuses() []notify.Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notify.Status
	for _, m := range n.msgs {
		out = append(out, m.Status)
	}
	return out
}

// fakeSubmitter counts submitted jobs; tests advance executions by
// hand.
type fakeSubmitter struct {
	mu        sync.Mutex
	submitted int
}

func (s *fakeSubmitter) Submit(kind string, do job.Func) job.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted++
	return job.NewID()
}

type fixture struct {
	source    *fakeSource
	artifacts *fakeArtifacts
	clients   *fakeClients
	notifier  *recordingNotifier
	steps     *Steps
}

func newFixture() *fixture {
	f := &fixture{
		source:    newFakeSource("feature/x"),
		artifacts: newFakeArtifacts(),
		clients:   newFakeClients(),
		notifier:  &recordingNotifier{},
	}
	f.steps = NewSteps(Config{
		Destination:  "main",
		Workspace:    "acme",
		Repository:   "web",
		SourceBucket: "sources",
		SourcePrefix: "bitbucket",
		Packaged: map[cloud.Environment]Packaged{
			cloud.QA:         packaged(cloud.QA),
			cloud.Production: packaged(cloud.Production),
		},
		RoleARNs: map[cloud.Environment]string{
			cloud.QA:         "arn:aws:iam::111:role/deploy",
			cloud.Production: "arn:aws:iam::222:role/deploy",
		},
		DatabaseMode: ModeSnapshot,
		ExecutionURL: func(id string) string { return "https://pipewright.example.com/v1/executions/" + id },
	}, f.source, f.artifacts, f.clients, f.notifier, log.NewNopLogger())
	return f
}

func feature(id int) PullRequestEvent {
	return PullRequestEvent{
		ID:                id,
		Title:             "Add orders",
		Description:       "Orders table and endpoint",
		SourceBranch:      "feature/x",
		DestinationBranch: "main",
		Author:            Person{DisplayName: "Ada", Nickname: "ada"},
	}
}
