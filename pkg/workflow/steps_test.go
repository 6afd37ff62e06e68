package workflow

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go/service/cloudformation"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipewright/pipewright/pkg/cloud"
	pipeerr "github.com/pipewright/pipewright/pkg/errors"
	"github.com/pipewright/pipewright/pkg/notify"
	"github.com/pipewright/pipewright/pkg/pgcopy"
	"github.com/pipewright/pipewright/pkg/stack"
)

// resolved returns a payload as it is after resolveTargets, with the
// given environment in play.
func resolved(t *testing.T, f *fixture, env cloud.Environment, db DatabaseOptions) *Payload {
	p := &Payload{
		ExecutionID: "exec-1",
		Event:       feature(7),
		Branch:      "cicd/feature/x",
		Database:    db,
	}
	require.NoError(t, f.steps.Run(context.Background(), StepResolveTargets, p))
	p.Environment = env
	return p
}

func TestSteps_Names(t *testing.T) {
	f := newFixture()
	names := f.steps.Names()
	assert.Len(t, names, 17)
	assert.Contains(t, names, StepOpenBranch)
	assert.Contains(t, names, StepCleanup)

	err := f.steps.Run(context.Background(), "launchRockets", &Payload{})
	assert.True(t, pipeerr.IsMissing(err))
	assert.Equal(t, KindUnknownStep, pipeerr.KindOf(err))
}

func TestOpenBranch(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.source.existing = []string{"feature/x", "cicd/feature/x"}
	f.source.declineErr = pipeerr.Newf(pipeerr.External, pipeerr.KindExternalAPI, "pull request already declined")

	p := &Payload{Event: feature(7)}
	require.NoError(t, f.steps.Run(ctx, StepOpenBranch, p))

	assert.Equal(t, "cicd/1-feature/x", p.Branch)
	assert.Equal(t, "main", f.source.created["cicd/1-feature/x"])
	require.Len(t, f.source.opened, 1)
	assert.Equal(t, "feature/x", f.source.opened[0].Source)
	assert.Equal(t, "cicd/1-feature/x", f.source.opened[0].Destination)
	assert.Equal(t, 101, p.MergePullRequest)
	assert.Equal(t, []int{101}, f.source.merged)
	assert.Equal(t, []int{7}, f.source.declined)

	// Run again, as after a crash: nothing is created twice.
	require.NoError(t, f.steps.Run(ctx, StepOpenBranch, p))
	assert.Len(t, f.source.created, 1)
	assert.Len(t, f.source.opened, 1)
}

func TestDownloadSource(t *testing.T) {
	f := newFixture()
	p := &Payload{ExecutionID: "exec-1", Branch: "cicd/feature/x"}
	require.NoError(t, f.steps.Run(context.Background(), StepDownloadSource, p))

	require.NotNil(t, p.Source)
	assert.Equal(t, "sources", p.Source.Bucket)
	assert.Equal(t, "bitbucket/exec-1/source.zip", p.Source.Key)
	assert.Equal(t, []byte("archive of cicd/feature/x"), f.artifacts.puts[p.Source.String()])
	assert.NotEmpty(t, p.SourceDigest)
}

func TestResolveTargets(t *testing.T) {
	f := newFixture()
	p := resolved(t, f, cloud.QA, DatabaseOptions{})

	qa, err := p.Target(cloud.QA)
	require.NoError(t, err)
	assert.Equal(t, "web-qa", qa.StackName)
	assert.Equal(t, "arn:aws:iam::111:role/deploy", qa.RoleARN)
	prod, err := p.Target(cloud.Production)
	require.NoError(t, err)
	assert.Equal(t, "arn:aws:iam::222:role/deploy", prod.RoleARN)
	assert.Equal(t, ModeSnapshot, p.Database.Mode)
}

func TestResolveTargets_MissingEnvironment(t *testing.T) {
	f := newFixture()
	delete(f.steps.config.Packaged, cloud.Production)

	err := f.steps.Run(context.Background(), StepResolveTargets, &Payload{})
	assert.True(t, pipeerr.IsMissing(err))
}

func TestBackup_Snapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	p := resolved(t, f, cloud.QA, DatabaseOptions{MigrationsChanged: true})

	require.NoError(t, f.steps.Run(ctx, StepBackup, p))
	b := p.Backups[cloud.QA]
	require.NotNil(t, b)
	assert.True(t, b.StackExisted)
	assert.Equal(t, "https://builds.s3.amazonaws.com/qa/previous-qa-template.json", b.PreviousTemplateURL)
	assert.Equal(t, "body of https://builds.s3.amazonaws.com/qa/v1.json",
		f.artifacts.saved["arn:aws:s3:::builds/qa/previous-qa-template.json"])
	assert.Equal(t, "snapshot-1", b.SnapshotID)
	assert.Equal(t, 1, f.artifacts.backups)

	// a second run does not take a second snapshot
	require.NoError(t, f.steps.Run(ctx, StepBackup, p))
	assert.Equal(t, []string{"snapshot db-qa"}, f.clients.snapshots[cloud.QA].recorded())

	f.clients.snapshots[cloud.QA].pendingPoll = 1
	err := f.steps.Run(ctx, StepPollBackup, p)
	assert.True(t, pipeerr.IsNotReady(err))
	assert.NoError(t, f.steps.Run(ctx, StepPollBackup, p))
}

func TestBackup_NoMigrations(t *testing.T) {
	f := newFixture()
	p := resolved(t, f, cloud.QA, DatabaseOptions{})

	require.NoError(t, f.steps.Run(context.Background(), StepBackup, p))
	assert.Empty(t, p.Backups[cloud.QA].SnapshotID)
	assert.Empty(t, f.clients.snapshots[cloud.QA].recorded())
	assert.NoError(t, f.steps.Run(context.Background(), StepPollBackup, p))
}

func TestBackup_Copy(t *testing.T) {
	f := newFixture()
	p := resolved(t, f, cloud.Production, DatabaseOptions{MigrationsChanged: true, Mode: ModeCopy})

	require.NoError(t, f.steps.Run(context.Background(), StepBackup, p))
	assert.Equal(t, []string{"app_production"}, f.clients.copies[cloud.Production].created)
	assert.Equal(t, "app_production", p.Backups[cloud.Production].CopyName)
	assert.Equal(t, "token-app_production", p.Backups[cloud.Production].CopyToken)
	assert.Empty(t, f.clients.snapshots[cloud.Production].recorded())
}

func TestBackup_NewStack(t *testing.T) {
	f := newFixture()
	delete(f.clients.stacks[cloud.QA].stacks, "web-qa")
	p := resolved(t, f, cloud.QA, DatabaseOptions{})

	require.NoError(t, f.steps.Run(context.Background(), StepBackup, p))
	assert.False(t, p.Backups[cloud.QA].StackExisted)
	assert.Empty(t, p.Backups[cloud.QA].PreviousTemplateURL)
	assert.Empty(t, f.artifacts.saved)
}

func TestDeployStack(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	p := resolved(t, f, cloud.QA, DatabaseOptions{})

	require.NoError(t, f.steps.Run(ctx, StepDeployStack, p))
	stacks := f.clients.stacks[cloud.QA]
	require.Len(t, stacks.updates, 1)
	assert.Equal(t, stack.UpdateInput{
		StackName:   "web-qa",
		RoleARN:     "arn:aws:iam::111:role/deploy",
		TemplateURL: "https://builds.s3.amazonaws.com/qa/template.json",
	}, stacks.updates[0])
	assert.True(t, p.Backups[cloud.QA].Deployed)
	assert.NoError(t, f.steps.Run(ctx, StepPollStack, p))
}

func TestDeployStack_NoUpdates(t *testing.T) {
	f := newFixture()
	f.clients.stacks[cloud.QA].updateErr = pipeerr.Newf(pipeerr.Conflict, "NoUpdatesError", "No updates are to be performed.")
	p := resolved(t, f, cloud.QA, DatabaseOptions{})

	require.NoError(t, f.steps.Run(context.Background(), StepDeployStack, p))
	assert.True(t, p.Backups[cloud.QA].Deployed)
	assert.True(t, p.Backups[cloud.QA].NoChange)
}

func TestDeployStack_NoUpdatesAfterEarlierRollback(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	stacks := f.clients.stacks[cloud.QA]
	// an earlier failed deploy of the same template was rolled back
	stacks.stacks["web-qa"].status = cloudformation.StackStatusUpdateRollbackComplete
	stacks.updateErr = pipeerr.Newf(pipeerr.Conflict, "NoUpdatesError", "No updates are to be performed.")
	p := resolved(t, f, cloud.QA, DatabaseOptions{})

	require.NoError(t, f.steps.Run(ctx, StepDeployStack, p))
	assert.NoError(t, f.steps.Run(ctx, StepPollStack, p))

	// a later real update is polled again
	stacks.updateErr = nil
	require.NoError(t, f.steps.Run(ctx, StepDeployStack, p))
	assert.False(t, p.Backups[cloud.QA].NoChange)
	assert.NoError(t, f.steps.Run(ctx, StepPollStack, p))
}

func TestDeployStack_Create(t *testing.T) {
	f := newFixture()
	delete(f.clients.stacks[cloud.Production].stacks, "web-production")
	p := resolved(t, f, cloud.Production, DatabaseOptions{})

	require.NoError(t, f.steps.Run(context.Background(), StepDeployStack, p))
	stacks := f.clients.stacks[cloud.Production]
	require.Len(t, stacks.creates, 1)
	assert.Empty(t, stacks.updates)
	assert.Equal(t, "https://builds.s3.amazonaws.com/production/template.json", stacks.templateOf("web-production"))
}

func TestDeployStack_Fails(t *testing.T) {
	f := newFixture()
	f.clients.stacks[cloud.QA].updateErr = pipeerr.Newf(pipeerr.External, pipeerr.KindExternalAPI, "access denied")
	p := resolved(t, f, cloud.QA, DatabaseOptions{})

	err := f.steps.Run(context.Background(), StepDeployStack, p)
	assert.True(t, pipeerr.IsExternal(err))
	assert.False(t, p.Backup(cloud.QA).Deployed)
}

func TestOpenReview(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	p := resolved(t, f, cloud.QA, DatabaseOptions{})

	err := f.steps.Run(ctx, StepOpenReview, p)
	assert.Equal(t, KindMissingTaskToken, pipeerr.KindOf(err))

	p.TaskToken = "token-1"
	require.NoError(t, f.steps.Run(ctx, StepOpenReview, p))
	require.Len(t, f.source.opened, 1)
	spec := f.source.opened[0]
	assert.Equal(t, "cicd/feature/x", spec.Source)
	assert.Equal(t, "main", spec.Destination)
	assert.True(t, spec.CloseSourceBranch)
	assert.Equal(t, 101, p.ReviewPullRequest)

	review, err := ParseReviewDescription(spec.Description)
	require.NoError(t, err)
	assert.Equal(t, ReviewDescription{
		TaskToken:    "token-1",
		ExecutionID:  "exec-1",
		ExecutionURL: "https://pipewright.example.com/v1/executions/exec-1",
		Description:  "Orders table and endpoint",
	}, review)
	assert.Equal(t, []notify.Status{notify.StatusInfo}, f.notifier.statuses())

	require.NoError(t, f.steps.Run(ctx, StepOpenReview, p))
	assert.Len(t, f.source.opened, 1)
}

func TestRollbackStack(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	p := resolved(t, f, cloud.QA, DatabaseOptions{})
	require.NoError(t, f.steps.Run(ctx, StepBackup, p))
	require.NoError(t, f.steps.Run(ctx, StepDeployStack, p))

	require.NoError(t, f.steps.Run(ctx, StepRollbackStack, p))
	stacks := f.clients.stacks[cloud.QA]
	assert.Equal(t, "https://builds.s3.amazonaws.com/qa/previous-qa-template.json", stacks.templateOf("web-qa"))
	assert.NoError(t, f.steps.Run(ctx, StepPollRollbackStack, p))
}

func TestRollbackStack_NothingDeployed(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	p := resolved(t, f, cloud.QA, DatabaseOptions{})
	require.NoError(t, f.steps.Run(ctx, StepBackup, p))

	require.NoError(t, f.steps.Run(ctx, StepRollbackStack, p))
	assert.Empty(t, f.clients.stacks[cloud.QA].updates)
	assert.NoError(t, f.steps.Run(ctx, StepPollRollbackStack, p))
}

func TestRollbackStack_CreatedByExecution(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	delete(f.clients.stacks[cloud.QA].stacks, "web-qa")
	p := resolved(t, f, cloud.QA, DatabaseOptions{})
	require.NoError(t, f.steps.Run(ctx, StepBackup, p))
	require.NoError(t, f.steps.Run(ctx, StepDeployStack, p))

	require.NoError(t, f.steps.Run(ctx, StepRollbackStack, p))
	stacks := f.clients.stacks[cloud.QA]
	assert.Empty(t, stacks.updates)
	assert.Equal(t, "https://builds.s3.amazonaws.com/qa/template.json", stacks.templateOf("web-qa"))
}

func TestPollRollbackStack(t *testing.T) {
	for _, tc := range []struct {
		status string
		check  func(error) bool
	}{
		{cloudformation.StackStatusUpdateComplete, func(err error) bool { return err == nil }},
		{cloudformation.StackStatusUpdateRollbackComplete, func(err error) bool { return err == nil }},
		{cloudformation.StackStatusUpdateInProgress, pipeerr.IsNotReady},
		{cloudformation.StackStatusUpdateRollbackFailed, pipeerr.IsFailed},
	} {
		t.Run(tc.status, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture()
			p := resolved(t, f, cloud.QA, DatabaseOptions{})
			require.NoError(t, f.steps.Run(ctx, StepBackup, p))
			p.Backup(cloud.QA).Deployed = true

			f.clients.stacks[cloud.QA].stacks["web-qa"].status = tc.status
			err := f.steps.Run(ctx, StepPollRollbackStack, p)
			assert.True(t, tc.check(err), "got %v", err)
		})
	}
}

func TestRollbackDatabase_Snapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	p := resolved(t, f, cloud.Production, DatabaseOptions{MigrationsChanged: true})
	require.NoError(t, f.steps.Run(ctx, StepBackup, p))
	require.NoError(t, f.steps.Run(ctx, StepDeployStack, p))

	for _, step := range []string{StepRollbackDatabase, StepPollRestore, StepCutover, StepUpdateDNS, StepDeleteOld, StepPollDeleted} {
		require.NoError(t, f.steps.Run(ctx, step, p), step)
	}
	assert.Equal(t, []string{
		"snapshot db-production",
		"restore db-production snapshot-1",
		"cutover db-production snapshot-1",
		"cname db.production.example.com db-production.rds.example.com",
		"delete db-production",
		"delete-snapshot snapshot-1",
	}, f.clients.snapshots[cloud.Production].recorded())
	assert.Equal(t, "db-production.rds.example.com", p.Backups[cloud.Production].Endpoint)
}

func TestRollbackDatabase_NotDeployed(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	p := resolved(t, f, cloud.QA, DatabaseOptions{MigrationsChanged: true})
	require.NoError(t, f.steps.Run(ctx, StepBackup, p))

	for _, step := range []string{StepRollbackDatabase, StepPollRestore, StepCutover, StepUpdateDNS, StepDeleteOld, StepPollDeleted} {
		require.NoError(t, f.steps.Run(ctx, step, p), step)
	}
	assert.Equal(t, []string{"snapshot db-qa"}, f.clients.snapshots[cloud.QA].recorded())
}

func TestRollbackDatabase_Copy(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	p := resolved(t, f, cloud.QA, DatabaseOptions{MigrationsChanged: true, Mode: ModeCopy})
	require.NoError(t, f.steps.Run(ctx, StepBackup, p))
	require.NoError(t, f.steps.Run(ctx, StepDeployStack, p))

	require.NoError(t, f.steps.Run(ctx, StepRollbackDatabase, p))
	assert.Equal(t, []pgcopy.Copy{{Name: "app_qa", BackupName: "app_qa-backup", Token: "token-app_qa"}}, f.clients.copies[cloud.QA].rolledBack)
	// the snapshot states have nothing to do
	require.NoError(t, f.steps.Run(ctx, StepCutover, p))
	assert.Empty(t, f.clients.snapshots[cloud.QA].recorded())
}

func TestCleanup(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  *ErrorInfo
		want []notify.Status
	}{
		{"succeeded", nil, []notify.Status{notify.StatusSuccess}},
		{"failed", &ErrorInfo{Error: stack.KindStackFailed, Cause: "stack web-qa is UPDATE_FAILED"}, []notify.Status{notify.StatusError}},
		{"rejected", &ErrorInfo{Error: KindPullRequestRejected, Cause: "pull request #7 was declined"}, nil},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			p := &Payload{ExecutionID: "exec-1", Branch: "cicd/feature/x", Error: tc.err}

			require.NoError(t, f.steps.Run(context.Background(), StepCleanup, p))
			assert.Equal(t, []string{"cicd/feature/x"}, f.source.deleted)
			assert.Equal(t, tc.want, f.notifier.statuses())
		})
	}
}

func TestCleanup_BranchNotDeleted(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.source.deleteErr = errors.Wrap(pipeerr.Newf(pipeerr.External, pipeerr.KindExternalAPI, "503 Service Unavailable"), "deleting branch cicd/feature/x")
	p := &Payload{ExecutionID: "exec-1", Branch: "cicd/feature/x"}

	err := f.steps.Run(ctx, StepCleanup, p)
	assert.True(t, pipeerr.IsNotReady(err))
	assert.Equal(t, KindBranchNotDeleted, pipeerr.KindOf(err))
	assert.Empty(t, f.notifier.statuses())

	f.source.deleteErr = nil
	require.NoError(t, f.steps.Run(ctx, StepCleanup, p))
	assert.Equal(t, []notify.Status{notify.StatusSuccess}, f.notifier.statuses())
}
