package rds

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/rds"
	"github.com/aws/aws-sdk-go/service/rds/rdsiface"
	"github.com/aws/aws-sdk-go/service/route53"
	"github.com/aws/aws-sdk-go/service/route53/route53iface"
	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pipeerr "github.com/pipewright/pipewright/pkg/errors"
	"github.com/pipewright/pipewright/pkg/store"
)

// fakeRDS keeps instances keyed by identifier. Renames take effect
// immediately and leave the instance in "renaming" until settle is
// called, which is enough to exercise the not-ready paths.
type fakeRDS struct {
	rdsiface.RDSAPI

	mu        sync.Mutex
	instances map[string]*rds.DBInstance
	snapshots map[string]string
	tags      map[string][]*rds.Tag
	restored  *rds.RestoreDBInstanceFromDBSnapshotInput
	deleted   *rds.DeleteDBInstanceInput
	renames   [][2]string
}

func newFakeRDS() *fakeRDS {
	return &fakeRDS{
		instances: map[string]*rds.DBInstance{},
		snapshots: map[string]string{},
		tags:      map[string][]*rds.Tag{},
	}
}

func arnOf(id string) string {
	return "arn:aws:rds:us-east-1:111111111111:db:" + id
}

// restoredFrom marks id the way Restore tags its instances.
func (f *fakeRDS) restoredFrom(id, snapshotID string) {
	f.tags[id] = []*rds.Tag{{Key: aws.String(SnapshotTag), Value: aws.String(snapshotID)}}
}

func (f *fakeRDS) add(id, status, endpoint string) *rds.DBInstance {
	db := &rds.DBInstance{
		DBInstanceIdentifier: aws.String(id),
		DBInstanceArn:        aws.String(arnOf(id)),
		DBInstanceStatus:     aws.String(status),
		Endpoint:             &rds.Endpoint{Address: aws.String(endpoint)},
	}
	f.instances[id] = db
	return db
}

func (f *fakeRDS) settle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, db := range f.instances {
		db.DBInstanceStatus = aws.String("available")
	}
}

func notFound(code string) error {
	return awserr.New(code, "not found", nil)
}

func (f *fakeRDS) DescribeDBInstancesWithContext(ctx aws.Context, in *rds.DescribeDBInstancesInput, _ ...request.Option) (*rds.DescribeDBInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	db, ok := f.instances[*in.DBInstanceIdentifier]
	if !ok {
		return nil, notFound(rds.ErrCodeDBInstanceNotFoundFault)
	}
	return &rds.DescribeDBInstancesOutput{DBInstances: []*rds.DBInstance{db}}, nil
}

func (f *fakeRDS) ModifyDBInstanceWithContext(ctx aws.Context, in *rds.ModifyDBInstanceInput, _ ...request.Option) (*rds.ModifyDBInstanceOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	from, to := *in.DBInstanceIdentifier, *in.NewDBInstanceIdentifier
	db, ok := f.instances[from]
	if !ok {
		return nil, notFound(rds.ErrCodeDBInstanceNotFoundFault)
	}
	if _, taken := f.instances[to]; taken {
		return nil, awserr.New(rds.ErrCodeDBInstanceAlreadyExistsFault, "exists", nil)
	}
	delete(f.instances, from)
	f.tags[to] = f.tags[from]
	delete(f.tags, from)
	db.DBInstanceIdentifier = aws.String(to)
	db.DBInstanceArn = aws.String(arnOf(to))
	db.DBInstanceStatus = aws.String("renaming")
	f.instances[to] = db
	f.renames = append(f.renames, [2]string{from, to})
	return &rds.ModifyDBInstanceOutput{DBInstance: db}, nil
}

func (f *fakeRDS) CreateDBSnapshotWithContext(ctx aws.Context, in *rds.CreateDBSnapshotInput, _ ...request.Option) (*rds.CreateDBSnapshotOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.instances[*in.DBInstanceIdentifier]; !ok {
		return nil, notFound(rds.ErrCodeDBInstanceNotFoundFault)
	}
	f.snapshots[*in.DBSnapshotIdentifier] = "creating"
	return &rds.CreateDBSnapshotOutput{}, nil
}

func (f *fakeRDS) DescribeDBSnapshotsWithContext(ctx aws.Context, in *rds.DescribeDBSnapshotsInput, _ ...request.Option) (*rds.DescribeDBSnapshotsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.snapshots[*in.DBSnapshotIdentifier]
	if !ok {
		return nil, notFound(rds.ErrCodeDBSnapshotNotFoundFault)
	}
	return &rds.DescribeDBSnapshotsOutput{DBSnapshots: []*rds.DBSnapshot{{
		DBSnapshotIdentifier: in.DBSnapshotIdentifier,
		Status:               aws.String(status),
	}}}, nil
}

func (f *fakeRDS) DeleteDBSnapshotWithContext(ctx aws.Context, in *rds.DeleteDBSnapshotInput, _ ...request.Option) (*rds.DeleteDBSnapshotOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.snapshots[*in.DBSnapshotIdentifier]; !ok {
		return nil, notFound(rds.ErrCodeDBSnapshotNotFoundFault)
	}
	delete(f.snapshots, *in.DBSnapshotIdentifier)
	return &rds.DeleteDBSnapshotOutput{}, nil
}

func (f *fakeRDS) RestoreDBInstanceFromDBSnapshotWithContext(ctx aws.Context, in *rds.RestoreDBInstanceFromDBSnapshotInput, _ ...request.Option) (*rds.RestoreDBInstanceFromDBSnapshotOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.instances[*in.DBInstanceIdentifier]; ok {
		return nil, awserr.New(rds.ErrCodeDBInstanceAlreadyExistsFault, "exists", nil)
	}
	f.restored = in
	f.tags[*in.DBInstanceIdentifier] = in.Tags
	f.instances[*in.DBInstanceIdentifier] = &rds.DBInstance{
		DBInstanceIdentifier: in.DBInstanceIdentifier,
		DBInstanceArn:        aws.String(arnOf(*in.DBInstanceIdentifier)),
		DBInstanceStatus:     aws.String("creating"),
		Endpoint:             &rds.Endpoint{Address: aws.String(*in.DBInstanceIdentifier + ".rds.example.com")},
	}
	return &rds.RestoreDBInstanceFromDBSnapshotOutput{}, nil
}

func (f *fakeRDS) ListTagsForResourceWithContext(ctx aws.Context, in *rds.ListTagsForResourceInput, _ ...request.Option) (*rds.ListTagsForResourceOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, db := range f.instances {
		if aws.StringValue(db.DBInstanceArn) == *in.ResourceName {
			return &rds.ListTagsForResourceOutput{TagList: f.tags[id]}, nil
		}
	}
	return nil, notFound(rds.ErrCodeDBInstanceNotFoundFault)
}

func (f *fakeRDS) DeleteDBInstanceWithContext(ctx aws.Context, in *rds.DeleteDBInstanceInput, _ ...request.Option) (*rds.DeleteDBInstanceOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	db, ok := f.instances[*in.DBInstanceIdentifier]
	if !ok {
		return nil, notFound(rds.ErrCodeDBInstanceNotFoundFault)
	}
	f.deleted = in
	db.DBInstanceStatus = aws.String("deleting")
	return &rds.DeleteDBInstanceOutput{}, nil
}

type fakeRoute53 struct {
	route53iface.Route53API
	changes []*route53.ChangeResourceRecordSetsInput
}

func (f *fakeRoute53) ChangeResourceRecordSetsWithContext(ctx aws.Context, in *route53.ChangeResourceRecordSetsInput, _ ...request.Option) (*route53.ChangeResourceRecordSetsOutput, error) {
	f.changes = append(f.changes, in)
	return &route53.ChangeResourceRecordSetsOutput{}, nil
}

func newTestController(f *fakeRDS, dns *fakeRoute53) *Controller {
	c, _ := newJournalledController(f, dns)
	return c
}

func newJournalledController(f *fakeRDS, dns *fakeRoute53) (*Controller, *store.Memory) {
	s := store.NewMemory()
	return NewController(f, dns, store.NewJournal(s, "rds-cutover/qa"), log.NewLogfmtLogger(os.Stderr)), s
}

func TestSnapshotCycle(t *testing.T) {
	ctx := context.Background()
	f := newFakeRDS()
	f.add("app", "available", "app.rds.example.com")
	c := newTestController(f, &fakeRoute53{})

	id1, err := c.TakeSnapshot(ctx, "app")
	require.NoError(t, err)
	id2, err := c.TakeSnapshot(ctx, "app")
	require.NoError(t, err)
	assert.Regexp(t, `^snapshot-[0-9a-f-]{36}$`, id1)
	assert.NotEqual(t, id1, id2)

	err = c.PollSnapshot(ctx, "app", id1)
	assert.True(t, pipeerr.IsNotReady(err))
	assert.Equal(t, KindSnapshotNotReady, pipeerr.KindOf(err))

	f.snapshots[id1] = "available"
	assert.NoError(t, c.PollSnapshot(ctx, "app", id1))

	f.snapshots[id2] = "failed"
	assert.True(t, pipeerr.IsFailed(c.PollSnapshot(ctx, "app", id2)))

	_, err = c.TakeSnapshot(ctx, "nope")
	assert.True(t, pipeerr.IsMissing(err))

	require.NoError(t, c.DeleteSnapshot(ctx, id1))
	require.NoError(t, c.DeleteSnapshot(ctx, id1))
}

func TestRestore_ClonesShape(t *testing.T) {
	ctx := context.Background()
	f := newFakeRDS()
	db := f.add("app", "available", "app.rds.example.com")
	db.DBInstanceClass = aws.String("db.t3.medium")
	db.Engine = aws.String("postgres")
	db.StorageType = aws.String("gp2")
	db.MultiAZ = aws.Bool(true)
	db.DBSubnetGroup = &rds.DBSubnetGroup{DBSubnetGroupName: aws.String("private")}
	db.DBParameterGroups = []*rds.DBParameterGroupStatus{{DBParameterGroupName: aws.String("pg12")}}
	c := newTestController(f, &fakeRoute53{})

	require.NoError(t, c.Restore(ctx, "app", "snapshot-1"))
	in := f.restored
	require.NotNil(t, in)
	assert.Equal(t, "app-rollback", aws.StringValue(in.DBInstanceIdentifier))
	assert.Equal(t, "snapshot-1", aws.StringValue(in.DBSnapshotIdentifier))
	assert.Equal(t, "db.t3.medium", aws.StringValue(in.DBInstanceClass))
	assert.Equal(t, "postgres", aws.StringValue(in.Engine))
	assert.Equal(t, "private", aws.StringValue(in.DBSubnetGroupName))
	assert.Equal(t, "pg12", aws.StringValue(in.DBParameterGroupName))
	assert.True(t, aws.BoolValue(in.MultiAZ))
	assert.Nil(t, in.VpcSecurityGroupIds, "empty security groups must be left unset")
	require.Len(t, in.Tags, 1)
	assert.Equal(t, SnapshotTag, aws.StringValue(in.Tags[0].Key))
	assert.Equal(t, "snapshot-1", aws.StringValue(in.Tags[0].Value))

	// a second attempt reuses the instance
	require.NoError(t, c.Restore(ctx, "app", "snapshot-1"))

	_, err := c.PollInstance(ctx, "app-rollback")
	assert.True(t, pipeerr.IsNotReady(err))
	f.settle()
	endpoint, err := c.PollInstance(ctx, "app-rollback")
	require.NoError(t, err)
	assert.Equal(t, "app-rollback.rds.example.com", endpoint)

	f.instances["app-rollback"].DBInstanceStatus = aws.String("failed")
	_, err = c.PollInstance(ctx, "app-rollback")
	assert.True(t, pipeerr.IsFailed(err))
}

// driveCutover calls Cutover until it converges, settling renames in
// between the way RDS eventually would.
func driveCutover(t *testing.T, c *Controller, f *fakeRDS, id, snapshotID string) {
	for i := 0; i < 10; i++ {
		err := c.Cutover(context.Background(), id, snapshotID)
		if err == nil {
			return
		}
		require.True(t, pipeerr.IsNotReady(err), "unexpected error: %v", err)
		f.settle()
	}
	t.Fatal("cutover did not converge")
}

func TestCutover(t *testing.T) {
	f := newFakeRDS()
	f.add("app", "available", "former.rds.example.com")
	f.add("app-rollback", "available", "restored.rds.example.com")
	f.restoredFrom("app-rollback", "snapshot-1")
	c := newTestController(f, &fakeRoute53{})

	driveCutover(t, c, f, "app", "snapshot-1")

	require.Len(t, f.instances, 2)
	assert.Equal(t, "restored.rds.example.com", aws.StringValue(f.instances["app"].Endpoint.Address))
	assert.Equal(t, "former.rds.example.com", aws.StringValue(f.instances["app-old"].Endpoint.Address))
	assert.Equal(t, [][2]string{{"app", "app-old"}, {"app-rollback", "app"}}, f.renames)

	// replaying a finished swap changes nothing
	require.NoError(t, c.Cutover(context.Background(), "app", "snapshot-1"))
	assert.Len(t, f.renames, 2)
}

func TestCutover_ResumesAfterUnrecordedRename(t *testing.T) {
	f := newFakeRDS()
	// the first rename happened but the journal never heard of it
	f.add("app-old", "available", "former.rds.example.com")
	f.add("app-rollback", "available", "restored.rds.example.com")
	f.restoredFrom("app-rollback", "snapshot-1")
	c := newTestController(f, &fakeRoute53{})

	driveCutover(t, c, f, "app", "snapshot-1")
	assert.Equal(t, [][2]string{{"app-rollback", "app"}}, f.renames)
	assert.Equal(t, "restored.rds.example.com", aws.StringValue(f.instances["app"].Endpoint.Address))
}

func TestCutover_Conflicts(t *testing.T) {
	f := newFakeRDS()
	f.add("app", "available", "a")
	f.add("app-old", "available", "b")
	f.add("app-rollback", "available", "c")
	f.restoredFrom("app-rollback", "snapshot-1")
	c := newTestController(f, &fakeRoute53{})

	err := c.Cutover(context.Background(), "app", "snapshot-1")
	assert.True(t, pipeerr.IsFailed(err))
	assert.Equal(t, KindIdentifierConflict, pipeerr.KindOf(err))
	assert.Empty(t, f.renames)

	f = newFakeRDS()
	f.add("app", "available", "a")
	c = newTestController(f, &fakeRoute53{})
	err = c.Cutover(context.Background(), "app", "snapshot-1")
	assert.Equal(t, KindRollbackInstanceNotFound, pipeerr.KindOf(err))
}

func TestCutover_RollbackInstanceFromAnotherSnapshot(t *testing.T) {
	f := newFakeRDS()
	f.add("app", "available", "post-deploy.rds.example.com")
	f.add("app-rollback", "available", "restored-from-last-month.rds.example.com")
	f.restoredFrom("app-rollback", "snapshot-0")
	c := newTestController(f, &fakeRoute53{})

	err := c.Cutover(context.Background(), "app", "snapshot-1")
	assert.True(t, pipeerr.IsFailed(err))
	assert.Equal(t, KindIdentifierConflict, pipeerr.KindOf(err))
	assert.Empty(t, f.renames)
}

func seedRecord(t *testing.T, s store.Store, kind, key string, step int) {
	j := store.NewJournal(s, kind)
	rec, err := j.Load(context.Background(), key)
	require.NoError(t, err)
	require.NoError(t, j.Advance(context.Background(), &rec, step))
}

func TestCutover_RecordContradictedByInstances(t *testing.T) {
	for name, step := range map[string]int{
		"rollback renamed": stepRollbackRenamed,
		"base renamed":     stepBaseRenamed,
	} {
		t.Run(name, func(t *testing.T) {
			f := newFakeRDS()
			f.add("app", "available", "post-deploy.rds.example.com")
			f.add("app-rollback", "available", "restored.rds.example.com")
			f.restoredFrom("app-rollback", "snapshot-1")
			c, s := newJournalledController(f, &fakeRoute53{})
			seedRecord(t, s, "rds-cutover/qa", "app/snapshot-1", step)

			driveCutover(t, c, f, "app", "snapshot-1")

			assert.Equal(t, [][2]string{{"app", "app-old"}, {"app-rollback", "app"}}, f.renames)
			assert.Equal(t, "restored.rds.example.com", aws.StringValue(f.instances["app"].Endpoint.Address))
			assert.NotContains(t, f.instances, "app-rollback")
			keys, err := s.List(context.Background(), "swap/")
			require.NoError(t, err)
			assert.Empty(t, keys)
		})
	}
}

func TestCutover_IgnoresRecordsOfOtherRestores(t *testing.T) {
	f := newFakeRDS()
	f.add("app", "available", "post-deploy.rds.example.com")
	f.add("app-rollback", "available", "restored.rds.example.com")
	f.restoredFrom("app-rollback", "snapshot-1")
	c, s := newJournalledController(f, &fakeRoute53{})
	// an earlier execution and the other environment left records behind
	seedRecord(t, s, "rds-cutover/qa", "app/snapshot-0", stepRollbackRenamed)
	seedRecord(t, s, "rds-cutover/production", "app/snapshot-1", stepRollbackRenamed)

	err := c.Cutover(context.Background(), "app", "snapshot-1")
	assert.True(t, pipeerr.IsNotReady(err))
	assert.Equal(t, [][2]string{{"app", "app-old"}}, f.renames)
}

func TestRestore_ExistingRollbackInstance(t *testing.T) {
	ctx := context.Background()
	f := newFakeRDS()
	f.add("app", "available", "post-deploy.rds.example.com")
	f.add("app-rollback", "available", "restored-from-last-month.rds.example.com")
	c := newTestController(f, &fakeRoute53{})

	// untagged, so not made by Restore
	err := c.Restore(ctx, "app", "snapshot-1")
	assert.True(t, pipeerr.IsFailed(err))
	assert.Equal(t, KindIdentifierConflict, pipeerr.KindOf(err))

	f.restoredFrom("app-rollback", "snapshot-0")
	err = c.Restore(ctx, "app", "snapshot-1")
	assert.Equal(t, KindIdentifierConflict, pipeerr.KindOf(err))
	assert.Nil(t, f.restored)

	f.restoredFrom("app-rollback", "snapshot-1")
	assert.NoError(t, c.Restore(ctx, "app", "snapshot-1"))
}

func TestUpdateCNAME(t *testing.T) {
	dns := &fakeRoute53{}
	c := newTestController(newFakeRDS(), dns)
	require.NoError(t, c.UpdateCNAME(context.Background(), "Z123", "db.example.com", "app.rds.example.com"))

	require.Len(t, dns.changes, 1)
	in := dns.changes[0]
	assert.Equal(t, "Z123", aws.StringValue(in.HostedZoneId))
	change := in.ChangeBatch.Changes[0]
	assert.Equal(t, "UPSERT", aws.StringValue(change.Action))
	assert.Equal(t, "CNAME", aws.StringValue(change.ResourceRecordSet.Type))
	assert.Equal(t, int64(300), aws.Int64Value(change.ResourceRecordSet.TTL))
	assert.Equal(t, "app.rds.example.com", aws.StringValue(change.ResourceRecordSet.ResourceRecords[0].Value))
}

func TestDeleteOld(t *testing.T) {
	ctx := context.Background()
	f := newFakeRDS()
	f.add("app-old", "available", "x")
	c := newTestController(f, &fakeRoute53{})

	require.NoError(t, c.DeleteOldInstance(ctx, "app"))
	assert.True(t, aws.BoolValue(f.deleted.SkipFinalSnapshot))
	assert.True(t, aws.BoolValue(f.deleted.DeleteAutomatedBackups))

	err := c.PollDeleted(ctx, "app")
	assert.True(t, pipeerr.IsNotReady(err))
	assert.Equal(t, KindInstanceNotDeleted, pipeerr.KindOf(err))

	delete(f.instances, "app-old")
	assert.NoError(t, c.PollDeleted(ctx, "app"))
	assert.NoError(t, c.DeleteOldInstance(ctx, "app"))
}
