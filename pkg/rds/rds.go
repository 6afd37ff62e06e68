// Package rds manages the snapshot and restore cycle of an RDS
// instance around a deployment: snapshot before, and on rollback
// restore the snapshot next to the live instance, swap identities,
// repoint DNS and delete the displaced instance.
package rds

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/rds"
	"github.com/aws/aws-sdk-go/service/rds/rdsiface"
	"github.com/aws/aws-sdk-go/service/route53/route53iface"
	"github.com/go-kit/kit/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	pipeerr "github.com/pipewright/pipewright/pkg/errors"
	"github.com/pipewright/pipewright/pkg/store"
)

const (
	KindSnapshotNotReady         = "SnapshotNotReadyError"
	KindSnapshotFailed           = "SnapshotFailedError"
	KindInstanceNotReady         = "DatabaseInstanceNotReadyError"
	KindInstanceFailed           = "DatabaseInstanceFailedError"
	KindInstanceNotDeleted       = "DatabaseInstanceNotDeleted"
	KindIdentifierConflict       = "DatabaseIdentifierConflict"
	KindRollbackInstanceNotFound = "RollbackInstanceNotFound"
)

// SnapshotTag names the tag Restore puts on a rollback instance,
// holding the snapshot it was restored from.
const SnapshotTag = "pipewright:restored-from"

const (
	statusAvailable = "available"
	statusFailed    = "failed"
)

// Phase is where one snapshot/restore cycle stands.
type Phase string

const (
	SnapshotPending  Phase = "SNAPSHOT_PENDING"
	SnapshotReady    Phase = "SNAPSHOT_READY"
	RestorePending   Phase = "RESTORE_PENDING"
	RestoreReady     Phase = "RESTORE_READY"
	CuttingOver      Phase = "CUTOVER"
	OldPendingDelete Phase = "OLD_PENDING_DELETE"
	Deleted          Phase = "DELETED"
)

// Cycle is the externalised state of one snapshot/restore cycle.
type Cycle struct {
	InstanceID string `json:"instanceId"`
	SnapshotID string `json:"snapshotId,omitempty"`
	Phase      Phase  `json:"phase,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`
}

type SnapshotRef struct {
	Identifier string `json:"identifier"`
	Status     string `json:"status"`
}

// InstanceRef carries the engine parameters that are cloned when a
// snapshot is restored.
type InstanceRef struct {
	Identifier              string
	ARN                     string
	Status                  string
	Endpoint                string
	InstanceClass           string
	Engine                  string
	StorageType             string
	SubnetGroup             string
	ParameterGroup          string
	SecurityGroupIDs        []string
	PubliclyAccessible      bool
	MultiAZ                 bool
	AutoMinorVersionUpgrade bool
}

func RollbackName(id string) string { return id + "-rollback" }
func OldName(id string) string      { return id + "-old" }

type Controller struct {
	rds     rdsiface.RDSAPI
	dns     route53iface.Route53API
	journal *store.Journal
	logger  log.Logger
	newID   func() string
}

// NewController records cutover progress in journal, which should be
// scoped to the account the instances live in.
func NewController(r rdsiface.RDSAPI, dns route53iface.Route53API, journal *store.Journal, logger log.Logger) *Controller {
	return &Controller{
		rds:     r,
		dns:     dns,
		journal: journal,
		logger:  logger,
		newID:   func() string { return uuid.New().String() },
	}
}

func hasCode(err error, code string) bool {
	aerr, ok := errors.Cause(err).(awserr.Error)
	return ok && aerr.Code() == code
}

func external(err error, format string, args ...interface{}) error {
	return pipeerr.New(pipeerr.External, pipeerr.KindExternalAPI, errors.Wrapf(err, format, args...))
}

// TakeSnapshot starts a manual snapshot and returns its identifier.
// Identifiers are never reused.
func (c *Controller) TakeSnapshot(ctx context.Context, instanceID string) (string, error) {
	snapshotID := fmt.Sprintf("snapshot-%s", c.newID())
	_, err := c.rds.CreateDBSnapshotWithContext(ctx, &rds.CreateDBSnapshotInput{
		DBInstanceIdentifier: aws.String(instanceID),
		DBSnapshotIdentifier: aws.String(snapshotID),
	})
	if hasCode(err, rds.ErrCodeDBInstanceNotFoundFault) {
		return "", pipeerr.New(pipeerr.Missing, pipeerr.KindNotFound, errors.Wrapf(err, "snapshotting %s", instanceID))
	}
	if err != nil {
		return "", external(err, "snapshotting %s", instanceID)
	}
	_ = c.logger.Log("instance", instanceID, "snapshot", snapshotID, "action", "snapshot")
	return snapshotID, nil
}

func (c *Controller) Snapshot(ctx context.Context, instanceID, snapshotID string) (SnapshotRef, error) {
	out, err := c.rds.DescribeDBSnapshotsWithContext(ctx, &rds.DescribeDBSnapshotsInput{
		DBInstanceIdentifier: aws.String(instanceID),
		DBSnapshotIdentifier: aws.String(snapshotID),
	})
	if hasCode(err, rds.ErrCodeDBSnapshotNotFoundFault) || (err == nil && len(out.DBSnapshots) == 0) {
		return SnapshotRef{}, pipeerr.Newf(pipeerr.Missing, pipeerr.KindNotFound, "snapshot %s of %s not found", snapshotID, instanceID)
	}
	if err != nil {
		return SnapshotRef{}, external(err, "describing snapshot %s", snapshotID)
	}
	return SnapshotRef{
		Identifier: snapshotID,
		Status:     aws.StringValue(out.DBSnapshots[0].Status),
	}, nil
}

// PollSnapshot is nil only once the snapshot is available.
func (c *Controller) PollSnapshot(ctx context.Context, instanceID, snapshotID string) error {
	ref, err := c.Snapshot(ctx, instanceID, snapshotID)
	if err != nil {
		return err
	}
	switch ref.Status {
	case statusAvailable:
		return nil
	case statusFailed:
		return pipeerr.Newf(pipeerr.Failed, KindSnapshotFailed, "snapshot %s failed", snapshotID)
	default:
		return pipeerr.Newf(pipeerr.NotReady, KindSnapshotNotReady, "snapshot %s is %s", snapshotID, ref.Status)
	}
}

// Instance describes identifier, returning ok=false if there is no such
// instance.
func (c *Controller) Instance(ctx context.Context, identifier string) (InstanceRef, bool, error) {
	out, err := c.rds.DescribeDBInstancesWithContext(ctx, &rds.DescribeDBInstancesInput{
		DBInstanceIdentifier: aws.String(identifier),
	})
	if hasCode(err, rds.ErrCodeDBInstanceNotFoundFault) {
		return InstanceRef{}, false, nil
	}
	if err != nil {
		return InstanceRef{}, false, external(err, "describing instance %s", identifier)
	}
	if len(out.DBInstances) == 0 {
		return InstanceRef{}, false, nil
	}
	return toRef(out.DBInstances[0]), true, nil
}

func toRef(db *rds.DBInstance) InstanceRef {
	ref := InstanceRef{
		Identifier:              aws.StringValue(db.DBInstanceIdentifier),
		ARN:                     aws.StringValue(db.DBInstanceArn),
		Status:                  aws.StringValue(db.DBInstanceStatus),
		InstanceClass:           aws.StringValue(db.DBInstanceClass),
		Engine:                  aws.StringValue(db.Engine),
		StorageType:             aws.StringValue(db.StorageType),
		PubliclyAccessible:      aws.BoolValue(db.PubliclyAccessible),
		MultiAZ:                 aws.BoolValue(db.MultiAZ),
		AutoMinorVersionUpgrade: aws.BoolValue(db.AutoMinorVersionUpgrade),
	}
	if db.Endpoint != nil {
		ref.Endpoint = aws.StringValue(db.Endpoint.Address)
	}
	if db.DBSubnetGroup != nil {
		ref.SubnetGroup = aws.StringValue(db.DBSubnetGroup.DBSubnetGroupName)
	}
	if len(db.DBParameterGroups) > 0 {
		ref.ParameterGroup = aws.StringValue(db.DBParameterGroups[0].DBParameterGroupName)
	}
	for _, g := range db.VpcSecurityGroups {
		ref.SecurityGroupIDs = append(ref.SecurityGroupIDs, aws.StringValue(g.VpcSecurityGroupId))
	}
	return ref
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}

// restoredFrom reads the snapshot an instance was restored from off
// its tags. Instances Restore did not create carry none.
func (c *Controller) restoredFrom(ctx context.Context, ref InstanceRef) (string, error) {
	if ref.ARN == "" {
		return "", nil
	}
	out, err := c.rds.ListTagsForResourceWithContext(ctx, &rds.ListTagsForResourceInput{
		ResourceName: aws.String(ref.ARN),
	})
	if err != nil {
		return "", external(err, "listing tags of %s", ref.Identifier)
	}
	for _, tag := range out.TagList {
		if aws.StringValue(tag.Key) == SnapshotTag {
			return aws.StringValue(tag.Value), nil
		}
	}
	return "", nil
}

// Restore creates <instanceID>-rollback from snapshotID with the shape
// of the current instance, tagged with snapshotID. A rollback instance
// left by an earlier attempt at the same restore is reused; one
// restored from anything else is a conflict.
func (c *Controller) Restore(ctx context.Context, instanceID, snapshotID string) error {
	current, ok, err := c.Instance(ctx, instanceID)
	if err != nil {
		return err
	}
	if !ok {
		return pipeerr.Newf(pipeerr.Missing, pipeerr.KindNotFound, "instance %s not found", instanceID)
	}

	in := &rds.RestoreDBInstanceFromDBSnapshotInput{
		DBInstanceIdentifier:    aws.String(RollbackName(instanceID)),
		DBSnapshotIdentifier:    aws.String(snapshotID),
		DBInstanceClass:         optional(current.InstanceClass),
		Engine:                  optional(current.Engine),
		StorageType:             optional(current.StorageType),
		DBSubnetGroupName:       optional(current.SubnetGroup),
		DBParameterGroupName:    optional(current.ParameterGroup),
		PubliclyAccessible:      aws.Bool(current.PubliclyAccessible),
		MultiAZ:                 aws.Bool(current.MultiAZ),
		AutoMinorVersionUpgrade: aws.Bool(current.AutoMinorVersionUpgrade),
		Tags: []*rds.Tag{{
			Key:   aws.String(SnapshotTag),
			Value: aws.String(snapshotID),
		}},
	}
	// The API rejects an empty list, so leave it unset instead.
	if len(current.SecurityGroupIDs) > 0 {
		in.VpcSecurityGroupIds = aws.StringSlice(current.SecurityGroupIDs)
	}

	_, err = c.rds.RestoreDBInstanceFromDBSnapshotWithContext(ctx, in)
	if hasCode(err, rds.ErrCodeDBInstanceAlreadyExistsFault) {
		return c.reuse(ctx, RollbackName(instanceID), snapshotID)
	}
	if err != nil {
		return external(err, "restoring %s from %s", RollbackName(instanceID), snapshotID)
	}
	_ = c.logger.Log("instance", RollbackName(instanceID), "snapshot", snapshotID, "action", "restore")
	return nil
}

func (c *Controller) reuse(ctx context.Context, rollbackID, snapshotID string) error {
	existing, ok, err := c.Instance(ctx, rollbackID)
	if err != nil {
		return err
	}
	if !ok {
		return pipeerr.Newf(pipeerr.NotReady, KindInstanceNotReady, "instance %s is changing identifier", rollbackID)
	}
	from, err := c.restoredFrom(ctx, existing)
	if err != nil {
		return err
	}
	if from != snapshotID {
		return pipeerr.Newf(pipeerr.Failed, KindIdentifierConflict,
			"%s already exists and was not restored from %s (restored from %q)", rollbackID, snapshotID, from)
	}
	_ = c.logger.Log("instance", rollbackID, "snapshot", snapshotID, "info", "rollback instance already exists, reusing it")
	return nil
}

// PollInstance returns the endpoint of identifier once it is available.
// An instance that is missing is reported as not ready, since renames
// make identifiers disappear for a while.
func (c *Controller) PollInstance(ctx context.Context, identifier string) (string, error) {
	ref, ok, err := c.Instance(ctx, identifier)
	if err != nil {
		return "", err
	}
	switch {
	case !ok:
		return "", pipeerr.Newf(pipeerr.NotReady, KindInstanceNotReady, "instance %s not found yet", identifier)
	case ref.Status == statusFailed:
		return "", pipeerr.Newf(pipeerr.Failed, KindInstanceFailed, "instance %s failed", identifier)
	case ref.Status != statusAvailable:
		return "", pipeerr.Newf(pipeerr.NotReady, KindInstanceNotReady, "instance %s is %s", identifier, ref.Status)
	}
	return ref.Endpoint, nil
}

func (c *Controller) rename(ctx context.Context, from, to string) error {
	_, err := c.rds.ModifyDBInstanceWithContext(ctx, &rds.ModifyDBInstanceInput{
		DBInstanceIdentifier:    aws.String(from),
		NewDBInstanceIdentifier: aws.String(to),
		ApplyImmediately:        aws.Bool(true),
	})
	if err != nil {
		return external(err, "renaming %s to %s", from, to)
	}
	_ = c.logger.Log("instance", from, "renamed", to)
	return nil
}

// DeleteOldInstance deletes <instanceID>-old without a final snapshot.
func (c *Controller) DeleteOldInstance(ctx context.Context, instanceID string) error {
	_, err := c.rds.DeleteDBInstanceWithContext(ctx, &rds.DeleteDBInstanceInput{
		DBInstanceIdentifier:   aws.String(OldName(instanceID)),
		SkipFinalSnapshot:      aws.Bool(true),
		DeleteAutomatedBackups: aws.Bool(true),
	})
	switch {
	case err == nil:
		_ = c.logger.Log("instance", OldName(instanceID), "action", "delete")
		return nil
	case hasCode(err, rds.ErrCodeDBInstanceNotFoundFault):
		return nil
	case hasCode(err, rds.ErrCodeInvalidDBInstanceStateFault):
		// already being deleted
		return nil
	}
	return external(err, "deleting %s", OldName(instanceID))
}

// PollDeleted is nil once <instanceID>-old no longer exists.
func (c *Controller) PollDeleted(ctx context.Context, instanceID string) error {
	ref, ok, err := c.Instance(ctx, OldName(instanceID))
	if err != nil {
		return err
	}
	if ok {
		return pipeerr.Newf(pipeerr.NotReady, KindInstanceNotDeleted, "instance %s is %s", ref.Identifier, ref.Status)
	}
	return nil
}

func (c *Controller) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	_, err := c.rds.DeleteDBSnapshotWithContext(ctx, &rds.DeleteDBSnapshotInput{
		DBSnapshotIdentifier: aws.String(snapshotID),
	})
	if err == nil || hasCode(err, rds.ErrCodeDBSnapshotNotFoundFault) {
		return nil
	}
	return external(err, "deleting snapshot %s", snapshotID)
}
