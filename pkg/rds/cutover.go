package rds

import (
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/route53"

	pipeerr "github.com/pipewright/pipewright/pkg/errors"
)

const cnameTTL = 300

// Steps of the identity swap, as recorded in the journal.
const (
	stepStart = iota
	stepBaseRenamed
	stepRollbackRenamed
)

// Cutover swaps identities so that the instance restored from
// snapshotID takes the base identifier: base becomes <id>-old, then
// <id>-rollback becomes base. It never waits; it returns NotReady until
// the swap has converged, and may be called again after a crash at any
// point. The second rename is only issued once nothing holds the base
// identifier, so at most one instance carries it at any time.
//
// Progress is journalled per restore. A record that the instances
// contradict is dropped and the swap starts over from what is
// observed; an instance that was not restored from snapshotID is never
// renamed into place.
func (c *Controller) Cutover(ctx context.Context, instanceID, snapshotID string) error {
	key := instanceID + "/" + snapshotID
	rec, err := c.journal.Load(ctx, key)
	if err != nil {
		return err
	}
	oldID, rollbackID := OldName(instanceID), RollbackName(instanceID)

	base, hasBase, err := c.Instance(ctx, instanceID)
	if err != nil {
		return err
	}
	old, hasOld, err := c.Instance(ctx, oldID)
	if err != nil {
		return err
	}
	rollback, hasRollback, err := c.Instance(ctx, rollbackID)
	if err != nil {
		return err
	}
	baseRestored, err := c.isRestoredFrom(ctx, base, hasBase, snapshotID)
	if err != nil {
		return err
	}
	rollbackRestored, err := c.isRestoredFrom(ctx, rollback, hasRollback, snapshotID)
	if err != nil {
		return err
	}

	notReady := func(format string, args ...interface{}) error {
		return pipeerr.Newf(pipeerr.NotReady, KindInstanceNotReady, format, args...)
	}
	notFound := func() error {
		return pipeerr.Newf(pipeerr.Failed, KindRollbackInstanceNotFound, "rollback instance %s not found", rollbackID)
	}
	foreign := func() error {
		return pipeerr.Newf(pipeerr.Failed, KindIdentifierConflict,
			"instance %s was not restored from %s", rollbackID, snapshotID)
	}
	startOver := func() error {
		_ = c.logger.Log("instance", instanceID, "snapshot", snapshotID, "step", rec.Step,
			"info", "swap record does not match the instances, starting over")
		if err := c.journal.Clear(ctx, key); err != nil {
			return err
		}
		return c.Cutover(ctx, instanceID, snapshotID)
	}

	switch rec.Step {
	case stepStart:
		switch {
		case hasBase && hasOld && !hasRollback && baseRestored:
			// a swap that finished before its result was recorded
			return nil
		case hasBase && hasOld:
			return pipeerr.Newf(pipeerr.Failed, KindIdentifierConflict,
				"cannot move %s aside: %s already exists (%s)", instanceID, oldID, old.Status)
		case !hasRollback:
			return notFound()
		case !rollbackRestored:
			return foreign()
		case rollback.Status != statusAvailable:
			return notReady("instance %s is %s", rollbackID, rollback.Status)
		case !hasBase && hasOld:
			// renamed by an earlier attempt that did not get to record it
		case !hasBase:
			return pipeerr.Newf(pipeerr.Failed, pipeerr.KindNotFound, "instance %s not found", instanceID)
		case base.Status != statusAvailable:
			return notReady("instance %s is %s", instanceID, base.Status)
		default:
			if err := c.rename(ctx, instanceID, oldID); err != nil {
				return err
			}
		}
		if err := c.journal.Advance(ctx, &rec, stepBaseRenamed); err != nil {
			return err
		}
		return notReady("renaming %s to %s", instanceID, oldID)

	case stepBaseRenamed:
		switch {
		case hasBase && !hasRollback && baseRestored:
			// renamed by an earlier attempt that did not get to record it
		case hasBase && !hasRollback:
			return notFound()
		case hasBase && !hasOld && base.Status == statusAvailable:
			// base was never moved aside
			return startOver()
		case hasBase:
			return notReady("waiting for %s to release its identifier", instanceID)
		case !hasRollback:
			return notFound()
		case !rollbackRestored:
			return foreign()
		case rollback.Status != statusAvailable:
			return notReady("instance %s is %s", rollbackID, rollback.Status)
		default:
			if err := c.rename(ctx, rollbackID, instanceID); err != nil {
				return err
			}
		}
		if err := c.journal.Advance(ctx, &rec, stepRollbackRenamed); err != nil {
			return err
		}
		return notReady("renaming %s to %s", rollbackID, instanceID)

	default:
		switch {
		case !hasBase:
			return notReady("waiting for %s to take the identifier %s", rollbackID, instanceID)
		case !baseRestored:
			return startOver()
		case base.Status != statusAvailable:
			return notReady("instance %s is %s", instanceID, base.Status)
		}
		_ = c.logger.Log("instance", instanceID, "action", "cutover", "snapshot", snapshotID, "old", oldID, "old_present", hasOld)
		return c.journal.Clear(ctx, key)
	}
}

func (c *Controller) isRestoredFrom(ctx context.Context, ref InstanceRef, present bool, snapshotID string) (bool, error) {
	if !present {
		return false, nil
	}
	from, err := c.restoredFrom(ctx, ref)
	return from == snapshotID, err
}

// UpdateCNAME points domain at endpoint.
func (c *Controller) UpdateCNAME(ctx context.Context, hostedZoneID, domain, endpoint string) error {
	_, err := c.dns.ChangeResourceRecordSetsWithContext(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(hostedZoneID),
		ChangeBatch: &route53.ChangeBatch{
			Changes: []*route53.Change{{
				Action: aws.String(route53.ChangeActionUpsert),
				ResourceRecordSet: &route53.ResourceRecordSet{
					Name: aws.String(domain),
					Type: aws.String(route53.RRTypeCname),
					TTL:  aws.Int64(cnameTTL),
					ResourceRecords: []*route53.ResourceRecord{{
						Value: aws.String(endpoint),
					}},
				},
			}},
		},
	})
	if err != nil {
		return external(err, "pointing %s at %s", domain, endpoint)
	}
	_ = c.logger.Log("domain", domain, "endpoint", endpoint, "action", "upsert-cname")
	return nil
}
