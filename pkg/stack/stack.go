// Package stack drives CloudFormation stacks through create, update
// and status polling. Polling never blocks: callers ask again later.
package stack

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/cloudformation"
	"github.com/aws/aws-sdk-go/service/cloudformation/cloudformationiface"
	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	pipeerr "github.com/pipewright/pipewright/pkg/errors"
)

const (
	KindStackDoesNotExist = "StackDoesNotExistError"
	KindStackNotReady     = "StackStillNotReady"
	KindStackCreate       = "StackCreateError"
	KindStackFailed       = "StackFailedError"
)

const noUpdatesMessage = "No updates are to be performed"

var capabilities = aws.StringSlice([]string{
	cloudformation.CapabilityCapabilityIam,
	cloudformation.CapabilityCapabilityNamedIam,
	cloudformation.CapabilityCapabilityAutoExpand,
})

type Phase string

const (
	DoesNotExist Phase = "does_not_exist"
	InProgress   Phase = "in_progress"
	Complete     Phase = "complete"
	Failed       Phase = "failed"
)

type Status struct {
	Phase Phase  `json:"phase"`
	Raw   string `json:"raw,omitempty"`
	// Reason is set for failed stacks
	Reason string `json:"reason,omitempty"`
}

// Classify maps a raw CloudFormation stack status onto a Phase. Only
// CREATE_COMPLETE and UPDATE_COMPLETE count as complete; every other
// settled state, including the ROLLBACK_COMPLETE family, is a failure.
func Classify(raw string) Status {
	switch {
	case raw == cloudformation.StackStatusCreateComplete, raw == cloudformation.StackStatusUpdateComplete:
		return Status{Phase: Complete, Raw: raw}
	case strings.HasSuffix(raw, "_IN_PROGRESS"):
		return Status{Phase: InProgress, Raw: raw}
	default:
		return Status{Phase: Failed, Raw: raw, Reason: raw}
	}
}

// RolledBack reports whether CloudFormation undid a failed update by
// itself, leaving the stack on its previous template.
func (s Status) RolledBack() bool {
	return s.Raw == cloudformation.StackStatusUpdateRollbackComplete
}

type Parameter struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type CreateInput struct {
	StackName    string
	RoleARN      string
	TemplateURL  string
	TemplateBody string
	Parameters   []Parameter
}

type UpdateInput struct {
	StackName    string
	RoleARN      string
	TemplateURL  string
	TemplateBody string
	Parameters   []Parameter
}

type Controller struct {
	cf     cloudformationiface.CloudFormationAPI
	logger log.Logger
}

func NewController(cf cloudformationiface.CloudFormationAPI, logger log.Logger) *Controller {
	return &Controller{cf: cf, logger: logger}
}

func isDoesNotExist(err error) bool {
	aerr, ok := errors.Cause(err).(awserr.Error)
	return ok && aerr.Code() == "ValidationError" && strings.Contains(aerr.Message(), "does not exist")
}

func isNoUpdates(err error) bool {
	aerr, ok := errors.Cause(err).(awserr.Error)
	return ok && strings.Contains(aerr.Message(), noUpdatesMessage)
}

func (c *Controller) describe(ctx context.Context, name string) (*cloudformation.Stack, error) {
	out, err := c.cf.DescribeStacksWithContext(ctx, &cloudformation.DescribeStacksInput{
		StackName: aws.String(name),
	})
	if isDoesNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, pipeerr.New(pipeerr.External, pipeerr.KindExternalAPI, errors.Wrapf(err, "describing stack %s", name))
	}
	if len(out.Stacks) == 0 {
		return nil, nil
	}
	return out.Stacks[0], nil
}

// Exists reports whether name exists. A stack that has been deleted is
// reported by CloudFormation as DELETE_COMPLETE, which counts as absent.
func (c *Controller) Exists(ctx context.Context, name string) (bool, error) {
	s, err := c.describe(ctx, name)
	if err != nil {
		return false, err
	}
	return s != nil && aws.StringValue(s.StackStatus) != cloudformation.StackStatusDeleteComplete, nil
}

func params(ps []Parameter) []*cloudformation.Parameter {
	var out []*cloudformation.Parameter
	for _, p := range ps {
		out = append(out, &cloudformation.Parameter{
			ParameterKey:   aws.String(p.Key),
			ParameterValue: aws.String(p.Value),
		})
	}
	return out
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}

// Create creates a stack that is deleted again if creation fails.
func (c *Controller) Create(ctx context.Context, in CreateInput) error {
	_, err := c.cf.CreateStackWithContext(ctx, &cloudformation.CreateStackInput{
		StackName:    aws.String(in.StackName),
		Capabilities: capabilities,
		RoleARN:      optional(in.RoleARN),
		TemplateURL:  optional(in.TemplateURL),
		TemplateBody: optional(in.TemplateBody),
		OnFailure:    aws.String(cloudformation.OnFailureDelete),
		Parameters:   params(in.Parameters),
	})
	if err != nil {
		return pipeerr.New(pipeerr.Failed, KindStackCreate, errors.Wrapf(err, "creating stack %s", in.StackName))
	}
	_ = c.logger.Log("stack", in.StackName, "action", "create")
	return nil
}

// Update starts an update. An update with nothing to change returns a
// Conflict error, which callers treat as already complete.
func (c *Controller) Update(ctx context.Context, in UpdateInput) error {
	_, err := c.cf.UpdateStackWithContext(ctx, &cloudformation.UpdateStackInput{
		StackName:    aws.String(in.StackName),
		Capabilities: capabilities,
		RoleARN:      optional(in.RoleARN),
		TemplateURL:  optional(in.TemplateURL),
		TemplateBody: optional(in.TemplateBody),
		Parameters:   params(in.Parameters),
	})
	switch {
	case err == nil:
		_ = c.logger.Log("stack", in.StackName, "action", "update")
		return nil
	case isNoUpdates(err):
		_ = c.logger.Log("stack", in.StackName, "action", "update", "info", "no updates to perform")
		return pipeerr.New(pipeerr.Conflict, "", errors.Wrapf(err, "updating stack %s", in.StackName))
	case isDoesNotExist(err):
		return pipeerr.New(pipeerr.Missing, KindStackDoesNotExist, errors.Wrapf(err, "updating stack %s", in.StackName))
	default:
		return pipeerr.New(pipeerr.Failed, KindStackFailed, errors.Wrapf(err, "updating stack %s", in.StackName))
	}
}

// CurrentTemplate returns the template body the stack is running now.
func (c *Controller) CurrentTemplate(ctx context.Context, name string) (string, error) {
	out, err := c.cf.GetTemplateWithContext(ctx, &cloudformation.GetTemplateInput{
		StackName:     aws.String(name),
		TemplateStage: aws.String(cloudformation.TemplateStageOriginal),
	})
	if isDoesNotExist(err) {
		return "", pipeerr.New(pipeerr.Missing, KindStackDoesNotExist, errors.Wrapf(err, "fetching template of %s", name))
	}
	if err != nil {
		return "", pipeerr.New(pipeerr.External, pipeerr.KindExternalAPI, errors.Wrapf(err, "fetching template of %s", name))
	}
	return aws.StringValue(out.TemplateBody), nil
}

// Status reports where the stack is, without judging it.
func (c *Controller) Status(ctx context.Context, name string) (Status, error) {
	s, err := c.describe(ctx, name)
	if err != nil {
		return Status{}, err
	}
	if s == nil {
		return Status{Phase: DoesNotExist}, nil
	}
	st := Classify(aws.StringValue(s.StackStatus))
	if st.Phase == Failed && aws.StringValue(s.StackStatusReason) != "" {
		st.Reason = st.Raw + ": " + aws.StringValue(s.StackStatusReason)
	}
	return st, nil
}

// Poll turns Status into an error for the workflow: nil when the stack
// is complete, NotReady while it converges, and Missing or Failed
// otherwise.
func (c *Controller) Poll(ctx context.Context, name string) error {
	st, err := c.Status(ctx, name)
	if err != nil {
		return err
	}
	switch st.Phase {
	case Complete:
		return nil
	case InProgress:
		return pipeerr.Newf(pipeerr.NotReady, KindStackNotReady, "stack %s is %s", name, st.Raw)
	case DoesNotExist:
		return pipeerr.Newf(pipeerr.Missing, KindStackDoesNotExist, "stack %s does not exist", name)
	default:
		return pipeerr.Newf(pipeerr.Failed, KindStackFailed, "stack %s failed: %s", name, st.Reason)
	}
}
