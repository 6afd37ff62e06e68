package stack

import (
	"context"
	"os"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/cloudformation"
	"github.com/aws/aws-sdk-go/service/cloudformation/cloudformationiface"
	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pipeerr "github.com/pipewright/pipewright/pkg/errors"
)

type fakeCF struct {
	cloudformationiface.CloudFormationAPI

	status    string
	reason    string
	missing   bool
	updateErr error
	template  string

	created *cloudformation.CreateStackInput
	updated *cloudformation.UpdateStackInput
}

func (f *fakeCF) DescribeStacksWithContext(ctx aws.Context, in *cloudformation.DescribeStacksInput, _ ...request.Option) (*cloudformation.DescribeStacksOutput, error) {
	if f.missing {
		return nil, awserr.New("ValidationError", "Stack with id "+*in.StackName+" does not exist", nil)
	}
	return &cloudformation.DescribeStacksOutput{
		Stacks: []*cloudformation.Stack{{
			StackName:         in.StackName,
			StackStatus:       aws.String(f.status),
			StackStatusReason: aws.String(f.reason),
		}},
	}, nil
}

func (f *fakeCF) CreateStackWithContext(ctx aws.Context, in *cloudformation.CreateStackInput, _ ...request.Option) (*cloudformation.CreateStackOutput, error) {
	f.created = in
	return &cloudformation.CreateStackOutput{StackId: aws.String("id")}, nil
}

func (f *fakeCF) UpdateStackWithContext(ctx aws.Context, in *cloudformation.UpdateStackInput, _ ...request.Option) (*cloudformation.UpdateStackOutput, error) {
	f.updated = in
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	return &cloudformation.UpdateStackOutput{StackId: aws.String("id")}, nil
}

func (f *fakeCF) GetTemplateWithContext(ctx aws.Context, in *cloudformation.GetTemplateInput, _ ...request.Option) (*cloudformation.GetTemplateOutput, error) {
	if f.missing {
		return nil, awserr.New("ValidationError", "Stack with id "+*in.StackName+" does not exist", nil)
	}
	return &cloudformation.GetTemplateOutput{TemplateBody: aws.String(f.template)}, nil
}

func newController(cf *fakeCF) *Controller {
	return NewController(cf, log.NewLogfmtLogger(os.Stderr))
}

func TestClassify(t *testing.T) {
	for raw, want := range map[string]Phase{
		"CREATE_IN_PROGRESS":                           InProgress,
		"UPDATE_IN_PROGRESS":                           InProgress,
		"UPDATE_COMPLETE_CLEANUP_IN_PROGRESS":          InProgress,
		"UPDATE_ROLLBACK_IN_PROGRESS":                  InProgress,
		"UPDATE_ROLLBACK_COMPLETE_CLEANUP_IN_PROGRESS": InProgress,
		"CREATE_COMPLETE":                              Complete,
		"UPDATE_COMPLETE":                              Complete,
		"ROLLBACK_COMPLETE":                            Failed,
		"UPDATE_ROLLBACK_COMPLETE":                     Failed,
		"DELETE_COMPLETE":                              Failed,
		"CREATE_FAILED":                                Failed,
		"UPDATE_ROLLBACK_FAILED":                       Failed,
	} {
		got := Classify(raw)
		assert.Equal(t, want, got.Phase, raw)
		assert.Equal(t, raw, got.Raw)
		if want == Failed {
			assert.Equal(t, raw, got.Reason)
		}
	}
}

func TestStatus_DoesNotExist(t *testing.T) {
	c := newController(&fakeCF{missing: true})
	st, err := c.Status(context.Background(), "app")
	require.NoError(t, err)
	assert.Equal(t, DoesNotExist, st.Phase)

	exists, err := c.Exists(context.Background(), "app")
	require.NoError(t, err)
	assert.False(t, exists)

	err = c.Poll(context.Background(), "app")
	assert.True(t, pipeerr.IsMissing(err))
	assert.Equal(t, KindStackDoesNotExist, pipeerr.KindOf(err))
}

func TestExists_DeletedStack(t *testing.T) {
	c := newController(&fakeCF{status: "DELETE_COMPLETE"})
	exists, err := c.Exists(context.Background(), "app")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPoll(t *testing.T) {
	for _, tc := range []struct {
		status string
		reason string
		check  func(error) bool
	}{
		{"UPDATE_IN_PROGRESS", "", pipeerr.IsNotReady},
		{"UPDATE_COMPLETE", "", func(err error) bool { return err == nil }},
		{"UPDATE_ROLLBACK_COMPLETE", "Resource creation cancelled", pipeerr.IsFailed},
	} {
		c := newController(&fakeCF{status: tc.status, reason: tc.reason})
		err := c.Poll(context.Background(), "app")
		assert.True(t, tc.check(err), "%s: %v", tc.status, err)
	}

	c := newController(&fakeCF{status: "ROLLBACK_COMPLETE", reason: "Bucket exists"})
	st, err := c.Status(context.Background(), "app")
	require.NoError(t, err)
	assert.Equal(t, "ROLLBACK_COMPLETE: Bucket exists", st.Reason)
}

func TestCreate(t *testing.T) {
	cf := &fakeCF{}
	c := newController(cf)
	err := c.Create(context.Background(), CreateInput{
		StackName:   "app-qa",
		RoleARN:     "arn:aws:iam::1:role/deploy",
		TemplateURL: "https://bucket.s3.amazonaws.com/t.json",
		Parameters:  []Parameter{{Key: "DeploymentBucketName", Value: "bucket"}},
	})
	require.NoError(t, err)
	require.NotNil(t, cf.created)
	assert.Equal(t, cloudformation.OnFailureDelete, aws.StringValue(cf.created.OnFailure))
	assert.Equal(t, []string{"CAPABILITY_IAM", "CAPABILITY_NAMED_IAM", "CAPABILITY_AUTO_EXPAND"}, aws.StringValueSlice(cf.created.Capabilities))
	assert.Nil(t, cf.created.TemplateBody)
	assert.Equal(t, "DeploymentBucketName", aws.StringValue(cf.created.Parameters[0].ParameterKey))
}

func TestUpdate(t *testing.T) {
	cf := &fakeCF{}
	c := newController(cf)
	require.NoError(t, c.Update(context.Background(), UpdateInput{StackName: "app", TemplateURL: "https://x/t.json"}))
	assert.Equal(t, "https://x/t.json", aws.StringValue(cf.updated.TemplateURL))

	cf.updateErr = awserr.New("ValidationError", "No updates are to be performed.", nil)
	err := c.Update(context.Background(), UpdateInput{StackName: "app", TemplateURL: "https://x/t.json"})
	assert.True(t, pipeerr.IsConflict(err))

	cf.updateErr = awserr.New("ValidationError", "Stack with id app does not exist", nil)
	err = c.Update(context.Background(), UpdateInput{StackName: "app"})
	assert.True(t, pipeerr.IsMissing(err))

	cf.updateErr = awserr.New("ValidationError", "Template format error", nil)
	err = c.Update(context.Background(), UpdateInput{StackName: "app"})
	assert.True(t, pipeerr.IsFailed(err))
}

func TestCurrentTemplate(t *testing.T) {
	c := newController(&fakeCF{template: `{"Resources":{}}`})
	body, err := c.CurrentTemplate(context.Background(), "app")
	require.NoError(t, err)
	assert.Equal(t, `{"Resources":{}}`, body)

	_, err = newController(&fakeCF{missing: true}).CurrentTemplate(context.Background(), "app")
	assert.True(t, pipeerr.IsMissing(err))
}
