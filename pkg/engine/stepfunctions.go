// Package engine connects the pipeline to the AWS services that drive
// it: Step Functions runs the workflow and resumes it on task tokens,
// and CodePipeline receives the result of job-style steps.
package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sfn"
	"github.com/aws/aws-sdk-go/service/sfn/sfniface"
	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	pipeerr "github.com/pipewright/pipewright/pkg/errors"
)

// ConsoleRegion is where execution links point; the pipeline's state
// machine lives there.
const ConsoleRegion = "us-east-1"

// ExecutionURL links to an execution in the Step Functions console.
func ExecutionURL(executionID string) string {
	return fmt.Sprintf("https://console.aws.amazon.com/states/home?region=%s#/executions/details/%s", ConsoleRegion, executionID)
}

// StepFunctions runs the pipeline as a Step Functions state machine.
type StepFunctions struct {
	sfn             sfniface.SFNAPI
	stateMachineARN string
	logger          log.Logger
}

func NewStepFunctions(client sfniface.SFNAPI, stateMachineARN string, logger log.Logger) *StepFunctions {
	return &StepFunctions{sfn: client, stateMachineARN: stateMachineARN, logger: logger}
}

func external(err error, format string, args ...interface{}) error {
	return pipeerr.New(pipeerr.External, pipeerr.KindExternalAPI, errors.Wrapf(err, format, args...))
}

// StartExecution starts one execution named name with input encoded as
// JSON, and returns the execution ARN.
func (s *StepFunctions) StartExecution(ctx context.Context, name string, input interface{}) (string, error) {
	bytes, err := json.Marshal(input)
	if err != nil {
		return "", errors.Wrap(err, "encoding execution input")
	}
	out, err := s.sfn.StartExecutionWithContext(ctx, &sfn.StartExecutionInput{
		StateMachineArn: aws.String(s.stateMachineARN),
		Name:            aws.String(name),
		Input:           aws.String(string(bytes)),
	})
	if err != nil {
		return "", external(err, "starting execution %s", name)
	}
	arn := aws.StringValue(out.ExecutionArn)
	_ = s.logger.Log("execution", arn, "action", "start")
	return arn, nil
}

func (s *StepFunctions) SendTaskSuccess(ctx context.Context, token string, output interface{}) error {
	bytes, err := json.Marshal(output)
	if err != nil {
		return errors.Wrap(err, "encoding task output")
	}
	_, err = s.sfn.SendTaskSuccessWithContext(ctx, &sfn.SendTaskSuccessInput{
		TaskToken: aws.String(token),
		Output:    aws.String(string(bytes)),
	})
	if err != nil {
		return external(err, "sending task success")
	}
	return nil
}

func (s *StepFunctions) SendTaskFailure(ctx context.Context, token, errName, cause string) error {
	_, err := s.sfn.SendTaskFailureWithContext(ctx, &sfn.SendTaskFailureInput{
		TaskToken: aws.String(token),
		Error:     aws.String(errName),
		Cause:     aws.String(cause),
	})
	if err != nil {
		return external(err, "sending task failure %s", errName)
	}
	return nil
}
