package engine

import (
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/codepipeline"
	"github.com/aws/aws-sdk-go/service/codepipeline/codepipelineiface"
	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
)

// JobReporter tells CodePipeline how a job-style step went.
type JobReporter struct {
	cp     codepipelineiface.CodePipelineAPI
	logger log.Logger
}

func NewJobReporter(client codepipelineiface.CodePipelineAPI, logger log.Logger) *JobReporter {
	return &JobReporter{cp: client, logger: logger}
}

// Report records the outcome of the step behind jobID. A step failure
// is reported to CodePipeline and not returned; only a failure to
// report is. Without a job id there is nobody to report to, and the
// step's own error is returned as is.
func (r *JobReporter) Report(ctx context.Context, jobID string, outputs map[string]string, stepErr error) error {
	if jobID == "" {
		return stepErr
	}
	if stepErr != nil {
		_, err := r.cp.PutJobFailureResultWithContext(ctx, &codepipeline.PutJobFailureResultInput{
			JobId: aws.String(jobID),
			FailureDetails: &codepipeline.FailureDetails{
				Message: aws.String(stepErr.Error()),
				Type:    aws.String(codepipeline.FailureTypeJobFailed),
			},
		})
		_ = r.logger.Log("job", jobID, "err", stepErr)
		return errors.Wrapf(err, "reporting failure of job %s", jobID)
	}
	in := &codepipeline.PutJobSuccessResultInput{JobId: aws.String(jobID)}
	if len(outputs) > 0 {
		in.OutputVariables = aws.StringMap(outputs)
	}
	_, err := r.cp.PutJobSuccessResultWithContext(ctx, in)
	return errors.Wrapf(err, "reporting success of job %s", jobID)
}
