// Package cloud hands out AWS clients scoped to a deployment
// environment. QA operations run under an assumed role whose
// credentials are minted per call; production operations run under the
// daemon's own identity.
package cloud

import (
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials/stscreds"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudformation"
	"github.com/aws/aws-sdk-go/service/cloudformation/cloudformationiface"
	"github.com/aws/aws-sdk-go/service/codepipeline"
	"github.com/aws/aws-sdk-go/service/codepipeline/codepipelineiface"
	"github.com/aws/aws-sdk-go/service/rds"
	"github.com/aws/aws-sdk-go/service/rds/rdsiface"
	"github.com/aws/aws-sdk-go/service/route53"
	"github.com/aws/aws-sdk-go/service/route53/route53iface"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/sfn"
	"github.com/aws/aws-sdk-go/service/sfn/sfniface"
	"github.com/pkg/errors"

	pipeerr "github.com/pipewright/pipewright/pkg/errors"
)

type Environment string

const (
	QA         Environment = "qa"
	Production Environment = "production"
)

var Environments = []Environment{QA, Production}

func ParseEnvironment(s string) (Environment, error) {
	switch Environment(s) {
	case QA, Production:
		return Environment(s), nil
	}
	return "", pipeerr.Newf(pipeerr.User, pipeerr.KindInvalidConfig, "unknown environment %q (expected qa or production)", s)
}

const DefaultSessionName = "cicd-session"

// Provider builds per-environment client configuration.
type Provider struct {
	base        *session.Session
	qaRoleARN   string
	sessionName string
}

func NewProvider(base *session.Session, qaRoleARN string) *Provider {
	return &Provider{
		base:        base,
		qaRoleARN:   qaRoleARN,
		sessionName: DefaultSessionName,
	}
}

// NewSession builds the base session from the shared config and the
// environment, in the same way as any other AWS tool.
func NewSession(region string) (*session.Session, error) {
	cfg := aws.NewConfig()
	if region != "" {
		cfg = cfg.WithRegion(region)
	}
	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            *cfg,
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating AWS session")
	}
	return sess, nil
}

// SessionFor returns a session for env. For QA a fresh assume-role
// credential chain is built every time, so no credentials outlive the
// operation that asked for them.
func (p *Provider) SessionFor(env Environment) *session.Session {
	if env != QA || p.qaRoleARN == "" {
		return p.base
	}
	creds := stscreds.NewCredentials(p.base, p.qaRoleARN, func(o *stscreds.AssumeRoleProvider) {
		o.RoleSessionName = p.sessionName
	})
	return p.base.Copy(&aws.Config{Credentials: creds})
}

func (p *Provider) CloudFormation(env Environment) cloudformationiface.CloudFormationAPI {
	return cloudformation.New(p.SessionFor(env))
}

func (p *Provider) RDS(env Environment) rdsiface.RDSAPI {
	return rds.New(p.SessionFor(env))
}

func (p *Provider) Route53(env Environment) route53iface.Route53API {
	return route53.New(p.SessionFor(env))
}

// S3 always uses the daemon's identity: artifacts live in the pipeline
// account regardless of the environment being deployed.
func (p *Provider) S3() s3iface.S3API {
	return s3.New(p.base)
}

func (p *Provider) StepFunctions() sfniface.SFNAPI {
	return sfn.New(p.base)
}

func (p *Provider) CodePipeline() codepipelineiface.CodePipelineAPI {
	return codepipeline.New(p.base)
}

func (p *Provider) Base() *session.Session {
	return p.base
}
