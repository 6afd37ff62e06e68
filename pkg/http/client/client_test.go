package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pipeerr "github.com/pipewright/pipewright/pkg/errors"
	transport "github.com/pipewright/pipewright/pkg/http"
	"github.com/pipewright/pipewright/pkg/http/daemon"
	"github.com/pipewright/pipewright/pkg/workflow"
)

type steps struct{}

func (steps) Run(ctx context.Context, name string, p *workflow.Payload) error {
	if name != workflow.StepOpenBranch {
		return pipeerr.Newf(pipeerr.Missing, workflow.KindUnknownStep, "no step named %q", name)
	}
	p.Branch = "cicd/feature/x"
	return nil
}

func TestClient(t *testing.T) {
	srv := httptest.NewServer(daemon.NewHandler(daemon.Server{
		Version: "1.2.3",
		Steps:   steps{},
		Logger:  log.NewNopLogger(),
	}, daemon.NewRouter()))
	defer srv.Close()
	ctx := context.Background()
	c := New(http.DefaultClient, transport.NewAPIRouter(), srv.URL)

	require.NoError(t, c.Ping(ctx))
	v, err := c.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", v)

	p, err := c.RunStep(ctx, workflow.StepOpenBranch, daemon.StepRequest{Payload: workflow.Payload{ExecutionID: "exec-1"}})
	require.NoError(t, err)
	assert.Equal(t, "cicd/feature/x", p.Branch)

	_, err = c.RunStep(ctx, "launchRockets", daemon.StepRequest{})
	assert.True(t, pipeerr.IsMissing(err))
	assert.Equal(t, workflow.KindUnknownStep, pipeerr.KindOf(err))

	// executions live in Step Functions for this daemon
	_, err = c.Execution(ctx, "exec-1")
	assert.True(t, pipeerr.IsMissing(err))
}

func TestClient_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream connect error", http.StatusBadGateway)
	}))
	defer srv.Close()
	c := New(http.DefaultClient, transport.NewAPIRouter(), srv.URL)

	err := c.Ping(context.Background())
	require.Error(t, err)
	statusErr, ok := err.(*StatusError)
	require.True(t, ok)
	assert.True(t, statusErr.IsUnavailable())
}

func TestMakeURL(t *testing.T) {
	r := transport.NewAPIRouter()

	u, err := transport.MakeURL("http://pipewright:3030/api", r, transport.ExecutionStatus, "id", "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "http://pipewright:3030/api/v1/executions/exec-1", u.String())

	u, err = transport.MakeURL("http://pipewright:3030", r, transport.JobStatus, "id", "job-1")
	require.NoError(t, err)
	assert.Equal(t, "http://pipewright:3030/v1/jobs?id=job-1", u.String())
}
