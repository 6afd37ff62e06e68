package daemon

import (
	"context"
	"encoding/json"
	"io"
	"io/ioutil"
	"net/http"

	"github.com/go-kit/kit/log"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/weaveworks/common/middleware"

	pipeerr "github.com/pipewright/pipewright/pkg/errors"
	transport "github.com/pipewright/pipewright/pkg/http"
	"github.com/pipewright/pipewright/pkg/job"
	pipemetrics "github.com/pipewright/pipewright/pkg/metrics"
	"github.com/pipewright/pipewright/pkg/workflow"
)

const maxWebhookBody = 1 << 20

var (
	requestDuration = stdprometheus.NewHistogramVec(stdprometheus.HistogramOpts{
		Namespace: "pipewright",
		Name:      "request_duration_seconds",
		Help:      "Time (in seconds) spent serving HTTP requests.",
		Buckets:   stdprometheus.DefBuckets,
	}, []string{pipemetrics.LabelMethod, pipemetrics.LabelRoute, "status_code", "ws"})
)

func init() {
	stdprometheus.MustRegister(requestDuration)
}

// Webhooks acts on Bitbucket deliveries.
type Webhooks interface {
	HandleWebhook(ctx context.Context, key string, body []byte) (workflow.Handled, error)
	Handle(ctx context.Context, ev workflow.Event) (workflow.Handled, error)
}

type StepRunner interface {
	Run(ctx context.Context, name string, p *workflow.Payload) error
}

type Executions interface {
	Execution(ctx context.Context, id string) (workflow.Execution, error)
	Executions(ctx context.Context) ([]workflow.Execution, error)
}

type JobReporter interface {
	Report(ctx context.Context, jobID string, outputs map[string]string, stepErr error) error
}

type Jobs interface {
	Submit(kind string, do job.Func) job.ID
}

type JobStatuses interface {
	Status(id job.ID) (job.Status, bool)
}

// StepRequest is the body of a step invocation. JobID is set when the
// step runs as a CodePipeline job.
type StepRequest struct {
	JobID   string           `json:"jobId,omitempty"`
	Payload workflow.Payload `json:"payload"`
}

// StepResponse carries the payload as the step left it.
type StepResponse struct {
	Payload workflow.Payload `json:"payload"`
}

// Queued answers a request whose work went on the job queue.
type Queued struct {
	JobID job.ID `json:"jobId"`
}

// Server is what the API serves from. Executions and Reporter may be
// nil; Jobs nil means webhooks are handled before answering.
type Server struct {
	Version       string
	Webhooks      Webhooks
	WebhookSecret string
	Steps         StepRunner
	Executions    Executions
	Reporter      JobReporter
	Jobs          Jobs
	Statuses      JobStatuses
	Logger        log.Logger
}

// An API server for the daemon
func NewRouter() *mux.Router {
	r := transport.NewAPIRouter()
	r.NewRoute().Name("Metrics").Methods("GET").Path("/metrics").Handler(promhttp.Handler())

	// Every request that doesn't match a route is a client calling an
	// API this daemon does not have.
	r.NewRoute().Name("NotFound").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		transport.WriteError(w, r, http.StatusNotFound, transport.MakeAPINotFound(r.URL.Path))
	})
	return r
}

func NewHandler(s Server, r *mux.Router) http.Handler {
	handle := HTTPServer{s}

	r.Get(transport.Ping).HandlerFunc(handle.Ping)
	r.Get(transport.Version).HandlerFunc(handle.GetVersion)
	r.Get(transport.Webhook).HandlerFunc(handle.Webhook)
	r.Get(transport.RunStep).HandlerFunc(handle.RunStep)
	r.Get(transport.ListExecutions).HandlerFunc(handle.ListExecutions)
	r.Get(transport.ExecutionStatus).HandlerFunc(handle.ExecutionStatus)
	r.Get(transport.JobStatus).HandlerFunc(handle.JobStatus)

	return middleware.Instrument{
		RouteMatcher: r,
		Duration:     requestDuration,
	}.Wrap(r)
}

type HTTPServer struct {
	Server
}

func (s HTTPServer) Ping(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s HTTPServer) GetVersion(w http.ResponseWriter, r *http.Request) {
	transport.JSONResponse(w, r, s.Version)
}

// Webhook takes a Bitbucket delivery. Deliveries are validated here and
// acted on from the job queue, since starting an execution may mean
// cloning the repository.
func (s HTTPServer) Webhook(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := ioutil.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		transport.WriteError(w, r, http.StatusBadRequest, errors.Wrap(err, "reading webhook body"))
		return
	}
	if s.WebhookSecret != "" {
		if err := workflow.VerifySignature(s.WebhookSecret, body, r.Header.Get(transport.SignatureHeader)); err != nil {
			_ = s.Logger.Log("webhook", "rejected", "err", err)
			transport.WriteError(w, r, http.StatusUnauthorized, transport.ErrorUnauthorized)
			return
		}
	}
	key := r.Header.Get(transport.EventKeyHeader)

	ev, err := workflow.ParseEvent(key, body)
	if s.Jobs == nil || pipeerr.KindOf(err) == workflow.KindUnsupportedEvent {
		handled, err := s.Webhooks.HandleWebhook(r.Context(), key, body)
		if err != nil {
			transport.ErrorResponse(w, r, err)
			return
		}
		transport.JSONResponse(w, r, handled)
		return
	}
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	id := s.Jobs.Submit("webhook", func(ctx context.Context, logger log.Logger) (job.Result, error) {
		handled, err := s.Webhooks.Handle(ctx, ev)
		return job.Result{Execution: handled.Execution, State: handled.Action}, err
	})
	transport.AcceptedResponse(w, r, Queued{JobID: id})
}

// RunStep runs one step against the payload in the request. For a
// CodePipeline job the outcome goes to CodePipeline and the request
// succeeds; otherwise a failed step is the response.
func (s HTTPServer) RunStep(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["step"]
	var req StepRequest
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		transport.WriteError(w, r, http.StatusBadRequest, errors.Wrap(err, "decoding step request"))
		return
	}

	p := req.Payload
	stepErr := s.Steps.Run(r.Context(), name, &p)
	if stepErr != nil {
		_ = s.Logger.Log("step", name, "execution", p.ExecutionID, "err", stepErr)
	}
	if req.JobID != "" && s.Reporter != nil {
		outputs := map[string]string{}
		if p.Branch != "" {
			outputs["BRANCH_NAME"] = p.Branch
		}
		if err := s.Reporter.Report(r.Context(), req.JobID, outputs, stepErr); err != nil {
			transport.ErrorResponse(w, r, err)
			return
		}
		transport.JSONResponse(w, r, StepResponse{Payload: p})
		return
	}
	if stepErr != nil {
		transport.ErrorResponse(w, r, stepErr)
		return
	}
	transport.JSONResponse(w, r, StepResponse{Payload: p})
}

func (s HTTPServer) ListExecutions(w http.ResponseWriter, r *http.Request) {
	if s.Executions == nil {
		transport.ErrorResponse(w, r, transport.ErrNoExecutions)
		return
	}
	execs, err := s.Executions.Executions(r.Context())
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	if execs == nil {
		execs = []workflow.Execution{}
	}
	transport.JSONResponse(w, r, execs)
}

func (s HTTPServer) ExecutionStatus(w http.ResponseWriter, r *http.Request) {
	if s.Executions == nil {
		transport.ErrorResponse(w, r, transport.ErrNoExecutions)
		return
	}
	exec, err := s.Executions.Execution(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	transport.JSONResponse(w, r, exec)
}

func (s HTTPServer) JobStatus(w http.ResponseWriter, r *http.Request) {
	id := job.ID(mux.Vars(r)["id"])
	if s.Statuses == nil {
		transport.ErrorResponse(w, r, pipeerr.Newf(pipeerr.Missing, pipeerr.KindNotFound, "job %s not found", id))
		return
	}
	status, ok := s.Statuses.Status(id)
	if !ok {
		transport.ErrorResponse(w, r, pipeerr.Newf(pipeerr.Missing, pipeerr.KindNotFound, "job %s not found", id))
		return
	}
	transport.JSONResponse(w, r, status)
}
