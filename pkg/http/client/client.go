package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	pipeerr "github.com/pipewright/pipewright/pkg/errors"
	transport "github.com/pipewright/pipewright/pkg/http"
	"github.com/pipewright/pipewright/pkg/http/daemon"
	"github.com/pipewright/pipewright/pkg/job"
	"github.com/pipewright/pipewright/pkg/workflow"
)

// StatusError is returned for a failed response that does not carry
// one of the daemon's own errors, e.g., from a proxy in front of it.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (err *StatusError) Error() string {
	return fmt.Sprintf("%s (%s)", err.Status, err.Body)
}

// IsUnavailable reports whether the daemon could not be reached
// through whatever sits in front of it.
func (err *StatusError) IsUnavailable() bool {
	switch err.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Client talks to pipewrightd.
type Client struct {
	client   *http.Client
	router   *mux.Router
	endpoint string
}

func New(c *http.Client, router *mux.Router, endpoint string) *Client {
	return &Client{
		client:   c,
		router:   router,
		endpoint: endpoint,
	}
}

func (c *Client) Ping(ctx context.Context) error {
	return c.Get(ctx, nil, transport.Ping)
}

func (c *Client) Version(ctx context.Context) (string, error) {
	var v string
	err := c.Get(ctx, &v, transport.Version)
	return v, err
}

func (c *Client) Execution(ctx context.Context, id string) (workflow.Execution, error) {
	var res workflow.Execution
	err := c.Get(ctx, &res, transport.ExecutionStatus, "id", id)
	return res, err
}

func (c *Client) Executions(ctx context.Context) ([]workflow.Execution, error) {
	var res []workflow.Execution
	err := c.Get(ctx, &res, transport.ListExecutions)
	return res, err
}

func (c *Client) JobStatus(ctx context.Context, id job.ID) (job.Status, error) {
	var res job.Status
	err := c.Get(ctx, &res, transport.JobStatus, "id", string(id))
	return res, err
}

// RunStep invokes a step on the daemon and returns the payload as the
// step left it.
func (c *Client) RunStep(ctx context.Context, step string, req daemon.StepRequest) (workflow.Payload, error) {
	var res daemon.StepResponse
	err := c.methodWithResp(ctx, "POST", &res, transport.RunStep, req, nil, "step", step)
	return res.Payload, err
}

// --- Request helpers

// methodWithResp handles body and query-param encoding, as well as
// decoding the response into the provided destination. The response is
// only decoded into dest if there is one.
func (c *Client) methodWithResp(ctx context.Context, method string, dest interface{}, route string, body interface{}, headers map[string]string, urlParams ...string) error {
	u, err := transport.MakeURL(c.endpoint, c.router, route, urlParams...)
	if err != nil {
		return errors.Wrap(err, "constructing URL")
	}

	var bodyBytes []byte
	if body != nil {
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encoding request body")
		}
	}

	req, err := http.NewRequest(method, u.String(), bytes.NewReader(bodyBytes))
	if err != nil {
		return errors.Wrapf(err, "constructing request %s", u)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.executeRequest(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBytes, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "reading response from server")
	}
	if len(respBytes) == 0 || dest == nil {
		return nil
	}
	if err := json.Unmarshal(respBytes, dest); err != nil {
		return errors.Wrap(err, "decoding response from server")
	}
	return nil
}

// Get executes a get request against the daemon; it unmarshals the
// response into dest, if not nil.
func (c *Client) Get(ctx context.Context, dest interface{}, route string, urlParams ...string) error {
	return c.methodWithResp(ctx, "GET", dest, route, nil, nil, urlParams...)
}

func (c *Client) executeRequest(req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "executing HTTP request")
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent, http.StatusAccepted:
		return resp, nil
	}
	defer resp.Body.Close()
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading response body of error")
	}
	// The content type tells a pipeline error from any old error.
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var niceError pipeerr.Error
		if err := json.Unmarshal(body, &niceError); err != nil {
			return nil, errors.Wrap(err, "decoding response body of error")
		}
		// just in case it's JSON but not one of our own errors
		if niceError.Err != nil {
			return nil, &niceError
		}
	}
	return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(body)}
}
