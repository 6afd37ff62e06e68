// Package notify announces pipeline outcomes on chat webhooks. Sinks
// are best effort: a failing sink is logged and counted, and never
// fails the pipeline.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	pipemetrics "github.com/pipewright/pipewright/pkg/metrics"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusInfo    Status = "info"
)

const DefaultAuthor = "CI/CD"

type Message struct {
	Author string
	Title  string
	Text   string
	Status Status
}

// Sink delivers one message to one chat platform.
type Sink interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Notifier fans a message out to every configured sink.
type Notifier struct {
	sinks  []Sink
	logger log.Logger
}

func New(logger log.Logger, sinks ...Sink) *Notifier {
	return &Notifier{sinks: sinks, logger: logger}
}

// Notify never returns an error; failures are logged per sink.
func (n *Notifier) Notify(ctx context.Context, msg Message) {
	if msg.Author == "" {
		msg.Author = DefaultAuthor
	}
	for _, s := range n.sinks {
		if err := s.Send(ctx, msg); err != nil {
			notifyFailures.With(pipemetrics.LabelSink, s.Name()).Add(1)
			_ = n.logger.Log("sink", s.Name(), "err", err)
		}
	}
}

const (
	SuccessTitleTemplate = `{{.Workspace}}/{{.Repository}} - New version online!`
	SuccessTextTemplate  = `The branch {{.Branch}} was merged and deployed to production.{{if .ExecutionURL}}
This CI/CD execution can be found at : {{.ExecutionURL}}{{end}}`

	ErrorTitleTemplate = `{{.Workspace}}/{{.Repository}} - CI/CD {{if .Error}}{{.Error}}{{else}}Unexpected Error!{{end}}`
	ErrorTextTemplate  = `An error has occurred.{{if .Cause}} {{.Cause}}{{end}}{{if .ExecutionURL}}
This CI/CD execution can be found at : {{.ExecutionURL}}{{end}}`

	ReviewTitleTemplate = `{{.Workspace}}/{{.Repository}} - Waiting for validation`
	ReviewTextTemplate  = `The branch {{.Branch}} is deployed to QA. Merge pull request #{{.PullRequest}} to release it to production, or decline it to roll back.`
)

// Outcome is what the message templates are rendered from.
type Outcome struct {
	Workspace    string
	Repository   string
	Branch       string
	PullRequest  int
	ExecutionURL string
	Error        string
	Cause        string
}

func Success(o Outcome) (Message, error) {
	return render(StatusSuccess, SuccessTitleTemplate, SuccessTextTemplate, o)
}

func Failure(o Outcome) (Message, error) {
	return render(StatusError, ErrorTitleTemplate, ErrorTextTemplate, o)
}

func Review(o Outcome) (Message, error) {
	return render(StatusInfo, ReviewTitleTemplate, ReviewTextTemplate, o)
}

func render(status Status, titleTmpl, textTmpl string, o Outcome) (Message, error) {
	title, err := instantiateTemplate("title", titleTmpl, o)
	if err != nil {
		return Message{}, err
	}
	text, err := instantiateTemplate("text", textTmpl, o)
	if err != nil {
		return Message{}, err
	}
	return Message{Title: title, Text: text, Status: status}, nil
}

func instantiateTemplate(tmplName, tmplStr string, args interface{}) (string, error) {
	tmpl, err := template.New(tmplName).Parse(tmplStr)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, args); err != nil {
		return "", err
	}
	return buf.String(), nil
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

func post(ctx context.Context, sink, url string, body interface{}) error {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(body); err != nil {
		return errors.Wrapf(err, "encoding %s POST request", sink)
	}

	req, err := http.NewRequest("POST", url, buf)
	if err != nil {
		return errors.Wrapf(err, "constructing %s HTTP request", sink)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req.WithContext(ctx))
	if err != nil {
		return errors.Wrapf(err, "executing HTTP POST to %s", sink)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := ioutil.ReadAll(io.LimitReader(resp.Body, 1024*1024))
		return fmt.Errorf("%s from %s (%s)", resp.Status, sink, strings.TrimSpace(string(body)))
	}
	return nil
}
