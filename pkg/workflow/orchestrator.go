package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/google/uuid"

	pipeerr "github.com/pipewright/pipewright/pkg/errors"
	pipemetrics "github.com/pipewright/pipewright/pkg/metrics"
)

// What the orchestrator did about an event.
const (
	ActionStarted  = "started"
	ActionResumed  = "resumed"
	ActionRejected = "rejected"
	ActionIgnored  = "ignored"
)

type MigrationChecker interface {
	Changed(ctx context.Context, branch string) (bool, error)
}

// StartInput is what an execution starts from.
type StartInput struct {
	Event    PullRequestEvent `json:"event"`
	Database DatabaseOptions  `json:"databaseOptions"`
}

type Handled struct {
	Event     string `json:"event"`
	Action    string `json:"action"`
	Execution string `json:"execution,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Orchestrator turns pull request events into executions: an approval
// starts one, and merging or declining the review pull request resumes
// it.
type Orchestrator struct {
	engine      Engine
	checker     MigrationChecker
	destination string
	prefix      string
	logger      log.Logger
}

// NewOrchestrator returns an orchestrator for pull requests into
// destination. checker may be nil, in which case no change is taken to
// carry migrations.
func NewOrchestrator(engine Engine, checker MigrationChecker, destination, prefix string, logger log.Logger) *Orchestrator {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Orchestrator{
		engine:      engine,
		checker:     checker,
		destination: destination,
		prefix:      prefix,
		logger:      logger,
	}
}

// HandleWebhook parses and handles one webhook delivery. Events the
// pipeline does not act on are acknowledged, not refused.
func (o *Orchestrator) HandleWebhook(ctx context.Context, key string, body []byte) (Handled, error) {
	ev, err := ParseEvent(key, body)
	if pipeerr.KindOf(err) == KindUnsupportedEvent {
		h := Handled{Event: key, Action: ActionIgnored, Reason: "unsupported event"}
		webhookEvents.With(pipemetrics.LabelEvent, key, pipemetrics.LabelAction, h.Action).Add(1)
		return h, nil
	}
	if err != nil {
		return Handled{Event: key}, err
	}
	return o.Handle(ctx, ev)
}

func (o *Orchestrator) Handle(ctx context.Context, ev Event) (h Handled, err error) {
	defer func() {
		if err == nil {
			webhookEvents.With(pipemetrics.LabelEvent, ev.Key(), pipemetrics.LabelAction, h.Action).Add(1)
			_ = o.logger.Log("event", ev.Key(), "pullrequest", ev.PullRequest().ID, "action", h.Action, "reason", h.Reason)
		}
	}()
	switch e := ev.(type) {
	case ApprovedEvent:
		return o.approved(ctx, e)
	case FulfilledEvent:
		return o.resume(ctx, e.Key(), e.PullRequestEvent, nil)
	case RejectedEvent:
		cause := fmt.Sprintf("pull request #%d was declined", e.ID)
		if e.Reason != "" {
			cause += ": " + e.Reason
		}
		return o.resume(ctx, e.Key(), e.PullRequestEvent, &ErrorInfo{Error: KindPullRequestRejected, Cause: cause})
	}
	return Handled{Event: ev.Key(), Action: ActionIgnored, Reason: "unsupported event"}, nil
}

func (o *Orchestrator) pipelineBranch(name string) bool {
	return strings.HasPrefix(name, o.prefix)
}

func (o *Orchestrator) approved(ctx context.Context, e ApprovedEvent) (Handled, error) {
	h := Handled{Event: e.Key(), Action: ActionIgnored}
	switch {
	case e.DestinationBranch != o.destination:
		h.Reason = "destination is " + e.DestinationBranch
		return h, nil
	case o.pipelineBranch(e.SourceBranch):
		h.Reason = "source is a pipeline branch"
		return h, nil
	}

	var changed bool
	if o.checker != nil {
		var err error
		if changed, err = o.checker.Changed(ctx, e.SourceBranch); err != nil {
			return h, err
		}
	}
	name := fmt.Sprintf("pr-%d-%s", e.ID, uuid.New().String())
	id, err := o.engine.StartExecution(ctx, name, StartInput{
		Event:    e.PullRequestEvent,
		Database: DatabaseOptions{MigrationsChanged: changed},
	})
	if err != nil {
		return h, err
	}
	h.Action = ActionStarted
	h.Execution = id
	return h, nil
}

// resume hands the outcome of a review pull request to the execution
// waiting on it.
func (o *Orchestrator) resume(ctx context.Context, key string, pr PullRequestEvent, failure *ErrorInfo) (Handled, error) {
	h := Handled{Event: key, Action: ActionIgnored}
	switch {
	case pr.DestinationBranch != o.destination:
		h.Reason = "destination is " + pr.DestinationBranch
		return h, nil
	case !o.pipelineBranch(pr.SourceBranch):
		h.Reason = "source is not a pipeline branch"
		return h, nil
	}
	review, err := ParseReviewDescription(pr.Description)
	if err != nil {
		h.Reason = err.Error()
		return h, nil
	}
	h.Execution = review.ExecutionID

	if failure == nil {
		err = o.engine.SendTaskSuccess(ctx, review.TaskToken, pr)
		h.Action = ActionResumed
	} else {
		err = o.engine.SendTaskFailure(ctx, review.TaskToken, failure.Error, failure.Cause)
		h.Action = ActionRejected
	}
	if pipeerr.IsConflict(err) || pipeerr.KindOf(err) == KindTaskDoesNotExist {
		return Handled{Event: key, Action: ActionIgnored, Execution: review.ExecutionID, Reason: "execution is not waiting"}, nil
	}
	if err != nil {
		return Handled{Event: key, Execution: review.ExecutionID}, err
	}
	return h, nil
}
