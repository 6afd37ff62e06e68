package workflow

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"

	pipeerr "github.com/pipewright/pipewright/pkg/errors"
)

// Values of the X-Event-Key header this package understands.
const (
	EventApproved  = "pullrequest:approved"
	EventFulfilled = "pullrequest:fulfilled"
	EventRejected  = "pullrequest:rejected"
)

const (
	KindUnsupportedEvent = "UnsupportedEvent"
	KindInvalidEvent     = "InvalidEvent"
	KindBadSignature     = "BadSignature"
)

const pullRequestSchema = `{
  "type": "object",
  "required": ["pullrequest"],
  "properties": {
    "pullrequest": {
      "type": "object",
      "required": ["id", "title", "source", "destination", "author"],
      "properties": {
        "id": {"type": "integer"},
        "title": {"type": "string"},
        "description": {"type": "string"},
        "source": {"$ref": "#/definitions/end"},
        "destination": {"$ref": "#/definitions/end"},
        "author": {"$ref": "#/definitions/user"},
        "created_on": {"type": "string"}
      }
    }
  },
  "definitions": {
    "end": {
      "type": "object",
      "required": ["branch"],
      "properties": {
        "branch": {
          "type": "object",
          "required": ["name"],
          "properties": {"name": {"type": "string", "minLength": 1}}
        }
      }
    },
    "user": {
      "type": "object",
      "properties": {
        "display_name": {"type": "string"},
        "nickname": {"type": "string"}
      }
    }
  }
}`

const approvalSchema = `{
  "type": "object",
  "required": ["approval"],
  "properties": {
    "approval": {
      "type": "object",
      "required": ["user"],
      "properties": {
        "user": {"type": "object"}
      }
    }
  }
}`

var (
	pullRequestValidator = mustSchema(pullRequestSchema)
	approvalValidator    = mustSchema(approvalSchema)
)

func mustSchema(s string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(err)
	}
	return schema
}

// Event is a webhook delivery that has been validated and decoded.
type Event interface {
	Key() string
	PullRequest() PullRequestEvent
}

type ApprovedEvent struct{ PullRequestEvent }
type FulfilledEvent struct{ PullRequestEvent }
type RejectedEvent struct {
	PullRequestEvent
	Reason string
}

func (ApprovedEvent) Key() string                     { return EventApproved }
func (FulfilledEvent) Key() string                    { return EventFulfilled }
func (RejectedEvent) Key() string                     { return EventRejected }
func (e ApprovedEvent) PullRequest() PullRequestEvent  { return e.PullRequestEvent }
func (e FulfilledEvent) PullRequest() PullRequestEvent { return e.PullRequestEvent }
func (e RejectedEvent) PullRequest() PullRequestEvent  { return e.PullRequestEvent }

type webhookUser struct {
	DisplayName string `json:"display_name"`
	Nickname    string `json:"nickname"`
}

func (u webhookUser) person() Person {
	return Person{DisplayName: u.DisplayName, Nickname: u.Nickname}
}

type webhookEnd struct {
	Branch struct {
		Name string `json:"name"`
	} `json:"branch"`
}

type webhookPayload struct {
	PullRequest struct {
		ID          int         `json:"id"`
		Title       string      `json:"title"`
		Description string      `json:"description"`
		Reason      string      `json:"reason"`
		Source      webhookEnd  `json:"source"`
		Destination webhookEnd  `json:"destination"`
		Author      webhookUser `json:"author"`
		CreatedOn   string      `json:"created_on"`
	} `json:"pullrequest"`
	Approval *struct {
		User webhookUser `json:"user"`
	} `json:"approval"`
}

func validate(schema *gojsonschema.Schema, body []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return pipeerr.New(pipeerr.User, KindInvalidEvent, errors.Wrap(err, "webhook body is not JSON"))
	}
	if result.Valid() {
		return nil
	}
	var problems []string
	for _, e := range result.Errors() {
		problems = append(problems, e.String())
	}
	return pipeerr.Newf(pipeerr.User, KindInvalidEvent, "invalid webhook body: %s", strings.Join(problems, "; "))
}

// ParseEvent validates a Bitbucket webhook body delivered with the given
// X-Event-Key and decodes it into one of the event types.
func ParseEvent(key string, body []byte) (Event, error) {
	switch key {
	case EventApproved, EventFulfilled, EventRejected:
	default:
		return nil, pipeerr.Newf(pipeerr.User, KindUnsupportedEvent, "event %q is not handled", key)
	}
	if err := validate(pullRequestValidator, body); err != nil {
		return nil, err
	}
	if key == EventApproved {
		if err := validate(approvalValidator, body); err != nil {
			return nil, err
		}
	}

	var raw webhookPayload
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, pipeerr.New(pipeerr.User, KindInvalidEvent, errors.Wrap(err, "decoding webhook body"))
	}
	pr := PullRequestEvent{
		ID:                raw.PullRequest.ID,
		Title:             raw.PullRequest.Title,
		Description:       raw.PullRequest.Description,
		SourceBranch:      raw.PullRequest.Source.Branch.Name,
		DestinationBranch: raw.PullRequest.Destination.Branch.Name,
		Author:            raw.PullRequest.Author.person(),
	}
	if raw.PullRequest.CreatedOn != "" {
		createdAt, err := time.Parse(time.RFC3339Nano, raw.PullRequest.CreatedOn)
		if err != nil {
			return nil, pipeerr.New(pipeerr.User, KindInvalidEvent, errors.Wrap(err, "parsing created_on"))
		}
		pr.CreatedAt = createdAt
	}

	switch key {
	case EventApproved:
		approver := raw.Approval.User.person()
		pr.Approver = &approver
		return ApprovedEvent{pr}, nil
	case EventFulfilled:
		return FulfilledEvent{pr}, nil
	default:
		return RejectedEvent{PullRequestEvent: pr, Reason: raw.PullRequest.Reason}, nil
	}
}

// VerifySignature checks an X-Hub-Signature header of the form
// "sha256=<hex>" against body.
func VerifySignature(secret string, body []byte, header string) error {
	const scheme = "sha256="
	if !strings.HasPrefix(header, scheme) {
		return pipeerr.Newf(pipeerr.User, KindBadSignature, "missing or unsupported webhook signature")
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, scheme))
	if err != nil {
		return pipeerr.New(pipeerr.User, KindBadSignature, errors.Wrap(err, "decoding webhook signature"))
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return pipeerr.Newf(pipeerr.User, KindBadSignature, "webhook signature does not match")
	}
	return nil
}

// Sign computes the X-Hub-Signature header for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
