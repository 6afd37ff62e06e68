package workflow

import (
	"encoding/json"

	"github.com/pkg/errors"

	pipeerr "github.com/pipewright/pipewright/pkg/errors"
)

const KindInvalidReview = "InvalidReviewDescription"

// ReviewDescription is written as the description of the review pull
// request. It is how a merge or decline of that pull request finds its
// way back to the paused execution.
type ReviewDescription struct {
	TaskToken    string `json:"taskToken"`
	ExecutionID  string `json:"executionId"`
	ExecutionURL string `json:"executionURL,omitempty"`
	Description  string `json:"description"`
}

func (r ReviewDescription) Encode() (string, error) {
	bytes, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "encoding review description")
	}
	return string(bytes), nil
}

func ParseReviewDescription(description string) (ReviewDescription, error) {
	var r ReviewDescription
	if err := json.Unmarshal([]byte(description), &r); err != nil {
		return r, pipeerr.New(pipeerr.User, KindInvalidReview, errors.Wrap(err, "review pull request description is not pipeline JSON"))
	}
	if r.TaskToken == "" {
		return r, pipeerr.Newf(pipeerr.User, KindInvalidReview, "review pull request description has no task token")
	}
	return r, nil
}
