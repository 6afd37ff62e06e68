package http

import (
	"errors"

	pipeerr "github.com/pipewright/pipewright/pkg/errors"
)

var ErrorUnauthorized = &pipeerr.Error{
	Type: pipeerr.User,
	Kind: "Unauthorized",
	Help: `The webhook delivery failed authentication.

The X-Hub-Signature header is missing or does not match the body. Check
that the secret configured on the Bitbucket webhook is the one given to
pipewrightd with --webhook-secret.
`,
	Err: errors.New("request failed authentication"),
}

func MakeAPINotFound(path string) *pipeerr.Error {
	return &pipeerr.Error{
		Type: pipeerr.Missing,
		Kind: pipeerr.KindNotFound,
		Help: `The API endpoint requested is not supported by this server.

This indicates that your client (probably pipewrightctl) is either out
of date, or faulty. The path requested was

    ` + path + `
`,
		Err: errors.New("API endpoint not found"),
	}
}

// ErrNoExecutions is returned by servers whose executions are kept by
// an external engine.
var ErrNoExecutions = &pipeerr.Error{
	Type: pipeerr.Missing,
	Kind: pipeerr.KindNotFound,
	Help: `This daemon hands executions to AWS Step Functions, which keeps
their history. Look them up in the Step Functions console instead.
`,
	Err: errors.New("executions are not tracked by this daemon"),
}
