package git

import (
	pipeerr "github.com/pipewright/pipewright/pkg/errors"
)

const KindCloneFailed = "CloneError"

func CloningError(url string, actual error) error {
	return &pipeerr.Error{
		Type: pipeerr.External,
		Kind: KindCloneFailed,
		Err:  actual,
		Help: `Could not clone the repository

There was a problem cloning the git repository,

    ` + url + `

to check which files the branch changes. This may be because the
client credentials cannot read the repository, or because the branch
was deleted before the check ran.
`,
	}
}
