package errors

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Representation of errors in the pipeline. These are divided into a
// small number of categories, essentially distinguished by what the
// caller should do next; i.e., is this error:
//  - a transient problem with a dependency, so worth trying again?
//  - a resource that is still converging, so worth polling again?
//  - terminal, so the workflow should branch to rollback?
type Error struct {
	Type Type
	// Kind is the name the workflow engine and notifications see,
	// e.g., "StackDoesNotExistError".
	Kind string `json:"kind"`
	// a message that can be printed out for the user
	Help string `json:"help"`
	// the underlying error that can be e.g., logged for developers to look at
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind
	}
	return e.Err.Error()
}

type Type string

const (
	// The operation looked fine on paper, but something went wrong
	Server Type = "server"
	// The thing you mentioned, whatever it is, just doesn't exist
	Missing Type = "missing"
	// The operation was well-formed, but you asked for something that
	// can't happen at present (e.g., because you've not supplied some
	// config yet)
	User Type = "user"
	// The resource is converging; ask again later
	NotReady Type = "not_ready"
	// The resource reached a terminal failure state
	Failed Type = "failed"
	// Polling gave up
	TimedOut Type = "timed_out"
	// A remote API answered with an error
	External Type = "external"
	// The requested change is already in effect
	Conflict Type = "conflict"
)

// Names of errors that are not owned by any single controller.
const (
	KindTimedOut      = "TimedOut"
	KindExternalAPI   = "ExternalAPIError"
	KindNotFound      = "NotFound"
	KindInvalidConfig = "InvalidConfig"
)

func New(t Type, kind string, err error) *Error {
	return &Error{Type: t, Kind: kind, Err: err}
}

func Newf(t Type, kind string, format string, args ...interface{}) *Error {
	return &Error{Type: t, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// TypeOf reports the Type of err, or Server for untyped errors.
func TypeOf(err error) Type {
	if e, ok := As(err); ok {
		return e.Type
	}
	return Server
}

// KindOf reports the Kind of err, falling back to the error string.
func KindOf(err error) string {
	if e, ok := As(err); ok && e.Kind != "" {
		return e.Kind
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

func is(err error, t Type) bool {
	e, ok := As(err)
	return ok && e.Type == t
}

func IsMissing(err error) bool  { return is(err, Missing) }
func IsNotReady(err error) bool { return is(err, NotReady) }
func IsFailed(err error) bool   { return is(err, Failed) }
func IsTimedOut(err error) bool { return is(err, TimedOut) }
func IsConflict(err error) bool { return is(err, Conflict) }
func IsExternal(err error) bool { return is(err, External) }

func (e *Error) MarshalJSON() ([]byte, error) {
	var errMsg string
	if e.Err != nil {
		errMsg = e.Err.Error()
	}
	jsonable := &struct {
		Type string `json:"type"`
		Kind string `json:"kind,omitempty"`
		Help string `json:"help"`
		Err  string `json:"error,omitempty"`
	}{
		Type: string(e.Type),
		Kind: e.Kind,
		Help: e.Help,
		Err:  errMsg,
	}
	return json.Marshal(jsonable)
}

func (e *Error) UnmarshalJSON(data []byte) error {
	jsonable := &struct {
		Type string `json:"type"`
		Kind string `json:"kind,omitempty"`
		Help string `json:"help"`
		Err  string `json:"error,omitempty"`
	}{}
	if err := json.Unmarshal(data, &jsonable); err != nil {
		return err
	}
	e.Type = Type(jsonable.Type)
	e.Kind = jsonable.Kind
	e.Help = jsonable.Help
	if jsonable.Err != "" {
		e.Err = errors.New(jsonable.Err)
	}
	return nil
}

func CoverAllError(err error) *Error {
	return &Error{
		Type: Server,
		Kind: KindOf(err),
		Err:  err,
		Help: `Error: ` + err.Error() + `

We don't have a specific help message for the error above.

The daemon log carries the full context; search it for the
execution ID or the step name you invoked.
`,
	}
}
