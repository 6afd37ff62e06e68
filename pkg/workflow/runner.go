package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsonpatch "github.com/evanphx/json-patch"
	"github.com/go-kit/kit/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/pipewright/pipewright/pkg/cloud"
	pipeerr "github.com/pipewright/pipewright/pkg/errors"
	"github.com/pipewright/pipewright/pkg/job"
	pipemetrics "github.com/pipewright/pipewright/pkg/metrics"
	"github.com/pipewright/pipewright/pkg/store"
)

const (
	KindTargetBusy       = "TargetBusy"
	KindTaskDoesNotExist = "TaskDoesNotExist"
	KindNotPaused        = "ExecutionNotPaused"
	KindExecutionExists  = "ExecutionAlreadyExists"
)

// Engine runs executions of the pipeline. Step Functions is one; the
// Runner below is the other.
type Engine interface {
	StartExecution(ctx context.Context, name string, input interface{}) (string, error)
	SendTaskSuccess(ctx context.Context, token string, output interface{}) error
	SendTaskFailure(ctx context.Context, token, errName, cause string) error
}

// Submitter queues work; job.Worker is one.
type Submitter interface {
	Submit(kind string, do job.Func) job.ID
}

// Transition is one entry in an execution's history. Patch is the JSON
// merge patch the step applied to the payload.
type Transition struct {
	From  State           `json:"from"`
	To    State           `json:"to"`
	Step  string          `json:"step,omitempty"`
	Error string          `json:"error,omitempty"`
	Patch json.RawMessage `json:"patch,omitempty"`
	At    time.Time       `json:"at"`
}

type Execution struct {
	ID        string       `json:"id"`
	State     State        `json:"state"`
	Payload   Payload      `json:"payload"`
	Attempts  int          `json:"attempts"`
	EnteredAt time.Time    `json:"enteredAt"`
	StartedAt time.Time    `json:"startedAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
	History   []Transition `json:"history,omitempty"`
}

// Policy bounds how long a state may keep answering NotReady.
type Policy struct {
	InitialInterval time.Duration `json:"initialInterval"`
	MaxInterval     time.Duration `json:"maxInterval"`
	// MaxElapsed and MaxAttempts are counted from entering the state.
	MaxElapsed  time.Duration `json:"maxElapsed"`
	MaxAttempts int           `json:"maxAttempts"`
	LockTTL     time.Duration `json:"lockTTL"`
	// PausedLockTTL is how long a target stays held while an execution
	// waits for its review.
	PausedLockTTL time.Duration `json:"pausedLockTTL"`
}

var DefaultPolicy = Policy{
	InitialInterval: 10 * time.Second,
	MaxInterval:     2 * time.Minute,
	MaxElapsed:      2 * time.Hour,
	MaxAttempts:     500,
	LockTTL:         3 * time.Hour,
	PausedLockTTL:   14 * 24 * time.Hour,
}

func executionKey(id string) string { return "execution/" + id }
func tokenKey(token string) string  { return "token/" + token }

// LockName is the lock an execution holds while it changes the stack
// and database of one environment.
func LockName(env cloud.Environment, stackName string) string {
	return fmt.Sprintf("target/%s/%s", env, stackName)
}

// Runner is an Engine that keeps executions in a store and advances
// them one step per job. A step that answers NotReady is tried again
// after a backoff, until the policy gives up on it.
type Runner struct {
	store  store.Store
	steps  *Steps
	jobs   Submitter
	policy Policy
	logger log.Logger

	now   func() time.Time
	after func(time.Duration, func())

	// mu guards running, which serialises work on each execution while
	// different executions advance in parallel.
	mu      sync.Mutex
	running map[string]*sync.Mutex
}

func NewRunner(s store.Store, steps *Steps, jobs Submitter, policy Policy, logger log.Logger) *Runner {
	return &Runner{
		store:  s,
		steps:  steps,
		jobs:   jobs,
		policy: policy,
		logger: logger,
		now:    time.Now,
		after: func(d time.Duration, f func()) {
			time.AfterFunc(d, f)
		},
		running: map[string]*sync.Mutex{},
	}
}

// hold locks the execution id for the caller.
func (r *Runner) hold(id string) func() {
	r.mu.Lock()
	m, ok := r.running[id]
	if !ok {
		m = &sync.Mutex{}
		r.running[id] = m
	}
	r.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// forget drops the lock of a finished execution.
func (r *Runner) forget(id string) {
	r.mu.Lock()
	delete(r.running, id)
	r.mu.Unlock()
}

func (r *Runner) load(ctx context.Context, id string) (Execution, error) {
	var exec Execution
	ok, err := r.store.Get(ctx, executionKey(id), &exec)
	if err != nil {
		return exec, err
	}
	if !ok {
		return exec, pipeerr.Newf(pipeerr.Missing, pipeerr.KindNotFound, "execution %s not found", id)
	}
	return exec, nil
}

func (r *Runner) save(ctx context.Context, exec *Execution) error {
	exec.UpdatedAt = r.now()
	return r.store.Put(ctx, executionKey(exec.ID), exec)
}

func (r *Runner) Execution(ctx context.Context, id string) (Execution, error) {
	return r.load(ctx, id)
}

func (r *Runner) Executions(ctx context.Context) ([]Execution, error) {
	keys, err := r.store.List(ctx, executionKey(""))
	if err != nil {
		return nil, err
	}
	var execs []Execution
	for _, k := range keys {
		var exec Execution
		if ok, err := r.store.Get(ctx, k, &exec); err != nil {
			return nil, err
		} else if ok {
			execs = append(execs, exec)
		}
	}
	return execs, nil
}

// StartExecution stores a new execution in AWAITING_APPROVAL and queues
// its first step. input is decoded as a Payload.
func (r *Runner) StartExecution(ctx context.Context, name string, input interface{}) (string, error) {
	bytes, err := json.Marshal(input)
	if err != nil {
		return "", errors.Wrap(err, "encoding execution input")
	}
	var p Payload
	if err := json.Unmarshal(bytes, &p); err != nil {
		return "", pipeerr.New(pipeerr.User, pipeerr.KindInvalidConfig, errors.Wrap(err, "decoding execution input"))
	}
	if name == "" {
		name = uuid.New().String()
	}

	defer r.hold(name)()
	var existing Execution
	if ok, err := r.store.Get(ctx, executionKey(name), &existing); err != nil {
		return "", err
	} else if ok {
		return "", pipeerr.Newf(pipeerr.Conflict, KindExecutionExists, "execution %s already exists", name)
	}

	now := r.now()
	p.ExecutionID = name
	exec := Execution{
		ID:        name,
		State:     AwaitingApproval,
		Payload:   p,
		StartedAt: now,
		EnteredAt: now,
	}
	if err := r.save(ctx, &exec); err != nil {
		return "", err
	}
	_ = r.logger.Log("execution", name, "action", "start", "pullrequest", p.Event.ID)
	r.schedule(name, 0)
	return name, nil
}

func (r *Runner) SendTaskSuccess(ctx context.Context, token string, output interface{}) error {
	return r.resume(ctx, token, nil)
}

func (r *Runner) SendTaskFailure(ctx context.Context, token, errName, cause string) error {
	return r.resume(ctx, token, &ErrorInfo{Error: errName, Cause: cause})
}

func (r *Runner) resume(ctx context.Context, token string, failure *ErrorInfo) error {
	var id string
	ok, err := r.store.Get(ctx, tokenKey(token), &id)
	if err != nil {
		return err
	}
	if !ok {
		return pipeerr.Newf(pipeerr.Missing, KindTaskDoesNotExist, "no execution is waiting on this task token")
	}
	defer r.hold(id)()
	exec, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	if !exec.State.Paused() {
		return pipeerr.Newf(pipeerr.Conflict, KindNotPaused, "execution %s is %s, not waiting", id, exec.State)
	}

	// back to the lease steps hold, now that the review is over
	r.extend(ctx, &exec, r.policy.LockTTL)

	tr := topology[exec.State]
	next := tr.Next
	if failure != nil {
		if exec.Payload.Error == nil {
			exec.Payload.Error = failure
		}
		next = tr.OnFailure
	}
	r.enter(&exec, next, "", failure, nil)
	if err := r.save(ctx, &exec); err != nil {
		return err
	}
	if err := r.store.Delete(ctx, tokenKey(token)); err != nil {
		_ = r.logger.Log("execution", id, "err", errors.Wrap(err, "forgetting task token"))
	}
	_ = r.logger.Log("execution", id, "action", "resume", "state", exec.State)
	r.schedule(id, 0)
	return nil
}

// Recover queues every execution that was moving when the daemon last
// stopped.
func (r *Runner) Recover(ctx context.Context) (int, error) {
	execs, err := r.Executions(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, exec := range execs {
		if exec.State.Terminal() || exec.State.Paused() {
			continue
		}
		r.schedule(exec.ID, 0)
		n++
	}
	return n, nil
}

func (r *Runner) schedule(id string, delay time.Duration) {
	submit := func() {
		r.jobs.Submit("advance", func(ctx context.Context, logger log.Logger) (job.Result, error) {
			return r.Advance(ctx, id)
		})
	}
	if delay <= 0 {
		submit()
		return
	}
	r.after(delay, submit)
}

func (r *Runner) enter(exec *Execution, next State, step string, failure *ErrorInfo, patch []byte) {
	t := Transition{From: exec.State, To: next, Step: step, At: r.now()}
	if failure != nil {
		t.Error = failure.Error
	}
	if len(patch) > 0 {
		t.Patch = json.RawMessage(patch)
	}
	exec.History = append(exec.History, t)
	exec.State = next
	exec.Attempts = 0
	exec.EnteredAt = r.now()
}

// delay is the wait before the given attempt of a state.
func (r *Runner) delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialInterval
	b.MaxInterval = r.policy.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < attempt && d < r.policy.MaxInterval; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (r *Runner) lock(ctx context.Context, id string, p *Payload) error {
	t, err := p.Target(p.Environment)
	if err != nil {
		return err
	}
	name := LockName(p.Environment, t.StackName)
	ok, err := r.store.Acquire(ctx, name, id, r.policy.LockTTL)
	if err != nil {
		return err
	}
	if !ok {
		return pipeerr.Newf(pipeerr.NotReady, KindTargetBusy, "%s is held by another execution", name)
	}
	return nil
}

// extend renews the execution's lease on the target of its current
// environment, if it has one.
func (r *Runner) extend(ctx context.Context, exec *Execution, ttl time.Duration) {
	p := &exec.Payload
	t, err := p.Target(p.Environment)
	if err != nil || ttl <= 0 {
		return
	}
	name := LockName(p.Environment, t.StackName)
	ok, err := r.store.Acquire(ctx, name, exec.ID, ttl)
	switch {
	case err != nil:
		_ = r.logger.Log("execution", exec.ID, "lock", name, "err", errors.Wrap(err, "extending lock"))
	case !ok:
		_ = r.logger.Log("execution", exec.ID, "lock", name, "warning", "lock is held by another execution")
	}
}

func (r *Runner) unlock(ctx context.Context, exec *Execution) {
	for env, t := range exec.Payload.Targets {
		if t == nil {
			continue
		}
		if err := r.store.Release(ctx, LockName(env, t.StackName), exec.ID); err != nil {
			_ = r.logger.Log("execution", exec.ID, "err", errors.Wrap(err, "releasing lock"))
		}
	}
	if token := exec.Payload.TaskToken; token != "" {
		_ = r.store.Delete(ctx, tokenKey(token))
	}
}

func clonePayload(p Payload) (Payload, []byte, error) {
	bytes, err := json.Marshal(p)
	if err != nil {
		return Payload{}, nil, errors.Wrap(err, "encoding payload")
	}
	var c Payload
	if err := json.Unmarshal(bytes, &c); err != nil {
		return Payload{}, nil, errors.Wrap(err, "decoding payload")
	}
	return c, bytes, nil
}

// Advance runs the step of the execution's current state once and
// moves the execution on according to the result.
func (r *Runner) Advance(ctx context.Context, id string) (job.Result, error) {
	defer r.hold(id)()

	exec, err := r.load(ctx, id)
	if err != nil {
		return job.Result{Execution: id}, err
	}
	result := job.Result{Execution: id, State: string(exec.State)}
	if exec.State.Terminal() || exec.State.Paused() {
		return result, nil
	}
	tr, ok := topology[exec.State]
	if !ok {
		return result, pipeerr.Newf(pipeerr.Server, "", "execution %s is in unknown state %s", id, exec.State)
	}
	logger := log.With(r.logger, "execution", id, "state", exec.State)

	work, before, err := clonePayload(exec.Payload)
	if err != nil {
		return result, err
	}
	if tr.Env != "" {
		work.Environment = tr.Env
	}
	if topology[tr.Next].Pause && work.TaskToken == "" {
		work.TaskToken = uuid.New().String()
		if err := r.store.Put(ctx, tokenKey(work.TaskToken), id); err != nil {
			return result, err
		}
	}

	var stepErr error
	if tr.Lock {
		stepErr = r.lock(ctx, id, &work)
	}
	if stepErr == nil && tr.Step != "" {
		stepErr = r.steps.Run(ctx, tr.Step, &work)
	}

	// Whatever the step got done is kept, even when it failed part way:
	// cleanup needs to know about a branch created by a step that then
	// failed.
	after, err := json.Marshal(work)
	if err != nil {
		return result, errors.Wrap(err, "encoding payload")
	}
	patch, err := jsonpatch.CreateMergePatch(before, after)
	if err != nil {
		return result, errors.Wrap(err, "diffing payload")
	}
	// Apply the change to the stored execution rather than the copy
	// read before the step: another daemon may have resumed it meanwhile.
	current, err := r.load(ctx, id)
	if err != nil {
		return result, err
	}
	if current.State != exec.State {
		_ = logger.Log("step", tr.Step, "info", "execution moved on while the step ran", "now", current.State)
		return job.Result{Execution: id, State: string(current.State)}, nil
	}
	stored, err := json.Marshal(current.Payload)
	if err != nil {
		return result, errors.Wrap(err, "encoding payload")
	}
	merged, err := jsonpatch.MergePatch(stored, patch)
	if err != nil {
		return result, errors.Wrap(err, "patching payload")
	}
	exec = current
	exec.Payload = Payload{}
	if err := json.Unmarshal(merged, &exec.Payload); err != nil {
		return result, errors.Wrap(err, "decoding payload")
	}

	switch {
	case stepErr == nil:
		next := tr.Next
		if tr.Final {
			next = Succeeded
			if exec.Payload.Error != nil {
				next = Failed
			}
		}
		r.enter(&exec, next, tr.Step, nil, patch)
		if exec.State.Paused() {
			r.extend(ctx, &exec, r.policy.PausedLockTTL)
		}

	case pipeerr.IsNotReady(stepErr) && !r.exhausted(&exec):
		exec.Attempts++
		pollAttempts.With(pipemetrics.LabelStep, tr.Step).Add(1)
		wait := r.delay(exec.Attempts)
		_ = logger.Log("step", tr.Step, "attempt", exec.Attempts, "retry_in", wait, "info", stepErr)
		if err := r.save(ctx, &exec); err != nil {
			return result, err
		}
		r.schedule(id, wait)
		return result, nil

	default:
		if pipeerr.IsNotReady(stepErr) {
			stepErr = pipeerr.New(pipeerr.TimedOut, pipeerr.KindTimedOut,
				errors.Wrapf(stepErr, "gave up on %s after %d attempts", exec.State, exec.Attempts))
		}
		_ = logger.Log("step", tr.Step, "err", stepErr)
		exec.Payload.Fail(stepErr)
		info := &ErrorInfo{Error: pipeerr.KindOf(stepErr), Cause: stepErr.Error()}
		r.enter(&exec, tr.OnFailure, tr.Step, info, patch)
	}

	if exec.State.Terminal() {
		r.unlock(ctx, &exec)
		defer r.forget(id)
		executionsFinished.With(pipemetrics.LabelSuccess, fmt.Sprint(exec.State == Succeeded)).Add(1)
	}
	if err := r.save(ctx, &exec); err != nil {
		return result, err
	}
	_ = logger.Log("next", exec.State)
	result.State = string(exec.State)
	if !exec.State.Terminal() && !exec.State.Paused() {
		r.schedule(id, 0)
	}
	return result, stepErr
}

func (r *Runner) exhausted(exec *Execution) bool {
	if r.policy.MaxAttempts > 0 && exec.Attempts+1 >= r.policy.MaxAttempts {
		return true
	}
	return r.policy.MaxElapsed > 0 && r.now().Sub(exec.EnteredAt) >= r.policy.MaxElapsed
}
