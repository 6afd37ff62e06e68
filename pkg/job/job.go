// Package job runs the daemon's background work, webhook handling and
// workflow advancement, one job at a time off an unbounded queue.
package job

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/google/uuid"

	pipemetrics "github.com/pipewright/pipewright/pkg/metrics"
)

type ID string

func NewID() ID {
	return ID(uuid.New().String())
}

type Func func(ctx context.Context, logger log.Logger) (Result, error)

type Job struct {
	ID   ID
	Kind string
	Do   Func
}

type StatusString string

const (
	StatusQueued    StatusString = "queued"
	StatusRunning   StatusString = "running"
	StatusFailed    StatusString = "failed"
	StatusSucceeded StatusString = "succeeded"
)

// Result says which execution a job moved, and where it left it.
type Result struct {
	Execution string `json:"execution,omitempty"`
	State     string `json:"state,omitempty"`
}

type Status struct {
	Result       Result       `json:"result"`
	Err          string       `json:"err,omitempty"`
	StatusString StatusString `json:"status"`
}

func (s Status) Error() string {
	return s.Err
}

// Queue is an unbounded queue of jobs; enqueuing a job will always
// proceed, while dequeuing is done by receiving from a channel.
type Queue struct {
	ready       chan *Job
	incoming    chan *Job
	waiting     []*Job
	waitingLock sync.Mutex
}

func NewQueue(stop <-chan struct{}, wg *sync.WaitGroup) *Queue {
	q := &Queue{
		ready:    make(chan *Job),
		incoming: make(chan *Job),
		waiting:  make([]*Job, 0),
	}
	wg.Add(1)
	go q.loop(stop, wg)
	return q
}

// Len may lag behind a concurrent Enqueue or receive from Ready.
func (q *Queue) Len() int {
	q.waitingLock.Lock()
	defer q.waitingLock.Unlock()
	return len(q.waiting)
}

// Enqueue blocks until the queue's loop accepts the job, which does not
// depend on any job being dequeued.
func (q *Queue) Enqueue(j *Job) {
	q.incoming <- j
}

func (q *Queue) Ready() <-chan *Job {
	return q.ready
}

func (q *Queue) loop(stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		var out chan *Job = nil
		if len(q.waiting) > 0 {
			out = q.ready
		}

		select {
		case <-stop:
			return
		case in := <-q.incoming:
			q.waitingLock.Lock()
			q.waiting = append(q.waiting, in)
			q.waitingLock.Unlock()
		case out <- q.nextOrNil(): // cannot proceed if out is nil
			q.waitingLock.Lock()
			q.waiting = q.waiting[1:]
			q.waitingLock.Unlock()
		}
	}
}

func (q *Queue) nextOrNil() *Job {
	q.waitingLock.Lock()
	defer q.waitingLock.Unlock()
	if len(q.waiting) > 0 {
		return q.waiting[0]
	}
	return nil
}

// StatusCache remembers the status of the last Size jobs, evicting the
// oldest first.
type StatusCache struct {
	Size int

	cache []cacheEntry
	sync.RWMutex
}

type cacheEntry struct {
	ID     ID
	Status Status
}

func (c *StatusCache) SetStatus(id ID, status Status) {
	if c.Size <= 0 {
		return
	}
	c.Lock()
	defer c.Unlock()
	if i := c.statusIndex(id); i >= 0 {
		c.cache[i].Status = status
		return
	}
	if c.Size <= len(c.cache) {
		c.cache = c.cache[len(c.cache)-(c.Size-1):]
	}
	c.cache = append(c.cache, cacheEntry{ID: id, Status: status})
}

func (c *StatusCache) Status(id ID) (Status, bool) {
	c.RLock()
	defer c.RUnlock()
	i := c.statusIndex(id)
	if i < 0 {
		return Status{}, false
	}
	return c.cache[i].Status, true
}

func (c *StatusCache) statusIndex(id ID) int {
	for i := len(c.cache) - 1; i >= 0; i-- {
		if c.cache[i].ID == id {
			return i
		}
	}
	return -1
}

// Worker takes jobs off a queue and runs them, each under its own
// timeout.
type Worker struct {
	Queue   *Queue
	Status  *StatusCache
	Timeout time.Duration
	Logger  log.Logger
}

// Submit enqueues a job and marks it queued.
func (w *Worker) Submit(kind string, do Func) ID {
	id := NewID()
	w.Status.SetStatus(id, Status{StatusString: StatusQueued})
	w.Queue.Enqueue(&Job{ID: id, Kind: kind, Do: do})
	return id
}

func (w *Worker) Loop(stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-stop:
			_ = w.Logger.Log("stopping", "true")
			return
		case j := <-w.Queue.Ready():
			queueLength.Set(float64(w.Queue.Len()))
			w.run(j)
		}
	}
}

func (w *Worker) run(j *Job) {
	logger := log.With(w.Logger, "jobID", j.ID, "kind", j.Kind)
	ctx := context.Background()
	if w.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.Timeout)
		defer cancel()
	}

	w.Status.SetStatus(j.ID, Status{StatusString: StatusRunning})
	start := time.Now()
	result, err := j.Do(ctx, logger)
	jobDuration.With(
		pipemetrics.LabelSuccess, fmt.Sprint(err == nil),
	).Observe(time.Since(start).Seconds())
	if err != nil {
		_ = logger.Log("state", "done", "success", "false", "err", err)
		w.Status.SetStatus(j.ID, Status{StatusString: StatusFailed, Err: err.Error(), Result: result})
		return
	}
	_ = logger.Log("state", "done", "success", "true")
	w.Status.SetStatus(j.ID, Status{StatusString: StatusSucceeded, Result: result})
}
