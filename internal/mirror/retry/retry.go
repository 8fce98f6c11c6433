// Package retry reschedules mirror applies that failed for a transient reason
// (usually a type id whose definition has not arrived yet). Jobs are kept in
// per-scope FIFO order so a later message never overtakes an earlier one of
// the same scope. A Queue is owned by one goroutine; only the wakeup timer
// runs elsewhere.
package retry

import (
	"errors"
	"sort"
	"sync"
	"time"
)

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

type job struct {
	key      string
	apply    func() error
	due      time.Time
	attempts int
}

type Stats struct {
	Attempts  uint64
	Successes uint64
	Failures  uint64
	Dropped   uint64
	Pending   int
}

// Failure is a job that failed permanently while being retried.
type Failure struct {
	Scope string
	Key   string
	Err   error
}

type Queue struct {
	delay time.Duration
	now   func() time.Time

	scopes map[string][]*job

	due   chan struct{}
	mu    sync.Mutex
	timer *time.Timer
	armed time.Time

	stats Stats
}

func New(delay time.Duration) *Queue {
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	return &Queue{
		delay:  delay,
		now:    time.Now,
		scopes: map[string][]*job{},
		due:    make(chan struct{}, 1),
	}
}

// SetClock replaces the time source; tests use it to drive RunDue.
func (q *Queue) SetClock(now func() time.Time) { q.now = now }

func (q *Queue) Delay() time.Duration { return q.delay }

// Due fires when at least one scope may have a job ready.
func (q *Queue) Due() <-chan struct{} { return q.due }

// Submit applies immediately unless the scope already has a backlog, in
// which case the job waits its turn. A transient failure queues the job;
// any other error is returned to the caller.
func (q *Queue) Submit(scope, key string, apply func() error) error {
	now := q.now()
	if backlog := q.scopes[scope]; len(backlog) > 0 {
		q.scopes[scope] = append(backlog, &job{key: key, apply: apply, due: now})
		return nil
	}
	q.stats.Attempts++
	err := apply()
	if err == nil {
		q.stats.Successes++
		return nil
	}
	if !IsTransient(err) {
		q.stats.Failures++
		return err
	}
	q.scopes[scope] = []*job{{key: key, apply: apply, due: now.Add(q.delay), attempts: 1}}
	q.arm(now)
	return nil
}

// RunDue retries every scope whose head job is due, in scope order. A scope
// stops at its first transient failure; that job is due again after the
// fixed delay.
func (q *Queue) RunDue(now time.Time) []Failure {
	var failed []Failure
	for _, scope := range q.sortedScopes() {
		jobs := q.scopes[scope]
		for len(jobs) > 0 {
			j := jobs[0]
			if j.due.After(now) {
				break
			}
			j.attempts++
			q.stats.Attempts++
			err := j.apply()
			if err != nil && IsTransient(err) {
				j.due = now.Add(q.delay)
				break
			}
			if err != nil {
				q.stats.Failures++
				failed = append(failed, Failure{Scope: scope, Key: j.key, Err: err})
			} else {
				q.stats.Successes++
			}
			jobs = jobs[1:]
		}
		if len(jobs) == 0 {
			delete(q.scopes, scope)
		} else {
			q.scopes[scope] = jobs
		}
	}
	q.arm(now)
	return failed
}

// Drop discards a scope's backlog, e.g. when its target goes away.
func (q *Queue) Drop(scope string) int {
	n := len(q.scopes[scope])
	delete(q.scopes, scope)
	q.stats.Dropped += uint64(n)
	return n
}

func (q *Queue) Pending(scope string) int { return len(q.scopes[scope]) }

func (q *Queue) Stats() Stats {
	s := q.stats
	for _, jobs := range q.scopes {
		s.Pending += len(jobs)
	}
	return s
}

// Close stops the wakeup timer and drops everything.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.mu.Unlock()
	for scope := range q.scopes {
		q.Drop(scope)
	}
}

func (q *Queue) sortedScopes() []string {
	out := make([]string, 0, len(q.scopes))
	for s := range q.scopes {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// arm schedules a wakeup at the earliest head due time.
func (q *Queue) arm(now time.Time) {
	var next time.Time
	for _, jobs := range q.scopes {
		if len(jobs) == 0 {
			continue
		}
		if next.IsZero() || jobs[0].due.Before(next) {
			next = jobs[0].due
		}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if next.IsZero() {
		if q.timer != nil {
			q.timer.Stop()
		}
		q.armed = time.Time{}
		return
	}
	if !q.armed.IsZero() && !q.armed.After(next) {
		return
	}
	if q.timer != nil {
		q.timer.Stop()
	}
	d := next.Sub(now)
	if d < 0 {
		d = 0
	}
	q.armed = next
	q.timer = time.AfterFunc(d, q.fire)
}

func (q *Queue) fire() {
	q.mu.Lock()
	q.armed = time.Time{}
	q.mu.Unlock()
	select {
	case q.due <- struct{}{}:
	default:
	}
}
