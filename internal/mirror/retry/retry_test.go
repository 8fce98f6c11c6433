package retry

import (
	"errors"
	"testing"
	"time"
)

var errMissing = errors.New("type not yet defined")

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newQueue(delay time.Duration) (*Queue, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	q := New(delay)
	q.SetClock(clk.now)
	return q, clk
}

func TestSubmit_FailsOnceThenAppliesExactlyOnce(t *testing.T) {
	q, clk := newQueue(100 * time.Millisecond)
	defer q.Close()

	defined := false
	applied := 0
	apply := func() error {
		if !defined {
			return Transient(errMissing)
		}
		applied++
		return nil
	}
	if err := q.Submit("stockpile", "seq-7", apply); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if applied != 0 || q.Pending("stockpile") != 1 {
		t.Fatalf("applied=%d pending=%d", applied, q.Pending("stockpile"))
	}

	// Not yet due.
	q.RunDue(clk.t.Add(50 * time.Millisecond))
	if q.Stats().Attempts != 1 {
		t.Fatalf("retried before the delay: attempts=%d", q.Stats().Attempts)
	}

	defined = true
	clk.t = clk.t.Add(100 * time.Millisecond)
	if failed := q.RunDue(clk.t); len(failed) != 0 {
		t.Fatalf("failures: %v", failed)
	}
	if applied != 1 {
		t.Fatalf("applied=%d want 1", applied)
	}
	clk.t = clk.t.Add(time.Second)
	q.RunDue(clk.t)
	if applied != 1 || q.Stats().Pending != 0 {
		t.Fatalf("applied=%d pending=%d after drain", applied, q.Stats().Pending)
	}
}

func TestSubmit_BacklogKeepsScopeOrder(t *testing.T) {
	q, clk := newQueue(10 * time.Millisecond)
	defer q.Close()

	ready := false
	var order []string
	mk := func(name string, gate bool) func() error {
		return func() error {
			if gate && !ready {
				return Transient(errMissing)
			}
			order = append(order, name)
			return nil
		}
	}
	_ = q.Submit("r", "1", mk("first", true))
	_ = q.Submit("r", "2", mk("second", false))
	_ = q.Submit("other", "3", mk("independent", false))

	if len(order) != 1 || order[0] != "independent" {
		t.Fatalf("order=%v", order)
	}
	ready = true
	clk.t = clk.t.Add(10 * time.Millisecond)
	q.RunDue(clk.t)
	if len(order) != 3 || order[1] != "first" || order[2] != "second" {
		t.Fatalf("order=%v", order)
	}
}

func TestSubmit_PermanentErrorReturned(t *testing.T) {
	q, _ := newQueue(time.Second)
	defer q.Close()
	bad := errors.New("protocol violation")
	if err := q.Submit("s", "k", func() error { return bad }); !errors.Is(err, bad) {
		t.Fatalf("err=%v", err)
	}
	if q.Stats().Pending != 0 {
		t.Fatalf("permanent failure was queued")
	}
}

func TestRunDue_PermanentFailureReportedAndSkipped(t *testing.T) {
	q, clk := newQueue(time.Millisecond)
	defer q.Close()
	calls := 0
	_ = q.Submit("s", "k", func() error {
		calls++
		if calls == 1 {
			return Transient(errMissing)
		}
		return errors.New("halted")
	})
	clk.t = clk.t.Add(time.Millisecond)
	failed := q.RunDue(clk.t)
	if len(failed) != 1 || failed[0].Key != "k" {
		t.Fatalf("failed=%v", failed)
	}
	if q.Pending("s") != 0 {
		t.Fatalf("failed job still pending")
	}
}

func TestDrop(t *testing.T) {
	q, _ := newQueue(time.Hour)
	defer q.Close()
	_ = q.Submit("s", "a", func() error { return Transient(errMissing) })
	_ = q.Submit("s", "b", func() error { return nil })
	if n := q.Drop("s"); n != 2 {
		t.Fatalf("dropped=%d want 2", n)
	}
	if st := q.Stats(); st.Pending != 0 || st.Dropped != 2 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestDue_FiresAfterDelay(t *testing.T) {
	q := New(5 * time.Millisecond)
	defer q.Close()
	_ = q.Submit("s", "k", func() error { return Transient(errMissing) })
	select {
	case <-q.Due():
	case <-time.After(2 * time.Second):
		t.Fatalf("due never fired")
	}
}

func TestIsTransient_ThroughWrapping(t *testing.T) {
	base := Transient(errMissing)
	wrapped := errors.Join(errors.New("apply stockpile"), base)
	if !IsTransient(wrapped) || !errors.Is(wrapped, errMissing) {
		t.Fatalf("wrapping lost classification")
	}
	if IsTransient(errMissing) {
		t.Fatalf("plain error classified transient")
	}
}
