package discovery

import (
	"context"
	"errors"
	"testing"
	"time"
)

// eventRef is a ServiceRef that logs lifecycle calls into a shared list.
type eventRef struct {
	*replyQueue
	events *[]string
}

func (r *eventRef) Deallocate() {
	*r.events = append(*r.events, "deallocate")
	r.replyQueue.Deallocate()
}

type eventMonitor struct {
	events *[]string
}

func (m *eventMonitor) ServiceStarted(t *Transaction) {
	*m.events = append(*m.events, "started")
}

func (m *eventMonitor) ServiceStopping(t *Transaction) {
	if !t.IsRunning() || t.Connection() == InvalidDescriptor {
		*m.events = append(*m.events, "stopping-invalid")
		return
	}
	*m.events = append(*m.events, "stopping")
}

func TestTransactionStop(t *testing.T) {
	var events []string
	tr := newTransaction(&eventMonitor{events: &events}, nil)

	if tr.IsRunning() {
		t.Fatal("IsRunning() = true before start")
	}
	if tr.Connection() != InvalidDescriptor {
		t.Errorf("Connection() = %d before start, want InvalidDescriptor", tr.Connection())
	}
	if tr.Ready() != nil {
		t.Error("Ready() != nil before start")
	}

	ref := &eventRef{replyQueue: newReplyQueue(nil, nil), events: &events}
	tr.started(ref, true)

	if tr.Connection() != ref.Descriptor() {
		t.Errorf("Connection() = %d, want %d", tr.Connection(), ref.Descriptor())
	}
	if tr.Connection() <= 2 {
		t.Errorf("Connection() = %d, want a descriptor above 2", tr.Connection())
	}

	if !tr.Stop() {
		t.Error("first Stop() = false, want true")
	}
	if tr.Connection() != InvalidDescriptor {
		t.Errorf("Connection() = %d after Stop, want InvalidDescriptor", tr.Connection())
	}
	if tr.Stop() {
		t.Error("second Stop() = true, want false")
	}

	want := []string{"started", "stopping", "deallocate"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("events = %v, want %v", events, want)
			break
		}
	}
}

func TestTransactionProcessConnection(t *testing.T) {
	t.Run("not running", func(t *testing.T) {
		tr := newTransaction(&recordingMonitor{}, nil)
		if tr.ProcessConnection() {
			t.Error("ProcessConnection() = true when not running")
		}
	})

	t.Run("nothing queued", func(t *testing.T) {
		tr := newTransaction(&recordingMonitor{}, nil)
		tr.started(newReplyQueue(nil, nil), true)
		if !tr.ProcessConnection() {
			t.Error("ProcessConnection() = false while running")
		}
		if !tr.IsRunning() {
			t.Error("IsRunning() = false after an empty poll")
		}
	})

	t.Run("finish auto-stops", func(t *testing.T) {
		m := &recordingMonitor{}
		tr := newTransaction(m, nil)
		q := newReplyQueue(nil, nil)
		tr.started(q, true)

		calls := 0
		q.post(func() {
			calls++
			tr.finish()
		})
		q.post(func() { calls++ })

		if !tr.ProcessConnection() {
			t.Fatal("ProcessConnection() = false")
		}
		if calls != 1 {
			t.Errorf("callback ran %d times, want 1", calls)
		}
		if tr.IsRunning() {
			t.Error("IsRunning() = true after finished reply")
		}
		if len(m.events) != 2 || m.events[1] != "stopping" {
			t.Errorf("monitor events = %v", m.events)
		}
	})

	t.Run("restart inside callback is kept", func(t *testing.T) {
		tr := newTransaction(&recordingMonitor{}, nil)
		first := newReplyQueue(nil, nil)
		second := newReplyQueue(nil, nil)
		tr.started(first, true)

		first.post(func() {
			tr.finish()
			tr.Stop()
			tr.started(second, true)
		})
		tr.ProcessConnection()

		if !tr.IsRunning() || tr.Connection() != second.Descriptor() {
			t.Error("restarted request was stopped")
		}
	})
}

func TestReplyQueue(t *testing.T) {
	t.Run("ready tracks queue", func(t *testing.T) {
		q := newReplyQueue(nil, nil)
		q.post(func() {})
		q.post(func() {})

		select {
		case <-q.Ready():
		default:
			t.Fatal("Ready() not signalled after post")
		}
		if err := q.ProcessResult(context.Background()); err != nil {
			t.Fatalf("ProcessResult() error = %v", err)
		}
		select {
		case <-q.Ready():
		default:
			t.Fatal("Ready() not re-signalled while replies remain")
		}
		if err := q.ProcessResult(context.Background()); err != nil {
			t.Fatalf("ProcessResult() error = %v", err)
		}
		select {
		case <-q.Ready():
			t.Fatal("Ready() signalled with an empty queue")
		default:
		}
	})

	t.Run("timeout", func(t *testing.T) {
		q := newReplyQueue(nil, nil)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		if err := q.ProcessResult(ctx); !errors.Is(err, ErrTimeout) {
			t.Errorf("ProcessResult() error = %v, want ErrTimeout", err)
		}
	})

	t.Run("deallocate discards", func(t *testing.T) {
		released := false
		q := newReplyQueue(nil, func() { released = true })
		called := false
		q.post(func() { called = true })

		q.Deallocate()
		q.Deallocate()

		if !released {
			t.Error("release hook not called")
		}
		if q.post(func() {}) {
			t.Error("post() = true after Deallocate")
		}
		if err := q.ProcessResult(context.Background()); !errors.Is(err, ErrNotRunning) {
			t.Errorf("ProcessResult() error = %v, want ErrNotRunning", err)
		}
		if called {
			t.Error("queued reply ran after Deallocate")
		}
		if err := q.UpdateRecord(nil); !errors.Is(err, ErrNotRunning) {
			t.Errorf("UpdateRecord() error = %v, want ErrNotRunning", err)
		}
	})

	t.Run("blocked caller wakes on deallocate", func(t *testing.T) {
		q := newReplyQueue(nil, nil)
		errCh := make(chan error, 1)
		go func() { errCh <- q.ProcessResult(context.Background()) }()

		time.Sleep(10 * time.Millisecond)
		q.Deallocate()

		select {
		case err := <-errCh:
			if !errors.Is(err, ErrNotRunning) {
				t.Errorf("ProcessResult() error = %v, want ErrNotRunning", err)
			}
		case <-time.After(time.Second):
			t.Fatal("ProcessResult() did not return after Deallocate")
		}
	})
}
