package discovery

import (
	"context"
	"errors"

	"github.com/pion/logging"
)

// pollContext is already cancelled, so ProcessResult never waits with it.
var pollContext = func() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}()

// Transaction is the lifecycle shared by Publisher, Browser and
// ServiceEntry: it owns at most one outstanding ServiceRef and reports its
// start and stop to a Monitor, which decides when replies get processed.
//
// A Transaction is not safe for concurrent use. Its Monitor guarantees that
// reply processing for a set of transactions is serialized; callers must
// operate on the transactions from the same context.
type Transaction struct {
	monitor   Monitor
	ref       ServiceRef
	monitored bool
	finished  bool
	log       logging.LeveledLogger
}

func newTransaction(monitor Monitor, log logging.LeveledLogger) Transaction {
	return Transaction{monitor: monitor, log: log}
}

// Monitor returns the monitor given at construction.
func (t *Transaction) Monitor() Monitor {
	return t.monitor
}

// IsRunning reports whether a request is outstanding.
func (t *Transaction) IsRunning() bool {
	return t.ref != nil
}

// Connection returns the descriptor of the outstanding request, or
// InvalidDescriptor when not running.
func (t *Transaction) Connection() Descriptor {
	if t.ref == nil {
		return InvalidDescriptor
	}
	return t.ref.Descriptor()
}

// Ready returns the readiness channel of the outstanding request, or nil
// when not running.
func (t *Transaction) Ready() <-chan struct{} {
	if t.ref == nil {
		return nil
	}
	return t.ref.Ready()
}

// started adopts ref and, when monitored, hands the transaction to the
// monitor.
func (t *Transaction) started(ref ServiceRef, monitored bool) {
	t.ref = ref
	t.finished = false
	t.monitored = monitored
	if monitored {
		t.monitor.ServiceStarted(t)
	}
}

// finish marks the current request complete; the transaction stops once
// the reply being processed returns.
func (t *Transaction) finish() {
	t.finished = true
}

// Stop releases the outstanding request. The monitor is told before the
// request is deallocated. Stop reports whether anything was running.
func (t *Transaction) Stop() bool {
	if t.ref == nil {
		return false
	}

	if t.monitored {
		t.monitor.ServiceStopping(t)
		t.monitored = false
	}

	ref := t.ref
	t.ref = nil
	ref.Deallocate()
	return true
}

// ProcessConnection delivers one pending reply to the transaction. It
// returns false when the transaction is not running.
func (t *Transaction) ProcessConnection() bool {
	if t.ref == nil {
		return false
	}
	t.pump(pollContext)
	return true
}

// pump processes one reply, waiting for it as long as ctx allows.
func (t *Transaction) pump(ctx context.Context) error {
	ref := t.ref
	err := ref.ProcessResult(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		if t.log != nil {
			t.log.Warnf("processing reply on descriptor %d failed: %v", ref.Descriptor(), err)
		}
	}

	// The callback may have stopped or restarted the transaction; only an
	// unchanged request is auto-stopped.
	if t.finished && t.ref == ref {
		t.Stop()
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
