package discovery

import (
	"testing"
)

// recordingMonitor records lifecycle calls without processing anything.
// Tests pump replies by hand with drain.
type recordingMonitor struct {
	events []string
	descs  []Descriptor
}

func (m *recordingMonitor) ServiceStarted(t *Transaction) {
	m.events = append(m.events, "started")
	m.descs = append(m.descs, t.Connection())
}

func (m *recordingMonitor) ServiceStopping(t *Transaction) {
	m.events = append(m.events, "stopping")
	m.descs = append(m.descs, t.Connection())
}

type recordingFactory struct {
	monitors []*recordingMonitor
}

func (f *recordingFactory) NewMonitor() Monitor {
	m := &recordingMonitor{}
	f.monitors = append(f.monitors, m)
	return m
}

// drain processes queued replies until none remain or the transaction
// stops. It returns the number of replies processed.
func drain(t *testing.T, tr *Transaction) int {
	t.Helper()

	count := 0
	for tr.IsRunning() {
		q, ok := tr.ref.(interface{ queued() int })
		if ok && q.queued() == 0 {
			break
		}
		tr.ProcessConnection()
		count++
		if count > 1000 {
			t.Fatal("drain() did not settle")
		}
	}
	return count
}

func names(entries []*ServiceEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name()
	}
	return out
}

func newTestPublisher(t *testing.T, d Daemon, typ string) (*Publisher, *recordingMonitor) {
	t.Helper()

	m := &recordingMonitor{}
	p, err := NewPublisher(PublisherConfig{
		Daemon:  d,
		Monitor: m,
		Type:    typ,
		Port:    5000,
	})
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}
	return p, m
}

func newTestBrowser(t *testing.T, d Daemon, typ string) (*Browser, *recordingFactory) {
	t.Helper()

	f := &recordingFactory{}
	b, err := NewBrowser(BrowserConfig{
		Daemon:         d,
		MonitorFactory: f,
		Type:           typ,
	})
	if err != nil {
		t.Fatalf("NewBrowser() error = %v", err)
	}
	return b, f
}
