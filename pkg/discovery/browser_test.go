package discovery

import (
	"errors"
	"reflect"
	"sort"
	"testing"
)

const testType = "_scPub._tcp"

func browseReply(name string, added, more bool) BrowseReply {
	return BrowseReply{
		Added:      added,
		MoreComing: more,
		Name:       name,
		Type:       testType + ".",
		Domain:     DefaultDomain,
	}
}

func TestBrowserFoundThenLost(t *testing.T) {
	d := NewMockDaemon()
	b, _ := newTestBrowser(t, d, testType)

	var found, lost [][]string
	b.OnFound(func(entries []*ServiceEntry) { found = append(found, names(entries)) })
	b.OnLost(func(entries []*ServiceEntry) { lost = append(lost, names(entries)) })

	if err := b.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	d.InjectBrowse(browseReply("Pub1", true, true))
	d.InjectBrowse(browseReply("Pub2", true, false))
	drain(t, &b.Transaction)

	if len(found) != 1 {
		t.Fatalf("found signals = %v, want exactly one", found)
	}
	got := append([]string(nil), found[0]...)
	sort.Strings(got)
	if !reflect.DeepEqual(got, []string{"Pub1", "Pub2"}) {
		t.Errorf("found batch = %v, want [Pub1 Pub2]", got)
	}

	d.InjectBrowse(browseReply("Pub1", false, false))
	drain(t, &b.Transaction)

	if len(lost) != 1 || !reflect.DeepEqual(lost[0], []string{"Pub1"}) {
		t.Errorf("lost signals = %v, want [[Pub1]]", lost)
	}
	if e := b.EntryByName("Pub1"); e != nil {
		t.Errorf("EntryByName(Pub1) = %v, want nil", e)
	}
	if e := b.EntryByName("Pub2"); e == nil {
		t.Error("EntryByName(Pub2) = nil")
	}
}

func TestBrowserBatchOrdering(t *testing.T) {
	d := NewMockDaemon()
	b, _ := newTestBrowser(t, d, testType)

	var order []string
	var batches [][]string
	b.OnFound(func(entries []*ServiceEntry) {
		order = append(order, "found")
		batches = append(batches, names(entries))
	})
	b.OnLost(func(entries []*ServiceEntry) {
		order = append(order, "lost")
		batches = append(batches, names(entries))
	})

	if err := b.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Seed A and C so their removal is reported.
	d.InjectBrowse(browseReply("A", true, true))
	d.InjectBrowse(browseReply("C", true, false))
	drain(t, &b.Transaction)
	order, batches = nil, nil

	d.InjectBrowse(browseReply("A", false, true))
	d.InjectBrowse(browseReply("B", true, true))
	d.InjectBrowse(browseReply("C", false, false))
	d.InjectBrowse(browseReply("D", true, false))
	drain(t, &b.Transaction)

	wantOrder := []string{"lost", "found", "found"}
	if !reflect.DeepEqual(order, wantOrder) {
		t.Fatalf("signal order = %v, want %v", order, wantOrder)
	}
	wantBatches := [][]string{{"A", "C"}, {"B"}, {"D"}}
	if !reflect.DeepEqual(batches, wantBatches) {
		t.Errorf("batches = %v, want %v", batches, wantBatches)
	}
}

func TestBrowserFoundAndLostInOneBatch(t *testing.T) {
	d := NewMockDaemon()
	b, _ := newTestBrowser(t, d, testType)

	var found, lost [][]string
	b.OnFound(func(entries []*ServiceEntry) { found = append(found, names(entries)) })
	b.OnLost(func(entries []*ServiceEntry) { lost = append(lost, names(entries)) })

	if err := b.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	d.InjectBrowse(browseReply("A", true, true))
	d.InjectBrowse(browseReply("B", true, true))
	d.InjectBrowse(browseReply("B", false, false))
	drain(t, &b.Transaction)

	if len(lost) != 0 {
		t.Errorf("lost signals = %v, want none", lost)
	}
	if !reflect.DeepEqual(found, [][]string{{"A"}}) {
		t.Errorf("found signals = %v, want [[A]]", found)
	}
	if e := b.EntryByName("B"); e != nil {
		t.Errorf("EntryByName(B) = %v, want nil", e)
	}
}

func TestBrowserDuplicateAddKeepsEntry(t *testing.T) {
	d := NewMockDaemon()
	b, _ := newTestBrowser(t, d, testType)

	var found, lost [][]*ServiceEntry
	b.OnFound(func(entries []*ServiceEntry) { found = append(found, entries) })
	b.OnLost(func(entries []*ServiceEntry) { lost = append(lost, entries) })

	if err := b.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	d.InjectBrowse(browseReply("Radar1", true, false))
	drain(t, &b.Transaction)
	first := b.EntryByName("Radar1")
	if first == nil || len(found) != 1 {
		t.Fatalf("found signals = %d, entry = %v", len(found), first)
	}

	d.InjectBrowse(browseReply("Radar1", true, false))
	drain(t, &b.Transaction)
	if len(found) != 1 {
		t.Errorf("found signals = %d after re-announcement, want 1", len(found))
	}
	if got := b.EntryByName("Radar1"); got != first {
		t.Error("re-announcement replaced the entry")
	}
	if n := len(b.Entries()); n != 1 {
		t.Errorf("len(Entries()) = %d, want 1", n)
	}

	d.InjectBrowse(browseReply("Radar1", false, false))
	drain(t, &b.Transaction)
	if len(lost) != 1 || len(lost[0]) != 1 || lost[0][0] != first {
		t.Fatalf("lost signals = %v, want the original entry once", lost)
	}
}

func TestBrowserLostUnknownIgnored(t *testing.T) {
	d := NewMockDaemon()
	b, _ := newTestBrowser(t, d, testType)

	lostCalls := 0
	b.OnLost(func([]*ServiceEntry) { lostCalls++ })

	if err := b.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	d.InjectBrowse(browseReply("Ghost", false, false))
	d.InjectBrowse(BrowseReply{Err: errors.New("transient")})
	drain(t, &b.Transaction)

	if lostCalls != 0 {
		t.Errorf("lost signal fired %d times for an unknown entry", lostCalls)
	}
	if !b.IsRunning() {
		t.Error("reply error stopped the browser")
	}
}

func TestBrowserSeesRegistrations(t *testing.T) {
	d := NewMockDaemon()
	p, _ := newTestPublisher(t, d, testType)
	if err := p.Publish("Radar1", false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	b, f := newTestBrowser(t, d, testType)
	var found []string
	b.OnFound(func(entries []*ServiceEntry) { found = append(found, names(entries)...) })
	if err := b.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	drain(t, &b.Transaction)

	if !reflect.DeepEqual(found, []string{"Radar1"}) {
		t.Fatalf("found = %v, want [Radar1]", found)
	}
	// One monitor for the browser and one for the entry.
	if len(f.monitors) != 2 {
		t.Errorf("factory made %d monitors, want 2", len(f.monitors))
	}

	var lost []string
	b.OnLost(func(entries []*ServiceEntry) { lost = append(lost, names(entries)...) })
	p.Stop()
	drain(t, &b.Transaction)

	if !reflect.DeepEqual(lost, []string{"Radar1"}) {
		t.Errorf("lost = %v, want [Radar1]", lost)
	}
}

func TestBrowserStopKeepsEntries(t *testing.T) {
	d := NewMockDaemon()
	b, _ := newTestBrowser(t, d, testType)
	if err := b.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	d.InjectBrowse(browseReply("Pub1", true, false))
	drain(t, &b.Transaction)

	if !b.Stop() {
		t.Fatal("Stop() = false")
	}
	if b.Stop() {
		t.Error("second Stop() = true")
	}
	if len(b.Entries()) != 1 {
		t.Errorf("Entries() = %d after Stop, want 1", len(b.Entries()))
	}
}

func TestBrowserStartFailure(t *testing.T) {
	d := NewMockDaemon()
	b, f := newTestBrowser(t, d, testType)

	d.FailNext(ErrClosed)
	if err := b.Start(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Start() error = %v, want ErrClosed", err)
	}
	if b.IsRunning() {
		t.Error("IsRunning() = true after failed Start")
	}
	if len(f.monitors[0].events) != 0 {
		t.Errorf("monitor events = %v, want none", f.monitors[0].events)
	}
}

func TestBrowserEntryPreference(t *testing.T) {
	d := NewMockDaemon()
	b, _ := newTestBrowser(t, d, testType)
	if err := b.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	for _, r := range []BrowseReply{
		{Added: true, MoreComing: true, Name: "Pub", Type: testType + ".", Domain: "local.", Interface: 3},
		{Added: true, MoreComing: true, Name: "Pub", Type: testType + ".", Domain: "local.", Interface: 2},
		{Added: true, MoreComing: false, Name: "Other", Type: testType + ".", Domain: "local.", Interface: 1},
	} {
		d.InjectBrowse(r)
	}
	drain(t, &b.Transaction)

	e := b.EntryByName("Pub")
	if e == nil {
		t.Fatal("EntryByName(Pub) = nil")
	}
	if e.Interface() != 2 {
		t.Errorf("EntryByName(Pub).Interface() = %d, want 2", e.Interface())
	}
	if got := PreferredEntry(b.Entries(), "Pub"); got != e {
		t.Error("PreferredEntry() disagrees with EntryByName()")
	}
	if got := names(b.Entries()); !reflect.DeepEqual(got, []string{"Other", "Pub", "Pub"}) {
		t.Errorf("Entries() = %v", got)
	}
}
