package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"postpilot/internal/automation"
	"postpilot/internal/eventbus"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

type fakeStore struct {
	mu    sync.Mutex
	autos map[string]automation.Automation
	tpls  map[string]automation.Template
	logs  []automation.RunLogEntry

	saveErr error
	saves   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		autos: map[string]automation.Automation{},
		tpls:  map[string]automation.Template{},
	}
}

func (f *fakeStore) SaveAutomations(_ context.Context, autos map[string]automation.Automation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	if f.saveErr != nil {
		return f.saveErr
	}
	f.autos = map[string]automation.Automation{}
	for id, a := range autos {
		f.autos[id] = a
	}
	return nil
}

func (f *fakeStore) LoadAutomations(_ context.Context) (map[string]automation.Automation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]automation.Automation{}
	for id, a := range f.autos {
		out[id] = a
	}
	return out, nil
}

func (f *fakeStore) PutTemplate(_ context.Context, tpl automation.Template) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tpls[tpl.ID] = tpl
	return nil
}

func (f *fakeStore) GetTemplate(_ context.Context, id string) (*automation.Template, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tpl, ok := f.tpls[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &tpl, nil
}

func (f *fakeStore) AppendRunLog(_ context.Context, e automation.RunLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, e)
	return nil
}

func (f *fakeStore) ListRunLogs(_ context.Context, limit int) ([]automation.RunLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]automation.RunLogEntry(nil), f.logs...)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) runLogs() []automation.RunLogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]automation.RunLogEntry(nil), f.logs...)
}

type fakePublisher struct {
	mu       sync.Mutex
	loggedIn bool
	valid    bool
	fail     map[string]error // per-destination results
	sent     []string
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{loggedIn: true, valid: true, fail: map[string]error{}}
}

func (f *fakePublisher) IsLoggedIn() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loggedIn
}

func (f *fakePublisher) IsSessionValid(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.valid
}

func (f *fakePublisher) Publish(_ context.Context, destination string, _ automation.Template) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, destination)
	return f.fail[destination]
}

func (f *fakePublisher) sentTo() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// newTestService builds a service with a fixed clock, zero pacing, and a
// hand-armed queue so tests drive the due pass and worker directly.
func newTestService(t *testing.T, store *fakeStore, pub *fakePublisher) *Service {
	t.Helper()
	s := New(
		Config{Enabled: true, Tick: time.Second, QueueSize: 4, StartGrace: 30 * time.Second, Debounce: 5 * time.Minute},
		RunSettings{MinDelay: time.Second, MaxDelay: 2 * time.Second, RetryDelay: 5 * time.Minute},
		store, pub, eventbus.New(), logx.Nop(),
	)
	s.now = func() time.Time { return testNow }
	s.randDelay = func(_, _ time.Duration) time.Duration { return 0 }
	s.queue = make(chan job, 4)
	return s
}

func mustAdd(t *testing.T, s *Service, store *fakeStore, freqHours float64) string {
	t.Helper()
	if err := store.PutTemplate(context.Background(), automation.Template{ID: "tpl-1", Content: "hello"}); err != nil {
		t.Fatalf("PutTemplate: %v", err)
	}
	id, err := s.Add("tpl-1", []string{"@a", "@b", "@c"}, freqHours, "", false)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	return id
}

func drainOne(t *testing.T, s *Service) job {
	t.Helper()
	select {
	case j := <-s.queue:
		return j
	default:
		t.Fatal("expected a job in the queue")
		return job{}
	}
}

func TestLoadRehydratesFromStore(t *testing.T) {
	t.Parallel()
	store := newFakeStore()

	first := newTestService(t, store, newFakePublisher())
	id := mustAdd(t, first, store, 2)

	second := newTestService(t, store, newFakePublisher())
	if err := second.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	a, ok := second.Get(id)
	if !ok {
		t.Fatalf("automation %s not restored", id)
	}
	if a.Status != automation.StatusOngoing {
		t.Fatalf("Status = %v, want ongoing", a.Status)
	}
	if !a.NextRunAt.Equal(testNow.Add(2 * time.Hour)) {
		t.Fatalf("NextRunAt = %v, want %v", a.NextRunAt, testNow.Add(2*time.Hour))
	}
}
