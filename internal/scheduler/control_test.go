package scheduler

import (
	"testing"
	"time"

	"postpilot/internal/automation"
)

func TestAddSchedulesFirstRun(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	s := newTestService(t, store, newFakePublisher())

	id := mustAdd(t, s, store, 2)
	a, ok := s.Get(id)
	if !ok {
		t.Fatalf("automation %s not found after Add", id)
	}
	if want := testNow.Add(2 * time.Hour); !a.NextRunAt.Equal(want) {
		t.Fatalf("NextRunAt = %v, want %v", a.NextRunAt, want)
	}
	if a.Status != automation.StatusOngoing {
		t.Fatalf("Status = %v, want ongoing", a.Status)
	}
	if !a.LastRunAt.IsZero() {
		t.Fatalf("LastRunAt = %v, want zero", a.LastRunAt)
	}
}

func TestAddStartImmediatelyUsesGrace(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	s := newTestService(t, store, newFakePublisher())

	id, err := s.Add("tpl-1", []string{"@a"}, 2, "", true)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	a, _ := s.Get(id)
	if want := testNow.Add(30 * time.Second); !a.NextRunAt.Equal(want) {
		t.Fatalf("NextRunAt = %v, want %v", a.NextRunAt, want)
	}
}

func TestAddValidation(t *testing.T) {
	t.Parallel()
	s := newTestService(t, newFakeStore(), newFakePublisher())

	tests := []struct {
		name     string
		template string
		dests    []string
		freq     float64
		schedule string
	}{
		{name: "no destinations", template: "tpl-1", dests: nil, freq: 2},
		{name: "blank destinations", template: "tpl-1", dests: []string{" ", ""}, freq: 2},
		{name: "zero frequency", template: "tpl-1", dests: []string{"@a"}, freq: 0},
		{name: "negative frequency", template: "tpl-1", dests: []string{"@a"}, freq: -1},
		{name: "bad cron", template: "tpl-1", dests: []string{"@a"}, freq: 2, schedule: "not cron"},
		{name: "no template", template: " ", dests: []string{"@a"}, freq: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Add(tt.template, tt.dests, tt.freq, tt.schedule, false); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestAddWithCronSchedule(t *testing.T) {
	t.Parallel()
	s := newTestService(t, newFakeStore(), newFakePublisher())

	// Zero frequency is fine when a valid cron schedule drives the cadence.
	id, err := s.Add("tpl-1", []string{"@a"}, 0, "0 9 * * *", false)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	a, _ := s.Get(id)
	if !a.NextRunAt.After(testNow) {
		t.Fatalf("NextRunAt = %v, want after %v", a.NextRunAt, testNow)
	}
	// testNow is 12:00 UTC; next 09:00 is tomorrow.
	if want := time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC); !a.NextRunAt.Equal(want) {
		t.Fatalf("NextRunAt = %v, want %v", a.NextRunAt, want)
	}
}

func TestPauseAndResume(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	s := newTestService(t, store, newFakePublisher())
	id := mustAdd(t, s, store, 2)

	if s.Pause("nope") {
		t.Fatal("Pause(unknown) = true, want false")
	}
	if !s.Pause(id) {
		t.Fatal("Pause = false, want true")
	}
	a, _ := s.Get(id)
	if a.Status != automation.StatusPaused {
		t.Fatalf("Status = %v, want paused", a.Status)
	}

	// Make the stored NextRunAt stale, then resume: it must be reset to
	// now + interval instead of firing immediately.
	s.reg.update(id, func(a *automation.Automation) {
		a.NextRunAt = testNow.Add(-3 * time.Hour)
	})
	if !s.Resume(id) {
		t.Fatal("Resume = false, want true")
	}
	a, _ = s.Get(id)
	if a.Status != automation.StatusOngoing {
		t.Fatalf("Status = %v, want ongoing", a.Status)
	}
	if want := testNow.Add(2 * time.Hour); !a.NextRunAt.Equal(want) {
		t.Fatalf("NextRunAt after resume = %v, want %v", a.NextRunAt, want)
	}
}

func TestResumeDoesNotLeaveStopped(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	s := newTestService(t, store, newFakePublisher())
	id := mustAdd(t, s, store, 2)

	s.reg.update(id, func(a *automation.Automation) { a.Status = automation.StatusStopped })
	s.Resume(id)
	a, _ := s.Get(id)
	if a.Status != automation.StatusStopped {
		t.Fatalf("Status = %v, want stopped to stay terminal", a.Status)
	}
}

func TestDeleteForgetsAutomation(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	s := newTestService(t, store, newFakePublisher())
	id := mustAdd(t, s, store, 2)

	if !s.Delete(id) {
		t.Fatal("Delete = false, want true")
	}
	if s.Delete(id) {
		t.Fatal("second Delete = true, want false")
	}
	if _, ok := s.Get(id); ok {
		t.Fatal("deleted automation still listed")
	}
	if len(store.autos) != 0 {
		t.Fatalf("store still holds %d automations", len(store.autos))
	}
}

func TestForceExecute(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	s := newTestService(t, store, newFakePublisher())
	id := mustAdd(t, s, store, 2)
	before, _ := s.Get(id)

	if s.ForceExecute("nope") {
		t.Fatal("ForceExecute(unknown) = true, want false")
	}

	s.Pause(id)
	if s.ForceExecute(id) {
		t.Fatal("ForceExecute(paused) = true, want false")
	}
	s.Resume(id)

	if !s.ForceExecute(id) {
		t.Fatal("ForceExecute = false, want true")
	}
	j := drainOne(t, s)
	if j.postID != id || !j.forced {
		t.Fatalf("job = %+v, want forced job for %s", j, id)
	}

	// The regular cadence must be untouched.
	after, _ := s.Get(id)
	if !after.NextRunAt.Equal(before.NextRunAt) {
		t.Fatalf("NextRunAt changed by ForceExecute: %v -> %v", before.NextRunAt, after.NextRunAt)
	}
}

func TestForceExecuteMissingTemplate(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	s := newTestService(t, store, newFakePublisher())
	id, err := s.Add("missing-tpl", []string{"@a"}, 2, "", false)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if s.ForceExecute(id) {
		t.Fatal("ForceExecute with unresolved template = true, want false")
	}
}

func TestStatusSnapshot(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	s := newTestService(t, store, newFakePublisher())
	mustAdd(t, s, store, 2)

	info := s.Status()
	if !info.Enabled {
		t.Fatal("Enabled = false")
	}
	if info.Automations != 1 {
		t.Fatalf("Automations = %d, want 1", info.Automations)
	}
	if info.QueueCap != 4 || info.QueueLen != 0 {
		t.Fatalf("queue = %d/%d, want 0/4", info.QueueLen, info.QueueCap)
	}
}

func TestListReturnsDeepCopies(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	s := newTestService(t, store, newFakePublisher())
	id := mustAdd(t, s, store, 2)

	list := s.List()
	if len(list) != 1 {
		t.Fatalf("List len = %d, want 1", len(list))
	}
	list[0].Destinations[0] = "mutated"

	a, _ := s.Get(id)
	if a.Destinations[0] == "mutated" {
		t.Fatal("List leaked a reference into the registry")
	}
}
