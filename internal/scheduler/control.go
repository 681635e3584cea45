package scheduler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"postpilot/internal/automation"
	logx "postpilot/pkg/logx"
)

// Add registers a new automation and returns its id.
//
// startImmediately schedules the first run after a short grace window
// instead of a full interval; the grace absorbs accidental double-adds.
func (s *Service) Add(templateID string, destinations []string, frequencyHours float64, schedule string, startImmediately bool) (string, error) {
	dests := make([]string, 0, len(destinations))
	for _, d := range destinations {
		if d = strings.TrimSpace(d); d != "" {
			dests = append(dests, d)
		}
	}
	if len(dests) == 0 {
		return "", errors.New("at least one destination is required")
	}

	schedule = strings.TrimSpace(schedule)
	if schedule != "" {
		if _, err := cron.ParseStandard(schedule); err != nil {
			return "", fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
		}
	} else if frequencyHours <= 0 {
		return "", errors.New("frequency must be positive")
	}
	if strings.TrimSpace(templateID) == "" {
		return "", errors.New("template id is required")
	}

	now := s.now()
	cfg := s.currentConfig()

	a := &automation.Automation{
		ID:             fmt.Sprintf("auto_%d_%d", now.Unix(), s.idSeq.Add(1)),
		TemplateID:     templateID,
		Destinations:   dests,
		FrequencyHours: frequencyHours,
		Schedule:       schedule,
		Status:         automation.StatusOngoing,
		CreatedAt:      now,
	}
	if startImmediately {
		a.NextRunAt = now.Add(cfg.StartGrace)
	} else {
		a.NextRunAt = now.Add(nextInterval(a, now))
	}

	s.reg.add(a)
	s.log.Info("automation added",
		logx.String("id", a.ID), logx.String("template_id", templateID),
		logx.Int("destinations", len(dests)), logx.Time("next_run_at", a.NextRunAt))
	return a.ID, nil
}

// Pause suspends due-checks for the automation. Returns false on unknown id.
// Pausing an already-paused automation is a no-op; a stopped one stays
// stopped (terminal state).
func (s *Service) Pause(id string) bool {
	found := s.reg.update(id, func(a *automation.Automation) {
		if a.Status == automation.StatusOngoing {
			a.Status = automation.StatusPaused
		}
	})
	if found {
		s.log.Info("automation paused", logx.String("id", id))
	}
	return found
}

// Resume returns a paused automation to Ongoing. A NextRunAt that went stale
// while paused is reset to now + interval so resuming never floods the
// queue with missed occurrences. Stopped automations do not resume.
func (s *Service) Resume(id string) bool {
	now := s.now()
	found := s.reg.update(id, func(a *automation.Automation) {
		if a.Status != automation.StatusPaused {
			return
		}
		a.Status = automation.StatusOngoing
		if !a.NextRunAt.After(now) {
			a.NextRunAt = now.Add(nextInterval(a, now))
		}
	})
	if found {
		s.log.Info("automation resumed", logx.String("id", id))
	}
	return found
}

// Delete removes the automation. An in-flight job for it completes on its
// snapshot; the registry just forgets the id.
func (s *Service) Delete(id string) bool {
	removed := s.reg.remove(id)
	if removed {
		s.log.Info("automation deleted", logx.String("id", id))
	}
	return removed
}

// ForceExecute enqueues a run immediately without touching NextRunAt, so
// the regular cadence is unaffected. Returns false when the id is unknown,
// the automation is not Ongoing, its template cannot be resolved, or the
// queue is full.
func (s *Service) ForceExecute(id string) bool {
	s.mu.Lock()
	queue := s.queue
	s.mu.Unlock()
	if queue == nil {
		s.log.Warn("force execute ignored; scheduler not running", logx.String("id", id))
		return false
	}

	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()

	a, ok := s.reg.autos[id]
	if !ok {
		return false
	}
	if a.Status != automation.StatusOngoing {
		s.log.Warn("force execute refused; automation not ongoing",
			logx.String("id", id), logx.String("status", a.Status.String()))
		return false
	}
	tpl, err := s.resolveTemplate(a.TemplateID)
	if err != nil {
		s.log.Error("force execute refused; template resolution failed",
			logx.String("id", id), logx.String("template_id", a.TemplateID), logx.Err(err))
		return false
	}

	j := job{
		id:         uuid.NewString(),
		postID:     id,
		snapshot:   a.Clone(),
		template:   tpl,
		enqueuedAt: s.now(),
		forced:     true,
	}
	select {
	case queue <- j:
	default:
		s.log.Warn("force execute refused; queue full", logx.String("id", id))
		return false
	}
	s.log.Info("forced execution enqueued", logx.String("id", id), logx.String("job_id", j.id))
	return true
}

// Get returns a deep copy of one automation.
func (s *Service) Get(id string) (automation.Automation, bool) {
	a, ok := s.reg.get(id)
	if !ok {
		return automation.Automation{}, false
	}
	return *a, true
}

// List returns a deep-copied snapshot sorted by id.
func (s *Service) List() []automation.Automation {
	return s.reg.snapshot()
}

// Status reports queue and worker diagnostics.
func (s *Service) Status() StatusInfo {
	s.mu.Lock()
	queue := s.queue
	enabled := s.cfg.Enabled
	s.mu.Unlock()

	info := StatusInfo{
		Enabled:     enabled,
		WorkerAlive: s.alive.Load(),
		WorkerBusy:  s.busy.Load(),
		Automations: s.reg.count(),
	}
	if queue != nil {
		info.QueueLen = len(queue)
		info.QueueCap = cap(queue)
	}
	return info
}
