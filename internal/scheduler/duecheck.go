package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"postpilot/internal/automation"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

func (s *Service) tickLoop(ctx context.Context, stopCh <-chan struct{}) {
	for {
		// Timer instead of Ticker so a hot-reloaded tick applies next cycle.
		t := time.NewTimer(s.currentConfig().Tick)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-stopCh:
			t.Stop()
			return
		case <-t.C:
			s.CheckDue(s.now())
		}
	}
}

// CheckDue runs one due pass. Exported so operators and tests can trigger a
// pass without waiting out the tick.
//
// The whole compare/enqueue/pre-update sequence runs under the registry
// lock: an automation observed as due is either enqueued and immediately
// advanced, or skipped untouched. There is no window in which a second pass
// can see the same due time.
func (s *Service) CheckDue(now time.Time) {
	cfg := s.currentConfig()

	s.mu.Lock()
	queue := s.queue
	s.mu.Unlock()
	if queue == nil {
		return
	}

	// Queue pressure: unconsumed jobs mean the worker is behind. Adding more
	// would only grow the backlog; due automations stay due and re-arm next
	// pass. Pre-update independently prevents duplicates either way.
	if len(queue) > 0 {
		s.log.Debug("due pass skipped; queue not drained",
			logx.Int("queue_len", len(queue)), logx.Int("queue_cap", cap(queue)))
		return
	}

	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()

	dirty := false
	for id, a := range s.reg.autos {
		if a.Status != automation.StatusOngoing {
			continue
		}
		if a.NextRunAt.After(now) {
			continue
		}
		if len(a.Destinations) == 0 {
			s.log.Warn("due automation has no destinations; skipping", logx.String("id", id))
			continue
		}
		if !a.LastRunAt.IsZero() && now.Sub(a.LastRunAt) < cfg.Debounce {
			s.log.Debug("due automation inside debounce window; skipping",
				logx.String("id", id), logx.Duration("since_last", now.Sub(a.LastRunAt)))
			continue
		}

		tpl, err := s.resolveTemplate(a.TemplateID)
		if err != nil {
			// No state mutation: the automation stays due and is retried on
			// the next pass once the template exists.
			s.log.Error("template resolution failed; skipping automation",
				logx.String("id", id), logx.String("template_id", a.TemplateID), logx.Err(err))
			continue
		}

		j := job{
			id:         uuid.NewString(),
			postID:     id,
			snapshot:   a.Clone(),
			template:   tpl,
			enqueuedAt: now,
		}

		select {
		case queue <- j:
		default:
			// No pre-update on a full queue, so this automation is retried
			// next pass instead of silently losing a cycle.
			s.log.Warn("job queue full; automation retried next pass",
				logx.String("id", id), logx.Int("queue_cap", cap(queue)))
			continue
		}

		// Pre-update: advance NextRunAt the moment the job is enqueued so a
		// later pass cannot enqueue the same occurrence while it waits.
		a.NextRunAt = now.Add(nextInterval(a, now))
		dirty = true
		s.log.Debug("job enqueued",
			logx.String("job_id", j.id), logx.String("id", id),
			logx.Time("next_run_at", a.NextRunAt))
	}

	if dirty {
		s.reg.persistLocked()
	}
}

func (s *Service) resolveTemplate(templateID string) (*automation.Template, error) {
	if s.reg.store == nil {
		return nil, storage.ErrDisabled
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return s.reg.store.GetTemplate(ctx, templateID)
}
