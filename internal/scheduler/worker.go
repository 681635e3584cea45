package scheduler

import (
	"context"
	"errors"
	"time"

	"postpilot/internal/automation"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan job) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j := <-queue:
			s.busy.Store(true)
			s.execJob(ctx, stopCh, j)
			s.busy.Store(false)
		}
	}
}

// execJob is the panic boundary around one run. A panicking job must not
// kill the worker or drop the automation: it gets rescheduled with the retry
// delay and the worker moves on.
func (s *Service) execJob(ctx context.Context, stopCh <-chan struct{}, j job) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic while executing job",
				logx.String("job_id", j.id), logx.String("id", j.postID),
				logx.Any("panic", r), logx.Stack(logx.StackTrace(3, 32)))
			s.reschedule(j, s.currentRun().RetryDelay, "panic")
		}
	}()
	s.runJob(ctx, stopCh, j)
}

func (s *Service) runJob(ctx context.Context, stopCh <-chan struct{}, j job) {
	run := s.currentRun()
	if run.MaxDelay < run.MinDelay {
		s.log.Warn("min delay exceeds max; using defaults",
			logx.Duration("min", run.MinDelay), logx.Duration("max", run.MaxDelay))
		run.MinDelay = defaultMinDelay
		run.MaxDelay = defaultMaxDelay
	}

	log := s.log.With(logx.String("job_id", j.id), logx.String("id", j.postID))
	start := s.now()

	// Preconditions: an unusable publisher is a transient condition, never a
	// reason to drop the automation.
	if s.pub == nil || !s.pub.IsLoggedIn() {
		log.Warn("publisher not logged in; run deferred")
		s.reschedule(j, run.RetryDelay, "not_logged_in")
		return
	}
	if !s.pub.IsSessionValid(ctx) {
		log.Warn("publisher session invalid; run deferred")
		s.reschedule(j, run.RetryDelay, "session_invalid")
		return
	}

	s.publish(EventRunStarted, RunEvent{
		JobID:        j.id,
		AutomationID: j.postID,
		TemplateID:   j.snapshot.TemplateID,
		Targeted:     len(j.snapshot.Destinations),
	})
	log.Info("run started",
		logx.Int("destinations", len(j.snapshot.Destinations)),
		logx.Bool("forced", j.forced),
		logx.Duration("queued_for", start.Sub(j.enqueuedAt)))

	var successful, failed int
	stopping := false
	for i, dest := range j.snapshot.Destinations {
		sendStart := s.now()
		err := s.pub.Publish(ctx, dest, *j.template)
		took := s.now().Sub(sendStart)
		if err != nil {
			failed++
			log.Warn("destination post failed",
				logx.String("destination", dest), logx.Duration("took", took), logx.Err(err))
		} else {
			successful++
			if run.Detailed {
				log.Info("destination posted",
					logx.String("destination", dest), logx.Duration("took", took))
			}
		}

		// Pacing between destinations. A stop signal skips the remaining
		// sleeps, but every destination still gets its attempt.
		if err == nil && i < len(j.snapshot.Destinations)-1 && !stopping {
			stopping = !s.pace(ctx, stopCh, s.randDelay(run.MinDelay, run.MaxDelay))
		}
	}

	now := s.now()
	interval := nextInterval(j.snapshot, now)
	next := now.Add(interval)
	status := "success"
	if successful == 0 {
		// Total failure: extended backoff before trying the whole set again.
		status = "failed"
		next = now.Add(run.RetryDelay * 3)
	}

	// Apply to the live automation only if it still exists. A deleted
	// automation completes its in-flight run on the snapshot and is not
	// resurrected.
	updated := s.reg.update(j.postID, func(a *automation.Automation) {
		a.LastRunAt = now
		a.NextRunAt = next
	})

	entry := automation.RunLogEntry{
		At:           now,
		AutomationID: j.postID,
		TemplateID:   j.snapshot.TemplateID,
		Targeted:     len(j.snapshot.Destinations),
		Successful:   successful,
		Failed:       failed,
		NextRunAt:    next,
		Status:       status,
	}
	s.appendRunLog(entry)

	evType := EventRunFinished
	if status == "failed" {
		evType = EventRunFailed
	}
	s.publish(evType, RunEvent{
		JobID:        j.id,
		AutomationID: j.postID,
		TemplateID:   j.snapshot.TemplateID,
		Targeted:     entry.Targeted,
		Successful:   successful,
		Failed:       failed,
		Duration:     now.Sub(start),
		NextRunAt:    next,
	})
	log.Info("run finished",
		logx.String("status", status),
		logx.Int("successful", successful), logx.Int("failed", failed),
		logx.Duration("took", now.Sub(start)),
		logx.Time("next_run_at", next),
		logx.Bool("still_registered", updated))
}

// pace sleeps for d, returning false when interrupted by stop/ctx.
func (s *Service) pace(ctx context.Context, stopCh <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stopCh:
		return false
	case <-t.C:
		return true
	}
}

// reschedule pushes the automation's NextRunAt out by delay. Used for
// precondition failures and panics; the run log is not written because no
// posting was attempted.
func (s *Service) reschedule(j job, delay time.Duration, reason string) {
	now := s.now()
	next := now.Add(delay)
	found := s.reg.update(j.postID, func(a *automation.Automation) {
		a.NextRunAt = next
	})
	if !found {
		return
	}
	s.publish(EventRunRescheduled, RunEvent{
		JobID:        j.id,
		AutomationID: j.postID,
		NextRunAt:    next,
		Reason:       reason,
	})
}

func (s *Service) appendRunLog(entry automation.RunLogEntry) {
	if s.reg.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.reg.store.AppendRunLog(ctx, entry); err != nil && !errors.Is(err, storage.ErrDisabled) {
		s.log.Error("appending run log failed", logx.Err(err))
	}
}
