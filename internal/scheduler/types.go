package scheduler

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"postpilot/internal/automation"
)

// Config controls the due-check cadence and the job queue. Zero fields fall
// back to defaults via withDefaults.
type Config struct {
	Enabled    bool
	Tick       time.Duration
	QueueSize  int
	StartGrace time.Duration
	Debounce   time.Duration
}

const (
	defaultTick       = 30 * time.Second
	defaultQueueSize  = 16
	defaultStartGrace = 30 * time.Second
	defaultDebounce   = 5 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = defaultTick
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.StartGrace <= 0 {
		c.StartGrace = defaultStartGrace
	}
	if c.Debounce <= 0 {
		c.Debounce = defaultDebounce
	}
	return c
}

// RunSettings are the per-run posting knobs. They are read fresh for every
// job, so config hot reloads apply to the next run without a restart.
type RunSettings struct {
	MinDelay   time.Duration // between consecutive destination posts
	MaxDelay   time.Duration
	RetryDelay time.Duration // reschedule delay when preconditions fail
	MaxRetries int           // accepted but unused by the run loop (reserved)
	Detailed   bool
}

const (
	defaultMinDelay   = 60 * time.Second
	defaultMaxDelay   = 120 * time.Second
	defaultRetryDelay = 5 * time.Minute
)

func (r RunSettings) withDefaults() RunSettings {
	if r.MinDelay <= 0 {
		r.MinDelay = defaultMinDelay
	}
	if r.MaxDelay <= 0 {
		r.MaxDelay = defaultMaxDelay
	}
	if r.RetryDelay <= 0 {
		r.RetryDelay = defaultRetryDelay
	}
	return r
}

// job is one unit of work for the worker. The snapshot is a deep copy taken
// at enqueue time; registry mutations after enqueue never leak into it.
type job struct {
	id         string
	postID     string
	snapshot   *automation.Automation
	template   *automation.Template
	enqueuedAt time.Time
	forced     bool
}

// StatusInfo is a point-in-time diagnostic snapshot.
type StatusInfo struct {
	Enabled     bool `json:"enabled"`
	WorkerAlive bool `json:"worker_alive"`
	WorkerBusy  bool `json:"worker_busy"`
	QueueLen    int  `json:"queue_len"`
	QueueCap    int  `json:"queue_cap"`
	Automations int  `json:"automations"`
}

// Bus event types published by the scheduler.
const (
	EventRunStarted     = "run.started"
	EventRunFinished    = "run.finished"
	EventRunFailed      = "run.failed"
	EventRunRescheduled = "run.rescheduled"
)

// RunEvent is the payload for run lifecycle bus events.
type RunEvent struct {
	JobID        string        `json:"job_id"`
	AutomationID string        `json:"automation_id"`
	TemplateID   string        `json:"template_id,omitempty"`
	Targeted     int           `json:"targeted,omitempty"`
	Successful   int           `json:"successful,omitempty"`
	Failed       int           `json:"failed,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
	NextRunAt    time.Time     `json:"next_run_at,omitzero"`
	Reason       string        `json:"reason,omitempty"`
}

// nextInterval returns the gap until the automation's next run, counted from
// now. A valid cron Schedule wins over FrequencyHours.
func nextInterval(a *automation.Automation, now time.Time) time.Duration {
	if strings.TrimSpace(a.Schedule) != "" {
		if sched, err := cron.ParseStandard(a.Schedule); err == nil {
			if d := sched.Next(now).Sub(now); d > 0 {
				return d
			}
		}
	}
	return time.Duration(a.FrequencyHours * float64(time.Hour))
}
