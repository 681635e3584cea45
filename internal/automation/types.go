package automation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of an automation.
//
// It is persisted as its string tag ("ongoing"/"paused"/"stopped"), never as
// the numeric value, so stored data stays readable across releases.
type Status int

const (
	StatusOngoing Status = iota
	StatusPaused
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusOngoing:
		return "ongoing"
	case StatusPaused:
		return "paused"
	case StatusStopped:
		return "stopped"
	default:
		return "paused"
	}
}

// ParseStatus maps a persisted tag back to a Status.
//
// Unknown tags resolve to StatusPaused with ok=false (fail safe, not fail
// open): a record we do not understand must not start posting on its own.
func ParseStatus(tag string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "ongoing":
		return StatusOngoing, true
	case "paused":
		return StatusPaused, true
	case "stopped":
		return StatusStopped, true
	default:
		return StatusPaused, false
	}
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var tag string
	if err := json.Unmarshal(b, &tag); err != nil {
		return err
	}
	st, ok := ParseStatus(tag)
	if !ok {
		return fmt.Errorf("unknown automation status %q", tag)
	}
	*s = st
	return nil
}

// Automation is a user-configured recurring posting schedule.
//
// Destinations are attempted strictly in order within a run; that ordering is
// part of the contract (it is the rate-limiting mechanism protecting the
// external target).
type Automation struct {
	ID           string    `json:"id"`
	TemplateID   string    `json:"template_id"`
	Destinations []string  `json:"destinations"`
	// FrequencyHours is the interval between automatic runs. Ignored when
	// Schedule is set.
	FrequencyHours float64 `json:"frequency_hours"`
	// Schedule is an optional standard cron expression (e.g. "0 9 * * *").
	// When valid it drives next-due computation instead of FrequencyHours.
	Schedule  string    `json:"schedule,omitempty"`
	Status    Status    `json:"status"`
	NextRunAt time.Time `json:"next_run_at"`
	// LastRunAt is the zero time until the first run completes.
	LastRunAt time.Time `json:"last_run_at,omitzero"`
	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a deep copy. Jobs snapshot automations at enqueue time so
// later registry mutations never leak into an in-flight run.
func (a *Automation) Clone() *Automation {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Destinations = append([]string(nil), a.Destinations...)
	return &cp
}

// Template is externally managed post content, referenced by automations.
// Template management itself is out of scope; storage only needs Put/Get.
type Template struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	Images    []string  `json:"images,omitempty"`
	CreatedAt time.Time `json:"created_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// RunLogEntry records one completed run for observability. Status is
// "success" when at least one destination succeeded, "failed" otherwise.
type RunLogEntry struct {
	At           time.Time `json:"timestamp"`
	AutomationID string    `json:"post_id"`
	TemplateID   string    `json:"template_id"`
	Targeted     int       `json:"groups_targeted"`
	Successful   int       `json:"successful_posts"`
	Failed       int       `json:"failed_posts"`
	NextRunAt    time.Time `json:"next_scheduled"`
	Status       string    `json:"status"`
}
