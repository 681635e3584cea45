package storage

import (
	"errors"
	"strings"
	"time"

	"postpilot/internal/automation"
	logx "postpilot/pkg/logx"
)

// Open initializes the configured store. An empty driver defaults to "file".
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// record is the persisted shape of an automation. Status is a plain string
// tag here so a record with an unknown tag degrades to Paused instead of
// aborting the load.
type record struct {
	ID             string    `json:"id"`
	TemplateID     string    `json:"template_id"`
	Destinations   []string  `json:"destinations"`
	FrequencyHours float64   `json:"frequency_hours"`
	Schedule       string    `json:"schedule,omitempty"`
	Status         string    `json:"status"`
	NextRunAt      time.Time `json:"next_run_at"`
	LastRunAt      time.Time `json:"last_run_at,omitzero"`
	CreatedAt      time.Time `json:"created_at"`
}

func (r record) toAutomation(log logx.Logger) automation.Automation {
	st, ok := automation.ParseStatus(r.Status)
	if !ok {
		// Fail safe: an unrecognized tag must not start posting on its own.
		log.Warn("unknown automation status; defaulting to paused",
			logx.String("id", r.ID), logx.String("status", r.Status))
	}
	return automation.Automation{
		ID:             r.ID,
		TemplateID:     r.TemplateID,
		Destinations:   r.Destinations,
		FrequencyHours: r.FrequencyHours,
		Schedule:       r.Schedule,
		Status:         st,
		NextRunAt:      r.NextRunAt,
		LastRunAt:      r.LastRunAt,
		CreatedAt:      r.CreatedAt,
	}
}

func toRecord(a automation.Automation) record {
	return record{
		ID:             a.ID,
		TemplateID:     a.TemplateID,
		Destinations:   a.Destinations,
		FrequencyHours: a.FrequencyHours,
		Schedule:       a.Schedule,
		Status:         a.Status.String(),
		NextRunAt:      a.NextRunAt,
		LastRunAt:      a.LastRunAt,
		CreatedAt:      a.CreatedAt,
	}
}
