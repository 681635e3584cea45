package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"postpilot/internal/automation"
	logx "postpilot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SaveAutomations(ctx context.Context, autos map[string]automation.Automation) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Full-map mirror: replace the table wholesale, matching the registry
	// contract.
	if _, err := tx.ExecContext(ctx, `DELETE FROM automations`); err != nil {
		return err
	}
	for _, a := range autos {
		dests, err := json.Marshal(a.Destinations)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO automations(id, template_id, destinations, frequency_hours, schedule, status, next_run_at, last_run_at, created_at)
			 VALUES(?,?,?,?,?,?,?,?,?)`,
			a.ID, a.TemplateID, string(dests), a.FrequencyHours, nullStr(a.Schedule),
			a.Status.String(), fmtTime(a.NextRunAt), nullTime(a.LastRunAt), fmtTime(a.CreatedAt),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) LoadAutomations(ctx context.Context) (map[string]automation.Automation, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, template_id, destinations, frequency_hours, schedule, status, next_run_at, last_run_at, created_at FROM automations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]automation.Automation{}
	for rows.Next() {
		var r record
		var dests string
		var schedule, lastRun sql.NullString
		var nextRun, created string
		if err := rows.Scan(&r.ID, &r.TemplateID, &dests, &r.FrequencyHours, &schedule, &r.Status, &nextRun, &lastRun, &created); err != nil {
			s.log.Warn("skipping unreadable automation row", logx.Err(err))
			continue
		}
		if err := json.Unmarshal([]byte(dests), &r.Destinations); err != nil {
			s.log.Warn("skipping automation with corrupt destinations", logx.String("id", r.ID), logx.Err(err))
			continue
		}
		r.Schedule = schedule.String
		r.NextRunAt = parseTime(nextRun)
		if lastRun.Valid {
			r.LastRunAt = parseTime(lastRun.String)
		}
		r.CreatedAt = parseTime(created)
		out[r.ID] = r.toAutomation(s.log)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutTemplate(ctx context.Context, tpl automation.Template) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(tpl.ID) == "" {
		return errors.New("template id required")
	}
	images, err := json.Marshal(tpl.Images)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO templates(id, name, content, images, created_at, updated_at) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, content=excluded.content, images=excluded.images, updated_at=excluded.updated_at`,
		tpl.ID, tpl.Name, tpl.Content, string(images), nullTime(tpl.CreatedAt), nullTime(tpl.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) GetTemplate(ctx context.Context, id string) (*automation.Template, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var tpl automation.Template
	var images, created, updated sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, content, images, created_at, updated_at FROM templates WHERE id = ?`, id).
		Scan(&tpl.ID, &tpl.Name, &tpl.Content, &images, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if images.Valid && images.String != "" {
		_ = json.Unmarshal([]byte(images.String), &tpl.Images)
	}
	if created.Valid {
		tpl.CreatedAt = parseTime(created.String)
	}
	if updated.Valid {
		tpl.UpdatedAt = parseTime(updated.String)
	}
	return &tpl, nil
}

func (s *sqliteStore) AppendRunLog(ctx context.Context, e automation.RunLogEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_log(at, automation_id, template_id, targeted, successful, failed, next_run_at, status)
		 VALUES(?,?,?,?,?,?,?,?)`,
		fmtTime(e.At), e.AutomationID, e.TemplateID, e.Targeted, e.Successful, e.Failed, fmtTime(e.NextRunAt), e.Status,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		_ = s.pruneRunLog(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) ListRunLogs(ctx context.Context, limit int) ([]automation.RunLogEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = runLogKeep
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, automation_id, template_id, targeted, successful, failed, next_run_at, status
		 FROM run_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []automation.RunLogEntry
	for rows.Next() {
		var e automation.RunLogEntry
		var at, nextRun string
		if err := rows.Scan(&at, &e.AutomationID, &e.TemplateID, &e.Targeted, &e.Successful, &e.Failed, &nextRun, &e.Status); err != nil {
			continue
		}
		e.At = parseTime(at)
		e.NextRunAt = parseTime(nextRun)
		out = append(out, e)
	}
	// Oldest-first, matching the file driver.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

func (s *sqliteStore) pruneRunLog(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM run_log WHERE id NOT IN (SELECT id FROM run_log ORDER BY id DESC LIMIT ?)`, runLogKeep)
	return err
}

func fmtTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
