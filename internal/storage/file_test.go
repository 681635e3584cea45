package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"postpilot/internal/automation"
	logx "postpilot/pkg/logx"
)

func openTestFileStore(t *testing.T) (Store, string) {
	t.Helper()
	dir := t.TempDir()
	prefix := filepath.Join(dir, "postpilot")
	st, err := Open(Config{Driver: "file", Path: prefix}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st, prefix
}

func sampleAutomation(id string) automation.Automation {
	return automation.Automation{
		ID:             id,
		TemplateID:     "tpl-1",
		Destinations:   []string{"@a", "@b"},
		FrequencyHours: 2,
		Status:         automation.StatusOngoing,
		NextRunAt:      time.Date(2026, 3, 14, 14, 0, 0, 0, time.UTC),
		CreatedAt:      time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()
	st, _ := openTestFileStore(t)
	ctx := context.Background()

	in := map[string]automation.Automation{
		"auto_1_1": sampleAutomation("auto_1_1"),
	}
	paused := sampleAutomation("auto_1_2")
	paused.Status = automation.StatusPaused
	paused.LastRunAt = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	in["auto_1_2"] = paused

	if err := st.SaveAutomations(ctx, in); err != nil {
		t.Fatalf("SaveAutomations: %v", err)
	}
	out, err := st.LoadAutomations(ctx)
	if err != nil {
		t.Fatalf("LoadAutomations: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("loaded %d automations, want 2", len(out))
	}
	got := out["auto_1_2"]
	if got.Status != automation.StatusPaused {
		t.Fatalf("Status = %v, want paused", got.Status)
	}
	if !got.NextRunAt.Equal(in["auto_1_2"].NextRunAt) {
		t.Fatalf("NextRunAt = %v, want %v", got.NextRunAt, in["auto_1_2"].NextRunAt)
	}
	if !got.LastRunAt.Equal(paused.LastRunAt) {
		t.Fatalf("LastRunAt = %v, want %v", got.LastRunAt, paused.LastRunAt)
	}
	if out["auto_1_1"].LastRunAt != (time.Time{}) {
		t.Fatalf("LastRunAt = %v, want zero", out["auto_1_1"].LastRunAt)
	}
}

func TestFileStoreSkipsCorruptRecord(t *testing.T) {
	t.Parallel()
	st, prefix := openTestFileStore(t)
	ctx := context.Background()

	// One good record, one with an unparsable shape.
	raw := map[string]json.RawMessage{
		"auto_ok":  mustJSON(t, toRecord(sampleAutomation("auto_ok"))),
		"auto_bad": json.RawMessage(`{"id": 42}`),
	}
	b, err := json.Marshal(raw)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := os.WriteFile(prefix+".automations.json", b, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	out, err := st.LoadAutomations(ctx)
	if err != nil {
		t.Fatalf("LoadAutomations: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("loaded %d automations, want 1 (corrupt one skipped)", len(out))
	}
	if _, ok := out["auto_ok"]; !ok {
		t.Fatal("good record missing")
	}
}

func TestFileStoreUnknownStatusDefaultsToPaused(t *testing.T) {
	t.Parallel()
	st, prefix := openTestFileStore(t)

	rec := toRecord(sampleAutomation("auto_x"))
	rec.Status = "exploded"
	raw := map[string]json.RawMessage{"auto_x": mustJSON(t, rec)}
	b, _ := json.Marshal(raw)
	if err := os.WriteFile(prefix+".automations.json", b, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	out, err := st.LoadAutomations(context.Background())
	if err != nil {
		t.Fatalf("LoadAutomations: %v", err)
	}
	if out["auto_x"].Status != automation.StatusPaused {
		t.Fatalf("Status = %v, want paused for unknown tag", out["auto_x"].Status)
	}
}

func TestFileStoreTemplates(t *testing.T) {
	t.Parallel()
	st, _ := openTestFileStore(t)
	ctx := context.Background()

	if _, err := st.GetTemplate(ctx, "tpl-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetTemplate(missing) = %v, want ErrNotFound", err)
	}
	tpl := automation.Template{ID: "tpl-1", Name: "morning", Content: "hello", Images: []string{"a.jpg"}}
	if err := st.PutTemplate(ctx, tpl); err != nil {
		t.Fatalf("PutTemplate: %v", err)
	}
	got, err := st.GetTemplate(ctx, "tpl-1")
	if err != nil {
		t.Fatalf("GetTemplate: %v", err)
	}
	if got.Content != "hello" || len(got.Images) != 1 {
		t.Fatalf("template = %+v", got)
	}

	if err := st.PutTemplate(ctx, automation.Template{}); err == nil {
		t.Fatal("PutTemplate with empty id should fail")
	}
}

func TestFileStoreRunLogOrderAndLimit(t *testing.T) {
	t.Parallel()
	st, _ := openTestFileStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		e := automation.RunLogEntry{
			At:           base.Add(time.Duration(i) * time.Minute),
			AutomationID: "auto_1_1",
			Targeted:     2,
			Successful:   2,
			Status:       "success",
		}
		if err := st.AppendRunLog(ctx, e); err != nil {
			t.Fatalf("AppendRunLog: %v", err)
		}
	}

	got, err := st.ListRunLogs(ctx, 3)
	if err != nil {
		t.Fatalf("ListRunLogs: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d entries, want 3", len(got))
	}
	// Newest 3, oldest first.
	if !got[0].At.Equal(base.Add(2 * time.Minute)) {
		t.Fatalf("first entry At = %v, want %v", got[0].At, base.Add(2*time.Minute))
	}
	if !got[2].At.Equal(base.Add(4 * time.Minute)) {
		t.Fatalf("last entry At = %v, want %v", got[2].At, base.Add(4*time.Minute))
	}
}

func TestFileStoreRunLogCompaction(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	prefix := filepath.Join(dir, "postpilot")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: prefix}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < runLogKeep+50; i++ {
		e := automation.RunLogEntry{AutomationID: "auto_1_1", Status: "success", At: time.Now()}
		if err := st.AppendRunLog(ctx, e); err != nil {
			t.Fatalf("AppendRunLog: %v", err)
		}
	}
	_ = st.Close()

	// Reopen: compaction on open bounds the history.
	st2, err := Open(Config{Driver: "file", Path: prefix}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()

	got, err := st2.ListRunLogs(ctx, 0)
	if err != nil {
		t.Fatalf("ListRunLogs: %v", err)
	}
	if len(got) > runLogKeep {
		t.Fatalf("run log holds %d entries, want <= %d", len(got), runLogKeep)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "none"}, logx.Nop()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("driver none = %v, want ErrDisabled", err)
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return b
}
