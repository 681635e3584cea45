package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"postpilot/internal/automation"
	logx "postpilot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.automations.json (full-map snapshot, atomic tmp+rename)
//   - <prefix>.templates.json   (full-map snapshot)
//   - <prefix>.runlog.jsonl     (append-only JSON Lines, compacted)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	automationsPath string
	templatesPath   string
	runlogPath      string

	runlogFile   *os.File
	runlogWrites int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "./data/postpilot"
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:             log,
		automationsPath: prefix + ".automations.json",
		templatesPath:   prefix + ".templates.json",
		runlogPath:      prefix + ".runlog.jsonl",
	}

	// Bound the run log before reopening for append.
	if err := s.compactRunlog(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("run log compact failed", logx.Err(err))
	}

	f, err := os.OpenFile(s.runlogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.runlogFile = f
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runlogFile != nil {
		err := s.runlogFile.Close()
		s.runlogFile = nil
		return err
	}
	return nil
}

func (s *fileStore) SaveAutomations(ctx context.Context, autos map[string]automation.Automation) error {
	_ = ctx
	recs := make(map[string]record, len(autos))
	for id, a := range autos {
		recs[id] = toRecord(a)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.automationsPath, recs)
}

func (s *fileStore) LoadAutomations(ctx context.Context) (map[string]automation.Automation, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	out := map[string]automation.Automation{}
	b, err := os.ReadFile(s.automationsPath)
	if errors.Is(err, os.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}

	// Decode record-by-record: one corrupt entry must not abort the load.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	for id, rb := range raw {
		var r record
		if err := json.Unmarshal(rb, &r); err != nil {
			s.log.Warn("skipping unreadable automation record", logx.String("id", id), logx.Err(err))
			continue
		}
		if r.ID == "" {
			r.ID = id
		}
		out[id] = r.toAutomation(s.log)
	}
	return out, nil
}

func (s *fileStore) PutTemplate(ctx context.Context, tpl automation.Template) error {
	_ = ctx
	if strings.TrimSpace(tpl.ID) == "" {
		return errors.New("template id required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tpls, err := s.readTemplatesLocked()
	if err != nil {
		return err
	}
	tpls[tpl.ID] = tpl
	return writeJSONAtomic(s.templatesPath, tpls)
}

func (s *fileStore) GetTemplate(ctx context.Context, id string) (*automation.Template, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	tpls, err := s.readTemplatesLocked()
	if err != nil {
		return nil, err
	}
	tpl, ok := tpls[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &tpl, nil
}

func (s *fileStore) readTemplatesLocked() (map[string]automation.Template, error) {
	out := map[string]automation.Template{}
	b, err := os.ReadFile(s.templatesPath)
	if errors.Is(err, os.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *fileStore) AppendRunLog(ctx context.Context, e automation.RunLogEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runlogFile == nil {
		return errors.New("run log closed")
	}
	if err := json.NewEncoder(s.runlogFile).Encode(e); err != nil {
		return err
	}
	s.runlogWrites++
	if s.runlogWrites%500 == 0 {
		if err := s.reopenCompactedLocked(); err != nil {
			s.log.Debug("run log compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) ListRunLogs(ctx context.Context, limit int) ([]automation.RunLogEntry, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := readRunlog(s.runlogPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

func (s *fileStore) reopenCompactedLocked() error {
	if err := s.runlogFile.Close(); err != nil {
		return err
	}
	s.runlogFile = nil
	if err := s.compactRunlog(); err != nil {
		return err
	}
	f, err := os.OpenFile(s.runlogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	s.runlogFile = f
	return nil
}

// compactRunlog rewrites the run log keeping only the newest entries.
func (s *fileStore) compactRunlog() error {
	entries, err := readRunlog(s.runlogPath)
	if err != nil {
		return err
	}
	if len(entries) <= runLogKeep {
		return nil
	}
	entries = entries[len(entries)-runLogKeep:]

	tmp := s.runlogPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.runlogPath)
}

func readRunlog(path string) ([]automation.RunLogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []automation.RunLogEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e automation.RunLogEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
