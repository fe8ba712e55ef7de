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

	logx "autochat/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.settings.json   (namespace -> record; rewritten via tmp + rename)
//   - <prefix>.dispatch.jsonl  (append-only JSON Lines)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	settingsPath string
	records      map[string]json.RawMessage

	dispatchPath string
	dispatchFile *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		settingsPath: prefix + ".settings.json",
		records:      map[string]json.RawMessage{},
		dispatchPath: prefix + ".dispatch.jsonl",
	}
	if err := s.loadSettings(); err != nil {
		// A corrupt snapshot must not block startup; the settings model
		// falls back to defaults and rewrites it.
		log.Warn("settings snapshot unreadable; starting empty", logx.String("path", s.settingsPath), logx.Err(err))
		s.records = map[string]json.RawMessage{}
	}

	f, err := os.OpenFile(s.dispatchPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.dispatchFile = f
	return s, nil
}

func (s *fileStore) loadSettings() error {
	b, err := os.ReadFile(s.settingsPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil
	}
	return json.Unmarshal(b, &s.records)
}

func (s *fileStore) GetRecord(ctx context.Context, namespace string) ([]byte, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dispatchFile == nil {
		return nil, ErrClosed
	}
	b, ok := s.records[namespace]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (s *fileStore) PutRecord(ctx context.Context, namespace string, data []byte) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dispatchFile == nil {
		return ErrClosed
	}
	// Corrupt blobs are stored as JSON strings so the snapshot itself stays valid.
	raw := json.RawMessage(append([]byte(nil), data...))
	if !json.Valid(raw) {
		q, err := json.Marshal(string(data))
		if err != nil {
			return err
		}
		raw = q
	}
	prev, had := s.records[namespace]
	s.records[namespace] = raw
	if err := s.writeSnapshotLocked(); err != nil {
		if had {
			s.records[namespace] = prev
		} else {
			delete(s.records, namespace)
		}
		return err
	}
	return nil
}

func (s *fileStore) writeSnapshotLocked() error {
	tmp := s.settingsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.records); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.settingsPath)
}

func (s *fileStore) AppendDispatch(ctx context.Context, e DispatchEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dispatchFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.dispatchFile).Encode(e)
}

func (s *fileStore) RecentDispatches(ctx context.Context, limit int) ([]DispatchEntry, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.dispatchPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	keep := limit
	if keep <= 0 {
		keep = memoryDispatchCap
	}
	var ring []DispatchEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e DispatchEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		ring = append(ring, e)
		if len(ring) > keep {
			ring = ring[1:]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return newestFirst(ring, limit), nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dispatchFile == nil {
		return nil
	}
	err := s.dispatchFile.Close()
	s.dispatchFile = nil
	return err
}
