package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"grid-backtest/internal/engine"
)

// RunEntry is one line of the runs index.
type RunEntry struct {
	RunID          string  `json:"run_id"`
	Strategy       string  `json:"strategy"`
	Symbol         string  `json:"symbol"`
	Status         string  `json:"status"`
	StartedAt      string  `json:"started_at"`
	FinishedAt     string  `json:"finished_at"`
	Bars           int     `json:"bars"`
	Trades         int     `json:"trades"`
	TotalReturnPct float64 `json:"total_return_pct"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	FinalEquity    string  `json:"final_equity"`
}

// Store keeps finished runs under root:
//
//	runs.jsonl             one RunEntry per saved run
//	<run_id>/result.json   the full serialized result
//	<run_id>/trades.jsonl  one trade per line
//	<run_id>/equity.jsonl  one equity point per bar
type Store struct {
	root   string
	mu     sync.Mutex
	logger *zap.Logger
}

func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("results dir required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root, logger: zap.NewNop()}, nil
}

func (s *Store) SetLogger(l *zap.Logger) {
	if l != nil {
		s.logger = l
	}
}

// SaveResult writes every artifact of a run and appends it to the index.
// Files are replaced atomically, so a crash leaves the previous copy intact.
func (s *Store) SaveResult(r engine.Serializable) error {
	id := strings.TrimSpace(r.RunID)
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return errors.New("result needs a plain run id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := s.writeJSONAtomic(filepath.Join(dir, "result.json"), r); err != nil {
		return err
	}
	if err := writeLinesAtomic(s, filepath.Join(dir, "trades.jsonl"), r.Trades); err != nil {
		return err
	}
	if err := writeLinesAtomic(s, filepath.Join(dir, "equity.jsonl"), r.EquityCurve); err != nil {
		return err
	}
	return s.appendIndex(RunEntry{
		RunID:          id,
		Strategy:       r.Strategy,
		Symbol:         r.Symbol,
		Status:         r.Status,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
		Bars:           r.BarsProcessed,
		Trades:         len(r.Trades),
		TotalReturnPct: r.Metrics.TotalReturnPct,
		MaxDrawdownPct: r.Metrics.MaxDrawdownPct,
		FinalEquity:    r.Portfolio.Equity,
	})
}

func (s *Store) LoadResult(runID string) (engine.Serializable, bool, error) {
	data, err := os.ReadFile(filepath.Join(s.root, runID, "result.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return engine.Serializable{}, false, nil
		}
		return engine.Serializable{}, false, err
	}
	var out engine.Serializable
	if err := json.Unmarshal(data, &out); err != nil {
		return engine.Serializable{}, false, err
	}
	return out, true, nil
}

// Runs lists the index in save order. Unreadable lines are skipped.
func (s *Store) Runs() ([]RunEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 2*1024*1024)
	var out []RunEntry
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry RunEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			s.logger.Warn("skip unreadable run entry", zap.Error(err))
			continue
		}
		out = append(out, entry)
	}
	return out, scanner.Err()
}

func (s *Store) indexPath() string {
	return filepath.Join(s.root, "runs.jsonl")
}

func (s *Store) appendIndex(entry RunEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(s.indexPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func (s *Store) writeJSONAtomic(path string, v any) error {
	return s.replaceFile(path, func(enc *json.Encoder) error {
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	})
}

func writeLinesAtomic[T any](s *Store, path string, entries []T) error {
	return s.replaceFile(path, func(enc *json.Encoder) error {
		for _, entry := range entries {
			if err := enc.Encode(entry); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) replaceFile(path string, write func(*json.Encoder) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	if err := write(json.NewEncoder(tmp)); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	s.fsyncDir(dir, path)
	return nil
}

func (s *Store) fsyncDir(dir, path string) {
	d, err := os.Open(dir)
	if err != nil {
		s.logger.Warn("store dir fsync skipped", zap.String("dir", dir), zap.String("target", path), zap.Error(err))
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		s.logger.Warn("store dir fsync failed", zap.String("dir", dir), zap.String("target", path), zap.Error(err))
	}
}
