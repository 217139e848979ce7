package backtest

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"grid-backtest/internal/core"
)

// Feed yields candles in file order until io.EOF.
type Feed interface {
	Next() (core.Candle, error)
	Close() error
}

// JSONLFeed reads one OHLCV object per line. A directory is read file by
// file in name order.
type JSONLFeed struct {
	paths   []string
	index   int
	line    int
	file    *os.File
	scanner *bufio.Scanner
}

func NewJSONLFeed(path string) (*JSONLFeed, error) {
	paths, err := resolveJSONLPaths(path)
	if err != nil {
		return nil, err
	}
	feed := &JSONLFeed{paths: paths}
	if err := feed.openCurrent(); err != nil {
		return nil, err
	}
	return feed, nil
}

func (f *JSONLFeed) Close() error {
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	f.scanner = nil
	return err
}

func (f *JSONLFeed) Next() (core.Candle, error) {
	for {
		if f.scanner == nil {
			if err := f.openCurrent(); err != nil {
				return core.Candle{}, err
			}
		}
		if !f.scanner.Scan() {
			if err := f.scanner.Err(); err != nil {
				return core.Candle{}, err
			}
			_ = f.Close()
			f.index++
			if f.index >= len(f.paths) {
				return core.Candle{}, io.EOF
			}
			continue
		}
		f.line++
		line := strings.TrimSpace(f.scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var raw map[string]interface{}
		dec := json.NewDecoder(strings.NewReader(line))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return core.Candle{}, f.errorf("decode: %v", err)
		}
		c, err := candleFrom(raw)
		if err != nil {
			return core.Candle{}, f.errorf("%v", err)
		}
		return c, nil
	}
}

func (f *JSONLFeed) errorf(format string, args ...any) error {
	return fmt.Errorf("%s:%d: %s", f.paths[f.index], f.line, fmt.Sprintf(format, args...))
}

func candleFrom(raw map[string]interface{}) (core.Candle, error) {
	var c core.Candle
	v, ok := first(raw, "time", "timestamp", "ts", "t")
	if !ok {
		return c, errors.New("missing time")
	}
	if c.Time, ok = parseTimeValue(v); !ok {
		return c, fmt.Errorf("bad time %v", v)
	}
	fields := []struct {
		dst      *decimal.Decimal
		keys     []string
		optional bool
	}{
		{&c.Open, []string{"open", "o"}, false},
		{&c.High, []string{"high", "h"}, false},
		{&c.Low, []string{"low", "l"}, false},
		{&c.Close, []string{"close", "c", "price", "p"}, false},
		{&c.Volume, []string{"volume", "v"}, true},
	}
	for _, fd := range fields {
		v, ok := first(raw, fd.keys...)
		if !ok {
			if fd.optional {
				*fd.dst = decimal.Zero
				continue
			}
			return c, fmt.Errorf("missing %s", fd.keys[0])
		}
		dec, ok := parseDecimalValue(v)
		if !ok {
			return c, fmt.Errorf("bad %s %v", fd.keys[0], v)
		}
		*fd.dst = dec
	}
	return c, nil
}

// LoadCandles reads every candle from path and validates the sequence.
func LoadCandles(path string) ([]core.Candle, error) {
	feed, err := NewJSONLFeed(path)
	if err != nil {
		return nil, err
	}
	defer feed.Close()
	out := make([]core.Candle, 0, 1024)
	for {
		c, err := feed.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := core.ValidateCandles(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *JSONLFeed) openCurrent() error {
	if f.index >= len(f.paths) {
		return io.EOF
	}
	f.line = 0
	file, err := os.Open(f.paths[f.index])
	if err != nil {
		return err
	}
	// Exported files often carry a UTF-8 or UTF-16 byte order mark.
	reader := transform.NewReader(file, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	scanner := bufio.NewScanner(reader)
	buf := make([]byte, 0, 1024*1024)
	scanner.Buffer(buf, 10*1024*1024)
	f.file = file
	f.scanner = scanner
	return nil
}

func resolveJSONLPaths(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".jsonl") {
			continue
		}
		paths = append(paths, filepath.Join(path, name))
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return nil, errors.New("no jsonl files found in directory")
	}
	return paths, nil
}

func first(m map[string]interface{}, keys ...string) (interface{}, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v, true
		}
	}
	return nil, false
}

func parseTimeValue(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		return parseTimeString(t)
	case json.Number:
		if iv, err := t.Int64(); err == nil {
			return parseTimeNumber(iv), true
		}
		if fv, err := t.Float64(); err == nil {
			return parseTimeNumber(int64(fv)), true
		}
	case float64:
		return parseTimeNumber(int64(t)), true
	case int64:
		return parseTimeNumber(t), true
	case int:
		return parseTimeNumber(int64(t)), true
	case uint64:
		return parseTimeNumber(int64(t)), true
	case uint:
		return parseTimeNumber(int64(t)), true
	}
	return time.Time{}, false
}

func parseTimeString(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if allDigits(raw) {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return parseTimeNumber(v), true
	}
	layouts := []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseTimeNumber(v int64) time.Time {
	if v >= 1_000_000_000_000 {
		return time.UnixMilli(v).UTC()
	}
	return time.Unix(v, 0).UTC()
}

func parseDecimalValue(v interface{}) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case decimal.Decimal:
		return t, true
	case json.Number:
		dec, err := decimal.NewFromString(t.String())
		if err != nil {
			return decimal.Zero, false
		}
		return dec, true
	case string:
		if t == "" {
			return decimal.Zero, false
		}
		dec, err := decimal.NewFromString(strings.TrimSpace(t))
		if err != nil {
			return decimal.Zero, false
		}
		return dec, true
	case float64:
		return decimal.NewFromFloat(t), true
	case int64:
		return decimal.NewFromInt(t), true
	case int:
		return decimal.NewFromInt(int64(t)), true
	case uint64:
		return decimal.NewFromInt(int64(t)), true
	case uint:
		return decimal.NewFromInt(int64(t)), true
	}
	return decimal.Zero, false
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

var _ Feed = (*JSONLFeed)(nil)
