// Package dlq persists events the pipeline has given up on. Records are
// appended to newline-delimited JSON files partitioned by wall-clock day
// (failed_events_YYYY-MM-DD.jsonl). Appending a record is the
// acknowledgement of giving up: only a successful DLQ write lets the
// offset advance past the event, so write failures are fatal.
package dlq

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tributary-io/tributary/internal/types"
)

const (
	filePrefix = "failed_events_"
	fileExt    = ".jsonl"
)

func fileForDay(day time.Time) string {
	return filePrefix + day.UTC().Format("2006-01-02") + fileExt
}

// Writer appends DLQ records. Safe for concurrent use; each record is
// flushed and synced before Write returns.
type Writer struct {
	dir string

	mu      sync.Mutex
	curDay  string
	curFile *os.File
}

// NewWriter creates the DLQ directory if needed.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dlq dir %s: %w", dir, err)
	}
	return &Writer{dir: dir}, nil
}

// Write appends one record to the current day's file. Any failure comes
// back fatal: losing a DLQ record would silently drop an event.
func (w *Writer) Write(rec *types.DLQRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return &types.CategorizedError{
			Category: types.CategoryFatal, Reason: "dlq-marshal",
			Err: fmt.Errorf("marshal dlq record %s: %w", rec.DLQID, err),
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	day := fileForDay(rec.DLQWrittenAt)
	if w.curFile == nil || w.curDay != day {
		if w.curFile != nil {
			w.curFile.Close()
		}
		f, err := os.OpenFile(filepath.Join(w.dir, day), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return &types.CategorizedError{
				Category: types.CategoryFatal, Reason: "dlq-open",
				Err: fmt.Errorf("open dlq file %s: %w", day, err),
			}
		}
		w.curFile = f
		w.curDay = day
	}

	if _, err := w.curFile.Write(append(line, '\n')); err != nil {
		return &types.CategorizedError{
			Category: types.CategoryFatal, Reason: "dlq-write",
			Err: fmt.Errorf("append dlq record %s: %w", rec.DLQID, err),
		}
	}
	if err := w.curFile.Sync(); err != nil {
		return &types.CategorizedError{
			Category: types.CategoryFatal, Reason: "dlq-sync",
			Err: fmt.Errorf("sync dlq file %s: %w", day, err),
		}
	}

	log.WithFields(log.Fields{
		"dlq_id":      rec.DLQID,
		"event_id":    rec.Event.ID,
		"table":       rec.Event.QualifiedTable(),
		"destination": rec.Destination,
		"category":    rec.ErrorCategory,
		"retries":     rec.RetryCount,
	}).Warn("event dead-lettered")
	return nil
}

// Close releases the current file handle.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.curFile == nil {
		return nil
	}
	err := w.curFile.Close()
	w.curFile = nil
	return err
}

// ListFiles returns the DLQ file names in dir, oldest first.
func ListFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dlq dir %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileExt) {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// ReadFile decodes every record in one DLQ file. Unparseable lines are
// skipped with a warning rather than failing the read: the operator is
// usually mid-incident when this runs.
func ReadFile(path string) ([]*types.DLQRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dlq file %s: %w", path, err)
	}
	defer f.Close()

	var out []*types.DLQRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1<<20), 16<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec types.DLQRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			log.WithError(err).WithFields(log.Fields{"file": path, "line": lineNo}).
				Warn("skipping unparseable dlq line")
			continue
		}
		out = append(out, &rec)
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("scan dlq file %s: %w", path, err)
	}
	return out, nil
}

// ReadAll decodes every record across all DLQ files in dir, oldest file
// first.
func ReadAll(dir string) ([]*types.DLQRecord, error) {
	files, err := ListFiles(dir)
	if err != nil {
		return nil, err
	}
	var out []*types.DLQRecord
	for _, name := range files {
		recs, err := ReadFile(filepath.Join(dir, name))
		if err != nil {
			return out, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

// Summary aggregates record counts for the operator CLI.
type Summary struct {
	Total         int
	ByDestination map[types.Destination]int
	ByCategory    map[types.ErrorCategory]int
	ByTable       map[string]int
}

// Summarize counts records across all DLQ files in dir.
func Summarize(dir string) (*Summary, error) {
	recs, err := ReadAll(dir)
	if err != nil {
		return nil, err
	}
	s := &Summary{
		ByDestination: make(map[types.Destination]int),
		ByCategory:    make(map[types.ErrorCategory]int),
		ByTable:       make(map[string]int),
	}
	for _, r := range recs {
		s.Total++
		s.ByDestination[r.Destination]++
		s.ByCategory[r.ErrorCategory]++
		if r.Event != nil {
			s.ByTable[r.Event.QualifiedTable()]++
		}
	}
	return s, nil
}
