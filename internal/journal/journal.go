// Package journal keeps an append-only, fsynced log of training runs.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fractal-lba/profitcast/internal/api"
)

// Outcome of a training run.
const (
	OutcomeSuccess      = "success"
	OutcomeInsufficient = "insufficient_data"
	OutcomeSkipped      = "skipped"
	OutcomeFailed       = "failed"
)

// Run is one journal entry.
type Run struct {
	ID          string        `json:"id"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration_ns"`
	Algorithm   api.Algorithm `json:"algorithm"`
	HorizonDays int           `json:"days_ahead"`
	Outcome     string        `json:"outcome"`
	Version     string        `json:"version,omitempty"`
	RawRows     int           `json:"raw_rows"`
	Samples     int           `json:"samples"`
	Synthetic   bool          `json:"synthetic"`
	MAE         *float64      `json:"mae,omitempty"`
	R2          *float64      `json:"r2_score,omitempty"`
	Error       string        `json:"error,omitempty"`
	Trigger     string        `json:"trigger,omitempty"`
}

// Recorder appends runs.
type Recorder interface {
	Append(run Run) error
}

// Nop discards runs.
type Nop struct{}

func (Nop) Append(Run) error { return nil }

// Journal writes one JSON line per run into a monthly file.
type Journal struct {
	mu   sync.Mutex
	dir  string
	now  func() time.Time
	file *os.File
	path string
}

// Open creates dir if needed and opens the journal file for the current month.
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	j := &Journal{dir: dir, now: time.Now}
	if err := j.rotate(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) fileFor(t time.Time) string {
	return filepath.Join(j.dir, fmt.Sprintf("runs-%s.jsonl", t.UTC().Format("200601")))
}

// rotate switches to the file for the current month; callers hold mu or
// own j exclusively.
func (j *Journal) rotate() error {
	path := j.fileFor(j.now())
	if path == j.path && j.file != nil {
		return nil
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open journal file: %w", err)
	}
	if j.file != nil {
		j.file.Close()
	}
	j.file, j.path = file, path
	return nil
}

// Append writes run and fsyncs before returning.
func (j *Journal) Append(run Run) error {
	line, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode journal entry: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.rotate(); err != nil {
		return err
	}
	if _, err := j.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	return nil
}

// Close syncs and closes the current file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return nil
	}
	if err := j.file.Sync(); err != nil {
		return err
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// Replay reads every entry of one journal file. Malformed lines, such as a
// torn final write, are skipped.
func Replay(path string) ([]Run, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var runs []Run
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var run Run
		if err := json.Unmarshal(scanner.Bytes(), &run); err != nil {
			continue
		}
		runs = append(runs, run)
	}
	return runs, scanner.Err()
}

// List returns up to limit of the most recent runs across all journal
// files, newest first. limit <= 0 returns everything.
func List(dir string, limit int) ([]Run, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "runs-*.jsonl"))
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(paths)))

	var out []Run
	for _, path := range paths {
		runs, err := Replay(path)
		if err != nil {
			return nil, fmt.Errorf("failed to replay %s: %w", filepath.Base(path), err)
		}
		for i := len(runs) - 1; i >= 0; i-- {
			out = append(out, runs[i])
			if limit > 0 && len(out) == limit {
				return out, nil
			}
		}
	}
	return out, nil
}
