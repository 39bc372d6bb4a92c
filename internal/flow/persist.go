package flow

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/poemonsense/cloudcode-gateway/internal/utils"
)

var logFileRegex = regexp.MustCompile(`^flows-(\d{4}-\d{2}-\d{2})\.ndjson$`)

func logFileName(day string) string {
	return fmt.Sprintf("flows-%s.ndjson", day)
}

// writer appends completed flows to the day's NDJSON file. A single
// goroutine consumes a bounded queue so concurrent completions never
// interleave appends.
type writer struct {
	dir  string
	ch   chan *Flow
	done chan struct{}
	once sync.Once
}

func newWriter(dir string) *writer {
	w := &writer{
		dir:  dir,
		ch:   make(chan *Flow, 256),
		done: make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *writer) loop() {
	defer close(w.done)
	for f := range w.ch {
		if err := w.appendOne(f); err != nil {
			utils.Warn("[Flow] Failed to persist flow %s: %v", f.ID, err)
		}
	}
}

func (w *writer) appendOne(f *Flow) error {
	if err := utils.EnsureDir(w.dir); err != nil {
		return err
	}
	line, err := json.Marshal(f)
	if err != nil {
		return err
	}
	path := filepath.Join(w.dir, logFileName(nowDay()))
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer file.Close()
	if _, err := file.Write(append(line, '\n')); err != nil {
		return err
	}
	return nil
}

func (w *writer) append(f *Flow) {
	select {
	case w.ch <- f:
	default:
		utils.Warn("[Flow] Persist queue full, dropping flow %s", f.ID)
	}
}

func (w *writer) close() {
	w.once.Do(func() {
		close(w.ch)
	})
	<-w.done
}

// ReadDay loads the persisted flows for one day key (YYYY-MM-DD).
func ReadDay(dir, day string) ([]Flow, error) {
	path := filepath.Join(dir, logFileName(day))
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Flow{}, nil
		}
		return nil, err
	}
	defer file.Close()

	var flows []Flow
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var f Flow
		if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
			continue
		}
		flows = append(flows, f)
	}
	return flows, scanner.Err()
}

// ReadDays loads persisted flows for the most recent n days, oldest day
// first.
func ReadDays(dir string, n int) ([]Flow, error) {
	if n <= 0 {
		n = 1
	}
	var flows []Flow
	for i := n - 1; i >= 0; i-- {
		day := time.Now().UTC().AddDate(0, 0, -i).Format("2006-01-02")
		dayFlows, err := ReadDay(dir, day)
		if err != nil {
			return nil, err
		}
		flows = append(flows, dayFlows...)
	}
	return flows, nil
}

// purgeOldLogs removes day files older than the retention window.
func purgeOldLogs(dir string, retentionDays int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	for _, entry := range entries {
		match := logFileRegex.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		day, err := time.Parse("2006-01-02", match[1])
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			path := filepath.Join(dir, entry.Name())
			if err := os.Remove(path); err != nil {
				return err
			}
			utils.Info("[Flow] Purged expired flow log %s", entry.Name())
		}
	}
	return nil
}
