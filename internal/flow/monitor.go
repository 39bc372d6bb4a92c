// Package flow records per-request lifecycle events in a bounded
// in-memory ring and persists completed flows to daily NDJSON files.
package flow

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/poemonsense/cloudcode-gateway/internal/config"
	"github.com/poemonsense/cloudcode-gateway/internal/utils"
)

// Flow statuses
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// Snapshot is the redacted request stored with a flow: the first messages
// plus counts, never the full payload.
type Snapshot struct {
	System        string   `json:"system,omitempty"`
	Messages      []string `json:"messages,omitempty"`
	TotalMessages int      `json:"totalMessages"`
}

// Flow is one request's lifecycle record.
type Flow struct {
	ID        string `json:"id"`
	StartedAt int64  `json:"startedAt"`
	Protocol  string `json:"protocol"`
	Route     string `json:"route"`
	Model     string `json:"model"`
	Stream    bool   `json:"stream"`

	Request Snapshot `json:"request"`

	Account string `json:"account,omitempty"`

	Chunks int   `json:"chunks"`
	Bytes  int64 `json:"bytes"`

	Status      string         `json:"status"`
	Error       string         `json:"error,omitempty"`
	Usage       map[string]int `json:"usage,omitempty"`
	CompletedAt int64          `json:"completedAt,omitempty"`
	DurationMs  int64          `json:"durationMs,omitempty"`
}

// Monitor owns the flow ring and the daily NDJSON persistence.
type Monitor struct {
	mu      sync.Mutex
	entries []*Flow
	max     int

	writer *writer
	cron   *cron.Cron
}

// NewMonitor creates a monitor with the given ring capacity, clamped to
// the configured bounds.
func NewMonitor(maxEntries int) *Monitor {
	if maxEntries < config.FlowEntriesMin {
		maxEntries = config.FlowEntriesMin
	}
	if maxEntries > config.FlowEntriesMax {
		maxEntries = config.FlowEntriesMax
	}

	m := &Monitor{
		max:    maxEntries,
		writer: newWriter(config.FlowLogDir),
	}

	// Daily retention purge shortly after midnight
	m.cron = cron.New()
	m.cron.AddFunc("5 0 * * *", func() {
		if err := purgeOldLogs(config.FlowLogDir, config.FlowRetentionDays); err != nil {
			utils.Warn("[Flow] Retention purge failed: %v", err)
		}
	})
	m.cron.Start()

	// Catch up on retention at boot too
	if err := purgeOldLogs(config.FlowLogDir, config.FlowRetentionDays); err != nil {
		utils.Warn("[Flow] Retention purge failed: %v", err)
	}

	return m
}

// StartOptions carries the flow-start metadata.
type StartOptions struct {
	Protocol string
	Route    string
	Model    string
	Stream   bool
	Request  Snapshot
}

// Start opens a new flow and returns its id.
func (m *Monitor) Start(opts StartOptions) string {
	f := &Flow{
		ID:        uuid.NewString(),
		StartedAt: utils.NowMs(),
		Protocol:  opts.Protocol,
		Route:     opts.Route,
		Model:     opts.Model,
		Stream:    opts.Stream,
		Request:   opts.Request,
		Status:    StatusActive,
	}

	m.mu.Lock()
	m.entries = append(m.entries, f)
	if len(m.entries) > m.max {
		m.entries = m.entries[len(m.entries)-m.max:]
	}
	m.mu.Unlock()

	return f.ID
}

// SetAccount records which account served the flow.
func (m *Monitor) SetAccount(id, email string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f := m.findLocked(id); f != nil {
		f.Account = utils.MaskEmail(email)
	}
}

// RecordChunk accounts one streamed chunk.
func (m *Monitor) RecordChunk(id string, size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f := m.findLocked(id); f != nil {
		f.Chunks++
		f.Bytes += int64(size)
	}
}

// Complete closes a flow successfully and persists it.
func (m *Monitor) Complete(id string, usage map[string]int) {
	m.finish(id, StatusCompleted, "", usage)
}

// Fail closes a flow with an error and persists it.
func (m *Monitor) Fail(id, errMsg string) {
	m.finish(id, StatusError, errMsg, nil)
}

func (m *Monitor) finish(id, status, errMsg string, usage map[string]int) {
	m.mu.Lock()
	f := m.findLocked(id)
	if f == nil || f.Status != StatusActive {
		m.mu.Unlock()
		return
	}
	f.Status = status
	f.Error = errMsg
	f.Usage = usage
	f.CompletedAt = utils.NowMs()
	f.DurationMs = f.CompletedAt - f.StartedAt
	copied := *f
	m.mu.Unlock()

	m.writer.append(&copied)
}

func (m *Monitor) findLocked(id string) *Flow {
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].ID == id {
			return m.entries[i]
		}
	}
	return nil
}

// Recent returns up to limit flows, newest first.
func (m *Monitor) Recent(limit int) []Flow {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 || limit > len(m.entries) {
		limit = len(m.entries)
	}
	out := make([]Flow, 0, limit)
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *m.entries[i])
	}
	return out
}

// Clear drops the in-memory ring. Persisted logs are untouched.
func (m *Monitor) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = nil
}

// Close stops the retention job and drains pending writes.
func (m *Monitor) Close() {
	if m.cron != nil {
		ctx := m.cron.Stop()
		<-ctx.Done()
	}
	m.writer.close()
}

// TruncateSnapshot builds a redacted snapshot from the system prompt and
// flattened message texts, keeping only the first entries.
func TruncateSnapshot(system string, messages []string) Snapshot {
	snap := Snapshot{
		System:        utils.TruncateString(system, 200),
		TotalMessages: len(messages),
	}
	limit := len(messages)
	if limit > config.FlowSnapshotMessages {
		limit = config.FlowSnapshotMessages
	}
	for _, msg := range messages[:limit] {
		snap.Messages = append(snap.Messages, utils.TruncateString(msg, 500))
	}
	return snap
}

// nowDay returns the current day key used for log file names.
func nowDay() string {
	return time.Now().UTC().Format("2006-01-02")
}
