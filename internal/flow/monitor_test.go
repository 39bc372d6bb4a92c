package flow

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poemonsense/cloudcode-gateway/internal/config"
)

func newTestMonitor(t *testing.T) *Monitor {
	t.Helper()
	orig := config.FlowLogDir
	config.FlowLogDir = t.TempDir()
	t.Cleanup(func() { config.FlowLogDir = orig })

	m := NewMonitor(config.FlowEntriesMin)
	t.Cleanup(m.Close)
	return m
}

func TestFlowLifecycle(t *testing.T) {
	m := newTestMonitor(t)

	id := m.Start(StartOptions{
		Protocol: "anthropic",
		Route:    "/v1/messages",
		Model:    "claude-sonnet-4-5",
		Stream:   true,
		Request:  Snapshot{System: "sys", TotalMessages: 1},
	})
	m.SetAccount(id, "user@example.com")
	m.RecordChunk(id, 100)
	m.RecordChunk(id, 50)
	m.Complete(id, map[string]int{"output_tokens": 5})

	recent := m.Recent(10)
	require.Len(t, recent, 1)
	f := recent[0]
	assert.Equal(t, StatusCompleted, f.Status)
	assert.Equal(t, 2, f.Chunks)
	assert.Equal(t, int64(150), f.Bytes)
	assert.NotEqual(t, "user@example.com", f.Account) // masked
	assert.NotEmpty(t, f.Account)
	assert.Equal(t, 5, f.Usage["output_tokens"])
	assert.GreaterOrEqual(t, f.CompletedAt, f.StartedAt)
}

func TestFlowFailOnce(t *testing.T) {
	m := newTestMonitor(t)

	id := m.Start(StartOptions{Protocol: "anthropic", Route: "/v1/messages"})
	m.Fail(id, "upstream exploded")
	// A finished flow cannot change status
	m.Complete(id, nil)

	recent := m.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, StatusError, recent[0].Status)
	assert.Equal(t, "upstream exploded", recent[0].Error)
}

func TestFlowRingEviction(t *testing.T) {
	m := newTestMonitor(t)

	for i := 0; i < config.FlowEntriesMin+10; i++ {
		id := m.Start(StartOptions{Route: fmt.Sprintf("/r/%d", i)})
		m.Complete(id, nil)
	}

	recent := m.Recent(0)
	assert.Len(t, recent, config.FlowEntriesMin)
	// Newest first
	assert.Equal(t, fmt.Sprintf("/r/%d", config.FlowEntriesMin+9), recent[0].Route)
}

func TestFlowClear(t *testing.T) {
	m := newTestMonitor(t)
	m.Start(StartOptions{Route: "/v1/messages"})
	m.Clear()
	assert.Empty(t, m.Recent(0))
}

func TestTruncateSnapshot(t *testing.T) {
	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'x'
	}
	messages := []string{"one", "two", "three", "four", string(long)}

	snap := TruncateSnapshot(string(long), messages)

	assert.Equal(t, 5, snap.TotalMessages)
	require.Len(t, snap.Messages, config.FlowSnapshotMessages)
	assert.Equal(t, "one", snap.Messages[0])
	assert.LessOrEqual(t, len(snap.System), 203) // 200 plus ellipsis
}

func TestWriterAndReadDay(t *testing.T) {
	dir := t.TempDir()
	w := newWriter(dir)

	w.append(&Flow{ID: "flow-1", Status: StatusCompleted})
	w.append(&Flow{ID: "flow-2", Status: StatusError})
	w.close()

	day := time.Now().UTC().Format("2006-01-02")
	flows, err := ReadDay(dir, day)
	require.NoError(t, err)
	require.Len(t, flows, 2)
	assert.Equal(t, "flow-1", flows[0].ID)
	assert.Equal(t, "flow-2", flows[1].ID)
}

func TestReadDayMissingFile(t *testing.T) {
	flows, err := ReadDay(t.TempDir(), "2020-01-01")
	require.NoError(t, err)
	assert.Empty(t, flows)
}

func TestReadDaySkipsBadLines(t *testing.T) {
	dir := t.TempDir()
	day := time.Now().UTC().Format("2006-01-02")
	content := "not json\n" + `{"id":"good"}` + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, logFileName(day)), []byte(content), 0644))

	flows, err := ReadDay(dir, day)
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.Equal(t, "good", flows[0].ID)
}

func TestPurgeOldLogs(t *testing.T) {
	dir := t.TempDir()

	oldDay := time.Now().UTC().AddDate(0, 0, -config.FlowRetentionDays-1).Format("2006-01-02")
	newDay := time.Now().UTC().Format("2006-01-02")
	require.NoError(t, os.WriteFile(filepath.Join(dir, logFileName(oldDay)), []byte("{}\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, logFileName(newDay)), []byte("{}\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("keep"), 0644))

	require.NoError(t, purgeOldLogs(dir, config.FlowRetentionDays))

	_, err := os.Stat(filepath.Join(dir, logFileName(oldDay)))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, logFileName(newDay)))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "unrelated.txt"))
	assert.NoError(t, err)
}
