package upstream

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectEvents(t *testing.T, body string) ([]StreamEvent, error) {
	t.Helper()
	events := make(chan StreamEvent, 32)
	err := scanStream(context.Background(), strings.NewReader(body), events)
	close(events)

	var out []StreamEvent
	for ev := range events {
		out = append(out, ev)
	}
	return out, err
}

func TestScanStreamRelaysChunks(t *testing.T) {
	body := "data: {\"type\":\"message_start\",\"message\":{}}\n\n" +
		"data: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"hi\"}}\n\n" +
		"data: [DONE]\n\n"

	events, err := collectEvents(t, body)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "message_start", events[0].Type)
	assert.Equal(t, "content_block_delta", events[1].Type)
}

func TestScanStreamUnwrapsResponseEnvelope(t *testing.T) {
	body := "data: {\"response\":{\"type\":\"message_delta\",\"usage\":{\"output_tokens\":5}}}\n\n"

	events, err := collectEvents(t, body)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "message_delta", events[0].Type)
	assert.JSONEq(t,
		`{"type":"message_delta","usage":{"output_tokens":5}}`,
		string(events[0].Data))
}

func TestScanStreamDefaultsChunkType(t *testing.T) {
	body := "data: {\"delta\":{\"text\":\"hi\"}}\n\n"

	events, err := collectEvents(t, body)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "message_delta", events[0].Type)
}

func TestScanStreamSurfacesErrorChunk(t *testing.T) {
	body := "data: {\"type\":\"message_start\"}\n\n" +
		"data: {\"type\":\"error\",\"error\":{\"message\":\"RESOURCE_EXHAUSTED, reset after 2m0s\"}}\n\n"

	events, err := collectEvents(t, body)
	require.Error(t, err)
	assert.Len(t, events, 1)
	// The raw payload becomes the error text so the classifier can match it
	assert.Contains(t, err.Error(), "RESOURCE_EXHAUSTED")
}

func TestScanStreamSkipsNonDataLines(t *testing.T) {
	body := "event: ping\n\n: comment\n\ndata: {\"type\":\"message_stop\"}\n\n"

	events, err := collectEvents(t, body)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "message_stop", events[0].Type)
}

func TestScanStreamUnblocksOnCancelledConsumer(t *testing.T) {
	var body strings.Builder
	for i := 0; i < 40; i++ {
		body.WriteString("data: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"x\"}}\n\n")
	}

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan StreamEvent, 16)

	done := make(chan error, 1)
	go func() {
		done <- scanStream(ctx, strings.NewReader(body.String()), events)
	}()

	// Nobody drains the channel, so the scanner fills the buffer and
	// blocks; cancellation must release it.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scanStream did not return after context cancellation")
	}
}

func TestScanStreamSkipsMalformedChunks(t *testing.T) {
	body := "data: not-json\n\ndata: {\"type\":\"message_stop\"}\n\n"

	events, err := collectEvents(t, body)
	require.NoError(t, err)
	require.Len(t, events, 1)
}
