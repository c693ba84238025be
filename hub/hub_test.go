package hub_test

import (
	"bufio"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"feedrelay/hub"
	"feedrelay/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEntries() []models.Entry {
	return []models.Entry{
		{
			Id:        "urn:story:1",
			Title:     "First story",
			Link:      "https://example.com/first",
			Source:    "Example News",
			Published: "2025-06-02T10:00:00Z",
		},
	}
}

func TestConnectAssignsUniqueIds(t *testing.T) {
	registry := hub.NewRegistry()

	a, _ := registry.Connect()
	b, _ := registry.Connect()

	assert.NotEqual(t, a, b)
	assert.Equal(t, 2, registry.Len())
}

func TestDisconnectRemovesSubscriber(t *testing.T) {
	registry := hub.NewRegistry()

	id, sink := registry.Connect()
	registry.Disconnect(id)

	assert.Equal(t, 0, registry.Len())

	// Sink is closed so the transport loop ends
	_, ok := <-sink
	assert.False(t, ok)

	// Idempotent
	registry.Disconnect(id)
	assert.Equal(t, 0, registry.Len())
}

func TestBroadcastWithNoSubscribers(t *testing.T) {
	registry := hub.NewRegistry()

	// Must not panic or block
	registry.Broadcast(sampleEntries())
	registry.Broadcast(nil)
}

func TestBroadcastEmptyBatchIsNoOp(t *testing.T) {
	registry := hub.NewRegistry()
	_, sink := registry.Connect()

	registry.Broadcast(nil)

	select {
	case <-sink:
		t.Fatal("empty batch should not produce a frame")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcastDeliversSerializedBatch(t *testing.T) {
	registry := hub.NewRegistry()
	_, sink := registry.Connect()

	registry.Broadcast(sampleEntries())

	select {
	case payload := <-sink:
		var got []models.Entry
		require.NoError(t, json.Unmarshal(payload, &got))
		require.Len(t, got, 1)
		assert.Equal(t, "urn:story:1", got[0].Id)
	case <-time.After(time.Second):
		t.Fatal("expected a broadcast frame")
	}
}

func TestBroadcastAfterDisconnectSkipsSubscriber(t *testing.T) {
	registry := hub.NewRegistry()
	id, sink := registry.Connect()
	registry.Disconnect(id)

	registry.Broadcast(sampleEntries())

	// The closed sink never receives the batch
	payload, ok := <-sink
	assert.False(t, ok)
	assert.Nil(t, payload)
}

func TestBroadcastPreservesOrderPerSubscriber(t *testing.T) {
	registry := hub.NewRegistry()
	_, sink := registry.Connect()

	for i := 0; i < 3; i++ {
		entries := sampleEntries()
		entries[0].Title = string(rune('a' + i))
		registry.Broadcast(entries)
	}

	for i := 0; i < 3; i++ {
		payload := <-sink
		var got []models.Entry
		require.NoError(t, json.Unmarshal(payload, &got))
		assert.Equal(t, string(rune('a'+i)), got[0].Title)
	}
}

func TestBroadcastDropsSubscriberWithFullSink(t *testing.T) {
	registry := hub.NewRegistry()
	registry.Connect()

	// Nobody drains the sink; once its buffer is full the subscriber is
	// treated as dead and removed rather than stalling the broadcast.
	for i := 0; i < 32; i++ {
		registry.Broadcast(sampleEntries())
	}

	assert.Equal(t, 0, registry.Len())
}

func TestShutdownClosesAllSinks(t *testing.T) {
	registry := hub.NewRegistry()
	_, a := registry.Connect()
	_, b := registry.Connect()

	registry.Shutdown()

	assert.Equal(t, 0, registry.Len())
	_, ok := <-a
	assert.False(t, ok)
	_, ok = <-b
	assert.False(t, ok)
}

func TestBroadcastEndpoint(t *testing.T) {
	registry := hub.NewRegistry()
	app := hub.App(&hub.Config{AllowedOrigin: "*", Registry: registry})

	_, sink := registry.Connect()

	body := strings.NewReader(`{"entries":[{"id":"urn:story:1","title":"First story"}]}`)
	req := httptest.NewRequest("POST", "/broadcast", body)
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req, 5000)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	select {
	case payload := <-sink:
		var got []models.Entry
		require.NoError(t, json.Unmarshal(payload, &got))
		require.Len(t, got, 1)
		assert.Equal(t, "urn:story:1", got[0].Id)
	case <-time.After(time.Second):
		t.Fatal("expected the broadcast call to reach the registry")
	}
}

func TestBroadcastEndpointRejectsGarbage(t *testing.T) {
	registry := hub.NewRegistry()
	app := hub.App(&hub.Config{AllowedOrigin: "*", Registry: registry})

	req := httptest.NewRequest("POST", "/broadcast", strings.NewReader("not json"))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req, 5000)
	require.NoError(t, err)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestNonStreamRequestsGet404(t *testing.T) {
	registry := hub.NewRegistry()
	app := hub.App(&hub.Config{AllowedOrigin: "*", Registry: registry})

	req := httptest.NewRequest("GET", "/live", nil)

	resp, err := app.Test(req, 5000)
	require.NoError(t, err)
	assert.Equal(t, 404, resp.StatusCode)
}

// startApp serves the coordinator on a loopback listener so the event
// stream can be read over a real connection.
func startApp(t *testing.T, registry *hub.Registry) string {
	t.Helper()

	app := hub.App(&hub.Config{AllowedOrigin: "*", Registry: registry})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go app.Listener(ln)
	t.Cleanup(func() { app.ShutdownWithTimeout(250 * time.Millisecond) })

	return "http://" + ln.Addr().String()
}

func streamLines(body io.Reader) chan string {
	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

func awaitLine(t *testing.T, lines chan string, prefix string) string {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatalf("stream ended before a %q line arrived", prefix)
			}
			if strings.HasPrefix(line, prefix) {
				return line
			}
		case <-deadline:
			t.Fatalf("timed out waiting for a %q line", prefix)
		}
	}
}

func TestStreamOpensWithConnectionId(t *testing.T) {
	registry := hub.NewRegistry()
	base := startApp(t, registry)

	req, err := http.NewRequest("GET", base+"/live", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, 200, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	lines := streamLines(resp.Body)
	assert.Equal(t, "event: open", awaitLine(t, lines, "event: open"))

	openData := awaitLine(t, lines, "data: ")
	var control struct {
		ConnectionId string `json:"connectionId"`
	}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(openData, "data: ")), &control))
	assert.NotEmpty(t, control.ConnectionId)
	assert.Equal(t, 1, registry.Len())
}

func TestStreamDeliversBroadcastFrames(t *testing.T) {
	registry := hub.NewRegistry()
	base := startApp(t, registry)

	req, err := http.NewRequest("GET", base+"/live", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	lines := streamLines(resp.Body)

	// The open frame confirms the subscriber is registered before the
	// broadcast fires.
	awaitLine(t, lines, "event: open")
	awaitLine(t, lines, "data: ")

	registry.Broadcast(sampleEntries())

	frame := awaitLine(t, lines, "data: [")
	var got []models.Entry
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(frame, "data: ")), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "urn:story:1", got[0].Id)
	assert.Equal(t, "First story", got[0].Title)
}
