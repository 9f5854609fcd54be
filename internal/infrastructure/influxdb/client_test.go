package influxdb_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/packflow/internal/infrastructure/config"
	"github.com/nerrad567/packflow/internal/infrastructure/influxdb"
)

// fakeInflux answers /ping and captures line protocol sent to /api/v2/write.
type fakeInflux struct {
	mu       sync.Mutex
	lines    []string
	failPing bool
}

func (f *fakeInflux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/ping":
		if f.failPing {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case r.URL.Path == "/api/v2/write":
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.lines = append(f.lines, strings.Split(strings.TrimSpace(string(body)), "\n")...)
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeInflux) waitFor(t *testing.T, prefix string) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		for _, l := range f.lines {
			if strings.HasPrefix(l, prefix) {
				f.mu.Unlock()
				return l
			}
		}
		f.mu.Unlock()
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("no line with prefix %q written", prefix)
	return ""
}

func testConfig(url string) config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           url,
		Token:         "packflow-test-token",
		Org:           "packflow",
		Bucket:        "metrics",
		BatchSize:     1,
		FlushInterval: 1,
	}
}

func connect(t *testing.T) (*influxdb.Client, *fakeInflux) {
	t.Helper()
	fake := &fakeInflux{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client, err := influxdb.Connect(context.Background(), testConfig(srv.URL))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { client.Close() }) //nolint:errcheck // Test cleanup
	return client, fake
}

func TestConnect(t *testing.T) {
	client, _ := connect(t)
	if !client.IsConnected() {
		t.Error("IsConnected() = false after Connect()")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Enabled = false

	_, err := influxdb.Connect(context.Background(), cfg)
	if !errors.Is(err, influxdb.ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unhealthy(t *testing.T) {
	srv := httptest.NewServer(&fakeInflux{failPing: true})
	defer srv.Close()

	_, err := influxdb.Connect(context.Background(), testConfig(srv.URL))
	if !errors.Is(err, influxdb.ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestWriteModelCall(t *testing.T) {
	client, fake := connect(t)

	client.WriteModelCall("anthropic", "claude-sonnet", "pack-1", 800, 200, 0.0054, 1500*time.Millisecond, true)
	client.Flush()

	line := fake.waitFor(t, "model_calls,")
	for _, want := range []string{"provider=anthropic", "pack_id=pack-1", "outcome=success", "input_tokens=800i", "latency_ms=1500i"} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
}

func TestWriteExecutionAndEvent(t *testing.T) {
	client, fake := connect(t)

	client.WriteExecution("pack-2", "failed", 1, 2*time.Second)
	client.WriteEvent("wizard_completed", "frontend", 0)
	client.Flush()

	exec := fake.waitFor(t, "executions,")
	if !strings.Contains(exec, "status=failed") || !strings.Contains(exec, "steps_completed=1i") {
		t.Errorf("executions line = %q", exec)
	}
	event := fake.waitFor(t, "events,")
	if !strings.Contains(event, "event_name=wizard_completed") || !strings.Contains(event, "triggered=0i") {
		t.Errorf("events line = %q", event)
	}
}

func TestWriteChain(t *testing.T) {
	client, fake := connect(t)

	client.WriteChain("chain-1", "cancelled", 2, 90*time.Second)
	client.Flush()

	line := fake.waitFor(t, "chains,")
	for _, want := range []string{"chain_id=chain-1", "status=cancelled", "steps_completed=2i", "duration_ms=90000i"} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
}

func TestWritesAfterCloseAreDropped(t *testing.T) {
	client, _ := connect(t)
	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	client.WriteExecution("pack-3", "completed", 2, time.Second)
	client.Flush()

	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, influxdb.ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
}

func TestNilClientIsSafe(t *testing.T) {
	var client *influxdb.Client
	if client.IsConnected() {
		t.Error("nil client reports connected")
	}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on nil = %v", err)
	}
}
