package loadtest

import (
	"bytes"
	"context"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/Mschirtzinger/tasksync/internal/relay"
	"github.com/Mschirtzinger/tasksync/internal/remote"
	"github.com/Mschirtzinger/tasksync/internal/schema"
)

func startRelay(t *testing.T) (*relay.Server, *remote.MemStore) {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)
	store := remote.NewMemStore(quiet)
	server := relay.NewServer(store, &relay.Config{Addr: "127.0.0.1:0", EnforceMembership: true, Logger: quiet})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start relay: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })
	return server, store
}

func TestRun_Small(t *testing.T) {
	server, store := startRelay(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report, err := Run(ctx, &Config{
		URL:          "ws://" + server.GetAddr() + "/ws",
		Clients:      5,
		OpsPerClient: 4,
		ProjectID:    "lt",
	})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if len(report.Failures) > 0 {
		t.Fatalf("client failures: %v", report.Failures)
	}
	if report.Writes.Total != 20 || report.Writes.Errors != 0 {
		t.Errorf("writes = %+v, want 20 without errors", report.Writes)
	}
	if report.Queries.Total != 20 || report.Queries.Errors != 0 {
		t.Errorf("queries = %+v, want 20 without errors", report.Queries)
	}
	if report.Missing != 0 {
		t.Errorf("Missing = %d, want 0", report.Missing)
	}
	if report.Writes.Min > report.Writes.P50 || report.Writes.P50 > report.Writes.Max {
		t.Errorf("write percentiles out of order: %+v", report.Writes)
	}

	if _, ok := store.Get(schema.CollectionTasks, "loadtest-000-00000"); !ok {
		t.Error("task written by the load test not found in the store")
	}
	if _, ok := store.Get(schema.CollectionProjects, "lt"); !ok {
		t.Error("load test project not found in the store")
	}

	var out bytes.Buffer
	report.Print(&out)
	if !strings.Contains(out.String(), "Missing from live views: 0") {
		t.Errorf("Print() output = %q", out.String())
	}
}

func TestRun_Cleanup(t *testing.T) {
	server, store := startRelay(t)

	report, err := Run(context.Background(), &Config{
		URL:          "ws://" + server.GetAddr() + "/ws",
		Clients:      2,
		OpsPerClient: 3,
		ProjectID:    "lt",
		Cleanup:      true,
	})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if report.Writes.Total != 6 {
		t.Errorf("writes = %d, want 6", report.Writes.Total)
	}

	for _, id := range []string{"loadtest-000-00000", "loadtest-001-00002"} {
		if _, ok := store.Get(schema.CollectionTasks, id); ok {
			t.Errorf("task %s survived cleanup", id)
		}
	}
	if _, ok := store.Get(schema.CollectionProjects, "lt"); ok {
		t.Error("project survived cleanup")
	}
}

func TestRun_RejectsBadConfig(t *testing.T) {
	if _, err := Run(context.Background(), &Config{URL: "ws://127.0.0.1:1/ws", Clients: 0, OpsPerClient: 1}); err == nil {
		t.Error("expected error for zero clients")
	}
	if _, err := Run(context.Background(), &Config{URL: "ws://127.0.0.1:1/ws", Clients: 1, OpsPerClient: 0}); err == nil {
		t.Error("expected error for zero ops")
	}
}

func TestComputeLatencyStats(t *testing.T) {
	var durations []time.Duration
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}

	stats := computeLatencyStats(durations)
	if stats.Total != 100 {
		t.Errorf("Total = %d, want 100", stats.Total)
	}
	if stats.Min != time.Millisecond || stats.Max != 100*time.Millisecond {
		t.Errorf("Min/Max = %v/%v", stats.Min, stats.Max)
	}
	if stats.P50 != 51*time.Millisecond {
		t.Errorf("P50 = %v, want 51ms", stats.P50)
	}
	if stats.P99 != 100*time.Millisecond {
		t.Errorf("P99 = %v, want 100ms", stats.P99)
	}
	if stats.Mean != 50500*time.Microsecond {
		t.Errorf("Mean = %v, want 50.5ms", stats.Mean)
	}

	if empty := computeLatencyStats(nil); empty.Total != 0 {
		t.Errorf("empty stats = %+v", empty)
	}
}
