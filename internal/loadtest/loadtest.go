// Package loadtest drives a relay with concurrent clients.
//
// Every simulated client signs in as its own user, watches the shared load
// test project and alternates task writes with createdBy queries. Latency is
// recorded per operation. Because the relay sends the snapshot caused by a
// write before acknowledging it, a client's live view must already contain
// every task it wrote once its writes have returned; tasks missing from the
// final view are counted as Missing.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/Mschirtzinger/tasksync/internal/remote"
	"github.com/Mschirtzinger/tasksync/internal/remote/wsclient"
	"github.com/Mschirtzinger/tasksync/internal/schema"
)

// Config configures a load test run.
type Config struct {
	// URL is the relay websocket endpoint.
	URL string

	// Clients is the number of concurrent simulated users.
	Clients int

	// OpsPerClient is the number of task writes each client performs. Each
	// write is followed by one query.
	OpsPerClient int

	// ProjectID is the project the load test writes into. It is created with
	// every simulated user as a member.
	ProjectID string

	// Cleanup deletes the written tasks and the project afterwards.
	Cleanup bool

	// Logger for progress and per-client failures.
	Logger *log.Logger
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		URL:          "ws://127.0.0.1:8377/ws",
		Clients:      10,
		OpsPerClient: 20,
		ProjectID:    "loadtest",
		Cleanup:      true,
		Logger:       log.New(os.Stderr, "[loadtest] ", log.LstdFlags),
	}
}

// LatencyStats captures the latency distribution of one operation kind.
type LatencyStats struct {
	Min    time.Duration `json:"min" yaml:"min"`
	Max    time.Duration `json:"max" yaml:"max"`
	Mean   time.Duration `json:"mean" yaml:"mean"`
	P50    time.Duration `json:"p50" yaml:"p50"`
	P95    time.Duration `json:"p95" yaml:"p95"`
	P99    time.Duration `json:"p99" yaml:"p99"`
	Total  int           `json:"total" yaml:"total"`
	Errors int           `json:"errors" yaml:"errors"`
}

// Report is the outcome of a run.
type Report struct {
	Clients  int           `json:"clients" yaml:"clients"`
	Elapsed  time.Duration `json:"elapsed" yaml:"elapsed"`
	Writes   LatencyStats  `json:"writes" yaml:"writes"`
	Queries  LatencyStats  `json:"queries" yaml:"queries"`
	Missing  int           `json:"missing" yaml:"missing"`
	Failures []string      `json:"failures,omitempty" yaml:"failures,omitempty"`
}

// Throughput returns completed operations per second.
func (r *Report) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Writes.Total+r.Queries.Total) / r.Elapsed.Seconds()
}

// Actor returns the user id of simulated client i.
func Actor(i int) string { return fmt.Sprintf("loadtest-%03d", i) }

// clientResult is what one simulated client reports back.
type clientResult struct {
	writes      []time.Duration
	queries     []time.Duration
	writeErrors int
	queryErrors int
	missing     int
	written     []string
	failure     error
}

// Run executes a load test against the relay at config.URL.
func Run(ctx context.Context, config *Config) (*Report, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Clients <= 0 {
		return nil, fmt.Errorf("clients must be positive, got %d", config.Clients)
	}
	if config.OpsPerClient <= 0 {
		return nil, fmt.Errorf("ops per client must be positive, got %d", config.OpsPerClient)
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	owner, err := wsclient.Dial(ctx, &wsclient.Config{URL: config.URL, Actor: Actor(0), Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}
	defer owner.Close()

	members := make([]string, config.Clients)
	for i := range members {
		members[i] = Actor(i)
	}
	project := schema.Project{ID: config.ProjectID, Name: "Load test", Members: members, OwnerID: Actor(0)}
	if err := owner.Set(ctx, schema.CollectionProjects, project.ID, project.Fields()); err != nil {
		return nil, fmt.Errorf("failed to create project %s: %w", project.ID, err)
	}

	logger.Printf("Running %d clients x %d writes against %s", config.Clients, config.OpsPerClient, config.URL)

	var wg sync.WaitGroup
	results := make([]clientResult, config.Clients)
	start := time.Now()
	for i := 0; i < config.Clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = runClient(ctx, config, i, logger)
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	report := &Report{Clients: config.Clients, Elapsed: elapsed}
	var writes, queries []time.Duration
	var written []string
	for i, r := range results {
		if r.failure != nil {
			report.Failures = append(report.Failures, fmt.Sprintf("%s: %v", Actor(i), r.failure))
		}
		writes = append(writes, r.writes...)
		queries = append(queries, r.queries...)
		report.Writes.Errors += r.writeErrors
		report.Queries.Errors += r.queryErrors
		report.Missing += r.missing
		written = append(written, r.written...)
	}
	report.Writes = withErrors(computeLatencyStats(writes), report.Writes.Errors)
	report.Queries = withErrors(computeLatencyStats(queries), report.Queries.Errors)

	if config.Cleanup {
		for _, id := range written {
			if err := owner.Delete(ctx, schema.CollectionTasks, id); err != nil {
				logger.Printf("Warning: failed to delete task %s: %v", id, err)
			}
		}
		if err := owner.Delete(ctx, schema.CollectionProjects, project.ID); err != nil {
			logger.Printf("Warning: failed to delete project %s: %v", project.ID, err)
		}
	}
	return report, nil
}

func withErrors(s LatencyStats, errors int) LatencyStats {
	s.Errors = errors
	return s
}

// runClient is one simulated user. Per-operation errors are counted; only a
// failure to connect or watch ends the client early.
func runClient(ctx context.Context, config *Config, i int, logger *log.Logger) clientResult {
	var res clientResult
	actor := Actor(i)

	c, err := wsclient.Dial(ctx, &wsclient.Config{URL: config.URL, Actor: actor, Logger: logger})
	if err != nil {
		res.failure = err
		return res
	}
	defer c.Close()

	// The handler runs on the client's read goroutine.
	var mu sync.Mutex
	visible := make(map[string]bool)
	l, err := c.Watch(ctx, remote.NewQuery(schema.CollectionTasks, remote.Eq(schema.FieldScopeID, config.ProjectID)), remote.Handler{
		OnSnapshot: func(docs []remote.Document) {
			mu.Lock()
			defer mu.Unlock()
			clear(visible)
			for _, d := range docs {
				visible[d.ID] = true
			}
		},
		OnError: func(err error) {
			logger.Printf("%s: watch failed: %v", actor, err)
		},
	})
	if err != nil {
		res.failure = fmt.Errorf("failed to watch project: %w", err)
		return res
	}
	defer l.Close()

	byMe := remote.NewQuery(schema.CollectionTasks, remote.Eq(schema.FieldScopeID, config.ProjectID), remote.Eq(schema.FieldCreatedBy, actor))
	for j := 0; j < config.OpsPerClient; j++ {
		if ctx.Err() != nil {
			res.failure = ctx.Err()
			break
		}
		task := schema.Task{
			ID:        fmt.Sprintf("%s-%05d", actor, j),
			ScopeID:   config.ProjectID,
			Text:      fmt.Sprintf("Load test task %d", j),
			CreatedBy: actor,
			Members:   []string{actor},
		}
		task.SetDefaults(time.Now())

		begin := time.Now()
		err := c.Set(ctx, schema.CollectionTasks, task.ID, task.Fields())
		res.writes = append(res.writes, time.Since(begin))
		if err != nil {
			res.writeErrors++
			logger.Printf("%s: write %s failed: %v", actor, task.ID, err)
			continue
		}
		res.written = append(res.written, task.ID)

		begin = time.Now()
		_, err = c.Query(ctx, byMe)
		res.queries = append(res.queries, time.Since(begin))
		if err != nil {
			res.queryErrors++
			logger.Printf("%s: query failed: %v", actor, err)
		}
	}

	mu.Lock()
	for _, id := range res.written {
		if !visible[id] {
			res.missing++
		}
	}
	mu.Unlock()
	return res
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(sorted)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Total: len(sorted),
	}
}

// Print writes a human-readable summary of r.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "Clients:    %d\n", r.Clients)
	fmt.Fprintf(w, "Elapsed:    %v\n", r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "Throughput: %.1f ops/s\n", r.Throughput())
	for _, s := range []struct {
		name  string
		stats LatencyStats
	}{{"Writes", r.Writes}, {"Queries", r.Queries}} {
		fmt.Fprintf(w, "%s: %d (%d errors)\n", s.name, s.stats.Total, s.stats.Errors)
		fmt.Fprintf(w, "  Min %v  P50 %v  Mean %v  P95 %v  P99 %v  Max %v\n",
			s.stats.Min, s.stats.P50, s.stats.Mean, s.stats.P95, s.stats.P99, s.stats.Max)
	}
	fmt.Fprintf(w, "Missing from live views: %d\n", r.Missing)
	for _, f := range r.Failures {
		fmt.Fprintf(w, "Failure: %s\n", f)
	}
}
