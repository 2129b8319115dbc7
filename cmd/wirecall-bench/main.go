// Command wirecall-bench load-tests the call engine end to end. It
// hosts an app with the demo book service on a loopback listener,
// drives it with concurrent clients at a target call rate, and reports
// latency percentiles, throughput and GC cost as text and JSON.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"runtime/debug"
	"runtime/metrics"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wirecall-dev/wirecall"
	"github.com/wirecall-dev/wirecall/examples/bookdemo"
	"github.com/wirecall-dev/wirecall/pkg/client"
)

const gib = int64(1024 * 1024 * 1024)

type profile struct {
	Name          string
	Clients       int
	Duration      time.Duration
	RPS           float64
	CatalogSize   int
	PayloadBytes  int
	WriteEvery    int
	MaxProcs      int
	MemLimitBytes int64
}

var profiles = map[string]profile{
	"fast": {
		Name:         "fast",
		Clients:      25,
		Duration:     10 * time.Second,
		RPS:          5,
		CatalogSize:  100,
		PayloadBytes: 32,
		WriteEvery:   10,
	},
	"standard": {
		Name:         "standard",
		Clients:      100,
		Duration:     30 * time.Second,
		RPS:          10,
		CatalogSize:  1000,
		PayloadBytes: 32,
		WriteEvery:   10,
	},
	"stress": {
		Name:          "stress",
		Clients:       400,
		Duration:      60 * time.Second,
		RPS:           20,
		CatalogSize:   5000,
		PayloadBytes:  64,
		WriteEvery:    5,
		MaxProcs:      4,
		MemLimitBytes: 2 * gib,
	},
}

type benchConfig struct {
	Profile       string
	Transport     string
	Clients       int
	Duration      time.Duration
	RPS           float64
	CatalogSize   int
	PayloadBytes  int
	WriteEvery    int
	MaxProcs      int
	MemLimitBytes int64
	JSONOutput    string
	CallTimeout   time.Duration
}

type benchCounters struct {
	callsSent     atomic.Uint64
	callsComplete atomic.Uint64
	reads         atomic.Uint64
	writes        atomic.Uint64
	booksReturned atomic.Uint64
}

type benchErrors struct {
	dialFailures    atomic.Uint64
	remoteErrors    atomic.Uint64
	thrownValues    atomic.Uint64
	transportErrors atomic.Uint64
	timeouts        atomic.Uint64
	totalErrors     atomic.Uint64
}

// searchWords seeds both titles and queries, so every search hits.
var searchWords = []string{
	"orbit", "cipher", "harbor", "lantern", "meridian",
	"quarry", "signal", "thicket", "vellum", "zephyr",
}

func main() {
	log.SetFlags(0)

	cfg, err := parseConfig()
	if err != nil {
		log.Fatal(err)
	}

	if cfg.MaxProcs > 0 {
		runtime.GOMAXPROCS(cfg.MaxProcs)
	}
	if cfg.MemLimitBytes > 0 {
		debug.SetMemoryLimit(cfg.MemLimitBytes)
	}
	debug.SetGCPercent(100)

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	app, err := wirecall.New(wirecall.Config{
		Secrets:     []string{"wirecall-bench-secret"},
		Development: true,
		Logger:      quiet,
	})
	if err != nil {
		log.Fatalf("app: %v", err)
	}

	shelf := bookdemo.NewShelf(quiet)
	seedCatalog(shelf, cfg.CatalogSize)
	if _, err := app.Bind("books", shelf, wirecall.Safe("GetBook", "ListBooks", "SearchBooks")); err != nil {
		log.Fatalf("bind: %v", err)
	}

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		log.Fatalf("listen: %v", err)
	}

	httpServer := &http.Server{Handler: app}
	go func() {
		_ = httpServer.Serve(ln)
	}()
	defer func() {
		_ = httpServer.Shutdown(context.Background())
	}()

	serviceURL := "http://" + ln.Addr().String() + "/api/books"

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	samplesCh := make(chan time.Duration, sampleBuffer(cfg.Clients))
	var samples []time.Duration
	var samplesMu sync.Mutex
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for rtt := range samplesCh {
			samplesMu.Lock()
			samples = append(samples, rtt)
			samplesMu.Unlock()
		}
	}()

	var counters benchCounters
	var errCounts benchErrors

	var before runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)
	beforeMetrics := readRuntimeMetrics()

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(cfg.Clients)
	for i := 0; i < cfg.Clients; i++ {
		clientID := i
		go func() {
			defer wg.Done()
			if err := runClient(ctx, serviceURL, clientID, cfg, &counters, &errCounts, samplesCh); err != nil {
				errCounts.totalErrors.Add(1)
			}
		}()
	}

	wg.Wait()
	close(samplesCh)
	<-collectorDone

	elapsed := time.Since(start)

	var after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&after)
	afterMetrics := readRuntimeMetrics()

	samplesMu.Lock()
	latencies := append([]time.Duration(nil), samples...)
	samplesMu.Unlock()
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	report := buildReport(cfg, elapsed, latencies, &counters, &errCounts, before, after, beforeMetrics, afterMetrics)

	writeSummary(os.Stderr, report)
	if err := writeJSON(cfg.JSONOutput, report); err != nil {
		log.Fatalf("write json: %v", err)
	}
}

func seedCatalog(shelf *bookdemo.Shelf, n int) {
	for i := 0; i < n; i++ {
		word := searchWords[i%len(searchWords)]
		_, _ = shelf.AddBook(bookdemo.Book{
			Title:  fmt.Sprintf("%s volume %d", word, i),
			Author: fmt.Sprintf("author %d", i%97),
			Year:   1950 + i%75,
		})
	}
}

func sampleBuffer(clients int) int {
	if clients < 1 {
		return 1024
	}
	buf := clients * 4
	if buf < 1024 {
		buf = 1024
	}
	return buf
}

func parseConfig() (benchConfig, error) {
	profileFlag := flag.String("profile", "standard", "profile: fast|standard|stress")
	transportFlag := flag.String("transport", "socket", "transport: socket|http")
	clientsFlag := flag.Int("clients", -1, "number of concurrent clients")
	durationFlag := flag.String("duration", "", "benchmark duration, e.g. 30s")
	rpsFlag := flag.Float64("rps", -1, "target calls/sec per client")
	catalogFlag := flag.Int("catalog", -1, "books seeded before the run")
	payloadFlag := flag.Int("payload-bytes", -1, "bytes of title payload per write")
	writeEveryFlag := flag.Int("write-every", -1, "every Nth call is a write (0 disables writes)")
	maxProcsFlag := flag.Int("max-procs", -1, "GOMAXPROCS cap (0 to leave unchanged)")
	memLimitFlag := flag.String("mem-limit", "", "GOMEMLIMIT (e.g. 2GiB)")
	jsonFlag := flag.String("json", "-", "JSON output path ('-' for stdout)")
	flag.Parse()

	name := strings.ToLower(strings.TrimSpace(*profileFlag))
	if name == "" {
		name = "standard"
	}

	base, ok := profiles[name]
	if !ok {
		return benchConfig{}, fmt.Errorf("unknown profile %q", name)
	}

	cfg := benchConfig{
		Profile:       base.Name,
		Transport:     strings.ToLower(strings.TrimSpace(*transportFlag)),
		Clients:       base.Clients,
		Duration:      base.Duration,
		RPS:           base.RPS,
		CatalogSize:   base.CatalogSize,
		PayloadBytes:  base.PayloadBytes,
		WriteEvery:    base.WriteEvery,
		MaxProcs:      base.MaxProcs,
		MemLimitBytes: base.MemLimitBytes,
		JSONOutput:    strings.TrimSpace(*jsonFlag),
	}

	if *clientsFlag != -1 {
		cfg.Clients = *clientsFlag
	}
	if *durationFlag != "" {
		d, err := time.ParseDuration(*durationFlag)
		if err != nil {
			return benchConfig{}, fmt.Errorf("invalid -duration: %w", err)
		}
		cfg.Duration = d
	}
	if *rpsFlag != -1 {
		cfg.RPS = *rpsFlag
	}
	if *catalogFlag != -1 {
		cfg.CatalogSize = *catalogFlag
	}
	if *payloadFlag != -1 {
		cfg.PayloadBytes = *payloadFlag
	}
	if *writeEveryFlag != -1 {
		cfg.WriteEvery = *writeEveryFlag
	}
	if *maxProcsFlag != -1 {
		cfg.MaxProcs = *maxProcsFlag
	}
	if *memLimitFlag != "" {
		limit, err := parseBytes(*memLimitFlag)
		if err != nil {
			return benchConfig{}, fmt.Errorf("invalid -mem-limit: %w", err)
		}
		cfg.MemLimitBytes = limit
	}
	if cfg.JSONOutput == "" {
		cfg.JSONOutput = "-"
	}

	if cfg.Transport != "socket" && cfg.Transport != "http" {
		return benchConfig{}, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	if cfg.Clients <= 0 {
		return benchConfig{}, errors.New("-clients must be > 0")
	}
	if cfg.Duration <= 0 {
		return benchConfig{}, errors.New("-duration must be > 0")
	}
	if cfg.RPS <= 0 {
		return benchConfig{}, errors.New("-rps must be > 0")
	}
	if cfg.CatalogSize < 0 {
		return benchConfig{}, errors.New("-catalog must be >= 0")
	}
	if cfg.PayloadBytes <= 0 {
		return benchConfig{}, errors.New("-payload-bytes must be > 0")
	}
	if cfg.WriteEvery < 0 {
		return benchConfig{}, errors.New("-write-every must be >= 0")
	}
	if cfg.MaxProcs < 0 {
		return benchConfig{}, errors.New("-max-procs must be >= 0")
	}
	if cfg.MemLimitBytes < 0 {
		return benchConfig{}, errors.New("-mem-limit must be >= 0")
	}

	cfg.CallTimeout = callTimeout(cfg.RPS)
	return cfg, nil
}

// callTimeout gives slow calls a few ticks before they count as
// timeouts, bounded to stay meaningful at very low and very high
// rates.
func callTimeout(rps float64) time.Duration {
	if rps <= 0 {
		return 10 * time.Second
	}
	timeout := time.Duration(4 * float64(time.Second) / rps)
	if timeout < 2*time.Second {
		return 2 * time.Second
	}
	if timeout > 30*time.Second {
		return 30 * time.Second
	}
	return timeout
}

func parseBytes(input string) (int64, error) {
	s := strings.TrimSpace(input)
	units := []struct {
		suffix string
		factor int64
	}{
		{"GiB", 1024 * 1024 * 1024},
		{"MiB", 1024 * 1024},
		{"KiB", 1024},
		{"GB", 1000 * 1000 * 1000},
		{"MB", 1000 * 1000},
		{"KB", 1000},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			num := strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			val, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, err
			}
			return int64(val * float64(u.factor)), nil
		}
	}
	return strconv.ParseInt(s, 10, 64)
}

func runClient(
	ctx context.Context,
	serviceURL string,
	clientID int,
	cfg benchConfig,
	counters *benchCounters,
	errCounts *benchErrors,
	samples chan<- time.Duration,
) error {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	cl, err := client.New(serviceURL, client.Options{
		DisableSocket: cfg.Transport == "http",
		Logger:        quiet,
	})
	if err != nil {
		errCounts.dialFailures.Add(1)
		return err
	}
	defer cl.Close()

	rng := rand.New(rand.NewSource(int64(clientID)*7919 + 1))
	interval := time.Duration(float64(time.Second) / cfg.RPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		seq++

		callCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
		start := time.Now()
		err := oneCall(callCtx, cl, clientID, seq, cfg, rng, counters)
		rtt := time.Since(start)
		cancel()

		counters.callsSent.Add(1)
		if err != nil {
			if ctx.Err() != nil {
				// The run ended mid-call.
				return nil
			}
			classifyError(err, errCounts)
			continue
		}
		counters.callsComplete.Add(1)

		select {
		case samples <- rtt:
		default:
		}
	}
}

func oneCall(
	ctx context.Context,
	cl *client.Client,
	clientID, seq int,
	cfg benchConfig,
	rng *rand.Rand,
	counters *benchCounters,
) error {
	if cfg.WriteEvery > 0 && seq%cfg.WriteEvery == 0 {
		counters.writes.Add(1)
		var added bookdemo.Book
		book := bookdemo.Book{
			Title:  benchTitle(clientID, seq, cfg.PayloadBytes),
			Author: fmt.Sprintf("bench client %d", clientID),
			Year:   2026,
		}
		return cl.Call(ctx, "addBook", &added, book)
	}

	counters.reads.Add(1)
	var books []bookdemo.Book
	query := searchWords[rng.Intn(len(searchWords))]
	if err := cl.Call(ctx, "searchBooks", &books, query, 20); err != nil {
		return err
	}
	counters.booksReturned.Add(uint64(len(books)))
	return nil
}

// benchTitle pads the title to the configured payload size so write
// cost stays comparable across runs.
func benchTitle(clientID, seq, payloadBytes int) string {
	base := fmt.Sprintf("bench %d-%d ", clientID, seq)
	if len(base) >= payloadBytes {
		return base[:payloadBytes]
	}
	return base + strings.Repeat("x", payloadBytes-len(base))
}

func classifyError(err error, errCounts *benchErrors) {
	errCounts.totalErrors.Add(1)

	var thrown *client.ThrownError
	var remote *client.RemoteError
	switch {
	case errors.As(err, &thrown):
		errCounts.thrownValues.Add(1)
	case errors.As(err, &remote):
		errCounts.remoteErrors.Add(1)
	case errors.Is(err, context.DeadlineExceeded) || isTimeout(err):
		errCounts.timeouts.Add(1)
	default:
		errCounts.transportErrors.Add(1)
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

type runtimeMetricsSnapshot struct {
	cpuTotalSeconds float64
	cpuGCSeconds    float64

	heapAllocsBytes   uint64
	heapAllocsObjects uint64
}

func readRuntimeMetrics() runtimeMetricsSnapshot {
	samples := []metrics.Sample{
		{Name: "/cpu/classes/total:cpu-seconds"},
		{Name: "/cpu/classes/gc/total:cpu-seconds"},
		{Name: "/gc/heap/allocs:bytes"},
		{Name: "/gc/heap/allocs:objects"},
	}
	metrics.Read(samples)

	var out runtimeMetricsSnapshot
	for _, s := range samples {
		switch s.Name {
		case "/cpu/classes/total:cpu-seconds":
			out.cpuTotalSeconds = s.Value.Float64()
		case "/cpu/classes/gc/total:cpu-seconds":
			out.cpuGCSeconds = s.Value.Float64()
		case "/gc/heap/allocs:bytes":
			out.heapAllocsBytes = s.Value.Uint64()
		case "/gc/heap/allocs:objects":
			out.heapAllocsObjects = s.Value.Uint64()
		}
	}
	return out
}

func cpuFraction(after, before runtimeMetricsSnapshot) float64 {
	total := after.cpuTotalSeconds - before.cpuTotalSeconds
	if total <= 0 {
		return 0
	}
	gc := after.cpuGCSeconds - before.cpuGCSeconds
	if gc < 0 {
		return 0
	}
	return gc / total
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := int(math.Ceil(float64(len(sorted))*p)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func avgPause(after, before runtime.MemStats) time.Duration {
	gcCount := after.NumGC - before.NumGC
	if gcCount == 0 {
		return 0
	}
	return time.Duration((after.PauseTotalNs - before.PauseTotalNs) / uint64(gcCount))
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

type benchReport struct {
	Version    string         `json:"version"`
	Run        runInfo        `json:"run"`
	Workload   workloadInfo   `json:"workload"`
	LatencyMS  latencyInfo    `json:"latency_ms"`
	Throughput throughputInfo `json:"throughput"`
	GC         gcInfo         `json:"gc"`
	Calls      callInfo       `json:"calls"`
	Errors     errorInfo      `json:"errors"`
}

type runInfo struct {
	Timestamp string `json:"timestamp"`
	Go        string `json:"go"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	CPUCount  int    `json:"cpu_count"`
	GitCommit string `json:"git_commit,omitempty"`
}

type workloadInfo struct {
	Profile       string  `json:"profile"`
	Transport     string  `json:"transport"`
	Clients       int     `json:"clients"`
	DurationMS    int64   `json:"duration_ms"`
	RPSPerClient  float64 `json:"rps_per_client"`
	CatalogSize   int     `json:"catalog_size"`
	PayloadBytes  int     `json:"payload_bytes"`
	WriteEvery    int     `json:"write_every"`
	MaxProcs      int     `json:"max_procs"`
	MemLimitBytes int64   `json:"mem_limit_bytes"`
	CallTimeoutMS int64   `json:"call_timeout_ms"`
}

type latencyInfo struct {
	Min float64 `json:"min"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
	Max float64 `json:"max"`
}

type throughputInfo struct {
	CallsTotal        uint64  `json:"calls_total"`
	CallsPerSec       float64 `json:"calls_per_sec"`
	CallsPerSecClient float64 `json:"calls_per_sec_per_client"`
}

type gcInfo struct {
	AllocMB       float64 `json:"alloc_mb"`
	HeapLiveMB    float64 `json:"heap_live_mb"`
	NumGC         uint32  `json:"num_gc"`
	PauseTotalMS  float64 `json:"pause_total_ms"`
	PauseAvgMS    float64 `json:"pause_avg_ms"`
	GCCPUFraction float64 `json:"gc_cpu_fraction"`
	AllocsObjects uint64  `json:"allocs_objects"`
}

type callInfo struct {
	Reads           uint64  `json:"reads"`
	Writes          uint64  `json:"writes"`
	BooksReturned   uint64  `json:"books_returned"`
	AvgBooksPerRead float64 `json:"avg_books_per_read"`
}

type errorInfo struct {
	TotalErrors     uint64 `json:"total_errors"`
	DialFailures    uint64 `json:"dial_failures"`
	RemoteErrors    uint64 `json:"remote_errors"`
	ThrownValues    uint64 `json:"thrown_values"`
	TransportErrors uint64 `json:"transport_errors"`
	Timeouts        uint64 `json:"timeouts"`
}

func buildReport(
	cfg benchConfig,
	elapsed time.Duration,
	latencies []time.Duration,
	counters *benchCounters,
	errCounts *benchErrors,
	before runtime.MemStats,
	after runtime.MemStats,
	beforeMetrics runtimeMetricsSnapshot,
	afterMetrics runtimeMetricsSnapshot,
) benchReport {
	callsTotal := counters.callsComplete.Load()
	reads := counters.reads.Load()
	writes := counters.writes.Load()
	booksReturned := counters.booksReturned.Load()

	elapsedSeconds := math.Max(0.001, elapsed.Seconds())
	callsPerSec := float64(callsTotal) / elapsedSeconds
	callsPerSecClient := callsPerSec / float64(cfg.Clients)

	latency := latencyInfo{}
	if len(latencies) > 0 {
		latency = latencyInfo{
			Min: ms(latencies[0]),
			P50: ms(percentile(latencies, 0.50)),
			P95: ms(percentile(latencies, 0.95)),
			P99: ms(percentile(latencies, 0.99)),
			Max: ms(latencies[len(latencies)-1]),
		}
	}

	avgBooks := 0.0
	if reads > 0 {
		avgBooks = float64(booksReturned) / float64(reads)
	}

	pauseTotal := time.Duration(after.PauseTotalNs - before.PauseTotalNs)

	return benchReport{
		Version: "1",
		Run: runInfo{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Go:        runtime.Version(),
			OS:        runtime.GOOS,
			Arch:      runtime.GOARCH,
			CPUCount:  runtime.NumCPU(),
			GitCommit: gitCommit(),
		},
		Workload: workloadInfo{
			Profile:       cfg.Profile,
			Transport:     cfg.Transport,
			Clients:       cfg.Clients,
			DurationMS:    cfg.Duration.Milliseconds(),
			RPSPerClient:  cfg.RPS,
			CatalogSize:   cfg.CatalogSize,
			PayloadBytes:  cfg.PayloadBytes,
			WriteEvery:    cfg.WriteEvery,
			MaxProcs:      cfg.MaxProcs,
			MemLimitBytes: cfg.MemLimitBytes,
			CallTimeoutMS: cfg.CallTimeout.Milliseconds(),
		},
		LatencyMS: latency,
		Throughput: throughputInfo{
			CallsTotal:        callsTotal,
			CallsPerSec:       callsPerSec,
			CallsPerSecClient: callsPerSecClient,
		},
		GC: gcInfo{
			AllocMB:       float64(after.TotalAlloc-before.TotalAlloc) / (1024 * 1024),
			HeapLiveMB:    float64(after.HeapAlloc) / (1024 * 1024),
			NumGC:         after.NumGC - before.NumGC,
			PauseTotalMS:  ms(pauseTotal),
			PauseAvgMS:    ms(avgPause(after, before)),
			GCCPUFraction: cpuFraction(afterMetrics, beforeMetrics),
			AllocsObjects: afterMetrics.heapAllocsObjects - beforeMetrics.heapAllocsObjects,
		},
		Calls: callInfo{
			Reads:           reads,
			Writes:          writes,
			BooksReturned:   booksReturned,
			AvgBooksPerRead: avgBooks,
		},
		Errors: errorInfo{
			TotalErrors:     errCounts.totalErrors.Load(),
			DialFailures:    errCounts.dialFailures.Load(),
			RemoteErrors:    errCounts.remoteErrors.Load(),
			ThrownValues:    errCounts.thrownValues.Load(),
			TransportErrors: errCounts.transportErrors.Load(),
			Timeouts:        errCounts.timeouts.Load(),
		},
	}
}

func writeSummary(w io.Writer, report benchReport) {
	fmt.Fprintln(w, "=== Wirecall Load Benchmark ===")
	fmt.Fprintf(w, "Profile: %s (%s transport)\n", report.Workload.Profile, report.Workload.Transport)
	fmt.Fprintf(w, "Clients: %d\n", report.Workload.Clients)
	fmt.Fprintf(w, "Duration: %s\n", time.Duration(report.Workload.DurationMS)*time.Millisecond)
	fmt.Fprintf(w, "Target per-client rate: %.2f calls/s\n", report.Workload.RPSPerClient)
	fmt.Fprintf(w, "Catalog size: %d\n", report.Workload.CatalogSize)
	fmt.Fprintf(w, "Payload bytes: %d\n", report.Workload.PayloadBytes)
	if report.Workload.MaxProcs > 0 {
		fmt.Fprintf(w, "GOMAXPROCS cap: %d\n", report.Workload.MaxProcs)
	}
	if report.Workload.MemLimitBytes > 0 {
		fmt.Fprintf(w, "GOMEMLIMIT cap: %.2f GiB\n", float64(report.Workload.MemLimitBytes)/float64(gib))
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Total calls: %d (%d reads, %d writes)\n", report.Throughput.CallsTotal, report.Calls.Reads, report.Calls.Writes)
	fmt.Fprintf(w, "Throughput: %.1f calls/s (%.2f per client)\n", report.Throughput.CallsPerSec, report.Throughput.CallsPerSecClient)
	fmt.Fprintf(w, "Errors: %d\n", report.Errors.TotalErrors)
	fmt.Fprintln(w)

	if report.LatencyMS.Max == 0 {
		fmt.Fprintln(w, "No latency samples recorded.")
	} else {
		fmt.Fprintln(w, "RTT (client call -> server dispatch -> decoded result):")
		fmt.Fprintf(w, "  min: %.2f ms\n", report.LatencyMS.Min)
		fmt.Fprintf(w, "  p50: %.2f ms\n", report.LatencyMS.P50)
		fmt.Fprintf(w, "  p95: %.2f ms\n", report.LatencyMS.P95)
		fmt.Fprintf(w, "  p99: %.2f ms\n", report.LatencyMS.P99)
		fmt.Fprintf(w, "  max: %.2f ms\n", report.LatencyMS.Max)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Call mix:")
	fmt.Fprintf(w, "  reads:  %d (avg %.1f books per search)\n", report.Calls.Reads, report.Calls.AvgBooksPerRead)
	fmt.Fprintf(w, "  writes: %d\n", report.Calls.Writes)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Go runtime / GC (process-wide):")
	fmt.Fprintf(w, "  alloc:     %.2f MB\n", report.GC.AllocMB)
	fmt.Fprintf(w, "  heap_live: %.2f MB\n", report.GC.HeapLiveMB)
	fmt.Fprintf(w, "  num_gc:    %d\n", report.GC.NumGC)
	fmt.Fprintf(w, "  gc_pause:  %.2f ms (total)\n", report.GC.PauseTotalMS)
	fmt.Fprintf(w, "  gc_pause:  %.2f ms (avg)\n", report.GC.PauseAvgMS)
	fmt.Fprintf(w, "  gc_cpu:    %.2f%%\n", report.GC.GCCPUFraction*100)
}

func writeJSON(path string, report benchReport) error {
	var out io.Writer
	if path == "-" {
		out = os.Stdout
	} else {
		file, err := os.Create(path)
		if err != nil {
			return err
		}
		defer file.Close()
		out = file
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func gitCommit() string {
	if val := strings.TrimSpace(os.Getenv("WIRECALL_GIT_COMMIT")); val != "" {
		return val
	}
	if val := strings.TrimSpace(os.Getenv("GIT_COMMIT")); val != "" {
		return val
	}
	cmd := exec.Command("git", "rev-parse", "HEAD")
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
