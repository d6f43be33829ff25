package main

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/appointment-automation/internal/api"
	"github.com/hackgods/appointment-automation/internal/config"
	"github.com/hackgods/appointment-automation/internal/db"
	"github.com/hackgods/appointment-automation/internal/logger"
)

type SimConfig struct {
	APIBaseURL       string
	Tenant           string
	Duration         time.Duration
	Workers          int
	TransitionRatio  float64
	ReadRatio        float64
	SummaryRatio     float64
	AppointmentLimit int
	PostgresDSN      string
}

// lifecycle targets a worker picks from; most picks are rejected by the
// state machine or lose a race, which is the point of the run.
var targets = []string{"confirmed", "in_progress", "completed", "cancelled", "no_show"}

type DataPool struct {
	Appointments []uuid.UUID
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[percentileIndex(len(latencies), 50)]
	p95 = latencies[percentileIndex(len(latencies), 95)]

	return avg, min, max, p50, p95
}

func percentileIndex(n, p int) int {
	idx := n * p / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

type Metrics struct {
	Transition OperationMetrics
	ReadByID   OperationMetrics
	Summary    OperationMetrics

	// applied transitions by target status
	applied sync.Map
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
}

func main() {
	log := logger.For("simulate")
	defer logger.Sync()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalw("invalid config", logger.Err(err))
	}

	log.Infow("simulator starting",
		"tenant", cfg.Tenant,
		"duration", cfg.Duration,
		"workers", cfg.Workers,
		"transition_ratio", cfg.TransitionRatio,
		"read_ratio", cfg.ReadRatio,
		"summary_ratio", cfg.SummaryRatio,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalw("connect postgres", logger.Err(err))
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatalw("load data pool", logger.Err(err))
	}
	log.Infow("data pool loaded", "appointments", len(dataPool.Appointments))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
	}

	sim.Run()
	sim.PrintReport()
}

func loadConfig() (SimConfig, error) {
	baseCfg, err := config.Load()
	if err != nil {
		return SimConfig{}, fmt.Errorf("load base config: %w", err)
	}

	cfg := SimConfig{
		APIBaseURL:       getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Tenant:           getEnv("SIM_TENANT", config.DefaultTenant),
		Duration:         getDuration("SIM_DURATION", 30*time.Second),
		Workers:          getInt("SIM_WORKERS", 10),
		TransitionRatio:  getFloat("SIM_TRANSITION_RATIO", 0.5),
		ReadRatio:        getFloat("SIM_READ_RATIO", 0.4),
		SummaryRatio:     getFloat("SIM_SUMMARY_RATIO", 0.1),
		AppointmentLimit: getInt("SIM_APPOINTMENT_LIMIT", 2000),
	}
	cfg.PostgresDSN = baseCfg.TenantDSNs[cfg.Tenant]

	// Normalize ratios
	total := cfg.TransitionRatio + cfg.ReadRatio + cfg.SummaryRatio
	if total > 0 {
		cfg.TransitionRatio /= total
		cfg.ReadRatio /= total
		cfg.SummaryRatio /= total
	}

	if cfg.PostgresDSN == "" {
		return cfg, fmt.Errorf("no dsn configured for tenant %q", cfg.Tenant)
	}
	if cfg.Workers <= 0 {
		return cfg, fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return cfg, fmt.Errorf("SIM_DURATION must be > 0")
	}
	return cfg, nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	rows, err := pool.Query(ctx, `
		SELECT id FROM appointments
		WHERE status IN ('scheduled', 'confirmed')
		ORDER BY starts_at
		LIMIT $1
	`, cfg.AppointmentLimit)
	if err != nil {
		return nil, fmt.Errorf("load appointments: %w", err)
	}
	defer rows.Close()

	dataPool := &DataPool{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dataPool.Appointments = append(dataPool.Appointments, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(dataPool.Appointments) == 0 {
		return nil, fmt.Errorf("no open appointments loaded, run the seed command first")
	}
	return dataPool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}
	wg.Wait()
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
	actor := fmt.Sprintf("sim-worker-%d", workerID)

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := rng.Float64()
			switch {
			case r < s.config.TransitionRatio:
				s.doTransition(ctx, rng, actor)
			case r < s.config.TransitionRatio+s.config.ReadRatio:
				s.doReadByID(ctx, rng)
			default:
				s.doSummary(ctx)
			}
		}
	}
}

func (s *Simulator) randomAppointment(rng *rand.Rand) uuid.UUID {
	return s.pool.Appointments[rng.Intn(len(s.pool.Appointments))]
}

func (s *Simulator) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set(api.TenantHeader, s.config.Tenant)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do sends req and reports the status code, or 0 on transport errors.
func (s *Simulator) do(req *http.Request) int {
	resp, err := s.client.Do(req)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	return resp.StatusCode
}

func (s *Simulator) doTransition(ctx context.Context, rng *rand.Rand, actor string) {
	target := targets[rng.Intn(len(targets))]
	req, err := s.newRequest(ctx, http.MethodPost,
		fmt.Sprintf("/appointments/%s/transition", s.randomAppointment(rng)),
		api.TransitionRequest{Status: target, ActorID: actor, Reason: "simulated"})
	if err != nil {
		return
	}

	start := time.Now()
	code := s.do(req)
	latency := time.Since(start)
	if ctx.Err() != nil {
		return
	}

	success := code == http.StatusOK
	if success {
		v, _ := s.metrics.applied.LoadOrStore(target, new(int64))
		atomic.AddInt64(v.(*int64), 1)
	}
	s.metrics.Transition.Record(latency, success, code == http.StatusConflict)
}

func (s *Simulator) doReadByID(ctx context.Context, rng *rand.Rand) {
	req, err := s.newRequest(ctx, http.MethodGet, fmt.Sprintf("/appointments/%s", s.randomAppointment(rng)), nil)
	if err != nil {
		return
	}

	start := time.Now()
	code := s.do(req)
	latency := time.Since(start)
	if ctx.Err() != nil {
		return
	}
	s.metrics.ReadByID.Record(latency, code == http.StatusOK, false)
}

func (s *Simulator) doSummary(ctx context.Context) {
	req, err := s.newRequest(ctx, http.MethodGet, "/actions/summary", nil)
	if err != nil {
		return
	}

	start := time.Now()
	code := s.do(req)
	latency := time.Since(start)
	if ctx.Err() != nil {
		return
	}
	s.metrics.Summary.Record(latency, code == http.StatusOK, false)
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Tenant: %s\n", s.config.Tenant)
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Transition", &s.metrics.Transition)
	printOperationReport("Read by ID", &s.metrics.ReadByID)
	printOperationReport("Actions summary", &s.metrics.Summary)

	fmt.Println("Applied transitions:")
	for _, t := range targets {
		var n int64
		if v, ok := s.metrics.applied.Load(t); ok {
			n = atomic.LoadInt64(v.(*int64))
		}
		fmt.Printf("  %-12s %d\n", t, n)
	}
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
