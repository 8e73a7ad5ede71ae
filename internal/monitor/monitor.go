package monitor

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/vaultik/backend/internal/config"
	"github.com/vaultik/backend/internal/events"
	"github.com/vaultik/backend/internal/pool"
)

const defaultHistoryLimit = 1000

// AgentSource is the monitor's view of the agent pool.
type AgentSource interface {
	Stats() []pool.AgentStats
	Count() int
}

// PendingSource reports in-flight consensus requests.
type PendingSource interface {
	PendingDecisions() int
}

// SystemSampler reads host resource counters. The default samples the
// Go runtime; deployments with host-level counters plug in their own.
type SystemSampler interface {
	Sample() (cpuPercent, memPercent, diskPercent, networkKBs float64)
}

// runtimeSampler approximates host load from the Go runtime. CPU is a
// goroutine pressure heuristic, memory is heap in use over system
// reservation. Disk and network are not observable from here and read
// zero.
type runtimeSampler struct{}

func (runtimeSampler) Sample() (float64, float64, float64, float64) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	memPercent := 0.0
	if ms.Sys > 0 {
		memPercent = float64(ms.HeapInuse) / float64(ms.Sys) * 100
	}
	cpuPercent := float64(runtime.NumGoroutine()) / float64(runtime.NumCPU()*25) * 100
	if cpuPercent > 100 {
		cpuPercent = 100
	}
	return cpuPercent, memPercent, 0, 0
}

// Monitor samples system and agent telemetry on a fixed interval and
// derives SystemHealth snapshots.
type Monitor struct {
	mu sync.RWMutex

	interval     time.Duration
	historyLimit int

	agents  AgentSource
	pending PendingSource
	sampler SystemSampler
	emitter events.EventEmitter
	sink    *PromSink

	histories map[string][]float64
	latest    SystemHealth
	hasSample bool

	stopCh chan struct{}
	loop   sync.WaitGroup
	once   sync.Once
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithSampler replaces the runtime-based system sampler.
func WithSampler(s SystemSampler) Option {
	return func(m *Monitor) { m.sampler = s }
}

// WithPendingSource attaches the consensus engine's backlog counter.
func WithPendingSource(p PendingSource) Option {
	return func(m *Monitor) { m.pending = p }
}

// WithPromSink attaches a Prometheus telemetry sink.
func WithPromSink(s *PromSink) Option {
	return func(m *Monitor) { m.sink = s }
}

// New creates a monitor over the given pool.
func New(cfg config.MonitorConfig, agents AgentSource, emitter events.EventEmitter, opts ...Option) *Monitor {
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	m := &Monitor{
		interval:     cfg.Interval,
		historyLimit: cfg.HistoryLimit,
		agents:       agents,
		sampler:      runtimeSampler{},
		emitter:      emitter,
		histories:    make(map[string][]float64),
		stopCh:       make(chan struct{}),
	}
	if m.interval <= 0 {
		m.interval = 30 * time.Second
	}
	if m.historyLimit <= 0 {
		m.historyLimit = defaultHistoryLimit
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the background sampler.
func (m *Monitor) Start(ctx context.Context) {
	m.loop.Add(1)
	go func() {
		defer m.loop.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.Collect()
			}
		}
	}()
}

// Stop halts the sampler and waits for it to exit.
func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.stopCh) })
	m.loop.Wait()
}

// Collect runs one sampling cycle and returns the resulting snapshot.
// Safe to call directly; the coordinator does so in tests and on demand.
func (m *Monitor) Collect() SystemHealth {
	cpu, mem, disk, netIO := m.sampler.Sample()

	stats := m.agents.Stats()
	var (
		totalResp   float64
		respSamples int
		total       int64
		failed      int64
	)
	for _, s := range stats {
		if s.AvgResponseMs > 0 {
			totalResp += s.AvgResponseMs
			respSamples++
		}
		total += s.Total
		failed += s.Failed
	}
	avgResp := 0.0
	if respSamples > 0 {
		avgResp = totalResp / float64(respSamples)
	}
	errRate := 0.0
	if total > 0 {
		errRate = float64(failed) / float64(total)
	}

	pending := 0
	if m.pending != nil {
		pending = m.pending.PendingDecisions()
	}

	h := SystemHealth{
		Timestamp:        time.Now(),
		CPUPercent:       cpu,
		MemoryPercent:    mem,
		DiskPercent:      disk,
		NetworkIOKBs:     netIO,
		ActiveAgents:     len(stats),
		PendingDecisions: pending,
		AvgResponseMs:    avgResp,
		ErrorRate:        errRate,
	}
	h.Level = classify(cpu, mem, avgResp, errRate, h.ActiveAgents)
	h.Scalability = classifyScalability(h.ActiveAgents, cpu, mem, avgResp)
	h.Bottlenecks = deriveBottlenecks(&h)
	h.Recommendations = deriveRecommendations(&h)

	m.mu.Lock()
	prevLevel := m.latest.Level
	hadSample := m.hasSample
	m.latest = h
	m.hasSample = true
	m.record("cpu_percent", cpu)
	m.record("memory_percent", mem)
	m.record("avg_response_ms", avgResp)
	m.record("error_rate", errRate)
	m.record("active_agents", float64(h.ActiveAgents))
	m.record("pending_decisions", float64(pending))
	m.mu.Unlock()

	if m.sink != nil {
		m.sink.Observe(h)
	}
	if hadSample && prevLevel != h.Level {
		slog.Info("system health transition",
			"from", prevLevel.String(), "to", h.Level.String(),
			"cpu", cpu, "agents", h.ActiveAgents)
		m.emitter.Emit(events.TypeHealthTransition, "monitor", h.Level.String(), map[string]interface{}{
			"from":   prevLevel.String(),
			"to":     h.Level.String(),
			"cpu":    cpu,
			"memory": mem,
			"agents": h.ActiveAgents,
		})
	}
	return h
}

// record appends to a bounded per-metric history. Caller holds the lock.
func (m *Monitor) record(name string, v float64) {
	hist := append(m.histories[name], v)
	if len(hist) > m.historyLimit {
		hist = hist[len(hist)-m.historyLimit:]
	}
	m.histories[name] = hist
}

// Latest returns the most recent snapshot, collecting one first if the
// sampler has not run yet.
func (m *Monitor) Latest() SystemHealth {
	m.mu.RLock()
	h, ok := m.latest, m.hasSample
	m.mu.RUnlock()
	if !ok {
		return m.Collect()
	}
	return h
}

// History returns a copy of one metric's bounded sample history.
func (m *Monitor) History(name string) []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]float64(nil), m.histories[name]...)
}
