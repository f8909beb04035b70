package compaction

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/keelsondb/keelson/internal/concurrency"
)

// Config configures a Manager. Field names mirror the teacher's
// ConcurrencyConfig/StorageConfig pattern: one struct, one
// Default*Config constructor.
type Config struct {
	MaxConcurrentCompactions int
	CheckIntervalSecs        int
	MaxCPUUsage              float64       // 0..1
	MaxMemoryUsage           uint64        // bytes
	AggressivenessLevel      int           // 0..10; higher admits lower-priority tasks
	MinCompactionInterval    time.Duration // per file-group rest period
	MaxCompactionDuration    time.Duration // per-task deadline
	IOBandwidthLimit         int64         // bytes/sec, 0 = unlimited
	StrategyName             string        // size_tiered | leveled | time_window | custom
}

// DefaultConfig returns conservative defaults for a background compactor
// sharing a host with the rest of the engine.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentCompactions: 2,
		CheckIntervalSecs:        60,
		MaxCPUUsage:              0.8,
		MaxMemoryUsage:           1 << 30,
		AggressivenessLevel:      5,
		MinCompactionInterval:    5 * time.Minute,
		MaxCompactionDuration:    10 * time.Minute,
		IOBandwidthLimit:         50 << 20,
		StrategyName:             "size_tiered",
	}
}

// DefaultCompactionConfig is DefaultConfig under the name the engine-wide
// configuration aggregator looks for.
func DefaultCompactionConfig() Config {
	return DefaultConfig()
}

// ExecuteFunc performs the actual data merge for a task and reports bytes
// touched and space reclaimed. The merge algorithm itself is strategy- and
// embedder-specific; Manager supplies a bandwidth/timeout-aware default
// when none is given.
type ExecuteFunc func(ctx context.Context, task CompactionTask, files []File) (bytesCompacted, spaceReclaimed int64, err error)

// FilesFunc returns the current candidate file set, supplied by the
// embedder (registry, pager free-list, etc).
type FilesFunc func() []File

type resourceUsage struct {
	cpu float64
	mem uint64
}

// Manager is the compaction scheduler, worker pool, and stats tracker
// described in §4.8: a cron-driven tick builds tasks from a Strategy,
// filters them by resource/recency/aggressiveness, and a bounded worker
// pool executes the survivors.
type Manager struct {
	cfg      Config
	strategy Strategy
	filesFn  FilesFunc
	execute  ExecuteFunc

	pool *concurrency.Pool
	cron *cron.Cron

	mu            sync.Mutex
	lastCompacted map[string]time.Time
	active        map[string]CompactionTask

	resMu    sync.Mutex
	resource resourceUsage

	stats   *CompactionStats
	stopped atomic.Bool
	logger  *log.Logger
}

// New creates a Manager. execute may be nil to use the built-in
// bandwidth-simulating default (useful for tests and for strategies that
// don't yet have a real merge implementation wired in).
func New(cfg Config, strategy Strategy, filesFn FilesFunc, execute ExecuteFunc) *Manager {
	m := &Manager{
		cfg:           cfg,
		strategy:      strategy,
		filesFn:       filesFn,
		execute:       execute,
		lastCompacted: make(map[string]time.Time),
		active:        make(map[string]CompactionTask),
		stats:         newCompactionStats(),
		logger:        log.Default(),
	}
	poolCfg := concurrency.DefaultPoolConfig()
	poolCfg.Workers = cfg.MaxConcurrentCompactions
	if poolCfg.Workers <= 0 {
		poolCfg.Workers = 1
	}
	poolCfg.TaskTimeout = cfg.MaxCompactionDuration
	m.pool = concurrency.NewPool("compaction", poolCfg, m.handleTask)
	return m
}

func (m *Manager) handleTask(ctx context.Context, t concurrency.Task) concurrency.Result {
	task := t.Data.(CompactionTask)
	result := m.ExecuteCompaction(ctx, task)
	return concurrency.Result{ID: t.ID, Data: result}
}

// Start launches the cron-driven scheduler tick. Re-entrant calls after the
// first are no-ops.
func (m *Manager) Start() error {
	if m.cron != nil {
		return nil
	}
	interval := m.cfg.CheckIntervalSecs
	if interval <= 0 {
		interval = 60
	}
	m.cron = cron.New(cron.WithSeconds())
	spec := fmt.Sprintf("@every %ds", interval)
	_, err := m.cron.AddFunc(spec, func() {
		if m.stopped.Load() {
			return
		}
		n := m.CheckAndScheduleCompaction(m.filesFn())
		if n > 0 {
			m.logger.Printf("compaction: scheduled %d task(s)", n)
		}
	})
	if err != nil {
		return fmt.Errorf("compaction: invalid schedule %q: %w", spec, err)
	}
	m.cron.Start()
	return nil
}

// Stop signals the scheduler and workers to shut down and waits for both.
func (m *Manager) Stop() {
	m.stopped.Store(true)
	if m.cron != nil {
		ctx := m.cron.Stop()
		<-ctx.Done()
	}
	m.pool.Shutdown(m.cfg.MaxCompactionDuration + 5*time.Second)
}

// CheckAndScheduleCompaction asks the strategy for candidate tasks over
// files, filters them by recency/resource/aggressiveness, and schedules
// the survivors. Returns how many tasks were newly scheduled.
func (m *Manager) CheckAndScheduleCompaction(files []File) int {
	if m.strategy == nil || !m.strategy.ShouldCompact(files) {
		return 0
	}
	tasks := m.strategy.SelectFilesForCompaction(files)
	if len(tasks) == 0 {
		return 0
	}

	now := time.Now()
	threshold := 255.0 * (1.0 - float64(m.cfg.AggressivenessLevel)/10.0)

	var accepted []CompactionTask
	m.mu.Lock()
	for _, task := range tasks {
		key := GroupKey(task.InputFiles)
		if last, ok := m.lastCompacted[key]; ok && now.Sub(last) < m.cfg.MinCompactionInterval {
			continue
		}
		if m.overResourceLimits() {
			continue
		}
		if float64(task.Priority) < threshold {
			continue
		}
		m.lastCompacted[key] = now
		accepted = append(accepted, task)
	}
	m.mu.Unlock()

	scheduled := 0
	for _, task := range accepted {
		if err := m.ScheduleTask(task); err == nil {
			scheduled++
		}
	}
	return scheduled
}

// ScheduleTask pushes task onto the worker pool's bounded queue and
// arranges for its result to be recorded into stats once it completes.
func (m *Manager) ScheduleTask(task CompactionTask) error {
	if m.stopped.Load() {
		return fmt.Errorf("compaction: manager stopped")
	}
	m.mu.Lock()
	m.active[task.ID] = task
	m.mu.Unlock()

	resultChan := m.pool.Submit(context.Background(), task)
	go func() {
		res := <-resultChan
		m.mu.Lock()
		delete(m.active, task.ID)
		m.mu.Unlock()

		if cr, ok := res.Data.(CompactionResult); ok {
			m.stats.record(cr)
			return
		}
		errMsg := ""
		if res.Error != nil {
			errMsg = res.Error.Error()
		}
		m.stats.record(CompactionResult{TaskID: task.ID, Success: false, ErrorMessage: errMsg, CompletedAt: time.Now()})
	}()
	return nil
}

// ExecuteCompaction runs one task to completion (or timeout) and returns
// its result. Bounded by cfg.MaxCompactionDuration via context.WithTimeout.
func (m *Manager) ExecuteCompaction(ctx context.Context, task CompactionTask) CompactionResult {
	start := time.Now()

	var cctx context.Context
	var cancel context.CancelFunc
	if m.cfg.MaxCompactionDuration > 0 {
		cctx, cancel = context.WithTimeout(ctx, m.cfg.MaxCompactionDuration)
	} else {
		cctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	files := m.filesFn()
	exec := m.execute
	if exec == nil {
		exec = m.defaultExecute
	}
	bytesCompacted, spaceReclaimed, err := exec(cctx, task, files)

	result := CompactionResult{
		TaskID:      task.ID,
		Duration:    time.Since(start),
		CompletedAt: time.Now(),
	}
	if err != nil {
		result.Success = false
		result.ErrorMessage = err.Error()
		return result
	}
	result.Success = true
	result.BytesCompacted = bytesCompacted
	result.SpaceReclaimed = spaceReclaimed
	return result
}

// defaultExecute simulates merge I/O proportional to the task's input size
// at the configured bandwidth, so timeout and throttling behavior is
// exercisable without a real merge implementation wired in.
func (m *Manager) defaultExecute(ctx context.Context, task CompactionTask, _ []File) (int64, int64, error) {
	if m.cfg.IOBandwidthLimit > 0 && task.EstInputSize > 0 {
		seconds := float64(task.EstInputSize) / float64(m.cfg.IOBandwidthLimit)
		select {
		case <-time.After(time.Duration(seconds * float64(time.Second))):
		case <-ctx.Done():
			return 0, 0, fmt.Errorf("Compaction timeout")
		}
	}
	reclaimed := task.EstInputSize - task.EstOutputSize
	if reclaimed < 0 {
		reclaimed = 0
	}
	return task.EstInputSize, reclaimed, nil
}

// UpdateResourceUsage reports the host's current CPU fraction (0..1) and
// memory use in bytes, consulted by the resource-check filter.
func (m *Manager) UpdateResourceUsage(cpu float64, memBytes uint64) {
	m.resMu.Lock()
	defer m.resMu.Unlock()
	m.resource.cpu = cpu
	m.resource.mem = memBytes
}

// IsThrottled reports whether current resource usage exceeds configured
// limits, meaning new tasks should be rejected.
func (m *Manager) IsThrottled() bool {
	return m.overResourceLimits()
}

func (m *Manager) overResourceLimits() bool {
	m.resMu.Lock()
	defer m.resMu.Unlock()
	return m.resource.cpu >= m.cfg.MaxCPUUsage || m.resource.mem >= m.cfg.MaxMemoryUsage
}

// GetStats returns a snapshot of accumulated totals.
func (m *Manager) GetStats() CompactionStats {
	return m.stats.Snapshot()
}

// GetActiveTasks returns the tasks currently executing or queued.
func (m *Manager) GetActiveTasks() []CompactionTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CompactionTask, 0, len(m.active))
	for _, t := range m.active {
		out = append(out, t)
	}
	return out
}

// GetRecentCompletedTasks returns up to n of the most recently completed
// results.
func (m *Manager) GetRecentCompletedTasks(n int) []CompactionResult {
	return m.stats.Recent(n)
}
