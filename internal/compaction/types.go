// Package compaction implements the background compaction manager:
// pluggable merge strategies, a cron-driven scheduler, a bounded worker
// pool, and resource/recency throttling.
package compaction

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// File describes one on-disk data file as the compaction strategies see it.
// The engine's storage layer (registry/pager) is the source of truth; this
// is a read-only snapshot passed in by the caller of CheckAndScheduleCompaction.
type File struct {
	ID        uint64
	SizeBytes int64
	Level     int
	CreatedAt time.Time
}

// CompactionTask describes one unit of compaction work a strategy produced.
type CompactionTask struct {
	ID            string
	Strategy      string
	InputFiles    []uint64
	EstInputSize  int64
	EstOutputSize int64
	Priority      uint8 // 0..255, checked against the aggressiveness floor at scheduling; the queue itself is FIFO
	CreatedAt     time.Time
}

// GroupKey computes an order-independent identity for a task's input files,
// used by the recency check so re-scheduling the same group (regardless of
// slice order) is recognized as the same group.
func GroupKey(fileIDs []uint64) string {
	ids := make([]uint64, len(fileIDs))
	copy(ids, fileIDs)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(id, 10)
	}
	return strings.Join(parts, "-")
}

// CompactionResult is the outcome of one executed task.
type CompactionResult struct {
	TaskID         string
	Success        bool
	ErrorMessage   string
	BytesCompacted int64
	SpaceReclaimed int64
	Duration       time.Duration
	CompletedAt    time.Time
}

const recentRingSize = 1000

// CompactionStats accumulates totals and keeps the last 1000 results in a
// ring, per §4.8's result-accounting requirement.
type CompactionStats struct {
	mu sync.Mutex

	TotalTasks     uint64
	Successes      uint64
	Failures       uint64
	BytesCompacted int64
	SpaceReclaimed int64
	TimeSpent      time.Duration

	recent     []CompactionResult
	recentNext int
}

func newCompactionStats() *CompactionStats {
	return &CompactionStats{recent: make([]CompactionResult, 0, recentRingSize)}
}

func (s *CompactionStats) record(r CompactionResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.TotalTasks++
	if r.Success {
		s.Successes++
	} else {
		s.Failures++
	}
	s.BytesCompacted += r.BytesCompacted
	s.SpaceReclaimed += r.SpaceReclaimed
	s.TimeSpent += r.Duration

	if len(s.recent) < recentRingSize {
		s.recent = append(s.recent, r)
	} else {
		s.recent[s.recentNext] = r
		s.recentNext = (s.recentNext + 1) % recentRingSize
	}
}

// Snapshot returns a copy of the accumulated totals (not the ring).
func (s *CompactionStats) Snapshot() CompactionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return CompactionStats{
		TotalTasks:     s.TotalTasks,
		Successes:      s.Successes,
		Failures:       s.Failures,
		BytesCompacted: s.BytesCompacted,
		SpaceReclaimed: s.SpaceReclaimed,
		TimeSpent:      s.TimeSpent,
	}
}

// Recent returns up to n of the most recently completed results, newest
// last.
func (s *CompactionStats) Recent(n int) []CompactionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || len(s.recent) == 0 {
		return nil
	}
	if n > len(s.recent) {
		n = len(s.recent)
	}
	out := make([]CompactionResult, 0, n)
	if len(s.recent) < recentRingSize {
		start := len(s.recent) - n
		out = append(out, s.recent[start:]...)
		return out
	}
	// Ring is full: oldest entry is at recentNext, walk forward from there.
	for i := 0; i < n; i++ {
		idx := (s.recentNext + recentRingSize - n + i) % recentRingSize
		out = append(out, s.recent[idx])
	}
	return out
}
