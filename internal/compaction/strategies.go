package compaction

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Strategy decides which files a compaction round should merge. Eviction
// policies and compaction strategies are the two places the engine varies
// behavior at runtime, and both are modeled the same way: a small
// capability interface plus a handful of named implementations and a
// Custom escape hatch.
type Strategy interface {
	Name() string
	ShouldCompact(files []File) bool
	SelectFilesForCompaction(files []File) []CompactionTask
}

func newTask(strategy string, files []File, priority uint8) CompactionTask {
	ids := make([]uint64, len(files))
	var total int64
	for i, f := range files {
		ids[i] = f.ID
		total += f.SizeBytes
	}
	return CompactionTask{
		ID:            uuid.NewString(),
		Strategy:      strategy,
		InputFiles:    ids,
		EstInputSize:  total,
		EstOutputSize: int64(float64(total) * 0.85), // merges typically shed ~15% via overlap/tombstone removal
		Priority:      priority,
		CreatedAt:     time.Now(),
	}
}

// SizeTieredStrategy groups files of similar size into tiers (buckets of
// roughly SizeRatio width on a log scale) and compacts any tier that has
// accumulated at least MinFilesPerTier files.
type SizeTieredStrategy struct {
	MinFilesPerTier int
	SizeRatio       float64 // e.g. 2.0 buckets files within a 2x size band together
}

func DefaultSizeTieredStrategy() *SizeTieredStrategy {
	return &SizeTieredStrategy{MinFilesPerTier: 4, SizeRatio: 2.0}
}

func (s *SizeTieredStrategy) Name() string { return "size_tiered" }

func (s *SizeTieredStrategy) tiers(files []File) map[int][]File {
	tiers := make(map[int][]File)
	ratio := s.SizeRatio
	if ratio <= 1 {
		ratio = 2.0
	}
	for _, f := range files {
		size := f.SizeBytes
		if size < 1 {
			size = 1
		}
		tier := int(math.Log(float64(size)) / math.Log(ratio))
		tiers[tier] = append(tiers[tier], f)
	}
	return tiers
}

func (s *SizeTieredStrategy) ShouldCompact(files []File) bool {
	for _, bucket := range s.tiers(files) {
		if len(bucket) >= s.MinFilesPerTier {
			return true
		}
	}
	return false
}

func (s *SizeTieredStrategy) SelectFilesForCompaction(files []File) []CompactionTask {
	var tasks []CompactionTask
	for _, bucket := range s.tiers(files) {
		if len(bucket) < s.MinFilesPerTier {
			continue
		}
		priority := uint8(clamp(len(bucket)*20, 0, 255))
		tasks = append(tasks, newTask(s.Name(), bucket, priority))
	}
	return tasks
}

// LeveledStrategy merges the oldest FilesPerLevel files of a level into the
// next level once that level has overflowed, bounded by MaxLevel.
type LeveledStrategy struct {
	FilesPerLevel int
	MaxLevel      int
}

func DefaultLeveledStrategy() *LeveledStrategy {
	return &LeveledStrategy{FilesPerLevel: 8, MaxLevel: 6}
}

func (s *LeveledStrategy) Name() string { return "leveled" }

func (s *LeveledStrategy) byLevel(files []File) map[int][]File {
	levels := make(map[int][]File)
	for _, f := range files {
		levels[f.Level] = append(levels[f.Level], f)
	}
	return levels
}

func (s *LeveledStrategy) ShouldCompact(files []File) bool {
	for level, bucket := range s.byLevel(files) {
		if level < s.MaxLevel && len(bucket) > s.FilesPerLevel {
			return true
		}
	}
	return false
}

func (s *LeveledStrategy) SelectFilesForCompaction(files []File) []CompactionTask {
	var tasks []CompactionTask
	for level, bucket := range s.byLevel(files) {
		if level >= s.MaxLevel || len(bucket) <= s.FilesPerLevel {
			continue
		}
		sort.Slice(bucket, func(i, j int) bool { return bucket[i].CreatedAt.Before(bucket[j].CreatedAt) })
		overflow := len(bucket) - s.FilesPerLevel
		priority := uint8(clamp(overflow*30, 0, 255))
		tasks = append(tasks, newTask(s.Name(), bucket[:s.FilesPerLevel], priority))
	}
	return tasks
}

// TimeWindowStrategy buckets files by creation window and compacts any
// window that has accumulated at least MinFilesPerWindow files — suited to
// time-series workloads where files age out together.
type TimeWindowStrategy struct {
	Window            time.Duration
	MinFilesPerWindow int
}

func DefaultTimeWindowStrategy() *TimeWindowStrategy {
	return &TimeWindowStrategy{Window: time.Hour, MinFilesPerWindow: 4}
}

func (s *TimeWindowStrategy) Name() string { return "time_window" }

func (s *TimeWindowStrategy) windows(files []File) map[int64][]File {
	windows := make(map[int64][]File)
	window := s.Window
	if window <= 0 {
		window = time.Hour
	}
	for _, f := range files {
		bucket := f.CreatedAt.Truncate(window).Unix()
		windows[bucket] = append(windows[bucket], f)
	}
	return windows
}

func (s *TimeWindowStrategy) ShouldCompact(files []File) bool {
	for _, bucket := range s.windows(files) {
		if len(bucket) >= s.MinFilesPerWindow {
			return true
		}
	}
	return false
}

func (s *TimeWindowStrategy) SelectFilesForCompaction(files []File) []CompactionTask {
	var tasks []CompactionTask
	for _, bucket := range s.windows(files) {
		if len(bucket) < s.MinFilesPerWindow {
			continue
		}
		tasks = append(tasks, newTask(s.Name(), bucket, 128))
	}
	return tasks
}

// CustomStrategy adapts caller-supplied functions to the Strategy
// interface, the escape hatch for merge policies the named strategies
// don't cover.
type CustomStrategy struct {
	StrategyName string
	ShouldFn     func(files []File) bool
	SelectFn     func(files []File) []CompactionTask
}

func (s *CustomStrategy) Name() string {
	if s.StrategyName == "" {
		return "custom"
	}
	return s.StrategyName
}

func (s *CustomStrategy) ShouldCompact(files []File) bool {
	if s.ShouldFn == nil {
		return false
	}
	return s.ShouldFn(files)
}

func (s *CustomStrategy) SelectFilesForCompaction(files []File) []CompactionTask {
	if s.SelectFn == nil {
		return nil
	}
	return s.SelectFn(files)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
