package txn

import (
	"math/bits"
	"sync"
	"time"

	"github.com/keelsondb/keelson/internal/pager"
)

// ValidationPath selects how OCC checks a committing transaction's
// read-set for conflicts against already-committed transactions.
type ValidationPath int

const (
	// Traditional scans the committed-transaction ring linearly.
	Traditional ValidationPath = iota
	// PageIndexed consults a page_id → committed_txn_ids index plus a
	// timestamp-ordered index, avoiding the linear scan.
	PageIndexed
)

// ConflictKind names which of the three OCC conflict classes was found.
type ConflictKind int

const (
	NoConflict ConflictKind = iota
	ReadWriteConflict
	WriteWriteConflict
	WriteReadConflict // anti-dependency
)

// ResolutionStrategy selects how a detected conflict is handled.
type ResolutionStrategy int

const (
	AbortConflicting ResolutionStrategy = iota
	AbortLowerPriority
	AbortHigherPriority // wound-wait
	RetryWithBackoff
	Adaptive
	NoWaitHotPages
)

// Resolution is OCC's verdict for a committing transaction.
type Resolution int

const (
	Proceed Resolution = iota
	Abort
	Retry
)

// OCCConfig parameterizes optimistic validation: ring capacity, hot-page
// detection, and retry backoff. DefaultOCCConfig matches the fixed
// constants this package used before becoming configurable.
type OCCConfig struct {
	RetryBaseDelay    time.Duration // base used by RetryWithBackoff: base·|conflicts|
	RetryMaxAttempts  int
	CommittedRingSize int
	HotPageThreshold  int // total accesses recorded for a page (counts never decay)
}

// DefaultOCCConfig returns sane defaults for the committed-transaction ring
// and retry backoff.
func DefaultOCCConfig() OCCConfig {
	return OCCConfig{
		RetryBaseDelay:    10 * time.Millisecond,
		RetryMaxAttempts:  3,
		CommittedRingSize: 4096,
		HotPageThreshold:  64,
	}
}

// committedEntry is one slot in the bounded committed-transaction ring.
type committedEntry struct {
	txID      TxID
	commitTS  Timestamp
	writeSet  map[pager.PageID]struct{}
	readSet   map[pager.PageID]struct{}
}

// occValidator holds the structures OCC validation and commit bookkeeping
// need: the committed ring, the page index, the timestamp index, and a
// simple access-frequency tracker for hot-page detection.
type occValidator struct {
	mu sync.Mutex

	cfg OCCConfig

	ring     []committedEntry
	ringNext int

	// pageIndex maps a page to the set of committed txIDs that wrote it,
	// so page-indexed validation can avoid scanning the whole ring.
	pageIndex map[pager.PageID]map[TxID]struct{}

	// byCommitTS keeps committed entries sorted for a timestamp range scan.
	byCommitTS []committedEntry

	accessCount map[pager.PageID]int
}

func newOCCValidator(cfg OCCConfig) *occValidator {
	if cfg.CommittedRingSize <= 0 {
		cfg.CommittedRingSize = DefaultOCCConfig().CommittedRingSize
	}
	if cfg.RetryMaxAttempts <= 0 {
		cfg.RetryMaxAttempts = DefaultOCCConfig().RetryMaxAttempts
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = DefaultOCCConfig().RetryBaseDelay
	}
	if cfg.HotPageThreshold <= 0 {
		cfg.HotPageThreshold = DefaultOCCConfig().HotPageThreshold
	}
	return &occValidator{
		cfg:         cfg,
		ring:        make([]committedEntry, 0, cfg.CommittedRingSize),
		pageIndex:   make(map[pager.PageID]map[TxID]struct{}),
		accessCount: make(map[pager.PageID]int),
	}
}

// recordAccess bumps a page's access counter, used by hot-page detection.
func (v *occValidator) recordAccess(pageID pager.PageID) {
	v.mu.Lock()
	v.accessCount[pageID]++
	v.mu.Unlock()
}

// isHotPage reports whether pageID's recorded access count has reached
// HotPageThreshold. Commit uses it only for the hot-page ratio that Adaptive
// resolution looks at; validation is not skipped for hot pages.
func (v *occValidator) isHotPage(pageID pager.PageID) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.accessCount[pageID] >= v.cfg.HotPageThreshold
}

// chooseValidationPath picks Traditional for small read-sets and
// PageIndexed once the read-set is large enough that a linear ring scan
// would cost more than an index probe — a cardinality estimate, not an
// exact cost model.
func (v *occValidator) chooseValidationPath(readSetSize int) ValidationPath {
	v.mu.Lock()
	ringLen := len(v.ring)
	v.mu.Unlock()
	if readSetSize == 0 || ringLen == 0 {
		return Traditional
	}
	// bits.Len approximates log2(ringLen); once the read-set outgrows that,
	// an index probe beats a linear scan.
	if readSetSize > bits.Len(uint(ringLen)) {
		return PageIndexed
	}
	return Traditional
}

// validate checks transaction T for conflicts against every U committed
// after T's start timestamp. readSet/writeSet are page sets touched by T.
func (v *occValidator) validate(startTS Timestamp, readSet, writeSet map[pager.PageID]struct{}) (ConflictKind, TxID) {
	path := v.chooseValidationPath(len(readSet))

	v.mu.Lock()
	defer v.mu.Unlock()

	candidates := v.ring
	if path == PageIndexed {
		candidates = v.candidatesFromIndexLocked(startTS, readSet, writeSet)
	}

	for _, u := range candidates {
		if u.commitTS <= startTS {
			continue
		}
		if kind := conflictBetween(readSet, writeSet, u.readSet, u.writeSet); kind != NoConflict {
			return kind, u.txID
		}
	}
	return NoConflict, 0
}

// candidatesFromIndexLocked gathers the committed entries that touch any
// page in T's read or write set, via pageIndex, restricted to commits
// after startTS via byCommitTS. Caller holds v.mu.
func (v *occValidator) candidatesFromIndexLocked(startTS Timestamp, readSet, writeSet map[pager.PageID]struct{}) []committedEntry {
	seen := make(map[TxID]struct{})
	var out []committedEntry
	collect := func(pageID pager.PageID) {
		for txID := range v.pageIndex[pageID] {
			if _, ok := seen[txID]; ok {
				continue
			}
			seen[txID] = struct{}{}
		}
	}
	for pid := range readSet {
		collect(pid)
	}
	for pid := range writeSet {
		collect(pid)
	}
	// byCommitTS is kept sorted; take the suffix after startTS and filter
	// to the txIDs collected above.
	lo := 0
	hi := len(v.byCommitTS)
	for lo < hi {
		mid := (lo + hi) / 2
		if v.byCommitTS[mid].commitTS <= startTS {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	for _, e := range v.byCommitTS[lo:] {
		if _, ok := seen[e.txID]; ok {
			out = append(out, e)
		}
	}
	return out
}

func conflictBetween(tRead, tWrite, uRead, uWrite map[pager.PageID]struct{}) ConflictKind {
	if intersects(tRead, uWrite) {
		return ReadWriteConflict
	}
	if intersects(tWrite, uWrite) {
		return WriteWriteConflict
	}
	if intersects(tWrite, uRead) {
		return WriteReadConflict
	}
	return NoConflict
}

func intersects(a, b map[pager.PageID]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for k := range a {
		if _, ok := b[k]; ok {
			return true
		}
	}
	return false
}

// recordCommit adds a newly committed transaction to the ring, page index,
// and timestamp index, evicting the oldest ring entry once full.
func (v *occValidator) recordCommit(txID TxID, commitTS Timestamp, readSet, writeSet map[pager.PageID]struct{}) {
	v.mu.Lock()
	defer v.mu.Unlock()

	entry := committedEntry{txID: txID, commitTS: commitTS, readSet: readSet, writeSet: writeSet}

	if len(v.ring) < v.cfg.CommittedRingSize {
		v.ring = append(v.ring, entry)
	} else {
		evicted := v.ring[v.ringNext]
		v.removeFromIndexLocked(evicted)
		v.ring[v.ringNext] = entry
		v.ringNext = (v.ringNext + 1) % v.cfg.CommittedRingSize
	}

	for pid := range writeSet {
		set := v.pageIndex[pid]
		if set == nil {
			set = make(map[TxID]struct{})
			v.pageIndex[pid] = set
		}
		set[txID] = struct{}{}
	}

	v.byCommitTS = append(v.byCommitTS, entry)
}

func (v *occValidator) removeFromIndexLocked(e committedEntry) {
	for pid := range e.writeSet {
		if set, ok := v.pageIndex[pid]; ok {
			delete(set, e.txID)
			if len(set) == 0 {
				delete(v.pageIndex, pid)
			}
		}
	}
}

// pruneOlderThan drops committed entries whose commit timestamp predates
// horizon from byCommitTS, keeping validation structures bounded.
// Background cleanup calls this every CleanupInterval with the MVCC GC
// watermark as the horizon.
func (v *occValidator) pruneOlderThan(horizon Timestamp) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	kept := v.byCommitTS[:0]
	pruned := 0
	for _, e := range v.byCommitTS {
		if e.commitTS < horizon {
			pruned++
			continue
		}
		kept = append(kept, e)
	}
	v.byCommitTS = kept
	return pruned
}

// resolve picks a Resolution for a detected conflict under strategy.
// attempt is how many times this transaction has already retried.
func (v *occValidator) resolve(strategy ResolutionStrategy, kind ConflictKind, attempt int, tPriority, uPriority int, hotPageRatio float64) Resolution {
	switch strategy {
	case AbortConflicting:
		return Abort
	case AbortLowerPriority:
		if tPriority < uPriority {
			return Abort
		}
		return Proceed
	case AbortHigherPriority: // wound-wait: younger (higher priority number) waits/aborts
		if tPriority > uPriority {
			return Abort
		}
		return Proceed
	case RetryWithBackoff:
		if attempt >= v.cfg.RetryMaxAttempts {
			return Abort
		}
		return Retry
	case NoWaitHotPages:
		if kind == ReadWriteConflict && hotPageRatio > 0.5 {
			return Abort
		}
		return Abort
	case Adaptive:
		if hotPageRatio > 0.5 {
			return v.resolve(NoWaitHotPages, kind, attempt, tPriority, uPriority, hotPageRatio)
		}
		return v.resolve(RetryWithBackoff, kind, attempt, tPriority, uPriority, hotPageRatio)
	default:
		return Abort
	}
}

// retryBackoff computes the delay before re-driving a Retry resolution.
func (v *occValidator) retryBackoff(conflictCount int) time.Duration {
	return v.cfg.RetryBaseDelay * time.Duration(conflictCount)
}
