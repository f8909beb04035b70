package pager

import (
	"encoding/json"
	"fmt"
	"time"
)

// ───────────────────────────────────────────────────────────────────────────
// Garbage Collector (VACUUM)
// ───────────────────────────────────────────────────────────────────────────
//
// The GC performs a reachability scan over all pages in the database. It
// starts from the known roots (superblock → registry B+Tree → each
// registered index's B+Tree) and marks every reachable page. Any allocated
// page that was not visited is an orphan and gets added to the free-list.
//
// This reclaims pages lost to crashes mid-write, aborted transactions that
// allocated pages before rolling back, and overflow chains orphaned by key
// updates. It complements the background CompactionManager, which reclaims
// space from obsolete SSTable-style files rather than live B+Tree pages.

// GCResult holds statistics about a garbage collection run.
type GCResult struct {
	TotalPages          int           // total allocated pages in the file
	ReachablePages      int           // pages reachable from roots
	FreeBefore          int           // free pages before GC
	FreeAfter           int           // free pages after GC
	Reclaimed           int           // newly freed orphan pages
	OverflowPagesWalked int           // Data pages visited while following overflow chains
	FreeListPagesWalked int           // Free pages visited while walking the free-list chain
	Duration            time.Duration // wall-clock time for the scan
	Errors              []string      // non-fatal issues found during the scan
}

// gcWalker carries the pager and registry a GC run needs to reach every page.
type gcWalker struct {
	pager *Pager
	reg   *Registry
}

// GC performs a full reachability-based garbage collection on the database.
// It must be called when no other writers are active (exclusive access).
// The GC does NOT shrink the file — it only adds orphans to the free-list
// so they can be reused by future writes.
func GC(p *Pager, reg *Registry) (*GCResult, error) {
	start := time.Now()
	w := &gcWalker{pager: p, reg: reg}

	sb := p.Superblock()
	totalPages := int(sb.NextPageID) // NextPageID = high-water mark
	if totalPages < 1 {
		return &GCResult{}, nil
	}

	result := &GCResult{
		TotalPages: totalPages,
		FreeBefore: p.freeMgr.Count(),
	}

	// Build the set of reachable pages.
	reachable := make(map[PageID]struct{}, totalPages)

	// 1. Meta page is always page 0.
	reachable[0] = struct{}{}

	// 2. Walk the index registry B+Tree.
	registryRoot := sb.RegistryRoot
	if registryRoot != InvalidPageID {
		w.walkBTree(registryRoot, reachable, result)
	}

	// 3. For each registered index, walk its B+Tree.
	indexRoots, err := w.collectIndexRoots()
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("registry scan: %v", err))
	}
	for _, rootID := range indexRoots {
		w.walkBTree(rootID, reachable, result)
	}

	// 4. Walk the free-list chain (those pages are "in-use" by the free-list
	//    structure itself, even though they track free pages).
	w.walkFreeListChain(sb.FreeListRoot, reachable, result)

	result.ReachablePages = len(reachable)

	// 5. Find orphans: allocated pages that are not reachable and not
	//    already on the free-list.
	freeSet := make(map[PageID]struct{})
	for _, pid := range p.freeMgr.AllFree() {
		freeSet[pid] = struct{}{}
	}

	var reclaimed int
	for pid := PageID(0); pid < PageID(totalPages); pid++ {
		if _, isReachable := reachable[pid]; isReachable {
			continue
		}
		if _, isFree := freeSet[pid]; isFree {
			continue
		}
		// Orphan found — add to free-list.
		p.freeMgr.Free(pid)
		reclaimed++
	}

	result.Reclaimed = reclaimed
	result.FreeAfter = p.freeMgr.Count()

	// If we reclaimed pages, checkpoint to persist the updated free-list.
	if reclaimed > 0 {
		if err := p.Checkpoint(); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("checkpoint: %v", err))
		}
	}

	result.Duration = time.Since(start)
	return result, nil
}

// walkBTree recursively marks all pages of a B+Tree as reachable.
func (w *gcWalker) walkBTree(rootID PageID, reachable map[PageID]struct{}, result *GCResult) {
	w.walkBTreePage(rootID, reachable, result)
}

func (w *gcWalker) walkBTreePage(pid PageID, reachable map[PageID]struct{}, result *GCResult) {
	if pid == InvalidPageID {
		return
	}
	if _, seen := reachable[pid]; seen {
		return // already visited (cycle protection)
	}
	reachable[pid] = struct{}{}

	buf, err := w.pager.ReadPage(pid)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("read page %d: %v", pid, err))
		return
	}
	defer w.pager.UnpinPage(pid)

	bp := WrapBTreePage(buf)
	if bp.IsLeaf() {
		// Walk all entries — mark overflow chains as reachable.
		sc := bp.slotCount()
		for i := 0; i < sc; i++ {
			entry := bp.GetLeafEntry(i)
			if entry.Overflow {
				w.walkOverflowChain(entry.OverflowPageID, reachable, result)
			}
		}
		// Next/prev leaf siblings are visited in their own internal-node
		// subtree walk, so we don't recurse into them here.
		return
	}

	// Internal node — recurse into all children.
	sc := bp.slotCount()
	for i := 0; i < sc; i++ {
		ie := bp.GetInternalEntry(i)
		w.walkBTreePage(ie.ChildID, reachable, result)
	}
	w.walkBTreePage(bp.RightChild(), reachable, result)
}

func (w *gcWalker) walkOverflowChain(headID PageID, reachable map[PageID]struct{}, result *GCResult) {
	pid := headID
	for pid != InvalidPageID {
		if _, seen := reachable[pid]; seen {
			break
		}
		reachable[pid] = struct{}{}
		result.OverflowPagesWalked++

		buf, err := w.pager.ReadPage(pid)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("read overflow %d: %v", pid, err))
			return
		}
		op := WrapOverflowPage(buf)
		next := op.NextOverflow()
		w.pager.UnpinPage(pid)
		pid = next
	}
}

func (w *gcWalker) walkFreeListChain(headID PageID, reachable map[PageID]struct{}, result *GCResult) {
	pid := headID
	for pid != InvalidPageID {
		if _, seen := reachable[pid]; seen {
			break
		}
		reachable[pid] = struct{}{}
		result.FreeListPagesWalked++

		buf, err := w.pager.ReadPage(pid)
		if err != nil {
			break
		}
		fl := WrapFreeListPage(buf)
		next := fl.NextFreeList()
		w.pager.UnpinPage(pid)
		pid = next
	}
}

// collectIndexRoots reads all registry entries and returns their root page IDs.
func (w *gcWalker) collectIndexRoots() ([]PageID, error) {
	var roots []PageID
	err := w.reg.tree.ScanRange(nil, nil, func(key, val []byte) bool {
		var entry RegistryEntry
		if err := json.Unmarshal(val, &entry); err != nil {
			return true // skip broken entries
		}
		roots = append(roots, entry.RootPageID)
		return true
	})
	return roots, err
}

// ───────────────────────────────────────────────────────────────────────────
// GC triggering policy
// ───────────────────────────────────────────────────────────────────────────
//
// A full reachability scan walks every live page, so calling GC on every
// checkpoint would make checkpoint latency scale with database size. The
// scheduler below gates automatic runs behind two independent signals: the
// database has to have accumulated enough transactional churn, and enough
// wall-clock time has to have passed since the last pass, so a burst of
// short-lived transactions can't trigger back-to-back scans.

// GCPolicy configures when GCScheduler.MaybeRun actually performs a scan.
type GCPolicy struct {
	// MinActivityBetweenRuns is how many RecordActivity calls must
	// accumulate before another automatic run is considered.
	MinActivityBetweenRuns int
	// MinInterval is the minimum wall-clock time between automatic runs,
	// regardless of how much activity has accumulated.
	MinInterval time.Duration
}

// DefaultGCPolicy returns conservative defaults: wait for 1000 units of
// recorded activity (the engine records one per transaction begun) and at
// least a minute since the last run.
func DefaultGCPolicy() GCPolicy {
	return GCPolicy{MinActivityBetweenRuns: 1000, MinInterval: time.Minute}
}

// GCScheduler tracks accumulated activity and the time of the last GC run
// so a caller can gate automatic collection behind a GCPolicy instead of
// invoking GC unconditionally on every checkpoint.
type GCScheduler struct {
	policy   GCPolicy
	lastRun  time.Time
	activity int
}

// NewGCScheduler creates a scheduler that has never run.
func NewGCScheduler(policy GCPolicy) *GCScheduler {
	return &GCScheduler{policy: policy}
}

// RecordActivity registers one unit of churn (the engine calls it once per
// transaction begun) toward the policy's MinActivityBetweenRuns threshold.
func (s *GCScheduler) RecordActivity() {
	s.activity++
}

// MaybeRun runs a full GC pass if the policy's thresholds are met, and
// resets the accumulated activity counter and last-run time regardless of
// whether the pass reclaimed anything. Returns (nil, nil) when the policy
// says to skip this call.
func (s *GCScheduler) MaybeRun(p *Pager, reg *Registry) (*GCResult, error) {
	if s.activity < s.policy.MinActivityBetweenRuns {
		return nil, nil
	}
	if !s.lastRun.IsZero() && time.Since(s.lastRun) < s.policy.MinInterval {
		return nil, nil
	}
	result, err := GC(p, reg)
	if err != nil {
		return nil, err
	}
	s.lastRun = time.Now()
	s.activity = 0
	return result, nil
}
