package txn

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/keelsondb/keelson/internal/pager"
)

// PageVersion is one entry in a page's version chain: the page image a
// transaction wrote, tagged with the writer and (once committed) the
// commit timestamp that makes it visible to later snapshots.
type PageVersion struct {
	TxID      TxID
	Data      []byte
	Committed bool
	CommitTS  Timestamp
	Deleted   bool // true if this version represents a page free
}

// pageVersions is the version chain for one page. Entries are appended in
// write order (GarbageCollect re-sorts the survivors by CommitTS); lookups
// scan the whole chain and do not rely on its order.
type pageVersions struct {
	versions []*PageVersion
}

// MVCCManager owns every page's version chain plus the bookkeeping needed
// to compute visibility and the garbage-collection watermark.
type MVCCManager struct {
	mu sync.RWMutex

	nextTimestamp int64 // atomic

	pages map[pager.PageID]*pageVersions

	// activeTxs maps an in-flight transaction to the snapshot timestamp it
	// reads through.
	activeTxs map[TxID]Timestamp

	// commitLog maps a finished transaction to its commit timestamp, kept
	// until GC prunes versions older than every active snapshot.
	commitLog map[TxID]Timestamp

	oldestActive Timestamp
	gcWatermark  Timestamp
}

// NewMVCCManager creates an empty MVCC manager with its logical clock at 1
// (0 is reserved to mean "unset").
func NewMVCCManager() *MVCCManager {
	return &MVCCManager{
		nextTimestamp: 1,
		pages:         make(map[pager.PageID]*pageVersions),
		activeTxs:     make(map[TxID]Timestamp),
		commitLog:     make(map[TxID]Timestamp),
	}
}

// nextTS mints a new logical timestamp.
func (m *MVCCManager) nextTS() Timestamp {
	return Timestamp(atomic.AddInt64(&m.nextTimestamp, 1))
}

// BeginSnapshot registers txID as active and returns the snapshot timestamp
// it will read through (the current clock value, not yet advanced by txID
// itself).
func (m *MVCCManager) BeginSnapshot(txID TxID) Timestamp {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := Timestamp(atomic.LoadInt64(&m.nextTimestamp))
	m.activeTxs[txID] = ts
	m.updateOldestActiveLocked()
	return ts
}

// AddVersion appends an uncommitted version of page to its chain, tagged
// with txID. Safe to call repeatedly for the same (txID, page) pair within
// one transaction; each call appends — callers should write at most once
// per page per transaction (the write-set already de-duplicates that).
func (m *MVCCManager) AddVersion(pageID pager.PageID, data []byte, txID TxID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pv := m.pages[pageID]
	if pv == nil {
		pv = &pageVersions{}
		m.pages[pageID] = pv
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	pv.versions = append(pv.versions, &PageVersion{TxID: txID, Data: buf})
}

// AddFreeVersion records that txID freed pageID; once committed, snapshots
// after the commit timestamp see the page as gone.
func (m *MVCCManager) AddFreeVersion(pageID pager.PageID, txID TxID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pv := m.pages[pageID]
	if pv == nil {
		pv = &pageVersions{}
		m.pages[pageID] = pv
	}
	pv.versions = append(pv.versions, &PageVersion{TxID: txID, Deleted: true})
}

// Commit marks every version written by txID as committed at a freshly
// minted commit timestamp, and returns it.
func (m *MVCCManager) Commit(txID TxID) Timestamp {
	m.mu.Lock()
	defer m.mu.Unlock()
	commitTS := m.nextTS()
	for _, pv := range m.pages {
		for _, v := range pv.versions {
			if v.TxID == txID && !v.Committed {
				v.Committed = true
				v.CommitTS = commitTS
			}
		}
	}
	delete(m.activeTxs, txID)
	m.commitLog[txID] = commitTS
	m.updateOldestActiveLocked()
	return commitTS
}

// Abort discards every uncommitted version written by txID.
func (m *MVCCManager) Abort(txID TxID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for pageID, pv := range m.pages {
		kept := pv.versions[:0]
		for _, v := range pv.versions {
			if v.TxID == txID && !v.Committed {
				continue
			}
			kept = append(kept, v)
		}
		if len(kept) == 0 {
			delete(m.pages, pageID)
		} else {
			pv.versions = kept
		}
	}
	delete(m.activeTxs, txID)
	m.updateOldestActiveLocked()
}

// GetVisibleVersion returns the newest version of pageID committed at or
// before snapshotTS, or the transaction's own uncommitted version if it
// wrote one. found is false if no visible version exists (the page has
// never been written under MVCC, or its newest visible version is a free).
func (m *MVCCManager) GetVisibleVersion(pageID pager.PageID, txID TxID, snapshotTS Timestamp) (data []byte, found bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pv := m.pages[pageID]
	if pv == nil {
		return nil, false
	}

	// The transaction's own write always wins (read-your-writes).
	for i := len(pv.versions) - 1; i >= 0; i-- {
		v := pv.versions[i]
		if v.TxID == txID && !v.Committed {
			if v.Deleted {
				return nil, false
			}
			return v.Data, true
		}
	}

	var best *PageVersion
	for _, v := range pv.versions {
		if !v.Committed || v.CommitTS > snapshotTS {
			continue
		}
		if best == nil || v.CommitTS > best.CommitTS {
			best = v
		}
	}
	if best == nil || best.Deleted {
		return nil, false
	}
	return best.Data, true
}

// updateOldestActiveLocked recomputes the oldest snapshot still in flight
// and publishes the GC watermark as min(oldest active, latest commit).
// Callers must hold m.mu.
func (m *MVCCManager) updateOldestActiveLocked() {
	oldest := Timestamp(atomic.LoadInt64(&m.nextTimestamp))
	for _, ts := range m.activeTxs {
		if ts < oldest {
			oldest = ts
		}
	}
	m.oldestActive = oldest

	latestCommit := Timestamp(0)
	for _, ts := range m.commitLog {
		if ts > latestCommit {
			latestCommit = ts
		}
	}
	watermark := oldest
	if latestCommit != 0 && latestCommit < watermark {
		watermark = latestCommit
	}
	m.gcWatermark = watermark
}

// GCWatermark returns the timestamp below which committed versions are
// invisible to every current and future snapshot and so may be pruned.
func (m *MVCCManager) GCWatermark() Timestamp {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gcWatermark
}

// GarbageCollect prunes committed versions older than the current
// watermark, keeping the newest surviving version of each page (so reads
// at the watermark itself still resolve). Returns the number of versions
// pruned.
func (m *MVCCManager) GarbageCollect() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	watermark := m.gcWatermark
	pruned := 0

	for pageID, pv := range m.pages {
		sort.Slice(pv.versions, func(i, j int) bool {
			return pv.versions[i].CommitTS < pv.versions[j].CommitTS
		})
		var newest *PageVersion
		var kept []*PageVersion
		for _, v := range pv.versions {
			if !v.Committed || v.CommitTS >= watermark {
				kept = append(kept, v)
				continue
			}
			if newest == nil || v.CommitTS > newest.CommitTS {
				if newest != nil {
					pruned++
				}
				newest = v
			} else {
				pruned++
			}
		}
		if newest != nil {
			kept = append([]*PageVersion{newest}, kept...)
		}
		if len(kept) == 0 {
			delete(m.pages, pageID)
		} else {
			pv.versions = kept
		}
	}

	// commitLog entries older than the watermark no longer affect it.
	for txID, ts := range m.commitLog {
		if ts < watermark {
			delete(m.commitLog, txID)
		}
	}
	return pruned
}
