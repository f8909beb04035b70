package txn

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/keelsondb/keelson/internal/errs"
	"github.com/keelsondb/keelson/internal/lockmgr"
	"github.com/keelsondb/keelson/internal/pager"
)

// Config configures a Manager.
type Config struct {
	DefaultIsolation  IsolationLevel
	DefaultCommitMode CommitMode
	LockConfig        lockmgr.Config
	OCCConfig         OCCConfig
	// CleanupInterval is how often the background task prunes committed
	// transactions from the OCC validation structures and runs MVCC GC.
	// Defaults to 30s if zero — both decisions are resolved the same way
	// this engine resolves its "how often does background maintenance run"
	// question elsewhere: a fixed tick, not event-driven.
	CleanupInterval time.Duration
	// RetentionHorizon is carried in the configuration but not read:
	// cleanup prunes committed-transaction bookkeeping by the MVCC GC
	// watermark, not by age.
	RetentionHorizon time.Duration
	// CheckpointDrainTimeout bounds how long Checkpoint waits for active
	// transactions to finish before giving up.
	CheckpointDrainTimeout time.Duration
}

// DefaultConfig returns the manager's defaults.
func DefaultConfig() Config {
	return Config{
		DefaultIsolation:       RepeatableRead,
		DefaultCommitMode:      Pessimistic,
		LockConfig:             lockmgr.DefaultConfig(),
		OCCConfig:              DefaultOCCConfig(),
		CleanupInterval:        30 * time.Second,
		RetentionHorizon:       5 * time.Minute,
		CheckpointDrainTimeout: 10 * time.Second,
	}
}

// Manager owns the transaction lifecycle, the page-version chain (MVCC),
// OCC validation, and the lock manager + deadlock detector that enforce
// isolation for pessimistic transactions.
type Manager struct {
	pager *pager.Pager
	cfg   Config

	mvcc  *MVCCManager
	occ   *occValidator
	locks *lockmgr.Manager

	mu       sync.RWMutex
	txns     map[TxID]*Transaction
	currentVersion int64 // atomic

	quiesce   sync.RWMutex // write-locked during Checkpoint to block new Begins
	stop      chan struct{}
	wg        sync.WaitGroup
}

// New creates a transaction manager bound to p.
func New(p *pager.Pager, cfg Config) *Manager {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 30 * time.Second
	}
	m := &Manager{
		pager: p,
		cfg:   cfg,
		mvcc:  NewMVCCManager(),
		occ:   newOCCValidator(cfg.OCCConfig),
		txns:  make(map[TxID]*Transaction),
		stop:  make(chan struct{}),
	}
	m.locks = lockmgr.New(cfg.LockConfig, func(h lockmgr.Holder) {
		_ = m.Abort(h)
	})
	m.wg.Add(1)
	go m.cleanupLoop()
	return m
}

// Close stops background maintenance (deadlock detection, GC/cleanup).
func (m *Manager) Close() {
	close(m.stop)
	m.wg.Wait()
	m.locks.Stop()
}

func (m *Manager) cleanupLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.mvcc.GarbageCollect()
			horizon := Timestamp(0)
			if w := m.mvcc.GCWatermark(); w > 0 {
				horizon = w
			}
			m.occ.pruneOlderThan(horizon)
		}
	}
}

// Transaction is an owning handle to one active transaction.
type Transaction struct {
	id         TxID
	traceID    string // uuid, for cross-log correlation only; not part of any durable record
	mgr        *Manager
	isolation  IsolationLevel
	mode       CommitMode
	baseVersion int64
	startTS    Timestamp

	mu        sync.Mutex
	state     State
	readSet   map[pager.PageID]struct{}
	writeSet  map[pager.PageID]struct{}
	writeBuf  map[pager.PageID][]byte
	allocated []pager.PageID
	freed     []pager.PageID
	attempts  int
}

// Begin starts a new transaction at the given isolation level and commit
// mode, mints a start timestamp, and opens an MVCC snapshot.
func (m *Manager) Begin(isolation IsolationLevel, mode CommitMode) (*Transaction, error) {
	m.quiesce.RLock() // blocked while a Checkpoint is draining

	txID, err := m.pager.BeginTx()
	if err != nil {
		m.quiesce.RUnlock()
		return nil, err
	}

	tx := &Transaction{
		id:          txID,
		traceID:     uuid.NewString(),
		mgr:         m,
		isolation:   isolation,
		mode:        mode,
		baseVersion: atomic.LoadInt64(&m.currentVersion),
		startTS:     m.mvcc.BeginSnapshot(txID),
		state:       StateActive,
		readSet:     make(map[pager.PageID]struct{}),
		writeSet:    make(map[pager.PageID]struct{}),
		writeBuf:    make(map[pager.PageID][]byte),
	}
	m.quiesce.RUnlock()

	m.mu.Lock()
	m.txns[txID] = tx
	m.mu.Unlock()
	return tx, nil
}

// BeginDefault starts a transaction using the manager's configured
// defaults for isolation level and commit mode.
func (m *Manager) BeginDefault() (*Transaction, error) {
	return m.Begin(m.cfg.DefaultIsolation, m.cfg.DefaultCommitMode)
}

// ID returns the transaction's identifier.
func (t *Transaction) ID() TxID { return t.id }

// TraceID returns a uuid minted at Begin for correlating this
// transaction's log lines across goroutines; it carries no durability
// semantics and is never written to the WAL.
func (t *Transaction) TraceID() string { return t.traceID }

// State returns the transaction's current lifecycle state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsolationLevel returns the transaction's isolation level.
func (t *Transaction) IsolationLevel() IsolationLevel { return t.isolation }

// BaseVersion returns the manager's version counter snapshotted at Begin.
func (t *Transaction) BaseVersion() int64 { return t.baseVersion }

func (t *Transaction) requireActive() error {
	if t.state != StateActive {
		return ErrNotActive
	}
	return nil
}

// ReadPage consults the write-set, then the MVCC snapshot, then the buffer
// pool, adding pageID to the read-set. Under Repeatable Read / Serializable
// (and always for OCC transactions) the read-set is tracked so a later
// writer's commit can be detected as a conflict.
func (t *Transaction) ReadPage(pageID pager.PageID) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireActive(); err != nil {
		return nil, err
	}

	if buf, ok := t.writeBuf[pageID]; ok {
		return buf, nil
	}

	t.mgr.occ.recordAccess(pageID)

	if data, found := t.mgr.mvcc.GetVisibleVersion(pageID, t.id, t.snapshotTSLocked()); found {
		t.trackReadLocked(pageID)
		return data, nil
	}

	buf, err := t.mgr.pager.ReadPage(pageID)
	if err != nil {
		return nil, err
	}
	defer t.mgr.pager.UnpinPage(pageID)
	out := make([]byte, len(buf))
	copy(out, buf)
	t.trackReadLocked(pageID)
	return out, nil
}

// snapshotTSLocked returns the timestamp this transaction's reads are
// pinned to: its own start timestamp under Repeatable Read/Serializable/
// Snapshot isolation, or "now" under Read Committed so it sees the latest
// committed version on every read. Caller holds t.mu.
func (t *Transaction) snapshotTSLocked() Timestamp {
	if t.isolation == ReadCommitted || t.isolation == ReadUncommitted {
		return Timestamp(atomic.LoadInt64(&t.mgr.mvcc.nextTimestamp))
	}
	return t.startTS
}

func (t *Transaction) trackReadLocked(pageID pager.PageID) {
	if t.isolation == RepeatableRead || t.isolation == Serializable || t.mode == Optimistic {
		t.readSet[pageID] = struct{}{}
	}
}

// WritePage acquires a mutable buffer, records the write in-memory (visible
// to this transaction's own later reads), and adds pageID to the write-set.
// Under pessimistic concurrency control it also acquires an exclusive page
// lock up front so a competing writer blocks rather than racing to commit.
func (t *Transaction) WritePage(pageID pager.PageID, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireActive(); err != nil {
		return err
	}

	if t.mode == Pessimistic {
		if err := t.mgr.locks.Acquire(t.id, pageID, lockmgr.Exclusive, 0); err != nil {
			return err
		}
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	t.writeBuf[pageID] = buf
	t.writeSet[pageID] = struct{}{}
	return nil
}

// AllocatePage reserves a new page for this transaction, finalized on
// commit and reversed on abort.
func (t *Transaction) AllocatePage() (pager.PageID, []byte) {
	pid, buf := t.mgr.pager.AllocPage()
	t.mu.Lock()
	t.allocated = append(t.allocated, pid)
	t.mu.Unlock()
	return pid, buf
}

// FreePage marks pageID for release on commit (reversed on abort, where it
// simply never gets freed).
func (t *Transaction) FreePage(pageID pager.PageID) {
	t.mu.Lock()
	t.freed = append(t.freed, pageID)
	t.mu.Unlock()
}

// Commit finalizes the transaction via the pessimistic or optimistic path
// selected at Begin. For Optimistic it runs OCC validate/resolve first;
// on Abort it performs the abort path and returns ErrNotActive-free but
// rolled-back semantics; on Retry the transaction is left Active for the
// caller to re-drive (its write-set/read-set are preserved).
func (t *Transaction) Commit() (int64, error) {
	t.mu.Lock()
	if err := t.requireActive(); err != nil {
		t.mu.Unlock()
		return 0, err
	}

	if t.mode == Optimistic {
		kind, conflictingTxID := t.mgr.occ.validate(t.startTS, t.readSet, t.writeSet)
		if kind != NoConflict {
			hotRatio := t.hotPageRatioLocked()
			res := t.mgr.occ.resolve(Adaptive, kind, t.attempts, int(t.id), int(conflictingTxID), hotRatio)
			switch res {
			case Abort:
				t.mu.Unlock()
				return 0, t.Abort()
			case Retry:
				t.attempts++
				t.mu.Unlock()
				time.Sleep(t.mgr.occ.retryBackoff(t.attempts))
				return 0, ErrRetry
			}
		}
	}

	t.state = StateCommitting
	txID := t.id
	writeBuf := t.writeBuf
	freed := t.freed
	readSet := t.readSet
	writeSet := t.writeSet
	t.mu.Unlock()

	for pageID, buf := range writeBuf {
		if err := t.mgr.pager.WritePage(txID, pageID, buf); err != nil {
			return 0, err
		}
		t.mgr.mvcc.AddVersion(pageID, buf, txID)
	}
	for _, pageID := range freed {
		t.mgr.pager.FreePage(pageID)
		t.mgr.mvcc.AddFreeVersion(pageID, txID)
	}

	if err := t.mgr.pager.CommitTx(txID); err != nil {
		return 0, err
	}
	commitTS := t.mgr.mvcc.Commit(txID)

	if t.mode == Optimistic {
		t.mgr.occ.recordCommit(txID, commitTS, readSet, writeSet)
	}

	t.mgr.locks.Release(txID)

	newVersion := atomic.AddInt64(&t.mgr.currentVersion, 1)

	t.mu.Lock()
	t.state = StateCommitted
	t.mu.Unlock()
	t.mgr.forget(txID)

	return newVersion, nil
}

// CommitWithOCC is a synonym for Commit: the OCC validate/resolve path is
// already selected by the transaction's mode at Begin, so there is nothing
// a separate optimistic-commit entry point needs to do differently. It
// exists so embedders that think in terms of "commit, optimistically" have
// a name for that call without inspecting the transaction's mode first.
func (t *Transaction) CommitWithOCC() (int64, error) {
	return t.Commit()
}

// ErrRetry signals the caller should re-drive an OCC transaction that is
// still Active after a Retry resolution.
var ErrRetry = fmt.Errorf("txn: retry")

func (t *Transaction) hotPageRatioLocked() float64 {
	if len(t.writeSet) == 0 {
		return 0
	}
	hot := 0
	for pid := range t.writeSet {
		if t.mgr.occ.isHotPage(pid) {
			hot++
		}
	}
	return float64(hot) / float64(len(t.writeSet))
}

// Abort discards all of the transaction's pending writes and allocations,
// releases its locks, and marks it Aborted. Idempotent on an already
// finalized transaction.
func (t *Transaction) Abort() error {
	t.mu.Lock()
	if t.state == StateCommitted || t.state == StateAborted {
		t.mu.Unlock()
		return nil
	}
	t.state = StateAborting
	allocated := t.allocated
	txID := t.id
	t.mu.Unlock()

	if err := t.mgr.pager.AbortTx(txID); err != nil {
		return err
	}
	t.mgr.mvcc.Abort(txID)
	for _, pid := range allocated {
		t.mgr.pager.FreePage(pid)
	}
	t.mgr.locks.Release(txID)

	t.mu.Lock()
	t.state = StateAborted
	t.mu.Unlock()
	t.mgr.forget(txID)
	return nil
}

func (m *Manager) forget(txID TxID) {
	m.mu.Lock()
	delete(m.txns, txID)
	m.mu.Unlock()
}

// Abort looks up an active transaction by ID and aborts it — used by the
// deadlock detector's abort callback, which only knows a TxID, not a
// *Transaction.
func (m *Manager) Abort(txID TxID) error {
	m.mu.RLock()
	tx, ok := m.txns[txID]
	m.mu.RUnlock()
	if !ok {
		return ErrAlreadyFinalized
	}
	return tx.Abort()
}

// ActiveCount returns the number of transactions currently Active.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, tx := range m.txns {
		if tx.State() == StateActive {
			n++
		}
	}
	return n
}

// Checkpoint acquires an exclusive pool lock that blocks new Begins, waits
// for already-active transactions to drain (bounded by
// CheckpointDrainTimeout), then flushes the WAL via the pager's own
// checkpoint. Checkpoints bound recovery time.
func (m *Manager) Checkpoint() error {
	m.quiesce.Lock()
	defer m.quiesce.Unlock()

	deadline := time.Now().Add(m.cfg.CheckpointDrainTimeout)
	for m.ActiveCount() > 0 {
		if time.Now().After(deadline) {
			return errs.New(errs.KindConcurrency, "checkpoint: timed out waiting for active transactions to drain")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return m.pager.Checkpoint()
}

// CurrentVersion returns the manager's monotonically increasing commit
// version counter.
func (m *Manager) CurrentVersion() int64 {
	return atomic.LoadInt64(&m.currentVersion)
}

// Recover replays the WAL into the pager's page store. OpenPager already
// runs this once at startup when the WAL is non-empty; it's exposed here
// too so an embedder can re-drive recovery explicitly (e.g. after
// restoring a backup file without reopening the engine).
func (m *Manager) Recover() (*pager.RecoveryStats, error) {
	return m.pager.Recover()
}
