// Package keelson is an embeddable transactional storage engine: a paged
// buffer pool, write-ahead log, MVCC+OCC transaction manager, B+tree index,
// and background compaction manager, composed behind one Engine type.
//
// # Basic usage
//
//	eng, err := keelson.Open(keelson.DefaultConfig("data/engine.db"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close()
//
//	tx, _ := eng.Begin(txn.RepeatableRead, txn.Pessimistic)
//	pid, buf := tx.AllocatePage()
//	copy(buf, []byte("hello"))
//	tx.WritePage(pid, buf)
//	tx.Commit()
package keelson

import (
	"fmt"
	"time"

	"github.com/keelsondb/keelson/internal/compaction"
	"github.com/keelsondb/keelson/internal/config"
	"github.com/keelsondb/keelson/internal/pager"
	"github.com/keelsondb/keelson/internal/txn"
)

// Re-exported types so callers of this package don't need to import the
// internal packages directly, the same re-export pattern the teacher uses
// in its own top-level package.
type (
	Transaction    = txn.Transaction
	IsolationLevel = txn.IsolationLevel
	CommitMode     = txn.CommitMode
	TxID           = txn.TxID
	PageID         = pager.PageID
	Registry       = pager.Registry
	BTree          = pager.BTree
	CompactionFile = compaction.File
)

const (
	ReadUncommitted = txn.ReadUncommitted
	ReadCommitted   = txn.ReadCommitted
	RepeatableRead  = txn.RepeatableRead
	Serializable    = txn.Serializable

	Pessimistic = txn.Pessimistic
	Optimistic  = txn.Optimistic
)

// Config configures a complete Engine: the pager's buffer pool and WAL, the
// transaction manager's lock/OCC behavior, and the background compactor.
type Config struct {
	DBPath     string
	WALPath    string
	BufferPool pager.PagerConfig
	Txn        txn.Config
	Compaction compaction.Config
}

// DefaultConfig returns an EngineConfig-backed Config with every subsystem
// at its default, pointed at dbPath.
func DefaultConfig(dbPath string) Config {
	ec := config.DefaultEngineConfig()
	bp := ec.BufferPool
	bp.DBPath = dbPath
	return Config{
		DBPath:     dbPath,
		BufferPool: bp,
		Txn:        ec.TxnManagerConfig(),
		Compaction: ec.Compaction,
	}
}

// Engine owns one paged database file: its buffer pool/WAL (via Pager),
// transaction manager (MVCC+OCC+locks), and background compaction manager.
type Engine struct {
	pager      *pager.Pager
	txns       *txn.Manager
	registry   *pager.Registry
	compaction *compaction.Manager
	gc         *pager.GCScheduler
}

// Open creates or opens a database at cfg.DBPath and starts its background
// maintenance: the pager's dirty-page flusher, the transaction manager's
// MVCC GC / OCC cleanup tick, and the compaction scheduler.
func Open(cfg Config) (*Engine, error) {
	bpCfg := cfg.BufferPool
	bpCfg.DBPath = cfg.DBPath
	if cfg.WALPath != "" {
		bpCfg.WALPath = cfg.WALPath
	}
	p, err := pager.OpenPager(bpCfg)
	if err != nil {
		return nil, fmt.Errorf("keelson: open pager: %w", err)
	}

	txID, err := p.BeginTx()
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("keelson: begin registry bootstrap tx: %w", err)
	}
	reg, err := pager.OpenRegistry(p, txID)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("keelson: open registry: %w", err)
	}
	if err := p.CommitTx(txID); err != nil {
		p.Close()
		return nil, fmt.Errorf("keelson: commit registry bootstrap tx: %w", err)
	}

	tm := txn.New(p, cfg.Txn)

	e := &Engine{pager: p, txns: tm, registry: reg, gc: pager.NewGCScheduler(pager.DefaultGCPolicy())}

	comp := compaction.New(cfg.Compaction, compactionStrategy(cfg.Compaction.StrategyName), e.compactionFiles, nil)
	if err := comp.Start(); err != nil {
		tm.Close()
		p.Close()
		return nil, fmt.Errorf("keelson: start compaction: %w", err)
	}
	e.compaction = comp

	return e, nil
}

func compactionStrategy(name string) compaction.Strategy {
	switch name {
	case "leveled":
		return compaction.DefaultLeveledStrategy()
	case "time_window":
		return compaction.DefaultTimeWindowStrategy()
	default:
		return compaction.DefaultSizeTieredStrategy()
	}
}

// compactionFiles reports each registry-tracked index as a compaction
// candidate "file" — the engine has one physical file, so a File here
// stands for one index's root region rather than a separate table file.
// Open always hands this function to the compaction manager; Config has
// no field for supplying another.
func (e *Engine) compactionFiles() []compaction.File {
	names, err := e.registry.Names()
	if err != nil {
		return nil
	}
	now := time.Now()
	files := make([]compaction.File, 0, len(names))
	for i, name := range names {
		root, ok, err := e.registry.Lookup(name)
		if err != nil || !ok {
			continue
		}
		files = append(files, compaction.File{
			ID:        uint64(root),
			SizeBytes: int64(e.pager.PageSize()),
			Level:     i % 4,
			CreatedAt: now,
		})
	}
	return files
}

// Begin starts a new transaction at the given isolation level and commit
// mode.
func (e *Engine) Begin(isolation IsolationLevel, mode CommitMode) (*Transaction, error) {
	e.gc.RecordActivity()
	return e.txns.Begin(isolation, mode)
}

// BeginDefault starts a transaction using the manager's configured default
// isolation level and commit mode.
func (e *Engine) BeginDefault() (*Transaction, error) {
	e.gc.RecordActivity()
	return e.txns.BeginDefault()
}

// Registry returns the engine's named-index registry, used to look up or
// register B+tree roots by name.
func (e *Engine) Registry() *Registry { return e.registry }

// Pager exposes the underlying page-level I/O layer for callers that need
// direct page access (e.g. building a B+tree over it).
func (e *Engine) Pager() *pager.Pager { return e.pager }

// Checkpoint drains active transactions, truncates the WAL to the
// checkpoint LSN, and then gives the orphan-page collector a chance to run
// if enough activity has accumulated since its last pass (see GCPolicy).
func (e *Engine) Checkpoint() error {
	if err := e.txns.Checkpoint(); err != nil {
		return err
	}
	_, err := e.gc.MaybeRun(e.pager, e.registry)
	return err
}

// RunGC forces an immediate orphan-page reachability scan, bypassing the
// GCPolicy thresholds used by the automatic pass in Checkpoint.
func (e *Engine) RunGC() (*pager.GCResult, error) {
	return pager.GC(e.pager, e.registry)
}

// CompactionStats reports accumulated compaction totals.
func (e *Engine) CompactionStats() compaction.CompactionStats { return e.compaction.GetStats() }

// Close stops background maintenance (compaction scheduler, MVCC/OCC
// cleanup, buffer-pool flusher) and closes the underlying file and WAL.
func (e *Engine) Close() error {
	e.compaction.Stop()
	e.txns.Close()
	return e.pager.Close()
}
