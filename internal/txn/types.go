// Package txn implements the transaction manager: transaction lifecycle,
// page-level MVCC, and optimistic concurrency control validation.
package txn

import (
	"fmt"

	"github.com/keelsondb/keelson/internal/pager"
)

// TxID identifies a transaction. It is minted by the underlying Pager so
// WAL records and MVCC versions agree on numbering.
type TxID = pager.TxID

// Timestamp is a logical commit/snapshot clock, monotonically increasing.
type Timestamp uint64

// State is a transaction's position in its lifecycle DAG:
//
//	Active ──► Committing ──► Committed
//	   │
//	   └────► Aborting ───► Aborted
//
// Transitions are one-way; operations outside Active fail.
type State int

const (
	StateActive State = iota
	StateCommitting
	StateCommitted
	StateAborting
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCommitting:
		return "committing"
	case StateCommitted:
		return "committed"
	case StateAborting:
		return "aborting"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// IsolationLevel selects how a transaction's reads interact with concurrent
// writers, per the matrix in the transaction manager's design notes.
type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
	Serializable
)

func (l IsolationLevel) String() string {
	switch l {
	case ReadUncommitted:
		return "read_uncommitted"
	case ReadCommitted:
		return "read_committed"
	case RepeatableRead:
		return "repeatable_read"
	case Serializable:
		return "serializable"
	default:
		return "unknown"
	}
}

// CommitMode selects the commit path a transaction takes.
type CommitMode int

const (
	Pessimistic CommitMode = iota
	Optimistic
)

// ErrNotActive is returned when an operation is attempted on a transaction
// that has already left the Active state.
var ErrNotActive = fmt.Errorf("txn: transaction is not active")

// ErrAlreadyFinalized is returned by Abort on a transaction that has
// already committed or aborted — Abort is otherwise idempotent.
var ErrAlreadyFinalized = fmt.Errorf("txn: transaction already finalized")
