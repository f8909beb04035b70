// Package errs defines the tagged error taxonomy shared by every storage
// engine subsystem, so embedders can branch on error kind with errors.Is
// regardless of which layer raised the failure.
package errs

import "errors"

// StorageKind classifies a StorageError.
type StorageKind int

const (
	KindIO StorageKind = iota
	KindCorruption
	KindPageNotFound
	KindBufferPoolFull
	KindConcurrency
	KindTransactionAborted
	KindSerialization
)

func (k StorageKind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindCorruption:
		return "corruption"
	case KindPageNotFound:
		return "page_not_found"
	case KindBufferPoolFull:
		return "buffer_pool_full"
	case KindConcurrency:
		return "concurrency"
	case KindTransactionAborted:
		return "transaction_aborted"
	case KindSerialization:
		return "serialization"
	default:
		return "unknown"
	}
}

// Sentinel kind values for errors.Is comparisons. StorageError.Is matches
// against these regardless of the wrapped message/cause.
var (
	ErrIO                 = &StorageError{Kind: KindIO}
	ErrCorruption         = &StorageError{Kind: KindCorruption}
	ErrPageNotFound       = &StorageError{Kind: KindPageNotFound}
	ErrBufferPoolFull     = &StorageError{Kind: KindBufferPoolFull}
	ErrConcurrency        = &StorageError{Kind: KindConcurrency}
	ErrTransactionAborted = &StorageError{Kind: KindTransactionAborted}
	ErrSerialization      = &StorageError{Kind: KindSerialization}
)

// StorageError is the tagged error type for the core engine. It wraps an
// optional underlying cause while exposing a stable Kind for errors.Is.
type StorageError struct {
	Kind StorageKind
	Msg  string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Msg == "" {
		return "storage: " + e.Kind.String()
	}
	if e.Err != nil {
		return "storage: " + e.Kind.String() + ": " + e.Msg + ": " + e.Err.Error()
	}
	return "storage: " + e.Kind.String() + ": " + e.Msg
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, errs.ErrConcurrency) match any StorageError of the
// same Kind, independent of Msg/Err.
func (e *StorageError) Is(target error) bool {
	t, ok := target.(*StorageError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs a StorageError of the given kind with a message.
func New(kind StorageKind, msg string) *StorageError {
	return &StorageError{Kind: kind, Msg: msg}
}

// Wrap constructs a StorageError of the given kind wrapping cause.
func Wrap(kind StorageKind, msg string, cause error) *StorageError {
	return &StorageError{Kind: kind, Msg: msg, Err: cause}
}

// IndexKind classifies an IndexError raised by the B+tree surface.
type IndexKind int

const (
	IndexKeyNotFound IndexKind = iota
	IndexInvalidOperation
	IndexInvalidKey
	IndexSerializationError
	IndexCorruption
	IndexIoError
)

func (k IndexKind) String() string {
	switch k {
	case IndexKeyNotFound:
		return "key_not_found"
	case IndexInvalidOperation:
		return "invalid_operation"
	case IndexInvalidKey:
		return "invalid_key"
	case IndexSerializationError:
		return "serialization_error"
	case IndexCorruption:
		return "corruption"
	case IndexIoError:
		return "io_error"
	default:
		return "unknown"
	}
}

var (
	ErrIndexKeyNotFound       = &IndexError{Kind: IndexKeyNotFound}
	ErrIndexInvalidOperation  = &IndexError{Kind: IndexInvalidOperation}
	ErrIndexInvalidKey        = &IndexError{Kind: IndexInvalidKey}
	ErrIndexSerializationErr  = &IndexError{Kind: IndexSerializationError}
	ErrIndexCorruption        = &IndexError{Kind: IndexCorruption}
	ErrIndexIoError           = &IndexError{Kind: IndexIoError}
)

// IndexError is the tagged error type for the B+tree surface (§7 IndexError).
type IndexError struct {
	Kind IndexKind
	Msg  string
	Err  error
}

func (e *IndexError) Error() string {
	if e.Err != nil {
		return "index: " + e.Kind.String() + ": " + e.Msg + ": " + e.Err.Error()
	}
	return "index: " + e.Kind.String() + ": " + e.Msg
}

func (e *IndexError) Unwrap() error { return e.Err }

func (e *IndexError) Is(target error) bool {
	t, ok := target.(*IndexError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func NewIndex(kind IndexKind, msg string) *IndexError {
	return &IndexError{Kind: kind, Msg: msg}
}

func WrapIndex(kind IndexKind, msg string, cause error) *IndexError {
	return &IndexError{Kind: kind, Msg: msg, Err: cause}
}

// As is a convenience re-export so callers need only import this package.
var As = errors.As
