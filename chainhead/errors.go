package chainhead

import "errors"

// Registry/table-level sentinel errors, checked with errors.Is by callers
// that need to distinguish cases without parsing strings.
var (
	// ErrDuplicateHash is returned by BlockRegistry.Pin when the hash is
	// already present. Per spec, this is an internal invariant violation
	// when it surfaces from the driver (the backend shouldn't re-announce
	// a hash it already announced).
	ErrDuplicateHash = errors.New("chainhead: block hash already pinned")

	// ErrLimitExceeded is returned by BlockRegistry.Pin when the insertion
	// would push the registry over max_count, or the oldest entry is both
	// past max_age and unevictable (still guarded).
	ErrLimitExceeded = errors.New("chainhead: pinned block limit exceeded")

	// ErrAbsent is returned by BlockRegistry.Unpin (and passed through by
	// SubscriptionTable.UnpinBlock) for an unknown hash. BlockRegistry.Lock
	// reports a miss as false instead.
	ErrAbsent = errors.New("chainhead: block hash not pinned")

	// ErrSubscriptionAbsent is returned by SubscriptionTable when the
	// named subscription id has no entry (never existed, or already torn
	// down).
	ErrSubscriptionAbsent = errors.New("chainhead: subscription not found")

	// ErrBlockHashAbsent is the subscription-table-level analogue of
	// ErrAbsent, returned by SubscriptionTable.LockBlock once the
	// subscription lookup succeeded but the registry lookup failed.
	// SubscriptionTable.UnpinBlock returns ErrAbsent for that case.
	ErrBlockHashAbsent = errors.New("chainhead: block hash not part of subscription")

	// ErrAlreadyResolved is returned by PendingSink when Accept or Reject
	// is called a second time.
	ErrAlreadyResolved = errors.New("chainhead: pending sink already accepted or rejected")
)

// RPCError is the interface github.com/ethereum/go-ethereum/rpc looks for
// on a returned error to render a structured {code, message} JSON-RPC
// error object instead of a generic internal error.
type RPCError interface {
	error
	ErrorCode() int
}

const (
	codeInvalidParams  = -32602
	codeInvalidBlock   = -32001
	codeBackendFailure = -32002
)

// InvalidParamError surfaces malformed hex or a missing required flag
// verbatim to the client, per spec.md §7.
type InvalidParamError struct {
	Msg string
}

func (e *InvalidParamError) Error() string  { return e.Msg }
func (e *InvalidParamError) ErrorCode() int { return codeInvalidParams }

// InvalidBlockError means the block hash is unknown to the named
// subscription. Returned for header/unpin and as the sink-rejection
// reason for body/storage/call prologues.
type InvalidBlockError struct{}

func (e *InvalidBlockError) Error() string  { return "Block hash not found" }
func (e *InvalidBlockError) ErrorCode() int { return codeInvalidBlock }

// BackendCallError wraps a backend failure (header fetch, storage query,
// runtime call) with its diagnostic string.
type BackendCallError struct {
	Op  string
	Err error
}

func (e *BackendCallError) Error() string  { return e.Op + ": " + e.Err.Error() }
func (e *BackendCallError) ErrorCode() int { return codeBackendFailure }
func (e *BackendCallError) Unwrap() error  { return e.Err }

var (
	_ RPCError = (*InvalidParamError)(nil)
	_ RPCError = (*InvalidBlockError)(nil)
	_ RPCError = (*BackendCallError)(nil)
)
