/*
errors.go - Error taxonomy for the matching engine

PURPOSE:
  Four distinct failure families, each handled differently by callers:

  1. Insufficient grant - NOT an error. A Subtract that grants less than
     requested (including zero) returns a Grant value; the Allocator moves to
     the next funding. See store.go.
  2. Retryable infrastructure faults - lock contention, deadlock, transient
     connection loss. The whole allocate/release call is safe to retry from
     scratch. Wrapped in RetryableError; detect with IsRetryable.
  3. Terminal infrastructure faults - anything unexpected from a store. Must
     propagate without automatic retry: retrying could compound an unknown
     inconsistency. Any non-retryable error is terminal.
  4. Ledger-write-after-store-commit - the one case requiring active
     compensation. Surfaced as LedgerWriteError after the Allocator has
     already reversed the store mutation.

USAGE:
  if matching.IsRetryable(err) {
      // re-enqueue the whole operation
  }

SEE ALSO:
  - allocator.go: produces LedgerWriteError, propagates lock conflicts
  - store/sqlstore, store/redisstore: classify driver faults
*/
package matching

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNoSession is returned when Add/Subtract is called outside an active
	// Transact bracket, or with a session belonging to a different store.
	// This is a programming error, never a runtime condition to handle.
	ErrNoSession = errors.New("amount store mutation outside transactional bracket")

	// ErrCurrencyMismatch is returned when a candidate funding's currency
	// differs from the donation's. The campaign's reference data is corrupt;
	// treated as Terminal so nobody silently under-matches.
	ErrCurrencyMismatch = errors.New("funding currency differs from donation currency")

	// ErrLockHeld is returned by a non-blocking lock acquisition when the lock
	// is already held. On the release path this signals a genuine
	// confirm-vs-release race on one donation and must be propagated to the
	// caller, never retried internally.
	ErrLockHeld = errors.New("lock already held")

	// ErrFundingMissing is returned when a withdrawal references a funding the
	// repository cannot find. Ledger corruption; Terminal.
	ErrFundingMissing = errors.New("funding referenced by withdrawal not found")
)

// =============================================================================
// RETRYABLE - Transient faults safe to retry from scratch
// =============================================================================

// RetryableError marks a transient infrastructure fault. The enclosing
// allocate/release call may be retried in full; no partial state survives it.
type RetryableError struct {
	Op  string
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%s: retryable: %v", e.Op, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err as a RetryableError.
func Retryable(op string, err error) error {
	return &RetryableError{Op: op, Err: err}
}

// IsRetryable reports whether the whole operation is safe to retry.
func IsRetryable(err error) bool {
	var r *RetryableError
	return errors.As(err, &r)
}

// =============================================================================
// LEDGER WRITE FAILURE - Store committed, durable flush failed
// =============================================================================

// LedgerWriteError reports that match funds were committed to the
// authoritative store but the durable ledger write failed. By the time this
// error is observed the Allocator has already instructed the store to release
// everything allocated in the failing call, so the conservation invariant
// holds; the error is fatal for the operation because the donation ends up
// unmatched despite funds having been momentarily claimed.
type LedgerWriteError struct {
	DonationID  DonationID
	Compensated Money
	Err         error
}

func (e *LedgerWriteError) Error() string {
	return fmt.Sprintf("ledger write failed after funds committed for donation %s (compensated %s): %v",
		e.DonationID, e.Compensated, e.Err)
}

func (e *LedgerWriteError) Unwrap() error { return e.Err }
