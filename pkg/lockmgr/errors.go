package lockmgr

import (
	"fmt"

	"github.com/mnohosten/reldb/pkg/txn"
)

// AbortReason is a typed reason the lock manager aborts a transaction
// for, distinguished by value rather than by matching error strings.
type AbortReason int

const (
	LockOnShrinking AbortReason = iota
	LockSharedOnReadUncommitted
	AttemptedIntentionLockOnRow
	TableLockNotPresent
	TableUnlockedBeforeUnlockingRows
	AttemptedUnlockButNoLockHeld
	IncompatibleUpgrade
	UpgradeConflict
)

func (r AbortReason) String() string {
	switch r {
	case LockOnShrinking:
		return "LOCK_ON_SHRINKING"
	case LockSharedOnReadUncommitted:
		return "LOCK_SHARED_ON_READ_UNCOMMITTED"
	case AttemptedIntentionLockOnRow:
		return "ATTEMPTED_INTENTION_LOCK_ON_ROW"
	case TableLockNotPresent:
		return "TABLE_LOCK_NOT_PRESENT"
	case TableUnlockedBeforeUnlockingRows:
		return "TABLE_UNLOCKED_BEFORE_UNLOCKING_ROWS"
	case AttemptedUnlockButNoLockHeld:
		return "ATTEMPTED_UNLOCK_BUT_NO_LOCK_HELD"
	case IncompatibleUpgrade:
		return "INCOMPATIBLE_UPGRADE"
	case UpgradeConflict:
		return "UPGRADE_CONFLICT"
	default:
		return "UNKNOWN_ABORT_REASON"
	}
}

// AbortError is raised when the lock manager aborts a transaction; the
// transaction's state has already been set to ABORTED by the time this
// is returned. Callers use errors.As to recover the Reason rather than
// matching on the error string.
type AbortError struct {
	TxnID  txn.TxnID
	Reason AbortReason
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("transaction %d aborted: %s", e.TxnID, e.Reason)
}
