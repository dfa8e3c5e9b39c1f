package txn

import "errors"

var (
	// ErrTransactionNotActive is returned by Commit/Abort when the
	// transaction has already reached a terminal state.
	ErrTransactionNotActive = errors.New("transaction is not active")

	// ErrUnknownTransaction is returned by TransactionManager.Get for an
	// id that was never issued by Begin.
	ErrUnknownTransaction = errors.New("unknown transaction id")
)
