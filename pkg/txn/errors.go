package txn

import "errors"

var (
	ErrTxnNotActive   = errors.New("repldb: txn not active")
	ErrTxnTerminated  = errors.New("repldb: txn already terminated")
	ErrUnknownCommand = errors.New("repldb: unknown oplog command")
)
