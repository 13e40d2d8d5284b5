package manager

import (
	"github.com/pkg/errors"
)

// 日志管理器错误
var (
	ErrLogClosed          = errors.New("redo log closed")
	ErrLogCorrupted       = errors.New("redo log corrupted")
	ErrLogSpaceMismatch   = errors.New("redo log belongs to another space")
	ErrUnknownCompression = errors.New("unknown compression method")
)

// Transaction errors
var (
	ErrTxNotFound      = errors.New("transaction not found")
	ErrTxAlreadyExists = errors.New("transaction already exists")
)

// Lock manager errors
var (
	ErrLockTimeout      = errors.New("lock timeout")
	ErrDeadlockDetected = errors.New("deadlock detected")
)

// Storage manager errors
var (
	ErrManagerClosed = errors.New("storage manager closed")
	ErrNotRecovered  = errors.New("recovery has not run")
)

func IsLockTimeout(err error) bool      { return errors.Is(err, ErrLockTimeout) }
func IsDeadlock(err error) bool         { return errors.Is(err, ErrDeadlockDetected) }
func IsLogSpaceMismatch(err error) bool { return errors.Is(err, ErrLogSpaceMismatch) }
