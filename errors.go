package bpstore

import (
	"errors"

	"bpstore/internal/base"
)

var (
	ErrDatabaseClosed = errors.New("database is closed")

	ErrInvalidKey      = base.ErrInvalidKey
	ErrValueTooLarge   = base.ErrValueTooLarge
	ErrCorruptPage     = base.ErrCorruptPage
	ErrCorruptFreeList = base.ErrCorruptFreeList
	ErrCorruptWAL      = base.ErrCorruptWAL
	ErrTruncatedChain  = base.ErrTruncatedChain
	ErrPoolExhausted   = base.ErrPoolExhausted
	ErrLockMisuse      = base.ErrLockMisuse
)
