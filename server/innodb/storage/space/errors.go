package space

import (
	"github.com/pkg/errors"
)

var (
	ErrSpaceFull        = errors.New("tablespace is full")
	ErrPageInUse        = errors.New("page is already allocated")
	ErrPageNotAllocated = errors.New("page is not allocated")
	ErrPageSizeMismatch = errors.New("page size does not match tablespace header")
	ErrInvalidHeader    = errors.New("invalid tablespace header")
	ErrSpaceClosed      = errors.New("tablespace is closed")
)

// IsSpaceFull 检查是否为表空间已满错误
func IsSpaceFull(err error) bool {
	return errors.Is(err, ErrSpaceFull)
}

// IsPageInUse 检查是否为页面已分配错误
func IsPageInUse(err error) bool {
	return errors.Is(err, ErrPageInUse)
}
