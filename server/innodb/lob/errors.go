package lob

import (
	"fmt"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/xmysql-lob/server/innodb/buffer_pool"
	"github.com/zhukovaskychina/xmysql-lob/server/innodb/storage/space"
)

// 大对象操作的错误类别, 用 errors.Cause 判断
var (
	ErrInvalidRange = errors.New("invalid offset or length")
	ErrNotFound     = errors.New("large object not found")
	ErrOutOfSpace   = errors.New("out of space")
	ErrIO           = errors.New("page io error")
	ErrCorruption   = errors.New("large object chain corrupted")
)

func IsInvalidRange(err error) bool { return ErrorKind(err) == ErrInvalidRange }
func IsNotFound(err error) bool     { return ErrorKind(err) == ErrNotFound }
func IsOutOfSpace(err error) bool   { return ErrorKind(err) == ErrOutOfSpace }
func IsIO(err error) bool           { return ErrorKind(err) == ErrIO }
func IsCorruption(err error) bool   { return ErrorKind(err) == ErrCorruption }

// ErrorKind 返回错误所属的类别, 不属于任何类别时返回 nil
func ErrorKind(err error) error {
	for i := 0; err != nil && i < 16; i++ {
		cause := errors.Cause(err)
		switch cause {
		case ErrInvalidRange, ErrNotFound, ErrOutOfSpace, ErrIO, ErrCorruption:
			return cause
		}
		if u, ok := err.(interface{ Unwrap() error }); ok {
			err = u.Unwrap()
			continue
		}
		if cause == err {
			return nil
		}
		err = cause
	}
	return nil
}

func invalidRangef(format string, args ...interface{}) error {
	return errors.Annotatef(ErrInvalidRange, format, args...)
}

func notFoundf(format string, args ...interface{}) error {
	return errors.Annotatef(ErrNotFound, format, args...)
}

func corruptionf(format string, args ...interface{}) error {
	return errors.Annotatef(ErrCorruption, format, args...)
}

// classify 把页缓存和表空间的错误归入大对象的错误类别
func classify(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if ErrorKind(err) != nil {
		return errors.Trace(err)
	}
	msg := fmt.Sprintf(format, args...)
	switch {
	case buffer_pool.IsCorrupted(err):
		return errors.Wrapf(err, ErrCorruption, "%s: %v", msg, err)
	case buffer_pool.IsBufferPoolFull(err), space.IsSpaceFull(err):
		return errors.Wrapf(err, ErrOutOfSpace, "%s: %v", msg, err)
	default:
		return errors.Wrapf(err, ErrIO, "%s: %v", msg, err)
	}
}
