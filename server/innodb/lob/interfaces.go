package lob

import (
	"context"

	"github.com/zhukovaskychina/xmysql-lob/server/innodb/buffer_pool"
	"github.com/zhukovaskychina/xmysql-lob/server/innodb/storage/space"
	"github.com/zhukovaskychina/xmysql-lob/server/innodb/storage/store/pages"
)

// PageCache 页缓存. 取得的帧在 Unpin 之前不会被淘汰.
type PageCache interface {
	Fetch(id pages.PageID) (*buffer_pool.BufferPage, error)
	NewPage(spaceID uint32) (*buffer_pool.BufferPage, error)
	NewPageAt(id pages.PageID) (*buffer_pool.BufferPage, error)
	FreePage(id pages.PageID, lsn uint64) error
	Unpin(f *buffer_pool.BufferPage) error
	MarkDirty(f *buffer_pool.BufferPage, lsn uint64)
	Space(spaceID uint32) (space.Space, error)
}

// LogWriter 预写日志. AppendRecord 返回记录的LSN, kind 即记录的 Kind.
type LogWriter interface {
	AppendRecord(ctx context.Context, trxID uint64, kind uint8, payload []byte) (uint64, error)
	FlushUpTo(ctx context.Context, lsn uint64) error
}

// LockMode 对象锁模式
type LockMode uint8

const (
	LockShared LockMode = iota
	LockExclusive
)

func (m LockMode) String() string {
	if m == LockExclusive {
		return "X"
	}
	return "S"
}

// Locker 对象锁. 返回的 release 在操作结束时调用; 事务内加的锁由锁管理器保留到事务结束.
type Locker interface {
	Acquire(ctx context.Context, loid LOID, mode LockMode) (release func(), err error)
}

// NopLocker 不加锁, 单线程工具和测试使用
type NopLocker struct{}

func (NopLocker) Acquire(context.Context, LOID, LockMode) (func(), error) {
	return func() {}, nil
}
