package buffer_pool

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhukovaskychina/xmysql-lob/server/innodb/latch"
	"github.com/zhukovaskychina/xmysql-lob/server/innodb/storage/store/pages"
)

/*
BufferPage 缓冲池中的一个帧, 保存一个物理页的副本以及控制信息.

pinCount > 0 的帧不会被淘汰; 脏页在检查点刷盘之前同样不会被淘汰(no-steal),
磁盘上因此总是某个检查点时刻的一致状态.
页面内容的并发访问由帧上的 latch 保护, 控制字段由 mu 保护.
*/
type BufferPage struct {
	id      pages.PageID
	content []byte
	latch   *latch.Latch

	pinCount int32

	mu                 sync.RWMutex
	dirty              bool
	newestModification uint64
	oldestModification uint64
	accessTime         int64

	// LRU 链表位置, 由缓冲池的锁保护
	elem  *list.Element
	young bool
}

func newBufferPage(pageSize int) *BufferPage {
	return &BufferPage{
		content: make([]byte, pageSize),
		latch:   latch.NewLatch(),
	}
}

// ID 页面标识
func (bp *BufferPage) ID() pages.PageID { return bp.id }

// GetSpaceID 获取表空间ID
func (bp *BufferPage) GetSpaceID() uint32 { return bp.id.SpaceID }

// GetPageNo 获取页面号
func (bp *BufferPage) GetPageNo() uint32 { return bp.id.PageNo }

// Page 页面内容视图, 读写前需要持有 Latch
func (bp *BufferPage) Page() pages.Page { return pages.Page(bp.content) }

// Latch 帧闩锁
func (bp *BufferPage) Latch() *latch.Latch { return bp.latch }

// PinCount 当前引用计数
func (bp *BufferPage) PinCount() int32 { return atomic.LoadInt32(&bp.pinCount) }

func (bp *BufferPage) pin() {
	atomic.AddInt32(&bp.pinCount, 1)
	atomic.StoreInt64(&bp.accessTime, time.Now().UnixNano())
}

func (bp *BufferPage) unpin() bool {
	return atomic.AddInt32(&bp.pinCount, -1) >= 0
}

// GetLSN 最近一次修改的LSN
func (bp *BufferPage) GetLSN() uint64 {
	bp.mu.RLock()
	defer bp.mu.RUnlock()
	return bp.newestModification
}

// IsDirty 检查是否为脏页
func (bp *BufferPage) IsDirty() bool {
	bp.mu.RLock()
	defer bp.mu.RUnlock()
	return bp.dirty
}

func (bp *BufferPage) markDirty(lsn uint64) bool {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	wasDirty := bp.dirty
	bp.dirty = true
	if lsn > bp.newestModification {
		bp.newestModification = lsn
	}
	if !wasDirty || bp.oldestModification == 0 {
		bp.oldestModification = lsn
	}
	return !wasDirty
}

func (bp *BufferPage) clearDirty() {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.dirty = false
	bp.oldestModification = 0
}

// reset 帧被重新用于另一个页面
func (bp *BufferPage) reset(id pages.PageID) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.id = id
	bp.dirty = false
	bp.newestModification = 0
	bp.oldestModification = 0
	atomic.StoreInt32(&bp.pinCount, 0)
	for i := range bp.content {
		bp.content[i] = 0
	}
}
