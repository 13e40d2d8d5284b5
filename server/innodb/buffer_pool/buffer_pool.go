package buffer_pool

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-lob/logger"
	"github.com/zhukovaskychina/xmysql-lob/server/innodb/latch"
	"github.com/zhukovaskychina/xmysql-lob/server/innodb/storage/space"
	"github.com/zhukovaskychina/xmysql-lob/server/innodb/storage/store/pages"
)

// WAL 刷脏页之前必须先把日志刷到页面LSN(write-ahead)
type WAL interface {
	FlushUpTo(ctx context.Context, lsn uint64) error
}

// BufferPoolConfig contains configuration for buffer pool
type BufferPoolConfig struct {
	// Capacity 帧数量
	Capacity int
	PageSize int

	// YoungListPercent LRU中young段所占比例
	YoungListPercent float64

	WAL WAL
}

// BufferPool 页面缓存. 以 PageID 为键, 帧按LRU淘汰, 只淘汰干净且未被引用的帧.
type BufferPool struct {
	mu sync.Mutex

	config    BufferPoolConfig
	spaces    map[uint32]space.Space
	arena     map[pages.PageID]*BufferPage
	lru       *lruList
	free      []*BufferPage
	allocated int

	dirtyPages int64
	stats      *BufferPoolStats
}

// NewBufferPool creates a new buffer pool
func NewBufferPool(config BufferPoolConfig) (*BufferPool, error) {
	if config.Capacity < 2 {
		return nil, errors.Wrapf(ErrInvalidConfig, "capacity %d", config.Capacity)
	}
	if config.PageSize <= pages.FileHeaderSize+pages.FileTrailerSize {
		return nil, errors.Wrapf(ErrInvalidConfig, "page size %d", config.PageSize)
	}
	bp := &BufferPool{
		config: config,
		spaces: make(map[uint32]space.Space),
		arena:  make(map[pages.PageID]*BufferPage, config.Capacity),
		lru:    newLRUList(config.YoungListPercent),
		stats:  NewBufferPoolStats(),
	}
	bp.stats.TotalPages = int64(config.Capacity)
	return bp, nil
}

// AddSpace 注册表空间, 页大小必须与缓冲池一致
func (bp *BufferPool) AddSpace(s space.Space) error {
	if s.PageSize() != bp.config.PageSize {
		return errors.Wrapf(ErrInvalidConfig, "space %d page size %d, pool page size %d",
			s.ID(), s.PageSize(), bp.config.PageSize)
	}
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.spaces[s.ID()] = s
	return nil
}

// Space 查找已注册的表空间
func (bp *BufferPool) Space(spaceID uint32) (space.Space, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.spaceLocked(spaceID)
}

func (bp *BufferPool) spaceLocked(spaceID uint32) (space.Space, error) {
	s, ok := bp.spaces[spaceID]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownSpace, "space %d", spaceID)
	}
	return s, nil
}

// PageSize 页大小
func (bp *BufferPool) PageSize() int { return bp.config.PageSize }

// frameLocked 取一个空帧: 先用空闲帧, 再按容量新建, 最后淘汰
func (bp *BufferPool) frameLocked() (*BufferPage, error) {
	if n := len(bp.free); n > 0 {
		f := bp.free[n-1]
		bp.free = bp.free[:n-1]
		return f, nil
	}
	if bp.allocated < bp.config.Capacity {
		bp.allocated++
		return newBufferPage(bp.config.PageSize), nil
	}
	victim := bp.lru.victim()
	if victim == nil {
		return nil, errors.Wrapf(ErrBufferPoolFull, "%d frames pinned or dirty", bp.config.Capacity)
	}
	bp.lru.remove(victim)
	delete(bp.arena, victim.id)
	atomic.AddInt64(&bp.stats.PageEvictions, 1)
	return victim, nil
}

// installLocked 帧内容由调用方准备好
func (bp *BufferPool) installLocked(f *BufferPage, id pages.PageID) {
	f.pin()
	bp.arena[id] = f
	bp.lru.add(f)
	atomic.StoreInt64(&bp.stats.ResidentPages, int64(len(bp.arena)))
}

// Fetch 读取并引用一个页面, 用完后必须 Unpin.
// 从磁盘读入时校验校验和与页号, 失败返回 ErrPageCorrupted.
func (bp *BufferPool) Fetch(id pages.PageID) (*BufferPage, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if f, ok := bp.arena[id]; ok {
		f.pin()
		bp.lru.touch(f)
		bp.stats.RecordPageRequest(true)
		return f, nil
	}
	bp.stats.RecordPageRequest(false)

	s, err := bp.spaceLocked(id.SpaceID)
	if err != nil {
		return nil, err
	}
	f, err := bp.frameLocked()
	if err != nil {
		return nil, NewError("fetch "+id.String(), err)
	}
	f.reset(id)
	if err := s.ReadPage(id.PageNo, f.content); err != nil {
		bp.free = append(bp.free, f)
		return nil, NewError("fetch "+id.String(), err)
	}
	atomic.AddInt64(&bp.stats.PageReads, 1)

	p := f.Page()
	if err := p.Verify(); err != nil {
		bp.free = append(bp.free, f)
		return nil, NewError("fetch "+id.String(), errors.Wrapf(ErrPageCorrupted, "%v", err))
	}
	if !p.IsZero() && p.PageNo() != id.PageNo {
		bp.free = append(bp.free, f)
		return nil, NewError("fetch "+id.String(),
			errors.Wrapf(ErrPageCorrupted, "header page no %d", p.PageNo()))
	}
	bp.installLocked(f, id)
	return f, nil
}

// NewPage 在表空间中分配最小的空闲页并放入缓冲池. 帧内容全零, 由调用方初始化.
func (bp *BufferPool) NewPage(spaceID uint32) (*BufferPage, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	s, err := bp.spaceLocked(spaceID)
	if err != nil {
		return nil, err
	}
	f, err := bp.frameLocked()
	if err != nil {
		return nil, NewError("new page", err)
	}
	pageNo, err := s.AllocatePage()
	if err != nil {
		bp.free = append(bp.free, f)
		return nil, err
	}
	id := pages.PageID{SpaceID: spaceID, PageNo: pageNo}
	if old, ok := bp.arena[id]; ok {
		// 回收过的页仍驻留在缓冲池中, 直接复用原帧
		bp.free = append(bp.free, f)
		bp.lru.remove(old)
		delete(bp.arena, id)
		bp.dropDirtyLocked(old)
		f = old
	}
	f.reset(id)
	bp.installLocked(f, id)
	return f, nil
}

// NewPageAt 分配指定页, 重做时用来得到与原先相同的页号
func (bp *BufferPool) NewPageAt(id pages.PageID) (*BufferPage, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	s, err := bp.spaceLocked(id.SpaceID)
	if err != nil {
		return nil, err
	}
	f, err := bp.frameLocked()
	if err != nil {
		return nil, NewError("new page "+id.String(), err)
	}
	if err := s.ClaimPage(id.PageNo); err != nil {
		bp.free = append(bp.free, f)
		return nil, err
	}
	if old, ok := bp.arena[id]; ok {
		bp.free = append(bp.free, f)
		bp.lru.remove(old)
		delete(bp.arena, id)
		bp.dropDirtyLocked(old)
		f = old
	}
	f.reset(id)
	bp.installLocked(f, id)
	return f, nil
}

func (bp *BufferPool) dropDirtyLocked(f *BufferPage) {
	if f.IsDirty() {
		f.clearDirty()
		atomic.AddInt64(&bp.dirtyPages, -1)
	}
}

// FreePage 把页面改写为 ALLOCATED 类型并归还给表空间. 帧保持为脏页,
// 下一次检查点把回收状态写到磁盘.
func (bp *BufferPool) FreePage(id pages.PageID, lsn uint64) error {
	f, err := bp.Fetch(id)
	if err != nil {
		return err
	}
	f.latch.Acquire(latch.Exclusive)
	p := f.Page()
	p.InitAllocated(id)
	p.SetLSN(lsn)
	f.latch.Release(latch.Exclusive)
	bp.MarkDirty(f, lsn)
	if err := bp.Unpin(f); err != nil {
		return err
	}

	s, err := bp.Space(id.SpaceID)
	if err != nil {
		return err
	}
	return s.FreePage(id.PageNo)
}

// Unpin 释放一次引用
func (bp *BufferPool) Unpin(f *BufferPage) error {
	if !f.unpin() {
		atomic.AddInt32(&f.pinCount, 1)
		return errors.Wrapf(ErrPageNotPinned, "page %s", f.id)
	}
	return nil
}

// MarkDirty 标记脏页, lsn 为0时只标记不推进页面LSN
func (bp *BufferPool) MarkDirty(f *BufferPage, lsn uint64) {
	if f.markDirty(lsn) {
		atomic.AddInt64(&bp.dirtyPages, 1)
	}
}

// DirtyPages 当前脏页数量
func (bp *BufferPool) DirtyPages() int {
	return int(atomic.LoadInt64(&bp.dirtyPages))
}

// DirtyRatio 脏页占容量的比例
func (bp *BufferPool) DirtyRatio() float64 {
	return float64(atomic.LoadInt64(&bp.dirtyPages)) / float64(bp.config.Capacity)
}

// Stats 统计快照
func (bp *BufferPool) Stats() BufferPoolStats {
	atomic.StoreInt64(&bp.stats.DirtyPages, atomic.LoadInt64(&bp.dirtyPages))
	return bp.stats.Snapshot()
}

// IsResident 页面是否在缓冲池中
func (bp *BufferPool) IsResident(id pages.PageID) bool {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	_, ok := bp.arena[id]
	return ok
}

// FlushAll 把所有脏页作为一批写入各自的表空间. 先把日志刷到最大的页面LSN,
// 再计算校验和写盘. 调用方保证期间没有正在进行的修改.
func (bp *BufferPool) FlushAll(ctx context.Context) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	var dirty []*BufferPage
	var maxLSN uint64
	for _, f := range bp.arena {
		if f.IsDirty() {
			dirty = append(dirty, f)
			if lsn := f.GetLSN(); lsn > maxLSN {
				maxLSN = lsn
			}
		}
	}
	if len(dirty) == 0 {
		return nil
	}
	if bp.config.WAL != nil && maxLSN > 0 {
		if err := bp.config.WAL.FlushUpTo(ctx, maxLSN); err != nil {
			bp.stats.RecordFlush(false, 0)
			return errors.Wrap(err, "flush log before pages")
		}
	}

	batches := make(map[uint32]map[uint32][]byte)
	for _, f := range dirty {
		f.latch.Acquire(latch.Exclusive)
		f.Page().Stamp()
		img := append([]byte(nil), f.content...)
		f.latch.Release(latch.Exclusive)

		b, ok := batches[f.id.SpaceID]
		if !ok {
			b = make(map[uint32][]byte)
			batches[f.id.SpaceID] = b
		}
		b[f.id.PageNo] = img
	}

	ids := make([]uint32, 0, len(batches))
	for id := range batches {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		s, err := bp.spaceLocked(id)
		if err != nil {
			bp.stats.RecordFlush(false, 0)
			return err
		}
		if err := s.WriteBatch(batches[id]); err != nil {
			bp.stats.RecordFlush(false, 0)
			return errors.Wrapf(ErrFlushFailed, "space %d: %v", id, err)
		}
	}

	for _, f := range dirty {
		bp.dropDirtyLocked(f)
	}
	bp.stats.RecordFlush(true, len(dirty))
	logger.Debugf("flushed %d dirty pages up to lsn %d", len(dirty), maxLSN)
	return nil
}
