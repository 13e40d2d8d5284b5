package lob

import (
	"github.com/zhukovaskychina/xmysql-lob/logger"
	"github.com/zhukovaskychina/xmysql-lob/server/innodb/buffer_pool"
	"github.com/zhukovaskychina/xmysql-lob/server/innodb/latch"
	"github.com/zhukovaskychina/xmysql-lob/server/innodb/storage/store/pages"
)

// mtrPage 一次操作中被修改过的页. before 为第一次修改前的镜像, nil 表示本次新分配的页.
type mtrPage struct {
	frame  *buffer_pool.BufferPage
	before []byte
}

// mtr 一次大对象操作内的页面修改集合(mini-transaction).
//
// 被修改的页从第一次修改起保持引用直到 commit/rollback; 只读访问只在回调期间引用.
// 任何时刻最多持有一个页闩锁, 回调里不能再访问其他页.
// 页面回收推迟到 commit, 失败的操作通过 rollback 恢复所有前镜像并归还新分配的页.
type mtr struct {
	cache   PageCache
	spaceID uint32

	pages map[uint32]*mtrPage
	order []uint32
	frees []uint32
}

func newMtr(cache PageCache, spaceID uint32) *mtr {
	return &mtr{
		cache:   cache,
		spaceID: spaceID,
		pages:   make(map[uint32]*mtrPage),
	}
}

func (m *mtr) id(pageNo uint32) pages.PageID {
	return pages.PageID{SpaceID: m.spaceID, PageNo: pageNo}
}

// view 以共享闩锁读取页面
func (m *mtr) view(pageNo uint32, fn func(p pages.Page) error) error {
	if mp, ok := m.pages[pageNo]; ok {
		l := mp.frame.Latch()
		l.Acquire(latch.Shared)
		defer l.Release(latch.Shared)
		return fn(mp.frame.Page())
	}
	f, err := m.cache.Fetch(m.id(pageNo))
	if err != nil {
		return classify(err, "fetch page %d", pageNo)
	}
	defer m.cache.Unpin(f)
	l := f.Latch()
	l.Acquire(latch.Shared)
	defer l.Release(latch.Shared)
	return fn(f.Page())
}

// modify 以排他闩锁修改页面, 第一次修改时保存前镜像
func (m *mtr) modify(pageNo uint32, fn func(p pages.Page)) error {
	mp, ok := m.pages[pageNo]
	if !ok {
		f, err := m.cache.Fetch(m.id(pageNo))
		if err != nil {
			return classify(err, "fetch page %d", pageNo)
		}
		l := f.Latch()
		l.Acquire(latch.Shared)
		before := append([]byte(nil), f.Page()...)
		l.Release(latch.Shared)

		m.cache.MarkDirty(f, 0)
		mp = &mtrPage{frame: f, before: before}
		m.pages[pageNo] = mp
		m.order = append(m.order, pageNo)
	}
	l := mp.frame.Latch()
	l.Acquire(latch.Exclusive)
	fn(mp.frame.Page())
	l.Release(latch.Exclusive)
	return nil
}

func (m *mtr) track(f *buffer_pool.BufferPage, format func(p pages.Page, id pages.PageID)) uint32 {
	no := f.GetPageNo()
	m.cache.MarkDirty(f, 0)
	m.pages[no] = &mtrPage{frame: f}
	m.order = append(m.order, no)

	l := f.Latch()
	l.Acquire(latch.Exclusive)
	format(f.Page(), f.ID())
	l.Release(latch.Exclusive)
	return no
}

// alloc 分配页号最小的空闲页
func (m *mtr) alloc(format func(p pages.Page, id pages.PageID)) (uint32, error) {
	f, err := m.cache.NewPage(m.spaceID)
	if err != nil {
		return 0, classify(err, "allocate page")
	}
	return m.track(f, format), nil
}

// claim 分配指定页, 只在重做create时使用
func (m *mtr) claim(pageNo uint32, format func(p pages.Page, id pages.PageID)) error {
	f, err := m.cache.NewPageAt(m.id(pageNo))
	if err != nil {
		return classify(err, "claim page %d", pageNo)
	}
	m.track(f, format)
	return nil
}

// free 提交时回收
func (m *mtr) free(pageNo uint32) {
	m.frees = append(m.frees, pageNo)
}

// commit 把 lsn 写入所有修改过的页并释放引用, 然后回收页面
func (m *mtr) commit(lsn uint64) error {
	for _, no := range m.order {
		mp := m.pages[no]
		if lsn > 0 {
			l := mp.frame.Latch()
			l.Acquire(latch.Exclusive)
			mp.frame.Page().SetLSN(lsn)
			l.Release(latch.Exclusive)
		}
		m.cache.MarkDirty(mp.frame, lsn)
		if err := m.cache.Unpin(mp.frame); err != nil {
			logger.Errorf("mtr commit: unpin page %d: %v", no, err)
		}
	}
	var firstErr error
	for _, no := range m.frees {
		if err := m.cache.FreePage(m.id(no), lsn); err != nil {
			logger.Errorf("mtr commit: free page %d at lsn %d: %v", no, lsn, err)
			if firstErr == nil {
				firstErr = classify(err, "free page %d", no)
			}
		}
	}
	m.reset()
	return firstErr
}

// rollback 恢复前镜像, 归还本次分配的页
func (m *mtr) rollback() {
	var allocated []uint32
	for i := len(m.order) - 1; i >= 0; i-- {
		no := m.order[i]
		mp := m.pages[no]
		if mp.before == nil {
			allocated = append(allocated, no)
		} else {
			l := mp.frame.Latch()
			l.Acquire(latch.Exclusive)
			copy(mp.frame.Page(), mp.before)
			l.Release(latch.Exclusive)
		}
		if err := m.cache.Unpin(mp.frame); err != nil {
			logger.Errorf("mtr rollback: unpin page %d: %v", no, err)
		}
	}
	for _, no := range allocated {
		if err := m.cache.FreePage(m.id(no), 0); err != nil {
			logger.Errorf("mtr rollback: return page %d: %v", no, err)
		}
	}
	m.reset()
}

func (m *mtr) reset() {
	m.pages = make(map[uint32]*mtrPage)
	m.order = nil
	m.frees = nil
}
