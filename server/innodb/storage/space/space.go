// Package space allocates and persists the pages of one large object space.
package space

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Space 页面的持久化与分配. 页面内容的缓存由缓冲池负责.
type Space interface {
	ID() uint32
	PageSize() int
	UUID() uuid.UUID

	// ReadPage 读取一页; 从未写过的页返回全零
	ReadPage(pageNo uint32, buf []byte) error
	// WriteBatch 原子地写入一批页面镜像(以及表空间头)
	WriteBatch(images map[uint32][]byte) error

	// AllocatePage 分配页号最小的空闲页
	AllocatePage() (uint32, error)
	// ClaimPage 分配指定页, 重做create时使用
	ClaimPage(pageNo uint32) error
	FreePage(pageNo uint32) error
	// FreePages 还能分配的页数; bounded 为 false 表示不受限
	FreePages() (n int, bounded bool)
	IsAllocated(pageNo uint32) bool

	NextSerial() uint32
	ObserveSerial(serial uint32)

	Sync() error
	Close() error
}

// allocator 记录高水位和高水位以下的空闲页; 总是分配最小的空闲页号,
// 相同的分配/回收序列在重放时得到相同的页号.
type allocator struct {
	mu         sync.Mutex
	size       uint32   // 高水位, 0号页为表空间头
	free       []uint32 // 升序
	maxPages   uint32   // 0 表示不限制
	nextSerial uint32
}

func newAllocator(maxPages uint32) *allocator {
	return &allocator{size: 1, maxPages: maxPages, nextSerial: 1}
}

func (a *allocator) AllocatePage() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.free) > 0 {
		pageNo := a.free[0]
		a.free = a.free[1:]
		return pageNo, nil
	}
	if a.maxPages > 0 && a.size >= a.maxPages {
		return 0, errors.Wrapf(ErrSpaceFull, "max pages %d", a.maxPages)
	}
	pageNo := a.size
	a.size++
	return pageNo, nil
}

func (a *allocator) freeIndex(pageNo uint32) (int, bool) {
	i := sort.Search(len(a.free), func(i int) bool { return a.free[i] >= pageNo })
	return i, i < len(a.free) && a.free[i] == pageNo
}

func (a *allocator) ClaimPage(pageNo uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if pageNo == 0 {
		return errors.Wrap(ErrPageInUse, "page 0 is the space header")
	}
	if pageNo < a.size {
		i, ok := a.freeIndex(pageNo)
		if !ok {
			return errors.Wrapf(ErrPageInUse, "page %d", pageNo)
		}
		a.free = append(a.free[:i], a.free[i+1:]...)
		return nil
	}
	if a.maxPages > 0 && pageNo >= a.maxPages {
		return errors.Wrapf(ErrSpaceFull, "page %d beyond max pages %d", pageNo, a.maxPages)
	}
	for p := a.size; p < pageNo; p++ {
		a.free = append(a.free, p)
	}
	a.size = pageNo + 1
	return nil
}

func (a *allocator) FreePage(pageNo uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if pageNo == 0 || pageNo >= a.size {
		return errors.Wrapf(ErrPageNotAllocated, "page %d", pageNo)
	}
	i, ok := a.freeIndex(pageNo)
	if ok {
		return errors.Wrapf(ErrPageNotAllocated, "page %d freed twice", pageNo)
	}
	a.free = append(a.free, 0)
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = pageNo
	return nil
}

func (a *allocator) IsAllocated(pageNo uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if pageNo == 0 || pageNo >= a.size {
		return false
	}
	_, free := a.freeIndex(pageNo)
	return !free
}

func (a *allocator) FreePages() (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.maxPages == 0 {
		return len(a.free), false
	}
	return int(a.maxPages-a.size) + len(a.free), true
}

func (a *allocator) NextSerial() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.nextSerial
	a.nextSerial++
	return s
}

func (a *allocator) ObserveSerial(serial uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if serial >= a.nextSerial {
		a.nextSerial = serial + 1
	}
}

func (a *allocator) clone() *allocator {
	a.mu.Lock()
	defer a.mu.Unlock()
	return &allocator{
		size:       a.size,
		free:       append([]uint32(nil), a.free...),
		maxPages:   a.maxPages,
		nextSerial: a.nextSerial,
	}
}
