package space

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-lob/server/innodb/storage/store/pages"
)

// MemorySpace 纯内存表空间, 用于测试以及临时对象
type MemorySpace struct {
	*allocator
	id       uint32
	pageSize int
	uuid     uuid.UUID

	mu     sync.RWMutex
	pages  map[uint32][]byte
	writes int
	// durable 最后一次 WriteBatch 时的分配状态, 相当于文件表空间的表空间头
	durable *allocator
}

// NewMemorySpace maxPages 为0时不限制页数
func NewMemorySpace(spaceID uint32, pageSize int, maxPages uint32) *MemorySpace {
	return &MemorySpace{
		allocator: newAllocator(maxPages),
		id:        spaceID,
		pageSize:  pageSize,
		uuid:      uuid.New(),
		pages:     make(map[uint32][]byte),
	}
}

func (s *MemorySpace) ID() uint32      { return s.id }
func (s *MemorySpace) PageSize() int   { return s.pageSize }
func (s *MemorySpace) UUID() uuid.UUID { return s.uuid }

func (s *MemorySpace) ReadPage(pageNo uint32, buf []byte) error {
	if len(buf) != s.pageSize {
		return errors.Wrapf(pages.ErrInvalidPageSize, "read page %d: buffer %d", pageNo, len(buf))
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if img, ok := s.pages[pageNo]; ok {
		copy(buf, img)
		return nil
	}
	for i := range buf {
		buf[i] = 0
	}
	return nil
}

func (s *MemorySpace) WriteBatch(images map[uint32][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pageNo, img := range images {
		if len(img) != s.pageSize {
			return errors.Wrapf(pages.ErrInvalidPageSize, "write page %d: image %d", pageNo, len(img))
		}
		s.pages[pageNo] = append([]byte(nil), img...)
	}
	s.writes++
	s.durable = s.allocator.clone()
	return nil
}

// Writes WriteBatch 调用次数
func (s *MemorySpace) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

// Clone 深拷贝页面与分配状态, 用来在测试里做快照
func (s *MemorySpace) Clone() *MemorySpace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := &MemorySpace{
		allocator: s.allocator.clone(),
		id:        s.id,
		pageSize:  s.pageSize,
		uuid:      s.uuid,
		pages:     make(map[uint32][]byte, len(s.pages)),
	}
	for no, img := range s.pages {
		c.pages[no] = append([]byte(nil), img...)
	}
	return c
}

// Crash 模拟崩溃后重新打开: 只保留已经写入的页面, 分配状态回到最后一次写入时
func (s *MemorySpace) Crash() *MemorySpace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := &MemorySpace{
		id:       s.id,
		pageSize: s.pageSize,
		uuid:     s.uuid,
		pages:    make(map[uint32][]byte, len(s.pages)),
	}
	if s.durable != nil {
		c.allocator = s.durable.clone()
		c.durable = s.durable.clone()
	} else {
		c.allocator = newAllocator(s.allocator.maxPages)
	}
	for no, img := range s.pages {
		c.pages[no] = append([]byte(nil), img...)
	}
	return c
}

func (s *MemorySpace) Sync() error  { return nil }
func (s *MemorySpace) Close() error { return nil }
