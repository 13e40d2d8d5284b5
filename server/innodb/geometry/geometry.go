// Package geometry fixes the physical page size of a large object space and
// the number of payload bytes each page can hold.
package geometry

import (
	"runtime"
	"sync"

	"github.com/zhukovaskychina/xmysql-lob/logger"
	"github.com/zhukovaskychina/xmysql-lob/server/innodb/storage/store/pages"
)

const (
	MinPageSize     = 1024
	MaxPageSize     = 16384
	DefaultPageSize = 16384

	// NoChange 传给 SetPageSize 时返回当前值
	NoChange = -1

	// ReservedSize 每页的保留区: FIL头 + LOB头 + FIL尾
	ReservedSize = pages.ReservedSize
)

// Geometry 页面几何配置, 启动时设置一次, 之后只读
type Geometry struct {
	mu       sync.RWMutex
	pageSize int
	rounded  bool
}

// New 按请求的页大小创建配置, 请求值会被规整
func New(requested int) *Geometry {
	g := &Geometry{pageSize: DefaultPageSize}
	g.SetPageSize(requested)
	return g
}

func clamp(size int) int {
	if size < MinPageSize {
		return MinPageSize
	}
	if size > MaxPageSize {
		return MaxPageSize
	}
	return size
}

// Normalize 把请求值夹到 [MinPageSize, MaxPageSize], 不是2的幂时向上取到下一个2的幂.
// rounded 表示发生了取整.
func Normalize(requested int) (size int, rounded bool) {
	size = clamp(requested)
	if size&(size-1) == 0 {
		return size, false
	}
	// 反复去掉最低位的1, 只剩最高位, 再左移一位
	for size&(size-1) != 0 {
		size &= size - 1
	}
	size <<= 1
	return clamp(size), true
}

// SetPageSize 设置页大小并返回实际值; NoChange 返回当前值
func (g *Geometry) SetPageSize(requested int) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	if requested == NoChange {
		return g.pageSize
	}
	size, rounded := Normalize(requested)
	if rounded {
		logger.Warnf("page size %d is not a power of two, rounded up to %d", requested, size)
	}
	g.pageSize = size
	g.rounded = rounded
	return size
}

// PageSize 物理页大小
func (g *Geometry) PageSize() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.pageSize
}

// PayloadSize 每页可存放的对象字节数
func (g *Geometry) PayloadSize() int {
	return g.PageSize() - ReservedSize
}

// Rounded 最近一次设置是否发生了取整
func (g *Geometry) Rounded() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.rounded
}

// MaxPathLength 当前平台允许的最长文件路径
func MaxPathLength() int {
	switch runtime.GOOS {
	case "windows":
		return 260
	case "darwin", "ios", "freebsd", "netbsd", "openbsd":
		return 1024
	default:
		return 4096
	}
}
