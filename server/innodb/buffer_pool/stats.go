package buffer_pool

import (
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// BufferPoolStats 缓冲池统计信息
type BufferPoolStats struct {
	// 页面统计
	TotalPages    int64
	ResidentPages int64
	DirtyPages    int64

	// 命中率统计
	PageRequests int64
	PageHits     int64
	PageMisses   int64

	// IO统计
	PageReads     int64
	PageWrites    int64
	PageEvictions int64

	// 刷新统计
	FlushRequests  int64
	FlushSuccesses int64
	FlushFailures  int64

	LastResetTime time.Time
}

// NewBufferPoolStats 创建新的统计对象
func NewBufferPoolStats() *BufferPoolStats {
	return &BufferPoolStats{
		LastResetTime: time.Now(),
	}
}

// RecordPageRequest 记录页面请求
func (s *BufferPoolStats) RecordPageRequest(hit bool) {
	atomic.AddInt64(&s.PageRequests, 1)
	if hit {
		atomic.AddInt64(&s.PageHits, 1)
	} else {
		atomic.AddInt64(&s.PageMisses, 1)
	}
}

// RecordFlush 记录刷新统计
func (s *BufferPoolStats) RecordFlush(success bool, pages int) {
	atomic.AddInt64(&s.FlushRequests, 1)
	if success {
		atomic.AddInt64(&s.FlushSuccesses, 1)
		atomic.AddInt64(&s.PageWrites, int64(pages))
	} else {
		atomic.AddInt64(&s.FlushFailures, 1)
	}
}

// Snapshot 复制一份当前统计
func (s *BufferPoolStats) Snapshot() BufferPoolStats {
	return BufferPoolStats{
		TotalPages:     atomic.LoadInt64(&s.TotalPages),
		ResidentPages:  atomic.LoadInt64(&s.ResidentPages),
		DirtyPages:     atomic.LoadInt64(&s.DirtyPages),
		PageRequests:   atomic.LoadInt64(&s.PageRequests),
		PageHits:       atomic.LoadInt64(&s.PageHits),
		PageMisses:     atomic.LoadInt64(&s.PageMisses),
		PageReads:      atomic.LoadInt64(&s.PageReads),
		PageWrites:     atomic.LoadInt64(&s.PageWrites),
		PageEvictions:  atomic.LoadInt64(&s.PageEvictions),
		FlushRequests:  atomic.LoadInt64(&s.FlushRequests),
		FlushSuccesses: atomic.LoadInt64(&s.FlushSuccesses),
		FlushFailures:  atomic.LoadInt64(&s.FlushFailures),
		LastResetTime:  s.LastResetTime,
	}
}

// GetHitRatio 获取命中率
func (s *BufferPoolStats) GetHitRatio() float64 {
	requests := atomic.LoadInt64(&s.PageRequests)
	if requests == 0 {
		return 0
	}
	hits := atomic.LoadInt64(&s.PageHits)
	return float64(hits) / float64(requests)
}

// HitRatioPercent 命中率百分比, 保留两位小数
func (s *BufferPoolStats) HitRatioPercent() string {
	requests := atomic.LoadInt64(&s.PageRequests)
	if requests == 0 {
		return "0.00"
	}
	hits := decimal.NewFromInt(atomic.LoadInt64(&s.PageHits))
	return hits.Mul(decimal.NewFromInt(100)).
		DivRound(decimal.NewFromInt(requests), 2).StringFixed(2)
}

// Reset 重置计数, 页面数量保持不变
func (s *BufferPoolStats) Reset() {
	atomic.StoreInt64(&s.PageRequests, 0)
	atomic.StoreInt64(&s.PageHits, 0)
	atomic.StoreInt64(&s.PageMisses, 0)
	atomic.StoreInt64(&s.PageReads, 0)
	atomic.StoreInt64(&s.PageWrites, 0)
	atomic.StoreInt64(&s.PageEvictions, 0)
	atomic.StoreInt64(&s.FlushRequests, 0)
	atomic.StoreInt64(&s.FlushSuccesses, 0)
	atomic.StoreInt64(&s.FlushFailures, 0)
	s.LastResetTime = time.Now()
}
