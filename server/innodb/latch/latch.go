package latch

import "sync"

// Mode 闩锁模式
type Mode uint8

const (
	Shared Mode = iota
	Exclusive
)

func (m Mode) String() string {
	if m == Exclusive {
		return "X"
	}
	return "S"
}

// Latch 页面级的短期读写闩锁, 只在一次页面访问期间持有
type Latch struct {
	mu sync.RWMutex
}

// NewLatch 创建一个新的锁
func NewLatch() *Latch {
	return &Latch{}
}

// Acquire 按模式获取
func (l *Latch) Acquire(m Mode) {
	if m == Exclusive {
		l.mu.Lock()
		return
	}
	l.mu.RLock()
}

// Release 按模式释放, 必须与 Acquire 的模式一致
func (l *Latch) Release(m Mode) {
	if m == Exclusive {
		l.mu.Unlock()
		return
	}
	l.mu.RUnlock()
}

// Lock 获取写锁
func (l *Latch) Lock() {
	l.mu.Lock()
}

// Unlock 释放写锁
func (l *Latch) Unlock() {
	l.mu.Unlock()
}

// RLock 获取读锁
func (l *Latch) RLock() {
	l.mu.RLock()
}

// RUnlock 释放读锁
func (l *Latch) RUnlock() {
	l.mu.RUnlock()
}

// TryAcquire 尝试按模式获取
func (l *Latch) TryAcquire(m Mode) bool {
	if m == Exclusive {
		return l.mu.TryLock()
	}
	return l.mu.TryRLock()
}
