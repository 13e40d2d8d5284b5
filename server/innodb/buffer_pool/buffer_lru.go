package buffer_pool

import (
	"container/list"
)

// lruList 分为young和old两段的LRU链表. 新读入的页先进入old段头部,
// 再次被访问时才提升到young段, 一次性扫描不会冲掉热点页.
// 所有方法都由缓冲池的锁保护.
type lruList struct {
	young *list.List
	old   *list.List

	youngPercent float64
}

func newLRUList(youngPercent float64) *lruList {
	if youngPercent <= 0 || youngPercent >= 1 {
		youngPercent = 0.625
	}
	return &lruList{
		young:        list.New(),
		old:          list.New(),
		youngPercent: youngPercent,
	}
}

func (l *lruList) Len() int {
	return l.young.Len() + l.old.Len()
}

// add 新页插入old段头部
func (l *lruList) add(bp *BufferPage) {
	bp.elem = l.old.PushFront(bp)
	bp.young = false
}

// touch 命中时调用: old段的页提升到young段, young段的页移到头部
func (l *lruList) touch(bp *BufferPage) {
	if bp.elem == nil {
		l.add(bp)
		return
	}
	if bp.young {
		l.young.MoveToFront(bp.elem)
		return
	}
	l.old.Remove(bp.elem)
	bp.elem = l.young.PushFront(bp)
	bp.young = true
	l.rebalance()
}

// rebalance young段超过配额时把尾部降级到old段头部
func (l *lruList) rebalance() {
	limit := int(float64(l.Len()) * l.youngPercent)
	if limit < 1 {
		limit = 1
	}
	for l.young.Len() > limit {
		e := l.young.Back()
		bp := l.young.Remove(e).(*BufferPage)
		bp.elem = l.old.PushFront(bp)
		bp.young = false
	}
}

func (l *lruList) remove(bp *BufferPage) {
	if bp.elem == nil {
		return
	}
	if bp.young {
		l.young.Remove(bp.elem)
	} else {
		l.old.Remove(bp.elem)
	}
	bp.elem = nil
	bp.young = false
}

// victim 从old段尾部开始寻找可淘汰的帧: 未被引用且不是脏页
func (l *lruList) victim() *BufferPage {
	for _, seg := range []*list.List{l.old, l.young} {
		for e := seg.Back(); e != nil; e = e.Prev() {
			bp := e.Value.(*BufferPage)
			if bp.PinCount() == 0 && !bp.IsDirty() {
				return bp
			}
		}
	}
	return nil
}
