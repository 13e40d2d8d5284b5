package lob

import (
	"context"

	"github.com/zhukovaskychina/xmysql-lob/logger"
	"github.com/zhukovaskychina/xmysql-lob/server/innodb/storage/store/pages"
)

// PageStat 链表中一页的概况
type PageStat struct {
	PageNo uint32
	Prev   uint32
	Next   uint32
	Used   int
	LSN    uint64
}

// walk 从头到尾遍历链表, 同时校验指针、页数和总长度
func (o *object) walk(visit func(st PageStat) error) error {
	var (
		count uint32
		total uint64
	)
	prev := pages.FilNull
	no := o.root.First
	seen := make(map[uint32]struct{}, o.root.PageCount)
	for no != pages.FilNull {
		if _, ok := seen[no]; ok {
			return corruptionf("%s: page %d appears twice in chain", o.loid, no)
		}
		seen[no] = struct{}{}
		if count >= o.root.PageCount {
			return corruptionf("%s: chain longer than page count %d", o.loid, o.root.PageCount)
		}
		var st PageStat
		err := o.m.view(no, func(p pages.Page) error {
			if err := o.checkOwned(no, p); err != nil {
				return err
			}
			st = PageStat{PageNo: no, Prev: p.Prev(), Next: p.Next(), Used: p.Used(), LSN: p.LSN()}
			return nil
		})
		if err != nil {
			return err
		}
		if st.Prev != prev {
			return corruptionf("%s: page %d prev is %d, expected %d", o.loid, no, st.Prev, prev)
		}
		if visit != nil {
			if err := visit(st); err != nil {
				return err
			}
		}
		count++
		total += uint64(st.Used)
		prev, no = no, st.Next
	}
	if prev != o.root.Last {
		return corruptionf("%s: chain ends at %d, header last is %d", o.loid, prev, o.root.Last)
	}
	if count != o.root.PageCount {
		return corruptionf("%s: %d pages in chain, header says %d", o.loid, count, o.root.PageCount)
	}
	if total != o.root.Length {
		return corruptionf("%s: pages hold %d bytes, length is %d", o.loid, total, o.root.Length)
	}
	return nil
}

// verify 校验链表, 标记为紧凑的对象还要求除最后一页外全部写满
func (o *object) verify() error {
	return o.walk(func(st PageStat) error {
		if st.Used > o.cap {
			return corruptionf("%s: page %d holds %d bytes, capacity %d", o.loid, st.PageNo, st.Used, o.cap)
		}
		if o.root.Packed() && st.Next != pages.FilNull && st.Used != o.cap {
			return corruptionf("%s: packed object has page %d with %d of %d bytes", o.loid, st.PageNo, st.Used, o.cap)
		}
		return nil
	})
}

// Verify 校验对象结构, 发现问题时返回 ErrCorruption
func (e *Engine) Verify(ctx context.Context, loid LOID) error {
	release, err := e.lock(ctx, loid, LockShared)
	if err != nil {
		return err
	}
	defer release()

	m := newMtr(e.cache, e.opts.SpaceID)
	defer m.rollback()
	o, err := e.open(m, loid, false)
	if err != nil {
		return err
	}
	return o.verify()
}

// Check 对象结构是否完好
func (e *Engine) Check(ctx context.Context, loid LOID) bool {
	if err := e.Verify(ctx, loid); err != nil {
		logger.Warnf("check %s: %v", loid, err)
		return false
	}
	return true
}

// Pages 按链表顺序列出对象的所有数据页
func (e *Engine) Pages(ctx context.Context, loid LOID) ([]PageStat, error) {
	release, err := e.lock(ctx, loid, LockShared)
	if err != nil {
		return nil, err
	}
	defer release()

	m := newMtr(e.cache, e.opts.SpaceID)
	defer m.rollback()
	o, err := e.open(m, loid, false)
	if err != nil {
		return nil, err
	}
	stats := make([]PageStat, 0, o.root.PageCount)
	err = o.walk(func(st PageStat) error {
		stats = append(stats, st)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}
