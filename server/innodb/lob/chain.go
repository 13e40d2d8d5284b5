package lob

import (
	"github.com/zhukovaskychina/xmysql-lob/server/innodb/storage/store/pages"
)

// object 一个已打开的大对象: 对象头的内存副本加上所在的mtr.
// 链表操作只维护页面和 root 的 First/Last/PageCount, Length 由各个操作自己维护;
// 对象头在 saveRoot 时写回首页.
type object struct {
	m    *mtr
	loid LOID
	root pages.LOBRoot
	cap  int
}

type pageInfo struct {
	prev uint32
	next uint32
	used int
}

func (o *object) checkOwned(no uint32, p pages.Page) error {
	if p.Type() != pages.FIL_PAGE_TYPE_LOB_DATA {
		return corruptionf("%s: page %d has type %s", o.loid, no, p.Type())
	}
	if p.Owner() != o.loid.PageNo || p.OwnerSerial() != o.loid.Serial {
		return corruptionf("%s: page %d belongs to root %d serial %d", o.loid, no, p.Owner(), p.OwnerSerial())
	}
	if used := p.Used(); used <= 0 || used > len(p.Payload()) {
		return corruptionf("%s: page %d used %d", o.loid, no, used)
	}
	return nil
}

func (o *object) info(no uint32) (pageInfo, error) {
	var pi pageInfo
	err := o.m.view(no, func(p pages.Page) error {
		if err := o.checkOwned(no, p); err != nil {
			return err
		}
		pi = pageInfo{prev: p.Prev(), next: p.Next(), used: p.Used()}
		return nil
	})
	return pi, err
}

// data 复制页面上的对象字节
func (o *object) data(no uint32) ([]byte, pageInfo, error) {
	var (
		pi  pageInfo
		buf []byte
	)
	err := o.m.view(no, func(p pages.Page) error {
		if err := o.checkOwned(no, p); err != nil {
			return err
		}
		pi = pageInfo{prev: p.Prev(), next: p.Next(), used: p.Used()}
		buf = append([]byte(nil), p.Data()...)
		return nil
	})
	return buf, pi, err
}

func (o *object) setData(no uint32, d []byte) error {
	return o.m.modify(no, func(p pages.Page) {
		copy(p.Payload(), d)
		p.SetUsed(len(d))
	})
}

func (o *object) saveRoot() error {
	return o.m.modify(o.loid.PageNo, func(p pages.Page) {
		o.root.Write(p)
	})
}

// locate 找到逻辑偏移 offset 所在的页和页内偏移.
// offset 落在页边界时返回后一页的0偏移; offset == L 时返回最后一页和它的已用字节数.
// 空对象返回 FilNull.
func (o *object) locate(offset int64) (uint32, int, error) {
	if o.root.Length == 0 || o.root.First == pages.FilNull {
		if o.root.Length != 0 || o.root.First != pages.FilNull {
			return pages.FilNull, 0, corruptionf("%s: length %d with first page %d", o.loid, o.root.Length, o.root.First)
		}
		return pages.FilNull, 0, nil
	}
	if offset > int64(o.root.Length)/2 {
		return o.locateBackward(offset)
	}

	no := o.root.First
	remaining := offset
	for steps := uint32(0); ; steps++ {
		if no == pages.FilNull || steps >= o.root.PageCount {
			return pages.FilNull, 0, corruptionf("%s: chain ends before offset %d", o.loid, offset)
		}
		pi, err := o.info(no)
		if err != nil {
			return pages.FilNull, 0, err
		}
		used := int64(pi.used)
		if remaining < used || (remaining == used && pi.next == pages.FilNull) {
			return no, int(remaining), nil
		}
		remaining -= used
		no = pi.next
	}
}

func (o *object) locateBackward(offset int64) (uint32, int, error) {
	no := o.root.Last
	end := int64(o.root.Length)
	for steps := uint32(0); ; steps++ {
		if no == pages.FilNull || steps >= o.root.PageCount {
			return pages.FilNull, 0, corruptionf("%s: chain ends before offset %d walking backward", o.loid, offset)
		}
		pi, err := o.info(no)
		if err != nil {
			return pages.FilNull, 0, err
		}
		start := end - int64(pi.used)
		if start < 0 {
			return pages.FilNull, 0, corruptionf("%s: pages hold more than length %d", o.loid, o.root.Length)
		}
		if offset >= start {
			return no, int(offset - start), nil
		}
		end = start
		no = pi.prev
	}
}

// insertAfter 在 after 之后插入一个装有 d 的新页; after 为 FilNull 时插入到链表头
func (o *object) insertAfter(after uint32, d []byte) (uint32, error) {
	next := o.root.First
	if after != pages.FilNull {
		pi, err := o.info(after)
		if err != nil {
			return pages.FilNull, err
		}
		next = pi.next
	}
	no, err := o.m.alloc(func(p pages.Page, id pages.PageID) {
		p.InitLOBData(id, o.loid.PageNo, o.loid.Serial)
		copy(p.Payload(), d)
		p.SetUsed(len(d))
		p.SetPrev(after)
		p.SetNext(next)
	})
	if err != nil {
		return pages.FilNull, err
	}
	if after != pages.FilNull {
		if err := o.m.modify(after, func(p pages.Page) { p.SetNext(no) }); err != nil {
			return pages.FilNull, err
		}
	} else {
		o.root.First = no
	}
	if next != pages.FilNull {
		if err := o.m.modify(next, func(p pages.Page) { p.SetPrev(no) }); err != nil {
			return pages.FilNull, err
		}
	} else {
		o.root.Last = no
	}
	o.root.PageCount++
	return no, nil
}

// unlink 从链表中摘除一页, 页面在mtr提交时回收
func (o *object) unlink(no uint32) error {
	pi, err := o.info(no)
	if err != nil {
		return err
	}
	if pi.prev != pages.FilNull {
		if err := o.m.modify(pi.prev, func(p pages.Page) { p.SetNext(pi.next) }); err != nil {
			return err
		}
	} else {
		o.root.First = pi.next
	}
	if pi.next != pages.FilNull {
		if err := o.m.modify(pi.next, func(p pages.Page) { p.SetPrev(pi.prev) }); err != nil {
			return err
		}
	} else {
		o.root.Last = pi.prev
	}
	o.root.PageCount--
	o.m.free(no)
	return nil
}

// freeFrom 回收从 no 开始直到链尾的所有页, 返回回收的页数. 不修改前一页的 next.
func (o *object) freeFrom(no uint32) (uint32, error) {
	var n uint32
	for no != pages.FilNull {
		if n >= o.root.PageCount {
			return n, corruptionf("%s: more than %d pages in chain", o.loid, o.root.PageCount)
		}
		pi, err := o.info(no)
		if err != nil {
			return n, err
		}
		o.m.free(no)
		n++
		no = pi.next
	}
	return n, nil
}
