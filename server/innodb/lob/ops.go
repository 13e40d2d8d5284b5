package lob

import (
	"github.com/zhukovaskychina/xmysql-lob/server/innodb/storage/store/pages"
)

// 本文件中的函数只做链表上的字节搬移, 参数已经校验过; 加锁、记日志和mtr的提交由 Engine 负责.

func concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// read 复制 [offset, offset+n), 调用方保证不越过 L
func (o *object) read(offset int64, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	if n == 0 {
		return out, nil
	}
	no, intra, err := o.locate(offset)
	if err != nil {
		return nil, err
	}
	for len(out) < n {
		if no == pages.FilNull {
			return nil, corruptionf("%s: chain ends while reading %d bytes at %d", o.loid, n, offset)
		}
		d, pi, err := o.data(no)
		if err != nil {
			return nil, err
		}
		take := minInt(len(d)-intra, n-len(out))
		out = append(out, d[intra:intra+take]...)
		no, intra = pi.next, 0
	}
	return out, nil
}

// appendBytes 先填满最后一页, 剩余部分按容量切成新页
func (o *object) appendBytes(d []byte) error {
	total := len(d)
	if total == 0 {
		return nil
	}
	if last := o.root.Last; last != pages.FilNull {
		cur, _, err := o.data(last)
		if err != nil {
			return err
		}
		if room := o.cap - len(cur); room > 0 {
			n := minInt(room, len(d))
			if err := o.setData(last, concat(cur, d[:n])); err != nil {
				return err
			}
			d = d[n:]
		}
	}
	for len(d) > 0 {
		n := minInt(o.cap, len(d))
		if _, err := o.insertAfter(o.root.Last, d[:n]); err != nil {
			return err
		}
		d = d[n:]
	}
	o.root.Length += uint64(total)
	return nil
}

// writeAt 原地覆盖 [offset, L) 部分, 超出的部分追加. offset <= L.
func (o *object) writeAt(offset int64, d []byte) error {
	overlap := minInt(len(d), int(int64(o.root.Length)-offset))
	if overlap > 0 {
		no, intra, err := o.locate(offset)
		if err != nil {
			return err
		}
		rest := d[:overlap]
		for len(rest) > 0 {
			if no == pages.FilNull {
				return corruptionf("%s: chain ends while overwriting at %d", o.loid, offset)
			}
			cur, pi, err := o.data(no)
			if err != nil {
				return err
			}
			n := minInt(len(cur)-intra, len(rest))
			copy(cur[intra:], rest[:n])
			if err := o.setData(no, cur); err != nil {
				return err
			}
			rest = rest[n:]
			no, intra = pi.next, 0
		}
	}
	return o.appendBytes(d[overlap:])
}

// insertAt 在 offset 处插入 d. 所在页被重建为 head+d+tail, 超出容量的部分作为进位
// 依次并入后面的页, 整页的进位直接插入新页; offset 之前的字节不动.
func (o *object) insertAt(offset int64, d []byte) error {
	if len(d) == 0 {
		return nil
	}
	if offset == int64(o.root.Length) {
		return o.appendBytes(d)
	}
	no, intra, err := o.locate(offset)
	if err != nil {
		return err
	}
	cur, _, err := o.data(no)
	if err != nil {
		return err
	}
	content := concat(cur[:intra], d, cur[intra:])
	if len(content) <= o.cap {
		if err := o.setData(no, content); err != nil {
			return err
		}
		o.root.Length += uint64(len(d))
		return nil
	}
	if err := o.setData(no, content[:o.cap]); err != nil {
		return err
	}
	carry := content[o.cap:]
	after := no
	for {
		for len(carry) >= o.cap {
			if after, err = o.insertAfter(after, carry[:o.cap]); err != nil {
				return err
			}
			carry = carry[o.cap:]
		}
		if len(carry) == 0 {
			break
		}
		ai, err := o.info(after)
		if err != nil {
			return err
		}
		if ai.next == pages.FilNull {
			if _, err := o.insertAfter(after, carry); err != nil {
				return err
			}
			break
		}
		next, _, err := o.data(ai.next)
		if err != nil {
			return err
		}
		merged := concat(carry, next)
		if len(merged) <= o.cap {
			if err := o.setData(ai.next, merged); err != nil {
				return err
			}
			break
		}
		if err := o.setData(ai.next, merged[:o.cap]); err != nil {
			return err
		}
		carry = merged[o.cap:]
		after = ai.next
	}
	o.root.Length += uint64(len(d))
	return nil
}

// deleteRange 删除 [offset, offset+n). 整页被删的页摘除, 其余页就地删除,
// 留下的非末尾未满页只清除 packed 标志, 由 compress 负责重新压实.
func (o *object) deleteRange(offset int64, n int64) error {
	if n == 0 {
		return nil
	}
	no, intra, err := o.locate(offset)
	if err != nil {
		return err
	}
	type trimmed struct {
		no   uint32
		used int
	}
	var kept []trimmed
	for remaining := n; remaining > 0; {
		if no == pages.FilNull {
			return corruptionf("%s: chain ends while deleting %d bytes at %d", o.loid, n, offset)
		}
		cur, pi, err := o.data(no)
		if err != nil {
			return err
		}
		k := len(cur) - intra
		if int64(k) > remaining {
			k = int(remaining)
		}
		if intra == 0 && k == len(cur) {
			if err := o.unlink(no); err != nil {
				return err
			}
		} else {
			rest := concat(cur[:intra], cur[intra+k:])
			if err := o.setData(no, rest); err != nil {
				return err
			}
			kept = append(kept, trimmed{no: no, used: len(rest)})
		}
		remaining -= int64(k)
		no, intra = pi.next, 0
	}
	o.root.Length -= uint64(n)
	for _, t := range kept {
		if t.no != o.root.Last && t.used < o.cap {
			o.root.SetPacked(false)
		}
	}
	return nil
}

// truncateTo 丢弃 [offset, L) 并回收不再使用的尾部页. offset < L.
func (o *object) truncateTo(offset int64) error {
	if offset == 0 {
		if _, err := o.freeFrom(o.root.First); err != nil {
			return err
		}
		o.root.First, o.root.Last = pages.FilNull, pages.FilNull
		o.root.PageCount = 0
		o.root.Length = 0
		o.root.SetPacked(true)
		return nil
	}
	no, intra, err := o.locate(offset)
	if err != nil {
		return err
	}
	cur, pi, err := o.data(no)
	if err != nil {
		return err
	}
	newLast, start := pi.prev, no
	if intra > 0 {
		if err := o.setData(no, cur[:intra]); err != nil {
			return err
		}
		newLast, start = no, pi.next
	}
	freed, err := o.freeFrom(start)
	if err != nil {
		return err
	}
	if newLast == pages.FilNull {
		return corruptionf("%s: no page before offset %d", o.loid, offset)
	}
	if err := o.m.modify(newLast, func(p pages.Page) { p.SetNext(pages.FilNull) }); err != nil {
		return err
	}
	o.root.Last = newLast
	o.root.PageCount -= freed
	o.root.Length = uint64(offset)
	return nil
}

// compress 双指针压实: dst 跳过满页, 从后一页头部拉取字节补满自己, 拉空的页被摘除
func (o *object) compress() error {
	limit := 2*o.root.PageCount + 1
	dst := o.root.First
	for steps := uint32(0); dst != pages.FilNull; steps++ {
		if steps > limit {
			return corruptionf("%s: compress did not terminate within %d steps", o.loid, limit)
		}
		d, pi, err := o.data(dst)
		if err != nil {
			return err
		}
		if len(d) >= o.cap {
			dst = pi.next
			continue
		}
		if pi.next == pages.FilNull {
			break
		}
		src, _, err := o.data(pi.next)
		if err != nil {
			return err
		}
		k := minInt(o.cap-len(d), len(src))
		if err := o.setData(dst, concat(d, src[:k])); err != nil {
			return err
		}
		if k == len(src) {
			err = o.unlink(pi.next)
		} else {
			err = o.setData(pi.next, src[k:])
		}
		if err != nil {
			return err
		}
	}
	o.root.SetPacked(true)
	return nil
}
