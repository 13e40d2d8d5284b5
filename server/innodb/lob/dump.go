package lob

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zhukovaskychina/xmysql-lob/logger"
	"github.com/zhukovaskychina/xmysql-lob/server/innodb/storage/store/pages"
)

const dumpPreview = 16

// Dump 打印对象头和前 pageLimit 个数据页(<=0 表示全部). 遇到损坏的页时打印错误后停止遍历,
// 只有对象打不开时才返回错误.
func (e *Engine) Dump(ctx context.Context, loid LOID, w io.Writer, pageLimit int) error {
	release, err := e.lock(ctx, loid, LockShared)
	if err != nil {
		return err
	}
	defer release()

	m := newMtr(e.cache, e.opts.SpaceID)
	defer m.rollback()
	o, err := e.open(m, loid, true)
	if err != nil {
		return err
	}

	r := o.root
	fmt.Fprintf(w, "LOID %s\n", loid)
	fmt.Fprintf(w, "  length:      %d\n", r.Length)
	fmt.Fprintf(w, "  pages:       %d (first %s, last %s)\n", r.PageCount, pageRef(r.First), pageRef(r.Last))
	fmt.Fprintf(w, "  packed:      %v\n", r.Packed())
	fmt.Fprintf(w, "  destroyed:   %v\n", r.Tombstone())
	fmt.Fprintf(w, "  owner:       %d\n", r.OwnerOID)
	fmt.Fprintf(w, "  length hint: %d\n", r.LengthHint)
	fmt.Fprintf(w, "  last lsn:    %d\n", r.LastLSN)

	var offset int64
	shown := 0
	err = o.walk(func(st PageStat) error {
		if pageLimit > 0 && shown >= pageLimit {
			return nil
		}
		shown++
		preview := ""
		if err := o.m.view(st.PageNo, func(p pages.Page) error {
			d := p.Data()
			if len(d) > dumpPreview {
				d = d[:dumpPreview]
			}
			preview = hex.EncodeToString(d)
			return nil
		}); err != nil {
			return err
		}
		fmt.Fprintf(w, "  page %-6d offset %-10d used %-6d prev %-6s next %-6s lsn %-8d %s\n",
			st.PageNo, offset, st.Used, pageRef(st.Prev), pageRef(st.Next), st.LSN, preview)
		offset += int64(st.Used)
		return nil
	})
	if err != nil {
		logger.Warnf("dump %s: %v", loid, err)
		fmt.Fprintf(w, "  !! %v\n", err)
		return nil
	}
	if pageLimit > 0 && int(r.PageCount) > shown {
		fmt.Fprintf(w, "  ... %d more pages\n", int(r.PageCount)-shown)
	}
	return nil
}

func pageRef(no uint32) string {
	if no == pages.FilNull {
		return "-"
	}
	return fmt.Sprint(no)
}
