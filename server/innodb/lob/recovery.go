package lob

import (
	"context"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/xmysql-lob/logger"
	"github.com/zhukovaskychina/xmysql-lob/server/innodb/storage/store/pages"
)

// 重做与撤销都以对象头中的 LastLSN 作为标记:
//   - 重做: LastLSN >= rec.LSN 说明修改已经在页上, 跳过
//   - 撤销: LastLSN == rec.LSN 才撤销, 之后 LastLSN 回到 rec.PrevLSN
// 两者都不加对象锁, 调用方(恢复流程或持有锁的事务回滚)保证没有并发修改.

// Redo 重放一条记录. 重做不写日志.
func (e *Engine) Redo(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	switch op := rec.Op.(type) {
	case *CreateOp:
		return e.redoCreate(rec, op)
	case *CompensationOp:
		return e.redoCompensation(rec, op)
	}

	m := newMtr(e.cache, e.opts.SpaceID)
	o, err := e.open(m, rec.LOID, true)
	if err != nil {
		m.rollback()
		return e.skipMissing("redo", rec, err)
	}
	if o.root.LastLSN >= rec.LSN {
		m.rollback()
		return nil
	}
	if err := rec.Op.redo(o); err != nil {
		m.rollback()
		return errors.Annotatef(err, "redo %s", rec)
	}
	return e.commitMarker(m, o, rec.LSN, rec.LSN, rec.Op.Kind() != KindPurge)
}

// redoCreate 首页已经存在且是同一个对象时跳过, 否则占用 LOID 中的页号重新创建
func (e *Engine) redoCreate(rec Record, op *CreateOp) error {
	s, err := e.cache.Space(e.opts.SpaceID)
	if err != nil {
		return classify(err, "space %d", e.opts.SpaceID)
	}
	m := newMtr(e.cache, e.opts.SpaceID)
	if s.IsAllocated(rec.LOID.PageNo) {
		o, err := e.open(m, rec.LOID, true)
		m.rollback()
		if err != nil {
			return corruptionf("redo %s: root page in use: %v", rec, err)
		}
		if o.root.LastLSN < rec.LSN {
			return corruptionf("redo %s: root exists with last lsn %d", rec, o.root.LastLSN)
		}
		return nil
	}

	root := pages.LOBRoot{
		Serial:     rec.LOID.Serial,
		First:      pages.FilNull,
		Last:       pages.FilNull,
		OwnerOID:   op.OwnerOID,
		LengthHint: op.Hint,
	}
	root.SetPacked(true)
	if err := m.claim(rec.LOID.PageNo, func(p pages.Page, id pages.PageID) {
		p.InitLOBRoot(id, root)
	}); err != nil {
		m.rollback()
		return err
	}
	s.ObserveSerial(rec.LOID.Serial)
	o := &object{m: m, loid: rec.LOID, root: root, cap: e.capacity}
	if err := op.redo(o); err != nil {
		m.rollback()
		return errors.Annotatef(err, "redo %s", rec)
	}
	return e.commitMarker(m, o, rec.LSN, rec.LSN, true)
}

// redoCompensation 被撤销的记录仍是对象上最新的修改时再撤销一次
func (e *Engine) redoCompensation(rec Record, op *CompensationOp) error {
	m := newMtr(e.cache, e.opts.SpaceID)
	o, err := e.open(m, rec.LOID, true)
	if err != nil {
		m.rollback()
		return e.skipMissing("redo", rec, err)
	}
	if o.root.LastLSN != op.Undone.LSN {
		m.rollback()
		return nil
	}
	if err := op.Undone.Op.undo(o); err != nil {
		m.rollback()
		return errors.Annotatef(err, "redo %s", rec)
	}
	return e.commitMarker(m, o, op.Undone.PrevLSN, rec.LSN, op.Undone.Op.Kind() != KindCreate)
}

// Undo 撤销一条记录并写入补偿记录. 补偿记录和 purge 记录不能撤销.
func (e *Engine) Undo(ctx context.Context, rec Record) error {
	switch rec.Op.Kind() {
	case KindCompensation, KindPurge:
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	m := newMtr(e.cache, e.opts.SpaceID)
	o, err := e.open(m, rec.LOID, true)
	if err != nil {
		m.rollback()
		if IsNotFound(err) && rec.Op.Kind() == KindCreate {
			return nil
		}
		return e.skipMissing("undo", rec, err)
	}
	switch {
	case o.root.LastLSN < rec.LSN:
		m.rollback()
		return nil
	case o.root.LastLSN > rec.LSN:
		m.rollback()
		return corruptionf("undo %s: object modified later at lsn %d", rec, o.root.LastLSN)
	}
	if err := rec.Op.undo(o); err != nil {
		m.rollback()
		return errors.Annotatef(err, "undo %s", rec)
	}
	o.root.LastLSN = rec.PrevLSN
	keepRoot := rec.Op.Kind() != KindCreate
	if keepRoot {
		if err := o.saveRoot(); err != nil {
			m.rollback()
			return err
		}
	}

	clr := Record{
		TrxID:   rec.TrxID,
		PrevLSN: rec.LSN,
		LOID:    rec.LOID,
		Op:      &CompensationOp{Undone: rec},
	}
	lsn, err := e.log.AppendRecord(ctx, clr.TrxID, uint8(KindCompensation), clr.Encode())
	if err != nil {
		m.rollback()
		return errors.Wrapf(err, ErrIO, "append compensation for %s: %v", rec, err)
	}
	if err := m.commit(lsn); err != nil {
		return err
	}
	if e.opts.SyncCommit {
		if err := e.log.FlushUpTo(ctx, lsn); err != nil {
			return errors.Wrapf(err, ErrIO, "flush log to %d: %v", lsn, err)
		}
	}
	logger.Debugf("undid %s, compensation lsn %d", rec, lsn)
	return nil
}

// commitMarker 把标记写入对象头, 以 pageLSN 提交mtr. 首页已被回收时不写对象头.
func (e *Engine) commitMarker(m *mtr, o *object, marker, pageLSN uint64, keepRoot bool) error {
	if keepRoot {
		o.root.LastLSN = marker
		if err := o.saveRoot(); err != nil {
			m.rollback()
			return err
		}
	}
	return m.commit(pageLSN)
}

func (e *Engine) skipMissing(what string, rec Record, err error) error {
	if IsNotFound(err) {
		logger.Warnf("%s %s: %v, skipped", what, rec, err)
		return nil
	}
	return err
}

// Freeze 在没有进行中的修改时执行 fn, 检查点用它得到一致的页面镜像
func (e *Engine) Freeze(fn func() error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn()
}
