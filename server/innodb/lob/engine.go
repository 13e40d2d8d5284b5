// Package lob implements the large object manager: byte addressed objects
// stored as doubly linked chains of pages, with every mutation logged so it can
// be redone or undone after a crash.
package lob

import (
	"context"
	"math"
	"sync"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/xmysql-lob/logger"
	lobctx "github.com/zhukovaskychina/xmysql-lob/server/innodb/context"
	"github.com/zhukovaskychina/xmysql-lob/server/innodb/geometry"
	"github.com/zhukovaskychina/xmysql-lob/server/innodb/storage/store/pages"
)

// Options 引擎选项
type Options struct {
	// SpaceID 对象所在的表空间
	SpaceID uint32
	// PayloadLimit 每个数据页最多存放的字节数, 0 表示页的全部负载区
	PayloadLimit int
	// SyncCommit 每个操作返回前把日志刷到该操作的LSN
	SyncCommit bool
}

// Engine 大对象操作入口.
//
// 修改类操作(包括重做和撤销)在 mu 下串行执行, 页面分配的顺序与日志顺序一致,
// 重放日志时 create 记录中的首页页号一定还是空闲的. 读操作不经过 mu.
type Engine struct {
	geo    *geometry.Geometry
	cache  PageCache
	log    LogWriter
	locker Locker
	opts   Options

	capacity int
	mu       sync.Mutex
}

// NewEngine 创建引擎, 页缓存中必须已经注册了 opts.SpaceID 对应的表空间
func NewEngine(geo *geometry.Geometry, cache PageCache, log LogWriter, locker Locker, opts Options) (*Engine, error) {
	s, err := cache.Space(opts.SpaceID)
	if err != nil {
		return nil, errors.Annotatef(err, "space %d", opts.SpaceID)
	}
	if s.PageSize() != geo.PageSize() {
		return nil, errors.Errorf("space %d page size %d does not match configured page size %d",
			opts.SpaceID, s.PageSize(), geo.PageSize())
	}
	capacity := geo.PayloadSize()
	if opts.PayloadLimit > 0 && opts.PayloadLimit < capacity {
		capacity = opts.PayloadLimit
	}
	if locker == nil {
		locker = NopLocker{}
	}
	logger.Debugf("lob engine: space %d, page size %d, page capacity %d", opts.SpaceID, geo.PageSize(), capacity)
	return &Engine{
		geo:      geo,
		cache:    cache,
		log:      log,
		locker:   locker,
		opts:     opts,
		capacity: capacity,
	}, nil
}

// Capacity 每个数据页存放的字节数
func (e *Engine) Capacity() int { return e.capacity }

// Geometry 页面几何配置
func (e *Engine) Geometry() *geometry.Geometry { return e.geo }

func (e *Engine) lock(ctx context.Context, loid LOID, mode LockMode) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.locker.Acquire(ctx, loid, mode)
}

// open 读取并校验对象头
func (e *Engine) open(m *mtr, loid LOID, allowTombstone bool) (*object, error) {
	if loid.SpaceID != e.opts.SpaceID || loid.PageNo == 0 || loid.PageNo == pages.FilNull {
		return nil, notFoundf("%s", loid)
	}
	o := &object{m: m, loid: loid, cap: e.capacity}
	err := m.view(loid.PageNo, func(p pages.Page) error {
		if p.Type() != pages.FIL_PAGE_TYPE_LOB_FIRST {
			return notFoundf("%s: page %d is %s", loid, loid.PageNo, p.Type())
		}
		root, err := pages.ReadLOBRoot(p)
		if err != nil {
			return corruptionf("%s: %v", loid, err)
		}
		if root.Serial != loid.Serial {
			return notFoundf("%s: root page holds serial %d", loid, root.Serial)
		}
		if root.Tombstone() && !allowTombstone {
			return notFoundf("%s: destroyed", loid)
		}
		o.root = root
		return nil
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// mutate 执行一次修改: 加X锁, 打开对象, 执行 fn, 记日志, 提交mtr.
// fn 返回 nil Op 表示没有任何修改, 不记日志.
func (e *Engine) mutate(ctx context.Context, loid LOID, fn func(o *object) (Op, error)) (*object, error) {
	release, err := e.lock(ctx, loid, LockExclusive)
	if err != nil {
		return nil, err
	}
	defer release()

	e.mu.Lock()
	defer e.mu.Unlock()

	m := newMtr(e.cache, e.opts.SpaceID)
	o, err := e.open(m, loid, false)
	if err != nil {
		m.rollback()
		return nil, err
	}
	op, err := fn(o)
	if err != nil {
		m.rollback()
		return nil, err
	}
	if op == nil {
		m.rollback()
		return o, nil
	}
	if _, err := e.logAndCommit(ctx, m, o, op); err != nil {
		return nil, err
	}
	return o, nil
}

// logAndCommit 写对象头, 追加日志记录, 把LSN写入对象头和所有修改过的页后提交mtr
func (e *Engine) logAndCommit(ctx context.Context, m *mtr, o *object, op Op) (uint64, error) {
	if err := o.saveRoot(); err != nil {
		m.rollback()
		return 0, err
	}
	rec := Record{
		TrxID:   lobctx.TrxIDFromContext(ctx),
		PrevLSN: o.root.LastLSN,
		LOID:    o.loid,
		Op:      op,
	}
	lsn, err := e.log.AppendRecord(ctx, rec.TrxID, uint8(op.Kind()), rec.Encode())
	if err != nil {
		m.rollback()
		return 0, errors.Wrapf(err, ErrIO, "append %s record for %s: %v", op.Kind(), o.loid, err)
	}
	o.root.LastLSN = lsn
	if err := o.saveRoot(); err != nil {
		m.rollback()
		return 0, err
	}
	if err := m.commit(lsn); err != nil {
		return lsn, err
	}
	if e.opts.SyncCommit {
		if err := e.log.FlushUpTo(ctx, lsn); err != nil {
			return lsn, errors.Wrapf(err, ErrIO, "flush log to %d: %v", lsn, err)
		}
	}
	return lsn, nil
}

func checkOffset(offset, length int64) error {
	if offset < 0 || length < 0 {
		return invalidRangef("offset %d, length %d", offset, length)
	}
	if offset > math.MaxInt64-length {
		return invalidRangef("offset %d + length %d overflows", offset, length)
	}
	return nil
}

// Create 创建对象并写入初始内容. lengthHint 是预计的最终长度, 表空间容纳不下时返回 ErrOutOfSpace.
func (e *Engine) Create(ctx context.Context, initial []byte, lengthHint int64, ownerOID uint64) (LOID, error) {
	if lengthHint < 0 {
		return NilLOID, invalidRangef("length hint %d", lengthHint)
	}
	if err := ctx.Err(); err != nil {
		return NilLOID, err
	}
	s, err := e.cache.Space(e.opts.SpaceID)
	if err != nil {
		return NilLOID, classify(err, "space %d", e.opts.SpaceID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	size := int64(len(initial))
	if lengthHint > size {
		size = lengthHint
	}
	need := (size+int64(e.capacity)-1)/int64(e.capacity) + 1
	if free, bounded := s.FreePages(); bounded && need > int64(free) {
		return NilLOID, errors.Annotatef(ErrOutOfSpace, "object of %d bytes needs %d pages, %d free", size, need, free)
	}

	m := newMtr(e.cache, e.opts.SpaceID)
	serial := s.NextSerial()
	root := pages.LOBRoot{
		Serial:     serial,
		First:      pages.FilNull,
		Last:       pages.FilNull,
		OwnerOID:   ownerOID,
		LengthHint: uint64(lengthHint),
	}
	root.SetPacked(true)
	no, err := m.alloc(func(p pages.Page, id pages.PageID) {
		p.InitLOBRoot(id, root)
	})
	if err != nil {
		m.rollback()
		return NilLOID, err
	}
	loid := LOID{SpaceID: e.opts.SpaceID, PageNo: no, Serial: serial}
	o := &object{m: m, loid: loid, root: root, cap: e.capacity}
	if err := o.appendBytes(initial); err != nil {
		m.rollback()
		return NilLOID, err
	}
	op := &CreateOp{Hint: uint64(lengthHint), OwnerOID: ownerOID, Data: append([]byte(nil), initial...)}
	if _, err := e.logAndCommit(ctx, m, o, op); err != nil {
		return NilLOID, err
	}
	logger.Debugf("created large object %s: %d bytes in %d pages", loid, o.root.Length, o.root.PageCount)
	return loid, nil
}

// Destroy 回收所有数据页并把对象标记为已销毁. 首页要等事务提交后由 Purge 回收,
// 在此之前回滚可以恢复对象.
func (e *Engine) Destroy(ctx context.Context, loid LOID) error {
	_, err := e.mutate(ctx, loid, func(o *object) (Op, error) {
		before, err := o.read(0, int(o.root.Length))
		if err != nil {
			return nil, err
		}
		op := &DestroyOp{Before: before, Hint: o.root.LengthHint, OwnerOID: o.root.OwnerOID}
		return op, op.redo(o)
	})
	return err
}

// Purge 回收已销毁对象的首页, 之后 LOID 永久失效. 记录不属于任何事务, 不会被撤销.
func (e *Engine) Purge(ctx context.Context, loid LOID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	m := newMtr(e.cache, e.opts.SpaceID)
	o, err := e.open(m, loid, true)
	if err != nil {
		m.rollback()
		return err
	}
	if !o.root.Tombstone() {
		m.rollback()
		return errors.Errorf("%s is not destroyed", loid)
	}
	op := &PurgeOp{}
	if err := op.redo(o); err != nil {
		m.rollback()
		return err
	}
	_, err = e.logAndCommit(lobctx.WithTrxID(ctx, 0), m, o, op)
	return err
}

// Length 当前长度
func (e *Engine) Length(ctx context.Context, loid LOID) (int64, error) {
	info, err := e.Info(ctx, loid)
	if err != nil {
		return 0, err
	}
	return info.Length, nil
}

// ObjectInfo 对象头的只读视图
type ObjectInfo struct {
	LOID       LOID
	Length     int64
	PageCount  int
	Packed     bool
	OwnerOID   uint64
	LengthHint int64
	LastLSN    uint64
}

// Info 读取对象头
func (e *Engine) Info(ctx context.Context, loid LOID) (ObjectInfo, error) {
	release, err := e.lock(ctx, loid, LockShared)
	if err != nil {
		return ObjectInfo{}, err
	}
	defer release()

	m := newMtr(e.cache, e.opts.SpaceID)
	defer m.rollback()
	o, err := e.open(m, loid, false)
	if err != nil {
		return ObjectInfo{}, err
	}
	return ObjectInfo{
		LOID:       loid,
		Length:     int64(o.root.Length),
		PageCount:  int(o.root.PageCount),
		Packed:     o.root.Packed(),
		OwnerOID:   o.root.OwnerOID,
		LengthHint: int64(o.root.LengthHint),
		LastLSN:    o.root.LastLSN,
	}, nil
}

// Read 从 offset 开始读入 rd 的 AreaSize 字节, 结果截断到对象末尾; offset > L 返回 ErrNotFound
func (e *Engine) Read(ctx context.Context, loid LOID, offset int64, rd *RecDes) (int, error) {
	area, err := rd.area()
	if err != nil {
		return 0, err
	}
	if err := checkOffset(offset, int64(len(area))); err != nil {
		return 0, err
	}
	release, err := e.lock(ctx, loid, LockShared)
	if err != nil {
		return 0, err
	}
	defer release()

	m := newMtr(e.cache, e.opts.SpaceID)
	defer m.rollback()
	o, err := e.open(m, loid, false)
	if err != nil {
		return 0, err
	}
	length := int64(o.root.Length)
	if offset > length {
		return 0, notFoundf("%s: offset %d beyond length %d", loid, offset, length)
	}
	n := len(area)
	if int64(n) > length-offset {
		n = int(length - offset)
	}
	b, err := o.read(offset, n)
	if err != nil {
		return 0, err
	}
	copy(area, b)
	rd.Length = len(b)
	return len(b), nil
}

// Write 覆盖 [offset, offset+len), 可以延长对象; offset > L 时中间补零
func (e *Engine) Write(ctx context.Context, loid LOID, offset int64, rd *RecDes) (int64, error) {
	data, err := rd.input()
	if err != nil {
		return 0, err
	}
	if err := checkOffset(offset, int64(len(data))); err != nil {
		return 0, err
	}
	o, err := e.mutate(ctx, loid, func(o *object) (Op, error) {
		if len(data) == 0 {
			return nil, nil
		}
		length := int64(o.root.Length)
		at, payload := offset, data
		if at > length {
			payload = concat(make([]byte, at-length), data)
			at = length
		}
		overlap := minInt(len(payload), int(length-at))
		before, err := o.read(at, overlap)
		if err != nil {
			return nil, err
		}
		op := &WriteOp{Offset: uint64(at), Data: append([]byte(nil), payload...), OldLength: uint64(length), Before: before}
		return op, op.redo(o)
	})
	if err != nil {
		return 0, err
	}
	return int64(o.root.Length), nil
}

// Insert 在 offset 处插入, 后面的字节整体后移
func (e *Engine) Insert(ctx context.Context, loid LOID, offset int64, rd *RecDes) (int64, error) {
	data, err := rd.input()
	if err != nil {
		return 0, err
	}
	if err := checkOffset(offset, int64(len(data))); err != nil {
		return 0, err
	}
	o, err := e.mutate(ctx, loid, func(o *object) (Op, error) {
		if offset > int64(o.root.Length) {
			return nil, invalidRangef("%s: insert at %d beyond length %d", o.loid, offset, o.root.Length)
		}
		if len(data) == 0 {
			return nil, nil
		}
		op := &InsertOp{Offset: uint64(offset), Data: append([]byte(nil), data...)}
		return op, op.redo(o)
	})
	if err != nil {
		return 0, err
	}
	return int64(o.root.Length), nil
}

// Delete 删除 [offset, offset+length), 后面的字节前移
func (e *Engine) Delete(ctx context.Context, loid LOID, offset, length int64) (int64, error) {
	if err := checkOffset(offset, length); err != nil {
		return 0, err
	}
	o, err := e.mutate(ctx, loid, func(o *object) (Op, error) {
		if offset+length > int64(o.root.Length) {
			return nil, invalidRangef("%s: delete [%d, %d) beyond length %d", o.loid, offset, offset+length, o.root.Length)
		}
		if length == 0 {
			return nil, nil
		}
		before, err := o.read(offset, int(length))
		if err != nil {
			return nil, err
		}
		op := &DeleteOp{Offset: uint64(offset), Before: before}
		return op, op.redo(o)
	})
	if err != nil {
		return 0, err
	}
	return int64(o.root.Length), nil
}

// Append 追加到末尾
func (e *Engine) Append(ctx context.Context, loid LOID, rd *RecDes) (int64, error) {
	data, err := rd.input()
	if err != nil {
		return 0, err
	}
	o, err := e.mutate(ctx, loid, func(o *object) (Op, error) {
		if len(data) == 0 {
			return nil, nil
		}
		if o.root.Length > math.MaxInt64-uint64(len(data)) {
			return nil, invalidRangef("%s: append of %d bytes overflows", o.loid, len(data))
		}
		op := &AppendOp{Data: append([]byte(nil), data...), OldLength: o.root.Length}
		return op, op.redo(o)
	})
	if err != nil {
		return 0, err
	}
	return int64(o.root.Length), nil
}

// Truncate 把长度截到 offset, 回收多余的尾部页
func (e *Engine) Truncate(ctx context.Context, loid LOID, offset int64) (int64, error) {
	if err := checkOffset(offset, 0); err != nil {
		return 0, err
	}
	o, err := e.mutate(ctx, loid, func(o *object) (Op, error) {
		length := int64(o.root.Length)
		if offset > length {
			return nil, invalidRangef("%s: truncate to %d beyond length %d", o.loid, offset, length)
		}
		if offset == length {
			return nil, nil
		}
		before, err := o.read(offset, int(length-offset))
		if err != nil {
			return nil, err
		}
		op := &TruncateOp{Offset: uint64(offset), Before: before}
		return op, op.redo(o)
	})
	if err != nil {
		return 0, err
	}
	return int64(o.root.Length), nil
}

// Compress 压实链表, 使除最后一页外所有页都是满的. 长度不变.
func (e *Engine) Compress(ctx context.Context, loid LOID) error {
	_, err := e.mutate(ctx, loid, func(o *object) (Op, error) {
		if o.root.Packed() {
			return nil, nil
		}
		op := &CompressOp{}
		return op, op.redo(o)
	})
	return err
}
