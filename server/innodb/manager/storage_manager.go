package manager

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-lob/logger"
	"github.com/zhukovaskychina/xmysql-lob/server/conf"
	"github.com/zhukovaskychina/xmysql-lob/server/innodb/buffer_pool"
	lobctx "github.com/zhukovaskychina/xmysql-lob/server/innodb/context"
	"github.com/zhukovaskychina/xmysql-lob/server/innodb/geometry"
	"github.com/zhukovaskychina/xmysql-lob/server/innodb/lob"
	"github.com/zhukovaskychina/xmysql-lob/server/innodb/storage/space"
	"github.com/zhukovaskychina/xmysql-lob/util"
)

// LOBSpaceID 大对象表空间的ID
const LOBSpaceID uint32 = 1

// trackingLog 引擎使用的日志: 写重做日志, 同时把事务内可撤销的记录交给撤销管理器
type trackingLog struct {
	redo *RedoLogManager
	undo *UndoLogManager
}

func (l *trackingLog) AppendRecord(ctx context.Context, trxID uint64, kind uint8, payload []byte) (uint64, error) {
	lsn, err := l.redo.AppendRecord(ctx, trxID, kind, payload)
	if err != nil {
		return 0, err
	}
	if !lobctx.IsRecovering(ctx) {
		l.undo.Append(UndoLogEntry{LSN: lsn, TrxID: trxID, Type: kind, Data: payload})
	}
	return lsn, nil
}

func (l *trackingLog) FlushUpTo(ctx context.Context, lsn uint64) error {
	return l.redo.FlushUpTo(ctx, lsn)
}

// StorageManager 组装大对象存储的各个部件: 表空间、缓冲池、重做日志、撤销跟踪、锁和引擎,
// 并提供事务、检查点和崩溃恢复.
type StorageManager struct {
	mu sync.RWMutex

	// 配置信息
	config *conf.Cfg

	geo         *geometry.Geometry
	space       space.Space
	bufferPool  *buffer_pool.BufferPool
	redo        *RedoLogManager
	undo        *UndoLogManager
	locks       *LockManager
	compression *CompressionManager
	engine      *lob.Engine

	nextTrxID     uint64
	txns          map[uint64]time.Time
	lastRecovery  *RecoveryResult
	checkpointing int32
	closed        bool

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// Open 打开(必要时创建)表空间和日志, 执行崩溃恢复
func Open(ctx context.Context, cfg *conf.Cfg) (*StorageManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	geo := geometry.New(cfg.PageSize)
	if err := util.EnsureDir(cfg.DataDir); err != nil {
		return nil, errors.Wrapf(err, "create data dir %s", cfg.DataDir)
	}
	method, err := ParseCompressionMethod(cfg.Compression)
	if err != nil {
		return nil, err
	}

	sp, err := space.OpenFileSpace(space.FileSpaceConfig{
		Path:        cfg.SpacePath(),
		SpaceID:     LOBSpaceID,
		PageSize:    geo.PageSize(),
		MaxPages:    cfg.MaxPages,
		Doublewrite: cfg.Doublewrite,
	})
	if err != nil {
		return nil, err
	}

	compression := NewCompressionManager(method, cfg.CompressionMinSavings)
	redo, err := NewRedoLogManager(LogConfig{
		LogDir:        cfg.RedoLogDir(),
		BufferSize:    cfg.LogBufferSize,
		FlushInterval: cfg.FlushInterval,
		SpaceUUID:     sp.UUID(),
	}, compression)
	if err != nil {
		sp.Close()
		return nil, err
	}

	sm, err := newStorageManager(cfg, geo, sp, redo, compression)
	if err != nil {
		redo.Close()
		sp.Close()
		return nil, err
	}
	if _, err := sm.Recover(ctx); err != nil {
		redo.Close()
		sp.Close()
		return nil, errors.Wrap(err, "recovery")
	}

	if cfg.FlushInterval > 0 {
		sm.wg.Add(1)
		go sm.backgroundCheckpoint(cfg.FlushInterval)
	}
	logger.Infof("storage manager opened: space %s (%s), page size %d, page capacity %d",
		cfg.SpacePath(), sp.UUID(), geo.PageSize(), sm.engine.Capacity())
	return sm, nil
}

func newStorageManager(cfg *conf.Cfg, geo *geometry.Geometry, sp space.Space, redo *RedoLogManager, compression *CompressionManager) (*StorageManager, error) {
	pool, err := buffer_pool.NewBufferPool(buffer_pool.BufferPoolConfig{
		Capacity:         cfg.BufferPoolPages,
		PageSize:         geo.PageSize(),
		YoungListPercent: 0.625,
		WAL:              redo,
	})
	if err != nil {
		return nil, err
	}
	if err := pool.AddSpace(sp); err != nil {
		return nil, err
	}

	undo := NewUndoLogManager()
	locks := NewLockManager(LockConfig{LockTimeout: cfg.LockTimeout})
	engine, err := lob.NewEngine(geo, pool, &trackingLog{redo: redo, undo: undo}, NewObjectLocker(locks), lob.Options{
		SpaceID:      sp.ID(),
		PayloadLimit: cfg.PayloadLimit,
		SyncCommit:   cfg.FlushLogAtCommit,
	})
	if err != nil {
		return nil, err
	}
	return &StorageManager{
		config:      cfg,
		geo:         geo,
		space:       sp,
		bufferPool:  pool,
		redo:        redo,
		undo:        undo,
		locks:       locks,
		compression: compression,
		engine:      engine,
		txns:        make(map[uint64]time.Time),
		stopChan:    make(chan struct{}),
	}, nil
}

// Engine 大对象引擎. 不带事务的调用各自提交.
func (sm *StorageManager) Engine() *lob.Engine { return sm.engine }

// SpaceUUID 表空间UUID
func (sm *StorageManager) SpaceUUID() uuid.UUID { return sm.space.UUID() }

// Begin 开始事务, 返回绑定了事务ID的 ctx
func (sm *StorageManager) Begin(ctx context.Context) (context.Context, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.closed {
		return nil, ErrManagerClosed
	}
	if sm.lastRecovery == nil {
		return nil, ErrNotRecovered
	}
	if lobctx.TrxIDFromContext(ctx) != 0 {
		return nil, errors.Wrapf(ErrTxAlreadyExists, "trx %d", lobctx.TrxIDFromContext(ctx))
	}
	trxID := atomic.AddUint64(&sm.nextTrxID, 1)
	if err := sm.undo.Begin(trxID); err != nil {
		return nil, err
	}
	sm.txns[trxID] = time.Now()
	logger.Debugf("trx %d started", trxID)
	return lobctx.WithTrxID(ctx, trxID), nil
}

func (sm *StorageManager) activeTrx(ctx context.Context) (uint64, error) {
	trxID := lobctx.TrxIDFromContext(ctx)
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if sm.closed {
		return 0, ErrManagerClosed
	}
	if _, ok := sm.txns[trxID]; !ok || trxID == 0 {
		return 0, errors.Wrapf(ErrTxNotFound, "trx %d", trxID)
	}
	return trxID, nil
}

// finish 写入事务结束记录, 清理撤销日志并释放锁
func (sm *StorageManager) finish(ctx context.Context, trxID uint64, kind uint8) error {
	lsn, err := sm.redo.AppendRecord(ctx, trxID, kind, nil)
	if err != nil {
		return err
	}
	if sm.config.FlushLogAtCommit {
		if err := sm.redo.FlushUpTo(ctx, lsn); err != nil {
			return err
		}
	}
	sm.undo.Cleanup(trxID)
	sm.locks.ReleaseLocks(trxID)
	sm.mu.Lock()
	delete(sm.txns, trxID)
	sm.mu.Unlock()
	return nil
}

// Commit 提交事务: 写提交记录, 回收事务销毁的对象的首页, 释放锁
func (sm *StorageManager) Commit(ctx context.Context) error {
	trxID, err := sm.activeTrx(ctx)
	if err != nil {
		return err
	}
	var destroyed []lob.LOID
	for _, e := range sm.undo.Entries(trxID) {
		if lob.Kind(e.Type) != lob.KindDestroy {
			continue
		}
		rec, err := lob.DecodeRecord(e.LSN, e.TrxID, e.Type, e.Data)
		if err != nil {
			return err
		}
		destroyed = append(destroyed, rec.LOID)
	}

	if err := sm.finish(ctx, trxID, LOG_TYPE_COMMIT); err != nil {
		return err
	}
	for _, loid := range destroyed {
		if err := sm.engine.Purge(ctx, loid); err != nil {
			// 恢复时会重新回收
			logger.Warnf("trx %d: purge %s: %v", trxID, loid, err)
		}
	}
	logger.Debugf("trx %d committed, %d objects purged", trxID, len(destroyed))
	sm.maybeCheckpoint(ctx)
	return nil
}

// Rollback 从新到旧撤销事务的修改(每条写一个补偿记录), 然后写回滚记录并释放锁
func (sm *StorageManager) Rollback(ctx context.Context) error {
	trxID, err := sm.activeTrx(ctx)
	if err != nil {
		return err
	}
	undone := 0
	err = sm.undo.Rollback(trxID, func(e UndoLogEntry) error {
		rec, err := lob.DecodeRecord(e.LSN, e.TrxID, e.Type, e.Data)
		if err != nil {
			return err
		}
		if err := sm.engine.Undo(ctx, rec); err != nil {
			return err
		}
		undone++
		return nil
	})
	if err != nil {
		logger.Errorf("trx %d rollback stopped after %d records: %v", trxID, undone, err)
		return err
	}
	if err := sm.finish(ctx, trxID, LOG_TYPE_ROLLBACK); err != nil {
		return err
	}
	logger.Debugf("trx %d rolled back, %d records undone", trxID, undone)
	sm.maybeCheckpoint(ctx)
	return nil
}

// Destroy 销毁对象. 不在事务中时立即回收首页.
func (sm *StorageManager) Destroy(ctx context.Context, loid lob.LOID) error {
	if err := sm.engine.Destroy(ctx, loid); err != nil {
		return err
	}
	if lobctx.TrxIDFromContext(ctx) == 0 {
		return sm.engine.Purge(ctx, loid)
	}
	return nil
}

// Checkpoint 在没有进行中的修改时把所有脏页写入表空间, 然后记录检查点
func (sm *StorageManager) Checkpoint(ctx context.Context) error {
	return sm.checkpointAt(ctx, 0)
}

// checkpointAt lsn 为0时取日志末尾; 调用方保证 lsn 之前的记录都已经在缓冲池中
func (sm *StorageManager) checkpointAt(ctx context.Context, lsn uint64) error {
	err := sm.engine.Freeze(func() error {
		if err := sm.bufferPool.FlushAll(ctx); err != nil {
			return err
		}
		if lsn == 0 {
			lsn = sm.redo.LastLSN()
		}
		return sm.redo.Checkpoint(lsn)
	})
	if err != nil {
		return errors.Wrap(err, "checkpoint")
	}
	logger.Infof("checkpoint at lsn %d", lsn)
	return nil
}

// MaybeCheckpoint 脏页比例超过配置时做一次检查点
func (sm *StorageManager) MaybeCheckpoint(ctx context.Context) error {
	if sm.bufferPool.DirtyRatio() <= sm.config.DirtyPageRatio {
		return nil
	}
	if !atomic.CompareAndSwapInt32(&sm.checkpointing, 0, 1) {
		return nil
	}
	defer atomic.StoreInt32(&sm.checkpointing, 0)
	return sm.Checkpoint(ctx)
}

func (sm *StorageManager) maybeCheckpoint(ctx context.Context) {
	if err := sm.MaybeCheckpoint(ctx); err != nil {
		logger.Errorf("automatic checkpoint: %v", err)
	}
}

func (sm *StorageManager) backgroundCheckpoint(interval time.Duration) {
	defer sm.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sm.maybeCheckpoint(context.Background())
		case <-sm.stopChan:
			return
		}
	}
}

// QuarantinedObject 恢复中发现损坏的对象, 之后的记录不再重放
type QuarantinedObject struct {
	LOID   lob.LOID
	Reason string
}

// RecoveryResult 一次恢复的结果
type RecoveryResult struct {
	CheckpointLSN uint64
	LastLSN       uint64
	Scanned       int
	Redone        int
	Losers        []uint64
	Undone        int
	Purged        []lob.LOID
	Quarantined   []QuarantinedObject
	Duration      time.Duration
}

// recoveryScan 一次日志扫描收集到的状态
type recoveryScan struct {
	committed  map[uint64]bool
	rolledBack map[uint64]bool
	records    map[uint64][]lob.Record
	destroys   map[uint64][]lob.LOID
	purged     map[lob.LOID]bool
	bad        map[lob.LOID]bool
	maxTrxID   uint64
	result     *RecoveryResult
}

func (rs *recoveryScan) finished(trxID uint64) bool {
	return rs.committed[trxID] || rs.rolledBack[trxID]
}

func (rs *recoveryScan) quarantine(loid lob.LOID, err error) {
	if rs.bad[loid] {
		return
	}
	rs.bad[loid] = true
	rs.result.Quarantined = append(rs.result.Quarantined, QuarantinedObject{LOID: loid, Reason: err.Error()})
	logger.Warnf("recovery: %s quarantined: %v", loid, err)
}

// Recover 崩溃恢复:
//  1. 重做检查点之后的全部记录(含补偿记录)
//  2. 既没有提交记录也没有回滚记录的事务按LSN从大到小撤销, 每个写一条回滚记录
//  3. 回收已提交但缺少 purge 记录的销毁
//  4. 做检查点
//
// 事务状态需要看完整的日志, 因为检查点可能写入了未提交事务的页.
// 报告 ErrCorruption 的对象被隔离, 其后的记录跳过.
func (sm *StorageManager) Recover(ctx context.Context) (*RecoveryResult, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.closed {
		return nil, ErrManagerClosed
	}
	if len(sm.txns) > 0 {
		return nil, errors.Errorf("recovery with %d active transactions", len(sm.txns))
	}

	start := time.Now()
	rctx := lobctx.WithRecovering(ctx)
	cp := sm.redo.CheckpointLSN()
	rs := &recoveryScan{
		committed:  make(map[uint64]bool),
		rolledBack: make(map[uint64]bool),
		records:    make(map[uint64][]lob.Record),
		destroys:   make(map[uint64][]lob.LOID),
		purged:     make(map[lob.LOID]bool),
		bad:        make(map[lob.LOID]bool),
		result:     &RecoveryResult{CheckpointLSN: cp},
	}

	err := sm.redo.Iterate(0, func(e RedoLogEntry) error {
		rs.result.Scanned++
		rs.result.LastLSN = e.LSN
		if e.TrxID > rs.maxTrxID {
			rs.maxTrxID = e.TrxID
		}
		switch {
		case e.Type == LOG_TYPE_COMMIT:
			rs.committed[e.TrxID] = true
			return nil
		case e.Type == LOG_TYPE_ROLLBACK:
			rs.rolledBack[e.TrxID] = true
			return nil
		case !lob.IsLOBKind(e.Type):
			logger.Warnf("recovery: unknown frame type %#x at lsn %d, skipped", e.Type, e.LSN)
			return nil
		}

		rec, err := lob.DecodeRecord(e.LSN, e.TrxID, e.Type, e.Data)
		if err != nil {
			return err
		}
		if rs.bad[rec.LOID] {
			return nil
		}
		if e.LSN > cp {
			if err := sm.engine.Redo(rctx, rec); err != nil {
				if !lob.IsCorruption(err) {
					return err
				}
				rs.quarantine(rec.LOID, err)
				return nil
			}
			rs.result.Redone++
			// 缓冲池不能淘汰脏页, 重做量大时先把已经重做的部分落盘
			if sm.bufferPool.DirtyRatio() > sm.config.DirtyPageRatio {
				if err := sm.checkpointAt(ctx, e.LSN); err != nil {
					return err
				}
			}
		}
		switch rec.Op.Kind() {
		case lob.KindDestroy:
			rs.destroys[rec.TrxID] = append(rs.destroys[rec.TrxID], rec.LOID)
		case lob.KindPurge:
			rs.purged[rec.LOID] = true
		}
		if rec.TrxID != 0 {
			rs.records[rec.TrxID] = append(rs.records[rec.TrxID], rec)
		}
		return nil
	})
	if err != nil {
		logger.Errorf("recovery: redo pass: %v", err)
		return nil, err
	}

	if err := sm.undoLosers(rctx, rs); err != nil {
		logger.Errorf("recovery: undo pass: %v", err)
		return nil, err
	}
	if err := sm.purgeCommitted(rctx, rs); err != nil {
		logger.Errorf("recovery: purge pass: %v", err)
		return nil, err
	}

	if err := sm.Checkpoint(ctx); err != nil {
		return nil, err
	}

	atomic.StoreUint64(&sm.nextTrxID, rs.maxTrxID)
	rs.result.Duration = time.Since(start)
	sm.lastRecovery = rs.result
	logger.Infof("recovery: scanned %d records after checkpoint %d, redone %d, %d losers (%d undone), %d purged, %d quarantined",
		rs.result.Scanned, cp, rs.result.Redone, len(rs.result.Losers), rs.result.Undone,
		len(rs.result.Purged), len(rs.result.Quarantined))
	return rs.result, nil
}

func (sm *StorageManager) undoLosers(ctx context.Context, rs *recoveryScan) error {
	var pending []lob.Record
	for trxID, recs := range rs.records {
		if rs.finished(trxID) {
			continue
		}
		rs.result.Losers = append(rs.result.Losers, trxID)
		pending = append(pending, recs...)
	}
	sort.Slice(rs.result.Losers, func(i, j int) bool { return rs.result.Losers[i] < rs.result.Losers[j] })
	sort.Slice(pending, func(i, j int) bool { return pending[i].LSN > pending[j].LSN })

	for _, rec := range pending {
		if rs.bad[rec.LOID] {
			continue
		}
		if err := sm.engine.Undo(ctx, rec); err != nil {
			if !lob.IsCorruption(err) {
				return err
			}
			rs.quarantine(rec.LOID, err)
			continue
		}
		rs.result.Undone++
	}
	for _, trxID := range rs.result.Losers {
		if _, err := sm.redo.AppendRecord(ctx, trxID, LOG_TYPE_ROLLBACK, nil); err != nil {
			return err
		}
		logger.Infof("recovery: trx %d rolled back", trxID)
	}
	return nil
}

func (sm *StorageManager) purgeCommitted(ctx context.Context, rs *recoveryScan) error {
	// 回滚了的事务的销毁已经被撤销, 不需要回收
	var trxIDs []uint64
	for trxID := range rs.destroys {
		if trxID == 0 || rs.committed[trxID] {
			trxIDs = append(trxIDs, trxID)
		}
	}
	sort.Slice(trxIDs, func(i, j int) bool { return trxIDs[i] < trxIDs[j] })

	for _, trxID := range trxIDs {
		for _, loid := range rs.destroys[trxID] {
			if rs.purged[loid] || rs.bad[loid] {
				continue
			}
			err := sm.engine.Purge(ctx, loid)
			switch {
			case err == nil:
				rs.purged[loid] = true
				rs.result.Purged = append(rs.result.Purged, loid)
			case lob.IsNotFound(err):
				logger.Warnf("recovery: purge %s: %v, skipped", loid, err)
			case lob.IsCorruption(err):
				rs.quarantine(loid, err)
			default:
				return err
			}
		}
	}
	return nil
}

// Stats 各部件的统计
type Stats struct {
	SpaceUUID    uuid.UUID
	PageSize     int
	PageCapacity int
	FreePages    int
	Bounded      bool
	ActiveTxns   []uint64
	Log          LogStats
	BufferPool   buffer_pool.BufferPoolStats
	Locks        LockStats
	LastRecovery *RecoveryResult
}

// Stats 统计快照
func (sm *StorageManager) Stats() Stats {
	free, bounded := sm.space.FreePages()
	sm.mu.RLock()
	last := sm.lastRecovery
	sm.mu.RUnlock()
	return Stats{
		SpaceUUID:    sm.space.UUID(),
		PageSize:     sm.geo.PageSize(),
		PageCapacity: sm.engine.Capacity(),
		FreePages:    free,
		Bounded:      bounded,
		ActiveTxns:   sm.undo.GetActiveTxns(),
		Log:          sm.redo.Stats(),
		BufferPool:   sm.bufferPool.Stats(),
		Locks:        sm.locks.Stats(),
		LastRecovery: last,
	}
}

// Records 按LSN顺序回调 LSN > after 的帧, 诊断用
func (sm *StorageManager) Records(after uint64, fn func(e RedoLogEntry) error) error {
	return sm.redo.Iterate(after, fn)
}

// Close 回滚未完成的事务, 做检查点后关闭日志和表空间
func (sm *StorageManager) Close() error {
	sm.mu.Lock()
	if sm.closed {
		sm.mu.Unlock()
		return nil
	}
	active := make([]uint64, 0, len(sm.txns))
	for trxID := range sm.txns {
		active = append(active, trxID)
	}
	sm.mu.Unlock()

	close(sm.stopChan)
	sm.wg.Wait()

	ctx := context.Background()
	for _, trxID := range active {
		logger.Warnf("trx %d still active at close, rolling back", trxID)
		if err := sm.Rollback(lobctx.WithTrxID(ctx, trxID)); err != nil {
			logger.Errorf("rollback trx %d at close: %v", trxID, err)
		}
	}

	var result error
	if err := sm.Checkpoint(ctx); err != nil {
		result = err
	}
	sm.mu.Lock()
	sm.closed = true
	sm.mu.Unlock()
	if err := sm.redo.Close(); err != nil && result == nil {
		result = err
	}
	if err := sm.space.Close(); err != nil && result == nil {
		result = err
	}
	logger.Infof("storage manager closed")
	return result
}
