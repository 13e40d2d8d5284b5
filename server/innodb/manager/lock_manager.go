package manager

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-lob/logger"
	lobctx "github.com/zhukovaskychina/xmysql-lob/server/innodb/context"
	"github.com/zhukovaskychina/xmysql-lob/server/innodb/lob"
)

// lockRequest 一个已授予的锁
type lockRequest struct {
	owner    uint64
	lockType LockType
	granted  time.Time
}

// lockInfo 资源上的锁
type lockInfo struct {
	resourceID string
	holders    []*lockRequest
}

func (info *lockInfo) find(owner uint64) *lockRequest {
	for _, req := range info.holders {
		if req.owner == owner {
			return req
		}
	}
	return nil
}

// conflicts 与 owner 请求的锁不兼容的其他持有者
func (info *lockInfo) conflicts(owner uint64, lockType LockType) []uint64 {
	var out []uint64
	for _, req := range info.holders {
		if req.owner != owner && !isLockCompatible(req.lockType, lockType) {
			out = append(out, req.owner)
		}
	}
	return out
}

// LockManager 锁管理器.
//
// 锁以资源名为键, 持有者是事务ID或者一次自动提交调用的临时ID.
// 同一持有者可重入, S锁可升级为X锁. 等待者在任何一次释放后被唤醒并重新检查;
// 进入等待前检查等待图, 会形成环的请求直接返回 ErrDeadlockDetected.
type LockManager struct {
	mu        sync.Mutex
	cfg       LockConfig
	lockTable map[string]*lockInfo           // 锁表
	waitGraph map[uint64][]uint64            // 等待图
	txnLocks  map[uint64]map[string]struct{} // 持有者的锁
	released  chan struct{}                  // 每次释放时关闭并替换

	stats     LockStats
	waitTotal time.Duration
	waitCount uint64
}

// NewLockManager 创建锁管理器
func NewLockManager(cfg LockConfig) *LockManager {
	return &LockManager{
		cfg:       cfg,
		lockTable: make(map[string]*lockInfo),
		waitGraph: make(map[uint64][]uint64),
		txnLocks:  make(map[uint64]map[string]struct{}),
		released:  make(chan struct{}),
	}
}

// isLockCompatible 检查锁兼容性
func isLockCompatible(existing, requested LockType) bool {
	return existing == LOCK_S && requested == LOCK_S
}

// checkDeadlock 从 start 出发沿等待图能否回到 start
func (lm *LockManager) checkDeadlock(start uint64) bool {
	visited := make(map[uint64]bool)
	var visit func(id uint64) bool
	visit = func(id uint64) bool {
		for _, next := range lm.waitGraph[id] {
			if next == start {
				return true
			}
			if visited[next] {
				continue
			}
			visited[next] = true
			if visit(next) {
				return true
			}
		}
		return false
	}
	return visit(start)
}

// tryGrant 在 mu 下尝试授予, 返回阻塞它的持有者
func (lm *LockManager) tryGrant(owner uint64, resourceID string, lockType LockType) []uint64 {
	info, ok := lm.lockTable[resourceID]
	if !ok {
		info = &lockInfo{resourceID: resourceID}
		lm.lockTable[resourceID] = info
	}
	held := info.find(owner)
	if held != nil && (held.lockType == LOCK_X || lockType == LOCK_S) {
		return nil
	}
	if blockers := info.conflicts(owner, lockType); len(blockers) > 0 {
		return blockers
	}

	if held != nil {
		held.lockType = LOCK_X
	} else {
		info.holders = append(info.holders, &lockRequest{owner: owner, lockType: lockType, granted: time.Now()})
		set, ok := lm.txnLocks[owner]
		if !ok {
			set = make(map[string]struct{})
			lm.txnLocks[owner] = set
		}
		set[resourceID] = struct{}{}
		lm.stats.GrantedLocks++
	}
	if lockType == LOCK_X {
		lm.stats.ExclusiveLocks++
	} else {
		lm.stats.SharedLocks++
	}
	return nil
}

// AcquireLock 获取锁, 冲突时等待直到授予、超时、ctx结束或者检测到死锁
func (lm *LockManager) AcquireLock(ctx context.Context, owner uint64, resourceID string, lockType LockType) error {
	var (
		timeout <-chan time.Time
		start   time.Time
	)
	for {
		lm.mu.Lock()
		blockers := lm.tryGrant(owner, resourceID, lockType)
		if len(blockers) == 0 {
			if !start.IsZero() {
				delete(lm.waitGraph, owner)
				lm.recordWait(time.Since(start))
			}
			lm.mu.Unlock()
			return nil
		}

		lm.waitGraph[owner] = blockers
		if lm.checkDeadlock(owner) {
			delete(lm.waitGraph, owner)
			lm.stats.Deadlocks++
			lm.dropIfIdle(resourceID)
			lm.mu.Unlock()
			logger.Warnf("deadlock: owner %d requesting %s lock on %s, blocked by %v", owner, lockType, resourceID, blockers)
			return errors.Wrapf(ErrDeadlockDetected, "%s lock on %s", lockType, resourceID)
		}
		if start.IsZero() {
			start = time.Now()
			lm.stats.LockConflicts++
			if lm.cfg.LockTimeout > 0 {
				timer := time.NewTimer(lm.cfg.LockTimeout)
				defer timer.Stop()
				timeout = timer.C
			}
		}
		wake := lm.released
		lm.mu.Unlock()

		select {
		case <-wake:
		case <-timeout:
			lm.abandon(owner, resourceID, true)
			return errors.Wrapf(ErrLockTimeout, "%s lock on %s after %v", lockType, resourceID, lm.cfg.LockTimeout)
		case <-ctx.Done():
			lm.abandon(owner, resourceID, false)
			return ctx.Err()
		}
	}
}

func (lm *LockManager) abandon(owner uint64, resourceID string, timedOut bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	delete(lm.waitGraph, owner)
	if timedOut {
		lm.stats.LockTimeouts++
	}
	lm.dropIfIdle(resourceID)
}

func (lm *LockManager) dropIfIdle(resourceID string) {
	if info, ok := lm.lockTable[resourceID]; ok && len(info.holders) == 0 {
		delete(lm.lockTable, resourceID)
	}
}

func (lm *LockManager) recordWait(d time.Duration) {
	lm.waitCount++
	lm.waitTotal += d
	if d > lm.stats.MaxWaitTime {
		lm.stats.MaxWaitTime = d
	}
}

// ReleaseLocks 释放持有者的全部锁并唤醒等待者
func (lm *LockManager) ReleaseLocks(owner uint64) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for resourceID := range lm.txnLocks[owner] {
		info, ok := lm.lockTable[resourceID]
		if !ok {
			continue
		}
		for i, req := range info.holders {
			if req.owner == owner {
				info.holders = append(info.holders[:i], info.holders[i+1:]...)
				lm.stats.GrantedLocks--
				break
			}
		}
		lm.dropIfIdle(resourceID)
	}
	delete(lm.txnLocks, owner)
	delete(lm.waitGraph, owner)

	close(lm.released)
	lm.released = make(chan struct{})
}

// HeldLocks 持有者当前持有的资源, 按名字排序
func (lm *LockManager) HeldLocks(owner uint64) []string {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	out := make([]string, 0, len(lm.txnLocks[owner]))
	for id := range lm.txnLocks[owner] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Holders 资源上的已授予锁
func (lm *LockManager) Holders(resourceID string) []LockHolder {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	info, ok := lm.lockTable[resourceID]
	if !ok {
		return nil
	}
	out := make([]LockHolder, 0, len(info.holders))
	for _, req := range info.holders {
		out = append(out, LockHolder{Owner: req.owner, LockType: req.lockType, Granted: req.granted})
	}
	return out
}

// Stats 锁统计
func (lm *LockManager) Stats() LockStats {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	st := lm.stats
	st.WaitingLocks = uint64(len(lm.waitGraph))
	if lm.waitCount > 0 {
		st.AvgWaitTime = lm.waitTotal / time.Duration(lm.waitCount)
	}
	return st
}

// autocommitOwner 自动提交调用的临时持有者ID, 与事务ID不重叠
const autocommitOwner uint64 = 1 << 63

// ObjectLocker 把锁管理器适配成大对象引擎的 Locker.
// ctx 中带事务ID时锁记在事务名下, 由 Commit/Rollback 统一释放; 否则调用结束即释放.
type ObjectLocker struct {
	lm  *LockManager
	seq uint64
}

// NewObjectLocker 创建适配器
func NewObjectLocker(lm *LockManager) *ObjectLocker {
	return &ObjectLocker{lm: lm}
}

func (l *ObjectLocker) Acquire(ctx context.Context, loid lob.LOID, mode lob.LockMode) (func(), error) {
	lockType := LOCK_S
	if mode == lob.LockExclusive {
		lockType = LOCK_X
	}
	if trxID := lobctx.TrxIDFromContext(ctx); trxID != 0 {
		if err := l.lm.AcquireLock(ctx, trxID, loid.String(), lockType); err != nil {
			return nil, err
		}
		return func() {}, nil
	}

	owner := autocommitOwner | atomic.AddUint64(&l.seq, 1)
	if err := l.lm.AcquireLock(ctx, owner, loid.String(), lockType); err != nil {
		return nil, err
	}
	return func() { l.lm.ReleaseLocks(owner) }, nil
}
