package manager

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-lob/server/innodb/lob"
)

// UndoLogManager 记录每个活跃事务写过的可撤销日志, 回滚时从新到旧交给调用方撤销.
// 内容只在内存中; 崩溃后由恢复过程从重做日志中找出未完成的事务.
type UndoLogManager struct {
	mu   sync.RWMutex
	logs map[uint64][]UndoLogEntry // 事务ID -> Undo日志列表

	// 事务状态跟踪
	started map[uint64]time.Time
}

// NewUndoLogManager 创建新的撤销日志管理器
func NewUndoLogManager() *UndoLogManager {
	return &UndoLogManager{
		logs:    make(map[uint64][]UndoLogEntry),
		started: make(map[uint64]time.Time),
	}
}

// undoable 补偿记录、purge记录和事务控制记录不进入撤销链
func undoable(kind uint8) bool {
	if !lob.IsLOBKind(kind) {
		return false
	}
	switch lob.Kind(kind) {
	case lob.KindCompensation, lob.KindPurge:
		return false
	}
	return true
}

// Begin 登记事务
func (u *UndoLogManager) Begin(trxID uint64) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.started[trxID]; ok {
		return errors.Wrapf(ErrTxAlreadyExists, "trx %d", trxID)
	}
	u.started[trxID] = time.Now()
	return nil
}

// Append 追加一条撤销日志, 不可撤销的类型和未登记的事务被忽略
func (u *UndoLogManager) Append(entry UndoLogEntry) {
	if entry.TrxID == 0 || !undoable(entry.Type) {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.started[entry.TrxID]; !ok {
		return
	}
	u.logs[entry.TrxID] = append(u.logs[entry.TrxID], entry)
}

// Entries 事务的撤销日志, 按写入顺序
func (u *UndoLogManager) Entries(trxID uint64) []UndoLogEntry {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return append([]UndoLogEntry(nil), u.logs[trxID]...)
}

// Rollback 从新到旧对每条日志调用 apply. apply 出错时停止, 已经撤销的日志从列表中移除,
// 再次调用会从出错的那条继续.
func (u *UndoLogManager) Rollback(trxID uint64, apply func(e UndoLogEntry) error) error {
	u.mu.Lock()
	if _, ok := u.started[trxID]; !ok {
		u.mu.Unlock()
		return errors.Wrapf(ErrTxNotFound, "trx %d", trxID)
	}
	entries := u.logs[trxID]
	u.mu.Unlock()

	for i := len(entries) - 1; i >= 0; i-- {
		if err := apply(entries[i]); err != nil {
			u.mu.Lock()
			u.logs[trxID] = entries[:i+1]
			u.mu.Unlock()
			return err
		}
	}

	u.mu.Lock()
	delete(u.logs, trxID)
	u.mu.Unlock()
	return nil
}

// Cleanup 事务结束后清理
func (u *UndoLogManager) Cleanup(trxID uint64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.logs, trxID)
	delete(u.started, trxID)
}

// GetActiveTxns 获取活跃事务列表
func (u *UndoLogManager) GetActiveTxns() []uint64 {
	u.mu.RLock()
	defer u.mu.RUnlock()
	txns := make([]uint64, 0, len(u.started))
	for id := range u.started {
		txns = append(txns, id)
	}
	sort.Slice(txns, func(i, j int) bool { return txns[i] < txns[j] })
	return txns
}

// GetOldestActiveTxnTime 最老的活跃事务开始时间, 没有活跃事务时返回零值
func (u *UndoLogManager) GetOldestActiveTxnTime() time.Time {
	u.mu.RLock()
	defer u.mu.RUnlock()
	var oldest time.Time
	for _, ts := range u.started {
		if oldest.IsZero() || ts.Before(oldest) {
			oldest = ts
		}
	}
	return oldest
}
