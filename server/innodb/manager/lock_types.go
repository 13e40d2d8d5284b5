package manager

import "time"

// LockType 锁类型
type LockType int

const (
	LOCK_S LockType = iota // 共享锁
	LOCK_X                 // 排他锁
)

func (t LockType) String() string {
	if t == LOCK_X {
		return "X"
	}
	return "S"
}

// LockStats 锁统计信息
type LockStats struct {
	GrantedLocks   uint64        // 当前持有的锁数
	WaitingLocks   uint64        // 等待中锁数
	Deadlocks      uint64        // 死锁次数
	LockTimeouts   uint64        // 锁超时次数
	LockConflicts  uint64        // 需要等待的请求数
	SharedLocks    uint64        // 授予过的共享锁数
	ExclusiveLocks uint64        // 授予过的排他锁数(含升级)
	AvgWaitTime    time.Duration // 平均等待时间
	MaxWaitTime    time.Duration // 最长等待时间
}

// LockConfig 锁配置
type LockConfig struct {
	// LockTimeout 单次等待的上限, 0 表示只受 ctx 限制
	LockTimeout time.Duration
}

// LockHolder 资源上一个已授予的锁
type LockHolder struct {
	Owner    uint64
	LockType LockType
	Granted  time.Time
}
