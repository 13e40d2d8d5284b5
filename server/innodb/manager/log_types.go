package manager

import (
	"time"

	"github.com/google/uuid"
)

// 事务控制记录的帧类型. 大对象记录使用 lob.Kind 的取值(1..10).
const (
	LOG_TYPE_COMMIT   uint8 = 0x40 // 事务提交
	LOG_TYPE_ROLLBACK uint8 = 0x41 // 事务回滚完成, 撤销产生的补偿记录都在它之前
)

// RedoLogEntry 一个日志帧
type RedoLogEntry struct {
	LSN   uint64 // 日志序列号
	TrxID uint64 // 事务ID, 0 表示不属于任何事务
	Type  uint8  // 帧类型
	Data  []byte // 负载(解压后)
}

// UndoLogEntry 事务内一条可撤销的记录
type UndoLogEntry struct {
	LSN   uint64
	TrxID uint64
	Type  uint8
	Data  []byte
}

// LogStats 日志统计信息
type LogStats struct {
	NextLSN        uint64    // 下一个LSN
	FlushedLSN     uint64    // 已经落盘的LSN
	CheckpointLSN  uint64    // 最后一次检查点LSN
	CheckpointTime time.Time // 最后一次检查点时间
	TotalLogs      uint64    // 本次打开后写入的帧数
	TotalSize      uint64    // 本次打开后写入的字节数
	FlushCount     uint64    // fsync 次数
	FileSize       int64     // 日志文件大小
	Compression    CompressionStats
}

// LogConfig 日志配置
type LogConfig struct {
	LogDir        string        // 日志目录
	BufferSize    int           // 缓冲区字节数, 写满后刷盘
	FlushInterval time.Duration // 后台刷盘间隔, 0 表示不启动后台刷盘
	SpaceUUID     uuid.UUID     // 所属表空间, 日志头中记录, 打开时校验
}
