package manager

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-lob/logger"
	"github.com/zhukovaskychina/xmysql-lob/util"
)

const (
	redoLogFileName    = "redo.log"
	checkpointFileName = "redo_checkpoint"

	redoLogVersion = 1
	// 文件头: magic(8) version(2) reserved(2) uuid(16) checksum(4)
	redoHeaderSize = 32
	// 帧头: 长度(4) 校验和(4)
	frameHeadSize = 8
	// 帧体固定部分: LSN(8) TrxID(8) type(1) codec(1)
	frameBodyFixed = 18
	maxFrameSize   = 64 << 20
)

var redoLogMagic = []byte("XLOBREDO")

// RedoLogManager 重做日志管理器.
//
// 日志是一个只追加的文件, 帧格式 [len][checksum][LSN][TrxID][type][codec][payload].
// LSN 从1开始连续分配; 打开时扫描到第一个不完整或校验失败的帧为止, 之后的内容视为撕裂的尾部丢弃.
type RedoLogManager struct {
	mu         sync.Mutex
	cfg        LogConfig
	file       *os.File
	compressor *CompressionManager
	spaceUUID  uuid.UUID

	fileEnd    int64
	nextLSN    uint64
	flushedLSN uint64
	buffer     []byte

	// 检查点相关
	lastCheckpoint uint64
	checkpointTime time.Time

	totalLogs  uint64
	totalSize  uint64
	flushCount uint64

	closed   bool
	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewRedoLogManager 打开或创建日志. compressor 为 nil 时不压缩.
func NewRedoLogManager(cfg LogConfig, compressor *CompressionManager) (*RedoLogManager, error) {
	if err := util.EnsureDir(cfg.LogDir); err != nil {
		return nil, errors.Wrapf(err, "create log dir %s", cfg.LogDir)
	}
	if compressor == nil {
		compressor = NewCompressionManager(COMPRESSION_NONE, 0)
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1 << 20
	}

	f, err := os.OpenFile(filepath.Join(cfg.LogDir, redoLogFileName), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open redo log")
	}
	r := &RedoLogManager{
		cfg:        cfg,
		file:       f,
		compressor: compressor,
		nextLSN:    1,
		stopChan:   make(chan struct{}),
	}
	if err := r.open(); err != nil {
		f.Close()
		return nil, err
	}
	if r.lastCheckpoint, err = r.readCheckpoint(); err != nil {
		f.Close()
		return nil, err
	}
	if r.lastCheckpoint >= r.nextLSN {
		f.Close()
		return nil, errors.Wrapf(ErrLogCorrupted, "checkpoint %d beyond log end %d", r.lastCheckpoint, r.nextLSN-1)
	}

	if cfg.FlushInterval > 0 {
		r.wg.Add(1)
		go r.backgroundFlush()
	}
	logger.Infof("redo log %s: next lsn %d, checkpoint %d", cfg.LogDir, r.nextLSN, r.lastCheckpoint)
	return r, nil
}

func (r *RedoLogManager) headerImage(id uuid.UUID) []byte {
	buf := make([]byte, 0, redoHeaderSize)
	buf = append(buf, redoLogMagic...)
	buf = util.WriteUB2(buf, redoLogVersion)
	buf = util.WriteUB2(buf, 0)
	buf = append(buf, id[:]...)
	return util.WriteUB4(buf, util.FrameChecksum(buf))
}

func (r *RedoLogManager) open() error {
	st, err := r.file.Stat()
	if err != nil {
		return errors.Wrap(err, "stat redo log")
	}
	if st.Size() == 0 {
		r.spaceUUID = r.cfg.SpaceUUID
		if _, err := r.file.WriteAt(r.headerImage(r.spaceUUID), 0); err != nil {
			return errors.Wrap(err, "write redo log header")
		}
		if err := r.file.Sync(); err != nil {
			return errors.Wrap(err, "sync redo log header")
		}
		r.fileEnd = redoHeaderSize
		return nil
	}

	head := make([]byte, redoHeaderSize)
	if err := util.ReadFullAt(r.file, head, 0); err != nil {
		return errors.Wrap(err, "read redo log header")
	}
	if !bytes.Equal(head[:len(redoLogMagic)], redoLogMagic) {
		return errors.Wrap(ErrLogCorrupted, "bad magic")
	}
	if binary.BigEndian.Uint32(head[28:]) != util.FrameChecksum(head[:28]) {
		return errors.Wrap(ErrLogCorrupted, "header checksum mismatch")
	}
	if v := binary.BigEndian.Uint16(head[8:]); v != redoLogVersion {
		return errors.Wrapf(ErrLogCorrupted, "version %d", v)
	}
	copy(r.spaceUUID[:], head[12:28])
	if r.cfg.SpaceUUID != uuid.Nil && r.spaceUUID != r.cfg.SpaceUUID {
		return errors.Wrapf(ErrLogSpaceMismatch, "log %s, space %s", r.spaceUUID, r.cfg.SpaceUUID)
	}

	end, last, err := r.scan(st.Size(), func(RedoLogEntry) error { return nil })
	if err != nil {
		return err
	}
	if end < st.Size() {
		logger.Warnf("redo log: discarding %d bytes of torn tail after lsn %d", st.Size()-end, last)
		if err := r.file.Truncate(end); err != nil {
			return errors.Wrap(err, "truncate torn tail")
		}
	}
	r.fileEnd = end
	r.nextLSN = last + 1
	r.flushedLSN = last
	return nil
}

// scan 顺序解析 [header, limit) 中的帧, 返回最后一个完整帧之后的偏移和它的LSN
func (r *RedoLogManager) scan(limit int64, fn func(e RedoLogEntry) error) (int64, uint64, error) {
	rd := bufio.NewReader(io.NewSectionReader(r.file, redoHeaderSize, limit-redoHeaderSize))
	end := int64(redoHeaderSize)
	var last uint64
	head := make([]byte, frameHeadSize)
	for {
		if _, err := io.ReadFull(rd, head); err != nil {
			return end, last, nil
		}
		n := binary.BigEndian.Uint32(head)
		if n < frameBodyFixed || n > maxFrameSize {
			return end, last, nil
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(rd, body); err != nil {
			return end, last, nil
		}
		if binary.BigEndian.Uint32(head[4:]) != util.FrameChecksum(body) {
			return end, last, nil
		}

		br := util.NewBufferReader(body)
		e := RedoLogEntry{LSN: br.ReadUB8(), TrxID: br.ReadUB8(), Type: br.ReadUB1()}
		codec := br.ReadUB1()
		if e.LSN != last+1 {
			return end, last, errors.Wrapf(ErrLogCorrupted, "lsn %d follows %d", e.LSN, last)
		}
		data, err := r.compressor.Decompress(codec, br.ReadBytes(br.Remaining()))
		if err != nil {
			return end, last, errors.Wrapf(ErrLogCorrupted, "frame at lsn %d: %v", e.LSN, err)
		}
		e.Data = data
		if err := fn(e); err != nil {
			return end, last, err
		}
		end += int64(frameHeadSize) + int64(n)
		last = e.LSN
	}
}

// SpaceUUID 日志头记录的表空间UUID
func (r *RedoLogManager) SpaceUUID() uuid.UUID { return r.spaceUUID }

// Append 追加一个帧并分配LSN. 缓冲区写满时刷盘.
func (r *RedoLogManager) Append(entry *RedoLogEntry) (uint64, error) {
	codec, data, err := r.compressor.Compress(entry.Data)
	if err != nil {
		logger.Warnf("redo log: compression failed, writing uncompressed: %v", err)
		codec, data = COMPRESSION_NONE, entry.Data
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrLogClosed
	}

	entry.LSN = r.nextLSN
	r.nextLSN++

	body := make([]byte, 0, frameBodyFixed+len(data))
	body = util.WriteUB8(body, entry.LSN)
	body = util.WriteUB8(body, entry.TrxID)
	body = util.WriteByte(body, entry.Type)
	body = util.WriteByte(body, codec)
	body = append(body, data...)

	r.buffer = util.WriteUB4(r.buffer, uint32(len(body)))
	r.buffer = util.WriteUB4(r.buffer, util.FrameChecksum(body))
	r.buffer = append(r.buffer, body...)
	r.totalLogs++
	r.totalSize += uint64(frameHeadSize + len(body))

	if len(r.buffer) >= r.cfg.BufferSize {
		if err := r.flushLocked(); err != nil {
			return 0, err
		}
	}
	return entry.LSN, nil
}

// AppendRecord 追加一条大对象记录, 供引擎使用
func (r *RedoLogManager) AppendRecord(ctx context.Context, trxID uint64, kind uint8, payload []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return r.Append(&RedoLogEntry{TrxID: trxID, Type: kind, Data: payload})
}

// FlushUpTo 保证 lsn 及之前的帧已经落盘
func (r *RedoLogManager) FlushUpTo(ctx context.Context, lsn uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if lsn <= r.flushedLSN {
		return nil
	}
	if r.closed {
		return ErrLogClosed
	}
	return r.flushLocked()
}

// Flush 把缓冲的所有帧写盘
func (r *RedoLogManager) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrLogClosed
	}
	return r.flushLocked()
}

func (r *RedoLogManager) flushLocked() error {
	if len(r.buffer) > 0 {
		n, err := r.file.WriteAt(r.buffer, r.fileEnd)
		if err != nil {
			return errors.Wrapf(err, "write %d bytes of redo log", len(r.buffer))
		}
		r.fileEnd += int64(n)
		r.buffer = r.buffer[:0]
	}
	if r.flushedLSN+1 == r.nextLSN {
		return nil
	}
	if err := r.file.Sync(); err != nil {
		return errors.Wrap(err, "sync redo log")
	}
	r.flushedLSN = r.nextLSN - 1
	r.flushCount++
	return nil
}

// backgroundFlush 后台定期刷新
func (r *RedoLogManager) backgroundFlush() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.mu.Lock()
			if !r.closed {
				if err := r.flushLocked(); err != nil {
					logger.Errorf("redo log background flush: %v", err)
				}
			}
			r.mu.Unlock()
		case <-r.stopChan:
			return
		}
	}
}

// Iterate 按LSN顺序回调 LSN > after 的帧. 缓冲中的帧先刷盘.
func (r *RedoLogManager) Iterate(after uint64, fn func(e RedoLogEntry) error) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrLogClosed
	}
	if err := r.flushLocked(); err != nil {
		r.mu.Unlock()
		return err
	}
	limit := r.fileEnd
	r.mu.Unlock()

	_, _, err := r.scan(limit, func(e RedoLogEntry) error {
		if e.LSN <= after {
			return nil
		}
		return fn(e)
	})
	return err
}

// Checkpoint 记录检查点: LSN 不大于 lsn 的修改都已经在表空间中
func (r *RedoLogManager) Checkpoint(lsn uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrLogClosed
	}
	if lsn >= r.nextLSN {
		return errors.Errorf("checkpoint %d beyond last lsn %d", lsn, r.nextLSN-1)
	}
	if err := r.flushLocked(); err != nil {
		return err
	}

	buf := util.WriteUB8(make([]byte, 0, 12), lsn)
	buf = util.WriteUB4(buf, util.FrameChecksum(buf))
	if err := util.WriteFileAtomic(filepath.Join(r.cfg.LogDir, checkpointFileName), buf); err != nil {
		return errors.Wrap(err, "write checkpoint")
	}
	// TODO: 检查点之前且所属事务已经结束的帧不再需要, 可以把剩余的帧拷到新文件后替换旧日志
	r.lastCheckpoint = lsn
	r.checkpointTime = time.Now()
	logger.Debugf("redo log checkpoint at lsn %d", lsn)
	return nil
}

func (r *RedoLogManager) readCheckpoint() (uint64, error) {
	path := filepath.Join(r.cfg.LogDir, checkpointFileName)
	if !util.FileExists(path) {
		return 0, nil
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.Wrap(err, "read checkpoint")
	}
	if len(buf) != 12 || binary.BigEndian.Uint32(buf[8:]) != util.FrameChecksum(buf[:8]) {
		return 0, errors.Wrap(ErrLogCorrupted, "checkpoint file")
	}
	return binary.BigEndian.Uint64(buf), nil
}

// CheckpointLSN 最后一次检查点
func (r *RedoLogManager) CheckpointLSN() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastCheckpoint
}

// LastLSN 最后分配的LSN
func (r *RedoLogManager) LastLSN() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextLSN - 1
}

// Stats 日志统计
func (r *RedoLogManager) Stats() LogStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return LogStats{
		NextLSN:        r.nextLSN,
		FlushedLSN:     r.flushedLSN,
		CheckpointLSN:  r.lastCheckpoint,
		CheckpointTime: r.checkpointTime,
		TotalLogs:      r.totalLogs,
		TotalSize:      r.totalSize,
		FlushCount:     r.flushCount,
		FileSize:       r.fileEnd + int64(len(r.buffer)),
		Compression:    r.compressor.GetStats(),
	}
}

// Close 关闭日志管理器, 缓冲的帧写盘
func (r *RedoLogManager) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	r.stopOnce.Do(func() { close(r.stopChan) })
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.flushLocked()
	r.closed = true
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	return err
}
