package manager

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedoLog(t *testing.T, dir string, method uint8) *RedoLogManager {
	t.Helper()
	r, err := NewRedoLogManager(LogConfig{LogDir: dir, BufferSize: 256}, NewCompressionManager(method, 0.1))
	require.NoError(t, err)
	return r
}

func collect(t *testing.T, r *RedoLogManager, after uint64) []RedoLogEntry {
	t.Helper()
	var out []RedoLogEntry
	require.NoError(t, r.Iterate(after, func(e RedoLogEntry) error {
		out = append(out, e)
		return nil
	}))
	return out
}

func TestRedoLogManager(t *testing.T) {
	ctx := context.Background()

	t.Run("LSN连续分配并可重新打开", func(t *testing.T) {
		dir := t.TempDir()
		r := newTestRedoLog(t, dir, COMPRESSION_NONE)
		for i := 0; i < 10; i++ {
			lsn, err := r.AppendRecord(ctx, uint64(i%3), 3, []byte{byte(i)})
			require.NoError(t, err)
			assert.Equal(t, uint64(i+1), lsn)
		}
		require.NoError(t, r.Close())

		r = newTestRedoLog(t, dir, COMPRESSION_NONE)
		defer r.Close()
		assert.Equal(t, uint64(10), r.LastLSN())
		entries := collect(t, r, 4)
		require.Len(t, entries, 6)
		assert.Equal(t, uint64(5), entries[0].LSN)
		assert.Equal(t, uint64(4%3), entries[0].TrxID)
		assert.Equal(t, []byte{4}, entries[0].Data)

		lsn, err := r.AppendRecord(ctx, 0, LOG_TYPE_COMMIT, nil)
		require.NoError(t, err)
		assert.Equal(t, uint64(11), lsn)
	})

	t.Run("压缩后的帧按原样读出", func(t *testing.T) {
		for _, method := range []uint8{COMPRESSION_SNAPPY, COMPRESSION_LZ4, COMPRESSION_XZ} {
			dir := t.TempDir()
			r := newTestRedoLog(t, dir, method)
			payload := bytes.Repeat([]byte("large object payload "), 50)
			_, err := r.AppendRecord(ctx, 1, 4, payload)
			require.NoError(t, err)
			st := r.Stats()
			assert.Equal(t, uint64(1), st.Compression.CompressedFrames, CompressionMethodName(method))
			require.NoError(t, r.Close())

			// 解压与当前配置无关
			r = newTestRedoLog(t, dir, COMPRESSION_NONE)
			entries := collect(t, r, 0)
			require.Len(t, entries, 1)
			assert.Equal(t, payload, entries[0].Data)
			require.NoError(t, r.Close())
		}
	})

	t.Run("撕裂的尾部被丢弃", func(t *testing.T) {
		dir := t.TempDir()
		r := newTestRedoLog(t, dir, COMPRESSION_NONE)
		for i := 0; i < 3; i++ {
			_, err := r.AppendRecord(ctx, 0, 3, bytes.Repeat([]byte{byte(i)}, 40))
			require.NoError(t, err)
		}
		require.NoError(t, r.Close())

		path := filepath.Join(dir, redoLogFileName)
		st, err := os.Stat(path)
		require.NoError(t, err)
		require.NoError(t, os.Truncate(path, st.Size()-10))

		r = newTestRedoLog(t, dir, COMPRESSION_NONE)
		defer r.Close()
		assert.Equal(t, uint64(2), r.LastLSN())
		assert.Len(t, collect(t, r, 0), 2)

		lsn, err := r.AppendRecord(ctx, 0, 3, []byte("after"))
		require.NoError(t, err)
		assert.Equal(t, uint64(3), lsn)
		entries := collect(t, r, 2)
		require.Len(t, entries, 1)
		assert.Equal(t, []byte("after"), entries[0].Data)
	})

	t.Run("校验和错误的帧视为日志末尾", func(t *testing.T) {
		dir := t.TempDir()
		r := newTestRedoLog(t, dir, COMPRESSION_NONE)
		_, err := r.AppendRecord(ctx, 0, 3, []byte("first"))
		require.NoError(t, err)
		_, err = r.AppendRecord(ctx, 0, 3, []byte("second"))
		require.NoError(t, err)
		require.NoError(t, r.Close())

		path := filepath.Join(dir, redoLogFileName)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		data[len(data)-1] ^= 0xFF
		require.NoError(t, os.WriteFile(path, data, 0644))

		r = newTestRedoLog(t, dir, COMPRESSION_NONE)
		defer r.Close()
		assert.Equal(t, uint64(1), r.LastLSN())
	})

	t.Run("检查点", func(t *testing.T) {
		dir := t.TempDir()
		r := newTestRedoLog(t, dir, COMPRESSION_NONE)
		for i := 0; i < 5; i++ {
			_, err := r.AppendRecord(ctx, 0, 3, nil)
			require.NoError(t, err)
		}
		assert.Error(t, r.Checkpoint(6))
		require.NoError(t, r.Checkpoint(3))
		assert.Equal(t, uint64(3), r.CheckpointLSN())
		assert.False(t, r.Stats().CheckpointTime.IsZero())
		require.NoError(t, r.Close())

		r = newTestRedoLog(t, dir, COMPRESSION_NONE)
		defer r.Close()
		assert.Equal(t, uint64(3), r.CheckpointLSN())
		assert.Len(t, collect(t, r, r.CheckpointLSN()), 2)
	})

	t.Run("表空间UUID不匹配", func(t *testing.T) {
		dir := t.TempDir()
		id := uuid.New()
		r, err := NewRedoLogManager(LogConfig{LogDir: dir, SpaceUUID: id}, nil)
		require.NoError(t, err)
		assert.Equal(t, id, r.SpaceUUID())
		require.NoError(t, r.Close())

		_, err = NewRedoLogManager(LogConfig{LogDir: dir, SpaceUUID: uuid.New()}, nil)
		assert.True(t, IsLogSpaceMismatch(err))

		r, err = NewRedoLogManager(LogConfig{LogDir: dir, SpaceUUID: id}, nil)
		require.NoError(t, err)
		require.NoError(t, r.Close())
	})

	t.Run("刷盘和关闭", func(t *testing.T) {
		r := newTestRedoLog(t, t.TempDir(), COMPRESSION_NONE)
		lsn, err := r.AppendRecord(ctx, 0, 3, []byte("x"))
		require.NoError(t, err)
		require.NoError(t, r.FlushUpTo(ctx, lsn))
		st := r.Stats()
		assert.Equal(t, lsn, st.FlushedLSN)
		assert.Equal(t, uint64(1), st.FlushCount)
		require.NoError(t, r.FlushUpTo(ctx, lsn))
		assert.Equal(t, uint64(1), r.Stats().FlushCount)

		require.NoError(t, r.Close())
		require.NoError(t, r.Close())
		_, err = r.AppendRecord(ctx, 0, 3, nil)
		assert.ErrorIs(t, err, ErrLogClosed)
	})
}

func TestCompressionManager(t *testing.T) {
	t.Run("短负载不压缩", func(t *testing.T) {
		cm := NewCompressionManager(COMPRESSION_SNAPPY, 0)
		m, out, err := cm.Compress([]byte("tiny"))
		require.NoError(t, err)
		assert.Equal(t, COMPRESSION_NONE, m)
		assert.Equal(t, []byte("tiny"), out)
	})

	t.Run("收益不足时写原文", func(t *testing.T) {
		cm := NewCompressionManager(COMPRESSION_LZ4, 0.9)
		data := make([]byte, 256)
		for i := range data {
			data[i] = byte(i * 7)
		}
		m, out, err := cm.Compress(data)
		require.NoError(t, err)
		assert.Equal(t, COMPRESSION_NONE, m)
		assert.Equal(t, data, out)
		assert.Equal(t, "0.00", cm.GetStats().SavingsPercent())
	})

	t.Run("按名字解析", func(t *testing.T) {
		m, err := ParseCompressionMethod(" LZ4 ")
		require.NoError(t, err)
		assert.Equal(t, COMPRESSION_LZ4, m)
		m, err = ParseCompressionMethod("")
		require.NoError(t, err)
		assert.Equal(t, COMPRESSION_NONE, m)
		_, err = ParseCompressionMethod("zstd")
		assert.ErrorIs(t, err, ErrUnknownCompression)
		assert.Equal(t, "unknown", CompressionMethodName(9))
	})

	t.Run("未知方法解压失败", func(t *testing.T) {
		_, err := NewCompressionManager(COMPRESSION_NONE, 0).Decompress(9, []byte{1})
		assert.ErrorIs(t, err, ErrUnknownCompression)
	})
}
