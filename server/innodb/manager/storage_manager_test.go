package manager

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-lob/server/conf"
	"github.com/zhukovaskychina/xmysql-lob/server/innodb/lob"
)

func newTestCfg(dir string) *conf.Cfg {
	cfg := conf.NewCfg()
	cfg.DataDir = dir
	cfg.PageSize = 1024
	cfg.PayloadLimit = 100
	cfg.BufferPoolPages = 128
	cfg.DirtyPageRatio = 0.9
	cfg.FlushInterval = 0
	cfg.LockTimeout = 100 * time.Millisecond
	cfg.Compression = "snappy"
	return cfg
}

func openTest(t *testing.T, cfg *conf.Cfg) *StorageManager {
	t.Helper()
	sm, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	return sm
}

func content(t *testing.T, sm *StorageManager, loid lob.LOID) []byte {
	t.Helper()
	ctx := context.Background()
	n, err := sm.Engine().Length(ctx, loid)
	require.NoError(t, err)
	rd := lob.NewRecDesBuffer(int(n))
	_, err = sm.Engine().Read(ctx, loid, 0, rd)
	require.NoError(t, err)
	return append([]byte{}, rd.Bytes()...)
}

func TestStorageManager_Transactions(t *testing.T) {
	ctx := context.Background()

	t.Run("提交后重新打开", func(t *testing.T) {
		cfg := newTestCfg(t.TempDir())
		sm := openTest(t, cfg)
		tctx, err := sm.Begin(ctx)
		require.NoError(t, err)
		loid, err := sm.Engine().Create(tctx, []byte("hello"), 0, 42)
		require.NoError(t, err)
		_, err = sm.Engine().Append(tctx, loid, lob.NewRecDes([]byte(", world")))
		require.NoError(t, err)
		require.NoError(t, sm.Commit(tctx))
		assert.Empty(t, sm.Stats().ActiveTxns)
		require.NoError(t, sm.Close())

		sm = openTest(t, cfg)
		defer sm.Close()
		assert.Equal(t, []byte("hello, world"), content(t, sm, loid))
		assert.Empty(t, sm.Stats().LastRecovery.Losers)
	})

	t.Run("回滚恢复原内容", func(t *testing.T) {
		sm := openTest(t, newTestCfg(t.TempDir()))
		defer sm.Close()
		loid, err := sm.Engine().Create(ctx, pattern(250, 1), 0, 0)
		require.NoError(t, err)

		tctx, err := sm.Begin(ctx)
		require.NoError(t, err)
		_, err = sm.Engine().Write(tctx, loid, 10, lob.NewRecDes([]byte("overwrite")))
		require.NoError(t, err)
		_, err = sm.Engine().Insert(tctx, loid, 120, lob.NewRecDes(pattern(130, 9)))
		require.NoError(t, err)
		_, err = sm.Engine().Delete(tctx, loid, 0, 40)
		require.NoError(t, err)
		_, err = sm.Engine().Truncate(tctx, loid, 100)
		require.NoError(t, err)
		require.NoError(t, sm.Engine().Compress(tctx, loid))
		require.NoError(t, sm.Rollback(tctx))

		assert.Equal(t, pattern(250, 1), content(t, sm, loid))
		assert.True(t, sm.Engine().Check(ctx, loid))
		assert.Equal(t, uint64(0), sm.Stats().Locks.GrantedLocks)
	})

	t.Run("事务内的锁阻塞其他调用", func(t *testing.T) {
		sm := openTest(t, newTestCfg(t.TempDir()))
		defer sm.Close()
		loid, err := sm.Engine().Create(ctx, []byte("shared"), 0, 0)
		require.NoError(t, err)

		tctx, err := sm.Begin(ctx)
		require.NoError(t, err)
		_, err = sm.Engine().Append(tctx, loid, lob.NewRecDes([]byte("!")))
		require.NoError(t, err)

		_, err = sm.Engine().Length(ctx, loid)
		assert.True(t, IsLockTimeout(err))

		require.NoError(t, sm.Commit(tctx))
		assert.Equal(t, []byte("shared!"), content(t, sm, loid))
	})

	t.Run("销毁在提交时回收首页", func(t *testing.T) {
		sm := openTest(t, newTestCfg(t.TempDir()))
		defer sm.Close()
		loid, err := sm.Engine().Create(ctx, pattern(300, 3), 0, 0)
		require.NoError(t, err)

		tctx, err := sm.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, sm.Destroy(tctx, loid))
		require.NoError(t, sm.Rollback(tctx))
		assert.Equal(t, pattern(300, 3), content(t, sm, loid))

		tctx, err = sm.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, sm.Destroy(tctx, loid))
		require.NoError(t, sm.Commit(tctx))
		_, err = sm.Engine().Length(ctx, loid)
		assert.True(t, lob.IsNotFound(err))

		again, err := sm.Engine().Create(ctx, []byte("new"), 0, 0)
		require.NoError(t, err)
		assert.Equal(t, loid.PageNo, again.PageNo)
		assert.Greater(t, again.Serial, loid.Serial)
	})

	t.Run("事务状态错误", func(t *testing.T) {
		sm := openTest(t, newTestCfg(t.TempDir()))
		assert.ErrorIs(t, sm.Commit(ctx), ErrTxNotFound)
		assert.ErrorIs(t, sm.Rollback(ctx), ErrTxNotFound)

		tctx, err := sm.Begin(ctx)
		require.NoError(t, err)
		_, err = sm.Begin(tctx)
		assert.ErrorIs(t, err, ErrTxAlreadyExists)
		require.NoError(t, sm.Commit(tctx))
		assert.ErrorIs(t, sm.Commit(tctx), ErrTxNotFound)

		require.NoError(t, sm.Close())
		_, err = sm.Begin(ctx)
		assert.ErrorIs(t, err, ErrManagerClosed)
	})
}

func TestStorageManager_Recovery(t *testing.T) {
	ctx := context.Background()

	t.Run("崩溃后撤销未提交的事务", func(t *testing.T) {
		cfg := newTestCfg(t.TempDir())
		sm := openTest(t, cfg)
		loid, err := sm.Engine().Create(ctx, []byte("base"), 0, 0)
		require.NoError(t, err)

		t1, err := sm.Begin(ctx)
		require.NoError(t, err)
		_, err = sm.Engine().Append(t1, loid, lob.NewRecDes([]byte("-committed")))
		require.NoError(t, err)
		require.NoError(t, sm.Commit(t1))

		t2, err := sm.Begin(ctx)
		require.NoError(t, err)
		_, err = sm.Engine().Append(t2, loid, lob.NewRecDes(pattern(500, 5)))
		require.NoError(t, err)
		orphan, err := sm.Engine().Create(t2, pattern(150, 7), 0, 0)
		require.NoError(t, err)
		// 不关闭: 缓冲池中的脏页全部丢失

		sm = openTest(t, cfg)
		defer sm.Close()
		res := sm.Stats().LastRecovery
		require.NotNil(t, res)
		assert.Len(t, res.Losers, 1)
		assert.Equal(t, 2, res.Undone)
		assert.Empty(t, res.Quarantined)

		assert.Equal(t, []byte("base-committed"), content(t, sm, loid))
		assert.True(t, sm.Engine().Check(ctx, loid))
		_, err = sm.Engine().Length(ctx, orphan)
		assert.True(t, lob.IsNotFound(err))

		// 新事务的ID不与日志中的重复
		tctx, err := sm.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, sm.Commit(tctx))
	})

	t.Run("检查点写入了未提交事务的页", func(t *testing.T) {
		cfg := newTestCfg(t.TempDir())
		sm := openTest(t, cfg)
		loid, err := sm.Engine().Create(ctx, pattern(220, 2), 0, 0)
		require.NoError(t, err)

		tctx, err := sm.Begin(ctx)
		require.NoError(t, err)
		_, err = sm.Engine().Delete(tctx, loid, 50, 120)
		require.NoError(t, err)
		require.NoError(t, sm.Checkpoint(ctx))
		assert.Equal(t, int64(0), sm.Stats().BufferPool.DirtyPages)
		_, err = sm.Engine().Write(tctx, loid, 0, lob.NewRecDes([]byte("dirty")))
		require.NoError(t, err)

		sm = openTest(t, cfg)
		defer sm.Close()
		assert.Equal(t, pattern(220, 2), content(t, sm, loid))
		assert.Equal(t, 2, sm.Stats().LastRecovery.Undone)
	})

	t.Run("恢复可以重复进行", func(t *testing.T) {
		cfg := newTestCfg(t.TempDir())
		sm := openTest(t, cfg)
		loid, err := sm.Engine().Create(ctx, []byte("abc"), 0, 0)
		require.NoError(t, err)
		tctx, err := sm.Begin(ctx)
		require.NoError(t, err)
		_, err = sm.Engine().Insert(tctx, loid, 1, lob.NewRecDes([]byte("XYZ")))
		require.NoError(t, err)

		sm = openTest(t, cfg)
		assert.Len(t, sm.Stats().LastRecovery.Losers, 1)
		res, err := sm.Recover(ctx)
		require.NoError(t, err)
		assert.Empty(t, res.Losers)
		assert.Equal(t, 0, res.Undone)
		assert.Equal(t, []byte("abc"), content(t, sm, loid))
		require.NoError(t, sm.Close())
	})

	t.Run("回收已提交但未回收的销毁", func(t *testing.T) {
		cfg := newTestCfg(t.TempDir())
		sm := openTest(t, cfg)
		loid, err := sm.Engine().Create(ctx, pattern(120, 4), 0, 0)
		require.NoError(t, err)
		require.NoError(t, sm.Engine().Destroy(ctx, loid))

		sm = openTest(t, cfg)
		defer sm.Close()
		assert.Equal(t, []lob.LOID{loid}, sm.Stats().LastRecovery.Purged)
		_, err = sm.Engine().Length(ctx, loid)
		assert.True(t, lob.IsNotFound(err))
	})

	t.Run("关闭时回滚未完成的事务", func(t *testing.T) {
		cfg := newTestCfg(t.TempDir())
		sm := openTest(t, cfg)
		loid, err := sm.Engine().Create(ctx, []byte("keep"), 0, 0)
		require.NoError(t, err)
		tctx, err := sm.Begin(ctx)
		require.NoError(t, err)
		_, err = sm.Engine().Append(tctx, loid, lob.NewRecDes([]byte(" me out")))
		require.NoError(t, err)
		require.NoError(t, sm.Close())

		sm = openTest(t, cfg)
		defer sm.Close()
		assert.Equal(t, []byte("keep"), content(t, sm, loid))
		assert.Empty(t, sm.Stats().LastRecovery.Losers)
	})

	t.Run("日志属于另一个表空间", func(t *testing.T) {
		cfg := newTestCfg(t.TempDir())
		sm := openTest(t, cfg)
		require.NoError(t, sm.Close())
		require.NoError(t, os.Remove(cfg.SpacePath()))

		_, err := Open(ctx, cfg)
		assert.True(t, IsLogSpaceMismatch(err))
	})
}

func TestStorageManager_Checkpoint(t *testing.T) {
	ctx := context.Background()
	cfg := newTestCfg(t.TempDir())
	cfg.BufferPoolPages = 16
	cfg.DirtyPageRatio = 0.25
	sm := openTest(t, cfg)
	defer sm.Close()

	loid, err := sm.Engine().Create(ctx, pattern(600, 8), 0, 0)
	require.NoError(t, err)
	assert.Greater(t, sm.Stats().BufferPool.DirtyPages, int64(0))

	require.NoError(t, sm.MaybeCheckpoint(ctx))
	st := sm.Stats()
	assert.Equal(t, int64(0), st.BufferPool.DirtyPages)
	assert.Equal(t, st.Log.NextLSN-1, st.Log.CheckpointLSN)
	assert.Equal(t, pattern(600, 8), content(t, sm, loid))

	// 低于阈值时不做检查点
	_, err = sm.Engine().Write(ctx, loid, 0, lob.NewRecDes([]byte("x")))
	require.NoError(t, err)
	require.NoError(t, sm.MaybeCheckpoint(ctx))
	assert.Equal(t, st.Log.CheckpointLSN, sm.Stats().Log.CheckpointLSN)

	var kinds []uint8
	require.NoError(t, sm.Records(st.Log.CheckpointLSN, func(e RedoLogEntry) error {
		kinds = append(kinds, e.Type)
		return nil
	}))
	assert.Equal(t, []uint8{uint8(lob.KindWrite)}, kinds)
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%251)
	}
	return b
}
