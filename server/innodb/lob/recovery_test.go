package lob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lobctx "github.com/zhukovaskychina/xmysql-lob/server/innodb/context"
)

func TestRecovery_RedoAfterCrash(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	e := env.engine

	a, err := e.Create(ctx, pattern(250, 1), 0, 1)
	require.NoError(t, err)
	b, err := e.Create(ctx, pattern(120, 2), 0, 2)
	require.NoError(t, err)
	gone, err := e.Create(ctx, pattern(300, 3), 0, 3)
	require.NoError(t, err)
	ckpt := env.checkpoint(t)

	_, err = e.Insert(ctx, a, 50, NewRecDes(pattern(30, 4)))
	require.NoError(t, err)
	_, err = e.Delete(ctx, b, 10, 20)
	require.NoError(t, err)
	require.NoError(t, e.Compress(ctx, b))
	_, err = e.Write(ctx, b, 150, NewRecDes(pattern(10, 5)))
	require.NoError(t, err)
	require.NoError(t, e.Destroy(ctx, gone))
	require.NoError(t, e.Purge(ctx, gone))
	c, err := e.Create(ctx, pattern(90, 6), 500, 4)
	require.NoError(t, err)
	_, err = e.Append(ctx, a, NewRecDes(pattern(175, 7)))
	require.NoError(t, err)
	_, err = e.Truncate(ctx, a, 200)
	require.NoError(t, err)

	want := map[LOID][]byte{
		a: env.content(t, a),
		b: env.content(t, b),
		c: env.content(t, c),
	}

	crashed := newTestEnvOn(t, env.space.Crash(), env.log.prefix(env.log.lastLSN()))
	// 检查点之后的页面没有落盘
	_, err = crashed.engine.Length(ctx, c)
	assert.True(t, IsNotFound(err))

	for _, rec := range env.log.records(t, ckpt) {
		require.NoError(t, crashed.engine.Redo(ctx, rec), rec.String())
	}
	for loid, data := range want {
		assert.Equal(t, data, crashed.content(t, loid), loid.String())
		assert.NoError(t, crashed.engine.Verify(ctx, loid))
		assert.Equal(t, env.usage(t, loid), crashed.usage(t, loid))
	}
	_, err = crashed.engine.Length(ctx, gone)
	assert.True(t, IsNotFound(err))
	for no := uint32(1); no < 32; no++ {
		assert.Equal(t, env.space.IsAllocated(no), crashed.space.IsAllocated(no), "page %d", no)
	}

	// 重放后的表空间可以继续使用, 新对象不会拿到重复的序列号
	d, err := crashed.engine.Create(ctx, []byte("after"), 0, 0)
	require.NoError(t, err)
	assert.Greater(t, d.Serial, c.Serial)
}

func TestRecovery_RedoSkipsApplied(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	e := env.engine

	loid, err := e.Create(ctx, pattern(150, 1), 0, 0)
	require.NoError(t, err)
	_, err = e.Append(ctx, loid, NewRecDes(pattern(60, 2)))
	require.NoError(t, err)
	want := env.content(t, loid)

	// 所有修改都已经在页上, 重放什么都不做
	for _, rec := range env.log.records(t, 0) {
		require.NoError(t, e.Redo(ctx, rec))
	}
	assert.Equal(t, want, env.content(t, loid))
	assert.NoError(t, e.Verify(ctx, loid))
}

func TestRecovery_UndoTransaction(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	e := env.engine

	a, err := e.Create(ctx, pattern(250, 1), 0, 0)
	require.NoError(t, err)
	before := env.content(t, a)
	start := env.log.lastLSN()

	trx := lobctx.WithTrxID(ctx, 9)
	_, err = e.Insert(trx, a, 50, NewRecDes(pattern(30, 2)))
	require.NoError(t, err)
	_, err = e.Delete(trx, a, 0, 120)
	require.NoError(t, err)
	require.NoError(t, e.Compress(trx, a))
	_, err = e.Write(trx, a, 100, NewRecDes(pattern(80, 3)))
	require.NoError(t, err)
	_, err = e.Append(trx, a, NewRecDes(pattern(40, 4)))
	require.NoError(t, err)
	_, err = e.Truncate(trx, a, 40)
	require.NoError(t, err)
	created, err := e.Create(trx, pattern(140, 5), 0, 0)
	require.NoError(t, err)

	recs := env.log.records(t, start)
	require.Len(t, recs, 7)
	for _, rec := range recs {
		assert.Equal(t, uint64(9), rec.TrxID)
	}
	// 撤销create后首页立即归还, 之后的撤销可能重新用到这一页
	require.NoError(t, e.Undo(ctx, recs[6]), recs[6].String())
	assert.False(t, env.space.IsAllocated(created.PageNo))
	for i := len(recs) - 2; i >= 0; i-- {
		require.NoError(t, e.Undo(ctx, recs[i]), recs[i].String())
	}

	assert.Equal(t, before, env.content(t, a))
	assert.NoError(t, e.Verify(ctx, a))
	_, err = e.Length(ctx, created)
	assert.True(t, IsNotFound(err))

	clrs := env.log.records(t, start+uint64(len(recs)))
	require.Len(t, clrs, len(recs))
	for i, clr := range clrs {
		comp, ok := clr.Op.(*CompensationOp)
		require.True(t, ok)
		assert.Equal(t, recs[len(recs)-1-i].LSN, comp.Undone.LSN)
		assert.Equal(t, uint64(9), clr.TrxID)
	}

	// 再次撤销被跳过, 不写新的补偿记录
	lsn := env.log.lastLSN()
	for i := len(recs) - 1; i >= 0; i-- {
		require.NoError(t, e.Undo(ctx, recs[i]))
	}
	assert.Equal(t, lsn, env.log.lastLSN())
	for _, clr := range clrs {
		require.NoError(t, e.Undo(ctx, clr))
	}
	assert.Equal(t, lsn, env.log.lastLSN())
}

func TestRecovery_UndoDestroy(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	e := env.engine

	loid, err := e.Create(ctx, pattern(230, 1), 0, 0)
	require.NoError(t, err)
	start := env.log.lastLSN()
	require.NoError(t, e.Destroy(lobctx.WithTrxID(ctx, 3), loid))
	_, err = e.Length(ctx, loid)
	require.True(t, IsNotFound(err))

	recs := env.log.records(t, start)
	require.Len(t, recs, 1)
	require.NoError(t, e.Undo(ctx, recs[0]))
	assert.Equal(t, pattern(230, 1), env.content(t, loid))
	assert.NoError(t, e.Verify(ctx, loid))
}

func TestRecovery_UndoOutOfOrder(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	e := env.engine

	loid, err := e.Create(ctx, pattern(100, 1), 0, 0)
	require.NoError(t, err)
	start := env.log.lastLSN()
	_, err = e.Append(ctx, loid, NewRecDes(pattern(10, 2)))
	require.NoError(t, err)
	_, err = e.Append(ctx, loid, NewRecDes(pattern(10, 3)))
	require.NoError(t, err)

	recs := env.log.records(t, start)
	err = e.Undo(ctx, recs[0])
	assert.True(t, IsCorruption(err))
	assert.Equal(t, 120, len(env.content(t, loid)))
}

// 撤销了一部分时崩溃: 重放补偿记录后继续撤销剩下的记录
func TestRecovery_CompensationRedo(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	e := env.engine

	a, err := e.Create(ctx, pattern(250, 1), 0, 0)
	require.NoError(t, err)
	ckpt := env.checkpoint(t)
	before := env.content(t, a)

	trx := lobctx.WithTrxID(ctx, 5)
	_, err = e.Insert(trx, a, 120, NewRecDes(pattern(70, 2)))
	require.NoError(t, err)
	_, err = e.Delete(trx, a, 10, 150)
	require.NoError(t, err)
	require.NoError(t, e.Destroy(trx, a))
	recs := env.log.records(t, ckpt)
	require.Len(t, recs, 3)

	// 撤销 destroy 和 delete 后崩溃
	require.NoError(t, e.Undo(ctx, recs[2]))
	require.NoError(t, e.Undo(ctx, recs[1]))
	mid := env.content(t, a)
	crashAt := env.log.lastLSN()

	t.Run("全部重放", func(t *testing.T) {
		crashed := newTestEnvOn(t, env.space.Crash(), env.log.prefix(crashAt))
		for _, rec := range env.log.records(t, ckpt) {
			require.NoError(t, crashed.engine.Redo(ctx, rec), rec.String())
		}
		assert.Equal(t, mid, crashed.content(t, a))
		assert.NoError(t, crashed.engine.Verify(ctx, a))

		for i := len(recs) - 1; i >= 0; i-- {
			require.NoError(t, crashed.engine.Undo(ctx, recs[i]))
		}
		assert.Equal(t, before, crashed.content(t, a))
		// 只有 insert 需要补偿
		assert.Equal(t, crashAt+1, crashed.log.lastLSN())
	})

	t.Run("只有第一条补偿记录落盘", func(t *testing.T) {
		log := env.log.prefix(crashAt - 1)
		crashed := newTestEnvOn(t, env.space.Crash(), log)
		for _, rec := range log.records(t, ckpt) {
			require.NoError(t, crashed.engine.Redo(ctx, rec), rec.String())
		}
		_, err := crashed.engine.Length(ctx, a)
		require.NoError(t, err)

		for i := len(recs) - 1; i >= 0; i-- {
			require.NoError(t, crashed.engine.Undo(ctx, recs[i]))
		}
		assert.Equal(t, before, crashed.content(t, a))
		assert.NoError(t, crashed.engine.Verify(ctx, a))
	})
}
