package lob

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-lob/server/innodb/buffer_pool"
	"github.com/zhukovaskychina/xmysql-lob/server/innodb/geometry"
	"github.com/zhukovaskychina/xmysql-lob/server/innodb/storage/space"
	"github.com/zhukovaskychina/xmysql-lob/server/innodb/storage/store/pages"
)

const (
	testPageSize = 1024
	testCapacity = 100
	testSpaceID  = 1
)

type loggedRecord struct {
	lsn     uint64
	trxID   uint64
	kind    uint8
	payload []byte
}

// memLog 内存中的日志, LSN 从1开始连续分配
type memLog struct {
	mu      sync.Mutex
	entries []loggedRecord
	flushed uint64
}

func (l *memLog) AppendRecord(_ context.Context, trxID uint64, kind uint8, payload []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lsn := uint64(len(l.entries)) + 1
	l.entries = append(l.entries, loggedRecord{lsn: lsn, trxID: trxID, kind: kind, payload: append([]byte(nil), payload...)})
	return lsn, nil
}

func (l *memLog) FlushUpTo(_ context.Context, lsn uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lsn > l.flushed {
		l.flushed = lsn
	}
	return nil
}

func (l *memLog) lastLSN() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint64(len(l.entries))
}

// prefix 只包含 LSN <= lsn 的记录的副本, 模拟崩溃时日志尾部丢失
func (l *memLog) prefix(lsn uint64) *memLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &memLog{entries: append([]loggedRecord(nil), l.entries[:lsn]...)}
}

// records 解析 LSN > after 的所有记录
func (l *memLog) records(t *testing.T, after uint64) []Record {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Record
	for _, e := range l.entries {
		if e.lsn <= after {
			continue
		}
		rec, err := DecodeRecord(e.lsn, e.trxID, e.kind, e.payload)
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

type testEnv struct {
	space  *space.MemorySpace
	pool   *buffer_pool.BufferPool
	log    *memLog
	engine *Engine
}

func newTestEnvOn(t *testing.T, sp *space.MemorySpace, log *memLog) *testEnv {
	t.Helper()
	pool, err := buffer_pool.NewBufferPool(buffer_pool.BufferPoolConfig{
		Capacity: 512,
		PageSize: testPageSize,
		WAL:      log,
	})
	require.NoError(t, err)
	require.NoError(t, pool.AddSpace(sp))
	e, err := NewEngine(geometry.New(testPageSize), pool, log, nil, Options{SpaceID: testSpaceID, PayloadLimit: testCapacity})
	require.NoError(t, err)
	return &testEnv{space: sp, pool: pool, log: log, engine: e}
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvOn(t, space.NewMemorySpace(testSpaceID, testPageSize, 0), &memLog{})
}

// checkpoint 刷出所有脏页, 返回检查点LSN
func (env *testEnv) checkpoint(t *testing.T) uint64 {
	t.Helper()
	var lsn uint64
	require.NoError(t, env.engine.Freeze(func() error {
		lsn = env.log.lastLSN()
		return env.pool.FlushAll(context.Background())
	}))
	return lsn
}

func (env *testEnv) content(t *testing.T, loid LOID) []byte {
	t.Helper()
	ctx := context.Background()
	n, err := env.engine.Length(ctx, loid)
	require.NoError(t, err)
	rd := NewRecDesBuffer(int(n))
	got, err := env.engine.Read(ctx, loid, 0, rd)
	require.NoError(t, err)
	require.Equal(t, int(n), got)
	return append([]byte{}, rd.Bytes()...)
}

func (env *testEnv) usage(t *testing.T, loid LOID) []int {
	t.Helper()
	stats, err := env.engine.Pages(context.Background(), loid)
	require.NoError(t, err)
	used := make([]int, 0, len(stats))
	for _, st := range stats {
		used = append(used, st.Used)
	}
	return used
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%251)
	}
	return b
}

func TestEngine_NewEngine(t *testing.T) {
	sp := space.NewMemorySpace(testSpaceID, 2048, 0)
	pool, err := buffer_pool.NewBufferPool(buffer_pool.BufferPoolConfig{Capacity: 8, PageSize: 2048})
	require.NoError(t, err)
	require.NoError(t, pool.AddSpace(sp))

	_, err = NewEngine(geometry.New(testPageSize), pool, &memLog{}, nil, Options{SpaceID: testSpaceID})
	assert.Error(t, err)
	_, err = NewEngine(geometry.New(2048), pool, &memLog{}, nil, Options{SpaceID: 9})
	assert.Error(t, err)

	e, err := NewEngine(geometry.New(2048), pool, &memLog{}, nil, Options{SpaceID: testSpaceID})
	require.NoError(t, err)
	assert.Equal(t, 2048-pages.ReservedSize, e.Capacity())
}

func TestEngine_RoundTrip(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	e := env.engine

	data := pattern(250, 1)
	loid, err := e.Create(ctx, data, 1000, 42)
	require.NoError(t, err)
	assert.False(t, loid.IsNil())

	assert.Equal(t, data, env.content(t, loid))
	assert.Equal(t, []int{100, 100, 50}, env.usage(t, loid))

	info, err := e.Info(ctx, loid)
	require.NoError(t, err)
	assert.Equal(t, int64(250), info.Length)
	assert.Equal(t, 3, info.PageCount)
	assert.True(t, info.Packed)
	assert.Equal(t, uint64(42), info.OwnerOID)
	assert.Equal(t, int64(1000), info.LengthHint)
	assert.Equal(t, env.log.lastLSN(), info.LastLSN)

	t.Run("部分读取", func(t *testing.T) {
		rd := NewRecDesBuffer(60)
		n, err := e.Read(ctx, loid, 80, rd)
		require.NoError(t, err)
		assert.Equal(t, 60, n)
		assert.Equal(t, data[80:140], rd.Bytes())

		rd = NewRecDesBuffer(100)
		n, err = e.Read(ctx, loid, 200, rd)
		require.NoError(t, err)
		assert.Equal(t, 50, n)
		assert.Equal(t, data[200:], rd.Bytes())

		n, err = e.Read(ctx, loid, 250, rd)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("空对象", func(t *testing.T) {
		empty, err := e.Create(ctx, nil, 0, 0)
		require.NoError(t, err)
		n, err := e.Length(ctx, empty)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
		assert.Empty(t, env.usage(t, empty))
		assert.NoError(t, e.Verify(ctx, empty))
	})
}

func TestEngine_InsertScenario(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	e := env.engine

	data := pattern(250, 3)
	loid, err := e.Create(ctx, data, 0, 0)
	require.NoError(t, err)

	ins := bytes.Repeat([]byte{0xEE}, 30)
	n, err := e.Insert(ctx, loid, 50, NewRecDes(ins))
	require.NoError(t, err)
	assert.Equal(t, int64(280), n)
	assert.Equal(t, []int{100, 100, 80}, env.usage(t, loid))
	assert.Equal(t, concat(data[:50], ins, data[50:]), env.content(t, loid))
	assert.NoError(t, e.Verify(ctx, loid))

	n, err = e.Truncate(ctx, loid, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	assert.Empty(t, env.usage(t, loid))
	info, err := e.Info(ctx, loid)
	require.NoError(t, err)
	assert.True(t, info.Packed)
	assert.Equal(t, 0, info.PageCount)

	// 截断回收的页面可以再分配
	assert.False(t, env.space.IsAllocated(2))
}

func TestEngine_LengthAlgebra(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	e := env.engine

	loid, err := e.Create(ctx, pattern(120, 1), 0, 0)
	require.NoError(t, err)
	want := pattern(120, 1)

	n, err := e.Append(ctx, loid, NewRecDes(pattern(95, 2)))
	require.NoError(t, err)
	want = append(want, pattern(95, 2)...)
	assert.Equal(t, int64(len(want)), n)

	// 覆盖并延长
	n, err = e.Write(ctx, loid, 200, NewRecDes(pattern(40, 3)))
	require.NoError(t, err)
	want = append(want[:200], pattern(40, 3)...)
	assert.Equal(t, int64(240), n)

	// 越过末尾写入时中间补零
	n, err = e.Write(ctx, loid, 250, NewRecDes([]byte("tail")))
	require.NoError(t, err)
	want = append(want, make([]byte, 10)...)
	want = append(want, []byte("tail")...)
	assert.Equal(t, int64(254), n)

	n, err = e.Delete(ctx, loid, 30, 70)
	require.NoError(t, err)
	want = append(want[:30:30], want[100:]...)
	assert.Equal(t, int64(184), n)

	n, err = e.Insert(ctx, loid, 184, NewRecDes([]byte("end")))
	require.NoError(t, err)
	want = append(want, []byte("end")...)
	assert.Equal(t, int64(187), n)

	n, err = e.Truncate(ctx, loid, 150)
	require.NoError(t, err)
	want = want[:150]
	assert.Equal(t, int64(150), n)

	assert.Equal(t, want, env.content(t, loid))
	assert.NoError(t, e.Verify(ctx, loid))

	t.Run("空操作不写日志", func(t *testing.T) {
		lsn := env.log.lastLSN()
		_, err := e.Write(ctx, loid, 10, NewRecDes(nil))
		require.NoError(t, err)
		_, err = e.Insert(ctx, loid, 10, NewRecDes(nil))
		require.NoError(t, err)
		_, err = e.Append(ctx, loid, NewRecDes(nil))
		require.NoError(t, err)
		_, err = e.Delete(ctx, loid, 10, 0)
		require.NoError(t, err)
		_, err = e.Truncate(ctx, loid, 150)
		require.NoError(t, err)
		assert.Equal(t, lsn, env.log.lastLSN())
	})
}

func TestEngine_InsertDeleteInverse(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	e := env.engine

	base := pattern(250, 7)
	loid, err := e.Create(ctx, base, 0, 0)
	require.NoError(t, err)

	for _, offset := range []int64{0, 1, 99, 100, 101, 200, 250} {
		for _, size := range []int{1, 30, 100, 250} {
			t.Run(fmt.Sprintf("offset=%d,size=%d", offset, size), func(t *testing.T) {
				_, err := e.Insert(ctx, loid, offset, NewRecDes(pattern(size, 0x80)))
				require.NoError(t, err)
				require.NoError(t, e.Verify(ctx, loid))
				_, err = e.Delete(ctx, loid, offset, int64(size))
				require.NoError(t, err)
				assert.Equal(t, base, env.content(t, loid))
				assert.NoError(t, e.Verify(ctx, loid))
			})
		}
	}
}

func TestEngine_Compress(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	e := env.engine

	data := pattern(250, 5)
	loid, err := e.Create(ctx, data, 0, 0)
	require.NoError(t, err)

	_, err = e.Delete(ctx, loid, 10, 20)
	require.NoError(t, err)
	assert.Equal(t, []int{80, 100, 50}, env.usage(t, loid))
	info, err := e.Info(ctx, loid)
	require.NoError(t, err)
	assert.False(t, info.Packed)

	require.NoError(t, e.Compress(ctx, loid))
	assert.Equal(t, []int{100, 100, 30}, env.usage(t, loid))
	assert.Equal(t, concat(data[:10], data[30:]), env.content(t, loid))
	info, err = e.Info(ctx, loid)
	require.NoError(t, err)
	assert.True(t, info.Packed)
	assert.NoError(t, e.Verify(ctx, loid))

	// 已经紧凑时不写日志
	lsn := env.log.lastLSN()
	require.NoError(t, e.Compress(ctx, loid))
	assert.Equal(t, lsn, env.log.lastLSN())

	t.Run("整页删除后压实", func(t *testing.T) {
		loid, err := e.Create(ctx, pattern(450, 9), 0, 0)
		require.NoError(t, err)
		_, err = e.Delete(ctx, loid, 150, 200)
		require.NoError(t, err)
		assert.Equal(t, []int{100, 50, 50, 50}, env.usage(t, loid))
		require.NoError(t, e.Compress(ctx, loid))
		assert.Equal(t, []int{100, 100, 50}, env.usage(t, loid))
		assert.NoError(t, e.Verify(ctx, loid))
	})
}

func TestEngine_Destroy(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	e := env.engine

	loid, err := e.Create(ctx, pattern(250, 1), 0, 0)
	require.NoError(t, err)
	require.NoError(t, e.Destroy(ctx, loid))

	_, err = e.Length(ctx, loid)
	assert.True(t, IsNotFound(err))
	assert.True(t, IsNotFound(e.Destroy(ctx, loid)))
	// 首页保留到 Purge
	assert.True(t, env.space.IsAllocated(loid.PageNo))
	assert.False(t, env.space.IsAllocated(loid.PageNo+1))

	require.NoError(t, e.Purge(ctx, loid))
	assert.False(t, env.space.IsAllocated(loid.PageNo))
	assert.True(t, IsNotFound(e.Purge(ctx, loid)))

	live, err := e.Create(ctx, []byte("x"), 0, 0)
	require.NoError(t, err)
	assert.Error(t, e.Purge(ctx, live))

	// 新对象复用了页号, 旧的 LOID 仍然无效
	assert.Equal(t, loid.PageNo, live.PageNo)
	_, err = e.Length(ctx, loid)
	assert.True(t, IsNotFound(err))
}

func TestEngine_Errors(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	e := env.engine

	loid, err := e.Create(ctx, pattern(150, 1), 0, 0)
	require.NoError(t, err)

	_, err = e.Read(ctx, loid, 151, NewRecDesBuffer(1))
	assert.True(t, IsNotFound(err))
	_, err = e.Read(ctx, loid, -1, NewRecDesBuffer(1))
	assert.True(t, IsInvalidRange(err))
	_, err = e.Insert(ctx, loid, 151, NewRecDes([]byte("x")))
	assert.True(t, IsInvalidRange(err))
	_, err = e.Delete(ctx, loid, 100, 51)
	assert.True(t, IsInvalidRange(err))
	_, err = e.Truncate(ctx, loid, 151)
	assert.True(t, IsInvalidRange(err))
	_, err = e.Write(ctx, loid, -5, NewRecDes([]byte("x")))
	assert.True(t, IsInvalidRange(err))
	_, err = e.Create(ctx, nil, -1, 0)
	assert.True(t, IsInvalidRange(err))
	_, err = e.Append(ctx, loid, &RecDes{Data: []byte("ab"), AreaSize: 2, Length: 3})
	assert.True(t, IsInvalidRange(err))

	stale := loid
	stale.Serial++
	_, err = e.Length(ctx, stale)
	assert.True(t, IsNotFound(err))
	_, err = e.Length(ctx, LOID{SpaceID: testSpaceID, PageNo: 77, Serial: 1})
	assert.True(t, IsNotFound(err))
	_, err = e.Length(ctx, NilLOID)
	assert.True(t, IsNotFound(err))

	// 失败的操作不改变对象
	assert.Equal(t, pattern(150, 1), env.content(t, loid))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = e.Append(cancelled, loid, NewRecDes([]byte("x")))
	assert.Equal(t, context.Canceled, err)
}

func TestEngine_OutOfSpace(t *testing.T) {
	ctx := context.Background()
	env := newTestEnvOn(t, space.NewMemorySpace(testSpaceID, testPageSize, 5), &memLog{})
	e := env.engine

	_, err := e.Create(ctx, pattern(1000, 1), 0, 0)
	assert.True(t, IsOutOfSpace(err))
	_, err = e.Create(ctx, nil, 1000, 0)
	assert.True(t, IsOutOfSpace(err))

	loid, err := e.Create(ctx, pattern(250, 1), 0, 0)
	require.NoError(t, err)
	lsn := env.log.lastLSN()

	_, err = e.Append(ctx, loid, NewRecDes(pattern(100, 2)))
	assert.True(t, IsOutOfSpace(err))
	assert.Equal(t, lsn, env.log.lastLSN())
	assert.Equal(t, pattern(250, 1), env.content(t, loid))
	assert.NoError(t, e.Verify(ctx, loid))

	// 还能放进最后一页的追加可以成功
	_, err = e.Append(ctx, loid, NewRecDes(pattern(50, 3)))
	require.NoError(t, err)
}

// failingCache 在成功取页 budget 次之后让 Fetch 返回读错误
type failingCache struct {
	*buffer_pool.BufferPool
	mu     sync.Mutex
	budget int
}

var errDiskRead = fmt.Errorf("read page: input/output error")

func (c *failingCache) Fetch(id pages.PageID) (*buffer_pool.BufferPage, error) {
	c.mu.Lock()
	if c.budget == 0 {
		c.mu.Unlock()
		return nil, errDiskRead
	}
	c.budget--
	c.mu.Unlock()
	return c.BufferPool.Fetch(id)
}

func TestEngine_FailedCallLeavesChainIntact(t *testing.T) {
	ctx := context.Background()

	t.Run("中间插入空间不足", func(t *testing.T) {
		env := newTestEnvOn(t, space.NewMemorySpace(testSpaceID, testPageSize, 6), &memLog{})
		e := env.engine

		data := pattern(390, 1)
		loid, err := e.Create(ctx, data, 0, 0)
		require.NoError(t, err)
		lsn := env.log.lastLSN()
		usage := env.usage(t, loid)

		_, err = e.Insert(ctx, loid, 10, NewRecDes(pattern(250, 2)))
		assert.True(t, IsOutOfSpace(err))
		assert.Equal(t, lsn, env.log.lastLSN())
		assert.Equal(t, data, env.content(t, loid))
		assert.Equal(t, usage, env.usage(t, loid))
		assert.NoError(t, e.Verify(ctx, loid))
	})

	ops := map[string]func(e *Engine, loid LOID) error{
		"删除": func(e *Engine, loid LOID) error {
			_, err := e.Delete(ctx, loid, 10, 150)
			return err
		},
		"覆盖写": func(e *Engine, loid LOID) error {
			_, err := e.Write(ctx, loid, 30, NewRecDes(pattern(300, 9)))
			return err
		},
		"插入": func(e *Engine, loid LOID) error {
			_, err := e.Insert(ctx, loid, 120, NewRecDes(pattern(60, 9)))
			return err
		},
	}
	for name, op := range ops {
		op := op
		t.Run("读页失败:"+name, func(t *testing.T) {
			env := newTestEnv(t)
			data := pattern(390, 1)
			loid, err := env.engine.Create(ctx, data, 0, 0)
			require.NoError(t, err)
			usage := env.usage(t, loid)

			cache := &failingCache{BufferPool: env.pool}
			faulty, err := NewEngine(geometry.New(testPageSize), cache, env.log, nil, Options{SpaceID: testSpaceID, PayloadLimit: testCapacity})
			require.NoError(t, err)

			// 依次让第 1, 2, 3... 次取页失败, 直到操作不再需要更多的页
			for budget := 0; ; budget++ {
				require.Less(t, budget, 64)
				cache.budget = budget
				lsn := env.log.lastLSN()
				err := op(faulty, loid)
				if err == nil {
					break
				}
				assert.True(t, IsIO(err), "budget %d: %v", budget, err)
				assert.Equal(t, lsn, env.log.lastLSN(), "budget %d", budget)
				assert.Equal(t, data, env.content(t, loid), "budget %d", budget)
				assert.Equal(t, usage, env.usage(t, loid), "budget %d", budget)
				assert.NoError(t, env.engine.Verify(ctx, loid), "budget %d", budget)
			}
		})
	}
}

func TestEngine_Corruption(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	e := env.engine

	loid, err := e.Create(ctx, pattern(250, 1), 0, 0)
	require.NoError(t, err)
	stats, err := e.Pages(ctx, loid)
	require.NoError(t, err)

	// 把第二页的已用字节数改坏
	f, err := env.pool.Fetch(pages.PageID{SpaceID: testSpaceID, PageNo: stats[1].PageNo})
	require.NoError(t, err)
	f.Page().SetUsed(0)
	require.NoError(t, env.pool.Unpin(f))

	assert.True(t, IsCorruption(e.Verify(ctx, loid)))
	assert.False(t, e.Check(ctx, loid))
	rd := NewRecDesBuffer(250)
	_, err = e.Read(ctx, loid, 0, rd)
	assert.True(t, IsCorruption(err))

	var out bytes.Buffer
	require.NoError(t, e.Dump(ctx, loid, &out, 0))
	assert.Contains(t, out.String(), "!!")
}

func TestEngine_Dump(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	e := env.engine

	loid, err := e.Create(ctx, pattern(450, 1), 0, 7)
	require.NoError(t, err)
	assert.True(t, e.Check(ctx, loid))

	var out bytes.Buffer
	require.NoError(t, e.Dump(ctx, loid, &out, 2))
	s := out.String()
	assert.Contains(t, s, "LOID "+loid.String())
	assert.Contains(t, s, "length:      450")
	assert.Contains(t, s, "owner:       7")
	assert.Contains(t, s, "... 3 more pages")

	_, err = e.Length(ctx, loid)
	require.NoError(t, err)
	assert.True(t, IsNotFound(e.Dump(ctx, LOID{SpaceID: testSpaceID, PageNo: 99, Serial: 1}, &out, 0)))
}

func TestEngine_Concurrent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	e := env.engine

	const workers = 8
	loids := make([]LOID, workers)
	for i := range loids {
		loid, err := e.Create(ctx, nil, 0, uint64(i))
		require.NoError(t, err)
		loids[i] = loid
	}

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if _, err := e.Append(ctx, loids[i], NewRecDes(pattern(37, byte(i)))); err != nil {
					errs <- err
					return
				}
				rd := NewRecDesBuffer(37)
				if _, err := e.Read(ctx, loids[i], int64(j*37), rd); err != nil {
					errs <- err
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	for i, loid := range loids {
		assert.Equal(t, bytes.Repeat(pattern(37, byte(i)), 20), env.content(t, loid))
		assert.NoError(t, e.Verify(ctx, loid))
	}
}
