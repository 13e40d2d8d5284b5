// Command xlob 大对象存储的命令行工具: 创建、读写、检查和诊断表空间中的大对象.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	jerrors "github.com/juju/errors"
	"github.com/piex/transcode"
	"github.com/shopspring/decimal"

	"github.com/zhukovaskychina/xmysql-lob/logger"
	"github.com/zhukovaskychina/xmysql-lob/server/conf"
	"github.com/zhukovaskychina/xmysql-lob/server/innodb/lob"
	"github.com/zhukovaskychina/xmysql-lob/server/innodb/manager"
)

const version = "0.1.0"

// Globals 所有子命令共享的参数
type Globals struct {
	Config string `name:"config" short:"c" help:"配置文件路径(.ini 或 .toml)" type:"path"`
}

var CLI struct {
	Globals

	Init     InitCmd     `cmd:"" help:"创建表空间和重做日志"`
	Put      PutCmd      `cmd:"" help:"创建大对象, 输出 LOID"`
	Get      GetCmd      `cmd:"" help:"读取大对象内容"`
	Write    WriteCmd    `cmd:"" help:"从偏移处覆盖写"`
	Append   AppendCmd   `cmd:"" help:"追加到末尾"`
	Insert   InsertCmd   `cmd:"" help:"在偏移处插入"`
	Delete   DeleteCmd   `cmd:"" help:"删除一段字节"`
	Truncate TruncateCmd `cmd:"" help:"截断到指定长度"`
	Compress CompressCmd `cmd:"" help:"把对象重新紧凑存放"`
	Destroy  DestroyCmd  `cmd:"" help:"销毁大对象并回收页"`
	Check    CheckCmd    `cmd:"" help:"检查页链结构"`
	Dump     DumpCmd     `cmd:"" help:"打印对象头和页链"`
	Stat     StatCmd     `cmd:"" help:"打印存储统计"`
	Recover  RecoverCmd  `cmd:"" help:"执行崩溃恢复并打印结果"`
	Records  RecordsCmd  `cmd:"" help:"打印重做日志记录"`
	Version  VersionCmd  `cmd:"" help:"打印版本"`
}

// open 读取配置, 初始化日志并打开存储. 打开时会完成恢复.
func (g *Globals) open(ctx context.Context) (*manager.StorageManager, error) {
	cfg, err := conf.NewCfg().Load(&conf.CommandLineArgs{ConfigPath: g.Config})
	if err != nil {
		return nil, err
	}
	if err := logger.InitLogger(logger.LogConfig{
		ErrorLogPath: cfg.LogError,
		InfoLogPath:  cfg.LogInfos,
		LogLevel:     cfg.LogLevel,
	}); err != nil {
		return nil, err
	}
	return manager.Open(ctx, cfg)
}

// withStorage 打开存储执行 fn, 结束时关闭. fn 和关闭都失败时返回 fn 的错误.
func (g *Globals) withStorage(fn func(ctx context.Context, sm *manager.StorageManager) error) error {
	ctx := context.Background()
	sm, err := g.open(ctx)
	if err != nil {
		return err
	}
	runErr := fn(ctx, sm)
	closeErr := sm.Close()
	if runErr != nil {
		return runErr
	}
	return closeErr
}

// DataSource 写入类命令的输入, --data 和 --file 二选一
type DataSource struct {
	Data string `help:"要写入的内容" xor:"input"`
	File string `help:"从文件读取要写入的内容" type:"existingfile" xor:"input"`
}

func (s DataSource) bytes() ([]byte, error) {
	if s.File != "" {
		b, err := os.ReadFile(s.File)
		if err != nil {
			return nil, jerrors.Annotatef(err, "read %s", s.File)
		}
		return b, nil
	}
	return []byte(s.Data), nil
}

func parseLOID(s string) (lob.LOID, error) {
	loid, err := lob.ParseLOID(s)
	if err != nil {
		return lob.NilLOID, jerrors.Annotate(err, "loid")
	}
	return loid, nil
}

type InitCmd struct{}

func (c *InitCmd) Run(g *Globals) error {
	return g.withStorage(func(ctx context.Context, sm *manager.StorageManager) error {
		st := sm.Stats()
		fmt.Printf("space:    %s\n", st.SpaceUUID)
		fmt.Printf("page:     %d bytes, %d bytes payload\n", st.PageSize, st.PageCapacity)
		fmt.Printf("next lsn: %d\n", st.Log.NextLSN)
		return nil
	})
}

type PutCmd struct {
	DataSource
	Hint  int64  `help:"预期长度, 用于预留页" default:"0"`
	Owner uint64 `help:"所属记录的OID" default:"0"`
}

func (c *PutCmd) Run(g *Globals) error {
	data, err := c.bytes()
	if err != nil {
		return err
	}
	return g.withStorage(func(ctx context.Context, sm *manager.StorageManager) error {
		loid, err := sm.Engine().Create(ctx, data, c.Hint, c.Owner)
		if err != nil {
			return err
		}
		fmt.Println(loid)
		return nil
	})
}

type GetCmd struct {
	LOID    string `arg:"" name:"loid" help:"对象标识 space:page:serial"`
	Offset  int64  `help:"起始偏移" default:"0"`
	Length  int64  `help:"读取字节数, 负数表示读到末尾" default:"-1"`
	Charset string `help:"按指定字符集解码后输出, 例如 GBK"`
	Out     string `help:"输出到文件" type:"path"`
}

func (c *GetCmd) Run(g *Globals) error {
	loid, err := parseLOID(c.LOID)
	if err != nil {
		return err
	}
	return g.withStorage(func(ctx context.Context, sm *manager.StorageManager) error {
		n := c.Length
		if n < 0 {
			length, err := sm.Engine().Length(ctx, loid)
			if err != nil {
				return err
			}
			n = length - c.Offset
			if n < 0 {
				n = 0
			}
		}
		rd := lob.NewRecDesBuffer(int(n))
		if _, err := sm.Engine().Read(ctx, loid, c.Offset, rd); err != nil {
			return err
		}
		out := rd.Bytes()
		if c.Charset != "" {
			out = []byte(transcode.FromByteArray(out).Decode(strings.ToUpper(c.Charset)).ToString())
		}
		if c.Out != "" {
			return jerrors.Annotatef(os.WriteFile(c.Out, out, 0644), "write %s", c.Out)
		}
		_, err := os.Stdout.Write(out)
		return err
	})
}

// mutate 写入类命令的公共部分: 解析 LOID, 执行, 打印新长度
func mutate(g *Globals, s string, fn func(ctx context.Context, e *lob.Engine, loid lob.LOID) (int64, error)) error {
	loid, err := parseLOID(s)
	if err != nil {
		return err
	}
	return g.withStorage(func(ctx context.Context, sm *manager.StorageManager) error {
		length, err := fn(ctx, sm.Engine(), loid)
		if err != nil {
			return err
		}
		fmt.Printf("%s length=%d\n", loid, length)
		return nil
	})
}

type WriteCmd struct {
	LOID   string `arg:"" name:"loid"`
	Offset int64  `arg:"" help:"起始偏移"`
	DataSource
}

func (c *WriteCmd) Run(g *Globals) error {
	data, err := c.bytes()
	if err != nil {
		return err
	}
	return mutate(g, c.LOID, func(ctx context.Context, e *lob.Engine, loid lob.LOID) (int64, error) {
		return e.Write(ctx, loid, c.Offset, lob.NewRecDes(data))
	})
}

type AppendCmd struct {
	LOID string `arg:"" name:"loid"`
	DataSource
}

func (c *AppendCmd) Run(g *Globals) error {
	data, err := c.bytes()
	if err != nil {
		return err
	}
	return mutate(g, c.LOID, func(ctx context.Context, e *lob.Engine, loid lob.LOID) (int64, error) {
		return e.Append(ctx, loid, lob.NewRecDes(data))
	})
}

type InsertCmd struct {
	LOID   string `arg:"" name:"loid"`
	Offset int64  `arg:"" help:"插入位置"`
	DataSource
}

func (c *InsertCmd) Run(g *Globals) error {
	data, err := c.bytes()
	if err != nil {
		return err
	}
	return mutate(g, c.LOID, func(ctx context.Context, e *lob.Engine, loid lob.LOID) (int64, error) {
		return e.Insert(ctx, loid, c.Offset, lob.NewRecDes(data))
	})
}

type DeleteCmd struct {
	LOID   string `arg:"" name:"loid"`
	Offset int64  `arg:"" help:"起始偏移"`
	Length int64  `arg:"" help:"删除字节数"`
}

func (c *DeleteCmd) Run(g *Globals) error {
	return mutate(g, c.LOID, func(ctx context.Context, e *lob.Engine, loid lob.LOID) (int64, error) {
		return e.Delete(ctx, loid, c.Offset, c.Length)
	})
}

type TruncateCmd struct {
	LOID   string `arg:"" name:"loid"`
	Offset int64  `arg:"" help:"保留的长度"`
}

func (c *TruncateCmd) Run(g *Globals) error {
	return mutate(g, c.LOID, func(ctx context.Context, e *lob.Engine, loid lob.LOID) (int64, error) {
		return e.Truncate(ctx, loid, c.Offset)
	})
}

type CompressCmd struct {
	LOID string `arg:"" name:"loid"`
}

func (c *CompressCmd) Run(g *Globals) error {
	return mutate(g, c.LOID, func(ctx context.Context, e *lob.Engine, loid lob.LOID) (int64, error) {
		if err := e.Compress(ctx, loid); err != nil {
			return 0, err
		}
		return e.Length(ctx, loid)
	})
}

type DestroyCmd struct {
	LOID string `arg:"" name:"loid"`
}

func (c *DestroyCmd) Run(g *Globals) error {
	loid, err := parseLOID(c.LOID)
	if err != nil {
		return err
	}
	return g.withStorage(func(ctx context.Context, sm *manager.StorageManager) error {
		return sm.Destroy(ctx, loid)
	})
}

type CheckCmd struct {
	LOIDs []string `arg:"" name:"loid" help:"要检查的对象"`
}

func (c *CheckCmd) Run(g *Globals) error {
	loids := make([]lob.LOID, 0, len(c.LOIDs))
	for _, s := range c.LOIDs {
		loid, err := parseLOID(s)
		if err != nil {
			return err
		}
		loids = append(loids, loid)
	}
	return g.withStorage(func(ctx context.Context, sm *manager.StorageManager) error {
		bad, err := checkObjects(ctx, sm.Engine(), loids, os.Stdout)
		if err != nil {
			return err
		}
		if bad > 0 {
			return jerrors.Errorf("%d of %d objects failed the check", bad, len(loids))
		}
		return nil
	})
}

type verifier interface {
	Verify(ctx context.Context, loid lob.LOID) error
}

// checkObjects 逐个校验并打印结果, 返回结构有问题的对象数.
// 读页失败时停止检查, 这时结果不能说明对象本身是否完好.
func checkObjects(ctx context.Context, v verifier, loids []lob.LOID, w io.Writer) (int, error) {
	bad := 0
	for _, loid := range loids {
		err := v.Verify(ctx, loid)
		switch {
		case err == nil:
			fmt.Fprintf(w, "%s ok\n", loid)
		case lob.IsIO(err):
			return bad, jerrors.Annotatef(err, "check %s", loid)
		default:
			bad++
			fmt.Fprintf(w, "%s BAD: %v\n", loid, err)
		}
	}
	return bad, nil
}

type DumpCmd struct {
	LOID  string `arg:"" name:"loid"`
	Pages int    `help:"最多打印的页数, 0 表示全部" default:"0"`
}

func (c *DumpCmd) Run(g *Globals) error {
	loid, err := parseLOID(c.LOID)
	if err != nil {
		return err
	}
	return g.withStorage(func(ctx context.Context, sm *manager.StorageManager) error {
		return sm.Engine().Dump(ctx, loid, os.Stdout, c.Pages)
	})
}

type StatCmd struct{}

func (c *StatCmd) Run(g *Globals) error {
	return g.withStorage(func(ctx context.Context, sm *manager.StorageManager) error {
		printStats(os.Stdout, sm.Stats())
		return nil
	})
}

func printStats(w io.Writer, st manager.Stats) {
	fmt.Fprintf(w, "space        %s\n", st.SpaceUUID)
	fmt.Fprintf(w, "page size    %d (payload %d)\n", st.PageSize, st.PageCapacity)
	if st.Bounded {
		fmt.Fprintf(w, "free pages   %d\n", st.FreePages)
	} else {
		fmt.Fprintf(w, "free pages   unbounded\n")
	}

	bp := st.BufferPool
	dirty := "0.00"
	if bp.TotalPages > 0 {
		dirty = decimal.NewFromInt(bp.DirtyPages).Mul(decimal.NewFromInt(100)).
			DivRound(decimal.NewFromInt(bp.TotalPages), 2).StringFixed(2)
	}
	fmt.Fprintf(w, "buffer pool  %d/%d resident, dirty %s%%, hit %s%%, %d reads, %d writes\n",
		bp.ResidentPages, bp.TotalPages, dirty, bp.HitRatioPercent(), bp.PageReads, bp.PageWrites)

	lg := st.Log
	fmt.Fprintf(w, "redo log     next lsn %d, flushed %d, checkpoint %d, %d bytes\n",
		lg.NextLSN, lg.FlushedLSN, lg.CheckpointLSN, lg.FileSize)
	fmt.Fprintf(w, "compression  %d/%d frames, saved %s%%\n",
		lg.Compression.CompressedFrames, lg.Compression.TotalFrames, lg.Compression.SavingsPercent())

	lk := st.Locks
	fmt.Fprintf(w, "locks        %d granted, %d waiting, %d timeouts, %d deadlocks\n",
		lk.GrantedLocks, lk.WaitingLocks, lk.LockTimeouts, lk.Deadlocks)
	if len(st.ActiveTxns) > 0 {
		fmt.Fprintf(w, "active trx   %v\n", st.ActiveTxns)
	}
	if st.LastRecovery != nil {
		printRecovery(w, st.LastRecovery)
	}
}

func printRecovery(w io.Writer, r *manager.RecoveryResult) {
	fmt.Fprintf(w, "recovery     checkpoint %d, last %d, scanned %d, redone %d, undone %d in %v\n",
		r.CheckpointLSN, r.LastLSN, r.Scanned, r.Redone, r.Undone, r.Duration)
	if len(r.Losers) > 0 {
		fmt.Fprintf(w, "  losers     %v\n", r.Losers)
	}
	for _, loid := range r.Purged {
		fmt.Fprintf(w, "  purged     %s\n", loid)
	}
	for _, q := range r.Quarantined {
		fmt.Fprintf(w, "  QUARANTINE %s: %s\n", q.LOID, q.Reason)
	}
}

type RecoverCmd struct{}

func (c *RecoverCmd) Run(g *Globals) error {
	return g.withStorage(func(ctx context.Context, sm *manager.StorageManager) error {
		result, err := sm.Recover(ctx)
		if err != nil {
			return err
		}
		printRecovery(os.Stdout, result)
		return nil
	})
}

type RecordsCmd struct {
	After uint64 `help:"只打印 LSN 大于该值的记录" default:"0"`
}

func (c *RecordsCmd) Run(g *Globals) error {
	return g.withStorage(func(ctx context.Context, sm *manager.StorageManager) error {
		return sm.Records(c.After, func(e manager.RedoLogEntry) error {
			switch {
			case lob.IsLOBKind(e.Type):
				rec, err := lob.DecodeRecord(e.LSN, e.TrxID, e.Type, e.Data)
				if err != nil {
					return err
				}
				lob.DumpRecord(os.Stdout, rec)
			case e.Type == manager.LOG_TYPE_COMMIT:
				fmt.Printf("lsn=%d trx=%d COMMIT\n", e.LSN, e.TrxID)
			case e.Type == manager.LOG_TYPE_ROLLBACK:
				fmt.Printf("lsn=%d trx=%d ROLLBACK\n", e.LSN, e.TrxID)
			default:
				fmt.Printf("lsn=%d trx=%d type=%#x %d bytes\n", e.LSN, e.TrxID, e.Type, len(e.Data))
			}
			return nil
		})
	})
}

type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("xlob %s\n", version)
	return nil
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("xlob"),
		kong.Description("大对象存储工具"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	if err := ctx.Run(&CLI.Globals); err != nil {
		fmt.Fprintln(os.Stderr, jerrors.ErrorStack(err))
		os.Exit(1)
	}
}
