package lob

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/xmysql-lob/server/innodb/storage/store/pages"
	"github.com/zhukovaskychina/xmysql-lob/util"
)

// Kind 日志记录类型, 同时作为日志帧的类型字节
type Kind uint8

const (
	KindCreate Kind = iota + 1
	KindDestroy
	KindPurge
	KindWrite
	KindInsert
	KindDelete
	KindAppend
	KindTruncate
	KindCompress
	// KindCompensation 撤销一条记录后写入的补偿记录, 重做时重复这次撤销
	KindCompensation
)

var kindNames = map[Kind]string{
	KindCreate:       "CREATE",
	KindDestroy:      "DESTROY",
	KindPurge:        "PURGE",
	KindWrite:        "WRITE",
	KindInsert:       "INSERT",
	KindDelete:       "DELETE",
	KindAppend:       "APPEND",
	KindTruncate:     "TRUNCATE",
	KindCompress:     "COMPRESS",
	KindCompensation: "COMPENSATION",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("KIND(%d)", uint8(k))
}

// IsLOBKind 是否为大对象日志类型
func IsLOBKind(k uint8) bool {
	_, ok := kindNames[Kind(k)]
	return ok
}

// Op 一次修改的逻辑描述. 实现只有本包中的几种记录类型.
type Op interface {
	Kind() Kind
	encode(buf []byte) []byte
	decode(r *util.BufferReader)
	// redo 在对象上重新执行这次修改
	redo(o *object) error
	// undo 在对象上撤销这次修改
	undo(o *object) error
	describe() string
}

// Record 一条日志记录. LSN 和 TrxID 由日志分配, PrevLSN 是同一对象上一条记录的LSN.
type Record struct {
	LSN     uint64
	TrxID   uint64
	PrevLSN uint64
	LOID    LOID
	Op      Op
}

// Encode 记录的日志负载: [PrevLSN][SpaceID][PageNo][Serial][op字段]. 类型由日志帧携带.
func (r Record) Encode() []byte {
	buf := make([]byte, 0, 64)
	buf = util.WriteUB8(buf, r.PrevLSN)
	buf = util.WriteUB4(buf, r.LOID.SpaceID)
	buf = util.WriteUB4(buf, r.LOID.PageNo)
	buf = util.WriteUB4(buf, r.LOID.Serial)
	return r.Op.encode(buf)
}

func newOp(kind Kind) (Op, error) {
	switch kind {
	case KindCreate:
		return &CreateOp{}, nil
	case KindDestroy:
		return &DestroyOp{}, nil
	case KindPurge:
		return &PurgeOp{}, nil
	case KindWrite:
		return &WriteOp{}, nil
	case KindInsert:
		return &InsertOp{}, nil
	case KindDelete:
		return &DeleteOp{}, nil
	case KindAppend:
		return &AppendOp{}, nil
	case KindTruncate:
		return &TruncateOp{}, nil
	case KindCompress:
		return &CompressOp{}, nil
	case KindCompensation:
		return &CompensationOp{}, nil
	}
	return nil, corruptionf("unknown record kind %d", uint8(kind))
}

// DecodeRecord 解析日志中的一条记录
func DecodeRecord(lsn, trxID uint64, kind uint8, payload []byte) (Record, error) {
	op, err := newOp(Kind(kind))
	if err != nil {
		return Record{}, err
	}
	r := util.NewBufferReader(payload)
	rec := Record{LSN: lsn, TrxID: trxID}
	rec.PrevLSN = r.ReadUB8()
	rec.LOID.SpaceID = r.ReadUB4()
	rec.LOID.PageNo = r.ReadUB4()
	rec.LOID.Serial = r.ReadUB4()
	op.decode(r)
	if err := r.Err(); err != nil {
		return Record{}, errors.Wrapf(err, ErrCorruption, "decode %s record at lsn %d: %v", Kind(kind), lsn, err)
	}
	if r.Remaining() != 0 {
		return Record{}, corruptionf("decode %s record at lsn %d: %d trailing bytes", Kind(kind), lsn, r.Remaining())
	}
	if c, ok := op.(*CompensationOp); ok {
		c.Undone.TrxID = trxID
	}
	rec.Op = op
	return rec, nil
}

func (r Record) String() string {
	return fmt.Sprintf("lsn=%d trx=%d prev=%d %s loid=%s %s", r.LSN, r.TrxID, r.PrevLSN, r.Op.Kind(), r.LOID, r.Op.describe())
}

// DumpRecord 打印记录内容, 字节内容只打印开头的一部分
func DumpRecord(w io.Writer, rec Record) {
	fmt.Fprintf(w, "%s\n", rec)
	dumpBytes := func(name string, b []byte) {
		const preview = 32
		if len(b) == 0 {
			return
		}
		shown := b
		if len(shown) > preview {
			shown = shown[:preview]
		}
		more := ""
		if len(b) > preview {
			more = fmt.Sprintf(" ... (%d more)", len(b)-preview)
		}
		fmt.Fprintf(w, "  %-7s %s%s\n", name+":", hex.EncodeToString(shown), more)
	}
	switch op := rec.Op.(type) {
	case *CreateOp:
		dumpBytes("data", op.Data)
	case *DestroyOp:
		dumpBytes("before", op.Before)
	case *WriteOp:
		dumpBytes("data", op.Data)
		dumpBytes("before", op.Before)
	case *InsertOp:
		dumpBytes("data", op.Data)
	case *DeleteOp:
		dumpBytes("before", op.Before)
	case *AppendOp:
		dumpBytes("data", op.Data)
	case *TruncateOp:
		dumpBytes("before", op.Before)
	case *CompensationOp:
		fmt.Fprintf(w, "  undoes: %s\n", op.Undone)
	}
}

// CreateOp 创建对象. 重做时占用LOID中的首页并写入初始内容.
type CreateOp struct {
	Hint     uint64
	OwnerOID uint64
	Data     []byte
}

func (op *CreateOp) Kind() Kind { return KindCreate }

func (op *CreateOp) encode(buf []byte) []byte {
	buf = util.WriteUB8(buf, op.Hint)
	buf = util.WriteUB8(buf, op.OwnerOID)
	return util.WriteWithLength(buf, op.Data)
}

func (op *CreateOp) decode(r *util.BufferReader) {
	op.Hint = r.ReadUB8()
	op.OwnerOID = r.ReadUB8()
	op.Data = r.ReadWithLength()
}

// 首页由 Engine.redoCreate 准备好, 这里只写入内容
func (op *CreateOp) redo(o *object) error {
	return o.appendBytes(op.Data)
}

func (op *CreateOp) undo(o *object) error {
	if _, err := o.freeFrom(o.root.First); err != nil {
		return err
	}
	o.root.First, o.root.Last = pages.FilNull, pages.FilNull
	o.root.PageCount = 0
	o.root.Length = 0
	o.m.free(o.loid.PageNo)
	return nil
}

func (op *CreateOp) describe() string {
	return fmt.Sprintf("len=%d hint=%d owner=%d", len(op.Data), op.Hint, op.OwnerOID)
}

// DestroyOp 销毁对象, Before 是销毁前的全部内容
type DestroyOp struct {
	Before   []byte
	Hint     uint64
	OwnerOID uint64
}

func (op *DestroyOp) Kind() Kind { return KindDestroy }

func (op *DestroyOp) encode(buf []byte) []byte {
	buf = util.WriteUB8(buf, op.Hint)
	buf = util.WriteUB8(buf, op.OwnerOID)
	return util.WriteWithLength(buf, op.Before)
}

func (op *DestroyOp) decode(r *util.BufferReader) {
	op.Hint = r.ReadUB8()
	op.OwnerOID = r.ReadUB8()
	op.Before = r.ReadWithLength()
}

func (op *DestroyOp) redo(o *object) error {
	if o.root.Length > 0 {
		if err := o.truncateTo(0); err != nil {
			return err
		}
	}
	o.root.Flags |= pages.LOBFlagTombstone
	return nil
}

func (op *DestroyOp) undo(o *object) error {
	o.root.Flags &^= pages.LOBFlagTombstone
	return o.appendBytes(op.Before)
}

func (op *DestroyOp) describe() string {
	return fmt.Sprintf("len=%d", len(op.Before))
}

// PurgeOp 回收已销毁对象的首页
type PurgeOp struct{}

func (op *PurgeOp) Kind() Kind                  { return KindPurge }
func (op *PurgeOp) encode(buf []byte) []byte    { return buf }
func (op *PurgeOp) decode(r *util.BufferReader) {}
func (op *PurgeOp) undo(o *object) error        { return nil }
func (op *PurgeOp) describe() string            { return "" }

func (op *PurgeOp) redo(o *object) error {
	if !o.root.Tombstone() {
		return corruptionf("%s: purge of a live object", o.loid)
	}
	o.m.free(o.loid.PageNo)
	return nil
}

// WriteOp 覆盖写. Offset/Data 是补零之后实际写入的范围, Before 是被覆盖的原内容.
type WriteOp struct {
	Offset    uint64
	Data      []byte
	OldLength uint64
	Before    []byte
}

func (op *WriteOp) Kind() Kind { return KindWrite }

func (op *WriteOp) encode(buf []byte) []byte {
	buf = util.WriteUB8(buf, op.Offset)
	buf = util.WriteUB8(buf, op.OldLength)
	buf = util.WriteWithLength(buf, op.Data)
	return util.WriteWithLength(buf, op.Before)
}

func (op *WriteOp) decode(r *util.BufferReader) {
	op.Offset = r.ReadUB8()
	op.OldLength = r.ReadUB8()
	op.Data = r.ReadWithLength()
	op.Before = r.ReadWithLength()
}

func (op *WriteOp) redo(o *object) error {
	if op.Offset > o.root.Length {
		return corruptionf("%s: write at %d beyond length %d", o.loid, op.Offset, o.root.Length)
	}
	return o.writeAt(int64(op.Offset), op.Data)
}

func (op *WriteOp) undo(o *object) error {
	if o.root.Length > op.OldLength {
		if err := o.truncateTo(int64(op.OldLength)); err != nil {
			return err
		}
	}
	if len(op.Before) == 0 {
		return nil
	}
	return o.writeAt(int64(op.Offset), op.Before)
}

func (op *WriteOp) describe() string {
	return fmt.Sprintf("offset=%d len=%d old_length=%d", op.Offset, len(op.Data), op.OldLength)
}

// InsertOp 在 Offset 处插入 Data
type InsertOp struct {
	Offset uint64
	Data   []byte
}

func (op *InsertOp) Kind() Kind { return KindInsert }

func (op *InsertOp) encode(buf []byte) []byte {
	buf = util.WriteUB8(buf, op.Offset)
	return util.WriteWithLength(buf, op.Data)
}

func (op *InsertOp) decode(r *util.BufferReader) {
	op.Offset = r.ReadUB8()
	op.Data = r.ReadWithLength()
}

func (op *InsertOp) redo(o *object) error {
	if op.Offset > o.root.Length {
		return corruptionf("%s: insert at %d beyond length %d", o.loid, op.Offset, o.root.Length)
	}
	return o.insertAt(int64(op.Offset), op.Data)
}

func (op *InsertOp) undo(o *object) error {
	if op.Offset+uint64(len(op.Data)) > o.root.Length {
		return corruptionf("%s: undo insert [%d, +%d) beyond length %d", o.loid, op.Offset, len(op.Data), o.root.Length)
	}
	return o.deleteRange(int64(op.Offset), int64(len(op.Data)))
}

func (op *InsertOp) describe() string {
	return fmt.Sprintf("offset=%d len=%d", op.Offset, len(op.Data))
}

// DeleteOp 删除 [Offset, Offset+len(Before))
type DeleteOp struct {
	Offset uint64
	Before []byte
}

func (op *DeleteOp) Kind() Kind { return KindDelete }

func (op *DeleteOp) encode(buf []byte) []byte {
	buf = util.WriteUB8(buf, op.Offset)
	return util.WriteWithLength(buf, op.Before)
}

func (op *DeleteOp) decode(r *util.BufferReader) {
	op.Offset = r.ReadUB8()
	op.Before = r.ReadWithLength()
}

func (op *DeleteOp) redo(o *object) error {
	if op.Offset+uint64(len(op.Before)) > o.root.Length {
		return corruptionf("%s: delete [%d, +%d) beyond length %d", o.loid, op.Offset, len(op.Before), o.root.Length)
	}
	return o.deleteRange(int64(op.Offset), int64(len(op.Before)))
}

func (op *DeleteOp) undo(o *object) error {
	if op.Offset > o.root.Length {
		return corruptionf("%s: undo delete at %d beyond length %d", o.loid, op.Offset, o.root.Length)
	}
	return o.insertAt(int64(op.Offset), op.Before)
}

func (op *DeleteOp) describe() string {
	return fmt.Sprintf("offset=%d len=%d", op.Offset, len(op.Before))
}

// AppendOp 追加. OldLength 是追加前的长度.
type AppendOp struct {
	Data      []byte
	OldLength uint64
}

func (op *AppendOp) Kind() Kind { return KindAppend }

func (op *AppendOp) encode(buf []byte) []byte {
	buf = util.WriteUB8(buf, op.OldLength)
	return util.WriteWithLength(buf, op.Data)
}

func (op *AppendOp) decode(r *util.BufferReader) {
	op.OldLength = r.ReadUB8()
	op.Data = r.ReadWithLength()
}

func (op *AppendOp) redo(o *object) error {
	if o.root.Length != op.OldLength {
		return corruptionf("%s: append expects length %d, found %d", o.loid, op.OldLength, o.root.Length)
	}
	return o.appendBytes(op.Data)
}

func (op *AppendOp) undo(o *object) error {
	if o.root.Length < op.OldLength {
		return corruptionf("%s: undo append to %d from length %d", o.loid, op.OldLength, o.root.Length)
	}
	if o.root.Length == op.OldLength {
		return nil
	}
	return o.truncateTo(int64(op.OldLength))
}

func (op *AppendOp) describe() string {
	return fmt.Sprintf("len=%d old_length=%d", len(op.Data), op.OldLength)
}

// TruncateOp 截断到 Offset, Before 是被丢弃的尾部
type TruncateOp struct {
	Offset uint64
	Before []byte
}

func (op *TruncateOp) Kind() Kind { return KindTruncate }

func (op *TruncateOp) encode(buf []byte) []byte {
	buf = util.WriteUB8(buf, op.Offset)
	return util.WriteWithLength(buf, op.Before)
}

func (op *TruncateOp) decode(r *util.BufferReader) {
	op.Offset = r.ReadUB8()
	op.Before = r.ReadWithLength()
}

func (op *TruncateOp) redo(o *object) error {
	if op.Offset > o.root.Length {
		return corruptionf("%s: truncate to %d beyond length %d", o.loid, op.Offset, o.root.Length)
	}
	if op.Offset == o.root.Length {
		return nil
	}
	return o.truncateTo(int64(op.Offset))
}

func (op *TruncateOp) undo(o *object) error {
	if o.root.Length != op.Offset {
		return corruptionf("%s: undo truncate expects length %d, found %d", o.loid, op.Offset, o.root.Length)
	}
	return o.appendBytes(op.Before)
}

func (op *TruncateOp) describe() string {
	return fmt.Sprintf("offset=%d len=%d", op.Offset, len(op.Before))
}

// CompressOp 压实, 不改变内容, 撤销时什么都不做
type CompressOp struct{}

func (op *CompressOp) Kind() Kind                  { return KindCompress }
func (op *CompressOp) encode(buf []byte) []byte    { return buf }
func (op *CompressOp) decode(r *util.BufferReader) {}
func (op *CompressOp) redo(o *object) error        { return o.compress() }
func (op *CompressOp) undo(o *object) error        { return nil }
func (op *CompressOp) describe() string            { return "" }

// CompensationOp 补偿记录: 记录被撤销的那条记录. 重做补偿记录就是再撤销一次,
// 补偿记录本身不会被撤销.
type CompensationOp struct {
	Undone Record
}

func (op *CompensationOp) Kind() Kind { return KindCompensation }

func (op *CompensationOp) encode(buf []byte) []byte {
	buf = util.WriteUB8(buf, op.Undone.LSN)
	buf = util.WriteByte(buf, uint8(op.Undone.Op.Kind()))
	return util.WriteWithLength(buf, op.Undone.Encode())
}

func (op *CompensationOp) decode(r *util.BufferReader) {
	lsn := r.ReadUB8()
	kind := r.ReadUB1()
	payload := r.ReadWithLength()
	if r.Err() != nil {
		return
	}
	if Kind(kind) == KindCompensation {
		r.Fail(errors.Errorf("compensation record at lsn %d undoes another compensation record", lsn))
		return
	}
	rec, err := DecodeRecord(lsn, 0, kind, payload)
	if err != nil {
		r.Fail(err)
		return
	}
	op.Undone = rec
}

// 重做补偿记录时由 Engine.Redo 特殊处理
func (op *CompensationOp) redo(o *object) error { return op.Undone.Op.undo(o) }
func (op *CompensationOp) undo(o *object) error { return nil }

func (op *CompensationOp) describe() string {
	return fmt.Sprintf("undone_lsn=%d undone=%s", op.Undone.LSN, op.Undone.Op.Kind())
}
