/*
LOB页面布局

所有大对象页(首页和数据页)共用:
- File Header (38字节)
- LOB Header (16字节):
  - Owner:  所属对象首页页号 (4字节)
  - Serial: 所属对象序列号 (4字节)
  - Used:   本页负载已用字节数 (4字节)
  - Flags:  页标志 (2字节), 保留 (2字节)
- Payload: 页大小 - 62 字节
- File Trailer (8字节)

首页的负载区存放对象头(LOBRoot), 数据页的负载区存放对象字节.
数据页之间通过FIL头的 prev/next 双向链接, 顺序即字节顺序.
*/

package pages

import (
	"encoding/binary"
)

const (
	LOBHeaderSize = 16

	LOBHdrOwner  = FilPageData
	LOBHdrSerial = FilPageData + 4
	LOBHdrUsed   = FilPageData + 8
	LOBHdrFlags  = FilPageData + 12

	// LOBPayloadOffset 负载区起始偏移
	LOBPayloadOffset = FilPageData + LOBHeaderSize

	// ReservedSize 每页不能存放对象字节的部分
	ReservedSize = FileHeaderSize + LOBHeaderSize + FileTrailerSize
)

// LOBRootMagic "LOBR"
const LOBRootMagic uint32 = 0x4C4F4252

// 对象头标志位
const (
	LOBFlagPacked    uint32 = 1 << 0 // 除最后一页外所有数据页都是满的
	LOBFlagTombstone uint32 = 1 << 1 // 已销毁, 等待purge回收首页
)

// LOBRootSize 对象头序列化长度
const LOBRootSize = 56

func (p Page) Owner() uint32       { return binary.BigEndian.Uint32(p[LOBHdrOwner:]) }
func (p Page) OwnerSerial() uint32 { return binary.BigEndian.Uint32(p[LOBHdrSerial:]) }
func (p Page) Used() int           { return int(binary.BigEndian.Uint32(p[LOBHdrUsed:])) }
func (p Page) SetUsed(n int)       { binary.BigEndian.PutUint32(p[LOBHdrUsed:], uint32(n)) }

// SetOwner 记录页面所属的对象
func (p Page) SetOwner(rootPageNo, serial uint32) {
	binary.BigEndian.PutUint32(p[LOBHdrOwner:], rootPageNo)
	binary.BigEndian.PutUint32(p[LOBHdrSerial:], serial)
}

// Payload 负载区, 长度为 页大小 - ReservedSize
func (p Page) Payload() []byte {
	return p[LOBPayloadOffset : len(p)-FileTrailerSize]
}

// Data 已使用的负载字节
func (p Page) Data() []byte {
	return p.Payload()[:p.Used()]
}

// InitLOBData 把页面初始化为属于某对象的空数据页
func (p Page) InitLOBData(id PageID, rootPageNo, serial uint32) {
	p.Init(id, FIL_PAGE_TYPE_LOB_DATA)
	p.SetOwner(rootPageNo, serial)
}

// LOBRoot 对象头, 保存在首页负载区
type LOBRoot struct {
	Serial     uint32
	Length     uint64
	First      uint32
	Last       uint32
	PageCount  uint32
	OwnerOID   uint64
	LengthHint uint64
	LastLSN    uint64 // 最后一次应用到该对象的日志LSN
	Flags      uint32
}

// Packed 链是否满足"除最后一页外全满"
func (r *LOBRoot) Packed() bool { return r.Flags&LOBFlagPacked != 0 }

// SetPacked 设置或清除packed标志
func (r *LOBRoot) SetPacked(packed bool) {
	if packed {
		r.Flags |= LOBFlagPacked
	} else {
		r.Flags &^= LOBFlagPacked
	}
}

// Tombstone 对象是否已销毁
func (r *LOBRoot) Tombstone() bool { return r.Flags&LOBFlagTombstone != 0 }

// ReadLOBRoot 从首页解析对象头
func ReadLOBRoot(p Page) (LOBRoot, error) {
	if p.Type() != FIL_PAGE_TYPE_LOB_FIRST {
		return LOBRoot{}, ErrInvalidPageType
	}
	b := p.Payload()
	if binary.BigEndian.Uint32(b[0:]) != LOBRootMagic {
		return LOBRoot{}, ErrInvalidMagic
	}
	return LOBRoot{
		Serial:     binary.BigEndian.Uint32(b[4:]),
		Length:     binary.BigEndian.Uint64(b[8:]),
		First:      binary.BigEndian.Uint32(b[16:]),
		Last:       binary.BigEndian.Uint32(b[20:]),
		PageCount:  binary.BigEndian.Uint32(b[24:]),
		OwnerOID:   binary.BigEndian.Uint64(b[28:]),
		LengthHint: binary.BigEndian.Uint64(b[36:]),
		LastLSN:    binary.BigEndian.Uint64(b[44:]),
		Flags:      binary.BigEndian.Uint32(b[52:]),
	}, nil
}

// Write 把对象头写回首页
func (r LOBRoot) Write(p Page) {
	b := p.Payload()
	binary.BigEndian.PutUint32(b[0:], LOBRootMagic)
	binary.BigEndian.PutUint32(b[4:], r.Serial)
	binary.BigEndian.PutUint64(b[8:], r.Length)
	binary.BigEndian.PutUint32(b[16:], r.First)
	binary.BigEndian.PutUint32(b[20:], r.Last)
	binary.BigEndian.PutUint32(b[24:], r.PageCount)
	binary.BigEndian.PutUint64(b[28:], r.OwnerOID)
	binary.BigEndian.PutUint64(b[36:], r.LengthHint)
	binary.BigEndian.PutUint64(b[44:], r.LastLSN)
	binary.BigEndian.PutUint32(b[52:], r.Flags)
	p.SetOwner(p.PageNo(), r.Serial)
}

// InitLOBRoot 初始化首页
func (p Page) InitLOBRoot(id PageID, root LOBRoot) {
	p.Init(id, FIL_PAGE_TYPE_LOB_FIRST)
	root.Write(p)
}
