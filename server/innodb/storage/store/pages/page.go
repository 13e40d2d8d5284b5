// Package pages implements the on-disk page layout shared by every page of a
// large object space: the 38 byte FIL header, the 8 byte FIL trailer and the
// LOB specific headers that sit between them.
package pages

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zhukovaskychina/xmysql-lob/util"
)

// Common page size constants
const (
	CheckSumSize      = 4  // Size of page checksum in bytes
	PageOffsetSize    = 4  // Size of page number in bytes
	PagePrevSize      = 4  // Size of previous page pointer in bytes
	PageNextSize      = 4  // Size of next page pointer in bytes
	PageLSNSize       = 8  // Size of LSN in bytes
	PageTypeSize      = 2  // Size of page type in bytes
	PageFileFlushSize = 8  // Size of file flush LSN in bytes
	PageSpaceIDSize   = 4  // Size of space id in bytes
	FileHeaderSize    = 38 // Total size of file header
	FileTrailerSize   = 8  // Total size of file trailer
)

// FIL header field offsets
const (
	FilPageSpaceOrChecksum = 0
	FilPageOffset          = 4
	FilPagePrev            = 8
	FilPageNext            = 12
	FilPageLSN             = 16
	FilPageType            = 24
	FilPageFileFlushLSN    = 26
	FilPageSpaceID         = 34
	FilPageData            = 38
)

// FilNull 空页号, 用于链表两端
const FilNull uint32 = 0xFFFFFFFF

var (
	ErrInvalidHeaderSize = errors.New("invalid header size")
	ErrInvalidChecksum   = errors.New("invalid page checksum")
	ErrInvalidPageSize   = errors.New("invalid page size")
	ErrInvalidPageType   = errors.New("invalid page type")
	ErrInvalidMagic      = errors.New("invalid page magic")
)

// PageID 页面标识(表空间ID + 页号), 缓冲池以它为键
type PageID struct {
	SpaceID uint32
	PageNo  uint32
}

func (id PageID) String() string {
	return fmt.Sprintf("(%d,%d)", id.SpaceID, id.PageNo)
}

// FileHeader 解码后的FIL头
type FileHeader struct {
	Checksum uint32
	PageNo   uint32
	Prev     uint32
	Next     uint32
	LSN      uint64
	Type     PageType
	FlushLSN uint64
	SpaceID  uint32
}

// ParseFileHeader parses the file header from a byte buffer
func ParseFileHeader(buff []byte) (FileHeader, error) {
	if len(buff) < FileHeaderSize {
		return FileHeader{}, ErrInvalidHeaderSize
	}
	return FileHeader{
		Checksum: binary.BigEndian.Uint32(buff[FilPageSpaceOrChecksum:]),
		PageNo:   binary.BigEndian.Uint32(buff[FilPageOffset:]),
		Prev:     binary.BigEndian.Uint32(buff[FilPagePrev:]),
		Next:     binary.BigEndian.Uint32(buff[FilPageNext:]),
		LSN:      binary.BigEndian.Uint64(buff[FilPageLSN:]),
		Type:     PageType(binary.BigEndian.Uint16(buff[FilPageType:])),
		FlushLSN: binary.BigEndian.Uint64(buff[FilPageFileFlushLSN:]),
		SpaceID:  binary.BigEndian.Uint32(buff[FilPageSpaceID:]),
	}, nil
}

// Serialize writes the header into the first 38 bytes of buff
func (fh FileHeader) Serialize(buff []byte) error {
	if len(buff) < FileHeaderSize {
		return ErrInvalidHeaderSize
	}
	binary.BigEndian.PutUint32(buff[FilPageSpaceOrChecksum:], fh.Checksum)
	binary.BigEndian.PutUint32(buff[FilPageOffset:], fh.PageNo)
	binary.BigEndian.PutUint32(buff[FilPagePrev:], fh.Prev)
	binary.BigEndian.PutUint32(buff[FilPageNext:], fh.Next)
	binary.BigEndian.PutUint64(buff[FilPageLSN:], fh.LSN)
	binary.BigEndian.PutUint16(buff[FilPageType:], uint16(fh.Type))
	binary.BigEndian.PutUint64(buff[FilPageFileFlushLSN:], fh.FlushLSN)
	binary.BigEndian.PutUint32(buff[FilPageSpaceID:], fh.SpaceID)
	return nil
}

// Page 对一个完整物理页字节切片的视图, 不拷贝
type Page []byte

// Init 清零并写入一个新的FIL头
func (p Page) Init(id PageID, typ PageType) {
	for i := range p {
		p[i] = 0
	}
	fh := FileHeader{
		PageNo:  id.PageNo,
		Prev:    FilNull,
		Next:    FilNull,
		Type:    typ,
		SpaceID: id.SpaceID,
	}
	_ = fh.Serialize(p)
}

func (p Page) PageNo() uint32        { return binary.BigEndian.Uint32(p[FilPageOffset:]) }
func (p Page) SpaceID() uint32       { return binary.BigEndian.Uint32(p[FilPageSpaceID:]) }
func (p Page) Prev() uint32          { return binary.BigEndian.Uint32(p[FilPagePrev:]) }
func (p Page) Next() uint32          { return binary.BigEndian.Uint32(p[FilPageNext:]) }
func (p Page) LSN() uint64           { return binary.BigEndian.Uint64(p[FilPageLSN:]) }
func (p Page) Type() PageType        { return PageType(binary.BigEndian.Uint16(p[FilPageType:])) }
func (p Page) SetPrev(pageNo uint32) { binary.BigEndian.PutUint32(p[FilPagePrev:], pageNo) }
func (p Page) SetNext(pageNo uint32) { binary.BigEndian.PutUint32(p[FilPageNext:], pageNo) }
func (p Page) SetLSN(lsn uint64)     { binary.BigEndian.PutUint64(p[FilPageLSN:], lsn) }

// ID 返回页面头中记录的页面标识
func (p Page) ID() PageID {
	return PageID{SpaceID: p.SpaceID(), PageNo: p.PageNo()}
}

// Header 解码FIL头
func (p Page) Header() FileHeader {
	fh, _ := ParseFileHeader(p)
	return fh
}

// computeChecksum 校验范围不包含头部校验和与整个尾部
func (p Page) computeChecksum() uint32 {
	return util.PageChecksum(p[FilPageOffset : len(p)-FileTrailerSize])
}

// Stamp 写入头部和尾部的校验和, 尾部后4字节为LSN低32位
func (p Page) Stamp() {
	sum := p.computeChecksum()
	binary.BigEndian.PutUint32(p[FilPageSpaceOrChecksum:], sum)
	trailer := p[len(p)-FileTrailerSize:]
	binary.BigEndian.PutUint32(trailer[0:], sum)
	binary.BigEndian.PutUint32(trailer[4:], uint32(p.LSN()))
}

// IsZero 判断页面是否从未写过
func (p Page) IsZero() bool {
	for _, b := range p {
		if b != 0 {
			return false
		}
	}
	return true
}

// Verify 校验头尾校验和以及尾部LSN; 全零页视为合法的未初始化页
func (p Page) Verify() error {
	if len(p) < FileHeaderSize+FileTrailerSize {
		return ErrInvalidPageSize
	}
	if p.IsZero() {
		return nil
	}
	trailer := p[len(p)-FileTrailerSize:]
	head := binary.BigEndian.Uint32(p[FilPageSpaceOrChecksum:])
	tail := binary.BigEndian.Uint32(trailer[0:])
	if head != tail || binary.BigEndian.Uint32(trailer[4:]) != uint32(p.LSN()) {
		return ErrInvalidChecksum
	}
	if head != p.computeChecksum() {
		return ErrInvalidChecksum
	}
	return nil
}
