package pages

import (
	"encoding/binary"
)

// SpaceHeaderMagic "XLOB"
const SpaceHeaderMagic uint32 = 0x584C4F42

// SpaceHeaderVersion 表空间头格式版本
const SpaceHeaderVersion uint32 = 1

// SpaceHeader 表空间头, 保存在0号页FIL头之后
type SpaceHeader struct {
	Version    uint32
	PageSize   uint32
	UUID       [16]byte
	NextSerial uint32 // 下一个可用的对象序列号
	Size       uint32 // 已使用的页数(高水位)
}

const spaceHeaderSize = 36

// ReadSpaceHeader 解析0号页
func ReadSpaceHeader(p Page) (SpaceHeader, error) {
	if p.Type() != FIL_PAGE_TYPE_FSP_HDR {
		return SpaceHeader{}, ErrInvalidPageType
	}
	b := p[FilPageData:]
	if binary.BigEndian.Uint32(b[0:]) != SpaceHeaderMagic {
		return SpaceHeader{}, ErrInvalidMagic
	}
	h := SpaceHeader{
		Version:    binary.BigEndian.Uint32(b[4:]),
		PageSize:   binary.BigEndian.Uint32(b[8:]),
		NextSerial: binary.BigEndian.Uint32(b[28:]),
		Size:       binary.BigEndian.Uint32(b[32:]),
	}
	copy(h.UUID[:], b[12:28])
	return h, nil
}

// Write 写入0号页并重新计算校验和
func (h SpaceHeader) Write(p Page, spaceID uint32) {
	p.Init(PageID{SpaceID: spaceID, PageNo: 0}, FIL_PAGE_TYPE_FSP_HDR)
	b := p[FilPageData : FilPageData+spaceHeaderSize+4]
	binary.BigEndian.PutUint32(b[0:], SpaceHeaderMagic)
	binary.BigEndian.PutUint32(b[4:], h.Version)
	binary.BigEndian.PutUint32(b[8:], h.PageSize)
	copy(b[12:28], h.UUID[:])
	binary.BigEndian.PutUint32(b[28:], h.NextSerial)
	binary.BigEndian.PutUint32(b[32:], h.Size)
	p.Stamp()
}
