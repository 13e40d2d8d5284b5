package util

import (
	"github.com/OneOfOne/xxhash"
)

// HashCode 将一个键进行Hash
func HashCode(key []byte) uint64 {
	h := xxhash.New64()
	h.Write(key)
	return h.Sum64()
}

// PageChecksum 页面校验和, 取xxhash64的低32位
func PageChecksum(data []byte) uint32 {
	return uint32(xxhash.Checksum64(data))
}

// FrameChecksum 日志帧校验和
func FrameChecksum(parts ...[]byte) uint32 {
	h := xxhash.New64()
	for _, p := range parts {
		h.Write(p)
	}
	return uint32(h.Sum64())
}
