package util

import "encoding/binary"

// 以下函数都以追加方式写入并返回新的切片, 整数统一为大端序

func WriteByte(buf []byte, b byte) []byte {
	return append(buf, b)
}

func WriteUB2(buf []byte, i uint16) []byte {
	return binary.BigEndian.AppendUint16(buf, i)
}

func WriteUB4(buf []byte, i uint32) []byte {
	return binary.BigEndian.AppendUint32(buf, i)
}

func WriteUB8(buf []byte, i uint64) []byte {
	return binary.BigEndian.AppendUint64(buf, i)
}

// WriteWithLength 4字节长度前缀 + 内容
func WriteWithLength(buf []byte, from []byte) []byte {
	buf = WriteUB4(buf, uint32(len(from)))
	return append(buf, from...)
}
