package util

import (
	"encoding/binary"
	"errors"
)

// ErrShortBuffer 读取越界
var ErrShortBuffer = errors.New("short buffer")

// BufferReader 顺序读取大端序字段; 第一次越界后所有读取返回零值, 错误由 Err 给出
type BufferReader struct {
	buff   []byte
	cursor int
	err    error
}

func NewBufferReader(buff []byte) *BufferReader {
	return &BufferReader{buff: buff}
}

func (r *BufferReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.cursor+n > len(r.buff) {
		r.err = ErrShortBuffer
		return nil
	}
	b := r.buff[r.cursor : r.cursor+n]
	r.cursor += n
	return b
}

func (r *BufferReader) ReadUB1() byte {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *BufferReader) ReadUB2() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *BufferReader) ReadUB4() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *BufferReader) ReadUB8() uint64 {
	if b := r.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

// ReadBytes 读取n字节, 返回拷贝
func (r *BufferReader) ReadBytes(n int) []byte {
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// ReadWithLength 读取 WriteWithLength 写入的内容, 返回拷贝
func (r *BufferReader) ReadWithLength() []byte {
	n := r.ReadUB4()
	return r.ReadBytes(int(n))
}

// Remaining 未读字节数
func (r *BufferReader) Remaining() int {
	return len(r.buff) - r.cursor
}

func (r *BufferReader) Err() error {
	return r.err
}

// Fail 记录一个解析错误, 之后的读取都返回零值
func (r *BufferReader) Fail(err error) {
	if r.err == nil {
		r.err = err
	}
}
