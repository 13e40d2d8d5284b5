package lob

// RecDes 调用方持有的缓冲区描述.
// 写入类操作读取 Data[:Length]; Read 写入 Data[:AreaSize] 并把实际读到的字节数放进 Length.
// 引擎不会在调用结束后保留 Data.
type RecDes struct {
	Data     []byte
	AreaSize int
	Length   int
}

// NewRecDes 以 data 的全部内容作为输入
func NewRecDes(data []byte) *RecDes {
	return &RecDes{Data: data, AreaSize: len(data), Length: len(data)}
}

// NewRecDesBuffer 分配一个可以接收 size 字节的输出缓冲区
func NewRecDesBuffer(size int) *RecDes {
	return &RecDes{Data: make([]byte, size), AreaSize: size}
}

// Bytes 已填充的部分
func (rd *RecDes) Bytes() []byte {
	return rd.Data[:rd.Length]
}

func (rd *RecDes) input() ([]byte, error) {
	if rd == nil {
		return nil, invalidRangef("nil record descriptor")
	}
	if rd.Length < 0 || rd.AreaSize < 0 || rd.Length > rd.AreaSize || rd.Length > len(rd.Data) {
		return nil, invalidRangef("descriptor length %d, area %d, buffer %d", rd.Length, rd.AreaSize, len(rd.Data))
	}
	return rd.Data[:rd.Length], nil
}

func (rd *RecDes) area() ([]byte, error) {
	if rd == nil {
		return nil, invalidRangef("nil record descriptor")
	}
	if rd.AreaSize < 0 || rd.AreaSize > len(rd.Data) {
		return nil, invalidRangef("descriptor area %d, buffer %d", rd.AreaSize, len(rd.Data))
	}
	return rd.Data[:rd.AreaSize], nil
}
