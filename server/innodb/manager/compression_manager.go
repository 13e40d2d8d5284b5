package manager

import (
	"bytes"
	"io"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/ulikunitz/xz"
)

// 压缩方法常量, 写在每个日志帧里
const (
	COMPRESSION_NONE   uint8 = iota // 不压缩
	COMPRESSION_SNAPPY              // snappy块压缩
	COMPRESSION_LZ4                 // lz4流压缩
	COMPRESSION_XZ                  // xz, 压缩率最高也最慢
)

var compressionNames = map[uint8]string{
	COMPRESSION_NONE:   "none",
	COMPRESSION_SNAPPY: "snappy",
	COMPRESSION_LZ4:    "lz4",
	COMPRESSION_XZ:     "xz",
}

// minCompressSize 更短的负载不尝试压缩
const minCompressSize = 64

// ParseCompressionMethod 按名字解析压缩方法, 空串表示不压缩
func ParseCompressionMethod(name string) (uint8, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return COMPRESSION_NONE, nil
	}
	for m, n := range compressionNames {
		if n == name {
			return m, nil
		}
	}
	return 0, errors.Wrapf(ErrUnknownCompression, "%q", name)
}

// CompressionMethodName 压缩方法的名字
func CompressionMethodName(method uint8) string {
	if n, ok := compressionNames[method]; ok {
		return n
	}
	return "unknown"
}

// CompressionStats 表示压缩统计信息
type CompressionStats struct {
	TotalFrames      uint64 // 尝试压缩的帧数
	CompressedFrames uint64 // 实际压缩的帧数
	TotalSize        uint64 // 原始大小
	CompressedSize   uint64 // 写入的大小
	FailureCount     uint64 // 压缩失败次数
}

// SavingsPercent 节省的字节占原始大小的百分比, 保留两位小数
func (s CompressionStats) SavingsPercent() string {
	if s.TotalSize == 0 {
		return "0.00"
	}
	saved := decimal.NewFromInt(int64(s.TotalSize) - int64(s.CompressedSize))
	return saved.Mul(decimal.NewFromInt(100)).
		DivRound(decimal.NewFromInt(int64(s.TotalSize)), 2).StringFixed(2)
}

// CompressionManager 日志负载压缩. 压缩后节省的比例不足 minSavings 时按原样写入.
type CompressionManager struct {
	mu         sync.Mutex
	method     uint8
	minSavings float64
	stats      CompressionStats

	// 压缩缓冲池
	bufferPool sync.Pool
}

// NewCompressionManager 创建压缩管理器
func NewCompressionManager(method uint8, minSavings float64) *CompressionManager {
	return &CompressionManager{
		method:     method,
		minSavings: minSavings,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return new(bytes.Buffer)
			},
		},
	}
}

// Method 配置的压缩方法
func (cm *CompressionManager) Method() uint8 { return cm.method }

// Compress 压缩负载, 返回实际使用的方法
func (cm *CompressionManager) Compress(data []byte) (uint8, []byte, error) {
	if cm.method == COMPRESSION_NONE || len(data) < minCompressSize {
		return COMPRESSION_NONE, data, nil
	}

	var (
		out []byte
		err error
	)
	switch cm.method {
	case COMPRESSION_SNAPPY:
		out = snappy.Encode(nil, data)
	case COMPRESSION_LZ4, COMPRESSION_XZ:
		out, err = cm.compressStream(cm.method, data)
	default:
		err = errors.Wrapf(ErrUnknownCompression, "method %d", cm.method)
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.stats.TotalFrames++
	cm.stats.TotalSize += uint64(len(data))
	if err != nil {
		cm.stats.FailureCount++
		cm.stats.CompressedSize += uint64(len(data))
		return COMPRESSION_NONE, nil, err
	}
	savings := 1 - float64(len(out))/float64(len(data))
	if savings < cm.minSavings {
		cm.stats.CompressedSize += uint64(len(data))
		return COMPRESSION_NONE, data, nil
	}
	cm.stats.CompressedFrames++
	cm.stats.CompressedSize += uint64(len(out))
	return cm.method, out, nil
}

func (cm *CompressionManager) compressStream(method uint8, data []byte) ([]byte, error) {
	buf := cm.bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer cm.bufferPool.Put(buf)

	var w io.WriteCloser
	if method == COMPRESSION_LZ4 {
		w = lz4.NewWriter(buf)
	} else {
		xw, err := xz.NewWriter(buf)
		if err != nil {
			return nil, errors.Wrap(err, "xz writer")
		}
		w = xw
	}
	if _, err := w.Write(data); err != nil {
		return nil, errors.Wrapf(err, "%s compress", CompressionMethodName(method))
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrapf(err, "%s compress", CompressionMethodName(method))
	}
	return append([]byte(nil), buf.Bytes()...), nil
}

// Decompress 按帧中记录的方法解压, 与当前配置无关
func (cm *CompressionManager) Decompress(method uint8, data []byte) ([]byte, error) {
	switch method {
	case COMPRESSION_NONE:
		return data, nil
	case COMPRESSION_SNAPPY:
		out, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, errors.Wrap(err, "snappy decompress")
		}
		return out, nil
	case COMPRESSION_LZ4:
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, errors.Wrap(err, "lz4 decompress")
		}
		return out, nil
	case COMPRESSION_XZ:
		r, err := xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, errors.Wrap(err, "xz reader")
		}
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, errors.Wrap(err, "xz decompress")
		}
		return out, nil
	}
	return nil, errors.Wrapf(ErrUnknownCompression, "method %d", method)
}

// GetStats 获取压缩统计信息
func (cm *CompressionManager) GetStats() CompressionStats {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.stats
}
