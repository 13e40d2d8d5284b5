package lob

import (
	"fmt"
	"strconv"
	"strings"
)

// LOID 大对象标识: 表空间ID + 首页页号 + 序列号.
// 序列号来自表空间头中单调递增的计数器, 首页被回收复用后旧的LOID也不会再次有效.
type LOID struct {
	SpaceID uint32
	PageNo  uint32
	Serial  uint32
}

// NilLOID 无效的标识
var NilLOID = LOID{}

func (id LOID) IsNil() bool { return id == NilLOID }

// String 文本形式 space:page:serial
func (id LOID) String() string {
	return fmt.Sprintf("%d:%d:%d", id.SpaceID, id.PageNo, id.Serial)
}

// ParseLOID 解析 String 的输出
func ParseLOID(s string) (LOID, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return NilLOID, invalidRangef("malformed loid %q", s)
	}
	var vals [3]uint32
	for i, part := range parts {
		v, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return NilLOID, invalidRangef("malformed loid %q: %v", s, err)
		}
		vals[i] = uint32(v)
	}
	return LOID{SpaceID: vals[0], PageNo: vals[1], Serial: vals[2]}, nil
}
