package pages

// PageType FIL头中的页面类型
type PageType uint16

const (
	// FIL_PAGE_TYPE_FSP_HDR 表空间头页, 只出现在0号页
	FIL_PAGE_TYPE_FSP_HDR PageType = 0x0008

	// FIL_PAGE_TYPE_ALLOCATED 已回收、可再次分配的页
	FIL_PAGE_TYPE_ALLOCATED PageType = 0x000F

	// FIL_PAGE_TYPE_LOB_DATA 大对象数据页
	FIL_PAGE_TYPE_LOB_DATA PageType = 0x0017

	// FIL_PAGE_TYPE_LOB_FIRST 大对象首页, 保存对象头
	FIL_PAGE_TYPE_LOB_FIRST PageType = 0x0018
)

func (t PageType) String() string {
	switch t {
	case FIL_PAGE_TYPE_FSP_HDR:
		return "FSP_HDR"
	case FIL_PAGE_TYPE_ALLOCATED:
		return "ALLOCATED"
	case FIL_PAGE_TYPE_LOB_DATA:
		return "LOB_DATA"
	case FIL_PAGE_TYPE_LOB_FIRST:
		return "LOB_FIRST"
	case 0:
		return "ZERO"
	default:
		return "UNKNOWN"
	}
}

// IsFree 未写过的页(类型0)和已回收的页都可以被分配
func (t PageType) IsFree() bool {
	return t == 0 || t == FIL_PAGE_TYPE_ALLOCATED
}
