package pages

// InitAllocated 把回收的页改写为 FIL_PAGE_TYPE_ALLOCATED, 只保留页号和表空间ID.
// 表空间打开时按这个类型重建空闲页集合.
func (p Page) InitAllocated(id PageID) {
	p.Init(id, FIL_PAGE_TYPE_ALLOCATED)
}

// IsLOB 是否为大对象页(首页或数据页)
func (p Page) IsLOB() bool {
	t := p.Type()
	return t == FIL_PAGE_TYPE_LOB_DATA || t == FIL_PAGE_TYPE_LOB_FIRST
}
