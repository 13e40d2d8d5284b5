// Package context carries transaction scoped values through the standard
// context.Context passed to every large object operation.
package context

import (
	goctx "context"
)

type basicCtxType int

func (t basicCtxType) String() string {
	switch t {
	case TrxID:
		return "trx_id"
	case Recovering:
		return "recovering"
	}
	return "unknown"
}

// Context keys.
const (
	// TrxID is the key for the id of the transaction an operation belongs to.
	TrxID basicCtxType = 1
	// Recovering is the key for indicating the operation is replayed by crash recovery.
	Recovering basicCtxType = 2
)

// WithTrxID 把事务ID绑定到 ctx. 0 表示没有事务(自动提交).
func WithTrxID(ctx goctx.Context, trxID uint64) goctx.Context {
	return goctx.WithValue(ctx, TrxID, trxID)
}

// TrxIDFromContext 取出事务ID, 没有绑定时返回 0
func TrxIDFromContext(ctx goctx.Context) uint64 {
	if ctx == nil {
		return 0
	}
	if id, ok := ctx.Value(TrxID).(uint64); ok {
		return id
	}
	return 0
}

// WithRecovering 标记恢复过程中的调用
func WithRecovering(ctx goctx.Context) goctx.Context {
	return goctx.WithValue(ctx, Recovering, true)
}

// IsRecovering 是否为恢复过程中的调用
func IsRecovering(ctx goctx.Context) bool {
	if ctx == nil {
		return false
	}
	v, _ := ctx.Value(Recovering).(bool)
	return v
}
