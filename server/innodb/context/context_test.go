package context

import (
	goctx "context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrxID(t *testing.T) {
	ctx := goctx.Background()
	assert.Equal(t, uint64(0), TrxIDFromContext(ctx))

	ctx = WithTrxID(ctx, 42)
	assert.Equal(t, uint64(42), TrxIDFromContext(ctx))
	assert.False(t, IsRecovering(ctx))

	ctx = WithRecovering(ctx)
	assert.True(t, IsRecovering(ctx))
	assert.Equal(t, uint64(42), TrxIDFromContext(ctx))

	assert.Equal(t, "trx_id", TrxID.String())
	assert.Equal(t, "recovering", Recovering.String())
}
