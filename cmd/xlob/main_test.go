package main

import (
	"bytes"
	"context"
	"testing"

	jerrors "github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-lob/server/innodb/lob"
)

type fakeVerifier map[lob.LOID]error

func (f fakeVerifier) Verify(_ context.Context, loid lob.LOID) error { return f[loid] }

func TestCheckObjects(t *testing.T) {
	ctx := context.Background()
	good := lob.LOID{SpaceID: 1, PageNo: 3, Serial: 1}
	broken := lob.LOID{SpaceID: 1, PageNo: 5, Serial: 2}
	unreadable := lob.LOID{SpaceID: 1, PageNo: 9, Serial: 3}
	v := fakeVerifier{
		broken:     jerrors.Annotate(lob.ErrCorruption, "page 6 used 0"),
		unreadable: jerrors.Annotate(lob.ErrIO, "fetch page 10"),
	}

	t.Run("结构损坏计数后继续", func(t *testing.T) {
		var out bytes.Buffer
		bad, err := checkObjects(ctx, v, []lob.LOID{broken, good}, &out)
		require.NoError(t, err)
		assert.Equal(t, 1, bad)
		assert.Contains(t, out.String(), "1:5:2 BAD")
		assert.Contains(t, out.String(), "1:3:1 ok")
	})

	t.Run("读页失败时停止", func(t *testing.T) {
		var out bytes.Buffer
		bad, err := checkObjects(ctx, v, []lob.LOID{good, unreadable, broken}, &out)
		require.Error(t, err)
		assert.True(t, lob.IsIO(err))
		assert.Equal(t, 0, bad)
		assert.NotContains(t, out.String(), "1:5:2")
	})
}
