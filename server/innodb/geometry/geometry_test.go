package geometry

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zhukovaskychina/xmysql-lob/logger"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in      int
		want    int
		rounded bool
	}{
		{0, MinPageSize, false},
		{-5, MinPageSize, false},
		{512, MinPageSize, false},
		{1024, 1024, false},
		{1025, 2048, true},
		{3000, 4096, true},
		{4096, 4096, false},
		{12000, 16384, true},
		{16384, 16384, false},
		{16385, MaxPageSize, false},
		{1 << 20, MaxPageSize, false},
	}
	for _, c := range cases {
		got, rounded := Normalize(c.in)
		assert.Equal(t, c.want, got, "Normalize(%d)", c.in)
		assert.Equal(t, c.rounded, rounded, "Normalize(%d) rounded", c.in)
	}
}

func TestSetPageSize(t *testing.T) {
	var out bytes.Buffer
	logger.SetOutput(&out, "warn")
	defer logger.SetOutput(&bytes.Buffer{}, "error")

	g := New(DefaultPageSize)
	assert.Equal(t, DefaultPageSize, g.PageSize())
	assert.Equal(t, DefaultPageSize-62, g.PayloadSize())

	t.Run("NoChange返回当前值", func(t *testing.T) {
		assert.Equal(t, DefaultPageSize, g.SetPageSize(NoChange))
		assert.Equal(t, DefaultPageSize, g.PageSize())
	})

	t.Run("非2的幂取整并告警", func(t *testing.T) {
		out.Reset()
		assert.Equal(t, 8192, g.SetPageSize(5000))
		assert.True(t, g.Rounded())
		assert.Contains(t, out.String(), "rounded up to 8192")
	})

	t.Run("返回值是不动点", func(t *testing.T) {
		for x := -10; x < 20000; x += 97 {
			first := g.SetPageSize(x)
			assert.Equal(t, first, g.SetPageSize(first))
			assert.False(t, g.Rounded())
			assert.Equal(t, 0, first&(first-1))
		}
	})
}

func TestMaxPathLength(t *testing.T) {
	assert.Contains(t, []int{260, 1024, 4096}, MaxPathLength())
}
