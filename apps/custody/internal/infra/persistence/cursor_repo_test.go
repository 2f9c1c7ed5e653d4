package persistence

import (
	"context"
	"testing"

	"custodex.com/apps/custody/internal/testkit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryCursor(t *testing.T) {
	repo := New(testkit.NewDB(t))
	ctx := context.Background()

	_, ok, err := repo.RetryFrom(ctx, chain)
	require.NoError(t, err)
	assert.False(t, ok, "没有记录表示不需要补扫")

	steps := []struct {
		name string
		set  int64
		want int64
	}{
		{"首次写入", 350, 350},
		{"更小的起点覆盖", 100, 100},
		{"更大的起点不覆盖", 300, 100},
		{"0 也是合法起点", 0, 0},
	}
	for _, st := range steps {
		t.Run(st.name, func(t *testing.T) {
			require.NoError(t, repo.SetRetryFrom(ctx, chain, st.set))
			from, ok, err := repo.RetryFrom(ctx, chain)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, st.want, from)
		})
	}

	// 其他链互不影响
	_, ok, err = repo.RetryFrom(ctx, "137")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.ClearRetryFrom(ctx, chain))
	_, ok, err = repo.RetryFrom(ctx, chain)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, repo.ClearRetryFrom(ctx, chain), "重复清除不报错")
}
