package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xiaoxuxiansheng/gotoc"
)

func Test_Store_ApplyWrites(t *testing.T) {
	ctx := context.Background()
	store := New()

	err := store.ApplyWrites(ctx, []gotoc.WriteOp{
		{Key: "b", Value: "1"},
		{Key: "a", Value: "2"},
	}, gotoc.VersionMap{"a": 1, "b": 1})
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, store.Len())

	value, ok := store.Get("a")
	assert.Equal(t, true, ok)
	assert.Equal(t, "2", value)
	version, ok := store.Version("b")
	assert.Equal(t, true, ok)
	assert.Equal(t, gotoc.EntryVersion(1), version)

	// 未携带版本时沿用原版本
	assert.Equal(t, nil, store.ApplyWrites(ctx, []gotoc.WriteOp{{Key: "a", Value: "3"}}, nil))
	version, _ = store.Version("a")
	assert.Equal(t, gotoc.EntryVersion(1), version)

	assert.Equal(t, nil, store.ApplyWrites(ctx, []gotoc.WriteOp{{Key: "b", Remove: true}}, nil))
	_, ok = store.Get("b")
	assert.Equal(t, false, ok)
	_, ok = store.Version("b")
	assert.Equal(t, false, ok)
	assert.Equal(t, map[string]string{"a": "3"}, store.Snapshot())
}

func Test_Store_RollbackWrites(t *testing.T) {
	ctx := context.Background()
	store := New()
	_ = store.ApplyWrites(ctx, []gotoc.WriteOp{{Key: "a", Value: "old"}, {Key: "c", Value: "keep"}},
		gotoc.VersionMap{"a": 3})

	injected := errors.New("disk full")
	store.FailOn("c", injected)
	ops := []gotoc.WriteOp{
		{Key: "a", Value: "new"},
		{Key: "b", Value: "created"},
		{Key: "c", Value: "never"},
	}
	err := store.ApplyWrites(ctx, ops, gotoc.VersionMap{"a": 4, "b": 1, "c": 1})
	assert.Equal(t, true, errors.Is(err, injected))

	// 部分写入已生效
	value, _ := store.Get("a")
	assert.Equal(t, "new", value)

	assert.Equal(t, nil, store.RollbackWrites(ctx, ops))
	assert.Equal(t, map[string]string{"a": "old", "c": "keep"}, store.Snapshot())
	version, _ := store.Version("a")
	assert.Equal(t, gotoc.EntryVersion(3), version)

	// 重复回滚是 no-op
	assert.Equal(t, nil, store.RollbackWrites(ctx, ops))
	assert.Equal(t, 2, store.Len())

	store.FailOn("c", nil)
	assert.Equal(t, nil, store.ApplyWrites(ctx, []gotoc.WriteOp{{Key: "c", Value: "now"}}, nil))
}

func Test_Store_ApplyWrites_canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := New()
	err := store.ApplyWrites(ctx, []gotoc.WriteOp{{Key: "a", Value: "1"}}, nil)
	assert.Equal(t, context.Canceled, err)
	assert.Equal(t, 0, store.Len())
}

func Test_Store_Range(t *testing.T) {
	ctx := context.Background()
	store := New()
	_ = store.ApplyWrites(ctx, []gotoc.WriteOp{
		{Key: "k3", Value: "3"},
		{Key: "k1", Value: "1"},
		{Key: "k2", Value: "2"},
		{Key: "k4", Value: "4"},
	}, nil)

	var keys []string
	store.Range("k2", "k4", func(key, _ string, _ gotoc.EntryVersion) bool {
		keys = append(keys, key)
		return true
	})
	assert.Equal(t, []string{"k2", "k3"}, keys)

	keys = keys[:0]
	store.Range("", "", func(key, _ string, _ gotoc.EntryVersion) bool {
		keys = append(keys, key)
		return len(keys) < 2
	})
	assert.Equal(t, []string{"k1", "k2"}, keys)
}
