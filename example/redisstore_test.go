package example

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/agiledragon/gomonkey/v2"
	"github.com/stretchr/testify/assert"
	"github.com/xiaoxuxiansheng/redis_lock"

	"github.com/xiaoxuxiansheng/gotoc"
	"github.com/xiaoxuxiansheng/gotoc/example/pkg"
)

// 用 map 模拟 redis
type fakeRedis struct {
	mux    sync.Mutex
	kv     map[string]string
	setErr map[string]error
}

func patchRedis(fake *fakeRedis) *gomonkey.Patches {
	patch := gomonkey.ApplyMethod(reflect.TypeOf(&redis_lock.RedisLock{}), "Lock", func(_ *redis_lock.RedisLock, ctx context.Context) error {
		return nil
	})
	patch = patch.ApplyMethod(reflect.TypeOf(&redis_lock.RedisLock{}), "Unlock", func(_ *redis_lock.RedisLock, ctx context.Context) error {
		return nil
	})
	patch = patch.ApplyMethod(reflect.TypeOf(&redis_lock.Client{}), "Get", func(_ *redis_lock.Client, ctx context.Context, key string) (string, error) {
		fake.mux.Lock()
		defer fake.mux.Unlock()
		value, ok := fake.kv[key]
		if !ok {
			return "", redis_lock.ErrNil
		}
		return value, nil
	})
	patch = patch.ApplyMethod(reflect.TypeOf(&redis_lock.Client{}), "Set", func(_ *redis_lock.Client, ctx context.Context, key string, value string) (int64, error) {
		fake.mux.Lock()
		defer fake.mux.Unlock()
		if err := fake.setErr[key]; err != nil {
			return 0, err
		}
		fake.kv[key] = value
		return 1, nil
	})
	patch = patch.ApplyMethod(reflect.TypeOf(&redis_lock.Client{}), "Del", func(_ *redis_lock.Client, ctx context.Context, key string) error {
		fake.mux.Lock()
		defer fake.mux.Unlock()
		delete(fake.kv, key)
		return nil
	})
	return patch
}

func Test_RedisStore_ApplyWrites(t *testing.T) {
	fake := &fakeRedis{kv: make(map[string]string), setErr: make(map[string]error)}
	patch := patchRedis(fake)
	defer patch.Reset()

	ctx := context.Background()
	store := NewRedisStore("node-a", &redis_lock.Client{})

	_, ok := store.Version("x")
	assert.Equal(t, false, ok)

	err := store.ApplyWrites(ctx, []gotoc.WriteOp{{Key: "x", Value: "1"}, {Key: "y", Value: "2"}}, gotoc.VersionMap{"x": 3, "y": 1})
	assert.Equal(t, nil, err)

	value, ok, err := store.Get(ctx, "x")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, ok)
	assert.Equal(t, "1", value)
	version, ok := store.Version("x")
	assert.Equal(t, true, ok)
	assert.Equal(t, gotoc.EntryVersion(3), version)
	assert.Equal(t, "1", fake.kv[pkg.BuildVersionKey("node-a", "y")])

	// 删除
	err = store.ApplyWrites(ctx, []gotoc.WriteOp{{Key: "x", Remove: true}}, gotoc.VersionMap{"x": 4})
	assert.Equal(t, nil, err)
	_, ok, err = store.Get(ctx, "x")
	assert.Equal(t, nil, err)
	assert.Equal(t, false, ok)
	_, ok = store.Version("x")
	assert.Equal(t, false, ok)
}

func Test_RedisStore_RollbackWrites(t *testing.T) {
	fake := &fakeRedis{kv: make(map[string]string), setErr: make(map[string]error)}
	patch := patchRedis(fake)
	defer patch.Reset()

	ctx := context.Background()
	store := NewRedisStore("node-a", &redis_lock.Client{})
	err := store.ApplyWrites(ctx, []gotoc.WriteOp{{Key: "x", Value: "old"}}, gotoc.VersionMap{"x": 1})
	assert.Equal(t, nil, err)

	// y 写入失败，x 已写入的新值需要回滚
	fake.setErr[pkg.BuildDataKey("node-a", "y")] = errors.New("set err")
	ops := []gotoc.WriteOp{{Key: "x", Value: "new"}, {Key: "y", Value: "1"}}
	err = store.ApplyWrites(ctx, ops, gotoc.VersionMap{"x": 2, "y": 1})
	assert.Equal(t, true, err != nil)
	assert.Equal(t, "new", fake.kv[pkg.BuildDataKey("node-a", "x")])

	err = store.RollbackWrites(ctx, ops)
	assert.Equal(t, nil, err)
	value, ok, _ := store.Get(ctx, "x")
	assert.Equal(t, true, ok)
	assert.Equal(t, "old", value)
	version, _ := store.Version("x")
	assert.Equal(t, gotoc.EntryVersion(1), version)
	_, ok, _ = store.Get(ctx, "y")
	assert.Equal(t, false, ok)

	// 没有快照时为 no-op
	err = store.RollbackWrites(ctx, ops)
	assert.Equal(t, nil, err)
	value, _, _ = store.Get(ctx, "x")
	assert.Equal(t, "old", value)
}

func Test_RedisStore_Lock(t *testing.T) {
	fake := &fakeRedis{kv: make(map[string]string), setErr: make(map[string]error)}
	patch := patchRedis(fake)
	patch = patch.ApplyMethod(reflect.TypeOf(&redis_lock.RedisLock{}), "Lock", func(_ *redis_lock.RedisLock, ctx context.Context) error {
		return errors.New("lock err")
	})
	defer patch.Reset()

	store := NewRedisStore("node-a", &redis_lock.Client{})
	err := store.ApplyWrites(context.Background(), []gotoc.WriteOp{{Key: "x", Value: "1"}}, gotoc.VersionMap{"x": 1})
	assert.Equal(t, true, err != nil)
	assert.Equal(t, 0, len(fake.kv))
}
