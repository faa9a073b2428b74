package example

import (
	"context"
	"errors"
	"sync"

	"github.com/demdxx/gocast"
	"github.com/spf13/cast"
	"github.com/xiaoxuxiansheng/redis_lock"
	"go.uber.org/multierr"

	"github.com/xiaoxuxiansheng/gotoc"
	"github.com/xiaoxuxiansheng/gotoc/example/pkg"
	"github.com/xiaoxuxiansheng/gotoc/log"
)

// 数据锁的过期时长
const lockExpireSeconds = 5

// 写入前的快照
type undoEntry struct {
	existed bool
	value   string
	version string
}

// RedisStore 基于 redis 的节点存储，实现 gotoc.StoreApplier 和 gotoc.VersionSource.
// 同一 key 的写入由 coordinator 串行化，redis 锁只用于防止同 namespace 的其他进程并发写
type RedisStore struct {
	namespace string
	client    *redis_lock.Client

	mux  sync.Mutex
	undo map[string]*undoEntry
}

var _ gotoc.StoreApplier = (*RedisStore)(nil)
var _ gotoc.VersionSource = (*RedisStore)(nil)

func NewRedisStore(namespace string, client *redis_lock.Client) *RedisStore {
	return &RedisStore{
		namespace: namespace,
		client:    client,
		undo:      make(map[string]*undoEntry),
	}
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := r.client.Get(ctx, pkg.BuildDataKey(r.namespace, key))
	if errors.Is(err, redis_lock.ErrNil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (r *RedisStore) Version(key string) (gotoc.EntryVersion, bool) {
	raw, err := r.client.Get(context.Background(), pkg.BuildVersionKey(r.namespace, key))
	if err != nil {
		if !errors.Is(err, redis_lock.ErrNil) {
			log.Warnf("get version of key %s failed, err: %v", key, err)
		}
		return 0, false
	}
	version, err := cast.ToUint64E(raw)
	if err != nil {
		log.Warnf("invalid version %q of key %s", raw, key)
		return 0, false
	}
	return gotoc.EntryVersion(version), true
}

func (r *RedisStore) ApplyWrites(ctx context.Context, ops []gotoc.WriteOp, versions gotoc.VersionMap) error {
	for _, op := range ops {
		if err := r.applyOne(ctx, op, versions); err != nil {
			return err
		}
	}

	r.mux.Lock()
	defer r.mux.Unlock()
	for _, op := range ops {
		delete(r.undo, op.Key)
	}
	return nil
}

func (r *RedisStore) applyOne(ctx context.Context, op gotoc.WriteOp, versions gotoc.VersionMap) error {
	// 基于 key 维度加锁
	lock := redis_lock.NewRedisLock(pkg.BuildDataLockKey(r.namespace, op.Key), r.client,
		redis_lock.WithExpireSeconds(lockExpireSeconds))
	if err := lock.Lock(ctx); err != nil {
		return err
	}
	defer func() {
		_ = lock.Unlock(ctx)
	}()

	if err := r.snapshot(ctx, op.Key); err != nil {
		return err
	}

	dataKey, versionKey := pkg.BuildDataKey(r.namespace, op.Key), pkg.BuildVersionKey(r.namespace, op.Key)
	if op.Remove {
		if err := r.client.Del(ctx, dataKey); err != nil {
			return err
		}
		return r.client.Del(ctx, versionKey)
	}

	if _, err := r.client.Set(ctx, dataKey, op.Value); err != nil {
		return err
	}
	if version, ok := versions[op.Key]; ok {
		if _, err := r.client.Set(ctx, versionKey, gocast.ToString(uint64(version))); err != nil {
			return err
		}
	}
	return nil
}

// snapshot 只记录本轮写入前的第一份快照
func (r *RedisStore) snapshot(ctx context.Context, key string) error {
	r.mux.Lock()
	_, ok := r.undo[key]
	r.mux.Unlock()
	if ok {
		return nil
	}

	entry := undoEntry{}
	value, err := r.client.Get(ctx, pkg.BuildDataKey(r.namespace, key))
	switch {
	case errors.Is(err, redis_lock.ErrNil):
	case err != nil:
		return err
	default:
		entry.existed = true
		entry.value = value
		if entry.version, err = r.client.Get(ctx, pkg.BuildVersionKey(r.namespace, key)); err != nil &&
			!errors.Is(err, redis_lock.ErrNil) {
			return err
		}
	}

	r.mux.Lock()
	defer r.mux.Unlock()
	r.undo[key] = &entry
	return nil
}

func (r *RedisStore) RollbackWrites(ctx context.Context, ops []gotoc.WriteOp) error {
	var errs error
	for _, op := range ops {
		r.mux.Lock()
		entry, ok := r.undo[op.Key]
		delete(r.undo, op.Key)
		r.mux.Unlock()
		if !ok {
			continue
		}
		errs = multierr.Append(errs, r.restore(ctx, op.Key, entry))
	}
	return errs
}

func (r *RedisStore) restore(ctx context.Context, key string, entry *undoEntry) error {
	dataKey, versionKey := pkg.BuildDataKey(r.namespace, key), pkg.BuildVersionKey(r.namespace, key)
	if !entry.existed {
		return multierr.Append(r.client.Del(ctx, dataKey), r.client.Del(ctx, versionKey))
	}
	if _, err := r.client.Set(ctx, dataKey, entry.value); err != nil {
		return err
	}
	if entry.version == "" {
		return r.client.Del(ctx, versionKey)
	}
	_, err := r.client.Set(ctx, versionKey, entry.version)
	return err
}
