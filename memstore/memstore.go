package memstore

import (
	"context"
	"sync"

	"github.com/google/btree"
	"github.com/pkg/errors"

	"github.com/xiaoxuxiansheng/gotoc"
)

const defaultBTreeDegree = 32

var _ btree.Item = &entry{}

type entry struct {
	key     string
	value   string
	version gotoc.EntryVersion
}

func (e *entry) Less(other btree.Item) bool {
	return e.key < other.(*entry).key
}

// 写入前的快照，用于 RollbackWrites
type undo struct {
	existed bool
	entry   entry
}

// Store 有序内存 kv，同时实现 gotoc.StoreApplier 和 gotoc.VersionSource
type Store struct {
	mux  sync.RWMutex
	tree *btree.BTree
	// 未完成的写入，ApplyWrites 成功后清空
	undo map[string]undo
	// 测试用：对指定 key 的写入注入失败
	failOn map[string]error
}

var (
	_ gotoc.StoreApplier  = (*Store)(nil)
	_ gotoc.VersionSource = (*Store)(nil)
)

func New() *Store {
	return &Store{
		tree:   btree.New(defaultBTreeDegree),
		undo:   make(map[string]undo),
		failOn: make(map[string]error),
	}
}

func (s *Store) Get(key string) (string, bool) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	item := s.tree.Get(&entry{key: key})
	if item == nil {
		return "", false
	}
	return item.(*entry).value, true
}

func (s *Store) Version(key string) (gotoc.EntryVersion, bool) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	item := s.tree.Get(&entry{key: key})
	if item == nil {
		return 0, false
	}
	return item.(*entry).version, true
}

// FailOn 之后写入 key 时返回 err，err 为 nil 时取消
func (s *Store) FailOn(key string, err error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	if err == nil {
		delete(s.failOn, key)
		return
	}
	s.failOn[key] = err
}

func (s *Store) ApplyWrites(ctx context.Context, ops []gotoc.WriteOp, versions gotoc.VersionMap) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err, ok := s.failOn[op.Key]; ok {
			return errors.Wrapf(err, "write key %s", op.Key)
		}

		if _, ok := s.undo[op.Key]; !ok {
			snapshot := undo{}
			if item := s.tree.Get(&entry{key: op.Key}); item != nil {
				snapshot.existed = true
				snapshot.entry = *item.(*entry)
			}
			s.undo[op.Key] = snapshot
		}

		if op.Remove {
			s.tree.Delete(&entry{key: op.Key})
			continue
		}
		next := entry{key: op.Key, value: op.Value}
		if version, ok := versions[op.Key]; ok {
			next.version = version
		} else if item := s.tree.Get(&entry{key: op.Key}); item != nil {
			next.version = item.(*entry).version
		}
		s.tree.ReplaceOrInsert(&next)
	}

	for _, op := range ops {
		delete(s.undo, op.Key)
	}
	return nil
}

func (s *Store) RollbackWrites(_ context.Context, ops []gotoc.WriteOp) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	for _, op := range ops {
		snapshot, ok := s.undo[op.Key]
		if !ok {
			continue
		}
		delete(s.undo, op.Key)
		if !snapshot.existed {
			s.tree.Delete(&entry{key: op.Key})
			continue
		}
		restored := snapshot.entry
		s.tree.ReplaceOrInsert(&restored)
	}
	return nil
}

// Range 按 key 升序遍历 [start, end)，end 为空表示到末尾
func (s *Store) Range(start, end string, f func(key, value string, version gotoc.EntryVersion) bool) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	s.tree.AscendGreaterOrEqual(&entry{key: start}, func(i btree.Item) bool {
		e := i.(*entry)
		if end != "" && e.key >= end {
			return false
		}
		return f(e.key, e.value, e.version)
	})
}

func (s *Store) Len() int {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return s.tree.Len()
}

// Snapshot key -> value，用于比较各节点数据是否一致
func (s *Store) Snapshot() map[string]string {
	snapshot := make(map[string]string)
	s.Range("", "", func(key, value string, _ gotoc.EntryVersion) bool {
		snapshot[key] = value
		return true
	})
	return snapshot
}
