package loopback

import (
	"github.com/xiaoxuxiansheng/gotoc"
	"github.com/xiaoxuxiansheng/gotoc/memstore"
)

// Store 节点本地存储
type Store interface {
	gotoc.StoreApplier
	gotoc.VersionSource
}

type Options struct {
	// 每个 key 的副本数，<=0 表示全部节点
	NumOwners int
	// 全序流缓冲长度
	QueueSize int
	// 透传给每个节点的 TXManager
	ManagerOptions []gotoc.Option
	NewStore       func(nodeID string) Store
	NewRecorder    func(nodeID string) gotoc.OutcomeRecorder
}

type Option func(*Options)

func WithNumOwners(numOwners int) Option {
	return func(o *Options) {
		o.NumOwners = numOwners
	}
}

func WithQueueSize(size int) Option {
	if size <= 0 {
		size = 1024
	}

	return func(o *Options) {
		o.QueueSize = size
	}
}

func WithManagerOptions(opts ...gotoc.Option) Option {
	return func(o *Options) {
		o.ManagerOptions = append(o.ManagerOptions, opts...)
	}
}

func WithStoreFactory(newStore func(nodeID string) Store) Option {
	return func(o *Options) {
		o.NewStore = newStore
	}
}

// WithRecorder 为每个节点构造终态记录器
func WithRecorder(newRecorder func(nodeID string) gotoc.OutcomeRecorder) Option {
	return func(o *Options) {
		o.NewRecorder = newRecorder
	}
}

func repair(o *Options) {
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}

	if o.NewStore == nil {
		o.NewStore = func(string) Store {
			return memstore.New()
		}
	}
}
