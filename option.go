package gotoc

import (
	"time"

	"github.com/google/uuid"
)

const (
	defaultTimeout            = 5 * time.Second
	defaultMonitorTick        = 10 * time.Second
	defaultPrepareWaitTimeout = 3 * time.Second
	defaultCompletedTxTimeout = time.Minute
	defaultRetryBackoff       = 10 * time.Millisecond
	defaultWorkers            = 16
)

type Options struct {
	// 本地事务执行时长限制
	Timeout time.Duration
	// 轮询监控任务间隔时长
	MonitorTick time.Duration
	// 处理入站消息的 worker 数
	Workers int
	// 二阶段消息等待 prepared 的时长
	PrepareWaitTimeout time.Duration
	// 已完成事务信息的保留时长，同时也是孤儿状态的回收阈值
	CompletedTxTimeout time.Duration
	Strategy           StrategyConfig
	// 拓扑过期重试的初始间隔
	RetryBackoff time.Duration
	// 本节点在集群中的 id，也是全局事务 id 的 origin
	NodeID string
}

type Option func(*Options)

func WithTimeout(timeout time.Duration) Option {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return func(o *Options) {
		o.Timeout = timeout
	}
}

func WithMonitorTick(tick time.Duration) Option {
	if tick <= 0 {
		tick = defaultMonitorTick
	}

	return func(o *Options) {
		o.MonitorTick = tick
	}
}

func WithWorkers(workers int) Option {
	if workers <= 0 {
		workers = defaultWorkers
	}

	return func(o *Options) {
		o.Workers = workers
	}
}

func WithPrepareWaitTimeout(timeout time.Duration) Option {
	if timeout <= 0 {
		timeout = defaultPrepareWaitTimeout
	}

	return func(o *Options) {
		o.PrepareWaitTimeout = timeout
	}
}

func WithCompletedTxTimeout(timeout time.Duration) Option {
	if timeout <= 0 {
		timeout = defaultCompletedTxTimeout
	}

	return func(o *Options) {
		o.CompletedTxTimeout = timeout
	}
}

func WithStrategy(strategy StrategyConfig) Option {
	return func(o *Options) {
		o.Strategy = strategy
	}
}

func WithRetryBackoff(backoff time.Duration) Option {
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}

	return func(o *Options) {
		o.RetryBackoff = backoff
	}
}

func WithNodeID(nodeID string) Option {
	return func(o *Options) {
		o.NodeID = nodeID
	}
}

func repair(o *Options) {
	if o.MonitorTick <= 0 {
		o.MonitorTick = defaultMonitorTick
	}

	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}

	if o.Workers <= 0 {
		o.Workers = defaultWorkers
	}

	if o.PrepareWaitTimeout <= 0 {
		o.PrepareWaitTimeout = defaultPrepareWaitTimeout
	}

	if o.CompletedTxTimeout <= 0 {
		o.CompletedTxTimeout = defaultCompletedTxTimeout
	}

	if o.RetryBackoff <= 0 {
		o.RetryBackoff = defaultRetryBackoff
	}

	if o.NodeID == "" {
		o.NodeID = uuid.NewString()
	}
}
