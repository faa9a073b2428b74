package gotoc

import "context"

// 全序广播传输层（外部提供）.
// Broadcast 的消息会在包括发送方在内的每个节点上以同一全局顺序投递到 Deliverer.OnRemotePrepare
type Transport interface {
	Broadcast(ctx context.Context, msg *PrepareMessage) error
	// 点对点下发二阶段消息. targets 为空表示所有成员
	SendSecondPhase(ctx context.Context, targets []string, msg *SecondPhaseMessage) error
	// owner 把 prepare 结果回给发起方，仅 Distributed 模式使用
	SendPrepareAck(ctx context.Context, origin string, ack *PrepareAck) error
}

// 消息分发层在反序列化后调用的入口，由 TXManager 实现
type Deliverer interface {
	// 同一节点上按全序依次调用
	OnRemotePrepare(ctx context.Context, msg *PrepareMessage, sender string) Result
	OnRemoteCommit(ctx context.Context, msg *SecondPhaseMessage, sender string) Result
	OnRemoteRollback(ctx context.Context, msg *SecondPhaseMessage, sender string) Result
	OnPrepareAck(ctx context.Context, ack *PrepareAck, sender string)
}

// 拓扑信息，由成员管理 / 再平衡子系统维护
type TopologyProvider interface {
	CurrentTopologyID() int
	Members() []string
	// 当前拓扑下 key 的 owner 节点
	Owners(key string) []string
}

// 本地存储
type StoreApplier interface {
	ApplyWrites(ctx context.Context, ops []WriteOp, versions VersionMap) error
	// 尚未写入任何数据时为 no-op
	RollbackWrites(ctx context.Context, ops []WriteOp) error
}

// 写偏斜校验读取的当前已提交版本
type VersionSource interface {
	Version(key string) (EntryVersion, bool)
}

// 终态记录钩子，可选
type OutcomeRecorder interface {
	Record(ctx context.Context, outcome Outcome) error
}
