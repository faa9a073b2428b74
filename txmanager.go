package gotoc

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/xiaoxuxiansheng/gotoc/log"
)

// 1. 本地事务的发起：分配全局 id，全序广播 prepare，驱动二阶段
// 2. 入站消息的处理：按全序投递顺序校验、排队、落地
// 3. 后台监控：回收孤儿状态，巡检协议一致性
type TXManager struct {
	ctx         context.Context
	stop        context.CancelFunc
	opts        *Options
	seq         *atomic.Uint64
	coordinator *TransactionCoordinator
}

var _ Deliverer = (*TXManager)(nil)

func NewTXManager(deps Deps, opts ...Option) (*TXManager, error) {
	ctx, cancel := context.WithCancel(context.Background())
	txManager := TXManager{
		opts: &Options{},
		seq:  atomic.NewUint64(0),
		ctx:  ctx,
		stop: cancel,
	}

	for _, opt := range opts {
		opt(txManager.opts)
	}

	repair(txManager.opts)

	coordinator, err := newTransactionCoordinator(txManager.opts, deps)
	if err != nil {
		cancel()
		return nil, err
	}
	txManager.coordinator = coordinator

	go txManager.run()
	return &txManager, nil
}

func (t *TXManager) Stop() {
	t.stop()
	t.coordinator.stop()
}

func (t *TXManager) NodeID() string {
	return t.opts.NodeID
}

func (t *TXManager) Strategy() StrategyConfig {
	return t.coordinator.selector.Config()
}

// Consistent 收到过领先于本地拓扑的消息后返回 false
func (t *TXManager) Consistent() bool {
	return t.coordinator.topology.Consistent()
}

// Table 本节点的事务表
func (t *TXManager) Table() TXTable {
	return t.coordinator.table
}

// SubmitLocalTransaction 发起一笔本地事务.
// sync 模式下阻塞到事务得出结果，返回的 Future 已完成，error 即事务的失败原因；
// async 模式下立即返回
func (t *TXManager) SubmitLocalTransaction(ctx context.Context, ops []WriteOp, onePhaseHint bool) (*Future, error) {
	return t.submit(ctx, ops, nil, onePhaseHint)
}

// SubmitVersionedTransaction 与 SubmitLocalTransaction 相同，versionsSeen 为事务实际读到的版本
func (t *TXManager) SubmitVersionedTransaction(ctx context.Context, ops []WriteOp,
	versionsSeen map[string]EntryVersion, onePhaseHint bool) (*Future, error) {
	if versionsSeen == nil {
		versionsSeen = map[string]EntryVersion{}
	}
	return t.submit(ctx, ops, versionsSeen, onePhaseHint)
}

func (t *TXManager) submit(ctx context.Context, ops []WriteOp, versionsSeen map[string]EntryVersion,
	onePhaseHint bool) (*Future, error) {
	if len(ops) == 0 {
		return nil, ErrEmptyTX
	}
	if t.ctx.Err() != nil {
		return nil, ErrStopped
	}

	future, blocking := t.coordinator.submit(ctx, t.seq.Inc(), ops, versionsSeen, onePhaseHint)
	if !blocking {
		return future, nil
	}
	// 调用方超时或取消后，drive 仍会下发 rollback 并在有限时间内给出结果
	<-future.Done()
	res, _ := future.Result()
	if res.Err != nil {
		log.InfoContextf(ctx, "tx %s finished as %s, err: %v", future.TxID(), res.Outcome.Status, res.Err)
	}
	return future, res.Err
}

func (t *TXManager) OnRemotePrepare(ctx context.Context, msg *PrepareMessage, sender string) Result {
	log.DebugContextf(ctx, "deliver %s from %s", msg, sender)
	return t.coordinator.OnPrepare(ctx, msg)
}

func (t *TXManager) OnRemoteCommit(ctx context.Context, msg *SecondPhaseMessage, sender string) Result {
	log.DebugContextf(ctx, "deliver %s from %s", msg, sender)
	if !msg.Commit {
		return failResult(msg.TxID, errors.Errorf("commit handler received %s", msg))
	}
	return t.coordinator.OnSecondPhase(ctx, msg)
}

func (t *TXManager) OnRemoteRollback(ctx context.Context, msg *SecondPhaseMessage, sender string) Result {
	log.DebugContextf(ctx, "deliver %s from %s", msg, sender)
	if msg.Commit {
		return failResult(msg.TxID, errors.Errorf("rollback handler received %s", msg))
	}
	return t.coordinator.OnSecondPhase(ctx, msg)
}

func (t *TXManager) OnPrepareAck(ctx context.Context, ack *PrepareAck, sender string) {
	log.DebugContextf(ctx, "deliver %s from %s", ack, sender)
	t.coordinator.OnPrepareAck(ack, sender)
}

func (t *TXManager) backOffTick(tick time.Duration) time.Duration {
	tick <<= 1
	if threshold := t.opts.MonitorTick << 3; tick > threshold {
		return threshold
	}
	return tick
}

func (t *TXManager) run() {
	var tick time.Duration
	var err error
	for {
		// 如果出现了异常，tick 需要避让，遵循退避策略增大 tick 间隔时长
		if err == nil {
			tick = t.opts.MonitorTick
		} else {
			tick = t.backOffTick(tick)
		}
		select {
		case <-t.ctx.Done():
			return

		case <-time.After(tick):
			if reaped := t.coordinator.reapOrphans(t.ctx); reaped > 0 {
				log.Infof("node %s reaped %d orphan txs", t.opts.NodeID, reaped)
			}
			if err = t.inspect(); err != nil {
				log.Errorf("node %s inspect failed, err: %v", t.opts.NodeID, err)
			}
		}
	}
}

// inspect 节点一旦观察到领先拓扑，只能由外部修复后重建
func (t *TXManager) inspect() error {
	if !t.Consistent() {
		return errors.Wrapf(ErrTopologyAhead, "node: %s", t.opts.NodeID)
	}
	return nil
}
