package gotoc

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/xiaoxuxiansheng/gotoc/log"
)

// Deps 构造时注入的外部依赖，创建后不再变更
type Deps struct {
	Transport Transport
	Topology  TopologyProvider
	Store     StoreApplier
	// 本地已提交版本，校验时读取
	Versions VersionSource
	// 事务读到的版本，versioned 模式下生成 VersionsSeen. 为空时使用 Versions
	Reader VersionSource
	// 以下可选
	Validator VersionValidator
	Generator VersionGenerator
	Recorder  OutcomeRecorder
	Table     TXTable
}

func (d *Deps) check() error {
	if d.Transport == nil {
		return errors.New("transport is required")
	}
	if d.Topology == nil {
		return errors.New("topology provider is required")
	}
	if d.Store == nil {
		return errors.New("store applier is required")
	}
	if d.Validator == nil && d.Versions == nil {
		return errors.New("version source is required without a custom validator")
	}
	return nil
}

// TransactionCoordinator 处理入站 prepare / commit / rollback，驱动事务状态机
type TransactionCoordinator struct {
	nodeID    string
	opts      *Options
	deps      Deps
	table     TXTable
	topology  *TopologySynchronizer
	selector  *ReplicationStrategySelector
	validator VersionValidator
	generator VersionGenerator
	scheduler *ReadyTaskScheduler
	latches   *keyLatches
	votes     *voteRegistry
}

func newTransactionCoordinator(opts *Options, deps Deps) (*TransactionCoordinator, error) {
	if err := deps.check(); err != nil {
		return nil, err
	}
	reader := deps.Reader
	if reader == nil {
		reader = deps.Versions
	}
	selector, err := NewReplicationStrategySelector(opts.NodeID, opts.Strategy, deps.Topology, reader)
	if err != nil {
		return nil, err
	}

	c := TransactionCoordinator{
		nodeID:    opts.NodeID,
		opts:      opts,
		deps:      deps,
		table:     deps.Table,
		topology:  NewTopologySynchronizer(deps.Topology),
		selector:  selector,
		validator: deps.Validator,
		generator: deps.Generator,
		scheduler: NewReadyTaskScheduler(opts.Workers),
		latches:   newKeyLatches(),
		votes:     newVoteRegistry(),
	}
	if c.table == nil {
		c.table = NewTXTable(opts.CompletedTxTimeout)
	}
	if c.validator == nil {
		c.validator = NewWriteSkewValidator(deps.Versions)
	}
	if c.generator == nil {
		c.generator = IncrementGenerator{}
	}
	return &c, nil
}

func (c *TransactionCoordinator) stop() {
	c.scheduler.Stop()
}

// OnPrepare 由传输层按全序依次调用，不阻塞：
// 拓扑校验和重复检测同步完成，其余工作按 key 依赖交给调度器
func (c *TransactionCoordinator) OnPrepare(ctx context.Context, msg *PrepareMessage) Result {
	reason, err := c.topology.Check(msg)
	if err != nil {
		preparesTotal.WithLabelValues("topology_ahead").Inc()
		res := failResult(msg.TxID, err)
		c.reply(ctx, msg, res, nil)
		return res
	}
	if reason != RetryNone {
		preparesTotal.WithLabelValues("stale_topology").Inc()
		res := retryResult(msg.TxID, reason)
		c.reply(ctx, msg, res, nil)
		return res
	}

	view, ok := c.localView(msg)
	if !ok {
		preparesTotal.WithLabelValues("skipped").Inc()
		return pendingResult(msg.TxID)
	}

	if status := c.table.CompletedStatus(msg.TxID); status.Completed() {
		log.Debugf("tx %s already completed as %s, drop replayed prepare", msg.TxID, status)
		preparesTotal.WithLabelValues("duplicate").Inc()
		return retryResult(msg.TxID, RetryDuplicate)
	}

	state, _ := c.table.GetOrCreate(msg.TxID)
	if err := state.MarkPreparing(view); err != nil {
		log.Debugf("tx %s duplicated prepare delivery, err: %v", msg.TxID, err)
		preparesTotal.WithLabelValues("duplicate").Inc()
		return retryResult(msg.TxID, RetryDuplicate)
	}

	// 依赖按投递顺序登记，冲突事务在所有节点上以同一顺序执行
	deps := c.latches.acquire(view.Keys, state.SlotLatch())
	c.scheduler.Submit(Task{
		Name: "prepare/" + msg.TxID.String(),
		Deps: deps,
		Run: func(ctx context.Context, _ bool) {
			res := c.runPrepare(ctx, state, view)
			c.reply(ctx, msg, res, state)
		},
	})
	return pendingResult(msg.TxID)
}

// localView Distributed 模式下只保留本节点负责的写操作
func (c *TransactionCoordinator) localView(msg *PrepareMessage) (*PrepareMessage, bool) {
	if !c.selector.Participates(msg.Keys) {
		return nil, false
	}
	if c.selector.Config().Topology == Replicated {
		return msg, true
	}

	view := *msg
	view.Writes = make([]WriteOp, 0, len(msg.Writes))
	for _, op := range msg.Writes {
		if c.selector.Owns(op.Key) {
			view.Writes = append(view.Writes, op)
		}
	}
	view.Keys = affectedKeys(view.Writes)
	if msg.VersionsSeen != nil {
		view.VersionsSeen = make(map[string]EntryVersion, len(view.Keys))
		for _, key := range view.Keys {
			if version, ok := msg.VersionsSeen[key]; ok {
				view.VersionsSeen[key] = version
			}
		}
	}
	return &view, true
}

func (c *TransactionCoordinator) runPrepare(ctx context.Context, state *TransactionState, msg *PrepareMessage) Result {
	if state.enterPrepare() {
		// 等待期间已被二阶段超时或孤儿回收结束
		c.releaseSlot(state)
		log.Warnf("tx %s finished as %s before its prepare ran", msg.TxID, state.Status())
		preparesTotal.WithLabelValues("rolled_back").Inc()
		return failResult(msg.TxID, errors.Wrapf(ErrAlreadyRolledBack, "tx: %s", msg.TxID))
	}
	if err := ctx.Err(); err != nil {
		c.finish(ctx, state, TXRolledBack, nil)
		return failResult(msg.TxID, errors.Wrapf(ErrStopped, "tx: %s", msg.TxID))
	}

	decision := state.decide()
	if decision.rollbackReceived {
		log.Warnf("tx %s rollback received before prepare, reject it", msg.TxID)
		c.finish(ctx, state, TXRolledBack, nil)
		preparesTotal.WithLabelValues("rolled_back").Inc()
		return failResult(msg.TxID, errors.Wrapf(ErrAlreadyRolledBack, "tx: %s", msg.TxID))
	}

	versions := decision.versions
	onePhase := msg.OnePhase
	if decision.commitReceived {
		// commit 已先到，说明所有 owner 都已通过校验
		onePhase = true
	} else {
		start := time.Now()
		validated, err := c.validator.Validate(msg, c.generator)
		validationHistogram.Observe(time.Since(start).Seconds())
		validatedTotal.Inc()
		if err != nil {
			log.Infof("tx %s rejected by validation: %v", msg.TxID, err)
			c.finish(ctx, state, TXRolledBack, nil)
			preparesTotal.WithLabelValues("conflict").Inc()
			return failResult(msg.TxID, err)
		}
		versions = validated
	}

	if !onePhase {
		state.MarkPrepared(versions)
		preparesTotal.WithLabelValues("prepared").Inc()
		return okResult(msg.TxID, TXPending, versions)
	}

	if err := c.applyWrites(ctx, msg.Writes, versions); err != nil {
		log.Errorf("tx %s one phase apply failed: %v", msg.TxID, err)
		c.finish(ctx, state, TXRolledBack, nil)
		preparesTotal.WithLabelValues("apply_failed").Inc()
		return failResult(msg.TxID, err)
	}
	c.finish(ctx, state, TXCommitted, versions)
	preparesTotal.WithLabelValues("committed").Inc()
	return okResult(msg.TxID, TXCommitted, versions)
}

// OnSecondPhase 处理 commit / rollback. 可能先于 prepare 到达
func (c *TransactionCoordinator) OnSecondPhase(ctx context.Context, msg *SecondPhaseMessage) Result {
	kind := secondPhaseKind(msg)
	state, ok := c.table.Get(msg.TxID)
	if !ok {
		if status := c.table.CompletedStatus(msg.TxID); status.Completed() {
			log.Debugf("tx %s already completed as %s, %s is a no-op", msg.TxID, status, kind)
			secondPhasesTotal.WithLabelValues(kind, "noop").Inc()
			return okResult(msg.TxID, completedTXStatus(status), nil)
		}
		state, _ = c.table.GetOrCreate(msg.TxID)
		// Get 与 GetOrCreate 之间事务可能恰好结束
		if status := c.table.CompletedStatus(msg.TxID); status.Completed() {
			c.table.Remove(msg.TxID)
			secondPhasesTotal.WithLabelValues(kind, "noop").Inc()
			return okResult(msg.TxID, completedTXStatus(status), nil)
		}
	}

	var preparing bool
	if msg.Commit {
		preparing = state.MarkCommitReceived(msg.Versions)
	} else {
		preparing = state.MarkRollbackReceived()
	}
	if !msg.Commit && preparing {
		if prepare := state.Prepare(); prepare != nil && prepare.OnePhase {
			log.Debugf("tx %s rollback arrived after its one phase prepare, ignore it", msg.TxID)
			secondPhasesTotal.WithLabelValues(kind, "superseded").Inc()
			return pendingResult(msg.TxID)
		}
	}
	if !preparing {
		// prepare 尚未投递，到达后由 prepare 消化标记
		log.Debugf("tx %s %s arrived before prepare", msg.TxID, kind)
		secondPhasesTotal.WithLabelValues(kind, "deferred").Inc()
		return pendingResult(msg.TxID)
	}

	c.scheduler.Submit(Task{
		Name:    kind + "/" + msg.TxID.String(),
		Deps:    []*Latch{state.PreparedLatch()},
		Timeout: c.opts.PrepareWaitTimeout,
		Run: func(ctx context.Context, timedOut bool) {
			c.runSecondPhase(ctx, state, msg, timedOut)
		},
	})
	return pendingResult(msg.TxID)
}

func (c *TransactionCoordinator) runSecondPhase(ctx context.Context, state *TransactionState, msg *SecondPhaseMessage, timedOut bool) {
	kind := secondPhaseKind(msg)
	if timedOut {
		log.Warnf("tx %s %s timed out waiting for prepared, roll back", msg.TxID, kind)
		c.finish(ctx, state, TXRolledBack, nil)
		secondPhasesTotal.WithLabelValues(kind, "timeout").Inc()
		return
	}

	apply, err := state.AwaitUntilPrepared(ctx, c.opts.PrepareWaitTimeout)
	if err != nil {
		log.Warnf("tx %s %s await prepared failed: %v", msg.TxID, kind, err)
		c.finish(ctx, state, TXRolledBack, nil)
		secondPhasesTotal.WithLabelValues(kind, "timeout").Inc()
		return
	}
	if !apply {
		// 一阶段捷径或 prepare 失败已结束事务
		secondPhasesTotal.WithLabelValues(kind, "noop").Inc()
		return
	}

	prepare := state.Prepare()
	if !msg.Commit {
		if err := c.deps.Store.RollbackWrites(ctx, prepare.Writes); err != nil {
			log.Errorf("tx %s rollback writes failed: %v", msg.TxID, err)
		}
		state.markDecided(TXRolledBack)
		c.finish(ctx, state, TXRolledBack, nil)
		secondPhasesTotal.WithLabelValues(kind, "ok").Inc()
		return
	}

	versions := msg.Versions
	if len(versions) == 0 {
		versions = state.Versions()
	}
	if err := c.applyWrites(ctx, prepare.Writes, versions); err != nil {
		log.Errorf("tx %s commit apply failed: %v", msg.TxID, err)
		state.markDecided(TXRolledBack)
		c.finish(ctx, state, TXRolledBack, nil)
		secondPhasesTotal.WithLabelValues(kind, "apply_failed").Inc()
		return
	}
	state.markDecided(TXCommitted)
	c.finish(ctx, state, TXCommitted, versions)
	secondPhasesTotal.WithLabelValues(kind, "ok").Inc()
}

// applyWrites 写入失败时回滚已写入的部分，两个错误合并返回
func (c *TransactionCoordinator) applyWrites(ctx context.Context, ops []WriteOp, versions VersionMap) error {
	err := c.deps.Store.ApplyWrites(ctx, ops, versions)
	if err == nil {
		return nil
	}
	err = errors.Wrap(err, "apply writes")
	if rbErr := c.deps.Store.RollbackWrites(ctx, ops); rbErr != nil {
		err = multierr.Append(err, errors.Wrap(rbErr, "rollback writes"))
	}
	return err
}

// finish 终态收尾：先登记已完成信息再移出事务表，随后释放 key 依赖
func (c *TransactionCoordinator) finish(ctx context.Context, state *TransactionState, status TXStatus, versions VersionMap) bool {
	if !state.MarkFinished(status) {
		return false
	}

	txID := state.TxID()
	if status == TXCommitted {
		c.table.MarkCommitted(txID)
	} else {
		c.table.MarkRolledBack(txID)
	}
	c.table.Remove(txID)
	if state.slotReleasable() {
		c.releaseSlot(state)
	}

	if c.deps.Recorder != nil {
		if err := c.deps.Recorder.Record(ctx, Outcome{TxID: txID, Status: status, Versions: versions}); err != nil {
			log.Warnf("record outcome of tx %s failed: %v", txID, err)
		}
	}
	return true
}

func (c *TransactionCoordinator) releaseSlot(state *TransactionState) {
	if prepare := state.Prepare(); prepare != nil {
		c.latches.release(prepare.Keys, state.SlotLatch())
	}
	state.SlotLatch().Release()
}

// reply 把 prepare 结果交给发起方：本地直接投票，远端通过 ack 回传
func (c *TransactionCoordinator) reply(ctx context.Context, msg *PrepareMessage, res Result, state *TransactionState) {
	if msg.TxID.Origin == c.nodeID {
		c.votes.vote(msg.TxID, msg.TopologyID, c.nodeID, res, state)
		return
	}
	if c.selector.Config().Topology != Distributed {
		return
	}
	ack := newPrepareAck(msg.TopologyID, res)
	if err := c.deps.Transport.SendPrepareAck(ctx, msg.TxID.Origin, ack); err != nil {
		log.Warnf("send %s to %s failed: %v", ack, msg.TxID.Origin, err)
	}
}

// OnPrepareAck 发起方收到 owner 的 prepare 结果
func (c *TransactionCoordinator) OnPrepareAck(ack *PrepareAck, sender string) {
	c.votes.vote(ack.TxID, ack.TopologyID, sender, ack.result(), nil)
}

// reapOrphans 回收由二阶段消息创建、但 prepare 迟迟未到的状态
func (c *TransactionCoordinator) reapOrphans(ctx context.Context) int {
	var reaped int
	for _, state := range c.table.Snapshot() {
		if state.IsPreparing() || time.Since(state.CreatedAt()) < c.opts.CompletedTxTimeout {
			continue
		}
		if status := c.table.CompletedStatus(state.TxID()); status.Completed() {
			// 已结束事务的残留状态，只移出事务表，不改写已完成信息
			c.table.Remove(state.TxID())
			continue
		}
		if c.finish(ctx, state, TXRolledBack, nil) {
			log.Warnf("reaped orphan tx %s without prepare", state.TxID())
			reaped++
		}
	}
	return reaped
}

func pendingResult(txID GlobalTxID) Result {
	return Result{Outcome: Outcome{TxID: txID, Status: TXPending}}
}

func secondPhaseKind(msg *SecondPhaseMessage) string {
	if msg.Commit {
		return "commit"
	}
	return "rollback"
}

func completedTXStatus(status CompletedStatus) TXStatus {
	switch status {
	case CompletedCommitted:
		return TXCommitted
	case CompletedAborted:
		return TXRolledBack
	default:
		// 已过期无法区分
		return TXPending
	}
}

func newPrepareAck(topologyID int, res Result) *PrepareAck {
	ack := PrepareAck{
		TxID:       res.Outcome.TxID,
		TopologyID: topologyID,
		Status:     res.Outcome.Status,
		Retry:      res.Retry,
		Versions:   res.Outcome.Versions,
	}
	if res.Err != nil {
		var conflict *ConflictError
		if errors.As(res.Err, &conflict) {
			ack.Conflict = conflict
		} else {
			ack.Error = res.Err.Error()
		}
	}
	return &ack
}

func (p *PrepareAck) result() Result {
	res := Result{
		Outcome: Outcome{TxID: p.TxID, Status: p.Status, Versions: p.Versions},
		Retry:   p.Retry,
	}
	switch {
	case p.Conflict != nil:
		res.Err = p.Conflict
	case p.Error != "":
		res.Err = errors.New(p.Error)
	}
	return res
}
