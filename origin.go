package gotoc

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/xiaoxuxiansheng/gotoc/log"
)

// Future 本地发起事务的异步结果
type Future struct {
	txID   GlobalTxID
	once   sync.Once
	done   chan struct{}
	result Result
}

func newFuture(txID GlobalTxID) *Future {
	return &Future{
		txID: txID,
		done: make(chan struct{}),
	}
}

func (f *Future) TxID() GlobalTxID {
	return f.txID
}

func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Get 阻塞直到事务得出结果或 ctx 取消
func (f *Future) Get(ctx context.Context) (Outcome, error) {
	select {
	case <-f.done:
		return f.result.Outcome, f.result.Err
	case <-ctx.Done():
		return Outcome{TxID: f.txID, Status: TXPending}, ctx.Err()
	}
}

// Result 未完成时第二个返回值为 false
func (f *Future) Result() (Result, bool) {
	select {
	case <-f.done:
		return f.result, true
	default:
		return Result{}, false
	}
}

func (f *Future) resolve(res Result) {
	f.once.Do(func() {
		f.result = res
		close(f.done)
	})
}

// ballot 发起方收集一次广播的 prepare 结果
type ballot struct {
	mux        sync.Mutex
	txID       GlobalTxID
	topologyID int
	remaining  map[string]struct{}
	status     TXStatus
	versions   VersionMap
	local      *TransactionState
	closed     bool
	done       chan Result
}

func (b *ballot) vote(topologyID int, node string, res Result, state *TransactionState) {
	b.mux.Lock()
	defer b.mux.Unlock()
	if b.closed || topologyID != b.topologyID {
		return
	}
	if _, ok := b.remaining[node]; !ok {
		return
	}
	delete(b.remaining, node)
	if state != nil {
		b.local = state
	}

	if res.Retryable() || res.Err != nil {
		b.close(res)
		return
	}
	b.status = res.Outcome.Status
	for key, version := range res.Outcome.Versions {
		b.versions[key] = version
	}
	if len(b.remaining) == 0 {
		b.close(okResult(b.txID, b.status, b.versions.Clone()))
	}
}

func (b *ballot) close(res Result) {
	b.closed = true
	b.done <- res
}

func (b *ballot) localState() *TransactionState {
	b.mux.Lock()
	defer b.mux.Unlock()
	return b.local
}

type voteRegistry struct {
	mux     sync.Mutex
	ballots map[GlobalTxID]*ballot
}

func newVoteRegistry() *voteRegistry {
	return &voteRegistry{ballots: make(map[GlobalTxID]*ballot)}
}

func (v *voteRegistry) open(txID GlobalTxID, topologyID int, voters []string) *ballot {
	b := ballot{
		txID:       txID,
		topologyID: topologyID,
		remaining:  make(map[string]struct{}, len(voters)),
		versions:   make(VersionMap),
		done:       make(chan Result, 1),
	}
	for _, voter := range voters {
		b.remaining[voter] = struct{}{}
	}

	v.mux.Lock()
	defer v.mux.Unlock()
	v.ballots[txID] = &b
	return &b
}

func (v *voteRegistry) close(txID GlobalTxID, b *ballot) {
	v.mux.Lock()
	defer v.mux.Unlock()
	if v.ballots[txID] == b {
		delete(v.ballots, txID)
	}
}

func (v *voteRegistry) vote(txID GlobalTxID, topologyID int, node string, res Result, state *TransactionState) {
	v.mux.Lock()
	b, ok := v.ballots[txID]
	v.mux.Unlock()
	if !ok {
		return
	}
	b.vote(topologyID, node, res, state)
}

func (v *voteRegistry) size() int {
	v.mux.Lock()
	defer v.mux.Unlock()
	return len(v.ballots)
}

// submit 分配全局事务 id 并在后台驱动广播、重试与二阶段
func (c *TransactionCoordinator) submit(ctx context.Context, seq uint64, ops []WriteOp,
	versionsSeen map[string]EntryVersion, onePhaseHint bool) (*Future, bool) {
	txID := GlobalTxID{Origin: c.nodeID, Seq: seq}
	msg := NewPrepareMessage(txID, ops, c.topology.Current())
	plan := c.selector.Plan(msg.Keys, onePhaseHint)
	msg.Versioned = plan.Versioned
	if plan.Versioned {
		msg.VersionsSeen = plan.VersionsSeen
		if versionsSeen != nil {
			msg.VersionsSeen = versionsSeen
		}
	}

	future := newFuture(txID)
	go func() {
		future.resolve(c.drive(ctx, msg, onePhaseHint))
	}()
	return future, plan.Blocking
}

func (c *TransactionCoordinator) drive(ctx context.Context, msg *PrepareMessage, onePhaseHint bool) Result {
	tctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	backoff := c.opts.RetryBackoff
	for {
		// 每次重试都以当前拓扑重新打戳，owner 和一阶段判定随之重新计算
		plan := c.selector.Plan(msg.Keys, onePhaseHint)
		stamped := msg.WithTopologyID(c.topology.Current()).WithOnePhase(plan.OnePhase)

		res, local := c.broadcast(tctx, stamped, plan)
		if res.Retry == RetryStaleTopology {
			retriesTotal.WithLabelValues(res.Retry.String()).Inc()
			log.Infof("tx %s retry with a new topology after %v", msg.TxID, backoff)
			select {
			case <-tctx.Done():
				return failResult(msg.TxID, errors.Wrapf(ErrRetryAborted, "tx: %s, err: %v", msg.TxID, tctx.Err()))
			case <-time.After(backoff):
			}
			backoff = c.backOff(backoff)
			continue
		}
		if res.Retryable() {
			// 重复投递由第一次投递负责结果
			return failResult(msg.TxID, errors.Errorf("tx %s unexpected retry: %s", msg.TxID, res.Retry))
		}

		if stamped.OnePhase {
			return res
		}
		return c.secondPhase(tctx, stamped, plan, res, local)
	}
}

func (c *TransactionCoordinator) backOff(backoff time.Duration) time.Duration {
	backoff <<= 1
	if threshold := c.opts.RetryBackoff << 5; backoff > threshold {
		return threshold
	}
	return backoff
}

// broadcast 一次广播并等待所有 voter 的 prepare 结果
func (c *TransactionCoordinator) broadcast(ctx context.Context, msg *PrepareMessage, plan Plan) (Result, *TransactionState) {
	b := c.votes.open(msg.TxID, msg.TopologyID, plan.Voters)
	defer c.votes.close(msg.TxID, b)

	if err := c.deps.Transport.Broadcast(ctx, msg); err != nil {
		return failResult(msg.TxID, errors.Wrapf(err, "broadcast %s", msg)), nil
	}

	select {
	case res := <-b.done:
		return res, b.localState()
	case <-c.scheduler.ctx.Done():
		return failResult(msg.TxID, errors.Wrapf(ErrStopped, "tx: %s", msg.TxID)), b.localState()
	case <-ctx.Done():
		err := ErrTimeout
		if errors.Is(ctx.Err(), context.Canceled) {
			err = ctx.Err()
		}
		res := failResult(msg.TxID, errors.Wrapf(err, "wait prepare of tx %s", msg.TxID))
		if msg.OnePhase {
			return c.abandon(msg, b, res), b.localState()
		}
		return res, b.localState()
	}
}

// abandon 一阶段等待超时或被取消：向参与者下发 rollback.
// 先于 prepare 到达的 rollback 使各节点拒绝该 prepare；prepare 已经投递的节点以全序结果为准，
// 此时发起方仍在同一个 ballot 上等待，拿到提交结果则如实返回
func (c *TransactionCoordinator) abandon(msg *PrepareMessage, b *ballot, cause Result) Result {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
	defer cancel()

	rollback := SecondPhaseMessage{TxID: msg.TxID, TopologyID: msg.TopologyID}
	targets := c.selector.Targets(msg.Keys)
	if err := c.deps.Transport.SendSecondPhase(ctx, targets, &rollback); err != nil {
		log.Errorf("send %s of abandoned tx to %v failed: %v", &rollback, targets, err)
	}
	abandonedTotal.Inc()

	timer := time.NewTimer(c.opts.PrepareWaitTimeout)
	defer timer.Stop()
	select {
	case res := <-b.done:
		if res.Committed() {
			log.Warnf("tx %s committed before its rollback arrived", msg.TxID)
			return res
		}
		// 冲突等真实的拒绝原因优先于超时
		if res.Err != nil && !errors.Is(res.Err, ErrAlreadyRolledBack) {
			return res
		}
	case <-timer.C:
	case <-c.scheduler.ctx.Done():
	}
	log.Infof("tx %s abandoned: %v", msg.TxID, cause.Err)
	return cause
}

// secondPhase 全部 voter 通过则下发 commit，否则下发 rollback
func (c *TransactionCoordinator) secondPhase(ctx context.Context, msg *PrepareMessage, plan Plan, prepared Result,
	local *TransactionState) Result {
	commit := prepared.Err == nil
	second := SecondPhaseMessage{
		TxID:       msg.TxID,
		Commit:     commit,
		TopologyID: msg.TopologyID,
		Versions:   prepared.Outcome.Versions,
	}

	sendCtx := ctx
	if !commit {
		// 调用方已超时或取消时仍需把 rollback 发出去
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(context.Background(), c.opts.Timeout)
		defer cancel()
	}
	if err := c.deps.Transport.SendSecondPhase(sendCtx, plan.Targets, &second); err != nil {
		log.Errorf("send %s to %v failed: %v", &second, plan.Targets, err)
		if commit {
			return failResult(msg.TxID, errors.Wrapf(err, "send commit of tx %s", msg.TxID))
		}
	}
	if !commit {
		return prepared
	}

	// 本节点也是 owner 时，以本地二阶段落地为准
	if local == nil {
		return okResult(msg.TxID, TXCommitted, second.Versions)
	}
	select {
	case <-local.FinishedLatch().Done():
	case <-ctx.Done():
		return Result{
			Outcome: Outcome{TxID: msg.TxID, Status: TXPending, Versions: second.Versions},
			Err:     errors.Wrapf(ErrTimeout, "wait commit of tx %s", msg.TxID),
		}
	}
	if status := local.Status(); status != TXCommitted {
		return failResult(msg.TxID, errors.Errorf("tx %s finished locally as %s", msg.TxID, status))
	}
	return okResult(msg.TxID, TXCommitted, second.Versions)
}
