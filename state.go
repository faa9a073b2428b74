package gotoc

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// 事务在单个节点上的状态机
// CREATED -> PREPARING -> PREPARED -> {COMMITTED | ROLLED_BACK} -> FINISHED
type TxPhase int

const (
	PhaseCreated TxPhase = iota
	PhasePreparing
	PhasePrepared
	PhaseCommitted
	PhaseRolledBack
	PhaseFinished
)

func (p TxPhase) String() string {
	names := [...]string{
		"CREATED",
		"PREPARING",
		"PREPARED",
		"COMMITTED",
		"ROLLED_BACK",
		"FINISHED",
	}
	if p < PhaseCreated || p > PhaseFinished {
		return fmt.Sprintf("UNKNOWN(%d)", int(p))
	}
	return names[p]
}

// TransactionState 由事务表独占，字段变更全部在 mux 下完成
type TransactionState struct {
	mux sync.Mutex

	txID      GlobalTxID
	createdAt time.Time

	preparing        bool
	// prepare 任务已经开始执行
	ran              bool
	prepared         bool
	commitReceived   bool
	rollbackReceived bool
	finished         bool
	status           TXStatus

	prepare *PrepareMessage
	// prepare 校验通过后生成，或由先到的 commit 携带
	versions VersionMap

	preparedLatch *Latch
	finishedLatch *Latch
	// 占用 key 的依赖栅栏. prepare 任务执行过且事务结束后才释放，
	// 保证后续事务不会越过仍在等待依赖的事务
	slotLatch     *Latch
}

func NewTransactionState(txID GlobalTxID) *TransactionState {
	return &TransactionState{
		txID:          txID,
		createdAt:     time.Now(),
		status:        TXPending,
		preparedLatch: NewLatch(txID.String() + "/prepared"),
		finishedLatch: NewLatch(txID.String() + "/finished"),
		slotLatch:     NewLatch(txID.String() + "/slot"),
	}
}

func (s *TransactionState) TxID() GlobalTxID {
	return s.txID
}

func (s *TransactionState) CreatedAt() time.Time {
	return s.createdAt
}

// MarkPreparing 仅允许一次. 重复投递时返回 ErrAlreadyPreparing
func (s *TransactionState) MarkPreparing(msg *PrepareMessage) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.preparing || s.finished {
		return ErrAlreadyPreparing
	}
	s.preparing = true
	s.prepare = msg
	return nil
}

// prepareDecision prepare 真正执行时，对先到的二阶段标记做一次快照
type prepareDecision struct {
	rollbackReceived bool
	commitReceived   bool
	versions         VersionMap
}

func (s *TransactionState) decide() prepareDecision {
	s.mux.Lock()
	defer s.mux.Unlock()
	return prepareDecision{
		rollbackReceived: s.rollbackReceived,
		commitReceived:   s.commitReceived,
		versions:         s.versions.Clone(),
	}
}

// enterPrepare prepare 任务开始执行，返回事务是否已经结束
func (s *TransactionState) enterPrepare() bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.ran = true
	return s.finished
}

// slotReleasable 事务已结束且 prepare 任务执行过
func (s *TransactionState) slotReleasable() bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.ran && s.finished
}

// MarkPrepared 进入 PREPARED，唤醒等待中的二阶段消息
func (s *TransactionState) MarkPrepared(versions VersionMap) {
	s.mux.Lock()
	s.prepared = true
	if versions != nil {
		s.versions = versions
	}
	s.mux.Unlock()
	s.preparedLatch.Release()
}

// MarkCommitReceived 可能先于 MarkPrepared. 返回 prepare 是否已开始
func (s *TransactionState) MarkCommitReceived(versions VersionMap) bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.commitReceived = true
	if len(versions) > 0 && len(s.versions) == 0 {
		s.versions = versions.Clone()
	}
	return s.preparing
}

// MarkRollbackReceived 可能先于 MarkPrepared. 返回 prepare 是否已开始.
// 一阶段 prepare 投递后结果只由全序决定，之后到达的 rollback 不再记录
func (s *TransactionState) MarkRollbackReceived() bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.preparing && s.prepare != nil && s.prepare.OnePhase {
		return true
	}
	s.rollbackReceived = true
	return s.preparing
}

// AwaitUntilPrepared 阻塞直到 PREPARED、超时或 ctx 取消.
// apply 表示二阶段消息是否仍需执行：prepare 尚未开始（由 prepare 消化标记）
// 或事务已经结束（一阶段捷径 / prepare 失败）时为 false
func (s *TransactionState) AwaitUntilPrepared(ctx context.Context, timeout time.Duration) (bool, error) {
	s.mux.Lock()
	if !s.preparing && !s.finished {
		s.mux.Unlock()
		return false, nil
	}
	s.mux.Unlock()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-s.preparedLatch.Done():
	case <-timeoutCh:
		return false, ErrTimeout
	case <-ctx.Done():
		return false, ctx.Err()
	}

	s.mux.Lock()
	defer s.mux.Unlock()
	return !s.finished, nil
}

// markDecided 记录已落地的提交或回滚，随后由 MarkFinished 收尾
func (s *TransactionState) markDecided(status TXStatus) {
	s.mux.Lock()
	defer s.mux.Unlock()
	if !s.finished {
		s.status = status
	}
}

// MarkFinished 幂等终态. 结束即视为已 prepared，一次性释放两个 latch，
// 保证等待方不会观察到“已 prepared 但尚未结束”的一阶段事务
func (s *TransactionState) MarkFinished(status TXStatus) bool {
	s.mux.Lock()
	if s.finished {
		s.mux.Unlock()
		return false
	}
	s.finished = true
	s.prepared = true
	s.status = status
	s.mux.Unlock()

	s.preparedLatch.Release()
	s.finishedLatch.Release()
	return true
}

func (s *TransactionState) IsFinished() bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.finished
}

func (s *TransactionState) IsPreparing() bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.preparing
}

func (s *TransactionState) IsPrepared() bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.prepared
}

func (s *TransactionState) IsCommitReceived() bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.commitReceived
}

func (s *TransactionState) IsRollbackReceived() bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.rollbackReceived
}

func (s *TransactionState) Status() TXStatus {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.status
}

// Phase 当前所处阶段
func (s *TransactionState) Phase() TxPhase {
	s.mux.Lock()
	defer s.mux.Unlock()
	switch {
	case s.finished:
		return PhaseFinished
	case s.prepared && s.status == TXCommitted:
		return PhaseCommitted
	case s.prepared && s.status == TXRolledBack:
		return PhaseRolledBack
	case s.prepared:
		return PhasePrepared
	case s.preparing:
		return PhasePreparing
	default:
		return PhaseCreated
	}
}

func (s *TransactionState) Prepare() *PrepareMessage {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.prepare
}

func (s *TransactionState) Versions() VersionMap {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.versions.Clone()
}

func (s *TransactionState) PreparedLatch() *Latch {
	return s.preparedLatch
}

func (s *TransactionState) FinishedLatch() *Latch {
	return s.finishedLatch
}

func (s *TransactionState) SlotLatch() *Latch {
	return s.slotLatch
}

func (s *TransactionState) String() string {
	return fmt.Sprintf("state{tx=%s, phase=%s}", s.txID, s.Phase())
}
