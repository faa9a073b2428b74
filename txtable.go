package gotoc

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/xiaoxuxiansheng/gotoc/log"
)

// 已完成事务的查询结果
type CompletedStatus int

const (
	NotCompleted CompletedStatus = iota
	CompletedCommitted
	CompletedAborted
	// 记录已过期清理，但序号不大于该发起方已清理的最大序号
	CompletedExpired
)

func (c CompletedStatus) String() string {
	switch c {
	case NotCompleted:
		return "not_completed"
	case CompletedCommitted:
		return "committed"
	case CompletedAborted:
		return "aborted"
	case CompletedExpired:
		return "expired"
	default:
		return "unknown"
	}
}

func (c CompletedStatus) Completed() bool {
	return c != NotCompleted
}

// 事务表：GlobalTxID -> TransactionState，外加已完成事务的去重信息
type TXTable interface {
	Get(txID GlobalTxID) (*TransactionState, bool)
	GetOrCreate(txID GlobalTxID) (*TransactionState, bool)
	Put(txID GlobalTxID, state *TransactionState)
	// 幂等，重复删除返回 false
	Remove(txID GlobalTxID) (*TransactionState, bool)
	MarkCommitted(txID GlobalTxID)
	MarkRolledBack(txID GlobalTxID)
	CompletedStatus(txID GlobalTxID) CompletedStatus
	Len() int
	Snapshot() []*TransactionState
}

type txTable struct {
	mux    sync.RWMutex
	states map[GlobalTxID]*TransactionState

	completed *gocache.Cache
	prunedMux sync.RWMutex
	// 每个发起方已被清理的最大事务序号
	prunedMax map[string]uint64
}

// NewTXTable completedTimeout 为已完成事务信息的保留时长
func NewTXTable(completedTimeout time.Duration) TXTable {
	if completedTimeout <= 0 {
		completedTimeout = defaultCompletedTxTimeout
	}
	t := &txTable{
		states:    make(map[GlobalTxID]*TransactionState),
		completed: gocache.New(completedTimeout, completedTimeout/2),
		prunedMax: make(map[string]uint64),
	}
	t.completed.OnEvicted(t.onCompletedEvicted)
	return t
}

func (t *txTable) Get(txID GlobalTxID) (*TransactionState, bool) {
	t.mux.RLock()
	defer t.mux.RUnlock()
	state, ok := t.states[txID]
	return state, ok
}

func (t *txTable) GetOrCreate(txID GlobalTxID) (*TransactionState, bool) {
	t.mux.RLock()
	state, ok := t.states[txID]
	t.mux.RUnlock()
	if ok {
		return state, false
	}

	t.mux.Lock()
	defer t.mux.Unlock()
	if state, ok = t.states[txID]; ok {
		return state, false
	}
	state = NewTransactionState(txID)
	t.states[txID] = state
	activeTxGauge.Inc()
	return state, true
}

func (t *txTable) Put(txID GlobalTxID, state *TransactionState) {
	t.mux.Lock()
	defer t.mux.Unlock()
	if _, ok := t.states[txID]; !ok {
		activeTxGauge.Inc()
	}
	t.states[txID] = state
}

func (t *txTable) Remove(txID GlobalTxID) (*TransactionState, bool) {
	t.mux.Lock()
	defer t.mux.Unlock()
	state, ok := t.states[txID]
	if !ok {
		return nil, false
	}
	delete(t.states, txID)
	activeTxGauge.Dec()
	return state, true
}

func (t *txTable) MarkCommitted(txID GlobalTxID) {
	t.completed.SetDefault(txID.String(), TXCommitted)
}

// MarkRolledBack 不覆盖已有的完成记录
func (t *txTable) MarkRolledBack(txID GlobalTxID) {
	_ = t.completed.Add(txID.String(), TXRolledBack, gocache.DefaultExpiration)
}

func (t *txTable) CompletedStatus(txID GlobalTxID) CompletedStatus {
	if v, ok := t.completed.Get(txID.String()); ok {
		if status, _ := v.(TXStatus); status == TXCommitted {
			return CompletedCommitted
		}
		return CompletedAborted
	}

	// 序号按发起方递增分配，不大于已清理最大序号的事务必然已经结束
	t.prunedMux.RLock()
	defer t.prunedMux.RUnlock()
	if max, ok := t.prunedMax[txID.Origin]; ok && txID.Seq <= max {
		return CompletedExpired
	}
	return NotCompleted
}

func (t *txTable) Len() int {
	t.mux.RLock()
	defer t.mux.RUnlock()
	return len(t.states)
}

func (t *txTable) Snapshot() []*TransactionState {
	t.mux.RLock()
	defer t.mux.RUnlock()
	states := make([]*TransactionState, 0, len(t.states))
	for _, state := range t.states {
		states = append(states, state)
	}
	return states
}

func (t *txTable) onCompletedEvicted(key string, _ interface{}) {
	txID, err := ParseGlobalTxID(key)
	if err != nil {
		log.Warnf("evicted completed tx with invalid id: %s, err: %v", key, err)
		return
	}
	t.prunedMux.Lock()
	defer t.prunedMux.Unlock()
	if txID.Seq > t.prunedMax[txID.Origin] {
		t.prunedMax[txID.Origin] = txID.Seq
	}
}
