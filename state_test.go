package gotoc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_TransactionState_MarkPreparing(t *testing.T) {
	state := NewTransactionState(GlobalTxID{Origin: "A", Seq: 1})
	msg := NewPrepareMessage(state.TxID(), []WriteOp{{Key: "x"}}, 1)

	assert.Equal(t, PhaseCreated, state.Phase())
	assert.Equal(t, nil, state.MarkPreparing(msg))
	assert.Equal(t, PhasePreparing, state.Phase())
	assert.Equal(t, msg, state.Prepare())
	assert.Equal(t, true, errors.Is(state.MarkPreparing(msg), ErrAlreadyPreparing))

	// 已结束的事务不再接受 prepare
	finished := NewTransactionState(GlobalTxID{Origin: "A", Seq: 2})
	finished.MarkFinished(TXRolledBack)
	assert.Equal(t, true, errors.Is(finished.MarkPreparing(msg), ErrAlreadyPreparing))
}

func Test_TransactionState_secondPhaseFirst(t *testing.T) {
	state := NewTransactionState(GlobalTxID{Origin: "A", Seq: 1})
	assert.Equal(t, false, state.MarkCommitReceived(VersionMap{"x": 3}))
	assert.Equal(t, false, state.MarkRollbackReceived())

	decision := state.decide()
	assert.Equal(t, true, decision.commitReceived)
	assert.Equal(t, true, decision.rollbackReceived)
	assert.Equal(t, VersionMap{"x": 3}, decision.versions)

	_ = state.MarkPreparing(NewPrepareMessage(state.TxID(), []WriteOp{{Key: "x"}}, 1))
	assert.Equal(t, true, state.MarkCommitReceived(nil))
	// 已有版本时不被覆盖
	assert.Equal(t, VersionMap{"x": 3}, state.Versions())
}

func Test_TransactionState_AwaitUntilPrepared(t *testing.T) {
	ctx := context.Background()
	msg := NewPrepareMessage(GlobalTxID{Origin: "A", Seq: 1}, []WriteOp{{Key: "x"}}, 1)

	t.Run("notPreparing", func(t *testing.T) {
		state := NewTransactionState(msg.TxID)
		apply, err := state.AwaitUntilPrepared(ctx, time.Second)
		assert.Equal(t, nil, err)
		assert.Equal(t, false, apply)
	})

	t.Run("prepared", func(t *testing.T) {
		state := NewTransactionState(msg.TxID)
		_ = state.MarkPreparing(msg)
		go func() {
			time.Sleep(10 * time.Millisecond)
			state.MarkPrepared(VersionMap{"x": 1})
		}()
		apply, err := state.AwaitUntilPrepared(ctx, time.Second)
		assert.Equal(t, nil, err)
		assert.Equal(t, true, apply)
		assert.Equal(t, PhasePrepared, state.Phase())
	})

	t.Run("onePhaseFinished", func(t *testing.T) {
		state := NewTransactionState(msg.TxID)
		_ = state.MarkPreparing(msg)
		state.MarkFinished(TXCommitted)
		apply, err := state.AwaitUntilPrepared(ctx, time.Second)
		assert.Equal(t, nil, err)
		assert.Equal(t, false, apply)
	})

	t.Run("timeout", func(t *testing.T) {
		state := NewTransactionState(msg.TxID)
		_ = state.MarkPreparing(msg)
		apply, err := state.AwaitUntilPrepared(ctx, 10*time.Millisecond)
		assert.Equal(t, true, errors.Is(err, ErrTimeout))
		assert.Equal(t, false, apply)
	})

	t.Run("canceled", func(t *testing.T) {
		state := NewTransactionState(msg.TxID)
		_ = state.MarkPreparing(msg)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := state.AwaitUntilPrepared(cctx, 0)
		assert.Equal(t, context.Canceled, err)
	})
}

func Test_TransactionState_MarkFinished(t *testing.T) {
	state := NewTransactionState(GlobalTxID{Origin: "A", Seq: 1})
	assert.Equal(t, true, state.MarkFinished(TXRolledBack))
	assert.Equal(t, false, state.MarkFinished(TXCommitted))
	assert.Equal(t, TXRolledBack, state.Status())
	assert.Equal(t, PhaseFinished, state.Phase())
	assert.Equal(t, true, state.PreparedLatch().Released())
	assert.Equal(t, true, state.FinishedLatch().Released())
	// prepare 任务未执行过，key 依赖不释放
	assert.Equal(t, false, state.slotReleasable())
	assert.Equal(t, true, state.enterPrepare())
	assert.Equal(t, true, state.slotReleasable())
}

func Test_TxPhase_String(t *testing.T) {
	assert.Equal(t, "PREPARED", PhasePrepared.String())
	assert.Equal(t, "UNKNOWN(9)", TxPhase(9).String())
}

// 一阶段 prepare 已投递后 rollback 不再生效，由全序决定结果
func Test_TransactionState_rollbackAfterOnePhase(t *testing.T) {
	tests := []struct {
		name     string
		onePhase bool
		expect   bool
	}{
		{name: "onePhase", onePhase: true, expect: false},
		{name: "twoPhase", onePhase: false, expect: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := NewTransactionState(GlobalTxID{Origin: "A", Seq: 1})
			msg := NewPrepareMessage(state.TxID(), []WriteOp{{Key: "x"}}, 1)
			msg.OnePhase = tt.onePhase
			_ = state.MarkPreparing(msg)

			assert.Equal(t, true, state.MarkRollbackReceived())
			assert.Equal(t, tt.expect, state.decide().rollbackReceived)
		})
	}
}
