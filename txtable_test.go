package gotoc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_TXTable(t *testing.T) {
	table := NewTXTable(time.Minute)
	txID := GlobalTxID{Origin: "A", Seq: 1}

	_, ok := table.Get(txID)
	assert.Equal(t, false, ok)
	state, created := table.GetOrCreate(txID)
	assert.Equal(t, true, created)
	again, created := table.GetOrCreate(txID)
	assert.Equal(t, false, created)
	assert.Equal(t, state, again)
	assert.Equal(t, 1, table.Len())
	assert.Equal(t, 1, len(table.Snapshot()))

	other := GlobalTxID{Origin: "B", Seq: 1}
	table.Put(other, NewTransactionState(other))
	assert.Equal(t, 2, table.Len())

	_, ok = table.Remove(txID)
	assert.Equal(t, true, ok)
	_, ok = table.Remove(txID)
	assert.Equal(t, false, ok)
	assert.Equal(t, 1, table.Len())
}

func Test_TXTable_CompletedStatus(t *testing.T) {
	table := NewTXTable(time.Minute)
	committed, aborted := GlobalTxID{Origin: "A", Seq: 1}, GlobalTxID{Origin: "A", Seq: 2}
	table.MarkCommitted(committed)
	table.MarkRolledBack(aborted)

	assert.Equal(t, CompletedCommitted, table.CompletedStatus(committed))
	assert.Equal(t, CompletedAborted, table.CompletedStatus(aborted))
	assert.Equal(t, NotCompleted, table.CompletedStatus(GlobalTxID{Origin: "A", Seq: 3}))
	assert.Equal(t, false, NotCompleted.Completed())
	assert.Equal(t, "aborted", CompletedAborted.String())
}

// 过期清理后按发起方的已清理最大序号判定
func Test_TXTable_CompletedExpired(t *testing.T) {
	table := NewTXTable(20 * time.Millisecond)
	table.MarkCommitted(GlobalTxID{Origin: "A", Seq: 5})

	assert.Eventually(t, func() bool {
		return table.CompletedStatus(GlobalTxID{Origin: "A", Seq: 5}) == CompletedExpired
	}, waitFor, tick)
	assert.Equal(t, CompletedExpired, table.CompletedStatus(GlobalTxID{Origin: "A", Seq: 3}))
	assert.Equal(t, NotCompleted, table.CompletedStatus(GlobalTxID{Origin: "A", Seq: 6}))
	assert.Equal(t, NotCompleted, table.CompletedStatus(GlobalTxID{Origin: "B", Seq: 1}))
}

// 已提交的记录不会被后到的回滚覆盖
func Test_TXTable_MarkRolledBack_committed(t *testing.T) {
	table := NewTXTable(time.Minute)
	txID := GlobalTxID{Origin: "A", Seq: 1}
	table.MarkCommitted(txID)
	table.MarkRolledBack(txID)
	assert.Equal(t, CompletedCommitted, table.CompletedStatus(txID))
}
