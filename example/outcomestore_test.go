package example

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/agiledragon/gomonkey/v2"
	"github.com/stretchr/testify/assert"
	"github.com/xiaoxuxiansheng/redis_lock"
	"gorm.io/gorm"

	"github.com/xiaoxuxiansheng/gotoc"
	expdao "github.com/xiaoxuxiansheng/gotoc/example/dao"
)

type mockTXOutcomeDAO struct {
	records []*expdao.TXOutcomePO
	created int
	updated map[uint]gotoc.TXStatus
}

func newMockTXOutcomeDAO(records ...*expdao.TXOutcomePO) *mockTXOutcomeDAO {
	return &mockTXOutcomeDAO{
		records: records,
		updated: make(map[uint]gotoc.TXStatus),
	}
}

// 忽略查询条件，直接返回 mock 的记录
func (m *mockTXOutcomeDAO) GetTXOutcomes(ctx context.Context, opts ...expdao.QueryOption) ([]*expdao.TXOutcomePO, error) {
	return m.records, nil
}

func (m *mockTXOutcomeDAO) CreateTXOutcome(ctx context.Context, record *expdao.TXOutcomePO) (uint, error) {
	if record.TXID == "" {
		return 0, errors.New("empty tx id")
	}
	m.created++
	record.Model = gorm.Model{ID: uint(len(m.records) + 1)}
	m.records = append(m.records, record)
	return record.ID, nil
}

func (m *mockTXOutcomeDAO) UpdateStatus(ctx context.Context, id uint, status gotoc.TXStatus) error {
	m.updated[id] = status
	return nil
}

func Test_OutcomeStore_Record(t *testing.T) {
	ctx := context.Background()
	mockDAO := newMockTXOutcomeDAO()
	store := NewOutcomeStore("node-a", mockDAO, &redis_lock.Client{})

	txID := gotoc.GlobalTxID{Origin: "node-a", Seq: 1}
	err := store.Record(ctx, gotoc.Outcome{TxID: txID, Status: gotoc.TXPending})
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, mockDAO.created)

	// 已存在的记录只推进状态
	err = store.Record(ctx, gotoc.Outcome{TxID: txID, Status: gotoc.TXCommitted})
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, mockDAO.created)
	assert.Equal(t, gotoc.TXCommitted, mockDAO.updated[1])
}

func Test_OutcomeStore_Divergent(t *testing.T) {
	patch := gomonkey.ApplyMethod(reflect.TypeOf(&redis_lock.RedisLock{}), "Lock", func(_ *redis_lock.RedisLock, ctx context.Context) error {
		return nil
	})
	patch = patch.ApplyMethod(reflect.TypeOf(&redis_lock.RedisLock{}), "Unlock", func(_ *redis_lock.RedisLock, ctx context.Context) error {
		return nil
	})
	defer patch.Reset()

	ctx := context.Background()
	txID := gotoc.GlobalTxID{Origin: "node-a", Seq: 1}
	newRecord := func(nodeID string, status gotoc.TXStatus) *expdao.TXOutcomePO {
		return expdao.NewTXOutcomePO(nodeID, gotoc.Outcome{TxID: txID, Status: status})
	}

	tests := []struct {
		name      string
		records   []*expdao.TXOutcomePO
		divergent bool
	}{
		{
			name:    "same",
			records: []*expdao.TXOutcomePO{newRecord("node-a", gotoc.TXCommitted), newRecord("node-b", gotoc.TXCommitted)},
		},
		{
			name:    "pendingIgnored",
			records: []*expdao.TXOutcomePO{newRecord("node-a", gotoc.TXRolledBack), newRecord("node-b", gotoc.TXPending)},
		},
		{
			name:      "diverged",
			records:   []*expdao.TXOutcomePO{newRecord("node-a", gotoc.TXCommitted), newRecord("node-b", gotoc.TXRolledBack)},
			divergent: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewOutcomeStore("node-a", newMockTXOutcomeDAO(tt.records...), &redis_lock.Client{})
			divergent, err := store.Divergent(ctx, txID)
			assert.Equal(t, tt.divergent, divergent)
			assert.Equal(t, tt.divergent, err != nil)
		})
	}
}

func Test_OutcomeStore_Lock(t *testing.T) {
	patch := gomonkey.ApplyMethod(reflect.TypeOf(&redis_lock.RedisLock{}), "Lock", func(_ *redis_lock.RedisLock, ctx context.Context) error {
		return errors.New("lock err")
	})
	defer patch.Reset()

	store := NewOutcomeStore("node-a", newMockTXOutcomeDAO(), &redis_lock.Client{})
	err := store.Lock(context.Background(), time.Second)
	assert.Equal(t, true, err != nil)
	_, err = store.Divergent(context.Background(), gotoc.GlobalTxID{Origin: "node-a", Seq: 1})
	assert.Equal(t, true, err != nil)
}
