package example

import (
	"context"
	"fmt"
	"time"

	"github.com/xiaoxuxiansheng/redis_lock"

	"github.com/xiaoxuxiansheng/gotoc"
	expdao "github.com/xiaoxuxiansheng/gotoc/example/dao"
	"github.com/xiaoxuxiansheng/gotoc/example/pkg"
)

type TXOutcomeDAO interface {
	GetTXOutcomes(ctx context.Context, opts ...expdao.QueryOption) ([]*expdao.TXOutcomePO, error)
	CreateTXOutcome(ctx context.Context, record *expdao.TXOutcomePO) (uint, error)
	UpdateStatus(ctx context.Context, id uint, status gotoc.TXStatus) error
}

var _ TXOutcomeDAO = (*expdao.TXOutcomeDAO)(nil)
var _ gotoc.OutcomeRecorder = (*OutcomeStore)(nil)

// OutcomeStore 把每个节点上事务的终态落到 mysql，实现 gotoc.OutcomeRecorder
type OutcomeStore struct {
	nodeID string
	client *redis_lock.Client
	dao    TXOutcomeDAO
}

func NewOutcomeStore(nodeID string, dao TXOutcomeDAO, client *redis_lock.Client) *OutcomeStore {
	return &OutcomeStore{
		nodeID: nodeID,
		dao:    dao,
		client: client,
	}
}

func (o *OutcomeStore) Record(ctx context.Context, outcome gotoc.Outcome) error {
	records, err := o.dao.GetTXOutcomes(ctx, expdao.WithTXID(outcome.TxID), expdao.WithNodeID(o.nodeID))
	if err != nil {
		return err
	}

	if len(records) == 0 {
		_, err = o.dao.CreateTXOutcome(ctx, expdao.NewTXOutcomePO(o.nodeID, outcome))
		return err
	}
	return o.dao.UpdateStatus(ctx, records[0].ID, outcome.Status)
}

// GetOutcomes 获取一笔事务在各节点上的终态，key 为节点 id
func (o *OutcomeStore) GetOutcomes(ctx context.Context, txID gotoc.GlobalTxID) (map[string]gotoc.Outcome, error) {
	records, err := o.dao.GetTXOutcomes(ctx, expdao.WithTXID(txID))
	if err != nil {
		return nil, err
	}

	outcomes := make(map[string]gotoc.Outcome, len(records))
	for _, record := range records {
		outcome, err := record.Outcome()
		if err != nil {
			return nil, err
		}
		outcomes[record.NodeID] = outcome
	}
	return outcomes, nil
}

// Divergent 检查同一事务在不同节点上是否出现了不一致的终态.
// 审计期间持有全局锁，避免多个审计进程重复上报
func (o *OutcomeStore) Divergent(ctx context.Context, txID gotoc.GlobalTxID) (bool, error) {
	if err := o.Lock(ctx, 5*time.Second); err != nil {
		return false, err
	}
	defer func() {
		_ = o.Unlock(ctx)
	}()

	outcomes, err := o.GetOutcomes(ctx, txID)
	if err != nil {
		return false, err
	}

	var decided gotoc.TXStatus
	for nodeID, outcome := range outcomes {
		if !outcome.Status.Terminal() {
			continue
		}
		if decided == "" {
			decided = outcome.Status
			continue
		}
		if outcome.Status != decided {
			return true, fmt.Errorf("tx %s diverged on node %s: %s vs %s", txID, nodeID, outcome.Status, decided)
		}
	}
	return false, nil
}

func (o *OutcomeStore) Lock(ctx context.Context, expireDuration time.Duration) error {
	lock := redis_lock.NewRedisLock(pkg.BuildOutcomeLockKey(), o.client, redis_lock.WithExpireSeconds(int64(expireDuration.Seconds())))
	return lock.Lock(ctx)
}

func (o *OutcomeStore) Unlock(ctx context.Context) error {
	lock := redis_lock.NewRedisLock(pkg.BuildOutcomeLockKey(), o.client)
	return lock.Unlock(ctx)
}
