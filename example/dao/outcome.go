package dao

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/xiaoxuxiansheng/gotoc"
)

// TXOutcomePO 一个节点上一笔事务的终态
type TXOutcomePO struct {
	gorm.Model
	TXID     string `gorm:"column:tx_id"`
	NodeID   string `gorm:"column:node_id"`
	Status   string `gorm:"column:status"`
	Versions string `gorm:"column:versions"`
}

func (t TXOutcomePO) TableName() string {
	return "tx_outcome"
}

func NewTXOutcomePO(nodeID string, outcome gotoc.Outcome) *TXOutcomePO {
	versions := outcome.Versions
	if versions == nil {
		versions = gotoc.VersionMap{}
	}
	body, _ := json.Marshal(versions)
	return &TXOutcomePO{
		TXID:     outcome.TxID.String(),
		NodeID:   nodeID,
		Status:   outcome.Status.String(),
		Versions: string(body),
	}
}

// Outcome 还原成 gotoc.Outcome
func (t *TXOutcomePO) Outcome() (gotoc.Outcome, error) {
	txID, err := gotoc.ParseGlobalTxID(t.TXID)
	if err != nil {
		return gotoc.Outcome{}, err
	}
	var versions gotoc.VersionMap
	if t.Versions != "" {
		if err := json.Unmarshal([]byte(t.Versions), &versions); err != nil {
			return gotoc.Outcome{}, err
		}
	}
	return gotoc.Outcome{
		TxID:     txID,
		Status:   gotoc.TXStatus(t.Status),
		Versions: versions,
	}, nil
}

type TXOutcomeDAO struct {
	db *gorm.DB
}

func NewTXOutcomeDAO(db *gorm.DB) *TXOutcomeDAO {
	return &TXOutcomeDAO{
		db: db,
	}
}

func (t *TXOutcomeDAO) GetTXOutcomes(ctx context.Context, opts ...QueryOption) ([]*TXOutcomePO, error) {
	db := t.db.WithContext(ctx).Model(&TXOutcomePO{})
	for _, opt := range opts {
		db = opt(db)
	}

	var records []*TXOutcomePO
	return records, db.Scan(&records).Error
}

func (t *TXOutcomeDAO) CreateTXOutcome(ctx context.Context, record *TXOutcomePO) (uint, error) {
	err := t.db.WithContext(ctx).Model(&TXOutcomePO{}).Create(record).Error
	return record.ID, err
}

func (t *TXOutcomeDAO) UpdateTXOutcome(ctx context.Context, record *TXOutcomePO) error {
	return t.db.WithContext(ctx).Updates(record).Error
}

// UpdateStatus 终态只允许从 pending 推进一次，重复写入相同终态视为成功
func (t *TXOutcomeDAO) UpdateStatus(ctx context.Context, id uint, status gotoc.TXStatus) error {
	return t.LockAndDo(ctx, id, func(ctx context.Context, dao *TXOutcomeDAO, record *TXOutcomePO) error {
		if record.Status == status.String() {
			return nil
		}
		if record.Status != gotoc.TXPending.String() {
			return fmt.Errorf("invalid status transition from %s to %s, tx: %s", record.Status, status, record.TXID)
		}
		record.Status = status.String()
		return dao.UpdateTXOutcome(ctx, record)
	})
}

func (t *TXOutcomeDAO) LockAndDo(ctx context.Context, id uint, do func(ctx context.Context, dao *TXOutcomeDAO, record *TXOutcomePO) error) error {
	return t.db.Transaction(func(tx *gorm.DB) error {
		// 加写锁
		var record TXOutcomePO

		if err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).First(&record, id).Error; err != nil {
			return err
		}

		txDAO := NewTXOutcomeDAO(tx)
		return do(ctx, txDAO, &record)
	})
}
