package dao

import (
	"gorm.io/gorm"

	"github.com/xiaoxuxiansheng/gotoc"
)

type QueryOption func(db *gorm.DB) *gorm.DB

func WithID(id uint) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("id = ?", id)
	}
}

func WithTXID(txID gotoc.GlobalTxID) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("tx_id = ?", txID.String())
	}
}

func WithNodeID(nodeID string) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("node_id = ?", nodeID)
	}
}

func WithStatus(status gotoc.TXStatus) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("status = ?", status.String())
	}
}
