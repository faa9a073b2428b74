package dao

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/xiaoxuxiansheng/gotoc"
)

var outcomeColumns = []string{"id", "created_at", "updated_at", "deleted_at", "tx_id", "node_id", "status", "versions"}

func newMockDB(t *testing.T, now time.Time) (*gorm.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	mock.ExpectQuery("SELECT VERSION()").WillReturnRows(sqlmock.NewRows([]string{"VERSION"}).AddRow("1"))

	gdb, err := gorm.Open(mysql.New(mysql.Config{
		Conn: db,
	}), &gorm.Config{
		DisableAutomaticPing: true,
		NowFunc: func() time.Time {
			return now
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return gdb, mock, func() { _ = db.Close() }
}

func Test_TXOutcomePO(t *testing.T) {
	txID := gotoc.GlobalTxID{Origin: "node-a", Seq: 3}
	po := NewTXOutcomePO("node-b", gotoc.Outcome{
		TxID:     txID,
		Status:   gotoc.TXCommitted,
		Versions: gotoc.VersionMap{"x": 2},
	})
	assert.Equal(t, "GlobalTx:node-a:3", po.TXID)
	assert.Equal(t, "node-b", po.NodeID)
	assert.Equal(t, `{"x":2}`, po.Versions)

	outcome, err := po.Outcome()
	assert.Equal(t, nil, err)
	assert.Equal(t, txID, outcome.TxID)
	assert.Equal(t, gotoc.TXCommitted, outcome.Status)
	assert.Equal(t, gotoc.EntryVersion(2), outcome.Versions["x"])

	empty := NewTXOutcomePO("node-b", gotoc.Outcome{TxID: txID, Status: gotoc.TXRolledBack})
	assert.Equal(t, "{}", empty.Versions)

	_, err = (&TXOutcomePO{TXID: "bad"}).Outcome()
	assert.Equal(t, true, err != nil)
}

func Test_GetTXOutcomes(t *testing.T) {
	now := time.Now()
	gdb, mock, closeFn := newMockDB(t, now)
	defer closeFn()

	ctx := context.Background()
	outcomeDAO := NewTXOutcomeDAO(gdb)
	txID := gotoc.GlobalTxID{Origin: "node-a", Seq: 1}

	rows := sqlmock.NewRows(outcomeColumns).
		AddRow(1, now, now, nil, txID.String(), "node-a", gotoc.TXCommitted.String(), "{}").
		AddRow(2, now, now, nil, txID.String(), "node-b", gotoc.TXCommitted.String(), "{}")
	mock.ExpectQuery("SELECT \\* FROM `tx_outcome` WHERE tx_id = \\? AND status = \\? AND `tx_outcome`.`deleted_at` IS NULL").
		WithArgs(txID.String(), gotoc.TXCommitted.String()).WillReturnRows(rows)

	records, err := outcomeDAO.GetTXOutcomes(ctx, WithTXID(txID), WithStatus(gotoc.TXCommitted))
	if err != nil {
		t.Error(err)
		return
	}
	assert.Equal(t, 2, len(records))
	assert.Equal(t, uint(2), records[1].ID)
	assert.Equal(t, "node-b", records[1].NodeID)
	assert.Equal(t, nil, mock.ExpectationsWereMet())
}

func Test_CreateTXOutcome(t *testing.T) {
	now := time.Now()
	gdb, mock, closeFn := newMockDB(t, now)
	defer closeFn()

	ctx := context.Background()
	outcomeDAO := NewTXOutcomeDAO(gdb)
	record := NewTXOutcomePO("node-a", gotoc.Outcome{
		TxID:   gotoc.GlobalTxID{Origin: "node-a", Seq: 1},
		Status: gotoc.TXCommitted,
	})

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `tx_outcome`").
		WithArgs(now, now, nil, record.TXID, "node-a", gotoc.TXCommitted.String(), "{}").
		WillReturnResult(sqlmock.NewResult(7, 1))
	mock.ExpectCommit()

	id, err := outcomeDAO.CreateTXOutcome(ctx, record)
	assert.Equal(t, nil, err)
	assert.Equal(t, uint(7), id)
	assert.Equal(t, nil, mock.ExpectationsWereMet())
}

func Test_UpdateStatus(t *testing.T) {
	now := time.Now()
	gdb, mock, closeFn := newMockDB(t, now)
	defer closeFn()

	ctx := context.Background()
	outcomeDAO := NewTXOutcomeDAO(gdb)
	txID := gotoc.GlobalTxID{Origin: "node-a", Seq: 1}.String()
	lockSQL := "SELECT \\* FROM `tx_outcome` WHERE `tx_outcome`.`id` = \\? AND `tx_outcome`.`deleted_at` IS NULL ORDER BY `tx_outcome`.`id` LIMIT 1 FOR UPDATE"

	tests := []struct {
		name      string
		current   gotoc.TXStatus
		target    gotoc.TXStatus
		expect    func()
		expectErr bool
	}{
		{
			name:    "pendingToCommitted",
			current: gotoc.TXPending,
			target:  gotoc.TXCommitted,
			expect: func() {
				mock.ExpectExec("UPDATE `tx_outcome` SET").WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit()
			},
		},
		{
			name:    "sameStatus",
			current: gotoc.TXCommitted,
			target:  gotoc.TXCommitted,
			expect: func() {
				mock.ExpectCommit()
			},
		},
		{
			name:    "committedToRolledBack",
			current: gotoc.TXCommitted,
			target:  gotoc.TXRolledBack,
			expect: func() {
				mock.ExpectRollback()
			},
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock.ExpectBegin()
			rows := sqlmock.NewRows(outcomeColumns).AddRow(1, now, now, nil, txID, "node-a", tt.current.String(), "{}")
			mock.ExpectQuery(lockSQL).WithArgs(1).WillReturnRows(rows)
			tt.expect()

			err := outcomeDAO.UpdateStatus(ctx, 1, tt.target)
			assert.Equal(t, tt.expectErr, err != nil)
			assert.Equal(t, nil, mock.ExpectationsWereMet())
		})
	}
}
