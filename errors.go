package gotoc

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	// 重复投递 prepare：状态机已处于 preparing
	ErrAlreadyPreparing = errors.New("illegal state: transaction is already preparing")
	// 二阶段 rollback 先于 prepare 到达
	ErrAlreadyRolledBack = errors.New("prepared transaction already rolled back")
	// 等待 prepared / 终态超时
	ErrTimeout = errors.New("transaction timed out")
	// 接收方拓扑落后于发送方打戳的拓扑，协议不变量被破坏
	ErrTopologyAhead = errors.New("fatal: message topology is ahead of local topology")
	// prepare 被判定为重试后，调用方取消
	ErrRetryAborted = errors.New("prepare retry aborted")
	ErrStopped      = errors.New("transaction manager stopped")
	ErrEmptyTX      = errors.New("empty transaction")
)

// 写偏斜校验失败
type ConflictError struct {
	TxID     GlobalTxID
	Key      string
	Seen     EntryVersion
	Current  EntryVersion
	Existing bool
}

func (c *ConflictError) Error() string {
	if !c.Existing {
		return fmt.Sprintf("write skew detected for %s on key %s: seen version %d, key no longer exists",
			c.TxID, c.Key, c.Seen)
	}
	return fmt.Sprintf("write skew detected for %s on key %s: seen version %d, current version %d",
		c.TxID, c.Key, c.Seen, c.Current)
}

// IsConflict 判断错误链中是否包含写偏斜冲突
func IsConflict(err error) bool {
	var conflict *ConflictError
	return errors.As(err, &conflict)
}

// 可重试原因，不会透传给业务方
type RetryReason int

const (
	RetryNone RetryReason = iota
	RetryStaleTopology
	RetryDuplicate
)

func (r RetryReason) String() string {
	switch r {
	case RetryNone:
		return "none"
	case RetryStaleTopology:
		return "stale_topology"
	case RetryDuplicate:
		return "duplicate"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// prepare / 二阶段处理结果. Retry 与 Err 互斥
type Result struct {
	Outcome Outcome
	Retry   RetryReason
	Err     error
}

func (r Result) Retryable() bool {
	return r.Retry != RetryNone
}

func (r Result) Committed() bool {
	return r.Err == nil && r.Retry == RetryNone && r.Outcome.Status == TXCommitted
}

func (r Result) String() string {
	var sb strings.Builder
	sb.WriteString("result{tx=")
	sb.WriteString(r.Outcome.TxID.String())
	sb.WriteString(", status=")
	sb.WriteString(r.Outcome.Status.String())
	if r.Retry != RetryNone {
		sb.WriteString(", retry=")
		sb.WriteString(r.Retry.String())
	}
	if r.Err != nil {
		sb.WriteString(", err=")
		sb.WriteString(r.Err.Error())
	}
	sb.WriteString("}")
	return sb.String()
}

func retryResult(txID GlobalTxID, reason RetryReason) Result {
	return Result{Outcome: Outcome{TxID: txID, Status: TXPending}, Retry: reason}
}

func failResult(txID GlobalTxID, err error) Result {
	return Result{Outcome: Outcome{TxID: txID, Status: TXRolledBack}, Err: err}
}

func okResult(txID GlobalTxID, status TXStatus, versions VersionMap) Result {
	return Result{Outcome: Outcome{TxID: txID, Status: status, Versions: versions}}
}
