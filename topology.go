package gotoc

import (
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/xiaoxuxiansheng/gotoc/log"
)

// TopologySynchronizer 比较消息拓扑与本地拓扑.
// 落后的消息交由发起方重新打戳重试；领先的消息说明本节点错过了拓扑变更，视为致命错误
type TopologySynchronizer struct {
	provider     TopologyProvider
	inconsistent *atomic.Bool
}

func NewTopologySynchronizer(provider TopologyProvider) *TopologySynchronizer {
	return &TopologySynchronizer{
		provider:     provider,
		inconsistent: atomic.NewBool(false),
	}
}

// Check 返回 RetryNone 表示可以继续处理
func (t *TopologySynchronizer) Check(msg *PrepareMessage) (RetryReason, error) {
	current := t.provider.CurrentTopologyID()
	switch {
	case msg.TopologyID < current:
		log.Debugf("tx %s stamped with stale topology %d, current %d", msg.TxID, msg.TopologyID, current)
		return RetryStaleTopology, nil
	case msg.TopologyID > current:
		t.inconsistent.Store(true)
		log.Fatalf("tx %s stamped with topology %d ahead of local %d", msg.TxID, msg.TopologyID, current)
		return RetryNone, errors.Wrapf(ErrTopologyAhead, "tx: %s, message: %d, local: %d",
			msg.TxID, msg.TopologyID, current)
	default:
		return RetryNone, nil
	}
}

func (t *TopologySynchronizer) Current() int {
	return t.provider.CurrentTopologyID()
}

// Consistent 未观察到领先拓扑时为 true
func (t *TopologySynchronizer) Consistent() bool {
	return !t.inconsistent.Load()
}
