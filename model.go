package gotoc

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cast"
)

// 全局事务 id：发起节点 + 节点内单调递增序号
type GlobalTxID struct {
	Origin string `json:"origin"`
	Seq    uint64 `json:"seq"`
}

func (g GlobalTxID) String() string {
	return fmt.Sprintf("GlobalTx:%s:%d", g.Origin, g.Seq)
}

func (g GlobalTxID) IsZero() bool {
	return g.Origin == "" && g.Seq == 0
}

// ParseGlobalTxID 解析 String() 的输出. origin 中允许包含冒号
func ParseGlobalTxID(s string) (GlobalTxID, error) {
	if !strings.HasPrefix(s, "GlobalTx:") {
		return GlobalTxID{}, fmt.Errorf("invalid global tx id: %s", s)
	}
	body := strings.TrimPrefix(s, "GlobalTx:")
	idx := strings.LastIndex(body, ":")
	if idx <= 0 || idx == len(body)-1 {
		return GlobalTxID{}, fmt.Errorf("invalid parts in global tx id: %s", s)
	}
	seq, err := cast.ToUint64E(body[idx+1:])
	if err != nil {
		return GlobalTxID{}, fmt.Errorf("invalid sequence in global tx id: %s", s)
	}
	return GlobalTxID{Origin: body[:idx], Seq: seq}, nil
}

// 数据版本，只依赖比较语义
type EntryVersion uint64

// CompareVersions 返回 -1 / 0 / 1
func CompareVersions(a, b EntryVersion) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// key -> 新版本. 空 map 表示无需版本化
type VersionMap map[string]EntryVersion

func (v VersionMap) Clone() VersionMap {
	if v == nil {
		return nil
	}
	out := make(VersionMap, len(v))
	for key, version := range v {
		out[key] = version
	}
	return out
}

// 单个写操作
type WriteOp struct {
	Key    string `json:"key"`
	Value  string `json:"value,omitempty"`
	Remove bool   `json:"remove,omitempty"`
}

// 通过全序广播下发的 prepare 消息，发送后不可变
type PrepareMessage struct {
	TxID       GlobalTxID `json:"txID"`
	Writes     []WriteOp  `json:"writes"`
	Keys       []string   `json:"keys"`
	TopologyID int        `json:"topologyID"`
	OnePhase   bool       `json:"onePhase"`
	Versioned  bool       `json:"versioned"`
	// 仅 versioned 模式下携带：事务读到的版本
	VersionsSeen map[string]EntryVersion `json:"versionsSeen,omitempty"`
}

// NewPrepareMessage 根据写操作推导出有序去重的 key 集合
func NewPrepareMessage(txID GlobalTxID, writes []WriteOp, topologyID int) *PrepareMessage {
	ops := make([]WriteOp, len(writes))
	copy(ops, writes)
	return &PrepareMessage{
		TxID:       txID,
		Writes:     ops,
		Keys:       affectedKeys(ops),
		TopologyID: topologyID,
	}
}

// WithTopologyID 重试时以当前拓扑重新打戳，返回副本
func (p *PrepareMessage) WithTopologyID(topologyID int) *PrepareMessage {
	cp := *p
	cp.TopologyID = topologyID
	return &cp
}

// WithOnePhase 返回副本
func (p *PrepareMessage) WithOnePhase(onePhase bool) *PrepareMessage {
	cp := *p
	cp.OnePhase = onePhase
	return &cp
}

func (p *PrepareMessage) String() string {
	return fmt.Sprintf("prepare{tx=%s, keys=%v, topology=%d, onePhase=%t, versioned=%t}",
		p.TxID, p.Keys, p.TopologyID, p.OnePhase, p.Versioned)
}

// 二阶段 commit / rollback 消息
type SecondPhaseMessage struct {
	TxID       GlobalTxID `json:"txID"`
	Commit     bool       `json:"commit"`
	TopologyID int        `json:"topologyID"`
	Versions   VersionMap `json:"versions,omitempty"`
}

func (s *SecondPhaseMessage) String() string {
	kind := "rollback"
	if s.Commit {
		kind = "commit"
	}
	return fmt.Sprintf("%s{tx=%s, topology=%d}", kind, s.TxID, s.TopologyID)
}

// Distributed 模式下 owner 回给发起方的 prepare 结果
type PrepareAck struct {
	TxID       GlobalTxID  `json:"txID"`
	TopologyID int         `json:"topologyID"`
	Status     TXStatus    `json:"status"`
	Retry      RetryReason `json:"retry,omitempty"`
	Versions   VersionMap  `json:"versions,omitempty"`
	// 写偏斜冲突单独携带，发起方可以还原成 *ConflictError
	Conflict *ConflictError `json:"conflict,omitempty"`
	Error    string         `json:"error,omitempty"`
}

func (p *PrepareAck) String() string {
	return fmt.Sprintf("ack{tx=%s, topology=%d, status=%s, retry=%s}", p.TxID, p.TopologyID, p.Status, p.Retry)
}

// 事务终态
type TXStatus string

const (
	TXPending    TXStatus = "pending"
	TXCommitted  TXStatus = "committed"
	TXRolledBack TXStatus = "rolled_back"
)

func (t TXStatus) String() string {
	return string(t)
}

func (t TXStatus) Terminal() bool {
	return t == TXCommitted || t == TXRolledBack
}

// 事务执行结果
type Outcome struct {
	TxID     GlobalTxID
	Status   TXStatus
	Versions VersionMap
}

func affectedKeys(ops []WriteOp) []string {
	set := make(map[string]struct{}, len(ops))
	keys := make([]string, 0, len(ops))
	for _, op := range ops {
		if _, ok := set[op.Key]; ok {
			continue
		}
		set[op.Key] = struct{}{}
		keys = append(keys, op.Key)
	}
	sort.Strings(keys)
	return keys
}
