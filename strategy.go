package gotoc

import (
	"fmt"
	"sort"
	"strings"
)

type SyncMode int

const (
	Sync SyncMode = iota
	Async
)

type VersioningMode int

const (
	Plain VersioningMode = iota
	Versioned
)

type TopologyMode int

const (
	Replicated TopologyMode = iota
	Distributed
)

// 集群配置决定的复制策略
type StrategyConfig struct {
	Sync       SyncMode
	Versioning VersioningMode
	Topology   TopologyMode
}

func (s StrategyConfig) String() string {
	sync, versioning, topology := "sync", "plain", "replicated"
	if s.Sync == Async {
		sync = "async"
	}
	if s.Versioning == Versioned {
		versioning = "versioned"
	}
	if s.Topology == Distributed {
		topology = "distributed"
	}
	return fmt.Sprintf("%s/%s/%s", sync, versioning, topology)
}

// 单笔事务的执行计划
type Plan struct {
	OnePhase     bool
	// 二阶段消息的接收方，一阶段时为空
	Targets      []string
	// 发起方需要收齐其 prepare 结果的节点
	Voters       []string
	Versioned    bool
	VersionsSeen map[string]EntryVersion
	// sync 模式调用方阻塞等待终态
	Blocking     bool
}

type onePhaseFunc func(hint bool, keys []string, topology TopologyProvider) bool
type targetsFunc func(keys []string, topology TopologyProvider) []string
type votersFunc func(self string, keys []string, topology TopologyProvider) []string
type versionsSeenFunc func(keys []string, source VersionSource) map[string]EntryVersion

// strategy 构造时按配置一次性选出，运行期不再分支
type strategy struct {
	config       StrategyConfig
	onePhase     onePhaseFunc
	targets      targetsFunc
	voters       votersFunc
	versionsSeen versionsSeenFunc
}

var strategyTable = map[StrategyConfig]strategy{}

func init() {
	for _, syncMode := range []SyncMode{Sync, Async} {
		registerStrategy(StrategyConfig{Sync: syncMode, Versioning: Plain, Topology: Replicated},
			alwaysOnePhase, allMembers, selfVoter, noVersionsSeen)
		registerStrategy(StrategyConfig{Sync: syncMode, Versioning: Plain, Topology: Distributed},
			alwaysOnePhase, keyOwners, ownerVoters, noVersionsSeen)
		registerStrategy(StrategyConfig{Sync: syncMode, Versioning: Versioned, Topology: Replicated},
			alwaysOnePhase, allMembers, selfVoter, readVersionsSeen)
		registerStrategy(StrategyConfig{Sync: syncMode, Versioning: Versioned, Topology: Distributed},
			singleDomainOnePhase, keyOwners, ownerVoters, readVersionsSeen)
	}
}

func registerStrategy(config StrategyConfig, onePhase onePhaseFunc, targets targetsFunc, voters votersFunc,
	versionsSeen versionsSeenFunc) {
	strategyTable[config] = strategy{
		config:       config,
		onePhase:     onePhase,
		targets:      targets,
		voters:       voters,
		versionsSeen: versionsSeen,
	}
}

func newStrategy(config StrategyConfig) (strategy, error) {
	s, ok := strategyTable[config]
	if !ok {
		return strategy{}, fmt.Errorf("unsupported strategy: %s", config)
	}
	return s, nil
}

// ReplicationStrategySelector 给出单笔事务的执行计划
type ReplicationStrategySelector struct {
	self     string
	strategy strategy
	topology TopologyProvider
	source   VersionSource
}

func NewReplicationStrategySelector(self string, config StrategyConfig, topology TopologyProvider,
	source VersionSource) (*ReplicationStrategySelector, error) {
	s, err := newStrategy(config)
	if err != nil {
		return nil, err
	}
	return &ReplicationStrategySelector{
		self:     self,
		strategy: s,
		topology: topology,
		source:   source,
	}, nil
}

func (r *ReplicationStrategySelector) Config() StrategyConfig {
	return r.strategy.config
}

// Distributed 模式下只有 key 的 owner 参与 prepare
func (r *ReplicationStrategySelector) Participates(keys []string) bool {
	if r.strategy.config.Topology == Replicated {
		return true
	}
	for _, key := range keys {
		if r.Owns(key) {
			return true
		}
	}
	return false
}

func (r *ReplicationStrategySelector) Owns(key string) bool {
	if r.strategy.config.Topology == Replicated {
		return true
	}
	for _, owner := range r.topology.Owners(key) {
		if owner == r.self {
			return true
		}
	}
	return false
}

// Targets 事务的参与节点：replicated 为全部成员，distributed 为各 key 的 owner
func (r *ReplicationStrategySelector) Targets(keys []string) []string {
	return r.strategy.targets(keys, r.topology)
}

func (r *ReplicationStrategySelector) Plan(keys []string, onePhaseHint bool) Plan {
	plan := Plan{
		OnePhase:  r.strategy.onePhase(onePhaseHint, keys, r.topology),
		Voters:    r.strategy.voters(r.self, keys, r.topology),
		Versioned: r.strategy.config.Versioning == Versioned,
		Blocking:  r.strategy.config.Sync == Sync,
	}
	if !plan.OnePhase {
		plan.Targets = r.strategy.targets(keys, r.topology)
	}
	if plan.Versioned && r.source != nil {
		plan.VersionsSeen = r.strategy.versionsSeen(keys, r.source)
	}
	return plan
}

func alwaysOnePhase(bool, []string, TopologyProvider) bool {
	return true
}

// 所有 key 落在同一组 owner 上时，各 owner 的校验结果天然一致.
// 跨 owner 组时各 owner 只看到自己的写操作，必须由发起方汇总投票，hint 不生效
func singleDomainOnePhase(_ bool, keys []string, topology TopologyProvider) bool {
	var domain string
	for i, key := range keys {
		owners := append([]string(nil), topology.Owners(key)...)
		sort.Strings(owners)
		current := strings.Join(owners, ",")
		if i == 0 {
			domain = current
			continue
		}
		if current != domain {
			return false
		}
	}
	return true
}

func allMembers(_ []string, topology TopologyProvider) []string {
	return append([]string(nil), topology.Members()...)
}

func keyOwners(keys []string, topology TopologyProvider) []string {
	set := make(map[string]struct{})
	targets := make([]string, 0)
	for _, key := range keys {
		for _, owner := range topology.Owners(key) {
			if _, ok := set[owner]; ok {
				continue
			}
			set[owner] = struct{}{}
			targets = append(targets, owner)
		}
	}
	sort.Strings(targets)
	return targets
}

// 全量复制下每个节点数据一致，发起方自身的结果即可代表全体
func selfVoter(self string, _ []string, _ TopologyProvider) []string {
	return []string{self}
}

func ownerVoters(_ string, keys []string, topology TopologyProvider) []string {
	return keyOwners(keys, topology)
}

func noVersionsSeen([]string, VersionSource) map[string]EntryVersion {
	return nil
}

// 读不到的 key 记为 0，表示读到的是“不存在”
func readVersionsSeen(keys []string, source VersionSource) map[string]EntryVersion {
	seen := make(map[string]EntryVersion, len(keys))
	for _, key := range keys {
		version, _ := source.Version(key)
		seen[key] = version
	}
	return seen
}
