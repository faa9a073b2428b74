package gotoc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_newStrategy(t *testing.T) {
	for _, config := range []StrategyConfig{
		syncPlainReplicated, asyncPlainReplicated, syncVersionedReplicated, syncVersionedDistributed,
		{Sync: Async, Versioning: Versioned, Topology: Distributed},
	} {
		s, err := newStrategy(config)
		assert.Equal(t, nil, err)
		assert.Equal(t, config, s.config)
	}

	_, err := newStrategy(StrategyConfig{Sync: SyncMode(7)})
	assert.NotNil(t, err)
	assert.Equal(t, "async/versioned/distributed",
		StrategyConfig{Sync: Async, Versioning: Versioned, Topology: Distributed}.String())
}

func Test_ReplicationStrategySelector_Plan(t *testing.T) {
	topology := newMockTopology(1, []string{"A", "B", "C"}, map[string][]string{
		"x": {"A", "B"},
		"y": {"B", "A"},
		"z": {"C"},
	})
	source := fixedVersions{"x": 4}

	t.Run("plainReplicated", func(t *testing.T) {
		selector, err := NewReplicationStrategySelector("A", asyncPlainReplicated, topology, source)
		assert.Equal(t, nil, err)
		plan := selector.Plan([]string{"x", "z"}, false)
		assert.Equal(t, true, plan.OnePhase)
		assert.Equal(t, false, plan.Blocking)
		assert.Equal(t, false, plan.Versioned)
		assert.Equal(t, []string{"A"}, plan.Voters)
		assert.Equal(t, 0, len(plan.Targets))
		assert.Equal(t, 0, len(plan.VersionsSeen))
		assert.Equal(t, true, selector.Participates([]string{"z"}))
		assert.Equal(t, true, selector.Owns("z"))
	})

	t.Run("versionedReplicated", func(t *testing.T) {
		selector, _ := NewReplicationStrategySelector("A", syncVersionedReplicated, topology, source)
		plan := selector.Plan([]string{"x", "z"}, false)
		assert.Equal(t, true, plan.OnePhase)
		assert.Equal(t, true, plan.Blocking)
		assert.Equal(t, map[string]EntryVersion{"x": 4, "z": 0}, plan.VersionsSeen)
	})

	t.Run("versionedDistributed", func(t *testing.T) {
		selector, _ := NewReplicationStrategySelector("A", syncVersionedDistributed, topology, source)

		// 同一组 owner，顺序不同也视为同一域
		plan := selector.Plan([]string{"x", "y"}, false)
		assert.Equal(t, true, plan.OnePhase)
		assert.Equal(t, []string{"A", "B"}, plan.Voters)
		assert.Equal(t, 0, len(plan.Targets))

		plan = selector.Plan([]string{"x", "z"}, false)
		assert.Equal(t, false, plan.OnePhase)
		assert.Equal(t, []string{"A", "B", "C"}, plan.Targets)
		assert.Equal(t, []string{"A", "B", "C"}, plan.Voters)

		// 跨 owner 组时忽略一阶段 hint
		plan = selector.Plan([]string{"x", "z"}, true)
		assert.Equal(t, false, plan.OnePhase)
		assert.Equal(t, []string{"A", "B", "C"}, plan.Targets)
		plan = selector.Plan([]string{"x", "y"}, true)
		assert.Equal(t, true, plan.OnePhase)

		assert.Equal(t, true, selector.Owns("x"))
		assert.Equal(t, false, selector.Owns("z"))
		assert.Equal(t, true, selector.Participates([]string{"x", "z"}))
		assert.Equal(t, false, selector.Participates([]string{"z"}))
	})
}

func Test_singleDomainOnePhase(t *testing.T) {
	topology := newMockTopology(1, []string{"A", "B"}, map[string][]string{"x": {"A"}})
	assert.Equal(t, true, singleDomainOnePhase(false, nil, topology))
	assert.Equal(t, true, singleDomainOnePhase(false, []string{"y", "z"}, topology))
	assert.Equal(t, false, singleDomainOnePhase(false, []string{"x", "y"}, topology))
	assert.Equal(t, false, singleDomainOnePhase(true, []string{"x", "y"}, topology))
	assert.Equal(t, true, singleDomainOnePhase(true, []string{"x"}, topology))
}
