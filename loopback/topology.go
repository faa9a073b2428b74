package loopback

import (
	"sort"
	"sync"

	farm "github.com/dgryski/go-farm"
)

// Topology 单个节点看到的集群视图. 变更通过全序流投递，每个节点在同一位置切换
type Topology struct {
	mux       sync.RWMutex
	id        int
	members   []string
	numOwners int
}

func NewTopology(id int, members []string, numOwners int) *Topology {
	t := Topology{id: id, numOwners: numOwners}
	t.members = normalizeMembers(members)
	return &t
}

func (t *Topology) CurrentTopologyID() int {
	t.mux.RLock()
	defer t.mux.RUnlock()
	return t.id
}

func (t *Topology) Members() []string {
	t.mux.RLock()
	defer t.mux.RUnlock()
	return append([]string(nil), t.members...)
}

// Owners 按 key 的 farm 指纹在有序成员环上顺延取 numOwners 个节点
func (t *Topology) Owners(key string) []string {
	t.mux.RLock()
	defer t.mux.RUnlock()
	return ownersOf(key, t.members, t.numOwners)
}

func (t *Topology) install(change *topologyChange) {
	t.mux.Lock()
	defer t.mux.Unlock()
	if change.id <= t.id {
		return
	}
	t.id = change.id
	t.members = normalizeMembers(change.members)
}

type topologyChange struct {
	id      int
	members []string
}

func ownersOf(key string, members []string, numOwners int) []string {
	if len(members) == 0 {
		return nil
	}
	if numOwners <= 0 || numOwners > len(members) {
		numOwners = len(members)
	}
	start := int(farm.Fingerprint64([]byte(key)) % uint64(len(members)))
	owners := make([]string, 0, numOwners)
	for i := 0; i < numOwners; i++ {
		owners = append(owners, members[(start+i)%len(members)])
	}
	return owners
}

func normalizeMembers(members []string) []string {
	sorted := append([]string(nil), members...)
	sort.Strings(sorted)
	return sorted
}
