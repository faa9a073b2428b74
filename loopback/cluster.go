package loopback

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/xiaoxuxiansheng/gotoc"
	"github.com/xiaoxuxiansheng/gotoc/log"
	"github.com/xiaoxuxiansheng/gotoc/memstore"
)

// Node 集群中的一个节点
type Node struct {
	ID       string
	Manager  *gotoc.TXManager
	Store    Store
	Topology *Topology
}

// MemStore 默认存储下返回底层的 memstore
func (n *Node) MemStore() (*memstore.Store, bool) {
	store, ok := n.Store.(*memstore.Store)
	return store, ok
}

// 全序流中的一项：prepare 或拓扑变更
type event struct {
	prepare *gotoc.PrepareMessage
	sender  string
	change  *topologyChange
}

// Cluster 进程内集群. 单个 sequencer 协程按入队顺序把事件依次投递给每个节点，
// 因此所有节点看到的 prepare 与拓扑变更顺序完全一致
type Cluster struct {
	ctx  context.Context
	stop context.CancelFunc
	opts *Options

	order []string
	nodes map[string]*Node

	mux        sync.Mutex
	held       bool
	pending    []*event
	topologyID int
	members    []string

	events chan *event
	wg     sync.WaitGroup
}

func NewCluster(nodeIDs []string, opts ...Option) (*Cluster, error) {
	if len(nodeIDs) == 0 {
		return nil, errors.New("empty cluster")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cluster := Cluster{
		ctx:        ctx,
		stop:       cancel,
		opts:       &Options{},
		order:      normalizeMembers(nodeIDs),
		nodes:      make(map[string]*Node, len(nodeIDs)),
		topologyID: 1,
		members:    normalizeMembers(nodeIDs),
	}

	for _, opt := range opts {
		opt(cluster.opts)
	}

	repair(cluster.opts)

	cluster.events = make(chan *event, cluster.opts.QueueSize)
	for _, nodeID := range cluster.order {
		if _, ok := cluster.nodes[nodeID]; ok {
			cluster.Stop()
			return nil, fmt.Errorf("repeat node: %s", nodeID)
		}
		node, err := cluster.newNode(nodeID)
		if err != nil {
			cluster.Stop()
			return nil, err
		}
		cluster.nodes[nodeID] = node
	}

	cluster.wg.Add(1)
	go cluster.run()
	return &cluster, nil
}

func (c *Cluster) newNode(nodeID string) (*Node, error) {
	node := Node{
		ID:       nodeID,
		Store:    c.opts.NewStore(nodeID),
		Topology: NewTopology(c.topologyID, c.members, c.opts.NumOwners),
	}

	var recorder gotoc.OutcomeRecorder
	if c.opts.NewRecorder != nil {
		recorder = c.opts.NewRecorder(nodeID)
	}

	managerOpts := append([]gotoc.Option{}, c.opts.ManagerOptions...)
	managerOpts = append(managerOpts, gotoc.WithNodeID(nodeID))
	manager, err := gotoc.NewTXManager(gotoc.Deps{
		Transport: &transport{cluster: c, self: nodeID},
		Topology:  node.Topology,
		Store:     node.Store,
		Versions:  node.Store,
		Reader:    &clusterReader{cluster: c, topology: node.Topology},
		Recorder:  recorder,
	}, managerOpts...)
	if err != nil {
		return nil, err
	}
	node.Manager = manager
	return &node, nil
}

func (c *Cluster) Stop() {
	c.stop()
	c.wg.Wait()
	for _, node := range c.nodes {
		node.Manager.Stop()
	}
}

func (c *Cluster) Node(nodeID string) (*Node, bool) {
	node, ok := c.nodes[nodeID]
	return node, ok
}

// Nodes 按 id 排序
func (c *Cluster) Nodes() []*Node {
	nodes := make([]*Node, 0, len(c.order))
	for _, nodeID := range c.order {
		nodes = append(nodes, c.nodes[nodeID])
	}
	return nodes
}

// Hold 暂停投递，之后入队的事件在 Release 时按原顺序放行
func (c *Cluster) Hold() {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.held = true
}

func (c *Cluster) Release() {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.held = false
	for _, ev := range c.pending {
		c.events <- ev
	}
	c.pending = nil
}

// Rebalance 经全序流安装新的成员列表，返回新的拓扑 id
func (c *Cluster) Rebalance(members []string) (int, error) {
	for _, member := range members {
		if _, ok := c.nodes[member]; !ok {
			return 0, fmt.Errorf("unknown member: %s", member)
		}
	}

	c.mux.Lock()
	c.topologyID++
	c.members = normalizeMembers(members)
	change := topologyChange{id: c.topologyID, members: c.members}
	c.mux.Unlock()

	if err := c.enqueue(&event{change: &change}); err != nil {
		return 0, err
	}
	log.Infof("cluster rebalance to topology %d, members: %v", change.id, change.members)
	return change.id, nil
}

// Redeliver 把同一条 prepare 再次放入全序流，模拟重放
func (c *Cluster) Redeliver(msg *gotoc.PrepareMessage, sender string) error {
	return c.enqueue(&event{prepare: msg, sender: sender})
}

func (c *Cluster) enqueue(ev *event) error {
	c.mux.Lock()
	defer c.mux.Unlock()
	if c.ctx.Err() != nil {
		return gotoc.ErrStopped
	}
	if c.held {
		c.pending = append(c.pending, ev)
		return nil
	}
	select {
	case c.events <- ev:
		return nil
	case <-c.ctx.Done():
		return gotoc.ErrStopped
	}
}

func (c *Cluster) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-c.events:
			c.deliver(ev)
		}
	}
}

func (c *Cluster) deliver(ev *event) {
	for _, nodeID := range c.order {
		node := c.nodes[nodeID]
		if ev.change != nil {
			node.Topology.install(ev.change)
			continue
		}
		res := node.Manager.OnRemotePrepare(c.ctx, ev.prepare, ev.sender)
		if res.Err != nil {
			log.Warnf("node %s prepare %s failed: %v", nodeID, ev.prepare.TxID, res.Err)
		}
	}
}

type transport struct {
	cluster *Cluster
	self    string
}

func (t *transport) Broadcast(ctx context.Context, msg *gotoc.PrepareMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.cluster.enqueue(&event{prepare: msg, sender: t.self})
}

func (t *transport) SendSecondPhase(ctx context.Context, targets []string, msg *gotoc.SecondPhaseMessage) error {
	if len(targets) == 0 {
		targets = t.cluster.order
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, target := range targets {
		node, ok := t.cluster.nodes[target]
		if !ok {
			return fmt.Errorf("unknown target: %s", target)
		}
		g.Go(func() error {
			var res gotoc.Result
			if msg.Commit {
				res = node.Manager.OnRemoteCommit(gctx, msg, t.self)
			} else {
				res = node.Manager.OnRemoteRollback(gctx, msg, t.self)
			}
			return res.Err
		})
	}
	return g.Wait()
}

func (t *transport) SendPrepareAck(ctx context.Context, origin string, ack *gotoc.PrepareAck) error {
	node, ok := t.cluster.nodes[origin]
	if !ok {
		return fmt.Errorf("unknown origin: %s", origin)
	}
	node.Manager.OnPrepareAck(ctx, ack, t.self)
	return nil
}

// clusterReader 从 key 的首个 owner 读取版本，代表事务实际读到的数据
type clusterReader struct {
	cluster  *Cluster
	topology *Topology
}

func (r *clusterReader) Version(key string) (gotoc.EntryVersion, bool) {
	owners := r.topology.Owners(key)
	if len(owners) == 0 {
		return 0, false
	}
	node, ok := r.cluster.nodes[owners[0]]
	if !ok {
		return 0, false
	}
	return node.Store.Version(key)
}
