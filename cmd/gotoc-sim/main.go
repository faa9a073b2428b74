package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/xiaoxuxiansheng/gotoc"
	"github.com/xiaoxuxiansheng/gotoc/config"
	"github.com/xiaoxuxiansheng/gotoc/example"
	"github.com/xiaoxuxiansheng/gotoc/example/dao"
	"github.com/xiaoxuxiansheng/gotoc/example/pkg"
	"github.com/xiaoxuxiansheng/gotoc/log"
	"github.com/xiaoxuxiansheng/gotoc/loopback"
)

type simulation struct {
	configPath  string
	txs         int
	keys        int
	concurrency int
	// 发起第 n 个事务时经全序流安装一次新拓扑，0 表示不变更
	rebalanceAt int
	metricsAddr string
}

func main() {
	sim := simulation{}
	root := &cobra.Command{
		Use:          "gotoc-sim",
		Short:        "在进程内集群上运行并发事务并校验各节点数据一致",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return sim.run(cmd.Context())
		},
	}
	root.Flags().StringVar(&sim.configPath, "config", "", "yaml 配置文件，为空时使用默认配置")
	root.Flags().IntVar(&sim.txs, "txs", 200, "事务总数")
	root.Flags().IntVar(&sim.keys, "keys", 16, "key 空间大小")
	root.Flags().IntVar(&sim.concurrency, "concurrency", 8, "并发发起事务的协程数")
	root.Flags().IntVar(&sim.rebalanceAt, "rebalance-at", 0, "发起第 n 个事务时触发一次拓扑变更")
	root.Flags().StringVar(&sim.metricsAddr, "metrics-addr", "", "非空时在该地址暴露 /metrics")

	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func (s *simulation) loadConfig() (*config.Config, error) {
	if s.configPath == "" {
		c := config.Config{}
		config.Default(&c)
		return &c, nil
	}
	return config.Load(s.configPath)
}

func (s *simulation) run(ctx context.Context) error {
	conf, err := s.loadConfig()
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	log.SetLogger(log.NewSugarLogger(log.NewOptions(
		log.WithLogLevel(conf.Log.Level),
		log.WithFileName(conf.Log.FileName),
		log.WithMaxBackups(conf.Log.MaxBackups),
	)))

	if s.metricsAddr != "" {
		if err := gotoc.RegisterMetrics(nil); err != nil {
			return errors.Wrap(err, "register metrics")
		}
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(s.metricsAddr, mux); err != nil {
				log.Errorf("serve metrics on %s failed: %v", s.metricsAddr, err)
			}
		}()
	}

	managerOpts, err := conf.ManagerOptions()
	if err != nil {
		return err
	}
	clusterOpts := []loopback.Option{
		loopback.WithNumOwners(conf.Cluster.NumOwners),
		loopback.WithQueueSize(conf.Cluster.QueueSize),
		loopback.WithManagerOptions(managerOpts...),
	}
	read := readMemStore

	if conf.Storage.Kind == "redis" {
		client := pkg.NewRedisClient(conf.Storage.Redis.Network, conf.Storage.Redis.Addr, conf.Storage.Redis.Password)
		clusterOpts = append(clusterOpts, loopback.WithStoreFactory(func(nodeID string) loopback.Store {
			return example.NewRedisStore(nodeID, client)
		}))
		read = readRedisStore

		if conf.Storage.MySQL.DSN != "" {
			db, err := pkg.NewDB(conf.Storage.MySQL.DSN)
			if err != nil {
				return errors.Wrap(err, "open mysql")
			}
			outcomeDAO := dao.NewTXOutcomeDAO(db)
			clusterOpts = append(clusterOpts, loopback.WithRecorder(func(nodeID string) gotoc.OutcomeRecorder {
				return example.NewOutcomeStore(nodeID, outcomeDAO, client)
			}))
		}
	}

	cluster, err := loopback.NewCluster(conf.Cluster.Nodes, clusterOpts...)
	if err != nil {
		return errors.Wrap(err, "start cluster")
	}
	defer cluster.Stop()

	stats, err := s.workload(ctx, cluster)
	if err != nil {
		return err
	}
	fmt.Printf("strategy: %s, committed: %d, conflicts: %d, failed: %d\n",
		cluster.Nodes()[0].Manager.Strategy(), stats.committed.Load(), stats.conflicts.Load(), stats.failed.Load())

	return s.verify(ctx, cluster, read)
}

type report struct {
	committed *atomic.Int64
	conflicts *atomic.Int64
	failed    *atomic.Int64
}

// workload 每个事务从随机节点发起，写两个随机 key
func (s *simulation) workload(ctx context.Context, cluster *loopback.Cluster) (*report, error) {
	nodes := cluster.Nodes()
	r := report{
		committed: atomic.NewInt64(0),
		conflicts: atomic.NewInt64(0),
		failed:    atomic.NewInt64(0),
	}
	next := atomic.NewInt64(0)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.concurrency; i++ {
		rnd := rand.New(rand.NewSource(time.Now().UnixNano() + int64(i)))
		g.Go(func() error {
			for n := next.Inc(); n <= int64(s.txs); n = next.Inc() {
				if n == int64(s.rebalanceAt) {
					if err := s.rebalance(cluster); err != nil {
						return err
					}
				}
				node := nodes[rnd.Intn(len(nodes))]
				ops := []gotoc.WriteOp{
					{Key: s.key(rnd), Value: fmt.Sprintf("%s-%d", node.ID, n)},
					{Key: s.key(rnd), Value: fmt.Sprintf("%s-%d", node.ID, n)},
				}
				future, err := node.Manager.SubmitLocalTransaction(gctx, ops, false)
				if err == nil {
					_, err = future.Get(gctx)
				}
				switch {
				case err == nil:
					r.committed.Inc()
				case gotoc.IsConflict(err):
					r.conflicts.Inc()
				case errors.Is(err, gotoc.ErrStopped):
					return err
				default:
					log.Warnf("tx from %s failed: %v", node.ID, err)
					r.failed.Inc()
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &r, nil
}

// rebalance 成员不变，仅推进拓扑 id，在途的旧拓扑 prepare 需要重新打戳
func (s *simulation) rebalance(cluster *loopback.Cluster) error {
	members := make([]string, 0, len(cluster.Nodes()))
	for _, node := range cluster.Nodes() {
		members = append(members, node.ID)
	}
	topologyID, err := cluster.Rebalance(members)
	if err != nil {
		return errors.Wrap(err, "rebalance")
	}
	fmt.Printf("rebalanced to topology %d\n", topologyID)
	return nil
}

func (s *simulation) key(rnd *rand.Rand) string {
	return fmt.Sprintf("key-%03d", rnd.Intn(s.keys))
}

type valueReader func(ctx context.Context, node *loopback.Node, key string) (string, bool, error)

func readMemStore(_ context.Context, node *loopback.Node, key string) (string, bool, error) {
	store, ok := node.MemStore()
	if !ok {
		return "", false, errors.Errorf("node %s is not backed by memstore", node.ID)
	}
	value, ok := store.Get(key)
	return value, ok, nil
}

func readRedisStore(ctx context.Context, node *loopback.Node, key string) (string, bool, error) {
	store, ok := node.Store.(*example.RedisStore)
	if !ok {
		return "", false, errors.Errorf("node %s is not backed by redis", node.ID)
	}
	return store.Get(ctx, key)
}

// verify 等待在途事务落地后，比较每个 key 在其 owner 上的值
func (s *simulation) verify(ctx context.Context, cluster *loopback.Cluster, read valueReader) error {
	deadline := time.Now().Add(10 * time.Second)
	for {
		diverged, err := s.diverged(ctx, cluster, read)
		if err != nil {
			return err
		}
		if diverged == "" {
			fmt.Println("replicas consistent")
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Errorf("replicas diverged on %s", diverged)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (s *simulation) diverged(ctx context.Context, cluster *loopback.Cluster, read valueReader) (string, error) {
	for i := 0; i < s.keys; i++ {
		key := fmt.Sprintf("key-%03d", i)
		var expect *string
		for _, owner := range cluster.Nodes()[0].Topology.Owners(key) {
			node, _ := cluster.Node(owner)
			value, _, err := read(ctx, node, key)
			if err != nil {
				return "", err
			}
			if expect == nil {
				expect = &value
				continue
			}
			if *expect != value {
				return key, nil
			}
		}
	}
	return "", nil
}
