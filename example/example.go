package example

import (
	"context"
	"fmt"
	"time"

	"github.com/xiaoxuxiansheng/gotoc"
	"github.com/xiaoxuxiansheng/gotoc/example/dao"
	"github.com/xiaoxuxiansheng/gotoc/example/pkg"
	"github.com/xiaoxuxiansheng/gotoc/loopback"
)

const (
	dsn      = "请输入 mysql sdn"
	network  = "tcp"
	address  = "请输入 redis ip:port"
	password = "请输入 redis 密码"
)

func main() {
	redisClient := pkg.NewRedisClient(network, address, password)
	mysqlDB, err := pkg.NewDB(dsn)
	if err != nil {
		fmt.Println(err)
		return
	}

	// 构造出终态存储模块
	outcomeDAO := dao.NewTXOutcomeDAO(mysqlDB)

	// 三个节点共用一个 redis，以节点 id 作为 namespace 隔离
	cluster, err := loopback.NewCluster([]string{"nodeA", "nodeB", "nodeC"},
		loopback.WithNumOwners(2),
		loopback.WithStoreFactory(func(nodeID string) loopback.Store {
			return NewRedisStore(nodeID, redisClient)
		}),
		loopback.WithRecorder(func(nodeID string) gotoc.OutcomeRecorder {
			return NewOutcomeStore(nodeID, outcomeDAO, redisClient)
		}),
		loopback.WithManagerOptions(
			gotoc.WithStrategy(gotoc.StrategyConfig{
				Sync:       gotoc.Sync,
				Versioning: gotoc.Versioned,
				Topology:   gotoc.Distributed,
			}),
			gotoc.WithMonitorTick(time.Second),
		),
	)
	if err != nil {
		fmt.Println(err)
		return
	}
	defer cluster.Stop()

	nodeA, _ := cluster.Node("nodeA")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()
	// 读到的版本由集群读取，x 和 y 落在不同 owner 上时走二阶段
	future, err := nodeA.Manager.SubmitLocalTransaction(ctx, []gotoc.WriteOp{
		{Key: "x", Value: "1"},
		{Key: "y", Value: "1"},
	}, false)
	if err != nil {
		fmt.Printf("tx failed, err: %v", err)
		return
	}

	outcome, _ := future.Get(ctx)
	if outcome.Status != gotoc.TXCommitted {
		fmt.Println("tx failed")
		return
	}

	<-time.After(2 * time.Second)

	// 审计各节点的终态是否一致
	auditor := NewOutcomeStore("nodeA", outcomeDAO, redisClient)
	if divergent, err := auditor.Divergent(ctx, future.TxID()); divergent || err != nil {
		fmt.Printf("tx diverged, err: %v", err)
		return
	}

	fmt.Println("success")
}
