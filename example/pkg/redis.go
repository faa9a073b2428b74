package pkg

import (
	"fmt"
	"sync"

	"github.com/xiaoxuxiansheng/redis_lock"
)

const (
	network  = "tcp"
	address  = ""
	password = ""
)

var (
	redisClient *redis_lock.Client
	once        sync.Once
)

func NewRedisClient(network, address, password string) *redis_lock.Client {
	return redis_lock.NewClient(network, address, password)
}

func GetRedisClient() *redis_lock.Client {
	once.Do(func() {
		redisClient = redis_lock.NewClient(network, address, password)
	})
	return redisClient
}

// 构造数据 key，namespace 区分同一 redis 上的不同节点
func BuildDataKey(namespace, key string) string {
	return fmt.Sprintf("gotoc:data:%s:%s", namespace, key)
}

// 构造版本 key
func BuildVersionKey(namespace, key string) string {
	return fmt.Sprintf("gotoc:version:%s:%s", namespace, key)
}

// 构造数据锁 key
func BuildDataLockKey(namespace, key string) string {
	return fmt.Sprintf("gotoc:lock:%s:%s", namespace, key)
}

// 构造终态审计锁 key
func BuildOutcomeLockKey() string {
	return "gotoc:outcome:lock"
}
