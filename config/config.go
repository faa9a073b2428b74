package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/xiaoxuxiansheng/gotoc"
)

// Config 模拟集群的配置文件
type Config struct {
	Cluster struct {
		Nodes     []string `yaml:"nodes"`
		NumOwners int      `yaml:"num_owners"`
		QueueSize int      `yaml:"queue_size"`
	} `yaml:"cluster"`

	Strategy struct {
		// sync | async
		Sync string `yaml:"sync"`
		// plain | versioned
		Versioning string `yaml:"versioning"`
		// replicated | distributed
		Topology string `yaml:"topology"`
	} `yaml:"strategy"`

	TX struct {
		Timeout            string `yaml:"timeout"`
		MonitorTick        string `yaml:"monitor_tick"`
		Workers            int    `yaml:"workers"`
		PrepareWaitTimeout string `yaml:"prepare_wait_timeout"`
		CompletedTxTimeout string `yaml:"completed_tx_timeout"`
		RetryBackoff       string `yaml:"retry_backoff"`
	} `yaml:"tx"`

	Log struct {
		Level      string `yaml:"level"`
		FileName   string `yaml:"file_name"`
		MaxBackups int    `yaml:"max_backups"`
	} `yaml:"log"`

	Storage struct {
		// memory | redis
		Kind  string `yaml:"kind"`
		Redis struct {
			Network  string `yaml:"network"`
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
		} `yaml:"redis"`
		// 非空时把事务终态写入 MySQL
		MySQL struct {
			DSN string `yaml:"dsn"`
		} `yaml:"mysql"`
	} `yaml:"storage"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

func Parse(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	Default(&c)
	if _, err := c.StrategyConfig(); err != nil {
		return nil, err
	}
	if _, err := c.ManagerOptions(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Default 补齐缺省值
func Default(c *Config) {
	if len(c.Cluster.Nodes) == 0 {
		c.Cluster.Nodes = []string{"node-a", "node-b", "node-c"}
	}
	if c.Cluster.QueueSize <= 0 {
		c.Cluster.QueueSize = 1024
	}
	if c.Strategy.Sync == "" {
		c.Strategy.Sync = "sync"
	}
	if c.Strategy.Versioning == "" {
		c.Strategy.Versioning = "versioned"
	}
	if c.Strategy.Topology == "" {
		c.Strategy.Topology = "replicated"
	}
	if c.TX.Timeout == "" {
		c.TX.Timeout = "5s"
	}
	if c.TX.MonitorTick == "" {
		c.TX.MonitorTick = "10s"
	}
	if c.TX.Workers <= 0 {
		c.TX.Workers = 16
	}
	if c.TX.PrepareWaitTimeout == "" {
		c.TX.PrepareWaitTimeout = "3s"
	}
	if c.TX.CompletedTxTimeout == "" {
		c.TX.CompletedTxTimeout = "1m"
	}
	if c.TX.RetryBackoff == "" {
		c.TX.RetryBackoff = "10ms"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.FileName == "" {
		c.Log.FileName = "gotoc-sim.log"
	}
	if c.Storage.Kind == "" {
		c.Storage.Kind = "memory"
	}
	if c.Storage.Redis.Network == "" {
		c.Storage.Redis.Network = "tcp"
	}
}

func (c *Config) StrategyConfig() (gotoc.StrategyConfig, error) {
	var strategy gotoc.StrategyConfig
	switch c.Strategy.Sync {
	case "sync":
		strategy.Sync = gotoc.Sync
	case "async":
		strategy.Sync = gotoc.Async
	default:
		return strategy, errors.Errorf("invalid sync mode: %s", c.Strategy.Sync)
	}
	switch c.Strategy.Versioning {
	case "plain":
		strategy.Versioning = gotoc.Plain
	case "versioned":
		strategy.Versioning = gotoc.Versioned
	default:
		return strategy, errors.Errorf("invalid versioning mode: %s", c.Strategy.Versioning)
	}
	switch c.Strategy.Topology {
	case "replicated":
		strategy.Topology = gotoc.Replicated
	case "distributed":
		strategy.Topology = gotoc.Distributed
	default:
		return strategy, errors.Errorf("invalid topology mode: %s", c.Strategy.Topology)
	}
	return strategy, nil
}

// ManagerOptions 把 tx 段转换为 TXManager 的 Option
func (c *Config) ManagerOptions() ([]gotoc.Option, error) {
	strategy, err := c.StrategyConfig()
	if err != nil {
		return nil, err
	}

	durations := make(map[string]time.Duration, 5)
	for name, raw := range map[string]string{
		"timeout":              c.TX.Timeout,
		"monitor_tick":         c.TX.MonitorTick,
		"prepare_wait_timeout": c.TX.PrepareWaitTimeout,
		"completed_tx_timeout": c.TX.CompletedTxTimeout,
		"retry_backoff":        c.TX.RetryBackoff,
	} {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid tx.%s", name)
		}
		durations[name] = d
	}

	return []gotoc.Option{
		gotoc.WithStrategy(strategy),
		gotoc.WithTimeout(durations["timeout"]),
		gotoc.WithMonitorTick(durations["monitor_tick"]),
		gotoc.WithWorkers(c.TX.Workers),
		gotoc.WithPrepareWaitTimeout(durations["prepare_wait_timeout"]),
		gotoc.WithCompletedTxTimeout(durations["completed_tx_timeout"]),
		gotoc.WithRetryBackoff(durations["retry_backoff"]),
	}, nil
}
