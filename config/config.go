// Package config loads and validates the proxy configuration: one
// TOML file describing logging, the metrics endpoint and the list of
// cluster workers.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/viper"
)

const envDefaultThreads = "SHOAL_DEFAULT_THREAD"

const defaultThreads = 4

// DefaultTimeoutMS applies when a cluster does not set its own.
const DefaultTimeoutMS = 1000

// CacheType selects the wire protocol a cluster speaks.
type CacheType string

const (
	CacheTypeRedis          CacheType = "redis"
	CacheTypeMemcache       CacheType = "memcache"
	CacheTypeMemcacheBinary CacheType = "memcache_binary"
	CacheTypeRedisCluster   CacheType = "redis_cluster"
)

// Config is the root of the configuration file.
type Config struct {
	Log      LogConfig     `mapstructure:"log"`
	Metrics  MetricsConfig `mapstructure:"metrics"`
	Clusters []Cluster     `mapstructure:"clusters"`
}

// LogConfig controls log output behavior.
type LogConfig struct {
	Level     string `mapstructure:"level"`
	ANSI      bool   `mapstructure:"ansi"`
	Stdout    bool   `mapstructure:"stdout"`
	Directory string `mapstructure:"directory"`
	FileName  string `mapstructure:"file_name"`
}

// MetricsConfig locates the prometheus endpoint.
type MetricsConfig struct {
	Port int `mapstructure:"port"`
}

// Cluster describes one proxy worker: a listener, a protocol and a
// set of weighted backend servers.
type Cluster struct {
	Name       string    `mapstructure:"name"`
	ListenAddr string    `mapstructure:"listen_addr"`
	HashTag    string    `mapstructure:"hash_tag"`
	HashMethod string    `mapstructure:"hash_method"`
	Thread     int       `mapstructure:"thread"`
	CacheType  CacheType `mapstructure:"cache_type"`

	// Timeout bounds both the dispatch into a backend channel and the
	// backend response wait, in milliseconds.
	Timeout uint64 `mapstructure:"timeout"`

	// Servers hold `host:port`, `host:port:weight` or
	// `host:port:weight alias` lines.
	Servers []string `mapstructure:"servers"`

	// health pinger
	PingFailLimit       int    `mapstructure:"ping_fail_limit"`
	PingInterval        uint64 `mapstructure:"ping_interval"`
	PingSuccessInterval uint64 `mapstructure:"ping_success_interval"`

	// NodeConnections is accepted for compatibility; the proxy keeps
	// one multiplexed connection per backend.
	NodeConnections int `mapstructure:"node_connections"`

	// Auth is the backend password, also required from clients.
	Auth string `mapstructure:"auth"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	thread := threadsFromEnv()
	for i := range cfg.Clusters {
		if cfg.Clusters[i].Thread == 0 {
			cfg.Clusters[i].Thread = thread
		}
	}
	return &cfg, nil
}

func threadsFromEnv() int {
	raw := os.Getenv(envDefaultThreads)
	if raw == "" {
		return defaultThreads
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return defaultThreads
	}
	return n
}

// Validate rejects configurations the proxy cannot start with.
func (c *Config) Validate() error {
	if len(c.Clusters) == 0 {
		return fmt.Errorf("clusters is absent of config file")
	}
	for _, cc := range c.Clusters {
		if err := cc.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks one cluster block.
func (cc *Cluster) Validate() error {
	if cc.Name == "" {
		return fmt.Errorf("cluster name is empty")
	}
	if cc.ListenAddr == "" {
		return fmt.Errorf("cluster %s: listen_addr is empty", cc.Name)
	}
	if len(cc.Servers) == 0 {
		return fmt.Errorf("cluster %s: servers is empty", cc.Name)
	}
	if tag := cc.HashTag; tag != "" && len(tag) != 2 {
		return fmt.Errorf("cluster %s: hash_tag must be exactly two bytes", cc.Name)
	}
	switch cc.CacheType {
	case CacheTypeRedis, CacheTypeMemcache, CacheTypeMemcacheBinary, CacheTypeRedisCluster:
	default:
		return fmt.Errorf("cluster %s: unknown cache_type %q", cc.Name, cc.CacheType)
	}
	if _, err := ParseServers(cc.Servers); err != nil {
		return fmt.Errorf("cluster %s: %w", cc.Name, err)
	}
	return nil
}

// Cluster returns the named cluster block.
func (c *Config) Cluster(name string) (Cluster, bool) {
	for _, cc := range c.Clusters {
		if cc.Name == name {
			return cc, true
		}
	}
	return Cluster{}, false
}

// ReloadEquals reports whether a reload would be a no-op: same cluster
// names with the same server sets.
func (c *Config) ReloadEquals(other *Config) bool {
	m1 := c.serversMap()
	m2 := other.serversMap()
	if len(m1) != len(m2) {
		return false
	}
	for name, servers := range m1 {
		os, ok := m2[name]
		if !ok || len(os) != len(servers) {
			return false
		}
		for s := range servers {
			if !os[s] {
				return false
			}
		}
	}
	return true
}

func (c *Config) serversMap() map[string]map[string]bool {
	m := make(map[string]map[string]bool, len(c.Clusters))
	for _, cc := range c.Clusters {
		set := make(map[string]bool, len(cc.Servers))
		for _, s := range cc.Servers {
			set[s] = true
		}
		m[cc.Name] = set
	}
	return m
}

// TimeoutMS returns the cluster timeout with its default applied.
func (cc *Cluster) TimeoutMS() uint64 {
	if cc.Timeout == 0 {
		return DefaultTimeoutMS
	}
	return cc.Timeout
}

// HashTagBytes returns the two hash tag delimiter bytes, nil when
// unset.
func (cc *Cluster) HashTagBytes() []byte {
	if len(cc.HashTag) != 2 {
		return nil
	}
	return []byte(cc.HashTag)
}
