// Package redisconn builds a topology-agnostic Redis client, adapted from
// the fleet's pkg/redis convention: callers pick a Mode and get back a
// redis.UniversalClient without caring whether it's backed by a single
// node, Sentinel, or Cluster.
package redisconn

import "github.com/redis/go-redis/v9"

// Mode selects which Redis topology NewUniversalClient builds.
type Mode string

const (
	ModeStandalone Mode = "standalone"
	ModeSentinel   Mode = "sentinel"
	ModeCluster    Mode = "cluster"
)

// Config describes how to reach Redis, independent of Mode.
type Config struct {
	Mode       Mode
	Addrs      []string
	MasterName string // required for ModeSentinel
	Password   string
	DB         int
}

// NewUniversalClient builds the right go-redis client type for cfg.Mode.
func NewUniversalClient(cfg Config) redis.UniversalClient {
	switch cfg.Mode {
	case ModeSentinel:
		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.MasterName,
			SentinelAddrs: cfg.Addrs,
			Password:      cfg.Password,
			DB:            cfg.DB,
		})
	case ModeCluster:
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    cfg.Addrs,
			Password: cfg.Password,
		})
	default:
		addr := "localhost:6379"
		if len(cfg.Addrs) > 0 {
			addr = cfg.Addrs[0]
		}
		return redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
	}
}
