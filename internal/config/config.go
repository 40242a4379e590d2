// Package config loads process configuration from the environment,
// mirroring the env-var-plus-dotenv convention used across the fleet.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// LoadEnv loads .env / .env.dev into the process environment if present.
// Missing files are not an error; already-set env vars are overridden by
// file contents, matching the rest of the fleet's local-dev convention.
func LoadEnv(logger *logrus.Logger) {
	for _, file := range []string{".env", ".env.dev"} {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Overload(file); err != nil {
			if logger != nil {
				logger.WithError(err).Warnf("failed to load %s", file)
			}
		}
	}
}

func GetEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func GetEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func GetEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// Config holds the manager's process-level configuration.
type Config struct {
	ClusterName      string // this controller's peer name within the federation
	StateSaveDir     string // snapshot directory (fed_mgr_state)
	ListenAddr       string // peer transport listen address
	StatusAddr       string // admin/status HTTP listen address
	RedisAddr        string // optional; used for the HA active/standby lease in HA deployments
	SchedulerURL     string // local scheduler daemon base URL
	ConfigStoreURL   string // federation config store base URL
	ServiceToken     string // bearer token for the above two services
	SnapshotInterval time.Duration
	ProtoTimeout     time.Duration
	CommFailEvery    time.Duration
}

// Load builds a Config from the environment. Fatal on missing required
// values, matching the fail-fast discipline of the fleet's other
// cmd/*/main.go entrypoints.
func Load(logger *logrus.Logger) Config {
	name := GetEnv("FEDMGR_CLUSTER_NAME", "")
	if name == "" {
		logger.Fatal("FEDMGR_CLUSTER_NAME is required")
	}
	return Config{
		ClusterName:      name,
		StateSaveDir:     GetEnv("FEDMGR_STATE_SAVE_DIR", "/var/lib/fedmgr"),
		ListenAddr:       GetEnv("FEDMGR_LISTEN_ADDR", ":7772"),
		StatusAddr:       GetEnv("FEDMGR_STATUS_ADDR", ":7773"),
		RedisAddr:        GetEnv("FEDMGR_REDIS_ADDR", ""),
		SchedulerURL:     GetEnv("FEDMGR_SCHEDULER_URL", "http://localhost:7771"),
		ConfigStoreURL:   GetEnv("FEDMGR_CONFIGSTORE_URL", "http://localhost:7770"),
		ServiceToken:     GetEnv("FEDMGR_SERVICE_TOKEN", ""),
		SnapshotInterval: GetEnvDuration("FEDMGR_SNAPSHOT_INTERVAL", 60*time.Second),
		ProtoTimeout:     GetEnvDuration("FEDMGR_PROTO_TIMEOUT", 10*time.Second),
		CommFailEvery:    GetEnvDuration("FEDMGR_COMM_FAIL_LOG_INTERVAL", 600*time.Second),
	}
}
