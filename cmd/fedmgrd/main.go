// Command fedmgrd runs the federation manager: it joins a federation of
// peer scheduler controllers, replicates submitted jobs as sibling copies
// across viable peers, and ensures exactly one peer runs each one.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"frameworks/fedmgr/internal/config"
	"frameworks/fedmgr/internal/configstore"
	"frameworks/fedmgr/internal/federation"
	"frameworks/fedmgr/internal/leaselock"
	"frameworks/fedmgr/internal/logging"
	"frameworks/fedmgr/internal/metrics"
	"frameworks/fedmgr/internal/redisconn"
	"frameworks/fedmgr/internal/scheduler"
	"frameworks/fedmgr/internal/statusapi"
	"frameworks/fedmgr/internal/transport"
)

func main() {
	logger := logging.NewLogger()
	config.LoadEnv(logger)
	cfg := config.Load(logger)
	instanceID := uuid.NewString()
	logger = logger.WithField("instance_id", instanceID).Logger

	sched := scheduler.NewHTTPScheduler(scheduler.HTTPSchedulerConfig{
		BaseURL:      cfg.SchedulerURL,
		ServiceToken: cfg.ServiceToken,
		Logger:       logger,
	})
	store := configstore.NewHTTPClient(configstore.HTTPClientConfig{
		BaseURL:      cfg.ConfigStoreURL,
		ServiceToken: cfg.ServiceToken,
		Logger:       logger,
	})
	tr := transport.NewTCPTransport(logger)
	reg := prometheus.NewRegistry()
	coll := metrics.NewCollector(reg)

	mgr := federation.NewManager(federation.Config{
		LocalName:    cfg.ClusterName,
		Scheduler:    sched,
		Transport:    tr,
		Store:        store,
		Metrics:      coll,
		Logger:       logger,
		StateSaveDir: cfg.StateSaveDir,
		ProtoTimeout: cfg.ProtoTimeout,
		CommFailWin:  cfg.CommFailEvery,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := mgr.RestoreSnapshot(ctx); err != nil && !os.IsNotExist(err) {
		logger.WithError(err).Warn("failed to restore fed_mgr_state, starting empty")
	}

	if err := tr.ServeRecv(ctx, cfg.ListenAddr, mgr.HandleEnvelope, mgr.RecvFinished); err != nil {
		logger.WithError(err).Fatal("failed to start peer transport recv server")
	}

	var lease *leaselock.Lease
	if cfg.RedisAddr != "" {
		rdb := redisconn.NewUniversalClient(redisconn.Config{Addrs: []string{cfg.RedisAddr}})
		lease = leaselock.New(rdb, "fedmgr:"+cfg.ClusterName+":active", instanceID, 15*time.Second)
		runManagerUnderLease(ctx, logger, lease, mgr)
	} else {
		mgr.Start(ctx)
	}

	status := statusapi.New(mgr, logger)
	statusSrv := &http.Server{Addr: cfg.StatusAddr, Handler: status.Handler()}
	go func() {
		if err := statusSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("status server stopped unexpectedly")
		}
	}()

	go runSnapshotLoop(ctx, logger, mgr, cfg.SnapshotInterval)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	statusSrv.Shutdown(shutdownCtx)

	mgr.Stop()
	tr.StopRecv()
	if lease != nil {
		lease.Release(shutdownCtx)
	}
	if err := mgr.SaveSnapshot(); err != nil {
		logger.WithError(err).Error("failed to save fed_mgr_state on shutdown")
	}
}

// runManagerUnderLease starts the Manager only once this instance holds
// the Redis lease, and stops it if the lease is lost to another instance
// (HA active/standby: at most one fedmgrd
// process per cluster actively manages the federation).
func runManagerUnderLease(ctx context.Context, logger logging.Logger, lease *leaselock.Lease, mgr *federation.Manager) {
	go lease.Run(ctx, 5*time.Second,
		func() {
			logger.Info("acquired HA lease, starting federation manager")
			mgr.Start(ctx)
		},
		func() {
			logger.Warn("lost HA lease, stopping federation manager")
			mgr.Stop()
		},
	)
}

func runSnapshotLoop(ctx context.Context, logger logging.Logger, mgr *federation.Manager, interval time.Duration) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := mgr.SaveSnapshot(); err != nil {
				logger.WithError(err).Warn("periodic fed_mgr_state save failed")
			}
		}
	}
}
