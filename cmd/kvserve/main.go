package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/kvserve/kvserve/internal/metrics"
	"github.com/kvserve/kvserve/internal/pubsub"
	"github.com/kvserve/kvserve/internal/server"
	"github.com/kvserve/kvserve/internal/snapshot"
	"github.com/kvserve/kvserve/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("kvserve %s (commit %s, built %s)\n", version, commit, date)
		return 0
	}
	if cfg == nil {
		return 2
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	st := store.New(
		store.WithDumpPath(cfg.dumpPath),
		store.WithSnapshotInterval(cfg.snapshotEvery),
		store.WithExpireInterval(cfg.expireEvery),
		store.WithExpireSample(cfg.expireSample),
		store.WithBroker(pubsub.NewBroker(cfg.pubsubBuffer)),
		store.WithLogger(l),
	)
	if cfg.dumpPath != "" {
		entries, err := snapshot.Read(cfg.dumpPath)
		if err != nil {
			l.Error("snapshot_load_failed", "error", err, "path", cfg.dumpPath)
		} else if len(entries) > 0 {
			st.Load(entries)
			l.Info("snapshot_loaded", "keys", len(entries), "path", cfg.dumpPath)
		}
	}
	st.Start(ctx)

	srv := server.NewServer(
		server.WithListenAddr(cfg.listenAddr),
		server.WithStore(st),
		server.WithLogger(l),
		server.WithMaxClients(cfg.maxClients),
		server.WithMaxBulkBytes(cfg.maxBulkBytes),
	)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()

	// Start mDNS advertisement once the listener is bound.
	go func() {
		if !cfg.mdnsEnable {
			return
		}
		select {
		case <-srv.Ready():
		case <-ctx.Done():
			return
		}
		var portNum int
		if _, p, err := net.SplitHostPort(srv.Addr()); err == nil {
			if pn, perr := strconv.Atoi(p); perr == nil {
				portNum = pn
			}
		}
		cleanupMDNS, err := startMDNS(ctx, cfg, portNum)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", portNum)
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case err := <-serveErr:
		if err != nil {
			l.Error("tcp_server_error", "error", err)
			cancel()
			wg.Wait()
			return 1
		}
	}
	cancel()
	_ = srv.Shutdown(context.Background())
	// Final snapshot before exit; in-flight client writes may be cut
	// short, the dataset is not.
	if cfg.dumpPath != "" {
		if err := st.Save(); err != nil {
			l.Error("final_save_failed", "error", err, "path", cfg.dumpPath)
		} else {
			l.Info("final_save", "keys", st.Len(), "path", cfg.dumpPath)
		}
	}
	st.Wait()
	wg.Wait()
	return 0
}
