package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kvserve/kvserve/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"commands", snap.Commands,
					"accepted", snap.Accepted,
					"clients", snap.Clients,
					"subscribers", snap.Subscribers,
					"channels", snap.Channels,
					"lagged", snap.Lagged,
					"expired", snap.Expired,
					"snapshot_ok", snap.SnapshotOK,
					"snapshot_err", snap.SnapshotErr,
					"malformed", snap.Malformed,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
