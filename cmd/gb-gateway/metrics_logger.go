package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/gb28181-gateway/internal/metrics"
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
					"udp_rx", snap.UDPRx,
					"udp_tx", snap.UDPTx,
					"tcp_rx", snap.TCPRx,
					"tcp_tx", snap.TCPTx,
					"malformed", snap.Malformed,
					"rw_evictions", snap.RWEvictions,
					"event_timeouts", snap.EventTimeouts,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
