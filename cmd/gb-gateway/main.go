package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kstaniek/gb28181-gateway/internal/adminapi"
	"github.com/kstaniek/gb28181-gateway/internal/evsession"
	"github.com/kstaniek/gb28181-gateway/internal/gwconfig"
	"github.com/kstaniek/gb28181-gateway/internal/invite"
	"github.com/kstaniek/gb28181-gateway/internal/medianode"
	"github.com/kstaniek/gb28181-gateway/internal/metrics"
	"github.com/kstaniek/gb28181-gateway/internal/rwsession"
	"github.com/kstaniek/gb28181-gateway/internal/sipgw"
	"github.com/kstaniek/gb28181-gateway/internal/sipmsg"
	"github.com/kstaniek/gb28181-gateway/internal/storage"
	"github.com/kstaniek/gb28181-gateway/internal/streamid"
	"github.com/kstaniek/gb28181-gateway/internal/transport"
)

func main() {
	configPath := flag.String("config", "gateway.yaml", "Path to the gateway YAML configuration file")
	logMetricsEvery := flag.Duration("log-metrics-every", 0, "Interval for periodic metrics snapshot log lines (0 disables)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("gb-gateway %s (commit %s, built %s)\n", version, commit, date)
		return
	}

	cfg, err := gwconfig.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	l := setupLogger(cfg.LogFormat, cfg.LogLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, *logMetricsEvery, l, &wg)

	rw := rwsession.New(256)
	ev := evsession.New(rw.Dispatcher())
	store := storage.NewMemStore()
	nodes := medianode.New(configuredNodes(cfg))
	ssrc := streamid.NewSSRCPool()
	orch := invite.New(rw, ev, nodes, ssrc, store, cfg.Server.Session.Realm)

	gwOpts := []transport.GatewayOption{transport.WithGatewayLogger(l.With("component", "transport"))}
	switch strings.ToUpper(cfg.Server.Session.Protocol) {
	case "UDP":
		gwOpts = append(gwOpts, transport.WithUDPAddr(cfg.Server.Session.Listen))
	case "TCP":
		gwOpts = append(gwOpts, transport.WithTCPAddr(cfg.Server.Session.Listen))
	default: // ALL
		gwOpts = append(gwOpts, transport.WithUDPAddr(cfg.Server.Session.Listen), transport.WithTCPAddr(cfg.Server.Session.Listen))
	}
	tr := transport.NewGateway(gwOpts...)

	sip := sipgw.New(tr, rw, ev, store, cfg.Server.Session.Realm, sipgw.WithLogger(l.With("component", "sipgw")))

	admin := adminapi.New(orch, cfg.Server.HTTP.JWTSecret, cfg.Server.Stream.ProxyAddr,
		adminapi.WithMediaCallbacks(
			func(streamID string, ssrcVal uint32) {
				orch.StreamIn(streamID, &invite.BaseStreamInfo{StreamID: streamID, SSRC: ssrcVal})
			},
			func(streamID string) {
				if err := orch.Teardown(streamID); err != nil {
					l.Warn("media_timeout_teardown_failed", "stream_id", streamID, "error", err)
				}
			},
		))
	httpSrv := &http.Server{Addr: cfg.Server.HTTP.Listen, Handler: admin.Handler()}

	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatchLoop(ctx, tr, sip, rw)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		rw.RunPurge(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		ev.RunPurge(ctx)
	}()

	go func() {
		if err := tr.Serve(ctx); err != nil {
			l.Error("transport_serve_error", "error", err)
			cancel()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Error("admin_http_error", "error", err)
			metrics.IncError(metrics.ErrAdminHTTP)
		}
	}()

	go func() {
		select {
		case <-tr.Ready():
		case <-ctx.Done():
			return
		}
		_, portStr, err := net.SplitHostPort(cfg.Server.Session.Listen)
		port := 5060
		if err == nil {
			if p, perr := strconv.Atoi(portStr); perr == nil {
				port = p
			}
		}
		cleanupMDNS, err := startMDNS(ctx, cfg, port)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.MDNSName, "port", port)
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-tr.Ready():
		default:
			return false
		}
		return ctx.Err() == nil
	})
	if cfg.MetricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		metricsSrv := metrics.StartHTTP(cfg.MetricsAddr)
		defer func() { _ = metricsSrv.Shutdown(context.Background()) }()
	}

	l.Info("gb_gateway_started", "session_listen", cfg.Server.Session.Listen, "http_listen", cfg.Server.HTTP.Listen, "protocol", cfg.Server.Session.Protocol)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	_ = tr.Shutdown(shutdownCtx)
	wg.Wait()
}

// dispatchLoop drains the transport fabric's multiplexed Rx channel,
// routing data frames into the SIP handler and lifecycle events into
// the RW session table's association-based cleanup.
func dispatchLoop(ctx context.Context, tr *transport.Gateway, sip *sipgw.Gateway, rw *rwsession.Table) {
	for {
		select {
		case <-ctx.Done():
			return
		case z, ok := <-tr.Rx():
			if !ok {
				return
			}
			if z.IsEvt {
				if z.Kind == transport.Disconnected {
					rw.CleanByAssoc(z.Assoc)
				}
				continue
			}
			msg, err := sipmsg.Parse(z.Bytes)
			if err != nil {
				metrics.IncMalformed()
				continue
			}
			if err := sip.HandleMessage(z.Assoc, msg); err != nil {
				metrics.IncError(metrics.ErrDispatch)
			}
		}
	}
}

// configuredNodes flattens the YAML node map into medianode.Node values,
// sorted by name so selection tie-breaking is deterministic across runs.
func configuredNodes(cfg *gwconfig.Config) []medianode.Node {
	names := make([]string, 0, len(cfg.Server.Stream.Nodes))
	for name := range cfg.Server.Stream.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	nodes := make([]medianode.Node, 0, len(names))
	for _, name := range names {
		n := cfg.Server.Stream.Nodes[name]
		nodes = append(nodes, medianode.Node{
			Name:      name,
			LocalIP:   n.LocalIP,
			LocalPort: n.LocalPort,
			PubIP:     n.PubIP,
			PubPort:   n.PubPort,
		})
	}
	return nodes
}
