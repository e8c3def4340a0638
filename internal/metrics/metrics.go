// Package metrics exposes the gateway's Prometheus counters/gauges and a
// cheap in-process snapshot for periodic log lines.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/gb28181-gateway/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus series.
var (
	UDPRxMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sip_udp_rx_messages_total",
		Help: "Total SIP messages received over UDP.",
	})
	UDPTxMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sip_udp_tx_messages_total",
		Help: "Total SIP messages sent over UDP.",
	})
	TCPRxMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sip_tcp_rx_messages_total",
		Help: "Total SIP messages received over TCP.",
	})
	TCPTxMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sip_tcp_tx_messages_total",
		Help: "Total SIP messages sent over TCP.",
	})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sip_malformed_frames_total",
		Help: "Total rejected malformed SIP frames (parse failure, bad Content-Length, truncated).",
	})
	PeerQueueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transport_peer_queue_dropped_total",
		Help: "Total frames dropped because a bounded queue (a peer's outbound queue or the inbound Rx channel) was full.",
	})

	RWActiveDevices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rw_active_devices",
		Help: "Current number of online devices in the RW session table.",
	})
	RWEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rw_evictions_total",
		Help: "Total RW session table evictions by cause.",
	}, []string{"cause"})
	RWHeartbeats = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rw_heartbeats_total",
		Help: "Total heartbeat/refresh updates applied to the RW session table.",
	})

	EventActiveTransactions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "event_active_transactions",
		Help: "Current number of pending SIP transactions in the Event session table.",
	})
	EventTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "event_timeouts_total",
		Help: "Total Event session table entries that expired waiting for a response.",
	})
	EventResponsesRouted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "event_responses_routed_total",
		Help: "Total SIP responses successfully routed to a waiter.",
	})
	EventResponsesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "event_responses_dropped_total",
		Help: "Total SIP responses dropped (unknown call-id/ident, or late retransmission).",
	})

	InviteOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "invite_outcomes_total",
		Help: "Total invite orchestrator outcomes by result.",
	}, []string{"result"})
	SSRCPoolFree = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ssrc_pool_free",
		Help: "Current number of free SSRC suffixes in the pool.",
	})

	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality).
const (
	ErrUDPRead    = "udp_read"
	ErrUDPWrite   = "udp_write"
	ErrTCPRead    = "tcp_read"
	ErrTCPWrite   = "tcp_write"
	ErrTCPAccept  = "tcp_accept"
	ErrAdminHTTP  = "admin_http"
	ErrInvite     = "invite"
	ErrDispatch   = "dispatch"
)

// Eviction cause label constants.
const (
	CauseTimeout    = "timeout"
	CauseTCPClose   = "tcp_close"
	CauseDisable    = "disable"
	CauseReinsert   = "reinsert"
)

// StartHTTP serves Prometheus metrics and a readiness probe.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.Component("metrics").Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Component("metrics").Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters, cheap to read for the periodic log line.
var (
	localUDPRx     uint64
	localUDPTx     uint64
	localTCPRx     uint64
	localTCPTx     uint64
	localMalformed uint64
	localRWEvict   uint64
	localEvTimeout uint64
	localErrors    uint64
)

// Snapshot is a cheap copy of local counters for a periodic log line.
type Snapshot struct {
	UDPRx         uint64
	UDPTx         uint64
	TCPRx         uint64
	TCPTx         uint64
	Malformed     uint64
	RWEvictions   uint64
	EventTimeouts uint64
	Errors        uint64
}

func Snap() Snapshot {
	return Snapshot{
		UDPRx:         atomic.LoadUint64(&localUDPRx),
		UDPTx:         atomic.LoadUint64(&localUDPTx),
		TCPRx:         atomic.LoadUint64(&localTCPRx),
		TCPTx:         atomic.LoadUint64(&localTCPTx),
		Malformed:     atomic.LoadUint64(&localMalformed),
		RWEvictions:   atomic.LoadUint64(&localRWEvict),
		EventTimeouts: atomic.LoadUint64(&localEvTimeout),
		Errors:        atomic.LoadUint64(&localErrors),
	}
}

func IncUDPRx() { UDPRxMessages.Inc(); atomic.AddUint64(&localUDPRx, 1) }
func IncUDPTx() { UDPTxMessages.Inc(); atomic.AddUint64(&localUDPTx, 1) }
func IncTCPRx() { TCPRxMessages.Inc(); atomic.AddUint64(&localTCPRx, 1) }
func IncTCPTx() { TCPTxMessages.Inc(); atomic.AddUint64(&localTCPTx, 1) }

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncPeerQueueDropped() { PeerQueueDropped.Inc() }

func SetRWActiveDevices(n int) { RWActiveDevices.Set(float64(n)) }

func IncRWEviction(cause string) {
	RWEvictions.WithLabelValues(cause).Inc()
	atomic.AddUint64(&localRWEvict, 1)
}

func IncRWHeartbeat() { RWHeartbeats.Inc() }

func SetEventActiveTransactions(n int) { EventActiveTransactions.Set(float64(n)) }

func IncEventTimeout() {
	EventTimeouts.Inc()
	atomic.AddUint64(&localEvTimeout, 1)
}

func IncEventResponseRouted() { EventResponsesRouted.Inc() }
func IncEventResponseDropped() { EventResponsesDropped.Inc() }

func IncInviteOutcome(result string) { InviteOutcomes.WithLabelValues(result).Inc() }

func SetSSRCPoolFree(n int) { SSRCPoolFree.Set(float64(n)) }

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge and pre-registers error label
// series so the first real error does not pay registration latency.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrUDPRead, ErrUDPWrite, ErrTCPRead, ErrTCPWrite, ErrTCPAccept, ErrAdminHTTP, ErrInvite, ErrDispatch,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers the function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
