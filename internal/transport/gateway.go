package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/kstaniek/gb28181-gateway/internal/logging"
	"github.com/kstaniek/gb28181-gateway/internal/metrics"
	"github.com/kstaniek/gb28181-gateway/internal/sipmsg"
)

// Gateway owns the UDP socket and TCP listener and funnels every inbound
// frame, keyed by its Association, onto a single Rx channel. Devices may
// be configured to speak UDP, TCP, or both ("ALL" mode in the gateway's
// config) — fanning both transports into one channel lets the rest of
// the gateway (RW/Event session tables, the invite orchestrator) stay
// transport-agnostic.
type Gateway struct {
	mu       sync.RWMutex
	udpAddr  string
	tcpAddr  string
	logger   *slog.Logger
	rxBuf    int
	readyCh  chan struct{}
	readyOn  sync.Once
	rx       chan Zip
	udpConn  *net.UDPConn
	tcpLn    net.Listener
	peersMu  sync.RWMutex
	peers    map[Association]*tcpPeer
	wg       sync.WaitGroup
	lastErr  error
	lastErrM sync.Mutex
	errCh    chan error
}

type tcpPeer struct {
	conn net.Conn
	tx   *AsyncTx[[]byte]
}

// GatewayOption configures a Gateway at construction time.
type GatewayOption func(*Gateway)

// WithUDPAddr sets the UDP listen address (e.g. ":5060"). Empty disables UDP.
func WithUDPAddr(addr string) GatewayOption { return func(g *Gateway) { g.udpAddr = addr } }

// WithTCPAddr sets the TCP listen address. Empty disables TCP.
func WithTCPAddr(addr string) GatewayOption { return func(g *Gateway) { g.tcpAddr = addr } }

// WithGatewayLogger overrides the default global logger.
func WithGatewayLogger(l *slog.Logger) GatewayOption {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithRxBuffer sets the Rx channel's buffer depth.
func WithRxBuffer(n int) GatewayOption {
	return func(g *Gateway) {
		if n > 0 {
			g.rxBuf = n
		}
	}
}

// NewGateway constructs a Gateway. Call Serve to start listening.
func NewGateway(opts ...GatewayOption) *Gateway {
	g := &Gateway{
		rxBuf:   256,
		readyCh: make(chan struct{}),
		errCh:   make(chan error, 1),
		peers:   make(map[Association]*tcpPeer),
		logger:  logging.Component("transport"),
	}
	for _, o := range opts {
		o(g)
	}
	g.rx = make(chan Zip, g.rxBuf)
	return g
}

// Rx returns the channel of inbound data and lifecycle events.
func (g *Gateway) Rx() <-chan Zip { return g.rx }

// Ready closes once every configured listener is bound.
func (g *Gateway) Ready() <-chan struct{} { return g.readyCh }

// Errors surfaces fatal listener errors (at most one buffered).
func (g *Gateway) Errors() <-chan error { return g.errCh }

func (g *Gateway) setError(err error) {
	if err == nil {
		return
	}
	g.lastErrM.Lock()
	g.lastErr = err
	g.lastErrM.Unlock()
	select {
	case g.errCh <- err:
	default:
	}
}

// LastError returns the most recent fatal error, if any.
func (g *Gateway) LastError() error {
	g.lastErrM.Lock()
	defer g.lastErrM.Unlock()
	return g.lastErr
}

func (g *Gateway) markReady() {
	g.readyOn.Do(func() { close(g.readyCh) })
}

// Serve binds the configured listeners, returning a bind error at once,
// and then blocks until ctx is cancelled; read or accept errors after
// that are reported through Errors and LastError and do not end Serve.
func (g *Gateway) Serve(ctx context.Context) error {
	if g.udpAddr == "" && g.tcpAddr == "" {
		return fmt.Errorf("%w: no listen address configured", ErrListen)
	}
	if g.udpAddr != "" {
		if err := g.serveUDP(ctx); err != nil {
			return err
		}
	}
	if g.tcpAddr != "" {
		if err := g.serveTCP(ctx); err != nil {
			return err
		}
	}
	g.markReady()
	<-ctx.Done()
	return nil
}

func (g *Gateway) serveUDP(ctx context.Context) error {
	laddr, err := net.ResolveUDPAddr("udp", g.udpAddr)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		return wrap
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		return wrap
	}
	g.udpConn = conn
	g.logger.Info("udp_listen", "addr", conn.LocalAddr().String())
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		<-ctx.Done()
		_ = conn.Close()
	}()
	g.wg.Add(1)
	go g.readUDP(conn)
	return nil
}

func (g *Gateway) readUDP(conn *net.UDPConn) {
	defer g.wg.Done()
	buf := make([]byte, MaxUDPDatagram)
	local := conn.LocalAddr().String()
	for {
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
			metrics.IncError(mapErrToMetric(wrap))
			g.setError(wrap)
			continue
		}
		metrics.IncUDPRx()
		assoc := Association{LocalAddr: local, RemoteAddr: remote.String(), Proto: UDP}
		if _, err := sipmsg.Parse(buf[:n]); err != nil {
			metrics.IncMalformed()
			g.logger.Debug("udp_malformed", "remote", remote.String(), "error", err)
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		g.dispatch(NewData(assoc, payload))
	}
}

func (g *Gateway) serveTCP(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.tcpAddr)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		return wrap
	}
	g.tcpLn = ln
	g.logger.Info("tcp_listen", "addr", ln.Addr().String())
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		<-ctx.Done()
		_ = ln.Close()
	}()
	g.wg.Add(1)
	go g.acceptLoop(ctx, ln)
	return nil
}

func (g *Gateway) acceptLoop(ctx context.Context, ln net.Listener) {
	defer g.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				time.Sleep(200 * time.Millisecond)
				continue
			}
			wrap := fmt.Errorf("%w: %v", ErrAccept, err)
			metrics.IncError(mapErrToMetric(wrap))
			g.setError(wrap)
			return
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
			_ = tcp.SetKeepAlive(true)
			_ = tcp.SetKeepAlivePeriod(30 * time.Second)
		}
		g.handleTCPConn(ctx, conn)
	}
}

func (g *Gateway) handleTCPConn(ctx context.Context, conn net.Conn) {
	assoc := Association{
		LocalAddr:  conn.LocalAddr().String(),
		RemoteAddr: conn.RemoteAddr().String(),
		Proto:      TCP,
	}
	logger := g.logger.With("assoc", assoc.String())
	tx := NewAsyncTx(ctx, PeerQueueDepth, func(b []byte) error {
		_, err := conn.Write(b)
		if err == nil {
			metrics.IncTCPTx()
		}
		return err
	}, Hooks[[]byte]{
		OnError: func(err error) {
			wrap := fmt.Errorf("%w: %v", ErrConnWrite, err)
			metrics.IncError(mapErrToMetric(wrap))
			logger.Warn("tcp_write_error", "error", wrap)
		},
		OnDrop: func() error {
			metrics.IncPeerQueueDropped()
			return fmt.Errorf("%w: peer queue full", ErrConnWrite)
		},
	})

	g.peersMu.Lock()
	g.peers[assoc] = &tcpPeer{conn: conn, tx: tx}
	g.peersMu.Unlock()
	logger.Info("tcp_connected")
	g.dispatch(NewEvent(assoc, Connected))

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() {
			tx.Close()
			_ = conn.Close()
			g.peersMu.Lock()
			delete(g.peers, assoc)
			g.peersMu.Unlock()
			logger.Info("tcp_disconnected")
			g.dispatch(NewEvent(assoc, Disconnected))
		}()
		r := bufio.NewReader(conn)
		for {
			msg, err := sipmsg.ReadFramedTCP(r)
			if err != nil {
				if !errors.Is(err, sipmsg.ErrMalformed) {
					return
				}
				metrics.IncMalformed()
				logger.Debug("tcp_malformed", "error", err)
				continue
			}
			metrics.IncTCPRx()
			g.dispatch(NewData(assoc, msg.Bytes()))
		}
	}()
}

// dispatch pushes to Rx, dropping (with a metric) rather than blocking a
// listener goroutine behind a slow consumer.
func (g *Gateway) dispatch(z Zip) {
	select {
	case g.rx <- z:
	default:
		metrics.IncPeerQueueDropped()
		g.logger.Warn("rx_queue_dropped", "assoc", z.Assoc.String())
	}
}

// Send transmits b to the peer identified by assoc, routing by protocol.
func (g *Gateway) Send(assoc Association, b []byte) error {
	switch assoc.Proto {
	case UDP:
		return g.sendUDP(assoc, b)
	case TCP:
		return g.sendTCP(assoc, b)
	default:
		return fmt.Errorf("%w: unknown protocol", ErrConnWrite)
	}
}

func (g *Gateway) sendUDP(assoc Association, b []byte) error {
	g.mu.RLock()
	conn := g.udpConn
	g.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("%w: udp not listening", ErrConnWrite)
	}
	raddr, err := net.ResolveUDPAddr("udp", assoc.RemoteAddr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnWrite, err)
	}
	if _, err := conn.WriteToUDP(b, raddr); err != nil {
		wrap := fmt.Errorf("%w: %v", ErrConnWrite, err)
		metrics.IncError(mapErrToMetric(wrap))
		return wrap
	}
	metrics.IncUDPTx()
	return nil
}

func (g *Gateway) sendTCP(assoc Association, b []byte) error {
	g.peersMu.RLock()
	peer := g.peers[assoc]
	g.peersMu.RUnlock()
	if peer == nil {
		return fmt.Errorf("%w: peer not connected", ErrConnWrite)
	}
	return peer.tx.Send(b)
}

// CloseAssoc forcibly tears down a TCP peer (used when the RW session
// table evicts a device and wants the socket closed immediately rather
// than waiting on a read timeout).
func (g *Gateway) CloseAssoc(assoc Association) {
	if assoc.Proto != TCP {
		return
	}
	g.peersMu.RLock()
	peer := g.peers[assoc]
	g.peersMu.RUnlock()
	if peer != nil {
		_ = peer.conn.Close()
	}
}

// Shutdown closes the listeners and every tracked TCP peer, then waits
// for all goroutines to exit or ctx to expire.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	if g.udpConn != nil {
		_ = g.udpConn.Close()
	}
	if g.tcpLn != nil {
		_ = g.tcpLn.Close()
	}
	g.mu.Unlock()

	g.peersMu.Lock()
	for assoc, peer := range g.peers {
		_ = peer.conn.Close()
		delete(g.peers, assoc)
	}
	g.peersMu.Unlock()

	done := make(chan struct{})
	go func() { g.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		g.logger.Info("shutdown_complete")
		return nil
	}
}
