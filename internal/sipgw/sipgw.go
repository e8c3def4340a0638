// Package sipgw implements the SIP message handler state machine (C4):
// device registration with digest challenge, MESSAGE dispatch on XML
// root element, and response routing into the Event session table.
package sipgw

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kstaniek/gb28181-gateway/internal/digest"
	"github.com/kstaniek/gb28181-gateway/internal/evsession"
	"github.com/kstaniek/gb28181-gateway/internal/logging"
	"github.com/kstaniek/gb28181-gateway/internal/metrics"
	"github.com/kstaniek/gb28181-gateway/internal/rwsession"
	"github.com/kstaniek/gb28181-gateway/internal/sipmsg"
	"github.com/kstaniek/gb28181-gateway/internal/storage"
	"github.com/kstaniek/gb28181-gateway/internal/transport"
)

// Transport is the narrow send/close surface C4 needs from the fabric;
// satisfied by *transport.Gateway.
type Transport interface {
	Send(assoc transport.Association, b []byte) error
	CloseAssoc(assoc transport.Association)
}

// AlarmSink receives forwarded Notify/Alarm bodies. The real collaborator
// lives outside the core; LogSink, the sink this package provides, logs
// at warn level.
type AlarmSink interface {
	Notify(deviceID string, body []byte)
}

// LogSink is an AlarmSink that logs and otherwise does nothing.
type LogSink struct{ Logger *slog.Logger }

func (s LogSink) Notify(deviceID string, body []byte) {
	if s.Logger != nil {
		s.Logger.Warn("alarm_notify", "device_id", deviceID, "bytes", len(body))
	}
}

type pendingChallenge struct {
	nonce    string
	opaque   string
	deadline time.Time
}

// Gateway is the C4 SIP message handler. Zero value is not usable; use New.
type Gateway struct {
	transport Transport
	rw        *rwsession.Table
	ev        *evsession.Table
	store     storage.DeviceStore
	alarms    AlarmSink
	realm     string

	mu       sync.Mutex
	pending  map[string]pendingChallenge // device_id -> outstanding challenge

	catalog *catalogAggregator
	logger  *slog.Logger
}

// Option configures a Gateway at construction time.
type Option func(*Gateway)

func WithAlarmSink(sink AlarmSink) Option { return func(g *Gateway) { g.alarms = sink } }
func WithLogger(l *slog.Logger) Option    { return func(g *Gateway) { g.logger = l } }

// New builds a Gateway bound to its collaborators.
func New(tr Transport, rw *rwsession.Table, ev *evsession.Table, store storage.DeviceStore, realm string, opts ...Option) *Gateway {
	g := &Gateway{
		transport: tr,
		rw:        rw,
		ev:        ev,
		store:     store,
		realm:     realm,
		pending:   make(map[string]pendingChallenge),
		catalog:   newCatalogAggregator(),
		logger:    logging.Component("sipgw"),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.alarms == nil {
		g.alarms = LogSink{Logger: g.logger}
	}
	return g
}

// RegisterCatalogListener registers a channel to receive the fully
// assembled catalog/device-info body for callID, as spec's C5 does
// when issuing a query it wants aggregated responses for.
func (g *Gateway) RegisterCatalogListener(callID string) <-chan []byte {
	return g.catalog.register(callID)
}

// HandleMessage dispatches one parsed SIP message received over assoc.
// Responses are routed into the Event table; requests are classified by
// method. Parse-level failures have already been filtered by the
// transport layer (malformed frames never reach here); business-level
// failures (unknown device, bad nonce) are handled by replying with the
// appropriate SIP status rather than propagating an error.
func (g *Gateway) HandleMessage(assoc transport.Association, msg *sipmsg.Message) error {
	if msg.IsResponse() {
		return g.handleResponse(msg)
	}
	switch strings.ToUpper(msg.Method) {
	case "REGISTER":
		return g.handleRegister(assoc, msg)
	case "MESSAGE":
		return g.handleMessageBody(assoc, msg)
	default:
		g.logger.Warn("unsupported_method_dropped", "method", msg.Method)
		return nil
	}
}

func (g *Gateway) handleResponse(msg *sipmsg.Message) error {
	callID := msg.CallID()
	cseqRaw := msg.Header("CSeq")
	if _, _, err := msg.CSeq(); err != nil {
		g.logger.Warn("response_missing_cseq", "call_id", callID)
		return nil
	}
	return g.ev.HandleResponse(callID, cseqRaw, msg)
}

func (g *Gateway) reply(assoc transport.Association, resp *sipmsg.Message) {
	if err := g.transport.Send(assoc, resp.Bytes()); err != nil {
		g.logger.Warn("reply_send_failed", "error", err)
		metrics.IncError(metrics.ErrDispatch)
	}
}

// deviceIDFromURI extracts the user part of a `sip:user@host` URI found
// anywhere in a header's value (the header may carry surrounding
// display-name / tag parameters).
func deviceIDFromURI(header string) (string, error) {
	idx := strings.Index(header, "sip:")
	if idx < 0 {
		return "", fmt.Errorf("sipgw: no sip: URI in header %q", header)
	}
	rest := header[idx+len("sip:"):]
	at := strings.IndexByte(rest, '@')
	if at < 0 {
		return "", fmt.Errorf("sipgw: malformed sip: URI in header %q", header)
	}
	return rest[:at], nil
}
