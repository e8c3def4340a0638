// Package invite implements the invite orchestrator (C5): the
// IDLE->RESERVING->INVITING->ACKING->ACTIVE->TEARING state machine that
// turns an admin play/PTZ request into an RTP session on a chosen media
// node, and tears it down again on BYE or media-idle callback.
package invite

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/gb28181-gateway/internal/digest"
	"github.com/kstaniek/gb28181-gateway/internal/evsession"
	"github.com/kstaniek/gb28181-gateway/internal/gwerrors"
	"github.com/kstaniek/gb28181-gateway/internal/logging"
	"github.com/kstaniek/gb28181-gateway/internal/medianode"
	"github.com/kstaniek/gb28181-gateway/internal/metrics"
	"github.com/kstaniek/gb28181-gateway/internal/rwsession"
	"github.com/kstaniek/gb28181-gateway/internal/sipmsg"
	"github.com/kstaniek/gb28181-gateway/internal/storage"
	"github.com/kstaniek/gb28181-gateway/internal/streamid"
)

// StreamSession is the state owned by C5 for one active media session,
// keyed by stream-id.
type StreamSession struct {
	NodeName   string
	DeviceID   string
	ChannelID  string
	CallID     string
	CSeq       int
	PlayType   PlayType
	FromTag    string
	ToTag      string
	SSRCSuffix uint16
}

// deviceChannelKey is the secondary index key used by enable_invite_stream's
// Go analogue: re-using an existing session for the same device/channel.
type deviceChannelKey struct {
	deviceID  string
	channelID string
	playType  PlayType
}

// Orchestrator holds the C5 state machine's collaborators and live
// sessions. Zero value is not usable; use New.
type Orchestrator struct {
	rw      *rwsession.Table
	ev      *evsession.Table
	nodes   *medianode.Registry
	ssrc    *streamid.SSRCPool
	store   storage.DeviceStore
	realm   string
	counter medianode.StreamCounter

	mu            sync.Mutex
	streams       map[string]*StreamSession   // stream_id -> session
	deviceIndex   map[deviceChannelKey]string // (device,channel,type) -> stream_id
	mediaWatchers map[string]chan *BaseStreamInfo

	logger *slog.Logger
}

// Option configures an Orchestrator at construction time.
type Option func(*Orchestrator)

// WithStreamCounter wires the media-relay subscriber-count collaborator
// the re-attach path uses to tell a still-live cached session apart
// from one whose relay stream has silently disappeared. Without one,
// tryReattach trusts the session map the way it did before this
// collaborator existed.
func WithStreamCounter(c medianode.StreamCounter) Option {
	return func(o *Orchestrator) { o.counter = c }
}

// BaseStreamInfo is the payload a "media arrived" webhook delivers,
// keyed to a stream-id watcher.
type BaseStreamInfo struct {
	StreamID string
	SSRC     uint32
}

// EXPIRES_DEFAULT and RELOAD_EXPIRES are the two media-watcher wait
// windows: a brand-new invite (no cached device/channel mapping) only
// waits the short RELOAD_EXPIRES, while re-confirming a cached mapping
// whose relay stream has gone missing re-invites and waits the full
// EXPIRES_DEFAULT — exactly the original's start_invite_stream vs.
// enable_invite_stream asymmetry.
const (
	EXPIRES_DEFAULT = 8 * time.Second
	RELOAD_EXPIRES  = 2 * time.Second
)

// New builds an orchestrator bound to its collaborators.
func New(rw *rwsession.Table, ev *evsession.Table, nodes *medianode.Registry, ssrc *streamid.SSRCPool, store storage.DeviceStore, realm string, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		rw:            rw,
		ev:            ev,
		nodes:         nodes,
		ssrc:          ssrc,
		store:         store,
		realm:         realm,
		streams:       make(map[string]*StreamSession),
		deviceIndex:   make(map[deviceChannelKey]string),
		mediaWatchers: make(map[string]chan *BaseStreamInfo),
		logger:        logging.Component("invite"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func newCallID() string {
	id, err := digest.NewNonce()
	if err != nil {
		// crypto/rand failure means the whole process is unhealthy;
		// a degraded-but-unique fallback keeps transactions distinct.
		return fmt.Sprintf("fallback-%d", time.Now().UnixNano())
	}
	return id
}

// PlayLive starts (or re-attaches to) a live session for device/channel.
func (o *Orchestrator) PlayLive(deviceID, channelID string) (streamID, nodeName string, err error) {
	return o.play(deviceID, channelID, PlayLive, 0, 0, 1)
}

// PlayBack starts (or re-attaches to) a playback session over [st,et].
func (o *Orchestrator) PlayBack(deviceID, channelID string, st, et int64) (streamID, nodeName string, err error) {
	return o.play(deviceID, channelID, PlayBack, st, et, 1)
}

func (o *Orchestrator) play(deviceID, channelID string, playType PlayType, st, et int64, speed SpeedRate) (string, string, error) {
	if channelID == "" {
		channelID = deviceID
	}
	key := deviceChannelKey{deviceID: deviceID, channelID: channelID, playType: playType}

	sid, nodeName, found, stale := o.tryReattach(key)
	if found && !stale {
		return sid, nodeName, nil
	}
	waitWindow := RELOAD_EXPIRES
	if stale {
		waitWindow = EXPIRES_DEFAULT
	}
	return o.startInvite(deviceID, channelID, playType, st, et, speed, waitWindow)
}

// tryReattach reports an existing session's (stream_id, node_name) for
// the device/channel, and whether it is stale: present in the session
// map but no longer confirmed live by the relay. A stale hit evicts the
// session entry so the caller's re-invite can take over the slot. With
// no StreamCounter wired, the session map is trusted outright (found,
// never stale) the way it was before this collaborator existed.
func (o *Orchestrator) tryReattach(key deviceChannelKey) (streamID, nodeName string, found, stale bool) {
	o.mu.Lock()
	sid, ok := o.deviceIndex[key]
	if !ok {
		o.mu.Unlock()
		return "", "", false, false
	}
	sess, ok := o.streams[sid]
	if !ok {
		o.mu.Unlock()
		return "", "", false, false
	}
	nodeName = sess.NodeName
	node, nodeOK := o.nodes.Get(nodeName)
	o.mu.Unlock()

	if o.counter == nil || !nodeOK {
		return sid, nodeName, true, false
	}

	count, err := o.counter.StreamCount(node, sid)
	if err == nil && count > 0 {
		return sid, nodeName, true, false
	}

	o.mu.Lock()
	delete(o.streams, sid)
	delete(o.deviceIndex, key)
	o.mu.Unlock()
	return sid, nodeName, true, true
}

// startInvite is RESERVING+INVITING+ACKING+ACTIVE in one call:
// reserve SSRC and node, send INVITE, wait for the final response, ACK,
// wait for the media-in watcher (up to mediaWait), then commit session
// state.
func (o *Orchestrator) startInvite(deviceID, channelID string, playType PlayType, st, et int64, speed SpeedRate, mediaWait time.Duration) (string, string, error) {
	if !o.rw.Has(deviceID) {
		return "", "", gwerrors.NewBiz(gwerrors.CodeDeviceOffline, "device offline")
	}

	node, ok := o.nodes.Select()
	if !ok {
		return "", "", gwerrors.NewBiz(gwerrors.CodeNoStream, "no media node available")
	}

	suffix, err := o.ssrc.Get()
	if err != nil {
		o.nodes.Release(node.Name)
		metrics.IncInviteOutcome("ssrc_exhausted")
		return "", "", err
	}

	domainID, _ := o.store.LookupDomainID(deviceID)
	ssrcStr, err := streamid.FormatSSRC(domainID, playType == PlayLive, suffix)
	if err != nil {
		o.ssrc.Put(suffix)
		o.nodes.Release(node.Name)
		return "", "", fmt.Errorf("invite: format ssrc: %w", err)
	}
	streamID, err := streamid.EncodeStreamID(deviceID, channelID, ssrcStr)
	if err != nil {
		o.ssrc.Put(suffix)
		o.nodes.Release(node.Name)
		return "", "", fmt.Errorf("invite: encode stream id: %w", err)
	}

	callID := newCallID()
	cseq := 1
	req := sipmsg.NewRequest("INVITE", fmt.Sprintf("sip:%s@%s", channelID, o.realm))
	req.SetHeader("From", fmt.Sprintf("<sip:%s@%s>;tag=%s", o.realm, o.realm, newCallID()[:8]))
	req.SetHeader("To", fmt.Sprintf("<sip:%s@%s>", channelID, o.realm))
	req.SetHeader("Call-ID", callID)
	req.SetHeader("CSeq", fmt.Sprintf("%d INVITE", cseq))
	req.SetHeader("Content-Type", "Application/SDP")
	req.Body = buildSDP(SDPParams{
		DeviceID: channelID, PlayType: playType, MediaIP: node.PubIP, MediaPort: node.PubPort,
		SSRC: ssrcStr, StartUnix: st, EndUnix: et, SpeedRate: speed,
	})

	cleanup := func() {
		o.ssrc.Put(suffix)
		o.nodes.Release(node.Name)
	}

	resp, err := o.inviteRoundTrip(deviceID, callID, cseq, req)
	if err != nil {
		cleanup()
		metrics.IncInviteOutcome("rejected_or_timeout")
		return "", "", err
	}

	fromTag := headerTag(resp.Header("From"))
	toTag := headerTag(resp.Header("To"))
	o.sendACK(deviceID, channelID, callID, cseq, fromTag, toTag)

	watcher := make(chan *BaseStreamInfo, 1)
	o.mu.Lock()
	o.mediaWatchers[streamID] = watcher
	o.mu.Unlock()

	select {
	case <-watcher:
		// ACTIVE: commit session state.
	case <-time.After(mediaWait):
		o.mu.Lock()
		delete(o.mediaWatchers, streamID)
		o.mu.Unlock()
		o.sendBYE(deviceID, channelID, callID, cseq+1, fromTag, toTag)
		cleanup()
		metrics.IncInviteOutcome("no_media")
		return "", "", gwerrors.NewBiz(gwerrors.CodeNoStream, "no stream received from device")
	}

	sess := &StreamSession{
		NodeName: node.Name, DeviceID: deviceID, ChannelID: channelID,
		CallID: callID, CSeq: cseq, PlayType: playType,
		FromTag: fromTag, ToTag: toTag, SSRCSuffix: suffix,
	}
	o.mu.Lock()
	o.streams[streamID] = sess
	o.deviceIndex[deviceChannelKey{deviceID: deviceID, channelID: channelID, playType: playType}] = streamID
	o.mu.Unlock()

	metrics.IncInviteOutcome("active")
	return streamID, node.Name, nil
}

// inviteRoundTrip sends req and waits for its final response, staying
// in INVITING across any number of 1xx provisional responses.
func (o *Orchestrator) inviteRoundTrip(deviceID, callID string, cseq int, req *sipmsg.Message) (*sipmsg.Message, error) {
	ident := evsession.Ident{DeviceID: deviceID, CallID: callID, CSeq: fmt.Sprintf("%d INVITE", cseq)}
	waiter := make(chan evsession.ResponseResult, 4)
	if err := o.ev.Listen(ident, time.Now().Add(EXPIRES_DEFAULT), evsession.ResponseContainer{Waiter: waiter}); err != nil {
		return nil, err
	}

	send, ok := o.rw.SenderFor(deviceID)
	_ = ok // has() already confirmed presence; a race here is a dropped invite, not a bug
	if send == nil {
		o.ev.Remove(ident)
		return nil, gwerrors.NewBiz(gwerrors.CodeDeviceOffline, "device offline")
	}
	if err := send(req.Bytes()); err != nil {
		o.ev.Remove(ident)
		return nil, fmt.Errorf("invite: send INVITE: %w", err)
	}

	for {
		res := <-waiter
		if res.Response == nil {
			return nil, gwerrors.NewBiz(gwerrors.CodeNoStream, "invite timed out waiting for response")
		}
		code := res.Response.StatusCode
		switch {
		case code == 100:
			continue
		case code >= 200 && code < 300:
			o.ev.Remove(ident)
			return res.Response, nil
		case code >= 300:
			o.ev.Remove(ident)
			return nil, gwerrors.NewBiz(gwerrors.CodeNoStream, fmt.Sprintf("invite rejected: %d %s", code, res.Response.Reason))
		default:
			continue
		}
	}
}

func (o *Orchestrator) sendACK(deviceID, channelID, callID string, cseq int, fromTag, toTag string) {
	ack := sipmsg.NewRequest("ACK", fmt.Sprintf("sip:%s@%s", channelID, o.realm))
	ack.SetHeader("Call-ID", callID)
	ack.SetHeader("CSeq", fmt.Sprintf("%d ACK", cseq))
	ack.SetHeader("From", fmt.Sprintf("<sip:%s@%s>;tag=%s", o.realm, o.realm, fromTag))
	ack.SetHeader("To", fmt.Sprintf("<sip:%s@%s>;tag=%s", channelID, o.realm, toTag))
	if send, ok := o.rw.SenderFor(deviceID); ok {
		if err := send(ack.Bytes()); err != nil {
			o.logger.Warn("ack_send_failed", "device_id", deviceID, "error", err)
		}
	}
}

func (o *Orchestrator) sendBYE(deviceID, channelID, callID string, cseq int, fromTag, toTag string) {
	bye := sipmsg.NewRequest("BYE", fmt.Sprintf("sip:%s@%s", channelID, o.realm))
	bye.SetHeader("Call-ID", callID)
	bye.SetHeader("CSeq", fmt.Sprintf("%d BYE", cseq))
	bye.SetHeader("From", fmt.Sprintf("<sip:%s@%s>;tag=%s", o.realm, o.realm, fromTag))
	bye.SetHeader("To", fmt.Sprintf("<sip:%s@%s>;tag=%s", channelID, o.realm, toTag))
	if send, ok := o.rw.SenderFor(deviceID); ok {
		if err := send(bye.Bytes()); err != nil {
			o.logger.Warn("bye_send_failed", "device_id", deviceID, "error", err)
		}
	}
}

// StreamIn delivers a "media arrived" notification to the watcher
// registered for streamID, if any is still waiting.
func (o *Orchestrator) StreamIn(streamID string, info *BaseStreamInfo) {
	o.mu.Lock()
	watcher, ok := o.mediaWatchers[streamID]
	if ok {
		delete(o.mediaWatchers, streamID)
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	select {
	case watcher <- info:
	default:
	}
}

// Teardown (TEARING) sends BYE, frees the SSRC and node reservation,
// and removes the session's state.
func (o *Orchestrator) Teardown(streamID string) error {
	o.mu.Lock()
	sess, ok := o.streams[streamID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("invite: unknown stream %q", streamID)
	}
	delete(o.streams, streamID)
	delete(o.deviceIndex, deviceChannelKey{deviceID: sess.DeviceID, channelID: sess.ChannelID, playType: sess.PlayType})
	o.mu.Unlock()

	o.sendBYE(sess.DeviceID, sess.ChannelID, sess.CallID, sess.CSeq+1, sess.FromTag, sess.ToTag)
	o.ssrc.Put(sess.SSRCSuffix)
	o.nodes.Release(sess.NodeName)
	return nil
}

// Session returns the live session for streamID, for seek/speed/ptz
// handlers that need its dialog identity.
func (o *Orchestrator) Session(streamID string) (*StreamSession, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess, ok := o.streams[streamID]
	return sess, ok
}

// headerTag extracts the `tag=` parameter from a From/To header value.
func headerTag(header string) string {
	const marker = "tag="
	idx := -1
	for i := 0; i+len(marker) <= len(header); i++ {
		if header[i:i+len(marker)] == marker {
			idx = i + len(marker)
			break
		}
	}
	if idx < 0 {
		return ""
	}
	end := idx
	for end < len(header) && header[end] != ';' {
		end++
	}
	return header[idx:end]
}
