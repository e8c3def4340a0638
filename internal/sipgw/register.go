package sipgw

import (
	"time"

	"github.com/kstaniek/gb28181-gateway/internal/digest"
	"github.com/kstaniek/gb28181-gateway/internal/sipmsg"
	"github.com/kstaniek/gb28181-gateway/internal/transport"
)

// challengeTTL bounds how long an issued nonce remains acceptable; a
// device that never follows up with Authorization leaks nothing beyond
// this window's single map entry.
const challengeTTL = 30 * time.Second

// handleRegister implements the REGISTER state transitions of spec
// §4.4: Expires=0 de-registers; a missing Authorization header issues a
// fresh 401 challenge; a present one is verified against the device's
// shared secret before the session is admitted.
func (g *Gateway) handleRegister(assoc transport.Association, msg *sipmsg.Message) error {
	deviceID, err := deviceIDFromURI(msg.Header("To"))
	if err != nil {
		g.logger.Warn("register_missing_device_id", "error", err)
		return nil
	}

	expires := msg.Expires(3600)
	if expires == 0 {
		g.rw.CleanByDevice(deviceID)
		g.store.MarkOffline(deviceID)
		g.reply(assoc, sipmsg.NewResponse(200, "OK", msg))
		return nil
	}

	authHeader := msg.Header("Authorization")
	if authHeader == "" {
		g.issueChallenge(assoc, msg, deviceID)
		return nil
	}

	cred, err := digest.ParseAuthorization(authHeader)
	if err != nil {
		g.logger.Warn("register_bad_authorization", "device_id", deviceID, "error", err)
		g.reply(assoc, sipmsg.NewResponse(400, "Bad Request", msg))
		return nil
	}

	g.mu.Lock()
	pending, ok := g.pending[deviceID]
	g.mu.Unlock()
	if !ok || pending.nonce != cred.Nonce || time.Now().After(pending.deadline) {
		g.logger.Warn("register_stale_or_unknown_nonce", "device_id", deviceID)
		g.issueChallenge(assoc, msg, deviceID)
		return nil
	}

	secret, ok := g.store.LookupSecret(deviceID)
	if !ok {
		g.logger.Warn("register_unknown_device", "device_id", deviceID)
		g.reply(assoc, sipmsg.NewResponse(403, "Forbidden", msg))
		return nil
	}
	if !digest.Verify(cred, "REGISTER", secret) {
		g.logger.Warn("register_digest_mismatch", "device_id", deviceID)
		g.reply(assoc, sipmsg.NewResponse(403, "Forbidden", msg))
		return nil
	}

	g.mu.Lock()
	delete(g.pending, deviceID)
	g.mu.Unlock()

	heartbeat, _ := g.store.LookupHeartbeat(deviceID)
	if heartbeat < time.Second {
		heartbeat = 60 * time.Second
	}
	send := func(b []byte) error { return g.transport.Send(assoc, b) }
	closeFn := func() { g.transport.CloseAssoc(assoc) }
	g.rw.Insert(deviceID, send, closeFn, heartbeat, assoc)
	g.store.MarkOnline(deviceID, assoc.LocalAddr, msg.Header("From"), msg.Header("To"))

	resp := sipmsg.NewResponse(200, "OK", msg)
	resp.SetHeader("Expires", msg.Header("Expires"))
	g.reply(assoc, resp)
	return nil
}

func (g *Gateway) issueChallenge(assoc transport.Association, msg *sipmsg.Message, deviceID string) {
	ch, err := digest.NewChallenge(g.realm)
	if err != nil {
		g.logger.Error("register_challenge_generation_failed", "device_id", deviceID, "error", err)
		g.reply(assoc, sipmsg.NewResponse(500, "Server Internal Error", msg))
		return
	}
	g.mu.Lock()
	g.pending[deviceID] = pendingChallenge{nonce: ch.Nonce, opaque: ch.Opaque, deadline: time.Now().Add(challengeTTL)}
	g.mu.Unlock()

	resp := sipmsg.NewResponse(401, "Unauthorized", msg)
	resp.SetHeader("WWW-Authenticate", ch.Header())
	g.reply(assoc, resp)
}

// HeartOnInboundMessage refreshes a device's RW deadline for any
// inbound traffic on an established session — keepalive or otherwise —
// per spec §4.4's "ONLINE -> [... or any message] -> ONLINE" transition.
func (g *Gateway) HeartOnInboundMessage(deviceID string, assoc transport.Association) {
	g.rw.Heart(deviceID, assoc)
}
