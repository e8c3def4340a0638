// Package adminapi implements the admin HTTP surface (prefix /api/v1):
// play/seek/speed/ptz requests into the invite orchestrator, and the
// inbound webhooks the media relay calls back with. Routing stays a
// thin shell over internal/invite per the gateway's non-goal boundary
// on HTTP business logic; responses wrap as {code,msg,data}.
package adminapi

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	jsoniter "github.com/json-iterator/go"

	"github.com/kstaniek/gb28181-gateway/internal/gwerrors"
	"github.com/kstaniek/gb28181-gateway/internal/invite"
	"github.com/kstaniek/gb28181-gateway/internal/logging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// envelope is the {code,msg,data} wrapper every admin/webhook response
// carries.
type envelope struct {
	Code int         `json:"code"`
	Msg  string      `json:"msg"`
	Data interface{} `json:"data,omitempty"`
}

func writeEnvelope(w http.ResponseWriter, code int, msg string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(envelope{Code: code, Msg: msg, Data: data})
}

func writeOK(w http.ResponseWriter, data interface{}) { writeEnvelope(w, 200, "ok", data) }

func writeErr(w http.ResponseWriter, err error) {
	if biz, ok := err.(*gwerrors.BizError); ok {
		writeEnvelope(w, biz.Code, biz.Msg, nil)
		return
	}
	writeEnvelope(w, 500, err.Error(), nil)
}

// StreamStarter is the subset of *invite.Orchestrator the HTTP surface
// drives.
type StreamStarter interface {
	PlayLive(deviceID, channelID string) (streamID, nodeName string, err error)
	PlayBack(deviceID, channelID string, st, et int64) (streamID, nodeName string, err error)
	Seek(streamID string, position int64) error
	Speed(streamID string, rate invite.SpeedRate) error
	PTZ(deviceID, channelID string, ctrl invite.PTZControl) error
}

// Server is the admin HTTP API: route table, bearer-token verification,
// and the webhook handlers the media relay calls back into.
type Server struct {
	orch      StreamStarter
	jwtSecret []byte
	proxyAddr string
	logger    *slog.Logger

	mediaIn func(streamID string, ssrc uint32)
	mediaTO func(streamID string)
}

// Option configures optional Server behavior.
type Option func(*Server)

// WithMediaCallbacks wires the two core webhook effects: media arrived
// (wakes the C5 watcher) and input timeout (evict the reservation).
func WithMediaCallbacks(onIn func(streamID string, ssrc uint32), onTimeout func(streamID string)) Option {
	return func(s *Server) {
		s.mediaIn = onIn
		s.mediaTO = onTimeout
	}
}

// New builds an admin API server. jwtSecret verifies the gbs-token
// bearer; proxyAddr is the HTTP-facing prefix advertised in
// stream-start responses' flv/m3u8 URLs.
func New(orch StreamStarter, jwtSecret, proxyAddr string, opts ...Option) *Server {
	s := &Server{
		orch:      orch,
		jwtSecret: []byte(jwtSecret),
		proxyAddr: proxyAddr,
		logger:    logging.Component("adminapi"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the full route table as an http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/stream/start/", s.auth(s.handleStreamStart))
	mux.HandleFunc("/api/v1/play/live/stream", s.auth(s.handlePlayLive))
	mux.HandleFunc("/api/v1/play/back/stream", s.auth(s.handlePlayBack))
	mux.HandleFunc("/api/v1/play/back/seek", s.auth(s.handleSeek))
	mux.HandleFunc("/api/v1/play/back/speed", s.auth(s.handleSpeed))
	mux.HandleFunc("/api/v1/control/ptz", s.auth(s.handlePTZ))

	mux.HandleFunc("/stream/in", s.handleStreamIn)
	mux.HandleFunc("/stream/input/timeout", s.handleStreamInputTimeout)
	mux.HandleFunc("/on_publish", s.handleAckWebhook)
	mux.HandleFunc("/on_play", s.handleAckWebhook)
	mux.HandleFunc("/on_stream_changed", s.handleAckWebhook)
	mux.HandleFunc("/on_stream_none_reader", s.handleCloseWebhook)
	mux.HandleFunc("/on_rtp_server_timeout", s.handleAckWebhook)
	mux.HandleFunc("/on_stream_not_found", s.handleAckWebhook)
	mux.HandleFunc("/on_player_count_change", s.handleAckWebhook)

	return mux
}

// auth verifies the gbs-token header as a signed JWT before delegating
// to h; a missing or invalid token short-circuits with 401-via-envelope
// (the envelope always rides over HTTP 200, per spec's {code,msg,data}
// contract).
func (s *Server) auth(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok := r.Header.Get("gbs-token")
		if tok == "" {
			writeEnvelope(w, 401, "missing gbs-token", nil)
			return
		}
		_, err := jwt.Parse(tok, func(t *jwt.Token) (interface{}, error) {
			return s.jwtSecret, nil
		})
		if err != nil {
			writeEnvelope(w, 401, "invalid gbs-token: "+err.Error(), nil)
			return
		}
		h(w, r)
	}
}

type streamResult struct {
	StreamID string `json:"streamId"`
	FLV      string `json:"flv"`
	M3U8     string `json:"m3u8"`
}

func (s *Server) streamResultFor(streamID string) streamResult {
	return streamResult{
		StreamID: streamID,
		FLV:      s.proxyAddr + "/" + streamID + ".live.flv",
		M3U8:     s.proxyAddr + "/" + streamID + "/hls.m3u8",
	}
}

// handleStreamStart serves GET /stream/start/{device_id}/{channel_id}.
func (s *Server) handleStreamStart(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/v1/stream/start/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		writeEnvelope(w, 500, "expected /stream/start/{device_id}/{channel_id}", nil)
		return
	}
	streamID, _, err := s.orch.PlayLive(parts[0], parts[1])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, s.streamResultFor(streamID))
}

type playLiveBody struct {
	DeviceID  string `json:"device_id"`
	ChannelID string `json:"channel_id"`
}

func (s *Server) handlePlayLive(w http.ResponseWriter, r *http.Request) {
	var body playLiveBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeEnvelope(w, 500, "bad request body", nil)
		return
	}
	channelID := body.ChannelID
	if channelID == "" {
		channelID = body.DeviceID
	}
	streamID, _, err := s.orch.PlayLive(body.DeviceID, channelID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, s.streamResultFor(streamID))
}

type playBackBody struct {
	DeviceID  string `json:"device_id"`
	ChannelID string `json:"channel_id"`
	St        int64  `json:"st"`
	Et        int64  `json:"et"`
}

func (s *Server) handlePlayBack(w http.ResponseWriter, r *http.Request) {
	var body playBackBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeEnvelope(w, 500, "bad request body", nil)
		return
	}
	channelID := body.ChannelID
	if channelID == "" {
		channelID = body.DeviceID
	}
	streamID, _, err := s.orch.PlayBack(body.DeviceID, channelID, body.St, body.Et)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, s.streamResultFor(streamID))
}

type seekBody struct {
	StreamID   string `json:"stream_id"`
	SeekSecond int64  `json:"seek_second"`
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	var body seekBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeEnvelope(w, 500, "bad request body", nil)
		return
	}
	if body.SeekSecond < 1 || body.SeekSecond > 86400 {
		writeEnvelope(w, 500, "seek_second out of range [1,86400]", nil)
		return
	}
	if err := s.orch.Seek(body.StreamID, body.SeekSecond); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, true)
}

type speedBody struct {
	StreamID  string  `json:"stream_id"`
	SpeedRate float64 `json:"speed_rate"`
}

func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	var body speedBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeEnvelope(w, 500, "bad request body", nil)
		return
	}
	if body.SpeedRate < 0.25 || body.SpeedRate > 8 {
		writeEnvelope(w, 500, "speed_rate out of range [0.25,8]", nil)
		return
	}
	if err := s.orch.Speed(body.StreamID, invite.SpeedRate(body.SpeedRate)); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, true)
}

type ptzBody struct {
	DeviceID      string `json:"device_id"`
	ChannelID     string `json:"channel_id"`
	LeftRight     int    `json:"left_right"`
	UpDown        int    `json:"up_down"`
	InOut         int    `json:"in_out"`
	HorizonSpeed  int    `json:"horizon_speed"`
	VerticalSpeed int    `json:"vertical_speed"`
	ZoomSpeed     int    `json:"zoom_speed"`
}

func (s *Server) handlePTZ(w http.ResponseWriter, r *http.Request) {
	var body ptzBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeEnvelope(w, 500, "bad request body", nil)
		return
	}
	ctrl := invite.PTZControl{
		LeftRight: body.LeftRight, UpDown: body.UpDown, InOut: body.InOut,
		HorizonSpeed: body.HorizonSpeed, VerticalSpeed: body.VerticalSpeed, ZoomSpeed: body.ZoomSpeed,
	}
	if err := s.orch.PTZ(body.DeviceID, body.ChannelID, ctrl); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, true)
}

// streamInBody is the /stream/in webhook payload: media has arrived on
// the relay for a given stream.
type streamInBody struct {
	StreamID string `json:"stream_id"`
	SSRC     string `json:"ssrc"`
}

func (s *Server) handleStreamIn(w http.ResponseWriter, r *http.Request) {
	var body streamInBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeEnvelope(w, 500, "bad request body", nil)
		return
	}
	var ssrc uint64
	if body.SSRC != "" {
		ssrc, _ = strconv.ParseUint(body.SSRC, 10, 32)
	}
	if s.mediaIn != nil {
		s.mediaIn(body.StreamID, uint32(ssrc))
	}
	writeOK(w, true)
}

type streamInputTimeoutBody struct {
	StreamID string `json:"stream_id"`
}

func (s *Server) handleStreamInputTimeout(w http.ResponseWriter, r *http.Request) {
	var body streamInputTimeoutBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeEnvelope(w, 500, "bad request body", nil)
		return
	}
	if s.mediaTO != nil {
		s.mediaTO(body.StreamID)
	}
	writeOK(w, true)
}

// handleAckWebhook serves the six stubbed webhooks (on_publish,
// on_play, on_stream_changed, on_rtp_server_timeout, on_stream_not_found,
// on_player_count_change): static permissive acks with no gateway state
// effect, matching how the original treats them.
func (s *Server) handleAckWebhook(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]interface{}{"code": 0})
}

// handleCloseWebhook serves on_stream_none_reader: same static ack, but
// with close=true, telling the relay it is fine to tear the stream down
// when nobody is watching.
func (s *Server) handleCloseWebhook(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]interface{}{"code": 0, "close": true})
}

// requestTimeout is the value ReadTimeout reports; this package does not
// apply it to any server itself.
const requestTimeout = 10 * time.Second

// ReadTimeout is the recommended http.Server.ReadHeaderTimeout for the
// handler this package returns.
func ReadTimeout() time.Duration { return requestTimeout }
