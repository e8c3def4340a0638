package adminapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v4"

	"github.com/kstaniek/gb28181-gateway/internal/gwerrors"
	"github.com/kstaniek/gb28181-gateway/internal/invite"
)

type stubOrchestrator struct {
	playLiveErr error
	lastDevice  string
	lastChannel string
	seekCalls   []int64
	speedCalls  []invite.SpeedRate
	ptzCalls    []invite.PTZControl
}

func (s *stubOrchestrator) PlayLive(deviceID, channelID string) (string, string, error) {
	s.lastDevice, s.lastChannel = deviceID, channelID
	if s.playLiveErr != nil {
		return "", "", s.playLiveErr
	}
	return "stream-abc", "node1", nil
}

func (s *stubOrchestrator) PlayBack(deviceID, channelID string, st, et int64) (string, string, error) {
	return "stream-back", "node1", nil
}

func (s *stubOrchestrator) Seek(streamID string, position int64) error {
	s.seekCalls = append(s.seekCalls, position)
	return nil
}

func (s *stubOrchestrator) Speed(streamID string, rate invite.SpeedRate) error {
	s.speedCalls = append(s.speedCalls, rate)
	return nil
}

func (s *stubOrchestrator) PTZ(deviceID, channelID string, ctrl invite.PTZControl) error {
	s.ptzCalls = append(s.ptzCalls, ctrl)
	return nil
}

func signedToken(t *testing.T, secret string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "admin"})
	s, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v, body=%s", err, rec.Body.String())
	}
	return env
}

func TestPlayLiveRequiresValidToken(t *testing.T) {
	orch := &stubOrchestrator{}
	srv := New(orch, "secret123", "http://proxy")
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/play/live/stream", bytes.NewBufferString(`{"device_id":"dev1"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	env := decodeEnvelope(t, rec)
	if env.Code != 401 {
		t.Fatalf("expected 401 envelope for missing token, got %+v", env)
	}
}

func TestPlayLiveSucceedsWithValidToken(t *testing.T) {
	orch := &stubOrchestrator{}
	srv := New(orch, "secret123", "http://proxy")
	h := srv.Handler()

	body := `{"device_id":"dev1","channel_id":"chan1"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/play/live/stream", bytes.NewBufferString(body))
	req.Header.Set("gbs-token", signedToken(t, "secret123"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	env := decodeEnvelope(t, rec)
	if env.Code != 200 {
		t.Fatalf("expected success envelope, got %+v", env)
	}
	if orch.lastDevice != "dev1" || orch.lastChannel != "chan1" {
		t.Fatalf("expected orchestrator to receive device/channel, got %s/%s", orch.lastDevice, orch.lastChannel)
	}
}

func TestPlayLiveDefaultsChannelToDevice(t *testing.T) {
	orch := &stubOrchestrator{}
	srv := New(orch, "secret123", "http://proxy")
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/play/live/stream", bytes.NewBufferString(`{"device_id":"dev1"}`))
	req.Header.Set("gbs-token", signedToken(t, "secret123"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if orch.lastChannel != "dev1" {
		t.Fatalf("expected channel to default to device id, got %s", orch.lastChannel)
	}
}

func TestPlayLiveBizErrorSurfacesDomainCode(t *testing.T) {
	orch := &stubOrchestrator{playLiveErr: gwerrors.NewBiz(gwerrors.CodeDeviceOffline, "device offline")}
	srv := New(orch, "secret123", "http://proxy")
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/play/live/stream", bytes.NewBufferString(`{"device_id":"dev1"}`))
	req.Header.Set("gbs-token", signedToken(t, "secret123"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	env := decodeEnvelope(t, rec)
	if env.Code != gwerrors.CodeDeviceOffline {
		t.Fatalf("expected domain code %d, got %d", gwerrors.CodeDeviceOffline, env.Code)
	}
}

func TestSeekRejectsOutOfRange(t *testing.T) {
	orch := &stubOrchestrator{}
	srv := New(orch, "secret123", "http://proxy")
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/play/back/seek", bytes.NewBufferString(`{"stream_id":"s1","seek_second":100000}`))
	req.Header.Set("gbs-token", signedToken(t, "secret123"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if len(orch.seekCalls) != 0 {
		t.Fatalf("expected seek to be rejected before reaching orchestrator")
	}
	env := decodeEnvelope(t, rec)
	if env.Code == 200 {
		t.Fatalf("expected failure envelope for out-of-range seek")
	}
}

func TestStreamStartParsesPathSegments(t *testing.T) {
	orch := &stubOrchestrator{}
	srv := New(orch, "secret123", "http://proxy")
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stream/start/dev1/chan1", nil)
	req.Header.Set("gbs-token", signedToken(t, "secret123"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	env := decodeEnvelope(t, rec)
	if env.Code != 200 {
		t.Fatalf("expected success, got %+v", env)
	}
	if orch.lastDevice != "dev1" || orch.lastChannel != "chan1" {
		t.Fatalf("expected path segments parsed into device/channel, got %s/%s", orch.lastDevice, orch.lastChannel)
	}
}

func TestStreamInWebhookInvokesCallback(t *testing.T) {
	orch := &stubOrchestrator{}
	var gotStreamID string
	var gotSSRC uint32
	srv := New(orch, "secret123", "http://proxy", WithMediaCallbacks(
		func(streamID string, ssrc uint32) { gotStreamID, gotSSRC = streamID, ssrc },
		func(streamID string) {},
	))
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/stream/in", bytes.NewBufferString(`{"stream_id":"s1","ssrc":"0101234"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if gotStreamID != "s1" || gotSSRC != 101234 {
		t.Fatalf("expected media-in callback with s1/101234, got %s/%d", gotStreamID, gotSSRC)
	}
}

func TestStubWebhooksAck(t *testing.T) {
	orch := &stubOrchestrator{}
	srv := New(orch, "secret123", "http://proxy")
	h := srv.Handler()

	for _, path := range []string{"/on_publish", "/on_play", "/on_stream_changed", "/on_rtp_server_timeout", "/on_stream_not_found", "/on_player_count_change"} {
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(`{}`))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		env := decodeEnvelope(t, rec)
		if env.Code != 200 {
			t.Fatalf("%s: expected ack envelope, got %+v", path, env)
		}
	}
}
