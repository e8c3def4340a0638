package invite

import (
	"fmt"

	"github.com/kstaniek/gb28181-gateway/internal/gwerrors"
)

// Seek sends an in-dialog INFO request repositioning playback to
// position seconds into the recording. It does not wait for a response
// beyond the 200/OK the SIP layer already ack's at the transaction
// level: there is no further body to correlate.
func (o *Orchestrator) Seek(streamID string, position int64) error {
	sess, ok := o.Session(streamID)
	if !ok {
		return fmt.Errorf("invite: unknown stream %q", streamID)
	}
	body := fmt.Sprintf("PLAY RTSP/1.0\r\nCSeq: %d\r\nRange: npt=%d-\r\n", sess.CSeq+1, position)
	return o.sendInfo(sess, body)
}

// Speed sends an in-dialog INFO request changing playback rate.
func (o *Orchestrator) Speed(streamID string, rate SpeedRate) error {
	sess, ok := o.Session(streamID)
	if !ok {
		return fmt.Errorf("invite: unknown stream %q", streamID)
	}
	body := fmt.Sprintf("PLAY RTSP/1.0\r\nCSeq: %d\r\nScale: %.2f\r\n", sess.CSeq+1, float64(rate))
	return o.sendInfo(sess, body)
}

// sendInfo issues an in-dialog INFO carrying an RTSP-style control
// body, the GB28181 convention for seek/speed signalling over an
// active INVITE dialog.
func (o *Orchestrator) sendInfo(sess *StreamSession, body string) error {
	send, ok := o.rw.SenderFor(sess.DeviceID)
	if !ok {
		return gwerrors.NewBiz(gwerrors.CodeDeviceOffline, "device offline")
	}
	o.mu.Lock()
	sess.CSeq++
	info := newDialogRequest("INFO", sess, o.realm)
	o.mu.Unlock()
	info.SetHeader("Content-Type", "Application/MANSRTSP")
	info.Body = []byte(body)
	return send(info.Bytes())
}
