package invite

import (
	"fmt"
	"time"

	"github.com/kstaniek/gb28181-gateway/internal/gwerrors"
	"github.com/kstaniek/gb28181-gateway/internal/sipmsg"
)

// PTZControl is one front-end pan/tilt/zoom request. Zero values mean
// "no movement on that axis"; speeds are clamped to the protocol's
// 0-255 range by ptzCmdHex.
type PTZControl struct {
	LeftRight     int
	UpDown        int
	InOut         int
	HorizonSpeed  int
	VerticalSpeed int
	ZoomSpeed     int
}

// PTZ issues a pan/tilt/zoom command. The device protocol has no
// "move for N seconds" primitive, only "start" and "stop", so the
// gateway sends the full control vector once, waits a second, then
// sends a second command with device/channel id only: an implicit
// stop, observed in the original's ptz() function.
func (o *Orchestrator) PTZ(deviceID, channelID string, ctrl PTZControl) error {
	if err := o.sendPTZCommand(deviceID, channelID, ctrl); err != nil {
		return err
	}
	go func() {
		time.Sleep(1 * time.Second)
		_ = o.sendPTZCommand(deviceID, channelID, PTZControl{})
	}()
	return nil
}

func (o *Orchestrator) sendPTZCommand(deviceID, channelID string, ctrl PTZControl) error {
	send, ok := o.rw.SenderFor(deviceID)
	if !ok {
		return gwerrors.NewBiz(gwerrors.CodeDeviceOffline, "device offline")
	}
	sn := newCallID()[:8]
	msg := sipmsg.NewRequest("MESSAGE", fmt.Sprintf("sip:%s@%s", channelID, o.realm))
	msg.SetHeader("Call-ID", newCallID())
	msg.SetHeader("CSeq", "1 MESSAGE")
	msg.SetHeader("Content-Type", "Application/MANSCDP+xml")
	msg.Body = []byte(fmt.Sprintf(
		`<?xml version="1.0" encoding="UTF-8"?>`+
			`<Control><CmdType>DeviceControl</CmdType><SN>%s</SN><DeviceID>%s</DeviceID>`+
			`<PTZCmd>%s</PTZCmd><Info/></Control>`,
		sn, deviceID, ptzCmdHex(ctrl)))
	return send(msg.Bytes())
}

// ptzCmdHex renders the 8-byte GB/T-28181 PTZCmd frame as the 16
// uppercase hex characters MANSCDP carries in <PTZCmd>: a fixed header
// (A5 0F 01), a direction/zoom bitmask byte, horizontal and vertical
// speed bytes, a combined zoom-speed byte, and a checksum that is the
// low byte of the sum of the preceding seven.
func ptzCmdHex(c PTZControl) string {
	var cmd byte
	if c.UpDown > 0 {
		cmd |= 0x08
	} else if c.UpDown < 0 {
		cmd |= 0x04
	}
	if c.LeftRight > 0 {
		cmd |= 0x02
	} else if c.LeftRight < 0 {
		cmd |= 0x01
	}
	if c.InOut > 0 {
		cmd |= 0x10
	} else if c.InOut < 0 {
		cmd |= 0x20
	}

	frame := [8]byte{
		0xA5, 0x0F, 0x01, cmd,
		clampSpeed(c.HorizonSpeed),
		clampSpeed(c.VerticalSpeed),
		clampSpeed(c.ZoomSpeed) & 0xF0,
		0,
	}
	var sum byte
	for _, b := range frame[:7] {
		sum += b
	}
	frame[7] = sum

	var out [16]byte
	const hex = "0123456789ABCDEF"
	for i, b := range frame {
		out[i*2] = hex[b>>4]
		out[i*2+1] = hex[b&0x0F]
	}
	return string(out[:])
}

func clampSpeed(v int) byte {
	if v < 0 {
		v = -v
	}
	if v > 255 {
		v = 255
	}
	return byte(v)
}
