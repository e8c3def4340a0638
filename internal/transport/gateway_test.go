package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/kstaniek/gb28181-gateway/internal/sipmsg"
)

func waitReady(t *testing.T, g *Gateway) {
	t.Helper()
	select {
	case <-g.Ready():
	case <-time.After(2 * time.Second):
		t.Fatalf("gateway did not signal readiness")
	}
}

func registerMessage() []byte {
	req := sipmsg.NewRequest("REGISTER", "sip:34020000002000000001@3402000000")
	req.AddHeader("Via", "SIP/2.0/UDP 10.0.0.1:5060")
	req.AddHeader("From", "<sip:34020000001320000001@3402000000>")
	req.AddHeader("To", "<sip:34020000001320000001@3402000000>")
	req.AddHeader("Call-ID", "1@10.0.0.1")
	req.AddHeader("CSeq", "1 REGISTER")
	req.AddHeader("Expires", "3600")
	return req.Bytes()
}

func TestGatewayUDPRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	g := NewGateway(WithUDPAddr("127.0.0.1:0"))
	go func() { _ = g.Serve(ctx) }()
	waitReady(t, g)

	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("client listen: %v", err)
	}
	defer client.Close()

	serverAddr := g.udpConn.LocalAddr().(*net.UDPAddr)
	if _, err := client.WriteToUDP(registerMessage(), serverAddr); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case z := <-g.Rx():
		if z.IsEvt {
			t.Fatalf("expected data Zip, got event %v", z.Kind)
		}
		if z.Assoc.Proto != UDP {
			t.Fatalf("expected UDP association, got %v", z.Assoc.Proto)
		}
		msg, err := sipmsg.Parse(z.Bytes)
		if err != nil {
			t.Fatalf("parse relayed datagram: %v", err)
		}
		if msg.Method != "REGISTER" {
			t.Fatalf("expected REGISTER, got %q", msg.Method)
		}
		// Reply on the same association.
		resp := sipmsg.NewResponse(200, "OK", msg).Bytes()
		if err := g.Send(z.Assoc, resp); err != nil {
			t.Fatalf("send response: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for inbound datagram")
	}

	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 2048)
	n, _, err := client.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	resp, err := sipmsg.Parse(buf[:n])
	if err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestGatewayTCPRoundTripAndLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	g := NewGateway(WithTCPAddr("127.0.0.1:0"))
	go func() { _ = g.Serve(ctx) }()
	waitReady(t, g)

	addr := g.tcpLn.Addr().String()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var connectAssoc Association
	select {
	case z := <-g.Rx():
		if !z.IsEvt || z.Kind != Connected {
			t.Fatalf("expected connected event, got %+v", z)
		}
		connectAssoc = z.Assoc
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for connect event")
	}

	if _, err := conn.Write(registerMessage()); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case z := <-g.Rx():
		if z.IsEvt {
			t.Fatalf("expected data Zip, got event %v", z.Kind)
		}
		if z.Assoc != connectAssoc {
			t.Fatalf("association mismatch: %v vs %v", z.Assoc, connectAssoc)
		}
		msg, err := sipmsg.Parse(z.Bytes)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if msg.Method != "REGISTER" {
			t.Fatalf("expected REGISTER, got %q", msg.Method)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for inbound message")
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case z := <-g.Rx():
		if !z.IsEvt || z.Kind != Disconnected {
			t.Fatalf("expected disconnected event, got %+v", z)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for disconnect event")
	}
}

func TestGatewayShutdownClosesListeners(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	g := NewGateway(WithUDPAddr("127.0.0.1:0"), WithTCPAddr("127.0.0.1:0"))
	go func() { _ = g.Serve(ctx) }()
	waitReady(t, g)

	tcpAddr := g.tcpLn.Addr().String()
	conn, err := net.DialTimeout("tcp", tcpAddr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	sdCtx, sdCancel := context.WithTimeout(context.Background(), time.Second)
	defer sdCancel()
	if err := g.Shutdown(sdCtx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 8)
	if _, err := conn.Read(buf); err == nil {
		t.Fatalf("expected read to fail after shutdown")
	}

	if _, err := net.DialTimeout("tcp", tcpAddr, 200*time.Millisecond); err == nil {
		t.Fatalf("expected dial to fail after shutdown")
	}
}
