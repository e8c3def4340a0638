package sipgw

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"sync"

	"github.com/kstaniek/gb28181-gateway/internal/sipmsg"
	"github.com/kstaniek/gb28181-gateway/internal/transport"
)

// responseBody is the subset of a MANSCDP Response/Notify body this
// gateway needs for dispatch: which command it answers, and (for
// catalog/device-info queries) how many items the device promised.
type responseBody struct {
	XMLName xml.Name
	CmdType string `xml:"CmdType"`
	SN      string `xml:"SN"`
	DeviceID string `xml:"DeviceID"`
	SumNum  int    `xml:"SumNum"`
}

func rootElementName(body []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", fmt.Errorf("sipgw: no root element in MESSAGE body: %w", err)
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name.Local, nil
		}
	}
}

// handleMessageBody implements the MESSAGE dispatch of spec §4.4: the
// XML root element selects Keepalive (heartbeat refresh), Notify/Alarm
// (heartbeat refresh; forwarded to the alarm sink unless its CmdType is
// Keepalive, the usual GB/T-28181 keepalive form), or Response
// (aggregated per call-id and published once complete).
func (g *Gateway) handleMessageBody(assoc transport.Association, msg *sipmsg.Message) error {
	deviceID, err := deviceIDFromURI(msg.Header("From"))
	if err != nil {
		g.logger.Warn("message_missing_device_id", "error", err)
		g.reply(assoc, sipmsg.NewResponse(400, "Bad Request", msg))
		return nil
	}

	root, err := rootElementName(msg.Body)
	if err != nil {
		g.logger.Warn("message_malformed_body", "device_id", deviceID, "error", err)
		return nil
	}

	switch root {
	case "Keepalive":
		g.HeartOnInboundMessage(deviceID, assoc)
	case "Notify", "Alarm":
		g.HeartOnInboundMessage(deviceID, assoc)
		var parsed responseBody
		if xml.Unmarshal(msg.Body, &parsed) == nil && parsed.CmdType == "Keepalive" {
			break
		}
		g.alarms.Notify(deviceID, msg.Body)
	case "Response":
		g.HeartOnInboundMessage(deviceID, assoc)
		g.catalog.feed(msg.CallID(), msg.Body)
	default:
		g.logger.Warn("message_unknown_root_element", "device_id", deviceID, "root", root)
	}

	g.reply(assoc, sipmsg.NewResponse(200, "OK", msg))
	return nil
}

// catalogAggregator collects Response bodies (catalog items, device
// info) per call-id until the device's declared SumNum is reached,
// then publishes the concatenated bodies to any registered listener.
type catalogAggregator struct {
	mu        sync.Mutex
	buffers   map[string][][]byte
	expected  map[string]int
	listeners map[string]chan []byte
}

func newCatalogAggregator() *catalogAggregator {
	return &catalogAggregator{
		buffers:   make(map[string][][]byte),
		expected:  make(map[string]int),
		listeners: make(map[string]chan []byte),
	}
}

func (c *catalogAggregator) register(callID string) <-chan []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan []byte, 1)
	c.listeners[callID] = ch
	return ch
}

// feed appends one Response body to the accumulation for its call-id.
// A SumNum of 0 or 1 (a single-item response, e.g. device-info) is
// published immediately; a SumNum > 1 (a catalog spread across several
// MESSAGEs) accumulates until the count is reached.
func (c *catalogAggregator) feed(callID string, body []byte) {
	var parsed responseBody
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffers[callID] = append(c.buffers[callID], body)
	if parsed.SumNum > 0 {
		c.expected[callID] = parsed.SumNum
	}
	want := c.expected[callID]
	if want <= 0 {
		want = 1
	}
	if len(c.buffers[callID]) < want {
		return
	}

	assembled := c.buffers[callID]
	delete(c.buffers, callID)
	delete(c.expected, callID)
	ch, ok := c.listeners[callID]
	if !ok {
		return
	}
	delete(c.listeners, callID)

	var out bytes.Buffer
	for _, b := range assembled {
		out.Write(b)
	}
	select {
	case ch <- out.Bytes():
	default:
	}
}
