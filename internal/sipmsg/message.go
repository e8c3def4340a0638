// Package sipmsg implements the RFC 3261 subset required by GB/T-28181:
// REGISTER, MESSAGE, INVITE, ACK, BYE, INFO requests and 1xx/2xx/4xx/5xx
// responses, with ordered headers and a byte-slice body.
package sipmsg

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrMalformed is returned for any structurally invalid SIP frame.
var ErrMalformed = errors.New("sipmsg: malformed frame")

// Header is a single name/value pair, order-preserving.
type Header struct {
	Name  string
	Value string
}

// Message is a parsed SIP request or response.
type Message struct {
	// Request line (Method/RequestURI/Version) or status line
	// (Version/StatusCode/Reason) — exactly one side is populated.
	Method     string
	RequestURI string
	StatusCode int
	Reason     string
	Version    string

	Headers []Header
	Body    []byte
}

// IsResponse reports whether m is a status-line message.
func (m *Message) IsResponse() bool { return m.StatusCode != 0 }

// Header returns the first header value matching name (case-insensitive),
// or "" if absent.
func (m *Message) Header(name string) string {
	for _, h := range m.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// HeaderAll returns every header value matching name, in message order.
func (m *Message) HeaderAll(name string) []string {
	var out []string
	for _, h := range m.Headers {
		if strings.EqualFold(h.Name, name) {
			out = append(out, h.Value)
		}
	}
	return out
}

// SetHeader replaces the first occurrence of name, or appends if absent.
func (m *Message) SetHeader(name, value string) {
	for i := range m.Headers {
		if strings.EqualFold(m.Headers[i].Name, name) {
			m.Headers[i].Value = value
			return
		}
	}
	m.Headers = append(m.Headers, Header{Name: name, Value: value})
}

// AddHeader appends a header without checking for duplicates (used for
// Via, which may legitimately repeat).
func (m *Message) AddHeader(name, value string) {
	m.Headers = append(m.Headers, Header{Name: name, Value: value})
}

// CallID returns the Call-ID header value.
func (m *Message) CallID() string { return m.Header("Call-ID") }

// CSeq returns the parsed CSeq header as (sequence, method).
func (m *Message) CSeq() (int, string, error) {
	v := m.Header("CSeq")
	parts := strings.Fields(v)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("%w: bad CSeq %q", ErrMalformed, v)
	}
	n, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, "", fmt.Errorf("%w: bad CSeq seq %q", ErrMalformed, v)
	}
	return n, parts[1], nil
}

// Expires returns the parsed Expires header, or def if absent/invalid.
func (m *Message) Expires(def int) int {
	v := m.Header("Expires")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

// ContentLength returns the parsed Content-Length header, defaulting to
// len(Body) worth of 0 when absent (well-formed senders always set it).
func (m *Message) ContentLength() int {
	v := m.Header("Content-Length")
	if v == "" {
		v = m.Header("l")
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0
	}
	return n
}

// Bytes serializes the message to its wire form.
func (m *Message) Bytes() []byte {
	var b bytes.Buffer
	if m.IsResponse() {
		fmt.Fprintf(&b, "SIP/2.0 %d %s\r\n", m.StatusCode, m.Reason)
	} else {
		fmt.Fprintf(&b, "%s %s SIP/2.0\r\n", m.Method, m.RequestURI)
	}
	hasCL := false
	for _, h := range m.Headers {
		if strings.EqualFold(h.Name, "Content-Length") {
			hasCL = true
		}
		fmt.Fprintf(&b, "%s: %s\r\n", h.Name, h.Value)
	}
	if !hasCL {
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(m.Body))
	}
	b.WriteString("\r\n")
	b.Write(m.Body)
	return b.Bytes()
}

// Parse parses a complete, self-contained SIP frame (used for UDP, where
// one datagram is one message).
func Parse(data []byte) (*Message, error) {
	r := bufio.NewReader(bytes.NewReader(data))
	m, headerBytes, err := parseHeaders(r)
	if err != nil {
		return nil, err
	}
	body := data[headerBytes:]
	cl := m.ContentLength()
	if cl > 0 && cl <= len(body) {
		m.Body = body[:cl]
	} else if cl == 0 {
		m.Body = nil
	} else {
		m.Body = body
	}
	return m, nil
}

// ReadFramedTCP reads one SIP message from a buffered stream using
// Content-Length framing: buffer until the blank line terminating
// headers, parse Content-Length, then read exactly that many body bytes.
func ReadFramedTCP(r *bufio.Reader) (*Message, error) {
	m, _, err := parseHeaders(r)
	if err != nil {
		return nil, err
	}
	cl := m.ContentLength()
	if cl < 0 {
		return nil, fmt.Errorf("%w: negative Content-Length", ErrMalformed)
	}
	if cl > 0 {
		body := make([]byte, cl)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, fmt.Errorf("%w: truncated body: %v", ErrMalformed, err)
		}
		m.Body = body
	}
	return m, nil
}

// parseHeaders reads the start line and headers up to and including the
// blank line, returning the message (without body) and the byte offset
// consumed (meaningful only for the bytes.Reader case used by Parse).
func parseHeaders(r *bufio.Reader) (*Message, int, error) {
	consumed := 0
	startLine, err := readCRLFLine(r)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: start line: %v", ErrMalformed, err)
	}
	consumed += len(startLine) + 2
	m := &Message{}
	if err := parseStartLine(m, startLine); err != nil {
		return nil, 0, err
	}
	for {
		line, err := readCRLFLine(r)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: headers: %v", ErrMalformed, err)
		}
		consumed += len(line) + 2
		if line == "" {
			break
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			return nil, 0, fmt.Errorf("%w: header without colon: %q", ErrMalformed, line)
		}
		name := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		m.Headers = append(m.Headers, Header{Name: name, Value: value})
	}
	return m, consumed, nil
}

func readCRLFLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func parseStartLine(m *Message, line string) error {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return fmt.Errorf("%w: start line %q", ErrMalformed, line)
	}
	if strings.HasPrefix(parts[0], "SIP/") {
		m.Version = parts[0]
		code, err := strconv.Atoi(parts[1])
		if err != nil {
			return fmt.Errorf("%w: status code %q", ErrMalformed, parts[1])
		}
		m.StatusCode = code
		m.Reason = parts[2]
		return nil
	}
	m.Method = parts[0]
	m.RequestURI = parts[1]
	m.Version = parts[2]
	return nil
}

// NewRequest builds a bare request with no headers.
func NewRequest(method, uri string) *Message {
	return &Message{Method: method, RequestURI: uri, Version: "SIP/2.0"}
}

// NewResponse builds a response carrying Via/From/To/Call-ID/CSeq copied
// from req, as every in-dialog or transactional reply must.
func NewResponse(code int, reason string, req *Message) *Message {
	resp := &Message{StatusCode: code, Reason: reason, Version: "SIP/2.0"}
	for _, name := range []string{"Via", "From", "To", "Call-ID", "CSeq"} {
		for _, v := range req.HeaderAll(name) {
			resp.AddHeader(name, v)
		}
	}
	return resp
}
