// Package digest implements the RFC 2617/3261 MD5 qop=auth challenge and
// response used to authenticate REGISTER requests: the GB/T-28181 spec
// pins MD5 digest with a fresh nonce per 401 and stops there — it does
// not require qop=auth-int or SHA-256.
package digest

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// Challenge is the state a 401 response carries and the device must
// echo in its follow-up Authorization header.
type Challenge struct {
	Realm string
	Nonce string
	Opaque string
}

// NewNonce generates a fresh hex-encoded nonce. crypto/rand is used
// rather than a counter or the clock: a predictable nonce would let a
// replayed Authorization header pass verification.
func NewNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("digest: generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// NewChallenge builds a fresh challenge for realm, with a matching
// opaque token (also random) echoed back verbatim by compliant clients.
func NewChallenge(realm string) (Challenge, error) {
	nonce, err := NewNonce()
	if err != nil {
		return Challenge{}, err
	}
	opaque, err := NewNonce()
	if err != nil {
		return Challenge{}, err
	}
	return Challenge{Realm: realm, Nonce: nonce, Opaque: opaque}, nil
}

// Header renders the WWW-Authenticate header value for ch.
func (ch Challenge) Header() string {
	return fmt.Sprintf(`Digest realm="%s", nonce="%s", opaque="%s", algorithm=MD5, qop="auth"`,
		ch.Realm, ch.Nonce, ch.Opaque)
}

// Credentials is the parsed content of a request's Authorization header.
type Credentials struct {
	Username string
	Realm    string
	Nonce    string
	URI      string
	Response string
	Opaque   string
	QOP      string
	NC       string
	CNonce   string
	Algorithm string
}

// ParseAuthorization parses a `Digest ...` Authorization header value
// into its component directives. Unknown directives are ignored.
func ParseAuthorization(header string) (Credentials, error) {
	var cred Credentials
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(strings.ToLower(header), "digest") {
		return cred, fmt.Errorf("digest: not a Digest Authorization header")
	}
	rest := strings.TrimSpace(header[len("Digest"):])
	for _, part := range splitDirectives(rest) {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		val := strings.Trim(strings.TrimSpace(kv[1]), `"`)
		switch strings.ToLower(key) {
		case "username":
			cred.Username = val
		case "realm":
			cred.Realm = val
		case "nonce":
			cred.Nonce = val
		case "uri":
			cred.URI = val
		case "response":
			cred.Response = val
		case "opaque":
			cred.Opaque = val
		case "qop":
			cred.QOP = val
		case "nc":
			cred.NC = val
		case "cnonce":
			cred.CNonce = val
		case "algorithm":
			cred.Algorithm = val
		}
	}
	if cred.Username == "" || cred.Nonce == "" || cred.Response == "" {
		return cred, fmt.Errorf("digest: missing required directive")
	}
	return cred, nil
}

// splitDirectives splits a comma-separated directive list while
// respecting quoted commas inside directive values.
func splitDirectives(s string) []string {
	var out []string
	var cur strings.Builder
	inQuotes := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			cur.WriteRune(r)
		case r == ',' && !inQuotes:
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

func md5Hex(parts ...string) string {
	sum := md5.Sum([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(sum[:])
}

// HA1 computes the RFC 2617 A1 hash: MD5(username:realm:password).
func HA1(username, realm, password string) string {
	return md5Hex(username, realm, password)
}

// HA2 computes the RFC 2617 A2 hash for qop=auth: MD5(method:digestURI).
func HA2(method, digestURI string) string {
	return md5Hex(method, digestURI)
}

// Response computes the expected qop=auth digest response:
// MD5(HA1:nonce:nc:cnonce:qop:HA2).
func Response(ha1, nonce, nc, cnonce, qop, ha2 string) string {
	if qop == "" {
		return md5Hex(ha1, nonce, ha2)
	}
	return md5Hex(ha1, nonce, nc, cnonce, qop, ha2)
}

// Verify reports whether cred's response digest matches the one
// computed from method, password, and cred's own echoed fields. The
// caller is responsible for confirming cred.Nonce was actually issued
// by this gateway (fresh-nonce-per-401 bookkeeping lives in sipgw).
func Verify(cred Credentials, method, password string) bool {
	ha1 := HA1(cred.Username, cred.Realm, password)
	ha2 := HA2(method, cred.URI)
	want := Response(ha1, cred.Nonce, cred.NC, cred.CNonce, cred.QOP, ha2)
	return want == cred.Response
}
