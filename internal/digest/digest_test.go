package digest

import "testing"

func TestNewChallengeHeaderFormat(t *testing.T) {
	ch, err := NewChallenge("3402000000")
	if err != nil {
		t.Fatalf("new challenge: %v", err)
	}
	if ch.Nonce == "" || ch.Opaque == "" {
		t.Fatalf("expected non-empty nonce/opaque")
	}
	header := ch.Header()
	if want := `realm="3402000000"`; !contains(header, want) {
		t.Fatalf("header %q missing %q", header, want)
	}
}

func TestParseAuthorizationRoundTrip(t *testing.T) {
	raw := `Digest username="34020000001110000001", realm="3402000000", nonce="abc123", ` +
		`uri="sip:3402000000@gw", response="deadbeef", qop=auth, nc=00000001, cnonce="xyz", algorithm=MD5`
	cred, err := ParseAuthorization(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cred.Username != "34020000001110000001" || cred.Realm != "3402000000" || cred.Nonce != "abc123" {
		t.Fatalf("unexpected credentials: %+v", cred)
	}
	if cred.QOP != "auth" || cred.NC != "00000001" || cred.CNonce != "xyz" {
		t.Fatalf("unexpected qop fields: %+v", cred)
	}
}

func TestParseAuthorizationMissingResponseRejected(t *testing.T) {
	raw := `Digest username="dev", realm="r", nonce="n"`
	if _, err := ParseAuthorization(raw); err == nil {
		t.Fatalf("expected rejection for missing response directive")
	}
}

func TestVerifyAcceptsMatchingDigest(t *testing.T) {
	username := "34020000001110000001"
	realm := "3402000000"
	password := "hunter2"
	method := "REGISTER"
	uri := "sip:3402000000@gw"
	nonce := "abc123"
	nc := "00000001"
	cnonce := "client-nonce"
	qop := "auth"

	ha1 := HA1(username, realm, password)
	ha2 := HA2(method, uri)
	resp := Response(ha1, nonce, nc, cnonce, qop, ha2)

	cred := Credentials{
		Username: username, Realm: realm, Nonce: nonce, URI: uri,
		Response: resp, QOP: qop, NC: nc, CNonce: cnonce,
	}
	if !Verify(cred, method, password) {
		t.Fatalf("expected matching digest to verify")
	}
}

func TestVerifyRejectsWrongPassword(t *testing.T) {
	ha1 := HA1("dev", "realm", "correct")
	ha2 := HA2("REGISTER", "sip:realm@gw")
	resp := Response(ha1, "nonce1", "00000001", "cn", "auth", ha2)
	cred := Credentials{
		Username: "dev", Realm: "realm", Nonce: "nonce1", URI: "sip:realm@gw",
		Response: resp, QOP: "auth", NC: "00000001", CNonce: "cn",
	}
	if Verify(cred, "REGISTER", "wrong") {
		t.Fatalf("expected mismatch with wrong password")
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
