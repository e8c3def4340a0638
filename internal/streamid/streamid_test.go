package streamid

import "testing"

// TestRoundTrip covers property 5 (round-trip stream-id) using the
// literal triple from scenario S6.
func TestRoundTrip(t *testing.T) {
	deviceID := "34020000001110000001"
	channelID := "34020000001320000101"
	ssrc := "1100000001"

	id, err := EncodeStreamID(deviceID, channelID, ssrc)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if id == "" {
		t.Fatalf("expected non-empty stream id")
	}

	gotDevice, gotChannel, gotSSRC, err := DecodeStreamID(id)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if gotDevice != deviceID || gotChannel != channelID || gotSSRC != ssrc {
		t.Fatalf("round trip mismatch: got (%s,%s,%s), want (%s,%s,%s)",
			gotDevice, gotChannel, gotSSRC, deviceID, channelID, ssrc)
	}
}

// TestRoundTripManyTriples exercises the codec across a spread of digit
// patterns, since the salt bits are randomized per-call by the clock.
func TestRoundTripManyTriples(t *testing.T) {
	triples := [][3]string{
		{"00000000000000000000", "00000000000000000000", "0000000000"},
		{"99999999999999999999", "99999999999999999999", "9999999999"},
		{"12345678901234567890", "09876543210987654321", "1100009001"},
		{"34020000001110000001", "34020000001320000101", "0100000801"},
	}
	for _, tr := range triples {
		id, err := EncodeStreamID(tr[0], tr[1], tr[2])
		if err != nil {
			t.Fatalf("encode(%v): %v", tr, err)
		}
		d, c, s, err := DecodeStreamID(id)
		if err != nil {
			t.Fatalf("decode(%q): %v", id, err)
		}
		if d != tr[0] || c != tr[1] || s != tr[2] {
			t.Fatalf("triple %v round trip mismatch: got (%s,%s,%s)", tr, d, c, s)
		}
	}
}

func TestEncodeStreamIDRejectsBadLengths(t *testing.T) {
	if _, err := EncodeStreamID("123", "34020000001320000101", "1100000001"); err == nil {
		t.Fatalf("expected error for short device id")
	}
}

// TestSSRCPoolConservation covers property 6: |free|+|in_use| == 10000
// at every observable point, and Get-then-Put(v) returns v to free.
func TestSSRCPoolConservation(t *testing.T) {
	p := NewSSRCPool()
	if got := p.Free(); got != PoolSize {
		t.Fatalf("expected %d free initially, got %d", PoolSize, got)
	}

	var taken []uint16
	for i := 0; i < 100; i++ {
		v, err := p.Get()
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		taken = append(taken, v)
		if p.Free()+p.InUse() != PoolSize {
			t.Fatalf("conservation violated after get %d: free=%d in_use=%d", i, p.Free(), p.InUse())
		}
	}
	// Smallest-first allocation order.
	for i, v := range taken {
		if int(v) != i {
			t.Fatalf("expected smallest-first allocation, got %v at index %d", v, i)
		}
	}
	for _, v := range taken {
		p.Put(v)
		if p.Free()+p.InUse() != PoolSize {
			t.Fatalf("conservation violated after put %d", v)
		}
	}
	if p.Free() != PoolSize {
		t.Fatalf("expected full pool after returning all, got free=%d", p.Free())
	}
}

func TestSSRCPoolExhaustion(t *testing.T) {
	p := NewSSRCPool()
	for i := 0; i < PoolSize; i++ {
		if _, err := p.Get(); err != nil {
			t.Fatalf("unexpected exhaustion at %d: %v", i, err)
		}
	}
	if _, err := p.Get(); err == nil {
		t.Fatalf("expected exhaustion error")
	}
}

func TestFormatSSRC(t *testing.T) {
	got, err := FormatSSRC("34020000002000000001", true, 1)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if got != "0000000001" {
		t.Fatalf("unexpected ssrc: %q", got)
	}
}
