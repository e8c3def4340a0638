package storage

import (
	"testing"
	"time"
)

func TestMemStoreLookupsAndOnlineBookkeeping(t *testing.T) {
	store := NewMemStore()
	store.Put("dev1", DeviceRecord{Secret: "s3cr3t", Heartbeat: 30 * time.Second, DomainID: "340200000020"})

	secret, ok := store.LookupSecret("dev1")
	if !ok || secret != "s3cr3t" {
		t.Fatalf("unexpected secret lookup: %q ok=%v", secret, ok)
	}

	hb, ok := store.LookupHeartbeat("dev1")
	if !ok || hb != 30*time.Second {
		t.Fatalf("unexpected heartbeat: %v ok=%v", hb, ok)
	}

	if _, ok := store.LookupSecret("unknown"); ok {
		t.Fatalf("expected miss for unknown device")
	}
	if hb, ok := store.LookupHeartbeat("unknown"); ok || hb != 60*time.Second {
		t.Fatalf("expected default heartbeat for unknown device, got %v ok=%v", hb, ok)
	}

	store.MarkOnline("dev1", "gw:5060", "sip:dev1@gw", "sip:realm@gw")
	if !store.IsOnline("dev1") {
		t.Fatalf("expected dev1 online after MarkOnline")
	}
	store.MarkOffline("dev1")
	if store.IsOnline("dev1") {
		t.Fatalf("expected dev1 offline after MarkOffline")
	}
}
