package discovery

import (
	"testing"

	"github.com/hoshizora-labs/capsule/internal/peertable"
)

func TestQueryRoundTrip(t *testing.T) {
	raw, err := BuildQuery()
	if err != nil {
		t.Fatalf("BuildQuery: %v", err)
	}
	msg, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if !IsQuery(msg) {
		t.Fatal("expected parsed message to be recognized as a query")
	}
}

func TestAnnounceRoundTrip(t *testing.T) {
	var shortID peertable.ShortID
	copy(shortID[:], []byte{1, 2, 3, 4, 5, 6, 7, 8})

	raw, err := BuildAnnounce(shortID, 8710)
	if err != nil {
		t.Fatalf("BuildAnnounce: %v", err)
	}
	msg, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if IsQuery(msg) {
		t.Fatal("announce message should not be recognized as a query")
	}

	gotID, gotPort, ok := AnnouncedShortID(msg)
	if !ok {
		t.Fatal("expected AnnouncedShortID to find the PTR/SRV pair")
	}
	if gotID != shortID {
		t.Fatalf("short id mismatch: %x vs %x", gotID, shortID)
	}
	if gotPort != 8710 {
		t.Fatalf("port mismatch: got %d", gotPort)
	}
}

func TestAnnouncedShortIDRejectsQuery(t *testing.T) {
	raw, _ := BuildQuery()
	msg, _ := ParseMessage(raw)
	if _, _, ok := AnnouncedShortID(msg); ok {
		t.Fatal("expected AnnouncedShortID to reject a query message")
	}
}

func TestPickInterfaceReturnsUsableOrErrNoIface(t *testing.T) {
	ifi, ip, err := PickInterface()
	if err != nil {
		if err != ErrNoIface {
			t.Fatalf("unexpected error: %v", err)
		}
		return
	}
	if ifi == nil || ip == nil {
		t.Fatal("expected a non-nil interface and IP on success")
	}
}
