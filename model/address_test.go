package model

import "testing"

func TestParseAddressRoundTrip(t *testing.T) {
	a, err := ParseAddress("00:00:00:00:01:0a")
	if err != nil {
		t.Fatalf("ParseAddress: %v", err)
	}
	if got := a.Uint64(); got != 0x10a {
		t.Fatalf("Uint64 = %#x, want 0x10a", got)
	}
	if a != AddressFromUint64(0x10a) {
		t.Fatalf("AddressFromUint64 mismatch: %s", AddressFromUint64(0x10a))
	}
	if got := a.String(); got != "00:00:00:00:01:0a" {
		t.Fatalf("String = %q", got)
	}
}

func TestParseAddressRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "00:00:00:00:01", "00:00:00:00:01:zz", "00:00:00:00:01:100"} {
		if _, err := ParseAddress(s); err == nil {
			t.Fatalf("ParseAddress(%q) succeeded", s)
		}
	}
}

func TestGroupAndBroadcast(t *testing.T) {
	if !BroadcastAddress.IsBroadcast() || !BroadcastAddress.IsGroup() {
		t.Fatalf("broadcast address flags wrong")
	}
	multicast := Address{0x01, 0, 0x5e, 0, 0, 1}
	if !multicast.IsGroup() || multicast.IsBroadcast() {
		t.Fatalf("multicast address flags wrong")
	}
	if AddressFromUint64(1).IsGroup() {
		t.Fatalf("unicast address reported as group")
	}
}

func TestAddressText(t *testing.T) {
	var a Address
	if err := a.UnmarshalText([]byte("00:00:00:00:00:02")); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	text, err := a.MarshalText()
	if err != nil || string(text) != "00:00:00:00:00:02" {
		t.Fatalf("MarshalText = %q, %v", text, err)
	}
	if err := a.UnmarshalText([]byte("bogus")); err == nil {
		t.Fatalf("UnmarshalText accepted bogus input")
	}
}
