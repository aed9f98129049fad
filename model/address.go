package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Address is a 48-bit MAC address identifying a gateway or terminal on the
// satellite link.
type Address [6]byte

// BroadcastAddress is the all-ones link-layer address.
var BroadcastAddress = Address{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// ParseAddress parses the colon separated hex form, e.g. "00:00:00:00:00:01".
func ParseAddress(s string) (Address, error) {
	var a Address
	parts := strings.Split(s, ":")
	if len(parts) != len(a) {
		return Address{}, fmt.Errorf("invalid address %q", s)
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return Address{}, fmt.Errorf("invalid address %q: %w", s, err)
		}
		a[i] = byte(v)
	}
	return a, nil
}

// AddressFromUint64 builds an address from the low 48 bits of v.
func AddressFromUint64(v uint64) Address {
	var a Address
	for i := len(a) - 1; i >= 0; i-- {
		a[i] = byte(v)
		v >>= 8
	}
	return a
}

// Uint64 returns the address as an integer.
func (a Address) Uint64() uint64 {
	var v uint64
	for _, b := range a {
		v = v<<8 | uint64(b)
	}
	return v
}

// IsBroadcast reports whether a is the broadcast address.
func (a Address) IsBroadcast() bool { return a == BroadcastAddress }

// IsGroup reports whether the I/G bit is set (multicast or broadcast).
func (a Address) IsGroup() bool { return a[0]&0x01 != 0 }

func (a Address) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
}

// MarshalText implements encoding.TextMarshaler so addresses can be used in
// YAML configuration and log fields.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
