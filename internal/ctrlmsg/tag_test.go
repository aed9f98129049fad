package ctrlmsg

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestControlTagRoundTrip(t *testing.T) {
	in := ControlTag{Type: MsgTbtp, ID: 0xdeadbeef}
	buf, err := in.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if len(buf) != in.SerializedSize() {
		t.Fatalf("len(buf) = %d, want %d", len(buf), in.SerializedSize())
	}
	var out ControlTag
	if err := out.UnmarshalBinary(buf); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if out != in {
		t.Fatalf("round trip = %+v, want %+v", out, in)
	}
}

func TestControlTagShortBuffer(t *testing.T) {
	var tag ControlTag
	if err := tag.UnmarshalBinary(make([]byte, 7)); !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("UnmarshalBinary(7 bytes) error = %v, want ErrShortBuffer", err)
	}
}

func TestCapacityRequestRbdcNaN(t *testing.T) {
	in := CapacityRequest{Type: CrRbdc, RequestedRate: 0.0, Cno: math.NaN()}
	buf, err := in.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if len(buf) != 20 || in.SerializedSize() != 20 {
		t.Fatalf("encoded %d bytes (SerializedSize %d), want 20", len(buf), in.SerializedSize())
	}

	var out CapacityRequest
	if err := out.UnmarshalBinary(buf); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if diff := cmp.Diff(in, out, cmpopts.EquateNaNs()); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
	if math.Float64bits(out.Cno) != math.Float64bits(in.Cno) {
		t.Fatalf("NaN payload changed: %x vs %x", math.Float64bits(out.Cno), math.Float64bits(in.Cno))
	}
}

func TestCapacityRequestRoundTripValues(t *testing.T) {
	cases := []CapacityRequest{
		{Type: CrRbdc, RequestedRate: 128, Cno: 72.5},
		{Type: CrVbdc, RequestedRate: math.Inf(1), Cno: -3.25},
		{Type: CrAvbdc, RequestedRate: 1e-9, Cno: 0},
	}
	for _, in := range cases {
		buf, err := in.MarshalBinary()
		if err != nil {
			t.Fatalf("MarshalBinary(%+v): %v", in, err)
		}
		var out CapacityRequest
		if err := out.UnmarshalBinary(buf); err != nil {
			t.Fatalf("UnmarshalBinary(%+v): %v", in, err)
		}
		if out != in {
			t.Fatalf("round trip = %+v, want %+v", out, in)
		}
	}
}

func TestMsgTypeString(t *testing.T) {
	if got := MsgTbtp.String(); got != "TBTP" {
		t.Fatalf("MsgTbtp.String() = %q", got)
	}
	if got := MsgType(42).String(); got != "UNKNOWN(42)" {
		t.Fatalf("MsgType(42).String() = %q", got)
	}
}
