package bbframe

import (
	"errors"
	"testing"
)

func TestContainerAddDataOpensFrames(t *testing.T) {
	conf := testConf(t, ConfParams{})
	c := NewContainer(conf)
	f := Format{QPSK_1_2, ShortFrame} // 869 bytes

	if got := c.BytesLeftInTail(1, f); got != 0 {
		t.Fatalf("BytesLeftInTail(empty) = %d", got)
	}
	for _, size := range []uint32{500, 300, 100} {
		if err := c.AddData(1, f, pkt(size)); err != nil {
			t.Fatalf("AddData(%d): %v", size, err)
		}
	}
	if c.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 frames", c.Len())
	}
	if got := c.BytesLeftInTail(1, f); got != 869-100 {
		t.Fatalf("BytesLeftInTail = %d, want %d", got, 869-100)
	}
	if got, want := c.TotalDuration(), 2*conf.Duration(f); got != want {
		t.Fatalf("TotalDuration = %v, want %v", got, want)
	}

	if err := c.AddData(1, f, pkt(870)); !errors.Is(err, ErrPayloadOverflow) {
		t.Fatalf("oversized unit error = %v", err)
	}
}

func TestContainerNextFrameOrder(t *testing.T) {
	conf := testConf(t, ConfParams{})
	c := NewContainer(conf)

	mustAdd := func(flow uint8, f Format, size uint32) {
		t.Helper()
		if err := c.AddData(flow, f, pkt(size)); err != nil {
			t.Fatalf("AddData: %v", err)
		}
	}
	mustAdd(3, Format{PSK8_3_5, NormalFrame}, 10)
	mustAdd(3, Format{QPSK_1_2, NormalFrame}, 20)
	mustAdd(0, Format{QPSK_1_4, ShortFrame}, 30)

	want := []uint32{30, 20, 10}
	for i, size := range want {
		frame := c.NextFrame()
		if frame == nil {
			t.Fatalf("frame %d: nil", i)
		}
		if frame.PayloadBytes() != size {
			t.Fatalf("frame %d payload = %d, want %d", i, frame.PayloadBytes(), size)
		}
		if !frame.Closed() {
			t.Fatalf("frame %d not closed", i)
		}
	}
	if c.NextFrame() != nil {
		t.Fatalf("expected empty container")
	}
	if c.TotalDuration() != 0 || c.Len() != 0 {
		t.Fatalf("TotalDuration = %v Len = %d after draining", c.TotalDuration(), c.Len())
	}
}

func TestContainerMerge(t *testing.T) {
	conf := testConf(t, ConfParams{})
	c := NewContainer(conf)
	robust := Format{QPSK_1_2, NormalFrame}
	efficient := Format{APSK16_3_4, NormalFrame}
	shortFmt := Format{QPSK_1_4, ShortFrame}

	if err := c.AddData(1, robust, pkt(1000)); err != nil {
		t.Fatalf("AddData: %v", err)
	}
	if err := c.AddData(1, efficient, pkt(500)); err != nil {
		t.Fatalf("AddData: %v", err)
	}
	// Different frame type never merges.
	if err := c.AddData(1, shortFmt, pkt(50)); err != nil {
		t.Fatalf("AddData: %v", err)
	}
	before := c.TotalDuration()

	if n := c.Merge(); n != 1 {
		t.Fatalf("Merge() = %d, want 1", n)
	}
	if c.Len() != 2 {
		t.Fatalf("Len() after merge = %d, want 2", c.Len())
	}
	if got, want := c.TotalDuration(), before-conf.Duration(efficient); got != want {
		t.Fatalf("TotalDuration after merge = %v, want %v", got, want)
	}
	if got := c.BytesLeftInTail(1, robust); got != 4016-1500 {
		t.Fatalf("robust tail space = %d, want %d", got, 4016-1500)
	}
	if got := c.BytesLeftInTail(1, efficient); got != 0 {
		t.Fatalf("efficient tail should be gone, space = %d", got)
	}
}

func TestContainerMergeRequiresSpace(t *testing.T) {
	conf := testConf(t, ConfParams{})
	c := NewContainer(conf)
	robust := Format{QPSK_1_2, NormalFrame}
	efficient := Format{APSK16_3_4, NormalFrame}

	if err := c.AddData(2, robust, pkt(4000)); err != nil {
		t.Fatalf("AddData: %v", err)
	}
	if err := c.AddData(2, efficient, pkt(500)); err != nil {
		t.Fatalf("AddData: %v", err)
	}
	if n := c.Merge(); n != 0 {
		t.Fatalf("Merge() = %d, want 0", n)
	}
	if len(c.Frames(2)) != 2 {
		t.Fatalf("Frames(2) = %d, want 2", len(c.Frames(2)))
	}
	c.Reset()
	if c.Len() != 0 || c.TotalDuration() != 0 {
		t.Fatalf("Reset left %d frames", c.Len())
	}
}
