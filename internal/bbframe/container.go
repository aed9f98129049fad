package bbframe

import (
	"fmt"
	"sort"
	"time"

	"github.com/signalsfoundry/satlink-scheduler/internal/ctrlmsg"
)

// Container holds the frames of the forward-link scheduler, keyed by flow
// then format. The last frame of each queue is the tail being filled.
type Container struct {
	conf  *Conf
	flows map[uint8]map[Format][]*Frame
	total time.Duration
	count int
}

// NewContainer creates an empty container.
func NewContainer(conf *Conf) *Container {
	return &Container{
		conf:  conf,
		flows: make(map[uint8]map[Format][]*Frame),
	}
}

// TotalDuration returns the summed air time of every held frame.
func (c *Container) TotalDuration() time.Duration { return c.total }

// Len returns the number of held frames.
func (c *Container) Len() int { return c.count }

// MaxPayloadBytes returns the capacity of a fresh frame of format f.
func (c *Container) MaxPayloadBytes(f Format) uint32 { return c.conf.MaxPayloadBytes(f) }

// BytesLeftInTail returns the space in the tail frame of (flow, f), or 0
// when there is none.
func (c *Container) BytesLeftInTail(flow uint8, f Format) uint32 {
	tail := c.tail(flow, f)
	if tail == nil {
		return 0
	}
	return tail.SpaceLeft()
}

// AddData appends p to the tail frame of (flow, f), opening a new frame when
// there is no tail or p does not fit in it.
func (c *Container) AddData(flow uint8, f Format, p *ctrlmsg.Packet) error {
	if p == nil {
		return nil
	}
	if limit := c.conf.MaxPayloadBytes(f); p.Size > limit {
		return fmt.Errorf("%w: %d byte unit, %s frame holds %d", ErrPayloadOverflow, p.Size, f, limit)
	}
	tail := c.tail(flow, f)
	if tail == nil || tail.SpaceLeft() < p.Size {
		frame, err := NewFrame(f, c.conf)
		if err != nil {
			return err
		}
		c.push(flow, frame)
		tail = frame
	}
	return tail.AddPayload(p)
}

// NextFrame removes and closes the next frame to transmit: lowest flow id
// first, then by MODCOD and frame type. It returns nil when empty.
func (c *Container) NextFrame() *Frame {
	flows := c.flowIDs()
	if len(flows) == 0 {
		return nil
	}
	flow := flows[0]
	f := sortedFormats(c.flows[flow])[0]
	frame := c.flows[flow][f][0]
	c.remove(flow, f, 0)
	frame.Close()
	return frame
}

// Merge moves partially filled tail frames into the tail of a more robust
// format of the same flow and frame type when the whole payload fits. Frames
// emptied this way are dropped, which shortens TotalDuration.
func (c *Container) Merge() int {
	merged := 0
	for _, flow := range c.flowIDs() {
		queues := c.flows[flow]
		formats := sortedFormats(queues)
		// Least robust first so payload can cascade down.
		sort.SliceStable(formats, func(i, j int) bool {
			return c.conf.MoreRobust(formats[j].Modcod, formats[i].Modcod)
		})
		for _, from := range formats {
			src := c.tail(flow, from)
			if src == nil || src.SpaceLeft() == 0 {
				continue
			}
			dst := c.mergeTarget(flow, src, formats)
			if dst == nil {
				continue
			}
			dst.mergeFrom(src)
			c.remove(flow, from, len(queues[from])-1)
			merged++
		}
	}
	return merged
}

// Frames returns the held frames of flow in transmission order.
func (c *Container) Frames(flow uint8) []*Frame {
	var out []*Frame
	queues := c.flows[flow]
	for _, f := range sortedFormats(queues) {
		out = append(out, queues[f]...)
	}
	return out
}

// Reset drops every frame.
func (c *Container) Reset() {
	c.flows = make(map[uint8]map[Format][]*Frame)
	c.total = 0
	c.count = 0
}

func (c *Container) mergeTarget(flow uint8, src *Frame, formats []Format) *Frame {
	var best *Frame
	for _, f := range formats {
		if f.Type != src.Type() || !c.conf.MoreRobust(f.Modcod, src.Modcod()) {
			continue
		}
		dst := c.tail(flow, f)
		if dst == nil || dst.SpaceLeft() < src.PayloadBytes() {
			continue
		}
		// Prefer the least robust candidate to keep spectral efficiency.
		if best == nil || c.conf.MoreRobust(best.Modcod(), dst.Modcod()) {
			best = dst
		}
	}
	return best
}

func (c *Container) tail(flow uint8, f Format) *Frame {
	frames := c.flows[flow][f]
	if len(frames) == 0 {
		return nil
	}
	return frames[len(frames)-1]
}

func (c *Container) push(flow uint8, frame *Frame) {
	queues, ok := c.flows[flow]
	if !ok {
		queues = make(map[Format][]*Frame)
		c.flows[flow] = queues
	}
	queues[frame.Format()] = append(queues[frame.Format()], frame)
	c.total += frame.Duration()
	c.count++
}

func (c *Container) remove(flow uint8, f Format, idx int) {
	queues := c.flows[flow]
	frames := queues[f]
	frame := frames[idx]
	frames = append(frames[:idx], frames[idx+1:]...)
	if len(frames) == 0 {
		delete(queues, f)
	} else {
		queues[f] = frames
	}
	if len(queues) == 0 {
		delete(c.flows, flow)
	}
	c.total -= frame.Duration()
	c.count--
}

func (c *Container) flowIDs() []uint8 {
	ids := make([]uint8, 0, len(c.flows))
	for id := range c.flows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func sortedFormats(queues map[Format][]*Frame) []Format {
	out := make([]Format, 0, len(queues))
	for f := range queues {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Modcod != out[j].Modcod {
			return out[i].Modcod < out[j].Modcod
		}
		return out[i].Type < out[j].Type
	})
	return out
}
