// Package llc provides the link-layer buffers that sit above the MACs: a
// FIFO per (destination, flow) that serves as the forward scheduler's
// demand source, as the terminal's return-link queue and as the forward
// path for control messages, plus a constant bit rate traffic source.
package llc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/satlink-scheduler/internal/ctrlmsg"
	"github.com/signalsfoundry/satlink-scheduler/model"
	"github.com/signalsfoundry/satlink-scheduler/timectrl"
)

// ErrBufferFull is returned when an enqueue would exceed the buffer limit.
var ErrBufferFull = errors.New("llc: buffer full")

type key struct {
	dest model.Address
	flow uint8
}

type entry struct {
	packet   *ctrlmsg.Packet
	enqueued time.Time
}

// Queue buffers data units per (destination, flow). Units are never
// fragmented, so the smallest opportunity a flow can use is the size of its
// head unit. Safe for concurrent use.
type Queue struct {
	src   model.Address
	clock timectrl.SimClock
	limit uint32

	mu    sync.Mutex
	flows map[key][]entry
	// order lists the non-empty flows, control flow first.
	order    []key
	buffered uint32
	nextID   uint64
	dropped  uint64
}

// Option configures a Queue.
type Option func(*Queue)

// WithLimit caps the total buffered bytes; 0 means unlimited.
func WithLimit(bytes uint32) Option {
	return func(q *Queue) { q.limit = bytes }
}

// NewQueue creates the buffer of the node with address src.
func NewQueue(src model.Address, clock timectrl.SimClock, opts ...Option) *Queue {
	q := &Queue{
		src:   src,
		clock: clock,
		flows: make(map[key][]entry),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue buffers a new unit of size bytes for dest on flow.
func (q *Queue) Enqueue(dest model.Address, flow uint8, size uint32) (*ctrlmsg.Packet, error) {
	q.mu.Lock()
	q.nextID++
	p := &ctrlmsg.Packet{ID: q.nextID, Size: size, Src: q.src, Dst: dest}
	q.mu.Unlock()

	if err := q.EnqueuePacket(flow, p); err != nil {
		return nil, err
	}
	return p, nil
}

// EnqueuePacket buffers p on flow towards p.Dst.
func (q *Queue) EnqueuePacket(flow uint8, p *ctrlmsg.Packet) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.limit > 0 && q.buffered+p.Size > q.limit {
		q.dropped++
		return fmt.Errorf("%w: %d + %d > %d bytes", ErrBufferFull, q.buffered, p.Size, q.limit)
	}
	k := key{dest: p.Dst, flow: flow}
	if _, ok := q.flows[k]; !ok {
		q.order = append(q.order, k)
		sort.SliceStable(q.order, func(i, j int) bool { return q.order[i].flow < q.order[j].flow })
	}
	q.flows[k] = append(q.flows[k], entry{packet: p, enqueued: q.clock.Now()})
	q.buffered += p.Size
	return nil
}

// SendControl queues a control unit on the control flow.
func (q *Queue) SendControl(_ context.Context, p *ctrlmsg.Packet) error {
	return q.EnqueuePacket(model.ControlFlowID, p)
}

// SchedulingDescriptors returns one descriptor per non-empty (dest, flow),
// control flow first.
func (q *Queue) SchedulingDescriptors() []model.SchedulingDescriptor {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	var out []model.SchedulingDescriptor
	for _, k := range q.order {
		entries := q.flows[k]
		if len(entries) == 0 {
			continue
		}
		var bytes uint32
		for _, e := range entries {
			bytes += e.packet.Size
		}
		out = append(out, model.SchedulingDescriptor{
			FlowID:           k.flow,
			BufferedBytes:    bytes,
			HolDelay:         now.Sub(entries[0].enqueued),
			MinTxOpportunity: entries[0].packet.Size,
			Dest:             k.dest,
		})
	}
	return out
}

// RequestData dequeues the head unit of (dest, flow) if it fits maxBytes.
func (q *Queue) RequestData(maxBytes uint32, dest model.Address, flow uint8) (*ctrlmsg.Packet, uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked(key{dest: dest, flow: flow}, maxBytes)
}

// TxOpportunity serves a return-link slot: it dequeues the first head unit,
// in flow order, that fits maxBytes. The second result is the total still
// buffered.
func (q *Queue) TxOpportunity(maxBytes uint32, _ model.Address) (*ctrlmsg.Packet, uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, k := range q.order {
		entries := q.flows[k]
		if len(entries) == 0 || entries[0].packet.Size > maxBytes {
			continue
		}
		p, _ := q.popLocked(k, maxBytes)
		return p, q.buffered
	}
	return nil, q.buffered
}

func (q *Queue) popLocked(k key, maxBytes uint32) (*ctrlmsg.Packet, uint32) {
	entries := q.flows[k]
	if len(entries) == 0 {
		return nil, 0
	}
	head := entries[0].packet
	if head.Size > maxBytes {
		return nil, q.bytesLocked(k)
	}
	q.buffered -= head.Size
	if len(entries) == 1 {
		q.removeLocked(k)
		return head, 0
	}
	q.flows[k] = entries[1:]
	return head, q.bytesLocked(k)
}

// removeLocked forgets an emptied flow so that order only holds flows with
// buffered units.
func (q *Queue) removeLocked(k key) {
	delete(q.flows, k)
	for i, o := range q.order {
		if o == k {
			q.order = append(q.order[:i], q.order[i+1:]...)
			return
		}
	}
}

func (q *Queue) bytesLocked(k key) uint32 {
	var n uint32
	for _, e := range q.flows[k] {
		n += e.packet.Size
	}
	return n
}

// Buffered returns the total bytes waiting.
func (q *Queue) Buffered() uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.buffered
}

// Dropped returns the number of units refused because the buffer was full.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
