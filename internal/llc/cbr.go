package llc

import (
	"errors"
	"fmt"
	"time"

	"github.com/signalsfoundry/satlink-scheduler/internal/sim"
	"github.com/signalsfoundry/satlink-scheduler/model"
)

// CBR is a constant bit rate source: one unit of Size bytes every Interval.
type CBR struct {
	Dest     model.Address
	Flow     uint8
	Size     uint32
	Interval time.Duration

	sent    uint64
	dropped uint64
	loop    *sim.Loop
	first   sim.EventID
	task    *sim.Task
}

// Start begins generating into q after delay. Units refused by a full
// buffer are counted and dropped.
func (c *CBR) Start(loop *sim.Loop, q *Queue, delay time.Duration) error {
	if c.Interval <= 0 || c.Size == 0 {
		return fmt.Errorf("llc: CBR needs a positive interval and size, got %v / %d", c.Interval, c.Size)
	}
	c.loop = loop
	c.first = loop.After(delay, func() error {
		if err := c.emit(q); err != nil {
			return err
		}
		c.task = loop.Every(c.Interval, func() error { return c.emit(q) })
		return nil
	})
	return nil
}

func (c *CBR) emit(q *Queue) error {
	if _, err := q.Enqueue(c.Dest, c.Flow, c.Size); err != nil {
		if errors.Is(err, ErrBufferFull) {
			c.dropped++
			return nil
		}
		return err
	}
	c.sent++
	return nil
}

// Stop ends generation.
func (c *CBR) Stop() {
	if c.loop != nil {
		c.loop.Cancel(c.first)
	}
	c.task.Stop()
}

// Sent returns the number of units generated.
func (c *CBR) Sent() uint64 { return c.sent }

// Dropped returns the number of units refused by the buffer.
func (c *CBR) Dropped() uint64 { return c.dropped }
