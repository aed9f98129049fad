// Package kpi keeps the per-terminal link statistics the simulator reports:
// bytes and units delivered on each link direction and the last known C/N0.
package kpi

import (
	"math"
	"sync"
	"time"

	"github.com/signalsfoundry/satlink-scheduler/model"
	"golang.org/x/exp/slices"
)

// TerminalStats is the accumulated view of one terminal.
type TerminalStats struct {
	Address model.Address

	// ForwardBytes and ForwardPackets count units received by the terminal.
	ForwardBytes   uint64
	ForwardPackets uint64

	// ReturnBytes and ReturnPackets count units received from the terminal
	// at the gateway.
	ReturnBytes   uint64
	ReturnPackets uint64

	// Cno is the last C/N0 sample in dB-Hz, NaN when none was seen.
	Cno float64

	LastUpdate time.Time
}

// FrameStats counts forward-link frames put on the air.
type FrameStats struct {
	Data         uint64
	Dummy        uint64
	PayloadBytes uint64
}

// Store is a concurrency-safe store of terminal statistics.
type Store struct {
	mu     sync.RWMutex
	byUT   map[model.Address]*TerminalStats
	frames FrameStats
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{byUT: make(map[model.Address]*TerminalStats)}
}

// entryLocked returns the stats of addr, creating them. Caller holds mu.
func (s *Store) entryLocked(addr model.Address) *TerminalStats {
	st, ok := s.byUT[addr]
	if !ok {
		st = &TerminalStats{Address: addr, Cno: math.NaN()}
		s.byUT[addr] = st
	}
	return st
}

// Register makes a terminal visible before any traffic is seen.
func (s *Store) Register(addr model.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entryLocked(addr)
}

// RecordForward accounts a unit of size bytes delivered to terminal.
func (s *Store) RecordForward(terminal model.Address, size uint32, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.entryLocked(terminal)
	st.ForwardBytes += uint64(size)
	st.ForwardPackets++
	st.LastUpdate = at
}

// RecordReturn accounts a unit of size bytes received from terminal.
func (s *Store) RecordReturn(terminal model.Address, size uint32, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.entryLocked(terminal)
	st.ReturnBytes += uint64(size)
	st.ReturnPackets++
	st.LastUpdate = at
}

// RecordCno stores the latest C/N0 sample of terminal. NaN is ignored.
func (s *Store) RecordCno(terminal model.Address, cno float64, at time.Time) {
	if math.IsNaN(cno) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.entryLocked(terminal)
	st.Cno = cno
	st.LastUpdate = at
}

// RecordFrame accounts a forward-link frame.
func (s *Store) RecordFrame(dummy bool, payload uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dummy {
		s.frames.Dummy++
		return
	}
	s.frames.Data++
	s.frames.PayloadBytes += uint64(payload)
}

// Terminal returns a copy of the stats of addr, or nil if it is unknown.
func (s *Store) Terminal(addr model.Address) *TerminalStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.byUT[addr]
	if !ok {
		return nil
	}
	cp := *st
	return &cp
}

// Terminals returns copies of every terminal's stats ordered by address.
func (s *Store) Terminals() []TerminalStats {
	s.mu.RLock()
	out := make([]TerminalStats, 0, len(s.byUT))
	for _, st := range s.byUT {
		out = append(out, *st)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b TerminalStats) int {
		switch x, y := a.Address.Uint64(), b.Address.Uint64(); {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	})
	return out
}

// Frames returns the forward-link frame counters.
func (s *Store) Frames() FrameStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frames
}
