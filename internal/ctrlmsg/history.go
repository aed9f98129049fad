package ctrlmsg

import "sync"

// DefaultTbtpHistoryCapacity is the number of TBTPs retained per beam.
const DefaultTbtpHistoryCapacity = 50

// TbtpHistory retains the most recent TBTPs of a beam under increasing ids so
// that terminals can resolve the id carried in a TBTP control tag. When full,
// the oldest table is evicted first.
type TbtpHistory struct {
	mu       sync.RWMutex
	capacity int
	nextID   uint32
	order    []uint32
	tables   map[uint32]*Tbtp
}

// NewTbtpHistory creates a history holding at most capacity tables. A
// non-positive capacity selects DefaultTbtpHistoryCapacity.
func NewTbtpHistory(capacity int) *TbtpHistory {
	if capacity <= 0 {
		capacity = DefaultTbtpHistoryCapacity
	}
	return &TbtpHistory{
		capacity: capacity,
		order:    make([]uint32, 0, capacity),
		tables:   make(map[uint32]*Tbtp, capacity),
	}
}

// Add stores t and returns its id.
func (h *TbtpHistory) Add(t *Tbtp) uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.order) >= h.capacity {
		oldest := h.order[0]
		h.order = h.order[1:]
		delete(h.tables, oldest)
	}

	id := h.nextID
	h.nextID++
	h.order = append(h.order, id)
	h.tables[id] = t
	return id
}

// Get returns the table stored under id, or false when it was never added or
// has already been evicted.
func (h *TbtpHistory) Get(id uint32) (*Tbtp, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.tables[id]
	return t, ok
}

// Len returns the number of retained tables.
func (h *TbtpHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.order)
}

// Capacity returns the maximum number of retained tables.
func (h *TbtpHistory) Capacity() int { return h.capacity }

// IDs returns the retained ids, oldest first.
func (h *TbtpHistory) IDs() []uint32 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]uint32, len(h.order))
	copy(out, h.order)
	return out
}
