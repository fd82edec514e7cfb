package node

import (
	"sort"
	"sync"
	"time"

	"github.com/danmuck/canbridge/internal/protocol/frame"
	"github.com/rs/zerolog"
)

const (
	KindMonitor = "monitor"
	KindBeacon  = "beacon"
)

// Monitor logs every received frame and counts them per identifier.
type Monitor struct {
	logger zerolog.Logger

	mu     sync.Mutex
	counts map[uint32]uint64
}

func NewMonitor(logger zerolog.Logger) *Monitor {
	return &Monitor{
		logger: logger.With().Str("model", KindMonitor).Logger(),
		counts: make(map[uint32]uint64),
	}
}

func (m *Monitor) Kind() string { return KindMonitor }

func (m *Monitor) HandleFrame(f frame.Frame) {
	m.mu.Lock()
	m.counts[f.ID]++
	m.mu.Unlock()
	m.logger.Info().
		Uint32("can_id", f.ID).
		Uint8("len", f.Len).
		Hex("data", f.Data).
		Msg("frame")
}

func (m *Monitor) Tick(time.Time) []frame.Frame { return nil }

func (m *Monitor) TickInterval() time.Duration { return 0 }

// Count returns how many frames with id have been seen.
func (m *Monitor) Count(id uint32) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[id]
}

func (m *Monitor) IDs() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uint32, 0, len(m.counts))
	for id := range m.counts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Beacon publishes one fixed frame every interval and ignores input.
type Beacon struct {
	frame    frame.Frame
	interval time.Duration
}

func NewBeacon(id uint32, data []byte, interval time.Duration) *Beacon {
	return &Beacon{frame: frame.New(id, data), interval: interval}
}

func (b *Beacon) Kind() string { return KindBeacon }

func (b *Beacon) HandleFrame(frame.Frame) {}

func (b *Beacon) Tick(time.Time) []frame.Frame {
	data := append([]byte(nil), b.frame.Data...)
	f := b.frame
	f.Data = data
	return []frame.Frame{f}
}

func (b *Beacon) TickInterval() time.Duration { return b.interval }
