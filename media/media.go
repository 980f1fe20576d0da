package media

import (
	"sync"
	"time"

	"github.com/opd-ai/confcore/transport"
	"github.com/opd-ai/confcore/video"
)

// DefaultBandwidthInterval is how often transfer rates are recomputed.
const DefaultBandwidthInterval = 1500 * time.Millisecond

// PacketTransport is the datagram transport used by the media plane.
// transport.UDPTransport satisfies it.
type PacketTransport interface {
	transport.Transport
	Stats() transport.Stats
}

// Observer receives media plane events. Implementations must be safe for
// concurrent use.
type Observer interface {
	FragmentAdded(result video.AddResult)
	ReassemblyProgress(prev, cur video.ReassemblerStats)
	BandwidthUpdated(read, write float64)
}

type nopObserver struct{}

func (nopObserver) FragmentAdded(video.AddResult)                  {}
func (nopObserver) ReassemblyProgress(_, _ video.ReassemblerStats) {}
func (nopObserver) BandwidthUpdated(_, _ float64)                  {}

// NetworkUsage reports cumulative traffic and the most recent transfer
// rates in bytes per second.
type NetworkUsage struct {
	BytesRead    uint64
	BytesWritten uint64
	ReadRate     float64
	WriteRate    float64
}

// bandwidthMeter turns cumulative byte counters into rates.
type bandwidthMeter struct {
	mu        sync.Mutex
	last      time.Time
	lastRead  uint64
	lastWrite uint64
	usage     NetworkUsage
}

// update records the counters at now and returns the new usage. The first
// call only sets the baseline.
func (m *bandwidthMeter) update(now time.Time, read, written uint64) NetworkUsage {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.last.IsZero() {
		if elapsed := now.Sub(m.last).Seconds(); elapsed > 0 {
			m.usage.ReadRate = float64(read-m.lastRead) / elapsed
			m.usage.WriteRate = float64(written-m.lastWrite) / elapsed
		}
	}
	m.last = now
	m.lastRead = read
	m.lastWrite = written
	m.usage.BytesRead = read
	m.usage.BytesWritten = written
	return m.usage
}

func (m *bandwidthMeter) snapshot() NetworkUsage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage
}
