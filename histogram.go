package vuload

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// trendScale keeps three decimals of a float observation in the integer histogram
const trendScale = 1000

// highestTrackable is one hour in milliseconds, scaled
var highestTrackable = int64(time.Hour/time.Millisecond) * trendScale

// SafeHistogram is a thread-safe wrapper around hdrhistogram
type SafeHistogram struct {
	hist *hdrhistogram.Histogram
	mu   sync.Mutex
}

func NewSafeHistogram() *SafeHistogram {
	// 3 significant figures
	h := hdrhistogram.New(1, highestTrackable, 3)
	return &SafeHistogram{hist: h}
}

// Record records a float observation, clamped into the trackable range
func (h *SafeHistogram) Record(v float64) {
	scaled := int64(v * trendScale)
	if scaled < 0 {
		scaled = 0
	}
	if scaled > highestTrackable {
		scaled = highestTrackable
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_ = h.hist.RecordValue(scaled)
}

// Percentile returns the value at quantile q, q in [0, 100]
func (h *SafeHistogram) Percentile(q float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hist.TotalCount() == 0 {
		return 0
	}
	return float64(h.hist.ValueAtQuantile(q)) / trendScale
}

func (h *SafeHistogram) TotalCount() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hist.TotalCount()
}
