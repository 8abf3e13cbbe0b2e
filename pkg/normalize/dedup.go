package normalize

import (
	"sync"
	"time"

	"github.com/ridelink/sensor-hub/pkg/sensor"
)

const dedupPruneThreshold = 1024

type dedupKey struct {
	deviceID string
	metric   sensor.DeviceType
}

type dedupEntry struct {
	timestamp time.Time
	value     float64
	admitted  time.Time
}

// dedupCache remembers the last accepted sample per device and metric.
type dedupCache struct {
	window time.Duration
	lock   sync.Mutex
	last   map[dedupKey]dedupEntry
}

func newDedupCache(window time.Duration) *dedupCache {
	return &dedupCache{window: window, last: make(map[dedupKey]dedupEntry)}
}

// admit returns false if the sample repeats the previous one within the window.
func (c *dedupCache) admit(deviceID string, metric sensor.DeviceType, timestamp time.Time, value float64, now time.Time) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	key := dedupKey{deviceID, metric}
	if prev, ok := c.last[key]; ok {
		if prev.timestamp.Equal(timestamp) && prev.value == value && now.Sub(prev.admitted) < c.window {
			return false
		}
	}
	c.last[key] = dedupEntry{timestamp: timestamp, value: value, admitted: now}
	if len(c.last) > dedupPruneThreshold {
		for k, e := range c.last {
			if now.Sub(e.admitted) >= c.window {
				delete(c.last, k)
			}
		}
	}
	return true
}
