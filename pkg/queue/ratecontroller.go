package queue

import (
	"sync"
	"time"
)

// controller adjusts the outbound publish rate from buffer occupancy.
// It is a hysteresis controller, not a PID: the two extremes get an
// aggressive 10% correction, the band around the target a gentle 5%
// drift, and the middle band no change at all. The asymmetry keeps the
// rate from oscillating while the inbound rate is bursty.
type controller struct {
	conf *Config

	mu             sync.Mutex
	currentRate    float64
	lastAdjustment time.Time
}

func newController(conf *Config) *controller {
	return &controller{
		conf:        conf,
		currentRate: conf.TargetRate,
	}
}

func (c *controller) rate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentRate
}

// spacing is the delay between two sends at the current rate.
func (c *controller) spacing() time.Duration {
	return time.Duration(float64(time.Second) / c.rate())
}

// adjust recomputes the rate for the given buffer occupancy and returns
// the new value.
func (c *controller) adjust(occupancy int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case occupancy < c.conf.MinBufferSize:
		// Draining faster than arrivals, slow down before the
		// buffer empties completely.
		c.currentRate *= 0.90
		if c.currentRate < c.conf.MinRate {
			c.currentRate = c.conf.MinRate
		}

	case occupancy > c.conf.MaxBufferSize:
		// Buffer growing, publish faster before producers start
		// dropping.
		c.currentRate *= 1.10
		if c.currentRate > c.conf.MaxRate {
			c.currentRate = c.conf.MaxRate
		}

	case occupancy > c.conf.MinBufferSize*2 && c.currentRate < c.conf.TargetRate:
		c.currentRate *= 1.05
		if c.currentRate > c.conf.TargetRate {
			c.currentRate = c.conf.TargetRate
		}

	case occupancy <= c.conf.MinBufferSize*2 && c.currentRate > c.conf.TargetRate*0.5:
		c.currentRate *= 0.95
		if c.currentRate < c.conf.TargetRate*0.5 {
			c.currentRate = c.conf.TargetRate * 0.5
		}
	}
	c.lastAdjustment = time.Now()
	return c.currentRate
}
