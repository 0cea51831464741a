package mcu

import "sync"

// ClockSync maps host time to the MCU clock from get_clock round trips
type ClockSync struct {
	mu       sync.Mutex
	freq     float64
	clock    uint64  // 64-bit extended MCU clock of the last sample
	hostTime float64 // host time the last sample is attributed to
	samples  int
}

// NewClockSync creates a clock estimator for an MCU running at freq Hz
func NewClockSync(freq float64) *ClockSync {
	return &ClockSync{freq: freq}
}

// Frequency returns the MCU clock frequency
func (c *ClockSync) Frequency() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.freq
}

// SetFrequency sets the clock frequency once it is known from the dictionary
func (c *ClockSync) SetFrequency(freq float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.freq = freq
}

// Update records a clock reading. The reading is attributed to the midpoint
// of the request's send and receive times.
func (c *ClockSync) Update(sentTime, receiveTime float64, clock32 uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = c.extend(clock32)
	c.hostTime = (sentTime + receiveTime) / 2
	c.samples++
}

// Clock32To64 extends a 32-bit clock reported by the MCU using the last known clock
func (c *ClockSync) Clock32To64(clock32 uint32) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.extend(clock32)
}

func (c *ClockSync) extend(clock32 uint32) uint64 {
	diff := int64(int32(clock32 - uint32(c.clock)))
	if c.samples == 0 && diff < 0 {
		return uint64(clock32)
	}
	return uint64(int64(c.clock) + diff)
}

// Synchronized reports whether at least one clock reading was recorded
func (c *ClockSync) Synchronized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.samples > 0
}

// EstimatedClock returns the MCU clock expected at host time eventtime
func (c *ClockSync) EstimatedClock(eventtime float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.estimate(eventtime)
}

func (c *ClockSync) estimate(eventtime float64) float64 {
	return float64(c.clock) + (eventtime-c.hostTime)*c.freq
}

// EstimatedPrintTime converts host time to MCU print time (clock / frequency)
func (c *ClockSync) EstimatedPrintTime(eventtime float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.freq == 0 {
		return 0
	}
	return c.estimate(eventtime) / c.freq
}
