// Package hx711 drives an HX711 load cell amplifier attached to a remote MCU.
//
// The MCU samples the chip on its own schedule and pushes hx711_in_state
// reports. A Channel keeps the latest report and serves it to a streaming
// subscriber or to callers of ReadOne.
package hx711

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"hxhost/protocol"
	"hxhost/queryadc"
)

// ResponseTag is the MCU report carrying new samples
const ResponseTag = "hx711_in_state"

// readEpsilon keeps ReadOne from waking exactly on the expected arrival time
const readEpsilon = 0.0001

// Transport is the MCU connection a channel configures and receives samples from
type Transport interface {
	CreateOID() uint8
	RegisterConfigCallback(cb func() error)
	RegisterResponse(name string, oid int, handler protocol.ResponseHandler) error
	AddConfigCmd(cmd protocol.Command)
	EstimatedPrintTime(eventtime float64) float64
}

// Scheduler suspends the caller until waketime and returns the resume time
type Scheduler interface {
	Pause(ctx context.Context, waketime float64) (float64, error)
}

// ADCRegistry is where channels advertise themselves
type ADCRegistry interface {
	RegisterADC(name string, adc queryadc.ADC) error
}

// Callback receives every sample with its estimated print time.
// It runs on the transport's delivery path and must not block.
type Callback func(printTime float64, value int32)

// SubscribeResult tells whether Subscribe replaced an active subscription
type SubscribeResult int

const (
	Subscribed SubscribeResult = iota
	Replaced
)

func (r SubscribeResult) String() string {
	if r == Replaced {
		return "replaced"
	}
	return "subscribed"
}

// Channel is one HX711 sampling channel
type Channel struct {
	name      string
	cfg       Config
	oid       uint8
	transport Transport
	scheduler Scheduler
	logger    *slog.Logger

	mu         sync.Mutex
	configured bool
	reportTime float64
	lastValue  int32
	lastTime   float64
	callback   Callback
	subscribed bool

	failures atomic.Uint64
}

// NewChannel advertises the channel in adcs, allocates its oid and hooks its
// configuration into the transport's config phase.
func NewChannel(name string, cfg Config, transport Transport, scheduler Scheduler, adcs ADCRegistry, logger *slog.Logger) (*Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Channel{
		name:      name,
		cfg:       cfg,
		transport: transport,
		scheduler: scheduler,
		logger:    logger.With("adc", name),
	}
	if err := adcs.RegisterADC(name, c); err != nil {
		return nil, err
	}
	c.oid = transport.CreateOID()
	transport.RegisterConfigCallback(func() error {
		_, err := c.BuildConfig()
		return err
	})
	return c, nil
}

// Name returns the channel name
func (c *Channel) Name() string { return c.name }

// OID returns the object id assigned by the transport
func (c *Channel) OID() uint8 { return c.oid }

// Config returns the channel configuration
func (c *Channel) Config() Config { return c.cfg }

// BuildConfig registers the sample handler and emits the two setup commands.
// It runs once, during the transport's config phase.
func (c *Channel) BuildConfig() ([]protocol.Command, error) {
	c.mu.Lock()
	if c.configured {
		c.mu.Unlock()
		return nil, ErrAlreadyConfigured
	}
	c.configured = true
	c.mu.Unlock()

	if err := c.transport.RegisterResponse(ResponseTag, int(c.oid), c.handleState); err != nil {
		return nil, fmt.Errorf("hx711 %s: %w", c.name, err)
	}

	cmds := []protocol.Command{
		protocol.NewCommand("config_hx711",
			"oid", c.oid,
			"dout_pin", c.cfg.DoutPin,
			"sck_pin", c.cfg.SckPin,
			"gain", c.cfg.GainCode,
			"sample_interval", int(c.cfg.SampleInterval),
			"comm_delay", c.cfg.CommDelay,
			"sps", c.cfg.SampleRate),
		// range checking is not implemented by the MCU code; the window stays disabled
		protocol.NewCommand("query_hx711",
			"oid", c.oid,
			"clock", 0,
			"sample_ticks", 0,
			"sample_count", 0,
			"rest_ticks", 0,
			"min_value", 0,
			"max_value", 0,
			"range_check_count", 0),
	}
	for _, cmd := range cmds {
		c.transport.AddConfigCmd(cmd)
	}
	return cmds, nil
}

// Subscribe installs cb as the streaming consumer. A non-nil reportTime
// replaces the expected seconds between samples. Only one subscription is
// supported; a second call replaces the first and reports Replaced.
func (c *Channel) Subscribe(reportTime *float64, cb Callback) SubscribeResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := Subscribed
	if c.subscribed {
		result = Replaced
		c.logger.Warn("hx711: ADC callback already configured, replacing it")
	}
	if reportTime != nil {
		c.reportTime = *reportTime
	}
	c.callback = cb
	c.subscribed = cb != nil
	return result
}

// Unsubscribe removes the streaming consumer. The report time is kept.
func (c *Channel) Unsubscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = nil
	c.subscribed = false
}

// SetReportTime sets the expected seconds between samples without subscribing
func (c *Channel) SetReportTime(reportTime float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reportTime = reportTime
}

// ReportTime returns the expected seconds between samples
func (c *Channel) ReportTime() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reportTime
}

// SetupMinMax accepts range check bounds and ignores them: the MCU side
// does not implement range checking for this chip.
func (c *Channel) SetupMinMax(sampleTime float64, sampleCount int, minval, maxval float64, rangeCheckCount int) {
}

// LastValue returns the latest sample and its transport timestamp
func (c *Channel) LastValue() (int32, float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastValue, c.lastTime
}

// CallbackFailures counts subscriber callbacks that panicked
func (c *Channel) CallbackFailures() uint64 {
	return c.failures.Load()
}

// ReadOne waits until the next sample is expected and returns the latest value.
//
// This is a timed poll: it sleeps until lastTime+reportTime and does not wake
// on arrival. A sample delivered late returns the previous value. With no
// report time configured it returns the last value almost immediately.
func (c *Channel) ReadOne(ctx context.Context) (int32, error) {
	c.mu.Lock()
	deadline := c.lastTime + c.reportTime + readEpsilon
	c.mu.Unlock()

	resumed, err := c.scheduler.Pause(ctx, deadline)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastTime = resumed
	return c.lastValue, nil
}

// handleState is the hx711_in_state handler, called from the transport's read loop
func (c *Channel) handleState(p protocol.Params) {
	raw, ok := p.Int("value")
	if !ok {
		c.logger.Warn("hx711 report without value", "params", p.Ints)
		return
	}
	value := int32(raw)

	c.mu.Lock()
	c.lastValue = value
	c.lastTime = p.SentTime
	cb := c.callback
	c.mu.Unlock()

	c.logger.Debug("hx711 sample", "value", value, "bits", fmt.Sprintf("%b", uint32(value)))

	if cb != nil {
		c.deliver(cb, c.transport.EstimatedPrintTime(p.SentTime), value)
	}
}

// deliver runs the subscriber and contains its failures
func (c *Channel) deliver(cb Callback, printTime float64, value int32) {
	defer func() {
		if r := recover(); r != nil {
			c.failures.Add(1)
			c.logger.Error("hx711 callback failure", "panic", r, "print_time", printTime, "value", value)
		}
	}()
	cb(printTime, value)
}
