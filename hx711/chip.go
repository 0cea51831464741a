package hx711

import (
	"fmt"
	"log/slog"
	"strings"

	"hxhost/pins"
)

// PinType is the pin type a consumer requests from a Chip
const PinType = "adc"

// PinRegistry resolves pins and records chip ownership
type PinRegistry interface {
	PinLookup
	RegisterChip(name string, chip pins.Chip) error
}

// Deps are the process-wide services a chip wires into its channels
type Deps struct {
	Pins      PinRegistry
	ADCs      ADCRegistry
	Scheduler Scheduler
	Logger    *slog.Logger
}

// Chip is a configured HX711. It registers itself with the pin registry so
// "<name>:<pin>" descriptions of type adc create its Channel.
type Chip struct {
	name      string
	cfg       Config
	transport Transport
	deps      Deps
}

// NewChip resolves the options and registers the chip under name.
// Names are case-insensitive and stored lowercased, so the pin prefix and
// the ADC name agree. Nothing is registered when resolution fails.
func NewChip(name string, opts Options, deps Deps) (*Chip, error) {
	name = NormalizeName(name)
	cfg, owner, err := Resolve(name, opts, deps.Pins)
	if err != nil {
		return nil, err
	}
	transport, ok := owner.(Transport)
	if !ok {
		return nil, &ConfigurationError{Section: name, Option: "dout_pin", Value: opts.DoutPin, Reason: fmt.Sprintf("chip %s is not an MCU", cfg.MCU)}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	c := &Chip{name: name, cfg: cfg, transport: transport, deps: deps}
	if err := deps.Pins.RegisterChip(name, c); err != nil {
		return nil, &ConfigurationError{Section: name, Option: "name", Value: name, Err: err}
	}
	return c, nil
}

// NormalizeName returns the canonical form of a channel name
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Name returns the chip name
func (c *Chip) Name() string { return c.name }

// Config returns the resolved configuration
func (c *Chip) Config() Config { return c.cfg }

// SetupPin creates the chip's sampling channel
func (c *Chip) SetupPin(pinType string, params pins.PinParams) (any, error) {
	if pinType != PinType {
		return nil, fmt.Errorf("hx711 %s: unsupported pin type %q", c.name, pinType)
	}
	return NewChannel(c.name, c.cfg, c.transport, c.deps.Scheduler, c.deps.ADCs, c.deps.Logger)
}
