package hx711

import (
	"fmt"
	"sort"

	"hxhost/pins"
)

// Gain settings map the amplifier gain to the code clocked out after each conversion
var gainCodes = map[int]int{32: 2, 64: 3, 128: 1}

// Sample rates select the HX711 RATE pin setting; the code equals the rate in Hz
var sampleRates = map[int]int{10: 10, 80: 80}

const (
	DefaultGain           = 64
	DefaultSampleRate     = 10
	DefaultSampleInterval = 1.0
	DefaultCommDelay      = 1
)

// Options is the configuration surface of one channel as read at startup
type Options struct {
	DoutPin        string  `yaml:"dout_pin"`
	SckPin         string  `yaml:"sck_pin"`
	Gain           int     `yaml:"gain"`
	SampleRate     int     `yaml:"sample_rate"`
	SampleInterval float64 `yaml:"sample_interval"`
	CommDelay      int     `yaml:"comm_delay"`
}

// DefaultOptions returns options with every optional field at its default
func DefaultOptions() Options {
	return Options{
		Gain:           DefaultGain,
		SampleRate:     DefaultSampleRate,
		SampleInterval: DefaultSampleInterval,
		CommDelay:      DefaultCommDelay,
	}
}

// Config is the resolved, immutable description of one sampling channel
type Config struct {
	MCU            string
	DoutPin        string
	SckPin         string
	Gain           int
	GainCode       int
	SampleRate     int
	SampleInterval float64
	CommDelay      int
}

// PinLookup resolves pin descriptions
type PinLookup interface {
	LookupPin(desc string) (pins.PinParams, error)
}

// Resolve validates opts and resolves both pins, which must live on the same chip.
// It returns the chip owning the pins. Nothing is registered anywhere.
func Resolve(name string, opts Options, lookup PinLookup) (Config, pins.Chip, error) {
	gainCode, ok := gainCodes[opts.Gain]
	if !ok {
		return Config{}, nil, &ConfigurationError{Section: name, Option: "gain", Value: opts.Gain, Legal: legal(gainCodes)}
	}
	sps, ok := sampleRates[opts.SampleRate]
	if !ok {
		return Config{}, nil, &ConfigurationError{Section: name, Option: "sample_rate", Value: opts.SampleRate, Legal: legal(sampleRates)}
	}
	if int(opts.SampleInterval) < 1 {
		return Config{}, nil, &ConfigurationError{Section: name, Option: "sample_interval", Value: opts.SampleInterval, Reason: "must be at least 1"}
	}
	if opts.CommDelay < 0 {
		return Config{}, nil, &ConfigurationError{Section: name, Option: "comm_delay", Value: opts.CommDelay, Reason: "must not be negative"}
	}

	dout, err := lookupPin(name, "dout_pin", opts.DoutPin, lookup)
	if err != nil {
		return Config{}, nil, err
	}
	sck, err := lookupPin(name, "sck_pin", opts.SckPin, lookup)
	if err != nil {
		return Config{}, nil, err
	}
	if dout.ChipName != sck.ChipName {
		return Config{}, nil, &ConfigurationError{
			Section: name,
			Option:  "sck_pin",
			Value:   opts.SckPin,
			Reason:  fmt.Sprintf("must be on the same chip as dout_pin (%s, got %s)", dout.ChipName, sck.ChipName),
		}
	}

	cfg := Config{
		MCU:            dout.ChipName,
		DoutPin:        dout.Pin,
		SckPin:         sck.Pin,
		Gain:           opts.Gain,
		GainCode:       gainCode,
		SampleRate:     sps,
		SampleInterval: opts.SampleInterval,
		CommDelay:      opts.CommDelay,
	}
	return cfg, dout.Chip, nil
}

func lookupPin(section, option, desc string, lookup PinLookup) (pins.PinParams, error) {
	if desc == "" {
		return pins.PinParams{}, &ConfigurationError{Section: section, Option: option, Reason: "required"}
	}
	params, err := lookup.LookupPin(desc)
	if err != nil {
		return pins.PinParams{}, &ConfigurationError{Section: section, Option: option, Value: desc, Err: err}
	}
	return params, nil
}

func legal(m map[int]int) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
