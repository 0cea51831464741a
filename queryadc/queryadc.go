// Package queryadc is the registry of named analog channels that can be queried for their last sample
package queryadc

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrDuplicateADC = errors.New("adc already registered")
	ErrUnknownADC   = errors.New("unknown adc")
)

// ADC is an analog channel able to report its most recent sample
type ADC interface {
	LastValue() (value int32, eventtime float64)
}

// Reading is one query result
type Reading struct {
	Name  string
	Value int32
	Time  float64
}

// String matches the QUERY_ADC console report
func (r Reading) String() string {
	return fmt.Sprintf("ADC %s has value %d (timestamp %.3f)", r.Name, r.Value, r.Time)
}

// Registry holds every advertised channel
type Registry struct {
	mu   sync.RWMutex
	adcs map[string]ADC
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{adcs: make(map[string]ADC)}
}

// RegisterADC advertises a channel under name
func (r *Registry) RegisterADC(name string, adc ADC) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adcs[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateADC, name)
	}
	r.adcs[name] = adc
	return nil
}

// Names returns the registered channel names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adcs))
	for name := range r.adcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Query returns the last sample of one channel
func (r *Registry) Query(name string) (Reading, error) {
	r.mu.RLock()
	adc, ok := r.adcs[name]
	r.mu.RUnlock()
	if !ok {
		return Reading{}, fmt.Errorf("%w: %s", ErrUnknownADC, name)
	}
	value, t := adc.LastValue()
	return Reading{Name: name, Value: value, Time: t}, nil
}

// QueryAll returns the last sample of every channel, sorted by name
func (r *Registry) QueryAll() []Reading {
	names := r.Names()
	readings := make([]Reading, 0, len(names))
	for _, name := range names {
		if reading, err := r.Query(name); err == nil {
			readings = append(readings, reading)
		}
	}
	return readings
}
