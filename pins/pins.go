// Package pins resolves pin descriptions such as "^!mcu:gpio2" to the chip that owns them
package pins

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// DefaultChip is used when a pin description has no "chip:" prefix
const DefaultChip = "mcu"

var (
	ErrUnknownChip   = errors.New("unknown pin chip name")
	ErrDuplicateChip = errors.New("duplicate chip name")
	ErrInvalidPin    = errors.New("invalid pin description")
)

// Chip is anything that owns pins: an MCU or a device that exposes virtual pins
type Chip interface {
	SetupPin(pinType string, params PinParams) (any, error)
}

// PinParams is a resolved pin description
type PinParams struct {
	Chip     Chip
	ChipName string
	Pin      string
	Invert   bool
	Pullup   int // 1 pull-up, -1 pull-down, 0 none
}

// String formats the parameters back into a pin description
func (p PinParams) String() string {
	var sb strings.Builder
	switch p.Pullup {
	case 1:
		sb.WriteByte('^')
	case -1:
		sb.WriteByte('~')
	}
	if p.Invert {
		sb.WriteByte('!')
	}
	sb.WriteString(p.ChipName)
	sb.WriteByte(':')
	sb.WriteString(p.Pin)
	return sb.String()
}

// Registry maps chip names to chips. Chips register during setup; lookups
// after that are read-only.
type Registry struct {
	mu    sync.RWMutex
	chips map[string]Chip
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{chips: make(map[string]Chip)}
}

// RegisterChip records which chip owns the given name
func (r *Registry) RegisterChip(name string, chip Chip) error {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return fmt.Errorf("%w: empty chip name", ErrInvalidPin)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.chips[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateChip, name)
	}
	r.chips[name] = chip
	return nil
}

// Chip returns a registered chip by name
func (r *Registry) Chip(name string) (Chip, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.chips[strings.ToLower(name)]
	return c, ok
}

// LookupPin parses a pin description and resolves its chip
func (r *Registry) LookupPin(desc string) (PinParams, error) {
	var params PinParams

	s := strings.TrimSpace(desc)
	if strings.HasPrefix(s, "^") || strings.HasPrefix(s, "~") {
		params.Pullup = 1
		if s[0] == '~' {
			params.Pullup = -1
		}
		s = strings.TrimSpace(s[1:])
	}
	if strings.HasPrefix(s, "!") {
		params.Invert = true
		s = strings.TrimSpace(s[1:])
	}

	chipName, pin, found := strings.Cut(s, ":")
	if !found {
		chipName, pin = DefaultChip, s
	}
	chipName = strings.TrimSpace(strings.ToLower(chipName))
	pin = strings.TrimSpace(pin)
	if pin == "" || strings.ContainsAny(pin, "^~!: ") {
		return PinParams{}, fmt.Errorf("%w: %q", ErrInvalidPin, desc)
	}

	chip, ok := r.Chip(chipName)
	if !ok {
		return PinParams{}, fmt.Errorf("%w: %q", ErrUnknownChip, chipName)
	}

	params.Chip = chip
	params.ChipName = chipName
	params.Pin = pin
	return params, nil
}

// SetupPin resolves desc and asks its chip to create an object of pinType for it
func (r *Registry) SetupPin(pinType, desc string) (any, error) {
	params, err := r.LookupPin(desc)
	if err != nil {
		return nil, err
	}
	obj, err := params.Chip.SetupPin(pinType, params)
	if err != nil {
		return nil, fmt.Errorf("setup %s pin %s: %w", pinType, desc, err)
	}
	return obj, nil
}
