package hx711

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfiguration matches every *ConfigurationError
	ErrConfiguration = errors.New("hx711 configuration error")

	ErrAlreadyConfigured = errors.New("hx711 channel config already built")
)

// ConfigurationError reports an invalid option. It is fatal at startup.
type ConfigurationError struct {
	Section string
	Option  string
	Value   any
	Legal   []int
	Reason  string
	Err     error
}

func (e *ConfigurationError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "hx711 %s: option '%s'", e.Section, e.Option)
	if e.Value != nil {
		fmt.Fprintf(&sb, " value %v", e.Value)
	}
	if e.Reason != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Reason)
	}
	if len(e.Legal) > 0 {
		legal := make([]string, len(e.Legal))
		for i, v := range e.Legal {
			legal[i] = fmt.Sprint(v)
		}
		fmt.Fprintf(&sb, " (must be one of %s)", strings.Join(legal, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %v", e.Err)
	}
	return sb.String()
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}
