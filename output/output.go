// Package output defines the sinks streaming samples are published to.
package output

import "time"

// Sample is one raw conversion delivered by a channel
type Sample struct {
	Channel   string
	Value     int32
	PrintTime float64
	Timestamp time.Time
}

type Output interface {
	Publish([]Sample) error
	Close() error
}

// helper constructors are in subpackages
