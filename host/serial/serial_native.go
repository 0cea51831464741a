package serial

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/tarm/serial"
)

var ErrNilConfig = errors.New("serial config cannot be nil")

// NativePort wraps the tarm/serial implementation
type NativePort struct {
	port   io.ReadWriteCloser
	cfg    *Config
	closed atomic.Bool
}

// Open opens a native serial port
func Open(cfg *Config) (Port, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}

	serialConfig := &serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: time.Duration(cfg.ReadTimeout) * time.Millisecond,
	}

	port, err := serial.OpenPort(serialConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Device, err)
	}

	return newNativePort(port, cfg), nil
}

func newNativePort(port io.ReadWriteCloser, cfg *Config) *NativePort {
	return &NativePort{port: port, cfg: cfg}
}

// Read reads data from the serial port. A read timeout surfaces from the
// driver as io.EOF and is reported as an empty read while the port is open.
func (p *NativePort) Read(b []byte) (int, error) {
	n, err := p.port.Read(b)
	if n == 0 && errors.Is(err, io.EOF) && !p.closed.Load() {
		return 0, nil
	}
	return n, err
}

// Write writes data to the serial port
func (p *NativePort) Write(b []byte) (int, error) {
	return p.port.Write(b)
}

// Close closes the serial port
func (p *NativePort) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.port.Close()
}

// Flush is a no-op, tarm/serial writes are unbuffered
func (p *NativePort) Flush() error {
	return nil
}

// Device returns the device path the port was opened with
func (p *NativePort) Device() string {
	if p.cfg == nil {
		return ""
	}
	return p.cfg.Device
}
