// Package mcu is the host's connection to one Klipper-protocol microcontroller:
// data dictionary, object ids, config phase, response dispatch and clock sync.
package mcu

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"hxhost/pins"
	"hxhost/protocol"
)

// NoOID keys responses that carry no oid field
const NoOID = -1

// MaxOIDs is the most objects allocate_oids can announce
const MaxOIDs = 255

const (
	identifyChunk   = 40
	identifyMaxIter = 1000
	requestTimeout  = 2 * time.Second
)

var (
	ErrNotConnected       = errors.New("not connected to MCU")
	ErrHandlerRegistered  = errors.New("response handler already registered")
	ErrAlreadyConfigured  = errors.New("MCU config phase already ran")
	ErrConfigMismatch     = errors.New("MCU was configured with a different config, restart it")
	ErrUnsupportedPinType = errors.New("pin type not supported by MCU")
	ErrShutdown           = errors.New("MCU is shutdown")
	ErrTooManyOIDs        = errors.New("too many MCU objects")
)

type handlerKey struct {
	name string
	oid  int
}

// MCU represents a connection to a Klipper microcontroller
type MCU struct {
	name   string
	clock  func() float64
	logger *slog.Logger

	transport *protocol.HostTransport
	clocksync *ClockSync

	mu              sync.Mutex
	dictionary      *protocol.Dictionary
	handlers        map[handlerKey]protocol.ResponseHandler
	waiters         map[string]chan protocol.Params
	oidCount        int
	configCallbacks []func() error
	configCmds      []protocol.Command
	configured      bool
	shutdown        string
}

// New creates an MCU that is not yet connected. clock is the host time source
// used to timestamp traffic (normally the reactor's monotonic clock).
func New(name string, clock func() float64, logger *slog.Logger) *MCU {
	if logger == nil {
		logger = slog.Default()
	}
	m := &MCU{
		name:       name,
		clock:      clock,
		logger:     logger.With("mcu", name),
		clocksync:  NewClockSync(0),
		dictionary: protocol.BootstrapDictionary(),
		handlers:   make(map[handlerKey]protocol.ResponseHandler),
		waiters:    make(map[string]chan protocol.Params),
	}
	m.handlers[handlerKey{"shutdown", NoOID}] = m.handleShutdown
	m.handlers[handlerKey{"is_shutdown", NoOID}] = m.handleShutdown
	return m
}

// Name returns the chip name the MCU is registered under
func (m *MCU) Name() string { return m.name }

// SetupPin implements pins.Chip. Pins of the MCU are consumed by drivers
// that configure them through their own commands.
func (m *MCU) SetupPin(pinType string, params pins.PinParams) (any, error) {
	return nil, fmt.Errorf("%w: %s (%s)", ErrUnsupportedPinType, pinType, params)
}

// CreateOID allocates the next object id. Allocating more than MaxOIDs
// makes the config phase fail.
func (m *MCU) CreateOID() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	oid := m.oidCount
	m.oidCount++
	return uint8(oid)
}

// RegisterConfigCallback adds a function run at the start of the config phase
func (m *MCU) RegisterConfigCallback(cb func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configCallbacks = append(m.configCallbacks, cb)
}

// AddConfigCmd queues a command sent during the config phase
func (m *MCU) AddConfigCmd(cmd protocol.Command) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configCmds = append(m.configCmds, cmd)
}

// RegisterResponse routes messages called name with the given oid to handler.
// Use NoOID for messages without an oid.
func (m *MCU) RegisterResponse(name string, oid int, handler protocol.ResponseHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := handlerKey{name, oid}
	if _, exists := m.handlers[key]; exists {
		return fmt.Errorf("%w: %s oid=%d", ErrHandlerRegistered, name, oid)
	}
	m.handlers[key] = handler
	return nil
}

// EstimatedPrintTime converts a host timestamp to MCU print time
func (m *MCU) EstimatedPrintTime(eventtime float64) float64 {
	return m.clocksync.EstimatedPrintTime(eventtime)
}

// ClockSync returns the clock estimator
func (m *MCU) ClockSync() *ClockSync {
	return m.clocksync
}

// Dictionary returns the data dictionary (the bootstrap one before Connect)
func (m *MCU) Dictionary() *protocol.Dictionary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dictionary
}

// Connect attaches the MCU to port and runs the startup sequence:
// dictionary retrieval, clock sync and the config phase.
func (m *MCU) Connect(ctx context.Context, port io.ReadWriteCloser) error {
	m.Attach(port)

	if err := m.RetrieveDictionary(ctx); err != nil {
		return fmt.Errorf("failed to retrieve dictionary: %w", err)
	}
	freq, err := m.Dictionary().ConfigFloat("CLOCK_FREQ")
	if err != nil {
		return err
	}
	m.clocksync.SetFrequency(freq)

	if err := m.SyncClock(ctx); err != nil {
		return fmt.Errorf("initial clock sync: %w", err)
	}
	if err := m.configure(ctx); err != nil {
		return fmt.Errorf("config phase: %w", err)
	}
	return nil
}

// Attach starts the transport on port without running the startup sequence
func (m *MCU) Attach(port io.ReadWriteCloser) {
	m.transport = protocol.NewHostTransport(port, m.clock, m.handleFrame, m.logger)
}

// Close closes the connection to the MCU
func (m *MCU) Close() error {
	if m.transport == nil {
		return nil
	}
	return m.transport.Close()
}

// RetrieveDictionary downloads the data dictionary in identify chunks
func (m *MCU) RetrieveDictionary(ctx context.Context) error {
	if m.transport == nil {
		return ErrNotConnected
	}

	var buf bytes.Buffer
	for i := 0; i < identifyMaxIter; i++ {
		offset := buf.Len()
		resp, _, err := m.request(ctx, protocol.NewCommand("identify", "offset", offset, "count", identifyChunk), "identify_response")
		if err != nil {
			return fmt.Errorf("chunk at offset %d: %w", offset, err)
		}
		if got, _ := resp.Int("offset"); int(got) != offset {
			return fmt.Errorf("offset mismatch: expected %d, got %d", offset, got)
		}
		chunk := resp.Bytes["data"]
		buf.Write(chunk)
		if len(chunk) < identifyChunk {
			break
		}
	}

	dict, err := protocol.ParseDictionary(buf.Bytes())
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.dictionary = dict
	m.mu.Unlock()

	m.logger.Info("dictionary retrieved", "bytes", buf.Len(), "version", dict.Version,
		"commands", dict.NumCommands(), "responses", dict.NumResponses())
	return nil
}

// SyncClock performs one get_clock round trip and feeds the clock estimator
func (m *MCU) SyncClock(ctx context.Context) error {
	resp, sentTime, err := m.request(ctx, protocol.NewCommand("get_clock"), "clock")
	if err != nil {
		return err
	}
	clock, _ := resp.Int("clock")
	m.clocksync.Update(sentTime, resp.ReceiveTime, uint32(clock))
	return nil
}

// configure runs the config callbacks and sends the collected commands unless
// the MCU already holds an identical config
func (m *MCU) configure(ctx context.Context) error {
	m.mu.Lock()
	if m.configured {
		m.mu.Unlock()
		return ErrAlreadyConfigured
	}
	m.configured = true
	callbacks := append([]func() error(nil), m.configCallbacks...)
	m.mu.Unlock()

	for _, cb := range callbacks {
		if err := cb(); err != nil {
			return err
		}
	}

	m.mu.Lock()
	oids := m.oidCount
	if oids > MaxOIDs {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d allocated, at most %d", ErrTooManyOIDs, oids, MaxOIDs)
	}
	cmds := append([]protocol.Command{protocol.NewCommand("allocate_oids", "count", oids)}, m.configCmds...)
	m.mu.Unlock()

	crc := configCRC(cmds)

	state, _, err := m.request(ctx, protocol.NewCommand("get_config"), "config")
	if err != nil {
		return err
	}
	if shutdown, _ := state.Int("is_shutdown"); shutdown != 0 {
		return ErrShutdown
	}
	if isConfig, _ := state.Int("is_config"); isConfig != 0 {
		if mcuCRC, _ := state.Int("crc"); uint32(mcuCRC) != crc {
			return ErrConfigMismatch
		}
		m.logger.Info("MCU already configured")
		return nil
	}

	m.logger.Info("sending MCU config", "commands", len(cmds), "oids", oids, "crc", crc)
	for _, cmd := range cmds {
		m.logger.Debug("config command", "cmd", cmd.String())
		if err := m.Send(ctx, cmd); err != nil {
			return fmt.Errorf("%s: %w", cmd.Name, err)
		}
	}
	if err := m.Send(ctx, protocol.NewCommand("finalize_config", "crc", crc)); err != nil {
		return err
	}

	state, _, err = m.request(ctx, protocol.NewCommand("get_config"), "config")
	if err != nil {
		return err
	}
	if isConfig, _ := state.Int("is_config"); isConfig == 0 {
		return errors.New("MCU did not accept config")
	}
	return nil
}

// configCRC matches the checksum the MCU stores for its config
func configCRC(cmds []protocol.Command) uint32 {
	lines := make([]string, len(cmds))
	for i, cmd := range cmds {
		lines[i] = cmd.String()
	}
	return crc32.ChecksumIEEE([]byte(strings.Join(lines, "\n")))
}

// Send encodes and sends a command, waiting for its ACK
func (m *MCU) Send(ctx context.Context, cmd protocol.Command) error {
	_, err := m.send(ctx, cmd)
	return err
}

func (m *MCU) send(ctx context.Context, cmd protocol.Command) (float64, error) {
	if m.transport == nil {
		return 0, ErrNotConnected
	}
	payload, err := m.Dictionary().EncodeCommand(cmd)
	if err != nil {
		return 0, err
	}
	return m.transport.Send(ctx, payload)
}

// request sends cmd and waits for the next response called respName.
// It returns the response and the host time cmd was sent at.
func (m *MCU) request(ctx context.Context, cmd protocol.Command, respName string) (protocol.Params, float64, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	ch := make(chan protocol.Params, 1)
	m.mu.Lock()
	m.waiters[respName] = ch
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if m.waiters[respName] == ch {
			delete(m.waiters, respName)
		}
		m.mu.Unlock()
	}()

	sentTime, err := m.send(ctx, cmd)
	if err != nil {
		return protocol.Params{}, 0, err
	}

	select {
	case resp := <-ch:
		return resp, sentTime, nil
	case <-ctx.Done():
		return protocol.Params{}, sentTime, fmt.Errorf("waiting for %s: %w", respName, ctx.Err())
	}
}

// handleFrame decodes a received block and dispatches each message.
// It runs on the transport's read goroutine.
func (m *MCU) handleFrame(f protocol.Frame, receiveTime float64) {
	msgs, err := m.Dictionary().DecodeMessages(f.Payload)
	if err != nil {
		m.logger.Warn("failed to decode MCU message", "error", err, "seq", f.Sequence)
	}
	for _, p := range msgs {
		p.SentTime = receiveTime
		p.ReceiveTime = receiveTime
		m.dispatch(p)
	}
}

func (m *MCU) dispatch(p protocol.Params) {
	m.mu.Lock()
	if ch, ok := m.waiters[p.Name]; ok {
		delete(m.waiters, p.Name)
		m.mu.Unlock()
		ch <- p
		return
	}
	handler, ok := m.handlers[handlerKey{p.Name, p.OID()}]
	m.mu.Unlock()

	if !ok {
		m.logger.Debug("unhandled MCU message", "name", p.Name, "oid", p.OID())
		return
	}
	handler(p)
}

func (m *MCU) handleShutdown(p protocol.Params) {
	m.mu.Lock()
	m.shutdown = p.Name
	m.mu.Unlock()
	m.logger.Error("MCU shutdown", "message", p.Name, "params", p.Ints)
}

// IsShutdown reports whether the MCU announced a shutdown
func (m *MCU) IsShutdown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown != ""
}

// Done is closed when the connection's read loop exits. It is nil before Connect.
func (m *MCU) Done() <-chan struct{} {
	if m.transport == nil {
		return nil
	}
	return m.transport.Done()
}

// IsConnected returns whether the MCU is connected
func (m *MCU) IsConnected() bool {
	return m.transport != nil
}
