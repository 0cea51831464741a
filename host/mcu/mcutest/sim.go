// Package mcutest provides a simulated MCU that answers the host's startup
// sequence over an in-memory connection.
package mcutest

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"hxhost/protocol"
)

// Commands is the command table of the simulated firmware
var Commands = map[string]int{
	"identify offset=%u count=%c":   1,
	"get_config":                    2,
	"allocate_oids count=%c":        3,
	"finalize_config crc=%u":        4,
	"get_clock":                     5,
	"config_hx711 oid=%c dout_pin=%u sck_pin=%u gain=%u sample_interval=%u comm_delay=%u sps=%u": 20,
	"query_hx711 oid=%c clock=%u sample_ticks=%u sample_count=%c rest_ticks=%u min_value=%u max_value=%u range_check_count=%c": 21,
}

// Responses is the response table of the simulated firmware
var Responses = map[string]int{
	"identify_response offset=%u data=%.*s":                   0,
	"clock clock=%u":                                          6,
	"config is_config=%c crc=%u is_shutdown=%c move_count=%hu": 7,
	"shutdown clock=%u static_string_id=%hu":                  8,
	"hx711_in_state oid=%c next_clock=%u value=%i":            30,
}

// ClockFreq is the CLOCK_FREQ the simulated firmware advertises
const ClockFreq = 12000000

// DictionaryJSON returns the simulated firmware's data dictionary
func DictionaryJSON(t testing.TB) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"version":      "sim-v1",
		"config":       map[string]any{"CLOCK_FREQ": ClockFreq, "MCU": "sim"},
		"commands":     Commands,
		"responses":    Responses,
		"enumerations": map[string]any{"pin": map[string]any{"gpio0": []int{0, 30}}},
	})
	require.NoError(t, err)
	return data
}

// Sim speaks through a mirrored dictionary: its command table holds the
// firmware's responses and its response table the host's commands.
type Sim struct {
	t    testing.TB
	conn net.Conn
	dict []byte
	wire *protocol.Dictionary

	mu         sync.Mutex
	seq        uint8
	clock      uint32
	isConfig   bool
	crc        uint32
	received   []protocol.Params
	configured chan struct{}
}

// New starts a simulator serving dict and returns the host end of the link
func New(t testing.TB, dict []byte) (*Sim, net.Conn) {
	t.Helper()
	host, dev := net.Pipe()
	data, err := json.Marshal(map[string]any{"commands": Responses, "responses": Commands})
	require.NoError(t, err)
	wire, err := protocol.ParseDictionary(data)
	require.NoError(t, err)

	s := &Sim{
		t:          t,
		conn:       dev,
		dict:       dict,
		wire:       wire,
		clock:      5_000_000,
		configured: make(chan struct{}),
	}
	go s.run()
	t.Cleanup(func() { _ = dev.Close() })
	return s, host
}

func (s *Sim) run() {
	parser := protocol.NewFrameParser()
	buf := make([]byte, 256)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			return
		}
		for _, f := range parser.Feed(buf[:n]) {
			msgs, err := s.wire.DecodeMessages(f.Payload)
			if err != nil {
				s.t.Errorf("sim decode: %v", err)
				return
			}
			s.mu.Lock()
			s.seq = protocol.NextSequence(f.Sequence)
			s.mu.Unlock()
			if err := s.write(nil); err != nil {
				s.fail("ack", err)
				return
			}
			for _, p := range msgs {
				if err := s.handle(p); err != nil {
					s.fail(p.Name, err)
					return
				}
			}
		}
	}
}

func (s *Sim) handle(p protocol.Params) error {
	s.mu.Lock()
	s.received = append(s.received, p)
	s.mu.Unlock()

	switch p.Name {
	case "identify":
		offset, _ := p.Int("offset")
		count, _ := p.Int("count")
		end := min(int(offset+count), len(s.dict))
		start := min(int(offset), end)
		return s.Emit("identify_response", "offset", offset, "data", s.dict[start:end])
	case "get_clock":
		s.mu.Lock()
		clock := s.clock
		s.mu.Unlock()
		return s.Emit("clock", "clock", clock)
	case "get_config":
		s.mu.Lock()
		isConfig, crc := 0, s.crc
		if s.isConfig {
			isConfig = 1
		}
		s.mu.Unlock()
		return s.Emit("config", "is_config", isConfig, "crc", crc, "is_shutdown", 0, "move_count", 0)
	case "finalize_config":
		crc, _ := p.Int("crc")
		s.mu.Lock()
		s.isConfig = true
		s.crc = uint32(crc)
		s.mu.Unlock()
		close(s.configured)
	}
	return nil
}

// fail reports a reply the sim could not send. A closed link is the normal
// way a test ends and is not reported.
func (s *Sim) fail(what string, err error) {
	if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.EOF) {
		return
	}
	s.t.Errorf("sim %s: %v", what, err)
}

// Emit sends an unsolicited message to the host
func (s *Sim) Emit(name string, kv ...any) error {
	payload, err := s.wire.EncodeCommand(protocol.NewCommand(name, kv...))
	if err != nil {
		return err
	}
	return s.write(payload)
}

func (s *Sim) write(payload []byte) error {
	s.mu.Lock()
	frame, err := protocol.EncodeFrame(s.seq, payload)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	_, err = s.conn.Write(frame)
	return err
}

// Preset makes the sim report an existing config with the given crc
func (s *Sim) Preset(crc uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isConfig = true
	s.crc = crc
}

// SetClock sets the clock value returned by get_clock
func (s *Sim) SetClock(clock uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

// Configured is closed once the host sent finalize_config
func (s *Sim) Configured() <-chan struct{} {
	return s.configured
}

// Received returns the decoded host commands called name, in arrival order
func (s *Sim) Received(name string) []protocol.Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Params
	for _, p := range s.received {
		if p.Name == name {
			out = append(out, p)
		}
	}
	return out
}

// Close drops the link as an unplugged device would
func (s *Sim) Close() error {
	return s.conn.Close()
}
