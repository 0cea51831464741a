package hx711

import (
	"context"
	"errors"
	"fmt"

	"hxhost/pins"
	"hxhost/protocol"
	"hxhost/queryadc"
)

type handlerKey struct {
	name string
	oid  int
}

// fakeTransport records everything a channel asks of the MCU
type fakeTransport struct {
	nextOID   uint8
	callbacks []func() error
	handlers  map[handlerKey]protocol.ResponseHandler
	registers int
	cmds      []protocol.Command
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: map[handlerKey]protocol.ResponseHandler{}}
}

func (f *fakeTransport) CreateOID() uint8 {
	oid := f.nextOID
	f.nextOID++
	return oid
}

func (f *fakeTransport) RegisterConfigCallback(cb func() error) {
	f.callbacks = append(f.callbacks, cb)
}

func (f *fakeTransport) RegisterResponse(name string, oid int, h protocol.ResponseHandler) error {
	key := handlerKey{name, oid}
	if _, ok := f.handlers[key]; ok {
		return errors.New("handler already registered")
	}
	f.registers++
	f.handlers[key] = h
	return nil
}

func (f *fakeTransport) AddConfigCmd(cmd protocol.Command) {
	f.cmds = append(f.cmds, cmd)
}

// EstimatedPrintTime is a fixed offset so tests can tell the two clocks apart
func (f *fakeTransport) EstimatedPrintTime(eventtime float64) float64 {
	return eventtime + 1000
}

func (f *fakeTransport) SetupPin(pinType string, params pins.PinParams) (any, error) {
	return nil, fmt.Errorf("mcu pins cannot be set up as %s", pinType)
}

func (f *fakeTransport) runConfig() error {
	for _, cb := range f.callbacks {
		if err := cb(); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeTransport) deliver(oid uint8, value int32, sentTime float64) {
	h := f.handlers[handlerKey{ResponseTag, int(oid)}]
	h(protocol.Params{
		Name:        ResponseTag,
		Ints:        map[string]int64{"oid": int64(oid), "next_clock": 0, "value": int64(value)},
		SentTime:    sentTime,
		ReceiveTime: sentTime,
	})
}

// fakeScheduler returns the requested wake time and runs duringPause first,
// standing in for deliveries that happen while the caller is suspended
type fakeScheduler struct {
	waketimes   []float64
	duringPause func()
}

func (s *fakeScheduler) Pause(ctx context.Context, waketime float64) (float64, error) {
	s.waketimes = append(s.waketimes, waketime)
	if s.duringPause != nil {
		s.duringPause()
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return waketime, nil
}

// plainChip owns pins but is not an MCU
type plainChip struct{}

func (plainChip) SetupPin(string, pins.PinParams) (any, error) { return nil, nil }

type testEnv struct {
	transport *fakeTransport
	scheduler *fakeScheduler
	pins      *pins.Registry
	adcs      *queryadc.Registry
}

func newTestEnv() *testEnv {
	env := &testEnv{
		transport: newFakeTransport(),
		scheduler: &fakeScheduler{},
		pins:      pins.NewRegistry(),
		adcs:      queryadc.NewRegistry(),
	}
	_ = env.pins.RegisterChip("mcu", env.transport)
	_ = env.pins.RegisterChip("aux", newFakeTransport())
	_ = env.pins.RegisterChip("plain", plainChip{})
	return env
}

func (e *testEnv) deps() Deps {
	return Deps{Pins: e.pins, ADCs: e.adcs, Scheduler: e.scheduler}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.DoutPin = "gpio2"
	opts.SckPin = "gpio3"
	return opts
}

func (e *testEnv) newChannel(name string) *Channel {
	cfg, _, err := Resolve(name, testOptions(), e.pins)
	if err != nil {
		panic(err)
	}
	ch, err := NewChannel(name, cfg, e.transport, e.scheduler, e.adcs, nil)
	if err != nil {
		panic(err)
	}
	return ch
}
