// Package session assembles the host object graph from a configuration file
// and runs it against a connected MCU.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"hxhost/config"
	"hxhost/host/mcu"
	"hxhost/hx711"
	"hxhost/pins"
	"hxhost/queryadc"
	"hxhost/reactor"
)

var (
	ErrDisconnected   = errors.New("MCU connection lost")
	ErrUnknownChannel = errors.New("unknown hx711 channel")
)

// Session owns one MCU connection and the channels configured on it
type Session struct {
	ID string

	cfg     *config.Config
	logger  *slog.Logger
	reactor *reactor.Reactor
	pins    *pins.Registry
	adcs    *queryadc.Registry
	mcu     *mcu.MCU

	channels []*hx711.Channel
	byName   map[string]*hx711.Channel
}

// New builds the registries, the MCU and one channel per configured hx711
// section. Configuration errors surface here, before any I/O.
func New(cfg *config.Config, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	logger = logger.With("session", id[:8])

	r := reactor.New(logger)
	s := &Session{
		ID:      id,
		cfg:     cfg,
		logger:  logger,
		reactor: r,
		pins:    pins.NewRegistry(),
		adcs:    queryadc.NewRegistry(),
		mcu:     mcu.New(pins.DefaultChip, r.Monotonic, logger),
		byName:  make(map[string]*hx711.Channel),
	}
	if err := s.pins.RegisterChip(pins.DefaultChip, s.mcu); err != nil {
		return nil, err
	}

	deps := hx711.Deps{Pins: s.pins, ADCs: s.adcs, Scheduler: r, Logger: logger}
	for _, name := range cfg.ChannelNames() {
		section := cfg.HX711[name]
		chip, err := hx711.NewChip(name, section.Options, deps)
		if err != nil {
			return nil, err
		}
		obj, err := s.pins.SetupPin(hx711.PinType, chip.Name()+":"+hx711.PinType)
		if err != nil {
			return nil, err
		}
		ch, ok := obj.(*hx711.Channel)
		if !ok {
			return nil, fmt.Errorf("hx711 %s: unexpected pin object %T", name, obj)
		}
		if section.ReportTime > 0 {
			ch.SetReportTime(section.ReportTime)
		}
		s.channels = append(s.channels, ch)
		s.byName[ch.Name()] = ch
	}

	logger.Info("session created", "channels", len(s.channels))
	return s, nil
}

// Channels returns the channels in name order
func (s *Session) Channels() []*hx711.Channel {
	return s.channels
}

// Channel returns a channel by name
func (s *Session) Channel(name string) (*hx711.Channel, error) {
	ch, ok := s.byName[hx711.NormalizeName(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
	return ch, nil
}

// Config returns the configuration the session was built from
func (s *Session) Config() *config.Config { return s.cfg }

// ADCs returns the analog channel registry
func (s *Session) ADCs() *queryadc.Registry { return s.adcs }

// MCU returns the MCU connection
func (s *Session) MCU() *mcu.MCU { return s.mcu }

// Reactor returns the session's timer service
func (s *Session) Reactor() *reactor.Reactor { return s.reactor }

// Connect attaches the MCU to port and runs its startup sequence
func (s *Session) Connect(ctx context.Context, port io.ReadWriteCloser) error {
	return s.mcu.Connect(ctx, port)
}

// Run keeps the session alive until ctx is cancelled or the MCU goes away.
// It drives the reactor and resynchronises the MCU clock periodically.
func (s *Session) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	interval := s.cfg.MCU.ClockSyncInterval
	if interval <= 0 {
		interval = config.DefaultClockSyncInterval
	}
	timer := s.reactor.RegisterTimer(func(eventtime float64) float64 {
		if err := s.mcu.SyncClock(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("clock sync failed", "error", err)
		}
		return eventtime + interval
	}, s.reactor.Monotonic()+interval)
	defer s.reactor.UnregisterTimer(timer)

	g.Go(func() error {
		return s.reactor.Run(ctx)
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.mcu.Done():
			return ErrDisconnected
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close disconnects the MCU
func (s *Session) Close() error {
	return s.mcu.Close()
}
