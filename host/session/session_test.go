package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hxhost/config"
	"hxhost/host/mcu/mcutest"
	"hxhost/hx711"
)

const sessionConfig = `
mcu:
  serial: /dev/null
  clock_sync_interval: 0.05
hx711:
  tare:
    dout_pin: gpio4
    sck_pin: gpio5
    gain: 128
    sample_rate: 80
  scale:
    dout_pin: gpio2
    sck_pin: gpio3
    report_time: 0.05
`

func newTestSession(t *testing.T) *Session {
	t.Helper()
	cfg, err := config.Parse([]byte(sessionConfig))
	require.NoError(t, err)
	s, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func connectSession(t *testing.T, s *Session) *mcutest.Sim {
	t.Helper()
	sim, port := mcutest.New(t, mcutest.DictionaryJSON(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx, port))
	return sim
}

func TestNewBuildsChannels(t *testing.T) {
	s := newTestSession(t)

	require.Len(t, s.Channels(), 2)
	assert.Equal(t, "scale", s.Channels()[0].Name())
	assert.Equal(t, uint8(0), s.Channels()[0].OID())
	assert.Equal(t, "tare", s.Channels()[1].Name())
	assert.Equal(t, uint8(1), s.Channels()[1].OID())
	assert.Equal(t, []string{"scale", "tare"}, s.ADCs().Names())
	assert.NotEmpty(t, s.ID)

	scale, err := s.Channel("scale")
	require.NoError(t, err)
	assert.Equal(t, 0.05, scale.ReportTime())

	_, err = s.Channel("missing")
	assert.ErrorIs(t, err, ErrUnknownChannel)
}

func TestChannelNamesIgnoreCase(t *testing.T) {
	cfg, err := config.Parse([]byte("hx711:\n  Scale:\n    dout_pin: gpio2\n    sck_pin: gpio3\n"))
	require.NoError(t, err)
	s, err := New(cfg, nil)
	require.NoError(t, err)

	for _, name := range []string{"scale", "Scale", "SCALE"} {
		ch, err := s.Channel(name)
		require.NoError(t, err, name)
		assert.Equal(t, "scale", ch.Name())
	}
	assert.Equal(t, []string{"scale"}, s.ADCs().Names())
	_, err = s.ADCs().Query("scale")
	assert.NoError(t, err)
}

func TestNewRejectsInvalidChannel(t *testing.T) {
	cfg, err := config.Parse([]byte("hx711:\n  scale:\n    dout_pin: gpio2\n    sck_pin: gpio3\n    gain: 100\n"))
	require.NoError(t, err)

	_, err = New(cfg, nil)
	assert.ErrorIs(t, err, hx711.ErrConfiguration)
}

func TestConnectSendsChannelConfig(t *testing.T) {
	s := newTestSession(t)
	sim := connectSession(t, s)
	<-sim.Configured()

	alloc := sim.Received("allocate_oids")
	require.Len(t, alloc, 1)
	count, _ := alloc[0].Int("count")
	assert.Equal(t, int64(2), count)

	cfgs := sim.Received("config_hx711")
	require.Len(t, cfgs, 2)
	want := map[string]int64{"oid": 0, "dout_pin": 2, "sck_pin": 3, "gain": 3, "sample_interval": 1, "comm_delay": 1, "sps": 10}
	for k, v := range want {
		got, _ := cfgs[0].Int(k)
		assert.Equal(t, v, got, k)
	}
	gain, _ := cfgs[1].Int("gain")
	assert.Equal(t, int64(1), gain)
	sps, _ := cfgs[1].Int("sps")
	assert.Equal(t, int64(80), sps)

	queries := sim.Received("query_hx711")
	require.Len(t, queries, 2)
	for _, q := range queries {
		for _, k := range []string{"clock", "sample_ticks", "sample_count", "rest_ticks", "min_value", "max_value", "range_check_count"} {
			v, ok := q.Int(k)
			assert.True(t, ok, k)
			assert.Zero(t, v, k)
		}
	}
}

func TestStreamingSamples(t *testing.T) {
	s := newTestSession(t)
	sim := connectSession(t, s)

	scale, err := s.Channel("scale")
	require.NoError(t, err)

	type sample struct {
		printTime float64
		value     int32
	}
	got := make(chan sample, 4)
	assert.Equal(t, hx711.Subscribed, scale.Subscribe(nil, func(printTime float64, value int32) {
		got <- sample{printTime, value}
	}))

	require.NoError(t, sim.Emit("hx711_in_state", "oid", 1, "next_clock", 0, "value", 99))
	require.NoError(t, sim.Emit("hx711_in_state", "oid", 0, "next_clock", 0, "value", -1234))

	select {
	case smp := <-got:
		assert.Equal(t, int32(-1234), smp.value)
		assert.Greater(t, smp.printTime, 0.0)
	case <-time.After(2 * time.Second):
		t.Fatal("no sample delivered")
	}

	assert.Eventually(t, func() bool {
		r, err := s.ADCs().Query("tare")
		return err == nil && r.Value == 99
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	value, err := scale.ReadOne(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(-1234), value)
}

func TestRunUntilCancelled(t *testing.T) {
	s := newTestSession(t)
	sim := connectSession(t, s)
	clockReads := len(sim.Received("get_clock"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return len(sim.Received("get_clock")) > clockReads
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRunReportsDisconnect(t *testing.T) {
	s := newTestSession(t)
	sim := connectSession(t, s)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	require.NoError(t, sim.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrDisconnected)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}
