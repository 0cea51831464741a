package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hxhost/hx711"
)

const fullConfig = `
mcu:
  serial: /dev/ttyACM0
  baud: 115200
  read_timeout_ms: 50
  clock_sync_interval: 0.5
hx711:
  scale:
    dout_pin: gpio2
    sck_pin: gpio3
    gain: 128
    sample_rate: 80
    sample_interval: 2.5
    comm_delay: 3
    report_time: 0.0125
  tare:
    dout_pin: "aux:gpio4"
    sck_pin: "aux:gpio5"
outputs:
  - type: Console
  - type: mqtt
    mqtt:
      server: tcp://localhost:1883
      qos: 1
`

func TestParseFullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullConfig))
	require.NoError(t, err)

	assert.Equal(t, MCU{Serial: "/dev/ttyACM0", Baud: 115200, ReadTimeoutMS: 50, ClockSyncInterval: 0.5}, cfg.MCU)
	assert.Equal(t, []string{"scale", "tare"}, cfg.ChannelNames())

	scale := cfg.HX711["scale"]
	assert.Equal(t, hx711.Options{
		DoutPin:        "gpio2",
		SckPin:         "gpio3",
		Gain:           128,
		SampleRate:     80,
		SampleInterval: 2.5,
		CommDelay:      3,
	}, scale.Options)
	assert.Equal(t, 0.0125, scale.ReportTime)

	require.Len(t, cfg.Outputs, 2)
	assert.Equal(t, OutputConsole, cfg.Outputs[0].Type)
	assert.Equal(t, OutputMQTT, cfg.Outputs[1].Type)
	assert.Equal(t, DefaultMQTTTopic, cfg.Outputs[1].MQTT.Topic)
	assert.Equal(t, byte(1), cfg.Outputs[1].MQTT.QoS)
}

func TestChannelDefaults(t *testing.T) {
	cfg, err := Parse([]byte(fullConfig))
	require.NoError(t, err)

	tare := cfg.HX711["tare"]
	want := hx711.DefaultOptions()
	want.DoutPin = "aux:gpio4"
	want.SckPin = "aux:gpio5"
	assert.Equal(t, want, tare.Options)
	assert.Zero(t, tare.ReportTime)
}

func TestApplyDefaults(t *testing.T) {
	cfg, err := Parse([]byte("hx711:\n  scale:\n    dout_pin: gpio2\n    sck_pin: gpio3\n"))
	require.NoError(t, err)

	assert.Equal(t, DefaultBaud, cfg.MCU.Baud)
	assert.Equal(t, DefaultReadTimeoutMS, cfg.MCU.ReadTimeoutMS)
	assert.Equal(t, DefaultClockSyncInterval, cfg.MCU.ClockSyncInterval)
	assert.Empty(t, cfg.MCU.Serial)
	assert.Equal(t, []Output{{Type: OutputConsole}}, cfg.Outputs)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		err  error
	}{
		{"no channels", "mcu: {serial: /dev/null}\n", ErrNoChannels},
		{"unknown output", "hx711: {a: {}}\noutputs: [{type: influx}]\n", ErrUnknownOutput},
		{"mqtt without server", "hx711: {a: {}}\noutputs: [{type: mqtt}]\n", ErrMQTTServer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorIs(t, err, tt.err)
		})
	}

	_, err := Parse([]byte("hx711: {a: {report_time: -1}}\n"))
	assert.ErrorContains(t, err, "report_time")
}

func TestParseInvalidYAML(t *testing.T) {
	_, err := Parse([]byte("hx711: [unclosed"))
	assert.ErrorContains(t, err, "failed to parse config")

	_, err = Parse([]byte("hx711: {a: {gain: high}}\n"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hx711.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fullConfig), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.HX711, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
