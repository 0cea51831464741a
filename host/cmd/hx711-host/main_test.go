package main

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"hxhost/config"
	"hxhost/output"
	"hxhost/protocol"
)

type recordingOutput struct {
	batches chan []output.Sample
	err     error
}

func (o *recordingOutput) Publish(s []output.Sample) error {
	o.batches <- append([]output.Sample(nil), s...)
	return o.err
}

func (o *recordingOutput) Close() error { return nil }

func TestPublishFansOutBatches(t *testing.T) {
	samples := make(chan output.Sample, 4)
	a := &recordingOutput{batches: make(chan []output.Sample, 4)}
	b := &recordingOutput{batches: make(chan []output.Sample, 4)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- publish(ctx, samples, []output.Output{a, b}) }()

	samples <- output.Sample{Channel: "scale", Value: 1}
	for _, o := range []*recordingOutput{a, b} {
		select {
		case batch := <-o.batches:
			require.NotEmpty(t, batch)
			assert.Equal(t, "scale", batch[0].Channel)
		case <-time.After(time.Second):
			t.Fatal("no batch published")
		}
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestPublishStopsOnOutputError(t *testing.T) {
	samples := make(chan output.Sample, 1)
	broken := &recordingOutput{batches: make(chan []output.Sample, 1), err: errors.New("disk full")}

	samples <- output.Sample{Channel: "scale"}
	err := publish(context.Background(), samples, []output.Output{broken})
	assert.ErrorContains(t, err, "disk full")
}

func TestBuildOutputsConsole(t *testing.T) {
	outputs, err := buildOutputs([]config.Output{{Type: config.OutputConsole}})
	require.NoError(t, err)
	assert.Len(t, outputs, 1)
}

func TestPrintDictionary(t *testing.T) {
	color.NoColor = true
	d, err := protocol.ParseDictionary([]byte(`{
		"version": "v1",
		"config": {"CLOCK_FREQ": 12000000},
		"commands": {"get_clock": 5},
		"responses": {"clock clock=%u": 6},
		"enumerations": {"pin": {"gpio0": [0, 4]}}
	}`))
	require.NoError(t, err)

	var buf bytes.Buffer
	printDictionary(&buf, d)
	out := buf.String()
	assert.Contains(t, out, "Version: v1")
	assert.Contains(t, out, "CLOCK_FREQ = 12000000")
	assert.Contains(t, out, "    5  get_clock")
	assert.Contains(t, out, "    6  clock clock=%u")
	assert.Contains(t, out, "pin: 4 values")
}

func TestExitCode(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 3, exitCode(cli.Exit("stream stopped", 3)))
	assert.Empty(t, buf.String())

	assert.Equal(t, 1, exitCode(errors.New("flag provided but not defined")))
	assert.Contains(t, buf.String(), "flag provided but not defined")
}
