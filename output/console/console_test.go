package console

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hxhost/output"
)

func TestConsolePublish(t *testing.T) {
	var buf bytes.Buffer
	c := NewWriter(&buf)
	c.DisableColor()

	ts := time.Date(2025, 9, 19, 14, 41, 54, 0, time.UTC)
	samples := []output.Sample{
		{Channel: "scale", Value: -8388608, PrintTime: 12.5, Timestamp: ts},
		{Channel: "tare", Value: 42, PrintTime: 12.6, Timestamp: ts},
	}
	require.NoError(t, c.Publish(samples))

	want := "2025-09-19T14:41:54Z channel=scale value=-8388608 print_time=12.500000\n" +
		"2025-09-19T14:41:54Z channel=tare value=42 print_time=12.600000\n"
	assert.Equal(t, want, buf.String())
	assert.NoError(t, c.Close())
}
