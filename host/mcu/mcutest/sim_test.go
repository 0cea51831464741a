package mcutest

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hxhost/protocol"
)

// readMessages collects decoded messages from the host end until want arrives
func readMessages(t *testing.T, conn net.Conn, dict *protocol.Dictionary, want string) protocol.Params {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	parser := protocol.NewFrameParser()
	buf := make([]byte, 256)
	for {
		n, err := conn.Read(buf)
		require.NoError(t, err)
		for _, f := range parser.Feed(buf[:n]) {
			msgs, err := dict.DecodeMessages(f.Payload)
			require.NoError(t, err)
			for _, p := range msgs {
				if p.Name == want {
					return p
				}
			}
		}
	}
}

func send(t *testing.T, conn net.Conn, dict *protocol.Dictionary, seq uint8, cmd protocol.Command) {
	t.Helper()
	payload, err := dict.EncodeCommand(cmd)
	require.NoError(t, err)
	frame, err := protocol.EncodeFrame(seq, payload)
	require.NoError(t, err)
	_, err = conn.Write(frame)
	require.NoError(t, err)
}

func TestSimAnswersIdentify(t *testing.T) {
	raw := DictionaryJSON(t)
	sim, conn := New(t, raw)
	host := protocol.BootstrapDictionary()

	send(t, conn, host, protocol.MessageDest, protocol.NewCommand("identify", "offset", 0, "count", 40))
	resp := readMessages(t, conn, host, "identify_response")

	offset, _ := resp.Int("offset")
	assert.Zero(t, offset)
	assert.Equal(t, raw[:40], resp.Bytes["data"])
	assert.Len(t, sim.Received("identify"), 1)
}

func TestSimAnswersClockAndConfig(t *testing.T) {
	sim, conn := New(t, DictionaryJSON(t))
	host, err := protocol.ParseDictionary(DictionaryJSON(t))
	require.NoError(t, err)
	sim.SetClock(777)

	send(t, conn, host, protocol.MessageDest, protocol.NewCommand("get_clock"))
	clock, _ := readMessages(t, conn, host, "clock").Int("clock")
	assert.Equal(t, int64(777), clock)

	sim.Preset(42)
	send(t, conn, host, protocol.NextSequence(protocol.MessageDest), protocol.NewCommand("get_config"))
	cfg := readMessages(t, conn, host, "config")
	isConfig, _ := cfg.Int("is_config")
	crc, _ := cfg.Int("crc")
	assert.Equal(t, int64(1), isConfig)
	assert.Equal(t, int64(42), crc)
}
