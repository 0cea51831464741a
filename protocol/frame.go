package protocol

import (
	"errors"
	"fmt"
)

var ErrFrameTooLong = errors.New("frame payload too long")

// Frame is one validated message block received from the MCU
type Frame struct {
	Sequence uint8
	Payload  []byte // frame data without header/trailer
}

// IsAck reports whether the frame carries no messages (ACK/NAK block)
func (f Frame) IsAck() bool {
	return len(f.Payload) == 0
}

// EncodeFrame wraps payload with the length/sequence header and the CRC/sync trailer
func EncodeFrame(seq uint8, payload []byte) ([]byte, error) {
	msgLen := MessageLengthMin + len(payload)
	if msgLen > MessageLengthMax {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLong, msgLen, MessageLengthMax)
	}

	out := make([]byte, 0, msgLen)
	out = append(out, uint8(msgLen), seq)
	out = append(out, payload...)

	crc := CRC16(out)
	return append(out, uint8(crc>>8), uint8(crc&0xFF), MessageValueSync), nil
}

// FrameParser accumulates raw serial bytes and splits them into frames.
// Corrupt data drops the parser out of sync until the next sync byte.
type FrameParser struct {
	buf          []byte
	synchronized bool
	dropped      int
}

// NewFrameParser creates a parser that starts synchronized
func NewFrameParser() *FrameParser {
	return &FrameParser{
		buf:          make([]byte, 0, 2*MessageLengthMax),
		synchronized: true,
	}
}

// Feed appends received bytes and returns every complete frame now available
func (p *FrameParser) Feed(data []byte) []Frame {
	p.buf = append(p.buf, data...)

	var frames []Frame
	for len(p.buf) > 0 {
		if !p.synchronized {
			i := indexSync(p.buf)
			if i < 0 {
				p.dropped += len(p.buf)
				p.buf = p.buf[:0]
				break
			}
			p.dropped += i
			p.buf = p.buf[i+1:]
			p.synchronized = true
			continue
		}

		if p.buf[0] == MessageValueSync {
			p.buf = p.buf[1:]
			continue
		}

		if len(p.buf) < MessageLengthMin {
			break
		}

		msgLen := int(p.buf[MessagePositionLen])
		if msgLen < MessageLengthMin || msgLen > MessageLengthMax {
			p.synchronized = false
			continue
		}

		if len(p.buf) < msgLen {
			break
		}

		if p.buf[msgLen-MessageTrailerSync] != MessageValueSync {
			p.synchronized = false
			continue
		}

		frameCRC := uint16(p.buf[msgLen-MessageTrailerCRC])<<8 |
			uint16(p.buf[msgLen-MessageTrailerCRC+1])
		if frameCRC != CRC16(p.buf[:msgLen-MessageTrailerSize]) {
			p.synchronized = false
			continue
		}

		payload := make([]byte, msgLen-MessageLengthMin)
		copy(payload, p.buf[MessageHeaderSize:msgLen-MessageTrailerSize])
		frames = append(frames, Frame{
			Sequence: p.buf[MessagePositionSeq],
			Payload:  payload,
		})
		p.buf = p.buf[msgLen:]
	}

	// compact so the backing array does not grow without bound
	if cap(p.buf) > 4*MessageLengthMax {
		p.buf = append(make([]byte, 0, 2*MessageLengthMax), p.buf...)
	}
	return frames
}

// Synchronized reports whether the parser is currently aligned on frame boundaries
func (p *FrameParser) Synchronized() bool {
	return p.synchronized
}

// Dropped returns the number of bytes discarded while resynchronizing
func (p *FrameParser) Dropped() int {
	return p.dropped
}

// Reset clears buffered data and marks the parser synchronized
func (p *FrameParser) Reset() {
	p.buf = p.buf[:0]
	p.synchronized = true
}

func indexSync(data []byte) int {
	for i, b := range data {
		if b == MessageValueSync {
			return i
		}
	}
	return -1
}
