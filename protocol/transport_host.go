package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

var (
	ErrTransportClosed = errors.New("transport stopped")
	ErrNak             = errors.New("MCU rejected frame sequence")
)

// FrameHandler receives every non-ACK frame together with the host time it arrived at
type FrameHandler func(f Frame, receiveTime float64)

// HostTransport handles the Klipper protocol from the host side.
// It sends one frame at a time, waits for the MCU ACK, and hands every
// received message block to the frame handler from its read goroutine.
type HostTransport struct {
	port   io.ReadWriteCloser
	clock  func() float64
	logger *slog.Logger

	handler FrameHandler
	parser  *FrameParser

	// sendMutex serializes the write/ACK cycle; seq is only touched under it
	sendMutex sync.Mutex
	seq       uint8

	ackChan chan uint8

	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewHostTransport creates a host-side transport and starts its read loop.
// clock supplies the host time stamped onto received frames.
func NewHostTransport(port io.ReadWriteCloser, clock func() float64, handler FrameHandler, logger *slog.Logger) *HostTransport {
	if logger == nil {
		logger = slog.Default()
	}
	t := &HostTransport{
		port:     port,
		clock:    clock,
		logger:   logger,
		handler:  handler,
		parser:   NewFrameParser(),
		seq:      MessageDest,
		ackChan:  make(chan uint8, 4),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}

	go t.readLoop()

	return t
}

// Send writes one message block and waits for its ACK. It returns the host time
// the block was written at.
func (t *HostTransport) Send(ctx context.Context, payload []byte) (float64, error) {
	t.sendMutex.Lock()
	defer t.sendMutex.Unlock()

	// a late ACK from an earlier timed out exchange carries the sequence the MCU expects next
	for len(t.ackChan) > 0 {
		t.seq = <-t.ackChan
	}

	msg, err := EncodeFrame(t.seq, payload)
	if err != nil {
		return 0, fmt.Errorf("failed to build frame: %w", err)
	}

	sentTime := t.clock()
	n, err := t.port.Write(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to write frame: %w", err)
	}
	if n != len(msg) {
		return 0, fmt.Errorf("incomplete write: %d/%d bytes", n, len(msg))
	}

	expected := NextSequence(t.seq)
	select {
	case ack := <-t.ackChan:
		if ack != expected {
			t.seq = ack
			return sentTime, fmt.Errorf("%w: expected 0x%02x, got 0x%02x", ErrNak, expected, ack)
		}
		t.seq = expected
		return sentTime, nil
	case <-ctx.Done():
		return sentTime, fmt.Errorf("ACK wait: %w", ctx.Err())
	case <-t.stopChan:
		return sentTime, ErrTransportClosed
	}
}

// SendWithTimeout is Send bounded by a timeout
func (t *HostTransport) SendWithTimeout(payload []byte, timeout time.Duration) (float64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return t.Send(ctx, payload)
}

// readLoop continuously reads from the port and dispatches frames
func (t *HostTransport) readLoop() {
	defer close(t.doneChan)

	buffer := make([]byte, 256)
	for {
		select {
		case <-t.stopChan:
			return
		default:
		}

		n, err := t.port.Read(buffer)
		if n > 0 {
			receiveTime := t.clock()
			for _, f := range t.parser.Feed(buffer[:n]) {
				t.dispatch(f, receiveTime)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
				t.logger.Debug("transport read loop finished", "error", err)
				return
			}
			t.logger.Warn("serial read failed", "error", err)
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func (t *HostTransport) dispatch(f Frame, receiveTime float64) {
	if f.IsAck() {
		select {
		case t.ackChan <- f.Sequence:
		default:
			t.logger.Debug("dropping unexpected ACK", "seq", f.Sequence)
		}
		return
	}
	if t.handler != nil {
		t.handler(f, receiveTime)
	}
}

// Close stops the read loop and closes the port
func (t *HostTransport) Close() error {
	var err error
	t.stopOnce.Do(func() {
		close(t.stopChan)
		if t.port != nil {
			err = t.port.Close()
		}
		<-t.doneChan
	})
	return err
}

// Done is closed once the read loop has exited
func (t *HostTransport) Done() <-chan struct{} {
	return t.doneChan
}

// CurrentSequence returns the sequence byte of the next frame to send
func (t *HostTransport) CurrentSequence() uint8 {
	t.sendMutex.Lock()
	defer t.sendMutex.Unlock()
	return t.seq
}
