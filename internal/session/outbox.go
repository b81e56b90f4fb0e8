package session

import (
	"context"
	"encoding/json"
	"sync"
)

// Frame event names.
const (
	EventMessage = "message"
	EventError   = "error"
	EventClose   = "close"
)

// Frame is one outbound unit on a session's stream.
type Frame struct {
	Event string
	Data  json.RawMessage
}

// Terminal reports whether the frame ends the stream.
func (f Frame) Terminal() bool {
	return f.Event == EventClose || f.Event == EventError
}

// Outbox is an unbounded FIFO of frames with a single consumer.
//
// Frames are delivered in Push order. Closing the outbox discards frames that
// were not delivered yet and delivers exactly one terminal frame.
type Outbox struct {
	mu       sync.Mutex
	frames   []Frame
	closed   bool
	terminal *Frame
	signal   chan struct{}
}

func newOutbox() *Outbox {
	return &Outbox{signal: make(chan struct{}, 1)}
}

// Push appends a frame. It fails with ErrSessionClosed after close.
func (o *Outbox) Push(f Frame) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrSessionClosed
	}
	o.frames = append(o.frames, f)
	o.mu.Unlock()

	o.notify()
	return nil
}

// Next blocks until a frame is available or ctx is done. After the terminal
// frame has been returned it fails with ErrSessionClosed.
func (o *Outbox) Next(ctx context.Context) (Frame, error) {
	for {
		o.mu.Lock()
		if o.closed {
			t := o.terminal
			o.terminal = nil
			o.mu.Unlock()
			if t == nil {
				return Frame{}, ErrSessionClosed
			}
			return *t, nil
		}
		if len(o.frames) > 0 {
			f := o.frames[0]
			o.frames[0] = Frame{}
			o.frames = o.frames[1:]
			o.mu.Unlock()
			return f, nil
		}
		o.mu.Unlock()

		select {
		case <-o.signal:
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
}

// Len returns the number of undelivered frames.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.frames)
}

// close drops pending frames and queues the terminal frame. Only the first
// call has an effect.
func (o *Outbox) close(terminal Frame) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.frames = nil
	o.terminal = &terminal
	o.mu.Unlock()

	o.notify()
}

func (o *Outbox) notify() {
	select {
	case o.signal <- struct{}{}:
	default:
	}
}
