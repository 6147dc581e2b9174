// Package transporttest provides an in-memory stand-in for a live connection.
package transporttest

import (
	"sync"

	"github.com/a-essam23/chatrelay/pkg/envelope"
	"github.com/a-essam23/chatrelay/pkg/transport"
	"github.com/google/uuid"
)

// Recorder satisfies state.Transport and keeps every frame sent to it.
type Recorder struct {
	id uuid.UUID

	mu          sync.Mutex
	frames      [][]byte
	closed      bool
	closeReason error
	unreachable bool
}

func NewRecorder() *Recorder {
	return &Recorder{id: uuid.New()}
}

func (r *Recorder) ID() uuid.UUID { return r.id }

func (r *Recorder) Send(msg []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return transport.ErrClosed
	}
	if r.unreachable {
		return transport.ErrQueueFull
	}
	r.frames = append(r.frames, msg)
	return nil
}

func (r *Recorder) Close(reason error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.closeReason = reason
}

// SetUnreachable makes every later Send fail as if the queue were full.
func (r *Recorder) SetUnreachable(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unreachable = v
}

func (r *Recorder) Closed() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed, r.closeReason
}

// Take decodes the recorded frames and clears the recording. Frames that fail
// to decode are skipped.
func (r *Recorder) Take() []envelope.Outbound {
	r.mu.Lock()
	frames := r.frames
	r.frames = nil
	r.mu.Unlock()
	return decodeAll(frames)
}

func decodeAll(frames [][]byte) []envelope.Outbound {
	out := make([]envelope.Outbound, 0, len(frames))
	for _, f := range frames {
		env, err := envelope.DecodeOutbound(f)
		if err != nil {
			continue
		}
		out = append(out, env)
	}
	return out
}

// Frames returns the raw bytes sent so far.
func (r *Recorder) Frames() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.frames...)
}
