// Package loopback simulates a memory-constrained BLE receiver. It accepts chunk writes,
// reassembles NUL-terminated messages and answers every chunk with the ready token, which lets the
// flow engine run end to end without a radio.
package loopback

import (
	"bytes"
	"context"
	"sync"

	"github.com/teslamotors/ble-flowcontrol/internal/log"
	"github.com/teslamotors/ble-flowcontrol/pkg/capability"
	"github.com/teslamotors/ble-flowcontrol/pkg/flow"
	"github.com/teslamotors/ble-flowcontrol/pkg/protocol"
)

// MessageBufferSize is the number of reassembled messages that can be queued.
const MessageBufferSize = 16

// Endpoint is a fixed in-memory characteristic.
type Endpoint struct {
	id           string
	capabilities capability.Set
	chunkSize    int
}

func NewEndpoint(id string, capabilities capability.Set, chunkSize int) *Endpoint {
	return &Endpoint{id: id, capabilities: capabilities, chunkSize: chunkSize}
}

func (e *Endpoint) ID() string {
	return e.id
}

func (e *Endpoint) Capabilities() capability.Set {
	return e.capabilities
}

func (e *Endpoint) MaxChunkSize() int {
	return e.chunkSize
}

// Write records one chunk as the receiver saw it.
type Write struct {
	EndpointID string
	Chunk      []byte
	Mode       capability.WriteMode
}

// Message is a reassembled payload with its terminator removed.
type Message struct {
	EndpointID string
	Payload    []byte
}

type delivery struct {
	endpointID string
	data       []byte
}

// Receiver implements flow.Transport.
type Receiver struct {
	token []byte

	lock     sync.Mutex
	sink     func(endpointID string, data []byte)
	writes   []Write
	buffers  map[string][]byte
	unacked  map[string]bool
	paused   bool
	failNext error
	pending  []delivery

	messages chan Message
	wake     chan struct{}
	done     chan struct{}
	stopped  chan struct{}
	once     sync.Once
}

// NewReceiver starts a receiver that answers each chunk with token.
func NewReceiver(token []byte) *Receiver {
	r := &Receiver{
		token:    append([]byte{}, token...),
		buffers:  make(map[string][]byte),
		unacked:  make(map[string]bool),
		messages: make(chan Message, MessageBufferSize),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go r.deliver()
	return r
}

// Attach sets the function inbound data is delivered to, typically flow.Engine.HandleInbound.
func (r *Receiver) Attach(sink func(endpointID string, data []byte)) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.sink = sink
}

func (r *Receiver) WriteChunk(ctx context.Context, endpoint flow.Endpoint, chunk []byte, mode capability.WriteMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(chunk) > endpoint.MaxChunkSize() {
		return protocol.ErrChunkTooLarge
	}
	id := endpoint.ID()

	r.lock.Lock()
	defer r.lock.Unlock()
	if err := r.failNext; err != nil {
		r.failNext = nil
		return err
	}
	r.writes = append(r.writes, Write{EndpointID: id, Chunk: append([]byte{}, chunk...), Mode: mode})
	log.Debug("[%s] loopback RX %d bytes", id, len(chunk))

	buffer := append(r.buffers[id], chunk...)
	for {
		end := bytes.IndexByte(buffer, protocol.Terminator)
		if end < 0 {
			break
		}
		message := Message{EndpointID: id, Payload: append([]byte{}, buffer[:end]...)}
		buffer = buffer[end+1:]
		select {
		case r.messages <- message:
		default:
			log.Error("[%s] Dropping reassembled message because the message queue is full", id)
		}
	}
	r.buffers[id] = buffer

	if r.paused {
		r.unacked[id] = true
		return nil
	}
	r.enqueue(id, r.token)
	return nil
}

// Inject delivers application data on endpointID as if the remote had notified it.
func (r *Receiver) Inject(endpointID string, data []byte) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.enqueue(endpointID, append([]byte{}, data...))
}

// Pause stops answering chunks, simulating a receiver that has stopped draining its buffer.
func (r *Receiver) Pause() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.paused = true
}

// Resume answers any chunks received while paused and resumes normal operation.
func (r *Receiver) Resume() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.paused = false
	for id := range r.unacked {
		r.enqueue(id, r.token)
	}
	r.unacked = make(map[string]bool)
}

// Reset discards the partial message buffered for endpointID, as a receiver does when the sender
// abandons a transfer.
func (r *Receiver) Reset(endpointID string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if len(r.buffers[endpointID]) > 0 {
		log.Debug("[%s] loopback discarding %d buffered bytes", endpointID, len(r.buffers[endpointID]))
	}
	delete(r.buffers, endpointID)
	delete(r.unacked, endpointID)
}

// FailNext makes the next WriteChunk return err without recording the chunk.
func (r *Receiver) FailNext(err error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.failNext = err
}

// Writes returns every chunk received so far.
func (r *Receiver) Writes() []Write {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]Write{}, r.writes...)
}

// Messages returns a channel of reassembled messages.
func (r *Receiver) Messages() <-chan Message {
	return r.messages
}

// Close stops delivery. Repeated calls are no-ops.
func (r *Receiver) Close() {
	r.once.Do(func() {
		close(r.done)
		<-r.stopped
	})
}

// enqueue must be called with r.lock held.
func (r *Receiver) enqueue(endpointID string, data []byte) {
	r.pending = append(r.pending, delivery{endpointID: endpointID, data: data})
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// deliver hands queued buffers to the sink one at a time, in order, outside the lock so the
// sink may write the next chunk.
func (r *Receiver) deliver() {
	defer close(r.stopped)
	for {
		select {
		case <-r.done:
			return
		case <-r.wake:
		}
		for {
			r.lock.Lock()
			if len(r.pending) == 0 {
				r.lock.Unlock()
				break
			}
			next := r.pending[0]
			r.pending = r.pending[1:]
			sink := r.sink
			r.lock.Unlock()

			if sink == nil {
				log.Debug("[%s] Dropping inbound data without an attached sink", next.endpointID)
				continue
			}
			select {
			case <-r.done:
				return
			default:
			}
			sink(next.endpointID, next.data)
		}
	}
}
