package flow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/teslamotors/ble-flowcontrol/internal/log"
	"github.com/teslamotors/ble-flowcontrol/pkg/protocol"
)

// Engine sends payloads one chunk at a time and advances when the receiver replies with the
// ready token. Send and HandleInbound may be called from different goroutines.
type Engine struct {
	transport  Transport
	classifier *protocol.Classifier
	config     Config

	ctx    context.Context
	cancel context.CancelFunc

	events chan Event
	done   chan struct{}

	lock   sync.Mutex
	closed bool
	slots  map[string]*slot
	pairs  map[string]string
}

// slot holds the state of one endpoint. active is nil unless state is AwaitingReady.
type slot struct {
	state  State
	active *transfer
	offset int
	length int
}

// NewEngine creates an Engine that writes through transport.
func NewEngine(transport Transport, config Config) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	classifier, err := protocol.NewClassifier(config.ReadyToken)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		transport:  transport,
		classifier: classifier,
		config:     config,
		ctx:        ctx,
		cancel:     cancel,
		events:     make(chan Event, config.EventBuffer),
		done:       make(chan struct{}),
		slots:      make(map[string]*slot),
		pairs:      make(map[string]string),
	}, nil
}

// Events returns the channel on which all engine events are delivered. The channel is never
// closed; use Done to detect shutdown. Callers must drain it, since emitters block when it is
// full.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Done is closed when the engine is closed.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// SendText sends text followed by a single NUL terminator, the framing existing receivers use
// to find the end of a message.
func (e *Engine) SendText(ctx context.Context, endpoint Endpoint, text string) error {
	return e.Send(ctx, endpoint, protocol.FrameText(text))
}

// Send starts transferring payload to endpoint and returns after the first chunk is written.
// The payload is sent verbatim and copied, so the caller may reuse the buffer.
//
// An active transfer on the same endpoint is abandoned and reported with TransferAbandoned.
// If the first chunk cannot be written, Send returns a *TransferError and the transfer stays
// in AwaitingReady until the stall timeout frees it.
func (e *Engine) Send(ctx context.Context, endpoint Endpoint, payload []byte) error {
	capabilities := endpoint.Capabilities()
	if !capabilities.CanWrite() {
		return protocol.ErrInvalidEndpoint
	}
	mode, err := capabilities.WriteMode()
	if err != nil {
		return err
	}
	chunkSize := endpoint.MaxChunkSize()
	if chunkSize <= 0 {
		return protocol.ErrInvalidChunkSize
	}
	id := endpoint.ID()

	var events []Event
	e.lock.Lock()
	if e.closed {
		e.lock.Unlock()
		return protocol.ErrClosed
	}
	s, ok := e.slots[id]
	if !ok {
		s = &slot{}
		e.slots[id] = s
	}
	if prev := s.active; prev != nil {
		prev.stopTimer()
		log.Warning("[%s] Abandoning transfer at offset %d/%d", id, prev.offset, len(prev.payload))
		events = append(events, TransferAbandoned{EndpointID: id, Offset: prev.offset, Length: len(prev.payload)})
	}
	t := &transfer{
		endpointID: id,
		endpoint:   endpoint,
		payload:    append([]byte{}, payload...),
		chunkSize:  chunkSize,
		mode:       mode,
	}
	s.offset = 0
	s.length = len(t.payload)
	if len(t.payload) == 0 {
		s.active = nil
		s.state = Complete
		e.lock.Unlock()
		events = append(events, TransferComplete{EndpointID: id, Length: 0})
		e.emit(events...)
		return nil
	}
	s.active = t
	s.state = AwaitingReady
	start, end := t.next()
	t.end = end
	e.armTimer(t)
	e.lock.Unlock()

	log.Info("[%s] Sending %d bytes in chunks of %d (%s)", id, len(t.payload), chunkSize, mode)
	err = e.write(ctx, t, start, end)
	e.emit(events...)
	return err
}

// Pair makes ready tokens received on inboundID advance the transfer on transferID, for
// receivers that acknowledge on a separate notify characteristic. Data received on inboundID is
// still reported under inboundID. An empty transferID removes the pairing.
func (e *Engine) Pair(inboundID, transferID string) {
	e.lock.Lock()
	defer e.lock.Unlock()
	if transferID == "" {
		delete(e.pairs, inboundID)
		return
	}
	e.pairs[inboundID] = transferID
}

// HandleInbound classifies a buffer received on endpointID. Transports must call it in arrival
// order. A buffer equal to the ready token releases the next chunk of the endpoint's transfer,
// or of its paired endpoint, and is otherwise ignored; every other buffer is emitted as
// CharacteristicRead.
func (e *Engine) HandleInbound(endpointID string, data []byte) {
	if e.classifier.Classify(data) == protocol.InboundData {
		e.emit(CharacteristicRead{EndpointID: endpointID, Value: append([]byte{}, data...)})
		return
	}
	e.lock.Lock()
	if transferID, ok := e.pairs[endpointID]; ok {
		endpointID = transferID
	}
	e.lock.Unlock()
	e.advance(endpointID)
}

func (e *Engine) advance(id string) {
	e.lock.Lock()
	s, ok := e.slots[id]
	if e.closed || !ok || s.active == nil {
		e.lock.Unlock()
		log.Debug("[%s] Ignoring ready token without an active transfer", id)
		return
	}
	t := s.active
	if !t.issued {
		e.lock.Unlock()
		log.Debug("[%s] Ignoring ready token before chunk [%d-%d] is written", id, t.offset, t.end)
		return
	}
	t.offset = t.end
	t.issued = false
	s.offset = t.offset
	if t.offset >= len(t.payload) {
		t.stopTimer()
		s.active = nil
		s.state = Complete
		e.lock.Unlock()

		// Wait for the last write to return so its events come first.
		t.writeLock.Lock()
		t.writeLock.Unlock()
		log.Info("[%s] Transfer of %d bytes complete", id, len(t.payload))
		e.emit(TransferComplete{EndpointID: id, Length: len(t.payload)})
		return
	}
	start, end := t.next()
	t.end = end
	e.armTimer(t)
	e.lock.Unlock()

	// Errors are reported through TransferFailed.
	_ = e.write(e.ctx, t, start, end)
}

// write issues chunk [start, end) of t. Chunks of one transfer reach the transport one at a time
// and in offset order; a chunk of a transfer that is no longer active is skipped.
func (e *Engine) write(ctx context.Context, t *transfer, start, end int) error {
	chunk := t.payload[start:end]
	if len(chunk) > t.chunkSize {
		return &TransferError{EndpointID: t.endpointID, Offset: start, Err: protocol.ErrChunkTooLarge}
	}

	t.writeLock.Lock()
	defer t.writeLock.Unlock()

	e.lock.Lock()
	s, ok := e.slots[t.endpointID]
	if e.closed || !ok || s.active != t || t.end != end {
		e.lock.Unlock()
		log.Debug("[%s] Skipping chunk [%d-%d] of an inactive transfer", t.endpointID, start, end)
		return nil
	}
	// Ready tokens count from here on; a reply may arrive before WriteChunk returns.
	t.issued = true
	e.lock.Unlock()

	log.Debug("[%s] TX [%d-%d]: %02x", t.endpointID, start, end, chunk)
	err := e.transport.WriteChunk(ctx, t.endpoint, chunk, t.mode)
	if err == nil {
		if e.config.ReportProgress {
			e.emit(TransferProgress{EndpointID: t.endpointID, OffsetBefore: start, OffsetAfter: end})
		}
		return nil
	}
	transferErr := &TransferError{
		EndpointID: t.endpointID,
		Offset:     start,
		Err:        fmt.Errorf("%w: %w", protocol.ErrTransportWriteFailed, err),
	}
	log.Warning("[%s] Write of chunk [%d-%d] failed: %s", t.endpointID, start, end, err)
	e.lock.Lock()
	active := e.slots[t.endpointID].active == t
	if active {
		// The chunk never left, so a ready token must not confirm it.
		t.issued = false
	}
	e.lock.Unlock()
	if active {
		e.emit(TransferFailed{EndpointID: t.endpointID, Offset: start, Err: transferErr})
	}
	return transferErr
}

// armTimer must be called with e.lock held.
func (e *Engine) armTimer(t *transfer) {
	t.stopTimer()
	if e.config.StallTimeout <= 0 {
		return
	}
	t.timer = time.AfterFunc(e.config.StallTimeout, func() {
		e.stall(t)
	})
}

func (e *Engine) stall(t *transfer) {
	e.lock.Lock()
	s, ok := e.slots[t.endpointID]
	if e.closed || !ok || s.active != t {
		e.lock.Unlock()
		return
	}
	s.active = nil
	s.state = Idle
	t.timer = nil
	offset := t.offset
	e.lock.Unlock()

	log.Warning("[%s] Transfer stalled at offset %d/%d", t.endpointID, offset, len(t.payload))
	e.emit(TransferStalled{
		EndpointID: t.endpointID,
		Offset:     offset,
		Length:     len(t.payload),
		Err:        &TransferError{EndpointID: t.endpointID, Offset: offset, Err: protocol.ErrStalled},
	})
}

// Cancel abandons the active transfer on endpointID. Returns false if there was none.
func (e *Engine) Cancel(endpointID string) bool {
	e.lock.Lock()
	s, ok := e.slots[endpointID]
	if e.closed || !ok || s.active == nil {
		e.lock.Unlock()
		return false
	}
	t := s.active
	t.stopTimer()
	s.active = nil
	s.state = Idle
	e.lock.Unlock()

	log.Info("[%s] Canceled transfer at offset %d/%d", endpointID, t.offset, len(t.payload))
	e.emit(TransferAbandoned{EndpointID: endpointID, Offset: t.offset, Length: len(t.payload)})
	return true
}

// Status reports the state of endpointID's slot. Unknown endpoints are Idle.
func (e *Engine) Status(endpointID string) Status {
	e.lock.Lock()
	defer e.lock.Unlock()
	s, ok := e.slots[endpointID]
	if !ok {
		return Status{State: Idle}
	}
	return Status{State: s.state, Offset: s.offset, Length: s.length}
}

// SubscriptionChanged forwards a transport subscription update to the caller.
func (e *Engine) SubscriptionChanged(endpointID string, active bool) {
	e.emit(SubscriptionChanged{EndpointID: endpointID, Active: active})
}

// ReportRSSI forwards a signal strength reading to the caller.
func (e *Engine) ReportRSSI(rssi int) {
	e.emit(RSSIRead{RSSI: rssi})
}

// Close stops all stall timers, rejects further sends and unblocks pending emitters. Repeated
// calls are no-ops.
func (e *Engine) Close() {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for _, s := range e.slots {
		if s.active != nil {
			s.active.stopTimer()
			s.active = nil
			s.state = Idle
		}
	}
	e.cancel()
	close(e.done)
}

func (e *Engine) emit(events ...Event) {
	for _, event := range events {
		select {
		case e.events <- event:
		case <-e.done:
			log.Debug("Dropping %T because the engine is closed", event)
			return
		}
	}
}
