package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/teslamotors/ble-flowcontrol/pkg/flow"
)

// session owns the engine for one connection and prints its events as they arrive.
type session struct {
	engine *flow.Engine
	link   link
	wait   bool

	outLock sync.Mutex
	out     io.Writer

	lock    sync.Mutex
	waiters map[string]chan flow.Event

	stopped chan struct{}
}

// newSession starts an engine over l. If wait is set, transfer commands block until the transfer
// finishes.
func newSession(l link, config flow.Config, out io.Writer, wait bool) (*session, error) {
	engine, err := flow.NewEngine(l.Transport(), config)
	if err != nil {
		return nil, err
	}
	l.Attach(engine)
	s := &session{
		engine:  engine,
		link:    l,
		wait:    wait,
		out:     out,
		waiters: make(map[string]chan flow.Event),
		stopped: make(chan struct{}),
	}
	go s.watch()
	return s, nil
}

func (s *session) printf(format string, a ...interface{}) {
	s.outLock.Lock()
	defer s.outLock.Unlock()
	fmt.Fprintf(s.out, format, a...)
}

func (s *session) watch() {
	defer close(s.stopped)
	received := s.link.Received()
	for {
		select {
		case <-s.engine.Done():
			return
		case event := <-s.engine.Events():
			s.printf("%s\n", formatEvent(event))
			s.resolve(event)
		case message := <-received:
			s.printf("[%s] receiver got %q\n", message.EndpointID, message.Payload)
		}
	}
}

// await registers interest in the next terminal event for endpointID.
func (s *session) await(endpointID string) <-chan flow.Event {
	result := make(chan flow.Event, 1)
	s.lock.Lock()
	defer s.lock.Unlock()
	s.waiters[endpointID] = result
	return result
}

func (s *session) forget(endpointID string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.waiters, endpointID)
}

func (s *session) resolve(event flow.Event) {
	var endpointID string
	switch e := event.(type) {
	case flow.TransferComplete:
		endpointID = e.EndpointID
	case flow.TransferFailed:
		endpointID = e.EndpointID
	case flow.TransferStalled:
		endpointID = e.EndpointID
	case flow.TransferAbandoned:
		endpointID = e.EndpointID
	default:
		return
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if result, ok := s.waiters[endpointID]; ok {
		result <- event
		delete(s.waiters, endpointID)
	}
}

// Close stops the engine and closes the connection.
func (s *session) Close() error {
	s.engine.Close()
	<-s.stopped
	return s.link.Close()
}

func formatEvent(event flow.Event) string {
	switch e := event.(type) {
	case flow.CharacteristicRead:
		return fmt.Sprintf("[%s] value %q", e.EndpointID, e.Value)
	case flow.TransferProgress:
		return fmt.Sprintf("[%s] wrote [%d-%d]", e.EndpointID, e.OffsetBefore, e.OffsetAfter)
	case flow.TransferComplete:
		return fmt.Sprintf("[%s] transfer of %d bytes complete", e.EndpointID, e.Length)
	case flow.TransferAbandoned:
		return fmt.Sprintf("[%s] transfer abandoned at %d/%d", e.EndpointID, e.Offset, e.Length)
	case flow.TransferFailed:
		return fmt.Sprintf("[%s] transfer failed at %d: %s", e.EndpointID, e.Offset, e.Err)
	case flow.TransferStalled:
		return fmt.Sprintf("[%s] transfer stalled at %d/%d", e.EndpointID, e.Offset, e.Length)
	case flow.SubscriptionChanged:
		if e.Active {
			return fmt.Sprintf("[%s] subscribed", e.EndpointID)
		}
		return fmt.Sprintf("[%s] unsubscribed", e.EndpointID)
	case flow.RSSIRead:
		return fmt.Sprintf("RSSI %d dBm", e.RSSI)
	}
	return fmt.Sprintf("%+v", event)
}
