package flow

import (
	"fmt"
	"sync"
	"time"

	"github.com/teslamotors/ble-flowcontrol/pkg/capability"
)

// State of an endpoint's transfer slot.
type State int

const (
	// Idle means no transfer is active.
	Idle State = iota
	// AwaitingReady means a chunk was written and the engine waits for the receiver.
	AwaitingReady
	// Complete means the last transfer finished. The next send returns the slot to AwaitingReady.
	Complete
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingReady:
		return "awaiting-ready"
	case Complete:
		return "complete"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Status describes an endpoint's transfer slot.
type Status struct {
	State  State
	Offset int
	Length int
}

// TransferError identifies the chunk a failure occurred at. It matches both
// protocol.ErrTransportWriteFailed and the transport's error with errors.Is.
type TransferError struct {
	EndpointID string
	Offset     int
	Err        error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("flow: %s at offset %d: %s", e.EndpointID, e.Offset, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// transfer is the one in-flight message for an endpoint.
type transfer struct {
	endpointID string
	endpoint   Endpoint
	payload    []byte
	chunkSize  int
	mode       capability.WriteMode

	offset int  // bytes confirmed by the receiver
	end    int  // end of the chunk in flight
	issued bool // the chunk ending at end was handed to the transport

	// writeLock orders the transfer's chunks on the transport. It is never held with the
	// engine lock.
	writeLock sync.Mutex

	timer *time.Timer
}

// next returns the window following the confirmed offset.
func (t *transfer) next() (start, end int) {
	return window(t.offset, len(t.payload), t.chunkSize)
}

func (t *transfer) stopTimer() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// window returns [offset, min(offset+size, length)).
func window(offset, length, size int) (start, end int) {
	end = offset + size
	if end > length {
		end = length
	}
	return offset, end
}

// Chunks slices payload into consecutive pieces of at most size bytes. Only the last piece may
// be shorter. Concatenating the result reproduces payload. Chunks returns nil if size is not
// positive.
func Chunks(payload []byte, size int) [][]byte {
	if size <= 0 {
		return nil
	}
	var chunks [][]byte
	for offset := 0; offset < len(payload); {
		start, end := window(offset, len(payload), size)
		chunks = append(chunks, payload[start:end])
		offset = end
	}
	return chunks
}
