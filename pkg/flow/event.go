package flow

// Event is delivered on Engine.Events. The concrete types are CharacteristicRead,
// TransferProgress, TransferComplete, TransferAbandoned, TransferFailed, TransferStalled,
// SubscriptionChanged and RSSIRead.
type Event interface {
	isEvent()
}

// CharacteristicRead carries inbound data that is not a flow-control signal.
type CharacteristicRead struct {
	EndpointID string
	Value      []byte
}

// TransferProgress reports a chunk write covering [OffsetBefore, OffsetAfter).
type TransferProgress struct {
	EndpointID   string
	OffsetBefore int
	OffsetAfter  int
}

// TransferComplete is emitted once per transfer, after the receiver confirms the final chunk.
type TransferComplete struct {
	EndpointID string
	Length     int
}

// TransferAbandoned is emitted when an active transfer is replaced by a newer send or
// canceled. Offset is the number of bytes the receiver had confirmed.
type TransferAbandoned struct {
	EndpointID string
	Offset     int
	Length     int
}

// TransferFailed reports a chunk write the transport rejected. The transfer is not retried.
type TransferFailed struct {
	EndpointID string
	Offset     int
	Err        error
}

// TransferStalled is emitted when no ready token arrived within the stall timeout. The slot is
// freed.
type TransferStalled struct {
	EndpointID string
	Offset     int
	Length     int
	Err        error
}

// SubscriptionChanged is passed through from the transport without interpretation.
type SubscriptionChanged struct {
	EndpointID string
	Active     bool
}

// RSSIRead is passed through from the transport without interpretation.
type RSSIRead struct {
	RSSI int
}

func (CharacteristicRead) isEvent()  {}
func (TransferProgress) isEvent()    {}
func (TransferComplete) isEvent()    {}
func (TransferAbandoned) isEvent()   {}
func (TransferFailed) isEvent()      {}
func (TransferStalled) isEvent()     {}
func (SubscriptionChanged) isEvent() {}
func (RSSIRead) isEvent()            {}
