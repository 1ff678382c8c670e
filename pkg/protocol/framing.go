package protocol

import "bytes"

// Terminator is appended to text payloads as an end-of-message marker for the receiver's
// application layer. Completion is detected by byte counting, not by this marker.
const Terminator byte = 0x00

// DefaultReadyToken is the inbound value a receiver sends when it has consumed the last chunk.
const DefaultReadyToken = "ready"

// FrameText returns the wire form of a text message: its bytes followed by one Terminator.
func FrameText(text string) []byte {
	framed := make([]byte, 0, len(text)+1)
	framed = append(framed, text...)
	return append(framed, Terminator)
}

// InboundKind says how an inbound buffer should be routed.
type InboundKind int

const (
	// InboundData is application data surfaced to the caller.
	InboundData InboundKind = iota
	// InboundReady is a flow-control signal.
	InboundReady
)

func (k InboundKind) String() string {
	switch k {
	case InboundReady:
		return "ready"
	case InboundData:
		return "data"
	}
	return "unknown"
}

// Classifier separates ready tokens from application data. Matching is exact and
// case-sensitive; a prefix, suffix or differently cased value is data.
type Classifier struct {
	token []byte
}

func NewClassifier(token []byte) (*Classifier, error) {
	if len(token) == 0 {
		return nil, ErrInvalidReadyToken
	}
	return &Classifier{token: append([]byte{}, token...)}, nil
}

func (c *Classifier) Classify(buf []byte) InboundKind {
	if bytes.Equal(buf, c.token) {
		return InboundReady
	}
	return InboundData
}

// Token returns a copy of the ready token.
func (c *Classifier) Token() []byte {
	return append([]byte{}, c.token...)
}
