package flow

import (
	"errors"
	"time"

	"github.com/teslamotors/ble-flowcontrol/pkg/protocol"
)

const (
	// DefaultStallTimeout is how long a transfer waits for a ready token before giving up.
	DefaultStallTimeout = 10 * time.Second

	// DefaultEventBuffer is the number of events that can be queued before emitters block.
	DefaultEventBuffer = 32
)

// Config controls an Engine.
type Config struct {
	// ReadyToken is the exact inbound value that releases the next chunk.
	ReadyToken []byte

	// StallTimeout abandons a transfer that has not seen a ready token for this long. Zero
	// disables the timeout and a silent receiver stalls the transfer indefinitely.
	StallTimeout time.Duration

	// EventBuffer sets the capacity of the Events channel.
	EventBuffer int

	// ReportProgress emits a TransferProgress event for every chunk written.
	ReportProgress bool
}

func DefaultConfig() Config {
	return Config{
		ReadyToken:   []byte(protocol.DefaultReadyToken),
		StallTimeout: DefaultStallTimeout,
		EventBuffer:  DefaultEventBuffer,
	}
}

func (c *Config) Validate() error {
	if len(c.ReadyToken) == 0 {
		return protocol.ErrInvalidReadyToken
	}
	if c.StallTimeout < 0 {
		return errors.New("flow: stall timeout must not be negative")
	}
	if c.EventBuffer < 0 {
		return errors.New("flow: event buffer must not be negative")
	}
	return nil
}
