// Package capability decodes the GATT property bitmask of a characteristic into an explicit set of
// capabilities and selects the write mode a transfer should use.
package capability

import (
	"strings"

	"github.com/go-ble/ble"

	"github.com/teslamotors/ble-flowcontrol/pkg/protocol"
)

// Set lists what an endpoint supports. The flags are independent; an endpoint may support any
// combination.
type Set struct {
	Readable           bool
	WritableWithAck    bool
	WritableWithoutAck bool
	Notifiable         bool
	Indicatable        bool
}

// FromProperty decodes a GATT characteristic property bitmask.
func FromProperty(p ble.Property) Set {
	return Set{
		Readable:           p&ble.CharRead != 0,
		WritableWithAck:    p&ble.CharWrite != 0,
		WritableWithoutAck: p&ble.CharWriteNR != 0,
		Notifiable:         p&ble.CharNotify != 0,
		Indicatable:        p&ble.CharIndicate != 0,
	}
}

// Property encodes s as a GATT characteristic property bitmask.
func (s Set) Property() ble.Property {
	var p ble.Property
	if s.Readable {
		p |= ble.CharRead
	}
	if s.WritableWithAck {
		p |= ble.CharWrite
	}
	if s.WritableWithoutAck {
		p |= ble.CharWriteNR
	}
	if s.Notifiable {
		p |= ble.CharNotify
	}
	if s.Indicatable {
		p |= ble.CharIndicate
	}
	return p
}

func (s Set) CanRead() bool {
	return s.Readable
}

// CanWrite returns true if either write variant is supported.
func (s Set) CanWrite() bool {
	return s.WritableWithAck || s.WritableWithoutAck
}

// CanNotify returns true if the endpoint can push values, by notification or indication.
func (s Set) CanNotify() bool {
	return s.Notifiable || s.Indicatable
}

// WriteMode picks the mode a transfer uses for every chunk. Writes without response are preferred
// because they do not block on a link-layer acknowledgment.
func (s Set) WriteMode() (WriteMode, error) {
	switch {
	case s.WritableWithoutAck:
		return WithoutResponse, nil
	case s.WritableWithAck:
		return WithResponse, nil
	}
	return WithoutResponse, protocol.ErrNoWritableMode
}

func (s Set) String() string {
	var names []string
	if s.Readable {
		names = append(names, "read")
	}
	if s.WritableWithAck {
		names = append(names, "write")
	}
	if s.WritableWithoutAck {
		names = append(names, "write-without-response")
	}
	if s.Notifiable {
		names = append(names, "notify")
	}
	if s.Indicatable {
		names = append(names, "indicate")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// WriteMode enumerates the two GATT write variants.
type WriteMode int

const (
	// WithoutResponse writes are fire-and-forget.
	WithoutResponse WriteMode = iota
	// WithResponse writes block until the remote acknowledges them.
	WithResponse
)

// Acknowledged returns true if writes in this mode request an acknowledgment.
func (m WriteMode) Acknowledged() bool {
	return m == WithResponse
}

func (m WriteMode) String() string {
	if m == WithResponse {
		return "with-response"
	}
	return "without-response"
}
