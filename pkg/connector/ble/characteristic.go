package ble

import (
	"github.com/go-ble/ble"

	"github.com/teslamotors/ble-flowcontrol/pkg/capability"
)

// Characteristic is a remote GATT characteristic. It implements flow.Endpoint; the chunk size is
// fixed when the characteristic is discovered.
type Characteristic struct {
	peripheral   *Peripheral
	char         *ble.Characteristic
	id           string
	capabilities capability.Set
	chunkSize    int
}

func (c *Characteristic) ID() string {
	return c.id
}

func (c *Characteristic) Capabilities() capability.Set {
	return c.capabilities
}

func (c *Characteristic) MaxChunkSize() int {
	return c.chunkSize
}
