package ble

import (
	"context"
	"sync"

	"github.com/go-ble/ble"

	"github.com/teslamotors/ble-flowcontrol/internal/log"
	"github.com/teslamotors/ble-flowcontrol/pkg/protocol"
)

var ErrAdapterUnavailable = protocol.NewError("the bluetooth adapter could not be opened", false)

// DefaultAdapterID selects the platform's default HCI adapter.
const DefaultAdapterID = -1

// Beacon is an advertisement from a connectable peripheral.
type Beacon struct {
	Address     string
	LocalName   string
	RSSI        int
	Connectable bool
}

// Adapter is the local Bluetooth controller.
type Adapter struct {
	device ble.Device

	lock   sync.Mutex
	closed bool
}

// NewAdapter opens the local controller. Pass DefaultAdapterID to use the default one.
func NewAdapter(adapterID int) (*Adapter, error) {
	device, err := newDevice(adapterID)
	if err != nil {
		log.Error("ble: failed to open adapter: %s", err)
		return nil, ErrAdapterUnavailable
	}
	return &Adapter{device: device}, nil
}

// Scan reports every advertisement to fn until ctx is done.
func (a *Adapter) Scan(ctx context.Context, fn func(*Beacon)) error {
	return a.device.Scan(ctx, false, func(adv ble.Advertisement) {
		fn(advertisementToBeacon(adv))
	})
}

// ScanBeacon scans until a peripheral advertising name is found or ctx is done.
func (a *Adapter) ScanBeacon(ctx context.Context, name string) (*Beacon, error) {
	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		lock   sync.Mutex
		result *Beacon
	)
	log.Debug("Scanning for %s...", name)
	err := a.Scan(scanCtx, func(beacon *Beacon) {
		if beacon.LocalName != name {
			return
		}
		lock.Lock()
		defer lock.Unlock()
		if result == nil {
			result = beacon
			cancel()
		}
	})

	lock.Lock()
	defer lock.Unlock()
	if result != nil {
		return result, nil
	}
	if err == nil {
		err = ctx.Err()
	}
	return nil, err
}

// Connect dials address and returns a Peripheral for it.
func (a *Adapter) Connect(ctx context.Context, address string) (*Peripheral, error) {
	client, err := a.device.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, err
	}
	log.Info("Connected to %s", address)
	return NewPeripheral(client), nil
}

// Close releases the controller. Repeated calls are no-ops.
func (a *Adapter) Close() error {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	return a.device.Stop()
}

func advertisementToBeacon(adv ble.Advertisement) *Beacon {
	return &Beacon{
		Address:     adv.Addr().String(),
		LocalName:   adv.LocalName(),
		RSSI:        adv.RSSI(),
		Connectable: adv.Connectable(),
	}
}
