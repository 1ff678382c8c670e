package ble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"

	"github.com/teslamotors/ble-flowcontrol/internal/log"
)

func newDevice(adapterID int) (ble.Device, error) {
	if adapterID >= 0 {
		log.Warning("BLE adapter ID is not supported on Darwin")
	}
	device, err := darwin.NewDevice()
	if err != nil {
		return nil, err
	}
	return device, nil
}
