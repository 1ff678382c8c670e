//go:build !linux && !darwin

package ble

import (
	"errors"

	"github.com/go-ble/ble"
)

func newDevice(_ int) (ble.Device, error) {
	return nil, errors.New("not supported on this platform")
}
