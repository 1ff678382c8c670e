package ble

import (
	"sync"
	"sync/atomic"

	"github.com/go-ble/ble"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// stopCounter is a ble.Device that only supports Stop.
type stopCounter struct {
	ble.Device
	stops atomic.Int32
}

func (d *stopCounter) Stop() error {
	d.stops.Add(1)
	return nil
}

var _ = Describe("Adapter", func() {
	It("stops the device once when closed concurrently", func() {
		device := &stopCounter{}
		adapter := &Adapter{device: device}

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				Expect(adapter.Close()).To(Succeed())
			}()
		}
		wg.Wait()
		Expect(device.stops.Load()).To(Equal(int32(1)))
		Expect(adapter.Close()).To(Succeed())
		Expect(device.stops.Load()).To(Equal(int32(1)))
	})
})
