package ble_test

import (
	"context"
	"errors"
	"sync"

	gble "github.com/go-ble/ble"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/teslamotors/ble-flowcontrol/pkg/capability"
	"github.com/teslamotors/ble-flowcontrol/pkg/connector/ble"
	"github.com/teslamotors/ble-flowcontrol/pkg/connector/loopback"
	"github.com/teslamotors/ble-flowcontrol/pkg/flow"
	"github.com/teslamotors/ble-flowcontrol/pkg/protocol"
)

const (
	serviceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	txUUID      = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	rxUUID      = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

type write struct {
	uuid  string
	value []byte
	noRsp bool
}

// fakeClient is an in-memory GATT server.
type fakeClient struct {
	lock            sync.Mutex
	characteristics []*gble.Characteristic
	values          map[string][]byte
	handlers        map[string]gble.NotificationHandler
	indicate        map[string]bool
	writes          []write
	mtu             int
	mtuErr          error
	writeErr        error
	rssi            int
	cleared         bool
	cancelled       bool

	// onWrite runs after each recorded write, outside the lock.
	onWrite func(w write)
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		characteristics: []*gble.Characteristic{
			{UUID: gble.MustParse(txUUID), Property: gble.CharWriteNR | gble.CharWrite},
			{UUID: gble.MustParse(rxUUID), Property: gble.CharRead | gble.CharNotify},
		},
		values:   make(map[string][]byte),
		handlers: make(map[string]gble.NotificationHandler),
		indicate: make(map[string]bool),
		mtu:      gble.DefaultMTU,
		rssi:     -58,
	}
}

func (f *fakeClient) DiscoverServices(filter []gble.UUID) ([]*gble.Service, error) {
	if len(filter) != 1 || !filter[0].Equal(gble.MustParse(serviceUUID)) {
		return nil, nil
	}
	return []*gble.Service{{UUID: filter[0]}}, nil
}

func (f *fakeClient) DiscoverCharacteristics(_ []gble.UUID, _ *gble.Service) ([]*gble.Characteristic, error) {
	return f.characteristics, nil
}

func (f *fakeClient) DiscoverDescriptors(_ []gble.UUID, _ *gble.Characteristic) ([]*gble.Descriptor, error) {
	return nil, nil
}

func (f *fakeClient) ReadCharacteristic(c *gble.Characteristic) ([]byte, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.values[c.UUID.String()], nil
}

func (f *fakeClient) WriteCharacteristic(c *gble.Characteristic, value []byte, noRsp bool) error {
	f.lock.Lock()
	if f.writeErr != nil {
		err := f.writeErr
		f.lock.Unlock()
		return err
	}
	w := write{uuid: c.UUID.String(), value: append([]byte{}, value...), noRsp: noRsp}
	f.writes = append(f.writes, w)
	onWrite := f.onWrite
	f.lock.Unlock()
	if onWrite != nil {
		onWrite(w)
	}
	return nil
}

func (f *fakeClient) Subscribe(c *gble.Characteristic, ind bool, h gble.NotificationHandler) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.handlers[c.UUID.String()] = h
	f.indicate[c.UUID.String()] = ind
	return nil
}

func (f *fakeClient) Unsubscribe(c *gble.Characteristic, _ bool) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	delete(f.handlers, c.UUID.String())
	return nil
}

func (f *fakeClient) ExchangeMTU(_ int) (int, error) {
	return f.mtu, f.mtuErr
}

func (f *fakeClient) ReadRSSI() int {
	return f.rssi
}

func (f *fakeClient) ClearSubscriptions() error {
	f.cleared = true
	return nil
}

func (f *fakeClient) CancelConnection() error {
	f.cancelled = true
	return nil
}

// key indexes fake state by characteristic.
func key(uuid string) string {
	return gble.MustParse(uuid).String()
}

// notify delivers value on the notification handler for uuid, as the radio would.
func (f *fakeClient) notify(uuid string, value []byte) {
	f.lock.Lock()
	h := f.handlers[key(uuid)]
	f.lock.Unlock()
	if h != nil {
		h(value)
	}
}

func (f *fakeClient) recorded() []write {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]write{}, f.writes...)
}

// recordingSink collects what a Peripheral routes inbound.
type recordingSink struct {
	lock          sync.Mutex
	inbound       [][]byte
	subscriptions []bool
	rssi          []int
}

func (s *recordingSink) HandleInbound(_ string, data []byte) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.inbound = append(s.inbound, data)
}

func (s *recordingSink) SubscriptionChanged(_ string, active bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.subscriptions = append(s.subscriptions, active)
}

func (s *recordingSink) ReportRSSI(rssi int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.rssi = append(s.rssi, rssi)
}

var _ = Describe("Peripheral", func() {
	var (
		ctx        context.Context
		client     *fakeClient
		peripheral *ble.Peripheral
		sink       *recordingSink
	)

	discover := func(uuid string) *ble.Characteristic {
		chars, err := peripheral.Discover(serviceUUID, uuid)
		Expect(err).NotTo(HaveOccurred())
		Expect(chars).To(HaveLen(1))
		return chars[0]
	}

	BeforeEach(func() {
		ctx = context.Background()
		client = newFakeClient()
		peripheral = ble.NewPeripheral(client)
		sink = &recordingSink{}
		peripheral.Attach(sink)
	})

	Describe("Discover", func() {
		It("maps characteristic properties to capabilities", func() {
			chars, err := peripheral.Discover(serviceUUID)
			Expect(err).NotTo(HaveOccurred())
			Expect(chars).To(HaveLen(2))
			Expect(chars[0].ID()).To(Equal(txUUID))
			Expect(chars[0].Capabilities()).To(Equal(capability.Set{WritableWithAck: true, WritableWithoutAck: true}))
			Expect(chars[1].Capabilities()).To(Equal(capability.Set{Readable: true, Notifiable: true}))
			Expect(chars[0].MaxChunkSize()).To(Equal(ble.DefaultChunkSize))
		})

		It("finds discovered characteristics by UUID", func() {
			discover(rxUUID)
			c, ok := peripheral.Characteristic("6E400003B5A3F393E0A9E50E24DCCA9E")
			Expect(ok).To(BeTrue())
			Expect(c.ID()).To(Equal(rxUUID))
			_, ok = peripheral.Characteristic(txUUID)
			Expect(ok).To(BeFalse())
		})

		It("matches requested characteristics in any UUID notation", func() {
			chars, err := peripheral.Discover(serviceUUID, "6E400002B5A3F393E0A9E50E24DCCA9E", "6E400003-B5A3-F393-E0A9-E50E24DCCA9E")
			Expect(err).NotTo(HaveOccurred())
			Expect(chars).To(HaveLen(2))
			Expect(chars[0].ID()).To(Equal(txUUID))
			Expect(chars[1].ID()).To(Equal(rxUUID))
		})

		It("fails when a requested characteristic is missing", func() {
			_, err := peripheral.Discover(serviceUUID, "6e400009-b5a3-f393-e0a9-e50e24dcca9e")
			Expect(err).To(HaveOccurred())
		})

		It("fails when the service is missing", func() {
			_, err := peripheral.Discover("180f")
			Expect(err).To(HaveOccurred())
		})

		It("rejects malformed UUIDs", func() {
			_, err := peripheral.Discover("not-a-uuid")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("ExchangeMTU", func() {
		It("derives the chunk size from the negotiated MTU", func() {
			client.mtu = 185
			Expect(peripheral.ExchangeMTU(gble.MaxMTU)).To(Equal(182))
			Expect(discover(txUUID).MaxChunkSize()).To(Equal(182))
		})

		It("accepts an explicit chunk size", func() {
			Expect(peripheral.SetChunkSize(8)).To(Succeed())
			Expect(discover(txUUID).MaxChunkSize()).To(Equal(8))
			Expect(peripheral.SetChunkSize(0)).To(MatchError(protocol.ErrInvalidChunkSize))
		})

		It("falls back to the default chunk size", func() {
			client.mtuErr = errors.New("not supported")
			Expect(peripheral.ExchangeMTU(gble.MaxMTU)).To(Equal(ble.DefaultChunkSize))
		})
	})

	Describe("WriteChunk", func() {
		It("maps the write mode onto the response flag", func() {
			tx := discover(txUUID)
			Expect(peripheral.WriteChunk(ctx, tx, []byte("a"), capability.WithoutResponse)).To(Succeed())
			Expect(peripheral.WriteChunk(ctx, tx, []byte("b"), capability.WithResponse)).To(Succeed())
			Expect(client.recorded()).To(Equal([]write{
				{uuid: key(txUUID), value: []byte("a"), noRsp: true},
				{uuid: key(txUUID), value: []byte("b"), noRsp: false},
			}))
		})

		It("rejects oversized chunks", func() {
			tx := discover(txUUID)
			err := peripheral.WriteChunk(ctx, tx, make([]byte, ble.DefaultChunkSize+1), capability.WithoutResponse)
			Expect(err).To(MatchError(protocol.ErrChunkTooLarge))
			Expect(client.recorded()).To(BeEmpty())
		})

		It("rejects endpoints owned by another transport", func() {
			endpoint := loopback.NewEndpoint(txUUID, capability.Set{WritableWithoutAck: true}, 20)
			err := peripheral.WriteChunk(ctx, endpoint, []byte("a"), capability.WithoutResponse)
			Expect(err).To(MatchError(protocol.ErrUnknownEndpoint))
		})

		It("does not write once the context is done", func() {
			tx := discover(txUUID)
			cancelled, cancel := context.WithCancel(ctx)
			cancel()
			Expect(peripheral.WriteChunk(cancelled, tx, []byte("a"), capability.WithoutResponse)).To(MatchError(context.Canceled))
		})
	})

	Describe("notifications", func() {
		It("routes notifications and subscription changes to the sink", func() {
			rx := discover(rxUUID)
			Expect(peripheral.Subscribe(rx)).To(Succeed())
			Expect(client.indicate[key(rxUUID)]).To(BeFalse())
			client.notify(rxUUID, []byte("ready"))
			Expect(peripheral.Unsubscribe(rx)).To(Succeed())

			Expect(sink.inbound).To(Equal([][]byte{[]byte("ready")}))
			Expect(sink.subscriptions).To(Equal([]bool{true, false}))
		})

		It("uses indications when notifications are unavailable", func() {
			client.characteristics[1].Property = gble.CharIndicate
			rx := discover(rxUUID)
			Expect(peripheral.Subscribe(rx)).To(Succeed())
			Expect(client.indicate[key(rxUUID)]).To(BeTrue())
		})

		It("refuses to subscribe to a characteristic without notify or indicate", func() {
			tx := discover(txUUID)
			Expect(peripheral.Subscribe(tx)).To(MatchError(ble.ErrNotNotifiable))
			Expect(sink.subscriptions).To(BeEmpty())
		})
	})

	It("routes reads through the sink", func() {
		client.values[key(rxUUID)] = []byte("status=ok")
		rx := discover(rxUUID)
		value, err := peripheral.Read(rx)
		Expect(err).NotTo(HaveOccurred())
		Expect(value).To(Equal([]byte("status=ok")))
		Expect(sink.inbound).To(Equal([][]byte{[]byte("status=ok")}))

		_, err = peripheral.Read(discover(txUUID))
		Expect(err).To(MatchError(ble.ErrNotReadable))
	})

	It("reports RSSI", func() {
		Expect(peripheral.ReadRSSI()).To(Equal(-58))
		Expect(sink.rssi).To(Equal([]int{-58}))
	})

	It("clears subscriptions and disconnects on close", func() {
		Expect(peripheral.Close()).To(Succeed())
		Expect(client.cleared).To(BeTrue())
		Expect(client.cancelled).To(BeTrue())
	})

	Describe("with a flow engine", func() {
		var engine *flow.Engine

		BeforeEach(func() {
			var err error
			engine, err = flow.NewEngine(peripheral, flow.DefaultConfig())
			Expect(err).NotTo(HaveOccurred())
			peripheral.Attach(engine)
			DeferCleanup(engine.Close)
		})

		It("accepts ready notifications on a paired characteristic", func() {
			tx := discover(txUUID)
			rx := discover(rxUUID)
			Expect(peripheral.Subscribe(rx)).To(Succeed())
			engine.Pair(rx.ID(), tx.ID())

			client.onWrite = func(write) {
				go client.notify(rxUUID, []byte(protocol.DefaultReadyToken))
			}
			Expect(engine.SendText(ctx, tx, "HELLO")).To(Succeed())
			Eventually(engine.Events()).Should(Receive(Equal(flow.TransferComplete{EndpointID: txUUID, Length: 6})))
		})

		It("sends the next chunk each time the receiver notifies ready", func() {
			client.characteristics[0].Property |= gble.CharNotify
			tx := discover(txUUID)
			Expect(peripheral.Subscribe(tx)).To(Succeed())
			Eventually(engine.Events()).Should(Receive(Equal(flow.SubscriptionChanged{EndpointID: txUUID, Active: true})))

			client.onWrite = func(write) {
				go client.notify(txUUID, []byte(protocol.DefaultReadyToken))
			}
			Expect(engine.Send(ctx, tx, make([]byte, 45))).To(Succeed())

			var event flow.Event
			for {
				Eventually(engine.Events()).Should(Receive(&event))
				if _, ok := event.(flow.TransferProgress); !ok {
					break
				}
			}
			Expect(event).To(Equal(flow.TransferComplete{EndpointID: txUUID, Length: 45}))

			writes := client.recorded()
			Expect(writes).To(HaveLen(3))
			Expect(writes[2].value).To(HaveLen(5))
			for _, w := range writes {
				Expect(w.noRsp).To(BeTrue())
			}
		})
	})
})
