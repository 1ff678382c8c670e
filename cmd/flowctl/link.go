package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gble "github.com/go-ble/ble"

	"github.com/teslamotors/ble-flowcontrol/internal/log"
	"github.com/teslamotors/ble-flowcontrol/pkg/capability"
	"github.com/teslamotors/ble-flowcontrol/pkg/connector/ble"
	"github.com/teslamotors/ble-flowcontrol/pkg/connector/loopback"
	"github.com/teslamotors/ble-flowcontrol/pkg/flow"
)

var ErrNotSupported = errors.New("not supported by this connection")

// link is the connection-specific half of a session.
type link interface {
	Transport() flow.Transport
	Attach(engine *flow.Engine)
	Endpoint(id string) (flow.Endpoint, error)
	Read(ctx context.Context, id string) ([]byte, error)
	Subscribe(id string) error
	Unsubscribe(id string) error
	ReadRSSI() (int, error)
	Inject(id string, data []byte) error
	// Reset discards whatever the receiver buffered from earlier transfers on id.
	Reset(id string)
	Received() <-chan loopback.Message
	Endpoints() []string
	Close() error
}

// bleLink drives a connected peripheral.
type bleLink struct {
	adapter    *ble.Adapter
	peripheral *ble.Peripheral
	ids        []string
}

func dialBLE(ctx context.Context, cfg appConfig) (*bleLink, error) {
	adapter, err := ble.NewAdapter(cfg.AdapterID)
	if err != nil {
		return nil, err
	}
	address := cfg.Address
	if address == "" {
		beacon, err := adapter.ScanBeacon(ctx, cfg.Name)
		if err != nil {
			adapter.Close()
			return nil, fmt.Errorf("scan for %s: %w", cfg.Name, err)
		}
		log.Info("Found %s at %s (RSSI %d)", beacon.LocalName, beacon.Address, beacon.RSSI)
		address = beacon.Address
	}
	peripheral, err := adapter.Connect(ctx, address)
	if err != nil {
		adapter.Close()
		return nil, err
	}

	chunkSize := peripheral.ExchangeMTU(gble.MaxMTU)
	if cfg.ChunkSize > 0 && cfg.ChunkSize < chunkSize {
		if err := peripheral.SetChunkSize(cfg.ChunkSize); err != nil {
			peripheral.Close()
			adapter.Close()
			return nil, err
		}
	}
	chars, err := peripheral.Discover(cfg.Service, cfg.Characteristics...)
	if err != nil {
		peripheral.Close()
		adapter.Close()
		return nil, err
	}
	l := &bleLink{adapter: adapter, peripheral: peripheral}
	for _, c := range chars {
		l.ids = append(l.ids, c.ID())
	}
	return l, nil
}

func (l *bleLink) Transport() flow.Transport {
	return l.peripheral
}

func (l *bleLink) Attach(engine *flow.Engine) {
	l.peripheral.Attach(engine)
}

func (l *bleLink) characteristic(id string) (*ble.Characteristic, error) {
	c, ok := l.peripheral.Characteristic(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, id)
	}
	return c, nil
}

func (l *bleLink) Endpoint(id string) (flow.Endpoint, error) {
	c, err := l.characteristic(id)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (l *bleLink) Read(_ context.Context, id string) ([]byte, error) {
	c, err := l.characteristic(id)
	if err != nil {
		return nil, err
	}
	return l.peripheral.Read(c)
}

func (l *bleLink) Subscribe(id string) error {
	c, err := l.characteristic(id)
	if err != nil {
		return err
	}
	return l.peripheral.Subscribe(c)
}

func (l *bleLink) Unsubscribe(id string) error {
	c, err := l.characteristic(id)
	if err != nil {
		return err
	}
	return l.peripheral.Unsubscribe(c)
}

func (l *bleLink) ReadRSSI() (int, error) {
	return l.peripheral.ReadRSSI(), nil
}

func (l *bleLink) Inject(_ string, _ []byte) error {
	return ErrNotSupported
}

// Reset is a no-op; a peripheral drops its partial message when a new transfer begins.
func (l *bleLink) Reset(_ string) {}

func (l *bleLink) Received() <-chan loopback.Message {
	return nil
}

func (l *bleLink) Endpoints() []string {
	return l.ids
}

func (l *bleLink) Close() error {
	return errors.Join(l.peripheral.Close(), l.adapter.Close())
}

// simLink talks to an in-memory receiver.
type simLink struct {
	receiver  *loopback.Receiver
	endpoints map[string]*loopback.Endpoint
	ids       []string
	engine    *flow.Engine
}

func newSimLink(cfg appConfig) *simLink {
	chunkSize := cfg.ChunkSize
	if chunkSize == 0 {
		chunkSize = simChunkSize
	}
	l := &simLink{
		receiver:  loopback.NewReceiver(cfg.Flow.ReadyToken),
		endpoints: make(map[string]*loopback.Endpoint),
	}
	caps := capability.Set{WritableWithoutAck: true, Notifiable: true}
	for _, id := range cfg.Characteristics {
		id = strings.ToLower(id)
		l.endpoints[id] = loopback.NewEndpoint(id, caps, chunkSize)
		l.ids = append(l.ids, id)
	}
	return l
}

func (l *simLink) Transport() flow.Transport {
	return l.receiver
}

func (l *simLink) Attach(engine *flow.Engine) {
	l.engine = engine
	l.receiver.Attach(engine.HandleInbound)
}

func (l *simLink) Endpoint(id string) (flow.Endpoint, error) {
	endpoint, ok := l.endpoints[strings.ToLower(id)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, id)
	}
	return endpoint, nil
}

func (l *simLink) Read(_ context.Context, _ string) ([]byte, error) {
	return nil, ErrNotSupported
}

func (l *simLink) Subscribe(id string) error {
	endpoint, err := l.Endpoint(id)
	if err != nil {
		return err
	}
	l.engine.SubscriptionChanged(endpoint.ID(), true)
	return nil
}

func (l *simLink) Unsubscribe(id string) error {
	endpoint, err := l.Endpoint(id)
	if err != nil {
		return err
	}
	l.engine.SubscriptionChanged(endpoint.ID(), false)
	return nil
}

func (l *simLink) ReadRSSI() (int, error) {
	return 0, ErrNotSupported
}

func (l *simLink) Inject(id string, data []byte) error {
	endpoint, err := l.Endpoint(id)
	if err != nil {
		return err
	}
	l.receiver.Inject(endpoint.ID(), data)
	return nil
}

func (l *simLink) Reset(id string) {
	if endpoint, err := l.Endpoint(id); err == nil {
		l.receiver.Reset(endpoint.ID())
	}
}

func (l *simLink) Received() <-chan loopback.Message {
	return l.receiver.Messages()
}

func (l *simLink) Endpoints() []string {
	return l.ids
}

func (l *simLink) Close() error {
	l.receiver.Close()
	return nil
}
