package ble

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/go-ble/ble"

	"github.com/teslamotors/ble-flowcontrol/internal/log"
	"github.com/teslamotors/ble-flowcontrol/pkg/capability"
	"github.com/teslamotors/ble-flowcontrol/pkg/flow"
	"github.com/teslamotors/ble-flowcontrol/pkg/protocol"
)

var (
	ErrNotNotifiable = protocol.NewError("characteristic does not support notifications or indications", false)
	ErrNotReadable   = protocol.NewError("characteristic is not readable", false)
)

const (
	attHeaderLength   = 3
	maxBLEMessageSize = 1024

	// DefaultChunkSize is the payload of a single write at the default MTU.
	DefaultChunkSize = ble.DefaultMTU - attHeaderLength
)

// Sink receives inbound traffic from a Peripheral. *flow.Engine implements Sink.
type Sink interface {
	HandleInbound(endpointID string, data []byte)
	SubscriptionChanged(endpointID string, active bool)
	ReportRSSI(rssi int)
}

// gattClient is the subset of ble.Client used by Peripheral.
type gattClient interface {
	DiscoverServices(filter []ble.UUID) ([]*ble.Service, error)
	DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error)
	DiscoverDescriptors(filter []ble.UUID, c *ble.Characteristic) ([]*ble.Descriptor, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	ExchangeMTU(rxMTU int) (txMTU int, err error)
	ReadRSSI() int
	ClearSubscriptions() error
	CancelConnection() error
}

// Peripheral is a connected remote device. It implements flow.Transport for its characteristics
// and routes their notifications to a Sink.
type Peripheral struct {
	client gattClient

	lock      sync.Mutex
	sink      Sink
	chunkSize int
	byID      map[string]*Characteristic

	writeLock sync.Mutex
}

// NewPeripheral wraps a connected client. Call ExchangeMTU before Discover to use a larger chunk
// size than DefaultChunkSize.
func NewPeripheral(client gattClient) *Peripheral {
	return &Peripheral{
		client:    client,
		chunkSize: DefaultChunkSize,
		byID:      make(map[string]*Characteristic),
	}
}

// Attach sets where inbound data, subscription changes and RSSI readings are delivered.
func (p *Peripheral) Attach(sink Sink) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.sink = sink
}

func (p *Peripheral) currentSink() Sink {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.sink
}

// ExchangeMTU negotiates the ATT MTU and returns the resulting chunk size. On failure the chunk
// size stays at DefaultChunkSize.
func (p *Peripheral) ExchangeMTU(rxMTU int) int {
	chunkSize := DefaultChunkSize
	txMtu, err := p.client.ExchangeMTU(rxMTU)
	if err != nil {
		log.Warning("ble: failed to exchange MTU: %s", err)
	} else {
		chunkSize = min(txMtu, maxBLEMessageSize) - attHeaderLength
		log.Debug("MTU size: %d", txMtu)
	}

	p.lock.Lock()
	defer p.lock.Unlock()
	p.chunkSize = chunkSize
	return chunkSize
}

// SetChunkSize overrides the chunk size of characteristics discovered afterwards.
func (p *Peripheral) SetChunkSize(size int) error {
	if size <= 0 {
		return protocol.ErrInvalidChunkSize
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	p.chunkSize = size
	return nil
}

// Discover finds the characteristics of a service. If uuids is empty, every characteristic of the
// service is returned; otherwise each listed UUID must be present.
func (p *Peripheral) Discover(serviceUUID string, uuids ...string) ([]*Characteristic, error) {
	serviceID, err := ble.Parse(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: invalid service UUID '%s': %s", serviceUUID, err)
	}
	var filter []ble.UUID
	for _, uuid := range uuids {
		id, err := ble.Parse(uuid)
		if err != nil {
			return nil, fmt.Errorf("ble: invalid characteristic UUID '%s': %s", uuid, err)
		}
		filter = append(filter, id)
	}

	log.Debug("Discovering service %s...", serviceID)
	services, err := p.client.DiscoverServices([]ble.UUID{serviceID})
	if err != nil {
		return nil, fmt.Errorf("ble: failed to enumerate device services: %s", err)
	}
	if len(services) == 0 {
		return nil, fmt.Errorf("ble: failed to discover service %s", serviceID)
	}

	discovered, err := p.client.DiscoverCharacteristics(filter, services[0])
	if err != nil {
		return nil, fmt.Errorf("ble: failed to discover service characteristics: %s", err)
	}

	p.lock.Lock()
	chunkSize := p.chunkSize
	p.lock.Unlock()

	var found []*Characteristic
	for _, char := range discovered {
		if len(filter) > 0 && !containsUUID(filter, char.UUID) {
			continue
		}
		if _, err := p.client.DiscoverDescriptors(nil, char); err != nil {
			return nil, fmt.Errorf("ble: couldn't fetch descriptors: %s", err)
		}
		c := &Characteristic{
			peripheral:   p,
			char:         char,
			id:           canonicalUUID(char.UUID),
			capabilities: capability.FromProperty(char.Property),
			chunkSize:    chunkSize,
		}
		log.Debug("Found characteristic %s (%s)", c.id, c.capabilities)
		found = append(found, c)
	}
	for _, id := range filter {
		if !containsCharacteristic(found, id) {
			return nil, fmt.Errorf("ble: failed to find characteristic %s", id)
		}
	}

	p.lock.Lock()
	for _, c := range found {
		p.byID[c.id] = c
	}
	p.lock.Unlock()
	return found, nil
}

// Characteristic returns a discovered characteristic by UUID.
func (p *Peripheral) Characteristic(uuid string) (*Characteristic, bool) {
	id, err := ble.Parse(uuid)
	if err != nil {
		return nil, false
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	c, ok := p.byID[canonicalUUID(id)]
	return c, ok
}

// Subscribe enables notifications on c, preferring notifications over indications, and routes
// every value to the sink.
func (p *Peripheral) Subscribe(c *Characteristic) error {
	if !c.capabilities.CanNotify() {
		return ErrNotNotifiable
	}
	indicate := !c.capabilities.Notifiable
	handler := func(value []byte) {
		if sink := p.currentSink(); sink != nil {
			sink.HandleInbound(c.id, value)
		}
	}
	if err := p.client.Subscribe(c.char, indicate, handler); err != nil {
		return fmt.Errorf("ble: failed to subscribe to %s: %s", c.id, err)
	}
	log.Info("Subscribed to %s", c.id)
	if sink := p.currentSink(); sink != nil {
		sink.SubscriptionChanged(c.id, true)
	}
	return nil
}

// Unsubscribe disables notifications on c.
func (p *Peripheral) Unsubscribe(c *Characteristic) error {
	if !c.capabilities.CanNotify() {
		return ErrNotNotifiable
	}
	if err := p.client.Unsubscribe(c.char, !c.capabilities.Notifiable); err != nil {
		return fmt.Errorf("ble: failed to unsubscribe from %s: %s", c.id, err)
	}
	log.Info("Unsubscribed from %s", c.id)
	if sink := p.currentSink(); sink != nil {
		sink.SubscriptionChanged(c.id, false)
	}
	return nil
}

// Read reads c's value and routes it to the sink like a notification.
func (p *Peripheral) Read(c *Characteristic) ([]byte, error) {
	if !c.capabilities.CanRead() {
		return nil, ErrNotReadable
	}
	value, err := p.client.ReadCharacteristic(c.char)
	if err != nil {
		return nil, fmt.Errorf("ble: failed to read %s: %s", c.id, err)
	}
	log.Debug("[%s] RX: %02x", c.id, value)
	if sink := p.currentSink(); sink != nil {
		sink.HandleInbound(c.id, value)
	}
	return value, nil
}

// ReadRSSI reads the link's signal strength and reports it to the sink.
func (p *Peripheral) ReadRSSI() int {
	rssi := p.client.ReadRSSI()
	if sink := p.currentSink(); sink != nil {
		sink.ReportRSSI(rssi)
	}
	return rssi
}

// WriteChunk writes one chunk to a characteristic discovered by p.
func (p *Peripheral) WriteChunk(ctx context.Context, endpoint flow.Endpoint, chunk []byte, mode capability.WriteMode) error {
	c, ok := endpoint.(*Characteristic)
	if !ok || c.peripheral != p {
		return protocol.ErrUnknownEndpoint
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(chunk) > c.chunkSize {
		return protocol.ErrChunkTooLarge
	}

	p.writeLock.Lock()
	defer p.writeLock.Unlock()
	return p.client.WriteCharacteristic(c.char, chunk, !mode.Acknowledged())
}

// Close clears subscriptions and terminates the connection.
func (p *Peripheral) Close() error {
	err1 := p.client.ClearSubscriptions()
	err2 := p.client.CancelConnection()
	return errors.Join(err1, err2)
}

func containsUUID(uuids []ble.UUID, uuid ble.UUID) bool {
	for _, candidate := range uuids {
		if candidate.Equal(uuid) {
			return true
		}
	}
	return false
}

func containsCharacteristic(chars []*Characteristic, uuid ble.UUID) bool {
	for _, c := range chars {
		if c.char.UUID.Equal(uuid) {
			return true
		}
	}
	return false
}

// canonicalUUID formats 128-bit UUIDs in the dashed 8-4-4-4-12 form and shorter ones as plain hex.
func canonicalUUID(uuid ble.UUID) string {
	s := hex.EncodeToString(ble.Reverse(uuid))
	if len(s) != 32 {
		return s
	}
	return s[:8] + "-" + s[8:12] + "-" + s[12:16] + "-" + s[16:20] + "-" + s[20:]
}
