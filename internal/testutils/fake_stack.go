// Package testutils provides a fake BLE stack and peripheral builders for
// transport, session, and bridge tests.
package testutils

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/srg/blebridge/internal/device"
)

// FakeCharacteristic is a scripted GATT characteristic.
type FakeCharacteristic struct {
	CharUUID string
	Write    bool
	Notify   bool
}

func (c *FakeCharacteristic) UUID() string    { return device.NormalizeUUID(c.CharUUID) }
func (c *FakeCharacteristic) CanWrite() bool  { return c.Write }
func (c *FakeCharacteristic) CanNotify() bool { return c.Notify }

// FakeService groups scripted characteristics under one service UUID.
type FakeService struct {
	SvcUUID string
	Chars   []*FakeCharacteristic
}

func (s *FakeService) UUID() string { return device.NormalizeUUID(s.SvcUUID) }

func (s *FakeService) Characteristics() []device.Characteristic {
	out := make([]device.Characteristic, 0, len(s.Chars))
	for _, c := range s.Chars {
		out = append(out, c)
	}
	return out
}

// FakePeripheral is one advertisable, connectable scripted device.
type FakePeripheral struct {
	Name     string
	Address  string
	Services []*FakeService

	mu           sync.Mutex
	client       *FakeClient
	subscribeErr error
}

// PeripheralBuilder assembles a FakePeripheral fluently.
type PeripheralBuilder struct {
	p *FakePeripheral
}

func NewPeripheral(name, address string) *PeripheralBuilder {
	return &PeripheralBuilder{p: &FakePeripheral{Name: name, Address: address}}
}

func (b *PeripheralBuilder) WithService(svcUUID string, chars ...*FakeCharacteristic) *PeripheralBuilder {
	b.p.Services = append(b.p.Services, &FakeService{SvcUUID: svcUUID, Chars: chars})
	return b
}

func (b *PeripheralBuilder) WithSubscribeError(err error) *PeripheralBuilder {
	b.p.subscribeErr = err
	return b
}

func (b *PeripheralBuilder) Build() *FakePeripheral {
	return b.p
}

// WriteChar is shorthand for a writable characteristic.
func WriteChar(uuid string) *FakeCharacteristic {
	return &FakeCharacteristic{CharUUID: uuid, Write: true}
}

// NotifyChar is shorthand for a notifying characteristic.
func NotifyChar(uuid string) *FakeCharacteristic {
	return &FakeCharacteristic{CharUUID: uuid, Notify: true}
}

// Notify pushes a notification through the live client's subscription,
// if any. Returns false when nothing is subscribed.
func (p *FakePeripheral) Notify(charUUID string, data []byte) bool {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil {
		return false
	}
	return client.push(device.NormalizeUUID(charUUID), data)
}

// DropLink simulates the peripheral dropping an established connection.
func (p *FakePeripheral) DropLink() {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client != nil {
		client.drop()
	}
}

// Client returns the currently dialed client, if any.
func (p *FakePeripheral) Client() *FakeClient {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client
}

// fakeAdvertisement presents a peripheral as a scan result.
type fakeAdvertisement struct {
	p *FakePeripheral
}

func (a *fakeAdvertisement) LocalName() string { return a.p.Name }
func (a *fakeAdvertisement) Addr() string      { return a.p.Address }
func (a *fakeAdvertisement) RSSI() int         { return -42 }
func (a *fakeAdvertisement) Connectable() bool { return true }

func (a *fakeAdvertisement) Services() []string {
	out := make([]string, 0, len(a.p.Services))
	for _, s := range a.p.Services {
		out = append(out, s.UUID())
	}
	return out
}

// FakeStack implements device.Stack over scripted peripherals.
type FakeStack struct {
	mu          sync.Mutex
	peripherals []*FakePeripheral
	poweredOff  bool
	dialErr     error

	listeners int64
	scans     int64
}

// StackBuilder assembles a FakeStack fluently.
type StackBuilder struct {
	s *FakeStack
}

func NewStack() *StackBuilder {
	return &StackBuilder{s: &FakeStack{}}
}

func (b *StackBuilder) WithPeripheral(p *FakePeripheral) *StackBuilder {
	b.s.peripherals = append(b.s.peripherals, p)
	return b
}

func (b *StackBuilder) PoweredOff() *StackBuilder {
	b.s.poweredOff = true
	return b
}

func (b *StackBuilder) WithDialError(err error) *StackBuilder {
	b.s.dialErr = err
	return b
}

func (b *StackBuilder) Build() *FakeStack {
	return b.s
}

// SetPoweredOff flips the simulated adapter power state.
func (s *FakeStack) SetPoweredOff(off bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.poweredOff = off
}

// AddListeners inflates the listener count to simulate pressure.
func (s *FakeStack) AddListeners(n int) {
	atomic.AddInt64(&s.listeners, int64(n))
}

// ScanCount reports how many scans were started.
func (s *FakeStack) ScanCount() int64 {
	return atomic.LoadInt64(&s.scans)
}

func (s *FakeStack) Ready(ctx context.Context) error {
	s.mu.Lock()
	off := s.poweredOff
	s.mu.Unlock()
	if off {
		return device.ErrPoweredOff
	}
	return ctx.Err()
}

// Scan emits each peripheral's advertisement once, then idles until the
// window closes. Mirrors a real scan: the handler may cancel ctx early.
func (s *FakeStack) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	if err := s.Ready(ctx); err != nil {
		return err
	}
	atomic.AddInt64(&s.scans, 1)
	atomic.AddInt64(&s.listeners, 1)
	defer atomic.AddInt64(&s.listeners, -1)

	s.mu.Lock()
	peripherals := append([]*FakePeripheral(nil), s.peripherals...)
	s.mu.Unlock()

	for _, p := range peripherals {
		if ctx.Err() != nil {
			return nil
		}
		handler(&fakeAdvertisement{p: p})
	}
	<-ctx.Done()
	return nil
}

func (s *FakeStack) Dial(ctx context.Context, addr string) (device.Client, error) {
	if err := s.Ready(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	dialErr := s.dialErr
	var target *FakePeripheral
	for _, p := range s.peripherals {
		if p.Address == addr {
			target = p
			break
		}
	}
	s.mu.Unlock()

	if dialErr != nil {
		return nil, dialErr
	}
	if target == nil {
		return nil, fmt.Errorf("no peripheral at %q", addr)
	}

	c := &FakeClient{peripheral: target, stack: s, disconnected: make(chan struct{})}
	target.mu.Lock()
	target.client = c
	target.mu.Unlock()
	return c, nil
}

func (s *FakeStack) ListenerCount() int {
	return int(atomic.LoadInt64(&s.listeners))
}

// FakeClient implements device.Client for one dialed peripheral.
type FakeClient struct {
	peripheral *FakePeripheral
	stack      *FakeStack

	mu           sync.Mutex
	writes       [][]byte
	handlers     map[string]func([]byte)
	cancelled    bool
	disconnected chan struct{}
	dropOnce     sync.Once
}

func (c *FakeClient) Name() string { return c.peripheral.Name }
func (c *FakeClient) Addr() string { return c.peripheral.Address }

func (c *FakeClient) DiscoverProfile(ctx context.Context) (device.Profile, error) {
	return &fakeProfile{p: c.peripheral}, ctx.Err()
}

func (c *FakeClient) Subscribe(ch device.Characteristic, handler func([]byte)) error {
	c.peripheral.mu.Lock()
	subErr := c.peripheral.subscribeErr
	c.peripheral.mu.Unlock()
	if subErr != nil {
		return subErr
	}

	c.mu.Lock()
	if c.handlers == nil {
		c.handlers = make(map[string]func([]byte))
	}
	c.handlers[ch.UUID()] = handler
	c.mu.Unlock()
	c.stack.AddListeners(1)
	return nil
}

func (c *FakeClient) Unsubscribe(ch device.Characteristic) error {
	c.mu.Lock()
	_, ok := c.handlers[ch.UUID()]
	delete(c.handlers, ch.UUID())
	c.mu.Unlock()
	if ok {
		c.stack.AddListeners(-1)
	}
	return nil
}

func (c *FakeClient) Write(ch device.Characteristic, data []byte, noResponse bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelled {
		return device.ErrNotConnected
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	c.writes = append(c.writes, buf)
	return nil
}

func (c *FakeClient) CancelConnection() error {
	c.mu.Lock()
	c.cancelled = true
	c.mu.Unlock()
	c.peripheral.mu.Lock()
	if c.peripheral.client == c {
		c.peripheral.client = nil
	}
	c.peripheral.mu.Unlock()
	return nil
}

func (c *FakeClient) Disconnected() <-chan struct{} {
	return c.disconnected
}

// Writes returns every payload written so far.
func (c *FakeClient) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

// Cancelled reports whether the link was deliberately closed.
func (c *FakeClient) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

func (c *FakeClient) push(charUUID string, data []byte) bool {
	c.mu.Lock()
	handler := c.handlers[charUUID]
	c.mu.Unlock()
	if handler == nil {
		return false
	}
	handler(data)
	return true
}

func (c *FakeClient) drop() {
	c.dropOnce.Do(func() { close(c.disconnected) })
}

type fakeProfile struct {
	p *FakePeripheral
}

func (f *fakeProfile) FindService(uuid string) (device.Service, bool) {
	want := device.NormalizeUUID(uuid)
	for _, s := range f.p.Services {
		if s.UUID() == want {
			return s, true
		}
	}
	return nil, false
}
