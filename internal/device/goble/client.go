package goble

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blebridge/internal/device"
)

// client adapts ble.Client to device.Client.
type client struct {
	cln    ble.Client
	stack  *Stack
	logger *logrus.Logger
}

func (c *client) Name() string { return c.cln.Name() }
func (c *client) Addr() string { return c.cln.Addr().String() }

func (c *client) DiscoverProfile(ctx context.Context) (device.Profile, error) {
	type result struct {
		p   *ble.Profile
		err error
	}
	done := make(chan result, 1)
	go func() {
		p, err := c.cln.DiscoverProfile(true)
		done <- result{p, err}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("failed to discover profile: %w", r.err)
		}
		return &profile{p: r.p}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *client) Subscribe(ch device.Characteristic, handler func([]byte)) error {
	bc, err := c.resolve(ch)
	if err != nil {
		return err
	}
	if err := c.cln.Subscribe(bc, false, func(data []byte) {
		handler(data)
	}); err != nil {
		return err
	}
	atomic.AddInt64(&c.stack.listeners, 1)
	c.logger.WithField("char_uuid", ch.UUID()).Debug("Subscribed to notifications")
	return nil
}

func (c *client) Unsubscribe(ch device.Characteristic) error {
	bc, err := c.resolve(ch)
	if err != nil {
		return err
	}
	err1 := c.cln.Unsubscribe(bc, false) // notify
	err2 := c.cln.Unsubscribe(bc, true)  // indicate
	// Only a double failure leaves the listener installed natively.
	if err1 != nil && err2 != nil {
		return fmt.Errorf("%s: notify=%v, indicate=%v", ch.UUID(), err1, err2)
	}
	atomic.AddInt64(&c.stack.listeners, -1)
	return nil
}

func (c *client) Write(ch device.Characteristic, data []byte, noResponse bool) error {
	bc, err := c.resolve(ch)
	if err != nil {
		return err
	}
	if err := c.cln.WriteCharacteristic(bc, data, noResponse); err != nil {
		return fmt.Errorf("failed to write characteristic %s: %w", ch.UUID(), err)
	}
	return nil
}

func (c *client) CancelConnection() error {
	return c.cln.CancelConnection()
}

func (c *client) Disconnected() <-chan struct{} {
	// Darwin clients expose a disconnect channel; fall back to a never-firing
	// channel elsewhere so the watcher simply idles.
	if d, ok := interface{}(c.cln).(interface{ Disconnected() <-chan struct{} }); ok {
		return d.Disconnected()
	}
	return make(chan struct{})
}

func (c *client) resolve(ch device.Characteristic) (*ble.Characteristic, error) {
	bc, ok := ch.(*characteristic)
	if !ok || bc.raw == nil {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{ch.UUID()}}
	}
	return bc.raw, nil
}

// profile adapts ble.Profile to device.Profile.
type profile struct {
	p *ble.Profile
}

func (p *profile) FindService(uuid string) (device.Service, bool) {
	want := device.NormalizeUUID(uuid)
	for _, svc := range p.p.Services {
		if device.NormalizeUUID(svc.UUID.String()) == want {
			return &service{svc: svc}, true
		}
	}
	return nil, false
}

type service struct {
	svc *ble.Service
}

func (s *service) UUID() string {
	return device.NormalizeUUID(s.svc.UUID.String())
}

func (s *service) Characteristics() []device.Characteristic {
	out := make([]device.Characteristic, 0, len(s.svc.Characteristics))
	for _, c := range s.svc.Characteristics {
		out = append(out, &characteristic{raw: c})
	}
	return out
}

type characteristic struct {
	raw *ble.Characteristic
}

func (c *characteristic) UUID() string {
	return device.NormalizeUUID(c.raw.UUID.String())
}

func (c *characteristic) CanWrite() bool {
	return c.raw.Property&(ble.CharWrite|ble.CharWriteNR) != 0
}

func (c *characteristic) CanNotify() bool {
	return c.raw.Property&(ble.CharNotify|ble.CharIndicate) != 0
}
