// Package goble implements device.Stack on top of the go-ble library.
package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
	"github.com/sirupsen/logrus"

	"github.com/srg/blebridge/internal/device"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
var DeviceFactory = func() (ble.Device, error) {
	dev, err := darwin.NewDevice()
	if err != nil {
		// Wrap Bluetooth state errors with clearer messages
		if strings.Contains(err.Error(), "central manager has invalid state") {
			if strings.Contains(err.Error(), "have=4") { // StatePoweredOff
				return nil, fmt.Errorf("%w: enable Bluetooth and retry", device.ErrPoweredOff)
			}
			return nil, fmt.Errorf("bluetooth is not ready: %w", err)
		}
		return nil, err
	}
	return dev, nil
}

// Stack owns the native BLE adapter. The bridge process constructs exactly
// one and threads it through every transport.
type Stack struct {
	logger *logrus.Logger

	mu  sync.Mutex
	dev ble.Device

	listeners int64
}

func NewStack(logger *logrus.Logger) *Stack {
	if logger == nil {
		logger = logrus.New()
	}
	return &Stack{logger: logger}
}

// Ready lazily initializes the native adapter. Creation fails while the
// radio is powered off, which is how the powered-on wait surfaces here.
func (s *Stack) Ready(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- s.ensureDevice() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Stack) ensureDevice() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev != nil {
		return nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		return err
	}
	s.dev = dev
	ble.SetDefaultDevice(dev)
	s.logger.Debug("BLE adapter initialized")
	return nil
}

func (s *Stack) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	if err := s.ensureDevice(); err != nil {
		return err
	}
	atomic.AddInt64(&s.listeners, 1)
	defer atomic.AddInt64(&s.listeners, -1)

	s.mu.Lock()
	dev := s.dev
	s.mu.Unlock()

	err := dev.Scan(ctx, allowDup, func(adv ble.Advertisement) {
		handler(&advertisement{adv: adv})
	})
	if err != nil && ctx.Err() != nil {
		// Scan windows end by cancellation; the caller inspects ctx itself.
		return nil
	}
	return err
}

func (s *Stack) Dial(ctx context.Context, addr string) (device.Client, error) {
	if err := s.ensureDevice(); err != nil {
		return nil, err
	}
	cln, err := ble.Dial(ctx, ble.NewAddr(addr))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %q: %w", addr, err)
	}
	return &client{cln: cln, stack: s, logger: s.logger}, nil
}

func (s *Stack) ListenerCount() int {
	return int(atomic.LoadInt64(&s.listeners))
}

// advertisement adapts ble.Advertisement to device.Advertisement.
type advertisement struct {
	adv ble.Advertisement
}

func (a *advertisement) LocalName() string { return a.adv.LocalName() }
func (a *advertisement) Addr() string      { return a.adv.Addr().String() }
func (a *advertisement) RSSI() int         { return a.adv.RSSI() }
func (a *advertisement) Connectable() bool { return a.adv.Connectable() }

func (a *advertisement) Services() []string {
	uuids := a.adv.Services()
	out := make([]string, 0, len(uuids))
	for _, u := range uuids {
		out = append(out, device.NormalizeUUID(u.String()))
	}
	return out
}
