// Package transport drives the radio side of one session: scan, connect,
// discover, subscribe, write, and deterministic teardown. Failures of a
// connect attempt are typed; retry policy lives with the session, not here.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blebridge/internal/device"
	"github.com/srg/blebridge/internal/groutine"
)

// State is the transport connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnecting:
		return "DISCONNECTING"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// MultipleDevicePolicy decides what happens when more than one peripheral
// matches the scan filter.
type MultipleDevicePolicy string

const (
	PolicyFirst MultipleDevicePolicy = "first"
	PolicyError MultipleDevicePolicy = "error"
)

// Config describes one connect attempt. UUIDs must already be normalized.
type Config struct {
	Service           string
	Write             string // optional; empty when the client never sends
	Notify            string // optional; empty when the client never receives
	DevicePrefix      string // optional advertised-name prefix filter
	ConnectTimeout    time.Duration
	ScanTimeout       time.Duration
	OnMultipleDevices MultipleDevicePolicy
}

// Callbacks are installed for the lifetime of one connection.
type Callbacks struct {
	// OnData receives notification payloads. The slice is owned by the
	// callee; the transport copies before invoking.
	OnData func(data []byte)
	// OnDisconnected fires once when the peripheral drops the link. It does
	// not fire on deliberate Disconnect.
	OnDisconnected func()
}

// Stats is the resource snapshot the zombie detector inspects.
type Stats struct {
	Listeners   int
	Peripherals int
}

// Transport owns the radio-side worker for a single session.
type Transport struct {
	stack  device.Stack
	gate   *ScanGate
	logger *logrus.Logger

	state atomic.Int32

	mu          sync.Mutex
	client      device.Client
	writeChar   device.Characteristic
	notifyChar  device.Characteristic
	deviceName  string
	cancelWatch context.CancelFunc
}

func New(stack device.Stack, gate *ScanGate, logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{stack: stack, gate: gate, logger: logger}
}

// TryClaimConnection atomically moves DISCONNECTED→CONNECTING. The caller
// that wins the claim must follow up with Connect or release via Disconnect.
func (t *Transport) TryClaimConnection() bool {
	return t.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting))
}

// State returns the current connection state.
func (t *Transport) State() State {
	return State(t.state.Load())
}

// DeviceName returns the advertised name of the connected peripheral.
func (t *Transport) DeviceName() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deviceName
}

// ResourceStats snapshots listener and peripheral counts for the sweep.
func (t *Transport) ResourceStats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Stats{Listeners: t.stack.ListenerCount()}
	if t.client != nil {
		s.Peripherals = 1
	}
	return s
}

type scanMatch struct {
	addr string
	name string
}

// Connect runs the full attempt: powered-on wait, scanner recovery delay,
// scan, dial, discovery, characteristic resolution, subscription, disconnect
// hook. Valid only in CONNECTING. On any failure the transport returns to
// DISCONNECTED and the error carries its kind.
func (t *Transport) Connect(ctx context.Context, cfg Config, cb Callbacks) error {
	if t.State() != StateConnecting {
		return &InvalidStateError{Op: "connect", State: t.State()}
	}

	err := t.connect(ctx, cfg, cb)
	if err != nil {
		t.teardown("connect failed")
		t.state.Store(int32(StateDisconnected))
		return err
	}
	t.state.Store(int32(StateConnected))
	return nil
}

func (t *Transport) connect(ctx context.Context, cfg Config, cb Callbacks) error {
	log := t.logger.WithFields(logrus.Fields{
		"service": cfg.Service,
		"prefix":  cfg.DevicePrefix,
	})

	readyCtx, cancelReady := context.WithTimeout(ctx, cfg.ConnectTimeout)
	err := t.stack.Ready(readyCtx)
	cancelReady()
	if err != nil {
		if errors.Is(err, device.ErrPoweredOff) || errors.Is(err, context.DeadlineExceeded) {
			return connectErr(KindPoweredOff, "bluetooth stack not powered on: %v", err)
		}
		return connectErr(KindConnectFailed, "bluetooth stack unavailable: %v", err)
	}

	match, err := t.scan(ctx, cfg, log)
	if err != nil {
		return err
	}
	log = log.WithFields(logrus.Fields{"address": match.addr, "device": match.name})
	log.Info("Peripheral matched, connecting...")

	dialCtx, cancelDial := context.WithTimeout(ctx, cfg.ConnectTimeout)
	client, err := t.stack.Dial(dialCtx, match.addr)
	cancelDial()
	if err != nil {
		return connectErr(KindConnectFailed, "dial failed: %v", err)
	}

	profile, err := client.DiscoverProfile(ctx)
	if err != nil {
		_ = client.CancelConnection()
		return connectErr(KindConnectFailed, "profile discovery failed: %v", err)
	}

	svc, ok := profile.FindService(cfg.Service)
	if !ok {
		_ = client.CancelConnection()
		return connectErr(KindCharacteristicsMissing, "%v",
			&device.NotFoundError{Resource: "service", UUIDs: []string{cfg.Service}})
	}

	var writeChar, notifyChar device.Characteristic
	if cfg.Write != "" {
		if writeChar = findCharacteristic(svc, cfg.Write); writeChar == nil {
			_ = client.CancelConnection()
			return connectErr(KindCharacteristicsMissing, "%v",
				&device.NotFoundError{Resource: "characteristic", UUIDs: []string{cfg.Service, cfg.Write}})
		}
	}
	if cfg.Notify != "" {
		if notifyChar = findCharacteristic(svc, cfg.Notify); notifyChar == nil {
			_ = client.CancelConnection()
			return connectErr(KindCharacteristicsMissing, "%v",
				&device.NotFoundError{Resource: "characteristic", UUIDs: []string{cfg.Service, cfg.Notify}})
		}
		if err := client.Subscribe(notifyChar, func(data []byte) {
			if cb.OnData == nil {
				return
			}
			// The native stack may reuse its buffer after the handler returns.
			buf := make([]byte, len(data))
			copy(buf, data)
			cb.OnData(buf)
		}); err != nil {
			_ = client.CancelConnection()
			return connectErr(KindSubscribeFailed, "subscribe to %s failed: %v", cfg.Notify, err)
		}
	}

	name := match.name
	if name == "" {
		name = client.Name()
	}

	watchCtx, cancelWatch := context.WithCancel(context.Background())

	t.mu.Lock()
	t.client = client
	t.writeChar = writeChar
	t.notifyChar = notifyChar
	t.deviceName = name
	t.cancelWatch = cancelWatch
	t.mu.Unlock()

	groutine.Go(watchCtx, "transport-watch", func(ctx context.Context) {
		select {
		case <-ctx.Done():
		case <-client.Disconnected():
			log.Info("Peripheral dropped the link")
			t.teardown("link lost")
			t.state.Store(int32(StateDisconnected))
			if cb.OnDisconnected != nil {
				cb.OnDisconnected()
			}
		}
	})

	log.WithField("state", StateConnected.String()).Info("Transport connected")
	return nil
}

// scan runs one bounded scan window and applies the match policy. The
// device-prefix filter wins over the service filter when both are present;
// the multiple-device policy then governs whatever passed the filter.
func (t *Transport) scan(ctx context.Context, cfg Config, log *logrus.Entry) (scanMatch, error) {
	if err := t.gate.Begin(ctx, t.stack.ListenerCount()); err != nil {
		return scanMatch{}, connectErr(KindConnectFailed, "scan gate: %v", err)
	}
	defer t.gate.End()

	scanCtx, cancelScan := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancelScan()

	var (
		mu       sync.Mutex
		matches  []scanMatch
		conflict bool
	)
	accepts := func(adv device.Advertisement) bool {
		if cfg.DevicePrefix != "" {
			return strings.HasPrefix(adv.LocalName(), cfg.DevicePrefix)
		}
		for _, svc := range adv.Services() {
			if svc == cfg.Service {
				return true
			}
		}
		return false
	}

	err := t.stack.Scan(scanCtx, false, func(adv device.Advertisement) {
		if !accepts(adv) {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		for _, m := range matches {
			if m.addr == adv.Addr() {
				return
			}
		}
		matches = append(matches, scanMatch{addr: adv.Addr(), name: adv.LocalName()})
		switch cfg.OnMultipleDevices {
		case PolicyError:
			if len(matches) > 1 {
				conflict = true
				cancelScan()
			}
		default: // PolicyFirst
			cancelScan()
		}
	})

	if err != nil && scanCtx.Err() == nil && ctx.Err() == nil {
		return scanMatch{}, connectErr(KindConnectFailed, "scan failed: %v", err)
	}
	if ctx.Err() != nil {
		return scanMatch{}, connectErr(KindConnectFailed, "scan cancelled: %v", ctx.Err())
	}

	mu.Lock()
	defer mu.Unlock()
	if conflict {
		return scanMatch{}, connectErr(KindMultipleDevices,
			"%d peripherals match and onMultipleDevices=error", len(matches))
	}
	if len(matches) == 0 {
		log.WithField("scan_timeout", cfg.ScanTimeout).Debug("Scan window closed without a match")
		return scanMatch{}, connectErr(KindScanTimeout, "no matching peripheral found within %s", cfg.ScanTimeout)
	}
	return matches[0], nil
}

func findCharacteristic(svc device.Service, uuid string) device.Characteristic {
	for _, c := range svc.Characteristics() {
		if c.UUID() == uuid {
			return c
		}
	}
	return nil
}

// Write sends a payload to the write characteristic without response.
// Valid only in CONNECTED.
func (t *Transport) Write(data []byte) error {
	if t.State() != StateConnected {
		return fmt.Errorf("%w: transport state is %s", device.ErrNotConnected, t.State())
	}

	t.mu.Lock()
	client := t.client
	char := t.writeChar
	t.mu.Unlock()

	if client == nil {
		return device.ErrNotConnected
	}
	if char == nil {
		return fmt.Errorf("no write characteristic configured")
	}
	return client.Write(char, data, true)
}

// Disconnect tears the connection down deterministically: unsubscribe,
// peripheral disconnect, reference clear, in that order, each step's failure
// logged but never blocking the next. Idempotent; the terminal state is
// always DISCONNECTED.
func (t *Transport) Disconnect() error {
	for {
		s := t.State()
		if s == StateDisconnected || s == StateDisconnecting {
			return nil
		}
		if t.state.CompareAndSwap(int32(s), int32(StateDisconnecting)) {
			break
		}
	}
	t.teardown("disconnect requested")
	t.state.Store(int32(StateDisconnected))
	return nil
}

// teardown clears the live connection under the lock. Each step is wrapped
// so later steps run even if earlier ones fail.
func (t *Transport) teardown(reason string) {
	t.mu.Lock()
	client := t.client
	notifyChar := t.notifyChar
	cancelWatch := t.cancelWatch
	t.client = nil
	t.writeChar = nil
	t.notifyChar = nil
	t.deviceName = ""
	t.cancelWatch = nil
	t.mu.Unlock()

	log := t.logger.WithField("reason", reason)

	if cancelWatch != nil {
		cancelWatch()
	}
	if client != nil && notifyChar != nil {
		if err := client.Unsubscribe(notifyChar); err != nil {
			log.WithError(err).Debug("Unsubscribe failed during teardown")
		}
	}
	if client != nil {
		if err := client.CancelConnection(); err != nil {
			log.WithError(err).Debug("Peripheral disconnect failed during teardown")
		}
	}
	log.Debug("Transport teardown complete")
}
