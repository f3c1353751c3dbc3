package device

import (
	"context"
	"errors"
	"fmt"
)

// NotFoundError represents an error when a GATT resource is not found
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // One or more UUIDs (e.g., [serviceUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// Is allows errors.Is comparisons against another NotFoundError by Resource
func (e *NotFoundError) Is(target error) bool {
	t, ok := target.(*NotFoundError)
	if !ok {
		return false
	}
	return e.Resource == t.Resource
}

// Stack-level sentinel errors. Implementations map their native failures onto
// these so callers never match on error strings.
var (
	ErrPoweredOff   = errors.New("bluetooth is powered off")
	ErrNotConnected = errors.New("device not connected")
)

// Advertisement is what a scan handler observes for one advertising packet.
type Advertisement interface {
	LocalName() string
	Addr() string
	RSSI() int
	Connectable() bool
	// Services returns advertised service UUIDs in normalized form
	// (lowercase, dashes stripped).
	Services() []string
}

// Characteristic is a discovered GATT characteristic handle. UUIDs are
// normalized. Traffic goes through the owning Client; the handle itself only
// carries identity and capability.
type Characteristic interface {
	UUID() string
	CanWrite() bool
	CanNotify() bool
}

// Service is a discovered GATT primary service.
type Service interface {
	UUID() string
	Characteristics() []Characteristic
}

// Profile is the discovered GATT database of a connected peripheral.
type Profile interface {
	FindService(uuid string) (Service, bool)
}

// Client is a live link to a single peripheral.
type Client interface {
	Name() string
	Addr() string
	DiscoverProfile(ctx context.Context) (Profile, error)
	Subscribe(c Characteristic, handler func(data []byte)) error
	Unsubscribe(c Characteristic) error
	Write(c Characteristic, data []byte, noResponse bool) error
	CancelConnection() error
	// Disconnected is closed when the peripheral drops the link.
	Disconnected() <-chan struct{}
}

// Stack is the process's single BLE radio handle. The bridge owns exactly
// one; tests substitute a fake.
type Stack interface {
	// Ready blocks until the adapter is powered on or ctx expires.
	Ready(ctx context.Context) error
	// Scan delivers advertisements to handler until ctx is cancelled.
	Scan(ctx context.Context, allowDup bool, handler func(Advertisement)) error
	Dial(ctx context.Context, addr string) (Client, error)
	// ListenerCount reports accumulated subscriber pressure on the native
	// stack, used to stretch the scanner recovery delay.
	ListenerCount() int
}
