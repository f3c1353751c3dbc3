package main

import (
	"errors"
	"strings"

	"github.com/srg/blebridge/internal/device"
	"github.com/srg/blebridge/internal/transport"
)

// FormatUserError rewrites known failures into actionable messages; anything
// unrecognized passes through as-is.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, device.ErrPoweredOff):
		return "Bluetooth is powered off - enable it in system settings and retry"
	case errors.Is(err, transport.ErrScanTimeout):
		return "no matching BLE device found - check the device is advertising and in range"
	case errors.Is(err, transport.ErrMultipleDevices):
		return "multiple matching BLE devices found - narrow the device prefix or service filter"
	}

	msg := err.Error()
	if strings.Contains(msg, "address already in use") {
		return msg + " - another bridge instance may be running"
	}
	return msg
}
