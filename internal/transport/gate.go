package transport

import (
	"context"
	"sync"
	"time"
)

// maxRecoveryDelay caps the scanner recovery delay regardless of listener
// pressure.
const maxRecoveryDelay = 10 * time.Second

// pressureFloor is the listener count below which the base delay applies
// unmodified.
const pressureFloor = 5

// ScanGate serializes scans on the radio and enforces the recovery delay
// between a scanner teardown and the next scan start. Restarting a scan too
// soon leaves the native stack unscannable, and accumulated listener
// pressure makes the recovery window longer. One gate exists per stack
// handle; every transport shares it.
type ScanGate struct {
	base time.Duration
	step time.Duration

	slot chan struct{} // capacity 1: at most one scan at a time

	mu           sync.Mutex
	lastTearDown time.Time
}

func NewScanGate(base, step time.Duration) *ScanGate {
	g := &ScanGate{base: base, step: step, slot: make(chan struct{}, 1)}
	g.slot <- struct{}{}
	return g
}

// EffectiveDelay returns the recovery delay for the given listener count:
// the base delay, stretched by step per floor(count/5) once the count
// exceeds the pressure floor, capped at maxRecoveryDelay.
func (g *ScanGate) EffectiveDelay(listeners int) time.Duration {
	d := g.base
	if listeners > pressureFloor {
		d += time.Duration(listeners/pressureFloor) * g.step
	}
	if d > maxRecoveryDelay {
		d = maxRecoveryDelay
	}
	return d
}

// Begin acquires the scan slot and waits out whatever remains of the
// recovery delay since the previous teardown. Callers must pair every
// successful Begin with End.
func (g *ScanGate) Begin(ctx context.Context, listeners int) error {
	select {
	case <-g.slot:
	case <-ctx.Done():
		return ctx.Err()
	}

	g.mu.Lock()
	last := g.lastTearDown
	g.mu.Unlock()

	if !last.IsZero() {
		remaining := g.EffectiveDelay(listeners) - time.Since(last)
		if remaining > 0 {
			timer := time.NewTimer(remaining)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				g.release()
				return ctx.Err()
			}
		}
	}
	return nil
}

// End records the scanner teardown instant and frees the scan slot.
func (g *ScanGate) End() {
	g.mu.Lock()
	g.lastTearDown = time.Now()
	g.mu.Unlock()
	g.release()
}

// LastTearDown returns when the previous scan was torn down.
func (g *ScanGate) LastTearDown() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastTearDown
}

func (g *ScanGate) release() {
	select {
	case g.slot <- struct{}{}:
	default:
	}
}
