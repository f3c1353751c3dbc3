// Package logstream holds the bounded packet log the sessions write to and
// the observability surface reads from, plus the connection snapshot served
// by /health.
package logstream

import (
	"sync"
	"time"

	"github.com/srg/blebridge/internal/hexutil"
	"github.com/srg/blebridge/internal/ringchan"
)

// Direction marks which way a payload crossed the bridge.
type Direction string

const (
	TX Direction = "TX" // client → peripheral
	RX Direction = "RX" // peripheral → client
)

// Entry is one logged payload. Data is owned by the log; readers must not
// mutate it.
type Entry struct {
	Seq       uint64
	Ts        time.Time
	Direction Direction
	SessionID string
	Data      []byte
}

// subscriberBuffer bounds how far a slow log-stream reader may lag before
// entries are dropped for it.
const subscriberBuffer = 256

// Subscriber receives entries appended after its subscription point,
// optionally restricted to payloads containing a hex pattern.
type Subscriber struct {
	ch        *ringchan.RingChannel[Entry]
	filter    string
	watermark uint64
}

// C returns the subscriber's entry channel. Closed on Unsubscribe.
func (s *Subscriber) C() <-chan Entry {
	return s.ch.C()
}

// Dropped reports entries discarded because the subscriber lagged.
func (s *Subscriber) Dropped() int64 {
	return s.ch.Dropped()
}

// PacketLog is a fixed-capacity ring of entries with subscriber fan-out.
// Single writer per session, many readers; readers never block writers.
type PacketLog struct {
	mu       sync.RWMutex
	entries  []Entry
	capacity int
	seq      uint64
	subs     map[*Subscriber]struct{}
}

func NewPacketLog(capacity int) *PacketLog {
	if capacity <= 0 {
		capacity = 1024
	}
	return &PacketLog{
		entries:  make([]Entry, 0, capacity),
		capacity: capacity,
		subs:     make(map[*Subscriber]struct{}),
	}
}

// Append records one payload and fans it out to matching subscribers.
// The payload is copied; callers may reuse their buffer.
func (l *PacketLog) Append(dir Direction, sessionID string, data []byte) Entry {
	buf := make([]byte, len(data))
	copy(buf, data)

	l.mu.Lock()
	l.seq++
	e := Entry{
		Seq:       l.seq,
		Ts:        time.Now(),
		Direction: dir,
		SessionID: sessionID,
		Data:      buf,
	}
	if len(l.entries) < l.capacity {
		l.entries = append(l.entries, e)
	} else {
		copy(l.entries, l.entries[1:])
		l.entries[len(l.entries)-1] = e
	}
	subs := make([]*Subscriber, 0, len(l.subs))
	for s := range l.subs {
		subs = append(subs, s)
	}
	l.mu.Unlock()

	for _, s := range subs {
		if e.Seq > s.watermark && hexutil.Matches(e.Data, s.filter) {
			s.ch.Send(e)
		}
	}
	return e
}

// Subscribe registers a reader whose watermark is the current sequence:
// it only observes entries appended from now on. filter must already be
// normalized (hexutil.NormalizePattern).
func (l *PacketLog) Subscribe(filter string) *Subscriber {
	s := &Subscriber{
		ch:     ringchan.New[Entry](subscriberBuffer),
		filter: filter,
	}
	l.mu.Lock()
	s.watermark = l.seq
	l.subs[s] = struct{}{}
	l.mu.Unlock()
	return s
}

// Unsubscribe removes the reader and closes its channel.
func (l *PacketLog) Unsubscribe(s *Subscriber) {
	l.mu.Lock()
	_, ok := l.subs[s]
	delete(l.subs, s)
	l.mu.Unlock()
	if ok {
		s.ch.Close()
	}
}

// Snapshot returns the buffered entries, oldest first.
func (l *PacketLog) Snapshot() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of buffered entries.
func (l *PacketLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
