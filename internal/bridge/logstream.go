package bridge

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/srg/blebridge/internal/groutine"
	"github.com/srg/blebridge/internal/hexutil"
	"github.com/srg/blebridge/internal/logstream"
)

// logFrame is one packet-log entry on the observability stream.
type logFrame struct {
	Type      string    `json:"type"`
	Seq       uint64    `json:"seq"`
	Ts        time.Time `json:"ts"`
	Direction string    `json:"direction"`
	SessionID string    `json:"sessionId"`
	Data      ByteArray `json:"data"`
}

// serveLogStream upgrades to the observability stream: every TX/RX payload
// crossing the bridge from now on, optionally restricted to payloads
// containing the hex pattern in ?filter=.
func (h *Handler) serveLogStream(w http.ResponseWriter, r *http.Request) {
	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Debug("Log-stream upgrade failed")
		return
	}
	conn := &wsConn{conn: raw}

	filter, err := hexutil.NormalizePattern(r.URL.Query().Get("filter"))
	if err != nil {
		h.fatal(conn, fmt.Sprintf("invalid filter: %v", err))
		return
	}

	sub := h.manager.PacketLog().Subscribe(filter)
	defer h.manager.PacketLog().Unsubscribe(sub)

	log := h.logger.WithField("remote", r.RemoteAddr)
	log.WithField("filter", filter).Info("Log-stream subscriber attached")

	// Drain the client side purely to notice the close.
	gone := make(chan struct{})
	groutine.Go(context.Background(), "log-stream-reader", func(context.Context) {
		defer close(gone)
		for {
			if _, _, err := raw.ReadMessage(); err != nil {
				return
			}
		}
	})

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case entry, ok := <-sub.C():
			if !ok {
				conn.closeWith("log stream closed")
				return
			}
			if err := conn.writeJSON(newLogFrame(entry)); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return
			}
		case <-gone:
			log.Info("Log-stream subscriber left")
			return
		}
	}
}

func newLogFrame(e logstream.Entry) logFrame {
	return logFrame{
		Type:      "log",
		Seq:       e.Seq,
		Ts:        e.Ts,
		Direction: string(e.Direction),
		SessionID: e.SessionID,
		Data:      e.Data,
	}
}
