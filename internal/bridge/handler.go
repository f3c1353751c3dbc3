package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/srg/blebridge/internal/device"
	"github.com/srg/blebridge/internal/groutine"
	"github.com/srg/blebridge/internal/session"
	"github.com/srg/blebridge/internal/transport"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Handler serves the bridge endpoint: a WebSocket upgrade that attaches the
// socket to a session, or the log-stream observability variant when the
// query carries command=log-stream.
type Handler struct {
	manager        *session.Manager
	metrics        *Metrics
	logger         *logrus.Logger
	connectTimeout time.Duration
	upgrader       websocket.Upgrader
}

func NewHandler(manager *session.Manager, metrics *Metrics, connectTimeout time.Duration, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Handler{
		manager:        manager,
		metrics:        metrics,
		logger:         logger,
		connectTimeout: connectTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The bridge runs on trusted local networks; browser origin
			// checks do not apply to the native clients it serves.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("command") == "log-stream" {
		h.serveLogStream(w, r)
		return
	}
	h.serveBridge(w, r)
}

// wsConn serializes writes to one WebSocket; gorilla connections allow a
// single concurrent writer.
type wsConn struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// closeWith sends a normal-closure frame carrying reason and closes the
// underlying connection. Idempotent.
func (c *wsConn) closeWith(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.conn.Close()
}

// parseBleConfig derives the session's peripheral config from the attach
// URL. service is mandatory; write and notify are needed only to send or
// receive payloads respectively.
func (h *Handler) parseBleConfig(q url.Values) (session.BleConfig, error) {
	cfg := session.BleConfig{
		DevicePrefix:   q.Get("device"),
		ConnectTimeout: h.connectTimeout,
	}

	svc := q.Get("service")
	if svc == "" {
		return cfg, errors.New("service UUID is required")
	}
	for _, u := range []struct {
		name   string
		value  string
		target *string
	}{
		{"service", svc, &cfg.Service},
		{"write", q.Get("write"), &cfg.Write},
		{"notify", q.Get("notify"), &cfg.Notify},
	} {
		if u.value == "" {
			continue
		}
		normalized, err := device.ValidateUUID(u.value)
		if err != nil {
			return cfg, fmt.Errorf("invalid %s UUID: %w", u.name, err)
		}
		*u.target = normalized[0]
	}

	if t := q.Get("timeout"); t != "" {
		ms, err := strconv.Atoi(t)
		if err != nil || ms <= 0 {
			return cfg, fmt.Errorf("invalid timeout %q", t)
		}
		cfg.ConnectTimeout = time.Duration(ms) * time.Millisecond
	}

	switch q.Get("onMultipleDevices") {
	case "", "first":
		cfg.OnMultipleDevices = transport.PolicyFirst
	case "error":
		cfg.OnMultipleDevices = transport.PolicyError
	default:
		return cfg, fmt.Errorf("invalid onMultipleDevices %q", q.Get("onMultipleDevices"))
	}
	return cfg, nil
}

func (h *Handler) serveBridge(w http.ResponseWriter, r *http.Request) {
	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Debug("WebSocket upgrade failed")
		return
	}
	h.metrics.SocketsAccepted.Inc()
	conn := &wsConn{conn: raw}

	q := r.URL.Query()
	cfg, err := h.parseBleConfig(q)
	if err != nil {
		h.fatal(conn, err.Error())
		return
	}

	sessionID := q.Get("session")
	if sessionID == "" {
		sessionID = h.manager.NewSessionID()
	}
	log := h.logger.WithFields(logrus.Fields{
		"session": sessionID,
		"remote":  r.RemoteAddr,
	})

	s, err := h.manager.GetOrCreate(sessionID, cfg)
	if err != nil {
		h.rejectAttach(conn, log, err)
		return
	}

	att, err := s.Attach(r.Context())
	if err != nil {
		h.rejectAttach(conn, log, err)
		return
	}

	if err := conn.writeJSON(newConnectedFrame(s.DeviceName(), s.Token(), sessionID)); err != nil {
		s.Detach(att)
		conn.closeWith("")
		return
	}
	h.metrics.FramesOut.WithLabelValues(frameConnected).Inc()
	log.WithField("device", s.DeviceName()).Info("Socket attached")

	pumpCtx, cancelPump := context.WithCancel(context.Background())
	defer cancelPump()
	pumpDone := make(chan struct{})
	groutine.Go(pumpCtx, "ws-writer", func(ctx context.Context) {
		defer close(pumpDone)
		h.writePump(ctx, conn, att)
	})

	// stopPump halts the event pump and waits it out, so the caller owns the
	// socket's write side afterwards.
	stopPump := func() {
		cancelPump()
		<-pumpDone
	}

	h.readLoop(r.Context(), conn, s, log, stopPump)

	s.Detach(att)
	conn.closeWith("")
	log.Info("Socket detached")
}

// rejectAttach reports a failed attach as an error frame plus fatal close.
func (h *Handler) rejectAttach(conn *wsConn, log *logrus.Entry, err error) {
	msg := err.Error()
	if errors.Is(err, session.ErrBusy) {
		msg = "Another connection is active"
		h.metrics.BusyRejections.Inc()
	}
	log.WithError(err).Info("Attach rejected")
	h.fatal(conn, msg)
}

// fatal sends an error frame and closes with a normal-closure code carrying
// the message as reason.
func (h *Handler) fatal(conn *wsConn, msg string) {
	_ = conn.writeJSON(newErrorFrame(msg))
	h.metrics.FramesOut.WithLabelValues(frameError).Inc()
	conn.closeWith(msg)
}

// writePump forwards session events to the socket until the attachment
// closes or the session tears down.
func (h *Handler) writePump(ctx context.Context, conn *wsConn, att *session.Attachment) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-att.Events():
			if !ok {
				conn.closeWith("")
				return
			}
			switch ev.Kind {
			case session.EventData:
				if err := conn.writeJSON(newDataFrame(ev.Data)); err != nil {
					return
				}
				h.metrics.FramesOut.WithLabelValues(frameData).Inc()
				h.metrics.BytesRX.Add(float64(len(ev.Data)))
			case session.EventDisconnected:
				if err := conn.writeJSON(disconnectedFrame{Type: frameDisconnected}); err != nil {
					return
				}
				h.metrics.FramesOut.WithLabelValues(frameDisconnected).Inc()
			case session.EventClosed:
				conn.closeWith(ev.Reason)
				return
			}
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// readLoop consumes client frames until the socket closes or a fatal
// protocol event ends the session's interest in it. stopPump hands it
// exclusive use of the write side for the cleanup handshake.
func (h *Handler) readLoop(ctx context.Context, conn *wsConn, s *session.Session, log *logrus.Entry, stopPump func()) {
	raw := conn.conn
	_ = raw.SetReadDeadline(time.Now().Add(pongWait))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Debug("Socket read failed")
			}
			return
		}
		_ = raw.SetReadDeadline(time.Now().Add(pongWait))

		var frame clientFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			h.nonFatal(conn, fmt.Sprintf("malformed frame: %v", err))
			continue
		}
		h.metrics.FramesIn.WithLabelValues(frame.Type).Inc()

		switch frame.Type {
		case frameData:
			if len(frame.Data) == 0 {
				h.nonFatal(conn, "data frame has no payload")
				continue
			}
			if err := s.Write(ctx, frame.Data); err != nil {
				log.WithError(err).Error("Write to peripheral failed")
				h.nonFatal(conn, err.Error())
				continue
			}
			h.metrics.BytesTX.Add(float64(len(frame.Data)))

		case frameForceCleanup:
			if frame.Token != s.Token() {
				h.nonFatal(conn, "Invalid token")
				continue
			}
			// The pump must be quiet before the complete frame goes out:
			// nothing may follow it on the socket except the close.
			stopPump()
			if err := conn.writeJSON(cleanupCompleteFrame{Type: frameCleanupComplete, Message: "Cleanup complete"}); err == nil {
				h.metrics.FramesOut.WithLabelValues(frameCleanupComplete).Inc()
			}
			h.metrics.ForcedCleanups.Inc()
			s.ForceCleanup("client request")
			conn.closeWith("client request")
			return

		default:
			h.nonFatal(conn, fmt.Sprintf("unknown frame type %q", frame.Type))
		}
	}
}

// nonFatal reports a recoverable protocol error; the socket stays open.
func (h *Handler) nonFatal(conn *wsConn, msg string) {
	_ = conn.writeJSON(newErrorFrame(msg))
	h.metrics.FramesOut.WithLabelValues(frameError).Inc()
}
