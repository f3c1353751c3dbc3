// Package bridge is the WebSocket surface: the attach handler translating
// JSON frames to session operations, the log-stream endpoint, and the HTTP
// server wrapping both.
package bridge

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ByteArray marshals as a JSON array of numbers (0..255) instead of the
// base64 string encoding/json uses for []byte. The wire protocol carries
// payloads as plain arrays.
type ByteArray []byte

func (b ByteArray) MarshalJSON() ([]byte, error) {
	out := make([]byte, 0, len(b)*4+2)
	out = append(out, '[')
	for i, v := range b {
		if i > 0 {
			out = append(out, ',')
		}
		out = strconv.AppendUint(out, uint64(v), 10)
	}
	return append(out, ']'), nil
}

func (b *ByteArray) UnmarshalJSON(data []byte) error {
	var raw []int
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make([]byte, len(raw))
	for i, v := range raw {
		if v < 0 || v > 255 {
			return fmt.Errorf("byte value %d out of range at index %d", v, i)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// Frame type tags shared by both directions.
const (
	frameConnected       = "connected"
	frameDisconnected    = "disconnected"
	frameData            = "data"
	frameForceCleanup    = "force_cleanup"
	frameCleanupComplete = "force_cleanup_complete"
	frameError           = "error"
)

// clientFrame is the superset of every client-to-server frame.
type clientFrame struct {
	Type  string    `json:"type"`
	Data  ByteArray `json:"data,omitempty"`
	Token string    `json:"token,omitempty"`
}

type connectedFrame struct {
	Type      string `json:"type"`
	Device    string `json:"device"`
	Token     string `json:"token"`
	SessionID string `json:"sessionId"`
}

type dataFrame struct {
	Type string    `json:"type"`
	Data ByteArray `json:"data"`
}

type disconnectedFrame struct {
	Type string `json:"type"`
}

type cleanupCompleteFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func newConnectedFrame(device, token, sessionID string) connectedFrame {
	return connectedFrame{Type: frameConnected, Device: device, Token: token, SessionID: sessionID}
}

func newDataFrame(data []byte) dataFrame {
	return dataFrame{Type: frameData, Data: data}
}

func newErrorFrame(msg string) errorFrame {
	return errorFrame{Type: frameError, Error: msg}
}
