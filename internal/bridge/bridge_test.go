package bridge_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blebridge/internal/bridge"
	"github.com/srg/blebridge/internal/session"
	"github.com/srg/blebridge/internal/testutils"
	"github.com/srg/blebridge/internal/transport"
)

type BridgeTestSuite struct {
	suite.Suite

	stack      *testutils.FakeStack
	peripheral *testutils.FakePeripheral
	manager    *session.Manager
	ts         *httptest.Server
}

func TestBridgeSuite(t *testing.T) {
	suite.Run(t, new(BridgeTestSuite))
}

func (suite *BridgeTestSuite) SetupTest() {
	suite.peripheral = testutils.NewPeripheral("CS108Reader42", "aa:bb:cc:dd:ee:01").
		WithService("9800", testutils.WriteChar("9900"), testutils.NotifyChar("9901")).
		Build()
	suite.stack = testutils.NewStack().WithPeripheral(suite.peripheral).Build()

	logger := testutils.NewTestLogger(suite.T())
	suite.manager = session.NewManager(suite.stack, transport.NewScanGate(0, 0), session.ManagerConfig{
		Timings: session.Timings{
			GracePeriod:   250 * time.Millisecond,
			IdleTimeout:   5 * time.Second,
			EvictionGrace: 250 * time.Millisecond,
			ScanTimeout:   150 * time.Millisecond,
		},
		StaleClaim:       30 * time.Second,
		PacketLogEntries: 64,
	}, logger)

	srv := bridge.NewServer(bridge.ServerConfig{
		ListenAddr:     ":0",
		ConnectTimeout: time.Second,
	}, suite.manager, logger)
	suite.ts = httptest.NewServer(srv.Handler())
}

func (suite *BridgeTestSuite) TearDownTest() {
	suite.manager.StopAll()
	suite.ts.Close()
}

// wireFrame is the superset of every server frame for decoding in tests.
type wireFrame struct {
	Type      string `json:"type"`
	Device    string `json:"device"`
	Token     string `json:"token"`
	SessionID string `json:"sessionId"`
	Data      []int  `json:"data"`
	Error     string `json:"error"`
	Message   string `json:"message"`
	Direction string `json:"direction"`
}

func (suite *BridgeTestSuite) wsURL(query string) string {
	return "ws" + strings.TrimPrefix(suite.ts.URL, "http") + "/?" + query
}

func (suite *BridgeTestSuite) dial(query string) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial(suite.wsURL(query), nil)
	suite.Require().NoError(err)
	return conn
}

func (suite *BridgeTestSuite) readFrame(conn *websocket.Conn) wireFrame {
	var f wireFrame
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	suite.Require().NoError(conn.ReadJSON(&f))
	return f
}

func (suite *BridgeTestSuite) expectClose(conn *websocket.Conn) {
	var f wireFrame
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	err := conn.ReadJSON(&f)
	suite.Require().Error(err, "expected the server to close the socket")
	suite.Assert().True(websocket.IsCloseError(err, websocket.CloseNormalClosure),
		"close MUST use the normal-closure code, got %v", err)
}

func toInts(data []byte) []int {
	out := make([]int, len(data))
	for i, b := range data {
		out[i] = int(b)
	}
	return out
}

func (suite *BridgeTestSuite) TestBasicRoundTrip() {
	// GOAL: Verify the full attach → write → notify cycle over the wire
	//
	// TEST SCENARIO: Dial with config → connected frame → data frame writes to the peripheral → notification comes back as a data frame

	conn := suite.dial("session=s1&service=9800&write=9900&notify=9901&device=CS108")
	defer conn.Close()

	hello := suite.readFrame(conn)
	suite.Require().Equal("connected", hello.Type)
	suite.Assert().Equal("CS108Reader42", hello.Device)
	suite.Assert().Equal("s1", hello.SessionID)
	suite.Assert().NotEmpty(hello.Token)

	payload := []byte{167, 179, 2, 217, 130, 55, 0, 0, 160, 0}
	suite.Require().NoError(conn.WriteJSON(map[string]any{"type": "data", "data": toInts(payload)}))

	suite.Assert().Eventually(func() bool {
		c := suite.peripheral.Client()
		return c != nil && len(c.Writes()) == 1
	}, 2*time.Second, 10*time.Millisecond, "the data frame MUST reach the peripheral")
	suite.Assert().Equal([][]byte{payload}, suite.peripheral.Client().Writes())

	notification := []byte{167, 179, 4, 0, 0, 0, 0, 0, 160, 0, 1, 2}
	suite.Require().True(suite.peripheral.Notify("9901", notification))

	frame := suite.readFrame(conn)
	suite.Require().Equal("data", frame.Type)
	suite.Assert().Equal(toInts(notification), frame.Data)
}

func (suite *BridgeTestSuite) TestServerAssignsSessionID() {
	// GOAL: Verify a missing session key is minted server-side and returned
	//
	// TEST SCENARIO: Dial without session= → connected frame carries a non-empty generated id

	conn := suite.dial("service=9800&write=9900&notify=9901")
	defer conn.Close()

	hello := suite.readFrame(conn)
	suite.Require().Equal("connected", hello.Type)
	suite.Assert().NotEmpty(hello.SessionID, "server MUST mint a session id")
}

func (suite *BridgeTestSuite) TestBusyRejection() {
	// GOAL: Verify a second session key is refused while the first holds the claim
	//
	// TEST SCENARIO: s1 attached → dial s2 → error frame with the busy text, then a normal close

	c1 := suite.dial("session=s1&service=9800&write=9900&notify=9901")
	defer c1.Close()
	suite.Require().Equal("connected", suite.readFrame(c1).Type)

	c2 := suite.dial("session=s2&service=9800&write=9900&notify=9901")
	defer c2.Close()

	errFrame := suite.readFrame(c2)
	suite.Require().Equal("error", errFrame.Type)
	suite.Assert().Equal("Another connection is active", errFrame.Error)
	suite.expectClose(c2)
}

func (suite *BridgeTestSuite) TestReattachWithinGraceSkipsScan() {
	// GOAL: Verify a reconnect inside the grace window reuses the live transport
	//
	// TEST SCENARIO: Attach, close, reattach quickly → connected again with no additional scan

	c1 := suite.dial("session=s1&service=9800&write=9900&notify=9901")
	suite.Require().Equal("connected", suite.readFrame(c1).Type)
	scans := suite.stack.ScanCount()
	c1.Close()

	time.Sleep(50 * time.Millisecond)

	c2 := suite.dial("session=s1&service=9800&write=9900&notify=9901")
	defer c2.Close()
	hello := suite.readFrame(c2)
	suite.Require().Equal("connected", hello.Type)
	suite.Assert().Equal("CS108Reader42", hello.Device)
	suite.Assert().Equal(scans, suite.stack.ScanCount(), "reattach within grace MUST NOT rescan")
}

func (suite *BridgeTestSuite) TestForceCleanupWithToken() {
	// GOAL: Verify an authorized force_cleanup tears the session down and closes
	//
	// TEST SCENARIO: Send force_cleanup with the issued token → force_cleanup_complete → close → registry empty

	conn := suite.dial("session=s1&service=9800&write=9900&notify=9901")
	defer conn.Close()
	hello := suite.readFrame(conn)
	suite.Require().Equal("connected", hello.Type)

	suite.Require().NoError(conn.WriteJSON(map[string]any{"type": "force_cleanup", "token": hello.Token}))

	done := suite.readFrame(conn)
	suite.Require().Equal("force_cleanup_complete", done.Type)
	suite.Assert().Equal("Cleanup complete", done.Message)
	suite.expectClose(conn)

	_, ok := suite.manager.Get("s1")
	suite.Assert().False(ok, "force cleanup MUST remove the session")
}

func (suite *BridgeTestSuite) TestNoDataAfterCleanupComplete() {
	// GOAL: Verify nothing follows force_cleanup_complete on the socket but the close
	//
	// TEST SCENARIO: Pile up unread notifications, then force_cleanup → data frames
	// may precede the complete frame, but once it arrives the next read is the close

	conn := suite.dial("session=s1&service=9800&write=9900&notify=9901")
	defer conn.Close()
	hello := suite.readFrame(conn)
	suite.Require().Equal("connected", hello.Type)

	for i := 0; i < 20; i++ {
		suite.Require().True(suite.peripheral.Notify("9901", []byte{0xA7, byte(i)}))
	}
	suite.Require().NoError(conn.WriteJSON(map[string]any{"type": "force_cleanup", "token": hello.Token}))

	for {
		f := suite.readFrame(conn)
		if f.Type == "data" {
			continue
		}
		suite.Require().Equal("force_cleanup_complete", f.Type,
			"only data frames may precede the cleanup acknowledgement, got %q", f.Type)
		break
	}
	suite.expectClose(conn)
}

func (suite *BridgeTestSuite) TestForceCleanupInvalidToken() {
	// GOAL: Verify a wrong token is refused without killing the socket
	//
	// TEST SCENARIO: force_cleanup with a bogus token → Invalid token error → data still round-trips

	conn := suite.dial("session=s1&service=9800&write=9900&notify=9901")
	defer conn.Close()
	suite.Require().Equal("connected", suite.readFrame(conn).Type)

	suite.Require().NoError(conn.WriteJSON(map[string]any{"type": "force_cleanup", "token": "WRONG"}))
	errFrame := suite.readFrame(conn)
	suite.Require().Equal("error", errFrame.Type)
	suite.Assert().Equal("Invalid token", errFrame.Error)

	// Socket still serves data both ways.
	suite.Require().NoError(conn.WriteJSON(map[string]any{"type": "data", "data": []int{1, 2, 3}}))
	suite.Assert().Eventually(func() bool {
		c := suite.peripheral.Client()
		return c != nil && len(c.Writes()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	suite.Require().True(suite.peripheral.Notify("9901", []byte{9, 8, 7}))
	frame := suite.readFrame(conn)
	suite.Require().Equal("data", frame.Type)
	suite.Assert().Equal([]int{9, 8, 7}, frame.Data)
}

func (suite *BridgeTestSuite) TestMalformedAndUnknownFramesAreNonFatal() {
	// GOAL: Verify protocol garbage is reported without closing
	//
	// TEST SCENARIO: Unparseable JSON, unknown type, empty data → error frames each time, socket survives

	conn := suite.dial("session=s1&service=9800&write=9900&notify=9901")
	defer conn.Close()
	suite.Require().Equal("connected", suite.readFrame(conn).Type)

	suite.Require().NoError(conn.WriteMessage(websocket.TextMessage, []byte("{nope")))
	suite.Assert().Equal("error", suite.readFrame(conn).Type)

	suite.Require().NoError(conn.WriteJSON(map[string]any{"type": "bogus"}))
	suite.Assert().Equal("error", suite.readFrame(conn).Type)

	suite.Require().NoError(conn.WriteJSON(map[string]any{"type": "data", "data": []int{}}))
	suite.Assert().Equal("error", suite.readFrame(conn).Type)

	// Still alive.
	suite.Require().NoError(conn.WriteJSON(map[string]any{"type": "data", "data": []int{5}}))
	suite.Assert().Eventually(func() bool {
		c := suite.peripheral.Client()
		return c != nil && len(c.Writes()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func (suite *BridgeTestSuite) TestMissingServiceIsFatal() {
	// GOAL: Verify the required service parameter is enforced
	//
	// TEST SCENARIO: Dial without service= → error frame → normal close

	conn := suite.dial("session=s1&write=9900")
	defer conn.Close()

	errFrame := suite.readFrame(conn)
	suite.Require().Equal("error", errFrame.Type)
	suite.Assert().Contains(errFrame.Error, "service")
	suite.expectClose(conn)
}

func (suite *BridgeTestSuite) TestLogStream() {
	// GOAL: Verify the observability stream mirrors bridge traffic with direction tags
	//
	// TEST SCENARIO: Subscribe via command=log-stream → client write shows as TX → notification shows as RX

	bridgeConn := suite.dial("session=s1&service=9800&write=9900&notify=9901")
	defer bridgeConn.Close()
	suite.Require().Equal("connected", suite.readFrame(bridgeConn).Type)

	logConn := suite.dial("command=log-stream")
	defer logConn.Close()
	time.Sleep(50 * time.Millisecond)

	suite.Require().NoError(bridgeConn.WriteJSON(map[string]any{"type": "data", "data": []int{0xA7, 0xB3, 0x02}}))

	tx := suite.readFrame(logConn)
	suite.Require().Equal("log", tx.Type)
	suite.Assert().Equal("TX", tx.Direction)
	suite.Assert().Equal("s1", tx.SessionID)
	suite.Assert().Equal([]int{0xA7, 0xB3, 0x02}, tx.Data)

	suite.Require().True(suite.peripheral.Notify("9901", []byte{0xA7, 0xB3, 0x04}))
	rx := suite.readFrame(logConn)
	suite.Require().Equal("log", rx.Type)
	suite.Assert().Equal("RX", rx.Direction)
}

func (suite *BridgeTestSuite) TestLogStreamFilter() {
	// GOAL: Verify the hex filter narrows the stream
	//
	// TEST SCENARIO: Subscribe with filter=b304 → only payloads containing the sequence arrive

	bridgeConn := suite.dial("session=s1&service=9800&write=9900&notify=9901")
	defer bridgeConn.Close()
	suite.Require().Equal("connected", suite.readFrame(bridgeConn).Type)

	logConn := suite.dial("command=log-stream&filter=b304")
	defer logConn.Close()
	time.Sleep(50 * time.Millisecond)

	suite.Require().NoError(bridgeConn.WriteJSON(map[string]any{"type": "data", "data": []int{0xA7, 0xB3, 0x02}}))
	suite.Require().True(suite.peripheral.Notify("9901", []byte{0xA7, 0xB3, 0x04}))

	frame := suite.readFrame(logConn)
	suite.Assert().Equal([]int{0xA7, 0xB3, 0x04}, frame.Data, "only the matching payload MUST arrive")
}

func (suite *BridgeTestSuite) TestHealthEndpoint() {
	// GOAL: Verify /health reflects the shared connection snapshot
	//
	// TEST SCENARIO: Before attach → disconnected; after attach → connected with device and session

	resp, err := http.Get(suite.ts.URL + "/health")
	suite.Require().NoError(err)
	var before map[string]any
	suite.Require().NoError(json.NewDecoder(resp.Body).Decode(&before))
	resp.Body.Close()
	suite.Assert().Equal("ok", before["status"])
	suite.Assert().Equal(false, before["connected"])

	conn := suite.dial("session=s1&service=9800&write=9900&notify=9901")
	defer conn.Close()
	suite.Require().Equal("connected", suite.readFrame(conn).Type)

	resp, err = http.Get(suite.ts.URL + "/health")
	suite.Require().NoError(err)
	var after map[string]any
	suite.Require().NoError(json.NewDecoder(resp.Body).Decode(&after))
	resp.Body.Close()
	suite.Assert().Equal(true, after["connected"])
	suite.Assert().Equal("CS108Reader42", after["deviceName"])
	suite.Assert().Equal("s1", after["sessionId"])
}

func (suite *BridgeTestSuite) TestMetricsEndpoint() {
	// GOAL: Verify /metrics serves the bridge counters
	//
	// TEST SCENARIO: Attach once → scrape → accepted-sockets counter present and positive

	conn := suite.dial("session=s1&service=9800&write=9900&notify=9901")
	defer conn.Close()
	suite.Require().Equal("connected", suite.readFrame(conn).Type)

	resp, err := http.Get(suite.ts.URL + "/metrics")
	suite.Require().NoError(err)
	defer resp.Body.Close()
	suite.Require().Equal(http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	suite.Require().NoError(err)
	suite.Assert().Contains(string(body), "blebridge_sockets_accepted_total 1")
}
