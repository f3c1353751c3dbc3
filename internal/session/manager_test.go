package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srg/blebridge/internal/session"
	"github.com/srg/blebridge/internal/testutils"
	"github.com/srg/blebridge/internal/transport"
)

type ManagerTestSuite struct {
	suite.Suite
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}

func (suite *ManagerTestSuite) newManager(stack *testutils.FakeStack, stale time.Duration) *session.Manager {
	return session.NewManager(stack, transport.NewScanGate(0, 0), session.ManagerConfig{
		Timings:          testTimings(),
		StaleClaim:       stale,
		PacketLogEntries: 64,
	}, testutils.NewTestLogger(suite.T()))
}

func (suite *ManagerTestSuite) TestGetOrCreateReusesCompatibleSession() {
	// GOAL: Verify the registry hands back the same session for a matching key and config
	//
	// TEST SCENARIO: GetOrCreate twice with identical config → same instance, count stays 1

	stack, _ := suite.readerStack()
	mgr := suite.newManager(stack, 30*time.Second)

	s1, err := mgr.GetOrCreate("sess-1", testBleConfig())
	suite.Require().NoError(err)
	s2, err := mgr.GetOrCreate("sess-1", testBleConfig())
	suite.Require().NoError(err)

	suite.Assert().Same(s1, s2, "compatible config MUST reuse the session")
	suite.Assert().Equal(1, mgr.Count())
}

func (suite *ManagerTestSuite) readerStack() (*testutils.FakeStack, *testutils.FakePeripheral) {
	p := testutils.NewPeripheral("CS108Reader42", "aa:bb:cc:dd:ee:01").
		WithService("9800", testutils.WriteChar("9900"), testutils.NotifyChar("9901")).
		Build()
	return testutils.NewStack().WithPeripheral(p).Build(), p
}

func (suite *ManagerTestSuite) TestIncompatibleConfigOnLiveSessionIsBusy() {
	// GOAL: Verify a live session is not silently reconfigured
	//
	// TEST SCENARIO: Session ACTIVE → same key, different service UUID → busy error

	stack, _ := suite.readerStack()
	mgr := suite.newManager(stack, 30*time.Second)

	s, err := mgr.GetOrCreate("sess-1", testBleConfig())
	suite.Require().NoError(err)
	att, err := s.Attach(context.Background())
	suite.Require().NoError(err)

	other := testBleConfig()
	other.Service = "fff0"
	_, err = mgr.GetOrCreate("sess-1", other)
	suite.Assert().ErrorIs(err, session.ErrBusy, "incompatible config on a live session MUST be busy")

	s.Detach(att)
	s.ForceCleanup("test done")
}

func (suite *ManagerTestSuite) TestIncompatibleConfigReplacesIdleSession() {
	// GOAL: Verify an unattached session yields to a new config for its key
	//
	// TEST SCENARIO: Session never attached (IDLE) → same key, new config → fresh session with the new config

	stack, _ := suite.readerStack()
	mgr := suite.newManager(stack, 30*time.Second)

	s1, err := mgr.GetOrCreate("sess-1", testBleConfig())
	suite.Require().NoError(err)
	suite.Require().Equal(session.StateIdle, s1.State())

	other := testBleConfig()
	other.Service = "fff0"
	s2, err := mgr.GetOrCreate("sess-1", other)
	suite.Require().NoError(err)
	suite.Assert().NotSame(s1, s2)
	suite.Assert().Equal("fff0", s2.Config().Service)
	suite.Assert().Equal(1, mgr.Count())
}

func (suite *ManagerTestSuite) TestGet() {
	// GOAL: Verify Get resolves only live sessions
	//
	// TEST SCENARIO: Missing key → false; created key → session; cleaned-up key → false

	stack, _ := suite.readerStack()
	mgr := suite.newManager(stack, 30*time.Second)

	_, ok := mgr.Get("nope")
	suite.Assert().False(ok)

	s, err := mgr.GetOrCreate("sess-1", testBleConfig())
	suite.Require().NoError(err)
	got, ok := mgr.Get("sess-1")
	suite.Require().True(ok)
	suite.Assert().Same(s, got)

	s.ForceCleanup("test done")
	_, ok = mgr.Get("sess-1")
	suite.Assert().False(ok, "terminated session MUST NOT be resolvable")
}

func (suite *ManagerTestSuite) TestSweepReapsStaleClaim() {
	// GOAL: Verify the sweep reclaims a session whose claim went stale
	//
	// TEST SCENARIO: Attach with a tiny stale timeout, go silent → Sweep reaps it, claim free

	stack, _ := suite.readerStack()
	mgr := suite.newManager(stack, 40*time.Millisecond)

	s, err := mgr.GetOrCreate("sess-1", testBleConfig())
	suite.Require().NoError(err)
	_, err = s.Attach(context.Background())
	suite.Require().NoError(err)

	time.Sleep(80 * time.Millisecond)
	suite.Assert().Equal(1, mgr.Sweep(), "sweep MUST reap exactly the stale session")
	suite.Assert().True(s.Terminated())
	suite.Assert().Equal(0, mgr.Count())
	suite.Assert().True(mgr.Claims().IsFree())
}

func (suite *ManagerTestSuite) TestSweepIgnoresHealthySessions() {
	// GOAL: Verify the sweep leaves fresh sessions alone
	//
	// TEST SCENARIO: Attached session with fresh claim → Sweep reaps nothing

	stack, _ := suite.readerStack()
	mgr := suite.newManager(stack, 30*time.Second)

	s, err := mgr.GetOrCreate("sess-1", testBleConfig())
	suite.Require().NoError(err)
	att, err := s.Attach(context.Background())
	suite.Require().NoError(err)

	suite.Assert().Equal(0, mgr.Sweep())
	suite.Assert().False(s.Terminated())

	s.Detach(att)
	s.ForceCleanup("test done")
}

func (suite *ManagerTestSuite) TestSweepReapsListenerPressure() {
	// GOAL: Verify runaway listener accumulation marks a session as a zombie
	//
	// TEST SCENARIO: Inflate listener count past the limit → Sweep reaps the session

	stack, _ := suite.readerStack()
	mgr := suite.newManager(stack, 30*time.Second)

	s, err := mgr.GetOrCreate("sess-1", testBleConfig())
	suite.Require().NoError(err)
	_, err = s.Attach(context.Background())
	suite.Require().NoError(err)

	stack.AddListeners(150)
	suite.Assert().Equal(1, mgr.Sweep())
	suite.Assert().True(s.Terminated())
}

func (suite *ManagerTestSuite) TestSweepReapsOrphanedIdleSession() {
	// GOAL: Verify a session whose only attach failed does not linger in the
	// registry forever
	//
	// TEST SCENARIO: Powered-off adapter → GetOrCreate + failed Attach leaves an
	// IDLE entry → after grace + eviction grace the sweep removes it

	stack, _ := suite.readerStack()
	stack.SetPoweredOff(true)
	mgr := suite.newManager(stack, 30*time.Second)

	s, err := mgr.GetOrCreate("sess-1", testBleConfig())
	suite.Require().NoError(err)
	_, err = s.Attach(context.Background())
	suite.Require().Error(err, "attach on a powered-off adapter MUST fail")
	suite.Require().Equal(session.StateIdle, s.State())
	suite.Require().Equal(1, mgr.Count())

	suite.Assert().Equal(0, mgr.Sweep(), "a fresh orphan MUST survive until the window passes")

	time.Sleep(200 * time.Millisecond)
	suite.Assert().Equal(1, mgr.Sweep(), "sweep MUST reap the orphaned IDLE session")
	suite.Assert().True(s.Terminated())
	suite.Assert().Equal(0, mgr.Count())
	suite.Assert().True(mgr.Claims().IsFree())
}

func (suite *ManagerTestSuite) TestStopAll() {
	// GOAL: Verify shutdown tears every session down and frees the claim
	//
	// TEST SCENARIO: Attached session → StopAll → registry empty, attachment closed, mutex free

	stack, _ := suite.readerStack()
	mgr := suite.newManager(stack, 30*time.Second)

	s, err := mgr.GetOrCreate("sess-1", testBleConfig())
	suite.Require().NoError(err)
	att, err := s.Attach(context.Background())
	suite.Require().NoError(err)

	mgr.StopAll()

	ev := waitEvent2(suite, att)
	suite.Assert().Equal(session.EventClosed, ev.Kind)
	suite.Assert().Equal("shutdown", ev.Reason)
	suite.Assert().Equal(0, mgr.Count())
	suite.Assert().True(mgr.Claims().IsFree())
}

func waitEvent2(suite *ManagerTestSuite, att *session.Attachment) session.Event {
	select {
	case ev := <-att.Events():
		return ev
	case <-time.After(2 * time.Second):
		suite.FailNow("timed out waiting for event")
		return session.Event{}
	}
}

func (suite *ManagerTestSuite) TestNewSessionID() {
	// GOAL: Verify minted ids are unique

	stack, _ := suite.readerStack()
	mgr := suite.newManager(stack, 30*time.Second)
	suite.Assert().NotEqual(mgr.NewSessionID(), mgr.NewSessionID())
}
