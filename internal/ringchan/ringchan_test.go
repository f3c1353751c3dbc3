package ringchan_test

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/srg/blebridge/internal/ringchan"
)

type RingChannelTestSuite struct {
	suite.Suite
}

func TestRingChannelSuite(t *testing.T) {
	suite.Run(t, new(RingChannelTestSuite))
}

func (suite *RingChannelTestSuite) TestOverwriteOldest() {
	// GOAL: Verify producers never block and the oldest element is discarded
	//
	// TEST SCENARIO: Send more than capacity → only the newest values remain → dropped counter matches

	rc := ringchan.New[int](3)
	for i := 1; i <= 5; i++ {
		rc.Send(i)
	}

	suite.Assert().Equal(3, rc.Len(), "buffer MUST hold exactly capacity elements")
	suite.Assert().Equal(int64(2), rc.Dropped(), "two oldest elements MUST have been dropped")

	v1, ok1 := rc.Receive()
	v2, ok2 := rc.Receive()
	v3, ok3 := rc.Receive()
	suite.Assert().True(ok1 && ok2 && ok3)
	suite.Assert().Equal([]int{3, 4, 5}, []int{v1, v2, v3}, "newest values MUST survive in order")
}

func (suite *RingChannelTestSuite) TestTrySendAndTryReceive() {
	// GOAL: Verify the non-blocking variants report full/empty correctly
	//
	// TEST SCENARIO: Fill to capacity → TrySend fails → drain → TryReceive fails

	rc := ringchan.New[string](1)
	suite.Assert().True(rc.TrySend("a"))
	suite.Assert().False(rc.TrySend("b"), "TrySend MUST fail when buffer is full")

	v, ok := rc.TryReceive()
	suite.Assert().True(ok)
	suite.Assert().Equal("a", v)

	_, ok = rc.TryReceive()
	suite.Assert().False(ok, "TryReceive MUST fail on empty buffer")
}

func (suite *RingChannelTestSuite) TestCloseSemantics() {
	// GOAL: Verify Close is idempotent and post-close sends never panic
	//
	// TEST SCENARIO: Close twice → Send after close → dropped, no panic → reader sees EOF

	rc := ringchan.New[int](2)
	rc.Send(7)
	rc.Close()
	rc.Close()

	suite.Assert().NotPanics(func() { rc.Send(8) }, "Send after Close MUST NOT panic")
	suite.Assert().False(rc.TrySend(9), "TrySend after Close MUST fail")

	v, ok := rc.Receive()
	suite.Assert().True(ok)
	suite.Assert().Equal(7, v, "buffered value MUST still be readable after Close")

	_, ok = rc.Receive()
	suite.Assert().False(ok, "Receive MUST report closed channel")
}
