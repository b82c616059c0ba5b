//go:build test

package bench_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/brhil/internal/bench"
	"github.com/srg/brhil/internal/console"
	"github.com/srg/brhil/internal/expect"
	"github.com/srg/brhil/internal/peer"
	"github.com/srg/brhil/internal/testutils"
	"github.com/srg/brhil/pkg/config"
	"github.com/stretchr/testify/suite"
)

type BenchTestSuite struct {
	suite.Suite
	helper   *testutils.TestHelper
	cfg      *config.Config
	mu       sync.Mutex
	consoles map[string]*testutils.FakeConsole
	peer     *testutils.FakePeer
}

func (suite *BenchTestSuite) SetupTest() {
	suite.helper = testutils.NewTestHelper(suite.T())
	suite.cfg = config.DefaultConfig()
	suite.cfg.Boards = []config.Board{
		{Name: "dut", Transport: config.TransportPTY, Port: "/dev/pts/7"},
		{Name: "tester", Transport: config.TransportPTY, Port: "/dev/pts/8"},
	}
	suite.consoles = make(map[string]*testutils.FakeConsole)
	suite.peer = testutils.NewFakePeer()
}

func (suite *BenchTestSuite) opener(fail string) bench.Opener {
	return func(_ context.Context, b config.Board, _ time.Duration, _ *logrus.Logger) (console.Console, error) {
		if b.Name == fail {
			return nil, errors.New("no such device")
		}
		c := testutils.NewFakeConsole(b.Name)
		suite.mu.Lock()
		suite.consoles[b.Name] = c
		suite.mu.Unlock()
		return c, nil
	}
}

func (suite *BenchTestSuite) open(opts ...bench.Option) *bench.Bench {
	opts = append([]bench.Option{
		bench.WithOpener(suite.opener("")),
		bench.WithClock(suite.helper.Clock),
	}, opts...)
	b, err := bench.Open(context.Background(), suite.cfg, suite.helper.Logger, opts...)
	suite.Require().NoError(err)
	return b
}

func (suite *BenchTestSuite) TestOpenKeepsConfigOrder() {
	b := suite.open()

	boards := b.Boards()
	suite.Require().Len(boards, 2)
	suite.Equal("dut", boards[0].Name())
	suite.Equal("tester", boards[1].Name())

	brd, err := b.Board("tester")
	suite.Require().NoError(err)
	suite.Equal("tester", brd.Name())

	_, err = b.Board("missing")
	suite.ErrorIs(err, bench.ErrUnknownBoard)

	_, err = b.Peer()
	suite.ErrorIs(err, bench.ErrNoPeer)
	suite.Equal(suite.cfg.DefaultTimeout, b.Engine().Timeout())
}

func (suite *BenchTestSuite) TestOpenFailureClosesOpenedBoards() {
	// GOAL: a board that fails to open leaves no other console open
	//
	// TEST SCENARIO: "tester" fails → Open errors naming it → "dut" console closed
	_, err := bench.Open(context.Background(), suite.cfg, suite.helper.Logger, bench.WithOpener(suite.opener("tester")))

	suite.Require().Error(err)
	suite.Contains(err.Error(), "board tester")
	if c, ok := suite.consoles["dut"]; ok {
		suite.True(c.Closed())
	}
}

func (suite *BenchTestSuite) TestPeerFromFactory() {
	suite.cfg.Peer.Enabled = true
	b := suite.open(bench.WithPeerFactory(func(context.Context, config.Peer, *logrus.Logger) (peer.Peer, error) {
		return suite.peer, nil
	}))

	p, err := b.Peer()
	suite.Require().NoError(err)
	suite.Same(suite.peer, p)

	suite.Require().NoError(b.Close())
	suite.True(suite.peer.Closed())
	suite.True(suite.consoles["dut"].Closed())
	suite.True(suite.consoles["tester"].Closed())
}

func (suite *BenchTestSuite) TestPeerFactoryFailure() {
	suite.cfg.Peer.Enabled = true
	_, err := bench.Open(context.Background(), suite.cfg, suite.helper.Logger,
		bench.WithOpener(suite.opener("")),
		bench.WithPeerFactory(func(context.Context, config.Peer, *logrus.Logger) (peer.Peer, error) {
			return nil, errors.New("no adapter")
		}))

	suite.Require().Error(err)
	suite.True(suite.consoles["dut"].Closed())
}

func (suite *BenchTestSuite) TestWaitWithPeerCorrelatesBothSides() {
	// GOAL: one ALL wait covers the DUT console and the peer's event log in any order
	//
	// TEST SCENARIO: peer event arrives first, DUT line on the next poll → found
	b := suite.open(bench.WithPeer(suite.peer))
	suite.Require().NoError(suite.peer.Connect(context.Background(), testAddr))
	suite.consoles["dut"].Push(nil, []string{"Connected: 00:1A:7D:DA:71:13"})

	out, err := b.WaitWithPeer(context.Background(), "dut",
		expect.All(expect.Literal("Connected:"), expect.Literal("peer: connected")), 0)

	suite.Require().NoError(err)
	suite.True(out.Found)
	suite.Equal(expect.Transcript{"peer: connected 00:1A:7D:DA:71:13", "Connected: 00:1A:7D:DA:71:13"}, out.Transcript)

	_, err = b.WaitWithPeer(context.Background(), "nope", expect.All(expect.Literal("x")), 0)
	suite.ErrorIs(err, bench.ErrUnknownBoard)
}

func (suite *BenchTestSuite) TestParallelCancelsOnError() {
	// GOAL: independent operations run concurrently and the first failure cancels the rest
	//
	// TEST SCENARIO: one op fails, the other waits for cancellation → joined error holds the failure
	b := suite.open()
	boom := errors.New("boom")

	err := b.Parallel(context.Background(),
		func(ctx context.Context) error { return boom },
		func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	)

	suite.ErrorIs(err, boom)
	suite.NoError(b.Parallel(context.Background()))
}

func TestBenchTestSuite(t *testing.T) {
	suite.Run(t, new(BenchTestSuite))
}

var testAddr = ble.NewAddr("00:1A:7D:DA:71:13")
