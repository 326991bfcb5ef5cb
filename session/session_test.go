package session

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/go-stomp/gostomp/commands"
	"github.com/go-stomp/gostomp/frame"
	"github.com/go-stomp/gostomp/stompspec"
)

func connectedFrame(version stompspec.Version) *frame.Frame {
	return frame.New(version, stompspec.CONNECTED, "version", string(version))
}

func TestConnectDisconnectLifecycle(t *testing.T) {
	s := New(stompspec.V12, true)
	assert.Equal(t, s.State(), Disconnected)

	_, err := s.Connect("guest", "guest", nil, "broker", nil)
	assert.NilError(t, err)
	assert.Equal(t, s.State(), Connecting)

	err = s.OnConnected(connectedFrame(stompspec.V12))
	assert.NilError(t, err)
	assert.Equal(t, s.State(), Connected)
	assert.Equal(t, s.Version(), stompspec.V12)

	_, err = s.Disconnect("")
	assert.NilError(t, err)
	assert.Equal(t, s.State(), Disconnecting)

	s.Close(true)
	assert.Equal(t, s.State(), Disconnected)
}

func TestDisconnectLeavesReceiptAbsentWhenNotRequested(t *testing.T) {
	s := New(stompspec.V12, true)
	mustConnect(t, s, stompspec.V12)

	f, err := s.Disconnect("")
	assert.NilError(t, err)
	_, ok := f.Get(stompspec.HK_RECEIPT)
	assert.Assert(t, !ok)
	assert.Assert(t, !s.PendingReceipts())
}

func TestCheckRejectsOperationsWhenNotConnected(t *testing.T) {
	s := New(stompspec.V12, true)
	_, err := s.Send("/queue/a", nil, nil, "")
	assert.Assert(t, err != nil)
}

func TestCheckFalseAllowsRawPassthrough(t *testing.T) {
	s := New(stompspec.V12, false)
	_, err := s.Send("/queue/a", nil, nil, "")
	assert.NilError(t, err)
}

func TestSubscribeUnsubscribeRegistry(t *testing.T) {
	s := New(stompspec.V12, true)
	mustConnect(t, s, stompspec.V12)

	_, tok, err := s.Subscribe("/queue/a", map[string]string{"id": "sub-1"}, "", nil)
	assert.NilError(t, err)
	assert.Equal(t, tok.Value, "sub-1")

	_, err = s.Subscribe("/queue/b", map[string]string{"id": "sub-1"}, "", nil)
	assert.Assert(t, err != nil) // duplicate token

	_, err = s.Unsubscribe(tok, "")
	assert.NilError(t, err)
}

func TestHeartBeatNegotiation(t *testing.T) {
	s := New(stompspec.V12, true)
	hb := &commands.HeartBeats{ClientMS: 1000, ServerMS: 2000}
	_, err := s.Connect("", "", nil, "h", hb)
	assert.NilError(t, err)

	f := frame.New(stompspec.V12, stompspec.CONNECTED, "version", "1.2", "heart-beat", "500,4000")
	err = s.OnConnected(f)
	assert.NilError(t, err)

	// our send period = max(our cx=1000, broker's sy=4000) = 4000
	assert.Equal(t, s.ClientHeartBeat(), 4000*time.Millisecond)
	// our receive period = max(our cy=2000, broker's sx=500) = 2000
	assert.Equal(t, s.ServerHeartBeat(), 2000*time.Millisecond)
}

func TestHeartBeatDisabledWhenEitherSideIsZero(t *testing.T) {
	s := New(stompspec.V12, true)
	hb := &commands.HeartBeats{ClientMS: 0, ServerMS: 2000}
	_, err := s.Connect("", "", nil, "h", hb)
	assert.NilError(t, err)

	f := frame.New(stompspec.V12, stompspec.CONNECTED, "version", "1.2", "heart-beat", "500,4000")
	err = s.OnConnected(f)
	assert.NilError(t, err)
	assert.Equal(t, s.ClientHeartBeat(), time.Duration(0))
}

func TestReplayClearsAndReturnsInsertionOrder(t *testing.T) {
	s := New(stompspec.V12, true)
	mustConnect(t, s, stompspec.V12)

	_, _, err := s.Subscribe("/queue/a", map[string]string{"id": "sub-1"}, "r-1", "ctx-a")
	assert.NilError(t, err)
	_, _, err = s.Subscribe("/queue/b", map[string]string{"id": "sub-2"}, "", "ctx-b")
	assert.NilError(t, err)

	entries := s.Replay()
	assert.Equal(t, len(entries), 2)
	assert.Equal(t, entries[0].Destination, "/queue/a")
	assert.Equal(t, entries[0].Receipt, "") // replay never carries the original receipt
	assert.Equal(t, entries[0].Context, "ctx-a")
	assert.Equal(t, entries[1].Destination, "/queue/b")

	// registry was cleared as a side effect
	assert.Equal(t, len(s.Replay()), 0)
}

func TestOnReceiptRemovesPending(t *testing.T) {
	s := New(stompspec.V12, true)
	mustConnect(t, s, stompspec.V12)

	_, err := s.Send("/queue/a", nil, nil, "r-1")
	assert.NilError(t, err)
	assert.Assert(t, s.PendingReceipts())

	_, err = s.OnReceipt(frame.New(stompspec.V12, stompspec.RECEIPT, "receipt-id", "r-1"))
	assert.NilError(t, err)
	assert.Assert(t, !s.PendingReceipts())
}

func TestOnReceiptUnknownIDRejectedWhenChecking(t *testing.T) {
	s := New(stompspec.V12, true)
	mustConnect(t, s, stompspec.V12)
	_, err := s.OnReceipt(frame.New(stompspec.V12, stompspec.RECEIPT, "receipt-id", "unknown"))
	assert.Assert(t, err != nil)
}

func TestOnMessageUnknownSubscriptionRejectedWhenChecking(t *testing.T) {
	s := New(stompspec.V12, true)
	mustConnect(t, s, stompspec.V12)
	_, err := s.OnMessage(frame.New(stompspec.V12, stompspec.MESSAGE, "subscription", "ghost", "message-id", "m-1"))
	assert.Assert(t, err != nil)
}

func mustConnect(t *testing.T, s *Session, v stompspec.Version) {
	t.Helper()
	_, err := s.Connect("", "", nil, "h", nil)
	assert.NilError(t, err)
	err = s.OnConnected(connectedFrame(v))
	assert.NilError(t, err)
}
