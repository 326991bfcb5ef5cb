package client

import (
	"bufio"
	"net"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/go-stomp/gostomp/stompspec"
)

// brokerSide wraps the far end of a net.Pipe and gives tests a simple
// line-oriented way to read one frame and write a canned reply.
type brokerSide struct {
	conn net.Conn
	r    *bufio.Reader
}

func newPipe(t *testing.T) (*Client, *brokerSide) {
	t.Helper()
	clientConn, brokerConn := net.Pipe()
	c := New(clientConn, Config{
		Host:              "localhost",
		VersionUpperBound: stompspec.V12,
		Check:             true,
		ConnectedTimeout:  2 * time.Second,
	})
	return c, &brokerSide{conn: brokerConn, r: bufio.NewReader(brokerConn)}
}

// readFrame reads up to and including the NUL terminator.
func (b *brokerSide) readFrame(t *testing.T) string {
	t.Helper()
	s, err := b.r.ReadString('\x00')
	assert.NilError(t, err)
	return s
}

func (b *brokerSide) send(t *testing.T, raw string) {
	t.Helper()
	_, err := b.conn.Write([]byte(raw))
	assert.NilError(t, err)
}

func connectAndAccept(t *testing.T) (*Client, *brokerSide) {
	t.Helper()
	c, b := newPipe(t)
	done := make(chan error, 1)
	go func() { done <- c.Connect() }()

	got := b.readFrame(t)
	assert.Assert(t, len(got) > 0)
	b.send(t, "CONNECTED\nversion:1.2\n\n\x00")

	assert.NilError(t, <-done)
	return c, b
}

func TestConnectHandshake(t *testing.T) {
	c, _ := connectAndAccept(t)
	assert.Equal(t, c.session.Version(), stompspec.V12)
}

func TestConnectRejectsBrokerError(t *testing.T) {
	c, b := newPipe(t)
	done := make(chan error, 1)
	go func() { done <- c.Connect() }()

	b.readFrame(t)
	b.send(t, "ERROR\nmessage:bad login\n\n\x00")

	err := <-done
	assert.Assert(t, err != nil)
}

func TestSendWritesFrame(t *testing.T) {
	c, b := connectAndAccept(t)
	readDone := make(chan string, 1)
	go func() { readDone <- b.readFrame(t) }()

	err := c.Send("/queue/a", []byte("hi"), nil, "")
	assert.NilError(t, err)

	raw := <-readDone
	assert.Assert(t, len(raw) > 0)
}

func TestSubscribeReceiveMessageUnsubscribe(t *testing.T) {
	c, b := connectAndAccept(t)

	subDone := make(chan string, 1)
	go func() { subDone <- b.readFrame(t) }()
	tok, err := c.Subscribe("/queue/a", map[string]string{"id": "sub-1"}, "")
	assert.NilError(t, err)
	<-subDone
	assert.Equal(t, tok.Value, "sub-1")

	go b.send(t, "MESSAGE\nsubscription:sub-1\nmessage-id:m-1\ndestination:/queue/a\n\nbody\x00")
	f, err := c.ReceiveFrame(time.Now().Add(2 * time.Second))
	assert.NilError(t, err)
	assert.Equal(t, f.Command, stompspec.MESSAGE)
	assert.Equal(t, string(f.Body), "body")

	unsubDone := make(chan string, 1)
	go func() { unsubDone <- b.readFrame(t) }()
	err = c.Unsubscribe(tok, "")
	assert.NilError(t, err)
	<-unsubDone
}

func TestCanReadTimesOutWithNoData(t *testing.T) {
	c, _ := connectAndAccept(t)
	ok, err := c.CanRead(50 * time.Millisecond)
	assert.NilError(t, err)
	assert.Assert(t, !ok)
}

func TestCanReadTrueWhenFrameArrives(t *testing.T) {
	c, b := connectAndAccept(t)
	go b.send(t, "RECEIPT\nreceipt-id:r-1\n\n\x00")

	ok, err := c.CanRead(2 * time.Second)
	assert.NilError(t, err)
	assert.Assert(t, ok)

	f, err := c.ReceiveFrame(time.Time{})
	assert.NilError(t, err)
	assert.Equal(t, f.Command, stompspec.RECEIPT)
}

func TestReceiveFrameReturnsNilOnHeartBeat(t *testing.T) {
	c, b := connectAndAccept(t)
	go b.send(t, "\n")

	f, err := c.ReceiveFrame(time.Now().Add(2 * time.Second))
	assert.NilError(t, err)
	assert.Assert(t, f == nil)
}

func TestTransactionCommit(t *testing.T) {
	c, b := connectAndAccept(t)

	beginDone := make(chan string, 1)
	go func() { beginDone <- b.readFrame(t) }()
	tx, err := c.Transaction("tx-1", "")
	assert.NilError(t, err)
	<-beginDone

	commitDone := make(chan string, 1)
	go func() { commitDone <- b.readFrame(t) }()
	err = tx.Done(nil)
	assert.NilError(t, err)
	raw := <-commitDone
	assert.Assert(t, len(raw) > 0)
}

func TestTransactionAbortOnError(t *testing.T) {
	c, b := connectAndAccept(t)

	beginDone := make(chan string, 1)
	go func() { beginDone <- b.readFrame(t) }()
	tx, err := c.Transaction("tx-1", "")
	assert.NilError(t, err)
	<-beginDone

	abortDone := make(chan string, 1)
	go func() { abortDone <- b.readFrame(t) }()
	err = tx.Done(errOops)
	assert.NilError(t, err)
	<-abortDone
}

var errOops = &testError{"oops"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func TestDisconnectSendsFrame(t *testing.T) {
	c, b := connectAndAccept(t)
	discDone := make(chan string, 1)
	go func() { discDone <- b.readFrame(t) }()
	err := c.Disconnect("")
	assert.NilError(t, err)
	<-discDone
	c.Close(true)
}

func TestConnectionErrorUnwraps(t *testing.T) {
	c, b := newPipe(t)
	b.conn.Close()
	_, err := c.ReceiveFrame(time.Now().Add(time.Second))
	assert.Assert(t, err != nil)
	var ce *ConnectionError
	ok := false
	if e, is := err.(*ConnectionError); is {
		ce = e
		ok = true
	}
	assert.Assert(t, ok)
	assert.Assert(t, ce.Unwrap() != nil)
}
