package async

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/go-stomp/gostomp/client"
	"github.com/go-stomp/gostomp/failover"
	"github.com/go-stomp/gostomp/frame"
	"github.com/go-stomp/gostomp/stompspec"
)

type brokerSide struct {
	conn net.Conn
	r    *bufio.Reader
}

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

func extractHeader(t *testing.T, raw, key string) string {
	t.Helper()
	for _, line := range strings.Split(raw, "\n") {
		if strings.HasPrefix(line, key+":") {
			return strings.TrimPrefix(line, key+":")
		}
	}
	t.Fatalf("header %q not found in %q", key, raw)
	return ""
}

func newTestClient(t *testing.T) (*Client, *brokerSide, func()) {
	t.Helper()
	clientConn, brokerConn := net.Pipe()
	b := &brokerSide{conn: brokerConn, r: bufio.NewReader(brokerConn)}

	d, err := failover.ParseURI("tcp://broker:0")
	assert.NilError(t, err)
	iter := failover.NewIterator(d, 1)

	dialer := func(ctx context.Context, broker failover.Broker, timeout time.Duration) (client.Transport, error) {
		return clientConn, nil
	}

	c := New(Config{
		Host:              "localhost",
		VersionUpperBound: stompspec.V12,
		Check:             true,
		ConnectedTimeout:  2 * time.Second,
	}, dialer, iter)

	return c, b, func() { clientConn.Close(); brokerConn.Close() }
}

func connectTestClient(t *testing.T) (*Client, *brokerSide, func()) {
	t.Helper()
	c, b, cleanup := newTestClient(t)

	connDone := make(chan error, 1)
	go func() { connDone <- c.Connect(context.Background()) }()

	b.readFrame(t) // CONNECT
	b.send(t, "CONNECTED\nversion:1.2\n\n\x00")

	assert.NilError(t, <-connDone)
	return c, b, cleanup
}

type recordingListener struct {
	BaseListener
	mu        sync.Mutex
	connect   int
	connected int
	frames    int
	lost      int
}

func (l *recordingListener) OnConnect(c *Client) {
	l.mu.Lock()
	l.connect++
	l.mu.Unlock()
}

func (l *recordingListener) OnConnected(c *Client, f *frame.Frame) {
	l.mu.Lock()
	l.connected++
	l.mu.Unlock()
}

func (l *recordingListener) OnFrame(c *Client, f *frame.Frame) {
	l.mu.Lock()
	l.frames++
	l.mu.Unlock()
}

func (l *recordingListener) OnConnectionLost(c *Client, err error) {
	l.mu.Lock()
	l.lost++
	l.mu.Unlock()
}

func TestConnectBroadcastsListeners(t *testing.T) {
	c, b, cleanup := newTestClient(t)
	defer cleanup()
	rl := &recordingListener{}
	c.AddListener(rl)

	connDone := make(chan error, 1)
	go func() { connDone <- c.Connect(context.Background()) }()

	b.readFrame(t)
	b.send(t, "CONNECTED\nversion:1.2\n\n\x00")
	assert.NilError(t, <-connDone)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.Equal(t, rl.connect, 1)
	assert.Equal(t, rl.connected, 1)
	assert.Equal(t, rl.frames, 1)
}

func TestConnectAlreadyRunning(t *testing.T) {
	c, b, cleanup := newTestClient(t)
	defer cleanup()

	go c.Connect(context.Background())
	time.Sleep(20 * time.Millisecond) // let the first call claim connecting and block on the handshake

	err := c.Connect(context.Background())
	assert.Assert(t, err != nil)
	_, ok := err.(*AlreadyRunningError)
	assert.Assert(t, ok)

	// unblock the first call so its goroutine doesn't leak past the test
	b.readFrame(t)
	b.send(t, "CONNECTED\nversion:1.2\n\n\x00")
}

func TestSubscriptionListenerAcksOnSuccess(t *testing.T) {
	c, b, cleanup := connectTestClient(t)
	defer cleanup()

	handled := make(chan struct{}, 1)
	sl := NewSubscriptionListener(func(ctx context.Context, c *Client, f *frame.Frame) error {
		handled <- struct{}{}
		return nil
	})

	subDone := make(chan string, 1)
	go func() { subDone <- b.readFrame(t) }()
	tok, err := c.Subscribe("/queue/a", map[string]string{"id": "sub-1"}, sl)
	assert.NilError(t, err)
	<-subDone
	assert.Equal(t, tok.Value, "sub-1")

	ackDone := make(chan string, 1)
	go func() { ackDone <- b.readFrame(t) }()
	b.send(t, "MESSAGE\nsubscription:sub-1\nmessage-id:m-1\ndestination:/queue/a\nack:m-1\n\nbody\x00")

	<-handled
	raw := <-ackDone
	assert.Assert(t, len(raw) > 0)
}

func TestSubscriptionListenerForwardsOnError(t *testing.T) {
	c, b, cleanup := connectTestClient(t)
	defer cleanup()

	sl := NewSubscriptionListener(func(ctx context.Context, c *Client, f *frame.Frame) error {
		return errors.New("boom")
	})
	sl.ErrorDestination = "/queue/dlq"

	subDone := make(chan string, 1)
	go func() { subDone <- b.readFrame(t) }()
	_, err := c.Subscribe("/queue/a", map[string]string{"id": "sub-1"}, sl)
	assert.NilError(t, err)
	<-subDone

	sendDone := make(chan string, 1)
	go func() { sendDone <- b.readFrame(t) }()
	b.send(t, "MESSAGE\nsubscription:sub-1\nmessage-id:m-1\ndestination:/queue/a\nack:m-1\n\nbody\x00")
	raw := <-sendDone
	assert.Assert(t, len(raw) > 0)

	ackDone := make(chan string, 1)
	go func() { ackDone <- b.readFrame(t) }()
	raw2 := <-ackDone
	assert.Assert(t, len(raw2) > 0)
}

func TestMessageAutoNackedWhileDisconnecting(t *testing.T) {
	c, b, cleanup := connectTestClient(t)
	defer cleanup()

	handled := make(chan struct{}, 1)
	sl := NewSubscriptionListener(func(ctx context.Context, c *Client, f *frame.Frame) error {
		handled <- struct{}{}
		return nil
	})

	subDone := make(chan string, 1)
	go func() { subDone <- b.readFrame(t) }()
	_, err := c.Subscribe("/queue/a", map[string]string{"id": "sub-1"}, sl)
	assert.NilError(t, err)
	<-subDone

	c.mu.Lock()
	c.disconnectg = true
	c.mu.Unlock()

	nackDone := make(chan string, 1)
	go func() { nackDone <- b.readFrame(t) }()
	b.send(t, "MESSAGE\nsubscription:sub-1\nmessage-id:m-1\ndestination:/queue/a\n\nbody\x00")

	raw := <-nackDone
	assert.Assert(t, strings.HasPrefix(raw, "NACK"))

	select {
	case <-handled:
		t.Fatal("handler ran while disconnecting; MESSAGE should have been auto-NACKed and not dispatched")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDisconnectGraceful(t *testing.T) {
	c, b, cleanup := connectTestClient(t)
	defer cleanup()

	discDone := make(chan error, 1)
	go func() { discDone <- c.Disconnect(context.Background(), "", nil, time.Second) }()

	raw := b.readFrame(t) // DISCONNECT
	receiptID := extractHeader(t, raw, stompspec.HK_RECEIPT)
	b.send(t, "RECEIPT\nreceipt-id:"+receiptID+"\n\n\x00")

	assert.NilError(t, <-discDone)
}

func TestWaitReceiptTimesOutOnCancelledContext(t *testing.T) {
	c, _, cleanup := connectTestClient(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.WaitReceipt(ctx, "never-arrives")
	assert.Assert(t, err != nil)
}

func TestConnectListenerWaitResolvesOnConnected(t *testing.T) {
	c, b, cleanup := newTestClient(t)
	defer cleanup()
	cl := NewConnectListener(time.Second)
	c.AddListener(cl)

	connDone := make(chan error, 1)
	go func() { connDone <- c.Connect(context.Background()) }()

	b.readFrame(t)
	b.send(t, "CONNECTED\nversion:1.2\n\n\x00")
	assert.NilError(t, <-connDone)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NilError(t, cl.Wait(ctx))
}

func TestDefaultHeartBeatListenerThresholds(t *testing.T) {
	hl := DefaultHeartBeatListener()
	assert.Equal(t, hl.ClientThreshold, 0.8)
	assert.Equal(t, hl.ServerThreshold, 2.0)
}

func TestFrameErrorFallsBackWithoutSession(t *testing.T) {
	c, _, cleanup := newTestClient(t)
	defer cleanup()
	f := frame.New(stompspec.V12, stompspec.ERROR, "message", "boom")
	err := frameError(c, f)
	assert.Assert(t, err != nil)
}
