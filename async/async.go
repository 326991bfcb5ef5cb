//
// Copyright © 2011-2017 Guy M. Allard
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed, an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package async is the event-driven STOMP façade (spec §4.I): a
// protocol creator, a snapshot-dispatched listener list, in-flight
// registries for message handlers and pending receipts, and the
// graceful disconnect protocol. There is no global event loop — a
// single read-loop goroutine per connection plays the role of the
// cooperative scheduler the spec describes, and every suspension point
// (receipt wait, handler completion, connect wait) is a one-shot
// channel a caller can select on or simply drop.
package async

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/go-stomp/gostomp/client"
	"github.com/go-stomp/gostomp/commands"
	"github.com/go-stomp/gostomp/failover"
	"github.com/go-stomp/gostomp/frame"
	"github.com/go-stomp/gostomp/parser"
	"github.com/go-stomp/gostomp/session"
	"github.com/go-stomp/gostomp/stompspec"
)

// CancelledError is the reason attached to an in-flight awaitable that
// was cancelled rather than completed normally (spec §7).
type CancelledError struct{ Reason string }

func (e *CancelledError) Error() string { return "cancelled: " + e.Reason }

// AlreadyRunningError guards against a second concurrent Connect or
// Disconnect (spec §7).
type AlreadyRunningError struct{ Op string }

func (e *AlreadyRunningError) Error() string { return "already running: " + e.Op }

// Dialer opens a transport to broker, bounded by timeout. The caller
// supplies it; owning the socket is out of scope here exactly as it is
// for the synchronous client (spec §1/§6).
type Dialer func(ctx context.Context, b failover.Broker, timeout time.Duration) (client.Transport, error)

// Config configures a Client.
type Config struct {
	Login, Passcode   string
	Host              string
	VersionUpperBound stompspec.Version
	Check             bool
	HeartBeats        *commands.HeartBeats
	ConnectTimeout    time.Duration
	ConnectedTimeout  time.Duration
	ReceiptTimeout    time.Duration
	DisconnectTimeout time.Duration
	Logger            *logrus.Logger
}

// Listener is the fixed plug-in callback set (spec §4.I). Embed
// BaseListener to get no-op defaults for the callbacks you don't care
// about.
type Listener interface {
	OnConnect(c *Client)
	OnConnected(c *Client, f *frame.Frame)
	OnFrame(c *Client, f *frame.Frame)
	OnMessage(c *Client, f *frame.Frame, tok commands.Token)
	OnSend(c *Client, f *frame.Frame)
	OnSubscribe(c *Client, f *frame.Frame, tok commands.Token)
	OnUnsubscribe(c *Client, tok commands.Token)
	OnError(c *Client, f *frame.Frame)
	OnConnectionLost(c *Client, err error)
	OnDisconnect(c *Client)
	OnDisconnecting(c *Client, failure error, timeout time.Duration)
}

// BaseListener implements Listener with no-op defaults; built-ins and
// caller listeners embed it so adding a new callback to Listener never
// breaks existing implementations.
type BaseListener struct{}

func (BaseListener) OnConnect(*Client)                                 {}
func (BaseListener) OnConnected(*Client, *frame.Frame)                 {}
func (BaseListener) OnFrame(*Client, *frame.Frame)                     {}
func (BaseListener) OnMessage(*Client, *frame.Frame, commands.Token)   {}
func (BaseListener) OnSend(*Client, *frame.Frame)                      {}
func (BaseListener) OnSubscribe(*Client, *frame.Frame, commands.Token) {}
func (BaseListener) OnUnsubscribe(*Client, commands.Token)             {}
func (BaseListener) OnError(*Client, *frame.Frame)                     {}
func (BaseListener) OnConnectionLost(*Client, error)                   {}
func (BaseListener) OnDisconnect(*Client)                              {}
func (BaseListener) OnDisconnecting(*Client, error, time.Duration)     {}

// pendingReceipt is one outstanding RECEIPT wait.
type pendingReceipt struct{ done chan error }

// inFlightHandler tracks one running MESSAGE handler so graceful
// disconnect can wait on (or cancel) it.
type inFlightHandler struct {
	cancel context.CancelFunc
}

// Client is the event-driven STOMP façade. The zero value is not
// usable; construct with New.
type Client struct {
	conf  Config
	dial  Dialer
	iter  *failover.Iterator
	log   *logrus.Logger

	mu          sync.Mutex
	tr          client.Transport
	sess        *session.Session
	listeners   []Listener
	connecting  bool
	disconnectg bool
	reason      error
	eg          *errgroup.Group
	egCancel    context.CancelFunc
	receipts    map[string]*pendingReceipt
	inFlight    map[string]*inFlightHandler

	subByToken subscriptionIndex

	readDone   chan struct{}
	disconnect chan error // completed exactly once per connection lifetime
	once       sync.Once
}

// New builds a Client that dials through d using brokers/policy from
// iter. Listeners are added with AddListener before Connect.
func New(conf Config, d Dialer, iter *failover.Iterator) *Client {
	if conf.VersionUpperBound == "" {
		conf.VersionUpperBound = stompspec.V12
	}
	log := conf.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		conf:     conf,
		dial:     d,
		iter:     iter,
		log:      log,
		receipts: make(map[string]*pendingReceipt),
		inFlight: make(map[string]*inFlightHandler),
	}
}

// AddListener appends l to the dispatch list. Dispatch always iterates
// a snapshot taken at call time, so adding/removing concurrently with
// an in-progress broadcast is safe (spec §5).
func (c *Client) AddListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// RemoveListener removes the first occurrence of l.
func (c *Client) RemoveListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, x := range c.listeners {
		if x == l {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			return
		}
	}
}

func (c *Client) snapshot() []Listener {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Listener, len(c.listeners))
	copy(out, c.listeners)
	return out
}

// Session exposes the underlying protocol state machine, mainly for
// listeners that need Version()/State().
func (c *Client) Session() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// Connect dials the next broker from the failover iterator, performs
// the STOMP handshake, and starts the read loop. It returns once
// CONNECTED is negotiated (or the failover iterator is exhausted). After
// a later connection loss the Client does not dial again by itself; a
// reconnect is another call to Connect.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connecting {
		c.mu.Unlock()
		return &AlreadyRunningError{Op: "connect"}
	}
	c.connecting = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
	}()

	for {
		broker, delay, err := c.iter.Next()
		if err != nil {
			return err
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		tr, err := c.dial(ctx, broker, c.conf.ConnectTimeout)
		if err != nil {
			c.log.WithError(err).WithField("broker", broker.String()).Warn("stomp: connect attempt failed")
			continue
		}

		if err := c.attachAndHandshake(ctx, tr); err != nil {
			tr.Close()
			c.log.WithError(err).WithField("broker", broker.String()).Warn("stomp: handshake failed")
			continue
		}

		c.iter.Succeeded()
		return nil
	}
}

func (c *Client) attachAndHandshake(ctx context.Context, tr client.Transport) error {
	sess := session.New(c.conf.VersionUpperBound, c.conf.Check)

	c.mu.Lock()
	c.tr = tr
	c.sess = sess
	c.receipts = make(map[string]*pendingReceipt)
	c.inFlight = make(map[string]*inFlightHandler)
	c.disconnectg = false
	c.reason = nil
	egCtx, cancel := context.WithCancel(ctx)
	eg, egCtx := errgroup.WithContext(egCtx)
	c.eg = eg
	c.egCancel = cancel
	c.disconnect = make(chan error, 1)
	c.once = sync.Once{}
	c.readDone = make(chan struct{})
	c.mu.Unlock()

	f, err := sess.Connect(c.conf.Login, c.conf.Passcode, nil, c.conf.Host, c.conf.HeartBeats)
	if err != nil {
		return err
	}
	if err := c.writeFrame(f); err != nil {
		return err
	}
	c.broadcast(func(l Listener) { l.OnConnect(c) })

	connected := make(chan error, 1)
	go c.readLoop(tr, sess, connected, egCtx)

	deadline := c.conf.ConnectedTimeout
	var timer <-chan time.Time
	if deadline > 0 {
		t := time.NewTimer(deadline)
		defer t.Stop()
		timer = t.C
	}
	select {
	case err := <-connected:
		return err
	case <-timer:
		return errors.New("stomp: timed out waiting for CONNECTED")
	case <-egCtx.Done():
		return egCtx.Err()
	}
}

// readLoop is the connection's private scheduler thread: it owns the
// socket and the parser, decodes frames, and dispatches every one of
// them to the listener snapshot before looping for the next.
func (c *Client) readLoop(tr client.Transport, sess *session.Session, connected chan<- error, egCtx context.Context) {
	defer close(c.readDone)

	p := parser.New(c.conf.VersionUpperBound)
	connectedSignalled := false
	buf := make([]byte, 4096)

	for {
		if err := tr.SetReadDeadline(time.Time{}); err != nil {
			c.finishConnection(err, connectedSignalled, connected)
			return
		}
		n, err := tr.Read(buf)
		if n > 0 {
			items, perr := p.Push(buf[:n])
			for _, item := range items {
				sess.Received(time.Now())
				f, ok := item.(*frame.Frame)
				if !ok {
					continue // heart-beat: bookkeeping above, nothing to dispatch
				}
				c.broadcast(func(l Listener) { l.OnFrame(c, f) })

				switch f.Command {
				case stompspec.CONNECTED:
					nerr := sess.OnConnected(f)
					if nerr == nil {
						nerr = p.SetVersion(sess.Version())
					}
					if nerr == nil {
						c.broadcast(func(l Listener) { l.OnConnected(c, f) })
						c.replaySubscriptions()
					}
					if !connectedSignalled {
						connectedSignalled = true
						connected <- nerr
					}
				case stompspec.MESSAGE:
					tok, merr := sess.OnMessage(f)
					if merr != nil {
						c.log.WithError(merr).Warn("stomp: dropping MESSAGE for unknown subscription")
						continue
					}
					c.dispatchMessage(egCtx, f, tok)
				case stompspec.RECEIPT:
					id, rerr := sess.OnReceipt(f)
					if rerr == nil {
						c.completeReceipt(id, nil)
					}
				case stompspec.ERROR:
					_ = sess.OnError(f)
					c.broadcast(func(l Listener) { l.OnError(c, f) })
				}
			}
			if perr != nil {
				c.finishConnection(perr, connectedSignalled, connected)
				return
			}
			continue
		}
		if err != nil {
			c.finishConnection(err, connectedSignalled, connected)
			return
		}
	}
}

func (c *Client) finishConnection(err error, connectedSignalled bool, connected chan<- error) {
	if !connectedSignalled {
		connected <- err
	}
	c.onConnectionLost(err)
}

// dispatchMessage routes a MESSAGE to the SubscriptionListener that
// owns its token (stored as the subEntry's context at Subscribe time)
// and runs the handler in its own cancellable goroutine, fanned out
// through the connection's errgroup so a graceful disconnect can drain
// them (spec §4.I "in-flight registry"). While a graceful disconnect is
// in progress, every MESSAGE is auto-NACKed and never reaches a handler
// (spec §4.I: "incoming MESSAGE frames are auto-NACKed and not
// dispatched" while the disconnecting flag is set).
func (c *Client) dispatchMessage(egCtx context.Context, f *frame.Frame, tok commands.Token) {
	c.broadcast(func(l Listener) { l.OnMessage(c, f, tok) })

	c.mu.Lock()
	disconnecting := c.disconnectg
	sess := c.sess
	c.mu.Unlock()
	if disconnecting {
		// Session is already DISCONNECTING by this point, so build the
		// NACK directly rather than through sess.Nack (which would reject
		// it as illegal outside CONNECTED).
		if sess != nil {
			if nf, err := commands.Nack(sess.Version(), f, "", ""); err == nil {
				if err := c.writeFrame(nf); err != nil {
					c.log.WithError(err).Warn("stomp: auto-NACK while disconnecting failed")
				}
			}
		}
		return
	}

	sl := c.subscriptionListenerFor(tok)
	if sl == nil {
		return
	}

	id := uuid.NewString()
	hctx, cancel := context.WithCancel(egCtx)
	c.mu.Lock()
	c.inFlight[id] = &inFlightHandler{cancel: cancel}
	eg := c.eg
	c.mu.Unlock()

	eg.Go(func() error {
		defer func() {
			cancel()
			c.mu.Lock()
			delete(c.inFlight, id)
			c.mu.Unlock()
		}()
		sl.handle(hctx, c, f)
		return nil
	})
}

func (c *Client) subscriptionListenerFor(tok commands.Token) *SubscriptionListener {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil
	}
	return c.subByToken[tok]
}

func (c *Client) broadcast(f func(Listener)) {
	for _, l := range c.snapshot() {
		f(l)
	}
}

// replaySubscriptions re-issues every subscription the session was
// carrying across the reconnect (SPEC_FULL.md Supplemented Feature #6:
// replays never carry their original receipt).
func (c *Client) replaySubscriptions() {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return
	}
	for _, e := range sess.Replay() {
		sl, _ := e.Context.(*SubscriptionListener)
		if _, err := c.subscribeWithListener(e.Destination, e.Headers, sl); err != nil {
			c.log.WithError(err).Warn("stomp: subscription replay failed")
		}
	}
}

func (c *Client) registerReceipt(id string) <-chan error {
	ch := make(chan error, 1)
	if id == "" {
		ch <- nil
		return ch
	}
	c.mu.Lock()
	c.receipts[id] = &pendingReceipt{done: ch}
	c.mu.Unlock()
	return ch
}

func (c *Client) completeReceipt(id string, err error) {
	c.mu.Lock()
	p, ok := c.receipts[id]
	if ok {
		delete(c.receipts, id)
	}
	c.mu.Unlock()
	if ok {
		p.done <- err
	}
}

// WaitReceipt blocks (bounded by ctx) for the RECEIPT matching id, or
// for an explicit cancellation.
func (c *Client) WaitReceipt(ctx context.Context, id string) error {
	ch := c.registerReceipt(id)
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		c.completeReceipt(id, &CancelledError{Reason: "receipt wait: " + ctx.Err().Error()})
		return ctx.Err()
	}
}

func (c *Client) writeFrame(f *frame.Frame) error {
	b, err := frame.Serialize(f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	tr, sess := c.tr, c.sess
	c.mu.Unlock()
	if _, err := tr.Write(b); err != nil {
		return err
	}
	sess.Sent(time.Now())
	c.broadcast(func(l Listener) { l.OnSend(c, f) })
	return nil
}

// writeRaw writes pre-serialized bytes (used for bare heart-beat lines,
// which have no frame.Frame to go through writeFrame).
func (c *Client) writeRaw(b []byte) (int, error) {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	return tr.Write(b)
}

// Send emits a SEND frame.
func (c *Client) Send(destination string, body []byte, headers map[string]string, receipt string) error {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	f, err := sess.Send(destination, body, headers, receipt)
	if err != nil {
		return err
	}
	return c.writeFrame(f)
}

// subByToken stores the listener each live subscription dispatches to.
// It is declared out-of-line so subscribeWithListener can both populate
// it and hand the listener to Session as the subEntry context.
type subscriptionIndex = map[commands.Token]*SubscriptionListener

func (c *Client) subscribeWithListener(destination string, headers map[string]string, sl *SubscriptionListener) (commands.Token, error) {
	if headers == nil {
		headers = map[string]string{}
	}
	if sl != nil {
		if _, ok := headers[stompspec.HK_ACK]; !ok {
			mode := "client-individual"
			if !sl.Ack {
				mode = "auto"
			}
			headers[stompspec.HK_ACK] = mode
		}
	}
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	f, tok, err := sess.Subscribe(destination, headers, "", sl)
	if err != nil {
		return commands.Token{}, err
	}
	if err := c.writeFrame(f); err != nil {
		return commands.Token{}, err
	}
	c.mu.Lock()
	if c.subByToken == nil {
		c.subByToken = make(subscriptionIndex)
	}
	if sl != nil {
		c.subByToken[tok] = sl
		sl.tok = tok
	}
	c.mu.Unlock()
	c.broadcast(func(l Listener) { l.OnSubscribe(c, f, tok) })
	return tok, nil
}

// Subscribe registers sl as the handler for destination and sends
// SUBSCRIBE.
func (c *Client) Subscribe(destination string, headers map[string]string, sl *SubscriptionListener) (commands.Token, error) {
	return c.subscribeWithListener(destination, headers, sl)
}

// Unsubscribe sends UNSUBSCRIBE for tok.
func (c *Client) Unsubscribe(tok commands.Token, receipt string) error {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	f, err := sess.Unsubscribe(tok, receipt)
	if err != nil {
		return err
	}
	if err := c.writeFrame(f); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.subByToken, tok)
	c.mu.Unlock()
	c.broadcast(func(l Listener) { l.OnUnsubscribe(c, tok) })
	return nil
}

// Ack sends ACK for msg.
func (c *Client) Ack(msg *frame.Frame, transaction, receipt string) error {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	f, err := sess.Ack(msg, transaction, receipt)
	if err != nil {
		return err
	}
	return c.writeFrame(f)
}

// Nack sends NACK for msg.
func (c *Client) Nack(msg *frame.Frame, transaction, receipt string) error {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	f, err := sess.Nack(msg, transaction, receipt)
	if err != nil {
		return err
	}
	return c.writeFrame(f)
}

// onConnectionLost runs once the read loop observes the socket drop,
// for any reason, expected or not: it finishes the DisconnectListener's
// bookkeeping and completes the `disconnected` one-shot.
func (c *Client) onConnectionLost(err error) {
	c.mu.Lock()
	wasDisconnecting := c.disconnectg
	if c.reason == nil {
		if wasDisconnecting {
			c.reason = nil
		} else {
			c.reason = errors.New("Unexpected connection loss")
		}
	}
	reason := c.reason
	sess := c.sess
	if c.egCancel != nil {
		c.egCancel() // stop any in-flight handlers from this connection
	}
	c.mu.Unlock()

	if sess != nil {
		sess.Close(wasDisconnecting) // flush subscriptions only on a clean, caller-initiated disconnect
	}
	c.broadcast(func(l Listener) { l.OnConnectionLost(c, err) })
	c.broadcast(func(l Listener) { l.OnDisconnect(c) })

	c.once.Do(func() {
		c.mu.Lock()
		ch := c.disconnect
		c.mu.Unlock()
		if ch != nil {
			ch <- reason
		}
	})
}

// Disconnect runs the graceful disconnect protocol (spec §4.I):
// broadcast on_disconnecting, drain in-flight handlers (bounded by
// timeout), send DISCONNECT with a receipt (a generated one when receipt
// is empty) and wait for its RECEIPT, then close the transport and wait
// for `disconnected` to complete.
func (c *Client) Disconnect(ctx context.Context, receipt string, failure error, timeout time.Duration) error {
	c.mu.Lock()
	if c.disconnectg {
		c.mu.Unlock()
		return &AlreadyRunningError{Op: "disconnect"}
	}
	c.disconnectg = true
	if failure != nil && c.reason == nil {
		c.reason = failure
	}
	sess := c.sess
	tr := c.tr
	eg := c.eg
	waitCh := c.disconnect
	c.mu.Unlock()

	c.broadcast(func(l Listener) { l.OnDisconnecting(c, failure, timeout) })

	if eg != nil {
		drained := make(chan struct{})
		go func() { eg.Wait(); close(drained) }()
		if timeout <= 0 {
			<-drained
		} else {
			select {
			case <-drained:
			case <-time.After(timeout):
				c.mu.Lock()
				if c.reason == nil {
					c.reason = errors.New("timed out draining in-flight handlers")
				}
				c.mu.Unlock()
			}
		}
	}

	if sess != nil && sess.State() == session.Connected {
		if receipt == "" {
			receipt = uuid.NewString()
		}
		f, err := sess.Disconnect(receipt)
		if err == nil {
			if werr := c.writeFrame(f); werr == nil {
				rctx := ctx
				if c.conf.ReceiptTimeout > 0 {
					var cancel context.CancelFunc
					rctx, cancel = context.WithTimeout(ctx, c.conf.ReceiptTimeout)
					defer cancel()
				}
				if rerr := c.WaitReceipt(rctx, receipt); rerr != nil {
					c.mu.Lock()
					if c.reason == nil {
						c.reason = rerr
					}
					c.mu.Unlock()
				}
			}
		}
	}

	if tr != nil {
		tr.Close()
	}
	if waitCh != nil {
		select {
		case <-waitCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return c.reason
}
