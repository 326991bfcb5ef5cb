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

// Package client is the blocking, synchronous STOMP façade (spec §4.H):
// a thin wrapper over a caller-supplied transport, a parser and a
// session.Session, exposing connect/send/subscribe/.../receiveFrame and
// a scoped Transaction helper.
package client

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/go-stomp/gostomp/commands"
	"github.com/go-stomp/gostomp/frame"
	"github.com/go-stomp/gostomp/parser"
	"github.com/go-stomp/gostomp/session"
	"github.com/go-stomp/gostomp/stompspec"
)

// ConnectionError is the transport-layer error kind (spec §7).
type ConnectionError struct{ cause error }

func (e *ConnectionError) Error() string { return e.cause.Error() }
func (e *ConnectionError) Unwrap() error { return e.cause }

// Config configures a Client (spec §6). The caller supplies the
// transport itself — owning the socket is explicitly out of scope
// (spec §1).
type Config struct {
	Login             string
	Passcode          string
	VersionUpperBound stompspec.Version
	Check             bool // session structural validation
	HeartBeats        *commands.HeartBeats
	Host              string
	ConnectTimeout    time.Duration
	ConnectedTimeout  time.Duration
	ReceiptTimeout    time.Duration
	Logger            *logrus.Logger
}

// Transport is the narrow byte-stream interface the Client needs. A
// *net.TCPConn, a *tls.Conn, or anything else implementing
// io.ReadWriteCloser with deadlines satisfies it.
type Transport interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

// Client is the blocking STOMP façade.
type Client struct {
	mu      sync.Mutex
	conf    Config
	tr      Transport
	parser  *parser.Parser
	session *session.Session
	log     *logrus.Logger

	readBuf []byte
	pending []interface{} // frames/heart-beats already decoded, not yet delivered
}

// New wraps an already-connected Transport. Dialing the Transport itself
// is the caller's responsibility (spec §1: the socket is an external
// collaborator).
func New(tr Transport, conf Config) *Client {
	if conf.VersionUpperBound == "" {
		conf.VersionUpperBound = stompspec.V12
	}
	log := conf.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		conf:    conf,
		tr:      tr,
		parser:  parser.New(conf.VersionUpperBound),
		session: session.New(conf.VersionUpperBound, conf.Check),
		log:     log,
		readBuf: make([]byte, 4096),
	}
}

// Connect sends CONNECT and blocks for CONNECTED (bounded by
// conf.ConnectedTimeout, if set).
func (c *Client) Connect() error {
	c.mu.Lock()
	f, err := c.session.Connect(c.conf.Login, c.conf.Passcode, nil, c.conf.Host, c.conf.HeartBeats)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if err := c.writeFrame(f); err != nil {
		return err
	}

	deadline := time.Time{}
	if c.conf.ConnectedTimeout > 0 {
		deadline = time.Now().Add(c.conf.ConnectedTimeout)
	}
	for {
		got, err := c.ReceiveFrame(deadline)
		if err != nil {
			return err
		}
		if got == nil {
			continue // heart-beat before CONNECTED
		}
		if got.Command == stompspec.ERROR {
			return errors.Errorf("stomp: broker returned ERROR on CONNECT: %s", frame.Info(got))
		}
		c.mu.Lock()
		err = c.session.OnConnected(got)
		negotiated := c.session.Version()
		c.mu.Unlock()
		if err != nil {
			return err
		}
		if err := c.parser.SetVersion(negotiated); err != nil {
			return err
		}
		return nil
	}
}

// Disconnect sends DISCONNECT.
func (c *Client) Disconnect(receipt string) error {
	c.mu.Lock()
	f, err := c.session.Disconnect(receipt)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.writeFrame(f)
}

// Close tears down the local state (not the socket — callers close
// Transport themselves once Close returns, matching stompest's
// separation between "flush session" and "close transport").
func (c *Client) Close(flush bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session.Close(flush)
}

// Send sends a SEND frame.
func (c *Client) Send(destination string, body []byte, headers map[string]string, receipt string) error {
	c.mu.Lock()
	f, err := c.session.Send(destination, body, headers, receipt)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.writeFrame(f)
}

// Subscribe sends SUBSCRIBE and returns the Token to later Unsubscribe.
func (c *Client) Subscribe(destination string, headers map[string]string, receipt string) (commands.Token, error) {
	c.mu.Lock()
	f, tok, err := c.session.Subscribe(destination, headers, receipt, nil)
	c.mu.Unlock()
	if err != nil {
		return commands.Token{}, err
	}
	if err := c.writeFrame(f); err != nil {
		return commands.Token{}, err
	}
	return tok, nil
}

// Unsubscribe sends UNSUBSCRIBE for tok.
func (c *Client) Unsubscribe(tok commands.Token, receipt string) error {
	c.mu.Lock()
	f, err := c.session.Unsubscribe(tok, receipt)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.writeFrame(f)
}

// Ack sends ACK for msg.
func (c *Client) Ack(msg *frame.Frame, transaction string, receipt string) error {
	c.mu.Lock()
	f, err := c.session.Ack(msg, transaction, receipt)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.writeFrame(f)
}

// Nack sends NACK for msg.
func (c *Client) Nack(msg *frame.Frame, transaction string, receipt string) error {
	c.mu.Lock()
	f, err := c.session.Nack(msg, transaction, receipt)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.writeFrame(f)
}

// Transaction is a scoped acquisition: BEGIN on entry, COMMIT on Done(nil),
// ABORT on Done(non-nil) (spec §4.H).
type Transaction struct {
	c  *Client
	id string
}

// Transaction begins a transaction and returns a handle whose Done
// method commits or aborts it.
func (c *Client) Transaction(id string, receipt string) (*Transaction, error) {
	c.mu.Lock()
	f, err := c.session.Begin(id, receipt)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := c.writeFrame(f); err != nil {
		return nil, err
	}
	return &Transaction{c: c, id: id}, nil
}

// Done commits the transaction if cause is nil, else aborts it — the Go
// equivalent of "BEGIN on enter, COMMIT on normal exit, ABORT on
// abnormal exit" (spec §4.H): call it from a deferred func capturing the
// enclosing function's named error return.
func (t *Transaction) Done(cause error) error {
	if cause != nil {
		t.c.mu.Lock()
		f, err := t.c.session.Abort(t.id, "")
		t.c.mu.Unlock()
		if err != nil {
			return err
		}
		return t.c.writeFrame(f)
	}
	t.c.mu.Lock()
	f, err := t.c.session.Commit(t.id, "")
	t.c.mu.Unlock()
	if err != nil {
		return err
	}
	return t.c.writeFrame(f)
}

// CanRead polls the transport and the parser's already-buffered bytes
// for an available frame, bounded by timeout. It is the only operation
// that yields CPU via a read-deadline poll; on an interrupted system
// call it retries with the remaining timeout (spec §5).
func (c *Client) CanRead(timeout time.Duration) (bool, error) {
	c.mu.Lock()
	buffered := len(c.pending) > 0
	c.mu.Unlock()
	if buffered {
		return true, nil
	}
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		if err := c.tr.SetReadDeadline(time.Now().Add(remaining)); err != nil {
			return false, &ConnectionError{cause: err}
		}
		n, err := c.tr.Read(c.readBuf)
		if n > 0 {
			c.mu.Lock()
			items, perr := c.parser.Push(c.readBuf[:n])
			if len(items) > 0 {
				c.pending = append(c.pending, items...)
			}
			c.mu.Unlock()
			if perr != nil {
				return false, perr
			}
			if len(items) > 0 {
				return true, nil
			}
			continue
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return false, nil
			}
			if isEINTR(err) {
				continue // retry with the remaining timeout, per spec §5
			}
			return false, &ConnectionError{cause: err}
		}
	}
}

// ReceiveFrame blocks until one frame is parsed or the connection drops.
// deadline is the zero Time to wait indefinitely. Returns (nil, nil) for
// a heart-beat (no application frame was produced).
func (c *Client) ReceiveFrame(deadline time.Time) (*frame.Frame, error) {
	for {
		c.mu.Lock()
		if len(c.pending) > 0 {
			item := c.pending[0]
			c.pending = c.pending[1:]
			c.mu.Unlock()
			if f, ok := item.(*frame.Frame); ok {
				c.session.Received(time.Now())
				return f, nil
			}
			c.session.Received(time.Now())
			return nil, nil // heart-beat
		}
		c.mu.Unlock()

		var timeout time.Duration
		if deadline.IsZero() {
			timeout = 24 * time.Hour
		} else {
			timeout = time.Until(deadline)
			if timeout <= 0 {
				return nil, &ConnectionError{cause: errors.New("stomp: timed out waiting for frame")}
			}
		}
		if err := c.tr.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, &ConnectionError{cause: err}
		}
		n, err := c.tr.Read(c.readBuf)
		if n > 0 {
			c.mu.Lock()
			items, perr := c.parser.Push(c.readBuf[:n])
			if len(items) > 0 {
				c.pending = append(c.pending, items...)
			}
			c.mu.Unlock()
			if perr != nil {
				return nil, perr
			}
			continue // deliver via the c.pending branch above, if anything arrived
		}
		if err != nil {
			if isEINTR(err) {
				continue
			}
			if err == io.EOF {
				return nil, &ConnectionError{cause: io.ErrUnexpectedEOF}
			}
			return nil, &ConnectionError{cause: err}
		}
	}
}

func (c *Client) writeFrame(f *frame.Frame) error {
	b, err := frame.Serialize(f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	_, err = c.tr.Write(b)
	if err == nil {
		c.session.Sent(time.Now())
	}
	c.mu.Unlock()
	if err != nil {
		return &ConnectionError{cause: err}
	}
	return nil
}

func isEINTR(err error) bool {
	type temporary interface{ Temporary() bool }
	if t, ok := err.(temporary); ok {
		return t.Temporary()
	}
	return false
}
