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

package async

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/go-stomp/gostomp/commands"
	"github.com/go-stomp/gostomp/frame"
)

func errFrame(f *frame.Frame) error { return errors.New(frame.Info(f)) }

// ConnectListener arms a one-shot on OnConnect, completes it on
// OnConnected (success) or OnError/OnConnectionLost (failure), per
// spec §4.I. Wait blocks the caller until one of those fires.
type ConnectListener struct {
	BaseListener
	ConnectedTimeout time.Duration

	done chan error
}

// NewConnectListener returns a listener whose Wait resolves once the
// handshake in progress when it was added finishes.
func NewConnectListener(connectedTimeout time.Duration) *ConnectListener {
	return &ConnectListener{ConnectedTimeout: connectedTimeout, done: make(chan error, 1)}
}

func (l *ConnectListener) OnConnect(c *Client) {
	if l.done == nil {
		l.done = make(chan error, 1)
	}
}

func (l *ConnectListener) OnConnected(c *Client, f *frame.Frame) {
	select {
	case l.done <- nil:
	default:
	}
}

func (l *ConnectListener) OnError(c *Client, f *frame.Frame) {
	select {
	case l.done <- frameError(c, f):
	default:
	}
}

func (l *ConnectListener) OnConnectionLost(c *Client, err error) {
	select {
	case l.done <- err:
	default:
	}
}

// Wait blocks (bounded by ctx) for the outcome of the connect this
// listener was armed for.
func (l *ConnectListener) Wait(ctx context.Context) error {
	select {
	case err := <-l.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ErrorListener requests a disconnect with a ProtocolError the moment
// any ERROR frame arrives (spec §4.I).
type ErrorListener struct {
	BaseListener
	DisconnectTimeout time.Duration
}

func (l *ErrorListener) OnError(c *Client, f *frame.Frame) {
	go c.Disconnect(context.Background(), "", frameError(c, f), l.DisconnectTimeout)
}

// frameError turns an inbound ERROR frame into a non-nil error: the
// commands.Error shape check's ProtocolError if the frame fails it under
// the session's negotiated version, otherwise a description of the frame
// (also used when no session is attached).
func frameError(c *Client, f *frame.Frame) error {
	sess := c.Session()
	if sess == nil {
		return errFrame(f)
	}
	if err := commands.Error(f, sess.Version()); err != nil {
		return err
	}
	return errFrame(f)
}

// DisconnectListener logs the disconnecting/connection-lost events the
// client itself also acts on; kept as a separate listener (rather than
// folded into Client) so callers can observe the same events stompest's
// DisconnectListener exposes (spec §4.I). The auto-NACK-and-drop of
// inbound MESSAGE frames while disconnecting is enforced centrally by
// Client.dispatchMessage, not here — every MESSAGE passes through that
// one dispatch point regardless of which SubscriptionListener owns it.
type DisconnectListener struct {
	BaseListener
	Log *logrus.Logger
}

func (l *DisconnectListener) OnDisconnecting(c *Client, failure error, timeout time.Duration) {
	if l.Log != nil {
		l.Log.WithField("failure", failure).Debug("stomp: disconnecting")
	}
}

func (l *DisconnectListener) OnConnectionLost(c *Client, err error) {
	if l.Log != nil {
		l.Log.WithError(err).Debug("stomp: connection lost")
	}
}

// HeartBeatListener watches the negotiated heart-beat periods and
// sends beats / requests a disconnect on server silence (spec §4.I).
// OnConnected starts its scheduling goroutine; the goroutine exits when
// the Client's session changes or after it requests a disconnect.
type HeartBeatListener struct {
	BaseListener
	ClientThreshold float64 // fraction of the negotiated client period before we send a beat
	ServerThreshold float64 // fraction of the negotiated server period before we call it dead

	c *Client
}

// DefaultHeartBeatListener matches spec §4.I's documented thresholds
// (0.8 / 2.0).
func DefaultHeartBeatListener() *HeartBeatListener {
	return &HeartBeatListener{ClientThreshold: 0.8, ServerThreshold: 2.0}
}

func (l *HeartBeatListener) OnConnected(c *Client, f *frame.Frame) {
	l.c = c
	go l.run(f)
}

func (l *HeartBeatListener) run(connected *frame.Frame) {
	sess := l.c.Session()
	if sess == nil {
		return
	}
	clientPeriod := sess.ClientHeartBeat()
	serverPeriod := sess.ServerHeartBeat()
	if clientPeriod == 0 && serverPeriod == 0 {
		return
	}

	tick := 100 * time.Millisecond
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for range ticker.C {
		if l.c.Session() != sess {
			return // reconnected; a fresh HeartBeatListener.OnConnected will fire
		}
		now := time.Now()
		if clientPeriod > 0 {
			if now.Sub(sess.LastSent()) > time.Duration(l.ClientThreshold*float64(clientPeriod)) {
				if b, err := commands.Beat(sess.Version()); err == nil {
					if _, err := l.c.writeRaw(b); err == nil {
						sess.Sent(now)
					}
				}
			}
		}
		if serverPeriod > 0 {
			if now.Sub(sess.LastReceived()) > time.Duration(l.ServerThreshold*float64(serverPeriod)) {
				go l.c.Disconnect(context.Background(), "", &ServerHeartBeatTimeout{}, 0)
				return
			}
		}
	}
}

// ServerHeartBeatTimeout is the ConnectionError raised when the broker
// goes silent past its negotiated heart-beat period.
type ServerHeartBeatTimeout struct{}

func (e *ServerHeartBeatTimeout) Error() string { return "Server heart-beat timeout" }

// SubscriptionListener routes MESSAGE frames belonging to one
// subscription to Handler, forcing client-individual acking unless the
// caller overrides it, and handles per-message failures (spec §4.I).
type SubscriptionListener struct {
	BaseListener

	Handler          func(ctx context.Context, c *Client, f *frame.Frame) error
	Ack              bool // true requests client(-individual) ack management
	ErrorDestination string
	OnMessageFailed  func(c *Client, f *frame.Frame, err error)

	tok commands.Token
}

// NewSubscriptionListener builds a listener that ACKs successfully
// handled messages (ack=true) unless overridden.
func NewSubscriptionListener(handler func(ctx context.Context, c *Client, f *frame.Frame) error) *SubscriptionListener {
	return &SubscriptionListener{Handler: handler, Ack: true}
}

// handle runs the registered handler for one MESSAGE. On success it acks
// (if Ack); on failure it calls OnMessageFailed if set, otherwise it
// forwards to ErrorDestination (if set) and acks (if Ack). It never nacks.
func (sl *SubscriptionListener) handle(ctx context.Context, c *Client, f *frame.Frame) {
	var err error
	if sl.Handler != nil {
		err = sl.Handler(ctx, c, f)
	}
	if err != nil {
		if sl.OnMessageFailed != nil {
			sl.OnMessageFailed(c, f, err)
			return
		}
		if sl.ErrorDestination != "" {
			headers := filteredCopy(f)
			_ = c.Send(sl.ErrorDestination, f.Body, headers, "")
		}
		if sl.Ack {
			_ = c.Ack(f, "", "")
		}
		return
	}
	if sl.Ack {
		_ = c.Ack(f, "", "")
	}
}

// filteredCopy strips the destination/message-id/subscription/ack headers
// before forwarding a failed frame's body to an error destination.
func filteredCopy(f *frame.Frame) map[string]string {
	out := make(map[string]string, len(f.RawHeaders))
	for _, h := range f.RawHeaders {
		switch h.Name {
		case "destination", "message-id", "subscription", "ack":
			continue
		default:
			out[h.Name] = h.Value
		}
	}
	return out
}
