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

// Package session implements the transport-agnostic STOMP protocol
// state machine (spec §4.G). A Session never touches a socket: it builds
// outgoing frames and validates incoming ones, and that's all.
package session

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-stomp/gostomp/commands"
	"github.com/go-stomp/gostomp/frame"
	"github.com/go-stomp/gostomp/stompspec"
)

// State is the Session's connection-phase state (spec DATA MODEL).
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Disconnecting:
		return "DISCONNECTING"
	default:
		return "UNKNOWN"
	}
}

// subEntry is one registered subscription.
type subEntry struct {
	token       commands.Token
	destination string
	headers     map[string]string
	receipt     string
	context     interface{}
}

// Session is the pure STOMP protocol state machine. check=false disables
// structural validation (raw pass-through, for bridges/tests) per
// spec §4.G's `Session(version_upper_bound, check=true)` constructor.
type Session struct {
	mu sync.Mutex

	upperBound stompspec.Version
	negotiated stompspec.Version
	state      State
	check      bool

	server    string
	sessionID string

	offered []stompspec.Version

	// ordered subscription registry, keyed by Token
	subOrder []commands.Token
	subs     map[commands.Token]*subEntry

	receipts map[string]bool
	txns     map[string]bool

	clientHBPeriod time.Duration
	serverHBPeriod time.Duration
	lastSent       time.Time
	lastReceived   time.Time

	priorFailure bool
	proposedHB   commands.HeartBeats
}

// New builds a DISCONNECTED Session bounded to upperBound.
func New(upperBound stompspec.Version, check bool) *Session {
	return &Session{
		upperBound: upperBound,
		state:      Disconnected,
		check:      check,
		subs:       make(map[commands.Token]*subEntry),
		receipts:   make(map[string]bool),
		txns:       make(map[string]bool),
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Version returns the negotiated version; zero-value until CONNECTED.
func (s *Session) Version() stompspec.Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.negotiated
}

func (s *Session) versionsUpTo(upper stompspec.Version) []stompspec.Version {
	var out []stompspec.Version
	for _, v := range stompspec.Supported {
		out = append(out, v)
		if v == upper {
			break
		}
	}
	return out
}

// Connect builds a CONNECT frame and moves CONNECTING. Legal only from
// DISCONNECTED.
func (s *Session) Connect(login, passcode string, headers map[string]string, host string, heartBeats *commands.HeartBeats) (*frame.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.check && s.state != Disconnected {
		return nil, errors.Errorf("session: connect illegal in state %s", s.state)
	}
	versions := s.versionsUpTo(s.upperBound)
	f, err := commands.Connect(versions, login, passcode, headers, host, heartBeats)
	if err != nil {
		return nil, err
	}
	s.offered = versions
	if heartBeats != nil {
		s.proposedHB = *heartBeats
	} else {
		s.proposedHB = commands.HeartBeats{}
	}
	s.state = Connecting
	return f, nil
}

// Disconnect builds a DISCONNECT frame and moves DISCONNECTING. Legal
// only from CONNECTED. If no prior failure has been recorded the
// subscription registry is cleared so a subsequent Connect does not
// inadvertently replay (spec DATA MODEL: "Session" lifecycle).
func (s *Session) Disconnect(receipt string) (*frame.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.check && s.state != Connected {
		return nil, errors.Errorf("session: disconnect illegal in state %s", s.state)
	}
	f := commands.Disconnect(s.negotiated, receipt)
	s.registerReceipt(receipt)
	s.state = Disconnecting
	if !s.priorFailure {
		s.clearSubscriptions()
	}
	return f, nil
}

// Close finalizes a torn-down connection. flush=true drops all
// subscriptions; flush=false preserves them for Replay after a
// subsequent Connect. Pending receipts and transactions are always
// cleared (SPEC_FULL.md Supplemented Features #5).
func (s *Session) Close(flush bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if flush {
		s.clearSubscriptions()
	}
	s.receipts = make(map[string]bool)
	s.txns = make(map[string]bool)
	s.state = Disconnected
}

func (s *Session) clearSubscriptions() {
	s.subOrder = nil
	s.subs = make(map[commands.Token]*subEntry)
}

func (s *Session) requireConnected() error {
	if s.check && s.state != Connected {
		return errors.Errorf("session: operation illegal in state %s", s.state)
	}
	return nil
}

// Send builds a SEND frame. Legal only when CONNECTED.
func (s *Session) Send(destination string, body []byte, headers map[string]string, receipt string) (*frame.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireConnected(); err != nil {
		return nil, err
	}
	f, err := commands.Send(s.negotiated, destination, body, headers, receipt)
	if err != nil {
		return nil, err
	}
	s.registerReceipt(receipt)
	return f, nil
}

// Subscribe builds a SUBSCRIBE frame, registers the token/context pair,
// and returns the frame plus token. Legal only when CONNECTED.
func (s *Session) Subscribe(destination string, headers map[string]string, receipt string, context interface{}) (*frame.Frame, commands.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireConnected(); err != nil {
		return nil, commands.Token{}, err
	}
	f, tok, err := commands.Subscribe(s.negotiated, destination, headers, receipt)
	if err != nil {
		return nil, commands.Token{}, err
	}
	if _, dup := s.subs[tok]; dup {
		return nil, commands.Token{}, errors.Errorf("session: duplicate subscription token %s", tok)
	}
	s.subOrder = append(s.subOrder, tok)
	s.subs[tok] = &subEntry{token: tok, destination: destination, headers: headers, receipt: receipt, context: context}
	s.registerReceipt(receipt)
	return f, tok, nil
}

// Unsubscribe builds an UNSUBSCRIBE frame for tok and removes it from
// the registry. Legal only when CONNECTED.
func (s *Session) Unsubscribe(tok commands.Token, receipt string) (*frame.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireConnected(); err != nil {
		return nil, err
	}
	f, err := commands.Unsubscribe(s.negotiated, tok, receipt)
	if err != nil {
		return nil, err
	}
	delete(s.subs, tok)
	for i, t := range s.subOrder {
		if t == tok {
			s.subOrder = append(s.subOrder[:i], s.subOrder[i+1:]...)
			break
		}
	}
	s.registerReceipt(receipt)
	return f, nil
}

// Ack builds an ACK frame. Legal only when CONNECTED.
func (s *Session) Ack(msg *frame.Frame, transaction string, receipt string) (*frame.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireConnected(); err != nil {
		return nil, err
	}
	f, err := commands.Ack(s.negotiated, msg, transaction, receipt)
	if err != nil {
		return nil, err
	}
	s.registerReceipt(receipt)
	return f, nil
}

// Nack builds a NACK frame. Legal only when CONNECTED.
func (s *Session) Nack(msg *frame.Frame, transaction string, receipt string) (*frame.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireConnected(); err != nil {
		return nil, err
	}
	f, err := commands.Nack(s.negotiated, msg, transaction, receipt)
	if err != nil {
		return nil, err
	}
	s.registerReceipt(receipt)
	return f, nil
}

// Begin builds a BEGIN frame and registers transaction as active.
func (s *Session) Begin(transaction string, receipt string) (*frame.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireConnected(); err != nil {
		return nil, err
	}
	f, err := commands.Begin(s.negotiated, transaction, receipt)
	if err != nil {
		return nil, err
	}
	s.txns[transaction] = true
	s.registerReceipt(receipt)
	return f, nil
}

// Commit builds a COMMIT frame and clears transaction.
func (s *Session) Commit(transaction string, receipt string) (*frame.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireConnected(); err != nil {
		return nil, err
	}
	f, err := commands.Commit(s.negotiated, transaction, receipt)
	if err != nil {
		return nil, err
	}
	delete(s.txns, transaction)
	s.registerReceipt(receipt)
	return f, nil
}

// Abort builds an ABORT frame and clears transaction.
func (s *Session) Abort(transaction string, receipt string) (*frame.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireConnected(); err != nil {
		return nil, err
	}
	f, err := commands.Abort(s.negotiated, transaction, receipt)
	if err != nil {
		return nil, err
	}
	delete(s.txns, transaction)
	s.registerReceipt(receipt)
	return f, nil
}

// Beat builds a bare heart-beat line. Legal only when CONNECTED.
func (s *Session) Beat() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireConnected(); err != nil {
		return nil, err
	}
	return commands.Beat(s.negotiated)
}

func (s *Session) registerReceipt(receipt string) {
	if receipt != "" {
		s.receipts[receipt] = true
	}
}

// OnConnected validates an inbound CONNECTED frame, stores negotiated
// version/server/session id and heart-beat periods, and moves CONNECTED.
func (s *Session) OnConnected(f *frame.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, err := commands.Connected(f, s.offered)
	if err != nil {
		return err
	}
	s.negotiated = info.Version
	s.server = info.Server
	s.sessionID = info.SessionID

	// spec DATA MODEL invariant: effective period is
	// max(proposed, accepted-min); zero on either side disables it.
	// The client proposed (cx, cy): cx is how often *we* send, cy is how
	// often we ask the broker to send. The broker's heart-beat header
	// echoes back (sx, sy) using the same convention from its side, so
	// our send period is max(our cx, broker's sy) and our receive period
	// is max(our cy, broker's sx).
	s.clientHBPeriod = effectivePeriod(s.proposedHB.ClientMS, info.HeartBeats.ServerMS)
	s.serverHBPeriod = effectivePeriod(s.proposedHB.ServerMS, info.HeartBeats.ClientMS)
	s.state = Connected
	s.priorFailure = false
	return nil
}

func effectivePeriod(proposed, accepted int) time.Duration {
	if proposed == 0 || accepted == 0 {
		return 0
	}
	v := proposed
	if accepted > v {
		v = accepted
	}
	return time.Duration(v) * time.Millisecond
}

// OnMessage validates an inbound MESSAGE frame and returns the Token of
// the subscription it belongs to (ProtocolError on unknown token).
func (s *Session) OnMessage(f *frame.Frame) (commands.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, err := commands.Message(f, s.negotiated)
	if err != nil {
		return commands.Token{}, err
	}
	if s.check {
		if _, ok := s.subs[tok]; !ok {
			return commands.Token{}, errors.Errorf("session: MESSAGE for unknown subscription %s", tok)
		}
	}
	return tok, nil
}

// OnReceipt validates an inbound RECEIPT frame and removes the id from
// the pending set (ProtocolError on unknown id).
func (s *Session) OnReceipt(f *frame.Frame) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := commands.Receipt(f, s.negotiated)
	if err != nil {
		return "", err
	}
	if s.check {
		if !s.receipts[id] {
			return "", errors.Errorf("session: RECEIPT for unknown id %s", id)
		}
	}
	delete(s.receipts, id)
	return id, nil
}

// OnError is a pass-through validator; the caller decides whether to
// disconnect. It also records that a failure occurred, so a subsequent
// Disconnect/Close(flush=false) preserves subscriptions for replay.
func (s *Session) OnError(f *frame.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.priorFailure = true
	return commands.Error(f, s.negotiated)
}

// PendingReceipts reports whether any receipt id is still outstanding.
func (s *Session) PendingReceipts() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.receipts) > 0
}

// ReplayEntry is one subscription Replay hands back.
type ReplayEntry struct {
	Destination string
	Headers     map[string]string
	Receipt     string
	Context     interface{}
}

// Replay enumerates the current subscriptions in insertion order and
// simultaneously clears the registry, so a subsequent Connect followed
// by re-Subscribe calls re-emits each SUBSCRIBE (spec §4.G "Replay").
// Per SPEC_FULL.md Supplemented Features #6, the replayed entries never
// carry their original receipt — a replay must not double-count.
func (s *Session) Replay() []ReplayEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ReplayEntry, 0, len(s.subOrder))
	for _, tok := range s.subOrder {
		e := s.subs[tok]
		out = append(out, ReplayEntry{
			Destination: e.destination,
			Headers:     e.headers,
			Receipt:     "",
			Context:     e.context,
		})
	}
	s.subOrder = nil
	s.subs = make(map[commands.Token]*subEntry)
	return out
}

// Sent records that a frame (or heart-beat) was just written to the
// wire, for heart-beat bookkeeping.
func (s *Session) Sent(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSent = now
}

// Received records that a frame (or heart-beat) was just read off the
// wire, for heart-beat bookkeeping.
func (s *Session) Received(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastReceived = now
}

// ClientHeartBeat returns the negotiated effective client->server period
// (0 disables it).
func (s *Session) ClientHeartBeat() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientHBPeriod
}

// ServerHeartBeat returns the negotiated effective server->client period
// (0 disables it).
func (s *Session) ServerHeartBeat() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverHBPeriod
}

// LastSent returns the last Sent timestamp.
func (s *Session) LastSent() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSent
}

// LastReceived returns the last Received timestamp.
func (s *Session) LastReceived() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReceived
}

// Server returns the broker-reported `server` header from CONNECTED.
func (s *Session) Server() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server
}

// SessionID returns the broker-reported `session` header from CONNECTED.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}
