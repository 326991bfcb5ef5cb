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

// Package commands holds stateless constructors and validators for every
// STOMP verb (spec §4.E). Nothing here performs I/O or retains state;
// each function either builds a frame.Frame from arguments, or inspects
// one and returns the data the caller asked for.
package commands

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-stomp/gostomp/frame"
	"github.com/go-stomp/gostomp/stompspec"
)

// ProtocolError is a well-formed frame with broken semantics (spec
// ProtocolError kind): a missing mandatory header, a version-gated
// feature used where it isn't legal, or similar.
type ProtocolError struct {
	cause error
}

func (e *ProtocolError) Error() string { return e.cause.Error() }
func (e *ProtocolError) Unwrap() error { return e.cause }

func protoErrf(format string, args ...interface{}) error {
	return &ProtocolError{cause: errors.Errorf(format, args...)}
}

// Sentinel reasons, teacher-style (data.go's EREQDSTSND &c).
const (
	EReqDestinationSend  = "destination required, SEND"
	EReqDestinationSub   = "destination required, SUBSCRIBE"
	EReqIDUnsub          = "id required, UNSUBSCRIBE"
	EReqMessageIDAck     = "message-id required, ACK"
	EReqSubscriptionAck  = "subscription required, ACK"
	EReqMessageIDNack    = "message-id required, NACK"
	EReqSubscriptionNack = "subscription required, NACK"
	EReqTransactionBegin = "transaction-id required, BEGIN"
	EReqTransactionCommit = "transaction-id required, COMMIT"
	EReqTransactionAbort  = "transaction-id required, ABORT"
	EReqHost             = "host header required for STOMP 1.1+"
	ENotSupported10      = "feature not supported under STOMP 1.0"
)

var heartBeatRe = regexp.MustCompile(`^[0-9]{1,9},[0-9]{1,9}$`)

// Token is the opaque handle a client retains to later unsubscribe: the
// `id` header value for v1.1+, or the destination for v1.0 (spec
// GLOSSARY: "Subscription token").
type Token struct {
	Kind  string // "id" or "destination"
	Value string
}

func (t Token) String() string { return t.Kind + ":" + t.Value }

// HeartBeats is a negotiated or proposed (client_ms, server_ms) pair.
type HeartBeats struct {
	ClientMS int
	ServerMS int
}

// receiptHeader turns a caller-supplied receipt argument into a `receipt`
// header on f. An empty receipt means "no receipt requested". Non-string receipts
// are rejected by the type system itself (the parameter is a string);
// truthiness per spec means non-empty.
func receiptHeader(f *frame.Frame, receipt string) {
	if receipt != "" {
		f.Set(stompspec.HK_RECEIPT, receipt)
	}
}

// Connect builds a CONNECT frame. versions lists the accept-version
// candidates in ascending order; when it contains anything beyond 1.0,
// an `accept-version` header and a mandatory `host` header are added
// (host defaults to the caller-supplied value — no hidden hostname
// lookup, per spec §9 Design Notes). heartBeats is nil to omit the
// header entirely; rejected when versions is exactly [1.0].
func Connect(versions []stompspec.Version, login, passcode string, headers map[string]string, host string, heartBeats *HeartBeats) (*frame.Frame, error) {
	return connectFrame(stompspec.CONNECT, versions, login, passcode, headers, host, heartBeats)
}

// Stomp is a synonym of Connect with command STOMP; rejected under plain
// v1.0 (STOMP did not exist until 1.1).
func Stomp(versions []stompspec.Version, login, passcode string, headers map[string]string, host string, heartBeats *HeartBeats) (*frame.Frame, error) {
	if len(versions) == 1 && versions[0] == stompspec.V10 {
		return nil, protoErrf("%s", ENotSupported10)
	}
	return connectFrame(stompspec.STOMP, versions, login, passcode, headers, host, heartBeats)
}

func connectFrame(command string, versions []stompspec.Version, login, passcode string, headers map[string]string, host string, heartBeats *HeartBeats) (*frame.Frame, error) {
	if len(versions) == 0 {
		versions = []stompspec.Version{stompspec.V10}
	}
	upper := versions[len(versions)-1]
	if heartBeats != nil && len(versions) == 1 && versions[0] == stompspec.V10 {
		return nil, protoErrf("%s", ENotSupported10)
	}

	f := &frame.Frame{Command: command, Version: upper}
	for k, v := range headers {
		f.Set(k, v)
	}
	if login != "" {
		f.Set(stompspec.HK_LOGIN, login)
	}
	if passcode != "" {
		f.Set(stompspec.HK_PASSCODE, passcode)
	}

	beyond10 := !(len(versions) == 1 && versions[0] == stompspec.V10)
	if beyond10 {
		strs := make([]string, len(versions))
		for i, v := range versions {
			strs[i] = string(v)
		}
		f.Set(stompspec.HK_ACCEPT_VERSION, strings.Join(strs, ","))
		if host == "" {
			host = "localhost"
		}
		f.Set(stompspec.HK_HOST, host)
	}
	if heartBeats != nil {
		f.Set(stompspec.HK_HEART_BEAT, fmt.Sprintf("%d,%d", heartBeats.ClientMS, heartBeats.ServerMS))
	}
	return f, nil
}

// Disconnect builds a DISCONNECT frame, optionally requesting a receipt.
func Disconnect(version stompspec.Version, receipt string) *frame.Frame {
	f := &frame.Frame{Command: stompspec.DISCONNECT, Version: version}
	receiptHeader(f, receipt)
	return f
}

// Send builds a SEND frame. destination is mandatory.
func Send(version stompspec.Version, destination string, body []byte, headers map[string]string, receipt string) (*frame.Frame, error) {
	if destination == "" {
		return nil, protoErrf("%s", EReqDestinationSend)
	}
	f := &frame.Frame{Command: stompspec.SEND, Version: version, Body: body}
	for k, v := range headers {
		f.Set(k, v)
	}
	f.Set(stompspec.HK_DESTINATION, destination)
	receiptHeader(f, receipt)
	return f, nil
}

// Subscribe builds a SUBSCRIBE frame and the Token the caller must
// retain to unsubscribe later. Under v1.1+ headers must carry an `id`;
// under v1.0 the destination itself is the token.
func Subscribe(version stompspec.Version, destination string, headers map[string]string, receipt string) (*frame.Frame, Token, error) {
	if destination == "" {
		return nil, Token{}, protoErrf("%s", EReqDestinationSub)
	}
	f := &frame.Frame{Command: stompspec.SUBSCRIBE, Version: version}
	for k, v := range headers {
		f.Set(k, v)
	}
	f.Set(stompspec.HK_DESTINATION, destination)
	receiptHeader(f, receipt)

	if version == stompspec.V10 {
		return f, Token{Kind: "destination", Value: destination}, nil
	}
	id, ok := headers[stompspec.HK_ID]
	if !ok || id == "" {
		return nil, Token{}, protoErrf("id required, SUBSCRIBE")
	}
	return f, Token{Kind: "id", Value: id}, nil
}

// Unsubscribe builds an UNSUBSCRIBE frame addressing tok.
func Unsubscribe(version stompspec.Version, tok Token, receipt string) (*frame.Frame, error) {
	f := &frame.Frame{Command: stompspec.UNSUBSCRIBE, Version: version}
	switch tok.Kind {
	case "id":
		f.Set(stompspec.HK_ID, tok.Value)
	case "destination":
		f.Set(stompspec.HK_DESTINATION, tok.Value)
	default:
		return nil, protoErrf("%s", EReqIDUnsub)
	}
	receiptHeader(f, receipt)
	return f, nil
}

// Ack builds an ACK frame acknowledging msg, inside at most one
// transaction: a non-empty transaction becomes the `transaction` header.
func Ack(version stompspec.Version, msg *frame.Frame, transaction string, receipt string) (*frame.Frame, error) {
	f := &frame.Frame{Command: stompspec.ACK, Version: version}
	if err := copyAckNackIdentity(version, msg, f, true); err != nil {
		return nil, err
	}
	if transaction != "" {
		f.Set(stompspec.HK_TRANSACTION, transaction)
	}
	receiptHeader(f, receipt)
	return f, nil
}

// Nack builds a NACK frame; rejected under v1.0 (v1.1+ only).
func Nack(version stompspec.Version, msg *frame.Frame, transaction string, receipt string) (*frame.Frame, error) {
	if version == stompspec.V10 {
		return nil, protoErrf("%s", ENotSupported10)
	}
	f := &frame.Frame{Command: stompspec.NACK, Version: version}
	if err := copyAckNackIdentity(version, msg, f, false); err != nil {
		return nil, err
	}
	if transaction != "" {
		f.Set(stompspec.HK_TRANSACTION, transaction)
	}
	receiptHeader(f, receipt)
	return f, nil
}

// copyAckNackIdentity copies the message-id (and, for every version but
// 1.0, the subscription) header from msg onto f, matching the original
// implementation's `_ackHeaders()`: there is no 1.1-vs-1.2 split, every
// non-1.0 version requires both headers uniformly.
func copyAckNackIdentity(version stompspec.Version, msg *frame.Frame, f *frame.Frame, isAck bool) error {
	reqMID, reqSub := EReqMessageIDAck, EReqSubscriptionAck
	if !isAck {
		reqMID, reqSub = EReqMessageIDNack, EReqSubscriptionNack
	}
	mid, ok := msg.Get(stompspec.HK_MESSAGE_ID)
	if !ok {
		return protoErrf("%s", reqMID)
	}
	f.Set(stompspec.HK_MESSAGE_ID, mid)
	if version != stompspec.V10 {
		sub, ok := msg.Get(stompspec.HK_SUBSCRIPTION)
		if !ok {
			return protoErrf("%s", reqSub)
		}
		f.Set(stompspec.HK_SUBSCRIPTION, sub)
	}
	return nil
}

// Begin builds a BEGIN frame for transaction.
func Begin(version stompspec.Version, transaction string, receipt string) (*frame.Frame, error) {
	if transaction == "" {
		return nil, protoErrf("%s", EReqTransactionBegin)
	}
	f := &frame.Frame{Command: stompspec.BEGIN, Version: version}
	f.Set(stompspec.HK_TRANSACTION, transaction)
	receiptHeader(f, receipt)
	return f, nil
}

// Commit builds a COMMIT frame for transaction.
func Commit(version stompspec.Version, transaction string, receipt string) (*frame.Frame, error) {
	if transaction == "" {
		return nil, protoErrf("%s", EReqTransactionCommit)
	}
	f := &frame.Frame{Command: stompspec.COMMIT, Version: version}
	f.Set(stompspec.HK_TRANSACTION, transaction)
	receiptHeader(f, receipt)
	return f, nil
}

// Abort builds an ABORT frame for transaction.
func Abort(version stompspec.Version, transaction string, receipt string) (*frame.Frame, error) {
	if transaction == "" {
		return nil, protoErrf("%s", EReqTransactionAbort)
	}
	f := &frame.Frame{Command: stompspec.ABORT, Version: version}
	f.Set(stompspec.HK_TRANSACTION, transaction)
	receiptHeader(f, receipt)
	return f, nil
}

// Beat builds a bare heart-beat line; rejected under v1.0.
func Beat(version stompspec.Version) ([]byte, error) {
	if version == stompspec.V10 {
		return nil, protoErrf("%s", ENotSupported10)
	}
	return []byte("\n"), nil
}

// ConnectedInfo is what Connected extracts from a validated CONNECTED
// frame.
type ConnectedInfo struct {
	Version    stompspec.Version
	Server     string
	SessionID  string
	HeartBeats HeartBeats
}

// Connected validates a server CONNECTED frame against the set of
// versions the client offered, returning the negotiated version, server
// id, session id and negotiated heart-beats. Rejects a CONNECTED whose
// `version` header was never offered (stompest's cross-check, see
// SPEC_FULL.md §Supplemented Features #3).
func Connected(f *frame.Frame, offered []stompspec.Version) (ConnectedInfo, error) {
	if f.Command != stompspec.CONNECTED {
		return ConnectedInfo{}, protoErrf("expected CONNECTED, got %s", f.Command)
	}
	v := stompspec.V10
	if raw, ok := f.Get(stompspec.HK_VERSION); ok {
		cand := stompspec.Version(raw)
		if !stompspec.Known(cand) {
			return ConnectedInfo{}, protoErrf("unsupported protocol version, server: %s", raw)
		}
		found := false
		for _, o := range offered {
			if o == cand {
				found = true
				break
			}
		}
		if !found {
			return ConnectedInfo{}, protoErrf("CONNECTED version %s was never offered", raw)
		}
		v = cand
	}
	info := ConnectedInfo{Version: v}
	info.Server, _ = f.Get(stompspec.HK_SERVER)
	info.SessionID, _ = f.Get(stompspec.HK_SESSION)
	if raw, ok := f.Get(stompspec.HK_HEART_BEAT); ok {
		hb, err := ParseHeartBeat(raw)
		if err != nil {
			return ConnectedInfo{}, err
		}
		info.HeartBeats = hb
	}
	return info, nil
}

// ParseHeartBeat parses a `heart-beat` header value strictly: it must be
// two comma-separated decimal integers of one to nine digits each
// (`^[0-9]{1,9},[0-9]{1,9}$`) or the header is malformed (SPEC_FULL.md §Supplemented
// Features #4 — stompest raises rather than defaulting).
func ParseHeartBeat(raw string) (HeartBeats, error) {
	if !heartBeatRe.MatchString(raw) {
		return HeartBeats{}, protoErrf("invalid heart-beat header: %q", raw)
	}
	parts := strings.SplitN(raw, ",", 2)
	c, err1 := strconv.Atoi(parts[0])
	s, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return HeartBeats{}, protoErrf("invalid heart-beat header: %q", raw)
	}
	return HeartBeats{ClientMS: c, ServerMS: s}, nil
}

// Message validates an inbound MESSAGE frame and returns the Token of
// the subscription it belongs to. version is the session's negotiated
// version: under v1.0 the match is by destination, under v1.1+ by the
// `subscription` header (spec DATA MODEL invariant).
func Message(f *frame.Frame, version stompspec.Version) (Token, error) {
	if f.Command != stompspec.MESSAGE {
		return Token{}, protoErrf("expected MESSAGE, got %s", f.Command)
	}
	if version == stompspec.V10 {
		dest, ok := f.Get(stompspec.HK_DESTINATION)
		if !ok {
			return Token{}, protoErrf("destination header required, MESSAGE")
		}
		return Token{Kind: "destination", Value: dest}, nil
	}
	id, ok := f.Get(stompspec.HK_SUBSCRIPTION)
	if !ok {
		return Token{}, protoErrf("subscription header required, MESSAGE")
	}
	return Token{Kind: "id", Value: id}, nil
}

// Receipt validates an inbound RECEIPT frame and returns its id.
func Receipt(f *frame.Frame, version stompspec.Version) (string, error) {
	if f.Command != stompspec.RECEIPT {
		return "", protoErrf("expected RECEIPT, got %s", f.Command)
	}
	id, ok := f.Get(stompspec.HK_RECEIPT_ID)
	if !ok {
		return "", protoErrf("receipt-id header required, RECEIPT")
	}
	return id, nil
}

// Error validates an inbound ERROR frame; it is a pass-through (the
// caller decides whether to disconnect), this just confirms shape.
func Error(f *frame.Frame, version stompspec.Version) error {
	if f.Command != stompspec.ERROR {
		return protoErrf("expected ERROR, got %s", f.Command)
	}
	return nil
}

