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

// Package stompspec is the single source of truth for everything that
// varies by STOMP wire version: legal commands, which commands may carry
// a body, header escaping, the line-terminator variant and the wire
// codec (ASCII vs UTF-8).
package stompspec

// Version identifies a STOMP wire grammar.
type Version string

// Supported protocol versions.
const (
	V10 Version = "1.0"
	V11 Version = "1.1"
	V12 Version = "1.2"
)

// Supported lists the versions this package knows about, ascending.
var Supported = []Version{V10, V11, V12}

// Client generated commands.
const (
	CONNECT     = "CONNECT"
	STOMP       = "STOMP"
	DISCONNECT  = "DISCONNECT"
	SEND        = "SEND"
	SUBSCRIBE   = "SUBSCRIBE"
	UNSUBSCRIBE = "UNSUBSCRIBE"
	ACK         = "ACK"
	NACK        = "NACK"
	BEGIN       = "BEGIN"
	COMMIT      = "COMMIT"
	ABORT       = "ABORT"
)

// Server generated commands.
const (
	CONNECTED = "CONNECTED"
	MESSAGE   = "MESSAGE"
	RECEIPT   = "RECEIPT"
	ERROR     = "ERROR"
)

// Common header keys.
const (
	HK_ACCEPT_VERSION = "accept-version"
	HK_ACK            = "ack"
	HK_CONTENT_TYPE   = "content-type"
	HK_CONTENT_LENGTH = "content-length"
	HK_DESTINATION    = "destination"
	HK_HEART_BEAT     = "heart-beat"
	HK_HOST           = "host"
	HK_ID             = "id"
	HK_LOGIN          = "login"
	HK_MESSAGE        = "message"
	HK_MESSAGE_ID     = "message-id"
	HK_PASSCODE       = "passcode"
	HK_RECEIPT        = "receipt"
	HK_RECEIPT_ID     = "receipt-id"
	HK_SESSION        = "session"
	HK_SERVER         = "server"
	HK_SUBSCRIPTION   = "subscription"
	HK_TRANSACTION    = "transaction"
	HK_VERSION        = "version"
)

// ACK modes.
const (
	AckAuto             = "auto"
	AckClient           = "client"
	AckClientIndividual = "client-individual"
)

// Codec names the byte encoding a version uses for commands and headers.
type Codec int

const (
	CodecASCII Codec = iota
	CodecUTF8
)

// EscapePair is one (literal, escaped) mapping, e.g. "\n" <-> "\\n".
type EscapePair struct {
	Literal rune
	Escaped byte // the letter following the backslash, e.g. 'n'
}

type versionTable struct {
	clientCommands map[string]bool
	serverCommands map[string]bool
	bodyAllowed    map[string]bool
	noEscape       map[string]bool // commands exempt from header escaping
	escape         []EscapePair
	codec          Codec
	stripCR        bool // v1.2 tolerates/accepts \r before \n
}

var tables = map[Version]versionTable{
	V10: {
		clientCommands: setOf(CONNECT, DISCONNECT, SEND, SUBSCRIBE, UNSUBSCRIBE, ACK, BEGIN, COMMIT, ABORT),
		serverCommands: setOf(CONNECTED, MESSAGE, RECEIPT, ERROR),
		bodyAllowed:    setOf(CONNECT, STOMP, DISCONNECT, SEND, SUBSCRIBE, UNSUBSCRIBE, ACK, NACK, BEGIN, COMMIT, ABORT, CONNECTED, MESSAGE, RECEIPT, ERROR),
		noEscape:       setOf(CONNECT, CONNECTED),
		escape:         nil,
		codec:          CodecASCII,
		stripCR:        false,
	},
	V11: {
		clientCommands: setOf(CONNECT, STOMP, DISCONNECT, SEND, SUBSCRIBE, UNSUBSCRIBE, ACK, NACK, BEGIN, COMMIT, ABORT),
		serverCommands: setOf(CONNECTED, MESSAGE, RECEIPT, ERROR),
		bodyAllowed:    setOf(SEND, MESSAGE, ERROR),
		noEscape:       setOf(CONNECT, CONNECTED),
		escape: []EscapePair{
			{'\\', '\\'},
			{'\r', 'r'},
			{'\n', 'n'},
			{':', 'c'},
		},
		codec:   CodecUTF8,
		stripCR: false,
	},
	V12: {
		clientCommands: setOf(CONNECT, STOMP, DISCONNECT, SEND, SUBSCRIBE, UNSUBSCRIBE, ACK, NACK, BEGIN, COMMIT, ABORT),
		serverCommands: setOf(CONNECTED, MESSAGE, RECEIPT, ERROR),
		bodyAllowed:    setOf(SEND, MESSAGE, ERROR),
		noEscape:       setOf(CONNECT, CONNECTED),
		escape: []EscapePair{
			{'\\', '\\'},
			{'\r', 'r'},
			{'\n', 'n'},
			{':', 'c'},
			{'\t', 't'},
		},
		codec:   CodecUTF8,
		stripCR: true,
	},
}

func setOf(vals ...string) map[string]bool {
	m := make(map[string]bool, len(vals))
	for _, v := range vals {
		m[v] = true
	}
	return m
}

// Known reports whether v is a version this package has a table for.
func Known(v Version) bool {
	_, ok := tables[v]
	return ok
}

// IsClientCommand reports whether cmd is legal on a client->broker frame
// under version v.
func IsClientCommand(v Version, cmd string) bool {
	return tables[v].clientCommands[cmd]
}

// IsServerCommand reports whether cmd is legal on a broker->client frame
// under version v.
func IsServerCommand(v Version, cmd string) bool {
	return tables[v].serverCommands[cmd]
}

// BodyAllowed reports whether cmd may carry a non-empty body under
// version v.
func BodyAllowed(v Version, cmd string) bool {
	return tables[v].bodyAllowed[cmd]
}

// NoEscape reports whether cmd is exempt from header escaping under
// version v (CONNECT and CONNECTED, in every version).
func NoEscape(v Version, cmd string) bool {
	return tables[v].noEscape[cmd]
}

// EscapeTable returns the (literal, escape-letter) pairs for version v,
// in the order escaping should be attempted. Empty for v1.0.
func EscapeTable(v Version) []EscapePair {
	return tables[v].escape
}

// CodecOf returns the wire codec for version v.
func CodecOf(v Version) Codec {
	return tables[v].codec
}

// AcceptsCR reports whether version v accepts "\r\n" as a line
// terminator (v1.2 only) in addition to bare "\n".
func AcceptsCR(v Version) bool {
	return tables[v].stripCR
}
