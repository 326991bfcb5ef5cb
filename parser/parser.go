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

// Package parser is the streaming byte->frame decoder (spec §4.D). It
// consumes an arbitrary chopping of the wire byte stream and reassembles
// complete frames, one state machine per connection.
package parser

import (
	"bytes"
	"strconv"

	"github.com/pkg/errors"

	"github.com/go-stomp/gostomp/frame"
	"github.com/go-stomp/gostomp/stompspec"
)

type state int

const (
	stateIdle state = iota
	stateHead
	stateBody
)

// Parser is a streaming STOMP frame decoder. It is not safe for
// concurrent use; the spec model is one parser per connection, driven
// serially by whatever owns the socket.
type Parser struct {
	version stompspec.Version
	state   state
	buf     bytes.Buffer
	queue   []interface{} // *frame.Frame or frame.HeartBeat

	// in-progress HEAD/BODY state
	command       string
	rawHeaders    []frame.Header
	contentLength int
	hasCL         bool
}

// New returns a Parser for the given wire version. version is typically
// the connection's upper bound until CONNECTED negotiates a lower one;
// callers switch via SetVersion.
func New(version stompspec.Version) *Parser {
	return &Parser{version: version, state: stateIdle}
}

// Reset discards all buffered bytes and queued frames.
func (p *Parser) Reset() {
	p.buf.Reset()
	p.queue = nil
	p.state = stateIdle
	p.command = ""
	p.rawHeaders = nil
	p.contentLength = 0
	p.hasCL = false
}

// SetVersion switches the grammar the parser enforces. Legal only at a
// frame boundary (IDLE state); misuse mid-frame returns an error rather
// than silently corrupting in-progress state.
func (p *Parser) SetVersion(v stompspec.Version) error {
	if p.state != stateIdle {
		return errors.New("parser: SetVersion only legal at a frame boundary")
	}
	p.version = v
	return nil
}

// Push feeds more wire bytes into the parser and returns every frame
// (and heart-beat) that became complete as a result, in wire order. A
// single call may yield zero, one, or many results. A malformed frame
// returns an error (a frame.Error for a bad header escape, otherwise a
// plain error describing the fault) and discards all buffered bytes;
// already-queued complete frames from earlier in this same Push are
// still returned alongside the error.
func (p *Parser) Push(b []byte) ([]interface{}, error) {
	p.buf.Write(b)
	p.queue = p.queue[:0]

	for {
		switch p.state {
		case stateIdle:
			if !p.consumeIdle() {
				return p.queue, nil
			}
		case stateHead:
			ok, err := p.consumeHead()
			if err != nil {
				done := p.queue
				p.Reset()
				return done, err
			}
			if !ok {
				return p.queue, nil
			}
		case stateBody:
			ok, err := p.consumeBody()
			if err != nil {
				done := p.queue
				p.Reset()
				return done, err
			}
			if !ok {
				return p.queue, nil
			}
		}
	}
}

// consumeIdle tries to consume a single leading heart-beat line or
// transition into HEAD. Returns true if it made progress (and the
// caller should loop again), false if more bytes are needed.
func (p *Parser) consumeIdle() bool {
	data := p.buf.Bytes()
	if len(data) == 0 {
		return false
	}
	if data[0] == '\n' {
		p.buf.Next(1)
		p.emitHeartBeat()
		return true
	}
	if data[0] == '\r' && stompspec.AcceptsCR(p.version) {
		if len(data) < 2 {
			return false
		}
		if data[1] == '\n' {
			p.buf.Next(2)
			p.emitHeartBeat()
			return true
		}
	}
	p.state = stateHead
	return true
}

func (p *Parser) emitHeartBeat() {
	if p.version != stompspec.V10 {
		p.queue = append(p.queue, frame.HeartBeat{Version: p.version})
	}
}

// consumeHead accumulates bytes until a blank line (end of headers) is
// seen, then parses the command line and header lines. The command line
// is validated as soon as it is complete, so a head whose command line
// is not legal under this version (e.g. "SEND\r" under v1.1) is an error
// even before the blank line arrives.
func (p *Parser) consumeHead() (bool, error) {
	data := p.buf.Bytes()
	sep, sepLen := findBlankLine(data, p.version)
	if sep < 0 {
		if nl := bytes.IndexByte(data, '\n'); nl >= 0 {
			command := string(splitLines(data[:nl], p.version)[0])
			if !stompspec.IsClientCommand(p.version, command) && !stompspec.IsServerCommand(p.version, command) {
				return false, errors.Errorf("Invalid command: %s", command)
			}
		}
		return false, nil
	}

	head := data[:sep]
	p.buf.Next(sep + sepLen)

	lines := splitLines(head, p.version)
	if len(lines) == 0 {
		return false, errors.New("stomp: empty frame head")
	}
	command := string(lines[0])
	if !stompspec.IsClientCommand(p.version, command) && !stompspec.IsServerCommand(p.version, command) {
		return false, errors.Errorf("Invalid command: %s", command)
	}

	var rawHeaders []frame.Header
	var contentLength int
	hasCL := false
	for _, line := range lines[1:] {
		if len(line) == 0 {
			continue
		}
		idx := bytes.IndexByte(line, ':')
		if idx < 0 {
			return false, errors.New("stomp: header line missing ':'")
		}
		name := string(line[:idx])
		value := string(line[idx+1:])
		uname, err := frame.Unescape(p.version, command, name)
		if err != nil {
			return false, err
		}
		uvalue, err := frame.Unescape(p.version, command, value)
		if err != nil {
			return false, err
		}
		rawHeaders = append(rawHeaders, frame.Header{Name: uname, Value: uvalue})
		if uname == stompspec.HK_CONTENT_LENGTH && !hasCL {
			if n, err := strconv.Atoi(uvalue); err == nil && n >= 0 {
				contentLength = n
				hasCL = true
			}
		}
	}

	p.command = command
	p.rawHeaders = rawHeaders
	p.contentLength = contentLength
	p.hasCL = hasCL
	p.state = stateBody
	return true, nil
}

// consumeBody reads the body (content-length bounded or NUL-delimited)
// and the trailing NUL, then emits the completed frame.
func (p *Parser) consumeBody() (bool, error) {
	data := p.buf.Bytes()

	var body []byte
	var consumed int
	if p.hasCL {
		need := p.contentLength + 1 // + trailing NUL
		if len(data) < need {
			return false, nil
		}
		if data[p.contentLength] != 0 {
			return false, errors.New("stomp: content-length body missing trailing NUL")
		}
		body = append([]byte(nil), data[:p.contentLength]...)
		consumed = need
	} else {
		idx := bytes.IndexByte(data, 0)
		if idx < 0 {
			return false, nil
		}
		body = append([]byte(nil), data[:idx]...)
		consumed = idx + 1
	}

	if len(body) > 0 && !stompspec.BodyAllowed(p.version, p.command) {
		return false, errors.Errorf("stomp: body not allowed for command %s", p.command)
	}

	p.buf.Next(consumed)
	f := &frame.Frame{
		Command:    p.command,
		RawHeaders: p.rawHeaders,
		Body:       body,
		Version:    p.version,
	}
	p.queue = append(p.queue, f)

	p.command = ""
	p.rawHeaders = nil
	p.contentLength = 0
	p.hasCL = false
	p.state = stateIdle
	return true, nil
}

// findBlankLine returns the offset of the blank line separating headers
// from body, and the length of that separator (2 for "\n\n", 4 for
// "\r\n\r\n"), or -1 if not yet present.
func findBlankLine(data []byte, v stompspec.Version) (int, int) {
	if v == stompspec.V12 {
		if i := bytes.Index(data, []byte("\r\n\r\n")); i >= 0 {
			return i, 4
		}
	}
	if i := bytes.Index(data, []byte("\n\n")); i >= 0 {
		return i, 2
	}
	return -1, 0
}

// splitLines splits a header block into lines, tolerating "\r\n" under
// v1.2.
func splitLines(data []byte, v stompspec.Version) [][]byte {
	sep := []byte("\n")
	lines := bytes.Split(data, sep)
	if v == stompspec.V12 {
		for i, l := range lines {
			lines[i] = bytes.TrimSuffix(l, []byte("\r"))
		}
	}
	return lines
}
