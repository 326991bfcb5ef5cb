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

// Package frame implements the STOMP wire value objects: Frame, the
// heart-beat marker, and the version-aware header escape codec. Nothing
// here performs I/O.
package frame

import (
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/go-stomp/gostomp/stompspec"
)

// Error is a malformed-wire-bytes error (spec FrameError kind).
type Error string

func (e Error) Error() string { return string(e) }

// Error constants.
const (
	EEncoding   = Error("header contains characters not representable under this version's codec")
	EBadEscape  = Error("no escape sequence defined for this character")
	EBareSlash  = Error("lone backslash is not a valid escape sequence")
	EBodyOnCmd  = Error("body data not allowed for this command")
)

// Header is a single (name, value) pair, preserved in wire order.
type Header struct {
	Name  string
	Value string
}

// Frame is one STOMP frame: command, headers (in wire order, duplicates
// preserved) and an opaque body.
type Frame struct {
	Command string
	// RawHeaders preserves every header in wire order, duplicates and
	// all. Parser and Serialize agree that the *first* occurrence of a
	// name wins for Get/the deduplicated view.
	RawHeaders []Header
	Body       []byte
	Version    stompspec.Version
}

// New builds a Frame from a flat, ordered list of header name/value
// pairs (mirrors the teacher's NewFrame(command, headers...) shape).
func New(version stompspec.Version, command string, headers ...string) *Frame {
	f := &Frame{Command: command, Version: version}
	for i := 0; i+1 < len(headers); i += 2 {
		f.RawHeaders = append(f.RawHeaders, Header{Name: headers[i], Value: headers[i+1]})
	}
	return f
}

// Get returns the first occurrence of header name in wire order, and
// whether it was present at all.
func (f *Frame) Get(name string) (string, bool) {
	for _, h := range f.RawHeaders {
		if h.Name == name {
			return h.Value, true
		}
	}
	return "", false
}

// Set appends a header. STOMP headers may legally repeat; Set never
// removes an existing one, it only appends (callers that want
// replacement should build RawHeaders explicitly).
func (f *Frame) Set(name, value string) {
	f.RawHeaders = append(f.RawHeaders, Header{Name: name, Value: value})
}

// Headers returns the deduplicated mapping: for each distinct name, the
// first occurrence in wire order.
func (f *Frame) Headers() map[string]string {
	m := make(map[string]string, len(f.RawHeaders))
	for _, h := range f.RawHeaders {
		if _, ok := m[h.Name]; !ok {
			m[h.Name] = h.Value
		}
	}
	return m
}

// Equal defines Frame equality as equality of serialized representation
// (spec DATA MODEL: "Equality is defined by serialized representation").
func (f *Frame) Equal(other *Frame) bool {
	if f == nil || other == nil {
		return f == other
	}
	a, errA := Serialize(f)
	b, errB := Serialize(other)
	if errA != nil || errB != nil {
		return false
	}
	return string(a) == string(b)
}

// HeartBeat is the distinguished frame-like value for a bare
// line-delimiter between frames. It is never equal to any Frame.
type HeartBeat struct {
	Version stompspec.Version
}

// Bytes serializes a HeartBeat to a single LF byte, for every version
// (a v1.2 CRLF heart-beat is accepted by the parser but never emitted).
func (h HeartBeat) Bytes() []byte {
	return []byte{'\n'}
}

const maxInfoBody = 20

// Info renders a diagnostic, truncated form of f: "COMMAND headers body"
// with body cut to 20 bytes, per spec §4.B.
func Info(f *Frame) string {
	body := f.Body
	truncated := false
	if len(body) > maxInfoBody {
		body = body[:maxInfoBody]
		truncated = true
	}
	s := f.Command
	for _, h := range f.RawHeaders {
		s += " " + h.Name + ":" + h.Value
	}
	s += " " + string(body)
	if truncated {
		s += "..."
	}
	return s
}

// Serialize renders f as wire bytes: "COMMAND\nheaders\n\nbody\0".
// Headers are escaped per f.Version unless f.Command is exempt. Under
// v1.0 (ASCII codec) a non-ASCII header name or value is an EEncoding
// error.
func Serialize(f *Frame) ([]byte, error) {
	codec := stompspec.CodecOf(f.Version)
	noEscape := stompspec.NoEscape(f.Version, f.Command)
	esc := stompspec.EscapeTable(f.Version)

	out := make([]byte, 0, 64+len(f.Body))
	out = append(out, f.Command...)
	out = append(out, '\n')

	for _, h := range f.RawHeaders {
		name, value := h.Name, h.Value
		if codec == stompspec.CodecASCII {
			if !isASCII(name) || !isASCII(value) {
				return nil, errors.Wrapf(EEncoding, "header %q", name)
			}
		} else if !utf8.ValidString(name) || !utf8.ValidString(value) {
			return nil, errors.Wrapf(EEncoding, "header %q", name)
		}
		if !noEscape {
			name = escape(name, esc)
			value = escape(value, esc)
		}
		out = append(out, name...)
		out = append(out, ':')
		out = append(out, value...)
		out = append(out, '\n')
	}
	out = append(out, '\n')
	out = append(out, f.Body...)
	out = append(out, 0)
	return out, nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7f {
			return false
		}
	}
	return true
}

func escape(s string, table []stompspec.EscapePair) string {
	if len(table) == 0 {
		return s
	}
	out := make([]rune, 0, len(s))
	for _, r := range s {
		escaped := false
		for _, p := range table {
			if p.Literal == r {
				out = append(out, '\\', rune(p.Escaped))
				escaped = true
				break
			}
		}
		if !escaped {
			out = append(out, r)
		}
	}
	return string(out)
}

// Unescape reverses Serialize's escaping for a single header name or
// value under version v, command cmd. Returns EBadEscape if a `\X`
// sequence isn't in the version's table, or EBareSlash under v1.1+ if a
// trailing backslash has no following character. Under v1.0 (no escape
// table) backslashes pass through literally, per spec §4.C.
func Unescape(v stompspec.Version, cmd string, s string) (string, error) {
	if stompspec.NoEscape(v, cmd) {
		return s, nil
	}
	table := stompspec.EscapeTable(v)
	if len(table) == 0 {
		return s, nil
	}
	byEscaped := make(map[byte]rune, len(table))
	for _, p := range table {
		byEscaped[p.Escaped] = p.Literal
	}

	out := make([]rune, 0, len(s))
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		if runes[i] != '\\' {
			out = append(out, runes[i])
			continue
		}
		if i+1 >= len(runes) {
			return "", EBareSlash
		}
		lit, ok := byEscaped[byte(runes[i+1])]
		if !ok {
			return "", EBadEscape
		}
		out = append(out, lit)
		i++
	}
	return string(out), nil
}
