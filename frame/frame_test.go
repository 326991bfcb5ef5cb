package frame

import (
	"strings"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/go-stomp/gostomp/stompspec"
)

func TestNewGetSet(t *testing.T) {
	f := New(stompspec.V12, "SEND", "destination", "/queue/a", "destination", "/queue/b")
	v, ok := f.Get("destination")
	assert.Assert(t, ok)
	assert.Equal(t, v, "/queue/a") // first occurrence wins

	f.Set("receipt", "r-1")
	v, ok = f.Get("receipt")
	assert.Assert(t, ok)
	assert.Equal(t, v, "r-1")

	_, ok = f.Get("nope")
	assert.Assert(t, !ok)
}

func TestHeadersDeduplicates(t *testing.T) {
	f := New(stompspec.V11, "SEND", "x", "1", "x", "2", "y", "3")
	h := f.Headers()
	assert.Equal(t, h["x"], "1")
	assert.Equal(t, h["y"], "3")
	assert.Equal(t, len(h), 2)
}

func TestSerializeRoundTrip(t *testing.T) {
	f := New(stompspec.V12, "SEND", "destination", "/queue/a", "content-type", "text/plain")
	f.Body = []byte("hello")
	b, err := Serialize(f)
	assert.NilError(t, err)
	want := "SEND\ndestination:/queue/a\ncontent-type:text/plain\n\nhello\x00"
	assert.Equal(t, string(b), want)
}

func TestSerializeEscapesHeaders(t *testing.T) {
	f := New(stompspec.V11, "SEND", "k:e\ny", "va\\lu\re")
	b, err := Serialize(f)
	assert.NilError(t, err)
	assert.Assert(t, strings.Contains(string(b), `k\ce\ny:va\\lu\re`))
}

func TestSerializeConnectNeverEscapes(t *testing.T) {
	f := New(stompspec.V12, stompspec.CONNECT, "login", "a:b")
	b, err := Serialize(f)
	assert.NilError(t, err)
	assert.Assert(t, strings.Contains(string(b), "login:a:b\n"))
}

func TestSerializeRejectsNonASCIIUnderV10(t *testing.T) {
	f := New(stompspec.V10, "SEND", "dest", "café")
	_, err := Serialize(f)
	assert.ErrorIs(t, err, EEncoding)
}

func TestUnescapeRoundTrip(t *testing.T) {
	for _, v := range []stompspec.Version{stompspec.V11, stompspec.V12} {
		raw := "va\\lu\re and a\\c colon"
		esc := escape(raw, stompspec.EscapeTable(v))
		got, err := Unescape(v, "SEND", esc)
		assert.NilError(t, err)
		assert.Equal(t, got, raw)
	}
}

func TestUnescapeBadEscape(t *testing.T) {
	_, err := Unescape(stompspec.V11, "SEND", `a\qb`)
	assert.ErrorIs(t, err, EBadEscape)
}

func TestUnescapeBareSlash(t *testing.T) {
	_, err := Unescape(stompspec.V11, "SEND", `trailing\`)
	assert.ErrorIs(t, err, EBareSlash)
}

func TestUnescapeV10PassesBackslashThrough(t *testing.T) {
	got, err := Unescape(stompspec.V10, "SEND", `a\b`)
	assert.NilError(t, err)
	assert.Equal(t, got, `a\b`)
}

func TestInfoTruncatesBody(t *testing.T) {
	f := New(stompspec.V12, "SEND")
	f.Body = []byte(strings.Repeat("x", 50))
	info := Info(f)
	assert.Assert(t, strings.HasSuffix(info, "..."))
	assert.Assert(t, len(info) < 50)
}

func TestEqualIsSerializedEquality(t *testing.T) {
	a := New(stompspec.V12, "SEND", "k", "v")
	b := New(stompspec.V12, "SEND", "k", "v")
	assert.Assert(t, a.Equal(b))

	c := New(stompspec.V12, "SEND", "k", "v2")
	assert.Assert(t, !a.Equal(c))

	var nilFrame *Frame
	assert.Assert(t, nilFrame.Equal(nil))
	assert.Assert(t, !a.Equal(nil))
}
