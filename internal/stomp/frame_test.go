package stomp_test

import (
	"reflect"
	"testing"

	"github.com/zsprackett/execwatch/internal/stomp"
)

func TestEncodeConnect(t *testing.T) {
	got := stomp.Encode(stomp.CommandConnect, map[string]string{
		"accept-version": "1.1,1.0",
		"heart-beat":     "4000,4000",
	}, "")
	want := "CONNECT\naccept-version:1.1,1.0\nheart-beat:4000,4000\n\n\x00"
	if got != want {
		t.Errorf("Encode:\n got %q\nwant %q", got, want)
	}
}

func TestEncodeDoesNotEscapeBody(t *testing.T) {
	got := stomp.Encode(stomp.CommandSend, nil, "a:b\nc")
	if got != "SEND\n\na:b\nc\x00" {
		t.Errorf("unexpected encoding %q", got)
	}
}

func TestDecodeMessage(t *testing.T) {
	text := "MESSAGE\ndestination:/topic/execution\ncontent-type:application/json\nsubscription:sub-0\nmessage-id:abc\n\n{\"executionId\":\"e1\"}\n\x00"
	f := stomp.Decode(text)
	if f.Command != stomp.CommandMessage {
		t.Fatalf("command: got %q", f.Command)
	}
	if f.Header("destination") != "/topic/execution" {
		t.Errorf("destination: got %q", f.Header("destination"))
	}
	if f.Header("message-id") != "abc" {
		t.Errorf("message-id: got %q", f.Header("message-id"))
	}
	if f.Body != "{\"executionId\":\"e1\"}\n" {
		t.Errorf("body: got %q", f.Body)
	}
}

func TestDecodeHeaderValueWithColon(t *testing.T) {
	f := stomp.Decode("ERROR\nmessage:bad: thing\n\n\x00")
	if f.Header("message") != "bad: thing" {
		t.Errorf("got %q", f.Header("message"))
	}
}

func TestDecodeMissingSeparatorYieldsEmptyBody(t *testing.T) {
	f := stomp.Decode("CONNECTED\nversion:1.2")
	if f.Command != stomp.CommandConnected {
		t.Fatalf("command: got %q", f.Command)
	}
	if f.Body != "" {
		t.Errorf("expected empty body, got %q", f.Body)
	}
	if f.Header("version") != "1.2" {
		t.Errorf("version: got %q", f.Header("version"))
	}
}

func TestDecodeSkipsHeaderWithoutColon(t *testing.T) {
	f := stomp.Decode("RECEIPT\ngarbage\nreceipt-id:sub-0\n\n\x00")
	if len(f.Headers) != 1 {
		t.Errorf("expected 1 header, got %v", f.Headers)
	}
}

func TestDecodeHeartbeat(t *testing.T) {
	for _, in := range []string{"", "\n", "\r\n"} {
		f := stomp.Decode(in)
		if f.Command != "" {
			t.Errorf("Decode(%q): expected empty command, got %q", in, f.Command)
		}
	}
}

func TestDecodeCRLF(t *testing.T) {
	f := stomp.Decode("CONNECTED\r\nversion:1.2\r\n\r\n\x00")
	if f.Command != stomp.CommandConnected {
		t.Errorf("command: got %q", f.Command)
	}
	if f.Header("version") != "1.2" {
		t.Errorf("version: got %q", f.Header("version"))
	}
}

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		cmd     stomp.Command
		headers map[string]string
		body    string
	}{
		{stomp.CommandConnect, map[string]string{"accept-version": "1.1,1.0", "heart-beat": "4000,4000"}, ""},
		{stomp.CommandSubscribe, map[string]string{"id": "sub-0", "destination": "/topic/execution"}, ""},
		{stomp.CommandMessage, map[string]string{"destination": "/topic/x"}, `{"a":1}`},
		{stomp.CommandMessage, map[string]string{}, "line one\nline two\n\nafter blank"},
		{stomp.CommandSend, map[string]string{"k": "v:with:colons"}, "trailing newline\n"},
		{stomp.CommandDisconnect, map[string]string{}, ""},
	}
	for _, tc := range cases {
		f := stomp.Decode(stomp.Encode(tc.cmd, tc.headers, tc.body))
		if f.Command != tc.cmd {
			t.Errorf("%s: command got %q", tc.cmd, f.Command)
		}
		if !reflect.DeepEqual(f.Headers, tc.headers) {
			t.Errorf("%s: headers got %v want %v", tc.cmd, f.Headers, tc.headers)
		}
		if f.Body != tc.body {
			t.Errorf("%s: body got %q want %q", tc.cmd, f.Body, tc.body)
		}
	}
}
