// Package stomp implements the small subset of STOMP framing spoken by the
// execution platform's WebSocket endpoint.
package stomp

import (
	"sort"
	"strings"
)

type Command string

const (
	CommandConnect    Command = "CONNECT"
	CommandConnected  Command = "CONNECTED"
	CommandSubscribe  Command = "SUBSCRIBE"
	CommandSend       Command = "SEND"
	CommandMessage    Command = "MESSAGE"
	CommandDisconnect Command = "DISCONNECT"
	CommandReceipt    Command = "RECEIPT"
	CommandError      Command = "ERROR"
)

// Header names used by the client.
const (
	HeaderAcceptVersion = "accept-version"
	HeaderHeartBeat     = "heart-beat"
	HeaderDestination   = "destination"
	HeaderID            = "id"
	HeaderSubscription  = "subscription"
	HeaderMessageID     = "message-id"
	HeaderMessage       = "message"
	HeaderReceiptID     = "receipt-id"
)

// Frame is one decoded protocol unit. A heartbeat decodes to a Frame with an
// empty Command.
type Frame struct {
	Command Command
	Headers map[string]string
	Body    string
}

// Header returns the named header or "" when absent.
func (f Frame) Header(name string) string {
	if f.Headers == nil {
		return ""
	}
	return f.Headers[name]
}

// Encode renders a frame as wire text. The body is written verbatim; callers
// must not pass a body containing NUL. Headers are written in key order so
// output is deterministic.
func Encode(cmd Command, headers map[string]string, body string) string {
	var sb strings.Builder
	sb.WriteString(string(cmd))
	sb.WriteByte('\n')

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte(':')
		sb.WriteString(headers[k])
		sb.WriteByte('\n')
	}

	sb.WriteByte('\n')
	sb.WriteString(body)
	sb.WriteByte(0)
	return sb.String()
}

// Decode parses wire text into a Frame. It never fails: input without the
// blank line that terminates the headers yields a Frame with an empty body,
// and header lines without a colon are skipped.
func Decode(text string) Frame {
	lines := strings.Split(text, "\n")
	f := Frame{
		Command: Command(strings.TrimSuffix(lines[0], "\r")),
		Headers: make(map[string]string),
	}
	if strings.TrimRight(string(f.Command), "\x00") == "" {
		f.Command = ""
	}

	i := 1
	for ; i < len(lines); i++ {
		line := strings.TrimSuffix(lines[i], "\r")
		if line == "" {
			break
		}
		idx := strings.IndexByte(line, ':')
		if idx <= 0 {
			continue
		}
		f.Headers[line[:idx]] = line[idx+1:]
	}
	if i >= len(lines) {
		// No header terminator.
		return f
	}

	f.Body = strings.TrimSuffix(strings.Join(lines[i+1:], "\n"), "\x00")
	return f
}
