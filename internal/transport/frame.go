// Package transport owns the one persistent connection to the chat
// broker: a minimal STOMP 1.2 client speaking over a WebSocket, with
// singleton connect semantics, subscription handles and reconnection
// backoff. Destinations are plain strings; the chat package decides the
// addressing scheme.
package transport

import (
	"bytes"
	"fmt"
	"strings"
)

// STOMP commands used by this client.
const (
	cmdConnect     = "CONNECT"
	cmdConnected   = "CONNECTED"
	cmdSend        = "SEND"
	cmdSubscribe   = "SUBSCRIBE"
	cmdUnsubscribe = "UNSUBSCRIBE"
	cmdDisconnect  = "DISCONNECT"
	cmdMessage     = "MESSAGE"
	cmdError       = "ERROR"
	cmdReceipt     = "RECEIPT"
)

// Well-known header names.
const (
	hdrAcceptVersion = "accept-version"
	hdrVersion       = "version"
	hdrHeartBeat     = "heart-beat"
	hdrDestination   = "destination"
	hdrID            = "id"
	hdrSubscription  = "subscription"
	hdrContentType   = "content-type"
	hdrMessage       = "message"
)

// frame is one STOMP frame. Headers keep the first occurrence of a
// repeated key, per STOMP 1.2.
type frame struct {
	command string
	headers map[string]string
	body    []byte
}

func newFrame(command string) *frame {
	return &frame{command: command, headers: make(map[string]string)}
}

func (f *frame) set(key, value string) *frame {
	f.headers[key] = value
	return f
}

func (f *frame) get(key string) string {
	return f.headers[key]
}

// literalHeaders reports whether the frame's headers go on the wire
// unescaped. STOMP 1.2 exempts CONNECT and CONNECTED.
func (f *frame) literalHeaders() bool {
	return f.command == cmdConnect || f.command == cmdConnected
}

var headerEscaper = strings.NewReplacer(
	`\`, `\\`,
	"\r", `\r`,
	"\n", `\n`,
	":", `\c`,
)

func escapeHeader(s string) string {
	return headerEscaper.Replace(s)
}

func unescapeHeader(s string) (string, error) {
	if !strings.ContainsRune(s, '\\') {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}
		i++
		if i >= len(s) {
			return "", fmt.Errorf("stomp: dangling escape in header %q", s)
		}
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		case 'c':
			b.WriteByte(':')
		default:
			return "", fmt.Errorf("stomp: invalid escape \\%c in header %q", s[i], s)
		}
	}
	return b.String(), nil
}

// marshal renders the frame as COMMAND, headers, blank line, body, NUL.
func (f *frame) marshal() []byte {
	var buf bytes.Buffer
	buf.WriteString(f.command)
	buf.WriteByte('\n')
	for k, v := range f.headers {
		if f.literalHeaders() {
			buf.WriteString(k)
			buf.WriteByte(':')
			buf.WriteString(v)
		} else {
			buf.WriteString(escapeHeader(k))
			buf.WriteByte(':')
			buf.WriteString(escapeHeader(v))
		}
		buf.WriteByte('\n')
	}
	if len(f.body) > 0 {
		fmt.Fprintf(&buf, "content-length:%d\n", len(f.body))
	}
	buf.WriteByte('\n')
	buf.Write(f.body)
	buf.WriteByte(0)
	return buf.Bytes()
}

// parseFrame decodes one frame from a WebSocket message. The trailing NUL
// is optional: SockJS-era brokers are not consistent about it.
func parseFrame(data []byte) (*frame, error) {
	data = bytes.TrimSuffix(data, []byte{0})
	if len(data) == 0 {
		return nil, fmt.Errorf("stomp: empty frame")
	}

	head, body, found := bytes.Cut(data, []byte("\n\n"))
	if !found {
		head = data
		body = nil
	}

	lines := strings.Split(strings.TrimSuffix(string(head), "\r"), "\n")
	f := newFrame(strings.TrimSuffix(lines[0], "\r"))
	if f.command == "" {
		return nil, fmt.Errorf("stomp: missing command")
	}

	for _, line := range lines[1:] {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("stomp: malformed header %q", line)
		}
		if !f.literalHeaders() {
			var err error
			if key, err = unescapeHeader(key); err != nil {
				return nil, err
			}
			if value, err = unescapeHeader(value); err != nil {
				return nil, err
			}
		}
		// First occurrence wins.
		if _, exists := f.headers[key]; !exists {
			f.headers[key] = value
		}
	}

	f.body = body
	return f, nil
}
