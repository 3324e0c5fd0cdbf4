package transport

import (
	"bytes"
	"fmt"
	"strings"
)

// Minimal STOMP 1.2 framing. Only the commands this client exchanges are
// modeled; anything else surfaces as a frame with an unknown command and
// is ignored upstream.

const (
	cmdConnect     = "CONNECT"
	cmdConnected   = "CONNECTED"
	cmdSubscribe   = "SUBSCRIBE"
	cmdUnsubscribe = "UNSUBSCRIBE"
	cmdSend        = "SEND"
	cmdMessage     = "MESSAGE"
	cmdError       = "ERROR"
)

type frame struct {
	command string
	headers [][2]string
	body    []byte
}

func (f *frame) header(name string) string {
	for _, h := range f.headers {
		if h[0] == name {
			return h[1]
		}
	}
	return ""
}

var headerEscaper = strings.NewReplacer(
	"\\", "\\\\",
	"\r", "\\r",
	"\n", "\\n",
	":", "\\c",
)

var headerUnescaper = strings.NewReplacer(
	"\\r", "\r",
	"\\n", "\n",
	"\\c", ":",
	"\\\\", "\\",
)

func (f *frame) marshal() []byte {
	var buf bytes.Buffer
	buf.WriteString(f.command)
	buf.WriteByte('\n')
	for _, h := range f.headers {
		buf.WriteString(headerEscaper.Replace(h[0]))
		buf.WriteByte(':')
		buf.WriteString(headerEscaper.Replace(h[1]))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.Write(f.body)
	buf.WriteByte(0)
	return buf.Bytes()
}

// heartbeatFrame is the EOL a STOMP peer sends to keep the connection
// alive between frames.
var heartbeatFrame = []byte("\n")

func isHeartbeat(data []byte) bool {
	trimmed := bytes.Trim(data, "\r\n")
	return len(trimmed) == 0
}

func parseFrame(data []byte) (*frame, error) {
	data = bytes.TrimSuffix(data, []byte{0})
	head, body, found := bytes.Cut(data, []byte("\n\n"))
	if !found {
		head = data
	}
	lines := strings.Split(strings.TrimRight(string(head), "\r\n"), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, fmt.Errorf("empty frame")
	}
	f := &frame{
		command: strings.TrimRight(lines[0], "\r"),
		body:    body,
	}
	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(strings.TrimRight(line, "\r"), ":")
		if !ok {
			return nil, fmt.Errorf("malformed header %q", line)
		}
		f.headers = append(f.headers, [2]string{
			headerUnescaper.Replace(name),
			headerUnescaper.Replace(value),
		})
	}
	return f, nil
}
