package model

import "bytes"

// RawMessage is a single message as retrieved from the mail store: the
// header block and the body block, split at the first blank line.
type RawMessage struct {
	Seq    uint32
	Header []byte
	Body   []byte
}

// Bytes reassembles the message in wire form.
func (m RawMessage) Bytes() []byte {
	var buf bytes.Buffer
	buf.Grow(len(m.Header) + len(m.Body) + 4)
	buf.Write(m.Header)
	if len(m.Header) > 0 && !bytes.HasSuffix(m.Header, []byte("\n")) {
		buf.WriteString("\r\n")
	}
	if !bytes.HasSuffix(m.Header, []byte("\r\n\r\n")) && !bytes.HasSuffix(m.Header, []byte("\n\n")) {
		buf.WriteString("\r\n")
	}
	buf.Write(m.Body)
	return buf.Bytes()
}

// Empty reports whether the store returned nothing for this message.
func (m RawMessage) Empty() bool {
	return len(bytes.TrimSpace(m.Header)) == 0 && len(bytes.TrimSpace(m.Body)) == 0
}

// Envelope wraps a message alongside an optional error encountered while reading it.
type Envelope struct {
	Message RawMessage
	Err     error
}
