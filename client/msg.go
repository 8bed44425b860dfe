package client

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ValerySidorin/natsflow/header"
	"github.com/ValerySidorin/natsflow/internal/bab"
)

// Kind tells how a message was made and what acknowledging it does.
type Kind uint8

const (
	KindPublish Kind = iota
	KindProtocol
	KindPlain
	KindStatus
	KindStream
)

func (k Kind) String() string {
	switch k {
	case KindPublish:
		return "publish"
	case KindProtocol:
		return "protocol"
	case KindPlain:
		return "plain"
	case KindStatus:
		return "status"
	case KindStream:
		return "stream"
	default:
		return "unknown"
	}
}

const (
	crlf = "\r\n"

	jsAckPrefix = "$JS.ACK."

	detailDataLen = 27
)

// Msg is a message travelling in either direction. Outgoing messages
// compute their control line lazily and cache it until a field or the
// attached header changes. Incoming messages are never re-encoded.
type Msg struct {
	subject string
	reply   string
	hdr     *header.Header
	data    []byte
	kind    Kind

	line   []byte
	dirty  bool
	hdrGen uint64
	size   int

	sid     uint64
	ctrlLen int
	status  *header.Status
	acker   acker
	meta    *Metadata

	ackMu      sync.Mutex
	lastAck    AckKind
	sendingAck AckKind
}

// NewMsg builds an outgoing message. hdr and data may be nil.
func NewMsg(subject, reply string, hdr *header.Header, data []byte) (*Msg, error) {
	if err := ValidateSubject(subject, true); err != nil {
		return nil, err
	}
	if err := ValidateReplyTo(reply, false); err != nil {
		return nil, err
	}
	if data == nil {
		data = []byte{}
	}

	return &Msg{
		subject: subject,
		reply:   reply,
		hdr:     hdr,
		data:    data,
		kind:    KindPublish,
		dirty:   true,
		size:    -1,
	}, nil
}

func newProtocolMsg(line string) *Msg {
	m := &Msg{
		kind: KindProtocol,
		data: []byte{},
		size: -1,
	}
	if line != "" {
		m.line = []byte(line)
		m.size = len(m.line) + len(crlf)
	}
	return m
}

// newIncomingMsg picks the kind from what the server sent: a status line
// makes a status message, a JetStream ack reply makes a stream message.
func newIncomingMsg(subject, reply string, sid uint64, ctrlLen int, hdr *header.Header, status *header.Status, data []byte) *Msg {
	if data == nil {
		data = []byte{}
	}

	m := &Msg{
		subject: subject,
		reply:   reply,
		hdr:     hdr,
		data:    data,
		sid:     sid,
		ctrlLen: ctrlLen,
		status:  status,
		kind:    KindPlain,
	}

	switch {
	case status != nil:
		m.kind = KindStatus
	case strings.HasPrefix(reply, jsAckPrefix):
		m.kind = KindStream
	}

	m.size = ctrlLen + len(crlf) + m.headerLen() + len(data) + len(crlf)
	return m
}

func (m *Msg) Subject() string { return m.subject }
func (m *Msg) Reply() string   { return m.reply }
func (m *Msg) Data() []byte    { return m.data }
func (m *Msg) Kind() Kind      { return m.kind }

// Header returns the attached header, nil when there is none. Changes made
// through it are picked up by the next encoding.
func (m *Msg) Header() *header.Header { return m.hdr }

// Status is set on server status frames only.
func (m *Msg) Status() *header.Status { return m.status }

func (m *Msg) IsProtocol() bool  { return m.kind == KindProtocol }
func (m *Msg) IsStatus() bool    { return m.kind == KindStatus }
func (m *Msg) IsJetStream() bool { return m.kind == KindStream }

func (m *Msg) SetSubject(subject string) error {
	if err := ValidateSubject(subject, true); err != nil {
		return err
	}
	m.subject = subject
	m.dirty = true
	return nil
}

func (m *Msg) SetReply(reply string) error {
	if err := ValidateReplyTo(reply, false); err != nil {
		return err
	}
	m.reply = reply
	m.dirty = true
	return nil
}

func (m *Msg) SetHeader(h *header.Header) {
	m.hdr = h
	m.dirty = true
}

func (m *Msg) SetData(data []byte) {
	if data == nil {
		data = []byte{}
	}
	m.data = data
	m.dirty = true
}

func (m *Msg) hasHeader() bool {
	return m.hdr != nil && !m.hdr.IsEmpty()
}

func (m *Msg) headerLen() int {
	if m.kind == KindPublish {
		if !m.hasHeader() {
			return 0
		}
		return m.hdr.SerializedLength()
	}
	if m.hdr == nil {
		return 0
	}
	return m.hdr.SerializedLength()
}

func (m *Msg) stale() bool {
	if m.dirty || m.line == nil {
		return true
	}
	return m.hdr != nil && m.hdr.Generation() != m.hdrGen
}

// computeEncoding rebuilds the control line when the message changed since
// the last call and reports whether it did.
func (m *Msg) computeEncoding() bool {
	if m.kind != KindPublish || !m.stale() {
		return false
	}

	hdrLen := m.headerLen()
	total := hdrLen + len(m.data)

	b := bab.New(32 + 2*len(m.subject) + len(m.reply) + total)
	if hdrLen > 0 {
		b.AppendString("HPUB ")
	} else {
		b.AppendString("PUB ")
	}
	b.AppendString(m.subject).AppendByte(' ')
	if m.reply != "" {
		b.AppendString(m.reply).AppendByte(' ')
	}
	if hdrLen > 0 {
		b.AppendInt(hdrLen).AppendByte(' ')
	}
	b.AppendInt(total)

	m.line = b.Bytes()
	m.size = len(m.line) + len(crlf) + total + len(crlf)
	m.dirty = false
	if m.hdr != nil {
		m.hdrGen = m.hdr.Generation()
	}
	return true
}

func (m *Msg) sizeInBytes() int {
	m.computeEncoding()
	return m.size
}

func (m *Msg) controlLineLength() int {
	m.computeEncoding()
	if m.line != nil {
		return len(m.line) + len(crlf)
	}
	if m.ctrlLen > 0 {
		return m.ctrlLen + len(crlf)
	}
	return -1
}

// appendFrame appends the full wire frame of an outgoing message to buf.
func (m *Msg) appendFrame(buf []byte) []byte {
	m.computeEncoding()

	buf = append(buf, m.line...)
	buf = append(buf, crlf...)
	if m.kind == KindProtocol {
		return buf
	}
	if m.hasHeader() {
		buf = append(buf, m.hdr.SerializedBytes()...)
	}
	buf = append(buf, m.data...)
	return append(buf, crlf...)
}

func (m *Msg) String() string {
	var sb strings.Builder
	sb.WriteString(m.kind.String())
	sb.WriteString(" subject=")
	sb.WriteString(m.subject)
	sb.WriteString(" reply=")
	if m.reply == "" {
		sb.WriteString("<no reply>")
	} else {
		sb.WriteString(m.reply)
	}
	if m.status != nil {
		fmt.Fprintf(&sb, " status=%s", m.status)
	}
	if m.hasHeader() {
		fmt.Fprintf(&sb, " header=[%s]", m.hdr)
	}
	sb.WriteString(" data=")
	switch {
	case len(m.data) == 0:
		sb.WriteString("<no data>")
	case len(m.data) > detailDataLen:
		sb.Write(m.data[:detailDataLen])
		sb.WriteString("...")
	default:
		sb.Write(m.data)
	}
	return sb.String()
}
